package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/PipeOpsHQ/airgen-go/recordstore"
	"github.com/PipeOpsHQ/airgen-go/types"
)

func TestStore_UpdateMergesPartially(t *testing.T) {
	s := New([]types.Record{{ID: "rec1", Fields: types.FieldsOf("Title", "Vase", "Description", "old")}})

	if err := s.Update(context.Background(), "rec1", types.FieldsOf("Description", "new")); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ := s.Get("rec1")
	title, _ := got.Fields.Get("Title")
	desc, _ := got.Fields.Get("Description")
	if title.String() != "Vase" || desc.String() != "new" {
		t.Fatalf("unexpected fields after merge: %q %q", title.String(), desc.String())
	}
	if s.Updates() != 1 {
		t.Fatalf("expected one update, got %d", s.Updates())
	}
}

func TestStore_UpdateUnknownRecord(t *testing.T) {
	s := New(nil)
	err := s.Update(context.Background(), "missing", types.FieldsOf("A", "b"))
	if recordstore.KindOf(err) != recordstore.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStore_HookCanFailUpdates(t *testing.T) {
	boom := errors.New("boom")
	s := New([]types.Record{{ID: "rec1", Fields: types.FieldsOf("A", "x")}}, WithUpdateHook(func(context.Context, string, types.Fields) error {
		return boom
	}))
	if err := s.Update(context.Background(), "rec1", types.FieldsOf("A", "y")); !errors.Is(err, boom) {
		t.Fatalf("expected hook error, got %v", err)
	}
	got, _ := s.Get("rec1")
	if v, _ := got.Fields.Get("A"); v.String() != "x" {
		t.Fatalf("record must be untouched, got %q", v.String())
	}
}

func TestStore_FetchReturnsCopiesUpToLimit(t *testing.T) {
	s := New([]types.Record{
		{ID: "a", Fields: types.FieldsOf("N", 1)},
		{ID: "b", Fields: types.FieldsOf("N", 2)},
	})
	out, err := s.Fetch(context.Background(), 1)
	if err != nil || len(out) != 1 || out[0].ID != "a" {
		t.Fatalf("unexpected fetch: %v %#v", err, out)
	}
	out[0].Fields.Set("N", types.Number(99))
	got, _ := s.Get("a")
	if v, _ := got.Fields.Get("N"); v.String() != "1" {
		t.Fatalf("fetch must return copies, got %q", v.String())
	}
}
