package sealed

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/PipeOpsHQ/airgen-go/state"
	"github.com/PipeOpsHQ/airgen-go/state/memory"
)

func TestSealedStore_RoundTrip(t *testing.T) {
	inner := memory.New()
	s, err := New(inner, "correct horse", WithWorkFactor(1<<10))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	conn := state.ConnectionRecord{APIKey: "patSecret.123", BaseID: "appA", TableName: "Objects"}
	if err := s.SaveConnection(ctx, state.ConnectionKey, conn); err != nil {
		t.Fatalf("SaveConnection failed: %v", err)
	}

	raw, err := inner.LoadConnection(ctx, state.ConnectionKey)
	if err != nil {
		t.Fatalf("inner LoadConnection failed: %v", err)
	}
	if !IsSealed(raw.APIKey) || strings.Contains(raw.APIKey, "patSecret") {
		t.Fatalf("api key stored in the clear: %q", raw.APIKey)
	}
	if raw.BaseID != "appA" || raw.TableName != "Objects" {
		t.Fatalf("non-secret fields must be stored as-is: %#v", raw)
	}

	got, err := s.LoadConnection(ctx, state.ConnectionKey)
	if err != nil {
		t.Fatalf("LoadConnection failed: %v", err)
	}
	if got.APIKey != "patSecret.123" {
		t.Fatalf("unexpected api key: %q", got.APIKey)
	}
}

func TestSealedStore_WrongPassphrase(t *testing.T) {
	inner := memory.New()
	ctx := context.Background()
	writer, _ := New(inner, "one", WithWorkFactor(1<<10))
	if err := writer.SaveConnection(ctx, state.ConnectionKey, state.ConnectionRecord{APIKey: "k", BaseID: "b", TableName: "t"}); err != nil {
		t.Fatalf("SaveConnection failed: %v", err)
	}

	reader, _ := New(inner, "two", WithWorkFactor(1<<10))
	if _, err := reader.LoadConnection(ctx, state.ConnectionKey); !errors.Is(err, ErrWrongPassphrase) {
		t.Fatalf("expected ErrWrongPassphrase, got %v", err)
	}
}

func TestSealedStore_PlaintextPassesThrough(t *testing.T) {
	inner := memory.New()
	ctx := context.Background()
	if err := inner.SaveConnection(ctx, state.ConnectionKey, state.ConnectionRecord{APIKey: "legacy", BaseID: "b", TableName: "t"}); err != nil {
		t.Fatalf("SaveConnection failed: %v", err)
	}
	s, _ := New(inner, "pass", WithWorkFactor(1<<10))
	got, err := s.LoadConnection(ctx, state.ConnectionKey)
	if err != nil || got.APIKey != "legacy" {
		t.Fatalf("LoadConnection = %#v, %v", got, err)
	}
}

func TestNew_RequiresPassphrase(t *testing.T) {
	if _, err := New(memory.New(), "  "); err == nil {
		t.Fatalf("expected error for empty passphrase")
	}
}
