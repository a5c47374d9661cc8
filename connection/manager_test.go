package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/PipeOpsHQ/airgen-go/observe"
	"github.com/PipeOpsHQ/airgen-go/recordstore"
	"github.com/PipeOpsHQ/airgen-go/recordstore/airtable"
	"github.com/PipeOpsHQ/airgen-go/recordstore/memory"
	"github.com/PipeOpsHQ/airgen-go/state"
	statemem "github.com/PipeOpsHQ/airgen-go/state/memory"
	"github.com/PipeOpsHQ/airgen-go/types"
)

type failingStore struct {
	err error
}

func (f failingStore) Fetch(context.Context, int) ([]types.Record, error) { return nil, f.err }

func (f failingStore) Update(context.Context, string, types.Fields) error { return f.err }

func openerFor(t *testing.T, wantKey string, store recordstore.Store) StoreOpener {
	t.Helper()
	return func(apiKey, baseID, table string) (recordstore.Store, error) {
		if apiKey != wantKey {
			t.Errorf("unexpected api key %q", apiKey)
		}
		if baseID == "" || table == "" {
			t.Errorf("credentials not passed through: %q %q", baseID, table)
		}
		return store, nil
	}
}

func TestConnect_SavesTrimmedCredentials(t *testing.T) {
	states := statemem.New()
	records := []types.Record{{ID: "rec1", Fields: types.FieldsOf("Title", "Vase")}}
	var rec observe.Recorder
	m, err := NewManager(states, WithOpener(openerFor(t, "pat123", memory.New(records))), WithObserver(&rec))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	got, err := m.Connect(context.Background(), Credentials{APIKey: " pat123 ", BaseID: " appA ", TableName: " Objects\n"})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "rec1" {
		t.Fatalf("unexpected records: %#v", got)
	}

	saved, err := states.LoadConnection(context.Background(), state.ConnectionKey)
	if err != nil {
		t.Fatalf("connection not saved: %v", err)
	}
	if saved.APIKey != "pat123" || saved.BaseID != "appA" || saved.TableName != "Objects" {
		t.Fatalf("credentials not trimmed: %#v", saved)
	}
	if base, table, ok := m.Connected(); !ok || base != "appA" || table != "Objects" {
		t.Fatalf("unexpected connected state: %q %q %v", base, table, ok)
	}
	if events := rec.Events(); len(events) != 1 || events[0].Status != observe.StatusCompleted || events[0].Kind != observe.KindConnection {
		t.Fatalf("expected one completed connection event, got %#v", events)
	}
}

func TestConnect_ErrorKinds(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantConn bool
	}{
		{name: "auth", err: &recordstore.Error{Kind: recordstore.KindAuth, Status: 401}, wantConn: true},
		{name: "not found", err: &recordstore.Error{Kind: recordstore.KindNotFound, Status: 404}, wantConn: true},
		{name: "network", err: &recordstore.Error{Kind: recordstore.KindNetwork, Message: "dial tcp"}, wantConn: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			states := statemem.New()
			m, _ := NewManager(states, WithOpener(func(string, string, string) (recordstore.Store, error) {
				return failingStore{err: tt.err}, nil
			}))
			_, err := m.Connect(context.Background(), Credentials{APIKey: "k", BaseID: "b", TableName: "t"})

			var connErr *ConnectionError
			var fetchErr *FetchError
			if tt.wantConn && !errors.As(err, &connErr) {
				t.Fatalf("expected ConnectionError, got %v", err)
			}
			if !tt.wantConn && !errors.As(err, &fetchErr) {
				t.Fatalf("expected FetchError, got %v", err)
			}
			if _, err := states.LoadConnection(context.Background(), state.ConnectionKey); !errors.Is(err, state.ErrNotFound) {
				t.Fatalf("failed connect must not save credentials")
			}
			if _, err := m.Store(); !errors.Is(err, ErrNotConnected) {
				t.Fatalf("expected ErrNotConnected, got %v", err)
			}
		})
	}
}

func TestConnect_EnvSecretReference(t *testing.T) {
	t.Setenv("AIRGEN_TEST_PAT", "patFromEnv")
	states := statemem.New()
	m, _ := NewManager(states, WithOpener(openerFor(t, "patFromEnv", memory.New(nil))))

	if _, err := m.Connect(context.Background(), Credentials{APIKey: "env:AIRGEN_TEST_PAT", BaseID: "b", TableName: "t"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	saved, _ := states.LoadConnection(context.Background(), state.ConnectionKey)
	if saved.APIKey != "env:AIRGEN_TEST_PAT" {
		t.Fatalf("expected the reference to be saved, got %q", saved.APIKey)
	}

	_, err := m.Connect(context.Background(), Credentials{APIKey: "env:AIRGEN_MISSING_VAR", BaseID: "b", TableName: "t"})
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError for missing env secret, got %v", err)
	}
}

func TestReconnect(t *testing.T) {
	ctx := context.Background()

	t.Run("no saved connection", func(t *testing.T) {
		m, _ := NewManager(statemem.New())
		if _, err := m.Reconnect(ctx); !errors.Is(err, ErrNoSavedConnection) {
			t.Fatalf("expected ErrNoSavedConnection, got %v", err)
		}
	})

	t.Run("restores saved connection", func(t *testing.T) {
		states := statemem.New()
		_ = states.SaveConnection(ctx, state.ConnectionKey, state.ConnectionRecord{APIKey: "k", BaseID: "b", TableName: "t"})
		records := []types.Record{{ID: "rec1"}}
		m, _ := NewManager(states, WithOpener(openerFor(t, "k", memory.New(records))))

		got, err := m.Reconnect(ctx)
		if err != nil || len(got) != 1 {
			t.Fatalf("Reconnect = %v, %v", got, err)
		}
		if _, err := m.Store(); err != nil {
			t.Fatalf("expected connected store: %v", err)
		}
	})

	t.Run("failure forgets saved connection", func(t *testing.T) {
		states := statemem.New()
		_ = states.SaveConnection(ctx, state.ConnectionKey, state.ConnectionRecord{APIKey: "revoked", BaseID: "b", TableName: "t"})
		m, _ := NewManager(states, WithOpener(func(string, string, string) (recordstore.Store, error) {
			return failingStore{err: &recordstore.Error{Kind: recordstore.KindAuth, Status: 401}}, nil
		}))

		if _, err := m.Reconnect(ctx); err == nil {
			t.Fatalf("expected reconnect failure")
		}
		if _, err := states.LoadConnection(ctx, state.ConnectionKey); !errors.Is(err, state.ErrNotFound) {
			t.Fatalf("expected saved connection to be removed, got %v", err)
		}
	})
}

func TestLogout(t *testing.T) {
	ctx := context.Background()
	states := statemem.New()
	m, _ := NewManager(states, WithOpener(openerFor(t, "k", memory.New([]types.Record{{ID: "rec1"}}))))
	if _, err := m.Connect(ctx, Credentials{APIKey: "k", BaseID: "b", TableName: "t"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := m.Logout(ctx); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, _, ok := m.Connected(); ok {
		t.Fatalf("expected disconnected manager")
	}
	if len(m.Records()) != 0 {
		t.Fatalf("expected records cleared")
	}
	if _, err := states.LoadConnection(ctx, state.ConnectionKey); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected saved connection removed")
	}
	if _, err := m.Refresh(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after logout, got %v", err)
	}
}

func TestConnect_AirtableEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"type":"AUTHENTICATION_REQUIRED","message":"Invalid authentication token"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"records":[{"id":"rec1","createdTime":"2024-01-01T00:00:00.000Z","fields":{"Title":"Vase"}}]}`))
	}))
	defer srv.Close()

	states := statemem.New()
	m, _ := NewManager(states, WithOpener(AirtableOpener(airtable.WithBaseURL(srv.URL))))

	_, err := m.Connect(context.Background(), Credentials{APIKey: "bad", BaseID: "app", TableName: "Objects"})
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || connErr.Kind != recordstore.KindAuth {
		t.Fatalf("expected auth ConnectionError, got %v", err)
	}

	records, err := m.Connect(context.Background(), Credentials{APIKey: "good", BaseID: "app", TableName: "Objects"})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != "rec1" {
		t.Fatalf("unexpected records: %#v", records)
	}
}

func TestResolveSecret(t *testing.T) {
	t.Setenv("AIRGEN_SECRET_X", " value ")
	if v, err := ResolveSecret("env:AIRGEN_SECRET_X"); err != nil || v != "value" {
		t.Fatalf("ResolveSecret env = %q, %v", v, err)
	}
	if v, err := ResolveSecret(" literal "); err != nil || v != "literal" {
		t.Fatalf("ResolveSecret literal = %q, %v", v, err)
	}
	if _, err := ResolveSecret(""); err == nil {
		t.Fatalf("expected error for empty secret")
	}
	if _, err := ResolveSecret("env:"); err == nil {
		t.Fatalf("expected error for empty env key")
	}
}
