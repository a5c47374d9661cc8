// Package connection owns the record store connection: it validates
// credentials with a first fetch, remembers them in the state store, reconnects
// silently on startup and forgets them on logout.
package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PipeOpsHQ/airgen-go/observe"
	"github.com/PipeOpsHQ/airgen-go/recordstore"
	"github.com/PipeOpsHQ/airgen-go/recordstore/airtable"
	"github.com/PipeOpsHQ/airgen-go/state"
	"github.com/PipeOpsHQ/airgen-go/types"
)

const defaultFetchLimit = 50

var (
	ErrNoSavedConnection = errors.New("connection: no saved connection")
	ErrNotConnected      = errors.New("connection: not connected")
)

// ConnectionError means the credentials were rejected or the base/table does
// not exist.
type ConnectionError struct {
	Kind recordstore.Kind
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// FetchError means the record store could not be reached.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed: %v", e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

type Credentials struct {
	// APIKey may be an "env:NAME" reference; the reference is what gets saved.
	APIKey    string
	BaseID    string
	TableName string
}

func (c Credentials) trimmed() Credentials {
	return Credentials{
		APIKey:    strings.TrimSpace(c.APIKey),
		BaseID:    strings.TrimSpace(c.BaseID),
		TableName: strings.TrimSpace(c.TableName),
	}
}

// StoreOpener builds a record store for resolved credentials.
type StoreOpener func(apiKey, baseID, table string) (recordstore.Store, error)

func AirtableOpener(opts ...airtable.Option) StoreOpener {
	return func(apiKey, baseID, table string) (recordstore.Store, error) {
		return airtable.New(apiKey, baseID, table, opts...)
	}
}

type Manager struct {
	states state.Store
	open   StoreOpener
	limit  int
	key    string
	sink   observe.Sink

	mu      sync.Mutex
	creds   *Credentials
	store   recordstore.Store
	records []types.Record
}

type Option func(*Manager)

func WithOpener(open StoreOpener) Option {
	return func(m *Manager) {
		if open != nil {
			m.open = open
		}
	}
}

func WithFetchLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.limit = n
		}
	}
}

// WithKey overrides the state key credentials are saved under.
func WithKey(key string) Option {
	return func(m *Manager) {
		if strings.TrimSpace(key) != "" {
			m.key = key
		}
	}
}

func WithObserver(sink observe.Sink) Option {
	return func(m *Manager) {
		if sink != nil {
			m.sink = sink
		}
	}
}

func NewManager(states state.Store, opts ...Option) (*Manager, error) {
	if states == nil {
		return nil, fmt.Errorf("state store is required")
	}
	m := &Manager{
		states: states,
		open:   AirtableOpener(),
		limit:  defaultFetchLimit,
		key:    state.ConnectionKey,
		sink:   observe.NoopSink{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Connect validates creds by fetching the first batch of records. On success
// the credentials are saved and the records returned; nothing is saved on
// failure.
func (m *Manager) Connect(ctx context.Context, creds Credentials) ([]types.Record, error) {
	creds = creds.trimmed()
	store, records, err := m.dial(ctx, creds)
	if err != nil {
		m.event(ctx, observe.StatusFailed, creds, err)
		return nil, err
	}
	if err := m.states.SaveConnection(ctx, m.key, state.ConnectionRecord{
		APIKey:    creds.APIKey,
		BaseID:    creds.BaseID,
		TableName: creds.TableName,
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("failed to save connection: %w", err)
	}
	m.set(&creds, store, records)
	m.event(ctx, observe.StatusCompleted, creds, nil)
	return cloneRecords(records), nil
}

// Reconnect restores the saved connection. A saved connection that no longer
// works is deleted and the failure returned.
func (m *Manager) Reconnect(ctx context.Context) ([]types.Record, error) {
	saved, err := m.states.LoadConnection(ctx, m.key)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, ErrNoSavedConnection
		}
		return nil, fmt.Errorf("failed to load saved connection: %w", err)
	}
	creds := Credentials{APIKey: saved.APIKey, BaseID: saved.BaseID, TableName: saved.TableName}
	store, records, err := m.dial(ctx, creds)
	if err != nil {
		if derr := m.states.DeleteConnection(ctx, m.key); derr != nil {
			err = errors.Join(err, fmt.Errorf("failed to forget saved connection: %w", derr))
		}
		m.event(ctx, observe.StatusFailed, creds, err)
		return nil, err
	}
	m.set(&creds, store, records)
	m.event(ctx, observe.StatusCompleted, creds, nil)
	return cloneRecords(records), nil
}

// Logout drops the in-memory connection and forgets the saved credentials.
func (m *Manager) Logout(ctx context.Context) error {
	m.set(nil, nil, nil)
	if err := m.states.DeleteConnection(ctx, m.key); err != nil {
		return fmt.Errorf("failed to delete saved connection: %w", err)
	}
	return nil
}

// Refresh fetches the records again over the current connection.
func (m *Manager) Refresh(ctx context.Context) ([]types.Record, error) {
	m.mu.Lock()
	store := m.store
	m.mu.Unlock()
	if store == nil {
		return nil, ErrNotConnected
	}
	records, err := store.Fetch(ctx, m.limit)
	if err != nil {
		return nil, classify(err)
	}
	m.mu.Lock()
	m.records = cloneRecords(records)
	m.mu.Unlock()
	return records, nil
}

// Store returns the connected record store.
func (m *Manager) Store() (recordstore.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return nil, ErrNotConnected
	}
	return m.store, nil
}

func (m *Manager) Records() []types.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneRecords(m.records)
}

// Connected reports the base and table of the current connection.
func (m *Manager) Connected() (baseID, table string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return "", "", false
	}
	return m.creds.BaseID, m.creds.TableName, true
}

func (m *Manager) dial(ctx context.Context, creds Credentials) (recordstore.Store, []types.Record, error) {
	apiKey, err := ResolveSecret(creds.APIKey)
	if err != nil {
		return nil, nil, &ConnectionError{Kind: recordstore.KindAuth, Err: err}
	}
	store, err := m.open(apiKey, creds.BaseID, creds.TableName)
	if err != nil {
		return nil, nil, &ConnectionError{Err: err}
	}
	records, err := store.Fetch(ctx, m.limit)
	if err != nil {
		return nil, nil, classify(err)
	}
	return store, records, nil
}

func (m *Manager) set(creds *Credentials, store recordstore.Store, records []types.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = creds
	m.store = store
	m.records = cloneRecords(records)
}

func (m *Manager) event(ctx context.Context, status observe.Status, creds Credentials, err error) {
	ev := observe.Event{
		Kind:   observe.KindConnection,
		Status: status,
		Name:   "connection",
		Attributes: map[string]any{
			"base":   creds.BaseID,
			"table":  creds.TableName,
			"envKey": isSecretRef(creds.APIKey),
		},
	}
	if err != nil {
		ev.Error = err.Error()
	}
	_ = m.sink.Emit(context.WithoutCancel(ctx), ev)
}

func classify(err error) error {
	switch recordstore.KindOf(err) {
	case recordstore.KindAuth, recordstore.KindNotFound:
		return &ConnectionError{Kind: recordstore.KindOf(err), Err: err}
	default:
		return &FetchError{Err: err}
	}
}

func cloneRecords(in []types.Record) []types.Record {
	if in == nil {
		return nil
	}
	out := make([]types.Record, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
