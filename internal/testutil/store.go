package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"pm-go/internal/model"
	"pm-go/internal/pm"
)

// GatedStore wraps a store and parks the pipeline inside a chosen call until
// the test releases it, so tests can act while an operation is mid-phase.
type GatedStore struct {
	pm.Store

	table   string
	reached chan struct{}
	release chan struct{}
	once    sync.Once
	relOnce sync.Once
}

// NewGatedStore gates snapshot reads and restore inserts of table.
// An empty table gates the first call for any table.
func NewGatedStore(store pm.Store, table string) *GatedStore {
	return &GatedStore{
		Store:   store,
		table:   table,
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
}

// Reached is closed once the pipeline is parked at the gate.
func (g *GatedStore) Reached() <-chan struct{} { return g.reached }

// Release lets the parked call, and every later one, proceed.
func (g *GatedStore) Release() { g.relOnce.Do(func() { close(g.release) }) }

func (g *GatedStore) wait(ctx context.Context, table string) error {
	if g.table != "" && table != g.table {
		return nil
	}
	g.once.Do(func() { close(g.reached) })
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *GatedStore) BeginSnapshot(ctx context.Context) (pm.Snapshot, error) {
	snap, err := g.Store.BeginSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &gatedSnapshot{Snapshot: snap, gate: g}, nil
}

func (g *GatedStore) BeginRestore(ctx context.Context) (pm.Restorer, error) {
	rs, err := g.Store.BeginRestore(ctx)
	if err != nil {
		return nil, err
	}
	return &gatedRestorer{Restorer: rs, gate: g}, nil
}

type gatedSnapshot struct {
	pm.Snapshot
	gate *GatedStore
}

func (s *gatedSnapshot) ReadRows(ctx context.Context, table *model.Table, offset int64, limit int) ([]model.Row, error) {
	if err := s.gate.wait(ctx, table.Name); err != nil {
		return nil, err
	}
	return s.Snapshot.ReadRows(ctx, table, offset, limit)
}

type gatedRestorer struct {
	pm.Restorer
	gate *GatedStore
}

func (r *gatedRestorer) InsertRows(ctx context.Context, table *model.Table, rows []model.Row) error {
	if err := r.gate.wait(ctx, table.Name); err != nil {
		return err
	}
	return r.Restorer.InsertRows(ctx, table, rows)
}

// FlakyStore wraps a store so that snapshot reads fail with a transient error
// a fixed number of times before succeeding.
type FlakyStore struct {
	pm.Store

	failures atomic.Int64
	calls    atomic.Int64
}

// NewFlakyStore fails the first failures snapshot reads.
func NewFlakyStore(store pm.Store, failures int) *FlakyStore {
	f := &FlakyStore{Store: store}
	f.failures.Store(int64(failures))
	return f
}

// ReadCalls returns the number of ReadRows calls seen, including failed ones.
func (f *FlakyStore) ReadCalls() int64 { return f.calls.Load() }

func (f *FlakyStore) BeginSnapshot(ctx context.Context) (pm.Snapshot, error) {
	snap, err := f.Store.BeginSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &flakySnapshot{Snapshot: snap, store: f}, nil
}

type flakySnapshot struct {
	pm.Snapshot
	store *FlakyStore
}

func (s *flakySnapshot) ReadRows(ctx context.Context, table *model.Table, offset int64, limit int) ([]model.Row, error) {
	s.store.calls.Add(1)
	if s.store.failures.Add(-1) >= 0 {
		return nil, fmt.Errorf("%w: database is locked", pm.ErrTransient)
	}
	return s.Snapshot.ReadRows(ctx, table, offset, limit)
}

// ErrHistoryUnavailable is returned by a store built with NewHistorylessStore.
var ErrHistoryUnavailable = errors.New("history unavailable")

// HistorylessStore wraps a store whose operation history cannot be written.
type HistorylessStore struct {
	pm.Store
}

func (HistorylessStore) SaveOperation(context.Context, *pm.OperationRecord) error {
	return ErrHistoryUnavailable
}

var (
	_ pm.Store = (*GatedStore)(nil)
	_ pm.Store = (*FlakyStore)(nil)
	_ pm.Store = HistorylessStore{}
)
