package pm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pm-go/internal/model"
)

// retainedOperations is how many finished operations Status can still report.
const retainedOperations = 32

// maxReadAttempts bounds retries of a snapshot chunk read on transient store errors.
const maxReadAttempts = 3

// ProcessGuard extends the exclusive token to other processes that share the store.
type ProcessGuard interface {
	// TryAcquire takes the guard without blocking. When another process holds it,
	// the error wraps ErrAlreadyRunning.
	TryAcquire() (release func(), err error)
}

// Orchestrator runs exports and imports of the store, one at a time.
type Orchestrator struct {
	store  Store
	fsmgr  FilesystemManager
	spool  Spool
	logger Logger
	clock  Clock
	idgen  IDGenerator
	guard  ProcessGuard

	// active holds the operation that owns the exclusive token, or nil.
	active atomic.Pointer[operation]

	mu       sync.Mutex
	ops      map[string]*operation
	finished []string // ids of terminal operations, oldest first

	retryDelay time.Duration
}

// NewOrchestrator creates an Orchestrator with the provided dependencies.
func NewOrchestrator(store Store, fsmgr FilesystemManager, spool Spool, logger Logger, clock Clock, idgen IDGenerator) *Orchestrator {
	return &Orchestrator{
		store:      store,
		fsmgr:      fsmgr,
		spool:      spool,
		logger:     logger,
		clock:      clock,
		idgen:      idgen,
		ops:        make(map[string]*operation),
		retryDelay: 50 * time.Millisecond,
	}
}

// SetProcessGuard makes every operation also hold g. Call it before starting operations.
func (o *Orchestrator) SetProcessGuard(g ProcessGuard) {
	o.guard = g
}

// Active returns the id of the running operation, if any.
func (o *Orchestrator) Active() (string, bool) {
	if op := o.active.Load(); op != nil {
		return op.id, true
	}
	return "", false
}

// Status returns the latest progress snapshot of a running or recently finished operation.
func (o *Orchestrator) Status(id string) (Progress, bool) {
	op := o.lookup(id)
	if op == nil {
		return Progress{}, false
	}
	return op.snapshot(), true
}

// Cancel requests cooperative cancellation of an operation.
// Canceling a finished operation is a no-op.
func (o *Orchestrator) Cancel(id string) error {
	op := o.lookup(id)
	if op == nil {
		return fmt.Errorf("%w: %s", ErrUnknownOperation, id)
	}
	op.requestCancel()
	o.logger.Info("cancel requested", "operation", id)
	return nil
}

// Subscribe registers obs for updates of an operation. The latest snapshot is
// delivered first, then every later update in order. The returned function
// unsubscribes; calling it more than once is safe.
func (o *Orchestrator) Subscribe(id string, obs Observer) (func(), error) {
	op := o.lookup(id)
	if op == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, id)
	}
	return op.subscribe(obs), nil
}

// History returns the most recent operations recorded in the store, newest first.
func (o *Orchestrator) History(ctx context.Context, limit int) ([]*OperationRecord, error) {
	recs, err := o.store.ListOperations(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return recs, nil
}

func (o *Orchestrator) lookup(id string) *operation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ops[id]
}

// acquire creates a new operation holding the exclusive token.
func (o *Orchestrator) acquire(kind Kind) (*operation, error) {
	op := newOperation(o.idgen.New(), kind)
	if !o.active.CompareAndSwap(nil, op) {
		if cur := o.active.Load(); cur != nil {
			return nil, fmt.Errorf("%w: %s %s", ErrAlreadyRunning, cur.kind, cur.id)
		}
		return nil, ErrAlreadyRunning
	}
	if o.guard != nil {
		release, err := o.guard.TryAcquire()
		if err != nil {
			o.active.CompareAndSwap(op, nil)
			return nil, err
		}
		op.releaseGuard = release
	}
	return op, nil
}

func (o *Orchestrator) release(op *operation) {
	if op.releaseGuard != nil {
		op.releaseGuard()
		op.releaseGuard = nil
	}
	o.active.CompareAndSwap(op, nil)
}

// launch makes a prepared operation visible and runs fn on its own goroutine.
func (o *Orchestrator) launch(ctx context.Context, op *operation, tr *tracker, obs Observer, rec *OperationRecord, fn func(context.Context, *Result) error) *Handle {
	o.mu.Lock()
	o.ops[op.id] = op
	o.mu.Unlock()

	tr.enter(PhasePrepare, "")
	if obs != nil {
		op.subscribe(obs)
	}
	o.saveRecord(ctx, rec)
	o.logger.Info("operation started", "operation", op.id, "kind", op.kind, "path", rec.Path)

	// The operation outlives the caller's request.
	ctx = context.WithoutCancel(ctx)
	go func() {
		res := Result{Kind: op.kind, OperationID: op.id}
		err := fn(ctx, &res)
		o.finish(ctx, op, tr, rec, res, err)
	}()

	return &Handle{op: op, ID: op.id, Kind: op.kind}
}

// finish moves op to its terminal status, releases the token and closes done.
func (o *Orchestrator) finish(ctx context.Context, op *operation, tr *tracker, rec *OperationRecord, res Result, err error) {
	status := StatusCompleted
	switch {
	case errors.Is(err, errCanceled):
		status = StatusCanceled
		res = Result{Kind: res.Kind, OperationID: res.OperationID, Canceled: true}
		err = nil
	case err != nil:
		status = StatusFailed
	}

	op.result = res
	op.err = err

	now := o.clock.Now()
	rec.Status = status
	rec.FinishedAt = &now
	rec.Tables = res.Tables
	rec.Rows = res.Rows
	rec.SizeBytes = res.SizeBytes
	if err != nil {
		rec.Error = err.Error()
	}
	o.saveRecord(ctx, rec)

	switch status {
	case StatusFailed:
		o.logger.Error("operation failed", "operation", op.id, "kind", op.kind, "phase", tr.last.Phase, "error", err)
	case StatusCanceled:
		o.logger.Warn("operation canceled", "operation", op.id, "kind", op.kind, "phase", tr.last.Phase)
	default:
		o.logger.Info("operation completed", "operation", op.id, "kind", op.kind, "tables", res.Tables, "rows", res.Rows, "bytes", res.SizeBytes)
	}

	o.release(op)
	tr.finish(status, err)
	o.retire(op)
	close(op.done)
}

// retire keeps op reachable through Status for a bounded number of later operations.
func (o *Orchestrator) retire(op *operation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, op.id)
	for len(o.finished) > retainedOperations {
		delete(o.ops, o.finished[0])
		o.finished = o.finished[1:]
	}
}

// saveRecord writes the history record. History is best effort and never fails an operation.
func (o *Orchestrator) saveRecord(ctx context.Context, rec *OperationRecord) {
	if err := o.store.SaveOperation(ctx, rec); err != nil {
		o.logger.Warn("recording operation history", "operation", rec.ID, "error", err)
	}
}

// readChunk reads one chunk of rows, retrying transient store errors.
func (o *Orchestrator) readChunk(ctx context.Context, snap Snapshot, table *model.Table, offset int64, limit int) ([]model.Row, error) {
	var err error
	for attempt := 1; attempt <= maxReadAttempts; attempt++ {
		var rows []model.Row
		rows, err = snap.ReadRows(ctx, table, offset, limit)
		if err == nil {
			return rows, nil
		}
		if !errors.Is(err, ErrTransient) || attempt == maxReadAttempts {
			break
		}
		o.logger.Warn("retrying snapshot read", "table", table.Name, "offset", offset, "attempt", attempt, "error", err)
		time.Sleep(o.retryDelay * time.Duration(attempt))
	}
	return nil, fmt.Errorf("reading %s at offset %d: %w", table.Name, offset, err)
}

// buffers tracks the spool buffers of one operation so they are always discarded.
type buffers struct {
	spool Spool
	opID  string
	all   []SpoolBuffer
}

func (b *buffers) create(name string) (SpoolBuffer, error) {
	buf, err := b.spool.Create(b.opID + "-" + name)
	if err != nil {
		return nil, fmt.Errorf("creating %s buffer: %w", name, err)
	}
	b.all = append(b.all, buf)
	return buf, nil
}

func (b *buffers) discard() {
	for _, buf := range b.all {
		_ = buf.Discard()
	}
	b.all = nil
}
