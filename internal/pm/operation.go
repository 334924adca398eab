package pm

import (
	"context"
	"sync"
	"sync/atomic"

	"pm-go/internal/artifact"
)

// Observer receives progress updates for one operation, in emission order.
// Observers run on their own goroutine and never block the pipeline.
type Observer func(Progress)

// ExportOptions configures StartExport.
type ExportOptions struct {
	// Encryptor seals the payload. Required.
	Encryptor Encryptor

	// Compression selects the envelope codec. Zero selects zstd.
	Compression artifact.Compression

	// ChunkSize is the number of rows read per snapshot query. Zero selects DefaultChunkSize.
	ChunkSize int

	// Observer, if set, is subscribed before the operation starts so that it
	// sees every update.
	Observer Observer
}

// ImportOptions configures StartImport.
type ImportOptions struct {
	// Decryptor opens the payload. Required.
	Decryptor DecryptionContext

	// ChunkSize is the maximum rows per insert batch. Zero selects DefaultChunkSize.
	ChunkSize int

	// AllowOlderSchema restores artifacts written by an older schema version.
	// The store must then be migrated before the application uses it again.
	AllowOlderSchema bool

	Observer Observer
}

// DefaultChunkSize is the number of rows per snapshot read and restore batch.
const DefaultChunkSize = 500

// Result is the outcome of an operation that did not fail.
type Result struct {
	Kind        Kind
	OperationID string
	Canceled    bool

	FilePath  string
	SizeBytes int64
	Tables    int
	Rows      int64

	// RestartRequired is set after an import: the application must reopen the store.
	RestartRequired bool
}

// Handle refers to a started operation.
type Handle struct {
	op   *operation
	ID   string
	Kind Kind
}

// Cancel requests cooperative cancellation. It is a no-op once the operation is terminal.
func (h *Handle) Cancel() {
	h.op.requestCancel()
}

// Done is closed when the operation reaches a terminal status.
func (h *Handle) Done() <-chan struct{} {
	return h.op.done
}

// Wait blocks until the operation is terminal or ctx is done.
// A canceled operation returns a Result with Canceled set and a nil error.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.op.done:
		return h.op.result, h.op.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Subscribe registers an observer on this operation. See Orchestrator.Subscribe.
func (h *Handle) Subscribe(obs Observer) func() {
	return h.op.subscribe(obs)
}

// operation is the orchestrator's state for one export or import.
type operation struct {
	id   string
	kind Kind

	canceled atomic.Bool
	done     chan struct{}

	// releaseGuard drops the cross-process guard; nil without one
	releaseGuard func()

	// set once before done is closed
	result Result
	err    error

	mu     sync.Mutex
	latest Progress
	subs   map[*subscription]struct{}
}

func newOperation(id string, kind Kind) *operation {
	return &operation{
		id:     id,
		kind:   kind,
		done:   make(chan struct{}),
		subs:   make(map[*subscription]struct{}),
		latest: Progress{OperationID: id, Kind: kind, Phase: PhasePrepare, Status: StatusRunning},
	}
}

func (op *operation) requestCancel() {
	op.canceled.Store(true)
}

// checkpoint returns errCanceled if cancellation was requested.
// The pipeline calls it between atomic units of work.
func (op *operation) checkpoint() error {
	if op.canceled.Load() {
		return errCanceled
	}
	return nil
}

func (op *operation) snapshot() Progress {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.latest
}

// emit records p as the latest snapshot and queues it for every subscriber.
func (op *operation) emit(p Progress) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.latest = p
	for s := range op.subs {
		s.push(p)
	}
	if p.Status.Terminal() {
		clear(op.subs)
	}
}

// subscribe registers obs and queues the latest snapshot to it first.
// The returned function unsubscribes and may be called any number of times.
func (op *operation) subscribe(obs Observer) func() {
	s := newSubscription(obs)

	op.mu.Lock()
	s.push(op.latest)
	if !op.latest.Status.Terminal() {
		op.subs[s] = struct{}{}
	}
	op.mu.Unlock()

	go s.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			op.mu.Lock()
			delete(op.subs, s)
			op.mu.Unlock()
			s.close()
		})
	}
}

// subscription delivers updates to one observer through an unbounded ordered queue.
type subscription struct {
	obs Observer

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Progress
	closed bool
}

func newSubscription(obs Observer) *subscription {
	s := &subscription{obs: obs}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscription) push(p Progress) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, p)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.cond.Signal()
	s.mu.Unlock()
}

// run delivers queued updates until the subscription is closed or a terminal
// update has been delivered.
func (s *subscription) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		p := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.obs(p)
		if p.Status.Terminal() {
			return
		}
	}
}
