package player

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"chunk-player/internal/platform/metrics"
)

// Mutation kinds, used for logging and metrics only. The queue itself never
// interprets them.
const (
	MutationAppend = "append"
	MutationRemove = "remove"
)

// Mutation performs exactly one sink mutation and returns once the sink has
// reported it complete (or rejected it).
type Mutation func() error

// Handle resolves when its mutation has completed or failed.
type Handle struct {
	kind string
	done chan struct{}
	err  error
}

func newHandle(kind string) *Handle {
	return &Handle{kind: kind, done: make(chan struct{})}
}

// resolvedHandle returns a handle that is already complete with err.
func resolvedHandle(kind string, err error) *Handle {
	h := newHandle(kind)
	h.resolve(err)
	return h
}

func (h *Handle) resolve(err error) {
	h.err = err
	close(h.done)
}

// Kind returns the mutation kind the handle was enqueued with.
func (h *Handle) Kind() string {
	return h.kind
}

// Done is closed once the mutation has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the mutation's result. It is only meaningful after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the mutation finishes or ctx is done. Giving up on ctx
// does not abort the mutation; it keeps its place in the queue.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type queuedMutation struct {
	kind   string
	run    Mutation
	handle *Handle
}

// MutationQueue serializes every mutation against a single-writer sink. One
// worker goroutine drains the queue strictly in enqueue order and never
// starts a mutation before the previous one has completed.
type MutationQueue struct {
	busy    func() bool
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	pending  []*queuedMutation
	closed   bool
	launched bool

	wake      chan struct{}
	quit      chan struct{}
	stopped   chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// NewMutationQueue returns a stopped queue. busy reports whether the sink is
// mid-mutation; a mutation dequeued while busy fails with ErrSinkBusy and is
// not re-queued. Metrics may be nil.
func NewMutationQueue(busy func() bool, log *slog.Logger, m *metrics.Metrics) *MutationQueue {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &MutationQueue{
		busy:    busy,
		log:     log,
		metrics: m,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start launches the worker. Calling it more than once, or after Close, is a
// no-op.
func (q *MutationQueue) Start() {
	q.startOnce.Do(func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.closed {
			return
		}
		q.launched = true
		go q.run()
		q.signal()
	})
}

// Enqueue appends a mutation and returns its handle. Producers may call it
// concurrently; the worker runs mutations one at a time in enqueue order.
func (q *MutationQueue) Enqueue(kind string, run Mutation) *Handle {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return resolvedHandle(kind, ErrQueueClosed)
	}
	op := &queuedMutation{kind: kind, run: run, handle: newHandle(kind)}
	q.pending = append(q.pending, op)
	q.mu.Unlock()

	q.signal()
	return op.handle
}

// Len returns the number of queued mutations not yet started.
func (q *MutationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops accepting mutations, fails every queued one with
// ErrQueueClosed and waits for the worker to exit. A mutation already running
// is allowed to finish first.
func (q *MutationQueue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		dropped := q.pending
		q.pending = nil
		launched := q.launched
		q.mu.Unlock()

		for _, op := range dropped {
			op.handle.resolve(ErrQueueClosed)
		}

		close(q.quit)
		if launched {
			<-q.stopped
		}
	})
}

func (q *MutationQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *MutationQueue) run() {
	defer close(q.stopped)

	for {
		select {
		case <-q.quit:
			return
		case <-q.wake:
		}
		for {
			op := q.pop()
			if op == nil {
				break
			}
			q.execute(op)
		}
	}
}

func (q *MutationQueue) pop() *queuedMutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.pending) == 0 {
		return nil
	}
	op := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return op
}

func (q *MutationQueue) execute(op *queuedMutation) {
	var err error
	if q.busy != nil && q.busy() {
		err = ErrSinkBusy
	} else {
		err = op.run()
	}

	result := metrics.ResultOK
	switch {
	case err == nil:
	case errors.Is(err, ErrCancelled):
		result = metrics.ResultCancelled
		q.log.Debug("buffer mutation dropped", slog.String("kind", op.kind), slog.String("error", err.Error()))
	default:
		result = metrics.ResultError
		q.log.Warn("buffer mutation failed", slog.String("kind", op.kind), slog.String("error", err.Error()))
	}
	if q.metrics != nil {
		q.metrics.ObserveMutation(op.kind, result)
	}

	op.handle.resolve(err)
}
