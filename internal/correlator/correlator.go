// Package correlator matches asynchronous responses to the requests that
// produced them. Each request gets a unique, strictly increasing id; the
// response carrying that id settles the request's Future.
package correlator

import (
	"context"
	"log/slog"
	"sync"
)

// Future is the eventual outcome of one request. It settles exactly once.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Done is closed once the future has settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles or ctx ends. A ctx error does not
// withdraw the request; its future can still settle later.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Correlator tracks outstanding requests. It is safe for concurrent use.
type Correlator[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*Future[T]
	logger  *slog.Logger
}

// New creates an empty correlator. The first id issued is 1.
func New[T any](logger *slog.Logger) *Correlator[T] {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Correlator[T]{
		pending: make(map[uint64]*Future[T]),
		logger:  logger,
	}
}

// Submit allocates a new request id and its pending future.
func (c *Correlator[T]) Submit() (uint64, *Future[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	f := newFuture[T]()
	c.pending[id] = f
	return id, f
}

// Resolve settles request id with v. Unknown ids are logged and ignored.
func (c *Correlator[T]) Resolve(id uint64, v T) bool {
	f := c.take(id)
	if f == nil {
		c.logger.Warn("resolve for unknown request", "request_id", id)
		return false
	}
	f.value = v
	close(f.done)
	return true
}

// Reject settles request id with err. Unknown ids are logged and ignored.
func (c *Correlator[T]) Reject(id uint64, err error) bool {
	f := c.take(id)
	if f == nil {
		c.logger.Warn("reject for unknown request", "request_id", id, "error", err)
		return false
	}
	f.err = err
	close(f.done)
	return true
}

// FailAll rejects every pending request with err and returns how many were
// rejected.
func (c *Correlator[T]) FailAll(err error) int {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*Future[T])
	c.mu.Unlock()

	for _, f := range pending {
		f.err = err
		close(f.done)
	}
	return len(pending)
}

// Pending returns the number of requests awaiting a response.
func (c *Correlator[T]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator[T]) take(id uint64) *Future[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return f
}
