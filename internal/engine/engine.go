package engine

import (
	"encoding/json"
	"errors"
)

// ErrPoolRunning is returned by InitPool when the engine already has a pool.
var ErrPoolRunning = errors.New("engine pool already running")

// WorkerHandle is an opaque token identifying one slot in the engine's run
// queue. The host passes it, untouched, to the worker that fills the slot.
type WorkerHandle interface {
	Index() int
}

// SpawnFunc is invoked by the engine during InitPool with one handle per
// worker slot. It must start a worker for every handle; each worker then
// calls Attach.
type SpawnFunc func(handles []WorkerHandle) error

// Diagnostics receives debug output produced while a worker runs engine code.
type Diagnostics interface {
	Debug(msg string)
}

// Operation is a named callable exposed by the engine. Args are the JSON
// encoded call arguments; the result must be JSON encodable.
type Operation func(args []json.RawMessage) (any, error)

// Engine is the compute backend driven by the pool host.
type Engine interface {
	// InitPool allocates the run queue for n workers and calls spawn with
	// their handles.
	InitPool(n int, spawn SpawnFunc) error

	// Attach hands the calling goroutine to the engine's scheduler. It does
	// not return until ExitPool releases the worker. A panic raised inside
	// scheduled work propagates out of Attach.
	Attach(h WorkerHandle, diag Diagnostics)

	// ExitPool releases all attached workers and discards the run queue.
	ExitPool() error

	// Lookup returns the operation registered under name.
	Lookup(name string) (Operation, bool)
}
