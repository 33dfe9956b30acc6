// Package worker runs one compute worker: a goroutine pinned to its own OS
// thread that hands itself to the engine and forwards the engine's
// diagnostics over a private channel.
package worker

import (
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"

	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/protocol"
)

// Worker is a single compute worker slot.
type Worker struct {
	id     int
	handle engine.WorkerHandle
	eng    engine.Engine
	logger *slog.Logger

	writeMu sync.Mutex
	channel io.Writer

	done     chan struct{}
	panicErr error
}

var _ engine.Diagnostics = (*Worker)(nil)

// New creates a worker for the given engine handle. Diagnostics are written
// to channel as protocol.Diagnostic frames.
func New(id int, handle engine.WorkerHandle, eng engine.Engine, channel io.Writer, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Worker{
		id:      id,
		handle:  handle,
		eng:     eng,
		channel: channel,
		logger:  logger.With("worker_id", id),
		done:    make(chan struct{}),
	}
}

// Start launches the worker. The worker sends its id on attached just before
// handing itself to the engine; attached must have room for the send.
func (w *Worker) Start(attached chan<- int) {
	go w.run(attached)
}

func (w *Worker) run(attached chan<- int) {
	// Never unlocked: the runtime discards the thread when this goroutine
	// exits, so whatever state the engine left on it goes with it.
	runtime.LockOSThread()
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			w.panicErr = fmt.Errorf("worker %d panicked: %v", w.id, r)
			w.logger.Error("worker panic", "error", w.panicErr)
			w.send(protocol.Diagnostic{
				Type:     protocol.TypeWorkerPanic,
				WorkerID: w.id,
				Error:    fmt.Sprint(r),
			})
		}
	}()

	w.logger.Debug("worker attaching")
	attached <- w.id
	w.eng.Attach(w.handle, w)
	w.logger.Debug("worker released")
}

// Debug implements engine.Diagnostics.
func (w *Worker) Debug(msg string) {
	w.send(protocol.Diagnostic{
		Type:     protocol.TypeDebug,
		WorkerID: w.id,
		Message:  msg,
	})
}

func (w *Worker) send(d protocol.Diagnostic) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := protocol.WriteMessage(w.channel, d); err != nil {
		w.logger.Debug("write diagnostic", "type", d.Type, "error", err)
	}
}

// Done is closed once the engine releases the worker or the worker panics.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Err returns the panic that ended the worker, if any. Valid after Done.
func (w *Worker) Err() error {
	<-w.done
	return w.panicErr
}
