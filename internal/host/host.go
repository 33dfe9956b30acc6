// Package host implements the pool host: the process that owns the engine,
// spawns compute workers on request, executes proxied calls and emits
// heartbeats to the pool manager.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/protocol"
	"github.com/seantiz/kiln/internal/worker"
)

// Default timings.
const (
	DefaultHeartbeatInterval = 500 * time.Millisecond
	DefaultAttachTimeout     = 10 * time.Second
)

// inboxSize bounds how many control messages may queue while the loop is busy.
const inboxSize = 64

// ChannelOpener resolves a worker channel identifier from an initPool message
// into a connection.
type ChannelOpener func(id int) (io.ReadWriteCloser, error)

// Options configures a Host.
type Options struct {
	HeartbeatInterval time.Duration
	AttachTimeout     time.Duration
	Logger            *slog.Logger
}

// Host serves one control connection.
type Host struct {
	eng     engine.Engine
	control io.ReadWriter
	open    ChannelOpener
	opts    Options
	logger  *slog.Logger

	ready    bool
	workers  []*worker.Worker
	channels []io.ReadWriteCloser

	readErr error
	quit    chan struct{}
}

// New creates a host that drives eng over control.
func New(eng engine.Engine, control io.ReadWriter, open ChannelOpener, opts Options) *Host {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.AttachTimeout <= 0 {
		opts.AttachTimeout = DefaultAttachTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Host{
		eng:     eng,
		control: control,
		open:    open,
		opts:    opts,
		logger:  logger,
		quit:    make(chan struct{}),
	}
}

// Serve runs the host loop until terminate is received, the control
// connection fails, or ctx is cancelled. Messages are handled one at a time
// on this goroutine, and heartbeats are sent from it too, so a call that
// never returns also silences heartbeats.
func (h *Host) Serve(ctx context.Context) error {
	inbox := make(chan protocol.Message, inboxSize)
	defer close(h.quit)
	go h.readLoop(inbox)

	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()

	if err := h.heartbeat(); err != nil {
		h.abandon()
		return err
	}

	for {
		select {
		case <-ctx.Done():
			h.abandon()
			return ctx.Err()

		case <-ticker.C:
			if err := h.heartbeat(); err != nil {
				h.abandon()
				return err
			}

		case msg, ok := <-inbox:
			if !ok {
				h.abandon()
				return fmt.Errorf("read control: %w", h.readErr)
			}

			var err error
			switch msg.Type {
			case protocol.TypeInitPool:
				err = h.handleInit(msg, ticker.C)
			case protocol.TypeCall:
				err = h.handleCall(msg)
			case protocol.TypeTerminate:
				h.logger.Info("terminate received")
				return h.terminate()
			default:
				h.logger.Warn("unknown control message", "type", msg.Type)
			}
			if err != nil {
				h.abandon()
				return err
			}
		}
	}
}

func (h *Host) readLoop(inbox chan<- protocol.Message) {
	defer close(inbox)
	for {
		var msg protocol.Message
		if err := protocol.ReadMessage(h.control, &msg); err != nil {
			h.readErr = err
			return
		}
		select {
		case inbox <- msg:
		case <-h.quit:
			return
		}
	}
}

func (h *Host) send(msg protocol.Message) error {
	if err := protocol.WriteMessage(h.control, msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (h *Host) heartbeat() error {
	return h.send(protocol.Message{
		Type:      protocol.TypeHeartbeat,
		Timestamp: uint64(time.Now().UnixMilli()),
	})
}

func (h *Host) initError(err error) error {
	h.logger.Error("pool init failed", "error", err)
	return h.send(protocol.Message{Type: protocol.TypeInitError, Error: err.Error()})
}

// handleInit opens the worker channels, has the engine spawn one worker per
// slot and reports poolReady once every worker has attached. Heartbeats keep
// flowing while it waits.
func (h *Host) handleInit(msg protocol.Message, tick <-chan time.Time) error {
	if h.ready {
		return h.initError(errors.New("pool already initialized"))
	}

	n := msg.WorkerCount
	if n == 0 {
		n = len(msg.Channels)
	}
	if n <= 0 || len(msg.Channels) != n {
		return h.initError(fmt.Errorf("worker count %d does not match %d channels", n, len(msg.Channels)))
	}

	for _, id := range msg.Channels {
		conn, err := h.open(id)
		if err != nil {
			h.closeChannels()
			return h.initError(fmt.Errorf("open worker channel %d: %w", id, err))
		}
		h.channels = append(h.channels, conn)
	}

	attached := make(chan int, n)
	err := h.eng.InitPool(n, func(handles []engine.WorkerHandle) error {
		if len(handles) != len(h.channels) {
			return fmt.Errorf("engine returned %d handles for %d channels", len(handles), len(h.channels))
		}
		for i, handle := range handles {
			w := worker.New(i, handle, h.eng, h.channels[i], h.logger)
			h.workers = append(h.workers, w)
			w.Start(attached)
		}
		return nil
	})
	if err != nil {
		h.workers = nil
		h.closeChannels()
		return h.initError(fmt.Errorf("init engine pool: %w", err))
	}

	deadline := time.NewTimer(h.opts.AttachTimeout)
	defer deadline.Stop()
	for count := 0; count < n; {
		select {
		case <-attached:
			count++
		case <-tick:
			if err := h.heartbeat(); err != nil {
				return err
			}
		case <-deadline.C:
			h.abandon()
			return h.initError(fmt.Errorf("%d of %d workers attached within %s", count, n, h.opts.AttachTimeout))
		}
	}

	h.ready = true
	h.logger.Info("pool ready", "workers", n)
	return h.send(protocol.Message{Type: protocol.TypePoolReady})
}

func (h *Host) handleCall(msg protocol.Message) error {
	result := protocol.Message{Type: protocol.TypeCallResult, ID: msg.ID}

	if !h.ready {
		result.Code = protocol.CodePoolNotReady
		result.Error = "pool not ready"
		return h.send(result)
	}

	op, ok := h.eng.Lookup(msg.Operation)
	if !ok {
		result.Code = protocol.CodeOperationNotFound
		result.Error = fmt.Sprintf("operation %q not found", msg.Operation)
		return h.send(result)
	}

	h.logger.Debug("executing call", "request_id", msg.ID, "operation", msg.Operation)
	v, err := op(msg.Args)
	if err != nil {
		result.Code = protocol.CodeOperationFailed
		result.Error = err.Error()
		return h.send(result)
	}

	data, err := json.Marshal(v)
	if err != nil {
		result.Code = protocol.CodeOperationFailed
		result.Error = fmt.Sprintf("marshal result: %v", err)
		return h.send(result)
	}

	result.Success = true
	result.Result = data
	return h.send(result)
}

// terminate releases the workers, waits for them to leave the engine and
// closes their channels.
func (h *Host) terminate() error {
	if h.ready {
		if err := h.eng.ExitPool(); err != nil {
			h.logger.Error("exit engine pool", "error", err)
		}
		for _, w := range h.workers {
			<-w.Done()
		}
	}
	h.ready = false
	h.workers = nil
	h.closeChannels()
	return nil
}

// abandon tears down after the control connection is lost. Workers stuck in
// the engine cannot be waited for, so the engine is released asynchronously.
func (h *Host) abandon() {
	if len(h.workers) > 0 {
		eng := h.eng
		go func() { _ = eng.ExitPool() }()
	}
	h.ready = false
	h.workers = nil
	h.closeChannels()
}

func (h *Host) closeChannels() {
	for _, c := range h.channels {
		_ = c.Close()
	}
	h.channels = nil
}
