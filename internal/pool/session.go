package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/kiln/internal/heartbeat"
	"github.com/seantiz/kiln/internal/launch"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/protocol"
)

const (
	// crashGrace is how long a reader that hit EOF waits for the exit status
	// before reporting a crash without one.
	crashGrace = 250 * time.Millisecond

	// drainTimeout bounds how long worker channels may keep delivering
	// diagnostics after the host has exited.
	drainTimeout = time.Second
)

// session is one host lifetime: a single init/exit cycle.
type session struct {
	id      string
	m       *Manager
	proc    launch.Process
	logger  *slog.Logger
	monitor *heartbeat.Monitor
	started time.Time

	writeMu sync.Mutex

	ready   chan error
	exited  chan struct{}
	status  launch.ExitStatus
	closing atomic.Bool
	seq     atomic.Int64

	mu       sync.Mutex
	retired  bool
	cause    error
	running  bool
	retiredC chan struct{}

	readers  sync.WaitGroup
	tornDown chan struct{}
}

func newSession(m *Manager, id string, proc launch.Process) *session {
	s := &session{
		id:       id,
		m:        m,
		proc:     proc,
		logger:   m.logger.With("session_id", id),
		started:  time.Now(),
		ready:    make(chan error, 1),
		exited:   make(chan struct{}),
		retiredC: make(chan struct{}),
		tornDown: make(chan struct{}),
	}
	s.monitor = heartbeat.NewMonitor(m.cfg.CheckInterval, s.onHeartbeatTimeout)
	return s
}

// start launches the session's goroutines and the heartbeat watchdog.
func (s *session) start() {
	s.readers.Add(2 + len(s.proc.Channels()))
	go s.watchExit()
	go s.readControl()
	for _, ch := range s.proc.Channels() {
		go s.readDiagnostics(ch)
	}
	s.monitor.Start(s.m.cfg.HeartbeatTimeout)
}

func (s *session) send(msg protocol.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return protocol.WriteMessage(s.proc.Control(), msg)
}

// markRetired records why the session is ending. It reports false if the
// session was already retired.
func (s *session) markRetired(cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retired {
		return false
	}
	s.retired = true
	s.cause = cause
	close(s.retiredC)
	return true
}

// Err returns the failure that ended the session, ErrPoolClosed for a normal
// exit, or nil while the session is live.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.retired {
		return nil
	}
	if s.cause == nil {
		return ErrPoolClosed
	}
	return s.cause
}

func (s *session) markRunning() {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
}

// finalStatus maps the retire cause onto a session record status.
func (s *session) finalStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case errors.Is(s.cause, ErrHeartbeatTimeout):
		return model.SessionHung
	case s.cause != nil:
		return model.SessionFailed
	case s.running:
		return model.SessionExited
	default:
		return model.SessionFailed
	}
}

func (s *session) onHeartbeatTimeout(silence time.Duration) {
	s.logger.Error("host heartbeat timeout", "silence", silence.String())
	failuresTotal.WithLabelValues(failureHeartbeat).Inc()
	s.m.retire(s, fmt.Errorf("%w: no heartbeat for %s", ErrHeartbeatTimeout, silence.Round(time.Millisecond)))
}

func (s *session) watchExit() {
	defer s.readers.Done()
	s.status = s.proc.Wait()
	close(s.exited)
	if s.closing.Load() {
		return
	}
	s.logger.Error("host exited unexpectedly", "status", s.status.String())
	failuresTotal.WithLabelValues(failureCrash).Inc()
	s.m.retire(s, fmt.Errorf("%w: %s", ErrHostCrash, s.status))
}

func (s *session) readControl() {
	defer s.readers.Done()
	for {
		var msg protocol.Message
		if err := protocol.ReadMessage(s.proc.Control(), &msg); err != nil {
			if s.closing.Load() {
				return
			}
			// Prefer reporting the exit status, which usually follows shortly.
			select {
			case <-s.exited:
				return
			case <-time.After(crashGrace):
			}
			if s.closing.Load() {
				return
			}
			s.logger.Error("control connection lost", "error", err)
			failuresTotal.WithLabelValues(failureCrash).Inc()
			s.m.retire(s, fmt.Errorf("%w: control connection lost: %v", ErrHostCrash, err))
			return
		}

		switch msg.Type {
		case protocol.TypeHeartbeat:
			s.monitor.RecordHeartbeat()
		case protocol.TypePoolReady:
			s.signalReady(nil)
		case protocol.TypeInitError:
			s.signalReady(fmt.Errorf("%w: %s", ErrInitFailed, msg.Error))
		case protocol.TypeCallResult:
			if msg.Success {
				s.m.requests.Resolve(msg.ID, msg.Result)
			} else {
				s.m.requests.Reject(msg.ID, callError(msg))
			}
		default:
			s.logger.Warn("unknown control message", "type", msg.Type)
		}
	}
}

func (s *session) signalReady(err error) {
	select {
	case s.ready <- err:
	default:
		s.logger.Warn("duplicate init response", "error", err)
	}
}

func callError(msg protocol.Message) error {
	switch msg.Code {
	case protocol.CodeOperationNotFound:
		return fmt.Errorf("%w: %s", ErrOperationNotFound, msg.Error)
	case protocol.CodePoolNotReady:
		return fmt.Errorf("%w: %s", ErrPoolUnavailable, msg.Error)
	default:
		return fmt.Errorf("%w: %s", ErrCallFailed, msg.Error)
	}
}

func (s *session) readDiagnostics(ch launch.Channel) {
	defer s.readers.Done()
	for {
		var d protocol.Diagnostic
		if err := protocol.ReadMessage(ch.Conn, &d); err != nil {
			return
		}

		line := model.DiagnosticLine{
			SessionID: s.id,
			WorkerID:  d.WorkerID,
			Seq:       int(s.seq.Add(1) - 1),
			Kind:      d.Type,
			Message:   d.Message,
			CreatedAt: time.Now().UTC(),
		}
		if d.Type == protocol.TypeWorkerPanic {
			line.Message = d.Error
			workerPanics.Inc()
			s.logger.Warn("worker panic", "worker_id", d.WorkerID, "error", d.Error)
		} else {
			s.logger.Debug("worker diagnostic", "worker_id", d.WorkerID, "message", d.Message)
		}

		if s.m.rec != nil {
			if err := s.m.rec.InsertDiagnostic(context.Background(), &line); err != nil {
				s.logger.Error("record diagnostic", "error", err)
			}
		}
		if s.m.broker != nil {
			s.m.broker.Publish(line)
		}
	}
}

// shutdown stops the host and releases every session resource. A graceful
// shutdown asks the host to terminate and kills it only after grace.
func (s *session) shutdown(graceful bool, grace time.Duration) {
	s.closing.Store(true)
	s.monitor.Stop()

	if graceful {
		if err := s.send(protocol.Message{Type: protocol.TypeTerminate}); err != nil {
			s.logger.Warn("send terminate", "error", err)
		}
		select {
		case <-s.exited:
		case <-time.After(grace):
			s.logger.Warn("host did not exit within grace period, killing", "grace", grace.String())
		}
	}
	if err := s.proc.Kill(); err != nil {
		s.logger.Warn("kill host", "error", err)
	}
	<-s.exited

	// Let the workers' last diagnostics through before closing the channels.
	drained := make(chan struct{})
	go func() {
		s.readers.Wait()
		close(drained)
	}()
	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()

	closeAll := func() {
		s.proc.Control().Close()
		for _, ch := range s.proc.Channels() {
			ch.Conn.Close()
		}
	}
	select {
	case <-drained:
		closeAll()
	case <-timer.C:
		closeAll()
		<-drained
	}
}
