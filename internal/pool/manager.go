// Package pool supervises a compute worker pool hosted out of reach of its
// callers. The Manager launches a host on first use, proxies calls into it,
// watches its heartbeats and tears it down when the last caller leaves or
// the host fails.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/seantiz/kiln/internal/correlator"
	"github.com/seantiz/kiln/internal/diag"
	"github.com/seantiz/kiln/internal/launch"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/protocol"
)

// Default timings.
const (
	DefaultHeartbeatTimeout = 5 * time.Second
	DefaultInitTimeout      = 10 * time.Second
	DefaultTerminateGrace   = 2 * time.Second
	DefaultBreakerFailures  = 3
	DefaultBreakerCooldown  = 30 * time.Second
)

// Config controls pool sizing and failure detection.
type Config struct {
	WorkerCount      int
	HeartbeatTimeout time.Duration
	CheckInterval    time.Duration
	InitTimeout      time.Duration
	TerminateGrace   time.Duration
	BreakerFailures  uint32
	BreakerCooldown  time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = runtime.NumCPU()
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = DefaultInitTimeout
	}
	if c.TerminateGrace <= 0 {
		c.TerminateGrace = DefaultTerminateGrace
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = DefaultBreakerFailures
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = DefaultBreakerCooldown
	}
	return c
}

// Recorder persists sessions and their diagnostics.
type Recorder interface {
	CreateSession(ctx context.Context, s *model.Session) error
	UpdateSessionStatus(ctx context.Context, id, status, errMsg string) error
	InsertDiagnostic(ctx context.Context, line *model.DiagnosticLine) error
}

// Caller issues operations against the engine.
type Caller interface {
	Call(ctx context.Context, operation string, args ...any) (json.RawMessage, error)
}

// Work is caller-supplied code that runs while the pool is available.
type Work func(ctx context.Context, c Caller) error

// Status is a point-in-time view of the manager.
type Status struct {
	State         string     `json:"state"`
	Callers       int        `json:"callers"`
	SessionID     string     `json:"session_id,omitempty"`
	WorkerCount   int        `json:"worker_count"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	Pending       int        `json:"pending"`
	Breaker       string     `json:"breaker"`
}

// Manager owns the pool lifecycle. It is safe for concurrent use.
type Manager struct {
	cfg      Config
	launcher launch.Launcher
	rec      Recorder
	broker   *diag.Broker
	logger   *slog.Logger
	breaker  *gobreaker.CircuitBreaker
	requests *correlator.Correlator[json.RawMessage]

	mu         sync.Mutex
	state      State
	callers    int
	closed     bool
	sess       *session
	initFuture *future
	exitFuture *future
}

// NewManager creates a manager. rec and broker may be nil.
func NewManager(cfg Config, launcher launch.Launcher, rec Recorder, broker *diag.Broker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:      cfg,
		launcher: launcher,
		rec:      rec,
		broker:   broker,
		logger:   logger,
		requests: correlator.New[json.RawMessage](logger),
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "pool-init",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("init breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return m
}

// RunWithPool makes the pool available, runs work with a proxying Caller and
// releases the pool afterwards. The pool is torn down when the last caller
// returns. Errors from work are returned unchanged.
func (m *Manager) RunWithPool(ctx context.Context, work Work) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrPoolClosed
	}
	m.callers++
	activeCallers.Set(float64(m.callers))
	m.mu.Unlock()
	defer m.release()

	sess, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	return work(ctx, &proxy{m: m, s: sess})
}

// acquire drives the state machine until the pool is running.
func (m *Manager) acquire(ctx context.Context) (*session, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrPoolClosed
		}

		var wait *future
		switch m.state {
		case StateRunning:
			s := m.sess
			m.mu.Unlock()
			return s, nil
		case StateNone:
			m.startInitLocked()
			wait = m.initFuture
		case StateInitializing:
			wait = m.initFuture
		case StateExiting:
			wait = m.exitFuture
		}
		state := m.state
		m.mu.Unlock()

		select {
		case <-wait.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if state == StateInitializing && wait.err != nil {
			return nil, wait.err
		}
	}
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	poolState.Set(float64(s))
}

func (m *Manager) startInitLocked() {
	m.setStateLocked(StateInitializing)
	f := newFuture()
	m.initFuture = f
	go m.initialize(f)
}

// initialize brings up one session through the circuit breaker and settles f.
func (m *Manager) initialize(f *future) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.InitTimeout)
	defer cancel()

	res, err := m.breaker.Execute(func() (interface{}, error) {
		return m.startSession(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %v", ErrPoolUnavailable, err)
	}

	var s *session
	if err == nil {
		s = res.(*session)
	}
	m.finishInit(f, s, err)
}

// finishInit installs s as the running session and settles f. A session that
// died after poolReady is not installed: f fails with its cause once its
// teardown has finished.
func (m *Manager) finishInit(f *future, s *session, err error) {
	m.mu.Lock()
	// Sessions retire only under m.mu, so this check cannot miss a failure.
	if err == nil {
		err = s.Err()
	}
	if err != nil {
		m.mu.Unlock()
		if s != nil {
			<-s.tornDown
		}
		m.mu.Lock()
		m.setStateLocked(StateNone)
		m.initFuture = nil
		m.mu.Unlock()
		m.logger.Error("pool init failed", "error", err)
		f.resolve(err)
		return
	}

	m.sess = s
	m.setStateLocked(StateRunning)
	m.initFuture = nil
	if m.callers == 0 || m.closed {
		m.logger.Info("no callers left after init, tearing down", "session_id", s.id)
		m.retireLocked(s, nil)
	}
	m.mu.Unlock()
	f.resolve(nil)
}

// startSession launches a host and waits for poolReady.
func (m *Manager) startSession(ctx context.Context) (*session, error) {
	id := model.NewID()
	logger := m.logger.With("session_id", id)
	start := time.Now()

	if m.rec != nil {
		rerr := m.rec.CreateSession(context.Background(), &model.Session{
			ID:          id,
			Status:      model.SessionInitializing,
			WorkerCount: m.cfg.WorkerCount,
			CreatedAt:   start.UTC(),
		})
		if rerr != nil {
			logger.Error("record session", "error", rerr)
		}
	}
	if m.broker != nil {
		m.broker.Open(id)
	}

	proc, err := m.launcher.Launch(ctx, m.cfg.WorkerCount)
	if err != nil {
		err = fmt.Errorf("%w: launch host: %v", ErrInitFailed, err)
		failuresTotal.WithLabelValues(failureInit).Inc()
		m.recordEnd(id, model.SessionFailed, err)
		if m.broker != nil {
			m.broker.Close(id)
		}
		return nil, err
	}

	s := newSession(m, id, proc)
	s.start()
	logger.Info("host launched, initializing pool", "workers", m.cfg.WorkerCount)

	fail := func(err error) (*session, error) {
		m.retire(s, err)
		<-s.tornDown
		return nil, s.Err()
	}

	channels := make([]int, 0, len(proc.Channels()))
	for _, ch := range proc.Channels() {
		channels = append(channels, ch.ID)
	}
	if err := s.send(protocol.Message{
		Type:        protocol.TypeInitPool,
		Channels:    channels,
		WorkerCount: m.cfg.WorkerCount,
	}); err != nil {
		failuresTotal.WithLabelValues(failureCrash).Inc()
		return fail(fmt.Errorf("%w: send initPool: %v", ErrHostCrash, err))
	}

	select {
	case err := <-s.ready:
		if err != nil {
			failuresTotal.WithLabelValues(failureInit).Inc()
			return fail(err)
		}
	case <-s.retiredC:
		<-s.tornDown
		return nil, s.Err()
	case <-ctx.Done():
		failuresTotal.WithLabelValues(failureTimeout).Inc()
		return fail(fmt.Errorf("%w after %s", ErrInitializationTimeout, m.cfg.InitTimeout))
	}

	s.markRunning()
	elapsed := time.Since(start)
	initDuration.Observe(elapsed.Seconds())
	if m.rec != nil {
		if err := m.rec.UpdateSessionStatus(context.Background(), id, model.SessionRunning, ""); err != nil {
			logger.Error("record session running", "error", err)
		}
	}
	logger.Info("pool ready", "workers", m.cfg.WorkerCount, "init_ms", elapsed.Milliseconds())
	return s, nil
}

// release is deferred by every RunWithPool call.
func (m *Manager) release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callers--
	activeCallers.Set(float64(m.callers))
	if m.callers == 0 && m.state == StateRunning {
		m.retireLocked(m.sess, nil)
	}
}

func (m *Manager) retire(s *session, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retireLocked(s, cause)
}

// retireLocked ends s, gracefully when cause is nil. If s is the current
// session the pool moves to Exiting until teardown completes. Caller holds m.mu.
func (m *Manager) retireLocked(s *session, cause error) {
	if !s.markRetired(cause) {
		return
	}

	var exit *future
	if m.sess == s {
		m.sess = nil
		m.setStateLocked(StateExiting)
		exit = newFuture()
		m.exitFuture = exit
	}
	go m.teardown(s, exit, cause)
}

// teardown rejects pending requests, stops the host and records the outcome.
// The pool reaches None only after every session resource is released.
func (m *Manager) teardown(s *session, exit *future, cause error) {
	graceful := cause == nil
	if !graceful {
		if n := m.requests.FailAll(cause); n > 0 {
			s.logger.Warn("rejected pending requests", "count", n, "error", cause)
		}
	}

	s.shutdown(graceful, m.cfg.TerminateGrace)

	if n := m.requests.FailAll(ErrPoolClosed); n > 0 {
		s.logger.Warn("rejected pending requests", "count", n, "error", ErrPoolClosed)
	}

	status := s.finalStatus()
	sessionsTotal.WithLabelValues(status).Inc()
	m.recordEnd(s.id, status, cause)
	if m.broker != nil {
		m.broker.Close(s.id)
	}
	s.logger.Info("session ended", "status", status, "host_status", s.status.String())
	close(s.tornDown)

	if exit != nil {
		m.mu.Lock()
		if m.exitFuture == exit {
			m.setStateLocked(StateNone)
			m.exitFuture = nil
		}
		m.mu.Unlock()
		exit.resolve(nil)
	}
}

func (m *Manager) recordEnd(id, status string, cause error) {
	if m.rec == nil {
		return
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := m.rec.UpdateSessionStatus(context.Background(), id, status, msg); err != nil {
		m.logger.Error("record session end", "session_id", id, "error", err)
	}
}

// Close stops accepting work and tears down the current session. Work still
// running loses its pool.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	for {
		m.mu.Lock()
		var wait *future
		switch m.state {
		case StateNone:
			m.mu.Unlock()
			return nil
		case StateRunning:
			m.retireLocked(m.sess, nil)
			wait = m.exitFuture
		case StateInitializing:
			wait = m.initFuture
		case StateExiting:
			wait = m.exitFuture
		}
		m.mu.Unlock()

		select {
		case <-wait.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Status reports the manager's current state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{
		State:       m.state.String(),
		Callers:     m.callers,
		WorkerCount: m.cfg.WorkerCount,
		Breaker:     m.breaker.State().String(),
	}
	s := m.sess
	m.mu.Unlock()

	if s != nil {
		st.SessionID = s.id
		if seen := s.monitor.LastSeen(); !seen.IsZero() {
			st.LastHeartbeat = &seen
		}
	}
	st.Pending = m.requests.Pending()
	return st
}
