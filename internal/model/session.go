package model

import "time"

// Session status constants. A session is one host lifetime: a single
// init/exit cycle of the pool.
const (
	SessionInitializing = "initializing"
	SessionRunning      = "running"
	SessionExited       = "exited"
	SessionFailed       = "failed"
	SessionHung         = "hung"
)

// Diagnostic kinds as carried on worker channels.
const (
	DiagnosticDebug       = "debug"
	DiagnosticWorkerPanic = "worker_panic"
)

// validTransitions maps each session status to the statuses it may move to.
var validTransitions = map[string]map[string]bool{
	SessionInitializing: {
		SessionRunning: true,
		SessionFailed:  true,
		SessionHung:    true,
	},
	SessionRunning: {
		SessionExited: true,
		SessionFailed: true,
		SessionHung:   true,
	},
}

// ValidTransition reports whether a session may move from one status to another.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether status ends a session.
func Terminal(status string) bool {
	return status == SessionExited || status == SessionFailed || status == SessionHung
}

// Session is a persisted record of one pool host lifetime.
type Session struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	WorkerCount int        `json:"worker_count"`
	Error       string     `json:"error,omitempty"`
	InitMS      *int       `json:"init_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ReadyAt     *time.Time `json:"ready_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// DiagnosticLine is a single persisted diagnostic emitted by a compute worker.
type DiagnosticLine struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	WorkerID  int       `json:"worker_id"`
	Seq       int       `json:"seq"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
