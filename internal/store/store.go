// Package store persists pool sessions and the diagnostics their workers emit.
package store

import (
	"context"
	"errors"

	"github.com/seantiz/kiln/internal/model"
)

// ErrInvalidTransition is returned when a session status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrNotFound is returned when a session is not found.
var ErrNotFound = errors.New("session not found")

// SessionStats holds aggregate session statistics.
type SessionStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	AvgInitMS     float64        `json:"avg_init_ms"`
	Diagnostics   int            `json:"diagnostics"`
	WorkerPanics  int            `json:"worker_panics"`
}

// Store defines the persistence operations for sessions.
type Store interface {
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListSessions(ctx context.Context, limit, offset int) ([]*model.Session, int, error)
	UpdateSessionStatus(ctx context.Context, id, status, errMsg string) error
	GetSessionStats(ctx context.Context) (*SessionStats, error)
	InsertDiagnostic(ctx context.Context, line *model.DiagnosticLine) error
	GetDiagnostics(ctx context.Context, sessionID string) ([]model.DiagnosticLine, error)
	Close() error
}
