package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/kiln/internal/model"

	_ "modernc.org/sqlite"
)

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
    id           TEXT PRIMARY KEY,
    status       TEXT NOT NULL,
    worker_count INTEGER NOT NULL,
    error        TEXT NOT NULL DEFAULT '',
    init_ms      INTEGER,
    created_at   DATETIME NOT NULL,
    ready_at     DATETIME,
    ended_at     DATETIME
)`

const createDiagnosticsTable = `
CREATE TABLE IF NOT EXISTS diagnostics (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    worker_id  INTEGER NOT NULL,
    seq        INTEGER NOT NULL,
    kind       TEXT NOT NULL,
    message    TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createDiagnosticsIndex = `
CREATE INDEX IF NOT EXISTS idx_diagnostics_session ON diagnostics(session_id, seq)`

const sessionColumns = `id, status, worker_count, error, init_ms, created_at, ready_at, ended_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createSessionsTable, createDiagnosticsTable, createDiagnosticsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*model.Session, error) {
	sess := &model.Session{}
	var initMS sql.NullInt64
	var readyAt, endedAt sql.NullTime
	if err := r.Scan(
		&sess.ID, &sess.Status, &sess.WorkerCount, &sess.Error, &initMS,
		&sess.CreatedAt, &readyAt, &endedAt,
	); err != nil {
		return nil, err
	}
	if initMS.Valid {
		v := int(initMS.Int64)
		sess.InitMS = &v
	}
	if readyAt.Valid {
		sess.ReadyAt = &readyAt.Time
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	return sess, nil
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Status, sess.WorkerCount, sess.Error, sess.InitMS,
		sess.CreatedAt, sess.ReadyAt, sess.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns a paginated list of sessions ordered by created_at DESC,
// along with the total count of all sessions.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit, offset int) ([]*model.Session, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, total, nil
}

// UpdateSessionStatus moves a session to status, validating the transition.
// Moving to running records ready_at and the init duration; moving to a
// terminal status records ended_at and errMsg.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id, status, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	var createdAt time.Time
	err = tx.QueryRowContext(ctx, "SELECT status, created_at FROM sessions WHERE id = ?", id).Scan(&current, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get session status: %w", err)
	}

	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	switch {
	case status == model.SessionRunning:
		initMS := int(now.Sub(createdAt).Milliseconds())
		_, err = tx.ExecContext(ctx,
			"UPDATE sessions SET status = ?, ready_at = ?, init_ms = ? WHERE id = ?",
			status, now, initMS, id,
		)
	case model.Terminal(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE sessions SET status = ?, ended_at = ?, error = ? WHERE id = ?",
			status, now, errMsg, id,
		)
	default:
		_, err = tx.ExecContext(ctx, "UPDATE sessions SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status update: %w", err)
	}
	return nil
}

// GetSessionStats returns aggregate statistics across all sessions.
func (s *SQLiteStore) GetSessionStats(ctx context.Context) (*SessionStats, error) {
	stats := &SessionStats{CountByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM sessions GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(init_ms) FROM sessions WHERE init_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average init time: %w", err)
	}
	if avg.Valid {
		stats.AvgInitMS = avg.Float64
	}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(kind = ?), 0) FROM diagnostics", model.DiagnosticWorkerPanic,
	).Scan(&stats.Diagnostics, &stats.WorkerPanics); err != nil {
		return nil, fmt.Errorf("count diagnostics: %w", err)
	}

	return stats, nil
}

// InsertDiagnostic stores one diagnostic line and sets its ID.
func (s *SQLiteStore) InsertDiagnostic(ctx context.Context, line *model.DiagnosticLine) error {
	if line.CreatedAt.IsZero() {
		line.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO diagnostics (session_id, worker_id, seq, kind, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		line.SessionID, line.WorkerID, line.Seq, line.Kind, line.Message, line.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert diagnostic: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("diagnostic id: %w", err)
	}
	line.ID = id
	return nil
}

// GetDiagnostics returns every diagnostic for a session in emission order.
func (s *SQLiteStore) GetDiagnostics(ctx context.Context, sessionID string) ([]model.DiagnosticLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, worker_id, seq, kind, message, created_at
		FROM diagnostics WHERE session_id = ? ORDER BY seq, id`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("get diagnostics: %w", err)
	}
	defer rows.Close()

	lines := []model.DiagnosticLine{}
	for rows.Next() {
		var l model.DiagnosticLine
		if err := rows.Scan(&l.ID, &l.SessionID, &l.WorkerID, &l.Seq, &l.Kind, &l.Message, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan diagnostic: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate diagnostics: %w", err)
	}
	return lines, nil
}
