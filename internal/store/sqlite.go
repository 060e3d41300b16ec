// Package store persists session metadata in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/zenclaude/zenclaude/internal/domain"
)

// SQLiteStore persists sessions using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at dsn and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			task TEXT NOT NULL,
			skill TEXT,
			workspace TEXT NOT NULL,
			status TEXT NOT NULL,
			memory TEXT NOT NULL,
			cpus TEXT NOT NULL,
			pids INTEGER NOT NULL,
			container_id TEXT,
			image TEXT,
			model TEXT,
			snapshot_path TEXT,
			started_at DATETIME,
			finished_at DATETIME,
			exit_code INTEGER,
			total_cost_usd REAL NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create inserts a new session record.
func (s *SQLiteStore) Create(ctx context.Context, sess *domain.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, task, skill, workspace, status, memory, cpus, pids, container_id, image, model, snapshot_path, started_at, finished_at, exit_code, total_cost_usd, total_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Task, nullString(sess.Skill), sess.Workspace, sess.Status,
		sess.Limits.Memory, sess.Limits.CPUs, sess.Limits.Pids,
		nullString(sess.ContainerID), nullString(sess.Image), nullString(sess.Model),
		nullString(sess.SnapshotPath), nullTime(sess.StartedAt), nullTime(sess.FinishedAt),
		nullInt(sess.ExitCode), sess.TotalCostUSD, sess.TotalTokens)
	return err
}

const sessionColumns = `session_id, task, skill, workspace, status, memory, cpus, pids, container_id, image, model, snapshot_path, started_at, finished_at, exit_code, total_cost_usd, total_tokens`

// Get retrieves a session by id. Returns domain.ErrSessionNotFound when no
// such session exists.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// List returns all sessions, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// MarkRunning records the transition into the running state.
func (s *SQLiteStore) MarkRunning(ctx context.Context, sessionID, containerID string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, container_id = ?, started_at = ? WHERE session_id = ?`,
		domain.SessionRunning, containerID, startedAt, sessionID)
	return err
}

// MarkTerminal records a terminal status. The exit code may be nil when the
// process never ran.
func (s *SQLiteStore) MarkTerminal(ctx context.Context, sessionID string, status domain.SessionStatus, exitCode *int, finishedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, exit_code = ?, finished_at = ? WHERE session_id = ?`,
		status, nullInt(exitCode), finishedAt, sessionID)
	return err
}

// SetSnapshotPath records the workspace snapshot taken before launch.
func (s *SQLiteStore) SetSnapshotPath(ctx context.Context, sessionID, path string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET snapshot_path = ? WHERE session_id = ?`, path, sessionID)
	return err
}

// SetModel records the model reported by the agent stream.
func (s *SQLiteStore) SetModel(ctx context.Context, sessionID, model string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET model = ? WHERE session_id = ?`, model, sessionID)
	return err
}

// SetTotals records the accumulated cost and token usage.
func (s *SQLiteStore) SetTotals(ctx context.Context, sessionID string, costUSD float64, tokens int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET total_cost_usd = ?, total_tokens = ? WHERE session_id = ?`,
		costUSD, tokens, sessionID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var skill, containerID, image, model, snapshotPath sql.NullString
	var startedAt, finishedAt sql.NullTime
	var exitCode sql.NullInt64

	err := row.Scan(&sess.ID, &sess.Task, &skill, &sess.Workspace, &sess.Status,
		&sess.Limits.Memory, &sess.Limits.CPUs, &sess.Limits.Pids,
		&containerID, &image, &model, &snapshotPath,
		&startedAt, &finishedAt, &exitCode, &sess.TotalCostUSD, &sess.TotalTokens)
	if err != nil {
		return nil, err
	}
	if skill.Valid {
		sess.Skill = skill.String
	}
	if containerID.Valid {
		sess.ContainerID = containerID.String
	}
	if image.Valid {
		sess.Image = image.String
	}
	if model.Valid {
		sess.Model = model.String
	}
	if snapshotPath.Valid {
		sess.SnapshotPath = snapshotPath.String
	}
	if startedAt.Valid {
		sess.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		sess.FinishedAt = &finishedAt.Time
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		sess.ExitCode = &code
	}
	return &sess, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}
