package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"kbassist-backend/models"

	_ "modernc.org/sqlite"
)

// DefaultSessionLimit is how many conversations are kept before the least
// recently used ones are pruned
const DefaultSessionLimit = 100

// SessionRepository stores conversation turns per session in SQLite
type SessionRepository struct {
	db    *sql.DB
	limit int
	mu    sync.Mutex
	now   func() time.Time
}

// OpenSessionRepository opens or creates the session database at path.
// ":memory:" keeps everything in process.
func OpenSessionRepository(path string, limit int) (*SessionRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	if limit <= 0 {
		limit = DefaultSessionLimit
	}

	r := &SessionRepository{db: db, limit: limit, now: time.Now}
	if err := r.configure(path); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure session database: %w", err)
	}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate session database: %w", err)
	}
	return r, nil
}

func (r *SessionRepository) configure(path string) error {
	// every connection to :memory: is a separate database
	if path == ":memory:" {
		r.db.SetMaxOpenConns(1)
	} else {
		r.db.SetMaxOpenConns(4)
		r.db.SetMaxIdleConns(2)
	}

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL")
	}
	for _, pragma := range pragmas {
		if _, err := r.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply pragma '%s': %w", pragma, err)
		}
	}
	return nil
}

func (r *SessionRepository) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_turns_session ON session_turns(session_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at)`,
	}
	for _, stmt := range statements {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection
func (r *SessionRepository) Close() error {
	return r.db.Close()
}

// Load returns the stored turns of a session, oldest first
func (r *SessionRepository) Load(ctx context.Context, sessionID string) ([]models.Turn, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT role, content FROM session_turns WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	defer rows.Close()

	turns := []models.Turn{}
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		parsed, err := models.ParseRole(role)
		if err != nil {
			return nil, err
		}
		turns = append(turns, models.Turn{Role: parsed, Content: content})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turns: %w", err)
	}
	return turns, nil
}

// Append adds turns to a session and prunes the least recently used
// sessions beyond the limit
func (r *SessionRepository) Append(ctx context.Context, sessionID string, turns ...models.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, updated_at) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		sessionID, r.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}

	for _, turn := range turns {
		role, err := turn.Role.MarshalText()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO session_turns (session_id, role, content) VALUES (?, ?, ?)`,
			sessionID, string(role), turn.Content)
		if err != nil {
			return fmt.Errorf("failed to append turn: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE id NOT IN (
			SELECT id FROM sessions ORDER BY updated_at DESC, id LIMIT ?
		)`, r.limit)
	if err != nil {
		return fmt.Errorf("failed to prune sessions: %w", err)
	}
	// foreign_keys is per connection, so orphans are removed explicitly
	_, err = tx.ExecContext(ctx, `DELETE FROM session_turns WHERE session_id NOT IN (SELECT id FROM sessions)`)
	if err != nil {
		return fmt.Errorf("failed to prune turns: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}

// Clear forgets a session's history
func (r *SessionRepository) Clear(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_turns WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return tx.Commit()
}

// Count returns the number of stored sessions
func (r *SessionRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}
