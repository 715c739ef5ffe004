// Package persistence stores session state in SQLite so conversations and
// sync cursors survive restarts. One writer connection, WAL journal.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/taskcoach/internal/session"
	"github.com/basket/taskcoach/internal/todoist"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "tc-v1-2026-08-28-task-notes-labels"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Store wraps the SQLite database holding all per-user session state.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the database location under the taskcoach home.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskcoach", "taskcoach.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if maxVersion >= schemaVersionLatest {
		// Refuse to run against a schema we don't recognize.
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: have %q, want %q",
				schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			user_id TEXT PRIMARY KEY,
			sync_token TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id, id);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			user_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			content TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 1,
			due_json TEXT,
			labels_json TEXT,
			project_id TEXT,
			checked INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, task_id)
		);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// LoadState restores a user's session state. The second return reports
// whether any persisted state existed.
func (s *Store) LoadState(ctx context.Context, userID string) (session.State, bool, error) {
	st := session.NewState()

	var syncToken string
	err := s.db.QueryRowContext(ctx,
		`SELECT sync_token FROM sessions WHERE user_id = ?;`, userID).Scan(&syncToken)
	if err == sql.ErrNoRows {
		return st, false, nil
	}
	if err != nil {
		return st, false, fmt.Errorf("load session: %w", err)
	}
	st.SyncToken = syncToken

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, content, description, priority, due_json, labels_json, project_id, checked
		FROM tasks WHERE user_id = ? ORDER BY position;`, userID)
	if err != nil {
		return st, false, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t todoist.Task
		var dueJSON, labelsJSON, projectID sql.NullString
		var checked int
		if err := rows.Scan(&t.ID, &t.Content, &t.Description, &t.Priority, &dueJSON, &labelsJSON, &projectID, &checked); err != nil {
			return st, false, fmt.Errorf("scan task: %w", err)
		}
		if dueJSON.Valid && dueJSON.String != "" {
			var due todoist.Due
			if err := json.Unmarshal([]byte(dueJSON.String), &due); err == nil {
				t.Due = &due
			}
		}
		if labelsJSON.Valid && labelsJSON.String != "" {
			_ = json.Unmarshal([]byte(labelsJSON.String), &t.Labels)
		}
		t.ProjectID = projectID.String
		t.Checked = checked != 0
		st.Tasks = append(st.Tasks, t)
	}
	if err := rows.Err(); err != nil {
		return st, false, fmt.Errorf("iterate tasks: %w", err)
	}

	msgRows, err := s.db.QueryContext(ctx, `
		SELECT role, content, created_at
		FROM messages WHERE user_id = ? ORDER BY id;`, userID)
	if err != nil {
		return st, false, fmt.Errorf("load messages: %w", err)
	}
	defer msgRows.Close()
	for msgRows.Next() {
		var m session.Message
		var role string
		if err := msgRows.Scan(&role, &m.Content, &m.At); err != nil {
			return st, false, fmt.Errorf("scan message: %w", err)
		}
		m.Role = session.Role(role)
		st.Messages = append(st.Messages, m)
	}
	if err := msgRows.Err(); err != nil {
		return st, false, fmt.Errorf("iterate messages: %w", err)
	}

	return st, true, nil
}

// CommitTurn persists the outcome of one turn in a single transaction:
// the new sync cursor, the full merged task snapshot, and the appended
// messages. Either everything lands or nothing does.
func (s *Store) CommitTurn(ctx context.Context, userID string, st session.State, newMessages []session.Message) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin commit tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (user_id, sync_token, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(user_id) DO UPDATE SET
				sync_token = excluded.sync_token,
				updated_at = CURRENT_TIMESTAMP;`, userID, st.SyncToken); err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}

		// Replace the task snapshot wholesale; position preserves merge order.
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE user_id = ?;`, userID); err != nil {
			return fmt.Errorf("clear tasks: %w", err)
		}
		for i, t := range st.Tasks {
			var dueJSON any
			if t.Due != nil {
				b, err := json.Marshal(t.Due)
				if err != nil {
					return fmt.Errorf("encode due: %w", err)
				}
				dueJSON = string(b)
			}
			var labelsJSON any
			if len(t.Labels) > 0 {
				b, err := json.Marshal(t.Labels)
				if err != nil {
					return fmt.Errorf("encode labels: %w", err)
				}
				labelsJSON = string(b)
			}
			checked := 0
			if t.Checked {
				checked = 1
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (user_id, task_id, position, content, description, priority, due_json, labels_json, project_id, checked)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
				userID, t.ID, i, t.Content, t.Description, t.Priority, dueJSON, labelsJSON, t.ProjectID, checked); err != nil {
				return fmt.Errorf("insert task: %w", err)
			}
		}

		for _, m := range newMessages {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO messages (user_id, role, content, created_at)
				VALUES (?, ?, ?, ?);`, userID, string(m.Role), m.Content, m.At); err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
		}

		return tx.Commit()
	})
}

// ListUsers returns every user id with persisted session state, used by the
// digest scheduler to fan out.
func (s *Store) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM sessions ORDER BY user_id;`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// MessageCount returns how many messages a user's log holds.
func (s *Store) MessageCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE user_id = ?;`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
