// Package store persists sessions in SQLite. The runtime core mutates
// sessions in memory and hands them here; it never persists state itself.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"forgecli/internal/domain"
	"forgecli/internal/usecase"
)

// SQLiteSessionStore implements usecase.SessionStore using SQLite.
type SQLiteSessionStore struct {
	db *sql.DB
}

// NewSQLiteSessionStore opens (or creates) a SQLite database at dbPath and
// runs the schema migration.
func NewSQLiteSessionStore(dbPath string) (*SQLiteSessionStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate session db: %w", err)
	}
	return &SQLiteSessionStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id             TEXT PRIMARY KEY,
			messages       TEXT NOT NULL DEFAULT '[]',
			todos          TEXT NOT NULL DEFAULT '[]',
			context_window INTEGER NOT NULL,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteSessionStore) Close() error {
	return s.db.Close()
}

// Read loads a session by ID.
func (s *SQLiteSessionStore) Read(ctx context.Context, id string) (*usecase.Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, messages, todos, context_window, created_at, updated_at FROM sessions WHERE id = ?", id,
	)

	var (
		msgsJSON, todosJSON  string
		createdAt, updatedAt string
		sessionID            string
		contextWindow        int
	)
	if err := row.Scan(&sessionID, &msgsJSON, &todosJSON, &contextWindow, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewDomainError("SQLiteSessionStore.Read", domain.ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("read session: %w", err)
	}

	var msgs []domain.Message
	if err := json.Unmarshal([]byte(msgsJSON), &msgs); err != nil {
		return nil, fmt.Errorf("unmarshal session messages: %w", err)
	}
	var todos []usecase.TodoItem
	if err := json.Unmarshal([]byte(todosJSON), &todos); err != nil {
		return nil, fmt.Errorf("unmarshal session todos: %w", err)
	}

	sess := &usecase.Session{
		ID:            sessionID,
		ContextWindow: contextWindow,
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		sess.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		sess.UpdatedAt = t
	}
	sess.Apply(usecase.SessionUpdate{Messages: &msgs, Todos: &todos})
	return sess, nil
}

// Save inserts or replaces a full session snapshot.
func (s *SQLiteSessionStore) Save(ctx context.Context, sess *usecase.Session) error {
	msgs := sess.Messages()
	todos := sess.TodoList()

	msgsJSON, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("marshal session messages: %w", err)
	}
	todosJSON, err := json.Marshal(todos)
	if err != nil {
		return fmt.Errorf("marshal session todos: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, messages, todos, context_window, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			messages = excluded.messages,
			todos = excluded.todos,
			context_window = excluded.context_window,
			updated_at = excluded.updated_at`,
		sess.ID, string(msgsJSON), string(todosJSON), sess.Window(),
		sess.CreatedAt.UTC().Format(time.RFC3339Nano), now,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Update applies a partial update; nil fields leave the column untouched.
func (s *SQLiteSessionStore) Update(ctx context.Context, id string, u usecase.SessionUpdate) error {
	set := "updated_at = ?"
	args := []any{time.Now().UTC().Format(time.RFC3339Nano)}

	if u.Messages != nil {
		data, err := json.Marshal(*u.Messages)
		if err != nil {
			return fmt.Errorf("marshal session messages: %w", err)
		}
		set += ", messages = ?"
		args = append(args, string(data))
	}
	if u.Todos != nil {
		data, err := json.Marshal(*u.Todos)
		if err != nil {
			return fmt.Errorf("marshal session todos: %w", err)
		}
		set += ", todos = ?"
		args = append(args, string(data))
	}
	if u.ContextWindow != nil {
		set += ", context_window = ?"
		args = append(args, *u.ContextWindow)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, "UPDATE sessions SET "+set+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NewDomainError("SQLiteSessionStore.Update", domain.ErrSessionNotFound, id)
	}
	return nil
}
