package monitor

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps invocations in a local SQLite file, separate from any
// catalog database.
type SQLiteStore struct {
	db   *sql.DB
	owns bool
}

// OpenSQLite opens (or creates) the database at path and owns it.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open monitor database: %w", err)
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owns = true
	return s, nil
}

// NewSQLiteStore uses an already opened database and creates the table.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS monitor_invocations (
			id TEXT PRIMARY KEY,
			model_id TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			model_name TEXT NOT NULL,
			provider_name TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			completed_at DATETIME NOT NULL,
			duration_ms REAL NOT NULL,
			status TEXT NOT NULL,
			error_message TEXT,
			request_prompt TEXT,
			request_messages JSON,
			request_parameters JSON,
			response_text TEXT,
			response_text_length INTEGER,
			prompt_tokens INTEGER,
			completion_tokens INTEGER,
			total_tokens INTEGER,
			cost REAL,
			raw_response JSON
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create monitor_invocations table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_monitor_invocations_started_at ON monitor_invocations(started_at)`); err != nil {
		return nil, fmt.Errorf("failed to create monitor_invocations index: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) WriteBatch(ctx context.Context, batch []*Invocation) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO monitor_invocations (
			id, model_id, provider_id, model_name, provider_name, started_at, completed_at,
			duration_ms, status, error_message, request_prompt, request_messages,
			request_parameters, response_text, response_text_length, prompt_tokens,
			completion_tokens, total_tokens, cost, raw_response
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, inv := range batch {
		if _, err := stmt.ExecContext(ctx, invocationArgs(inv, true)...); err != nil {
			return fmt.Errorf("failed to insert invocation %s: %w", inv.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	if s.owns {
		return s.db.Close()
	}
	return nil
}
