package monitor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS monitor_invocations (
		id TEXT PRIMARY KEY,
		model_id TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		model_name TEXT NOT NULL,
		provider_name TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ NOT NULL,
		duration_ms DOUBLE PRECISION NOT NULL,
		status TEXT NOT NULL,
		error_message TEXT,
		request_prompt TEXT,
		request_messages JSONB,
		request_parameters JSONB,
		response_text TEXT,
		response_text_length INTEGER,
		prompt_tokens INTEGER,
		completion_tokens INTEGER,
		total_tokens INTEGER,
		cost DOUBLE PRECISION,
		raw_response JSONB
	)
`

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create monitor_invocations table: %w", err)
	}
	if _, err := s.db.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_monitor_invocations_started_at ON monitor_invocations(started_at)`); err != nil {
		return fmt.Errorf("failed to create monitor_invocations index: %w", err)
	}
	return nil
}

const insertInvocation = `
	INSERT INTO monitor_invocations (
		id, model_id, provider_id, model_name, provider_name, started_at, completed_at,
		duration_ms, status, error_message, request_prompt, request_messages,
		request_parameters, response_text, response_text_length, prompt_tokens,
		completion_tokens, total_tokens, cost, raw_response
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	ON CONFLICT (id) DO NOTHING
`

func (s *PostgresStore) WriteBatch(ctx context.Context, batch []*Invocation) error {
	if len(batch) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, inv := range batch {
		b.Queue(insertInvocation, invocationArgs(inv, false)...)
	}
	br := s.db.SendBatch(ctx, b)
	defer br.Close()

	for range batch {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert invocation: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the pool belongs to the caller.
func (s *PostgresStore) Close() error { return nil }

// invocationArgs lays out inv in column order. JSON columns are encoded up
// front; asText selects string encoding for drivers without a JSON type.
func invocationArgs(inv *Invocation, asText bool) []any {
	return []any{
		inv.ID, inv.ModelID, inv.ProviderID, inv.ModelName, inv.ProviderName,
		inv.StartedAt.UTC(), inv.CompletedAt.UTC(), inv.DurationMs, string(inv.Status),
		nullString(inv.ErrorMessage), nullString(inv.RequestPrompt),
		jsonColumn(inv.RequestMessages, len(inv.RequestMessages) == 0, asText),
		jsonColumn(inv.RequestParameters, inv.RequestParameters == nil, asText),
		nullString(inv.ResponseText), inv.ResponseTextLength,
		inv.PromptTokens, inv.CompletionTokens, inv.TotalTokens, inv.Cost,
		jsonColumn(inv.Raw, len(inv.Raw) == 0, asText),
	}
}

func jsonColumn(v any, empty, asText bool) any {
	if empty {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if asText {
		return string(data)
	}
	return data
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
