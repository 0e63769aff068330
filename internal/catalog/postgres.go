package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresLoader reads the catalog tables and fills a MemoryStore.
type PostgresLoader struct {
	db DB
}

func NewPostgresLoader(db DB) *PostgresLoader {
	return &PostgresLoader{db: db}
}

func (l *PostgresLoader) Load(ctx context.Context, store *MemoryStore) error {
	providers, err := l.loadProviders(ctx)
	if err != nil {
		return err
	}
	for _, p := range providers {
		if _, err := store.UpsertProvider(p); err != nil {
			return err
		}
	}

	rows, err := l.db.Query(ctx, `
		SELECT m.id, m.provider_id, m.name, COALESCE(m.remote_identifier, ''),
		       COALESCE(m.tags, '{}'), COALESCE(m.default_params, '{}'), COALESCE(m.config, '{}'),
		       m.is_active, COALESCE(m.local_path, ''), COALESCE(m.download_uri, ''),
		       rl.max_requests, rl.per_seconds, rl.burst_size
		FROM models m
		LEFT JOIN rate_limits rl ON rl.model_id = m.id
		ORDER BY m.provider_id, m.name
	`)
	if err != nil {
		return fmt.Errorf("failed to query models: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m          Model
			providerID string
			maxReq     *int
			perSec     *int
			burst      *int
		)
		err := rows.Scan(
			&m.ID, &providerID, &m.Name, &m.RemoteIdentifier,
			&m.Tags, &m.DefaultParams, &m.Config,
			&m.Active, &m.LocalPath, &m.DownloadURI,
			&maxReq, &perSec, &burst,
		)
		if err != nil {
			return fmt.Errorf("failed to scan model: %w", err)
		}
		if maxReq != nil && perSec != nil {
			m.RateLimit = &RateLimit{MaxRequests: *maxReq, PerSeconds: *perSec}
			if burst != nil {
				m.RateLimit.BurstSize = *burst
			}
		}
		if _, err := store.UpsertModel(providerID, &m); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating models: %w", err)
	}
	return nil
}

func (l *PostgresLoader) loadProviders(ctx context.Context) ([]*Provider, error) {
	rows, err := l.db.Query(ctx, `
		SELECT id, name, type, is_active, COALESCE(base_url, ''), COALESCE(api_key, ''), COALESCE(settings, '{}')
		FROM providers
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query providers: %w", err)
	}
	defer rows.Close()

	var out []*Provider
	for rows.Next() {
		var (
			p      Provider
			apiKey string
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Type, &p.Active, &p.BaseURL, &apiKey, &p.Settings); err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		p.APIKeys = ParseCredentials(apiKey)
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating providers: %w", err)
	}
	return out, nil
}
