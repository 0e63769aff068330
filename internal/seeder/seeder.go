package seeder

import (
	"context"
	"log/slog"

	"github.com/vnmchuo/llm-router/internal/auth"
	"github.com/vnmchuo/llm-router/internal/catalog"
)

const (
	TestAPIKey  = "test-api-key-12345"
	TestKeyName = "development"
)

// SeedTestAPIKey stores an unrestricted development key. An existing key is
// left alone.
func SeedTestAPIKey(ctx context.Context, store auth.Store, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	apiKey := &auth.APIKey{
		Name:    TestKeyName,
		KeyHash: auth.HashKey(TestAPIKey),
		Active:  true,
	}

	if err := store.Create(ctx, apiKey); err != nil {
		logger.Info("seeder: API key may already exist, skipping", "error", err)
		return
	}
	logger.Info("seeder: test API key created", "key", TestAPIKey, "id", apiKey.ID)
}

// SeedDemoCatalog adds a local Ollama provider with two tagged models when
// the store has no models yet. It reports whether anything was added.
func SeedDemoCatalog(ctx context.Context, store *catalog.MemoryStore, logger *slog.Logger) (bool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	existing, err := store.ListModels(ctx, catalog.Query{IncludeInactive: true})
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, nil
	}

	p, err := store.UpsertProvider(&catalog.Provider{
		Name:    "ollama",
		Type:    catalog.TypeOllama,
		Active:  true,
		BaseURL: "http://localhost:11434",
	})
	if err != nil {
		return false, err
	}

	models := []*catalog.Model{
		{
			Name:             "llama3",
			RemoteIdentifier: "llama3:8b",
			Tags:             []string{"chat", "general"},
			DefaultParams:    map[string]any{"temperature": 0.7},
			Config:           map[string]any{"priority": 10},
			Active:           true,
			RateLimit:        &catalog.RateLimit{MaxRequests: 30, PerSeconds: 60},
		},
		{
			Name:             "phi3",
			RemoteIdentifier: "phi3:mini",
			Tags:             []string{"chat", "fast"},
			Config:           map[string]any{"priority": 5},
			Active:           true,
		},
	}
	for _, m := range models {
		if _, err := store.UpsertModel(p.ID, m); err != nil {
			return false, err
		}
	}
	logger.Info("seeder: demo catalog created", "provider", p.Name, "models", len(models))
	return true, nil
}
