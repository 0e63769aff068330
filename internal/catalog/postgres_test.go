package catalog

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRows replays fixed rows through pgx.Rows. A nil value scans as the
// zero value of the destination, which is how NULL reaches a pointer.
type fakeRows struct {
	rows [][]any
	pos  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Values() ([]any, error) { return r.rows[r.pos-1], nil }

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.pos-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(row))
	}
	for i, d := range dest {
		target := reflect.ValueOf(d).Elem()
		if row[i] == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		v := reflect.ValueOf(row[i])
		if target.Kind() == reflect.Pointer && v.Kind() != reflect.Pointer {
			ptr := reflect.New(target.Type().Elem())
			ptr.Elem().Set(v.Convert(target.Type().Elem()))
			target.Set(ptr)
			continue
		}
		target.Set(v.Convert(target.Type()))
	}
	return nil
}

type fakeCatalogDB struct {
	providers [][]any
	models    [][]any
	queryErr  error
}

func (db *fakeCatalogDB) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	if db.queryErr != nil {
		return nil, db.queryErr
	}
	if strings.Contains(sql, "FROM providers") {
		return &fakeRows{rows: db.providers}, nil
	}
	return &fakeRows{rows: db.models}, nil
}

func modelRow(id, providerID, name string, tags []string, maxReq, perSec, burst any) []any {
	return []any{
		id, providerID, name, "",
		tags, map[string]any{}, map[string]any{"priority": 1},
		true, "", "",
		maxReq, perSec, burst,
	}
}

func TestPostgresLoader_Load(t *testing.T) {
	db := &fakeCatalogDB{
		providers: [][]any{
			{"p-1", "openai", "openai", true, "", "k1, k2", map[string]any{}},
			{"p-2", "local", "ollama", true, "http://localhost:11434", "", map[string]any{}},
		},
		models: [][]any{
			modelRow("m-1", "p-1", "gpt", []string{"chat", "fast"}, 10, 60, 20),
			modelRow("m-2", "p-1", "mini", []string{"chat"}, 5, 1, nil),
			modelRow("m-3", "p-2", "llama", nil, nil, nil, nil),
		},
	}
	store := NewMemoryStore()
	require.NoError(t, NewPostgresLoader(db).Load(context.Background(), store))

	ctx := context.Background()
	p, err := store.GetProvider(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, p.APIKeys)

	local, err := store.GetProvider(ctx, "local")
	require.NoError(t, err)
	assert.Nil(t, local.APIKeys)
	assert.Equal(t, TypeOllama, local.Type)

	gpt, err := store.GetModel(ctx, "openai", "gpt")
	require.NoError(t, err)
	assert.Equal(t, []string{"chat", "fast"}, gpt.Tags)
	assert.Equal(t, &RateLimit{MaxRequests: 10, PerSeconds: 60, BurstSize: 20}, gpt.RateLimit)

	mini, err := store.GetModel(ctx, "openai", "mini")
	require.NoError(t, err)
	assert.Equal(t, &RateLimit{MaxRequests: 5, PerSeconds: 1}, mini.RateLimit, "NULL burst keeps the default")

	llama, err := store.GetModel(ctx, "local", "llama")
	require.NoError(t, err)
	assert.Nil(t, llama.RateLimit, "no rate_limits row means no bucket")
	assert.Equal(t, "p-2", llama.Provider.ID)
}

func TestPostgresLoader_Errors(t *testing.T) {
	t.Run("query", func(t *testing.T) {
		err := NewPostgresLoader(&fakeCatalogDB{queryErr: errors.New("connection refused")}).Load(context.Background(), NewMemoryStore())
		assert.ErrorContains(t, err, "failed to query providers")
	})

	t.Run("model of unknown provider", func(t *testing.T) {
		db := &fakeCatalogDB{models: [][]any{modelRow("m-1", "missing", "gpt", nil, nil, nil, nil)}}
		err := NewPostgresLoader(db).Load(context.Background(), NewMemoryStore())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("invalid rate limit", func(t *testing.T) {
		db := &fakeCatalogDB{
			providers: [][]any{{"p-1", "openai", "openai", true, "", "", map[string]any{}}},
			models:    [][]any{modelRow("m-1", "p-1", "gpt", nil, 0, 60, nil)},
		}
		err := NewPostgresLoader(db).Load(context.Background(), NewMemoryStore())
		assert.ErrorContains(t, err, "max_requests must be positive")
	})
}
