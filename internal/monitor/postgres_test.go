package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBatchResults struct {
	execs  int
	failAt int
	closed bool
}

func (r *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	r.execs++
	if r.execs == r.failAt {
		return pgconn.CommandTag{}, errors.New("unique violation on another column")
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (r *fakeBatchResults) Query() (pgx.Rows, error) { return nil, errors.New("not used") }
func (r *fakeBatchResults) QueryRow() pgx.Row        { return nil }

func (r *fakeBatchResults) Close() error {
	r.closed = true
	return nil
}

type fakePostgres struct {
	execs   []string
	execErr error
	batch   *pgx.Batch
	results *fakeBatchResults
}

func (db *fakePostgres) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	db.execs = append(db.execs, sql)
	return pgconn.CommandTag{}, db.execErr
}

func (db *fakePostgres) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	db.batch = b
	return db.results
}

func TestPostgresStore_WriteBatch(t *testing.T) {
	db := &fakePostgres{results: &fakeBatchResults{}}
	store := NewPostgresStore(db)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	batch := []*Invocation{
		{
			ID: "inv-1", ModelID: "m1", ProviderID: "p1", ModelName: "gpt", ProviderName: "openai",
			StartedAt: now, CompletedAt: now.Add(time.Second), DurationMs: 1000, Status: StatusSuccess,
			RequestParameters: map[string]any{"temperature": 0.2}, ResponseText: "hello", ResponseTextLength: 5,
			TotalTokens: intp(3), Raw: map[string]any{"id": "x"},
		},
		{
			ID: "inv-2", ModelID: "m1", ProviderID: "p1", ModelName: "gpt", ProviderName: "openai",
			StartedAt: now, CompletedAt: now, Status: StatusError, ErrorMessage: "boom",
		},
	}
	require.NoError(t, store.WriteBatch(context.Background(), batch))

	require.Equal(t, 2, db.batch.Len())
	assert.Equal(t, 2, db.results.execs)
	assert.True(t, db.results.closed)

	first := db.batch.QueuedQueries[0]
	assert.Contains(t, first.SQL, "ON CONFLICT (id) DO NOTHING")
	require.Len(t, first.Arguments, 20)
	assert.Equal(t, now.UTC(), first.Arguments[5])
	assert.Equal(t, "success", first.Arguments[8])
	assert.Nil(t, first.Arguments[9], "empty error message is NULL")
	assert.JSONEq(t, `{"temperature":0.2}`, string(first.Arguments[12].([]byte)))
	assert.JSONEq(t, `{"id":"x"}`, string(first.Arguments[19].([]byte)))

	second := db.batch.QueuedQueries[1]
	assert.Equal(t, "boom", second.Arguments[9])
	assert.Nil(t, second.Arguments[11])
	assert.Nil(t, second.Arguments[19])
}

func TestPostgresStore_WriteBatchErrors(t *testing.T) {
	db := &fakePostgres{results: &fakeBatchResults{failAt: 2}}
	store := NewPostgresStore(db)

	inv := func(id string) *Invocation {
		return &Invocation{ID: id, StartedAt: time.Now(), CompletedAt: time.Now(), Status: StatusSuccess}
	}
	err := store.WriteBatch(context.Background(), []*Invocation{inv("a"), inv("b"), inv("c")})
	assert.ErrorContains(t, err, "failed to insert invocation")
	assert.True(t, db.results.closed)

	db.batch = nil
	require.NoError(t, store.WriteBatch(context.Background(), nil))
	assert.Nil(t, db.batch, "an empty batch never reaches the database")
}

func TestPostgresStore_EnsureSchema(t *testing.T) {
	db := &fakePostgres{}
	store := NewPostgresStore(db)
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.Len(t, db.execs, 2)
	assert.Contains(t, db.execs[0], "CREATE TABLE IF NOT EXISTS monitor_invocations")
	assert.Contains(t, db.execs[1], "idx_monitor_invocations_started_at")

	db.execErr = errors.New("permission denied")
	assert.ErrorContains(t, store.EnsureSchema(context.Background()), "failed to create monitor_invocations table")
	assert.NoError(t, store.Close())
}
