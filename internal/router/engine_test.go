package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-router/internal/catalog"
	"github.com/vnmchuo/llm-router/internal/monitor"
	"github.com/vnmchuo/llm-router/internal/provider"
	"github.com/vnmchuo/llm-router/internal/registry"
	"github.com/vnmchuo/llm-router/pkg/ratelimit"
)

type fakeClient struct {
	invoke func(ctx context.Context, m *catalog.Model, req *provider.Request) (*provider.Response, error)
	stream func(ctx context.Context, m *catalog.Model, req *provider.Request) (<-chan *provider.StreamChunk, error)
}

func (f *fakeClient) Invoke(ctx context.Context, m *catalog.Model, req *provider.Request) (*provider.Response, error) {
	return f.invoke(ctx, m, req)
}

func (f *fakeClient) Stream(ctx context.Context, m *catalog.Model, req *provider.Request) (<-chan *provider.StreamChunk, error) {
	if f.stream == nil {
		return nil, provider.StreamingUnsupported("fake")
	}
	return f.stream(ctx, m, req)
}

func (f *fakeClient) Attach(*catalog.Provider) {}
func (f *fakeClient) Close() error            { return nil }

type sinkFunc func(ctx context.Context, inv *monitor.Invocation) error

func (f sinkFunc) Record(ctx context.Context, inv *monitor.Invocation) error { return f(ctx, inv) }

type captureSink struct {
	mu   sync.Mutex
	invs []*monitor.Invocation
}

func (c *captureSink) Record(_ context.Context, inv *monitor.Invocation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invs = append(c.invs, inv)
	return nil
}

func (c *captureSink) last(t *testing.T) *monitor.Invocation {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.invs)
	return c.invs[len(c.invs)-1]
}

type fixture struct {
	store  *catalog.MemoryStore
	engine *Engine
	sink   *captureSink
	client *fakeClient
	prov   *catalog.Provider
}

func newFixture(t *testing.T, sink monitor.Sink) *fixture {
	t.Helper()
	f := &fixture{store: catalog.NewMemoryStore(), sink: &captureSink{}}
	f.client = &fakeClient{invoke: func(_ context.Context, _ *catalog.Model, req *provider.Request) (*provider.Response, error) {
		return &provider.Response{
			OutputText: "echo: " + req.Prompt,
			Raw:        map[string]any{"usage": map[string]any{"prompt_tokens": 1000, "completion_tokens": 1000}},
		}, nil
	}}
	reg := registry.New(map[catalog.ProviderType]registry.Factory{
		catalog.TypeCustomHTTP: func(*catalog.Provider, registry.Options) (provider.Client, error) { return f.client, nil },
	}, registry.Options{})
	t.Cleanup(func() { _ = reg.Close() })

	if sink == nil {
		sink = f.sink
	}
	f.engine = New(Options{Catalog: f.store, Registry: reg, Sink: sink})
	f.store.Subscribe(f.engine.HandleChange)

	p, err := f.store.UpsertProvider(&catalog.Provider{Name: "p1", Type: catalog.TypeCustomHTTP, Active: true})
	require.NoError(t, err)
	f.prov = p
	return f
}

func (f *fixture) addModel(t *testing.T, m *catalog.Model) *catalog.Model {
	t.Helper()
	stored, err := f.store.UpsertModel(f.prov.ID, m)
	require.NoError(t, err)
	return stored
}

func TestSelectCandidate_TieBreak(t *testing.T) {
	a := &catalog.Model{Name: "a", Config: map[string]any{"priority": 1}}
	b := &catalog.Model{Name: "b", Config: map[string]any{"priority": 5}}
	c := &catalog.Model{Name: "z", Config: map[string]any{"priority": 5}}

	for i := 0; i < 20; i++ {
		assert.Same(t, c, SelectCandidate([]*catalog.Model{a, b, c}))
		assert.Same(t, c, SelectCandidate([]*catalog.Model{c, b, a}))
		assert.Same(t, c, SelectCandidate([]*catalog.Model{b, c, a}))
	}
	assert.Nil(t, SelectCandidate(nil))

	noPriority := &catalog.Model{Name: "y"}
	assert.Same(t, noPriority, SelectCandidate([]*catalog.Model{{Name: "x"}, noPriority}))
}

func TestRouteByTags_PicksHighestPriority(t *testing.T) {
	f := newFixture(t, nil)
	f.addModel(t, &catalog.Model{Name: "a", Active: true, Tags: []string{"chat"}, Config: map[string]any{"priority": 1}})
	f.addModel(t, &catalog.Model{Name: "b", Active: true, Tags: []string{"chat"}, Config: map[string]any{"priority": 5}})
	f.addModel(t, &catalog.Model{Name: "z", Active: true, Tags: []string{"chat"}, Config: map[string]any{"priority": 5}})
	f.addModel(t, &catalog.Model{Name: "zz", Active: false, Tags: []string{"chat"}, Config: map[string]any{"priority": 9}})

	var picked string
	f.client.invoke = func(_ context.Context, m *catalog.Model, _ *provider.Request) (*provider.Response, error) {
		picked = m.Name
		return &provider.Response{OutputText: "ok"}, nil
	}
	_, err := f.engine.RouteByTags(context.Background(), catalog.Query{Tags: []string{"chat"}}, &provider.Request{Prompt: "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "z", picked)
}

func TestRouteByTags_NoCandidates(t *testing.T) {
	f := newFixture(t, nil)
	f.addModel(t, &catalog.Model{Name: "a", Active: true, Tags: []string{"chat"}})

	_, err := f.engine.RouteByTags(context.Background(), catalog.Query{Tags: []string{"vision"}}, &provider.Request{Prompt: "hi"}, nil)
	var re *RoutingError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "no model matches the query", re.Message)

	_, err = f.engine.RouteByTags(context.Background(), catalog.Query{Tags: []string{"chat"}}, &provider.Request{Prompt: "hi"}, denyAll{})
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "no permitted model matches the query", re.Message)
}

type denyAll struct{}

func (denyAll) Allows(string, string) bool                        { return false }
func (denyAll) ClampParameters(p map[string]any) map[string]any { return p }

type capTokens struct{}

func (capTokens) Allows(string, string) bool { return true }
func (capTokens) ClampParameters(p map[string]any) map[string]any {
	out := provider.MergeParameters(p, nil)
	out["max_tokens"] = 10
	return out
}

func TestInvokeByIdentifier_Errors(t *testing.T) {
	f := newFixture(t, nil)
	f.addModel(t, &catalog.Model{Name: "off", Active: false})
	f.addModel(t, &catalog.Model{Name: "on", Active: true})
	ctx := context.Background()
	req := &provider.Request{Prompt: "hi"}

	tests := []struct {
		name, provider, model, want string
		filter                      AccessFilter
	}{
		{"missing", "p1", "nope", "model p1/nope not found", nil},
		{"inactive model", "p1", "off", "model p1/off is not available", nil},
		{"denied", "p1", "on", "access to p1/on is not allowed", denyAll{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.InvokeByIdentifier(ctx, tt.provider, tt.model, req, tt.filter)
			var re *RoutingError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.want, re.Message)
		})
	}

	disabled := f.prov.Clone()
	disabled.Active = false
	_, err := f.store.UpsertProvider(disabled)
	require.NoError(t, err)
	_, err = f.engine.InvokeByIdentifier(ctx, "p1", "on", req, nil)
	assert.EqualError(t, err, "provider p1 is disabled")

	_, err = f.engine.InvokeByIdentifier(ctx, "p1", "on", &provider.Request{}, nil)
	assert.True(t, IsRoutingError(err))
}

func TestInvoke_CostAndRecord(t *testing.T) {
	f := newFixture(t, nil)
	f.addModel(t, &catalog.Model{Name: "m", Active: true, Config: map[string]any{"cost_per_1k_tokens": 0.002}})

	resp, err := f.engine.InvokeByIdentifier(context.Background(), "p1", "m", &provider.Request{
		Prompt:     "hi",
		Messages:   []provider.Message{{Role: "user", Content: "hello"}},
		Parameters: map[string]any{"temperature": 0.1},
	}, capTokens{})
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", resp.OutputText)
	require.NotNil(t, resp.Cost)
	assert.InDelta(t, 0.004, *resp.Cost, 1e-9)

	inv := f.sink.last(t)
	assert.Equal(t, monitor.StatusSuccess, inv.Status)
	assert.Equal(t, "m", inv.ModelName)
	assert.Equal(t, "p1", inv.ProviderName)
	assert.Equal(t, "echo: hi", inv.ResponseText)
	assert.Equal(t, 2000, *inv.TotalTokens)
	assert.Equal(t, map[string]any{"temperature": 0.1, "max_tokens": 10}, inv.RequestParameters)
	assert.Equal(t, []monitor.MessagePreview{{Role: "user", Content: "hello"}}, inv.RequestMessages)
}

func TestInvoke_ProviderErrorBecomesRoutingError(t *testing.T) {
	f := newFixture(t, nil)
	f.addModel(t, &catalog.Model{Name: "m", Active: true})
	perr := &provider.Error{Provider: "p1", Status: http.StatusBadRequest, Message: "bad prompt"}
	f.client.invoke = func(context.Context, *catalog.Model, *provider.Request) (*provider.Response, error) {
		return nil, perr
	}

	_, err := f.engine.InvokeByIdentifier(context.Background(), "p1", "m", &provider.Request{Prompt: "hi"}, nil)
	var re *RoutingError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, perr.Error(), re.Message)
	assert.Equal(t, http.StatusBadRequest, provider.StatusOf(err))

	inv := f.sink.last(t)
	assert.Equal(t, monitor.StatusError, inv.Status)
	assert.Equal(t, perr.Error(), inv.ErrorMessage)
}

func TestInvoke_SinkFailureIsSwallowed(t *testing.T) {
	sinks := map[string]monitor.Sink{
		"error": sinkFunc(func(context.Context, *monitor.Invocation) error { return errors.New("db down") }),
		"panic": sinkFunc(func(context.Context, *monitor.Invocation) error { panic("boom") }),
	}
	for name, sink := range sinks {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, sink)
			f.addModel(t, &catalog.Model{Name: "m", Active: true})
			resp, err := f.engine.InvokeByIdentifier(context.Background(), "p1", "m", &provider.Request{Prompt: "hi"}, nil)
			require.NoError(t, err)
			assert.Equal(t, "echo: hi", resp.OutputText)
		})
	}
}

func TestInvoke_SinkContextOutlivesCaller(t *testing.T) {
	var sinkErr error
	sink := sinkFunc(func(ctx context.Context, _ *monitor.Invocation) error {
		sinkErr = ctx.Err()
		return nil
	})
	f := newFixture(t, sink)
	f.addModel(t, &catalog.Model{Name: "m", Active: true})

	ctx, cancel := context.WithCancel(context.Background())
	f.client.invoke = func(context.Context, *catalog.Model, *provider.Request) (*provider.Response, error) {
		cancel()
		return &provider.Response{OutputText: "late"}, nil
	}
	_, err := f.engine.InvokeByIdentifier(ctx, "p1", "m", &provider.Request{Prompt: "hi"}, nil)
	require.NoError(t, err)
	assert.NoError(t, sinkErr)
}

func TestInvoke_RateLimitedModelWaits(t *testing.T) {
	f := newFixture(t, nil)
	f.addModel(t, &catalog.Model{Name: "m", Active: true, RateLimit: &catalog.RateLimit{MaxRequests: 1, PerSeconds: 60}})
	req := &provider.Request{Prompt: "hi"}

	_, err := f.engine.InvokeByIdentifier(context.Background(), "p1", "m", req, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.engine.InvokeByIdentifier(ctx, "p1", "m", req, nil)
	assert.True(t, IsRoutingError(err))
}

func TestHandleChange_SyncsBuckets(t *testing.T) {
	f := newFixture(t, nil)
	m := f.addModel(t, &catalog.Model{Name: "m", Active: true, RateLimit: &catalog.RateLimit{MaxRequests: 2, PerSeconds: 1}})

	snap, ok := f.engine.limiter.Bucket(m.ID)
	require.True(t, ok)
	assert.Equal(t, 2, snap.Capacity)

	m.RateLimit = nil
	_, err := f.store.UpsertModel(f.prov.ID, m)
	require.NoError(t, err)
	_, ok = f.engine.limiter.Bucket(m.ID)
	assert.False(t, ok)

	m.RateLimit = &catalog.RateLimit{MaxRequests: 3, PerSeconds: 1}
	_, err = f.store.UpsertModel(f.prov.ID, m)
	require.NoError(t, err)
	require.NoError(t, f.store.DeleteModel(m.ID))
	_, ok = f.engine.limiter.Bucket(m.ID)
	assert.False(t, ok)
}

func TestSync_LoadsBuckets(t *testing.T) {
	store := catalog.NewMemoryStore()
	p, err := store.UpsertProvider(&catalog.Provider{Name: "p", Type: catalog.TypeCustomHTTP, Active: true})
	require.NoError(t, err)
	m, err := store.UpsertModel(p.ID, &catalog.Model{Name: "m", RateLimit: &catalog.RateLimit{MaxRequests: 4, PerSeconds: 2}})
	require.NoError(t, err)

	buckets := ratelimit.NewBuckets()
	e := New(Options{Catalog: store, Limiter: buckets})
	require.NoError(t, e.Sync(context.Background()))
	snap, ok := buckets.Bucket(m.ID)
	require.True(t, ok)
	assert.Equal(t, 2.0, snap.RefillRate)
}

// End to end over the real OpenAI-compatible client: the first credential
// is rejected with 401, the second answers.
func TestRouteByTags_CredentialFailover(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		mu.Lock()
		seen = append(seen, auth)
		mu.Unlock()
		if auth != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": "hello there"}}},
			"usage":   map[string]any{"prompt_tokens": 1, "completion_tokens": 2, "total_tokens": 3},
		})
	}))
	defer srv.Close()

	store := catalog.NewMemoryStore()
	p, err := store.UpsertProvider(&catalog.Provider{
		Name: "p1", Type: catalog.TypeOpenAI, Active: true, BaseURL: srv.URL,
		APIKeys: catalog.ParseCredentials("bad,good"),
	})
	require.NoError(t, err)
	_, err = store.UpsertModel(p.ID, &catalog.Model{Name: "m1", Active: true, Tags: []string{"chat"}})
	require.NoError(t, err)

	reg := registry.New(registry.DefaultFactories(), registry.Options{})
	defer reg.Close()
	sink := &captureSink{}
	e := New(Options{Catalog: store, Registry: reg, Sink: sink})

	resp, err := e.RouteByTags(context.Background(), catalog.Query{Tags: []string{"chat"}}, &provider.Request{Prompt: "hi"}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.OutputText)
	assert.Equal(t, []string{"Bearer bad", "Bearer good"}, seen)
	assert.Equal(t, 3, *sink.last(t).TotalTokens)
}
