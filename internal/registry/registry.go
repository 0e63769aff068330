// Package registry builds and caches one provider client per configured
// provider.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vnmchuo/llm-router/internal/catalog"
	"github.com/vnmchuo/llm-router/internal/provider"
	"github.com/vnmchuo/llm-router/internal/provider/claude"
	"github.com/vnmchuo/llm-router/internal/provider/gemini"
	"github.com/vnmchuo/llm-router/internal/provider/local"
	"github.com/vnmchuo/llm-router/internal/provider/ollama"
	"github.com/vnmchuo/llm-router/internal/provider/openai"
	"github.com/vnmchuo/llm-router/internal/provider/remotehttp"
	"github.com/vnmchuo/llm-router/internal/provider/vllm"
	"github.com/vnmchuo/llm-router/internal/worker"
)

// Factory constructs a client. Configuration problems must be reported
// here, not on first call.
type Factory func(p *catalog.Provider, opts Options) (provider.Client, error)

type Options struct {
	Provider provider.Options
	// Pool runs in-process inference. Required for local providers.
	Pool *worker.Pool
	// Loader overrides how local pipelines are built.
	Loader local.Loader
	// Breaker wraps every client in a circuit breaker when Threshold > 0.
	Breaker BreakerSettings
	Logger  *slog.Logger
}

// DefaultFactories maps every supported provider type to its client.
func DefaultFactories() map[catalog.ProviderType]Factory {
	httpClient := func(build func(*catalog.Provider, provider.Options) (provider.Client, error)) Factory {
		return func(p *catalog.Provider, opts Options) (provider.Client, error) {
			return build(p, opts.Provider)
		}
	}
	openAICompatible := httpClient(openai.New)

	return map[catalog.ProviderType]Factory{
		catalog.TypeOpenAI:     openAICompatible,
		catalog.TypeGrok:       openAICompatible,
		catalog.TypeDeepSeek:   openAICompatible,
		catalog.TypeQwen:       openAICompatible,
		catalog.TypeKimi:       openAICompatible,
		catalog.TypeGLM:        openAICompatible,
		catalog.TypeOpenRouter: openAICompatible,
		catalog.TypeGemini:     httpClient(gemini.New),
		catalog.TypeClaude:     httpClient(claude.New),
		catalog.TypeOllama:     httpClient(ollama.New),
		catalog.TypeVLLM:       httpClient(vllm.New),
		catalog.TypeRemoteHTTP: httpClient(remotehttp.New),
		catalog.TypeCustomHTTP: httpClient(remotehttp.New),
		catalog.TypeTransformers: func(p *catalog.Provider, opts Options) (provider.Client, error) {
			if opts.Pool == nil {
				return nil, &provider.ConfigError{Provider: p.Name, Reason: "local inference requires a worker pool"}
			}
			loader := opts.Loader
			if loader == nil {
				loader = local.ExecLoader(p)
			}
			return local.New(p, loader, opts.Pool, opts.Logger), nil
		},
	}
}

type entry struct {
	client  provider.Client
	connKey string
}

// Registry owns the client cache. It is created at startup and closed at
// shutdown.
type Registry struct {
	factories map[catalog.ProviderType]Factory
	opts      Options
	logger    *slog.Logger

	mu      sync.Mutex
	clients map[string]*entry // by provider id
}

func New(factories map[catalog.ProviderType]Factory, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Provider.Logger == nil {
		opts.Provider.Logger = logger
	}
	return &Registry{
		factories: factories,
		opts:      opts,
		logger:    logger,
		clients:   make(map[string]*entry),
	}
}

// Get returns the client for p, building it on first use. A cached client
// has the latest provider row attached; it is rebuilt when connection
// level settings changed.
func (r *Registry) Get(p *catalog.Provider) (provider.Client, error) {
	key := connectionKey(p)

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.clients[p.ID]; ok {
		if e.connKey == key {
			e.client.Attach(p)
			return e.client, nil
		}
		r.logger.Info("rebuilding provider client", "provider", p.Name)
		if err := e.client.Close(); err != nil {
			r.logger.Warn("closing stale provider client", "provider", p.Name, "error", err)
		}
		delete(r.clients, p.ID)
	}

	factory, ok := r.factories[p.Type]
	if !ok {
		return nil, &provider.Error{Provider: p.Name, Message: fmt.Sprintf("unsupported provider type %q", p.Type)}
	}
	client, err := factory(p, r.opts)
	if err != nil {
		return nil, err
	}
	if r.opts.Breaker.Threshold > 0 {
		client = withBreaker(p.Name, client, r.opts.Breaker)
	}
	r.clients[p.ID] = &entry{client: client, connKey: key}
	return client, nil
}

// Remove drops and closes the client for a deleted provider.
func (r *Registry) Remove(providerID string) {
	r.mu.Lock()
	e, ok := r.clients[providerID]
	delete(r.clients, providerID)
	r.mu.Unlock()
	if ok {
		if err := e.client.Close(); err != nil {
			r.logger.Warn("closing provider client", "provider_id", providerID, "error", err)
		}
	}
}

func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for id, e := range r.clients {
		if err := e.client.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(r.clients, id)
	}
	return errors.Join(errs...)
}

// connectionKey captures the settings baked into a client's transport.
// Everything else is read from the attached row on each call.
func connectionKey(p *catalog.Provider) string {
	return string(p.Type) + "|" + p.Setting("proxy")
}
