// Package router selects a model, throttles, invokes its provider client
// and records the outcome.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/llm-router/internal/catalog"
	"github.com/vnmchuo/llm-router/internal/monitor"
	"github.com/vnmchuo/llm-router/internal/provider"
	"github.com/vnmchuo/llm-router/pkg/ratelimit"
)

// AccessFilter restricts which models a caller may reach and caps the
// parameters it may send. A nil filter allows everything.
type AccessFilter interface {
	Allows(providerName, modelName string) bool
	ClampParameters(params map[string]any) map[string]any
}

// Clients hands out provider clients. *registry.Registry implements it.
type Clients interface {
	Get(p *catalog.Provider) (provider.Client, error)
	Remove(providerID string)
}

type Options struct {
	Catalog  catalog.Reader
	Registry Clients
	Limiter  *ratelimit.Buckets
	Sink     monitor.Sink
	Tracer   trace.Tracer
	Logger   *slog.Logger
	// RecordTimeout bounds a single sink write.
	RecordTimeout time.Duration
}

type Engine struct {
	catalog       catalog.Reader
	clients       Clients
	limiter       *ratelimit.Buckets
	sink          monitor.Sink
	tracer        trace.Tracer
	logger        *slog.Logger
	recordTimeout time.Duration
}

func New(opts Options) *Engine {
	e := &Engine{
		catalog:       opts.Catalog,
		clients:       opts.Registry,
		limiter:       opts.Limiter,
		sink:          opts.Sink,
		tracer:        opts.Tracer,
		logger:        opts.Logger,
		recordTimeout: opts.RecordTimeout,
	}
	if e.limiter == nil {
		e.limiter = ratelimit.NewBuckets()
	}
	if e.sink == nil {
		e.sink = monitor.NopSink{}
	}
	if e.tracer == nil {
		e.tracer = noop.NewTracerProvider().Tracer("router")
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.recordTimeout <= 0 {
		e.recordTimeout = 5 * time.Second
	}
	return e
}

// Sync rebuilds every rate limit bucket from the catalog.
func (e *Engine) Sync(ctx context.Context) error {
	models, err := e.catalog.ListModels(ctx, catalog.Query{IncludeInactive: true})
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return e.limiter.Load(models)
}

func (e *Engine) InvokeByIdentifier(ctx context.Context, providerName, modelName string, req *provider.Request, filter AccessFilter) (*provider.Response, error) {
	m, err := e.lookup(ctx, providerName, modelName, filter)
	if err != nil {
		return nil, err
	}
	return e.invoke(ctx, m, req, filter)
}

func (e *Engine) RouteByTags(ctx context.Context, q catalog.Query, req *provider.Request, filter AccessFilter) (*provider.Response, error) {
	m, err := e.pick(ctx, q, filter)
	if err != nil {
		return nil, err
	}
	return e.invoke(ctx, m, req, filter)
}

func (e *Engine) lookup(ctx context.Context, providerName, modelName string, filter AccessFilter) (*catalog.Model, error) {
	m, err := e.catalog.GetModel(ctx, providerName, modelName)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, &RoutingError{Message: fmt.Sprintf("model %s/%s not found", providerName, modelName), Err: err}
	}
	if err != nil {
		return nil, asRoutingError(err)
	}
	if !m.Active {
		return nil, &RoutingError{Message: fmt.Sprintf("model %s is not available", m.Identifier())}
	}
	if m.Provider == nil || !m.Provider.Active {
		return nil, &RoutingError{Message: fmt.Sprintf("provider %s is disabled", providerName)}
	}
	if filter != nil && !filter.Allows(providerName, modelName) {
		return nil, &RoutingError{Message: fmt.Sprintf("access to %s is not allowed", m.Identifier())}
	}
	return m, nil
}

func (e *Engine) pick(ctx context.Context, q catalog.Query, filter AccessFilter) (*catalog.Model, error) {
	q.IncludeInactive = false
	candidates, err := e.catalog.ListModels(ctx, q)
	if err != nil {
		return nil, asRoutingError(err)
	}
	if len(candidates) == 0 {
		return nil, &RoutingError{Message: "no model matches the query"}
	}
	if filter != nil {
		allowed := candidates[:0]
		for _, c := range candidates {
			if filter.Allows(c.ProviderName(), c.Name) {
				allowed = append(allowed, c)
			}
		}
		if len(allowed) == 0 {
			return nil, &RoutingError{Message: "no permitted model matches the query"}
		}
		candidates = allowed
	}
	return SelectCandidate(candidates), nil
}

// SelectCandidate returns the maximum by (priority, name). Equal priorities
// therefore resolve to the lexicographically last name.
func SelectCandidate(candidates []*catalog.Model) *catalog.Model {
	var best *catalog.Model
	for _, c := range candidates {
		if best == nil {
			best = c
			continue
		}
		bp, cp := best.Priority(), c.Priority()
		if cp > bp || (cp == bp && c.Name > best.Name) {
			best = c
		}
	}
	return best
}

// call is the per-invocation state shared by the invoke and stream paths.
type call struct {
	model   *catalog.Model
	req     *provider.Request
	client  provider.Client
	started time.Time
}

func (e *Engine) prepare(ctx context.Context, m *catalog.Model, req *provider.Request, filter AccessFilter) (*call, error) {
	if req == nil {
		return nil, &RoutingError{Message: "request is required"}
	}
	if err := req.Validate(); err != nil {
		return nil, &RoutingError{Message: err.Error(), Err: err}
	}
	if err := e.limiter.Acquire(ctx, m.ID, 1); err != nil {
		return nil, &RoutingError{Message: fmt.Sprintf("rate limit wait for %s: %v", m.Identifier(), err), Err: err}
	}

	r := *req
	if filter != nil {
		r.Parameters = filter.ClampParameters(req.Parameters)
	}
	client, err := e.clients.Get(m.Provider)
	if err != nil {
		return nil, asRoutingError(err)
	}
	return &call{model: m, req: &r, client: client, started: time.Now()}, nil
}

func (e *Engine) startSpan(ctx context.Context, name string, m *catalog.Model) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("provider", m.ProviderName()),
		attribute.String("model", m.Name),
		attribute.String("provider_type", string(m.Provider.Type)),
	))
}

func (e *Engine) invoke(ctx context.Context, m *catalog.Model, req *provider.Request, filter AccessFilter) (*provider.Response, error) {
	ctx, span := e.startSpan(ctx, "router.invoke", m)
	defer span.End()

	c, err := e.prepare(ctx, m, req, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	resp, err := c.client.Invoke(ctx, m, c.req)
	out := outcome{status: monitor.StatusSuccess}
	if err != nil {
		out.status = monitor.StatusError
		out.err = err.Error()
	} else {
		usage := monitor.UsageFromRaw(resp.Raw)
		resp.Cost = monitor.CalculateCost(m.Config, usage)
		out.text = resp.OutputText
		out.raw = resp.Raw
		out.usage = usage
		out.cost = resp.Cost
	}
	e.finalize(ctx, c, out)

	if err != nil {
		e.logger.Warn("invocation failed", "provider", m.ProviderName(), "model", m.Name, "status", provider.StatusOf(err), "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, asRoutingError(err)
	}
	return resp, nil
}

type outcome struct {
	status monitor.Status
	err    string
	text   string
	raw    map[string]any
	usage  monitor.Usage
	cost   *float64
}

// finalize hands the record to the sink. It never fails and never panics:
// the sink runs on a context detached from the caller, and whatever goes
// wrong there is logged and dropped.
func (e *Engine) finalize(ctx context.Context, c *call, out outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("monitor sink panicked", "model", c.model.Identifier(), "panic", r)
		}
	}()

	completed := time.Now()
	inv := &monitor.Invocation{
		ID:                uuid.NewString(),
		ModelID:           c.model.ID,
		ProviderID:        c.model.Provider.ID,
		ModelName:         c.model.Name,
		ProviderName:      c.model.ProviderName(),
		StartedAt:         c.started,
		CompletedAt:       completed,
		DurationMs:        float64(completed.Sub(c.started).Microseconds()) / 1000,
		Status:            out.status,
		ErrorMessage:      out.err,
		RequestPrompt:     monitor.PreviewPrompt(c.req.Prompt),
		RequestMessages:   monitor.PreviewMessages(c.req.Messages),
		RequestParameters: provider.MergeParameters(nil, c.req.Parameters),
		ResponseText:      monitor.PreviewResponse(out.text),
		PromptTokens:      out.usage.PromptTokens,
		CompletionTokens:  out.usage.CompletionTokens,
		TotalTokens:       out.usage.TotalTokens,
		Cost:              out.cost,
		Raw:               out.raw,
	}
	inv.ResponseTextLength = len([]rune(inv.ResponseText))

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.recordTimeout)
	defer cancel()
	if err := e.sink.Record(rctx, inv); err != nil {
		e.logger.Warn("failed to record invocation", "model", c.model.Identifier(), "error", err)
	}
}

// HandleChange keeps buckets and cached clients in step with the catalog.
// It is meant to be passed to catalog.MemoryStore.Subscribe.
func (e *Engine) HandleChange(ch catalog.Change) {
	switch ch.Kind {
	case catalog.ModelUpserted:
		m := ch.Model
		if m.RateLimit == nil {
			e.limiter.Remove(m.ID)
			return
		}
		if snap, ok := e.limiter.Bucket(m.ID); ok && snap.Config == *m.RateLimit {
			return
		}
		if err := e.limiter.Upsert(m.ID, *m.RateLimit); err != nil {
			e.logger.Error("invalid rate limit", "model", m.Identifier(), "error", err)
		}
	case catalog.ModelDeleted:
		e.limiter.Remove(ch.Model.ID)
	case catalog.ProviderUpserted:
		if !ch.Provider.Active {
			e.clients.Remove(ch.Provider.ID)
			return
		}
		if _, err := e.clients.Get(ch.Provider); err != nil {
			e.logger.Error("provider client unavailable", "provider", ch.Provider.Name, "error", err)
		}
	case catalog.ProviderDeleted:
		e.clients.Remove(ch.Provider.ID)
	}
}
