package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llm-router/internal/auth"
	"github.com/vnmchuo/llm-router/internal/catalog"
	"github.com/vnmchuo/llm-router/internal/provider"
	"github.com/vnmchuo/llm-router/internal/router"
)

// Engine is the routing surface the handlers call. *router.Engine
// implements it.
type Engine interface {
	InvokeByIdentifier(ctx context.Context, providerName, modelName string, req *provider.Request, filter router.AccessFilter) (*provider.Response, error)
	RouteByTags(ctx context.Context, q catalog.Query, req *provider.Request, filter router.AccessFilter) (*provider.Response, error)
	StreamByIdentifier(ctx context.Context, providerName, modelName string, req *provider.Request, filter router.AccessFilter) (<-chan *provider.StreamChunk, error)
	StreamByTags(ctx context.Context, q catalog.Query, req *provider.Request, filter router.AccessFilter) (<-chan *provider.StreamChunk, error)
}

// Quota limits requests per API key.
type Quota interface {
	Allow(ctx context.Context, keyID string) (bool, error)
	RetryAfter() time.Duration
}

type Handler struct {
	engine  Engine
	models  catalog.Reader
	quota   Quota
	tracer  trace.Tracer
	logger  *slog.Logger
	timeNow func() time.Time
}

// NewHandler wires the HTTP surface. quota may be nil.
func NewHandler(engine Engine, models catalog.Reader, quota Quota, tracer trace.Tracer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:  engine,
		models:  models,
		quota:   quota,
		tracer:  tracer,
		logger:  logger,
		timeNow: time.Now,
	}
}

// HandleInvoke serves POST /v1/models/{provider}/{model}/invoke.
func (h *Handler) HandleInvoke(w http.ResponseWriter, r *http.Request) {
	providerName, modelName := chi.URLParam(r, "provider"), chi.URLParam(r, "model")

	var req provider.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "proxy.invoke", trace.WithAttributes(
		attribute.String("provider", providerName),
		attribute.String("model", modelName),
		attribute.Bool("stream", req.Stream),
	))
	defer span.End()
	filter := filterFrom(ctx)

	if req.Stream {
		ch, err := h.engine.StreamByIdentifier(ctx, providerName, modelName, &req, filter)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		h.writeNDJSON(w, ch)
		return
	}

	resp, err := h.engine.InvokeByIdentifier(ctx, providerName, modelName, &req, filter)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type routeRequest struct {
	Query   catalog.Query    `json:"query"`
	Request provider.Request `json:"request"`
}

// HandleRoute serves POST /v1/route.
func (h *Handler) HandleRoute(w http.ResponseWriter, r *http.Request) {
	var body routeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req := &body.Request
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "proxy.route")
	defer span.End()
	filter := filterFrom(ctx)

	if req.Stream {
		ch, err := h.engine.StreamByTags(ctx, body.Query, req, filter)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		h.writeNDJSON(w, ch)
		return
	}

	resp, err := h.engine.RouteByTags(ctx, body.Query, req, filter)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type streamLine struct {
	Text         *string        `json:"text"`
	FinishReason *string        `json:"finish_reason"`
	IsFinal      bool           `json:"is_final"`
	Raw          map[string]any `json:"raw,omitempty"`
	Usage        map[string]any `json:"usage,omitempty"`
}

// writeNDJSON emits one JSON object per chunk. A failure after the
// headers are out is reported as a final {"error": ...} line.
func (h *Handler) writeNDJSON(w http.ResponseWriter, ch <-chan *provider.StreamChunk) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for chunk := range ch {
		if chunk.Err != nil {
			_ = enc.Encode(map[string]string{"error": chunk.Err.Error()})
			flush(flusher)
			continue
		}
		_ = enc.Encode(streamLine{
			Text:         chunk.Text,
			FinishReason: chunk.FinishReason,
			IsFinal:      chunk.IsFinal,
			Raw:          chunk.Raw,
			Usage:        chunk.Usage,
		})
		flush(flusher)
	}
}

// HandleModels serves GET /v1/models in the OpenAI list shape. Ids are
// "provider/model", the form /v1/chat/completions accepts.
func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.models.ListModels(r.Context(), catalog.Query{})
	if err != nil {
		h.logger.Error("list models", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	filter := filterFrom(r.Context())
	data := make([]map[string]any, 0, len(models))
	for _, m := range models {
		if filter != nil && !filter.Allows(m.ProviderName(), m.Name) {
			continue
		}
		data = append(data, map[string]any{
			"id":       m.Identifier(),
			"object":   "model",
			"owned_by": m.ProviderName(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "llm-router"})
}

// EnforceQuota rejects authenticated callers over their request quota.
func (h *Handler) EnforceQuota(next http.Handler) http.Handler {
	if h.quota == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := auth.APIKeyFrom(r.Context())
		if key == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, err := h.quota.Allow(r.Context(), key.ID)
		if err != nil {
			h.logger.Warn("quota check failed", "api_key_id", key.ID, "error", err)
		}
		if err != nil || !allowed {
			retry := strconv.Itoa(int(h.quota.RetryAfter().Seconds()))
			w.Header().Set("Retry-After", retry)
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error":       "rate limit exceeded",
				"retry_after": retry,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func filterFrom(ctx context.Context) router.AccessFilter {
	if k := auth.APIKeyFrom(ctx); k != nil {
		return k
	}
	return nil
}

func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	status, msg := h.engineErrorStatus(err)
	writeError(w, status, msg)
}

// engineErrorStatus maps routing failures to 400. Anything else is
// unexpected and is not echoed to the caller.
func (h *Handler) engineErrorStatus(err error) (int, string) {
	var re *router.RoutingError
	if errors.As(err, &re) {
		return http.StatusBadRequest, re.Message
	}
	h.logger.Error("unexpected engine error", "error", err)
	return http.StatusInternalServerError, "internal server error"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func flush(f http.Flusher) {
	if f != nil {
		f.Flush()
	}
}
