package proxy

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/vnmchuo/llm-router/internal/auth"
)

type RouterOptions struct {
	// Auth protects the /v1 routes. Nil leaves them open.
	Auth auth.Middleware
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// NewRouter builds the HTTP surface of the router.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", h.HandleHealth)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		if opts.Auth != nil {
			r.Use(opts.Auth)
		}
		r.Use(h.EnforceQuota)

		r.Get("/models", h.HandleModels)
		r.Post("/route", h.HandleRoute)
		r.Post("/chat/completions", h.HandleChatCompletions)
		r.Post("/models/{provider}/{model}/invoke", h.HandleInvoke)
		r.Post("/models/{provider}/{model}/chat/completions", h.HandleChatCompletions)
	})
	return r
}
