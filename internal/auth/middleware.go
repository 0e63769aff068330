package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type Middleware func(next http.Handler) http.Handler

// NewMiddleware authenticates every request and stores the key in the
// request context. cache may be nil.
func NewMiddleware(store Store, cache Cache, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = WithRequestID(ctx, requestID)
			w.Header().Set("X-Request-ID", requestID)

			key := extractKey(r)
			if key == "" {
				writeError(w, http.StatusUnauthorized, "missing API key")
				return
			}
			hash := HashKey(key)

			if cache != nil {
				cached, err := cache.Get(ctx, hash)
				if err == nil {
					if !cached.Active {
						writeError(w, http.StatusUnauthorized, "invalid API key")
						return
					}
					next.ServeHTTP(w, r.WithContext(WithAPIKey(ctx, cached)))
					return
				}
				if !errors.Is(err, ErrCacheMiss) {
					logger.Warn("auth cache lookup failed", "error", err)
				}
			}

			apiKey, err := store.GetByKey(ctx, key)
			if err != nil {
				if errors.Is(err, ErrKeyNotFound) {
					writeError(w, http.StatusUnauthorized, "invalid API key")
					return
				}
				logger.Error("api key lookup failed", "error", err)
				writeError(w, http.StatusInternalServerError, "internal server error")
				return
			}
			if !apiKey.Active {
				writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}

			if cache != nil {
				if err := cache.Set(ctx, hash, apiKey); err != nil {
					logger.Warn("auth cache store failed", "error", err)
				}
			}
			next.ServeHTTP(w, r.WithContext(WithAPIKey(ctx, apiKey)))
		})
	}
}

// extractKey accepts "Authorization: Bearer", then X-API-Key, then the
// api_key query parameter.
func extractKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if h := r.Header.Get("X-API-Key"); h != "" {
		return strings.TrimSpace(h)
	}
	return strings.TrimSpace(r.URL.Query().Get("api_key"))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
