package provider

import (
	"context"
	"errors"
	"log/slog"
)

// Failover calls fn with each key in order until one succeeds. A retryable
// failure moves on to the next key; any other failure is returned at once.
// When keys is empty fn runs once without a key, unless required is set.
func Failover[T any](ctx context.Context, providerName string, keys []string, required bool, fn func(ctx context.Context, key string) (T, error)) (T, error) {
	var zero T
	if len(keys) == 0 {
		if required {
			return zero, &Error{Provider: providerName, Err: ErrMissingCredential}
		}
		return fn(ctx, "")
	}

	var lastErr error
	for i, key := range keys {
		if err := ctx.Err(); err != nil {
			return zero, wrapTransport(providerName, err)
		}
		out, err := fn(ctx, key)
		if err == nil {
			return out, nil
		}
		lastErr = err

		var pe *Error
		if !errors.As(err, &pe) || !pe.Retryable() {
			return zero, err
		}
		slog.Debug("credential rejected, trying next",
			"provider", providerName,
			"attempt", i+1,
			"remaining", len(keys)-i-1,
			"status", pe.Status,
		)
	}
	return zero, lastErr
}
