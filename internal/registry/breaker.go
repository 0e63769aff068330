package registry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/llm-router/internal/catalog"
	"github.com/vnmchuo/llm-router/internal/provider"
)

type BreakerSettings struct {
	// Threshold is the number of consecutive upstream failures that opens
	// the circuit. Zero disables breakers.
	Threshold uint32
	// Timeout is how long the circuit stays open before probing again.
	Timeout time.Duration
}

// breakerClient fails fast while the provider keeps failing. Only upstream
// faults count: transport errors and 5xx responses. Credential and request
// errors belong to the caller.
type breakerClient struct {
	provider.Client
	name string
	cb   *gobreaker.CircuitBreaker
}

func withBreaker(name string, c provider.Client, s BreakerSettings) provider.Client {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.Threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !upstreamFault(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed", "provider", name, "from", from.String(), "to", to.String())
		},
	}
	return &breakerClient{Client: c, name: name, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *breakerClient) Invoke(ctx context.Context, model *catalog.Model, req *provider.Request) (*provider.Response, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.Client.Invoke(ctx, model, req)
	})
	if err != nil {
		return nil, b.translate(err)
	}
	return result.(*provider.Response), nil
}

// Stream guards only the opening of the stream; mid-stream failures are
// reported to the caller through the channel.
func (b *breakerClient) Stream(ctx context.Context, model *catalog.Model, req *provider.Request) (<-chan *provider.StreamChunk, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.Client.Stream(ctx, model, req)
	})
	if err != nil {
		return nil, b.translate(err)
	}
	return result.(<-chan *provider.StreamChunk), nil
}

func (b *breakerClient) translate(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &provider.Error{
			Provider: b.name,
			Status:   http.StatusServiceUnavailable,
			Message:  "circuit breaker is open",
			Err:      err,
		}
	}
	return err
}

func upstreamFault(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, provider.ErrStreamingUnsupported) || errors.Is(err, provider.ErrMissingCredential) {
		return false
	}
	var pe *provider.Error
	if !errors.As(err, &pe) {
		return true
	}
	return (pe.Status == 0 && pe.Err != nil) || pe.Status >= 500
}
