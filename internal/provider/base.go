package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vnmchuo/llm-router/internal/catalog"
)

const DefaultTimeout = 60 * time.Second

// maxErrorBody bounds how much of a failed response is read for the message.
const maxErrorBody = 64 << 10

type Options struct {
	// DefaultTimeout applies to each attempt when the provider has no
	// "timeout" setting.
	DefaultTimeout time.Duration
	Logger         *slog.Logger
}

// Base carries what every HTTP backed client shares: the attached provider
// row, its connection pool and the per-attempt timeout.
type Base struct {
	provider atomic.Pointer[catalog.Provider]
	client   *http.Client
	opts     Options
	logger   *slog.Logger
}

func NewBase(p *catalog.Provider, opts Options) (*Base, error) {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if raw := p.Setting("proxy"); raw != "" {
		proxyURL, err := url.Parse(raw)
		if err != nil {
			return nil, &ConfigError{Provider: p.Name, Reason: fmt.Sprintf("invalid proxy %q: %v", raw, err)}
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	b := &Base{
		client: &http.Client{Transport: transport},
		opts:   opts,
		logger: logger.With("provider", p.Name),
	}
	b.provider.Store(p.Clone())
	return b, nil
}

func (b *Base) Provider() *catalog.Provider { return b.provider.Load() }

func (b *Base) Name() string { return b.Provider().Name }

func (b *Base) Attach(p *catalog.Provider) { b.provider.Store(p.Clone()) }

func (b *Base) Logger() *slog.Logger { return b.logger }

func (b *Base) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

// Timeout is the per-attempt deadline.
func (b *Base) Timeout() time.Duration {
	return SettingsTimeout(b.Provider(), b.opts.DefaultTimeout)
}

// SettingsTimeout reads settings["timeout"] in seconds.
func SettingsTimeout(p *catalog.Provider, fallback time.Duration) time.Duration {
	if p != nil {
		if secs, ok := catalog.Number(p.Settings["timeout"]); ok && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return fallback
}

// BaseURL returns the provider's base URL, settings["base_url"], or
// fallback, without a trailing slash.
func (b *Base) BaseURL(fallback string) string {
	p := b.Provider()
	u := p.BaseURL
	if u == "" {
		u = p.Setting("base_url")
	}
	if u == "" {
		u = fallback
	}
	return strings.TrimRight(u, "/")
}

// Headers returns settings["headers"] as a fresh map.
func (b *Base) Headers() map[string]string {
	out := make(map[string]string)
	switch h := b.Provider().Settings["headers"].(type) {
	case map[string]any:
		for k, v := range h {
			out[k] = fmt.Sprint(v)
		}
	case map[string]string:
		for k, v := range h {
			out[k] = v
		}
	}
	return out
}

// PostJSON sends body and returns the response bytes. Non-2xx responses
// become an *Error carrying the status.
func (b *Base) PostJSON(ctx context.Context, endpoint string, headers map[string]string, body any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.Timeout())
	defer cancel()

	resp, err := b.do(ctx, endpoint, headers, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Provider: b.Name(), Err: fmt.Errorf("reading response: %w", err)}
	}
	return data, nil
}

// OpenStream sends body and returns the open response once the status line
// has arrived. The per-attempt timeout covers only the wait for headers;
// the body lives as long as ctx.
func (b *Base) OpenStream(ctx context.Context, endpoint string, headers map[string]string, body any) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(b.Timeout(), cancel)

	resp, err := b.do(ctx, endpoint, headers, body)
	if !timer.Stop() && err == nil {
		resp.Body.Close()
		cancel()
		return nil, &Error{Provider: b.Name(), Err: context.DeadlineExceeded}
	}
	if err != nil {
		cancel()
		return nil, err
	}
	return &cancelBody{ReadCloser: resp.Body, cancel: cancel}, nil
}

func (b *Base) do(ctx context.Context, endpoint string, headers map[string]string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Provider: b.Name(), Err: fmt.Errorf("encoding request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Provider: b.Name(), Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Provider: b.Name(), Err: fmt.Errorf("sending request: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, statusError(b.Name(), resp.StatusCode, data)
	}
	return resp, nil
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelBody) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// DecodeRaw decodes a vendor payload into a generic map. Non-object JSON is
// kept under "data".
func DecodeRaw(providerName string, data []byte) (map[string]any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, &Error{Provider: providerName, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"data": v}, nil
}
