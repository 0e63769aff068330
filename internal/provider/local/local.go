// Package local runs inference pipelines inside the router process.
package local

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/vnmchuo/llm-router/internal/catalog"
	"github.com/vnmchuo/llm-router/internal/provider"
	"github.com/vnmchuo/llm-router/internal/worker"
)

// Pipeline is a loaded model. Generate may block for a long time; it is
// always called from a worker slot.
type Pipeline interface {
	Generate(ctx context.Context, prompt string, params map[string]any) (any, error)
}

// Loader builds the pipeline for a model. It is called at most once per
// model id at a time.
type Loader func(ctx context.Context, model *catalog.Model) (Pipeline, error)

type Client struct {
	provider atomic.Pointer[catalog.Provider]
	loader   Loader
	pool     *worker.Pool
	logger   *slog.Logger

	mu        sync.RWMutex
	pipelines map[string]Pipeline
	loads     singleflight.Group
}

func New(p *catalog.Provider, loader Loader, pool *worker.Pool, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		loader:    loader,
		pool:      pool,
		logger:    logger.With("provider", p.Name),
		pipelines: make(map[string]Pipeline),
	}
	c.provider.Store(p.Clone())
	return c
}

func (c *Client) Attach(p *catalog.Provider) { c.provider.Store(p.Clone()) }

func (c *Client) name() string { return c.provider.Load().Name }

func (c *Client) Invoke(ctx context.Context, model *catalog.Model, req *provider.Request) (*provider.Response, error) {
	pipeline, err := c.pipeline(ctx, model)
	if err != nil {
		return nil, err
	}

	prompt := provider.PromptFromMessages(req)
	params := provider.MergeParameters(model.DefaultParams, req.Parameters)

	outputs, err := worker.Run(ctx, c.pool, func(ctx context.Context) (any, error) {
		return pipeline.Generate(ctx, prompt, params)
	})
	if err != nil {
		return nil, &provider.Error{Provider: c.name(), Message: "local inference failed: " + err.Error(), Err: err}
	}

	return &provider.Response{
		OutputText: outputText(outputs),
		Raw:        map[string]any{"result": outputs},
	}, nil
}

func (c *Client) Stream(context.Context, *catalog.Model, *provider.Request) (<-chan *provider.StreamChunk, error) {
	return nil, provider.StreamingUnsupported(c.name())
}

// pipeline returns the cached pipeline or loads it. Concurrent callers for
// the same model share one load.
func (c *Client) pipeline(ctx context.Context, model *catalog.Model) (Pipeline, error) {
	c.mu.RLock()
	p, ok := c.pipelines[model.ID]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	ch := c.loads.DoChan(model.ID, func() (any, error) {
		c.mu.RLock()
		p, ok := c.pipelines[model.ID]
		c.mu.RUnlock()
		if ok {
			return p, nil
		}

		c.logger.Info("loading local pipeline", "model", model.Name)
		loaded, err := worker.Run(context.WithoutCancel(ctx), c.pool, func(ctx context.Context) (Pipeline, error) {
			return c.loader(ctx, model)
		})
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.pipelines[model.ID] = loaded
		c.mu.Unlock()
		return loaded, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, &provider.Error{Provider: c.name(), Message: fmt.Sprintf("loading model %s: %v", model.Name, res.Err), Err: res.Err}
		}
		return res.Val.(Pipeline), nil
	case <-ctx.Done():
		return nil, &provider.Error{Provider: c.name(), Err: ctx.Err()}
	}
}

// Close releases every cached pipeline that holds resources.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for id, p := range c.pipelines {
		if closer, ok := p.(io.Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(c.pipelines, id)
	}
	return firstErr
}

// outputText reads generated_text or summary_text from the first result
// record; anything else is formatted as is.
func outputText(outputs any) string {
	if list, ok := outputs.([]map[string]any); ok && len(list) > 0 {
		return firstRecordText(list[0])
	}
	if list, ok := outputs.([]any); ok && len(list) > 0 {
		if rec, ok := list[0].(map[string]any); ok {
			return firstRecordText(rec)
		}
	}
	if s, ok := outputs.(string); ok {
		return s
	}
	return fmt.Sprint(outputs)
}

func firstRecordText(rec map[string]any) string {
	for _, key := range []string{"generated_text", "summary_text"} {
		if s, ok := rec[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
