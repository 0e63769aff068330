// Package vllm targets self-hosted servers that expose the completions
// endpoint.
package vllm

import (
	"context"
	"strings"

	"github.com/vnmchuo/llm-router/internal/catalog"
	"github.com/vnmchuo/llm-router/internal/provider"
)

const defaultEndpoint = "/v1/completions"

type Client struct {
	*provider.Base
}

// New fails when the provider has no base URL; there is no public default.
func New(p *catalog.Provider, opts provider.Options) (provider.Client, error) {
	if p.BaseURL == "" && p.Setting("base_url") == "" {
		return nil, &provider.ConfigError{Provider: p.Name, Reason: "base_url is required"}
	}
	base, err := provider.NewBase(p, opts)
	if err != nil {
		return nil, err
	}
	return &Client{Base: base}, nil
}

func (c *Client) Invoke(ctx context.Context, model *catalog.Model, req *provider.Request) (*provider.Response, error) {
	messages := req.Messages
	if messages == nil {
		messages = []provider.Message{}
	}
	// Merged parameters may override the base fields.
	body := provider.MergeParameters(map[string]any{
		"model":    provider.ModelIdentifier(model, req),
		"prompt":   req.Prompt,
		"messages": messages,
	}, provider.MergeParameters(model.DefaultParams, req.Parameters))

	p := c.Provider()
	endpoint := c.url()
	return provider.Failover(ctx, p.Name, p.Credentials(), false, func(ctx context.Context, key string) (*provider.Response, error) {
		headers := c.Headers()
		if key != "" {
			headers["Authorization"] = "Bearer " + key
		}
		data, err := c.PostJSON(ctx, endpoint, headers, body)
		if err != nil {
			return nil, err
		}
		raw, err := provider.DecodeRaw(p.Name, data)
		if err != nil {
			return nil, err
		}
		text := provider.FirstText(data, "", "choices.0.text")
		if text == "" {
			text = provider.FirstText(data, "", "choices.0.message.content")
		}
		return &provider.Response{OutputText: text, Raw: raw}, nil
	})
}

func (c *Client) Stream(context.Context, *catalog.Model, *provider.Request) (<-chan *provider.StreamChunk, error) {
	return nil, provider.StreamingUnsupported(c.Name())
}

func (c *Client) url() string {
	endpoint := c.Provider().Setting("endpoint")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return c.BaseURL("") + "/" + strings.TrimLeft(endpoint, "/")
}
