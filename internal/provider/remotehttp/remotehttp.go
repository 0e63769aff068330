// Package remotehttp calls caller-defined HTTP backends that accept the
// router's own invoke shape.
package remotehttp

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/vnmchuo/llm-router/internal/catalog"
	"github.com/vnmchuo/llm-router/internal/provider"
)

const defaultEndpoint = "/invoke"

type Client struct {
	*provider.Base
}

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

type payload struct {
	Model      string             `json:"model"`
	Prompt     string             `json:"prompt"`
	Messages   []provider.Message `json:"messages"`
	Parameters map[string]any     `json:"parameters"`
}

func (c *Client) Invoke(ctx context.Context, model *catalog.Model, req *provider.Request) (*provider.Response, error) {
	body := payload{
		Model:      provider.ModelIdentifier(model, req),
		Prompt:     req.Prompt,
		Messages:   req.Messages,
		Parameters: provider.MergeParameters(model.DefaultParams, req.Parameters),
	}
	if body.Messages == nil {
		body.Messages = []provider.Message{}
	}

	p := c.Provider()
	endpoint := c.url(model)
	return provider.Failover(ctx, p.Name, p.Credentials(), false, func(ctx context.Context, key string) (*provider.Response, error) {
		headers := c.Headers()
		if key != "" {
			header := p.Setting("auth_header")
			if header == "" {
				header = "Authorization"
			}
			headers[header] = "Bearer " + key
		}
		data, err := c.PostJSON(ctx, endpoint, headers, body)
		if err != nil {
			return nil, err
		}
		raw, err := provider.DecodeRaw(p.Name, data)
		if err != nil {
			return nil, err
		}
		return &provider.Response{OutputText: extractOutput(data), Raw: raw}, nil
	})
}

func (c *Client) Stream(context.Context, *catalog.Model, *provider.Request) (<-chan *provider.StreamChunk, error) {
	return nil, provider.StreamingUnsupported(c.Name())
}

// The model's own endpoint wins over the provider's.
func (c *Client) url(model *catalog.Model) string {
	endpoint, _ := model.Config["endpoint"].(string)
	if endpoint == "" {
		endpoint = c.Provider().Setting("endpoint")
	}
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return c.BaseURL("") + "/" + strings.TrimLeft(endpoint, "/")
}

// extractOutput takes the first truthy of output, text and data. Lists are
// joined with newlines.
func extractOutput(data []byte) string {
	for _, path := range []string{"output", "text", "data"} {
		r := gjson.GetBytes(data, path)
		if !truthy(r) {
			continue
		}
		if r.IsArray() {
			parts := make([]string, 0, len(r.Array()))
			for _, item := range r.Array() {
				parts = append(parts, item.String())
			}
			return strings.Join(parts, "\n")
		}
		return r.String()
	}
	return ""
}

func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.String:
		return r.Str != ""
	case gjson.Number:
		return r.Num != 0
	case gjson.JSON:
		if r.IsArray() {
			return len(r.Array()) > 0
		}
		return len(r.Map()) > 0
	}
	return r.Exists()
}
