package gemini

import (
	"context"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/vnmchuo/llm-router/internal/catalog"
	"github.com/vnmchuo/llm-router/internal/provider"
)

const (
	defaultBaseURL          = "https://generativelanguage.googleapis.com"
	defaultEndpointTemplate = "/v1beta/models/{model}:generateContent"
)

type Client struct {
	*provider.Base
}

func New(p *catalog.Provider, opts provider.Options) (provider.Client, error) {
	base, err := provider.NewBase(p, opts)
	if err != nil {
		return nil, err
	}
	return &Client{Base: base}, nil
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

func (c *Client) Invoke(ctx context.Context, model *catalog.Model, req *provider.Request) (*provider.Response, error) {
	contents := buildContents(req)
	if len(contents) == 0 {
		return nil, &provider.Error{Provider: c.Name(), Message: "at least one message or prompt is required"}
	}

	body := provider.MergeParameters(model.DefaultParams, req.Parameters)
	body["contents"] = contents

	p := c.Provider()
	return provider.Failover(ctx, p.Name, p.Credentials(), true, func(ctx context.Context, key string) (*provider.Response, error) {
		data, err := c.PostJSON(ctx, c.url(model, req, key), c.Headers(), body)
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

// buildContents maps system and user turns to "user" and everything else
// to "model".
func buildContents(req *provider.Request) []content {
	var out []content
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		role := "model"
		if m.Role == "system" || m.Role == "user" {
			role = "user"
		}
		out = append(out, content{Role: role, Parts: []part{{Text: m.Content}}})
	}
	if req.Prompt != "" {
		out = append(out, content{Role: "user", Parts: []part{{Text: req.Prompt}}})
	}
	return out
}

// The key travels as a query parameter, never as a header.
func (c *Client) url(model *catalog.Model, req *provider.Request, key string) string {
	tmpl := c.Provider().Setting("endpoint_template")
	if tmpl == "" {
		tmpl = defaultEndpointTemplate
	}
	endpoint := strings.ReplaceAll(tmpl, "{model}", provider.ModelIdentifier(model, req))
	return c.BaseURL(defaultBaseURL) + endpoint + "?" + url.Values{"key": {key}}.Encode()
}

func extractOutput(data []byte) string {
	candidate := gjson.GetBytes(data, "candidates.0")
	parts := candidate.Get("content.parts")
	if !candidate.Get("content").Exists() {
		parts = candidate.Get("parts")
	}
	var sb strings.Builder
	for _, p := range parts.Array() {
		if p.IsObject() {
			sb.WriteString(p.Get("text").String())
		}
	}
	return sb.String()
}
