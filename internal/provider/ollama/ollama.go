// Package ollama talks to a locally hosted generate/chat daemon.
package ollama

import (
	"context"

	"github.com/vnmchuo/llm-router/internal/catalog"
	"github.com/vnmchuo/llm-router/internal/provider"
)

const defaultBaseURL = "http://127.0.0.1:11434"

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

// Invoke uses /api/chat when the request carries messages and
// /api/generate otherwise. Each endpoint reports its text in a different
// field. Sampling parameters travel under "options".
func (c *Client) Invoke(ctx context.Context, model *catalog.Model, req *provider.Request) (*provider.Response, error) {
	body := map[string]any{
		"model":   provider.ModelIdentifier(model, req),
		"stream":  false,
		"options": provider.MergeParameters(model.DefaultParams, req.Parameters),
	}

	chat := len(req.Messages) > 0
	endpoint := c.BaseURL(defaultBaseURL) + "/api/generate"
	if chat {
		endpoint = c.BaseURL(defaultBaseURL) + "/api/chat"
		body["messages"] = req.Messages
	} else {
		body["prompt"] = req.Prompt
	}

	data, err := c.PostJSON(ctx, endpoint, c.Headers(), body)
	if err != nil {
		return nil, err
	}
	raw, err := provider.DecodeRaw(c.Name(), data)
	if err != nil {
		return nil, err
	}

	var text string
	if chat {
		text = provider.FirstText(data, "", "message.content")
	} else {
		text = provider.FirstText(data, "", "response")
		if text == "" {
			text = provider.FirstText(data, "", "output")
		}
	}
	return &provider.Response{OutputText: text, Raw: raw}, nil
}

func (c *Client) Stream(context.Context, *catalog.Model, *provider.Request) (<-chan *provider.StreamChunk, error) {
	return nil, provider.StreamingUnsupported(c.Name())
}
