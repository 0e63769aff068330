package claude

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/vnmchuo/llm-router/internal/catalog"
	"github.com/vnmchuo/llm-router/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	defaultEndpoint  = "/v1/messages"
	defaultVersion   = "2023-06-01"
	defaultMaxTokens = 1024
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

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

func (c *Client) Invoke(ctx context.Context, model *catalog.Model, req *provider.Request) (*provider.Response, error) {
	messages, system := buildMessages(req)
	if len(messages) == 0 {
		return nil, &provider.Error{Provider: c.Name(), Message: "at least one user message is required"}
	}
	body := buildPayload(model, req, messages, system)
	p := c.Provider()
	endpoint := c.url()

	return provider.Failover(ctx, p.Name, p.Credentials(), true, func(ctx context.Context, key string) (*provider.Response, error) {
		data, err := c.PostJSON(ctx, endpoint, c.headers(key), body)
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

// buildMessages pulls system turns out into a single newline-joined
// system prompt.
func buildMessages(req *provider.Request) ([]message, string) {
	var (
		system   []string
		messages []message
	)
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		role := "assistant"
		if m.Role == "user" {
			role = "user"
		}
		messages = append(messages, message{Role: role, Content: []contentBlock{{Type: "text", Text: m.Content}}})
	}
	if req.Prompt != "" {
		messages = append(messages, message{Role: "user", Content: []contentBlock{{Type: "text", Text: req.Prompt}}})
	}
	return messages, strings.Join(system, "\n")
}

// max_tokens is mandatory for this API. max_output_tokens is accepted as an
// alias and never forwarded.
func buildPayload(model *catalog.Model, req *provider.Request, messages []message, system string) map[string]any {
	params := provider.MergeParameters(model.DefaultParams, req.Parameters)
	maxTokens, ok := params["max_tokens"]
	if !ok {
		maxTokens, ok = params["max_output_tokens"]
	}
	if !ok {
		maxTokens = defaultMaxTokens
	}
	delete(params, "max_tokens")
	delete(params, "max_output_tokens")

	params["model"] = provider.ModelIdentifier(model, req)
	params["messages"] = messages
	params["max_tokens"] = maxTokens
	if system != "" {
		params["system"] = system
	}
	return params
}

func (c *Client) headers(key string) map[string]string {
	p := c.Provider()
	version := p.Setting("anthropic_version")
	if version == "" {
		version = defaultVersion
	}
	h := map[string]string{
		"x-api-key":         key,
		"anthropic-version": version,
	}
	for k, v := range c.Headers() {
		h[k] = v
	}
	return h
}

func (c *Client) url() string {
	endpoint := c.Provider().Setting("endpoint")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return c.BaseURL(defaultBaseURL) + "/" + strings.TrimLeft(endpoint, "/")
}

func extractOutput(data []byte) string {
	var sb strings.Builder
	for _, block := range gjson.GetBytes(data, "content").Array() {
		if block.Get("type").String() == "text" {
			sb.WriteString(block.Get("text").String())
		}
	}
	return sb.String()
}
