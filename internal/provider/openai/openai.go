// Package openai implements the chat completions protocol shared by OpenAI
// and the vendors that copy its wire shape.
package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/vnmchuo/llm-router/internal/catalog"
	"github.com/vnmchuo/llm-router/internal/provider"
)

const defaultEndpoint = "/v1/chat/completions"

var defaultBaseURLs = map[catalog.ProviderType]string{
	catalog.TypeOpenAI:     "https://api.openai.com",
	catalog.TypeGrok:       "https://api.x.ai",
	catalog.TypeDeepSeek:   "https://api.deepseek.com",
	catalog.TypeQwen:       "https://dashscope.aliyuncs.com",
	catalog.TypeKimi:       "https://api.moonshot.cn",
	catalog.TypeGLM:        "https://open.bigmodel.cn/api/paas",
	catalog.TypeOpenRouter: "https://openrouter.ai/api",
}

var endpointOverrides = map[catalog.ProviderType]string{
	catalog.TypeQwen: "/compatible-mode/v1/chat/completions",
	catalog.TypeGLM:  "/v4/chat/completions",
}

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

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *Client) Invoke(ctx context.Context, model *catalog.Model, req *provider.Request) (*provider.Response, error) {
	body, err := c.payload(model, req)
	if err != nil {
		return nil, err
	}
	p := c.Provider()
	url := c.url()

	return provider.Failover(ctx, p.Name, p.Credentials(), false, func(ctx context.Context, key string) (*provider.Response, error) {
		data, err := c.PostJSON(ctx, url, c.headers(key), body)
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

// Stream opens an SSE response. Credentials are rotated only while the
// request is being opened; once the body is read, failures end the stream.
func (c *Client) Stream(ctx context.Context, model *catalog.Model, req *provider.Request) (<-chan *provider.StreamChunk, error) {
	body, err := c.payload(model, req)
	if err != nil {
		return nil, err
	}
	body["stream"] = true
	p := c.Provider()
	url := c.url()

	respBody, err := provider.Failover(ctx, p.Name, p.Credentials(), false, func(ctx context.Context, key string) (io.ReadCloser, error) {
		return c.OpenStream(ctx, url, c.headers(key), body)
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan *provider.StreamChunk)
	go func() {
		defer close(ch)
		defer respBody.Close()

		err := ReadEvents(respBody, func(data string) bool {
			if data == "[DONE]" {
				provider.Send(ctx, ch, &provider.StreamChunk{IsFinal: true})
				return false
			}
			chunk, ok := decodeChunk(data)
			if !ok {
				return true
			}
			return provider.Send(ctx, ch, chunk)
		})
		if err != nil && ctx.Err() == nil {
			provider.Send(ctx, ch, &provider.StreamChunk{Err: &provider.Error{Provider: p.Name, Err: err}})
		}
	}()
	return ch, nil
}

// ReadEvents calls fn with the payload of every "data:" line until fn
// returns false or the stream ends. Blank lines, comments and other SSE
// fields are skipped.
func ReadEvents(r io.Reader, fn func(data string) bool) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			if strings.HasPrefix(line, "data:") {
				if data := strings.TrimSpace(line[len("data:"):]); data != "" {
					if !fn(data) {
						return nil
					}
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func decodeChunk(data string) (*provider.StreamChunk, bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, false
	}

	chunk := &provider.StreamChunk{Raw: raw, Delta: map[string]any{}}
	choice := gjson.Get(data, "choices.0")
	if delta, ok := firstChoice(raw)["delta"].(map[string]any); ok {
		chunk.Delta = delta
	}
	if fr := choice.Get("finish_reason"); fr.Type == gjson.String {
		chunk.FinishReason = provider.String(fr.Str)
	}
	if text, ok := streamText(choice.Get("delta")); ok {
		chunk.Text = &text
	}
	if usage, ok := raw["usage"].(map[string]any); ok {
		chunk.Usage = usage
	}
	return chunk, true
}

func firstChoice(raw map[string]any) map[string]any {
	choices, _ := raw["choices"].([]any)
	if len(choices) == 0 {
		return nil
	}
	first, _ := choices[0].(map[string]any)
	return first
}

func streamText(delta gjson.Result) (string, bool) {
	content := delta.Get("content")
	switch {
	case content.Type == gjson.String:
		return content.Str, true
	case content.IsArray():
		var sb strings.Builder
		for _, part := range content.Array() {
			if part.Type == gjson.String {
				sb.WriteString(part.Str)
			}
		}
		return sb.String(), sb.Len() > 0
	}
	if t := delta.Get("text"); t.Type == gjson.String {
		return t.Str, true
	}
	return "", false
}

func extractOutput(data []byte) string {
	choice := gjson.GetBytes(data, "choices.0")
	if choice.Exists() {
		text := choice.Get("message.content")
		if !text.Exists() || text.Type == gjson.Null || (text.Type == gjson.String && text.Str == "") {
			text = choice.Get("text")
		}
		if text.IsArray() {
			var sb strings.Builder
			for _, part := range text.Array() {
				if part.Type == gjson.String {
					sb.WriteString(part.Str)
				}
			}
			return sb.String()
		}
		if text.Exists() && text.Type != gjson.Null {
			return text.String()
		}
	}
	if out := gjson.GetBytes(data, "output"); out.Exists() {
		return out.String()
	}
	return ""
}

func (c *Client) payload(model *catalog.Model, req *provider.Request) (map[string]any, error) {
	messages := make([]chatMessage, 0, len(req.Messages)+1)
	for _, m := range req.Messages {
		if m.Content != "" {
			messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
		}
	}
	if req.Prompt != "" {
		messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})
	}
	if len(messages) == 0 {
		return nil, &provider.Error{Provider: c.Name(), Message: "either prompt or messages is required"}
	}

	body := provider.MergeParameters(model.DefaultParams, req.Parameters)
	body["model"] = provider.ModelIdentifier(model, req)
	body["messages"] = messages
	return body, nil
}

func (c *Client) headers(key string) map[string]string {
	h := c.Headers()
	if key != "" {
		p := c.Provider()
		header := p.Setting("auth_header")
		if header == "" {
			header = "Authorization"
		}
		scheme := "Bearer"
		if _, ok := p.Settings["auth_scheme"]; ok {
			scheme = p.Setting("auth_scheme")
		}
		h[header] = strings.TrimSpace(scheme + " " + key)
	}
	return h
}

func (c *Client) url() string {
	p := c.Provider()
	fallback, ok := defaultBaseURLs[p.Type]
	if !ok {
		fallback = defaultBaseURLs[catalog.TypeOpenAI]
	}
	endpoint := p.Setting("endpoint")
	if endpoint == "" {
		endpoint = endpointOverrides[p.Type]
	}
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return c.BaseURL(fallback) + "/" + strings.TrimLeft(endpoint, "/")
}
