package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llm-router/internal/monitor"
	"github.com/vnmchuo/llm-router/internal/provider"
)

// chatRequest is the OpenAI chat completions body. Only the fields the
// router forwards are decoded.
type chatRequest struct {
	Model             string        `json:"model"`
	Messages          []chatMessage `json:"messages"`
	Stream            bool          `json:"stream"`
	Temperature       *float64      `json:"temperature"`
	TopP              *float64      `json:"top_p"`
	MaxTokens         *int          `json:"max_tokens"`
	Stop              any           `json:"stop"`
	PresencePenalty   *float64      `json:"presence_penalty"`
	FrequencyPenalty  *float64      `json:"frequency_penalty"`
	TopK              *int          `json:"top_k"`
	RepetitionPenalty *float64      `json:"repetition_penalty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// HandleChatCompletions serves both POST /v1/chat/completions, where the
// body names "provider/model", and the path-addressed form under
// /v1/models/{provider}/{model}/chat/completions.
func (h *Handler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeChatError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	providerName, modelName := chi.URLParam(r, "provider"), chi.URLParam(r, "model")
	if providerName == "" || modelName == "" {
		p, m, ok := strings.Cut(body.Model, "/")
		if !ok || p == "" || m == "" {
			writeChatError(w, http.StatusBadRequest, `model must be "provider/model"`)
			return
		}
		providerName, modelName = p, m
	}

	req, err := body.toRequest(providerName, modelName)
	if err != nil {
		writeChatError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "proxy.chat_completions", trace.WithAttributes(
		attribute.String("provider", providerName),
		attribute.String("model", modelName),
		attribute.Bool("stream", req.Stream),
	))
	defer span.End()
	filter := filterFrom(ctx)
	id := completionID()
	created := h.timeNow().Unix()

	if req.Stream {
		ch, err := h.engine.StreamByIdentifier(ctx, providerName, modelName, req, filter)
		if err != nil {
			h.writeChatEngineError(w, err)
			return
		}
		h.writeSSE(w, ch, id, created, modelName)
		return
	}

	resp, err := h.engine.InvokeByIdentifier(ctx, providerName, modelName, req, filter)
	if err != nil {
		h.writeChatEngineError(w, err)
		return
	}

	out := map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": created,
		"model":   modelName,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": resp.OutputText},
			"finish_reason": "stop",
		}},
	}
	if usage := chatUsage(monitor.UsageFromRaw(resp.Raw), resp.Cost); usage != nil {
		out["usage"] = usage
	}
	writeJSON(w, http.StatusOK, out)
}

func (b *chatRequest) toRequest(providerName, modelName string) (*provider.Request, error) {
	var msgs []provider.Message
	for _, m := range b.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			continue
		}
		text := messageText(m.Content)
		if text == "" {
			continue
		}
		msgs = append(msgs, provider.Message{Role: m.Role, Content: text})
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("at least one system, user or assistant message with content is required")
	}

	params := map[string]any{}
	setFloat := func(key string, v *float64) {
		if v != nil {
			params[key] = *v
		}
	}
	setFloat("temperature", b.Temperature)
	setFloat("top_p", b.TopP)
	setFloat("presence_penalty", b.PresencePenalty)
	setFloat("frequency_penalty", b.FrequencyPenalty)
	setFloat("repetition_penalty", b.RepetitionPenalty)
	if b.MaxTokens != nil {
		params["max_tokens"] = *b.MaxTokens
	}
	if b.TopK != nil {
		params["top_k"] = *b.TopK
	}
	switch stop := b.Stop.(type) {
	case string:
		params["stop"] = []any{stop}
	case []any:
		params["stop"] = stop
	}

	req := &provider.Request{Messages: msgs, Parameters: params, Stream: b.Stream}
	if len(params) == 0 {
		req.Parameters = nil
	}
	if b.Model != "" && b.Model != providerName+"/"+modelName {
		req.RemoteIdentifierOverride = b.Model
	}
	return req, nil
}

// messageText flattens string content or a list of {"type":"text"} parts.
func messageText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var parts []string
		for _, p := range c {
			if m, ok := p.(map[string]any); ok {
				if s, ok := m["text"].(string); ok && s != "" {
					parts = append(parts, s)
				}
			}
		}
		return strings.Join(parts, "")
	}
	return ""
}

// writeSSE relays chunks as chat.completion.chunk events and terminates
// with [DONE]. A failure mid-stream is sent as an error event instead.
func (h *Handler) writeSSE(w http.ResponseWriter, ch <-chan *provider.StreamChunk, id string, created int64, modelName string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for chunk := range ch {
		if chunk.Err != nil {
			writeEvent(w, map[string]any{"error": map[string]any{
				"message": chunk.Err.Error(),
				"type":    "routing_error",
			}})
			flush(flusher)
			return
		}
		// The end-of-stream marker has nothing of its own to relay.
		if chunk.IsFinal && chunk.Usage == nil && chunk.Text == nil && !hasChoices(chunk) {
			break
		}

		payload := map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   modelName,
			"choices": chunkChoices(chunk),
		}
		if chunk.Usage != nil {
			usage := make(map[string]any, len(chunk.Usage)+1)
			for k, v := range chunk.Usage {
				usage[k] = v
			}
			if chunk.Cost != nil {
				usage["cost"] = *chunk.Cost
			}
			payload["usage"] = usage
		}
		writeEvent(w, payload)

		if chunk.IsFinal {
			break
		}
		flush(flusher)
	}
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	flush(flusher)
}

func hasChoices(c *provider.StreamChunk) bool {
	choices, ok := c.Raw["choices"].([]any)
	return ok && len(choices) > 0
}

// chunkChoices passes the vendor's choices through when the raw frame has
// them and synthesizes a single choice otherwise.
func chunkChoices(c *provider.StreamChunk) []any {
	if hasChoices(c) {
		return c.Raw["choices"].([]any)
	}
	delta := make(map[string]any, len(c.Delta)+1)
	for k, v := range c.Delta {
		delta[k] = v
	}
	if _, ok := delta["content"]; !ok && c.Text != nil {
		delta["content"] = *c.Text
	}
	var finish any
	if c.FinishReason != nil {
		finish = *c.FinishReason
	}
	return []any{map[string]any{"index": 0, "delta": delta, "finish_reason": finish}}
}

func chatUsage(u monitor.Usage, cost *float64) map[string]any {
	if u.Empty() {
		return nil
	}
	out := map[string]any{}
	if u.PromptTokens != nil {
		out["prompt_tokens"] = *u.PromptTokens
	}
	if u.CompletionTokens != nil {
		out["completion_tokens"] = *u.CompletionTokens
	}
	if u.TotalTokens != nil {
		out["total_tokens"] = *u.TotalTokens
	}
	if cost != nil {
		out["cost"] = *cost
	}
	return out
}

func completionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:29]
}

func writeEvent(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
}

func (h *Handler) writeChatEngineError(w http.ResponseWriter, err error) {
	status, msg := h.engineErrorStatus(err)
	writeChatError(w, status, msg)
}

// writeChatError uses the OpenAI error envelope.
func writeChatError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{
		"message": msg,
		"type":    "invalid_request_error",
	}})
}
