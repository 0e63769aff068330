package provider

import (
	"context"
	"fmt"

	"github.com/vnmchuo/llm-router/internal/catalog"
)

type Request struct {
	Prompt     string         `json:"prompt,omitempty"`
	Messages   []Message      `json:"messages,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Stream     bool           `json:"stream,omitempty"`
	// RemoteIdentifierOverride addresses a vendor model string that is not
	// the model's configured remote identifier.
	RemoteIdentifierOverride string `json:"remote_identifier_override,omitempty"`
}

type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

func (r *Request) Validate() error {
	if r.Prompt == "" && len(r.Messages) == 0 {
		return fmt.Errorf("either prompt or messages is required")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return fmt.Errorf("messages[%d]: unsupported role %q", i, m.Role)
		}
	}
	return nil
}

type Response struct {
	OutputText string         `json:"output_text"`
	Raw        map[string]any `json:"raw"`
	Cost       *float64       `json:"cost,omitempty"`
}

// StreamChunk is one decoded frame. A chunk with Err set is always the last
// value received before the channel closes.
type StreamChunk struct {
	Delta        map[string]any
	Text         *string
	Raw          map[string]any
	Usage        map[string]any
	FinishReason *string
	IsFinal      bool
	Cost         *float64
	Err          error
}

// Client talks to one configured provider.
type Client interface {
	Invoke(ctx context.Context, model *catalog.Model, req *Request) (*Response, error)
	// Stream fails fast with ErrStreamingUnsupported for backends that
	// cannot stream.
	Stream(ctx context.Context, model *catalog.Model, req *Request) (<-chan *StreamChunk, error)
	// Attach swaps in a refreshed provider row.
	Attach(p *catalog.Provider)
	Close() error
}

// MergeParameters overlays overrides onto defaults without touching either.
func MergeParameters(defaults, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// ModelIdentifier resolves the vendor-side model string.
func ModelIdentifier(m *catalog.Model, req *Request) string {
	if req != nil && req.RemoteIdentifierOverride != "" {
		return req.RemoteIdentifierOverride
	}
	if m.RemoteIdentifier != "" {
		return m.RemoteIdentifier
	}
	if s, ok := m.Config["model"].(string); ok && s != "" {
		return s
	}
	return m.Name
}

// Send delivers c unless ctx is cancelled first.
func Send(ctx context.Context, ch chan<- *StreamChunk, c *StreamChunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func String(s string) *string { return &s }
