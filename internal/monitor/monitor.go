// Package monitor records one Invocation per routed call.
package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/vnmchuo/llm-router/internal/provider"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

const (
	promptPreviewLimit   = 1000
	messagePreviewLimit  = 500
	responsePreviewLimit = 2000
)

type MessagePreview struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Invocation is one monitoring record. Text fields hold previews, never the
// full request or response.
type Invocation struct {
	ID                 string
	ModelID            string
	ProviderID         string
	ModelName          string
	ProviderName       string
	StartedAt          time.Time
	CompletedAt        time.Time
	DurationMs         float64
	Status             Status
	ErrorMessage       string
	RequestPrompt      string
	RequestMessages    []MessagePreview
	RequestParameters  map[string]any
	ResponseText       string
	ResponseTextLength int
	PromptTokens       *int
	CompletionTokens   *int
	TotalTokens        *int
	Cost               *float64
	Raw                map[string]any
}

// Sink receives finished invocations. Callers treat errors as advisory.
type Sink interface {
	Record(ctx context.Context, inv *Invocation) error
}

type NopSink struct{}

func (NopSink) Record(context.Context, *Invocation) error { return nil }

// Store persists batches written by AsyncSink.
type Store interface {
	WriteBatch(ctx context.Context, batch []*Invocation) error
	Close() error
}

var (
	ErrBufferFull = errors.New("monitor buffer full, invocation dropped")
	ErrClosed     = errors.New("monitor sink closed")
)

func PreviewPrompt(s string) string { return truncate(s, promptPreviewLimit, "...") }

func PreviewResponse(s string) string { return truncate(s, responsePreviewLimit, "...") }

// PreviewMessages keeps messages with content, each cut to 500 characters.
// It returns nil when nothing is left.
func PreviewMessages(msgs []provider.Message) []MessagePreview {
	var out []MessagePreview
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		out = append(out, MessagePreview{Role: m.Role, Content: truncate(m.Content, messagePreviewLimit, "")})
	}
	return out
}

func truncate(s string, limit int, suffix string) string {
	if len(s) <= limit {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + suffix
}
