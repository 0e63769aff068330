// Package catalog holds the provider and model configuration the router
// dispatches against.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrNotFound = errors.New("not found")

type ProviderType string

const (
	TypeOpenAI       ProviderType = "openai"
	TypeGrok         ProviderType = "grok"
	TypeDeepSeek     ProviderType = "deepseek"
	TypeQwen         ProviderType = "qwen"
	TypeKimi         ProviderType = "kimi"
	TypeGLM          ProviderType = "glm"
	TypeOpenRouter   ProviderType = "openrouter"
	TypeGemini       ProviderType = "gemini"
	TypeClaude       ProviderType = "claude"
	TypeOllama       ProviderType = "ollama"
	TypeVLLM         ProviderType = "vllm"
	TypeRemoteHTTP   ProviderType = "remote_http"
	TypeCustomHTTP   ProviderType = "custom_http"
	TypeTransformers ProviderType = "transformers"
)

// Provider is a configured upstream. APIKeys are tried in order.
type Provider struct {
	ID       string         `json:"id" yaml:"id"`
	Name     string         `json:"name" yaml:"name"`
	Type     ProviderType   `json:"type" yaml:"type"`
	Active   bool           `json:"active" yaml:"active"`
	BaseURL  string         `json:"base_url,omitempty" yaml:"base_url"`
	APIKeys  []string       `json:"-" yaml:"api_keys"`
	Settings map[string]any `json:"settings,omitempty" yaml:"settings"`
}

// Credentials returns the ordered credential list. Settings["api_key"] is
// consulted when no keys were configured explicitly.
func (p *Provider) Credentials() []string {
	if len(p.APIKeys) > 0 {
		return p.APIKeys
	}
	if raw, ok := p.Settings["api_key"].(string); ok {
		return ParseCredentials(raw)
	}
	return nil
}

// Setting returns the string value of a settings key, or "".
func (p *Provider) Setting(key string) string {
	if p == nil || p.Settings == nil {
		return ""
	}
	switch v := p.Settings[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Clone returns a deep enough copy that the caller can mutate slices and
// settings without affecting the original.
func (p *Provider) Clone() *Provider {
	if p == nil {
		return nil
	}
	cp := *p
	cp.APIKeys = append([]string(nil), p.APIKeys...)
	cp.Settings = cloneMap(p.Settings)
	return &cp
}

// ParseCredentials splits a comma-joined credential string, dropping
// blanks.
func ParseCredentials(raw string) []string {
	var keys []string
	for _, part := range strings.Split(raw, ",") {
		if k := strings.TrimSpace(part); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

type RateLimit struct {
	MaxRequests int `json:"max_requests" yaml:"max_requests"`
	PerSeconds  int `json:"per_seconds" yaml:"per_seconds"`
	BurstSize   int `json:"burst_size,omitempty" yaml:"burst_size"`
}

func (r RateLimit) Validate() error {
	if r.MaxRequests <= 0 {
		return fmt.Errorf("max_requests must be positive, got %d", r.MaxRequests)
	}
	if r.PerSeconds <= 0 {
		return fmt.Errorf("per_seconds must be positive, got %d", r.PerSeconds)
	}
	if r.BurstSize != 0 && r.BurstSize < r.MaxRequests {
		return fmt.Errorf("burst_size (%d) must be >= max_requests (%d)", r.BurstSize, r.MaxRequests)
	}
	return nil
}

func (r RateLimit) Burst() int {
	if r.BurstSize > 0 {
		return r.BurstSize
	}
	return r.MaxRequests
}

type Model struct {
	ID               string         `json:"id" yaml:"id"`
	Name             string         `json:"name" yaml:"name"`
	Provider         *Provider      `json:"-" yaml:"-"`
	RemoteIdentifier string         `json:"remote_identifier,omitempty" yaml:"remote_identifier"`
	Tags             []string       `json:"tags,omitempty" yaml:"tags"`
	DefaultParams    map[string]any `json:"default_params,omitempty" yaml:"default_params"`
	Config           map[string]any `json:"config,omitempty" yaml:"config"`
	Active           bool           `json:"active" yaml:"active"`
	RateLimit        *RateLimit     `json:"rate_limit,omitempty" yaml:"rate_limit"`
	LocalPath        string         `json:"local_path,omitempty" yaml:"local_path"`
	DownloadURI      string         `json:"download_uri,omitempty" yaml:"download_uri"`
}

// ProviderName is safe to call on a detached model.
func (m *Model) ProviderName() string {
	if m.Provider == nil {
		return ""
	}
	return m.Provider.Name
}

// Identifier is the "provider/model" address of the model.
func (m *Model) Identifier() string {
	return m.ProviderName() + "/" + m.Name
}

// Priority reads config["priority"]; anything missing or non-numeric is 0.
func (m *Model) Priority() float64 {
	v, _ := Number(m.Config["priority"])
	return v
}

// HasTags reports whether every tag in want is present on the model.
func (m *Model) HasTags(want []string) bool {
	for _, w := range want {
		found := false
		for _, t := range m.Tags {
			if t == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Clone copies the model and its provider so the result can be handed to a
// caller without sharing mutable state with the store.
func (m *Model) Clone() *Model {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Provider = m.Provider.Clone()
	cp.Tags = append([]string(nil), m.Tags...)
	cp.DefaultParams = cloneMap(m.DefaultParams)
	cp.Config = cloneMap(m.Config)
	if m.RateLimit != nil {
		rl := *m.RateLimit
		cp.RateLimit = &rl
	}
	return &cp
}

// Query filters models for tag based routing. Tags use AND semantics.
type Query struct {
	Tags            []string       `json:"tags,omitempty"`
	ProviderTypes   []ProviderType `json:"provider_types,omitempty"`
	IncludeInactive bool           `json:"include_inactive,omitempty"`
}

func (q Query) matches(m *Model) bool {
	if !q.IncludeInactive {
		if !m.Active || m.Provider == nil || !m.Provider.Active {
			return false
		}
	}
	if len(q.ProviderTypes) > 0 {
		if m.Provider == nil {
			return false
		}
		ok := false
		for _, t := range q.ProviderTypes {
			if m.Provider.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return m.HasTags(q.Tags)
}

// Reader is the read side the routing engine depends on.
type Reader interface {
	GetModel(ctx context.Context, providerName, modelName string) (*Model, error)
	ListModels(ctx context.Context, q Query) ([]*Model, error)
}

// Number converts the numeric shapes produced by JSON and YAML decoding.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
