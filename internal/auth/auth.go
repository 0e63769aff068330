package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/vnmchuo/llm-router/internal/catalog"
)

var ErrKeyNotFound = errors.New("api key not found")

// ParameterLimits caps request parameters. Nil fields impose no limit.
type ParameterLimits struct {
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	// CustomLimits maps a parameter to a numeric ceiling or to an object
	// with "max" and/or "min".
	CustomLimits map[string]any `json:"custom_limits,omitempty"`
}

// APIKey is a caller credential and the policy attached to it. Nil
// allow-lists mean no restriction.
type APIKey struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	KeyHash          string           `json:"key_hash"`
	Active           bool             `json:"active"`
	AllowedProviders []string         `json:"allowed_providers"`
	AllowedModels    []string         `json:"allowed_models"`
	ParameterLimits  *ParameterLimits `json:"parameter_limits,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (a *APIKey) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (a *APIKey) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

// Allows reports whether the key may call providerName/modelName. Model
// entries match either the full "provider/model" form or the bare name.
func (a *APIKey) Allows(providerName, modelName string) bool {
	if !a.Active {
		return false
	}
	if a.AllowedProviders != nil && !slices.Contains(a.AllowedProviders, providerName) {
		return false
	}
	if a.AllowedModels != nil {
		full := providerName + "/" + modelName
		if !slices.Contains(a.AllowedModels, full) && !slices.Contains(a.AllowedModels, modelName) {
			return false
		}
	}
	return true
}

// ClampParameters returns a copy of params with every limit applied. The
// standard limits are also inserted when the caller left them out; custom
// limits only touch parameters that are present.
func (a *APIKey) ClampParameters(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	l := a.ParameterLimits
	if l == nil {
		return out
	}

	if l.MaxTokens != nil {
		capValue(out, "max_tokens", *l.MaxTokens)
	}
	for key, limit := range map[string]*float64{
		"temperature":       l.Temperature,
		"top_p":             l.TopP,
		"frequency_penalty": l.FrequencyPenalty,
		"presence_penalty":  l.PresencePenalty,
	} {
		if limit != nil {
			capValue(out, key, *limit)
		}
	}

	for key, limit := range l.CustomLimits {
		v, ok := out[key]
		if !ok {
			continue
		}
		if _, numeric := catalog.Number(limit); numeric {
			out[key] = minOf(v, limit)
			continue
		}
		if bounds, ok := limit.(map[string]any); ok {
			if hi, ok := bounds["max"]; ok {
				v = minOf(v, hi)
			}
			if lo, ok := bounds["min"]; ok {
				v = maxOf(v, lo)
			}
			out[key] = v
		}
	}
	return out
}

func capValue(params map[string]any, key string, limit any) {
	v, ok := params[key]
	if !ok {
		params[key] = limit
		return
	}
	params[key] = minOf(v, limit)
}

// minOf and maxOf return one of their arguments unchanged. A non-numeric
// value is kept as is.
func minOf(v, limit any) any {
	fv, ok1 := catalog.Number(v)
	fl, ok2 := catalog.Number(limit)
	if ok1 && ok2 && fl < fv {
		return limit
	}
	return v
}

func maxOf(v, limit any) any {
	fv, ok1 := catalog.Number(v)
	fl, ok2 := catalog.Number(limit)
	if ok1 && ok2 && fl > fv {
		return limit
	}
	return v
}

type Store interface {
	GetByKey(ctx context.Context, key string) (*APIKey, error)
	Create(ctx context.Context, apiKey *APIKey) error
	Revoke(ctx context.Context, keyID string) error
}

func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

type contextKey string

const (
	apiKeyKey    contextKey = "api_key"
	requestIDKey contextKey = "request_id"
)

func WithAPIKey(ctx context.Context, key *APIKey) context.Context {
	return context.WithValue(ctx, apiKeyKey, key)
}

// APIKeyFrom returns the authenticated key, or nil on unauthenticated
// routes.
func APIKeyFrom(ctx context.Context) *APIKey {
	k, _ := ctx.Value(apiKeyKey).(*APIKey)
	return k
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
