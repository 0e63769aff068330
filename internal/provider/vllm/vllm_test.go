package vllm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-router/internal/catalog"
	"github.com/vnmchuo/llm-router/internal/provider"
)

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New(&catalog.Provider{Name: "v", Type: catalog.TypeVLLM}, provider.Options{})
	var ce *provider.ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestInvoke_Completions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/completions", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "qwen2-7b", body["model"])
		assert.Equal(t, "hi", body["prompt"])
		assert.Equal(t, []any{}, body["messages"])
		assert.Equal(t, float64(64), body["max_tokens"])

		fmt.Fprint(w, `{"choices":[{"text":"completion"}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`)
	}))
	defer server.Close()

	c, err := New(&catalog.Provider{Name: "v", Type: catalog.TypeVLLM, BaseURL: server.URL}, provider.Options{})
	require.NoError(t, err)

	resp, err := c.Invoke(context.Background(),
		&catalog.Model{Name: "m", RemoteIdentifier: "qwen2-7b", DefaultParams: map[string]any{"max_tokens": 64}},
		&provider.Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "completion", resp.OutputText)
}

func TestInvoke_OptionalKeyFailover(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"chat style"}}]}`)
	}))
	defer server.Close()

	c, err := New(&catalog.Provider{Name: "v", Type: catalog.TypeVLLM, BaseURL: server.URL, APIKeys: []string{"k1", "k2"}}, provider.Options{})
	require.NoError(t, err)

	resp, err := c.Invoke(context.Background(), &catalog.Model{Name: "m"}, &provider.Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "chat style", resp.OutputText)
}
