package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vnmchuo/llm-router/internal/catalog"
	"github.com/vnmchuo/llm-router/internal/provider"
)

func TestInvoke_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("Expected x-api-key header")
		}
		if r.Header.Get("anthropic-version") != "2023-06-01" {
			t.Errorf("Expected default anthropic-version, got %q", r.Header.Get("anthropic-version"))
		}

		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["system"] != "rule one\nrule two" {
			t.Errorf("Expected joined system prompt, got %v", body["system"])
		}
		if body["max_tokens"] != float64(1024) {
			t.Errorf("Expected default max_tokens 1024, got %v", body["max_tokens"])
		}
		if msgs := body["messages"].([]any); len(msgs) != 1 {
			t.Errorf("Expected system turns to be removed from messages, got %d", len(msgs))
		}

		fmt.Fprint(w, `{"content":[{"type":"text","text":"Hello "},{"type":"tool_use","text":"x"},{"type":"text","text":"from Claude"}],"usage":{"input_tokens":3,"output_tokens":5}}`)
	}))
	defer server.Close()

	c, err := New(&catalog.Provider{Name: "c", Type: catalog.TypeClaude, BaseURL: server.URL, APIKeys: []string{"test-key"}}, provider.Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	req := &provider.Request{Messages: []provider.Message{
		{Role: "system", Content: "rule one"},
		{Role: "system", Content: "rule two"},
		{Role: "user", Content: "hi"},
	}}

	resp, err := c.Invoke(context.Background(), &catalog.Model{Name: "claude-3-haiku"}, req)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if resp.OutputText != "Hello from Claude" {
		t.Errorf("Expected 'Hello from Claude', got %q", resp.OutputText)
	}
}

func TestBuildPayload_MaxTokens(t *testing.T) {
	model := &catalog.Model{Name: "m", DefaultParams: map[string]any{"max_output_tokens": 300, "top_k": 5}}

	body := buildPayload(model, &provider.Request{}, nil, "")
	if body["max_tokens"] != 300 {
		t.Errorf("Expected max_output_tokens alias, got %v", body["max_tokens"])
	}
	if _, ok := body["max_output_tokens"]; ok {
		t.Errorf("Expected max_output_tokens to be removed")
	}
	if _, ok := body["system"]; ok {
		t.Errorf("Expected no system field without system messages")
	}

	body = buildPayload(model, &provider.Request{Parameters: map[string]any{"max_tokens": 50}}, nil, "")
	if body["max_tokens"] != 50 {
		t.Errorf("Expected explicit max_tokens, got %v", body["max_tokens"])
	}
	if body["top_k"] != 5 {
		t.Errorf("Expected remaining params to pass through, got %v", body["top_k"])
	}
}

func TestInvoke_RequiresKey(t *testing.T) {
	c, _ := New(&catalog.Provider{Name: "c", Type: catalog.TypeClaude}, provider.Options{})
	_, err := c.Invoke(context.Background(), &catalog.Model{Name: "m"}, &provider.Request{Prompt: "hi"})
	if !errors.Is(err, provider.ErrMissingCredential) {
		t.Errorf("Expected ErrMissingCredential, got %v", err)
	}
}

func TestStream_Unsupported(t *testing.T) {
	c, _ := New(&catalog.Provider{Name: "c", Type: catalog.TypeClaude}, provider.Options{})
	_, err := c.Stream(context.Background(), &catalog.Model{Name: "m"}, &provider.Request{Prompt: "hi"})
	if !errors.Is(err, provider.ErrStreamingUnsupported) {
		t.Errorf("Expected ErrStreamingUnsupported, got %v", err)
	}
}
