package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kalambet/regcopilot/internal/proxy"
)

func TestSelect_DefaultsToOllama(t *testing.T) {
	for _, backend := range []string{"", BackendOllama} {
		e, err := Select(SelectConfig{Backend: backend, OllamaBaseURL: "http://localhost:11434"})
		if err != nil {
			t.Fatalf("Select(%q): %v", backend, err)
		}
		if _, ok := e.(*OllamaEngine); !ok {
			t.Errorf("Select(%q) returned %T, want *OllamaEngine", backend, e)
		}
	}
}

func TestSelect_OpenRouterRequiresKey(t *testing.T) {
	if _, err := Select(SelectConfig{Backend: BackendOpenRouter}); err == nil {
		t.Fatal("expected error without API key")
	}
	e, err := Select(SelectConfig{Backend: BackendOpenRouter, OpenRouterAPIKey: "k"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if _, ok := e.(*OpenRouterEngine); !ok {
		t.Errorf("got %T, want *OpenRouterEngine", e)
	}
}

func TestSelect_Unknown(t *testing.T) {
	if _, err := Select(SelectConfig{Backend: "mlx"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestOpenRouterEngine_SplitsChatAndEmbed(t *testing.T) {
	var gotFormat map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		gotFormat, _ = body["response_format"].(map[string]any)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": "remote answer"}}},
		})
	}))
	defer srv.Close()

	local := &mockEngine{isRunning: true, models: map[string]bool{"nomic-embed-text": true}}
	e := NewOpenRouterEngine(proxy.NewClientWithBaseURL("k", srv.URL), local)
	ctx := context.Background()

	got, err := e.Chat(ctx, "anthropic/claude-sonnet-4", []Message{{Role: "user", Content: "q"}}, &Schema{Type: "object"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got != "remote answer" {
		t.Errorf("Chat = %q", got)
	}
	if gotFormat["type"] != "json_object" {
		t.Errorf("response_format = %v, want json_object", gotFormat)
	}

	vec, err := e.Embed(ctx, "nomic-embed-text", "x")
	if err != nil || len(vec) != 1 {
		t.Errorf("Embed delegated incorrectly: %v %v", vec, err)
	}

	if !e.HasModel(ctx, "anthropic/claude-sonnet-4") {
		t.Error("remote model should always be available")
	}
	if err := e.PullModel(ctx, "anthropic/claude-sonnet-4", nil); err != nil || len(local.pulled) != 0 {
		t.Errorf("remote model must not be pulled locally: %v %v", err, local.pulled)
	}
}
