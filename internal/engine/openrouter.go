package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/regcopilot/internal/proxy"
)

// OpenRouterEngine generates answers through OpenRouter while delegating
// embeddings and model management to a local engine. Chunks already indexed
// with the local embedding model stay searchable.
type OpenRouterEngine struct {
	client *proxy.Client
	local  Engine
}

// NewOpenRouterEngine wraps client for chat and local for everything else.
func NewOpenRouterEngine(client *proxy.Client, local Engine) *OpenRouterEngine {
	return &OpenRouterEngine{client: client, local: local}
}

func (e *OpenRouterEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	msgs := make([]proxy.Message, len(messages))
	for i, m := range messages {
		msgs[i] = proxy.Message{Role: m.Role, Content: m.Content}
	}
	zero := 0.0
	req := proxy.ChatRequest{Model: model, Messages: msgs, Temperature: &zero}
	if jsonSchema != nil {
		req.ResponseFormat = &proxy.ResponseFormat{Type: "json_object"}
	}
	out, err := e.client.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openrouter chat: %w", err)
	}
	return out, nil
}

func (e *OpenRouterEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return e.local.Embed(ctx, model, text)
}

// IsRunning reports whether the local embedding backend is reachable. The
// remote side is probed lazily on the first chat call.
func (e *OpenRouterEngine) IsRunning(ctx context.Context) bool {
	return e.local.IsRunning(ctx)
}

// ListModels returns remote chat models followed by local models.
func (e *OpenRouterEngine) ListModels(ctx context.Context) ([]string, error) {
	remote, err := e.client.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(remote))
	for _, m := range remote {
		names = append(names, m.ID)
	}
	local, err := e.local.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	return append(names, local...), nil
}

// HasModel treats provider-qualified names ("vendor/model") as remote and
// always available; everything else is checked locally.
func (e *OpenRouterEngine) HasModel(ctx context.Context, name string) bool {
	if strings.Contains(name, "/") {
		return true
	}
	return e.local.HasModel(ctx, name)
}

func (e *OpenRouterEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	if strings.Contains(name, "/") {
		return nil
	}
	return e.local.PullModel(ctx, name, onProgress)
}
