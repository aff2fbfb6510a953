package engine

import (
	"fmt"

	"github.com/kalambet/regcopilot/internal/proxy"
)

const (
	BackendOllama     = "ollama"
	BackendOpenRouter = "openrouter"
)

// SelectConfig holds parameters for backend selection.
type SelectConfig struct {
	Backend          string
	OllamaBaseURL    string
	OpenRouterAPIKey string
	OpenRouterURL    string // optional override, used by tests
}

// Select returns the generation backend named by cfg.Backend. An empty
// backend means Ollama.
func Select(cfg SelectConfig) (Engine, error) {
	local := NewOllamaEngine(cfg.OllamaBaseURL)
	switch cfg.Backend {
	case "", BackendOllama:
		return local, nil
	case BackendOpenRouter:
		if cfg.OpenRouterAPIKey == "" {
			return nil, fmt.Errorf("generation backend %q requires an OpenRouter API key", cfg.Backend)
		}
		client := proxy.NewClient(cfg.OpenRouterAPIKey)
		if cfg.OpenRouterURL != "" {
			client = proxy.NewClientWithBaseURL(cfg.OpenRouterAPIKey, cfg.OpenRouterURL)
		}
		return NewOpenRouterEngine(client, local), nil
	default:
		return nil, fmt.Errorf("unknown generation backend %q", cfg.Backend)
	}
}
