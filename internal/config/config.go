package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Server     ServerConfig
	Ollama     OllamaConfig
	Generation GenerationConfig
	Proxy      ProxyConfig
	Storage    StorageConfig
	Log        LogConfig
	Retrieval  RetrievalConfig
	Routing    RoutingConfig
	Confidence ConfidenceConfig
	Tool       ToolConfig
	Agent      AgentConfig
	API        APIConfig
}

type ServerConfig struct {
	Port       int `validate:"min=1,max=65535"`
	MCPEnabled bool
}

type OllamaConfig struct {
	BaseURL    string `validate:"required,url"`
	ChatModel  string `validate:"required"`
	EmbedModel string `validate:"required"`
}

type GenerationConfig struct {
	Backend string `validate:"oneof=ollama openrouter"`
}

type ProxyConfig struct {
	OpenRouterAPIKey string
	DefaultModel     string
}

type StorageConfig struct {
	DataDir string `validate:"required"`
}

type LogConfig struct {
	Level string `validate:"oneof=debug info warn error"`
}

type RetrievalConfig struct {
	TopK          int     `validate:"min=1,max=50"`
	MinSimilarity float64 `validate:"min=0,max=1"`
}

type RoutingConfig struct {
	TieBreakMargin float64 `validate:"min=0,max=1"`
	MinConfidence  float64 `validate:"min=0,max=1"`
	Classifier     string  `validate:"oneof=keyword llm"`
}

// ConfidenceConfig weights the answer confidence: TopWeight*top +
// MeanWeight*mean of retained similarity scores, plus ToolBonus on a
// successful tool call or times ToolPenalty on a failed one. Answers with
// no retained chunk are capped at GroundingCap.
type ConfidenceConfig struct {
	TopWeight    float64 `validate:"min=0,max=1"`
	MeanWeight   float64 `validate:"min=0,max=1"`
	ToolBonus    float64 `validate:"min=0,max=1"`
	ToolPenalty  float64 `validate:"min=0,max=1"`
	GroundingCap float64 `validate:"min=0,max=1"`
}

type ToolConfig struct {
	BaseURL   string `validate:"omitempty,url"`
	TimeoutMS int    `validate:"min=1"`
	APIToken  string
}

type AgentConfig struct {
	TimeoutMS int `validate:"min=1"`
}

type APIConfig struct {
	Token string
}

// ToolTimeout is the per-attempt tool gateway deadline.
func (c Config) ToolTimeout() time.Duration {
	return time.Duration(c.Tool.TimeoutMS) * time.Millisecond
}

// AgentTimeout is the per-agent execution deadline.
func (c Config) AgentTimeout() time.Duration {
	return time.Duration(c.Agent.TimeoutMS) * time.Millisecond
}

// SlogLevel maps log.level onto a slog level.
func (c Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8000,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "llama3.1",
			EmbedModel: "nomic-embed-text",
		},
		Generation: GenerationConfig{
			Backend: "ollama",
		},
		Proxy: ProxyConfig{
			DefaultModel: "anthropic/claude-sonnet-4",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Retrieval: RetrievalConfig{
			TopK:          5,
			MinSimilarity: 0.35,
		},
		Routing: RoutingConfig{
			TieBreakMargin: 0.10,
			MinConfidence:  0.25,
			Classifier:     "keyword",
		},
		Confidence: ConfidenceConfig{
			TopWeight:    0.6,
			MeanWeight:   0.4,
			ToolBonus:    0.15,
			ToolPenalty:  0.85,
			GroundingCap: 0.2,
		},
		Tool: ToolConfig{
			BaseURL:   "http://localhost:8080",
			TimeoutMS: 5000,
		},
		Agent: AgentConfig{
			TimeoutMS: 30000,
		},
	}
}

// Load reads configuration from the TOML file at FilePath, then applies
// REGCOPILOT_* environment overrides. Secrets are read from the
// environment only.
func Load() (Config, error) {
	b, err := newFileBackend(FilePath())
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate rejects out-of-range values and incomplete backend settings.
func Validate(cfg Config) error {
	if err := validateRanges(cfg); err != nil {
		return err
	}
	if cfg.Generation.Backend == "openrouter" && cfg.Proxy.OpenRouterAPIKey == "" {
		return fmt.Errorf("missing required config: OpenRouter API key. " +
			"Set it via environment variable REGCOPILOT_OPENROUTER_API_KEY")
	}
	return nil
}

func validateRanges(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (got %v)", keyFor(fe.StructNamespace()), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// keyFor maps a validator namespace such as "Config.Routing.MinConfidence"
// back onto its config key.
func keyFor(ns string) string {
	for _, s := range specs {
		if s.field == strings.TrimPrefix(ns, "Config.") {
			return s.key
		}
	}
	return ns
}
