package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	field   string // Config field path, for validation messages
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", field: "Server.Port", typ: kInt, env: "REGCOPILOT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_enabled", field: "Server.MCPEnabled", typ: kBool, env: "REGCOPILOT_SERVER_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPEnabled },
	},
	{
		key: "ollama.base_url", field: "Ollama.BaseURL", typ: kString, env: "REGCOPILOT_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", field: "Ollama.ChatModel", typ: kString, env: "REGCOPILOT_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.embed_model", field: "Ollama.EmbedModel", typ: kString, env: "REGCOPILOT_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "generation.backend", field: "Generation.Backend", typ: kString, env: "REGCOPILOT_GENERATION_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Generation.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Backend },
	},
	{
		key: "proxy.default_model", field: "Proxy.DefaultModel", typ: kString, env: "REGCOPILOT_PROXY_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Proxy.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.DefaultModel },
	},
	{
		key: "proxy.openrouter_api_key", field: "Proxy.OpenRouterAPIKey", typ: kString, env: "REGCOPILOT_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Proxy.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.OpenRouterAPIKey },
	},
	{
		key: "storage.data_dir", field: "Storage.DataDir", typ: kString, env: "REGCOPILOT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", field: "Log.Level", typ: kString, env: "REGCOPILOT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "retrieval.top_k", field: "Retrieval.TopK", typ: kInt, env: "REGCOPILOT_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.min_similarity", field: "Retrieval.MinSimilarity", typ: kFloat, env: "REGCOPILOT_RETRIEVAL_MIN_SIMILARITY",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MinSimilarity = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.MinSimilarity },
	},
	{
		key: "routing.tie_break_margin", field: "Routing.TieBreakMargin", typ: kFloat, env: "REGCOPILOT_ROUTING_TIE_BREAK_MARGIN",
		apply:   func(cfg *Config, v any) { cfg.Routing.TieBreakMargin = v.(float64) },
		extract: func(cfg Config) any { return cfg.Routing.TieBreakMargin },
	},
	{
		key: "routing.min_confidence", field: "Routing.MinConfidence", typ: kFloat, env: "REGCOPILOT_ROUTING_MIN_CONFIDENCE",
		apply:   func(cfg *Config, v any) { cfg.Routing.MinConfidence = v.(float64) },
		extract: func(cfg Config) any { return cfg.Routing.MinConfidence },
	},
	{
		key: "routing.classifier", field: "Routing.Classifier", typ: kString, env: "REGCOPILOT_ROUTING_CLASSIFIER",
		apply:   func(cfg *Config, v any) { cfg.Routing.Classifier = v.(string) },
		extract: func(cfg Config) any { return cfg.Routing.Classifier },
	},
	{
		key: "confidence.top_weight", field: "Confidence.TopWeight", typ: kFloat, env: "REGCOPILOT_CONFIDENCE_TOP_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Confidence.TopWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Confidence.TopWeight },
	},
	{
		key: "confidence.mean_weight", field: "Confidence.MeanWeight", typ: kFloat, env: "REGCOPILOT_CONFIDENCE_MEAN_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Confidence.MeanWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Confidence.MeanWeight },
	},
	{
		key: "confidence.tool_bonus", field: "Confidence.ToolBonus", typ: kFloat, env: "REGCOPILOT_CONFIDENCE_TOOL_BONUS",
		apply:   func(cfg *Config, v any) { cfg.Confidence.ToolBonus = v.(float64) },
		extract: func(cfg Config) any { return cfg.Confidence.ToolBonus },
	},
	{
		key: "confidence.tool_penalty", field: "Confidence.ToolPenalty", typ: kFloat, env: "REGCOPILOT_CONFIDENCE_TOOL_PENALTY",
		apply:   func(cfg *Config, v any) { cfg.Confidence.ToolPenalty = v.(float64) },
		extract: func(cfg Config) any { return cfg.Confidence.ToolPenalty },
	},
	{
		key: "confidence.grounding_cap", field: "Confidence.GroundingCap", typ: kFloat, env: "REGCOPILOT_CONFIDENCE_GROUNDING_CAP",
		apply:   func(cfg *Config, v any) { cfg.Confidence.GroundingCap = v.(float64) },
		extract: func(cfg Config) any { return cfg.Confidence.GroundingCap },
	},
	{
		key: "tool.base_url", field: "Tool.BaseURL", typ: kString, env: "REGCOPILOT_TOOL_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Tool.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Tool.BaseURL },
	},
	{
		key: "tool.timeout_ms", field: "Tool.TimeoutMS", typ: kInt, env: "REGCOPILOT_TOOL_TIMEOUT_MS",
		apply:   func(cfg *Config, v any) { cfg.Tool.TimeoutMS = v.(int) },
		extract: func(cfg Config) any { return cfg.Tool.TimeoutMS },
	},
	{
		key: "tool.api_token", field: "Tool.APIToken", typ: kString, env: "REGCOPILOT_TOOL_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Tool.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Tool.APIToken },
	},
	{
		key: "agent.timeout_ms", field: "Agent.TimeoutMS", typ: kInt, env: "REGCOPILOT_AGENT_TIMEOUT_MS",
		apply:   func(cfg *Config, v any) { cfg.Agent.TimeoutMS = v.(int) },
		extract: func(cfg Config) any { return cfg.Agent.TimeoutMS },
	},
	{
		key: "api.token", field: "API.Token", typ: kString, env: "REGCOPILOT_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				bv, err := strconv.ParseBool(v)
				if err != nil {
					return fmt.Errorf("reading %s: %w", s.key, err)
				}
				s.apply(cfg, bv)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				f, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return fmt.Errorf("reading %s: %w", s.key, err)
				}
				s.apply(cfg, f)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using configured value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	}
	return raw, nil
}
