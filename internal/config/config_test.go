package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func loadFromPath(t *testing.T, path string) (Config, error) {
	t.Helper()
	b, err := newFileBackend(path)
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	path := writeTempConfig(t, `# empty`)

	cfg, err := loadFromPath(t, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.Server.MCPEnabled {
		t.Error("Server.MCPEnabled = true, want false")
	}
	if cfg.Retrieval.TopK != 5 {
		t.Errorf("Retrieval.TopK = %d, want 5", cfg.Retrieval.TopK)
	}
	if cfg.Retrieval.MinSimilarity != 0.35 {
		t.Errorf("Retrieval.MinSimilarity = %v, want 0.35", cfg.Retrieval.MinSimilarity)
	}
	if cfg.Routing.TieBreakMargin != 0.10 || cfg.Routing.MinConfidence != 0.25 {
		t.Errorf("Routing = %+v", cfg.Routing)
	}
	if cfg.Routing.Classifier != "keyword" || cfg.Generation.Backend != "ollama" {
		t.Errorf("classifier=%q backend=%q", cfg.Routing.Classifier, cfg.Generation.Backend)
	}
	if cfg.ToolTimeout() != 5*time.Second {
		t.Errorf("ToolTimeout = %v, want 5s", cfg.ToolTimeout())
	}
	if cfg.AgentTimeout() != 30*time.Second {
		t.Errorf("AgentTimeout = %v, want 30s", cfg.AgentTimeout())
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	want := ConfidenceConfig{TopWeight: 0.6, MeanWeight: 0.4, ToolBonus: 0.15, ToolPenalty: 0.85, GroundingCap: 0.2}
	if cfg.Confidence != want {
		t.Errorf("Confidence = %+v, want %+v", cfg.Confidence, want)
	}
}

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadFromPath(t, filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
}

// TestTOMLParsing verifies that all fields are correctly read from a TOML file.
func TestTOMLParsing(t *testing.T) {
	content := `
[server]
port = 5000
mcp_enabled = true

[ollama]
base_url = "http://custom:11434"
chat_model = "custom-chat"
embed_model = "custom-embed"

[storage]
data_dir = "/tmp/regcopilot-test"

[retrieval]
top_k = 8
min_similarity = 0.5

[routing]
tie_break_margin = 0.05
min_confidence = 0.3
classifier = "llm"

[confidence]
top_weight = 0.7
mean_weight = 0.3
tool_penalty = 0.5

[tool]
base_url = "http://mesh:9000"
timeout_ms = 2500

[proxy]
openrouter_api_key = "file-key-ignored"
`
	path := writeTempConfig(t, content)

	cfg, err := loadFromPath(t, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 || !cfg.Server.MCPEnabled {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Ollama.ChatModel != "custom-chat" || cfg.Ollama.EmbedModel != "custom-embed" {
		t.Errorf("Ollama = %+v", cfg.Ollama)
	}
	if cfg.Storage.DataDir != "/tmp/regcopilot-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Retrieval.TopK != 8 || cfg.Retrieval.MinSimilarity != 0.5 {
		t.Errorf("Retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Routing.TieBreakMargin != 0.05 || cfg.Routing.MinConfidence != 0.3 || cfg.Routing.Classifier != "llm" {
		t.Errorf("Routing = %+v", cfg.Routing)
	}
	if cfg.Confidence.TopWeight != 0.7 || cfg.Confidence.MeanWeight != 0.3 || cfg.Confidence.ToolPenalty != 0.5 {
		t.Errorf("Confidence = %+v", cfg.Confidence)
	}
	if cfg.Confidence.ToolBonus != 0.15 {
		t.Errorf("Confidence.ToolBonus = %v, want default 0.15", cfg.Confidence.ToolBonus)
	}
	if cfg.Tool.BaseURL != "http://mesh:9000" || cfg.ToolTimeout() != 2500*time.Millisecond {
		t.Errorf("Tool = %+v", cfg.Tool)
	}
	if cfg.Proxy.OpenRouterAPIKey != "" {
		t.Error("secret read from config file; secrets must come from the environment")
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, "[server]\nport = 5000\n")

	t.Setenv("REGCOPILOT_SERVER_PORT", "6000")
	t.Setenv("REGCOPILOT_ROUTING_MIN_CONFIDENCE", "0.4")
	t.Setenv("REGCOPILOT_TOOL_API_TOKEN", "mesh-token")
	t.Setenv("REGCOPILOT_SERVER_MCP_ENABLED", "true")
	t.Setenv("REGCOPILOT_CONFIDENCE_TOOL_BONUS", "0.05")

	cfg, err := loadFromPath(t, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Routing.MinConfidence != 0.4 {
		t.Errorf("MinConfidence = %v, want 0.4", cfg.Routing.MinConfidence)
	}
	if cfg.Tool.APIToken != "mesh-token" {
		t.Errorf("Tool.APIToken = %q", cfg.Tool.APIToken)
	}
	if !cfg.Server.MCPEnabled {
		t.Error("MCPEnabled not overridden")
	}
	if cfg.Confidence.ToolBonus != 0.05 {
		t.Errorf("Confidence.ToolBonus = %v, want 0.05", cfg.Confidence.ToolBonus)
	}
}

func TestEnvOverride_Unparseable(t *testing.T) {
	t.Setenv("REGCOPILOT_RETRIEVAL_TOP_K", "many")
	cfg, err := loadFromPath(t, writeTempConfig(t, ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Retrieval.TopK != 5 {
		t.Errorf("TopK = %d, want default 5", cfg.Retrieval.TopK)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantKey string
	}{
		{"port out of range", "[server]\nport = 70000\n", "server.port"},
		{"min confidence above one", "[routing]\nmin_confidence = 1.5\n", "routing.min_confidence"},
		{"negative margin", "[routing]\ntie_break_margin = -0.1\n", "routing.tie_break_margin"},
		{"unknown classifier", "[routing]\nclassifier = \"dice\"\n", "routing.classifier"},
		{"zero top k", "[retrieval]\ntop_k = 0\n", "retrieval.top_k"},
		{"bad log level", "[log]\nlevel = \"loud\"\n", "log.level"},
		{"zero tool timeout", "[tool]\ntimeout_ms = 0\n", "tool.timeout_ms"},
		{"tool penalty above one", "[confidence]\ntool_penalty = 1.5\n", "confidence.tool_penalty"},
		{"negative grounding cap", "[confidence]\ngrounding_cap = -0.2\n", "confidence.grounding_cap"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadFromPath(t, writeTempConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantKey) {
				t.Errorf("error %q does not name %s", err, tt.wantKey)
			}
		})
	}
}

// TestMissingRequiredField verifies a clear error when openrouter is selected without a key.
func TestMissingRequiredField(t *testing.T) {
	path := writeTempConfig(t, "[generation]\nbackend = \"openrouter\"\n")
	t.Setenv("REGCOPILOT_OPENROUTER_API_KEY", "")

	_, err := loadFromPath(t, path)
	if err == nil {
		t.Fatal("expected error for missing API key, got nil")
	}
	if !strings.Contains(err.Error(), "missing required config") {
		t.Errorf("error = %q", err)
	}

	t.Setenv("REGCOPILOT_OPENROUTER_API_KEY", "sk-test")
	if _, err := loadFromPath(t, path); err != nil {
		t.Errorf("unexpected error with key set: %v", err)
	}
}

func TestMalformedFile(t *testing.T) {
	if _, err := loadFromPath(t, writeTempConfig(t, "[server\nport = ")); err == nil {
		t.Error("expected parse error")
	}
}

func TestSetKey_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regcopilot", "config.toml")
	b, err := newFileBackend(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := setKeyWith(b, "server.port", "9100"); err != nil {
		t.Fatalf("set port: %v", err)
	}
	if err := setKeyWith(b, "routing.min_confidence", "0.3"); err != nil {
		t.Fatalf("set min_confidence: %v", err)
	}
	if err := setKeyWith(b, "routing.classifier", "llm"); err != nil {
		t.Fatalf("set classifier: %v", err)
	}

	cfg, err := loadFromPath(t, path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Server.Port != 9100 || cfg.Routing.MinConfidence != 0.3 || cfg.Routing.Classifier != "llm" {
		t.Errorf("reloaded config = %+v / %+v", cfg.Server, cfg.Routing)
	}
}

func TestSetKey_Rejects(t *testing.T) {
	b, err := newFileBackend(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		key, value, want string
	}{
		{"api.token", "x", "cannot set secret"},
		{"nope.key", "x", "unknown config key"},
		{"server.port", "abc", "invalid value"},
		{"routing.tie_break_margin", "2", "routing.tie_break_margin"},
	}
	for _, tt := range tests {
		err := setKeyWith(b, tt.key, tt.value)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("setKeyWith(%s=%s) = %v, want error containing %q", tt.key, tt.value, err, tt.want)
		}
	}
}

func TestShowAll_MasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.API.Token = "top-secret"

	var sawToken bool
	for _, ki := range ShowAll(cfg) {
		if ki.Key == "api.token" {
			sawToken = true
			if ki.Value == "top-secret" {
				t.Error("secret value shown in clear")
			}
		}
		if ki.EnvVar == "" || !strings.HasPrefix(ki.EnvVar, "REGCOPILOT_") {
			t.Errorf("key %s has env var %q", ki.Key, ki.EnvVar)
		}
	}
	if !sawToken {
		t.Error("api.token missing from listing")
	}
}

func TestValidKeysExcludeSecrets(t *testing.T) {
	for _, k := range ValidKeys() {
		if k == "api.token" || k == "tool.api_token" || k == "proxy.openrouter_api_key" {
			t.Errorf("secret %s listed as settable", k)
		}
	}
}
