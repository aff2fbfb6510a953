package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/regcopilot/internal/agent"
	"github.com/kalambet/regcopilot/internal/api"
	"github.com/kalambet/regcopilot/internal/composer"
	"github.com/kalambet/regcopilot/internal/config"
	"github.com/kalambet/regcopilot/internal/engine"
	"github.com/kalambet/regcopilot/internal/gateway"
	"github.com/kalambet/regcopilot/internal/ingest"
	"github.com/kalambet/regcopilot/internal/intent"
	"github.com/kalambet/regcopilot/internal/metrics"
	"github.com/kalambet/regcopilot/internal/orchestrator"
	"github.com/kalambet/regcopilot/internal/retrieval"
	"github.com/kalambet/regcopilot/internal/storage"
)

// app is the fully wired service.
type app struct {
	handler http.Handler
	mcp     *server.MCPServer
	worker  *ingest.Worker
}

// chatModel is the generation model for the configured backend.
func chatModel(cfg config.Config) string {
	if cfg.Generation.Backend == engine.BackendOpenRouter && cfg.Proxy.DefaultModel != "" {
		return cfg.Proxy.DefaultModel
	}
	return cfg.Ollama.ChatModel
}

// localModels lists the models that must be present in the local engine.
// Remote generation only needs the embedding model locally.
func localModels(cfg config.Config) []string {
	if cfg.Generation.Backend == engine.BackendOpenRouter {
		return []string{cfg.Ollama.EmbedModel}
	}
	return []string{cfg.Ollama.ChatModel, cfg.Ollama.EmbedModel}
}

func newClassifier(cfg config.Config, eng engine.Engine, profiles []agent.Profile) intent.Classifier {
	keyword := intent.NewKeywordClassifier(profiles...)
	if cfg.Routing.Classifier == "llm" {
		return intent.NewLLMClassifier(eng, chatModel(cfg), keyword)
	}
	return keyword
}

func buildApp(cfg config.Config, eng engine.Engine, store *storage.Store, log *slog.Logger) (*app, error) {
	m := metrics.New()

	embedder := retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel)
	vectors := retrieval.NewSQLiteStore(store.DB())
	retriever := retrieval.NewRetriever(embedder, vectors)

	var (
		tools   agent.ToolCaller
		gwProbe *api.Probe
	)
	if cfg.Tool.BaseURL != "" {
		gw := gateway.New(gateway.Config{
			BaseURL:  cfg.Tool.BaseURL,
			APIToken: cfg.Tool.APIToken,
			Timeout:  cfg.ToolTimeout(),
			Metrics:  m,
		})
		tools = gw
		gwProbe = &api.Probe{Name: "tool_gateway", Check: gw.Health}
	} else {
		log.Warn("no tool gateway configured; quantitative answers will be degraded")
	}

	agentCfg := agent.Config{
		Model:         chatModel(cfg),
		TopK:          cfg.Retrieval.TopK,
		MinSimilarity: float32(cfg.Retrieval.MinSimilarity),
		Confidence: agent.ConfidencePolicy{
			TopWeight:    cfg.Confidence.TopWeight,
			MeanWeight:   cfg.Confidence.MeanWeight,
			ToolBonus:    cfg.Confidence.ToolBonus,
			ToolPenalty:  cfg.Confidence.ToolPenalty,
			GroundingCap: cfg.Confidence.GroundingCap,
		},
		Composer: composer.New(0),
		Metrics:  m,
		Logger:   log,
	}
	profiles := agent.Profiles()
	agents := make(map[agent.Name]orchestrator.Answerer, len(profiles))
	for _, p := range profiles {
		agents[p.Name] = agent.New(p, retriever, tools, eng, agentCfg)
	}

	router, err := orchestrator.New(agents, newClassifier(cfg, eng, profiles), orchestrator.Config{
		TieBreakMargin: cfg.Routing.TieBreakMargin,
		MinConfidence:  cfg.Routing.MinConfidence,
		AgentTimeout:   cfg.AgentTimeout(),
		Metrics:        m,
		Traces:         store,
		Logger:         log,
	})
	if err != nil {
		return nil, fmt.Errorf("building orchestrator: %w", err)
	}

	pipeline := ingest.NewPipeline(embedder, vectors, store)
	worker := ingest.NewWorker(pipeline, 0)

	probes := []api.Probe{
		{Name: "storage", Critical: true, Check: store.Ping},
		{Name: "inference", Critical: true, Check: func(ctx context.Context) error {
			if !eng.IsRunning(ctx) {
				return errors.New("inference engine not reachable")
			}
			return nil
		}},
	}
	if gwProbe != nil {
		probes = append(probes, *gwProbe)
	}

	if cfg.API.Token == "" {
		log.Warn("api.token is not set; management routes will reject every request")
	}

	handler := api.NewHandler(api.Deps{
		Router:   router,
		Searcher: retriever,
		Store:    store,
		Ingester: pipeline,
		Jobs:     worker,
		Agents:   agent.Names,
		Probes:   probes,
		Metrics:  m,
		Token:    cfg.API.Token,
		Now:      time.Now,
	})

	return &app{
		handler: handler,
		mcp:     api.NewMCPServer(api.MCPDeps{Router: router, Searcher: retriever, Traces: store}),
		worker:  worker,
	}, nil
}
