package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/regcopilot/internal/agent"
	"github.com/kalambet/regcopilot/internal/engine"
)

const classificationTimeout = 3 * time.Second

// Chatter is the part of engine.Engine the LLM classifier needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// llmScores is the structured output requested from the model.
type llmScores struct {
	Regulatory float64 `json:"regulatory"`
	Capital    float64 `json:"capital"`
	Fairness   float64 `json:"fairness"`
	Ops        float64 `json:"ops"`
	Rationale  string  `json:"rationale"`
}

// LLMClassifier asks a language model to score each domain. Any failure
// (timeout, backend error, malformed JSON) falls back to the keyword
// classifier so routing never blocks on the model.
type LLMClassifier struct {
	client   Chatter
	model    string
	fallback Classifier
}

// NewLLMClassifier creates an LLMClassifier. fallback may be nil, in which
// case a KeywordClassifier over the default profiles is used.
func NewLLMClassifier(client Chatter, model string, fallback Classifier) *LLMClassifier {
	if fallback == nil {
		fallback = NewKeywordClassifier()
	}
	return &LLMClassifier{client: client, model: model, fallback: fallback}
}

func (l *LLMClassifier) Classify(ctx context.Context, text string) (Classification, error) {
	c, err := l.classify(ctx, text)
	if err == nil {
		return c, nil
	}
	if ctx.Err() != nil {
		return Classification{}, ctx.Err()
	}
	slog.Warn("llm classification failed, using keywords", "error", err)
	fb, ferr := l.fallback.Classify(ctx, text)
	if ferr != nil {
		return Classification{}, ferr
	}
	fb.Summary = "llm unavailable; " + fb.Summary
	return fb, nil
}

func (l *LLMClassifier) classify(ctx context.Context, text string) (Classification, error) {
	ctx, cancel := context.WithTimeout(ctx, classificationTimeout)
	defer cancel()

	raw, err := l.client.Chat(ctx, l.model, BuildPrompt(text, agent.Profiles()), classificationSchema())
	if err != nil {
		return Classification{}, fmt.Errorf("classification chat: %w", err)
	}

	var s llmScores
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Classification{}, fmt.Errorf("decoding classification %q: %w", raw, err)
	}

	cands := []Candidate{
		{Agent: agent.Regulatory, Score: s.Regulatory},
		{Agent: agent.Capital, Score: s.Capital},
		{Agent: agent.Fairness, Score: s.Fairness},
		{Agent: agent.Ops, Score: s.Ops},
	}
	for _, c := range cands {
		if c.Score < 0 || c.Score > 1 {
			return Classification{}, fmt.Errorf("score for %s out of range: %v", c.Agent, c.Score)
		}
	}
	rank(cands)

	summary := s.Rationale
	if summary == "" {
		summary = "scored by language model"
	}
	return Classification{Candidates: cands, Method: "llm", Summary: summary}, nil
}

func classificationSchema() *engine.Schema {
	prop := func(desc string) engine.SchemaProperty {
		return engine.SchemaProperty{Type: "number", Description: desc}
	}
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"regulatory": prop("Relevance to model risk management and regulatory guidance, 0 to 1"),
			"capital":    prop("Relevance to CECL, RWA, stress testing and capital, 0 to 1"),
			"fairness":   prop("Relevance to fair lending, ECOA and disparate impact, 0 to 1"),
			"ops":        prop("Relevance to model operations, drift and data quality, 0 to 1"),
			"rationale":  {Type: "string", Description: "One sentence explaining the scores"},
		},
		Required: []string{"regulatory", "capital", "fairness", "ops", "rationale"},
	}
}
