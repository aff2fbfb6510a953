package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/regcopilot/internal/composer"
	"github.com/kalambet/regcopilot/internal/engine"
	"github.com/kalambet/regcopilot/internal/gateway"
	"github.com/kalambet/regcopilot/internal/metrics"
	"github.com/kalambet/regcopilot/internal/retrieval"
	"github.com/kalambet/regcopilot/internal/trace"
)

// Name identifies a specialist agent.
type Name string

const (
	Regulatory Name = "regulatory"
	Capital    Name = "capital"
	Fairness   Name = "fairness"
	Ops        Name = "ops"
	// Auto asks the orchestrator to classify the query.
	Auto Name = "auto"
)

// Names lists the specialists in their canonical order.
var Names = []Name{Regulatory, Capital, Fairness, Ops}

// ErrUnknownAgent is returned by ParseName for names outside the enum.
var ErrUnknownAgent = errors.New("unknown agent")

// ParseName parses a target agent. The empty string means Auto.
func ParseName(s string) (Name, error) {
	n := Name(strings.ToLower(strings.TrimSpace(s)))
	if n == "" {
		return Auto, nil
	}
	if n == Auto || n.Specialist() {
		return n, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownAgent, s)
}

// Specialist reports whether n names one of the four specialists.
func (n Name) Specialist() bool {
	switch n {
	case Regulatory, Capital, Fairness, Ops:
		return true
	}
	return false
}

// Query is an accepted user question. It is passed by value and never
// modified after acceptance.
type Query struct {
	Text        string `json:"text"`
	TargetAgent Name   `json:"target_agent,omitempty"`
}

// Response is one specialist's grounded answer.
type Response struct {
	Agent                   Name                   `json:"agent"`
	Answer                  string                 `json:"answer"`
	Citations               []string               `json:"citations"`
	ToolCalls               []trace.ToolCallRecord `json:"tool_calls"`
	Confidence              float64                `json:"confidence"`
	InsufficientGrounding   bool                   `json:"insufficient_grounding"`
	QuantitativeUnavailable bool                   `json:"quantitative_unavailable"`
	Caveats                 []string               `json:"caveats,omitempty"`
	RiskLevel               string                 `json:"risk_level,omitempty"`
	Recommendations         []string               `json:"recommendations,omitempty"`
}

// Caveats attached to degraded answers.
const (
	CaveatQuantitativeUnavailable = "Quantitative computation was unavailable; this answer is qualitative and contains no computed figures."
	CaveatInsufficientGrounding   = "Insufficient grounding: no supporting passages met the similarity threshold."
)

// Retriever fetches scored chunks from one partition.
type Retriever interface {
	Retrieve(ctx context.Context, text string, partition retrieval.Partition, topK int) (retrieval.RetrievalResult, error)
}

// ToolCaller invokes a quantitative operation and reports the call record.
type ToolCaller interface {
	Call(ctx context.Context, operation gateway.Operation, payload any) (json.RawMessage, trace.ToolCallRecord, error)
}

// Generator produces the answer text. engine.Engine satisfies it.
type Generator interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Config holds the tunables shared by all specialists.
type Config struct {
	Model         string
	TopK          int
	MinSimilarity float32
	Confidence    ConfidencePolicy
	Composer      *composer.Composer
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

const defaultTopK = 5

// Specialist answers queries for one domain as described by its Profile.
type Specialist struct {
	profile   Profile
	retriever Retriever
	tools     ToolCaller
	gen       Generator
	cfg       Config
}

// New creates a Specialist. tools may be nil for retrieval-only profiles;
// a triggered tool plan without a ToolCaller degrades like an outage.
func New(p Profile, r Retriever, tools ToolCaller, gen Generator, cfg Config) *Specialist {
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.Confidence == (ConfidencePolicy{}) {
		cfg.Confidence = DefaultConfidence
	}
	if cfg.Composer == nil {
		cfg.Composer = composer.New(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Specialist{profile: p, retriever: r, tools: tools, gen: gen, cfg: cfg}
}

// Name returns the specialist's agent name.
func (s *Specialist) Name() Name { return s.profile.Name }

// Profile returns the profile the specialist was built from.
func (s *Specialist) Profile() Profile { return s.profile }

type toolResult struct {
	op     gateway.Operation
	output json.RawMessage
	record *trace.ToolCallRecord
	err    error
}

// Answer retrieves grounding from the specialist's partition, runs the
// profile's quantitative tool when triggered, and generates an attributed
// answer. Retrieval and the tool call run concurrently. Only a generation
// failure or cancellation of ctx is returned as an error; retrieval and
// tool failures degrade the response instead.
func (s *Specialist) Answer(ctx context.Context, q Query, tc *trace.Context) (Response, error) {
	if tc == nil {
		tc = trace.New()
	}
	name := string(s.profile.Name)
	ctx = trace.WithAgent(trace.NewContext(ctx, tc), name)
	log := s.cfg.Logger.With("correlation_id", tc.ID(), "agent", name)

	var (
		hits    retrieval.RetrievalResult
		retrErr error
		tool    *toolResult
	)

	var g errgroup.Group
	g.Go(func() error {
		hits, retrErr = s.retriever.Retrieve(ctx, q.Text, s.profile.Partition, s.cfg.TopK)
		return nil
	})
	if s.profile.Trigger != nil && s.profile.Trigger(q.Text) {
		tool = &toolResult{}
		g.Go(func() error {
			s.runTool(ctx, q.Text, tool)
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return Response{}, fmt.Errorf("%s: %w", name, err)
	}

	resp := Response{Agent: s.profile.Name, Citations: []string{}, ToolCalls: []trace.ToolCallRecord{}}

	if retrErr != nil {
		log.Warn("retrieval failed", "error", retrErr)
		hits = retrieval.RetrievalResult{Partition: s.profile.Partition}
	}
	retained := hits.Above(s.cfg.MinSimilarity)

	req := composer.Request{
		Persona:      s.profile.Persona,
		Instructions: s.profile.Template,
		Query:        q.Text,
		Chunks:       retained.Hits,
	}

	outcome := toolNone
	if tool != nil {
		req.ToolOperation = string(tool.op)
		if tool.record != nil {
			resp.ToolCalls = append(resp.ToolCalls, *tool.record)
		}
		if tool.err != nil {
			outcome = toolFailed
			req.ToolUnavailable = true
			resp.QuantitativeUnavailable = true
			resp.Caveats = append(resp.Caveats, CaveatQuantitativeUnavailable)
			var inErr *gateway.ToolInputError
			if errors.As(tool.err, &inErr) {
				resp.Caveats = append(resp.Caveats, fmt.Sprintf("The model service rejected the %s parameters: %s", tool.op, inErr.Detail))
			}
			log.Info("answering in degraded mode", "operation", tool.op, "error", tool.err)
		} else {
			outcome = toolSucceeded
			req.ToolOutput = tool.output
		}
	}

	prompt := s.cfg.Composer.Compose(req)

	cites := make([]trace.Citation, 0, len(prompt.Used))
	scores := make([]float32, 0, len(prompt.Used))
	for _, h := range prompt.Used {
		resp.Citations = append(resp.Citations, h.ID)
		scores = append(scores, h.Score)
		cites = append(cites, trace.Citation{ChunkID: h.ID, Partition: string(h.Partition), Score: h.Score})
	}
	tc.RecordRetrieval(name, cites)

	if len(prompt.Used) == 0 {
		resp.InsufficientGrounding = true
		resp.Caveats = append(resp.Caveats, CaveatInsufficientGrounding)
		s.cfg.Metrics.EmptyRetrieval(string(s.profile.Partition))
	}
	resp.Confidence = s.cfg.Confidence.Score(scores, outcome)

	answer, err := s.gen.Chat(ctx, s.cfg.Model, prompt.Messages, nil)
	if err != nil {
		return Response{}, fmt.Errorf("%s: generating answer: %w", name, err)
	}
	resp.Answer = strings.TrimSpace(answer)

	if s.profile.Annotate != nil {
		var out json.RawMessage
		if tool != nil && tool.err == nil {
			out = tool.output
		}
		s.profile.Annotate(&resp, out)
	}

	log.Debug("answered",
		"citations", len(resp.Citations),
		"tool_calls", len(resp.ToolCalls),
		"confidence", resp.Confidence,
	)
	return resp, nil
}

func (s *Specialist) runTool(ctx context.Context, text string, out *toolResult) {
	op, payload := s.profile.Tool.Request(text)
	out.op = op
	if s.tools == nil {
		out.err = &gateway.ToolUnavailableError{Operation: op, Reason: "no tool gateway configured"}
		return
	}
	result, rec, err := s.tools.Call(ctx, op, payload)
	out.record = &rec
	out.output = result
	out.err = err
}
