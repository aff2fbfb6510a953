package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/regcopilot/internal/agent"
	"github.com/kalambet/regcopilot/internal/intent"
	"github.com/kalambet/regcopilot/internal/metrics"
	"github.com/kalambet/regcopilot/internal/storage"
	"github.com/kalambet/regcopilot/internal/trace"
)

// RoutingKind says how a query reached its agents.
type RoutingKind string

const (
	RoutingDirect      RoutingKind = "direct"
	RoutingSingle      RoutingKind = "single"
	RoutingMultiDomain RoutingKind = "multi-domain"
)

// RoutingDecision is the routing outcome recorded for a request.
type RoutingDecision struct {
	Kind       RoutingKind        `json:"kind"`
	Rationale  string             `json:"rationale"`
	Candidates []intent.Candidate `json:"candidates,omitempty"`
}

// AgentFailure is a dispatched agent that produced no response.
type AgentFailure struct {
	Agent    agent.Name `json:"agent"`
	Error    string     `json:"error"`
	TimedOut bool       `json:"timed_out"`
}

// Result is the attributed answer to one query. Responses from different
// agents are never merged.
type Result struct {
	CorrelationID string           `json:"correlation_id"`
	Primary       agent.Response   `json:"primary"`
	Secondary     []agent.Response `json:"secondary"`
	Failures      []AgentFailure   `json:"failures,omitempty"`
	Routing       RoutingDecision  `json:"routing"`
}

// Answerer is a specialist as seen by the orchestrator.
type Answerer interface {
	Answer(ctx context.Context, q agent.Query, tc *trace.Context) (agent.Response, error)
}

// TraceSink persists finished traces.
type TraceSink interface {
	SaveTrace(ctx context.Context, t storage.TraceRecord) error
}

// Config holds routing tunables. TieBreakMargin and MinConfidence are used
// as given, zero included; start from DefaultConfig for the usual values.
type Config struct {
	TieBreakMargin float64
	MinConfidence  float64
	AgentTimeout   time.Duration
	Metrics        *metrics.Metrics
	Traces         TraceSink
	Logger         *slog.Logger
}

// Defaults applied by DefaultConfig. AgentTimeout alone falls back to its
// default when left zero.
const (
	DefaultTieBreakMargin = 0.10
	DefaultMinConfidence  = 0.25
	DefaultAgentTimeout   = 30 * time.Second
)

// DefaultConfig returns the routing tunables with their default values.
func DefaultConfig() Config {
	return Config{
		TieBreakMargin: DefaultTieBreakMargin,
		MinConfidence:  DefaultMinConfidence,
		AgentTimeout:   DefaultAgentTimeout,
	}
}

// scoreEpsilon absorbs float error when comparing score gaps to the margin.
const scoreEpsilon = 1e-9

// Orchestrator classifies queries, dispatches them to specialists and
// assembles an attributed result.
type Orchestrator struct {
	agents     map[agent.Name]Answerer
	classifier intent.Classifier
	cfg        Config
}

// New creates an Orchestrator. agents must only use specialist names.
func New(agents map[agent.Name]Answerer, classifier intent.Classifier, cfg Config) (*Orchestrator, error) {
	if len(agents) == 0 {
		return nil, errors.New("orchestrator: no agents configured")
	}
	for n, a := range agents {
		if !n.Specialist() {
			return nil, fmt.Errorf("orchestrator: %w %q", agent.ErrUnknownAgent, n)
		}
		if a == nil {
			return nil, fmt.Errorf("orchestrator: agent %s is nil", n)
		}
	}
	if classifier == nil {
		classifier = intent.NewKeywordClassifier()
	}
	if cfg.TieBreakMargin < 0 || cfg.TieBreakMargin > 1 {
		return nil, fmt.Errorf("orchestrator: tie-break margin %v outside [0,1]", cfg.TieBreakMargin)
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return nil, fmt.Errorf("orchestrator: minimum confidence %v outside [0,1]", cfg.MinConfidence)
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = DefaultAgentTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{agents: agents, classifier: classifier, cfg: cfg}, nil
}

// Route answers q. See RouteTrace.
func (o *Orchestrator) Route(ctx context.Context, q agent.Query) (Result, error) {
	res, _, err := o.RouteTrace(ctx, q)
	return res, err
}

// RouteTrace answers q and also returns the request trace. The trace is nil
// only when the query was rejected as invalid, since validation happens
// before any trace is created.
//
// An explicit target agent bypasses classification. Otherwise the top
// candidate is dispatched, together with the runner-up when the two are
// within the tie-break margin. Exactly one routing entry is written per
// request.
func (o *Orchestrator) RouteTrace(ctx context.Context, q agent.Query) (Result, *trace.Context, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return Result{}, nil, fmt.Errorf("%w: query text is empty", ErrInvalidQuery)
	}
	target := agent.Auto
	if q.TargetAgent != "" {
		n, err := agent.ParseName(string(q.TargetAgent))
		if err != nil {
			return Result{}, nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		target = n
	}
	query := agent.Query{Text: text, TargetAgent: target}

	start := time.Now()
	tc := trace.New()
	log := o.cfg.Logger.With("correlation_id", tc.ID())

	decision, dispatch, err := o.decide(trace.NewContext(ctx, tc), query, tc)
	tc.RecordRouting(decision.Rationale)
	if err != nil {
		var noRoute *NoConfidentRouteError
		if errors.As(err, &noRoute) {
			o.cfg.Metrics.RoutingDecision("no_route")
		}
		log.Info("routing failed", "error", err)
		o.persist(ctx, tc, query, decision.Kind, "", "failed")
		return Result{}, tc, err
	}
	o.cfg.Metrics.RoutingDecision(string(decision.Kind))
	log.Info("routing", "kind", decision.Kind, "agents", dispatch)

	outcomes := o.dispatch(ctx, query, tc, dispatch)
	if err := ctx.Err(); err != nil {
		return Result{}, tc, fmt.Errorf("routing canceled: %w", err)
	}

	res := Result{CorrelationID: tc.ID(), Routing: decision, Secondary: []agent.Response{}}
	primary := -1
	for i, out := range outcomes {
		if out.err != nil {
			tc.RecordAgentFailure(string(out.agent), out.err)
			res.Failures = append(res.Failures, AgentFailure{
				Agent:    out.agent,
				Error:    out.err.Error(),
				TimedOut: errors.Is(out.err, context.DeadlineExceeded),
			})
			o.cfg.Metrics.AgentOutcome(string(out.agent), outcomeLabel(out.err))
			log.Warn("agent failed", "agent", out.agent, "error", out.err)
			continue
		}
		o.cfg.Metrics.AgentOutcome(string(out.agent), "ok")
		// Outcomes are in classifier rank order, so a strict comparison
		// keeps the better-ranked agent on equal confidence.
		if primary < 0 || out.resp.Confidence > outcomes[primary].resp.Confidence {
			primary = i
		}
	}

	if primary < 0 {
		o.persist(ctx, tc, query, decision.Kind, "", "failed")
		first := outcomes[0]
		return Result{}, tc, &AgentExecutionError{Agent: first.agent, Cause: first.err}
	}

	res.Primary = outcomes[primary].resp
	for i, out := range outcomes {
		if i != primary && out.err == nil {
			res.Secondary = append(res.Secondary, out.resp)
		}
	}

	o.cfg.Metrics.RequestDuration(string(decision.Kind), time.Since(start))
	o.persist(ctx, tc, query, decision.Kind, string(res.Primary.Agent), "completed")
	log.Info("routed",
		"primary", res.Primary.Agent,
		"secondary", len(res.Secondary),
		"failures", len(res.Failures),
		"elapsed", time.Since(start),
	)
	return res, tc, nil
}

// decide picks the agents to dispatch, in rank order. The returned
// decision carries a rationale even when err is non-nil.
func (o *Orchestrator) decide(ctx context.Context, q agent.Query, tc *trace.Context) (RoutingDecision, []agent.Name, error) {
	if q.TargetAgent != agent.Auto {
		return RoutingDecision{
			Kind:      RoutingDirect,
			Rationale: fmt.Sprintf("direct dispatch to %s: target agent set by caller", q.TargetAgent),
		}, []agent.Name{q.TargetAgent}, nil
	}

	cl, err := o.classifier.Classify(ctx, q.Text)
	if err != nil {
		decision := RoutingDecision{Rationale: "classification failed: " + err.Error()}
		if ctx.Err() != nil {
			return decision, nil, fmt.Errorf("routing canceled: %w", ctx.Err())
		}
		return decision, nil, fmt.Errorf("classifying query: %w", err)
	}
	cands := o.available(cl.Candidates)
	tc.RecordClassification(fmt.Sprintf("%s: %s", cl.Method, cl.Summary))

	if len(cands) == 0 || cands[0].Score < o.cfg.MinConfidence {
		rationale := fmt.Sprintf("no confident route: no candidate reached %.2f", o.cfg.MinConfidence)
		if len(cands) > 0 {
			rationale = fmt.Sprintf("no confident route: top candidate %s scored %.2f, below %.2f",
				cands[0].Agent, cands[0].Score, o.cfg.MinConfidence)
		}
		return RoutingDecision{Rationale: rationale, Candidates: cands}, nil,
			&NoConfidentRouteError{Candidates: cands, MinConfidence: o.cfg.MinConfidence}
	}

	top := cands[0]
	if len(cands) > 1 {
		second := cands[1]
		if second.Score >= o.cfg.MinConfidence && top.Score-second.Score <= o.cfg.TieBreakMargin+scoreEpsilon {
			return RoutingDecision{
				Kind: RoutingMultiDomain,
				Rationale: fmt.Sprintf("multi-domain: %s %.2f and %s %.2f within tie-break margin %.2f",
					top.Agent, top.Score, second.Agent, second.Score, o.cfg.TieBreakMargin),
				Candidates: cands,
			}, []agent.Name{top.Agent, second.Agent}, nil
		}
	}

	rationale := fmt.Sprintf("single: %s scored %.2f", top.Agent, top.Score)
	if len(cands) > 1 {
		rationale += fmt.Sprintf("; next %s %.2f", cands[1].Agent, cands[1].Score)
	}
	return RoutingDecision{Kind: RoutingSingle, Rationale: rationale, Candidates: cands}, []agent.Name{top.Agent}, nil
}

// available drops candidates with no configured agent, keeping rank order.
func (o *Orchestrator) available(cands []intent.Candidate) []intent.Candidate {
	out := make([]intent.Candidate, 0, len(cands))
	for _, c := range cands {
		if _, ok := o.agents[c.Agent]; ok {
			out = append(out, c)
		}
	}
	return out
}

type outcome struct {
	agent agent.Name
	resp  agent.Response
	err   error
}

// dispatch runs the agents concurrently. Each branch writes only its own
// slot and never fails the group, so one agent's error cannot cancel
// another.
func (o *Orchestrator) dispatch(ctx context.Context, q agent.Query, tc *trace.Context, names []agent.Name) []outcome {
	outcomes := make([]outcome, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, n := range names {
		g.Go(func() error {
			outcomes[i] = o.invoke(gctx, q, tc, n)
			return nil
		})
	}
	g.Wait()
	return outcomes
}

func (o *Orchestrator) invoke(ctx context.Context, q agent.Query, tc *trace.Context, n agent.Name) outcome {
	a, ok := o.agents[n]
	if !ok {
		return outcome{agent: n, err: fmt.Errorf("agent %s is not configured", n)}
	}

	actx, cancel := context.WithTimeout(ctx, o.cfg.AgentTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		resp, err := a.Answer(actx, q, tc)
		done <- outcome{agent: n, resp: resp, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			out.err = fmt.Errorf("timed out after %s: %w", o.cfg.AgentTimeout, out.err)
		}
		return out
	case <-actx.Done():
		err := actx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", o.cfg.AgentTimeout, err)
		}
		return outcome{agent: n, err: err}
	}
}

func outcomeLabel(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}

func (o *Orchestrator) persist(ctx context.Context, tc *trace.Context, q agent.Query, kind RoutingKind, primary, status string) {
	if o.cfg.Traces == nil || ctx.Err() != nil {
		return
	}
	entries, err := json.Marshal(tc.Entries())
	if err != nil {
		o.cfg.Logger.Warn("encoding trace", "correlation_id", tc.ID(), "error", err)
		return
	}
	rec := storage.TraceRecord{
		CorrelationID: tc.ID(),
		CreatedAt:     tc.Started(),
		Query:         q.Text,
		RoutingKind:   string(kind),
		PrimaryAgent:  primary,
		Status:        status,
		EntriesJSON:   string(entries),
	}
	if err := o.cfg.Traces.SaveTrace(ctx, rec); err != nil {
		o.cfg.Logger.Warn("saving trace", "correlation_id", tc.ID(), "error", err)
	}
}
