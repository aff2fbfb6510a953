package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/regcopilot/internal/engine"
	"github.com/kalambet/regcopilot/internal/gateway"
	"github.com/kalambet/regcopilot/internal/retrieval"
	"github.com/kalambet/regcopilot/internal/trace"
)

type mockRetriever struct {
	retrieveFn func(ctx context.Context, text string, p retrieval.Partition, topK int) (retrieval.RetrievalResult, error)
}

func (m *mockRetriever) Retrieve(ctx context.Context, text string, p retrieval.Partition, topK int) (retrieval.RetrievalResult, error) {
	return m.retrieveFn(ctx, text, p, topK)
}

type mockTools struct {
	calls  atomic.Int32
	callFn func(ctx context.Context, op gateway.Operation, payload any) (json.RawMessage, error)
}

// Call records into the trace the way the real gateway does.
func (m *mockTools) Call(ctx context.Context, op gateway.Operation, payload any) (json.RawMessage, trace.ToolCallRecord, error) {
	m.calls.Add(1)
	in, _ := json.Marshal(payload)
	out, err := m.callFn(ctx, op, payload)
	rec := trace.ToolCallRecord{Operation: string(op), Input: in, Latency: time.Millisecond}
	if err != nil {
		rec.FailureReason = err.Error()
	} else {
		rec.Output = out
	}
	if tc := trace.FromContext(ctx); tc != nil {
		tc.RecordToolCall(trace.AgentFrom(ctx), rec)
	}
	return out, rec, err
}

type mockGenerator struct {
	chatFn func(ctx context.Context, messages []engine.Message) (string, error)
}

func (m *mockGenerator) Chat(ctx context.Context, model string, messages []engine.Message, _ *engine.Schema) (string, error) {
	return m.chatFn(ctx, messages)
}

// echoGenerator answers with the system prompt so tests can see what the
// model was given.
func echoGenerator() *mockGenerator {
	return &mockGenerator{chatFn: func(_ context.Context, msgs []engine.Message) (string, error) {
		return msgs[0].Content, nil
	}}
}

func hit(id string, p retrieval.Partition, score float32) retrieval.ScoredChunk {
	return retrieval.ScoredChunk{
		Chunk: retrieval.Chunk{ID: id, Partition: p, SourceDocument: "doc", Text: "passage " + id},
		Score: score,
	}
}

func fixedRetriever(hits ...retrieval.ScoredChunk) *mockRetriever {
	return &mockRetriever{retrieveFn: func(_ context.Context, _ string, p retrieval.Partition, _ int) (retrieval.RetrievalResult, error) {
		return retrieval.RetrievalResult{Partition: p, Hits: hits}, nil
	}}
}

var testCfg = Config{Model: "test-model", TopK: 5, MinSimilarity: 0.35}

func TestParseName(t *testing.T) {
	tests := []struct {
		in      string
		want    Name
		wantErr bool
	}{
		{"", Auto, false},
		{"auto", Auto, false},
		{"Capital", Capital, false},
		{" ops ", Ops, false},
		{"treasury", "", true},
	}
	for _, tt := range tests {
		got, err := ParseName(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseName(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseName(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if tt.wantErr && !errors.Is(err, ErrUnknownAgent) {
			t.Errorf("expected ErrUnknownAgent, got %v", err)
		}
	}
}

func TestAnswer_RetrievalOnly(t *testing.T) {
	r := fixedRetriever(
		hit("r1", retrieval.PartitionRegulatory, 0.9),
		hit("r2", retrieval.PartitionRegulatory, 0.7),
		hit("low", retrieval.PartitionRegulatory, 0.2),
	)
	tools := &mockTools{}
	s := New(RegulatoryProfile(), r, tools, echoGenerator(), testCfg)

	tc := trace.New()
	resp, err := s.Answer(context.Background(), Query{Text: "What does SR 11-7 require for model validation?"}, tc)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	if resp.Agent != Regulatory {
		t.Errorf("agent = %q", resp.Agent)
	}
	if strings.Join(resp.Citations, ",") != "r1,r2" {
		t.Errorf("citations = %v, want [r1 r2]", resp.Citations)
	}
	if len(resp.ToolCalls) != 0 || tools.calls.Load() != 0 {
		t.Error("regulatory specialist must not call tools")
	}
	if resp.InsufficientGrounding {
		t.Error("unexpected insufficient grounding")
	}
	// 0.6*0.9 + 0.4*0.8
	if diff := resp.Confidence - 0.86; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("confidence = %v, want 0.86", resp.Confidence)
	}

	got := tc.Citations()
	if strings.Join(got, ",") != "r1,r2" {
		t.Errorf("trace citations = %v", got)
	}
	if e := tc.EntriesOf(trace.KindRetrieval); len(e) != 1 || e[0].Agent != "regulatory" {
		t.Errorf("retrieval entries = %+v", e)
	}
}

func TestAnswer_InsufficientGrounding(t *testing.T) {
	s := New(OpsProfile(), fixedRetriever(hit("weak", retrieval.PartitionOps, 0.1)), nil, echoGenerator(), testCfg)

	resp, err := s.Answer(context.Background(), Query{Text: "How do we track drift?"}, trace.New())
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !resp.InsufficientGrounding {
		t.Error("expected insufficient grounding")
	}
	if len(resp.Citations) != 0 {
		t.Errorf("citations = %v, want none", resp.Citations)
	}
	if resp.Confidence > DefaultConfidence.GroundingCap {
		t.Errorf("confidence %v above cap", resp.Confidence)
	}
	if !containsString(resp.Caveats, CaveatInsufficientGrounding) {
		t.Errorf("caveats = %v", resp.Caveats)
	}
	if len(resp.Recommendations) != len(MonitoringPlan) {
		t.Errorf("ops recommendations = %v", resp.Recommendations)
	}
}

func TestAnswer_RetrievalErrorDegrades(t *testing.T) {
	r := &mockRetriever{retrieveFn: func(context.Context, string, retrieval.Partition, int) (retrieval.RetrievalResult, error) {
		return retrieval.RetrievalResult{}, errors.New("store offline")
	}}
	s := New(RegulatoryProfile(), r, nil, echoGenerator(), testCfg)

	resp, err := s.Answer(context.Background(), Query{Text: "SR 11-7"}, trace.New())
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !resp.InsufficientGrounding {
		t.Error("expected insufficient grounding after retrieval failure")
	}
}

func TestAnswer_ToolSuccess(t *testing.T) {
	tools := &mockTools{callFn: func(_ context.Context, op gateway.Operation, payload any) (json.RawMessage, error) {
		if op != gateway.OpComputeCECL {
			t.Errorf("operation = %q, want compute_cecl", op)
		}
		req, ok := payload.(ScenarioRequest)
		if !ok {
			t.Errorf("payload type %T", payload)
		}
		if req.Parameters["pd"] != 0.02 {
			t.Errorf("pd = %v", req.Parameters["pd"])
		}
		return json.RawMessage(`{"calculated_provision":1250000}`), nil
	}}
	s := New(CapitalProfile(), fixedRetriever(hit("c1", retrieval.PartitionCapital, 0.8)), tools, echoGenerator(), testCfg)

	tc := trace.New()
	resp, err := s.Answer(context.Background(), Query{Text: "Calculate the CECL provision with pd=2%"}, tc)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(resp.ToolCalls) != 1 || !resp.ToolCalls[0].Succeeded() {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if !strings.Contains(resp.Answer, "1250000") {
		t.Errorf("tool output not given to the generator:\n%s", resp.Answer)
	}
	if resp.QuantitativeUnavailable {
		t.Error("unexpected degraded flag")
	}
	// 0.6*0.8 + 0.4*0.8 + 0.15
	if diff := resp.Confidence - 0.95; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("confidence = %v, want 0.95", resp.Confidence)
	}
	if got := tc.ToolCalls("capital"); len(got) != 1 {
		t.Errorf("trace tool calls = %d, want 1", len(got))
	}
}

func TestAnswer_ToolUnavailableDegrades(t *testing.T) {
	tools := &mockTools{callFn: func(context.Context, gateway.Operation, any) (json.RawMessage, error) {
		return nil, &gateway.ToolUnavailableError{Operation: gateway.OpDisparateImpact, Reason: "timeout"}
	}}
	s := New(FairnessProfile(), fixedRetriever(hit("f1", retrieval.PartitionFairness, 0.8)), tools, echoGenerator(), testCfg)

	resp, err := s.Answer(context.Background(), Query{Text: "Test the scorecard for disparate impact"}, trace.New())
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !resp.QuantitativeUnavailable {
		t.Error("expected QuantitativeUnavailable")
	}
	if !containsString(resp.Caveats, CaveatQuantitativeUnavailable) {
		t.Errorf("caveats = %v", resp.Caveats)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Succeeded() || len(resp.ToolCalls[0].Output) != 0 {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if !strings.Contains(resp.Answer, "was unavailable") {
		t.Errorf("generator was not told the tool was unavailable:\n%s", resp.Answer)
	}
	if resp.RiskLevel != RiskUnknown {
		t.Errorf("risk level = %q, want UNKNOWN", resp.RiskLevel)
	}
	// 0.8 * 0.85
	if diff := resp.Confidence - 0.68; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("confidence = %v, want 0.68", resp.Confidence)
	}
}

func TestAnswer_ToolInputErrorCaveat(t *testing.T) {
	tools := &mockTools{callFn: func(context.Context, gateway.Operation, any) (json.RawMessage, error) {
		return nil, &gateway.ToolInputError{Operation: gateway.OpComputeRWA, Status: 400, Detail: "exposure must be positive"}
	}}
	s := New(CapitalProfile(), fixedRetriever(), tools, echoGenerator(), testCfg)

	resp, err := s.Answer(context.Background(), Query{Text: "Compute RWA for exposure -5"}, trace.New())
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !resp.QuantitativeUnavailable {
		t.Error("expected QuantitativeUnavailable")
	}
	if tools.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", tools.calls.Load())
	}
	found := false
	for _, c := range resp.Caveats {
		if strings.Contains(c, "exposure must be positive") {
			found = true
		}
	}
	if !found {
		t.Errorf("caveats = %v", resp.Caveats)
	}
}

func TestAnswer_NoGatewayConfigured(t *testing.T) {
	s := New(CapitalProfile(), fixedRetriever(), nil, echoGenerator(), testCfg)
	resp, err := s.Answer(context.Background(), Query{Text: "Calculate CECL"}, trace.New())
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !resp.QuantitativeUnavailable || len(resp.ToolCalls) != 0 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestAnswer_FairnessRiskLevel(t *testing.T) {
	tools := &mockTools{callFn: func(context.Context, gateway.Operation, any) (json.RawMessage, error) {
		return json.RawMessage(`{"disparate_impact_ratios":{"race":0.78,"gender":0.92}}`), nil
	}}
	s := New(FairnessProfile(), fixedRetriever(hit("f1", retrieval.PartitionFairness, 0.7)), tools, echoGenerator(), testCfg)

	resp, err := s.Answer(context.Background(), Query{Text: "Check for disparate impact by race"}, trace.New())
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if resp.RiskLevel != RiskHigh {
		t.Errorf("risk level = %q, want HIGH", resp.RiskLevel)
	}
}

func TestAnswer_RetrievalAndToolRunConcurrently(t *testing.T) {
	release := make(chan struct{})
	r := &mockRetriever{retrieveFn: func(ctx context.Context, _ string, p retrieval.Partition, _ int) (retrieval.RetrievalResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return retrieval.RetrievalResult{}, ctx.Err()
		}
		return retrieval.RetrievalResult{Partition: p}, nil
	}}
	tools := &mockTools{callFn: func(context.Context, gateway.Operation, any) (json.RawMessage, error) {
		// Retrieval is still blocked; this only returns if both run at once.
		close(release)
		return json.RawMessage(`{"rwa":1}`), nil
	}}
	s := New(CapitalProfile(), r, tools, echoGenerator(), testCfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.Answer(ctx, Query{Text: "Compute RWA"}, trace.New()); err != nil {
		t.Fatalf("Answer: %v", err)
	}
}

func TestAnswer_GenerationFailure(t *testing.T) {
	gen := &mockGenerator{chatFn: func(context.Context, []engine.Message) (string, error) {
		return "", errors.New("backend down")
	}}
	s := New(RegulatoryProfile(), fixedRetriever(hit("r1", retrieval.PartitionRegulatory, 0.9)), nil, gen, testCfg)

	_, err := s.Answer(context.Background(), Query{Text: "SR 11-7"}, trace.New())
	if err == nil || !strings.Contains(err.Error(), "backend down") {
		t.Fatalf("expected generation error, got %v", err)
	}
}

func TestAnswer_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New(RegulatoryProfile(), fixedRetriever(), nil, echoGenerator(), testCfg)

	_, err := s.Answer(ctx, Query{Text: "SR 11-7"}, trace.New())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestAnswer_CitationsFollowComposerBudget(t *testing.T) {
	big := hit("big", retrieval.PartitionRegulatory, 0.9)
	big.Text = strings.Repeat("x", 4000)
	cfg := testCfg
	cfg.Composer = nil
	s := New(RegulatoryProfile(), fixedRetriever(big, hit("small", retrieval.PartitionRegulatory, 0.8)), nil, echoGenerator(), cfg)
	s.cfg.Composer.MaxContextTokens = 300

	tc := trace.New()
	resp, err := s.Answer(context.Background(), Query{Text: "q"}, tc)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if strings.Join(resp.Citations, ",") != "small" {
		t.Errorf("citations = %v, want only chunks shown to the model", resp.Citations)
	}
	if got := strings.Join(tc.Citations(), ","); got != "small" {
		t.Errorf("trace citations = %s, want the cited set", got)
	}
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
