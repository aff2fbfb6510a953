package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/regcopilot/internal/agent"
	"github.com/kalambet/regcopilot/internal/config"
	"github.com/kalambet/regcopilot/internal/ingest"
	"github.com/kalambet/regcopilot/internal/trace"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

type cannedResponse struct {
	status int
	body   string
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	canned := make(map[string]cannedResponse, len(responses))
	for k, v := range responses {
		canned[k] = cannedResponse{status: http.StatusOK, body: v}
	}
	return newTestServerWithStatus(t, canned)
}

func newTestServerWithStatus(t *testing.T, responses map[string]cannedResponse) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(resp.status)
			w.Write([]byte(resp.body))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

func (ts *testServer) body(t *testing.T, i int) map[string]any {
	t.Helper()
	if len(ts.requests) <= i {
		t.Fatalf("expected at least %d requests, got %d", i+1, len(ts.requests))
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[i].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	return body
}

var ctx = context.Background()

func withNoColor(t *testing.T) {
	t.Helper()
	old := noColor
	noColor = true
	t.Cleanup(func() { noColor = old })
}

const sampleResult = `{
	"correlation_id": "corr-1",
	"primary": {
		"agent": "capital",
		"answer": "CET1 falls to 9.1% under the shock.",
		"citations": ["cap-1", "cap-2"],
		"tool_calls": [{"operation": "stress_test", "latency_ns": 1000}],
		"confidence": 0.82,
		"insufficient_grounding": false,
		"quantitative_unavailable": false,
		"risk_level": "MEDIUM",
		"recommendations": ["Raise the capital buffer"]
	},
	"secondary": [{
		"agent": "regulatory",
		"answer": "SR 11-7 requires effective challenge.",
		"citations": ["reg-1"],
		"tool_calls": [],
		"confidence": 0.4,
		"insufficient_grounding": false,
		"quantitative_unavailable": false
	}],
	"failures": [{"agent": "ops", "error": "deadline", "timed_out": true}],
	"routing": {"kind": "multi-domain", "rationale": "capital and regulatory within margin"}
}`

func TestAskCommand_Routed(t *testing.T) {
	withNoColor(t)
	ts := newTestServer(t, map[string]string{
		"POST /v1/query": sampleResult,
	})

	var out bytes.Buffer
	if err := ask(ctx, ts.client(), &out, "stress CET1 under a rate shock", agent.Auto, false, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := ts.requests[0]
	if r.Path != "/v1/query" {
		t.Errorf("path = %q, want /v1/query", r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	if q := ts.body(t, 0)["query"]; q != "stress CET1 under a rate shock" {
		t.Errorf("body.query = %v", q)
	}

	text := out.String()
	for _, want := range []string{
		"[capital]  confidence 82%",
		"CET1 falls to 9.1%",
		"Risk level: MEDIUM",
		"Tool: stress_test ok",
		"1. Raise the capital buffer",
		"Sources: cap-1, cap-2",
		"[regulatory]",
		"ops specialist unavailable: timed out",
		"routing: multi-domain",
		"correlation id: corr-1",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}

func TestAskCommand_DirectTarget(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/query/capital": sampleResult,
	})

	var out bytes.Buffer
	if err := ask(ctx, ts.client(), &out, "q", agent.Capital, false, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.requests[0].Path != "/v1/query/capital" {
		t.Errorf("path = %q, want /v1/query/capital", ts.requests[0].Path)
	}
}

func TestAskCommand_Memo(t *testing.T) {
	withNoColor(t)
	ts := newTestServer(t, map[string]string{
		"POST /v1/memo/auto": `{"correlation_id":"corr-9","agent":"fairness","memo":"FAIR LENDING MEMO\n\nSUMMARY\n","result":{}}`,
	})

	var out bytes.Buffer
	if err := ask(ctx, ts.client(), &out, "disparate impact?", agent.Auto, true, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "FAIR LENDING MEMO") {
		t.Errorf("memo not printed:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "correlation id: corr-9") {
		t.Errorf("correlation id not printed:\n%s", out.String())
	}
}

func TestAskCommand_ClarificationRequired(t *testing.T) {
	ts := newTestServerWithStatus(t, map[string]cannedResponse{
		"POST /v1/query": {
			status: http.StatusUnprocessableEntity,
			body: `{"error":{"type":"clarification_required","message":"rephrase",
				"candidates":[{"agent":"ops","score":0.2}],"min_confidence":0.25}}`,
		},
	})

	var out bytes.Buffer
	err := ask(ctx, ts.client(), &out, "hello", agent.Auto, false, false)
	if err == nil || !strings.Contains(err.Error(), "clarification required") {
		t.Fatalf("err = %v, want clarification required", err)
	}
	if out.Len() != 0 {
		t.Errorf("nothing should be printed to stdout, got %q", out.String())
	}
}

func TestAskCommand_AgentTimeout(t *testing.T) {
	ts := newTestServerWithStatus(t, map[string]cannedResponse{
		"POST /v1/query/ops": {
			status: http.StatusBadGateway,
			body:   `{"error":{"type":"agent_error","message":"ops: deadline exceeded","agent":"ops","timed_out":true}}`,
		},
	})

	err := ask(ctx, ts.client(), &bytes.Buffer{}, "drift?", agent.Ops, false, false)
	if err == nil || err.Error() != "the ops specialist timed out" {
		t.Fatalf("err = %v", err)
	}
}

func TestAskCommand_UnknownAgent(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ask", "--agent", "legal", "anything"})
	err := rootCmd.Execute()
	if !errors.Is(err, agent.ErrUnknownAgent) {
		t.Fatalf("err = %v, want ErrUnknownAgent", err)
	}
	askCmd.Flags().Set("agent", "auto")
}

func TestSearchCommand(t *testing.T) {
	withNoColor(t)
	ts := newTestServer(t, map[string]string{
		"POST /v1/search": `{"partition":"regulatory","hits":[
			{"id":"reg-1","document_id":"d1","partition":"regulatory","source_document":"SR 11-7","section":"V",
			 "effective_date":"2011-04-04T00:00:00Z","text":"Validation should include   evaluation of conceptual soundness.","created_at":"2026-01-01T00:00:00Z","score":0.91}]}`,
	})

	var out bytes.Buffer
	if err := search(ctx, ts.client(), &out, "conceptual soundness", "regulatory", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := ts.body(t, 0)
	if body["partition"] != "regulatory" || body["limit"] != float64(3) {
		t.Errorf("body = %v", body)
	}
	text := out.String()
	for _, want := range []string{"1. reg-1  0.910", "SR 11-7 § V (effective 2011-04-04)", "Validation should include evaluation"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}

func TestSearchCommand_NoHits(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/search": `{"partition":"ops","hits":[]}`,
	})
	var out bytes.Buffer
	if err := search(ctx, ts.client(), &out, "anything", "ops", 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("expected empty stdout, got %q", out.String())
	}
}

func TestBuildIngestRequest(t *testing.T) {
	opts := ingestOptions{Partition: "fairness", Source: "Reg B", Section: "1002.4", EffectiveDate: "2024-01-01"}

	t.Run("markdown is sent as text", func(t *testing.T) {
		req, err := buildIngestRequest("regb.md", []byte("# Reg B\n\nNo discrimination."), opts)
		if err != nil {
			t.Fatal(err)
		}
		if req["content_type"] != ingest.TypeMarkdown || req["encoding"] != "text" {
			t.Errorf("req = %v", req)
		}
		if req["content"] != "# Reg B\n\nNo discrimination." {
			t.Errorf("content = %v", req["content"])
		}
		if req["section"] != "1002.4" || req["effective_date"] != "2024-01-01" {
			t.Errorf("metadata missing: %v", req)
		}
		if _, ok := req["async"]; ok {
			t.Error("async should be omitted for sync ingestion")
		}
	})

	t.Run("pdf is base64 encoded", func(t *testing.T) {
		data := []byte("%PDF-1.4\n...")
		req, err := buildIngestRequest("sr11-7.pdf", data, ingestOptions{Partition: "regulatory", Source: "SR 11-7", Async: true})
		if err != nil {
			t.Fatal(err)
		}
		if req["encoding"] != "base64" || req["content"] != base64.StdEncoding.EncodeToString(data) {
			t.Errorf("req = %v", req)
		}
		if req["async"] != true {
			t.Error("async flag not forwarded")
		}
	})

	t.Run("unsupported type", func(t *testing.T) {
		zip := []byte("PK\x03\x04\x14\x00\x00\x00\x08\x00")
		_, err := buildIngestRequest("bundle.zip", zip, opts)
		if !errors.Is(err, ingest.ErrUnsupportedType) {
			t.Errorf("err = %v, want ErrUnsupportedType", err)
		}
	})
}

func TestIngestCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ingest"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestSubmitIngestAndWait(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/ingest":
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte(`{"job_id":"job-1","status":"queued"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/ingest/jobs/job-1":
			polls++
			if polls < 3 {
				w.Write([]byte(`{"id":"job-1","state":"running"}`))
				return
			}
			w.Write([]byte(`{"id":"job-1","state":"completed","document":{"id":"doc-1","partition":"ops","chunk_count":4}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	client := &apiClient{baseURL: srv.URL, token: "t", httpClient: srv.Client()}

	id, err := submitIngest(ctx, client, map[string]any{"partition": "ops", "async": true})
	if err != nil {
		t.Fatal(err)
	}
	if id != "job-1" {
		t.Fatalf("job id = %q", id)
	}

	job, err := waitForJob(ctx, client, id, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if job.State != ingest.JobCompleted || job.Document.ChunkCount != 4 {
		t.Errorf("job = %+v", job)
	}
	if polls != 3 {
		t.Errorf("polls = %d, want 3", polls)
	}
}

func TestWaitForJob_Canceled(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /ingest/jobs/job-2": `{"id":"job-2","state":"queued"}`,
	})
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err := waitForJob(cctx, ts.client(), "job-2", time.Hour)
	if err == nil {
		t.Fatal("expected error after cancel")
	}
}

func TestListDocuments(t *testing.T) {
	withNoColor(t)
	ts := newTestServer(t, map[string]string{
		"GET /documents": `[{"id":"doc-1","partition":"capital","source":"Basel III","effective_date":"2023-01-01T00:00:00Z","content_type":"text/plain","chunk_count":12,"created_at":"2026-01-01T00:00:00Z"}]`,
	})

	var out bytes.Buffer
	if err := listDocuments(ctx, ts.client(), &out, "capital", 10); err != nil {
		t.Fatal(err)
	}
	if ts.requests[0].Path != "/documents?limit=10&partition=capital" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
	if !strings.Contains(out.String(), "doc-1") || !strings.Contains(out.String(), "12 chunks") {
		t.Errorf("output = %q", out.String())
	}
}

func TestListTraces(t *testing.T) {
	withNoColor(t)
	ts := newTestServer(t, map[string]string{
		"GET /traces": `[{"correlation_id":"c-1","created_at":"2026-03-02T10:00:00Z","query":"What is SR 11-7?","routing_kind":"single","primary_agent":"regulatory","status":"completed"},
			{"correlation_id":"c-2","created_at":"2026-03-02T11:00:00Z","query":"hmm","routing_kind":"no_route","status":"failed"}]`,
	})

	var out bytes.Buffer
	if err := listTraces(ctx, ts.client(), &out, 5); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2:\n%s", len(lines), out.String())
	}
	if !strings.Contains(lines[0], "c-1") || !strings.Contains(lines[0], "regulatory") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "failed") || !strings.Contains(lines[1], " - ") {
		t.Errorf("line 1 = %q", lines[1])
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestCheckLines(t *testing.T) {
	withNoColor(t)
	lines := checkLines(map[string]readyCheck{
		"tool_gateway": {Status: "unavailable", Error: "connection refused"},
		"storage":      {Status: "ok", Critical: true},
	})
	if len(lines) != 2 {
		t.Fatalf("lines = %v", lines)
	}
	if !strings.Contains(lines[0], "storage: ok") {
		t.Errorf("lines[0] = %q", lines[0])
	}
	if !strings.Contains(lines[1], "tool_gateway: unavailable (connection refused)") {
		t.Errorf("lines[1] = %q", lines[1])
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestAnswerFormatting(t *testing.T) {
	withNoColor(t)

	if got := agentLabel(agent.Fairness); got != "[fairness]" {
		t.Errorf("agentLabel = %q", got)
	}
	for c, want := range map[float64]string{0.914: "91%", 0.4: "40%", 0: "0%"} {
		if got := formatConfidence(c); got != want {
			t.Errorf("formatConfidence(%v) = %q, want %q", c, got, want)
		}
	}
	if got := toolState(trace.ToolCallRecord{Operation: "compute_cecl"}); got != "ok" {
		t.Errorf("toolState(success) = %q", got)
	}
	if got := toolState(trace.ToolCallRecord{Operation: "compute_cecl", FailureReason: "timeout"}); got != "timeout" {
		t.Errorf("toolState(failure) = %q", got)
	}
	if got := traceStatus("failed"); got != "failed" {
		t.Errorf("traceStatus = %q", got)
	}
}

func TestNoticesGoToStderr(t *testing.T) {
	withNoColor(t)
	var errOut, out bytes.Buffer
	oldErr, oldOut := stderr, stdout
	stderr, stdout = &errOut, &out
	defer func() { stderr, stdout = oldErr, oldOut }()

	printWarning("No passages found in %s.", "capital")
	printStatus("Server", "running on port %d", 8000)

	if out.Len() != 0 {
		t.Errorf("stdout = %q, want empty", out.String())
	}
	want := "⚠ No passages found in capital.\n  Server: running on port 8000\n"
	if errOut.String() != want {
		t.Errorf("stderr = %q, want %q", errOut.String(), want)
	}
}

func TestAPIClient_NoTokenOmitsHeader(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /health": `{"status":"ok"}`})
	client := ts.client()
	client.token = ""

	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if ts.requests[0].Auth != "" {
		t.Errorf("auth = %q, want empty", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := newTestServerWithStatus(t, map[string]cannedResponse{
		"GET /documents": {status: http.StatusUnauthorized, body: `{"error":{"message":"invalid token","type":"authentication_error"}}`},
		"GET /traces":    {status: http.StatusInternalServerError, body: "boom"},
	})
	client := ts.client()

	resp, err := client.get(ctx, "/documents")
	if err != nil {
		t.Fatal(err)
	}
	err = decodeJSON(resp, &struct{}{})
	ae, ok := asAPIError(err)
	if !ok {
		t.Fatalf("err = %v, want *apiError", err)
	}
	if ae.Status != 401 || ae.Type != "authentication_error" || ae.Message != "invalid token" {
		t.Errorf("apiError = %+v", ae)
	}

	resp, err = client.get(ctx, "/traces")
	if err != nil {
		t.Fatal(err)
	}
	err = decodeJSON(resp, nil)
	if err == nil || !strings.Contains(err.Error(), "500") || !strings.Contains(err.Error(), "boom") {
		t.Errorf("err = %v", err)
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4000
	cfg.API.Token = "secret"

	keys := config.ShowAll(cfg)
	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4000" {
			found = true
		}
		if k.Key == "api.token" && k.Value == "secret" {
			t.Error("api.token must be masked")
		}
	}
	if !found {
		t.Error("expected to find server.port=4000 in ShowAll output")
	}
}

func TestCountLabel(t *testing.T) {
	tests := []struct {
		count, limit int
		want         string
	}{
		{5, 100, "5"},
		{0, 100, "0"},
		{100, 100, "100+"},
		{150, 100, "150+"},
	}
	for _, tt := range tests {
		got := countLabel(tt.count, tt.limit)
		if got != tt.want {
			t.Errorf("countLabel(%d, %d) = %q, want %q", tt.count, tt.limit, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("a  b\n c", 10); got != "a b c" {
		t.Errorf("got %q", got)
	}
	if got := truncate("ééééé", 3); got != "ééé..." {
		t.Errorf("got %q", got)
	}
}
