package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/regcopilot/internal/metrics"
	"github.com/kalambet/regcopilot/internal/trace"
	"github.com/sethvargo/go-retry"
)

// Operation names a computation exposed by the quantitative model service.
type Operation string

const (
	OpComputeCECL     Operation = "compute_cecl"
	OpComputeRWA      Operation = "compute_rwa"
	OpRunStressTest   Operation = "run_stress_test"
	OpDisparateImpact Operation = "disparate_impact"
)

// Known reports whether op is an operation the service exposes.
func (op Operation) Known() bool {
	switch op {
	case OpComputeCECL, OpComputeRWA, OpRunStressTest, OpDisparateImpact:
		return true
	}
	return false
}

const (
	defaultTimeout = 5 * time.Second
	defaultBackoff = 200 * time.Millisecond
	maxBodyBytes   = 1 << 20
)

// Config configures a Client.
type Config struct {
	BaseURL  string
	APIToken string
	// Timeout bounds each attempt. Zero means 5s.
	Timeout time.Duration
	// Backoff is the delay before the single retry. Zero means 200ms.
	Backoff    time.Duration
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
}

// Client invokes quantitative operations on the model service.
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	backoff    time.Duration
	httpClient *http.Client
	metrics    *metrics.Metrics
}

// New creates a Client from cfg.
func New(cfg Config) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.APIToken,
		timeout:    cfg.Timeout,
		backoff:    cfg.Backoff,
		httpClient: cfg.HTTPClient,
		metrics:    cfg.Metrics,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.backoff <= 0 {
		c.backoff = defaultBackoff
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	return c
}

type invokeRequest struct {
	OperationName Operation       `json:"operation_name"`
	Payload       json.RawMessage `json:"payload"`
}

type invokeResponse struct {
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorDetail string          `json:"error_detail,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
}

// Invoke runs operation with payload and returns the raw result.
func (c *Client) Invoke(ctx context.Context, operation Operation, payload any) (json.RawMessage, error) {
	out, _, err := c.Call(ctx, operation, payload)
	return out, err
}

// Call is Invoke that also returns the ToolCallRecord describing the final
// outcome. Exactly one record is produced per call and appended to the trace
// carried by ctx, attributed to the agent set with trace.WithAgent.
// Unavailable failures are retried once.
func (c *Client) Call(ctx context.Context, operation Operation, payload any) (json.RawMessage, trace.ToolCallRecord, error) {
	start := time.Now()
	rec := trace.ToolCallRecord{Operation: string(operation)}

	out, err := c.call(ctx, operation, payload, &rec)

	rec.Latency = time.Since(start)
	if err != nil {
		rec.FailureReason = err.Error()
		rec.Output = nil
	} else {
		rec.Output = out
	}
	if tc := trace.FromContext(ctx); tc != nil {
		tc.RecordToolCall(trace.AgentFrom(ctx), rec)
	}
	c.metrics.ToolCall(string(operation), outcome(err), rec.Latency)

	if err != nil {
		slog.Warn("tool call failed", "operation", operation, "agent", trace.AgentFrom(ctx), "error", err)
		return nil, rec, err
	}
	return out, rec, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsInput(err):
		return "input_error"
	case IsUnavailable(err):
		return "unavailable"
	default:
		return "canceled"
	}
}

func (c *Client) call(ctx context.Context, operation Operation, payload any, rec *trace.ToolCallRecord) (json.RawMessage, error) {
	if !operation.Known() {
		return nil, &ToolInputError{Operation: operation, Detail: "unknown operation"}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &ToolInputError{Operation: operation, Detail: fmt.Sprintf("encoding payload: %v", err)}
	}
	rec.Input = raw

	body, err := json.Marshal(invokeRequest{OperationName: operation, Payload: raw})
	if err != nil {
		return nil, &ToolInputError{Operation: operation, Detail: err.Error()}
	}

	var out json.RawMessage
	backoff := retry.WithMaxRetries(1, retry.NewExponential(c.backoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		var attemptErr error
		out, attemptErr = c.attempt(ctx, operation, body)
		if IsUnavailable(attemptErr) {
			return retry.RetryableError(attemptErr)
		}
		return attemptErr
	})
	if err != nil {
		if ctx.Err() != nil && !IsUnavailable(err) && !IsInput(err) {
			return nil, fmt.Errorf("tool %s: %w", operation, ctx.Err())
		}
		return nil, err
	}
	return out, nil
}

func (c *Client) attempt(ctx context.Context, operation Operation, body []byte) (json.RawMessage, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.baseURL+"/v1/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, &ToolInputError{Operation: operation, Detail: fmt.Sprintf("creating request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		reason := "network error"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		return nil, &ToolUnavailableError{Operation: operation, Reason: reason, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ToolUnavailableError{Operation: operation, Status: resp.StatusCode, Reason: "reading response", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &ToolUnavailableError{Operation: operation, Status: resp.StatusCode, Reason: fmt.Sprintf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return nil, &ToolInputError{Operation: operation, Status: resp.StatusCode, Detail: detailOf(data, resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &ToolUnavailableError{Operation: operation, Status: resp.StatusCode, Reason: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	var ir invokeResponse
	if err := json.Unmarshal(data, &ir); err != nil {
		return nil, &ToolUnavailableError{Operation: operation, Status: resp.StatusCode, Reason: "malformed response", Err: err}
	}
	switch ir.Status {
	case "ok":
		if len(ir.Result) == 0 || string(ir.Result) == "null" {
			return nil, &ToolUnavailableError{Operation: operation, Status: resp.StatusCode, Reason: "malformed response: missing result"}
		}
		return ir.Result, nil
	case "error":
		if ir.ErrorKind == "input" {
			return nil, &ToolInputError{Operation: operation, Status: resp.StatusCode, Detail: ir.ErrorDetail}
		}
		return nil, &ToolUnavailableError{Operation: operation, Status: resp.StatusCode, Reason: "service error: " + ir.ErrorDetail}
	default:
		return nil, &ToolUnavailableError{Operation: operation, Status: resp.StatusCode, Reason: fmt.Sprintf("malformed response: status %q", ir.Status)}
	}
}

func detailOf(data []byte, status int) string {
	var ir invokeResponse
	if json.Unmarshal(data, &ir) == nil && ir.ErrorDetail != "" {
		return ir.ErrorDetail
	}
	if s := strings.TrimSpace(string(data)); s != "" {
		return s
	}
	return fmt.Sprintf("status %d", status)
}

// Health probes GET /health on the model service.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("model service health: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model service health: status %d", resp.StatusCode)
	}
	return nil
}
