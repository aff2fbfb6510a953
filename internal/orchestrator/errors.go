package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/regcopilot/internal/agent"
	"github.com/kalambet/regcopilot/internal/intent"
)

// ErrInvalidQuery is returned before any routing when the query text is
// empty or the target agent is not recognised.
var ErrInvalidQuery = errors.New("invalid query")

// NoConfidentRouteError means no specialist scored above the confidence
// floor. The caller should ask the user to clarify.
type NoConfidentRouteError struct {
	Candidates    []intent.Candidate
	MinConfidence float64
}

func (e *NoConfidentRouteError) Error() string {
	parts := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		parts[i] = fmt.Sprintf("%s=%.2f", c.Agent, c.Score)
	}
	return fmt.Sprintf("no agent reached minimum confidence %.2f (%s)", e.MinConfidence, strings.Join(parts, ", "))
}

// AgentExecutionError means a required specialist failed or timed out.
type AgentExecutionError struct {
	Agent agent.Name
	Cause error
}

func (e *AgentExecutionError) Error() string {
	return fmt.Sprintf("agent %s failed: %v", e.Agent, e.Cause)
}

func (e *AgentExecutionError) Unwrap() error { return e.Cause }
