package trace

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EntryKind classifies a trace entry.
type EntryKind string

const (
	KindRouting        EntryKind = "routing"
	KindClassification EntryKind = "classification"
	KindRetrieval      EntryKind = "retrieval"
	KindToolCall       EntryKind = "tool_call"
	KindAgentFailure   EntryKind = "agent_failure"
)

// ToolCallRecord describes one Tool Gateway invocation. Output is empty when
// FailureReason is set.
type ToolCallRecord struct {
	Operation     string          `json:"operation"`
	Input         json.RawMessage `json:"input,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Latency       time.Duration   `json:"latency_ns"`
}

// Succeeded reports whether the call produced an output.
func (r ToolCallRecord) Succeeded() bool {
	return r.FailureReason == ""
}

// Citation is a chunk returned by one retrieval call.
type Citation struct {
	ChunkID   string  `json:"chunk_id"`
	Partition string  `json:"partition"`
	Score     float32 `json:"score"`
}

// Entry is one append-only record in a request trace.
type Entry struct {
	Seq       uint64          `json:"seq"`
	Kind      EntryKind       `json:"kind"`
	Agent     string          `json:"agent,omitempty"`
	At        time.Time       `json:"at"`
	Rationale string          `json:"rationale,omitempty"`
	Citations []Citation      `json:"citations,omitempty"`
	ToolCall  *ToolCallRecord `json:"tool_call,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Context carries the correlation id and the append-only entry log for a
// single request. It is safe for concurrent use by the branches of one
// request. Entries are never modified after Append returns.
type Context struct {
	id      string
	started time.Time

	mu      sync.Mutex
	nextSeq uint64
	entries []Entry
}

// New returns a Context with a fresh correlation id.
func New() *Context {
	return &Context{
		id:      uuid.New().String(),
		started: time.Now().UTC(),
	}
}

// ID returns the correlation id.
func (c *Context) ID() string { return c.id }

// Started returns the time the context was created.
func (c *Context) Started() time.Time { return c.started }

// Append assigns the next sequence number to e, stores it and returns the
// number. Seq and At set by the caller are overwritten.
func (c *Context) Append(e Entry) uint64 {
	if e.Citations != nil {
		e.Citations = append([]Citation(nil), e.Citations...)
	}
	if e.ToolCall != nil {
		tc := *e.ToolCall
		e.ToolCall = &tc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSeq++
	e.Seq = c.nextSeq
	e.At = time.Now().UTC()
	c.entries = append(c.entries, e)
	return e.Seq
}

// RecordRouting appends the routing rationale for the request.
func (c *Context) RecordRouting(rationale string) uint64 {
	return c.Append(Entry{Kind: KindRouting, Rationale: rationale})
}

// RecordClassification appends the classifier output summary.
func (c *Context) RecordClassification(summary string) uint64 {
	return c.Append(Entry{Kind: KindClassification, Rationale: summary})
}

// RecordRetrieval appends the chunks an agent retrieved.
func (c *Context) RecordRetrieval(agent string, cites []Citation) uint64 {
	return c.Append(Entry{Kind: KindRetrieval, Agent: agent, Citations: cites})
}

// RecordToolCall appends a tool call record attributed to agent.
func (c *Context) RecordToolCall(agent string, rec ToolCallRecord) uint64 {
	return c.Append(Entry{Kind: KindToolCall, Agent: agent, ToolCall: &rec})
}

// RecordAgentFailure appends a failed agent invocation.
func (c *Context) RecordAgentFailure(agent string, err error) uint64 {
	return c.Append(Entry{Kind: KindAgentFailure, Agent: agent, Error: err.Error()})
}

// Entries returns a copy of all entries in sequence order.
func (c *Context) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// EntriesOf returns a copy of the entries of the given kind.
func (c *Context) EntriesOf(kind EntryKind) []Entry {
	var out []Entry
	for _, e := range c.Entries() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Citations returns every chunk id retrieved during the request, in
// retrieval order, without duplicates.
func (c *Context) Citations() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, e := range c.EntriesOf(KindRetrieval) {
		for _, ct := range e.Citations {
			if !seen[ct.ChunkID] {
				seen[ct.ChunkID] = true
				ids = append(ids, ct.ChunkID)
			}
		}
	}
	return ids
}

// ToolCalls returns the tool call records attributed to agent, or all of
// them when agent is empty.
func (c *Context) ToolCalls(agent string) []ToolCallRecord {
	var out []ToolCallRecord
	for _, e := range c.EntriesOf(KindToolCall) {
		if agent != "" && e.Agent != agent {
			continue
		}
		out = append(out, *e.ToolCall)
	}
	return out
}

// Snapshot is the serialisable form of a finished trace.
type Snapshot struct {
	CorrelationID string    `json:"correlation_id"`
	Started       time.Time `json:"started"`
	Entries       []Entry   `json:"entries"`
}

// Snapshot returns a copy of the trace suitable for persistence.
func (c *Context) Snapshot() Snapshot {
	return Snapshot{CorrelationID: c.id, Started: c.started, Entries: c.Entries()}
}

type ctxKey int

const (
	traceKey ctxKey = iota
	agentKey
)

// NewContext returns a copy of ctx carrying tc.
func NewContext(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, traceKey, tc)
}

// FromContext returns the trace carried by ctx, or nil.
func FromContext(ctx context.Context) *Context {
	tc, _ := ctx.Value(traceKey).(*Context)
	return tc
}

// WithAgent returns a copy of ctx attributing work to the named agent.
func WithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, agentKey, agent)
}

// AgentFrom returns the agent name set by WithAgent, or "".
func AgentFrom(ctx context.Context) string {
	a, _ := ctx.Value(agentKey).(string)
	return a
}
