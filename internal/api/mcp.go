package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/regcopilot/internal/agent"
	"github.com/kalambet/regcopilot/internal/orchestrator"
	"github.com/kalambet/regcopilot/internal/retrieval"
	"github.com/kalambet/regcopilot/internal/storage"
)

// TraceLister lists recently persisted traces.
type TraceLister interface {
	RecentTraces(ctx context.Context, limit int) ([]storage.TraceRecord, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Router   Router
	Searcher Searcher
	Traces   TraceLister // optional; the recent-traces resource is omitted when nil
}

// NewMCPServer creates an MCP server exposing the compliance tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"regcopilot",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("regcopilot: grounded answers on model risk, capital, fair lending and model operations questions, with citations."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask_compliance",
			mcp.WithDescription("Ask a compliance question. The question is routed to the matching specialist and answered with citations to regulatory passages."),
			mcp.WithString("query", mcp.Description("The compliance question"), mcp.Required()),
			mcp.WithString("agent",
				mcp.Description("Optional specialist to ask directly"),
				mcp.Enum("auto", "regulatory", "capital", "fairness", "ops"),
			),
		),
		mcpAskCompliance(deps),
	)

	s.AddTool(
		mcp.NewTool("search_regulations",
			mcp.WithDescription("Semantically search one partition of the regulatory document store."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("partition",
				mcp.Description("Document partition to search"),
				mcp.Enum("regulatory", "capital", "fairness", "ops"),
				mcp.Required(),
			),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchRegulations(deps),
	)

	if deps.Traces != nil {
		s.AddResource(
			mcp.NewResource(
				"traces://recent",
				"Recent Traces",
				mcp.WithResourceDescription("Last 10 routed queries with their routing kind and primary agent"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceRecentTraces(deps),
		)
	}

	return s
}

func mcpAskCompliance(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		target := agent.Name(req.GetString("agent", ""))

		res, err := deps.Router.Route(ctx, agent.Query{Text: query, TargetAgent: target})
		if err != nil {
			var noRoute *orchestrator.NoConfidentRouteError
			if errors.As(err, &noRoute) {
				return mcpError("The question did not clearly match a compliance domain. Rephrase it or pass an agent."), nil
			}
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearchRegulations(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		raw, err := req.RequireString("partition")
		if err != nil {
			return mcpError("partition is required"), nil
		}
		partition, err := retrieval.ParsePartition(raw)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		res, err := deps.Searcher.Retrieve(ctx, query, partition, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(res.Hits) == 0 {
			return mcpText("[]"), nil
		}

		type hit struct {
			ID            string  `json:"id"`
			Source        string  `json:"source"`
			Section       string  `json:"section,omitempty"`
			EffectiveDate string  `json:"effective_date,omitempty"`
			Text          string  `json:"text"`
			Score         float32 `json:"score"`
		}
		hits := make([]hit, len(res.Hits))
		for i, c := range res.Hits {
			hits[i] = hit{
				ID:      c.ID,
				Source:  c.SourceDocument,
				Section: c.Section,
				Text:    c.Text,
				Score:   c.Score,
			}
			if !c.EffectiveDate.IsZero() {
				hits[i].EffectiveDate = c.EffectiveDate.Format(time.DateOnly)
			}
		}

		b, err := json.Marshal(hits)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecentTraces(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		traces, err := deps.Traces.RecentTraces(ctx, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent traces: %w", err)
		}

		type traceSummary struct {
			CorrelationID string `json:"correlation_id"`
			CreatedAt     string `json:"created_at"`
			Query         string `json:"query"`
			RoutingKind   string `json:"routing_kind"`
			PrimaryAgent  string `json:"primary_agent,omitempty"`
			Status        string `json:"status"`
		}

		summaries := make([]traceSummary, len(traces))
		for i, t := range traces {
			query := t.Query
			if utf8.RuneCountInString(query) > 200 {
				runes := []rune(query)
				query = string(runes[:200]) + "..."
			}
			summaries[i] = traceSummary{
				CorrelationID: t.CorrelationID,
				CreatedAt:     t.CreatedAt.Format(time.RFC3339),
				Query:         query,
				RoutingKind:   t.RoutingKind,
				PrimaryAgent:  t.PrimaryAgent,
				Status:        t.Status,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal traces: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
