package composer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/regcopilot/internal/engine"
	"github.com/kalambet/regcopilot/internal/retrieval"
)

const defaultMaxContextTokens = 4000

const groundingRules = `Rules:
- Answer only from the numbered context passages and the quantitative result below.
- Cite every passage you rely on by its id in square brackets, e.g. [chunk-id].
- Never invent regulations, figures or citations that are not in the context.
- If the context does not support an answer, say that the available guidance is insufficient.`

// Composer assembles grounded prompts from an agent persona, retrieved
// chunks and an optional quantitative tool result.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for injected context.
// If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Request is everything one specialist contributes to a prompt.
type Request struct {
	Persona      string
	Instructions string
	Query        string
	Chunks       []retrieval.ScoredChunk

	ToolOperation   string
	ToolOutput      json.RawMessage
	ToolUnavailable bool
}

// Prompt is a composed chat prompt plus the chunks that fit the budget.
// Only Used chunks were shown to the model, so only they may be cited.
type Prompt struct {
	Messages []engine.Message
	Used     []retrieval.ScoredChunk
}

// Compose builds a system message with persona, rules, context and tool
// result, followed by the user query. Chunks are taken in the given order;
// a chunk that does not fit the remaining budget is skipped.
func (c *Composer) Compose(req Request) Prompt {
	var sb strings.Builder
	sb.WriteString(req.Persona)
	if req.Instructions != "" {
		sb.WriteString("\n\n")
		sb.WriteString(req.Instructions)
	}
	sb.WriteString("\n\n")
	sb.WriteString(groundingRules)

	tool := formatTool(req)

	contextHeader := "\n\n[Retrieved Context]\n"
	remaining := c.MaxContextTokens - EstimateTokens(tool) - EstimateTokens(contextHeader)

	var used []retrieval.ScoredChunk
	var entries []string
	for _, ch := range req.Chunks {
		entry := formatChunk(ch)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		entries = append(entries, entry)
		used = append(used, ch)
		remaining -= tokens
	}

	sb.WriteString(contextHeader)
	if len(entries) == 0 {
		sb.WriteString("(no relevant passages were found)\n")
	}
	for _, e := range entries {
		sb.WriteString(e)
	}
	sb.WriteString(tool)

	return Prompt{
		Messages: []engine.Message{
			{Role: "system", Content: sb.String()},
			{Role: "user", Content: req.Query},
		},
		Used: used,
	}
}

func formatChunk(ch retrieval.ScoredChunk) string {
	var meta []string
	meta = append(meta, "Source: "+ch.SourceDocument)
	if ch.Section != "" {
		meta = append(meta, "Section: "+ch.Section)
	}
	if !ch.EffectiveDate.IsZero() {
		meta = append(meta, "Effective: "+ch.EffectiveDate.Format("2006-01-02"))
	}
	meta = append(meta, fmt.Sprintf("Score: %.2f", ch.Score))
	return fmt.Sprintf("[%s] (%s)\n%s\n\n", ch.ID, strings.Join(meta, ", "), ch.Text)
}

func formatTool(req Request) string {
	switch {
	case req.ToolUnavailable:
		return fmt.Sprintf("\n[Quantitative Result]\n%s was unavailable. Do not state any computed figures.\n", req.ToolOperation)
	case len(req.ToolOutput) > 0:
		var buf bytes.Buffer
		if err := json.Indent(&buf, req.ToolOutput, "", "  "); err != nil {
			buf.Reset()
			buf.Write(req.ToolOutput)
		}
		return fmt.Sprintf("\n[Quantitative Result: %s]\n%s\n", req.ToolOperation, buf.String())
	}
	return ""
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
