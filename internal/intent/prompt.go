package intent

import (
	"fmt"
	"strings"

	"github.com/kalambet/regcopilot/internal/agent"
	"github.com/kalambet/regcopilot/internal/engine"
)

const systemPromptTemplate = `You are a routing engine for a bank's compliance assistant. Score how relevant the user's query is to each specialist domain. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- Every score is a number between 0 and 1.
- Score a domain high only when the query clearly needs that specialist.
- A query may be relevant to two domains; score both.
- Give a score of 0 to domains the query does not touch.`

// BuildPrompt constructs the chat messages for query classification.
func BuildPrompt(query string, profiles []agent.Profile) []engine.Message {
	var sb strings.Builder
	sb.WriteString(systemPromptTemplate)
	sb.WriteString("\n\n[Domains]")
	for _, p := range profiles {
		fmt.Fprintf(&sb, "\n- %s: %s", p.Name, p.Persona)
	}

	return []engine.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: query},
	}
}
