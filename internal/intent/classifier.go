package intent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/regcopilot/internal/agent"
)

// Candidate is one agent with its classification score in [0,1].
type Candidate struct {
	Agent agent.Name `json:"agent"`
	Score float64    `json:"score"`
}

// Classification is a ranked candidate list plus a short explanation.
type Classification struct {
	Candidates []Candidate
	Method     string
	Summary    string
}

// Top returns the highest ranked candidate, or the zero value.
func (c Classification) Top() Candidate {
	if len(c.Candidates) == 0 {
		return Candidate{}
	}
	return c.Candidates[0]
}

// Classifier ranks the specialists for a query. Implementations return
// every specialist, best first, ties in canonical agent order.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// KeywordClassifier scores a query against each profile's domain signature.
// It is deterministic.
type KeywordClassifier struct {
	profiles []agent.Profile
}

// NewKeywordClassifier uses the given profiles, or agent.Profiles() when
// none are passed.
func NewKeywordClassifier(profiles ...agent.Profile) *KeywordClassifier {
	if len(profiles) == 0 {
		profiles = agent.Profiles()
	}
	return &KeywordClassifier{profiles: profiles}
}

func (k *KeywordClassifier) Classify(_ context.Context, text string) (Classification, error) {
	cands := make([]Candidate, 0, len(k.profiles))
	var parts []string
	for _, p := range k.profiles {
		score := p.Signature.Score(text)
		cands = append(cands, Candidate{Agent: p.Name, Score: score})
		if m := p.Signature.Matched(text); len(m) > 0 {
			parts = append(parts, fmt.Sprintf("%s=%.2f [%s]", p.Name, score, strings.Join(m, ", ")))
		}
	}
	rank(cands)

	summary := "no domain terms matched"
	if len(parts) > 0 {
		summary = strings.Join(parts, "; ")
	}
	return Classification{Candidates: cands, Method: "keyword", Summary: summary}, nil
}

// rank sorts by score descending, breaking ties by canonical agent order.
func rank(cands []Candidate) {
	order := make(map[agent.Name]int, len(agent.Names))
	for i, n := range agent.Names {
		order[n] = i
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return order[cands[i].Agent] < order[cands[j].Agent]
	})
}
