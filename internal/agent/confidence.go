package agent

// ConfidencePolicy turns retrieval scores and the tool outcome into an
// answer confidence in [0,1].
type ConfidencePolicy struct {
	TopWeight  float64 `json:"top_weight"`
	MeanWeight float64 `json:"mean_weight"`
	// ToolBonus is added when a tool call succeeded.
	ToolBonus float64 `json:"tool_bonus"`
	// ToolPenalty multiplies the score when a tool call failed.
	ToolPenalty float64 `json:"tool_penalty"`
	// GroundingCap bounds the score when nothing was retained.
	GroundingCap float64 `json:"grounding_cap"`
}

// DefaultConfidence is the policy used when none is configured.
var DefaultConfidence = ConfidencePolicy{
	TopWeight:    0.6,
	MeanWeight:   0.4,
	ToolBonus:    0.15,
	ToolPenalty:  0.85,
	GroundingCap: 0.2,
}

type toolOutcome int

const (
	toolNone toolOutcome = iota
	toolSucceeded
	toolFailed
)

// Score computes the confidence for the retained retrieval scores, which
// must be ordered best first.
func (p ConfidencePolicy) Score(scores []float32, tool toolOutcome) float64 {
	if len(scores) == 0 {
		c := 0.0
		if tool == toolSucceeded {
			c = p.ToolBonus
		}
		return clamp(min(c, p.GroundingCap))
	}

	var sum float64
	for _, s := range scores {
		sum += float64(s)
	}
	c := p.TopWeight*float64(scores[0]) + p.MeanWeight*sum/float64(len(scores))

	switch tool {
	case toolSucceeded:
		c += p.ToolBonus
	case toolFailed:
		c *= p.ToolPenalty
	}
	return clamp(c)
}

func clamp(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
