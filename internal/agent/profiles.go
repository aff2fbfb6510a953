package agent

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/kalambet/regcopilot/internal/gateway"
	"github.com/kalambet/regcopilot/internal/retrieval"
)

// Profile declares everything that distinguishes one specialist from
// another. Trigger is nil for retrieval-only specialists.
type Profile struct {
	Name      Name
	Partition retrieval.Partition
	Persona   string
	Template  string
	Signature Signature
	Trigger   func(text string) bool
	Tool      ToolPlan
	// Annotate adds domain fields to a finished response. toolOutput is nil
	// unless the tool call succeeded.
	Annotate func(resp *Response, toolOutput json.RawMessage)
	Memo     MemoHeader
}

// ToolPlan turns a triggering query into a structured tool request.
type ToolPlan struct {
	Request func(text string) (gateway.Operation, any)
}

// MemoHeader addresses the committee memo for a specialist.
type MemoHeader struct {
	Title string
	To    string
	From  string
	Re    string
}

// Profiles returns the four specialist profiles in canonical order.
func Profiles() []Profile {
	return []Profile{RegulatoryProfile(), CapitalProfile(), FairnessProfile(), OpsProfile()}
}

// ProfileFor returns the profile for n.
func ProfileFor(n Name) (Profile, bool) {
	for _, p := range Profiles() {
		if p.Name == n {
			return p, true
		}
	}
	return Profile{}, false
}

func RegulatoryProfile() Profile {
	return Profile{
		Name:      Regulatory,
		Partition: retrieval.PartitionRegulatory,
		Persona: "You are a senior risk officer specializing in regulatory model validation at a large bank. " +
			"Your expertise covers SR 11-7 model risk management, OCC 2011-12, Basel III/IV requirements, " +
			"conceptual soundness assessment, ongoing monitoring and outcomes analysis.",
		Template: "Give precise guidance and cite the specific regulatory sections that support each requirement.",
		Signature: Signature{
			{"sr 11-7", 0.5},
			{"model validation", 0.4},
			{"model risk", 0.35},
			{"occ 2011-12", 0.4},
			{"conceptual soundness", 0.35},
			{"supervisory guidance", 0.3},
			{"outcomes analysis", 0.3},
			{"validation", 0.2},
			{"backtesting", 0.2},
			{"governance", 0.2},
			{"basel", 0.2},
			{"regulation", 0.15},
			{"model", 0.1},
		},
		Memo: MemoHeader{
			Title: "MODEL VALIDATION MEMORANDUM",
			To:    "Model Risk Management Committee",
			From:  "Regulatory Specialist",
			Re:    "Model validation guidance",
		},
	}
}

var capitalTerms = []string{
	"calculate", "compute", "estimate", "provision", "rwa", "cecl",
	"loss", "capital ratio", "stress", "stressed",
}

func CapitalProfile() Profile {
	return Profile{
		Name:      Capital,
		Partition: retrieval.PartitionCapital,
		Persona: "You are a senior capital strategy officer at a large bank. Your expertise covers CECL methodology, " +
			"risk-weighted assets under Basel III/IV, stress testing (CCAR/DFAST), and Tier 1, Tier 2 and CET1 ratios.",
		Template: "Be quantitative and precise. Quote figures only from the quantitative result, and cite the Basel " +
			"requirements and accounting standards that apply.",
		Signature: Signature{
			{"cecl", 0.5},
			{"rwa", 0.5},
			{"risk weighted", 0.45},
			{"ccar", 0.4},
			{"dfast", 0.4},
			{"cet1", 0.4},
			{"stress test", 0.4},
			{"provision", 0.35},
			{"capital", 0.35},
			{"credit loss", 0.35},
			{"tier 1", 0.35},
			{"lending", 0.35},
			{"allowance", 0.25},
			{"stressed", 0.25},
			{"basel", 0.2},
			{"loan", 0.2},
			{"portfolio", 0.15},
			{"calculate", 0.1},
		},
		Trigger: func(text string) bool {
			return MatchesAny(text, capitalTerms...) || len(ScenarioParameters(text)) > 0
		},
		Tool: ToolPlan{Request: capitalRequest},
		Memo: MemoHeader{
			Title: "CAPITAL IMPACT ANALYSIS NOTE",
			To:    "Chief Risk Officer / ALCO",
			From:  "Capital Specialist",
			Re:    "Capital impact assessment",
		},
	}
}

var fairnessTerms = []string{
	"disparate", "bias", "discrimination", "fairness", "ecoa",
	"protected class", "adverse action", "redlining",
}

func FairnessProfile() Profile {
	return Profile{
		Name:      Fairness,
		Partition: retrieval.PartitionFairness,
		Persona: "You are a fair lending compliance officer at a large bank. Your expertise covers ECOA and Regulation B, " +
			"disparate impact testing, adverse action notices, protected class analysis and redlining.",
		Template: "Be analytical and evidence based. Cite the specific ECOA and Regulation B provisions, and state " +
			"statistical findings only from the quantitative result.",
		Signature: Signature{
			{"ecoa", 0.5},
			{"fair lending", 0.45},
			{"regulation b", 0.45},
			{"reg b", 0.45},
			{"redlining", 0.45},
			{"disparate impact", 0.4},
			{"protected class", 0.4},
			{"adverse action", 0.4},
			{"equal credit", 0.4},
			{"discrimination", 0.35},
			{"fairness", 0.35},
			{"bias", 0.3},
		},
		Trigger: func(text string) bool {
			return MatchesAny(text, fairnessTerms...)
		},
		Tool:     ToolPlan{Request: fairnessRequest},
		Annotate: annotateFairness,
		Memo: MemoHeader{
			Title: "FAIR LENDING ASSESSMENT MEMORANDUM",
			To:    "Fair Lending Compliance Committee",
			From:  "Fairness Specialist",
			Re:    "Fair lending analysis",
		},
	}
}

// MonitoringPlan is the standing operational checklist attached to every
// ops answer.
var MonitoringPlan = []string{
	"Monitor model performance metrics daily",
	"Track data quality scores (>95% completeness target)",
	"Alert on drift detection (PSI > 0.25)",
	"Review model logs for anomalies",
}

func OpsProfile() Profile {
	return Profile{
		Name:      Ops,
		Partition: retrieval.PartitionOps,
		Persona: "You are an operational risk officer specializing in model operations. Your expertise covers drift " +
			"detection, data quality, performance degradation, operational resilience and automated monitoring.",
		Template: "Be operational and action oriented. Give specific recommendations backed by the cited passages.",
		Signature: Signature{
			{"drift", 0.45},
			{"data quality", 0.45},
			{"psi", 0.4},
			{"resilience", 0.4},
			{"performance degradation", 0.4},
			{"outage", 0.35},
			{"operational", 0.35},
			{"monitoring", 0.3},
			{"incident", 0.3},
			{"sla", 0.3},
			{"latency", 0.25},
			{"alert", 0.25},
			{"pipeline", 0.2},
		},
		Annotate: func(resp *Response, _ json.RawMessage) {
			resp.Recommendations = append([]string(nil), MonitoringPlan...)
		},
		Memo: MemoHeader{
			Title: "OPERATIONAL RISK NOTE",
			To:    "Model Operations Steering Group",
			From:  "Ops Specialist",
			Re:    "Model operations review",
		},
	}
}

// ScenarioRequest is the payload for capital computations.
type ScenarioRequest struct {
	Scenario   string             `json:"scenario"`
	Label      string             `json:"label,omitempty"`
	Parameters map[string]float64 `json:"parameters,omitempty"`
	Query      string             `json:"query"`
}

// FairnessRequest is the payload for disparate impact testing.
type FairnessRequest struct {
	ProtectedClasses []string           `json:"protected_classes"`
	Threshold        float64            `json:"threshold"`
	Parameters       map[string]float64 `json:"parameters,omitempty"`
	Query            string             `json:"query"`
}

// AdverseImpactThreshold is the four-fifths rule ratio.
const AdverseImpactThreshold = 0.80

func capitalRequest(text string) (gateway.Operation, any) {
	op := gateway.OpComputeCECL
	switch {
	case MatchesAny(text, "cecl", "provision", "allowance", "credit loss"):
	case MatchesAny(text, "rwa", "risk weighted", "capital ratio", "cet1"):
		op = gateway.OpComputeRWA
	case MatchesAny(text, "stress", "stress test", "ccar", "dfast"):
		op = gateway.OpRunStressTest
	}
	return op, ScenarioRequest{
		Scenario:   scenarioOf(text),
		Label:      scenarioLabel(text),
		Parameters: ScenarioParameters(text),
		Query:      text,
	}
}

func fairnessRequest(text string) (gateway.Operation, any) {
	var classes []string
	for _, c := range []string{"race", "ethnicity", "gender", "sex", "age", "marital status", "national origin", "religion"} {
		if MatchesAny(text, c) {
			classes = append(classes, strings.ReplaceAll(c, " ", "_"))
		}
	}
	if len(classes) == 0 {
		classes = []string{"race", "gender", "age"}
	}
	return gateway.OpDisparateImpact, FairnessRequest{
		ProtectedClasses: classes,
		Threshold:        AdverseImpactThreshold,
		Parameters:       ScenarioParameters(text),
		Query:            text,
	}
}

func scenarioOf(text string) string {
	switch {
	case MatchesAny(text, "severely adverse", "severe", "recession"):
		return "severely_adverse"
	case MatchesAny(text, "adverse", "stress", "stressed", "downturn"):
		return "adverse"
	}
	return "baseline"
}

var labelRe = regexp.MustCompile(`(?i)\bscenario\s+([A-Z0-9][\w-]*)`)

func scenarioLabel(text string) string {
	m := labelRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

var paramRe = regexp.MustCompile(`(?i)\b(pd|lgd|ead|exposure|unemployment|gdp|hpi|horizon|rate)\b\s*(?:=|:|of|at|is|to)?\s*\$?(-?\d[\d,]*(?:\.\d+)?)\s*(%|(?:bn|b|m|k)\b)?`)

// ScenarioParameters extracts named numeric parameters such as "pd=2%",
// "exposure $50m" or "unemployment 10" from text. Percentages become
// fractions and k/m/bn suffixes are expanded.
func ScenarioParameters(text string) map[string]float64 {
	matches := paramRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	params := make(map[string]float64, len(matches))
	for _, m := range matches {
		v, err := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", ""), 64)
		if err != nil {
			continue
		}
		switch strings.ToLower(m[3]) {
		case "%":
			v /= 100
		case "k":
			v *= 1e3
		case "m":
			v *= 1e6
		case "b", "bn":
			v *= 1e9
		}
		params[strings.ToLower(m[1])] = v
	}
	if len(params) == 0 {
		return nil
	}
	return params
}

// Fair lending risk levels.
const (
	RiskUnknown  = "UNKNOWN"
	RiskLow      = "LOW"
	RiskMedium   = "MEDIUM"
	RiskHigh     = "HIGH"
	RiskCritical = "CRITICAL"
)

// RiskLevel grades the smallest disparate impact ratio in a tool result.
func RiskLevel(toolOutput json.RawMessage) string {
	if len(toolOutput) == 0 {
		return RiskUnknown
	}
	var out struct {
		Ratios map[string]float64 `json:"disparate_impact_ratios"`
	}
	if err := json.Unmarshal(toolOutput, &out); err != nil || len(out.Ratios) == 0 {
		return RiskUnknown
	}
	minRatio := math.Inf(1)
	for _, r := range out.Ratios {
		minRatio = math.Min(minRatio, r)
	}
	switch {
	case minRatio < 0.70:
		return RiskCritical
	case minRatio < 0.80:
		return RiskHigh
	case minRatio < 0.90:
		return RiskMedium
	}
	return RiskLow
}

func annotateFairness(resp *Response, toolOutput json.RawMessage) {
	resp.RiskLevel = RiskLevel(toolOutput)
}
