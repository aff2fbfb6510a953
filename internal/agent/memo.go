package agent

import (
	"fmt"
	"strings"
	"text/template"
	"time"
)

const rule = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

var memoTmpl = template.Must(template.New("memo").Funcs(template.FuncMap{
	"pct": func(f float64) string { return fmt.Sprintf("%.0f%%", f*100) },
	"inc": func(i int) int { return i + 1 },
}).Parse(`{{.Header.Title}}

TO:      {{.Header.To}}
FROM:    {{.Header.From}}
RE:      {{.Header.Re}}
DATE:    {{.Date}}

{{.Rule}}

SUMMARY

{{.Resp.Answer}}

CONFIDENCE: {{pct .Resp.Confidence}}{{if .Resp.InsufficientGrounding}} (insufficient grounding){{end}}
{{- if .Resp.RiskLevel}}
RISK LEVEL: {{.Resp.RiskLevel}}
{{- end}}
{{- if .Resp.ToolCalls}}

QUANTITATIVE ANALYSIS:
{{- range .Resp.ToolCalls}}
- {{.Operation}}: {{if .Succeeded}}completed{{else}}unavailable{{end}}
{{- end}}
{{- end}}
{{- if .Resp.Caveats}}

CAVEATS:
{{- range .Resp.Caveats}}
- {{.}}
{{- end}}
{{- end}}
{{- if .Resp.Recommendations}}

RECOMMENDATIONS:
{{- range $i, $r := .Resp.Recommendations}}
{{inc $i}}. {{$r}}
{{- end}}
{{- end}}

SOURCES:
{{- range .Resp.Citations}}
- [{{.}}]
{{- else}}
- none
{{- end}}

{{.Rule}}
`))

// RenderMemo formats resp as the committee memo of its specialist.
func RenderMemo(resp Response, date time.Time) (string, error) {
	p, ok := ProfileFor(resp.Agent)
	if !ok {
		return "", fmt.Errorf("rendering memo: %w %q", ErrUnknownAgent, resp.Agent)
	}
	var sb strings.Builder
	err := memoTmpl.Execute(&sb, struct {
		Header MemoHeader
		Date   string
		Rule   string
		Resp   Response
	}{p.Memo, date.Format("2006-01-02"), rule, resp})
	if err != nil {
		return "", fmt.Errorf("rendering memo: %w", err)
	}
	return sb.String(), nil
}
