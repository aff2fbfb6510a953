package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/kalambet/regcopilot/internal/agent"
	"github.com/kalambet/regcopilot/internal/trace"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

// Answers and listings go to stdout; notices go to stderr so piped output
// stays clean.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func notice(color, mark, format string, args ...any) {
	fmt.Fprintln(stderr, colorize(color, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { notice(colorGreen, "✓", format, args...) }
func printError(format string, args ...any)   { notice(colorRed, "✗", format, args...) }
func printWarning(format string, args ...any) { notice(colorYellow, "⚠", format, args...) }
func printStep(format string, args ...any)    { notice(colorCyan, "→", format, args...) }

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(stderr, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// agentLabel renders a specialist name as the "[name]" answer header.
func agentLabel(n agent.Name) string {
	return colorize(colorBold, "["+string(n)+"]")
}

// formatConfidence renders a 0..1 confidence as a percentage, green from
// 0.7 and yellow from 0.4.
func formatConfidence(c float64) string {
	color := colorRed
	switch {
	case c >= 0.7:
		color = colorGreen
	case c >= 0.4:
		color = colorYellow
	}
	return colorize(color, fmt.Sprintf("%.0f%%", c*100))
}

// toolState is "ok" for a successful tool call, else its failure reason.
func toolState(rec trace.ToolCallRecord) string {
	if rec.Succeeded() {
		return colorize(colorGreen, "ok")
	}
	return colorize(colorRed, rec.FailureReason)
}

// traceStatus highlights anything other than a completed request.
func traceStatus(status string) string {
	if status == "completed" {
		return colorize(colorGreen, status)
	}
	return colorize(colorRed, status)
}
