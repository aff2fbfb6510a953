package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/kalambet/regcopilot/internal/agent"
	"github.com/kalambet/regcopilot/internal/config"
	"github.com/kalambet/regcopilot/internal/ingest"
	"github.com/kalambet/regcopilot/internal/orchestrator"
	"github.com/kalambet/regcopilot/internal/retrieval"
	"github.com/kalambet/regcopilot/internal/storage"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the compliance co-pilot a question",
	Long: `Ask a question and get a grounded, cited answer.

Without --agent the question is classified and routed to the best
specialist, or to several when it spans domains.

Examples:
  regcopilot ask "What does SR 11-7 require for ongoing monitoring?"
  regcopilot ask --agent capital "Stress CET1 under a 300bp rate shock"
  regcopilot ask --agent fairness --memo "Is our approval model showing disparate impact?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("agent")
		memo, _ := cmd.Flags().GetBool("memo")
		asJSON, _ := cmd.Flags().GetBool("json")

		name, err := agent.ParseName(target)
		if err != nil {
			return fmt.Errorf("%w (want one of auto, %s)", err, joinNames(agent.Names))
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return ask(cmd.Context(), client, stdout, strings.Join(args, " "), name, memo, asJSON)
	},
}

func init() {
	askCmd.Flags().StringP("agent", "a", "auto", "target specialist: auto, regulatory, capital, fairness or ops")
	askCmd.Flags().Bool("memo", false, "render the answer as a committee memo")
	askCmd.Flags().Bool("json", false, "print the raw JSON result")
}

type memoResult struct {
	CorrelationID string              `json:"correlation_id"`
	Agent         agent.Name          `json:"agent"`
	Memo          string              `json:"memo"`
	Result        orchestrator.Result `json:"result"`
}

func ask(ctx context.Context, client *apiClient, w io.Writer, question string, target agent.Name, memo, asJSON bool) error {
	req := map[string]any{"query": question}

	if memo {
		resp, err := client.post(ctx, "/v1/memo/"+url.PathEscape(string(target)), req)
		if err != nil {
			return err
		}
		var res memoResult
		if err := decodeJSON(resp, &res); err != nil {
			return explainRouteError(err)
		}
		if asJSON {
			return printJSON(res)
		}
		fmt.Fprint(w, res.Memo)
		fmt.Fprintln(w, colorize(colorDim, "correlation id: "+res.CorrelationID))
		return nil
	}

	path := "/v1/query"
	if target != agent.Auto {
		path += "/" + url.PathEscape(string(target))
	}
	resp, err := client.post(ctx, path, req)
	if err != nil {
		return err
	}
	var res orchestrator.Result
	if err := decodeJSON(resp, &res); err != nil {
		return explainRouteError(err)
	}
	if asJSON {
		return printJSON(res)
	}
	renderResult(w, res)
	return nil
}

// explainRouteError adds guidance for the routing errors a user can act on.
func explainRouteError(err error) error {
	ae, ok := asAPIError(err)
	if !ok {
		return err
	}
	switch ae.Type {
	case "clarification_required":
		printWarning("The question did not clearly match a compliance domain.")
		for _, c := range ae.Candidates {
			printStatus(c.Agent, "%.2f (needs %.2f)", c.Score, ae.MinConfidence)
		}
		printStep("Rephrase the question or pass --agent to pick a specialist.")
		return errors.New("clarification required")
	case "agent_error":
		if ae.TimedOut {
			return fmt.Errorf("the %s specialist timed out", ae.Agent)
		}
		return fmt.Errorf("the %s specialist failed: %s", ae.Agent, ae.Message)
	}
	return err
}

func renderResult(w io.Writer, res orchestrator.Result) {
	renderResponse(w, res.Primary)

	for _, s := range res.Secondary {
		fmt.Fprintln(w)
		fmt.Fprintln(w, colorize(colorDim, strings.Repeat("─", 40)))
		renderResponse(w, s)
	}

	for _, f := range res.Failures {
		reason := f.Error
		if f.TimedOut {
			reason = "timed out"
		}
		fmt.Fprintln(w, colorize(colorYellow, fmt.Sprintf("⚠ %s specialist unavailable: %s", f.Agent, reason)))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, colorize(colorDim, fmt.Sprintf("routing: %s (%s)", res.Routing.Kind, res.Routing.Rationale)))
	fmt.Fprintln(w, colorize(colorDim, "correlation id: "+res.CorrelationID))
}

func renderResponse(w io.Writer, r agent.Response) {
	fmt.Fprintf(w, "%s  confidence %s\n\n", agentLabel(r.Agent), formatConfidence(r.Confidence))
	fmt.Fprintln(w, r.Answer)

	if r.RiskLevel != "" {
		fmt.Fprintf(w, "\n%s %s\n", colorize(colorBold, "Risk level:"), r.RiskLevel)
	}
	for _, tc := range r.ToolCalls {
		fmt.Fprintf(w, "%s %s %s\n", colorize(colorBold, "Tool:"), tc.Operation, toolState(tc))
	}
	for _, c := range r.Caveats {
		fmt.Fprintln(w, colorize(colorYellow, "⚠ "+c))
	}
	if len(r.Recommendations) > 0 {
		fmt.Fprintln(w, colorize(colorBold, "\nRecommendations:"))
		for i, rec := range r.Recommendations {
			fmt.Fprintf(w, "  %d. %s\n", i+1, rec)
		}
	}
	if len(r.Citations) > 0 {
		fmt.Fprintf(w, "\n%s %s\n", colorize(colorBold, "Sources:"), strings.Join(r.Citations, ", "))
	}
}

func joinNames(names []agent.Name) string {
	s := make([]string, len(names))
	for i, n := range names {
		s[i] = string(n)
	}
	return strings.Join(s, ", ")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search one knowledge partition",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		partition, _ := cmd.Flags().GetString("partition")
		limit, _ := cmd.Flags().GetInt("limit")

		if _, err := retrieval.ParsePartition(partition); err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return search(cmd.Context(), client, stdout, strings.Join(args, " "), partition, limit)
	},
}

func init() {
	searchCmd.Flags().StringP("partition", "p", "", "partition to search: regulatory, capital, fairness or ops")
	searchCmd.Flags().IntP("limit", "n", 5, "maximum number of results (1-50)")
	searchCmd.MarkFlagRequired("partition")
}

func search(ctx context.Context, client *apiClient, w io.Writer, query, partition string, limit int) error {
	resp, err := client.post(ctx, "/v1/search", map[string]any{
		"query":     query,
		"partition": partition,
		"limit":     limit,
	})
	if err != nil {
		return err
	}

	var res retrieval.RetrievalResult
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}
	if len(res.Hits) == 0 {
		printWarning("No passages found in %s.", partition)
		return nil
	}

	for i, h := range res.Hits {
		header := fmt.Sprintf("%d. %s  %.3f", i+1, h.ID, h.Score)
		fmt.Fprintln(w, colorize(colorBold, header))
		src := h.SourceDocument
		if h.Section != "" {
			src += " § " + h.Section
		}
		if !h.EffectiveDate.IsZero() {
			src += " (effective " + h.EffectiveDate.Format("2006-01-02") + ")"
		}
		fmt.Fprintln(w, colorize(colorDim, "   "+src))
		fmt.Fprintln(w, "   "+truncate(h.Text, 240))
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a document into a knowledge partition",
	Long: `Ingest a text, markdown, HTML or PDF document into one partition.

Examples:
  regcopilot ingest --file sr11-7.pdf --partition regulatory --source "SR 11-7" --effective-date 2011-04-04
  regcopilot ingest --file ecoa.md --partition fairness --source "Reg B" --section "1002.4" --async --wait`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		opts := ingestOptions{}
		opts.Partition, _ = cmd.Flags().GetString("partition")
		opts.Source, _ = cmd.Flags().GetString("source")
		opts.Title, _ = cmd.Flags().GetString("title")
		opts.Section, _ = cmd.Flags().GetString("section")
		opts.EffectiveDate, _ = cmd.Flags().GetString("effective-date")
		opts.Async, _ = cmd.Flags().GetBool("async")
		wait, _ := cmd.Flags().GetBool("wait")

		if file == "" {
			return fmt.Errorf("--file is required")
		}
		if _, err := retrieval.ParsePartition(opts.Partition); err != nil {
			return err
		}
		if opts.EffectiveDate != "" {
			if _, err := time.Parse("2006-01-02", opts.EffectiveDate); err != nil {
				return fmt.Errorf("--effective-date must be YYYY-MM-DD: %w", err)
			}
		}

		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		if len(data) > ingest.MaxDocumentBytes {
			return fmt.Errorf("%s is larger than %d bytes", file, ingest.MaxDocumentBytes)
		}
		if opts.Source == "" {
			opts.Source = filepath.Base(file)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req, err := buildIngestRequest(filepath.Base(file), data, opts)
		if err != nil {
			return err
		}
		if !opts.Async {
			return ingestSync(cmd.Context(), client, req)
		}

		jobID, err := submitIngest(cmd.Context(), client, req)
		if err != nil {
			return err
		}
		printSuccess("Queued ingestion job %s", jobID)
		if !wait {
			return nil
		}
		job, err := waitForJob(cmd.Context(), client, jobID, time.Second)
		if err != nil {
			return err
		}
		if job.State == ingest.JobFailed {
			return fmt.Errorf("ingestion failed: %s", job.Error)
		}
		printSuccess("Ingested %s into %s (%d chunks)", job.Document.ID, job.Document.Partition, job.Document.ChunkCount)
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringP("file", "f", "", "document to ingest")
	ingestCmd.Flags().StringP("partition", "p", "", "target partition: regulatory, capital, fairness or ops")
	ingestCmd.Flags().String("source", "", "source document name used in citations (default: file name)")
	ingestCmd.Flags().String("title", "", "document title")
	ingestCmd.Flags().String("section", "", "section reference")
	ingestCmd.Flags().String("effective-date", "", "effective date (YYYY-MM-DD)")
	ingestCmd.Flags().Bool("async", false, "queue the document and return immediately")
	ingestCmd.Flags().Bool("wait", false, "with --async, poll until the job finishes")
	ingestCmd.MarkFlagRequired("partition")
}

type ingestOptions struct {
	Partition     string
	Source        string
	Title         string
	Section       string
	EffectiveDate string
	Async         bool
}

// buildIngestRequest encodes data for POST /ingest. Textual content is sent
// as is; binary formats are base64 encoded.
func buildIngestRequest(filename string, data []byte, opts ingestOptions) (map[string]any, error) {
	contentType := ingest.DetectContentType(filename, data)
	switch contentType {
	case ingest.TypeText, ingest.TypeMarkdown, ingest.TypeHTML, ingest.TypePDF:
	default:
		return nil, fmt.Errorf("%s (%s): %w", filename, contentType, ingest.ErrUnsupportedType)
	}

	req := map[string]any{
		"partition":    opts.Partition,
		"source":       opts.Source,
		"content_type": contentType,
	}
	if opts.Title != "" {
		req["title"] = opts.Title
	}
	if opts.Section != "" {
		req["section"] = opts.Section
	}
	if opts.EffectiveDate != "" {
		req["effective_date"] = opts.EffectiveDate
	}
	if opts.Async {
		req["async"] = true
	}

	if contentType != ingest.TypePDF && utf8.Valid(data) {
		req["encoding"] = "text"
		req["content"] = string(data)
	} else {
		req["encoding"] = "base64"
		req["content"] = base64.StdEncoding.EncodeToString(data)
	}
	return req, nil
}

func ingestSync(ctx context.Context, client *apiClient, req map[string]any) error {
	resp, err := client.post(ctx, "/ingest", req)
	if err != nil {
		return err
	}
	var doc storage.Document
	if err := decodeJSON(resp, &doc); err != nil {
		return err
	}
	printSuccess("Ingested %s into %s (%d chunks)", doc.ID, doc.Partition, doc.ChunkCount)
	return nil
}

func submitIngest(ctx context.Context, client *apiClient, req map[string]any) (string, error) {
	resp, err := client.post(ctx, "/ingest", req)
	if err != nil {
		return "", err
	}
	var accepted struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	if err := decodeJSON(resp, &accepted); err != nil {
		return "", err
	}
	return accepted.JobID, nil
}

func getJob(ctx context.Context, client *apiClient, id string) (ingest.Job, error) {
	resp, err := client.get(ctx, "/ingest/jobs/"+url.PathEscape(id))
	if err != nil {
		return ingest.Job{}, err
	}
	var job ingest.Job
	if err := decodeJSON(resp, &job); err != nil {
		return ingest.Job{}, err
	}
	return job, nil
}

func waitForJob(ctx context.Context, client *apiClient, id string, interval time.Duration) (ingest.Job, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := getJob(ctx, client, id)
		if err != nil {
			return ingest.Job{}, err
		}
		if job.State == ingest.JobCompleted || job.State == ingest.JobFailed {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return ingest.Job{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

var jobCmd = &cobra.Command{
	Use:   "job <id>",
	Short: "Show the state of an ingestion job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		job, err := getJob(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		return printJSON(job)
	},
}

func init() {
	ingestCmd.AddCommand(jobCmd)
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:     "documents",
	Aliases: []string{"docs"},
	Short:   "List or delete ingested documents",
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingested documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		partition, _ := cmd.Flags().GetString("partition")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listDocuments(cmd.Context(), client, stdout, partition, limit)
	},
}

var documentsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a document and its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/documents/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted document %s", args[0])
		return nil
	},
}

func init() {
	documentsListCmd.Flags().StringP("partition", "p", "", "only list documents in this partition")
	documentsListCmd.Flags().IntP("limit", "n", 20, "maximum number of documents (max 100)")
	documentsCmd.AddCommand(documentsListCmd)
	documentsCmd.AddCommand(documentsDeleteCmd)
}

func listDocuments(ctx context.Context, client *apiClient, w io.Writer, partition string, limit int) error {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	if partition != "" {
		q.Set("partition", partition)
	}
	resp, err := client.get(ctx, "/documents?"+q.Encode())
	if err != nil {
		return err
	}
	var docs []storage.Document
	if err := decodeJSON(resp, &docs); err != nil {
		return err
	}
	if len(docs) == 0 {
		printWarning("No documents ingested yet.")
		return nil
	}
	for _, d := range docs {
		eff := "-"
		if !d.EffectiveDate.IsZero() {
			eff = d.EffectiveDate.Format("2006-01-02")
		}
		fmt.Fprintf(w, "%s  %-10s  %-10s  %3d chunks  %s\n",
			colorize(colorBold, d.ID), d.Partition, eff, d.ChunkCount, d.Source)
	}
	return nil
}

// --- trace ---

var traceCmd = &cobra.Command{
	Use:   "trace [correlation-id]",
	Short: "Show a request trace, or list recent traces",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			resp, err := client.get(cmd.Context(), "/traces/"+url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			var tr any
			if err := decodeJSON(resp, &tr); err != nil {
				return err
			}
			return printJSON(tr)
		}
		return listTraces(cmd.Context(), client, stdout, limit)
	},
}

func init() {
	traceCmd.Flags().IntP("limit", "n", 20, "number of recent traces to list")
}

func listTraces(ctx context.Context, client *apiClient, w io.Writer, limit int) error {
	resp, err := client.get(ctx, fmt.Sprintf("/traces?limit=%d", limit))
	if err != nil {
		return err
	}
	var traces []storage.TraceRecord
	if err := decodeJSON(resp, &traces); err != nil {
		return err
	}
	for _, t := range traces {
		agentName := t.PrimaryAgent
		if agentName == "" {
			agentName = "-"
		}
		fmt.Fprintf(w, "%s  %s  %-12s %-10s %s  %s\n",
			t.CreatedAt.Local().Format("2006-01-02 15:04"),
			colorize(colorBold, t.CorrelationID), t.RoutingKind, agentName, traceStatus(t.Status), truncate(t.Query, 60))
	}
	return nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Fprintf(stdout, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		fmt.Fprintln(stdout, colorize(colorDim, "  file: "+config.FilePath()))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value in the config file. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
