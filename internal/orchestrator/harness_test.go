package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode"

	"github.com/stretchr/testify/require"

	"github.com/kalambet/regcopilot/internal/agent"
	"github.com/kalambet/regcopilot/internal/engine"
	"github.com/kalambet/regcopilot/internal/gateway"
	"github.com/kalambet/regcopilot/internal/intent"
	"github.com/kalambet/regcopilot/internal/retrieval"
	"github.com/kalambet/regcopilot/internal/storage"
)

// vocabulary maps tokens onto embedding axes so that passages and queries
// sharing domain words land close together.
var vocabulary = [][]string{
	{"sr", "11", "7"},
	{"validation", "validate"},
	{"model", "models"},
	{"cecl", "provision", "provisions"},
	{"capital", "rwa"},
	{"stress", "stressed", "scenario", "scenarios"},
	{"disparate", "impact"},
	{"lending", "ecoa", "fair"},
	{"drift", "psi"},
	{"monitoring", "monitor"},
	{"data", "quality"},
}

func axisEmbed(text string) []float32 {
	v := make([]float32, len(vocabulary)+1)
	v[len(vocabulary)] = 0.1
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		for i, axis := range vocabulary {
			for _, w := range axis {
				if tok == w {
					v[i]++
				}
			}
		}
	}
	return v
}

// fakeEngine embeds with embedFn and answers by echoing the system prompt,
// which lets tests see exactly what grounding the model received.
type fakeEngine struct {
	embedFn func(text string) []float32
	chatFn  func(ctx context.Context, msgs []engine.Message) (string, error)
}

func (f *fakeEngine) Chat(ctx context.Context, _ string, msgs []engine.Message, _ *engine.Schema) (string, error) {
	if f.chatFn != nil {
		return f.chatFn(ctx, msgs)
	}
	return msgs[0].Content, nil
}

func (f *fakeEngine) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	if f.embedFn != nil {
		return f.embedFn(text), nil
	}
	return axisEmbed(text), nil
}

func (f *fakeEngine) IsRunning(context.Context) bool { return true }
func (f *fakeEngine) ListModels(context.Context) ([]string, error) { return nil, nil }
func (f *fakeEngine) HasModel(context.Context, string) bool { return true }
func (f *fakeEngine) PullModel(context.Context, string, func(engine.PullProgress)) error {
	return nil
}

type passage struct {
	id        string
	partition retrieval.Partition
	text      string
	effective string
}

var corpus = []passage{
	{"reg-1", retrieval.PartitionRegulatory, "SR 11-7 requires banks to have robust model validation frameworks.", "2011-04-04"},
	{"reg-2", retrieval.PartitionRegulatory, "Model validation under SR 11-7 must include conceptual soundness and ongoing monitoring.", "2011-04-04"},
	{"reg-3", retrieval.PartitionRegulatory, "Basel III requires minimum capital ratios.", "2013-01-01"},
	{"cap-1", retrieval.PartitionCapital, "CECL provisions must reflect stressed scenario losses over the life of the loan.", "2020-01-01"},
	{"cap-2", retrieval.PartitionCapital, "RWA and capital ratios are computed under the standardized approach.", "2019-01-01"},
	{"fair-1", retrieval.PartitionFairness, "Disparate impact testing of lending models follows ECOA and fair lending guidance.", "2021-06-01"},
	{"fair-2", retrieval.PartitionFairness, "Adverse action notices must state specific reasons.", "2017-01-01"},
	{"ops-1", retrieval.PartitionOps, "Monitor model drift with PSI and data quality checks.", "2022-01-01"},
}

// harness wires real specialists, retrieval over in-memory SQLite and a fake
// tool service. Scenario tests that span packages like this one use testify;
// single-package unit tests use the standard library.
type harness struct {
	store      *storage.Store
	chunks     *retrieval.SQLiteStore
	engine     *fakeEngine
	toolCalls  atomic.Int32
	toolStatus atomic.Int32
	toolServer *httptest.Server
	gateway    *gateway.Client
	classifier *countingClassifier
}

// countingClassifier counts how often routing consulted the classifier.
type countingClassifier struct {
	inner intent.Classifier
	calls atomic.Int32
}

func (c *countingClassifier) Classify(ctx context.Context, text string) (intent.Classification, error) {
	c.calls.Add(1)
	return c.inner.Classify(ctx, text)
}

const cannedCECL = `{"model":"cecl_commercial_loan_model","calculated_provision":1250000,"pd_weighted_avg":0.0235}`

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		store:      st,
		chunks:     retrieval.NewSQLiteStore(st.DB()),
		engine:     &fakeEngine{},
		classifier: &countingClassifier{inner: intent.NewKeywordClassifier()},
	}
	h.toolStatus.Store(http.StatusOK)

	h.toolServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.toolCalls.Add(1)
		var req struct {
			OperationName string `json:"operation_name"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if status := int(h.toolStatus.Load()); status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		switch req.OperationName {
		case "disparate_impact":
			w.Write([]byte(`{"status":"ok","result":{"disparate_impact_ratios":{"race":0.78,"gender":0.92}}}`))
		default:
			w.Write([]byte(`{"status":"ok","result":` + cannedCECL + `}`))
		}
	}))
	t.Cleanup(h.toolServer.Close)
	h.gateway = gateway.New(gateway.Config{BaseURL: h.toolServer.URL, Timeout: time.Second, Backoff: time.Millisecond})

	var chunks []retrieval.Chunk
	for _, p := range corpus {
		eff, err := time.Parse("2006-01-02", p.effective)
		require.NoError(t, err)
		chunks = append(chunks, retrieval.Chunk{
			ID:             p.id,
			DocumentID:     "doc-" + p.id,
			Partition:      p.partition,
			SourceDocument: "test corpus",
			EffectiveDate:  eff,
			Text:           p.text,
			Embedding:      axisEmbed(p.text),
		})
	}
	require.NoError(t, h.chunks.Insert(context.Background(), chunks))
	return h
}

func (h *harness) agents() map[agent.Name]Answerer {
	retriever := retrieval.NewRetriever(retrieval.NewEmbedder(h.engine, "embed"), h.chunks)
	cfg := agent.Config{Model: "chat", TopK: 5, MinSimilarity: 0.35}
	out := make(map[agent.Name]Answerer)
	for _, p := range agent.Profiles() {
		out[p.Name] = agent.New(p, retriever, h.gateway, h.engine, cfg)
	}
	return out
}

func (h *harness) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(h.agents(), h.classifier, Config{
		TieBreakMargin: 0.10,
		MinConfidence:  0.25,
		AgentTimeout:   5 * time.Second,
		Traces:         h.store,
	})
	require.NoError(t, err)
	return o
}

// partitionOf looks up where a cited chunk lives.
func (h *harness) partitionOf(t *testing.T, id string) retrieval.Partition {
	t.Helper()
	got, err := h.chunks.GetByIDs(context.Background(), []string{id})
	require.NoError(t, err)
	require.Len(t, got, 1, "citation %s does not exist", id)
	return got[0].Partition
}
