package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/regcopilot/internal/agent"
	"github.com/kalambet/regcopilot/internal/orchestrator"
	"github.com/kalambet/regcopilot/internal/retrieval"
)

type queryRequest struct {
	Query string `json:"query" validate:"required,max=8000"`
	Agent string `json:"agent,omitempty" validate:"max=32"`
}

type memoResponse struct {
	CorrelationID string              `json:"correlation_id"`
	Agent         agent.Name          `json:"agent"`
	Memo          string              `json:"memo"`
	Result        orchestrator.Result `json:"result"`
}

type searchRequest struct {
	Query     string `json:"query" validate:"required,max=8000"`
	Partition string `json:"partition" validate:"required,oneof=regulatory capital fairness ops"`
	Limit     int    `json:"limit,omitempty" validate:"min=0,max=50"`
}

// targetOf prefers the agent in the path over the one in the body.
func targetOf(r *http.Request, req queryRequest) agent.Name {
	if a := chi.URLParam(r, "agent"); a != "" {
		return agent.Name(a)
	}
	return agent.Name(req.Agent)
}

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}

		res, err := deps.Router.Route(r.Context(), agent.Query{Text: req.Query, TargetAgent: targetOf(r, req)})
		if err != nil {
			writeRouteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleMemo(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}

		res, err := deps.Router.Route(r.Context(), agent.Query{Text: req.Query, TargetAgent: targetOf(r, req)})
		if err != nil {
			writeRouteError(w, err)
			return
		}
		memo, err := agent.RenderMemo(res.Primary, deps.Now())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "rendering memo: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, memoResponse{
			CorrelationID: res.CorrelationID,
			Agent:         res.Primary.Agent,
			Memo:          memo,
			Result:        res,
		})
	}
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if req.Limit == 0 {
			req.Limit = 5
		}

		res, err := deps.Searcher.Retrieve(r.Context(), req.Query, retrieval.Partition(req.Partition), req.Limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		if res.Hits == nil {
			res.Hits = []retrieval.ScoredChunk{}
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// writeRouteError maps orchestration errors onto HTTP statuses. Only the
// error message is exposed.
func writeRouteError(w http.ResponseWriter, err error) {
	var noRoute *orchestrator.NoConfidentRouteError
	var execErr *orchestrator.AgentExecutionError
	switch {
	case errors.Is(err, orchestrator.ErrInvalidQuery):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", err.Error())
	case errors.As(err, &noRoute):
		writeError(w, http.StatusUnprocessableEntity, "clarification_required",
			"the query did not clearly match a compliance domain; please rephrase or name an agent",
			map[string]any{"candidates": noRoute.Candidates, "min_confidence": noRoute.MinConfidence})
	case errors.As(err, &execErr):
		writeError(w, http.StatusBadGateway, "agent_error", err.Error(),
			map[string]any{"agent": execErr.Agent, "timed_out": errors.Is(err, context.DeadlineExceeded)})
	case errors.Is(err, context.Canceled):
		httpError(w, 499, "request_canceled", "request canceled")
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%s", err.Error())
	}
}
