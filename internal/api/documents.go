package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/regcopilot/internal/ingest"
	"github.com/kalambet/regcopilot/internal/retrieval"
	"github.com/kalambet/regcopilot/internal/storage"
)

// Base64 of the largest accepted document plus envelope.
const maxIngestBodySize = ingest.MaxDocumentBytes*4/3 + 1<<20

// IngestRequest is the body of POST /ingest. Content holds the document
// itself, base64-encoded when Encoding is "base64" (required for PDF).
type IngestRequest struct {
	Partition     string `json:"partition" validate:"required,oneof=regulatory capital fairness ops"`
	Source        string `json:"source" validate:"required,max=512"`
	Title         string `json:"title,omitempty" validate:"max=512"`
	Section       string `json:"section,omitempty" validate:"max=256"`
	EffectiveDate string `json:"effective_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	ContentType   string `json:"content_type,omitempty"`
	Content       string `json:"content" validate:"required"`
	Encoding      string `json:"encoding,omitempty" validate:"omitempty,oneof=text base64"`
	Async         bool   `json:"async,omitempty"`
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req IngestRequest
		if !decodeBody(w, r, maxIngestBodySize, &req) {
			return
		}

		data := []byte(req.Content)
		if req.Encoding == "base64" {
			decoded, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
				return
			}
			data = decoded
		}

		doc, err := ingest.Load(req.Source, req.ContentType, data)
		if errors.Is(err, ingest.ErrUnsupportedType) {
			httpError(w, http.StatusUnsupportedMediaType, "invalid_request_error", "%s", err.Error())
			return
		}
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", err.Error())
			return
		}
		doc.Partition = retrieval.Partition(req.Partition)
		doc.Title = req.Title
		doc.Section = req.Section
		if req.EffectiveDate != "" {
			// Already checked by the validator.
			doc.EffectiveDate, _ = time.Parse(time.DateOnly, req.EffectiveDate)
		}

		if req.Async {
			if deps.Jobs == nil {
				httpError(w, http.StatusServiceUnavailable, "api_error", "background ingestion is not enabled")
				return
			}
			id, err := deps.Jobs.Submit(doc)
			if errors.Is(err, ingest.ErrQueueFull) {
				httpError(w, http.StatusServiceUnavailable, "api_error", "%s", err.Error())
				return
			}
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to queue document: %v", err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": string(ingest.JobQueued)})
			return
		}

		rec, err := deps.Ingester.Ingest(r.Context(), doc)
		if errors.Is(err, ingest.ErrInvalidDocument) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", err.Error())
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to ingest document: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Jobs == nil {
			httpError(w, http.StatusNotFound, "not_found", "background ingestion is not enabled")
			return
		}
		job, err := deps.Jobs.Job(chi.URLParam(r, "id"))
		if errors.Is(err, ingest.ErrUnknownJob) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		partition := r.URL.Query().Get("partition")
		if partition != "" {
			if _, err := retrieval.ParsePartition(partition); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", err.Error())
				return
			}
		}
		limit := parseIntParam(r, "limit", 20, 100)

		docs, err := deps.Store.ListDocuments(r.Context(), partition, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}
		if docs == nil {
			docs = []storage.Document{}
		}
		writeJSON(w, http.StatusOK, docs)
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Store.DeleteDocument(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete document: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

type traceResponse struct {
	storage.TraceRecord
	Entries json.RawMessage `json:"entries"`
}

func handleGetTrace(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Store.GetTrace(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "trace not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get trace: %v", err)
			return
		}
		entries := json.RawMessage(rec.EntriesJSON)
		if len(entries) == 0 {
			entries = json.RawMessage("[]")
		}
		writeJSON(w, http.StatusOK, traceResponse{TraceRecord: rec, Entries: entries})
	}
}

func handleListTraces(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		traces, err := deps.Store.RecentTraces(r.Context(), parseIntParam(r, "limit", 20, 100))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list traces: %v", err)
			return
		}
		if traces == nil {
			traces = []storage.TraceRecord{}
		}
		writeJSON(w, http.StatusOK, traces)
	}
}
