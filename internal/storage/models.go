package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document is an ingested source document. Its chunks live in the chunks
// table and are owned by the retrieval store.
type Document struct {
	ID            string    `json:"id"`
	Partition     string    `json:"partition"`
	Source        string    `json:"source"`
	Title         string    `json:"title,omitempty"`
	Section       string    `json:"section,omitempty"`
	EffectiveDate time.Time `json:"effective_date,omitempty"`
	ContentType   string    `json:"content_type"`
	ChunkCount    int       `json:"chunk_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// TraceRecord is a persisted request trace.
type TraceRecord struct {
	CorrelationID string    `json:"correlation_id"`
	CreatedAt     time.Time `json:"created_at"`
	Query         string    `json:"query"`
	RoutingKind   string    `json:"routing_kind"`
	PrimaryAgent  string    `json:"primary_agent,omitempty"`
	Status        string    `json:"status"` // "completed", "failed"
	EntriesJSON   string    `json:"-"`      // JSON array of trace entries
}
