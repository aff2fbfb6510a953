package retrieval

import (
	"context"
	"fmt"
	"time"
)

// Partition is a logically isolated subset of the document store scoped to
// one compliance domain.
type Partition string

const (
	PartitionRegulatory Partition = "regulatory"
	PartitionCapital    Partition = "capital"
	PartitionFairness   Partition = "fairness"
	PartitionOps        Partition = "ops"
)

// Partitions lists every known partition in a stable order.
var Partitions = []Partition{PartitionRegulatory, PartitionCapital, PartitionFairness, PartitionOps}

// Valid reports whether p is a known partition.
func (p Partition) Valid() bool {
	switch p {
	case PartitionRegulatory, PartitionCapital, PartitionFairness, PartitionOps:
		return true
	}
	return false
}

// ParsePartition converts s to a Partition, rejecting unknown values.
func ParsePartition(s string) (Partition, error) {
	p := Partition(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown partition %q", s)
	}
	return p, nil
}

// VectorStore is the interface for partitioned vector storage and similarity
// search backends. The current implementation uses SQLite with brute-force
// cosine similarity.
//
// Search must only return chunks from the requested partition.
type VectorStore interface {
	// Insert adds chunks. Each chunk carries its own partition.
	Insert(ctx context.Context, chunks []Chunk) error

	// Search returns the top-K chunks of partition most similar to vector,
	// ordered by descending score with ties broken by newer effective date.
	Search(ctx context.Context, partition Partition, vector []float32, topK int) ([]ScoredChunk, error)

	// GetByIDs returns chunks matching the given IDs.
	GetByIDs(ctx context.Context, ids []string) ([]Chunk, error)

	// DeleteDocument removes every chunk of a document and returns the count.
	DeleteDocument(ctx context.Context, documentID string) (int, error)

	// Count returns the number of chunks in partition, or in all partitions
	// when partition is empty.
	Count(ctx context.Context, partition Partition) (int, error)
}

// Chunk is one embedded fragment of a regulatory document.
type Chunk struct {
	ID             string    `json:"id"`
	DocumentID     string    `json:"document_id"`
	Partition      Partition `json:"partition"`
	SourceDocument string    `json:"source_document"`
	Section        string    `json:"section,omitempty"`
	EffectiveDate  time.Time `json:"effective_date,omitempty"`
	Text           string    `json:"text"`
	Embedding      []float32 `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// ScoredChunk is a Chunk with a similarity score attached.
type ScoredChunk struct {
	Chunk
	Score float32 `json:"score"`
}

// ranksAbove reports whether a should be ordered before b: higher score
// first, then more recent effective date, then lower id.
func ranksAbove(a, b ScoredChunk) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.EffectiveDate.Equal(b.EffectiveDate) {
		return a.EffectiveDate.After(b.EffectiveDate)
	}
	return a.ID < b.ID
}
