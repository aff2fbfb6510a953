package retrieval

import (
	"context"
	"fmt"
)

// RetrievalResult is the ordered set of chunks one search returned from one
// partition.
type RetrievalResult struct {
	Partition Partition     `json:"partition"`
	Hits      []ScoredChunk `json:"hits"`
}

// IDs returns the hit ids in rank order.
func (r RetrievalResult) IDs() []string {
	ids := make([]string, len(r.Hits))
	for i, h := range r.Hits {
		ids[i] = h.ID
	}
	return ids
}

// Contains reports whether id is among the hits.
func (r RetrievalResult) Contains(id string) bool {
	for _, h := range r.Hits {
		if h.ID == id {
			return true
		}
	}
	return false
}

// Above returns a copy of r keeping only hits scoring at least min.
func (r RetrievalResult) Above(min float32) RetrievalResult {
	out := RetrievalResult{Partition: r.Partition}
	for _, h := range r.Hits {
		if h.Score >= min {
			out.Hits = append(out.Hits, h)
		}
	}
	return out
}

// TopScore returns the best score, or 0 with no hits.
func (r RetrievalResult) TopScore() float32 {
	if len(r.Hits) == 0 {
		return 0
	}
	return r.Hits[0].Score
}

// MeanScore returns the mean hit score, or 0 with no hits.
func (r RetrievalResult) MeanScore() float32 {
	if len(r.Hits) == 0 {
		return 0
	}
	var sum float32
	for _, h := range r.Hits {
		sum += h.Score
	}
	return sum / float32(len(r.Hits))
}

// Retriever combines embedding and partitioned vector search.
type Retriever struct {
	embedder *Embedder
	store    VectorStore
}

// NewRetriever creates a Retriever backed by the given Embedder and VectorStore.
func NewRetriever(embedder *Embedder, store VectorStore) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// Retrieve embeds text and searches partition for the top-K chunks.
func (r *Retriever) Retrieve(ctx context.Context, text string, partition Partition, topK int) (RetrievalResult, error) {
	if !partition.Valid() {
		return RetrievalResult{}, fmt.Errorf("retrieve: unknown partition %q", partition)
	}
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return RetrievalResult{}, err
	}
	return r.Search(ctx, vec, partition, topK)
}

// Search returns the top-K chunks of partition most similar to embedding.
// A hit from any other partition is treated as a store fault.
func (r *Retriever) Search(ctx context.Context, embedding []float32, partition Partition, topK int) (RetrievalResult, error) {
	if !partition.Valid() {
		return RetrievalResult{}, fmt.Errorf("search: unknown partition %q", partition)
	}
	result := RetrievalResult{Partition: partition}
	if topK <= 0 {
		return result, nil
	}

	hits, err := r.store.Search(ctx, partition, embedding, topK)
	if err != nil {
		return RetrievalResult{}, fmt.Errorf("searching %s: %w", partition, err)
	}
	for _, h := range hits {
		if h.Partition != partition {
			return RetrievalResult{}, fmt.Errorf("searching %s: store returned chunk %s from partition %s", partition, h.ID, h.Partition)
		}
	}

	sortScored(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	result.Hits = hits
	return result, nil
}

// Store returns the underlying vector store.
func (r *Retriever) Store() VectorStore {
	return r.store
}
