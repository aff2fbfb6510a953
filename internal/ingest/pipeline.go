package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/regcopilot/internal/retrieval"
	"github.com/kalambet/regcopilot/internal/storage"
)

// ErrInvalidDocument is returned for documents missing required fields.
var ErrInvalidDocument = errors.New("invalid document")

// BatchEmbedder generates embeddings for many texts at once.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkStore receives embedded chunks.
type ChunkStore interface {
	Insert(ctx context.Context, chunks []retrieval.Chunk) error
	DeleteDocument(ctx context.Context, documentID string) (int, error)
}

// DocumentRecorder persists document metadata.
type DocumentRecorder interface {
	SaveDocument(ctx context.Context, d storage.Document) error
}

// Document is a source document to be ingested into one partition.
type Document struct {
	ID            string
	Partition     retrieval.Partition
	Source        string
	Title         string
	Section       string
	EffectiveDate time.Time
	ContentType   string
	Text          string
}

// Load builds a Document from raw bytes, detecting the content type from
// the filename and content when contentType is empty.
func Load(filename, contentType string, data []byte) (Document, error) {
	if contentType == "" {
		contentType = DetectContentType(filename, data)
	}
	contentType = canonicalType(contentType)
	text, err := Extract(contentType, data)
	if err != nil {
		return Document{}, fmt.Errorf("extracting %s: %w", filename, err)
	}
	return Document{Source: filename, ContentType: contentType, Text: text}, nil
}

// Pipeline splits, embeds and stores documents.
type Pipeline struct {
	embedder  BatchEmbedder
	chunks    ChunkStore
	documents DocumentRecorder

	ChunkSize    int
	ChunkOverlap int
	logger       *slog.Logger
}

// NewPipeline creates a Pipeline with the default chunking parameters.
func NewPipeline(embedder BatchEmbedder, chunks ChunkStore, documents DocumentRecorder) *Pipeline {
	return &Pipeline{
		embedder:     embedder,
		chunks:       chunks,
		documents:    documents,
		ChunkSize:    DefaultChunkSize,
		ChunkOverlap: DefaultChunkOverlap,
		logger:       slog.Default(),
	}
}

// Ingest stores doc and returns its metadata record. Chunk ids are
// "<document id>-<index>". Identical chunks within one document are stored
// once. If recording the document fails, its chunks are removed again.
func (p *Pipeline) Ingest(ctx context.Context, doc Document) (storage.Document, error) {
	if !doc.Partition.Valid() {
		return storage.Document{}, fmt.Errorf("%w: unknown partition %q", ErrInvalidDocument, doc.Partition)
	}
	doc.Source = strings.TrimSpace(doc.Source)
	if doc.Source == "" {
		return storage.Document{}, fmt.Errorf("%w: source is required", ErrInvalidDocument)
	}
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.ContentType == "" {
		doc.ContentType = TypeText
	}

	segments, err := Split(doc.Text, p.ChunkSize, p.ChunkOverlap)
	if err != nil {
		return storage.Document{}, err
	}
	segments = dedupe(segments)
	if len(segments) == 0 {
		return storage.Document{}, fmt.Errorf("%w: no text to ingest", ErrInvalidDocument)
	}

	vectors, err := p.embedder.EmbedBatch(ctx, segments)
	if err != nil {
		return storage.Document{}, fmt.Errorf("embedding %s: %w", doc.ID, err)
	}
	if len(vectors) != len(segments) {
		return storage.Document{}, fmt.Errorf("embedding %s: got %d vectors for %d chunks", doc.ID, len(vectors), len(segments))
	}

	now := time.Now().UTC()
	chunks := make([]retrieval.Chunk, len(segments))
	for i, text := range segments {
		chunks[i] = retrieval.Chunk{
			ID:             fmt.Sprintf("%s-%d", doc.ID, i),
			DocumentID:     doc.ID,
			Partition:      doc.Partition,
			SourceDocument: doc.Source,
			Section:        doc.Section,
			EffectiveDate:  doc.EffectiveDate,
			Text:           text,
			Embedding:      vectors[i],
			CreatedAt:      now,
		}
	}
	if err := p.chunks.Insert(ctx, chunks); err != nil {
		return storage.Document{}, fmt.Errorf("storing chunks of %s: %w", doc.ID, err)
	}

	rec := storage.Document{
		ID:            doc.ID,
		Partition:     string(doc.Partition),
		Source:        doc.Source,
		Title:         doc.Title,
		Section:       doc.Section,
		EffectiveDate: doc.EffectiveDate,
		ContentType:   doc.ContentType,
		ChunkCount:    len(chunks),
		CreatedAt:     now,
	}
	if err := p.documents.SaveDocument(ctx, rec); err != nil {
		if _, delErr := p.chunks.DeleteDocument(context.WithoutCancel(ctx), doc.ID); delErr != nil {
			p.logger.Error("removing orphaned chunks failed", "document_id", doc.ID, "error", delErr)
		}
		return storage.Document{}, fmt.Errorf("recording document %s: %w", doc.ID, err)
	}

	p.logger.Info("document ingested", "document_id", doc.ID, "partition", doc.Partition, "chunks", len(chunks))
	return rec, nil
}

func dedupe(segments []string) []string {
	seen := make(map[string]struct{}, len(segments))
	out := segments[:0]
	for _, s := range segments {
		sum := sha256.Sum256([]byte(s))
		key := hex.EncodeToString(sum[:])
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}
