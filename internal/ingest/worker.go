package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/regcopilot/internal/storage"
)

// JobState is the lifecycle state of a background ingestion.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// ErrQueueFull is returned by Submit when the worker cannot accept more work.
var ErrQueueFull = errors.New("ingest queue is full")

// ErrUnknownJob is returned by Job for ids the worker has never seen.
var ErrUnknownJob = errors.New("unknown ingest job")

// Job reports the progress of one submitted document.
type Job struct {
	ID        string           `json:"id"`
	State     JobState         `json:"state"`
	Document  storage.Document `json:"document,omitzero"`
	Error     string           `json:"error,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Ingester is the synchronous ingestion the worker drives.
type Ingester interface {
	Ingest(ctx context.Context, doc Document) (storage.Document, error)
}

type submission struct {
	id  string
	doc Document
}

// Worker ingests submitted documents in the background, one at a time.
type Worker struct {
	ingester Ingester
	queue    chan submission
	logger   *slog.Logger

	mu   sync.Mutex
	jobs map[string]*Job
}

// NewWorker creates a Worker with a queue of the given capacity.
// If capacity is <= 0, it defaults to 16.
func NewWorker(ingester Ingester, capacity int) *Worker {
	if capacity <= 0 {
		capacity = 16
	}
	return &Worker{
		ingester: ingester,
		queue:    make(chan submission, capacity),
		logger:   slog.Default(),
		jobs:     make(map[string]*Job),
	}
}

// Submit enqueues doc and returns the job id without blocking.
func (w *Worker) Submit(doc Document) (string, error) {
	id := uuid.New().String()
	w.mu.Lock()
	w.jobs[id] = &Job{ID: id, State: JobQueued, UpdatedAt: time.Now().UTC()}
	w.mu.Unlock()

	select {
	case w.queue <- submission{id: id, doc: doc}:
		return id, nil
	default:
		w.mu.Lock()
		delete(w.jobs, id)
		w.mu.Unlock()
		return "", ErrQueueFull
	}
}

// Job returns a snapshot of the job with the given id.
func (w *Worker) Job(id string) (Job, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	j, ok := w.jobs[id]
	if !ok {
		return Job{}, ErrUnknownJob
	}
	return *j, nil
}

// Run processes submissions until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-w.queue:
			w.process(ctx, s)
		}
	}
}

// RunOnce processes a single queued submission if one is waiting.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) bool {
	select {
	case s := <-w.queue:
		w.process(ctx, s)
		return true
	default:
		return false
	}
}

func (w *Worker) process(ctx context.Context, s submission) {
	w.update(s.id, func(j *Job) { j.State = JobRunning })

	rec, err := w.ingester.Ingest(ctx, s.doc)
	if err != nil {
		w.logger.Warn("ingest job failed", "job_id", s.id, "source", s.doc.Source, "error", err)
		w.update(s.id, func(j *Job) {
			j.State = JobFailed
			j.Error = err.Error()
		})
		return
	}
	w.update(s.id, func(j *Job) {
		j.State = JobCompleted
		j.Document = rec
	})
}

func (w *Worker) update(id string, fn func(*Job)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if j, ok := w.jobs[id]; ok {
		fn(j)
		j.UpdatedAt = time.Now().UTC()
	}
}
