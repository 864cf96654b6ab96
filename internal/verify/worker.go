package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/insightbot/internal/history"
	"github.com/kalambet/insightbot/internal/storage"
)

// JobType is the job queue type for background URL verification.
const JobType = "verify_urls"

// JobStore abstracts the job queue and check persistence.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	SaveURLChecks(checks []storage.URLCheck) error
}

// Enqueuer adds jobs to the queue. Implemented by storage.Store.
type Enqueuer interface {
	EnqueueJob(job storage.Job) error
}

// RecordSource looks up history records by ID. Implemented by history.Store.
type RecordSource interface {
	Get(ctx context.Context, id string) (history.SearchRecord, bool)
}

type jobPayload struct {
	RecordID string `json:"record_id"`
}

// Enqueue schedules a background check of the URLs cited by recordID.
func Enqueue(q Enqueuer, recordID string) error {
	payload, err := json.Marshal(jobPayload{RecordID: recordID})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	return q.EnqueueJob(storage.Job{
		ID:          uuid.NewString(),
		Type:        JobType,
		PayloadJSON: string(payload),
	})
}

// ToURLChecks converts probe results into storage rows for recordID.
func ToURLChecks(recordID string, results []Result) []storage.URLCheck {
	out := make([]storage.URLCheck, len(results))
	for i, r := range results {
		out[i] = storage.URLCheck{
			ID:         uuid.NewString(),
			RecordID:   recordID,
			URL:        r.URL,
			StatusCode: r.StatusCode,
			Reachable:  r.Reachable,
			Error:      r.Error,
			CheckedAt:  r.CheckedAt,
		}
	}
	return out
}

// Worker processes verify_urls jobs from the SQLite job queue.
type Worker struct {
	store   JobStore
	records RecordSource
	checker *Checker
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, records RecordSource, checker *Checker, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:   store,
		records: records,
		checker: checker,
		poll:    pollInterval,
		logger:  slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("verify worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job. Returns true if a job was
// processed, regardless of its outcome.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("verify job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload jobPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	rec, ok := w.records.Get(ctx, payload.RecordID)
	if !ok {
		// Evicted or cleared before the job ran.
		w.logger.Debug("verify job for unknown record", "record_id", payload.RecordID)
		return nil
	}
	if len(rec.VerifiedURLs) == 0 {
		return nil
	}

	results := w.checker.Check(ctx, rec.VerifiedURLs)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("checking urls: %w", err)
	}
	if err := w.store.SaveURLChecks(ToURLChecks(rec.ID, results)); err != nil {
		return fmt.Errorf("saving url checks: %w", err)
	}
	return nil
}
