package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/macrea/crmbatch/internal/db/models"
	"github.com/macrea/crmbatch/internal/db/repos"
	"github.com/macrea/crmbatch/internal/logger"
)

// fatalError aborts a run and carries the item that triggered it
type fatalError struct {
	Ref string
	Err error
}

func (e *fatalError) Error() string {
	return e.Err.Error()
}

func (e *fatalError) Unwrap() error {
	return e.Err
}

// runJob drives one job to a terminal status. Every failure mode, including
// a panic inside a processor, ends in a failed status with a single fatal
// error entry; a job never disappears mid-flight and a broken job never
// crashes the process. The queue advance at the end is unconditional.
func (e *Engine) runJob(ctx context.Context, jobID, tenantID string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Job %s panicked: %v", jobID, r)
			e.markFailed(jobID, models.JobError{Message: fmt.Sprintf("panic: %v", r)})
		}
		e.startNextQueuedJob(tenantID)
	}()

	if err := e.processJob(ctx, jobID, tenantID); err != nil {
		logger.Errorf("Job %s failed: %v", jobID, err)
		fatal := models.JobError{Message: err.Error()}
		var ferr *fatalError
		if errors.As(err, &ferr) {
			fatal.Ref = ferr.Ref
		}
		e.markFailed(jobID, fatal)
	}
}

func (e *Engine) markFailed(jobID string, fatal models.JobError) {
	err := e.repo.MarkFailed(context.Background(), jobID, fatal)
	if errors.Is(err, repos.ErrStatusConflict) {
		// The job reached a terminal status concurrently; its row stands.
		return
	}
	if err != nil {
		logger.Errorf("Failed to mark job %s as failed: %v", jobID, err)
	}
}

// processJob is the chunk runner. It partitions the job's items into
// fixed-size chunks, processes them in order, persists a checkpoint after
// every chunk, observes cancellation at chunk boundaries, and sleeps the
// configured delay between chunks as backpressure on the downstream API.
func (e *Engine) processJob(ctx context.Context, jobID, tenantID string) error {
	job, err := e.repo.GetByID(ctx, tenantID, jobID)
	if errors.Is(err, repos.ErrJobNotFound) {
		// Lost a race with a concurrent delete or cancel; nothing to do.
		logger.Warnf("Job %s not found, skipping run", jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	if job.Status == models.JobStatusCancelled {
		logger.Infof("Job %s was cancelled before it started", jobID)
		return nil
	}

	proc, err := e.registry.Resolve(job.JobType)
	if err != nil {
		return err
	}

	cfg := job.OperationConfig.Merge(e.opts.Defaults)

	items, err := proc.ResolveItems(ctx, job)
	if err != nil {
		return fmt.Errorf("failed to resolve items: %w", err)
	}
	if len(items) > e.opts.MaxJobItems {
		return fmt.Errorf("%w: %d > %d", ErrTooManyItems, len(items), e.opts.MaxJobItems)
	}
	if len(items) != job.TotalItems {
		if err := e.repo.UpdateTotalItems(ctx, jobID, len(items)); err != nil {
			return fmt.Errorf("failed to update total items: %w", err)
		}
		job.TotalItems = len(items)
	}

	if len(items) == 0 {
		logger.Infof("Job %s has no items, completing", jobID)
		return e.finish(ctx, jobID, models.JobStatusCompleted)
	}

	var (
		processed int
		success   int
		fail      int
		skip      int
		sample    models.JobErrors
	)

	chunks := chunkItems(items, cfg.ChunkSize)
	for chunkIndex, chunk := range chunks {
		// Cancellation is observed here and only here, so a cancel takes
		// effect within at most one chunk's processing time.
		status, err := e.repo.GetStatus(ctx, tenantID, jobID)
		if err != nil {
			return fmt.Errorf("failed to check job status: %w", err)
		}
		if status == models.JobStatusCancelled {
			logger.Infof("Job %s cancelled after %d of %d items", jobID, processed, job.TotalItems)
			return nil
		}

		logger.Debugf("Job %s: chunk %d/%d", jobID, chunkIndex+1, len(chunks))

		for _, item := range chunk {
			outcome, err := e.processOne(ctx, proc, job, item, cfg.ItemTimeout())
			processed++
			if err != nil {
				fail++
				if cfg.ContinueOnError != nil && !*cfg.ContinueOnError {
					return &fatalError{Ref: item.Ref, Err: err}
				}
				if len(sample) < cfg.MaxErrors {
					sample = append(sample, models.JobError{Ref: item.Ref, Message: err.Error()})
				}
				continue
			}
			if outcome == OutcomeSkip {
				skip++
			} else {
				success++
			}
		}

		if err := e.repo.UpdateProgress(ctx, jobID, processed, success, fail, skip, sample); err != nil {
			return fmt.Errorf("failed to persist progress: %w", err)
		}

		if chunkIndex < len(chunks)-1 {
			time.Sleep(cfg.Delay())
		}
	}

	finalStatus := models.JobStatusCompleted
	if fail == job.TotalItems {
		finalStatus = models.JobStatusFailed
	}

	logger.InfoWithFields("Job finished", map[string]interface{}{
		"job_id":  jobID,
		"status":  finalStatus,
		"success": success,
		"fail":    fail,
		"skip":    skip,
	})

	return e.finish(ctx, jobID, finalStatus)
}

// finish writes the terminal status. A cancel that landed after the last
// chunk boundary check wins: the conditional completion write matches no row
// and the cancelled status stands.
func (e *Engine) finish(ctx context.Context, jobID string, status models.JobStatus) error {
	err := e.repo.MarkCompleted(ctx, jobID, status)
	if errors.Is(err, repos.ErrStatusConflict) {
		logger.Infof("Job %s was cancelled while finishing", jobID)
		return nil
	}
	return err
}

// processOne runs a single item under the per-item timeout
func (e *Engine) processOne(ctx context.Context, proc Processor, job *models.BatchJob, item WorkItem, timeout time.Duration) (Outcome, error) {
	itemCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return proc.ProcessOne(itemCtx, job, item)
}

// chunkItems partitions items into consecutive fixed-size chunks, preserving
// the original order
func chunkItems(items []WorkItem, size int) [][]WorkItem {
	if size <= 0 {
		size = models.DefaultChunkSize
	}
	var chunks [][]WorkItem
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
