// Package engine implements the batch job engine: submission, the per-tenant
// queue discipline, the approval gate, cancellation, the chunk runner, and
// the boot-time recovery sweep.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/macrea/crmbatch/internal/db/models"
	"github.com/macrea/crmbatch/internal/db/repos"
	"github.com/macrea/crmbatch/internal/logger"
)

// Engine errors
var (
	// ErrUnknownJobType is returned for job types outside the registry
	ErrUnknownJobType = errors.New("unknown job type")
	// ErrJobNotFound is returned when a job does not exist for the tenant
	ErrJobNotFound = repos.ErrJobNotFound
	// ErrInvalidTransition is returned for control operations that are not
	// valid in the job's current status
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrTooManyItems is returned when a payload exceeds the item ceiling
	ErrTooManyItems = errors.New("item count exceeds the job ceiling")
	// ErrInvalidPayload is returned when a payload is missing the shape
	// its job type requires
	ErrInvalidPayload = errors.New("invalid payload")
)

// Options tunes the engine
type Options struct {
	// Defaults is the operation config merged under every job's overrides
	Defaults models.OperationConfig
	// MaxJobItems is the hard ceiling on a single job's resolved item
	// count, independent of chunk size
	MaxJobItems int
}

// DefaultMaxJobItems bounds the worst-case duration of a single job
const DefaultMaxJobItems = 10000

// Engine drives batch jobs from submission to a terminal status. One engine
// instance is the single job runner of its deployment: the occupancy rule
// (at most one running job per tenant) is enforced by taking mu around every
// occupancy read paired with a status write.
type Engine struct {
	repo     *repos.BatchJobRepository
	registry *Registry
	opts     Options

	mu sync.Mutex
	wg sync.WaitGroup
}

// New creates a new engine
func New(repo *repos.BatchJobRepository, registry *Registry, opts Options) *Engine {
	opts.Defaults = opts.Defaults.Merge(models.DefaultOperationConfig())
	if opts.MaxJobItems == 0 {
		opts.MaxJobItems = DefaultMaxJobItems
	}
	return &Engine{
		repo:     repo,
		registry: registry,
		opts:     opts,
	}
}

// SubmitRequest describes a new batch job
type SubmitRequest struct {
	TenantID           string
	JobType            models.JobType
	OperationName      string
	Data               *models.OperationData
	Config             models.OperationConfig
	RequiresValidation bool
	FileName           string
	FileHash           string
}

// SubmitResult reports the created job, its position in the tenant's
// pending queue, and whether the chunk runner was started immediately
type SubmitResult struct {
	Job      *models.BatchJob
	Position int
	Started  bool
}

// Submit validates the payload, creates the job record, and decides its
// initial status: awaiting_validation when approval is required, queued when
// the tenant's running slot is occupied, running otherwise. Payload errors
// reject the submission before any record is created.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.TenantID == "" {
		return nil, fmt.Errorf("tenant id cannot be empty")
	}
	proc, err := e.registry.Resolve(req.JobType)
	if err != nil {
		return nil, err
	}
	if err := proc.ValidatePayload(req.Data); err != nil {
		return nil, fmt.Errorf("%w for %s: %v", ErrInvalidPayload, req.JobType, err)
	}

	totalItems := proc.CountItems(req.Data)
	if totalItems > e.opts.MaxJobItems {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyItems, totalItems, e.opts.MaxJobItems)
	}

	operationName := req.OperationName
	if operationName == "" {
		operationName = fmt.Sprintf("%s %d items", req.JobType, totalItems)
	}

	job := &models.BatchJob{
		TenantID:           req.TenantID,
		JobType:            req.JobType,
		OperationName:      operationName,
		OperationData:      req.Data,
		OperationConfig:    req.Config.Merge(e.opts.Defaults),
		RequiresValidation: req.RequiresValidation,
		TotalItems:         totalItems,
		FileName:           req.FileName,
		FileHash:           req.FileHash,
	}

	// Occupancy check and the insert that claims (or queues behind) the
	// running slot must not interleave with another transition to running.
	e.mu.Lock()
	hasRunning, err := e.repo.HasRunning(ctx, req.TenantID)
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("failed to check tenant occupancy: %w", err)
	}
	active, err := e.repo.CountActive(ctx, req.TenantID)
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("failed to count active jobs: %w", err)
	}

	switch {
	case req.RequiresValidation:
		job.Status = models.JobStatusAwaitingValidation
	case hasRunning:
		job.Status = models.JobStatusQueued
	default:
		job.Status = models.JobStatusRunning
		now := time.Now()
		job.StartedAt = &now
	}

	if err := e.repo.Create(ctx, job); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	e.mu.Unlock()

	started := job.Status == models.JobStatusRunning
	if started {
		e.dispatch(job.ID, job.TenantID)
	}

	logger.InfoWithFields("Job submitted", map[string]interface{}{
		"job_id":      job.ID,
		"tenant_id":   job.TenantID,
		"job_type":    job.JobType,
		"status":      job.Status,
		"total_items": job.TotalItems,
	})

	// A gated job is not part of the running+queued set, so its position is
	// the pending count it would land behind, not count+1.
	position := active + 1
	if job.Status == models.JobStatusAwaitingValidation {
		position = active
	}

	return &SubmitResult{
		Job:      job,
		Position: position,
		Started:  started,
	}, nil
}

// ApproveResult reports the post-approval status of the job
type ApproveResult struct {
	Job     *models.BatchJob
	Started bool
}

// Approve transitions a job from awaiting_validation to queued or running,
// recording who approved it and, optionally, an external consent id. This is
// the only path by which a consent-gated job becomes runnable.
func (e *Engine) Approve(ctx context.Context, tenantID, jobID, approvedBy, consentID string) (*ApproveResult, error) {
	// The precondition read and the status write share the lock so two
	// concurrent approvals cannot both pass the awaiting_validation check.
	e.mu.Lock()
	job, err := e.repo.GetByID(ctx, tenantID, jobID)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if job.Status != models.JobStatusAwaitingValidation {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot approve job in status %s", ErrInvalidTransition, job.Status)
	}

	hasRunning, err := e.repo.HasRunning(ctx, tenantID)
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("failed to check tenant occupancy: %w", err)
	}
	newStatus := models.JobStatusRunning
	if hasRunning {
		newStatus = models.JobStatusQueued
	}
	if err := e.repo.Approve(ctx, jobID, approvedBy, consentID, newStatus); err != nil {
		e.mu.Unlock()
		if errors.Is(err, repos.ErrStatusConflict) {
			return nil, fmt.Errorf("%w: job is no longer awaiting validation", ErrInvalidTransition)
		}
		return nil, fmt.Errorf("failed to approve job: %w", err)
	}
	e.mu.Unlock()

	job.Status = newStatus
	started := newStatus == models.JobStatusRunning
	if started {
		e.dispatch(jobID, tenantID)
	}

	logger.InfoWithFields("Job approved", map[string]interface{}{
		"job_id":      jobID,
		"tenant_id":   tenantID,
		"approved_by": approvedBy,
		"status":      newStatus,
	})

	return &ApproveResult{Job: job, Started: started}, nil
}

// Cancel requests cancellation of a job. Valid only while the job is
// awaiting_validation, queued, or running. Cancellation of a running job is
// cooperative: the chunk runner observes the status at its next chunk
// boundary, so processing stops within at most one chunk.
func (e *Engine) Cancel(ctx context.Context, tenantID, jobID string) error {
	// Held across the read and the write so a cancel cannot interleave with
	// the queue advance transitioning the same job to running.
	e.mu.Lock()
	defer e.mu.Unlock()

	job, err := e.repo.GetByID(ctx, tenantID, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot cancel job in status %s", ErrInvalidTransition, job.Status)
	}

	if err := e.repo.MarkCancelled(ctx, tenantID, jobID); err != nil {
		if errors.Is(err, repos.ErrStatusConflict) {
			return fmt.Errorf("%w: job reached a terminal status concurrently", ErrInvalidTransition)
		}
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	logger.Infof("Job %s cancelled by tenant %s", jobID, tenantID)
	return nil
}

// JobStatusView is a job augmented with derived progress fields
type JobStatusView struct {
	*models.BatchJob
	ProgressPercent int     `json:"progress_percent"`
	ETA             *string `json:"eta,omitempty"`
	// ErrorsNote is set when the error list is a partial sample
	ErrorsNote string `json:"errors_note,omitempty"`
}

// Get returns a job with derived progress percent and ETA
func (e *Engine) Get(ctx context.Context, tenantID, jobID string) (*JobStatusView, error) {
	job, err := e.repo.GetByID(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	return newStatusView(job), nil
}

// List returns the tenant's jobs with derived progress
func (e *Engine) List(ctx context.Context, tenantID string, opts *models.ListOptions) ([]JobStatusView, error) {
	jobs, err := e.repo.List(ctx, tenantID, opts)
	if err != nil {
		return nil, err
	}
	views := make([]JobStatusView, len(jobs))
	for i := range jobs {
		views[i] = *newStatusView(&jobs[i])
	}
	return views, nil
}

func newStatusView(job *models.BatchJob) *JobStatusView {
	view := &JobStatusView{
		BatchJob:        job,
		ProgressPercent: job.ProgressPercent(),
	}
	if eta, ok := job.ETA(time.Now()); ok {
		formatted := models.FormatETA(eta)
		view.ETA = &formatted
	}
	if len(job.Errors) < job.FailCount {
		view.ErrorsNote = fmt.Sprintf("Showing first %d of %d errors", len(job.Errors), job.FailCount)
	}
	return view
}

// JobErrorsView is the detail view of a job's error sample
type JobErrorsView struct {
	TotalErrors int              `json:"total_errors"`
	Errors      models.JobErrors `json:"errors"`
	Note        string           `json:"note,omitempty"`
}

// GetErrors returns the job's sampled error list with the partial-list note
func (e *Engine) GetErrors(ctx context.Context, tenantID, jobID string) (*JobErrorsView, error) {
	job, err := e.repo.GetByID(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	view := &JobErrorsView{
		TotalErrors: job.FailCount,
		Errors:      job.Errors,
	}
	if view.Errors == nil {
		view.Errors = models.JobErrors{}
	}
	if len(job.Errors) < job.FailCount {
		view.Note = fmt.Sprintf("Showing first %d of %d errors", len(job.Errors), job.FailCount)
	}
	return view, nil
}

// startNextQueuedJob advances the tenant's queue: the oldest queued job, if
// any, transitions to running and is handed to a detached chunk runner. This
// is the single choke point that re-fills a freed running slot.
func (e *Engine) startNextQueuedJob(tenantID string) {
	ctx := context.Background()

	e.mu.Lock()
	hasRunning, err := e.repo.HasRunning(ctx, tenantID)
	if err != nil {
		e.mu.Unlock()
		logger.Errorf("Failed to check occupancy for tenant %s: %v", tenantID, err)
		return
	}
	if hasRunning {
		e.mu.Unlock()
		return
	}
	next, err := e.repo.GetOldestQueued(ctx, tenantID)
	if err != nil {
		e.mu.Unlock()
		if !errors.Is(err, repos.ErrJobNotFound) {
			logger.Errorf("Failed to fetch next queued job for tenant %s: %v", tenantID, err)
		}
		return
	}
	if err := e.repo.MarkRunning(ctx, next.ID); err != nil {
		e.mu.Unlock()
		logger.Errorf("Failed to start queued job %s: %v", next.ID, err)
		return
	}
	e.mu.Unlock()

	logger.Infof("Starting next queued job %s for tenant %s", next.ID, tenantID)
	e.dispatch(next.ID, tenantID)
}

// dispatch runs a job on its own goroutine with a panic boundary. The
// spawned run never propagates into the caller's path.
func (e *Engine) dispatch(jobID, tenantID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runJob(context.Background(), jobID, tenantID)
	}()
}

// Wait blocks until all in-flight chunk runners have finished. Used on
// shutdown and by tests.
func (e *Engine) Wait() {
	e.wg.Wait()
}
