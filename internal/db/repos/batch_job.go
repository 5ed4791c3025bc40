package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/macrea/crmbatch/internal/db/models"
)

// Repository errors
var (
	// ErrJobNotFound is returned when no job matches the given id and tenant
	ErrJobNotFound = errors.New("job not found")
	// ErrStatusConflict is returned when a conditional status transition
	// matched no row because the job's status changed concurrently
	ErrStatusConflict = errors.New("job status changed concurrently")
)

// BatchJobRepository handles database operations for batch jobs
type BatchJobRepository struct {
	db *gorm.DB
}

// NewBatchJobRepository creates a new instance of BatchJobRepository
func NewBatchJobRepository(db *gorm.DB) *BatchJobRepository {
	return &BatchJobRepository{
		db: db,
	}
}

// Create inserts a new batch job
func (r *BatchJobRepository) Create(ctx context.Context, job *models.BatchJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// GetByID retrieves a job scoped to its owning tenant
func (r *BatchJobRepository) GetByID(ctx context.Context, tenantID, id string) (*models.BatchJob, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id cannot be empty")
	}
	var job models.BatchJob
	err := r.db.WithContext(ctx).
		Where(models.BatchJob{ID: id, TenantID: tenantID}).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetStatus reads only the current status of a job. The chunk runner polls
// this between chunks to observe cancellation.
func (r *BatchJobRepository) GetStatus(ctx context.Context, tenantID, id string) (models.JobStatus, error) {
	var job models.BatchJob
	err := r.db.WithContext(ctx).
		Select(models.JobStatusField).
		Where(models.BatchJob{ID: id, TenantID: tenantID}).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

// List retrieves a tenant's jobs, newest first
func (r *BatchJobRepository) List(ctx context.Context, tenantID string, opts *models.ListOptions) ([]models.BatchJob, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id cannot be empty")
	}
	query := r.db.WithContext(ctx).
		Where(models.BatchJob{TenantID: tenantID}).
		Order(models.JobCreatedAtField + " DESC")
	limit := models.DefaultListLimit
	if opts != nil {
		if opts.Limit > 0 {
			limit = opts.Limit
		}
		if opts.Offset > 0 {
			query = query.Offset(opts.Offset)
		}
		if opts.JobType != nil {
			query = query.Where(models.BatchJob{JobType: *opts.JobType})
		}
	}
	var jobs []models.BatchJob
	err := query.Limit(limit).Find(&jobs).Error
	return jobs, err
}

// HasRunning reports whether the tenant currently occupies its running slot
func (r *BatchJobRepository) HasRunning(ctx context.Context, tenantID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.BatchJob{}).
		Where(models.BatchJob{TenantID: tenantID, Status: models.JobStatusRunning}).
		Count(&count).Error
	return count > 0, err
}

// CountActive counts the tenant's jobs in running or queued status. A newly
// submitted job's queue position is this count plus one.
func (r *BatchJobRepository) CountActive(ctx context.Context, tenantID string) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.BatchJob{}).
		Where("tenant_id = ? AND status IN ?", tenantID,
			[]models.JobStatus{models.JobStatusRunning, models.JobStatusQueued}).
		Count(&count).Error
	return int(count), err
}

// GetOldestQueued returns the tenant's next queued job by creation time, or
// ErrJobNotFound when the queue is empty
func (r *BatchJobRepository) GetOldestQueued(ctx context.Context, tenantID string) (*models.BatchJob, error) {
	var job models.BatchJob
	err := r.db.WithContext(ctx).
		Where(models.BatchJob{TenantID: tenantID, Status: models.JobStatusQueued}).
		Order(models.JobCreatedAtField + " ASC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListRunning returns all jobs in running status regardless of tenant. Used
// only by the boot-time recovery sweep.
func (r *BatchJobRepository) ListRunning(ctx context.Context) ([]models.BatchJob, error) {
	var jobs []models.BatchJob
	err := r.db.WithContext(ctx).
		Where(models.BatchJob{Status: models.JobStatusRunning}).
		Find(&jobs).Error
	return jobs, err
}

// MarkRunning transitions a queued job to running and stamps started_at. The
// status guard in the WHERE clause keeps a concurrently cancelled job from
// being resurrected.
func (r *BatchJobRepository) MarkRunning(ctx context.Context, id string) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&models.BatchJob{}).
		Where("id = ? AND status = ?", id, models.JobStatusQueued).
		Updates(map[string]interface{}{
			models.JobStatusField:    models.JobStatusRunning,
			models.JobStartedAtField: now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

// Requeue resets an orphaned running job to queued and clears started_at so
// the ETA recomputes cleanly on the next run
func (r *BatchJobRepository) Requeue(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&models.BatchJob{}).
		Where(models.BatchJob{ID: id}).
		Updates(map[string]interface{}{
			models.JobStatusField:    models.JobStatusQueued,
			models.JobStartedAtField: nil,
		}).Error
}

// UpdateProgress persists the cumulative counters and error sample. This is
// the chunk runner's only checkpoint; nothing else writes these fields.
func (r *BatchJobRepository) UpdateProgress(ctx context.Context, id string, processed, success, fail, skip int, errs models.JobErrors) error {
	return r.db.WithContext(ctx).Model(&models.BatchJob{}).
		Where(models.BatchJob{ID: id}).
		Updates(map[string]interface{}{
			"processed_items": processed,
			"success_count":   success,
			"fail_count":      fail,
			"skip_count":      skip,
			"errors":          errs,
		}).Error
}

// UpdateTotalItems persists a recomputed item count after a filter-driven
// payload has been resolved into concrete record ids
func (r *BatchJobRepository) UpdateTotalItems(ctx context.Context, id string, total int) error {
	return r.db.WithContext(ctx).Model(&models.BatchJob{}).
		Where(models.BatchJob{ID: id}).
		Update(models.JobTotalItemsField, total).Error
}

// MarkCompleted sets a terminal status, stamps completed_at, and clears the
// operation payload to reclaim storage. Only a running job can reach
// completed or failed this way; a row already moved to a terminal status by
// a concurrent cancel is left untouched and ErrStatusConflict is returned.
func (r *BatchJobRepository) MarkCompleted(ctx context.Context, id string, status models.JobStatus) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&models.BatchJob{}).
		Where("id = ? AND status = ?", id, models.JobStatusRunning).
		Updates(map[string]interface{}{
			models.JobStatusField:        status,
			models.JobCompletedAtField:   now,
			models.JobOperationDataField: nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

// MarkFailed sets the failed status with a single fatal error entry. Used by
// the runner's top-level error boundary.
func (r *BatchJobRepository) MarkFailed(ctx context.Context, id string, fatal models.JobError) error {
	fatal.Fatal = true
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&models.BatchJob{}).
		Where("id = ? AND status = ?", id, models.JobStatusRunning).
		Updates(map[string]interface{}{
			models.JobStatusField:        models.JobStatusFailed,
			models.JobCompletedAtField:   now,
			models.JobOperationDataField: nil,
			"errors":                     models.JobErrors{fatal},
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

// MarkCancelled sets the cancelled status and stamps completed_at. Valid only
// while the job is non-terminal; the running chunk runner observes the new
// status at its next chunk boundary.
func (r *BatchJobRepository) MarkCancelled(ctx context.Context, tenantID, id string) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&models.BatchJob{}).
		Where("id = ? AND tenant_id = ? AND status IN ?", id, tenantID,
			[]models.JobStatus{models.JobStatusAwaitingValidation, models.JobStatusQueued, models.JobStatusRunning}).
		Updates(map[string]interface{}{
			models.JobStatusField:      models.JobStatusCancelled,
			models.JobCompletedAtField: now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

// Approve records the approval audit fields and the post-approval status in
// one write. The awaiting_validation guard makes a second approval match no
// row, so a job is never dispatched twice.
func (r *BatchJobRepository) Approve(ctx context.Context, id string, approvedBy, consentID string, status models.JobStatus) error {
	now := time.Now()
	updates := map[string]interface{}{
		"validation_status":   models.ValidationApproved,
		"validated_by":        approvedBy,
		"validated_at":        now,
		models.JobStatusField: status,
	}
	if consentID != "" {
		updates["consent_id"] = consentID
	}
	if status == models.JobStatusRunning {
		updates[models.JobStartedAtField] = now
	}
	res := r.db.WithContext(ctx).Model(&models.BatchJob{}).
		Where("id = ? AND status = ?", id, models.JobStatusAwaitingValidation).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}
