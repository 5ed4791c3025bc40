package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/macrea/crmbatch/internal/db/models"
	"github.com/macrea/crmbatch/internal/db/repos"
)

// TestSetup bundles an engine wired to an in-memory database
type TestSetup struct {
	ctx    context.Context
	repo   *repos.BatchJobRepository
	engine *Engine
	proc   *fakeProcessor
}

// NewTestSetup creates an engine backed by an in-memory database and a
// single fake processor handling bulk_update jobs
func NewTestSetup(t *testing.T, opts Options) *TestSetup {
	t.Helper()

	// A per-test DSN keeps shared-cache databases isolated between tests
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_json=1", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "Failed to create in-memory database")
	require.NoError(t, db.AutoMigrate(&models.BatchJob{}), "Failed to run database migrations")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil && sqlDB != nil {
			_ = sqlDB.Close()
		}
	})

	// Engine tests run real chunk loops; keep the inter-chunk delay tiny
	if opts.Defaults.DelayMs == 0 {
		opts.Defaults.DelayMs = 1
	}

	proc := &fakeProcessor{jobType: models.JobTypeBulkUpdate}
	repo := repos.NewBatchJobRepository(db)
	eng := New(repo, NewRegistry(proc), opts)

	return &TestSetup{
		ctx:    context.Background(),
		repo:   repo,
		engine: eng,
		proc:   proc,
	}
}

// fakeProcessor is a configurable in-memory Processor. By default it resolves
// the payload's record ids into items and succeeds on every one.
type fakeProcessor struct {
	jobType models.JobType

	resolveFn func(ctx context.Context, job *models.BatchJob) ([]WorkItem, error)
	processFn func(ctx context.Context, job *models.BatchJob, item WorkItem) (Outcome, error)
}

func (p *fakeProcessor) Type() models.JobType {
	return p.jobType
}

func (p *fakeProcessor) ValidatePayload(data *models.OperationData) error {
	if data == nil || len(data.RecordIDs) == 0 {
		return fmt.Errorf("record_ids are required")
	}
	return nil
}

func (p *fakeProcessor) CountItems(data *models.OperationData) int {
	if data == nil {
		return 0
	}
	return len(data.RecordIDs)
}

func (p *fakeProcessor) ResolveItems(ctx context.Context, job *models.BatchJob) ([]WorkItem, error) {
	if p.resolveFn != nil {
		return p.resolveFn(ctx, job)
	}
	items := make([]WorkItem, 0, len(job.OperationData.RecordIDs))
	for _, id := range job.OperationData.RecordIDs {
		items = append(items, WorkItem{Ref: id})
	}
	return items, nil
}

func (p *fakeProcessor) ProcessOne(ctx context.Context, job *models.BatchJob, item WorkItem) (Outcome, error) {
	if p.processFn != nil {
		return p.processFn(ctx, job, item)
	}
	return OutcomeSuccess, nil
}

// recordIDs builds a payload of n synthetic record ids
func recordIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("rec-%d", i+1)
	}
	return ids
}

// submitRequest builds a minimal bulk_update submission for the fake processor
func submitRequest(tenantID string, n int) SubmitRequest {
	return SubmitRequest{
		TenantID: tenantID,
		JobType:  models.JobTypeBulkUpdate,
		Data:     &models.OperationData{RecordIDs: recordIDs(n)},
	}
}
