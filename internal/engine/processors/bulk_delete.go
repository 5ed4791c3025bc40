package processors

import (
	"context"
	"fmt"

	"github.com/macrea/crmbatch/internal/crm"
	"github.com/macrea/crmbatch/internal/db/models"
	"github.com/macrea/crmbatch/internal/engine"
)

// BulkDelete removes many records by id
type BulkDelete struct {
	crm crm.API
}

// NewBulkDelete creates the bulk delete processor
func NewBulkDelete(api crm.API) *BulkDelete {
	return &BulkDelete{crm: api}
}

// Type returns the job type this processor handles
func (p *BulkDelete) Type() models.JobType {
	return models.JobTypeBulkDelete
}

// ValidatePayload requires an explicit id list; deletes are never
// filter-driven
func (p *BulkDelete) ValidatePayload(data *models.OperationData) error {
	if data == nil || len(data.RecordIDs) == 0 {
		return fmt.Errorf("record_ids are required")
	}
	return nil
}

// CountItems returns the number of target ids
func (p *BulkDelete) CountItems(data *models.OperationData) int {
	if data == nil {
		return 0
	}
	return len(data.RecordIDs)
}

// ResolveItems returns the id list in its original order
func (p *BulkDelete) ResolveItems(_ context.Context, job *models.BatchJob) ([]engine.WorkItem, error) {
	if job.OperationData == nil {
		return nil, nil
	}
	items := make([]engine.WorkItem, len(job.OperationData.RecordIDs))
	for i, id := range job.OperationData.RecordIDs {
		items[i] = engine.WorkItem{Ref: id}
	}
	return items, nil
}

// ProcessOne deletes one record. An already-deleted target is a skip,
// matching bulk update's treatment of vanished records.
func (p *BulkDelete) ProcessOne(ctx context.Context, _ *models.BatchJob, item engine.WorkItem) (engine.Outcome, error) {
	if err := p.crm.DeleteLead(ctx, item.Ref); err != nil {
		if crm.IsNotFound(err) {
			return engine.OutcomeSkip, nil
		}
		return "", fmt.Errorf("delete failed: %w", err)
	}
	return engine.OutcomeSuccess, nil
}
