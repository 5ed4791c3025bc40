package processors

import (
	"context"
	"fmt"

	"github.com/macrea/crmbatch/internal/crm"
	"github.com/macrea/crmbatch/internal/db/models"
	"github.com/macrea/crmbatch/internal/engine"
)

// BulkUpdate applies one field/value map to many records by id. Targets are
// either an explicit id list or a filter resolved once before chunking.
type BulkUpdate struct {
	crm crm.API
}

// NewBulkUpdate creates the bulk update processor
func NewBulkUpdate(api crm.API) *BulkUpdate {
	return &BulkUpdate{crm: api}
}

// Type returns the job type this processor handles
func (p *BulkUpdate) Type() models.JobType {
	return models.JobTypeBulkUpdate
}

// ValidatePayload requires a non-empty updates map and either record ids or
// filters
func (p *BulkUpdate) ValidatePayload(data *models.OperationData) error {
	if data == nil || len(data.Updates) == 0 {
		return fmt.Errorf("updates are required")
	}
	if len(data.RecordIDs) == 0 && len(data.Filters) == 0 {
		return fmt.Errorf("record_ids or filters are required")
	}
	return nil
}

// CountItems returns the explicit target count; filter-driven payloads
// report 0 until resolution
func (p *BulkUpdate) CountItems(data *models.OperationData) int {
	if data == nil {
		return 0
	}
	return len(data.RecordIDs)
}

// ResolveItems returns the explicit id list, or resolves the filters into
// ids with a single downstream query
func (p *BulkUpdate) ResolveItems(ctx context.Context, job *models.BatchJob) ([]engine.WorkItem, error) {
	if job.OperationData == nil {
		return nil, nil
	}
	ids := job.OperationData.RecordIDs
	if len(ids) == 0 && len(job.OperationData.Filters) > 0 {
		resolved, err := p.crm.FindLeadIDs(ctx, job.TenantID, job.OperationData.Filters)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve filters: %w", err)
		}
		ids = resolved
	}
	items := make([]engine.WorkItem, len(ids))
	for i, id := range ids {
		items[i] = engine.WorkItem{Ref: id}
	}
	return items, nil
}

// ProcessOne updates one record. A target that no longer exists is a skip,
// not a failure.
func (p *BulkUpdate) ProcessOne(ctx context.Context, job *models.BatchJob, item engine.WorkItem) (engine.Outcome, error) {
	if _, err := p.crm.UpdateLead(ctx, item.Ref, job.OperationData.Updates); err != nil {
		if crm.IsNotFound(err) {
			return engine.OutcomeSkip, nil
		}
		return "", fmt.Errorf("update failed: %w", err)
	}
	return engine.OutcomeSuccess, nil
}
