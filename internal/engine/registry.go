package engine

import (
	"context"
	"fmt"

	"github.com/macrea/crmbatch/internal/db/models"
)

// Outcome classifies the result of processing one item
type Outcome string

// Item outcomes. A failure is signalled by a non-nil error from ProcessOne,
// never by an Outcome value.
const (
	// OutcomeSuccess counts the item as successfully applied downstream
	OutcomeSuccess Outcome = "success"
	// OutcomeSkip counts the item as intentionally not applied, for example
	// a row without its natural key or a target record that no longer exists
	OutcomeSkip Outcome = "skip"
)

// WorkItem is one unit of work inside a job. Ref identifies the item in
// error reports; Fields carries the per-item payload where one exists.
type WorkItem struct {
	Ref    string
	Fields map[string]string
}

// Processor implements one job type. It resolves the job's item collection
// and performs one item's worth of work. Chunking, inter-chunk delays,
// cancellation checks, and progress persistence are the chunk runner's
// responsibility, never the processor's.
type Processor interface {
	// Type returns the job type this processor handles
	Type() models.JobType

	// ValidatePayload rejects a submission whose payload is missing the
	// required shape, before any job record is created
	ValidatePayload(data *models.OperationData) error

	// CountItems returns the payload's item count as known at submission
	// time. Filter-driven payloads return 0 here; their real count is only
	// known after ResolveItems.
	CountItems(data *models.OperationData) int

	// ResolveItems expands the payload into the ordered item collection.
	// For filter-driven jobs this queries the downstream API once, up
	// front, before chunking begins.
	ResolveItems(ctx context.Context, job *models.BatchJob) ([]WorkItem, error)

	// ProcessOne performs one item's worth of work and classifies the
	// result. A non-nil error means the item failed.
	ProcessOne(ctx context.Context, job *models.BatchJob, item WorkItem) (Outcome, error)
}

// Registry maps job types to their processors. The set is closed: lookups
// for unregistered types fail.
type Registry struct {
	processors map[models.JobType]Processor
}

// NewRegistry creates a registry holding the given processors
func NewRegistry(procs ...Processor) *Registry {
	r := &Registry{processors: make(map[models.JobType]Processor, len(procs))}
	for _, p := range procs {
		r.processors[p.Type()] = p
	}
	return r
}

// Resolve returns the processor for a job type
func (r *Registry) Resolve(jobType models.JobType) (Processor, error) {
	p, ok := r.processors[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	return p, nil
}
