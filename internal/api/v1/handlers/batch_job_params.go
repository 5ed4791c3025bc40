package handlers

import (
	"github.com/macrea/crmbatch/internal/db/models"
)

// CreateJobRequest is the JSON body for job creation. CSV imports use the
// raw-body path instead and never carry this struct.
type CreateJobRequest struct {
	JobType       string `json:"job_type" validate:"required,oneof=import bulk_update bulk_delete"`
	OperationName string `json:"operation_name"`

	Rows      []map[string]string `json:"rows,omitempty"`
	RecordIDs []string            `json:"record_ids,omitempty"`
	Updates   map[string]string   `json:"updates,omitempty"`
	Filters   map[string]string   `json:"filters,omitempty"`

	Config models.OperationConfig `json:"config"`

	// RequiresValidation defaults to true for JSON-submitted jobs: bulk
	// mutations go through the approval gate unless explicitly opted out
	RequiresValidation *bool `json:"requires_validation,omitempty"`
}

// OperationData assembles the job payload from the request
func (r *CreateJobRequest) OperationData() *models.OperationData {
	return &models.OperationData{
		Rows:      r.Rows,
		RecordIDs: r.RecordIDs,
		Updates:   r.Updates,
		Filters:   r.Filters,
	}
}

// ApproveJobRequest is the JSON body for job approval
type ApproveJobRequest struct {
	ConsentID string `json:"consent_id,omitempty"`
}

// CreateJobResponse reports the created job to the caller
type CreateJobResponse struct {
	JobID              string           `json:"job_id"`
	Status             models.JobStatus `json:"status"`
	TotalItems         int              `json:"total_items"`
	Position           int              `json:"position"`
	Started            bool             `json:"started"`
	RequiresValidation bool             `json:"requires_validation"`
}

// ApproveJobResponse reports the post-approval state to the caller
type ApproveJobResponse struct {
	Status  models.JobStatus `json:"status"`
	Started bool             `json:"started"`
}
