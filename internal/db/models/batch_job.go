package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Field names used for field-scoped updates on the batch_jobs table
const (
	// JobStatusField is the field name for job status
	JobStatusField = "status"
	// JobStartedAtField is the field name for the job start timestamp
	JobStartedAtField = "started_at"
	// JobCompletedAtField is the field name for the job completion timestamp
	JobCompletedAtField = "completed_at"
	// JobTotalItemsField is the field name for the total item count
	JobTotalItemsField = "total_items"
	// JobOperationDataField is the field name for the job payload
	JobOperationDataField = "operation_data"
	// JobCreatedAtField is the field name for the job creation timestamp
	JobCreatedAtField = "created_at"
)

// JobType identifies which processor executes a batch job
type JobType string

// Supported job types. The set is closed: unknown types are rejected at
// submission and treated as fatal by the runner.
const (
	// JobTypeImport imports CSV rows as leads via upsert-by-email
	JobTypeImport JobType = "import"
	// JobTypeBulkUpdate applies one field/value map to many records by id
	JobTypeBulkUpdate JobType = "bulk_update"
	// JobTypeBulkDelete deletes many records by id
	JobTypeBulkDelete JobType = "bulk_delete"
)

// ParseJobType converts a string to a JobType
func ParseJobType(str string) (JobType, error) {
	switch str {
	case string(JobTypeImport):
		return JobTypeImport, nil
	case string(JobTypeBulkUpdate):
		return JobTypeBulkUpdate, nil
	case string(JobTypeBulkDelete):
		return JobTypeBulkDelete, nil
	default:
		return "", fmt.Errorf("invalid job type: %s", str)
	}
}

// JobStatus represents the current state of a batch job
type JobStatus string

// Job status constants
const (
	// JobStatusAwaitingValidation indicates the job is blocked on human approval
	JobStatusAwaitingValidation JobStatus = "awaiting_validation"
	// JobStatusQueued indicates the job is waiting for the tenant's running slot
	JobStatusQueued JobStatus = "queued"
	// JobStatusRunning indicates the job is being processed by the chunk runner
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job finished normally
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed fatally or every item failed
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the job was cancelled by the tenant
	JobStatusCancelled JobStatus = "cancelled"
)

// String returns the string representation of the job status
func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transitions are permitted
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// ParseJobStatus converts a string to a JobStatus
func ParseJobStatus(str string) (JobStatus, error) {
	switch str {
	case string(JobStatusAwaitingValidation),
		string(JobStatusQueued),
		string(JobStatusRunning),
		string(JobStatusCompleted),
		string(JobStatusFailed),
		string(JobStatusCancelled):
		return JobStatus(str), nil
	default:
		return "", fmt.Errorf("invalid job status: %s", str)
	}
}

// ValidationStatus tracks the human-approval gate for a job
type ValidationStatus string

// Validation status constants
const (
	// ValidationSkipped indicates the job never required approval
	ValidationSkipped ValidationStatus = "skipped"
	// ValidationPending indicates the job is waiting for approval
	ValidationPending ValidationStatus = "pending"
	// ValidationApproved indicates the job was approved
	ValidationApproved ValidationStatus = "approved"
)

// OperationData is the type-specific payload of a batch job. It is cleared
// when the job reaches a terminal status to reclaim storage.
type OperationData struct {
	// Rows holds CSV rows for import jobs, one map per row keyed by header
	Rows []map[string]string `json:"rows,omitempty"`
	// RecordIDs holds downstream record ids for bulk_update and bulk_delete
	RecordIDs []string `json:"record_ids,omitempty"`
	// Updates holds the field/value map applied by bulk_update
	Updates map[string]string `json:"updates,omitempty"`
	// Filters selects target records when RecordIDs is empty (bulk_update)
	Filters map[string]string `json:"filters,omitempty"`
}

// Value implements the driver.Valuer interface
func (d *OperationData) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

// Scan implements the sql.Scanner interface
func (d *OperationData) Scan(value interface{}) error {
	if value == nil {
		*d = OperationData{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		if str, ok := value.(string); ok {
			bytes = []byte(str)
		} else {
			return fmt.Errorf("failed to unmarshal JSONB value: %v", value)
		}
	}
	return json.Unmarshal(bytes, d)
}

// OperationConfig tunes how the chunk runner drives a job. Zero values mean
// "unset" and are filled from the engine defaults at submission.
type OperationConfig struct {
	ChunkSize       int   `json:"chunk_size,omitempty"`
	DelayMs         int   `json:"delay_ms,omitempty"`
	ContinueOnError *bool `json:"continue_on_error,omitempty"`
	MaxErrors       int   `json:"max_errors,omitempty"`
	ItemTimeoutMs   int   `json:"item_timeout_ms,omitempty"`
}

// Default chunk runner configuration
const (
	DefaultChunkSize     = 50
	DefaultDelayMs       = 500
	DefaultMaxErrors     = 50
	DefaultItemTimeoutMs = 30000
)

// DefaultOperationConfig returns the engine default configuration
func DefaultOperationConfig() OperationConfig {
	continueOnError := true
	return OperationConfig{
		ChunkSize:       DefaultChunkSize,
		DelayMs:         DefaultDelayMs,
		ContinueOnError: &continueOnError,
		MaxErrors:       DefaultMaxErrors,
		ItemTimeoutMs:   DefaultItemTimeoutMs,
	}
}

// Merge overlays c on top of defaults and returns the effective configuration
func (c OperationConfig) Merge(defaults OperationConfig) OperationConfig {
	merged := defaults
	if c.ChunkSize > 0 {
		merged.ChunkSize = c.ChunkSize
	}
	if c.DelayMs > 0 {
		merged.DelayMs = c.DelayMs
	}
	if c.ContinueOnError != nil {
		merged.ContinueOnError = c.ContinueOnError
	}
	if c.MaxErrors > 0 {
		merged.MaxErrors = c.MaxErrors
	}
	if c.ItemTimeoutMs > 0 {
		merged.ItemTimeoutMs = c.ItemTimeoutMs
	}
	return merged
}

// Delay returns the inter-chunk delay as a duration
func (c OperationConfig) Delay() time.Duration {
	return time.Duration(c.DelayMs) * time.Millisecond
}

// ItemTimeout returns the per-item timeout as a duration
func (c OperationConfig) ItemTimeout() time.Duration {
	return time.Duration(c.ItemTimeoutMs) * time.Millisecond
}

// Value implements the driver.Valuer interface
func (c OperationConfig) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Scan implements the sql.Scanner interface
func (c *OperationConfig) Scan(value interface{}) error {
	if value == nil {
		*c = OperationConfig{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		if str, ok := value.(string); ok {
			bytes = []byte(str)
		} else {
			return fmt.Errorf("failed to unmarshal JSONB value: %v", value)
		}
	}
	return json.Unmarshal(bytes, c)
}

// JobError is one sampled entry in a job's bounded error list
type JobError struct {
	// Ref identifies the failing item: a record id, an email, or "row N"
	Ref     string `json:"ref,omitempty"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// JobErrors is the bounded error sample attached to a job
type JobErrors []JobError

// Value implements the driver.Valuer interface
func (e JobErrors) Value() (driver.Value, error) {
	if e == nil {
		return json.Marshal(JobErrors{})
	}
	return json.Marshal(e)
}

// Scan implements the sql.Scanner interface
func (e *JobErrors) Scan(value interface{}) error {
	if value == nil {
		*e = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		if str, ok := value.(string); ok {
			bytes = []byte(str)
		} else {
			return fmt.Errorf("failed to unmarshal JSONB value: %v", value)
		}
	}
	return json.Unmarshal(bytes, e)
}

// BatchJob is the durable record of one bulk operation. The job store row is
// the single source of truth for the engine: all queue and occupancy
// decisions are derived from it at decision time.
type BatchJob struct {
	ID       string  `json:"id" gorm:"primaryKey;type:uuid"`
	TenantID string  `json:"tenant_id" gorm:"not null;index"`
	JobType  JobType `json:"job_type" gorm:"not null;index"`

	OperationName   string          `json:"operation_name"`
	OperationData   *OperationData  `json:"-" gorm:"type:jsonb"`
	OperationConfig OperationConfig `json:"operation_config" gorm:"type:jsonb"`

	RequiresValidation bool             `json:"requires_validation" gorm:"not null;default:false"`
	ValidationStatus   ValidationStatus `json:"validation_status"`
	ValidatedBy        string           `json:"validated_by,omitempty"`
	ValidatedAt        *time.Time       `json:"validated_at,omitempty"`
	ConsentID          string           `json:"consent_id,omitempty"`

	Status JobStatus `json:"status" gorm:"not null;index"`

	TotalItems     int `json:"total_items" gorm:"not null;default:0"`
	ProcessedItems int `json:"processed_items" gorm:"not null;default:0"`
	SuccessCount   int `json:"success_count" gorm:"not null;default:0"`
	FailCount      int `json:"fail_count" gorm:"not null;default:0"`
	SkipCount      int `json:"skip_count" gorm:"not null;default:0"`

	Errors JobErrors `json:"errors" gorm:"type:jsonb"`

	FileName string `json:"file_name,omitempty"`
	FileHash string `json:"file_hash,omitempty"`

	CreatedAt   time.Time  `json:"created_at" gorm:"index"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TableName overrides the table name for BatchJob
func (BatchJob) TableName() string {
	return "batch_jobs"
}

// Validate ensures that the job data is valid
func (j *BatchJob) Validate() error {
	if j.TenantID == "" {
		return fmt.Errorf("tenant id cannot be empty")
	}
	if _, err := ParseJobType(string(j.JobType)); err != nil {
		return err
	}
	if _, err := ParseJobStatus(string(j.Status)); err != nil {
		return err
	}
	return nil
}

// BeforeCreate is a GORM hook that runs before inserting a new job
func (j *BatchJob) BeforeCreate(_ *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = JobStatusQueued
	}
	if j.ValidationStatus == "" {
		if j.RequiresValidation {
			j.ValidationStatus = ValidationPending
		} else {
			j.ValidationStatus = ValidationSkipped
		}
	}
	return j.Validate()
}

// ProgressPercent returns processing progress rounded to whole percents
func (j *BatchJob) ProgressPercent() int {
	if j.TotalItems <= 0 {
		return 0
	}
	return int(float64(j.ProcessedItems)/float64(j.TotalItems)*100 + 0.5)
}

// ETA estimates the remaining run time by linear extrapolation of the
// observed per-item rate. Returns false when no estimate is possible: the
// job is not running, has no start timestamp, or has made no progress yet.
func (j *BatchJob) ETA(now time.Time) (time.Duration, bool) {
	if j.Status != JobStatusRunning || j.StartedAt == nil || j.ProcessedItems == 0 {
		return 0, false
	}
	elapsed := now.Sub(*j.StartedAt)
	if elapsed <= 0 {
		return 0, false
	}
	remaining := j.TotalItems - j.ProcessedItems
	perItem := elapsed / time.Duration(j.ProcessedItems)
	return perItem * time.Duration(remaining), true
}

// FormatETA renders a duration the way the status endpoint reports it
func FormatETA(d time.Duration) string {
	switch {
	case d > time.Hour:
		return fmt.Sprintf("%dh", int(d.Round(time.Hour)/time.Hour))
	case d > time.Minute:
		return fmt.Sprintf("%dmin", int(d.Round(time.Minute)/time.Minute))
	default:
		return fmt.Sprintf("%ds", int(d.Round(time.Second)/time.Second))
	}
}
