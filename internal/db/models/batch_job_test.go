package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJobType(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    JobType
		wantErr bool
	}{
		{name: "import", input: "import", want: JobTypeImport},
		{name: "bulk update", input: "bulk_update", want: JobTypeBulkUpdate},
		{name: "bulk delete", input: "bulk_delete", want: JobTypeBulkDelete},
		{name: "unknown type", input: "export", wantErr: true},
		{name: "empty string", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseJobType(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJobStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   JobStatus
		terminal bool
	}{
		{name: "awaiting validation", status: JobStatusAwaitingValidation, terminal: false},
		{name: "queued", status: JobStatusQueued, terminal: false},
		{name: "running", status: JobStatusRunning, terminal: false},
		{name: "completed", status: JobStatusCompleted, terminal: true},
		{name: "failed", status: JobStatusFailed, terminal: true},
		{name: "cancelled", status: JobStatusCancelled, terminal: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := ParseJobStatus(string(tt.status))
			assert.NoError(t, err)
			assert.Equal(t, tt.status, parsed)
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}

	_, err := ParseJobStatus("paused")
	assert.Error(t, err)
}

func TestOperationConfigMerge(t *testing.T) {
	defaults := DefaultOperationConfig()

	t.Run("zero config takes all defaults", func(t *testing.T) {
		merged := OperationConfig{}.Merge(defaults)
		assert.Equal(t, DefaultChunkSize, merged.ChunkSize)
		assert.Equal(t, DefaultDelayMs, merged.DelayMs)
		assert.Equal(t, DefaultMaxErrors, merged.MaxErrors)
		assert.Equal(t, DefaultItemTimeoutMs, merged.ItemTimeoutMs)
		require.NotNil(t, merged.ContinueOnError)
		assert.True(t, *merged.ContinueOnError)
	})

	t.Run("overrides survive the merge", func(t *testing.T) {
		stopOnError := false
		merged := OperationConfig{
			ChunkSize:       10,
			DelayMs:         100,
			ContinueOnError: &stopOnError,
			MaxErrors:       5,
		}.Merge(defaults)
		assert.Equal(t, 10, merged.ChunkSize)
		assert.Equal(t, 100, merged.DelayMs)
		assert.Equal(t, 5, merged.MaxErrors)
		require.NotNil(t, merged.ContinueOnError)
		assert.False(t, *merged.ContinueOnError)
		// Untouched fields keep the defaults
		assert.Equal(t, DefaultItemTimeoutMs, merged.ItemTimeoutMs)
	})

	t.Run("durations derive from the merged values", func(t *testing.T) {
		merged := OperationConfig{DelayMs: 250, ItemTimeoutMs: 1000}.Merge(defaults)
		assert.Equal(t, 250*time.Millisecond, merged.Delay())
		assert.Equal(t, time.Second, merged.ItemTimeout())
	})
}

func TestBatchJobBeforeCreate(t *testing.T) {
	t.Run("fills id, status and validation status", func(t *testing.T) {
		job := &BatchJob{
			TenantID: "tenant-1",
			JobType:  JobTypeImport,
		}
		require.NoError(t, job.BeforeCreate(nil))
		assert.NotEmpty(t, job.ID)
		assert.Equal(t, JobStatusQueued, job.Status)
		assert.Equal(t, ValidationSkipped, job.ValidationStatus)
	})

	t.Run("gated jobs start pending validation", func(t *testing.T) {
		job := &BatchJob{
			TenantID:           "tenant-1",
			JobType:            JobTypeBulkDelete,
			Status:             JobStatusAwaitingValidation,
			RequiresValidation: true,
		}
		require.NoError(t, job.BeforeCreate(nil))
		assert.Equal(t, ValidationPending, job.ValidationStatus)
	})

	t.Run("rejects missing tenant", func(t *testing.T) {
		job := &BatchJob{JobType: JobTypeImport}
		assert.Error(t, job.BeforeCreate(nil))
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		job := &BatchJob{TenantID: "tenant-1", JobType: "export"}
		assert.Error(t, job.BeforeCreate(nil))
	})
}

func TestProgressPercent(t *testing.T) {
	tests := []struct {
		name      string
		total     int
		processed int
		want      int
	}{
		{name: "no items", total: 0, processed: 0, want: 0},
		{name: "untouched", total: 100, processed: 0, want: 0},
		{name: "halfway", total: 100, processed: 50, want: 50},
		{name: "rounds to nearest", total: 3, processed: 1, want: 33},
		{name: "done", total: 40, processed: 40, want: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &BatchJob{TotalItems: tt.total, ProcessedItems: tt.processed}
			assert.Equal(t, tt.want, job.ProgressPercent())
		})
	}
}

func TestETA(t *testing.T) {
	now := time.Now()
	started := now.Add(-time.Minute)

	t.Run("extrapolates from the observed rate", func(t *testing.T) {
		job := &BatchJob{
			Status:         JobStatusRunning,
			StartedAt:      &started,
			TotalItems:     100,
			ProcessedItems: 50,
		}
		eta, ok := job.ETA(now)
		require.True(t, ok)
		// 50 items in one minute leaves one minute for the remaining 50
		assert.Equal(t, time.Minute, eta)
	})

	t.Run("no estimate without progress", func(t *testing.T) {
		job := &BatchJob{
			Status:     JobStatusRunning,
			StartedAt:  &started,
			TotalItems: 100,
		}
		_, ok := job.ETA(now)
		assert.False(t, ok)
	})

	t.Run("no estimate when not running", func(t *testing.T) {
		job := &BatchJob{
			Status:         JobStatusQueued,
			StartedAt:      &started,
			TotalItems:     100,
			ProcessedItems: 50,
		}
		_, ok := job.ETA(now)
		assert.False(t, ok)
	})
}

func TestFormatETA(t *testing.T) {
	tests := []struct {
		name string
		d    time.Duration
		want string
	}{
		{name: "hours", d: 2*time.Hour + 10*time.Minute, want: "2h"},
		{name: "minutes", d: 5*time.Minute + 20*time.Second, want: "5min"},
		{name: "seconds", d: 30 * time.Second, want: "30s"},
		{name: "sub-second", d: 300 * time.Millisecond, want: "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatETA(tt.d))
		})
	}
}
