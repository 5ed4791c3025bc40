package engine

import (
	"context"
	"fmt"

	"github.com/macrea/crmbatch/internal/logger"
)

// RecoverStaleJobs resets jobs orphaned in running status by a prior crash
// back to queued and re-kicks the queue of every affected tenant. With a
// single job runner per deployment, a running job with no live runner is
// evidence of a crash; there is no separate heartbeat or lease.
//
// Boot-time only: it must not run concurrently with an active chunk runner.
// Running it when nothing is stale is a no-op. Returns the number of jobs
// requeued.
func (e *Engine) RecoverStaleJobs(ctx context.Context) (int, error) {
	stale, err := e.repo.ListRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list running jobs: %w", err)
	}
	if len(stale) == 0 {
		logger.Debug("No stale running jobs found")
		return 0, nil
	}

	logger.Infof("Found %d stale running job(s), requeuing", len(stale))

	tenants := make(map[string]struct{})
	for _, job := range stale {
		if err := e.repo.Requeue(ctx, job.ID); err != nil {
			return 0, fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
		}
		logger.Infof("Requeued stale job %s (%s)", job.ID, job.OperationName)
		tenants[job.TenantID] = struct{}{}
	}

	for tenantID := range tenants {
		e.startNextQueuedJob(tenantID)
	}

	return len(stale), nil
}
