package services

import (
	"context"
	"errors"
	"time"

	"github.com/WebChangeDetector/webchangedetector-sub002/downstream"
	"github.com/WebChangeDetector/webchangedetector-sub002/metrics"
	"github.com/WebChangeDetector/webchangedetector-sub002/models"
	"github.com/WebChangeDetector/webchangedetector-sub002/models/sync_jobs"
	"go.uber.org/zap"
)

// StuckJobGrace is added to the execution budget before a processing job
// is considered stuck.
var StuckJobGrace = 2 * time.Minute

// FailStuckJobs marks as failed any processing jobs with an updated_at
// timestamp older than the olderThan value, and marks their remote websites
// as failed too.
func FailStuckJobs(ctx context.Context, jobs *sync_jobs.Store, remote *downstream.Client, olderThan time.Duration, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if olderThan < 0 {
		olderThan = -olderThan
	}
	stuck, err := jobs.GetStuckJobs(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return err
	}
	failed := models.StatusFailed
	msg := models.MessageTimedOut
	for _, job := range stuck {
		err = jobs.Update(ctx, job.ID, sync_jobs.Update{Status: &failed, Message: &msg})
		if err == nil {
			logger.Warn("found stuck job and marked it as failed",
				zap.String("job_id", job.ID), zap.Time("updated_at", job.UpdatedAt))
			metrics.Increment("sync_job.stuck")
			markWebsite(ctx, remote, job, downstream.SyncStatusFailed, logger)
			continue
		}
		var terr *sync_jobs.InvalidTransitionError
		if errors.As(err, &terr) {
			// Finished between the query and the update.
			continue
		}
		// We don't want to return an error here since there may easily be
		// races with the worker. If it errors we'll grab it with the next
		// run.
		logger.Warn("found stuck job but could not mark it as failed",
			zap.String("job_id", job.ID), zap.Error(err))
	}
	return nil
}

// ArchiveOldJobs deletes every job created more than retention ago, and
// returns the number of deleted jobs.
func ArchiveOldJobs(ctx context.Context, jobs *sync_jobs.Store, retention time.Duration, logger *zap.Logger) (int64, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	n, err := jobs.DeleteOlderThan(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Info("deleted old sync jobs", zap.Int64("count", n), zap.Duration("retention", retention))
	}
	return n, nil
}
