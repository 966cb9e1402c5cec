package services

import (
	"context"
	"time"

	"github.com/WebChangeDetector/webchangedetector-sub002/downstream"
	"github.com/WebChangeDetector/webchangedetector-sub002/models/sync_jobs"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Schedules for the maintenance tasks.
const (
	StuckJobSchedule  = "@every 1m"
	RetentionSchedule = "@hourly"
)

// MaintenanceConfig configures the periodic maintenance tasks.
type MaintenanceConfig struct {
	// ExecutionBudget is the time a job may run; jobs in processing longer
	// than this plus StuckJobGrace without an update are failed.
	ExecutionBudget time.Duration
	Retention       time.Duration
}

// NewMaintenanceCron returns a cron that fails stuck jobs every minute and
// deletes old jobs every hour. Call Start to run it and Stop to stop it.
func NewMaintenanceCron(jobs *sync_jobs.Store, remote *downstream.Client, cfg MaintenanceConfig, logger *zap.Logger) (*cron.Cron, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ExecutionBudget <= 0 {
		cfg.ExecutionBudget = DefaultTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))
	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	_, err := c.AddFunc(StuckJobSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := FailStuckJobs(ctx, jobs, remote, cfg.ExecutionBudget+StuckJobGrace, logger); err != nil {
			logger.Error("could not fail stuck jobs", zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	_, err = c.AddFunc(RetentionSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := ArchiveOldJobs(ctx, jobs, cfg.Retention, logger); err != nil {
			logger.Error("could not delete old jobs", zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
