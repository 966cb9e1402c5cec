package services

import (
	"context"
	"errors"
	"time"

	"github.com/WebChangeDetector/webchangedetector-sub002/discovery"
	"github.com/WebChangeDetector/webchangedetector-sub002/downstream"
	"github.com/WebChangeDetector/webchangedetector-sub002/metrics"
	"github.com/WebChangeDetector/webchangedetector-sub002/models"
	"github.com/WebChangeDetector/webchangedetector-sub002/models/sync_jobs"
	"go.uber.org/zap"
)

// DefaultTimeout is the default amount of time a JobProcessor gives a job
// to run to completion.
var DefaultTimeout = 10 * time.Minute

// DefaultRetention is how long finished jobs are kept.
var DefaultRetention = 24 * time.Hour

// SyncChunkSize is the number of URLs pushed to the remote service in one
// sync-urls call.
const SyncChunkSize = 100

// Progress checkpoints for each phase.
const (
	progressDiscovering = 20
	progressSyncing     = 40
	progressSynced      = 79
	progressFinalizing  = 80
	progressDone        = 100
)

// writeTimeout bounds the store and remote writes that record a failure,
// which run even when the job's own context has expired.
const writeTimeout = 10 * time.Second

// JobProcessor runs sync jobs: it discovers the website's URLs, pushes them
// to the remote service and starts the remote sync, recording progress on
// the job as it goes.
type JobProcessor struct {
	Jobs      *sync_jobs.Store
	Remote    *downstream.Client
	Discovery discovery.Discoverer

	// Amount of time a single job may run before it's cancelled and marked
	// as failed.
	Timeout time.Duration

	// Jobs older than Retention are deleted after each run. Set to 0 to
	// disable.
	Retention time.Duration

	Logger *zap.Logger
}

// NewJobProcessor creates a services.JobProcessor with the default timeout
// and retention.
func NewJobProcessor(jobs *sync_jobs.Store, remote *downstream.Client, d discovery.Discoverer, logger *zap.Logger) *JobProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobProcessor{
		Jobs:      jobs,
		Remote:    remote,
		Discovery: d,
		Timeout:   DefaultTimeout,
		Retention: DefaultRetention,
		Logger:    logger,
	}
}

func (jp *JobProcessor) logger() *zap.Logger {
	if jp.Logger == nil {
		return zap.NewNop()
	}
	return jp.Logger
}

// RunJob claims the queued job with the given id and runs it. If the job
// is not queued (another worker claimed it, or it already ran) RunJob
// returns nil without doing anything.
func (jp *JobProcessor) RunJob(ctx context.Context, id string) error {
	job, err := jp.Jobs.Claim(ctx, id)
	if err == sync_jobs.ErrNotClaimed {
		jp.logger().Debug("job was not queued, skipping", zap.String("job_id", id))
		return nil
	}
	if err != nil {
		return err
	}
	return jp.DoWork(ctx, job)
}

// DoWork runs a job that has been claimed, ie. is in the processing state.
//
// Failures of the job itself are recorded on the job and are not returned.
// An error is returned only if the job's state could not be written.
func (jp *JobProcessor) DoWork(ctx context.Context, job *models.SyncJob) error {
	timeout := jp.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	logger := jp.logger().With(zap.String("job_id", job.ID), zap.String("domain", job.Domain))
	start := time.Now()
	logger.Info("processing sync job")
	defer jp.cleanup(ctx)
	defer func() { metrics.Time("sync_job.latency", time.Since(start)) }()

	if err := jp.progress(ctx, job.ID, progressDiscovering, models.MessageDiscovering); err != nil {
		return err
	}
	chunks, err := jp.Discovery.Discover(ctx, job.Domain, job.Payload.Selectors)
	urls := models.Flatten(chunks)
	if err != nil || len(urls) == 0 {
		if err != nil {
			logger.Warn("url discovery failed", zap.Error(err))
		}
		return jp.fail(ctx, job, models.MessageNoURLs, false)
	}

	total := len(urls)
	token := job.Payload.Credential.APIToken
	zero := 0
	err = jp.Jobs.Update(ctx, job.ID, sync_jobs.Update{
		Progress:      intPtr(progressSyncing),
		Message:       strPtr(models.MessageSyncing),
		TotalURLs:     &total,
		ProcessedURLs: &zero,
	})
	if err != nil {
		return err
	}
	markWebsite(ctx, jp.Remote, job, downstream.SyncStatusSyncing, logger)

	processed := 0
	for _, chunk := range models.Chunk(urls, SyncChunkSize) {
		if err := jp.Remote.URLs.Sync(ctx, token, job.Domain, chunk); err != nil {
			logger.Warn("sync-urls failed", zap.Int("processed_urls", processed), zap.Error(err))
			return jp.fail(ctx, job, err.Error(), true)
		}
		processed += len(chunk)
		p := progressSyncing + (progressSynced-progressSyncing)*processed/total
		err := jp.Jobs.Update(ctx, job.ID, sync_jobs.Update{
			Progress:      &p,
			ProcessedURLs: &processed,
		})
		if err != nil {
			return err
		}
	}

	if err := jp.progress(ctx, job.ID, progressFinalizing, models.MessageFinalizing); err != nil {
		return err
	}
	if err := jp.Remote.URLs.StartSync(ctx, token, job.Domain, true); err != nil {
		logger.Warn("start-sync failed", zap.Error(err))
		return jp.fail(ctx, job, err.Error(), true)
	}

	completed := models.StatusCompleted
	err = jp.Jobs.Update(ctx, job.ID, sync_jobs.Update{
		Status:   &completed,
		Progress: intPtr(progressDone),
		Message:  strPtr(models.MessageCompleted),
	})
	if err != nil {
		return err
	}
	metrics.Increment("sync_job.completed")
	markWebsite(ctx, jp.Remote, job, downstream.SyncStatusCompleted, logger)
	logger.Info("sync job completed", zap.Int("total_urls", total), zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (jp *JobProcessor) progress(ctx context.Context, id string, p int, msg string) error {
	return jp.Jobs.Update(ctx, id, sync_jobs.Update{Progress: &p, Message: &msg})
}

// fail marks job as failed with msg. If website is true, the remote
// website's sync status is set to failed as well.
func (jp *JobProcessor) fail(ctx context.Context, job *models.SyncJob, msg string, website bool) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	failed := models.StatusFailed
	err := jp.Jobs.Update(ctx, job.ID, sync_jobs.Update{Status: &failed, Message: &msg})
	logger := jp.logger().With(zap.String("job_id", job.ID))
	if err != nil {
		var terr *sync_jobs.InvalidTransitionError
		if errors.As(err, &terr) {
			// The watchdog got here first.
			logger.Info("job already finished", zap.String("status", string(terr.From)))
			return nil
		}
		return err
	}
	metrics.Increment("sync_job.failed")
	logger.Info("sync job failed", zap.String("error_message", msg))
	if website {
		markWebsite(ctx, jp.Remote, job, downstream.SyncStatusFailed, logger)
	}
	return nil
}

// markWebsite sets the sync status of the job's website with the job's
// credential. Errors are logged and otherwise ignored.
func markWebsite(ctx context.Context, remote *downstream.Client, job *models.SyncJob, status string, logger *zap.Logger) {
	websiteID := job.Payload.WebsiteMetadata.WebsiteID
	if remote == nil || websiteID == "" {
		return
	}
	err := remote.Websites.UpdateSyncStatus(ctx, job.Payload.Credential.APIToken, websiteID, status)
	if err != nil {
		logger.Warn("could not update website sync status", zap.String("website_id", websiteID),
			zap.String("sync_status", status), zap.Error(err))
	}
}

// cleanup deletes old jobs. Errors are logged and otherwise ignored.
func (jp *JobProcessor) cleanup(ctx context.Context) {
	if jp.Retention <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if _, err := ArchiveOldJobs(ctx, jp.Jobs, jp.Retention, jp.logger()); err != nil {
		jp.logger().Warn("could not delete old jobs", zap.Error(err))
	}
}

func intPtr(i int) *int       { return &i }
func strPtr(s string) *string { return &s }
