// Package factory contains helpers for instantiating tests.
package factory

import (
	"context"
	"testing"
	"time"

	"github.com/WebChangeDetector/webchangedetector-sub002/models"
	"github.com/WebChangeDetector/webchangedetector-sub002/models/sync_jobs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// JobID is a fixed, valid job id.
const JobID = "job_01927f5e-6a40-7c3b-9d2e-6740b44e13b9"

// PostsSelector selects the "posts" post type.
var PostsSelector = models.Selector{
	URLTypeSlug:  "types",
	URLTypeName:  "Post Types",
	PostTypeSlug: "posts",
	PostTypeName: "Posts",
}

// RandomID returns a random job id.
func RandomID() string {
	return sync_jobs.Prefix + uuid.Must(uuid.NewV7()).String()
}

// SampleJob returns an unsaved queued job for example.com with a random id,
// ready to run now.
func SampleJob() *models.SyncJob {
	return &models.SyncJob{
		ID:                RandomID(),
		Domain:            "example.com",
		ManualGroupID:     "grp_manual",
		MonitoringGroupID: "grp_monitoring",
		Payload: models.Payload{
			Selectors: []models.Selector{PostsSelector},
			WebsiteMetadata: models.WebsiteMetadata{
				WebsiteID:         "web_1",
				Domain:            "example.com",
				Threshold:         0.5,
				SyncURLTypes:      []models.Selector{PostsSelector},
				ManualGroupID:     "grp_manual",
				MonitoringGroupID: "grp_monitoring",
			},
			ActingUserID: "admin",
			Credential:   models.Credential{APIToken: "frozen-token", Source: "active"},
		},
		Status:   models.StatusQueued,
		RunAfter: time.Now().UTC().Add(-time.Second),
	}
}

// CreateQueuedJob saves SampleJob, after applying the given changes, and
// returns the stored job.
func CreateQueuedJob(t testing.TB, store *sync_jobs.Store, changes ...func(*models.SyncJob)) *models.SyncJob {
	t.Helper()
	job := SampleJob()
	for _, change := range changes {
		change(job)
	}
	require.NoError(t, store.Create(context.Background(), job))
	stored, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	return stored
}

// CreateProcessingJob creates a queued job and claims it.
func CreateProcessingJob(t testing.TB, store *sync_jobs.Store, changes ...func(*models.SyncJob)) *models.SyncJob {
	t.Helper()
	job := CreateQueuedJob(t, store, changes...)
	claimed, err := store.Claim(context.Background(), job.ID)
	require.NoError(t, err)
	return claimed
}
