package test_setup

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/WebChangeDetector/webchangedetector-sub002/metrics"
	"github.com/WebChangeDetector/webchangedetector-sub002/models"
	"github.com/WebChangeDetector/webchangedetector-sub002/models/sync_jobs"
	"github.com/WebChangeDetector/webchangedetector-sub002/setup"
	"github.com/WebChangeDetector/webchangedetector-sub002/test"
	"github.com/WebChangeDetector/webchangedetector-sub002/test/factory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDBRejectsUnknownScheme(t *testing.T) {
	t.Parallel()
	_, err := setup.DB(&setup.DatabaseURLConnector{URL: "mysql://localhost/wcd"}, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Could not establish a database connection")
}

func TestPrepareAllOnFileDatabase(t *testing.T) {
	t.Parallel()
	url := "sqlite:" + filepath.Join(t.TempDir(), "wcd.db")
	d, err := setup.DB(&setup.DatabaseURLConnector{URL: url}, 4)
	require.NoError(t, err)
	defer d.Close()
	stores, err := setup.PrepareAll(d)
	require.NoError(t, err)
	job := factory.CreateQueuedJob(t, stores.Jobs)

	// A second process preparing the same database keeps existing rows.
	d2, err := setup.DB(&setup.DatabaseURLConnector{URL: url}, 4)
	require.NoError(t, err)
	defer d2.Close()
	stores2, err := setup.PrepareAll(d2)
	require.NoError(t, err)
	got, err := stores2.Jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Domain, got.Domain)
}

func TestTruncateTables(t *testing.T) {
	t.Parallel()
	url := "sqlite:" + filepath.Join(t.TempDir(), "wcd.db")
	d, err := setup.DB(&setup.DatabaseURLConnector{URL: url}, 1)
	require.NoError(t, err)
	defer d.Close()
	stores, err := setup.PrepareAll(d)
	require.NoError(t, err)
	ctx := context.Background()
	job := factory.CreateQueuedJob(t, stores.Jobs)
	require.NoError(t, stores.Credentials.SetActive(ctx, "admin", "user-token"))

	require.NoError(t, test.TruncateTables(d))

	_, err = stores.Jobs.Get(ctx, job.ID)
	assert.Equal(t, sync_jobs.ErrNotFound, err)
	_, ok, err := stores.Credentials.Active(ctx, "admin")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMeasureQueueDepthStopsWithContext(t *testing.T) {
	t.Parallel()
	stores := test.SetUp(t)
	factory.CreateQueuedJob(t, stores.Jobs)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		setup.MeasureQueueDepth(ctx, stores.Jobs, time.Millisecond, zaptest.NewLogger(t))
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("MeasureQueueDepth did not return after cancel")
	}
}

// Not parallel: the metrics registry is shared by the whole package.
func TestMeasureQueueDepthRecordsGauges(t *testing.T) {
	stores := test.SetUp(t)
	factory.CreateQueuedJob(t, stores.Jobs)
	factory.CreateQueuedJob(t, stores.Jobs)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		setup.MeasureQueueDepth(ctx, stores.Jobs, time.Millisecond, zaptest.NewLogger(t))
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		v, ok := metrics.Value("queue_depth.queued")
		return ok && v == 2
	}, 2*time.Second, 5*time.Millisecond)
	// Statuses with no jobs are reported as zero.
	v, ok := metrics.Value("queue_depth.failed")
	require.True(t, ok)
	assert.Equal(t, int64(0), v)
}

func TestPostgresClaimIsExclusive(t *testing.T) {
	_, stores := test.SetUpPostgres(t)
	job := factory.CreateQueuedJob(t, stores.Jobs)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := stores.Jobs.Claim(ctx, job.ID); err == nil {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claimed)

	got, err := stores.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
}
