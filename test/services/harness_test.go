package test_services

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/WebChangeDetector/webchangedetector-sub002/downstream"
	"github.com/WebChangeDetector/webchangedetector-sub002/downstream/downstreamtest"
	"github.com/WebChangeDetector/webchangedetector-sub002/models"
	"github.com/WebChangeDetector/webchangedetector-sub002/services"
	"github.com/WebChangeDetector/webchangedetector-sub002/setup"
	"github.com/WebChangeDetector/webchangedetector-sub002/test"
	"github.com/WebChangeDetector/webchangedetector-sub002/test/factory"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const primaryToken = "primary-token"

type discoverFunc func(ctx context.Context, domain string, selectors []models.Selector) ([][]models.DiscoveredURL, error)

func (f discoverFunc) Discover(ctx context.Context, domain string, selectors []models.Selector) ([][]models.DiscoveredURL, error) {
	return f(ctx, domain, selectors)
}

// found returns a discoverer that finds n URLs on any domain.
func found(n int) discoverFunc {
	return func(ctx context.Context, domain string, selectors []models.Selector) ([][]models.DiscoveredURL, error) {
		urls := make([]models.DiscoveredURL, n)
		for i := range urls {
			urls[i] = models.DiscoveredURL{
				URL:       fmt.Sprintf("https://%s/page-%d/", domain, i),
				HTMLTitle: "Page",
				URLType:   "Post Types",
				PostType:  "Posts",
			}
		}
		return models.Chunk(urls, 100), nil
	}
}

type scheduled struct {
	jobID string
	at    time.Time
}

type recordingScheduler struct {
	mu    sync.Mutex
	calls []scheduled
}

func (r *recordingScheduler) Schedule(jobID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, scheduled{jobID, at})
}

func (r *recordingScheduler) Calls() []scheduled {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]scheduled(nil), r.calls...)
}

type harness struct {
	stores    *setup.Stores
	fake      *downstreamtest.Server
	remote    *downstream.Client
	enqueuer  *services.Enqueuer
	processor *services.JobProcessor
	scheduler *recordingScheduler
}

func newHarness(t *testing.T, d discoverFunc) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	stores := test.SetUp(t)
	fake := downstreamtest.NewServer()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	remote := downstream.NewClient(srv.URL, logger)
	sched := &recordingScheduler{}
	enq := services.NewEnqueuer(stores.Jobs, stores.Credentials, remote, primaryToken, logger)
	enq.Scheduler = sched
	return &harness{
		stores:    stores,
		fake:      fake,
		remote:    remote,
		enqueuer:  enq,
		processor: services.NewJobProcessor(stores.Jobs, remote, d, logger),
		scheduler: sched,
	}
}

func postsRequest(domain string) services.EnqueueRequest {
	return services.EnqueueRequest{
		Domain:       domain,
		Selectors:    []models.Selector{factory.PostsSelector},
		Threshold:    0.5,
		ActingUserID: "admin",
	}
}

// enqueue enqueues a sync for domain and returns the handle.
func (h *harness) enqueue(t *testing.T, domain string) *services.JobHandle {
	t.Helper()
	handle, err := h.enqueuer.EnqueueSync(context.Background(), postsRequest(domain))
	require.NoError(t, err)
	return handle
}

func (h *harness) get(t *testing.T, id string) *models.SyncJob {
	t.Helper()
	job, err := h.stores.Jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}
