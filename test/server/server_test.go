package servertest

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/WebChangeDetector/webchangedetector-sub002/client"
	"github.com/WebChangeDetector/webchangedetector-sub002/dequeuer"
	"github.com/WebChangeDetector/webchangedetector-sub002/downstream"
	"github.com/WebChangeDetector/webchangedetector-sub002/downstream/downstreamtest"
	"github.com/WebChangeDetector/webchangedetector-sub002/models"
	"github.com/WebChangeDetector/webchangedetector-sub002/poller"
	"github.com/WebChangeDetector/webchangedetector-sub002/server"
	"github.com/WebChangeDetector/webchangedetector-sub002/services"
	"github.com/WebChangeDetector/webchangedetector-sub002/setup"
	"github.com/WebChangeDetector/webchangedetector-sub002/test"
	"github.com/WebChangeDetector/webchangedetector-sub002/test/factory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testPassword = "XmTGoDTRyVd8HHiuzFtPzF8N&or7ETPaPVvWuR;d"

type discoverFunc func(ctx context.Context, domain string, selectors []models.Selector) ([][]models.DiscoveredURL, error)

func (f discoverFunc) Discover(ctx context.Context, domain string, selectors []models.Selector) ([][]models.DiscoveredURL, error) {
	return f(ctx, domain, selectors)
}

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

type stack struct {
	client *client.Client
	stores *setup.Stores
	fake   *downstreamtest.Server
}

// newStack runs the server with an embedded worker pool, the way
// EMBED_WORKERS=true does.
func newStack(t testing.TB, d discoverFunc) *stack {
	t.Helper()
	logger := zaptest.NewLogger(t)
	stores := test.SetUp(t)
	fake := downstreamtest.NewServer()
	remoteSrv := httptest.NewServer(fake)
	t.Cleanup(remoteSrv.Close)
	remote := downstream.NewClient(remoteSrv.URL, logger)

	jp := services.NewJobProcessor(stores.Jobs, remote, d, logger)
	pool, err := dequeuer.CreatePool(jp, stores.Jobs, 2, logger)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Shutdown() })

	enq := services.NewEnqueuer(stores.Jobs, stores.Credentials, remote, "primary-token", logger)
	enq.ScheduleDelay = 20 * time.Millisecond
	enq.Scheduler = pool

	h := server.Get(server.Config{
		Auth:        server.NewUsersAuthorizer(map[string]string{"test": testPassword}),
		Enqueuer:    enq,
		Jobs:        stores.Jobs,
		Credentials: stores.Credentials,
		Logger:      logger,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &stack{
		client: client.New(srv.URL, "test", testPassword, logger),
		stores: stores,
		fake:   fake,
	}
}

func (s *stack) wait(t testing.TB, jobID string) poller.Update {
	t.Helper()
	p := poller.New(s.client, nil)
	p.Interval = 10 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	u, err := p.Wait(ctx, jobID, nil)
	require.NoError(t, err)
	return u
}

func postsParams(domain string) *client.EnqueueParams {
	return &client.EnqueueParams{
		Domain:    domain,
		Threshold: 0.5,
		Selectors: []models.Selector{factory.PostsSelector},
	}
}

func TestEnqueuedJobRunsToCompletion(t *testing.T) {
	t.Parallel()
	s := newStack(t, found(150))
	ctx := context.Background()
	res, err := s.client.Enqueue(ctx, postsParams("example.com"))
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []int
	p := poller.New(s.client, nil)
	p.Interval = 10 * time.Millisecond
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	u, err := p.Wait(waitCtx, res.JobID, func(u poller.Update) {
		if u.Report != nil {
			mu.Lock()
			seen = append(seen, u.Report.Progress)
			mu.Unlock()
		}
	})
	require.NoError(t, err)
	require.Equal(t, poller.Succeeded, u.State)
	assert.Equal(t, 100, u.Report.Progress)
	require.NotNil(t, u.Report.TotalURLs)
	assert.Equal(t, 150, *u.Report.TotalURLs)
	assert.Equal(t, 150, u.Report.ProcessedURLs)
	assert.Equal(t, models.MessageCompleted, u.Report.StatusMessage)

	mu.Lock()
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1], "progress went backwards: %v", seen)
	}
	mu.Unlock()

	syncs := s.fake.Syncs()
	require.Len(t, syncs, 2)
	assert.Len(t, syncs[0].URLs, 100)
	assert.Len(t, syncs[1].URLs, 50)
	require.Len(t, s.fake.StartSyncs(), 1)
	assert.Equal(t, "example.com", s.fake.StartSyncs()[0].Domain)
	require.Eventually(t, func() bool {
		site, ok := s.fake.Website(res.WebsiteID)
		return ok && site.SyncStatus == downstream.SyncStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"syncing", "completed"}, s.fake.SyncStatusUpdates(res.WebsiteID))
}

func TestJobWithNoURLsFails(t *testing.T) {
	t.Parallel()
	s := newStack(t, found(0))
	res, err := s.client.Enqueue(context.Background(), postsParams("example.com"))
	require.NoError(t, err)
	u := s.wait(t, res.JobID)
	assert.Equal(t, poller.Failed, u.State)
	assert.Equal(t, models.MessageNoURLs, u.Report.ErrorMessage)
	assert.Empty(t, s.fake.Syncs())
}

func TestRemoteSyncFailureFailsJob(t *testing.T) {
	t.Parallel()
	s := newStack(t, found(10))
	s.fake.Fail("POST /v2/sync-urls", 500, "sync unavailable")
	res, err := s.client.Enqueue(context.Background(), postsParams("example.com"))
	require.NoError(t, err)
	u := s.wait(t, res.JobID)
	assert.Equal(t, poller.Failed, u.State)
	assert.NotEmpty(t, u.Report.ErrorMessage)
	// The website is marked after the job row.
	require.Eventually(t, func() bool {
		return len(s.fake.SyncStatusUpdates(res.WebsiteID)) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"syncing", "failed"}, s.fake.SyncStatusUpdates(res.WebsiteID))
}

func TestUserCredentialIsUsedByWorker(t *testing.T) {
	t.Parallel()
	s := newStack(t, found(3))
	ctx := context.Background()
	require.NoError(t, s.client.SetCredential(ctx, "user-token"))
	res, err := s.client.Enqueue(ctx, postsParams("example.com"))
	require.NoError(t, err)
	// Clearing the credential after enqueueing doesn't change the job.
	require.NoError(t, s.client.ClearCredential(ctx))
	u := s.wait(t, res.JobID)
	require.Equal(t, poller.Succeeded, u.State)
	for _, c := range s.fake.Calls() {
		if c.Path == "/v2/sync-urls" || c.Path == "/v2/start-sync" {
			assert.Equal(t, "user-token", c.Token, c.Path)
		}
	}
}
