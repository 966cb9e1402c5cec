package downstream_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/WebChangeDetector/webchangedetector-sub002/downstream"
	"github.com/WebChangeDetector/webchangedetector-sub002/downstream/downstreamtest"
	"github.com/WebChangeDetector/webchangedetector-sub002/models"
	"github.com/WebChangeDetector/webchangedetector-sub002/rest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*downstream.Client, *downstreamtest.Server) {
	t.Helper()
	fake := downstreamtest.NewServer()
	s := httptest.NewServer(fake)
	t.Cleanup(s.Close)
	return downstream.NewClient(s.URL, nil), fake
}

// Create a group and a website, then push URLs and reconcile them.
func Example() {
	ctx := context.Background()
	client := downstream.NewClient("https://api.webchangedetector.com", nil)
	manual, _ := client.Groups.Create(ctx, "token", &downstream.GroupParams{Name: "example.com"})
	monitoring, _ := client.Groups.Create(ctx, "token", &downstream.GroupParams{Name: "example.com", Monitoring: true})
	client.Websites.Create(ctx, "token", &downstream.WebsiteParams{
		Domain:                 "example.com",
		ManualDetectionGroupID: manual.ID,
		AutoDetectionGroupID:   monitoring.ID,
	})
	client.URLs.Sync(ctx, "token", "example.com", []models.DiscoveredURL{{URL: "https://example.com/"}})
	client.URLs.StartSync(ctx, "token", "example.com", true)
}

func TestCreateGroupsAndWebsite(t *testing.T) {
	t.Parallel()
	client, fake := newClient(t)
	ctx := context.Background()
	manual, err := client.Groups.Create(ctx, "tok", &downstream.GroupParams{Name: "example.com", Enabled: true})
	require.NoError(t, err)
	monitoring, err := client.Groups.Create(ctx, "tok", &downstream.GroupParams{Name: "example.com", Monitoring: true})
	require.NoError(t, err)
	assert.NotEqual(t, manual.ID, monitoring.ID)
	assert.True(t, monitoring.Monitoring)

	site, err := client.Websites.Create(ctx, "tok", &downstream.WebsiteParams{
		Domain:                 "example.com",
		ManualDetectionGroupID: manual.ID,
		AutoDetectionGroupID:   monitoring.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, "example.com", site.Domain)

	g, err := client.Groups.Get(ctx, "tok", manual.ID)
	require.NoError(t, err)
	assert.Equal(t, "example.com", g.Name)

	for _, c := range fake.Calls() {
		assert.Equal(t, "tok", c.Token)
	}
}

func TestWebsiteUnknownGroup(t *testing.T) {
	t.Parallel()
	client, _ := newClient(t)
	_, err := client.Websites.Create(context.Background(), "tok", &downstream.WebsiteParams{
		Domain:                 "example.com",
		ManualDetectionGroupID: "grp_nope",
		AutoDetectionGroupID:   "grp_nope",
	})
	var rerr *rest.Error
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, http.StatusUnprocessableEntity, rerr.StatusCode)
	assert.Equal(t, "Unknown group", rerr.Error())
}

func TestSyncAndStartSync(t *testing.T) {
	t.Parallel()
	client, fake := newClient(t)
	ctx := context.Background()
	urls := []models.DiscoveredURL{
		{URL: "https://example.com/a", HTMLTitle: "A", URLType: "Post Types", PostType: "Posts"},
		{URL: "https://example.com/b", HTMLTitle: "B", URLType: "Post Types", PostType: "Posts"},
	}
	require.NoError(t, client.URLs.Sync(ctx, "frozen", "example.com", urls))
	require.NoError(t, client.URLs.StartSync(ctx, "frozen", "example.com", true))

	syncs := fake.Syncs()
	require.Len(t, syncs, 1)
	assert.Equal(t, "example.com", syncs[0].Domain)
	assert.Equal(t, urls, syncs[0].URLs)
	starts := fake.StartSyncs()
	require.Len(t, starts, 1)
	assert.True(t, starts[0].DeleteMissingURLs)
}

func TestSyncFailure(t *testing.T) {
	t.Parallel()
	client, fake := newClient(t)
	fake.Fail("POST /v2/sync-urls", http.StatusInternalServerError, "Sync service unavailable")
	err := client.URLs.Sync(context.Background(), "tok", "example.com", nil)
	require.Error(t, err)
	assert.Equal(t, "Sync service unavailable", err.Error())
}

func TestUpdateSyncStatus(t *testing.T) {
	t.Parallel()
	client, fake := newClient(t)
	ctx := context.Background()
	m, err := client.Groups.Create(ctx, "tok", &downstream.GroupParams{Name: "m"})
	require.NoError(t, err)
	site, err := client.Websites.Create(ctx, "tok", &downstream.WebsiteParams{
		Domain: "example.com", ManualDetectionGroupID: m.ID, AutoDetectionGroupID: m.ID,
	})
	require.NoError(t, err)
	require.NoError(t, client.Websites.UpdateSyncStatus(ctx, "tok", site.ID, downstream.SyncStatusFailed))
	assert.Equal(t, []string{downstream.SyncStatusFailed}, fake.SyncStatusUpdates(site.ID))
}

func TestGroupNotFound(t *testing.T) {
	t.Parallel()
	client, _ := newClient(t)
	_, err := client.Groups.Get(context.Background(), "tok", "grp_missing")
	var rerr *rest.Error
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, http.StatusNotFound, rerr.StatusCode)
}
