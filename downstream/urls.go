package downstream

import (
	"context"

	"github.com/WebChangeDetector/webchangedetector-sub002/models"
)

type URLService struct {
	client *Client
}

// SyncParams is the body of a sync-urls call.
type SyncParams struct {
	Domain string                 `json:"domain"`
	URLs   []models.DiscoveredURL `json:"urls"`
}

// StartSyncParams is the body of a start-sync call.
type StartSyncParams struct {
	Domain            string `json:"domain"`
	DeleteMissingURLs bool   `json:"delete_missing_urls"`
}

// Sync pushes urls for domain to the remote service. It may be called
// several times for one domain; nothing is reconciled until StartSync.
func (u *URLService) Sync(ctx context.Context, token, domain string, urls []models.DiscoveredURL) error {
	c := u.client.as(token)
	req, err := c.NewJSONRequest(ctx, "POST", "/v2/sync-urls", &SyncParams{Domain: domain, URLs: urls})
	if err != nil {
		return err
	}
	return c.Do(req, nil)
}

// StartSync asks the remote service to reconcile the URLs pushed with Sync.
// If deleteMissing is true, URLs that were not pushed are removed.
func (u *URLService) StartSync(ctx context.Context, token, domain string, deleteMissing bool) error {
	c := u.client.as(token)
	req, err := c.NewJSONRequest(ctx, "POST", "/v2/start-sync", &StartSyncParams{
		Domain:            domain,
		DeleteMissingURLs: deleteMissing,
	})
	if err != nil {
		return err
	}
	return c.Do(req, nil)
}
