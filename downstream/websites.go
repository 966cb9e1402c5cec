package downstream

import (
	"context"
	"errors"
	"net/url"

	"github.com/WebChangeDetector/webchangedetector-sub002/models"
)

type WebsiteService struct {
	client *Client
}

// Website sync statuses.
const (
	SyncStatusSyncing   = "syncing"
	SyncStatusCompleted = "completed"
	SyncStatusFailed    = "failed"
)

// Website ties a domain to its manual and monitoring groups.
type Website struct {
	ID                     string            `json:"id"`
	Domain                 string            `json:"domain"`
	ManualDetectionGroupID string            `json:"manual_detection_group_id"`
	AutoDetectionGroupID   string            `json:"auto_detection_group_id"`
	SyncURLTypes           []models.Selector `json:"sync_url_types,omitempty"`
	SyncStatus             string            `json:"sync_status,omitempty"`
}

// WebsiteParams are the fields sent when creating a website.
type WebsiteParams struct {
	Domain                 string            `json:"domain"`
	ManualDetectionGroupID string            `json:"manual_detection_group_id"`
	AutoDetectionGroupID   string            `json:"auto_detection_group_id"`
	SyncURLTypes           []models.Selector `json:"sync_url_types,omitempty"`
}

// Create makes a new website referencing both groups.
func (w *WebsiteService) Create(ctx context.Context, token string, params *WebsiteParams) (*Website, error) {
	c := w.client.as(token)
	req, err := c.NewJSONRequest(ctx, "POST", "/v2/websites", params)
	if err != nil {
		return nil, err
	}
	var env envelope[Website]
	if err := c.Do(req, &env); err != nil {
		return nil, err
	}
	if env.Data.ID == "" {
		return nil, errors.New("downstream: website created without an id")
	}
	return &env.Data, nil
}

// UpdateSyncStatus sets the website's sync_status field.
func (w *WebsiteService) UpdateSyncStatus(ctx context.Context, token, id, status string) error {
	c := w.client.as(token)
	body := struct {
		SyncStatus string `json:"sync_status"`
	}{status}
	req, err := c.NewJSONRequest(ctx, "PUT", "/v2/websites/"+url.PathEscape(id), body)
	if err != nil {
		return err
	}
	return c.Do(req, nil)
}
