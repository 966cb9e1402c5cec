// Package client is a Go client for the sync job HTTP API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/WebChangeDetector/webchangedetector-sub002/models"
	"github.com/WebChangeDetector/webchangedetector-sub002/rest"
	"github.com/WebChangeDetector/webchangedetector-sub002/server"
	"github.com/google/go-querystring/query"
	"go.uber.org/zap"
)

// Client talks to a sync job server as a single basic auth user.
type Client struct {
	rest *rest.Client
}

// New returns a Client for the server at base, eg "http://localhost:9090".
func New(base, user, password string, logger *zap.Logger) *Client {
	rc := rest.NewClient(user, password, strings.TrimRight(base, "/"))
	rc.Logger = logger
	return &Client{rest: rc}
}

// EnqueueParams are the fields of the enqueue form. Set Domain or GroupID.
type EnqueueParams struct {
	Domain    string            `url:"domain,omitempty"`
	GroupID   string            `url:"group_id,omitempty"`
	Threshold float64           `url:"threshold"`
	Selectors []models.Selector `url:"-"`
}

// SelectorField returns the form field name for sel, eg
// "wp_api_types_posts".
func SelectorField(sel models.Selector) string {
	return fmt.Sprintf("wp_api_%s_%s", sel.URLTypeSlug, sel.PostTypeSlug)
}

func (p *EnqueueParams) values() (url.Values, error) {
	v, err := query.Values(p)
	if err != nil {
		return nil, err
	}
	for _, sel := range p.Selectors {
		blob, err := json.Marshal(sel)
		if err != nil {
			return nil, err
		}
		v.Add(SelectorField(sel), string(blob))
	}
	return v, nil
}

func (c *Client) postForm(ctx context.Context, method, path string, form url.Values, v interface{}) error {
	req, err := c.rest.NewRequest(ctx, method, path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", rest.FormContentType)
	return c.rest.Do(req, v)
}

// Enqueue starts a URL sync. Errors returned by the server are *rest.Error
// values carrying the HTTP status code.
func (c *Client) Enqueue(ctx context.Context, params *EnqueueParams) (*server.EnqueueResponse, error) {
	form, err := params.values()
	if err != nil {
		return nil, err
	}
	res := new(server.EnqueueResponse)
	if err := c.postForm(ctx, "POST", "/v1/sync-jobs", form, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Status returns the current state of a job.
func (c *Client) Status(ctx context.Context, jobID string) (*models.Report, error) {
	req, err := c.rest.NewRequest(ctx, "GET", "/v1/sync-jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}
	var env models.StatusEnvelope
	if err := c.rest.Do(req, &env); err != nil {
		return nil, err
	}
	return &env.Data, nil
}

type credentialParams struct {
	APIToken string `url:"api_token"`
}

// SetCredential makes token the active credential for the client's user.
func (c *Client) SetCredential(ctx context.Context, token string) error {
	form, err := query.Values(credentialParams{APIToken: token})
	if err != nil {
		return err
	}
	return c.postForm(ctx, "PUT", "/v1/users/me/credential", form, nil)
}

// ClearCredential removes the user's active credential.
func (c *Client) ClearCredential(ctx context.Context) error {
	req, err := c.rest.NewRequest(ctx, "DELETE", "/v1/users/me/credential", nil)
	if err != nil {
		return err
	}
	return c.rest.Do(req, nil)
}

// Health returns the server version and job counts.
func (c *Client) Health(ctx context.Context) (*server.Health, error) {
	req, err := c.rest.NewRequest(ctx, "GET", "/v1/health", nil)
	if err != nil {
		return nil, err
	}
	h := new(server.Health)
	if err := c.rest.Do(req, h); err != nil {
		return nil, err
	}
	return h, nil
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var rerr *rest.Error
	return errors.As(err, &rerr) && rerr.StatusCode == http.StatusNotFound
}
