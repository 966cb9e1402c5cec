package downstream

import (
	"net/http"
	"time"

	"github.com/WebChangeDetector/webchangedetector-sub002/rest"
	"go.uber.org/zap"
)

const defaultHTTPTimeout = 30 * time.Second

var httpClient = &http.Client{Timeout: defaultHTTPTimeout}

// The Client is an API client for the remote comparison service. It carries
// no credential of its own: every call takes the bearer token to use, so
// background work never depends on a user session.
type Client struct {
	base *rest.Client

	Groups   *GroupService
	Websites *WebsiteService
	URLs     *URLService
}

// NewClient creates a new Client for the API at base, for example
// "https://api.webchangedetector.com".
func NewClient(base string, logger *zap.Logger) *Client {
	c := &Client{base: &rest.Client{
		Client: httpClient,
		Base:   base,
		Logger: logger,
	}}
	c.Groups = &GroupService{client: c}
	c.Websites = &WebsiteService{client: c}
	c.URLs = &URLService{client: c}
	return c
}

// as returns a rest client that authenticates with token.
func (c *Client) as(token string) *rest.Client {
	return c.base.WithToken(token)
}

// envelope is the wrapper the API puts around every resource.
type envelope[T any] struct {
	Data T `json:"data"`
}
