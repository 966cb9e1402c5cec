// Package discovery enumerates the public pages of a WordPress site through
// its REST API.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/WebChangeDetector/webchangedetector-sub002/config"
	"github.com/WebChangeDetector/webchangedetector-sub002/models"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// PerPage is the page size requested from the WordPress API, which caps it
// at 100.
const PerPage = 100

// ChunkSize is the number of URLs in each chunk returned by Discover.
const ChunkSize = 100

// DefaultRateLimit is the default number of requests per second sent to a
// site.
const DefaultRateLimit = 5

// DefaultMaxRetries is the number of times a page is retried after a
// temporary failure.
const DefaultMaxRetries = 3

// HTTPError is returned when the site responds with a non-2xx status.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("discovery: %s returned status %d", e.URL, e.StatusCode)
}

// Temporary reports whether the request may succeed if retried.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Discoverer finds the URLs to sync for a domain. The returned chunks are
// non-nil but may be empty.
type Discoverer interface {
	Discover(ctx context.Context, domain string, selectors []models.Selector) ([][]models.DiscoveredURL, error)
}

// Client crawls WordPress REST listings sequentially, one page at a time.
type Client struct {
	HTTPClient *http.Client
	// Scheme used to reach sites. Defaults to "https".
	Scheme     string
	Limiter    *rate.Limiter
	MaxRetries uint64
	Logger     *zap.Logger
	// InitialInterval is the first retry delay.
	InitialInterval time.Duration
}

// NewClient returns a Client that sends at most requestsPerSecond requests
// per second.
func NewClient(requestsPerSecond float64, logger *zap.Logger) *Client {
	if requestsPerSecond <= 0 {
		requestsPerSecond = DefaultRateLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		HTTPClient:      &http.Client{Timeout: 30 * time.Second},
		Scheme:          "https",
		Limiter:         rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		MaxRetries:      DefaultMaxRetries,
		Logger:          logger,
		InitialInterval: 500 * time.Millisecond,
	}
}

type item struct {
	Link  string `json:"link"`
	Name  string `json:"name"`
	Title struct {
		Rendered string `json:"rendered"`
	} `json:"title"`
}

// Discover lists every URL of the selected post types and taxonomies on
// domain, in selector order, without duplicates. A selector whose listing
// does not exist on the site (404) is skipped.
func (c *Client) Discover(ctx context.Context, domain string, selectors []models.Selector) ([][]models.DiscoveredURL, error) {
	seen := make(map[string]bool)
	var all []models.DiscoveredURL
	for _, sel := range selectors {
		urls, err := c.discoverSelector(ctx, domain, sel)
		if err != nil {
			var herr *HTTPError
			if errors.As(err, &herr) && herr.StatusCode == http.StatusNotFound {
				c.Logger.Warn("listing not found, skipping",
					zap.String("domain", domain), zap.String("post_type", sel.PostTypeSlug))
				continue
			}
			return nil, err
		}
		for _, u := range urls {
			if seen[u.URL] {
				continue
			}
			seen[u.URL] = true
			all = append(all, u)
		}
	}
	c.Logger.Info("discovered urls", zap.String("domain", domain), zap.Int("count", len(all)))
	return models.Chunk(all, ChunkSize), nil
}

func (c *Client) discoverSelector(ctx context.Context, domain string, sel models.Selector) ([]models.DiscoveredURL, error) {
	var out []models.DiscoveredURL
	for page, total := 1, 1; page <= total; page++ {
		items, totalPages, err := c.fetchPage(ctx, domain, sel.PostTypeSlug, page)
		if err != nil {
			return nil, err
		}
		if totalPages > 0 {
			total = totalPages
		} else if len(items) == PerPage {
			// No pagination header; keep going until a short page.
			total = page + 1
		}
		for _, it := range items {
			if it.Link == "" {
				continue
			}
			title := it.Title.Rendered
			if title == "" {
				title = it.Name
			}
			out = append(out, models.DiscoveredURL{
				URL:       it.Link,
				HTMLTitle: html.UnescapeString(title),
				URLType:   sel.URLTypeName,
				PostType:  sel.PostTypeName,
			})
		}
	}
	return out, nil
}

func (c *Client) pageURL(domain, slug string, page int) string {
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(PerPage))
	q.Set("page", strconv.Itoa(page))
	q.Set("_fields", "link,title,name")
	scheme := c.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/wp-json/wp/v2/%s?%s", scheme, domain, url.PathEscape(slug), q.Encode())
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.InitialInterval > 0 {
		b.InitialInterval = c.InitialInterval
	}
	b.MaxElapsedTime = 2 * time.Minute
	return backoff.WithContext(backoff.WithMaxRetries(b, c.MaxRetries), ctx)
}

// fetchPage gets one listing page, retrying temporary failures. The second
// return value is the X-WP-TotalPages header, or 0 if it is missing.
func (c *Client) fetchPage(ctx context.Context, domain, slug string, page int) ([]item, int, error) {
	u := c.pageURL(domain, slug, page)
	var items []item
	var totalPages int
	op := func() error {
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", fmt.Sprintf("wcdsync-go/v%s", config.Version))
		req.Header.Set("Accept", "application/json")
		c.Logger.Debug("discovery request", zap.String("url", u))
		res, err := c.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		body, err := io.ReadAll(res.Body)
		if err != nil {
			return err
		}
		if res.StatusCode == http.StatusBadRequest && strings.Contains(string(body), "rest_post_invalid_page_number") {
			// WordPress reports a page past the end this way.
			items, totalPages = nil, 0
			return nil
		}
		if res.StatusCode >= 300 {
			herr := &HTTPError{StatusCode: res.StatusCode, URL: u}
			if herr.Temporary() {
				return herr
			}
			return backoff.Permanent(herr)
		}
		var decoded []item
		if err := json.Unmarshal(body, &decoded); err != nil {
			return backoff.Permanent(fmt.Errorf("discovery: invalid response from %s: %w", u, err))
		}
		items = decoded
		totalPages, _ = strconv.Atoi(res.Header.Get("X-WP-TotalPages"))
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.Logger.Warn("discovery request failed, retrying",
			zap.String("url", u), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, c.newBackOff(ctx), notify); err != nil {
		return nil, 0, err
	}
	return items, totalPages, nil
}
