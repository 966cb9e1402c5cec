package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"time"

	"github.com/WebChangeDetector/webchangedetector-sub002/config"
	"go.uber.org/zap"
)

var defaultTimeout = 30 * time.Second
var defaultHttpClient = &http.Client{Timeout: defaultTimeout}

// FormContentType is the Content-Type for url-encoded form bodies.
const FormContentType = "application/x-www-form-urlencoded"

// Client is a generic Rest client for making HTTP requests.
//
// If ID is set, requests use basic auth with ID and Token. Otherwise, if
// Token is set, it is sent as a bearer token.
type Client struct {
	ID     string
	Token  string
	Client *http.Client
	Base   string
	Logger *zap.Logger
}

// NewClient returns a new Client with the given user and password. Base is the
// scheme+domain to hit for all requests. By default, the request timeout is
// set to 30 seconds.
func NewClient(user, pass, base string) *Client {
	return &Client{
		ID:     user,
		Token:  pass,
		Client: defaultHttpClient,
		Base:   base,
	}
}

// WithToken returns a copy of c that authenticates with the given bearer
// token instead of c's credentials.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.ID = ""
	cp.Token = token
	return &cp
}

// NewRequest creates a new Request and sets authentication based on
// the client's authentication information.
func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, body)
	if err != nil {
		return nil, err
	}
	if c.ID != "" {
		req.SetBasicAuth(c.ID, c.Token)
	} else if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("User-Agent", fmt.Sprintf("wcdsync-go/v%s", config.Version))
	req.Header.Set("Accept", "application/json")
	if method == "POST" || method == "PUT" {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	return req, nil
}

// NewJSONRequest encodes v as JSON and creates a new Request with it as the
// body.
func (c *Client) NewJSONRequest(ctx context.Context, method, path string, v interface{}) (*http.Request, error) {
	b := new(bytes.Buffer)
	if err := json.NewEncoder(b).Encode(v); err != nil {
		return nil, err
	}
	return c.NewRequest(ctx, method, path, b)
}

func (c *Client) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func debugEnabled(kind string) bool {
	return os.Getenv("DEBUG_HTTP_TRAFFIC") == "true" || os.Getenv(kind) == "true"
}

// Do performs the HTTP request. If the HTTP response is in the 2xx range,
// Unmarshal the response body into v, otherwise return an error.
func (c *Client) Do(r *http.Request, v interface{}) error {
	if debugEnabled("DEBUG_HTTP_REQUEST") {
		bits, err := httputil.DumpRequestOut(r, true)
		if err != nil {
			return err
		}
		c.logger().Debug("outgoing request", zap.ByteString("dump", bits))
	}
	res, err := c.Client.Do(r)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if debugEnabled("DEBUG_HTTP_RESPONSES") {
		bits, err := httputil.DumpResponse(res, true)
		if err != nil {
			return err
		}
		c.logger().Debug("incoming response", zap.ByteString("dump", bits))
	}
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode >= 400 {
		return parseError(res.StatusCode, resBody)
	}

	if v == nil || len(bytes.TrimSpace(resBody)) == 0 {
		return nil
	}
	return json.Unmarshal(resBody, v)
}

// parseError decodes an error body. It understands HTTP problem bodies
// ({"title": ...}) as well as the {"message": ...} and
// {"success": false, "data": {"message": ...}} envelopes.
func parseError(status int, body []byte) error {
	var errMap map[string]interface{}
	if err := json.Unmarshal(body, &errMap); err != nil {
		return &Error{
			Title:      fmt.Sprintf("invalid response body: %s", string(body)),
			ID:         "invalid_response",
			StatusCode: status,
		}
	}
	e := &Error{StatusCode: status}
	e.Title = stringField(errMap, "title")
	if e.Title == "" {
		e.Title = stringField(errMap, "message")
	}
	if e.Title == "" {
		if data, ok := errMap["data"].(map[string]interface{}); ok {
			e.Title = stringField(data, "message")
		}
	}
	if e.Title == "" {
		e.Title = fmt.Sprintf("invalid response body: %s", string(body))
		e.ID = "invalid_response"
		return e
	}
	e.Detail = stringField(errMap, "detail")
	if id := stringField(errMap, "id"); id != "" {
		e.ID = id
	}
	e.Instance = stringField(errMap, "instance")
	e.Type = stringField(errMap, "type")
	return e
}

func stringField(m map[string]interface{}, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
