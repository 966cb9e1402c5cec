package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/WebChangeDetector/webchangedetector-sub002/config"
	"github.com/WebChangeDetector/webchangedetector-sub002/downstream"
	"github.com/WebChangeDetector/webchangedetector-sub002/downstream/downstreamtest"
	"github.com/WebChangeDetector/webchangedetector-sub002/metrics"
	"github.com/WebChangeDetector/webchangedetector-sub002/models"
	"github.com/WebChangeDetector/webchangedetector-sub002/rest"
	"github.com/WebChangeDetector/webchangedetector-sub002/services"
	"github.com/WebChangeDetector/webchangedetector-sub002/setup"
	"github.com/WebChangeDetector/webchangedetector-sub002/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testServer struct {
	handler  http.Handler
	stores   *setup.Stores
	fake     *downstreamtest.Server
	remote   *downstream.Client
	enqueuer *services.Enqueuer
}

func newTestServer(t *testing.T, changes ...func(*Config)) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	stores := test.SetUp(t)
	fake := downstreamtest.NewServer()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	remote := downstream.NewClient(srv.URL, logger)
	enq := services.NewEnqueuer(stores.Jobs, stores.Credentials, remote, "primary-token", logger)
	c := Config{
		Auth:        NewUsersAuthorizer(map[string]string{"admin": "s3cret"}),
		Enqueuer:    enq,
		Jobs:        stores.Jobs,
		Credentials: stores.Credentials,
		Logger:      logger,
	}
	for _, change := range changes {
		change(&c)
	}
	return &testServer{
		handler:  Get(c),
		stores:   stores,
		fake:     fake,
		remote:   remote,
		enqueuer: enq,
	}
}

// do sends an authenticated request. A non-nil form is sent as a
// form-encoded body.
func (ts *testServer) do(method, path string, form url.Values) *httptest.ResponseRecorder {
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.SetBasicAuth("admin", "s3cret")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func Test404JSONUnknownResource(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/foo/unknown", nil)
	ts.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
	var e rest.Error
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	assert.Equal(t, "Resource not found", e.Title)
	assert.Equal(t, "/foo/unknown", e.Instance)
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	w := ts.do("DELETE", "/v1/sync-jobs", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	var e rest.Error
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	assert.Equal(t, "method_not_allowed", e.ID)
}

var prototests = []struct {
	hval    string
	allowed bool
}{
	{"http", false},
	{"", true},
	{"foo", true},
	{"https", true},
}

func TestXForwardedProtoDisallowed(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello world"))
	})
	h := forbidNonTLSTrafficHandler(mux)
	for _, tt := range prototests {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Forwarded-Proto", tt.hval)
		h.ServeHTTP(w, req)
		if tt.allowed {
			assert.Equal(t, 200, w.Code)
		} else {
			assert.Equal(t, 403, w.Code)
			var e rest.Error
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
			assert.Equal(t, "insecure_request", e.ID)
		}
	}
}

func TestUnencryptedProxyTrafficCanBeAllowed(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, func(c *Config) {
		c.AllowUnencryptedProxyTraffic = true
	})
	req := httptest.NewRequest("GET", "/v1/health", nil)
	req.Header.Set("X-Forwarded-Proto", "http")
	req.SetBasicAuth("admin", "s3cret")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServerHeaders(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	w := ts.do("GET", "/v1/health", nil)
	assert.Equal(t, "wcdsync/"+config.Version, w.Header().Get("Server"))
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
}

func TestRequiresAuthentication(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	req := httptest.NewRequest("GET", "/v1/health", nil)
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Basic")

	req = httptest.NewRequest("GET", "/v1/health", nil)
	req.SetBasicAuth("admin", "wrong")
	w = httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	var e rest.Error
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	assert.Equal(t, "incorrect_password", e.ID)
}

func TestHealthCountsJobs(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	_, err := ts.enqueuer.EnqueueSync(context.Background(), services.EnqueueRequest{
		Domain:       "example.com",
		Selectors:    []models.Selector{{URLTypeSlug: "types", PostTypeSlug: "posts"}},
		ActingUserID: "admin",
	})
	require.NoError(t, err)
	w := ts.do("GET", "/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var h Health
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h))
	assert.True(t, h.Success)
	assert.Equal(t, config.Version, h.Data.Version)
	assert.Equal(t, int64(1), h.Data.Jobs[models.StatusQueued])
	assert.Equal(t, int64(0), h.Data.Jobs[models.StatusCompleted])
}

// Not parallel: the metrics registry is shared by the whole package.
func TestAuthAndEnqueueMetrics(t *testing.T) {
	ts := newTestServer(t)
	authOK, authErr := metrics.Count("auth.success"), metrics.Count("auth.error")
	enqOK := metrics.Count("enqueue.success")

	req := httptest.NewRequest("GET", "/v1/health", nil)
	req.SetBasicAuth("admin", "wrong")
	ts.handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, authErr+1, metrics.Count("auth.error"))

	w := ts.do("POST", "/v1/sync-jobs", enqueueForm("example.com"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, authOK+1, metrics.Count("auth.success"))
	assert.Equal(t, enqOK+1, metrics.Count("enqueue.success"))

	w = ts.do("GET", "/debug/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var dump map[string]map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dump))
	assert.Contains(t, dump, "auth.success")
	assert.Contains(t, dump, "enqueue.success")
}
