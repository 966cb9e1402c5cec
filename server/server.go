// Package server provides an HTTP interface for enqueueing URL sync jobs and
// polling their status.
package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/http/pprof"
	"os"
	"strings"

	"github.com/WebChangeDetector/webchangedetector-sub002/config"
	"github.com/WebChangeDetector/webchangedetector-sub002/metrics"
	"github.com/WebChangeDetector/webchangedetector-sub002/models/credentials"
	"github.com/WebChangeDetector/webchangedetector-sub002/models/sync_jobs"
	"github.com/WebChangeDetector/webchangedetector-sub002/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// The maximum data size that can be sent in the body of a HTTP request.
const maxFormSize = 100 * 1024

// Config holds everything the HTTP handlers need.
type Config struct {
	// Auth decides which basic auth users may call the API. The basic auth
	// user id is the acting user for enqueued jobs and credential changes.
	Auth        Authorizer
	Enqueuer    *services.Enqueuer
	Jobs        *sync_jobs.Store
	Credentials *credentials.Store
	Logger      *zap.Logger

	// AllowUnencryptedProxyTraffic disables the 403 for requests forwarded
	// over plain HTTP.
	AllowUnencryptedProxyTraffic bool
}

type server struct {
	enqueuer    *services.Enqueuer
	jobs        *sync_jobs.Store
	credentials *credentials.Store
	logger      *zap.Logger
}

// Get returns a http.Handler with all routes initialized using the given
// Config.
func Get(c Config) http.Handler {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	auth := c.Auth
	if auth == nil {
		auth = DefaultAuthorizer
	}
	s := &server{
		enqueuer:    c.Enqueuer,
		jobs:        c.Jobs,
		credentials: c.Credentials,
		logger:      logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		notFound(w, new404(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		methodNotAllowed(w, new405(r))
	})

	r.Group(func(r chi.Router) {
		r.Use(authHandler(auth, logger))

		r.Post("/v1/sync-jobs", s.createSyncJob)
		r.Post("/v1/sync-jobs/status", s.postStatus)
		r.Get("/v1/sync-jobs/{job_id}", s.getStatus)

		r.Put("/v1/users/me/credential", s.setCredential)
		r.Delete("/v1/users/me/credential", s.clearCredential)

		r.Get("/v1/health", s.health)
		r.Get("/debug/metrics", s.debugMetrics)

		r.Get("/debug/pprof", pprof.Index)
		r.Get("/debug/pprof/cmdline", pprof.Cmdline)
		r.Get("/debug/pprof/profile", pprof.Profile)
		r.Get("/debug/pprof/symbol", pprof.Symbol)
		r.Get("/debug/pprof/trace", pprof.Trace)
	})

	var h http.Handler = r
	if !c.AllowUnencryptedProxyTraffic {
		h = forbidNonTLSTrafficHandler(h)
	}
	return debugRequestBodyHandler(serverHeaderHandler(h))
}

func serverHeaderHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/debug/pprof") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		} else {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
		}
		w.Header().Set("Server", fmt.Sprintf("wcdsync/%s", config.Version))
		h.ServeHTTP(w, r)
	})
}

// forbidNonTLSTrafficHandler returns a 403 to traffic that is sent via a proxy
func forbidNonTLSTrafficHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Forwarded-Proto") == "http" {
			// It should always be set, but if it's not, let the request
			// through.
			forbidden(w, insecure403(r))
			return
		}
		// This header doesn't mean anything when served over HTTP, but
		// detecting HTTPS is a general way is hard, so let's just send it
		// every time.
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
		h.ServeHTTP(w, r)
	})
}

type ctxKey int

const userKey ctxKey = iota

// actingUser returns the basic auth user id of an authenticated request.
func actingUser(r *http.Request) string {
	user, _ := r.Context().Value(userKey).(string)
	return user
}

func authHandler(a Authorizer, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userId, token, ok := r.BasicAuth()
			if !ok {
				metrics.Increment("auth.error")
				authenticate(w, new401(r))
				return
			}
			if err := a.Authorize(userId, token); err != nil {
				metrics.Increment("auth.error")
				logger.Info("auth error", zap.String("user", userId), zap.String("id", err.ID))
				handleAuthorizeError(w, r, logger, err)
				return
			}
			metrics.Increment("auth.success")
			ctx := context.WithValue(r.Context(), userKey, userId)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// debugRequestBodyHandler prints all incoming and outgoing HTTP traffic if the
// DEBUG_HTTP_TRAFFIC environment variable is set to true. Note that the output
// will be jumbled if the server is handling multiple requests at the same
// time.
func debugRequestBodyHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if os.Getenv("DEBUG_HTTP_TRAFFIC") != "true" {
			h.ServeHTTP(w, r)
			return
		}
		// You need to write the entire thing in one Write, otherwise the
		// output will be jumbled with other requests.
		b := new(bytes.Buffer)
		bits, err := httputil.DumpRequest(r, true)
		if err != nil {
			_, _ = b.WriteString(err.Error())
		} else {
			_, _ = b.Write(bits)
		}
		res := httptest.NewRecorder()
		h.ServeHTTP(res, r)

		_, _ = b.WriteString(fmt.Sprintf("HTTP/1.1 %d\r\n", res.Code))
		_ = res.Header().Write(b)
		for k, v := range res.Header() {
			w.Header()[k] = v
		}
		w.WriteHeader(res.Code)
		_, _ = b.WriteString("\r\n")
		writer := io.MultiWriter(w, b)
		_, _ = res.Body.WriteTo(writer)
		_, _ = b.WriteTo(os.Stderr)
	})
}
