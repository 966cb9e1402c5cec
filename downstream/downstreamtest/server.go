// Package downstreamtest implements an in-memory version of the remote
// comparison API, for tests and local development.
package downstreamtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/WebChangeDetector/webchangedetector-sub002/downstream"
	"github.com/WebChangeDetector/webchangedetector-sub002/rest"
	"github.com/go-chi/chi/v5"
)

// Call is one request received by the Server.
type Call struct {
	Method string
	Path   string
	Token  string
}

type failure struct {
	status int
	title  string
}

// Server records every call it receives. The zero value is not usable, call
// NewServer.
type Server struct {
	mu             sync.Mutex
	nextID         int
	groups         map[string]downstream.Group
	websites       map[string]downstream.Website
	calls          []Call
	syncs          []downstream.SyncParams
	startSyncs     []downstream.StartSyncParams
	statusUpdates  map[string][]string
	failures       map[string]failure
	requiredTokens map[string]bool

	handler http.Handler
}

func NewServer() *Server {
	s := &Server{
		groups:        make(map[string]downstream.Group),
		websites:      make(map[string]downstream.Website),
		statusUpdates: make(map[string][]string),
		failures:      make(map[string]failure),
	}
	r := chi.NewRouter()
	r.Use(s.record)
	r.Get("/v2/groups/{id}", s.getGroup)
	r.Post("/v2/groups", s.createGroup)
	r.Post("/v2/websites", s.createWebsite)
	r.Put("/v2/websites/{id}", s.updateWebsite)
	r.Post("/v2/sync-urls", s.syncURLs)
	r.Post("/v2/start-sync", s.startSync)
	s.handler = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Fail makes every request to path (for example "POST /v2/sync-urls")
// return the given status code, with title as the error message.
func (s *Server) Fail(route string, status int, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = failure{status: status, title: title}
}

// RequireToken rejects calls that don't present one of the given bearer
// tokens.
func (s *Server) RequireToken(tokens ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requiredTokens = make(map[string]bool)
	for _, t := range tokens {
		s.requiredTokens[t] = true
	}
}

// AddGroup stores g, so it can be retrieved with GET /v2/groups/{id}.
func (s *Server) AddGroup(g downstream.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.ID] = g
}

// Calls returns every request received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount returns the number of requests received for route, for example
// "POST /v2/sync-urls".
func (s *Server) CallCount(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method+" "+c.Path == route {
			n++
		}
	}
	return n
}

// Syncs returns the bodies of every sync-urls call.
func (s *Server) Syncs() []downstream.SyncParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]downstream.SyncParams(nil), s.syncs...)
}

// StartSyncs returns the bodies of every start-sync call.
func (s *Server) StartSyncs() []downstream.StartSyncParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]downstream.StartSyncParams(nil), s.startSyncs...)
}

// Website returns the stored website with the given id.
func (s *Server) Website(id string) (downstream.Website, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.websites[id]
	return w, ok
}

// SyncStatusUpdates returns the sync_status values written to the website,
// in order.
func (s *Server) SyncStatusUpdates(websiteID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.statusUpdates[websiteID]...)
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path, Token: token})
		f, failing := s.failures[r.Method+" "+r.URL.Path]
		allowed := s.requiredTokens == nil || s.requiredTokens[token]
		s.mu.Unlock()
		if !allowed {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		if failing {
			writeError(w, f.status, f.title)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) id(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s_%d", prefix, s.nextID)
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	g, ok := s.groups[chi.URLParam(r, "id")]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Group not found")
		return
	}
	writeData(w, http.StatusOK, g)
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var p downstream.GroupParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	g := downstream.Group{ID: s.id("grp"), Name: p.Name, Monitoring: p.Monitoring, Enabled: p.Enabled, Threshold: p.Threshold}
	s.groups[g.ID] = g
	s.mu.Unlock()
	writeData(w, http.StatusCreated, g)
}

func (s *Server) createWebsite(w http.ResponseWriter, r *http.Request) {
	var p downstream.WebsiteParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	_, manual := s.groups[p.ManualDetectionGroupID]
	_, auto := s.groups[p.AutoDetectionGroupID]
	if !manual || !auto {
		s.mu.Unlock()
		writeError(w, http.StatusUnprocessableEntity, "Unknown group")
		return
	}
	site := downstream.Website{
		ID:                     s.id("web"),
		Domain:                 p.Domain,
		ManualDetectionGroupID: p.ManualDetectionGroupID,
		AutoDetectionGroupID:   p.AutoDetectionGroupID,
		SyncURLTypes:           p.SyncURLTypes,
	}
	s.websites[site.ID] = site
	s.mu.Unlock()
	writeData(w, http.StatusCreated, site)
}

func (s *Server) updateWebsite(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SyncStatus string `json:"sync_status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	site, ok := s.websites[id]
	if ok {
		site.SyncStatus = body.SyncStatus
		s.websites[id] = site
		s.statusUpdates[id] = append(s.statusUpdates[id], body.SyncStatus)
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Website not found")
		return
	}
	writeData(w, http.StatusOK, site)
}

func (s *Server) syncURLs(w http.ResponseWriter, r *http.Request) {
	var p downstream.SyncParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	s.syncs = append(s.syncs, p)
	s.mu.Unlock()
	writeData(w, http.StatusOK, map[string]int{"received": len(p.URLs)})
}

func (s *Server) startSync(w http.ResponseWriter, r *http.Request) {
	var p downstream.StartSyncParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	s.startSyncs = append(s.startSyncs, p)
	s.mu.Unlock()
	writeData(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func writeData(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"data": v})
}

func writeError(w http.ResponseWriter, status int, title string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&rest.Error{Title: title, ID: "remote_error", StatusCode: status})
}
