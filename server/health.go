package server

import (
	"encoding/json"
	"net/http"

	"github.com/WebChangeDetector/webchangedetector-sub002/config"
	"github.com/WebChangeDetector/webchangedetector-sub002/metrics"
	"github.com/WebChangeDetector/webchangedetector-sub002/models"
)

// Health is the body of GET /v1/health.
type Health struct {
	Success bool `json:"success"`
	Data    struct {
		Version string                     `json:"version"`
		Jobs    map[models.JobStatus]int64 `json:"jobs"`
	} `json:"data"`
}

// GET /v1/health
//
// Reports the server version and the number of jobs in each status.
func (s *server) health(w http.ResponseWriter, r *http.Request) {
	counts, err := s.jobs.CountByStatus(r.Context())
	if err != nil {
		writeServerError(w, r, s.logger, err)
		return
	}
	h := Health{Success: true}
	h.Data.Version = config.Version
	h.Data.Jobs = map[models.JobStatus]int64{
		models.StatusQueued:     0,
		models.StatusProcessing: 0,
		models.StatusCompleted:  0,
		models.StatusFailed:     0,
	}
	for status, n := range counts {
		h.Data.Jobs[status] = n
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(h)
}

// GET /debug/metrics
//
// Dumps the counters, gauges and timers recorded by this process.
func (s *server) debugMetrics(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	metrics.WriteJSON(w)
}
