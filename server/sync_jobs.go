package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/WebChangeDetector/webchangedetector-sub002/models"
	"github.com/WebChangeDetector/webchangedetector-sub002/models/sync_jobs"
	"github.com/WebChangeDetector/webchangedetector-sub002/services"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// StartedMessage is returned when a sync job was enqueued.
const StartedMessage = "URL synchronization started"

// EnqueueResponse is the body of a successful POST /v1/sync-jobs.
type EnqueueResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	services.JobHandle
}

// POST /v1/sync-jobs
//
// Creates the remote groups and website for a domain, and queues the job
// that syncs its URLs. Form fields: domain or group_id, threshold, and one
// wp_api_<type>_<post_type> field per selected post type.
func (s *server) createSyncJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormSize)
	if err := r.ParseForm(); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeFailure(w, r, s.logger, http.StatusRequestEntityTooLarge, "Request body is too large (100KB max)")
			return
		}
		writeFailure(w, r, s.logger, http.StatusBadRequest, "Invalid form body")
		return
	}
	selectors, err := formSelectors(r.PostForm)
	if err != nil {
		writeFailure(w, r, s.logger, http.StatusBadRequest, err.Error())
		return
	}
	threshold, err := formThreshold(r.PostForm.Get("threshold"))
	if err != nil {
		writeFailure(w, r, s.logger, http.StatusBadRequest, "Threshold must be a number")
		return
	}
	handle, err := s.enqueuer.EnqueueSync(r.Context(), services.EnqueueRequest{
		Domain:       r.PostForm.Get("domain"),
		GroupID:      strings.TrimSpace(r.PostForm.Get("group_id")),
		Selectors:    selectors,
		Threshold:    threshold,
		ActingUserID: actingUser(r),
	})
	if err != nil {
		s.writeEnqueueError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(EnqueueResponse{
		Success:   true,
		Message:   StartedMessage,
		JobHandle: *handle,
	})
}

func (s *server) writeEnqueueError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *services.ValidationError
	var rerr *services.RemoteError
	var serr *services.StoreError
	switch {
	case errors.Is(err, services.ErrInvalidDomain), errors.Is(err, services.ErrNoCredential):
		writeFailure(w, r, s.logger, http.StatusBadRequest, err.Error())
	case errors.As(err, &verr):
		writeFailure(w, r, s.logger, http.StatusBadRequest, verr.Message)
	case errors.As(err, &rerr):
		writeFailure(w, r, s.logger, http.StatusBadGateway, rerr.Error())
	case errors.As(err, &serr):
		s.logger.Error("could not save sync job", zap.Error(serr.Err))
		writeFailure(w, r, s.logger, http.StatusInternalServerError, "Could not save the sync job. Please try again")
	default:
		writeServerError(w, r, s.logger, err)
	}
}

// GET /v1/sync-jobs/:job_id
func (s *server) getStatus(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w, r, chi.URLParam(r, "job_id"))
}

// POST /v1/sync-jobs/status
//
// The form-encoded twin of GET /v1/sync-jobs/:job_id, with a job_id field.
func (s *server) postStatus(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormSize)
	if err := r.ParseForm(); err != nil {
		writeStatusFailure(w, http.StatusBadRequest, "Invalid form body")
		return
	}
	s.writeStatus(w, r, r.PostForm.Get("job_id"))
}

// writeStatus looks up a single job and writes its report. It never
// modifies the job.
func (s *server) writeStatus(w http.ResponseWriter, r *http.Request, id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		writeStatusFailure(w, http.StatusBadRequest, "Missing job_id")
		return
	}
	job, err := s.jobs.GetRetry(r.Context(), id, 3)
	if err == sync_jobs.ErrNotFound {
		writeStatusFailure(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		writeServerError(w, r, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(models.StatusEnvelope{
		Success: true,
		Data:    job.Report(),
	})
}
