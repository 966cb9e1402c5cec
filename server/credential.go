package server

import (
	"encoding/json"
	"net/http"
	"strings"
)

type okBody struct {
	Success bool `json:"success"`
}

// PUT /v1/users/me/credential
//
// Makes the api_token field the acting user's active credential. Jobs that
// are already queued keep the credential they were enqueued with.
func (s *server) setCredential(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormSize)
	if err := r.ParseForm(); err != nil {
		writeFailure(w, r, s.logger, http.StatusBadRequest, "Invalid form body")
		return
	}
	token := strings.TrimSpace(r.PostForm.Get("api_token"))
	if token == "" {
		writeFailure(w, r, s.logger, http.StatusBadRequest, "Missing required field: api_token")
		return
	}
	if err := s.credentials.SetActive(r.Context(), actingUser(r), token); err != nil {
		writeServerError(w, r, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(okBody{Success: true})
}

// DELETE /v1/users/me/credential
//
// Future jobs fall back to the primary credential.
func (s *server) clearCredential(w http.ResponseWriter, r *http.Request) {
	if err := s.credentials.Clear(r.Context(), actingUser(r)); err != nil {
		writeServerError(w, r, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(okBody{Success: true})
}
