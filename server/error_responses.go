// Helpers for building various types of error responses.

package server

import (
	"encoding/json"
	"net/http"

	"github.com/WebChangeDetector/webchangedetector-sub002/rest"
	"go.uber.org/zap"
)

func new405(r *http.Request) *rest.Error {
	return &rest.Error{
		Title:      "Method not allowed",
		ID:         "method_not_allowed",
		Instance:   r.URL.Path,
		StatusCode: 405,
	}
}

func new404(r *http.Request) *rest.Error {
	return &rest.Error{
		Title:      "Resource not found",
		ID:         "not_found",
		Instance:   r.URL.Path,
		StatusCode: 404,
	}
}

func insecure403(r *http.Request) *rest.Error {
	return &rest.Error{
		Title:      "Server not available over HTTP",
		ID:         "insecure_request",
		Detail:     "For your security, please use an encrypted connection",
		Instance:   r.URL.Path,
		StatusCode: 403,
	}
}

func new401(r *http.Request) *rest.Error {
	return &rest.Error{
		Title:      "Unauthorized. Please include your API credentials",
		ID:         "unauthorized",
		Instance:   r.URL.Path,
		StatusCode: 401,
	}
}

func notFound(w http.ResponseWriter, err *rest.Error) {
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(err)
}

func methodNotAllowed(w http.ResponseWriter, err *rest.Error) {
	w.WriteHeader(http.StatusMethodNotAllowed)
	json.NewEncoder(w).Encode(err)
}

func authenticate(w http.ResponseWriter, err *rest.Error) {
	w.Header().Set("WWW-Authenticate", "Basic realm=\"wcdsync\"")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(err)
}

func forbidden(w http.ResponseWriter, err *rest.Error) {
	w.WriteHeader(http.StatusForbidden)
	json.NewEncoder(w).Encode(err)
}

var serverError = rest.Error{
	StatusCode: http.StatusInternalServerError,
	ID:         "server_error",
	Title:      "Unexpected server error. Please try again",
}

// writeServerError logs the provided error, and returns a generic server error
// message to the client.
func writeServerError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	logger.Error("server error", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(serverError)
}

// failure is the body of an unsuccessful enqueue or credential request.
type failure struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// writeFailure writes a {success: false, message} body with the given
// status code.
func writeFailure(w http.ResponseWriter, r *http.Request, logger *zap.Logger, code int, msg string) {
	if code >= 500 {
		logger.Error("request failed", zap.Int("status", code), zap.String("path", r.URL.Path), zap.String("message", msg))
	} else {
		logger.Info("request rejected", zap.Int("status", code), zap.String("path", r.URL.Path), zap.String("message", msg))
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(failure{Message: msg})
}

// statusFailure is the body of an unsuccessful status lookup.
type statusFailure struct {
	Success bool `json:"success"`
	Data    struct {
		Message string `json:"message"`
	} `json:"data"`
}

func writeStatusFailure(w http.ResponseWriter, code int, msg string) {
	var body statusFailure
	body.Data.Message = msg
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
