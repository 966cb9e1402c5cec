package server

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/WebChangeDetector/webchangedetector-sub002/rest"
	"go.uber.org/zap"
)

var DefaultAuthorizer = NewSharedSecretAuthorizer()

// AddUser tells the DefaultAuthorizer that a given user and password is
// allowed to access the API.
func AddUser(user string, password string) {
	DefaultAuthorizer.AddUser(user, password)
}

// The Authorizer interface can be used to authorize a given user and token
// to access the API.
type Authorizer interface {
	// Authorize returns nil if the user and token are allowed to access the
	// API, and a rest.Error otherwise. The rest.Error will be returned as the
	// body of a 401 HTTP response.
	Authorize(user string, token string) *rest.Error
}

// SharedSecretAuthorizer uses an in-memory map of usernames and passwords to
// authenticate incoming requests.
type SharedSecretAuthorizer struct {
	allowedUsers map[string]string
	mu           sync.RWMutex
}

// NewSharedSecretAuthorizer creates a SharedSecretAuthorizer ready for use.
func NewSharedSecretAuthorizer() *SharedSecretAuthorizer {
	return &SharedSecretAuthorizer{
		allowedUsers: make(map[string]string),
	}
}

// NewUsersAuthorizer returns a SharedSecretAuthorizer that allows every
// user in users, a map of user id to password.
func NewUsersAuthorizer(users map[string]string) *SharedSecretAuthorizer {
	ssa := NewSharedSecretAuthorizer()
	for user, pass := range users {
		ssa.AddUser(user, pass)
	}
	return ssa
}

// AddUser authorizes a given user and password to access the API.
func (ssa *SharedSecretAuthorizer) AddUser(userId string, password string) {
	ssa.mu.Lock()
	defer ssa.mu.Unlock()
	ssa.allowedUsers[userId] = password
}

// Authorize returns nil if the userId and token have been added to c, and
// a rest.Error if they are not allowed to access the API.
func (c *SharedSecretAuthorizer) Authorize(userId string, token string) *rest.Error {
	c.mu.RLock()
	serverPass, ok := c.allowedUsers[userId]
	c.mu.RUnlock()
	if !ok {
		if userId == "" {
			return &rest.Error{
				Title: "No authentication provided",
				ID:    "missing_authentication",
			}
		}
		return &rest.Error{
			Title: "Username or password are invalid. Please double check your credentials",
			ID:    "forbidden",
		}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(serverPass)) != 1 {
		return &rest.Error{
			Title: fmt.Sprintf("Incorrect password for user %s", userId),
			ID:    "incorrect_password",
		}
	}
	return nil
}

// Use this if you need to bypass the API authorization scheme.
type UnsafeBypassAuthorizer struct{}

func (u *UnsafeBypassAuthorizer) Authorize(userId string, token string) *rest.Error {
	return nil
}

// handleAuthorizeError writes the rest.Error returned by an Authorizer to
// the response.
func handleAuthorizeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err *rest.Error) {
	switch {
	case err.ID == "missing_authentication":
		err.StatusCode = http.StatusUnauthorized
		authenticate(w, err)
	case err.ID == "incorrect_password" || err.ID == "forbidden":
		forbidden(w, err)
	case err.StatusCode == http.StatusInternalServerError || err.ID == "server_error":
		writeServerError(w, r, logger, err)
	default:
		if err.StatusCode == 0 {
			err.StatusCode = http.StatusUnauthorized
		}
		w.WriteHeader(err.StatusCode)
		json.NewEncoder(w).Encode(err)
	}
}
