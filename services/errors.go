package services

import (
	"errors"
	"fmt"
)

// ErrInvalidDomain is returned when no usable domain was given or could be
// derived from the group.
var ErrInvalidDomain = errors.New("Invalid domain")

// ErrNoCredential is returned when the acting user has no active credential
// and no primary credential is configured.
var ErrNoCredential = errors.New("No API credential configured")

// ValidationError describes invalid enqueue input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// RemoteError is returned by EnqueueSync when the remote comparison API
// failed to create the groups or the website. No job was created.
type RemoteError struct {
	// Op is the remote call that failed, eg "create website".
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("Could not %s: %s", e.Op, e.Err.Error())
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// StoreError is returned by EnqueueSync when the job could not be saved.
// Remote resources created before the failure are not rolled back.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string {
	return "Could not save sync job: " + e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
