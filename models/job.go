package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a SyncJob. Statuses only move forward:
// queued -> processing -> completed|failed.
type JobStatus string

// StatusQueued indicates a SyncJob is waiting for the dequeuer to run it.
const StatusQueued = JobStatus("queued")

// StatusProcessing indicates a worker has claimed the job and is running it.
const StatusProcessing = JobStatus("processing")

// StatusCompleted is terminal.
const StatusCompleted = JobStatus("completed")

// StatusFailed is terminal. The error_message column holds the reason.
const StatusFailed = JobStatus("failed")

// Terminal returns true if no further transitions are possible.
func (j JobStatus) Terminal() bool {
	return j == StatusCompleted || j == StatusFailed
}

// CanTransitionTo reports whether a job in status j may move to next.
func (j JobStatus) CanTransitionTo(next JobStatus) bool {
	switch j {
	case StatusQueued:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusProcessing || next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Scan implements the Scanner interface.
func (j *JobStatus) Scan(src interface{}) error {
	if src == nil {
		return nil
	} else if txt, ok := src.(string); ok {
		*j = JobStatus(txt)
		return nil
	} else if txt, ok := src.([]byte); ok {
		*j = JobStatus(string(txt))
		return nil
	}
	return fmt.Errorf("Unsupported JobStatus: %#v", src)
}

func (j JobStatus) Value() (driver.Value, error) {
	return string(j), nil
}

// A Selector is one post type or taxonomy the user ticked in the "create
// website" form, eg. {types, Post Types, posts, Posts}.
type Selector struct {
	URLTypeSlug  string `json:"url_type_slug" validate:"required"`
	URLTypeName  string `json:"url_type_name"`
	PostTypeSlug string `json:"post_type_slug" validate:"required"`
	PostTypeName string `json:"post_type_name"`
}

// WebsiteMetadata is what the worker needs to know about the remote website
// record created at enqueue time.
type WebsiteMetadata struct {
	WebsiteID         string     `json:"website_id"`
	Domain            string     `json:"domain"`
	Threshold         float64    `json:"threshold"`
	SyncURLTypes      []Selector `json:"sync_url_types"`
	ManualGroupID     string     `json:"manual_group_id"`
	MonitoringGroupID string     `json:"monitoring_group_id"`
}

// Credential is the bearer token used for remote calls made on behalf of a
// job. It is captured once, at enqueue time.
type Credential struct {
	APIToken string `json:"api_token"`
	// Source is "active" if the token was the acting user's selected
	// credential, "primary" if it fell back to the account's token.
	Source string `json:"source"`
}

// Payload is everything the worker needs to run a job without an ambient
// user session. It's stored opaquely in the post_types column.
type Payload struct {
	Selectors       []Selector      `json:"selectors"`
	WebsiteMetadata WebsiteMetadata `json:"website_metadata"`
	ActingUserID    string          `json:"acting_user_id"`
	Credential      Credential      `json:"credential"`
}

// Value implements driver.Valuer.
func (p Payload) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the Scanner interface.
func (p *Payload) Scan(src interface{}) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return fmt.Errorf("Unsupported Payload: %#v", src)
	}
	if len(b) == 0 {
		return errors.New("models: empty payload")
	}
	return json.Unmarshal(b, p)
}

// A SyncJob is one background URL synchronization run.
type SyncJob struct {
	ID                string    `json:"job_id"`
	Domain            string    `json:"domain"`
	ManualGroupID     string    `json:"manual_group_id"`
	MonitoringGroupID string    `json:"monitoring_group_id"`
	Payload           Payload   `json:"-"`
	Status            JobStatus `json:"status"`
	Progress          int       `json:"progress"`
	// Message is the latest human readable phase description, or the
	// failure reason for failed jobs.
	Message       string    `json:"error_message"`
	TotalURLs     *int      `json:"total_urls"`
	ProcessedURLs int       `json:"processed_urls"`
	RunAfter      time.Time `json:"run_after"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
