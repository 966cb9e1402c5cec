package models

import "time"

// A Report is the public view of a SyncJob returned by status lookups.
type Report struct {
	JobID         string    `json:"job_id"`
	Domain        string    `json:"domain"`
	Status        JobStatus `json:"status"`
	Progress      int       `json:"progress"`
	ErrorMessage  string    `json:"error_message"`
	StatusMessage string    `json:"status_message"`
	TotalURLs     *int      `json:"total_urls"`
	ProcessedURLs int       `json:"processed_urls"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// StatusEnvelope wraps a Report in the {success, data} shape the status
// endpoints respond with.
type StatusEnvelope struct {
	Success bool   `json:"success"`
	Data    Report `json:"data"`
}

// Report returns the public view of j.
func (j *SyncJob) Report() Report {
	return Report{
		JobID:         j.ID,
		Domain:        j.Domain,
		Status:        j.Status,
		Progress:      j.Progress,
		ErrorMessage:  j.Message,
		StatusMessage: j.StatusMessage(),
		TotalURLs:     j.TotalURLs,
		ProcessedURLs: j.ProcessedURLs,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
}
