// Package poller watches a sync job until it finishes.
//
// A Poller is purely observational: it never asks the server to stop a job,
// and abandoning a Wait leaves the job running.
package poller

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/WebChangeDetector/webchangedetector-sub002/models"
	"github.com/WebChangeDetector/webchangedetector-sub002/rest"
	"go.uber.org/zap"
)

// DefaultInterval is the time between two status requests.
const DefaultInterval = 2 * time.Second

// MaxConsecutiveFailures is the number of failed status requests in a row
// after which the poller gives up.
const MaxConsecutiveFailures = 3

// State is the state of a Poller.
type State string

const (
	Polling   = State("polling")
	Succeeded = State("succeeded")
	Failed    = State("failed")
	GaveUp    = State("gave-up")
)

// Done reports whether s is a final state.
func (s State) Done() bool {
	return s != Polling
}

// A StatusFetcher returns the current state of a job.
type StatusFetcher interface {
	Status(ctx context.Context, jobID string) (*models.Report, error)
}

// An Update is passed to the caller after every status request.
type Update struct {
	State State
	// Report is the last report received, nil until one arrives.
	Report *models.Report
	// Description is the job's status message, or a generic description of
	// its progress.
	Description string
	// Failures is the number of failed requests in a row.
	Failures int
	// Err is the error from the latest request, if it failed.
	Err error
}

// Poller polls a StatusFetcher until the job completes or fails.
type Poller struct {
	Fetcher     StatusFetcher
	Interval    time.Duration
	MaxFailures int
	Logger      *zap.Logger
}

// New returns a Poller with the default interval and failure budget.
func New(f StatusFetcher, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		Fetcher:     f,
		Interval:    DefaultInterval,
		MaxFailures: MaxConsecutiveFailures,
		Logger:      logger,
	}
}

// machine holds the state of a single Wait call.
type machine struct {
	state    State
	report   *models.Report
	failures int
	limit    int
	err      error
}

// observe moves the machine forward after a status request.
func (m *machine) observe(report *models.Report, err error) {
	if m.state.Done() {
		return
	}
	if err != nil {
		m.err = err
		if permanent(err) {
			m.state = GaveUp
			return
		}
		m.failures++
		if m.failures >= m.limit {
			m.state = GaveUp
		}
		return
	}
	m.err = nil
	m.failures = 0
	m.report = report
	switch report.Status {
	case models.StatusCompleted:
		m.state = Succeeded
	case models.StatusFailed:
		m.state = Failed
	}
}

func (m *machine) update() Update {
	u := Update{
		State:    m.state,
		Report:   m.report,
		Failures: m.failures,
		Err:      m.err,
	}
	if m.report != nil {
		u.Description = m.report.StatusMessage
		if u.Description == "" {
			u.Description = models.DescribeProgress(m.report.Progress)
		}
	} else {
		u.Description = models.DescribeProgress(0)
	}
	return u
}

// permanent reports whether retrying the request can't help, eg. the job
// doesn't exist or the credentials are wrong.
func permanent(err error) bool {
	var rerr *rest.Error
	if !errors.As(err, &rerr) {
		return false
	}
	if rerr.Temporary() || rerr.StatusCode == http.StatusRequestTimeout {
		return false
	}
	return rerr.StatusCode >= 400 && rerr.StatusCode < 500
}

// Wait requests the status of jobID right away and then every Interval,
// calling onUpdate (if not nil) after each request, until the job completes,
// fails, or too many requests fail in a row. The final Update is returned.
//
// Wait returns ctx.Err() if the context is canceled first. The job is not
// affected.
func (p *Poller) Wait(ctx context.Context, jobID string, onUpdate func(Update)) (Update, error) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	limit := p.MaxFailures
	if limit <= 0 {
		limit = MaxConsecutiveFailures
	}
	m := &machine{state: Polling, limit: limit}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		report, err := p.Fetcher.Status(ctx, jobID)
		if err != nil && ctx.Err() != nil {
			return m.update(), ctx.Err()
		}
		m.observe(report, err)
		if err != nil {
			logger.Warn("status request failed",
				zap.String("job_id", jobID),
				zap.Int("failures", m.failures),
				zap.Error(err))
		}
		u := m.update()
		if onUpdate != nil {
			onUpdate(u)
		}
		if u.State.Done() {
			return u, nil
		}
		select {
		case <-ctx.Done():
			return u, ctx.Err()
		case <-ticker.C:
		}
	}
}
