package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/WebChangeDetector/webchangedetector-sub002/downstream"
	"github.com/WebChangeDetector/webchangedetector-sub002/metrics"
	"github.com/WebChangeDetector/webchangedetector-sub002/models"
	"github.com/WebChangeDetector/webchangedetector-sub002/models/credentials"
	"github.com/WebChangeDetector/webchangedetector-sub002/models/sync_jobs"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultScheduleDelay is how long a new job waits before a worker may pick
// it up, so the HTTP response carrying the job id returns first.
const DefaultScheduleDelay = 5 * time.Second

// A Scheduler arranges for a job to be run once, at or shortly after at.
type Scheduler interface {
	Schedule(jobID string, at time.Time)
}

// EnqueueRequest is the input for EnqueueSync. Exactly one of Domain and
// GroupID should be set; if GroupID is set the domain is read from the
// remote group.
type EnqueueRequest struct {
	Domain       string
	GroupID      string
	Selectors    []models.Selector `validate:"required,min=1,dive"`
	Threshold    float64           `validate:"gte=0,lte=100"`
	ActingUserID string            `validate:"required"`
}

// JobHandle is returned to the caller of EnqueueSync.
type JobHandle struct {
	JobID             string `json:"job_id"`
	Domain            string `json:"domain"`
	ManualGroupID     string `json:"manual_group_id"`
	MonitoringGroupID string `json:"monitoring_group_id"`
	WebsiteID         string `json:"website_id"`
}

// An Enqueuer creates the remote resources for a website and queues the job
// that syncs its URLs.
type Enqueuer struct {
	Jobs        *sync_jobs.Store
	Credentials *credentials.Store
	Remote      *downstream.Client
	// Scheduler may be nil, in which case the job is picked up by the next
	// dequeuer poll after its run_after time.
	Scheduler Scheduler
	// PrimaryToken is the account's credential, used when the acting user
	// has not selected one.
	PrimaryToken  string
	ScheduleDelay time.Duration
	Logger        *zap.Logger

	validate *validator.Validate
}

// NewEnqueuer returns an Enqueuer with the default schedule delay.
func NewEnqueuer(jobs *sync_jobs.Store, creds *credentials.Store, remote *downstream.Client, primaryToken string, logger *zap.Logger) *Enqueuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enqueuer{
		Jobs:          jobs,
		Credentials:   creds,
		Remote:        remote,
		PrimaryToken:  primaryToken,
		ScheduleDelay: DefaultScheduleDelay,
		Logger:        logger,
		validate:      validator.New(),
	}
}

// NormalizeDomain strips the scheme, query string, fragment, surrounding
// whitespace and trailing slashes from raw, and lowercases the host.
func NormalizeDomain(raw string) string {
	d := strings.TrimSpace(raw)
	lower := strings.ToLower(d)
	for _, scheme := range []string{"https://", "http://"} {
		if strings.HasPrefix(lower, scheme) {
			d = d[len(scheme):]
			break
		}
	}
	if i := strings.IndexAny(d, "?#"); i >= 0 {
		d = d[:i]
	}
	d = strings.TrimRight(d, "/")
	host, path, found := strings.Cut(d, "/")
	host = strings.ToLower(host)
	if found {
		return host + "/" + path
	}
	return host
}

func (e *Enqueuer) validation() *validator.Validate {
	if e.validate == nil {
		e.validate = validator.New()
	}
	return e.validate
}

func (e *Enqueuer) checkRequest(req *EnqueueRequest) error {
	err := e.validation().Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	switch {
	case fe.StructField() == "Selectors" && (fe.Tag() == "required" || fe.Tag() == "min"):
		return &ValidationError{Field: "selectors", Message: "Please select at least one post type or taxonomy"}
	case strings.HasPrefix(fe.StructNamespace(), "EnqueueRequest.Selectors["):
		return &ValidationError{Field: "selectors", Message: "Invalid post type selection"}
	case fe.StructField() == "Threshold":
		return &ValidationError{Field: "threshold", Message: "Threshold must be between 0 and 100"}
	case fe.StructField() == "ActingUserID":
		return &ValidationError{Field: "user", Message: "No acting user"}
	}
	return &ValidationError{Field: fe.Field(), Message: fe.Error()}
}

// checkDomain makes sure the host part of domain is a hostname, optionally
// with a port, and that the rest is a plain path.
func (e *Enqueuer) checkDomain(domain string) error {
	if domain == "" {
		return ErrInvalidDomain
	}
	host, _, _ := strings.Cut(domain, "/")
	if err := e.validation().Var(host, "hostname_rfc1123|hostname_port"); err != nil {
		return ErrInvalidDomain
	}
	if strings.ContainsAny(domain, "?#@\\ \t\r\n") {
		return ErrInvalidDomain
	}
	u, err := url.Parse("https://" + domain)
	if err != nil || u.Host != host || u.RawQuery != "" || u.Fragment != "" {
		return ErrInvalidDomain
	}
	return nil
}

// ResolveCredential returns the acting user's active credential, or the
// primary credential if they have not selected one.
func (e *Enqueuer) ResolveCredential(ctx context.Context, userID string) (models.Credential, error) {
	if e.Credentials != nil {
		token, ok, err := e.Credentials.Active(ctx, userID)
		if err != nil {
			return models.Credential{}, &StoreError{Err: err}
		}
		if ok {
			return models.Credential{APIToken: token, Source: "active"}, nil
		}
	}
	if e.PrimaryToken == "" {
		return models.Credential{}, ErrNoCredential
	}
	return models.Credential{APIToken: e.PrimaryToken, Source: "primary"}, nil
}

// EnqueueSync creates the manual and monitoring groups and the website on
// the remote service, then saves a queued job that discovers and syncs the
// website's URLs, and schedules it to run after ScheduleDelay.
//
// A *RemoteError means the remote resources could not be created and no job
// exists. A *StoreError means the job could not be saved; remote resources
// created before the failure are left in place.
func (e *Enqueuer) EnqueueSync(ctx context.Context, req EnqueueRequest) (*JobHandle, error) {
	handle, err := e.enqueueSync(ctx, req)
	metrics.Increment(enqueueMetric(err))
	return handle, err
}

func enqueueMetric(err error) string {
	var rerr *RemoteError
	var serr *StoreError
	switch {
	case err == nil:
		return "enqueue.success"
	case errors.As(err, &rerr):
		return "enqueue.remote.error"
	case errors.As(err, &serr):
		return "enqueue.store.error"
	default:
		return "enqueue.invalid"
	}
}

func (e *Enqueuer) enqueueSync(ctx context.Context, req EnqueueRequest) (*JobHandle, error) {
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := e.checkRequest(&req); err != nil {
		return nil, err
	}
	// Fail before creating remote resources if the store is unreachable.
	if err := e.Jobs.Setup(); err != nil {
		return nil, &StoreError{Err: err}
	}
	cred, err := e.ResolveCredential(ctx, req.ActingUserID)
	if err != nil {
		return nil, err
	}
	token := cred.APIToken

	var domain string
	if req.GroupID != "" {
		group, err := e.Remote.Groups.Get(ctx, token, req.GroupID)
		if err != nil {
			return nil, &RemoteError{Op: "load group", Err: err}
		}
		domain = NormalizeDomain(group.Name)
	} else {
		domain = NormalizeDomain(req.Domain)
	}
	if err := e.checkDomain(domain); err != nil {
		return nil, err
	}

	manual, err := e.Remote.Groups.Create(ctx, token, &downstream.GroupParams{
		Name:      domain,
		Enabled:   true,
		Threshold: req.Threshold,
	})
	if err != nil {
		return nil, &RemoteError{Op: "create manual checks group", Err: err}
	}
	monitoring, err := e.Remote.Groups.Create(ctx, token, &downstream.GroupParams{
		Name:       domain,
		Monitoring: true,
		Enabled:    true,
		Threshold:  req.Threshold,
	})
	if err != nil {
		return nil, &RemoteError{Op: "create monitoring group", Err: err}
	}
	website, err := e.Remote.Websites.Create(ctx, token, &downstream.WebsiteParams{
		Domain:                 domain,
		ManualDetectionGroupID: manual.ID,
		AutoDetectionGroupID:   monitoring.ID,
		SyncURLTypes:           req.Selectors,
	})
	if err != nil {
		return nil, &RemoteError{Op: "create website", Err: err}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}
	delay := e.ScheduleDelay
	if delay < 0 {
		delay = 0
	}
	job := &models.SyncJob{
		ID:                sync_jobs.Prefix + id.String(),
		Domain:            domain,
		ManualGroupID:     manual.ID,
		MonitoringGroupID: monitoring.ID,
		Payload: models.Payload{
			Selectors: req.Selectors,
			WebsiteMetadata: models.WebsiteMetadata{
				WebsiteID:         website.ID,
				Domain:            domain,
				Threshold:         req.Threshold,
				SyncURLTypes:      req.Selectors,
				ManualGroupID:     manual.ID,
				MonitoringGroupID: monitoring.ID,
			},
			ActingUserID: req.ActingUserID,
			Credential:   cred,
		},
		Status:   models.StatusQueued,
		RunAfter: time.Now().UTC().Add(delay),
	}
	if err := e.Jobs.Create(ctx, job); err != nil {
		logger.Error("could not save sync job, remote resources left in place",
			zap.String("domain", domain),
			zap.String("manual_group_id", manual.ID),
			zap.String("monitoring_group_id", monitoring.ID),
			zap.String("website_id", website.ID),
			zap.Error(err))
		return nil, &StoreError{Err: err}
	}
	if e.Scheduler != nil {
		e.Scheduler.Schedule(job.ID, job.RunAfter)
	}
	logger.Info("enqueued sync job",
		zap.String("job_id", job.ID),
		zap.String("domain", domain),
		zap.String("user", req.ActingUserID),
		zap.String("credential_source", cred.Source))
	return &JobHandle{
		JobID:             job.ID,
		Domain:            domain,
		ManualGroupID:     manual.ID,
		MonitoringGroupID: monitoring.ID,
		WebsiteID:         website.ID,
	}, nil
}
