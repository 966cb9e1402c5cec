// Logic for interacting with the "sync_jobs" table.
package sync_jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/WebChangeDetector/webchangedetector-sub002/models"
	"github.com/WebChangeDetector/webchangedetector-sub002/models/db"
	"github.com/google/uuid"
)

const Prefix = "job_"

// ValidID reports whether id is Prefix followed by a UUID.
func ValidID(id string) bool {
	rest, ok := strings.CutPrefix(id, Prefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil && len(rest) == 36
}

// StartMessage is written to error_message when a job is claimed.
const StartMessage = "Starting synchronization"

// ClaimedProgress is the progress a job reports once a worker claims it.
const ClaimedProgress = 10

// ErrNotFound indicates that the job was not found.
var ErrNotFound = errors.New("Sync job not found")

// ErrDuplicateID is returned by Create when the job id is already taken.
var ErrDuplicateID = errors.New("A sync job with that id already exists")

// ErrNotClaimed is returned by Claim and Acquire when there was no queued job
// to claim, or another worker claimed it first.
var ErrNotClaimed = errors.New("Sync job is not queued")

// InvalidTransitionError is returned by Update when the job exists but its
// current status does not allow the update.
type InvalidTransitionError struct {
	ID   string
	From models.JobStatus
	To   models.JobStatus
}

func (e *InvalidTransitionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.To == "" {
		return fmt.Sprintf("Cannot update job %s, it is already %s", e.ID, e.From)
	}
	return fmt.Sprintf("Cannot move job %s from %s to %s", e.ID, e.From, e.To)
}

// StuckJobLimit is the maximum number of stuck jobs to fetch in one database
// query.
var StuckJobLimit = 100

var schema = []string{
	fmt.Sprintf(`-- sync_jobs.Schema
CREATE TABLE IF NOT EXISTS sync_jobs (
	job_id TEXT PRIMARY KEY,
	domain TEXT NOT NULL,
	manual_group_id TEXT NOT NULL,
	monitoring_group_id TEXT NOT NULL,
	post_types TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT '%[1]s'
		CHECK (status IN ('%[1]s', '%[2]s', '%[3]s', '%[4]s')),
	progress INTEGER NOT NULL DEFAULT 0 CHECK (progress >= 0 AND progress <= 100),
	error_message TEXT NOT NULL DEFAULT '',
	total_urls INTEGER,
	processed_urls INTEGER NOT NULL DEFAULT 0,
	run_after BIGINT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
)`, models.StatusQueued, models.StatusProcessing, models.StatusCompleted, models.StatusFailed),
	`CREATE INDEX IF NOT EXISTS sync_jobs_status_run_after ON sync_jobs (status, run_after)`,
	`CREATE INDEX IF NOT EXISTS sync_jobs_created_at ON sync_jobs (created_at)`,
}

// Update is a partial update to a job. Nil fields are left alone. Progress
// never decreases: a lower value than the stored one is ignored.
type Update struct {
	Status        *models.JobStatus
	Progress      *int
	Message       *string
	TotalURLs     *int
	ProcessedURLs *int
}

// Store reads and writes sync jobs. The table is provisioned lazily on first
// use; Setup may be called any number of times.
type Store struct {
	db *db.DB
	// Now returns the current time. Tests may replace it.
	Now func() time.Time

	mu    sync.Mutex
	ready bool

	createStmt      *sql.Stmt
	getStmt         *sql.Stmt
	updateStmts     map[models.JobStatus]*sql.Stmt
	claimStmt       *sql.Stmt
	acquireStmt     *sql.Stmt
	deleteOldStmt   *sql.Stmt
	stuckStmt       *sql.Stmt
	countStatusStmt *sql.Stmt
}

// NewStore returns a Store backed by d. No queries are run until the first
// call.
func NewStore(d *db.DB) *Store {
	return &Store{db: d, Now: time.Now}
}

func (s *Store) now() time.Time {
	return s.Now().UTC()
}

// Setup creates the sync_jobs table and indexes if they are missing, and
// prepares all queries.
func (s *Store) Setup() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	if s.db == nil || s.db.DB == nil {
		return errors.New("No DB connection was established, can't query")
	}
	for _, q := range schema {
		if _, err := s.db.Exec(q); err != nil {
			// Two processes racing on CREATE TABLE IF NOT EXISTS in Postgres
			// can hit a unique violation on pg_type; the table exists.
			if db.IsUniqueViolation(err) {
				continue
			}
			return fmt.Errorf("sync_jobs: provision table: %w", err)
		}
	}

	s.createStmt, err = s.db.Prepare(fmt.Sprintf(`-- sync_jobs.Create
INSERT INTO sync_jobs (%s)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, fields()))
	if err != nil {
		return err
	}

	s.getStmt, err = s.db.Prepare(fmt.Sprintf(`-- sync_jobs.Get
SELECT %s
FROM sync_jobs
WHERE job_id = ?`, fields()))
	if err != nil {
		return err
	}

	s.updateStmts = make(map[models.JobStatus]*sql.Stmt)
	for _, next := range []models.JobStatus{"", models.StatusProcessing, models.StatusCompleted, models.StatusFailed} {
		query := fmt.Sprintf(`-- sync_jobs.Update
UPDATE sync_jobs
SET status = COALESCE(CAST(? AS TEXT), status),
	progress = CASE
		WHEN CAST(? AS INTEGER) IS NULL THEN progress
		WHEN CAST(? AS INTEGER) > progress THEN CAST(? AS INTEGER)
		ELSE progress
	END,
	error_message = COALESCE(CAST(? AS TEXT), error_message),
	total_urls = COALESCE(CAST(? AS INTEGER), total_urls),
	processed_urls = COALESCE(CAST(? AS INTEGER), processed_urls),
	updated_at = ?
WHERE job_id = ?
	AND status IN (%s)`, inList(predecessors(next)))
		stmt, err := s.db.Prepare(query)
		if err != nil {
			return err
		}
		s.updateStmts[next] = stmt
	}

	s.claimStmt, err = s.db.Prepare(fmt.Sprintf(`-- sync_jobs.Claim
UPDATE sync_jobs
SET status = '%[1]s',
	progress = CASE WHEN progress < %[3]d THEN %[3]d ELSE progress END,
	error_message = ?,
	updated_at = ?
WHERE job_id = ?
	AND status = '%[2]s'
RETURNING %[4]s`, models.StatusProcessing, models.StatusQueued, ClaimedProgress, fields()))
	if err != nil {
		return err
	}

	lock := ""
	if s.db.Dialect == db.Postgres {
		lock = "\n\tFOR UPDATE SKIP LOCKED"
	}
	s.acquireStmt, err = s.db.Prepare(fmt.Sprintf(`-- sync_jobs.Acquire
UPDATE sync_jobs
SET status = '%[1]s',
	progress = CASE WHEN progress < %[3]d THEN %[3]d ELSE progress END,
	error_message = ?,
	updated_at = ?
WHERE job_id = (
	SELECT job_id
	FROM sync_jobs
	WHERE status = '%[2]s'
		AND run_after <= ?
	ORDER BY run_after ASC, created_at ASC
	LIMIT 1%[5]s
)
	AND status = '%[2]s'
RETURNING %[4]s`, models.StatusProcessing, models.StatusQueued, ClaimedProgress, fields(), lock))
	if err != nil {
		return err
	}

	s.deleteOldStmt, err = s.db.Prepare(`-- sync_jobs.DeleteOlderThan
DELETE FROM sync_jobs WHERE created_at < ?`)
	if err != nil {
		return err
	}

	s.stuckStmt, err = s.db.Prepare(fmt.Sprintf(`-- sync_jobs.GetStuckJobs
SELECT %s FROM sync_jobs WHERE status = '%s' AND updated_at < ? LIMIT %d`,
		fields(), models.StatusProcessing, StuckJobLimit))
	if err != nil {
		return err
	}

	s.countStatusStmt, err = s.db.Prepare(`-- sync_jobs.CountByStatus
SELECT status, count(*) FROM sync_jobs GROUP BY status`)
	if err != nil {
		return err
	}
	s.ready = true
	return nil
}

// Create inserts a new job. ID, Domain and the group ids are required.
// Status defaults to queued; CreatedAt and RunAfter default to now.
func (s *Store) Create(ctx context.Context, job *models.SyncJob) error {
	if err := s.Setup(); err != nil {
		return err
	}
	if job == nil {
		return errors.New("sync_jobs: nil job")
	}
	if strings.TrimSpace(job.ID) == "" {
		return errors.New("sync_jobs: job id is required")
	}
	now := s.now()
	if job.Status == "" {
		job.Status = models.StatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.RunAfter.IsZero() {
		job.RunAfter = job.CreatedAt
	}
	job.UpdatedAt = job.CreatedAt
	var total sql.NullInt64
	if job.TotalURLs != nil {
		total = sql.NullInt64{Int64: int64(*job.TotalURLs), Valid: true}
	}
	_, err := s.createStmt.ExecContext(ctx,
		job.ID,
		job.Domain,
		job.ManualGroupID,
		job.MonitoringGroupID,
		job.Payload,
		job.Status,
		job.Progress,
		job.Message,
		total,
		job.ProcessedURLs,
		job.RunAfter.UnixMilli(),
		job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDuplicateID
		}
		return err
	}
	return nil
}

// Get the job with the given id. If no record could be found, the error
// will be ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*models.SyncJob, error) {
	if err := s.Setup(); err != nil {
		return nil, err
	}
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	job, err := scan(s.getStmt.QueryRowContext(ctx, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// GetRetry attempts to retrieve the job attempts times before giving up.
func (s *Store) GetRetry(ctx context.Context, id string, attempts uint8) (job *models.SyncJob, err error) {
	for i := uint8(0); i < attempts; i++ {
		job, err = s.Get(ctx, id)
		if err == nil || err == ErrNotFound {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return
}

// Update applies u to the job with the given id. Terminal jobs can't be
// updated, and statuses only move forward; violations return an
// *InvalidTransitionError. Unknown ids return ErrNotFound.
func (s *Store) Update(ctx context.Context, id string, u Update) error {
	if err := s.Setup(); err != nil {
		return err
	}
	var next models.JobStatus
	if u.Status != nil {
		next = *u.Status
		if next == models.StatusQueued {
			return &InvalidTransitionError{ID: id, From: models.StatusQueued, To: next}
		}
	}
	stmt, ok := s.updateStmts[next]
	if !ok {
		return fmt.Errorf("Unknown job status: %s", next)
	}
	if u.Progress != nil && (*u.Progress < 0 || *u.Progress > 100) {
		return fmt.Errorf("sync_jobs: progress %d out of range", *u.Progress)
	}
	res, err := stmt.ExecContext(ctx,
		nullString(u.Status),
		nullInt(u.Progress), nullInt(u.Progress), nullInt(u.Progress),
		nullText(u.Message),
		nullInt(u.TotalURLs),
		nullInt(u.ProcessedURLs),
		s.now().UnixMilli(),
		id,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}
	if rows > 1 {
		// This should not be possible because of database constraints
		return fmt.Errorf("Multiple rows (%d) updated for job %s, please investigate", rows, id)
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return &InvalidTransitionError{ID: id, From: current.Status, To: next}
}

// Claim atomically moves the job with the given id from queued to
// processing, and returns the claimed job. If the job is not queued (it
// doesn't exist, or another worker got it first) ErrNotClaimed is returned.
func (s *Store) Claim(ctx context.Context, id string) (*models.SyncJob, error) {
	if err := s.Setup(); err != nil {
		return nil, err
	}
	job, err := scan(s.claimStmt.QueryRowContext(ctx, StartMessage, s.now().UnixMilli(), id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotClaimed
		}
		return nil, err
	}
	return job, nil
}

// Acquire claims the oldest queued job whose run_after time has passed.
// Returns ErrNotClaimed if no job is ready.
func (s *Store) Acquire(ctx context.Context) (*models.SyncJob, error) {
	if err := s.Setup(); err != nil {
		return nil, err
	}
	now := s.now().UnixMilli()
	job, err := scan(s.acquireStmt.QueryRowContext(ctx, StartMessage, now, now))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotClaimed
		}
		return nil, err
	}
	return job, nil
}

// DeleteOlderThan deletes every job created before threshold, and returns
// the number of deleted rows.
func (s *Store) DeleteOlderThan(ctx context.Context, threshold time.Time) (int64, error) {
	if err := s.Setup(); err != nil {
		return 0, err
	}
	res, err := s.deleteOldStmt.ExecContext(ctx, threshold.UTC().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetStuckJobs finds processing jobs with an updated_at timestamp older
// than olderThan. A maximum of StuckJobLimit jobs will be returned.
func (s *Store) GetStuckJobs(ctx context.Context, olderThan time.Time) ([]*models.SyncJob, error) {
	if err := s.Setup(); err != nil {
		return nil, err
	}
	rows, err := s.stuckStmt.QueryContext(ctx, olderThan.UTC().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []*models.SyncJob
	for rows.Next() {
		job, err := scan(rows)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountByStatus returns the number of jobs in each status, for example:
//
// "queued": 5,
// "processing": 2,
func (s *Store) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	if err := s.Setup(); err != nil {
		return nil, err
	}
	rows, err := s.countStatusStmt.QueryContext(ctx)
	m := make(map[models.JobStatus]int64)
	if err != nil {
		return m, err
	}
	defer rows.Close()
	for rows.Next() {
		var status models.JobStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return m, err
		}
		m[status] = count
	}
	return m, rows.Err()
}

// predecessors returns the statuses a job may be in before moving to next.
// The empty status means "no status change".
func predecessors(next models.JobStatus) []models.JobStatus {
	var out []models.JobStatus
	for _, from := range []models.JobStatus{models.StatusQueued, models.StatusProcessing, models.StatusCompleted, models.StatusFailed} {
		if next == "" {
			if !from.Terminal() {
				out = append(out, from)
			}
			continue
		}
		if from.CanTransitionTo(next) {
			out = append(out, from)
		}
	}
	return out
}

func inList(statuses []models.JobStatus) string {
	quoted := make([]string, len(statuses))
	for i, st := range statuses {
		quoted[i] = "'" + string(st) + "'"
	}
	return strings.Join(quoted, ", ")
}

func nullString(st *models.JobStatus) sql.NullString {
	if st == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*st), Valid: true}
}

func nullText(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func fields() string {
	return `job_id,
	domain,
	manual_group_id,
	monitoring_group_id,
	post_types,
	status,
	progress,
	error_message,
	total_urls,
	processed_urls,
	run_after,
	created_at,
	updated_at`
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scan(row scanner) (*models.SyncJob, error) {
	job := new(models.SyncJob)
	var total sql.NullInt64
	var runAfter, createdAt, updatedAt int64
	err := row.Scan(
		&job.ID,
		&job.Domain,
		&job.ManualGroupID,
		&job.MonitoringGroupID,
		&job.Payload,
		&job.Status,
		&job.Progress,
		&job.Message,
		&total,
		&job.ProcessedURLs,
		&runAfter,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if total.Valid {
		n := int(total.Int64)
		job.TotalURLs = &n
	}
	job.RunAfter = time.UnixMilli(runAfter).UTC()
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	job.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return job, nil
}
