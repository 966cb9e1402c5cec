// Logic for interacting with the "user_credentials" table, which stores the
// API token each user selected as their active credential.
package credentials

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/WebChangeDetector/webchangedetector-sub002/models/db"
)

var schema = `-- credentials.Schema
CREATE TABLE IF NOT EXISTS user_credentials (
	user_id TEXT PRIMARY KEY,
	api_token TEXT NOT NULL,
	updated_at BIGINT NOT NULL
)`

// Store reads and writes active credentials.
type Store struct {
	db *db.DB

	mu    sync.Mutex
	ready bool

	getStmt    *sql.Stmt
	upsertStmt *sql.Stmt
	deleteStmt *sql.Stmt
}

func NewStore(d *db.DB) *Store {
	return &Store{db: d}
}

// Setup creates the table if it's missing and prepares queries. Safe to call
// repeatedly.
func (s *Store) Setup() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	if s.db == nil || s.db.DB == nil {
		return errors.New("No DB connection was established, can't query")
	}
	if _, err = s.db.Exec(schema); err != nil && !db.IsUniqueViolation(err) {
		return err
	}
	s.getStmt, err = s.db.Prepare(`-- credentials.Get
SELECT api_token FROM user_credentials WHERE user_id = ?`)
	if err != nil {
		return err
	}
	// ON CONFLICT ... DO UPDATE is understood by Postgres and SQLite.
	s.upsertStmt, err = s.db.Prepare(`-- credentials.SetActive
INSERT INTO user_credentials (user_id, api_token, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (user_id) DO UPDATE
SET api_token = excluded.api_token, updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	s.deleteStmt, err = s.db.Prepare(`-- credentials.Clear
DELETE FROM user_credentials WHERE user_id = ?`)
	if err != nil {
		return err
	}
	s.ready = true
	return nil
}

// Active returns the user's selected credential. ok is false if the user
// has not selected one.
func (s *Store) Active(ctx context.Context, userID string) (token string, ok bool, err error) {
	if err := s.Setup(); err != nil {
		return "", false, err
	}
	err = s.getStmt.QueryRowContext(ctx, userID).Scan(&token)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return token, token != "", nil
}

// SetActive stores token as the user's active credential.
func (s *Store) SetActive(ctx context.Context, userID, token string) error {
	if err := s.Setup(); err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	token = strings.TrimSpace(token)
	if userID == "" || token == "" {
		return errors.New("credentials: user id and token are required")
	}
	_, err := s.upsertStmt.ExecContext(ctx, userID, token, time.Now().UTC().UnixMilli())
	return err
}

// Clear removes the user's active credential, so the account's primary
// credential is used again.
func (s *Store) Clear(ctx context.Context, userID string) error {
	if err := s.Setup(); err != nil {
		return err
	}
	_, err := s.deleteStmt.ExecContext(ctx, userID)
	return err
}
