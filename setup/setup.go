// Setup helps initialize applications.
package setup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/WebChangeDetector/webchangedetector-sub002/metrics"
	"github.com/WebChangeDetector/webchangedetector-sub002/models"
	"github.com/WebChangeDetector/webchangedetector-sub002/models/credentials"
	"github.com/WebChangeDetector/webchangedetector-sub002/models/db"
	"github.com/WebChangeDetector/webchangedetector-sub002/models/sync_jobs"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// DefaultConnection connects to a database using the DATABASE_URL
// environment variable.
var DefaultConnection = &DatabaseURLConnector{}

// DatabaseURLConnector connects to the database named by URL, or by the
// DATABASE_URL environment variable if URL is empty.
type DatabaseURLConnector struct {
	URL string
	mu  sync.Mutex
}

// Connect to the database with the given number of database connections.
func (dc *DatabaseURLConnector) Connect(dbConns int) (*db.DB, error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	url := dc.URL
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		return nil, errors.New("setup: No value provided for DATABASE_URL, cannot connect")
	}
	dialect, dsn, err := db.ParseURL(url)
	if err != nil {
		return nil, err
	}
	switch dialect {
	case db.Postgres:
		d, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, err
		}
		d.SetMaxOpenConns(dbConns)
		if dbConns > 100 {
			d.SetMaxIdleConns(dbConns - 20)
		} else if dbConns > 50 {
			d.SetMaxIdleConns(dbConns - 10)
		} else if dbConns > 10 {
			d.SetMaxIdleConns(dbConns - 3)
		} else if dbConns > 5 {
			d.SetMaxIdleConns(dbConns - 2)
		}
		return &db.DB{DB: d, Dialect: db.Postgres}, nil
	default:
		return openSQLite(dsn, dbConns)
	}
}

func openSQLite(dsn string, dbConns int) (*db.DB, error) {
	memory := dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
	if !memory {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		// Pragmas in the DSN apply to every pooled connection.
		dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	d, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// In-memory databases are per-connection; limit to one connection so
	// provisioning and queries all see the same data.
	if memory {
		d.SetMaxOpenConns(1)
	} else if dbConns > 0 {
		d.SetMaxOpenConns(dbConns)
	}
	return &db.DB{DB: d, Dialect: db.SQLite}, nil
}

// DB initializes a connection to the database and checks that it is
// reachable.
func DB(connector db.Connector, dbConns int) (*db.DB, error) {
	d, err := connector.Connect(dbConns)
	if err != nil {
		return nil, errors.New("Could not establish a database connection: " + err.Error())
	}
	if err := d.Ping(); err != nil {
		_ = d.Close()
		return nil, errors.New("Could not establish a database connection: " + err.Error())
	}
	return d, nil
}

// Stores holds every model store.
type Stores struct {
	Jobs        *sync_jobs.Store
	Credentials *credentials.Store
}

// PrepareAll provisions tables and prepares queries on all models.
func PrepareAll(d *db.DB) (*Stores, error) {
	s := &Stores{
		Jobs:        sync_jobs.NewStore(d),
		Credentials: credentials.NewStore(d),
	}
	if err := s.Jobs.Setup(); err != nil {
		return nil, err
	}
	if err := s.Credentials.Setup(); err != nil {
		return nil, err
	}
	return s, nil
}

var queueStatuses = []models.JobStatus{
	models.StatusQueued,
	models.StatusProcessing,
	models.StatusCompleted,
	models.StatusFailed,
}

// MeasureQueueDepth records the number of jobs in each status as the
// queue_depth.<status> gauges every interval, until ctx is cancelled.
func MeasureQueueDepth(ctx context.Context, jobs *sync_jobs.Store, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := jobs.CountByStatus(ctx)
			if err != nil {
				logger.Warn("could not measure queue depth", zap.Error(err))
				continue
			}
			fields := make([]zap.Field, 0, len(queueStatuses))
			for _, status := range queueStatuses {
				metrics.Measure("queue_depth."+string(status), counts[status])
				fields = append(fields, zap.Int64(string(status), counts[status]))
			}
			logger.Debug("queue depth", fields...)
		}
	}
}
