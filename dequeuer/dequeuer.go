// The dequeuer retrieves due sync jobs from the database and runs them.
package dequeuer

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/WebChangeDetector/webchangedetector-sub002/metrics"
	"github.com/WebChangeDetector/webchangedetector-sub002/models"
	"github.com/WebChangeDetector/webchangedetector-sub002/models/sync_jobs"
	"go.uber.org/zap"
)

const defaultSleepFactor = 2

// 10ms * 2^10 ~ 10 seconds between attempts
var maxMultiplier = math.Pow(2, 10)

// acquireTimeout bounds a single Acquire query.
const acquireTimeout = 5 * time.Second

// NewPool returns an empty pool that claims jobs from jobs.
func NewPool(name string, jobs *sync_jobs.Store, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		Name:   name,
		jobs:   jobs,
		logger: logger.With(zap.String("pool", name)),
		wake:   make(chan struct{}, 1),
		timers: make(map[*time.Timer]struct{}),
	}
}

// CreatePool creates a pool with concurrency dequeuers and starts them. The
// provided Worker w will be shared between all dequeuers, so it must be
// thread safe.
func CreatePool(w Worker, jobs *sync_jobs.Store, concurrency int, logger *zap.Logger) (*Pool, error) {
	if concurrency <= 0 {
		return nil, errors.New("dequeuer: concurrency must be positive")
	}
	p := NewPool("sync_jobs", jobs, logger)
	for i := 0; i < concurrency; i++ {
		if err := p.AddDequeuer(w); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// A Pool contains an array of dequeuers, all of which claim and run queued
// sync jobs.
type Pool struct {
	Dequeuers              []*Dequeuer
	Name                   string
	jobs                   *sync_jobs.Store
	logger                 *zap.Logger
	wake                   chan struct{}
	receivedShutdownSignal bool
	mu                     sync.Mutex
	wg                     sync.WaitGroup
	timers                 map[*time.Timer]struct{}
}

type Dequeuer struct {
	ID       int
	QuitChan chan bool
	W        Worker
	// How long to sleep if there is no work to do.
	sleepFactor float64
}

// A Worker does some work with a claimed SyncJob. Worker implementations may
// be shared and should be threadsafe.
type Worker interface {
	// DoWork runs the job, which is already in the processing state.
	// Failures of the job should be recorded on the job; returned errors
	// are logged, but otherwise nothing else is done with them.
	DoWork(context.Context, *models.SyncJob) error
}

// AddDequeuer adds a Dequeuer to the Pool. w should be the work that the
// Dequeuer will do with a dequeued job.
func (p *Pool) AddDequeuer(w Worker) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.receivedShutdownSignal {
		return errPoolShutdown
	}
	d := &Dequeuer{
		ID:          len(p.Dequeuers) + 1,
		QuitChan:    make(chan bool, 1),
		W:           w,
		sleepFactor: defaultSleepFactor,
	}
	p.Dequeuers = append(p.Dequeuers, d)
	p.wg.Add(1)
	go d.Work(p, &p.wg)
	return nil
}

var errEmptyPool = errors.New("No workers left to dequeue")
var errPoolShutdown = errors.New("Cannot add worker because the pool is shutting down")

// RemoveDequeuer removes a dequeuer from the pool and sends that dequeuer
// a shutdown signal.
func (p *Pool) RemoveDequeuer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Dequeuers) == 0 {
		return errEmptyPool
	}
	dq := p.Dequeuers[0]
	p.Dequeuers = append(p.Dequeuers[:0], p.Dequeuers[1:]...)
	dq.QuitChan <- true
	close(dq.QuitChan)
	return nil
}

// Shutdown all workers in the pool. Jobs that are running are allowed to
// finish.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	p.receivedShutdownSignal = true
	l := len(p.Dequeuers)
	for t := range p.timers {
		t.Stop()
	}
	p.timers = make(map[*time.Timer]struct{})
	p.mu.Unlock()
	for i := 0; i < l; i++ {
		err := p.RemoveDequeuer()
		if err != nil {
			return err
		}
	}
	p.wg.Wait()
	return nil
}

// Wake makes an idle dequeuer look for work now, instead of waiting for its
// backoff to elapse.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Schedule wakes the pool at the given time, so the job is picked up as soon
// as it's due. It implements services.Scheduler. The job's run_after column
// is the source of truth; if the process restarts the job is still picked
// up by the regular polling.
func (p *Pool) Schedule(jobID string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.receivedShutdownSignal {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(time.Until(at), func() {
		p.mu.Lock()
		delete(p.timers, t)
		p.mu.Unlock()
		p.logger.Debug("scheduled job is due", zap.String("job_id", jobID))
		p.Wake()
	})
	p.timers[t] = struct{}{}
}

// Jitter returns a value that's around the given val, but not exactly it. The
// jitter is randomly chosen between 0.8 and 1.2 times the given value, evenly
// distributed.
func jitter(val float64) float64 {
	return val*0.8 + rand.Float64()*0.2*2*val
}

// Work claims and runs jobs until the dequeuer is told to quit.
func (d *Dequeuer) Work(p *Pool, wg *sync.WaitGroup) {
	defer wg.Done()
	logger := p.logger.With(zap.Int("dequeuer", d.ID))
	failedAcquireCount := 0
	waitDuration := time.Duration(jitter(float64(500 * time.Millisecond)))
	for {
		timer := time.NewTimer(waitDuration)
		select {
		case <-d.QuitChan:
			timer.Stop()
			logger.Debug("worker quitting")
			return
		case <-p.wake:
			timer.Stop()
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
		job, err := p.jobs.Acquire(ctx)
		cancel()
		if err == nil {
			metrics.Increment("dequeue.acquire.success")
			failedAcquireCount = 0
			waitDuration = time.Duration(0)
			if err := d.W.DoWork(context.Background(), job); err != nil {
				logger.Error("error processing job", zap.String("job_id", job.ID), zap.Error(err))
			}
			continue
		}
		if err == sync_jobs.ErrNotClaimed {
			metrics.Increment("dequeue.acquire.empty")
		} else {
			metrics.Increment("dequeue.acquire.error")
			logger.Warn("could not acquire job", zap.Error(err))
		}
		failedAcquireCount++
		multiplier := math.Pow(d.sleepFactor, float64(failedAcquireCount))
		if multiplier > maxMultiplier {
			multiplier = maxMultiplier
		}
		multiplier = jitter(multiplier)
		waitDuration = 10 * time.Duration(multiplier) * time.Millisecond
	}
}
