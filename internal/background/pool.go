// Package background runs fire-and-forget jobs (attachment uploads,
// structured-data extraction) on a bounded worker pool detached from the
// request that submitted them.
package background

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/analyst/internal/requestid"
)

// Job results reported to the Recorder.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultDropped = "dropped"
	ResultPanic   = "panic"
)

const defaultJobTimeout = 2 * time.Minute

// Job is one unit of background work.
type Job struct {
	// Name labels the job in logs and metrics, e.g. "upload".
	Name string
	// TurnID correlates the job with the turn that produced it.
	TurnID string
	// Timeout bounds Run; zero means two minutes.
	Timeout time.Duration
	Run     func(ctx context.Context) error
	// Dropped runs instead of Run when the job never executes.
	Dropped func()
}

// Recorder receives one result per job.
type Recorder interface {
	RecordJob(job, result string)
}

// Config holds pool sizing.
type Config struct {
	Workers   int
	QueueSize int
}

// Pool is a bounded queue drained by a fixed set of workers.
type Pool struct {
	queue    chan Job
	workers  int
	recorder Recorder
	logger   zerolog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	mu      sync.RWMutex
	stopped bool

	// inflight counts accepted jobs not yet finished or dropped. A counter
	// and cond instead of a WaitGroup, so Submit may race with Wait.
	inflightMu sync.Mutex
	inflight   int
	idle       *sync.Cond
}

// New creates a pool. recorder may be nil.
func New(cfg Config, recorder Recorder, logger zerolog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	p := &Pool{
		queue:    make(chan Job, cfg.QueueSize),
		workers:  cfg.Workers,
		recorder: recorder,
		logger:   logger.With().Str("component", "background").Logger(),
	}
	p.idle = sync.NewCond(&p.inflightMu)
	return p
}

// Start launches the workers. Jobs run under ctx, never under the
// submitter's context.
func (p *Pool) Start(ctx context.Context) {
	if p.running.Swap(true) {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info().Int("workers", p.workers).Msg("background pool started")
}

// Stop cancels running jobs, waits for workers and drops whatever is
// still queued.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	if p.running.Swap(false) {
		p.cancel()
		p.wg.Wait()
	}
	for {
		select {
		case job := <-p.queue:
			p.drop(job)
		default:
			p.logger.Info().Msg("background pool stopped")
			return
		}
	}
}

// Submit enqueues job without blocking. It reports false when the pool is
// stopped or the queue is full; the job's Dropped hook has run by then.
func (p *Pool) Submit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.dropUntracked(job)
		return false
	}

	p.acquire()
	select {
	case p.queue <- job:
		return true
	default:
		p.logger.Warn().Str("job", job.Name).Str("turn_id", job.TurnID).Msg("queue full, dropping job")
		p.drop(job)
		return false
	}
}

// Wait blocks until every accepted job has finished or been dropped,
// including jobs submitted while it waits.
func (p *Pool) Wait() {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	for p.inflight > 0 {
		p.idle.Wait()
	}
}

func (p *Pool) acquire() {
	p.inflightMu.Lock()
	p.inflight++
	p.inflightMu.Unlock()
}

func (p *Pool) release() {
	p.inflightMu.Lock()
	p.inflight--
	if p.inflight == 0 {
		p.idle.Broadcast()
	}
	p.inflightMu.Unlock()
}

// Pending returns the number of queued jobs.
func (p *Pool) Pending() int {
	return len(p.queue)
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.logger.With().Int("worker", id).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.queue:
			p.execute(ctx, job, log)
		}
	}
}

func (p *Pool) execute(ctx context.Context, job Job, log zerolog.Logger) {
	defer p.release()

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if job.TurnID != "" {
		jobCtx = requestid.WithRequestID(jobCtx, job.TurnID)
	}

	started := time.Now()
	err := run(jobCtx, job)
	evt := log.Debug()
	result := ResultOK
	if err != nil {
		evt = log.Warn().Err(err)
		result = ResultError
		if _, ok := err.(panicError); ok {
			result = ResultPanic
		}
	}
	evt.Str("job", job.Name).
		Str("turn_id", job.TurnID).
		Dur("took", time.Since(started)).
		Msg("background job finished")
	p.record(job.Name, result)
}

type panicError struct{ v any }

func (e panicError) Error() string { return fmt.Sprintf("job panicked: %v", e.v) }

func run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{v: r}
		}
	}()
	if job.Run == nil {
		return nil
	}
	return job.Run(ctx)
}

func (p *Pool) drop(job Job) {
	defer p.release()
	p.dropUntracked(job)
}

func (p *Pool) dropUntracked(job Job) {
	p.record(job.Name, ResultDropped)
	if job.Dropped != nil {
		job.Dropped()
	}
}

func (p *Pool) record(job, result string) {
	if p.recorder != nil {
		p.recorder.RecordJob(job, result)
	}
}
