package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ErrPoolStopped is passed to callbacks of jobs that were still queued when
// the pool stopped.
var ErrPoolStopped = errors.New("worker pool is shutting down")

// WorkerJob is one instrument pipeline run by the pool.
type WorkerJob struct {
	InstrumentID string
	Run          func(ctx context.Context) error
}

// WorkerPool runs instrument pipelines on a fixed number of workers. Every
// job waits on the shared rate limiter before it starts.
type WorkerPool struct {
	workerCount int
	rateLimiter *rate.Limiter
	logger      *slog.Logger

	// Channels for job distribution
	jobQueue    chan *jobWrapper
	workerQueue chan chan *jobWrapper

	// Worker management
	workers []*Worker
	quit    chan struct{}
	wg      sync.WaitGroup

	stats     *workerPoolStats
	isStarted int32
}

// jobWrapper wraps a job with its callback
type jobWrapper struct {
	job      *WorkerJob
	callback func(error)
	ctx      context.Context
}

// Worker represents a single worker in the pool
type Worker struct {
	ID          int
	WorkerQueue chan chan *jobWrapper
	JobChannel  chan *jobWrapper
	quit        <-chan struct{}
	rateLimiter *rate.Limiter
	logger      *slog.Logger
	stats       *workerPoolStats
}

type workerPoolStats struct {
	activeWorkers int32
	queuedJobs    int32
	completedJobs int64
	failedJobs    int64
	totalJobTime  int64 // nanoseconds
}

// WorkerPoolStats is a snapshot of pool activity.
type WorkerPoolStats struct {
	ActiveWorkers  int           `json:"active_workers"`
	QueuedJobs     int           `json:"queued_jobs"`
	CompletedJobs  int64         `json:"completed_jobs"`
	FailedJobs     int64         `json:"failed_jobs"`
	AvgJobDuration time.Duration `json:"avg_job_duration"`
}

// NewWorkerPool creates a pool. A nil limiter does not throttle and a
// non-positive queueSize defaults to twice the worker count.
func NewWorkerPool(workerCount, queueSize int, rateLimiter *rate.Limiter, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	if workerCount < 1 {
		workerCount = 1
	}
	if queueSize < 1 {
		queueSize = workerCount * 2
	}
	if rateLimiter == nil {
		rateLimiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &WorkerPool{
		workerCount: workerCount,
		rateLimiter: rateLimiter,
		logger:      logger.With("component", "worker_pool"),
		jobQueue:    make(chan *jobWrapper, queueSize),
		workerQueue: make(chan chan *jobWrapper, workerCount),
		quit:        make(chan struct{}),
		stats:       &workerPoolStats{},
	}
}

// Start starts the workers and the dispatcher.
func (wp *WorkerPool) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&wp.isStarted, 0, 1) {
		return fmt.Errorf("worker pool is already started")
	}

	wp.logger.Debug("starting worker pool", "worker_count", wp.workerCount)

	wp.workers = make([]*Worker, wp.workerCount)
	for i := 0; i < wp.workerCount; i++ {
		worker := &Worker{
			ID:          i + 1,
			WorkerQueue: wp.workerQueue,
			JobChannel:  make(chan *jobWrapper),
			quit:        wp.quit,
			rateLimiter: wp.rateLimiter,
			logger:      wp.logger,
			stats:       wp.stats,
		}

		wp.workers[i] = worker
		wp.wg.Add(1)
		go worker.Start(wp.wg.Done)
		atomic.AddInt32(&wp.stats.activeWorkers, 1)
	}

	wp.wg.Add(1)
	go wp.dispatch()

	return nil
}

// Stop signals the workers and waits for them, or for ctx. Jobs already
// running finish; jobs still queued get ErrPoolStopped.
func (wp *WorkerPool) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&wp.isStarted, 1, 0) {
		return fmt.Errorf("worker pool is not started")
	}

	close(wp.quit)

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.drain()
		wp.logger.Debug("worker pool stopped")
		return nil
	case <-ctx.Done():
		wp.logger.Warn("worker pool stop timed out")
		return ctx.Err()
	}
}

// drain fails every job left in the queue after the dispatcher exited.
func (wp *WorkerPool) drain() {
	for {
		select {
		case job := <-wp.jobQueue:
			atomic.AddInt32(&wp.stats.queuedJobs, -1)
			if job.callback != nil {
				job.callback(ErrPoolStopped)
			}
		default:
			return
		}
	}
}

// Submit queues a job. It blocks while the queue is full; if ctx ends first
// the callback receives ctx.Err() and the job never runs.
func (wp *WorkerPool) Submit(ctx context.Context, job *WorkerJob, callback func(error)) {
	atomic.AddInt32(&wp.stats.queuedJobs, 1)

	wrapper := &jobWrapper{
		job:      job,
		callback: callback,
		ctx:      ctx,
	}

	select {
	case wp.jobQueue <- wrapper:
	case <-ctx.Done():
		atomic.AddInt32(&wp.stats.queuedJobs, -1)
		if callback != nil {
			callback(ctx.Err())
		}
	}
}

// GetStats returns current worker pool statistics
func (wp *WorkerPool) GetStats() *WorkerPoolStats {
	completed := atomic.LoadInt64(&wp.stats.completedJobs)
	failed := atomic.LoadInt64(&wp.stats.failedJobs)

	avgJobDuration := time.Duration(0)
	if n := completed + failed; n > 0 {
		avgJobDuration = time.Duration(atomic.LoadInt64(&wp.stats.totalJobTime) / n)
	}

	return &WorkerPoolStats{
		ActiveWorkers:  int(atomic.LoadInt32(&wp.stats.activeWorkers)),
		QueuedJobs:     int(atomic.LoadInt32(&wp.stats.queuedJobs)),
		CompletedJobs:  completed,
		FailedJobs:     failed,
		AvgJobDuration: avgJobDuration,
	}
}

// dispatch distributes jobs to available workers
func (wp *WorkerPool) dispatch() {
	defer wp.wg.Done()

	for {
		select {
		case job := <-wp.jobQueue:
			atomic.AddInt32(&wp.stats.queuedJobs, -1)

			select {
			case jobChannel := <-wp.workerQueue:
				select {
				case jobChannel <- job:
					continue
				case <-wp.quit:
				}
				if job.callback != nil {
					job.callback(ErrPoolStopped)
				}
				return
			case <-wp.quit:
				if job.callback != nil {
					job.callback(ErrPoolStopped)
				}
				return
			}

		case <-wp.quit:
			return
		}
	}
}

// Start registers the worker as idle and runs jobs until the pool quits.
func (w *Worker) Start(done func()) {
	defer done()
	defer atomic.AddInt32(&w.stats.activeWorkers, -1)

	for {
		select {
		case w.WorkerQueue <- w.JobChannel:
		case <-w.quit:
			return
		}

		select {
		case job := <-w.JobChannel:
			w.processJob(job)
		case <-w.quit:
			return
		}
	}
}

func (w *Worker) processJob(jw *jobWrapper) {
	startTime := time.Now()

	if err := w.rateLimiter.Wait(jw.ctx); err != nil {
		w.record(time.Since(startTime), err)
		if jw.callback != nil {
			jw.callback(fmt.Errorf("rate limiting failed: %w", err))
		}
		return
	}

	err := jw.job.Run(jw.ctx)

	duration := time.Since(startTime)
	w.record(duration, err)
	w.logger.Debug("job finished",
		"worker_id", w.ID,
		"instrument", jw.job.InstrumentID,
		"duration", duration,
		"error", err)

	if jw.callback != nil {
		jw.callback(err)
	}
}

func (w *Worker) record(duration time.Duration, err error) {
	if err != nil {
		atomic.AddInt64(&w.stats.failedJobs, 1)
	} else {
		atomic.AddInt64(&w.stats.completedJobs, 1)
	}
	atomic.AddInt64(&w.stats.totalJobTime, duration.Nanoseconds())
}
