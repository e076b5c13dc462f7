package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/aescanero/agentpipe/pkg/ports"
	"go.uber.org/zap"
)

const (
	OutcomeAcked   = "acked"
	OutcomeRetried = "retried"
	OutcomeDead    = "dead"
)

// ErrPoolStarted is returned when registering a worker on a running pool
var ErrPoolStarted = errors.New("worker pool already started")

// Config holds worker pool settings
type Config struct {
	// Size is the number of loops per job type
	Size                int
	PollWait            time.Duration
	HealthCheckInterval time.Duration
	ReclaimInterval     time.Duration
}

// Pool manages a pool of worker goroutines
type Pool struct {
	cfg     Config
	queue   ports.JobQueue
	metrics ports.MetricsCollector
	logger  *zap.Logger
	health  *HealthMonitor

	mu          sync.Mutex
	handlers    map[string]ports.JobHandler
	deadLetters map[string]ports.DeadLetterHandler
	workers     []*worker
	started     bool

	wg sync.WaitGroup
	// ctx stops the claim loops; jobCtx is handed to handlers and only
	// cancelled when shutdown runs out of time
	ctx       context.Context
	cancel    context.CancelFunc
	jobCtx    context.Context
	jobCancel context.CancelFunc
}

// worker represents a single worker goroutine
type worker struct {
	id      string
	jobType string
	pool    *Pool
	status  WorkerStatus
	mu      sync.RWMutex
	lastJob time.Time
}

// WorkerStatus represents worker status
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStopped WorkerStatus = "stopped"
)

// NewPool creates a new worker pool
func NewPool(cfg Config, queue ports.JobQueue, metrics ports.MetricsCollector, logger *zap.Logger) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = time.Second
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	jobCtx, jobCancel := context.WithCancel(context.Background())

	pool := &Pool{
		cfg:         cfg,
		queue:       queue,
		metrics:     metrics,
		logger:      logger,
		handlers:    make(map[string]ports.JobHandler),
		deadLetters: make(map[string]ports.DeadLetterHandler),
		ctx:         ctx,
		cancel:      cancel,
		jobCtx:      jobCtx,
		jobCancel:   jobCancel,
	}

	pool.health = NewHealthMonitor(pool, cfg.HealthCheckInterval, logger)
	return pool
}

// Health returns the pool's health monitor
func (p *Pool) Health() *HealthMonitor {
	return p.health
}

// RegisterWorker registers the handler for a job type. It must be called
// before Start.
func (p *Pool) RegisterWorker(jobType string, handler ports.JobHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if _, exists := p.handlers[jobType]; exists {
		return fmt.Errorf("worker already registered for job type: %s", jobType)
	}
	p.handlers[jobType] = handler
	return nil
}

// OnDeadLetter registers a handler told about jobs of jobType that ran out
// of attempts. It must be called before Start.
func (p *Pool) OnDeadLetter(jobType string, handler ports.DeadLetterHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	p.deadLetters[jobType] = handler
	return nil
}

// JobTypes returns the registered job types, sorted
func (p *Pool) JobTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	types := make([]string, 0, len(p.handlers))
	for jobType := range p.handlers {
		types = append(types, jobType)
	}
	sort.Strings(types)
	return types
}

// Start starts the worker pool
func (p *Pool) Start() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrPoolStarted
	}
	if len(p.handlers) == 0 {
		p.mu.Unlock()
		return fmt.Errorf("no workers registered")
	}
	p.started = true

	for jobType := range p.handlers {
		for i := 0; i < p.cfg.Size; i++ {
			w := &worker{
				id:      fmt.Sprintf("%s-%d", jobType, i),
				jobType: jobType,
				pool:    p,
				status:  WorkerStatusIdle,
				lastJob: time.Now(),
			}
			p.workers = append(p.workers, w)

			p.wg.Add(1)
			go w.run(p.ctx)
		}
	}
	total := len(p.workers)
	p.mu.Unlock()

	if reclaimer, ok := p.queue.(ports.Reclaimer); ok && p.cfg.ReclaimInterval > 0 {
		p.wg.Add(1)
		go p.reclaimLoop(p.ctx, reclaimer)
	}

	p.health.Start()

	p.logger.Info("worker pool started",
		zap.Int("workers", total),
		zap.Strings("job_types", p.JobTypes()))
	return nil
}

// Shutdown stops claiming new jobs and waits for in-flight jobs to finish.
// Handlers still running when ctx expires have their context cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down worker pool")

	p.health.Stop()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.jobCancel()
		p.logger.Info("worker pool shut down complete")
		return nil
	case <-ctx.Done():
		p.jobCancel()
		return fmt.Errorf("shutdown timeout: %w", ctx.Err())
	}
}

// GetStatus returns the status of all workers
func (p *Pool) GetStatus() map[string]WorkerStatus {
	p.mu.Lock()
	workers := append([]*worker(nil), p.workers...)
	p.mu.Unlock()

	status := make(map[string]WorkerStatus, len(workers))
	for _, w := range workers {
		w.mu.RLock()
		status[w.id] = w.status
		w.mu.RUnlock()
	}
	return status
}

func (p *Pool) handler(jobType string) ports.JobHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers[jobType]
}

// deadLettered runs the dead-letter handler of the job's type, if any
func (p *Pool) deadLettered(ctx context.Context, job *domain.Job, cause error) {
	p.mu.Lock()
	handler := p.deadLetters[job.Type]
	p.mu.Unlock()
	if handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("dead letter handler panicked",
				zap.String("job_id", job.ID),
				zap.Any("panic", r))
		}
	}()
	handler(ctx, job, cause)
}

// reclaimLoop periodically recovers jobs abandoned by dead workers
func (p *Pool) reclaimLoop(ctx context.Context, reclaimer ports.Reclaimer) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, jobType := range p.JobTypes() {
				n, dead, err := reclaimer.Reclaim(ctx, jobType)
				for _, job := range dead {
					p.metrics.RecordJobProcessed(job.Type, OutcomeDead)
					p.deadLettered(ctx, job, errors.New(job.LastError))
				}
				if err != nil {
					if ctx.Err() == nil {
						p.logger.Error("failed to reclaim jobs",
							zap.String("job_type", jobType),
							zap.Error(err))
					}
					continue
				}
				if n > 0 {
					p.logger.Warn("reclaimed abandoned jobs",
						zap.String("job_type", jobType),
						zap.Int("count", n))
				}
			}
		}
	}
}

func (w *worker) setStatus(status WorkerStatus) {
	w.mu.Lock()
	w.status = status
	if status == WorkerStatusBusy {
		w.lastJob = time.Now()
	}
	w.mu.Unlock()
}

// run is the main worker loop
func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()
	defer w.setStatus(WorkerStatusStopped)

	logger := w.pool.logger.With(zap.String("worker_id", w.id))
	logger.Debug("worker started")

	for {
		if ctx.Err() != nil {
			logger.Debug("worker stopped")
			return
		}

		job, err := w.pool.queue.Dequeue(ctx, w.jobType, w.pool.cfg.PollWait)
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("worker stopped")
				return
			}
			logger.Error("failed to dequeue job", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}

		w.process(job, logger)
	}
}

// process runs one job and settles it with the queue
func (w *worker) process(job *domain.Job, logger *zap.Logger) {
	w.setStatus(WorkerStatusBusy)
	defer w.setStatus(WorkerStatusIdle)

	logger = logger.With(
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.Int("attempt", job.Attempt))
	logger.Info("processing job")

	startTime := time.Now()
	stopHeartbeat := w.startHeartbeat(job, logger)
	err := w.invoke(job)
	stopHeartbeat()

	// Settling must not be cut short by shutdown
	settleCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err == nil {
		if aerr := w.pool.queue.Ack(settleCtx, job); aerr != nil {
			logger.Error("failed to acknowledge job", zap.Error(aerr))
		}
		w.pool.metrics.RecordJobProcessed(job.Type, OutcomeAcked)
		logger.Info("job completed", zap.Duration("duration", time.Since(startTime)))
		return
	}

	retried, nerr := w.pool.queue.Nack(settleCtx, job, err)
	if nerr != nil {
		logger.Error("failed to return job to queue", zap.Error(nerr), zap.NamedError("cause", err))
		return
	}

	if retried {
		w.pool.metrics.RecordJobProcessed(job.Type, OutcomeRetried)
		logger.Warn("job failed, will retry",
			zap.Error(err),
			zap.Duration("retry_delay", job.Options.RetryDelay))
	} else {
		w.pool.metrics.RecordJobProcessed(job.Type, OutcomeDead)
		logger.Error("job failed, retries exhausted", zap.Error(err))
		w.pool.deadLettered(settleCtx, job, err)
	}
}

// startHeartbeat keeps the job's claim alive while its handler runs on
// queues that reclaim silent deliveries. The returned func stops it.
func (w *worker) startHeartbeat(job *domain.Job, logger *zap.Logger) func() {
	hb, ok := w.pool.queue.(ports.Heartbeater)
	if !ok || hb.VisibilityTimeout() <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(hb.VisibilityTimeout() / 3)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := hb.Heartbeat(ctx, job)
				switch {
				case err == nil, ctx.Err() != nil:
				case errors.Is(err, domain.ErrJobNotFound):
					logger.Error("job claim lost, it may be delivered again")
					return
				default:
					logger.Warn("failed to renew job claim", zap.Error(err))
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// invoke calls the handler, converting a panic into an error
func (w *worker) invoke(job *domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.pool.logger.Error("job handler panicked",
				zap.String("worker_id", w.id),
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()

	handler := w.pool.handler(job.Type)
	if handler == nil {
		return fmt.Errorf("no handler registered for job type: %s", job.Type)
	}
	return handler(w.pool.jobCtx, job)
}
