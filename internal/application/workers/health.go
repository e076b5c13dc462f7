package workers

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthListener is notified whenever the pool's health is checked
type HealthListener func(healthy bool)

// HealthMonitor monitors worker health
type HealthMonitor struct {
	pool     *Pool
	interval time.Duration
	logger   *zap.Logger

	mu        sync.RWMutex
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	listeners []HealthListener
}

// HealthStatus represents the health status of the worker pool
type HealthStatus struct {
	TotalWorkers   int
	IdleWorkers    int
	BusyWorkers    int
	StoppedWorkers int
	Healthy        bool
	Timestamp      time.Time
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(pool *Pool, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	return &HealthMonitor{
		pool:     pool,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// OnChange registers a listener called with the result of every check,
// starting with the first one after Start
func (h *HealthMonitor) OnChange(listener HealthListener) {
	h.mu.Lock()
	h.listeners = append(h.listeners, listener)
	h.mu.Unlock()
}

// Start starts the health monitor
func (h *HealthMonitor) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.run()
}

// Stop stops the health monitor and reports the pool as unhealthy
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	listeners := append([]HealthListener(nil), h.listeners...)
	h.mu.Unlock()

	close(h.stopCh)
	<-h.doneCh
	for _, l := range listeners {
		l(false)
	}
}

func (h *HealthMonitor) run() {
	defer close(h.doneCh)
	h.CheckHealth()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.CheckHealth()
		}
	}
}

// CheckHealth logs the pool status, records metrics and notifies listeners
func (h *HealthMonitor) CheckHealth() *HealthStatus {
	status := h.GetStatus()

	h.logger.Debug("worker pool health check",
		zap.Int("total", status.TotalWorkers),
		zap.Int("idle", status.IdleWorkers),
		zap.Int("busy", status.BusyWorkers),
		zap.Int("stopped", status.StoppedWorkers),
		zap.Bool("healthy", status.Healthy))

	h.pool.metrics.RecordWorkerPoolStatus(
		status.IdleWorkers,
		status.BusyWorkers,
		status.StoppedWorkers,
	)
	h.recordQueueDepth()

	if !status.Healthy {
		h.logger.Warn("worker pool is unhealthy",
			zap.Int("stopped", status.StoppedWorkers),
			zap.Int("total", status.TotalWorkers))
	} else if status.BusyWorkers == status.TotalWorkers {
		h.logger.Warn("all workers are busy - consider scaling up",
			zap.Int("total", status.TotalWorkers))
	}

	h.mu.RLock()
	listeners := append([]HealthListener(nil), h.listeners...)
	h.mu.RUnlock()
	for _, l := range listeners {
		l(status.Healthy)
	}

	return status
}

func (h *HealthMonitor) recordQueueDepth() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, jobType := range h.pool.JobTypes() {
		depth, err := h.pool.queue.Depth(ctx, jobType)
		if err != nil {
			h.logger.Warn("failed to read queue depth",
				zap.String("job_type", jobType),
				zap.Error(err))
			continue
		}
		h.pool.metrics.SetQueueDepth(jobType, depth)
	}
}

// GetStatus returns the current health status. The pool is healthy while
// it has workers and none of them has stopped; a fully busy pool is
// still healthy.
func (h *HealthMonitor) GetStatus() *HealthStatus {
	workerStatuses := h.pool.GetStatus()

	var idle, busy, stopped int
	for _, status := range workerStatuses {
		switch status {
		case WorkerStatusIdle:
			idle++
		case WorkerStatusBusy:
			busy++
		case WorkerStatusStopped:
			stopped++
		}
	}

	total := len(workerStatuses)

	return &HealthStatus{
		TotalWorkers:   total,
		IdleWorkers:    idle,
		BusyWorkers:    busy,
		StoppedWorkers: stopped,
		Healthy:        total > 0 && stopped == 0,
		Timestamp:      time.Now(),
	}
}

// IsHealthy returns true if the worker pool is healthy
func (h *HealthMonitor) IsHealthy() bool {
	return h.GetStatus().Healthy
}
