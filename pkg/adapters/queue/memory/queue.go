package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/google/uuid"
)

type delayedJob struct {
	job     *domain.Job
	readyAt time.Time
}

type jobList struct {
	ready    []*domain.Job
	delayed  []delayedJob
	inflight map[string]*domain.Job
	dead     []*domain.Job
	wake     chan struct{}
}

// Queue implements ports.JobQueue in memory
type Queue struct {
	mu    sync.Mutex
	lists map[string]*jobList
}

// NewQueue creates a new in-memory job queue
func NewQueue() *Queue {
	return &Queue{lists: make(map[string]*jobList)}
}

func (q *Queue) list(jobType string) *jobList {
	l, ok := q.lists[jobType]
	if !ok {
		l = &jobList{
			inflight: make(map[string]*domain.Job),
			wake:     make(chan struct{}),
		}
		q.lists[jobType] = l
	}
	return l
}

// notify wakes every waiting Dequeue. Callers hold q.mu.
func (l *jobList) notify() {
	close(l.wake)
	l.wake = make(chan struct{})
}

// Enqueue adds a job and returns its id
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload interface{}, opts domain.JobOptions) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	job := &domain.Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Payload:    data,
		Attempt:    1,
		Options:    opts,
		EnqueuedAt: time.Now(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	l := q.list(jobType)
	l.ready = append(l.ready, job)
	l.notify()
	return job.ID, nil
}

// Dequeue claims the next ready job, waiting up to wait for one
func (q *Queue) Dequeue(ctx context.Context, jobType string, wait time.Duration) (*domain.Job, error) {
	deadline := time.Now().Add(wait)

	for {
		q.mu.Lock()
		l := q.list(jobType)
		now := time.Now()
		l.promote(now)

		if len(l.ready) > 0 {
			job := l.ready[0]
			l.ready = l.ready[1:]
			l.inflight[job.ID] = job
			q.mu.Unlock()

			claimed := *job
			claimed.Receipt = job.ID
			return &claimed, nil
		}

		remaining := deadline.Sub(now)
		if remaining <= 0 {
			q.mu.Unlock()
			return nil, nil
		}
		if next, ok := l.nextReady(); ok && next.Sub(now) < remaining {
			remaining = next.Sub(now)
		}
		wake := l.wake
		q.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// promote moves due delayed jobs to the ready list
func (l *jobList) promote(now time.Time) {
	kept := l.delayed[:0]
	for _, d := range l.delayed {
		if !d.readyAt.After(now) {
			l.ready = append(l.ready, d.job)
		} else {
			kept = append(kept, d)
		}
	}
	l.delayed = kept
}

func (l *jobList) nextReady() (time.Time, bool) {
	var next time.Time
	for _, d := range l.delayed {
		if next.IsZero() || d.readyAt.Before(next) {
			next = d.readyAt
		}
	}
	return next, !next.IsZero()
}

// Ack removes a completed job
func (q *Queue) Ack(ctx context.Context, job *domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	l := q.list(job.Type)
	if _, ok := l.inflight[job.Receipt]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, job.ID)
	}
	delete(l.inflight, job.Receipt)
	return nil
}

// Nack schedules a retry or dead-letters the job
func (q *Queue) Nack(ctx context.Context, job *domain.Job, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l := q.list(job.Type)
	stored, ok := l.inflight[job.Receipt]
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrJobNotFound, job.ID)
	}
	delete(l.inflight, job.Receipt)

	if cause != nil {
		stored.LastError = cause.Error()
	}

	if !stored.CanRetry() {
		l.dead = append(l.dead, stored)
		return false, nil
	}

	stored.Attempt++
	l.delayed = append(l.delayed, delayedJob{
		job:     stored,
		readyAt: time.Now().Add(stored.Options.RetryDelay),
	})
	l.notify()
	return true, nil
}

// Depth returns the number of ready and delayed jobs
func (q *Queue) Depth(ctx context.Context, jobType string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l := q.list(jobType)
	return int64(len(l.ready) + len(l.delayed)), nil
}

// DeadLetters returns copies of the dead-lettered jobs of a type
func (q *Queue) DeadLetters(jobType string) []domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	l := q.list(jobType)
	dead := make([]domain.Job, len(l.dead))
	for i, job := range l.dead {
		dead[i] = *job
	}
	return dead
}
