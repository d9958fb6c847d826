// Package jobqueue runs durable background jobs backed by the store's
// jobs table. Jobs survive restarts, retry with exponential backoff,
// and are claimed atomically so each runs at most once at a time.
package jobqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentconsole/agentconsole/internal/errdefs"
	"github.com/agentconsole/agentconsole/internal/metrics"
	"github.com/agentconsole/agentconsole/internal/store"
)

// Job type tags. Payloads are JSON documents owned by the handlers.
const (
	TypeSessionOutputsCleanup = "session-outputs-cleanup"
	TypeWorkerOutputCleanup   = "worker-output-cleanup"
	TypeRepositoryCleanup     = "repository-cleanup"
	TypeInboundWebhook        = "inbound-webhook"
)

const (
	// DefaultConcurrency bounds parallel handler executions.
	DefaultConcurrency = 4

	// DefaultMaxAttempts before a job is parked as stalled.
	DefaultMaxAttempts = 5

	backoffBaseMs = 1000
	backoffCapMs  = 5 * 60 * 1000
)

// Handler executes one job attempt. The payload is the JSON document
// stored at enqueue time. A returned error (or a panic) counts as a
// failed attempt.
type Handler func(ctx context.Context, payload string) error

// EnqueueOptions tunes a single enqueue.
type EnqueueOptions struct {
	// Priority orders claiming: higher first, ties oldest-due first.
	Priority int
	// MaxAttempts overrides DefaultMaxAttempts when > 0.
	MaxAttempts int
	// JobID pins the id instead of generating one.
	JobID string
}

// Queue is the durable job queue.
type Queue struct {
	store       *store.Store
	concurrency int

	mu       sync.Mutex
	handlers map[string]Handler
	timers   map[string]*time.Timer
	started  bool

	added  chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Queue. concurrency <= 0 uses the default.
func New(st *store.Store, concurrency int) *Queue {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Queue{
		store:       st,
		concurrency: concurrency,
		handlers:    make(map[string]Handler),
		timers:      make(map[string]*time.Timer),
		added:       make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

// RegisterHandler binds a handler to a job type. Jobs of unregistered
// types fail their attempts when claimed.
func (q *Queue) RegisterHandler(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// Enqueue persists a new pending job and signals the claim loop.
func (q *Queue) Enqueue(ctx context.Context, jobType, payload string, opts EnqueueOptions) (string, error) {
	if jobType == "" {
		return "", errdefs.Validation("job type is required")
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	j := &store.Job{
		ID:          id,
		Type:        jobType,
		Payload:     payload,
		Status:      store.JobPending,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		NextRetryAt: time.Now().UnixMilli(),
	}
	if err := q.store.InsertJob(ctx, j); err != nil {
		return "", err
	}
	q.signal()
	return id, nil
}

// signal nudges the claim loop without blocking.
func (q *Queue) signal() {
	select {
	case q.added <- struct{}{}:
	default:
	}
}

// Start recovers interrupted jobs, arms timers for deferred retries,
// and launches the claim loop.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	q.mu.Unlock()

	now := time.Now().UnixMilli()
	reset, err := q.store.ResetProcessingJobs(ctx, now)
	if err != nil {
		return fmt.Errorf("reset interrupted jobs: %w", err)
	}
	if reset > 0 {
		slog.Info("requeued jobs interrupted by restart", "count", reset)
	}

	deferred, err := q.store.ListDeferredPendingJobs(ctx, now)
	if err != nil {
		return fmt.Errorf("list deferred jobs: %w", err)
	}
	for _, j := range deferred {
		q.armTimer(j.ID, time.Duration(j.NextRetryAt-now)*time.Millisecond)
	}

	q.wg.Add(1)
	go q.run()
	return nil
}

// Stop shuts the claim loop down and waits for in-flight handlers.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()

	close(q.stopCh)
	q.wg.Wait()
}

// armTimer schedules a wake-up for a deferred job. The queue mutex
// serializes timer creation against CancelJob.
func (q *Queue) armTimer(jobID string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if old, ok := q.timers[jobID]; ok {
		old.Stop()
	}
	q.timers[jobID] = time.AfterFunc(d, func() {
		q.mu.Lock()
		delete(q.timers, jobID)
		q.mu.Unlock()
		q.signal()
	})
}

// run claims due jobs until stopped. A semaphore bounds handler
// concurrency; claiming continues as long as jobs are due.
func (q *Queue) run() {
	defer q.wg.Done()

	sem := make(chan struct{}, q.concurrency)
	poll := time.NewTicker(5 * time.Second)
	defer poll.Stop()

	for {
		select {
		case <-q.stopCh:
			// Drain the semaphore so all handlers have finished.
			for i := 0; i < q.concurrency; i++ {
				sem <- struct{}{}
			}
			return
		case <-q.added:
		case <-poll.C:
		}

		for {
			select {
			case <-q.stopCh:
				for i := 0; i < q.concurrency; i++ {
					sem <- struct{}{}
				}
				return
			case sem <- struct{}{}:
			}

			job, err := q.store.ClaimJob(context.Background(), time.Now().UnixMilli())
			if err != nil {
				<-sem
				slog.Error("claim job failed", "error", err)
				break
			}
			if job == nil {
				<-sem
				break
			}

			q.wg.Add(1)
			go func(j *store.Job) {
				defer q.wg.Done()
				defer func() { <-sem }()
				q.process(j)
			}(job)
		}
	}
}

// process runs one attempt of a claimed job and records the outcome.
func (q *Queue) process(j *store.Job) {
	ctx := context.Background()
	attempts := j.Attempts + 1

	err := q.runHandler(ctx, j)
	if err == nil {
		if dbErr := q.store.MarkJobCompleted(ctx, j.ID, attempts); dbErr != nil {
			slog.Error("mark job completed failed", "job_id", j.ID, "error", dbErr)
		}
		metrics.JobsProcessedTotal.WithLabelValues(j.Type, "completed").Inc()
		slog.Debug("job completed", "job_id", j.ID, "type", j.Type, "attempts", attempts)
		return
	}

	if attempts >= j.MaxAttempts {
		if dbErr := q.store.MarkJobStalled(ctx, j.ID, attempts, err.Error()); dbErr != nil {
			slog.Error("mark job stalled failed", "job_id", j.ID, "error", dbErr)
		}
		metrics.JobsProcessedTotal.WithLabelValues(j.Type, "stalled").Inc()
		slog.Warn("job stalled", "job_id", j.ID, "type", j.Type,
			"attempts", attempts, "error", err)
		return
	}

	delay := Backoff(attempts)
	nextRetryAt := time.Now().UnixMilli() + delay.Milliseconds()
	if dbErr := q.store.MarkJobRetry(ctx, j.ID, attempts, nextRetryAt, err.Error()); dbErr != nil {
		slog.Error("mark job retry failed", "job_id", j.ID, "error", dbErr)
		return
	}
	metrics.JobsProcessedTotal.WithLabelValues(j.Type, "retried").Inc()
	slog.Info("job attempt failed, retrying", "job_id", j.ID, "type", j.Type,
		"attempts", attempts, "delay", delay, "error", err)
	q.armTimer(j.ID, delay)
}

// runHandler dispatches to the registered handler, converting panics
// into errors so a throwing handler cannot take the loop down.
func (q *Queue) runHandler(ctx context.Context, j *store.Job) (err error) {
	q.mu.Lock()
	h, ok := q.handlers[j.Type]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("no handler registered for job type %q", j.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, j.Payload)
}

// Backoff returns the delay before retry attempt n (1-based):
// 1s, 2s, 4s, ... capped at 5 minutes.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ms := int64(backoffBaseMs)
	for i := 1; i < attempt; i++ {
		ms *= 2
		if ms >= backoffCapMs {
			return backoffCapMs * time.Millisecond
		}
	}
	return time.Duration(ms) * time.Millisecond
}

// Management surface, delegating to the store.

// GetJobs lists jobs matching the filter.
func (q *Queue) GetJobs(ctx context.Context, f store.JobFilter) ([]*store.Job, error) {
	return q.store.ListJobs(ctx, f)
}

// GetJob fetches one job.
func (q *Queue) GetJob(ctx context.Context, id string) (*store.Job, error) {
	return q.store.GetJob(ctx, id)
}

// CountJobs counts jobs matching the filter.
func (q *Queue) CountJobs(ctx context.Context, f store.JobFilter) (int, error) {
	return q.store.CountJobs(ctx, f)
}

// Stats returns per-status job counts.
func (q *Queue) Stats(ctx context.Context) (map[store.JobStatus]int, error) {
	return q.store.JobStats(ctx)
}

// RetryJob re-queues a stalled job immediately with a fresh attempt
// budget.
func (q *Queue) RetryJob(ctx context.Context, id string) error {
	if err := q.store.ResetStalledJob(ctx, id, time.Now().UnixMilli()); err != nil {
		return err
	}
	q.signal()
	return nil
}

// CancelJob removes a pending or stalled job and disarms its timer.
func (q *Queue) CancelJob(ctx context.Context, id string) error {
	if err := q.store.RemoveCancellableJob(ctx, id); err != nil {
		return err
	}
	q.mu.Lock()
	if t, ok := q.timers[id]; ok {
		t.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()
	return nil
}
