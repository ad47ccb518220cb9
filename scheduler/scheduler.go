package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/cncaiprojem/freecad-core/common"
)

// isRetryableCode reports whether the retry policy retries an error code:
// only transient errors (storage-unreachable, AI-provider-timeout,
// document-lock-timeout) retry; logical errors do not. This is narrower
// than common.Error.Retryable(), which also treats ai-provider-rate-limit
// and redis-timeout as retryable; it is kept local so the scheduler's
// retry decision is explicit and testable independent of the common
// package's taxonomy evolving.
func isRetryableCode(code common.Code) bool {
	switch code {
	case common.CodeStorageUnreachable, common.CodeAIProviderTimeout, common.CodeDocumentLockTimeout:
		return true
	default:
		return false
	}
}

// RetryPolicy computes backoff delay with jitter, capped at a maximum
// delay, for up to a maximum number of retries.
type RetryPolicy struct {
	MaxRetries int
	MaxDelay   time.Duration
}

// DefaultRetryPolicy matches spec §4.9 defaults: 2-3 retries, 10 minute cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, MaxDelay: 10 * time.Minute}
}

// NextDelay returns the exponential-backoff-with-jitter delay for the given
// attempt number (1-indexed).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d/4 + 1)))
	return d + jitter
}

// SubmitRequest is the job-submission boundary (spec §6).
type SubmitRequest struct {
	IdempotencyKey string
	Owner          string
	Kind           Kind
	Queue          Queue
	Priority       int
	Input          map[string]interface{}
	TimeoutSeconds int
	MaxRetries     int
}

// Scheduler is the job lifecycle manager: submission, claim, progress,
// completion, cancellation, retry, and the force-cancel sweep. Job state
// mutation is owned by Job itself (each job's own mutex); the Scheduler's
// lock only guards the index of jobs and the idempotency-key map.
type Scheduler struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	byIdemKey map[string]string // idempotency key -> job id

	retry RetryPolicy

	forceCancelAfter time.Duration
	stop             chan struct{}
	wg               sync.WaitGroup
}

// New constructs a Scheduler with the default retry policy and a 5 minute
// force-cancel threshold.
func New() *Scheduler {
	return &Scheduler{
		jobs:             make(map[string]*Job),
		byIdemKey:        make(map[string]string),
		retry:            DefaultRetryPolicy(),
		forceCancelAfter: 5 * time.Minute,
	}
}

// Submit creates a pending job. If IdempotencyKey is set and already known,
// the existing job is returned instead of creating a duplicate.
func (s *Scheduler) Submit(req SubmitRequest) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.IdempotencyKey != "" {
		if id, ok := s.byIdemKey[req.IdempotencyKey]; ok {
			return s.jobs[id]
		}
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.retry.MaxRetries
	}

	job := &Job{
		ID:             uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey,
		Owner:          req.Owner,
		Kind:           req.Kind,
		Queue:          req.Queue,
		Status:         StatusPending,
		Priority:       req.Priority,
		Input:          req.Input,
		CreatedAt:      time.Now().UTC(),
		MaxRetries:     maxRetries,
		TimeoutSeconds: req.TimeoutSeconds,
		Metrics:        make(map[string]interface{}),
	}
	s.jobs[job.ID] = job
	if req.IdempotencyKey != "" {
		s.byIdemKey[req.IdempotencyKey] = job.ID
	}
	return job
}

// Query returns a job by id, or (nil, false) if unknown.
func (s *Scheduler) Query(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}

// Cancel requests cooperative cancellation of a job.
func (s *Scheduler) Cancel(id, reason string) error {
	job, ok := s.Query(id)
	if !ok {
		return common.New(common.CodeNotFound, "scheduler: unknown job "+id)
	}
	job.RequestCancel(reason)
	return nil
}

// Claim pops the next pending job from queue, preferring higher priority,
// and atomically marks it running under taskID. Returns (nil, false) if
// queue is empty.
func (s *Scheduler) Claim(queue Queue, taskID string) (*Job, bool) {
	s.mu.RLock()
	var best *Job
	for _, j := range s.jobs {
		j.mu.Lock()
		eligible := j.Queue == queue && j.Status == StatusPending
		priority := j.Priority
		j.mu.Unlock()
		if !eligible {
			continue
		}
		if best == nil || priority > best.Priority {
			best = j
		}
	}
	s.mu.RUnlock()

	if best == nil {
		return nil, false
	}
	if !best.Claim(taskID) {
		return nil, false
	}
	return best, true
}

// HandleFailure records a failure and retries per policy if the error is
// retryable and retries remain; otherwise the job is left failed
// (terminal, if retries are exhausted).
func (s *Scheduler) HandleFailure(job *Job, code common.Code, message string) (retried bool, delay time.Duration) {
	job.Fail(string(code), message)
	if !isRetryableCode(code) {
		return false, 0
	}
	job.mu.Lock()
	attempt := job.RetryCount
	job.mu.Unlock()
	if !job.RetryOrExhaust() {
		return false, 0
	}
	return true, s.retry.NextDelay(attempt)
}

// RunForceCancelSweep force-cancels any job whose cancellation has been
// pending longer than the configured threshold while still running.
func (s *Scheduler) RunForceCancelSweep(now time.Time) int {
	s.mu.RLock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.RUnlock()

	count := 0
	for _, j := range jobs {
		if j.ForceCancelIfStale(now, s.forceCancelAfter) {
			count++
		}
	}
	return count
}

// StartForceCancelSweep runs RunForceCancelSweep on interval until ctx is
// done or Stop is called.
func (s *Scheduler) StartForceCancelSweep(ctx context.Context, interval time.Duration) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				s.RunForceCancelSweep(time.Now())
			}
		}
	}()
}

// Stop halts the force-cancel sweep loop, if running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		s.wg.Wait()
	}
}

// TimeoutSweep transitions any running job past its deadline to timeout.
func (s *Scheduler) TimeoutSweep(now time.Time) int {
	s.mu.RLock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.RUnlock()

	count := 0
	for _, j := range jobs {
		if j.CheckTimeout(now) {
			count++
		}
	}
	return count
}

var errNoWorkerError = fmt.Errorf("scheduler: no worker available")
