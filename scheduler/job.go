// Package scheduler orchestrates long-running flows over a worker fleet:
// job lifecycle, queues, cooperative cancellation, and retry policy; the
// security validator gate for script-bearing flows is applied in the
// flows package. Grounded on the
// teacher's worker/pool.go goroutine-pool idiom and queue/redis/queue.go's
// Redis-backed routing, generalized from EVE's flow-process model to the
// spec's job entity and queue set.
package scheduler

import (
	"sync"
	"time"
)

// Queue is a logical routing key. Workers subscribe to subsets.
type Queue string

const (
	QueueModelsPrompt Queue = "models.prompt"
	QueueModelsParams Queue = "models.params"
	QueueModelsUpload Queue = "models.upload"
	QueueAssembliesA4 Queue = "assemblies.a4"
	QueueSimFEM       Queue = "sim.fem"
	QueueModel        Queue = "model"
	QueueMaintenance  Queue = "maintenance"
	QueueDefault      Queue = "default"
)

// Status is a job's lifecycle stage.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)


// Kind identifies a flow type; see the flows package for their semantics.
type Kind string

const (
	KindPrompt      Kind = "prompt"
	KindParametric  Kind = "parametric"
	KindUpload      Kind = "upload_normalization"
	KindAssembly    Kind = "assembly"
	KindFEM         Kind = "fem"
	KindMaintenance Kind = "maintenance"
)

// Job is a unit of asynchronous work.
type Job struct {
	mu sync.Mutex

	ID             string
	IdempotencyKey string
	Owner          string
	Kind           Kind
	Queue          Queue
	Status         Status
	Priority       int
	TaskID         string

	Input  map[string]interface{}
	Output map[string]interface{}

	Progress int

	CreatedAt time.Time
	StartedAt time.Time
	Finished  time.Time

	ErrorCode    string
	ErrorMessage string

	RetryCount int
	MaxRetries int
	Attempts   int

	CancelRequested bool
	CancelReason    string
	CancelAt        time.Time

	TimeoutSeconds int

	Metrics map[string]interface{}
}

// snapshot returns a value copy safe to hand to callers without the mutex.
func (j *Job) snapshot() Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := *j
	return cp
}

// isTerminal reports whether j's current status has no further
// transitions: completed, cancelled, timeout, or failed with retries
// exhausted (spec §3). Caller must hold j.mu.
func (j *Job) isTerminal() bool {
	switch j.Status {
	case StatusCompleted, StatusCancelled, StatusTimeout:
		return true
	case StatusFailed:
		return j.RetryCount >= j.MaxRetries
	default:
		return false
	}
}

// Claim transitions pending -> running. Idempotent in the idempotency key:
// if the job is already past pending, the claim is silently ignored and
// Claim reports false.
func (j *Job) Claim(taskID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Status != StatusPending {
		return false
	}
	j.Status = StatusRunning
	j.TaskID = taskID
	j.StartedAt = time.Now().UTC()
	j.Progress = 0
	j.Attempts++
	return true
}

// UpdateProgress sets progress, rejecting any decrease (spec §4.9 "progress
// is non-decreasing").
func (j *Job) UpdateProgress(pct int) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Status != StatusRunning || pct < j.Progress {
		return false
	}
	j.Progress = pct
	return true
}

// Complete transitions running -> completed.
func (j *Job) Complete(output map[string]interface{}) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Status != StatusRunning {
		return false
	}
	j.Status = StatusCompleted
	j.Finished = time.Now().UTC()
	j.Progress = 100
	j.Output = output
	return true
}

// Fail transitions running -> failed, recording a non-retryable error.
func (j *Job) Fail(code, message string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Status != StatusRunning {
		return false
	}
	j.Status = StatusFailed
	j.Finished = time.Now().UTC()
	j.ErrorCode = code
	j.ErrorMessage = message
	j.RetryCount++
	return true
}

// RetryOrExhaust transitions failed -> running if retries remain, else
// leaves the job in its terminal failed state. Returns true if retried.
func (j *Job) RetryOrExhaust() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Status != StatusFailed || j.RetryCount >= j.MaxRetries {
		return false
	}
	j.Status = StatusRunning
	j.StartedAt = time.Now().UTC()
	j.Progress = 0
	j.Attempts++
	return true
}

// RequestCancel sets the cooperative cancellation flag; the job continues
// until its next checkpoint.
func (j *Job) RequestCancel(reason string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.isTerminal() {
		return
	}
	j.CancelRequested = true
	j.CancelReason = reason
	j.CancelAt = time.Now().UTC()
}

// CheckpointCancel is called by the worker at a checkpoint; if cancellation
// was requested, it transitions running -> cancelled and returns true.
func (j *Job) CheckpointCancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Status != StatusRunning || !j.CancelRequested {
		return false
	}
	j.Status = StatusCancelled
	j.Finished = time.Now().UTC()
	return true
}

// CheckTimeout transitions running -> timeout if now-started exceeds
// TimeoutSeconds.
func (j *Job) CheckTimeout(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Status != StatusRunning || j.TimeoutSeconds <= 0 {
		return false
	}
	if now.Sub(j.StartedAt) <= time.Duration(j.TimeoutSeconds)*time.Second {
		return false
	}
	j.Status = StatusTimeout
	j.Finished = now
	return true
}

// ForceCancelIfStale force-cancels a job that has held CancelRequested for
// more than staleAfter while still running (spec §4.9 background sweep,
// default 5 minutes).
func (j *Job) ForceCancelIfStale(now time.Time, staleAfter time.Duration) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Status != StatusRunning || !j.CancelRequested {
		return false
	}
	if now.Sub(j.CancelAt) < staleAfter {
		return false
	}
	j.Status = StatusCancelled
	j.Finished = now
	return true
}
