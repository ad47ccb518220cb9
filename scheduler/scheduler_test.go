package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cncaiprojem/freecad-core/common"
)

func TestSubmitIsIdempotent(t *testing.T) {
	s := New()
	req := SubmitRequest{IdempotencyKey: "key-1", Kind: KindPrompt, Queue: QueueModelsPrompt}
	a := s.Submit(req)
	b := s.Submit(req)
	assert.Equal(t, a.ID, b.ID)
}

func TestClaimPrefersHigherPriority(t *testing.T) {
	s := New()
	low := s.Submit(SubmitRequest{Queue: QueueDefault, Priority: 1})
	high := s.Submit(SubmitRequest{Queue: QueueDefault, Priority: 10})

	job, ok := s.Claim(QueueDefault, "task-1")
	require.True(t, ok)
	assert.Equal(t, high.ID, job.ID)
	assert.NotEqual(t, low.ID, job.ID)
}

func TestClaimReturnsFalseWhenQueueEmpty(t *testing.T) {
	s := New()
	_, ok := s.Claim(QueueSimFEM, "task-1")
	assert.False(t, ok)
}

func TestHandleFailureRetriesTransientErrors(t *testing.T) {
	s := New()
	job := s.Submit(SubmitRequest{Queue: QueueDefault, MaxRetries: 3})
	job.Claim("task-1")

	retried, delay := s.HandleFailure(job, common.CodeStorageUnreachable, "storage down")
	assert.True(t, retried)
	assert.Greater(t, delay, time.Duration(0))
	assert.Equal(t, StatusRunning, job.snapshot().Status)
}

func TestHandleFailureDoesNotRetryLogicalErrors(t *testing.T) {
	s := New()
	job := s.Submit(SubmitRequest{Queue: QueueDefault, MaxRetries: 3})
	job.Claim("task-1")

	retried, _ := s.HandleFailure(job, common.CodeGeometryInvalid, "bad geometry")
	assert.False(t, retried)
	assert.Equal(t, StatusFailed, job.snapshot().Status)
}

func TestHandleFailureExhaustsRetriesEventually(t *testing.T) {
	s := New()
	job := s.Submit(SubmitRequest{Queue: QueueDefault, MaxRetries: 2})
	job.Claim("task-1")

	retried, _ := s.HandleFailure(job, common.CodeStorageUnreachable, "down")
	assert.True(t, retried)
	job.Claim("task-1")
	retried, _ = s.HandleFailure(job, common.CodeStorageUnreachable, "down again")
	assert.False(t, retried)
	snap := job.snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.True(t, snap.isTerminal())
}

func TestCancelUnknownJobReturnsError(t *testing.T) {
	s := New()
	err := s.Cancel("nonexistent", "because")
	assert.Error(t, err)
}

func TestForceCancelSweepCancelsStaleJobs(t *testing.T) {
	s := New()
	job := s.Submit(SubmitRequest{Queue: QueueDefault})
	job.Claim("task-1")
	job.RequestCancel("user requested")

	job.mu.Lock()
	job.CancelAt = time.Now().Add(-10 * time.Minute)
	job.mu.Unlock()

	count := s.RunForceCancelSweep(time.Now())
	assert.Equal(t, 1, count)
	assert.Equal(t, StatusCancelled, job.snapshot().Status)
}

func TestTimeoutSweepTransitionsExpiredJobs(t *testing.T) {
	s := New()
	job := s.Submit(SubmitRequest{Queue: QueueDefault, TimeoutSeconds: 1})
	job.Claim("task-1")
	job.mu.Lock()
	job.StartedAt = time.Now().Add(-10 * time.Second)
	job.mu.Unlock()

	count := s.TimeoutSweep(time.Now())
	assert.Equal(t, 1, count)
	assert.Equal(t, StatusTimeout, job.snapshot().Status)
}

func TestStartStopForceCancelSweepIsIdempotent(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.StartForceCancelSweep(ctx, 10*time.Millisecond)
	s.StartForceCancelSweep(ctx, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	s.Stop()
}

func TestRetryPolicyDelayRespectsMaxDelay(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, MaxDelay: 3 * time.Second}
	d := p.NextDelay(10)
	assert.LessOrEqual(t, d, 4*time.Second)
}
