package dr

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errProbeFailed = errors.New("probe failed")

type fakeDispatcher struct{ fail bool }

func (f *fakeDispatcher) Dispatch(ctx context.Context, step Step) error {
	if f.fail {
		return errProbeFailed
	}
	return nil
}

func TestHealthCheckTransitionsHealthyAfterThreshold(t *testing.T) {
	c := &Check{ID: "c1", Kind: CheckCustom, Custom: func(ctx context.Context) error { return nil }, HealthyThreshold: 2}
	m := NewMonitor()
	m.Register(c)

	m.RunOnce(context.Background())
	assert.NotEqual(t, HealthHealthy, c.State())
	m.RunOnce(context.Background())
	assert.Equal(t, HealthHealthy, c.State())
}

func TestHealthCheckTransitionsUnhealthyAfterThreshold(t *testing.T) {
	c := &Check{ID: "c2", Kind: CheckCustom, Custom: func(ctx context.Context) error { return errProbeFailed }, Critical: true}
	m := NewMonitor()
	m.Register(c)

	for i := 0; i < 3; i++ {
		m.RunOnce(context.Background())
	}
	assert.Equal(t, HealthUnhealthy, c.State())
	assert.Equal(t, HealthUnhealthy, m.Overall())
}

func TestHTTPCheckRequiresExactStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer server.Close()

	c := &Check{ID: "http1", Kind: CheckHTTP, Target: server.URL, ExpectedStatus: http.StatusOK}
	m := NewMonitor()
	m.Register(c)
	m.RunOnce(context.Background())
	assert.NotEqual(t, HealthHealthy, c.State())
}

func TestDetectRaisesCriticalWhenCriticalCheckUnhealthy(t *testing.T) {
	m := NewMonitor()
	c := &Check{ID: "crit", Kind: CheckCustom, Critical: true, Custom: func(ctx context.Context) error { return errProbeFailed }}
	m.Register(c)
	for i := 0; i < 3; i++ {
		m.RunOnce(context.Background())
	}

	o := NewOrchestrator(m, &fakeDispatcher{})
	event := o.Detect(context.Background(), EventHardware, "disk failure")
	assert.Equal(t, SeverityCritical, event.Severity)
}

func TestInitiateRecoverySucceedsWithMatchingPlan(t *testing.T) {
	m := NewMonitor()
	o := NewOrchestrator(m, &fakeDispatcher{})
	o.RegisterPlan(&Plan{
		ID: "plan-1", Kind: EventHardware, Severity: SeverityMedium,
		Steps: []Step{
			{Name: "wait-a-beat", Action: ActionWait, Timeout: time.Millisecond, Order: 1},
			{Name: "repair", Action: ActionRepair, Order: 2},
		},
	})

	event := o.Detect(context.Background(), EventHardware, "transient blip")
	got, err := o.InitiateRecovery(context.Background(), event.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.RecoveryState)
	assert.Equal(t, 1, o.MetricsSnapshot().SuccessfulRecoveries)
}

func TestInitiateRecoveryRollsBackOnFailure(t *testing.T) {
	m := NewMonitor()
	o := NewOrchestrator(m, &fakeDispatcher{fail: true})
	o.RegisterPlan(&Plan{
		ID: "plan-2", Kind: EventSoftwareBug, Severity: SeverityMedium,
		Steps: []Step{
			{Name: "repair", Action: ActionRepair, Order: 1},
		},
		RollbackSteps: []Step{
			{Name: "undo", Action: ActionWait, Timeout: time.Millisecond, Order: 1},
		},
	})

	event := o.Detect(context.Background(), EventSoftwareBug, "regression")
	got, err := o.InitiateRecovery(context.Background(), event.ID, "")
	assert.Error(t, err)
	assert.Equal(t, StateRolledBack, got.RecoveryState)
}

func TestInitiateRecoveryFailsWithNoMatchingPlan(t *testing.T) {
	m := NewMonitor()
	o := NewOrchestrator(m, &fakeDispatcher{})
	event := o.Detect(context.Background(), EventNetwork, "link down")
	_, err := o.InitiateRecovery(context.Background(), event.ID, "")
	assert.Error(t, err)
}

func TestWebhookChannelPostsEnvelope(t *testing.T) {
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		gotBody = buf
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := &WebhookChannel{URL: server.URL, WorkerID: "worker-1"}
	event := &Event{ID: "evt-1", Kind: EventHardware, Severity: SeverityLow}
	err := ch.Send(context.Background(), event, "test message")
	require.NoError(t, err)
	assert.Contains(t, string(gotBody), "evt-1")
}
