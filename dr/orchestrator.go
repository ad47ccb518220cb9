package dr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"

	"github.com/cncaiprojem/freecad-core/common"
)

// EventKind classifies a disaster event.
type EventKind string

const (
	EventHardware     EventKind = "hardware"
	EventNetwork      EventKind = "network"
	EventDataCorrupt  EventKind = "data_corruption"
	EventAttack       EventKind = "attack"
	EventNatural      EventKind = "natural"
	EventHumanError   EventKind = "human_error"
	EventSoftwareBug  EventKind = "software_bug"
)

// Severity is the incident severity level.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RecoveryState is a disaster event's lifecycle stage.
type RecoveryState string

const (
	StateDetecting  RecoveryState = "detecting"
	StateAssessing  RecoveryState = "assessing"
	StateRecovering RecoveryState = "recovering"
	StateCompleted  RecoveryState = "completed"
	StateFailed     RecoveryState = "failed"
	StateRolledBack RecoveryState = "rolled_back"
)

// Event is a detected incident.
type Event struct {
	mu sync.Mutex

	ID                  string
	Kind                EventKind
	Severity            Severity
	Description         string
	ImpactedComponents  []string
	RTOMinutes          int
	RPOMinutes          int
	RecoveryState       RecoveryState
	RecoveryPlanID      string
	DetectedAt          time.Time
	StartedAt           time.Time
	CompletedAt         time.Time
	ActualRecoveryMins  float64
	DataLossMinutes     float64
	Notifications       []NotificationRecord
}

func (e *Event) setState(s RecoveryState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.RecoveryState = s
}

// NotificationRecord logs one message sent over one channel.
type NotificationRecord struct {
	Channel   string
	Message   string
	SentAt    time.Time
	Error     string
}

// StepAction identifies a recovery step's dispatch kind.
type StepAction string

const (
	ActionScript   StepAction = "script"
	ActionManual   StepAction = "manual"
	ActionWait     StepAction = "wait"
	ActionCheck    StepAction = "check"
	ActionRepair   StepAction = "repair"
	ActionRebuild  StepAction = "rebuild"
	ActionRestore  StepAction = "restore"
	ActionValidate StepAction = "validate"
)

// Step is one ordered action within a recovery plan.
type Step struct {
	Name       string
	Action     StepAction
	Parameters map[string]string
	Timeout    time.Duration
	RetryCount int
	CanFail    bool
	Order      int
}

// Plan is a named recovery procedure keyed by (kind, severity).
type Plan struct {
	ID                string
	Kind              EventKind
	Severity          Severity
	Steps             []Step
	RollbackSteps     []Step
	PreCheckIDs       []string
	PostCheckIDs      []string
	EstimatedDuration time.Duration
	ManualApproval    bool
}

// Dispatcher executes a single recovery step's action. The DR package
// handles wait, manual and check steps itself; script, repair, rebuild,
// restore and validate steps are delegated through this interface (the
// CAD-specific ones to the model-recovery service) so dr stays
// independent of CAD-specific semantics (spec §4.7/§4.8 boundary).
type Dispatcher interface {
	Dispatch(ctx context.Context, step Step) error
}

// Channel sends one notification message. Webhook and Slack are built in; the others
// named in spec §4.7 (email, SMS, Teams, PagerDuty) are pluggable via this
// same interface.
type Channel interface {
	Name() string
	Send(ctx context.Context, event *Event, message string) error
}

// WebhookChannel posts a JSON envelope to a fixed URL.
type WebhookChannel struct {
	URL      string
	WorkerID string
	Client   *http.Client
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, event *Event, message string) error {
	envelope := map[string]interface{}{
		"event_id":  event.ID,
		"kind":      event.Kind,
		"severity":  event.Severity,
		"message":   message,
		"timestamp": time.Now().UTC(),
		"worker_id": w.WorkerID,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("dr: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// SlackChannel posts to a Slack channel via an incoming webhook URL.
type SlackChannel struct {
	WebhookURL string
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, event *Event, message string) error {
	return slack.PostWebhookContext(ctx, s.WebhookURL, &slack.WebhookMessage{
		Text: fmt.Sprintf("[%s/%s] %s: %s", event.Kind, event.Severity, event.ID, message),
	})
}

// Orchestrator detects disaster events, selects and executes recovery
// plans, and records notifications.
type Orchestrator struct {
	mu       sync.Mutex
	monitor  *Monitor
	plans    []*Plan
	events   map[string]*Event
	channels []Channel
	dispatch Dispatcher

	AutoFailover        bool
	RequireManualApproval bool
	FailoverDelay       time.Duration

	metrics Metrics
}

// Metrics tracks rolling DR outcome statistics.
type Metrics struct {
	TotalEvents         int
	SuccessfulRecoveries int
	FailedRecoveries    int
	AvgRecoveryMinutes  float64
}

// NewOrchestrator constructs an Orchestrator over the given health monitor.
func NewOrchestrator(monitor *Monitor, dispatch Dispatcher) *Orchestrator {
	return &Orchestrator{
		monitor:  monitor,
		events:   make(map[string]*Event),
		dispatch: dispatch,
	}
}

// RegisterPlan adds a recovery plan.
func (o *Orchestrator) RegisterPlan(p *Plan) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.plans = append(o.plans, p)
}

// RegisterChannel adds a notification channel.
func (o *Orchestrator) RegisterChannel(c Channel) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.channels = append(o.channels, c)
}

// rtoRpoForSeverity returns (RTO, RPO) minutes for a severity level.
func rtoRpoForSeverity(sev Severity) (int, int) {
	switch sev {
	case SeverityCritical:
		return 15, 5
	case SeverityHigh:
		return 60, 15
	case SeverityMedium:
		return 240, 60
	default:
		return 1440, 240
	}
}

// Detect produces a disaster event, assesses impact, notifies every
// registered channel, and (if auto-failover is enabled and manual approval
// is not required) initiates recovery after the configured delay.
func (o *Orchestrator) Detect(ctx context.Context, kind EventKind, description string) *Event {
	severity := SeverityMedium
	impacted := o.monitor.ImpactedComponents()
	if o.monitor.AnyCriticalUnhealthy() {
		severity = SeverityCritical
	} else if len(impacted) > 0 {
		severity = SeverityHigh
	}

	rto, rpo := rtoRpoForSeverity(severity)
	event := &Event{
		ID:                 uuid.NewString(),
		Kind:               kind,
		Severity:           severity,
		Description:        description,
		ImpactedComponents: impacted,
		RTOMinutes:         rto,
		RPOMinutes:         rpo,
		RecoveryState:      StateDetecting,
		DetectedAt:         time.Now().UTC(),
	}

	o.mu.Lock()
	o.events[event.ID] = event
	o.mu.Unlock()

	event.setState(StateAssessing)
	o.notifyAll(ctx, event, fmt.Sprintf("disaster detected: %s", description))

	if o.AutoFailover && !o.RequireManualApproval {
		go func() {
			if o.FailoverDelay > 0 {
				time.Sleep(o.FailoverDelay)
			}
			_, _ = o.InitiateRecovery(context.Background(), event.ID, "")
		}()
	}

	return event
}

func (o *Orchestrator) notifyAll(ctx context.Context, event *Event, message string) {
	o.mu.Lock()
	channels := make([]Channel, len(o.channels))
	copy(channels, o.channels)
	o.mu.Unlock()

	for _, ch := range channels {
		rec := NotificationRecord{Channel: ch.Name(), Message: message, SentAt: time.Now().UTC()}
		if err := ch.Send(ctx, event, message); err != nil {
			rec.Error = err.Error()
		}
		event.mu.Lock()
		event.Notifications = append(event.Notifications, rec)
		event.mu.Unlock()
	}
}

// selectPlan implements spec §4.7 "caller's choice first, else first plan
// matching (kind, severity), else first plan matching kind alone".
func (o *Orchestrator) selectPlan(kind EventKind, severity Severity, preferredID string) *Plan {
	o.mu.Lock()
	defer o.mu.Unlock()

	if preferredID != "" {
		for _, p := range o.plans {
			if p.ID == preferredID {
				return p
			}
		}
	}
	for _, p := range o.plans {
		if p.Kind == kind && p.Severity == severity {
			return p
		}
	}
	for _, p := range o.plans {
		if p.Kind == kind {
			return p
		}
	}
	return nil
}

// InitiateRecovery selects a plan and executes it synchronously, returning
// once the full step/rollback sequence completes. Background dispatch (the
// spec's "execute in a background task") is the caller's responsibility —
// callers that want async execution should invoke this from their own
// goroutine, keeping the orchestrator's own API synchronous and testable.
func (o *Orchestrator) InitiateRecovery(ctx context.Context, eventID, planID string) (*Event, error) {
	o.mu.Lock()
	event, ok := o.events[eventID]
	o.mu.Unlock()
	if !ok {
		return nil, common.New(common.CodeNotFound, "dr: unknown event "+eventID)
	}

	plan := o.selectPlan(event.Kind, event.Severity, planID)
	if plan == nil {
		event.setState(StateFailed)
		return event, common.New(common.CodeInvalidInput, "dr: no recovery plan matches event")
	}
	event.RecoveryPlanID = plan.ID
	event.StartedAt = time.Now().UTC()
	event.setState(StateRecovering)

	o.runPreChecks(plan)

	failed := false
	for _, step := range orderedSteps(plan.Steps) {
		if err := o.executeStepWithRetry(ctx, step); err != nil && !step.CanFail {
			failed = true
			break
		}
	}

	if !failed {
		failed = !o.runPostChecks(plan)
	}

	if failed {
		for _, step := range orderedSteps(plan.RollbackSteps) {
			_ = o.executeStepWithRetry(ctx, step) // best-effort
		}
		event.setState(StateRolledBack)
		event.CompletedAt = time.Now().UTC()
		o.recordOutcome(event, false)
		o.notifyAll(ctx, event, "recovery failed, rolled back")
		return event, common.New(common.CodeInternal, "dr: recovery failed")
	}

	event.CompletedAt = time.Now().UTC()
	event.ActualRecoveryMins = event.CompletedAt.Sub(event.StartedAt).Minutes()
	event.setState(StateCompleted)
	o.recordOutcome(event, true)
	o.notifyAll(ctx, event, "recovery completed successfully")
	return event, nil
}

func orderedSteps(steps []Step) []Step {
	out := make([]Step, len(steps))
	copy(out, steps)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Order > out[j].Order; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func (o *Orchestrator) runPreChecks(plan *Plan) {
	if o.monitor == nil {
		return
	}
	o.monitor.RunOnce(context.Background())
}

func (o *Orchestrator) runPostChecks(plan *Plan) bool {
	if o.monitor == nil || len(plan.PostCheckIDs) == 0 {
		return true
	}
	o.monitor.mu.Lock()
	defer o.monitor.mu.Unlock()
	for _, id := range plan.PostCheckIDs {
		c, ok := o.monitor.checks[id]
		if !ok || c.State() != HealthHealthy {
			return false
		}
	}
	return true
}

func (o *Orchestrator) executeStepWithRetry(ctx context.Context, step Step) error {
	var lastErr error
	attempts := step.RetryCount + 1
	for i := 0; i < attempts; i++ {
		lastErr = o.dispatchStep(ctx, step)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (o *Orchestrator) dispatchStep(ctx context.Context, step Step) error {
	stepCtx := ctx
	var cancel context.CancelFunc
	if step.Timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	switch step.Action {
	case ActionWait:
		d := step.Timeout
		if d <= 0 {
			d = time.Second
		}
		// The step's Timeout is the wait's own length, so only the caller's
		// context can cut the wait short.
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case ActionManual:
		return nil // out-of-band confirmation is assumed already granted by the caller
	case ActionCheck:
		if o.monitor == nil {
			return nil
		}
		id := step.Parameters["check_id"]
		o.monitor.mu.Lock()
		c, ok := o.monitor.checks[id]
		o.monitor.mu.Unlock()
		if !ok {
			return fmt.Errorf("dr: unknown check %q", id)
		}
		if c.State() == HealthUnhealthy {
			return fmt.Errorf("dr: check %q unhealthy", id)
		}
		return nil
	case ActionScript, ActionRepair, ActionRebuild, ActionRestore, ActionValidate:
		if o.dispatch == nil {
			return fmt.Errorf("dr: no dispatcher configured for action %q", step.Action)
		}
		return o.dispatch.Dispatch(stepCtx, step)
	default:
		return fmt.Errorf("dr: unknown step action %q", step.Action)
	}
}

func (o *Orchestrator) recordOutcome(event *Event, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.metrics.TotalEvents++
	if success {
		o.metrics.SuccessfulRecoveries++
	} else {
		o.metrics.FailedRecoveries++
	}
	n := float64(o.metrics.SuccessfulRecoveries + o.metrics.FailedRecoveries)
	o.metrics.AvgRecoveryMinutes = ((o.metrics.AvgRecoveryMinutes * (n - 1)) + event.ActualRecoveryMins) / n
}

// MetricsSnapshot returns a copy of the orchestrator's rolling outcome statistics.
func (o *Orchestrator) MetricsSnapshot() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.metrics
}

// Event returns a tracked event by id.
func (o *Orchestrator) Event(id string) (*Event, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.events[id]
	return e, ok
}
