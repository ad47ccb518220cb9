// Package breaker wraps sony/gobreaker to protect calls into external
// collaborators (AI providers, external solvers, object storage) from
// cascading failure. Grounded on the teacher's queue/consumer.go retry
// idiom, generalized into a reusable circuit per collaborator per spec's
// consecutive-failure / failure-rate / half-open-backoff invariant.
package breaker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cncaiprojem/freecad-core/common"
)

// Name identifies a protected external collaborator.
type Name string

const (
	NameAIProvider     Name = "ai_provider"
	NameExternalSolver Name = "external_solver"
	NameObjectStorage  Name = "object_storage"
)

// Settings controls the trip/reset behavior of a single breaker, per the
// invariant: trips after a run of consecutive failures OR when the
// failure rate over the requests counted since the breaker last closed
// reaches a ratio, then allows a single half-open probe after a backoff
// interval.
type Settings struct {
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequestsInWindow uint32
	OpenTimeout         time.Duration
	HalfOpenMaxRequests uint32
}

// DefaultSettings matches the spec's stated defaults: 5 consecutive
// failures or a 50% failure rate over at least 10 requests trips the
// breaker; it stays open 30 seconds before allowing one half-open probe.
func DefaultSettings() Settings {
	return Settings{
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequestsInWindow: 10,
		OpenTimeout:         30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// Breaker wraps one gobreaker.CircuitBreaker for a named collaborator.
type Breaker struct {
	name Name
	cb   *gobreaker.CircuitBreaker
}

// New constructs a Breaker for name with the given settings.
func New(name Name, s Settings) *Breaker {
	st := gobreaker.Settings{
		Name:        string(name),
		MaxRequests: s.HalfOpenMaxRequests,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= s.ConsecutiveFailures {
				return true
			}
			if counts.Requests < s.MinRequestsInWindow {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= s.FailureRatio
		},
	}
	return &Breaker{name: name, cb: gobreaker.NewCircuitBreaker(st)}
}

// State mirrors gobreaker's exported state names for callers that want to
// report breaker health without importing gobreaker directly.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// State reports the breaker's current state.
func (b *Breaker) State() State {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Do executes fn through the breaker. When the breaker is open, Do returns
// a common.Error with CodeStorageUnreachable's retryable semantics without
// invoking fn, matching the "fail fast" behavior collaborators expect.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return common.New(common.CodeStorageUnreachable, string(b.name)+": circuit open, fast-failing")
	}
	return err
}

// Registry holds one Breaker per collaborator name, constructed lazily
// with DefaultSettings unless overridden via Register.
type Registry struct {
	breakers map[Name]*Breaker
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[Name]*Breaker)}
}

// Register installs a breaker with custom settings for name, replacing any
// default that would otherwise be created on first use.
func (r *Registry) Register(name Name, s Settings) {
	r.breakers[name] = New(name, s)
}

// Get returns the breaker for name, lazily creating one with
// DefaultSettings if none has been registered yet.
func (r *Registry) Get(name Name) *Breaker {
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, DefaultSettings())
	r.breakers[name] = b
	return b
}
