package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errCollaboratorDown = errors.New("collaborator unavailable")

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	b := New(NameAIProvider, DefaultSettings())
	err := b.Do(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	s := DefaultSettings()
	s.ConsecutiveFailures = 3
	b := New(NameExternalSolver, s)

	for i := 0; i < 3; i++ {
		_ = b.Do(context.Background(), func(ctx context.Context) error { return errCollaboratorDown })
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Do(context.Background(), func(ctx context.Context) error { return nil })
	assert.Error(t, err)
}

func TestBreakerHalfOpensAfterTimeout(t *testing.T) {
	s := DefaultSettings()
	s.ConsecutiveFailures = 1
	s.OpenTimeout = 10 * time.Millisecond
	b := New(NameObjectStorage, s)

	_ = b.Do(context.Background(), func(ctx context.Context) error { return errCollaboratorDown })
	assert.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	err := b.Do(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestRegistryLazilyCreatesDefaultBreaker(t *testing.T) {
	r := NewRegistry()
	b1 := r.Get(NameAIProvider)
	b2 := r.Get(NameAIProvider)
	assert.Same(t, b1, b2)
}

func TestRegistryRegisterOverridesDefault(t *testing.T) {
	r := NewRegistry()
	r.Register(NameExternalSolver, Settings{ConsecutiveFailures: 1, OpenTimeout: time.Second, HalfOpenMaxRequests: 1})
	b := r.Get(NameExternalSolver)

	_ = b.Do(context.Background(), func(ctx context.Context) error { return errCollaboratorDown })
	assert.Equal(t, StateOpen, b.State())
}
