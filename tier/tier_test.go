package tier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cncaiprojem/freecad-core/backup"
	"github.com/cncaiprojem/freecad-core/chunkstore"
	"github.com/cncaiprojem/freecad-core/objectstore"
)

func TestApplyTransitionsHotToWarmAfterSevenDays(t *testing.T) {
	ctx := context.Background()
	objs := objectstore.NewMemoryStore()
	chunks := chunkstore.New(objs)
	m := New(objs, chunks)

	snap := &backup.Snapshot{ID: "s1", SourceID: "src", CreatedAt: time.Now().Add(-8 * 24 * time.Hour)}
	m.Track(snap)

	result := m.Apply(ctx, time.Now())
	assert.Equal(t, 1, result.Transitioned)

	gotTier, ok := m.TierOf("s1")
	require.True(t, ok)
	assert.Equal(t, objectstore.TierWarm, gotTier)
}

func TestApplyDoesNotTransitionBeforeThreshold(t *testing.T) {
	ctx := context.Background()
	objs := objectstore.NewMemoryStore()
	chunks := chunkstore.New(objs)
	m := New(objs, chunks)

	snap := &backup.Snapshot{ID: "s2", SourceID: "src", CreatedAt: time.Now().Add(-1 * 24 * time.Hour)}
	m.Track(snap)

	result := m.Apply(ctx, time.Now())
	assert.Equal(t, 0, result.Transitioned)
	gotTier, _ := m.TierOf("s2")
	assert.Equal(t, objectstore.TierHot, gotTier)
}

func TestApplyExpiresTimeBasedRetention(t *testing.T) {
	ctx := context.Background()
	objs := objectstore.NewMemoryStore()
	chunks := chunkstore.New(objs)
	m := New(objs, chunks)

	policy := backup.NewRetentionPolicy("short", backup.RetentionTimeBased)
	policy.RetentionDays = 1
	snap := &backup.Snapshot{ID: "s3", SourceID: "src", CreatedAt: time.Now().Add(-3 * 24 * time.Hour), Retention: policy}
	m.Track(snap)

	result := m.Apply(ctx, time.Now())
	assert.Equal(t, 1, result.Expired)
	_, ok := m.TierOf("s3")
	assert.False(t, ok)
}

func TestApplyNeverExpiresComplianceRetention(t *testing.T) {
	ctx := context.Background()
	objs := objectstore.NewMemoryStore()
	chunks := chunkstore.New(objs)
	m := New(objs, chunks)

	policy := backup.NewRetentionPolicy("hold", backup.RetentionCompliance)
	snap := &backup.Snapshot{ID: "s4", SourceID: "src", CreatedAt: time.Now().Add(-1000 * 24 * time.Hour), Retention: policy}
	m.Track(snap)

	result := m.Apply(ctx, time.Now())
	assert.Equal(t, 0, result.Expired)
	_, ok := m.TierOf("s4")
	assert.True(t, ok)
}

// Scenario F-style check: transitions apply before deletions within a
// sweep, so an expiring-and-eligible-for-transition snapshot is counted as
// both transitioned and expired in the same pass.
func TestTransitionsAppliedBeforeDeletionsWithinSweep(t *testing.T) {
	ctx := context.Background()
	objs := objectstore.NewMemoryStore()
	chunks := chunkstore.New(objs)
	m := New(objs, chunks)

	policy := backup.NewRetentionPolicy("short", backup.RetentionTimeBased)
	policy.RetentionDays = 1
	snap := &backup.Snapshot{ID: "s5", SourceID: "src", CreatedAt: time.Now().Add(-40 * 24 * time.Hour), Retention: policy}
	m.Track(snap)

	result := m.Apply(ctx, time.Now())
	assert.Equal(t, 1, result.Transitioned)
	assert.Equal(t, 1, result.Expired)
}
