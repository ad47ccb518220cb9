package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEntity struct {
	ID     string
	Owner  string
	Status string
}

func TestMemoryStoreLoadRoundTrip(t *testing.T) {
	repo := NewMemory[testEntity]()
	ctx := context.Background()

	require.NoError(t, repo.Store(ctx, "e1", testEntity{ID: "e1", Owner: "alice", Status: "pending"}))
	v, ok, err := repo.Load(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", v.Owner)
}

func TestMemoryLoadMissingReturnsFalse(t *testing.T) {
	repo := NewMemory[testEntity]()
	_, ok, err := repo.Load(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryDeleteRemovesEntry(t *testing.T) {
	repo := NewMemory[testEntity]()
	ctx := context.Background()
	require.NoError(t, repo.Store(ctx, "e2", testEntity{ID: "e2"}))
	require.NoError(t, repo.Delete(ctx, "e2"))

	_, ok, _ := repo.Load(ctx, "e2")
	assert.False(t, ok)
}

func TestMemoryQueryFiltersByField(t *testing.T) {
	repo := NewMemory[testEntity]()
	ctx := context.Background()
	require.NoError(t, repo.Store(ctx, "e3", testEntity{ID: "e3", Owner: "bob", Status: "running"}))
	require.NoError(t, repo.Store(ctx, "e4", testEntity{ID: "e4", Owner: "alice", Status: "running"}))
	require.NoError(t, repo.Store(ctx, "e5", testEntity{ID: "e5", Owner: "alice", Status: "completed"}))

	results, err := repo.Query(ctx, Filter{"Owner": "alice"})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestMemoryQueryWithEmptyFilterReturnsAll(t *testing.T) {
	repo := NewMemory[testEntity]()
	ctx := context.Background()
	require.NoError(t, repo.Store(ctx, "e6", testEntity{ID: "e6"}))
	require.NoError(t, repo.Store(ctx, "e7", testEntity{ID: "e7"}))

	results, err := repo.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestMemoryQueryWithMultipleFieldsIsConjunctive(t *testing.T) {
	repo := NewMemory[testEntity]()
	ctx := context.Background()
	require.NoError(t, repo.Store(ctx, "e8", testEntity{ID: "e8", Owner: "carol", Status: "running"}))
	require.NoError(t, repo.Store(ctx, "e9", testEntity{ID: "e9", Owner: "carol", Status: "failed"}))

	results, err := repo.Query(ctx, Filter{"Owner": "carol", "Status": "running"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "e8", results[0].ID)
}
