package pitr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cncaiprojem/freecad-core/wal"
)

func TestRecoverLatestAppliesAllEntries(t *testing.T) {
	log := wal.New()
	_, err := log.Append(wal.EntryCreate, "obj-1", nil, nil, map[string]interface{}{"name": "a"}, "", nil)
	require.NoError(t, err)
	_, err = log.Append(wal.EntryUpdate, "obj-1", nil, map[string]interface{}{"name": "a"}, map[string]interface{}{"name": "b"}, "", nil)
	require.NoError(t, err)

	e := New(log)
	result := e.Recover(Request{ID: "r1", Mode: ModeLatest})
	require.True(t, result.Success)
	assert.Equal(t, 2, result.TransactionsApplied)

	state := e.State()
	require.Contains(t, state, "obj-1")
	assert.Equal(t, "b", state["obj-1"]["name"])
}

func TestRecoverDryRunDoesNotCommit(t *testing.T) {
	log := wal.New()
	_, err := log.Append(wal.EntryCreate, "obj-2", nil, nil, map[string]interface{}{"name": "x"}, "", nil)
	require.NoError(t, err)

	e := New(log)
	result := e.Recover(Request{ID: "r2", Mode: ModeLatest, DryRun: true})
	require.True(t, result.Success)
	assert.NotContains(t, e.State(), "obj-2")
}

func TestRecoverExactTimeUsesCheckpointBeforeTarget(t *testing.T) {
	log := wal.New()
	_, err := log.Checkpoint(map[string]interface{}{"obj-3": map[string]interface{}{"name": "from-checkpoint"}})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	target := time.Now()
	time.Sleep(2 * time.Millisecond)
	_, err = log.Append(wal.EntryUpdate, "obj-3", nil, nil, map[string]interface{}{"name": "too-late"}, "", nil)
	require.NoError(t, err)

	e := New(log)
	result := e.Recover(Request{ID: "r3", Mode: ModeExactTime, TargetTime: target})
	require.True(t, result.Success)
	assert.Equal(t, "from-checkpoint", e.State()["obj-3"]["name"])
}

func TestRecoverDeleteRemovesObject(t *testing.T) {
	log := wal.New()
	_, err := log.Append(wal.EntryCreate, "obj-4", nil, nil, map[string]interface{}{"name": "x"}, "", nil)
	require.NoError(t, err)
	_, err = log.Append(wal.EntryDelete, "obj-4", nil, map[string]interface{}{"name": "x"}, nil, "", nil)
	require.NoError(t, err)

	e := New(log)
	result := e.Recover(Request{ID: "r4", Mode: ModeLatest})
	require.True(t, result.Success)
	assert.NotContains(t, e.State(), "obj-4")
}

func TestRecoverOursKeepsExistingOnConflict(t *testing.T) {
	log := wal.New()
	_, err := log.Checkpoint(map[string]interface{}{"obj-5": map[string]interface{}{"name": "preexisting"}})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	_, err = log.Append(wal.EntryCreate, "obj-5", nil, nil, map[string]interface{}{"name": "incoming"}, "", nil)
	require.NoError(t, err)

	e := New(log)
	result := e.Recover(Request{ID: "r5", Mode: ModeLatest, Conflict: PolicyOurs})
	require.True(t, result.Success)
	assert.Equal(t, 1, result.ConflictsResolved)
	assert.Equal(t, "preexisting", e.State()["obj-5"]["name"])
}
