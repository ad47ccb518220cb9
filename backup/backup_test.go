package backup

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cncaiprojem/freecad-core/chunkstore"
	"github.com/cncaiprojem/freecad-core/objectstore"
	"github.com/cncaiprojem/freecad-core/security"
)

func newTestEngine() *Engine {
	objs := objectstore.NewMemoryStore()
	chunks := chunkstore.New(objs)
	return NewEngine(chunks, objs)
}

// Law #6/#7 (round-trip): Restore(Create(x)) == x.
func TestCreateRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	payload := bytes.Repeat([]byte("freecad document bytes "), 5000)
	snap, err := e.Create(ctx, payload, CreateOptions{Source: "doc-1", Dedup: true})
	require.NoError(t, err)
	assert.Equal(t, KindFull, snap.Kind)

	restored, err := e.Restore(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, payload, restored)
}

// Law #8: first snapshot in an empty chain is always full; subsequent ones
// are incremental until the chain is forced to a new full.
func TestFirstSnapshotIsFullSubsequentAreIncremental(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	first, err := e.Create(ctx, []byte("v1"), CreateOptions{Source: "doc-2", Dedup: true})
	require.NoError(t, err)
	assert.Equal(t, KindFull, first.Kind)
	assert.Empty(t, first.ParentID)

	second, err := e.Create(ctx, []byte("v2"), CreateOptions{Source: "doc-2", Dedup: true})
	require.NoError(t, err)
	assert.Equal(t, KindIncremental, second.Kind)
	assert.Equal(t, first.ID, second.ParentID)
}

// Law #9: Verify marks a snapshot valid on an untampered round trip, and
// corrupted when the recorded hash no longer matches the restored bytes.
func TestVerifyDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	snap, err := e.Create(ctx, []byte("integrity check payload"), CreateOptions{Source: "doc-3", Dedup: true})
	require.NoError(t, err)

	require.NoError(t, e.Verify(ctx, snap))
	assert.Equal(t, StatusValid, snap.Status)

	snap.SHA256 = "0000000000000000000000000000000000000000000000000000000000000000"
	err = e.Verify(ctx, snap)
	assert.Error(t, err)
	assert.Equal(t, StatusCorrupted, snap.Status)
}

func TestForceFullAlwaysProducesFull(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	_, err := e.Create(ctx, []byte("a"), CreateOptions{Source: "doc-4", Dedup: true})
	require.NoError(t, err)

	second, err := e.Create(ctx, []byte("b"), CreateOptions{Source: "doc-4", Dedup: true, ForceFull: true})
	require.NoError(t, err)
	assert.Equal(t, KindFull, second.Kind)
}

func TestCreateSyntheticFullSupersedesWithoutDeleting(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	full := bytes.Repeat([]byte{0x01}, 1024)
	_, err := e.Create(ctx, full, CreateOptions{Source: "doc-5", Dedup: true})
	require.NoError(t, err)

	incr := bytes.Repeat([]byte{0x01}, 1024)
	incr = append(incr, []byte("appended")...)
	_, err = e.Create(ctx, incr, CreateOptions{Source: "doc-5", Dedup: true})
	require.NoError(t, err)

	chainBefore := len(e.Chain("doc-5").Snapshots)

	synthetic, err := e.CreateSyntheticFull(ctx, "doc-5")
	require.NoError(t, err)
	assert.Equal(t, KindSynthetic, synthetic.Kind)

	chain := e.Chain("doc-5")
	assert.Equal(t, chainBefore+1, len(chain.Snapshots))
	for _, s := range chain.Snapshots {
		if s.ID != synthetic.ID {
			assert.Equal(t, synthetic.ID, s.SupersededBy)
		}
	}

	restored, err := e.Restore(ctx, synthetic)
	require.NoError(t, err)
	assert.Equal(t, incr, restored)
}

// Scenario A rendition at the backup-engine level: a payload built from two
// identical 64 KiB halves produces a snapshot with a favorable dedup ratio.
func TestScenarioA_SnapshotDedupRatio(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	half := bytes.Repeat([]byte{0x41}, 64*1024)
	payload := append(append([]byte{}, half...), half...)

	snap, err := e.Create(ctx, payload, CreateOptions{Source: "doc-6", Dedup: true})
	require.NoError(t, err)

	assert.Equal(t, int64(131072), snap.LogicalSize)
	assert.GreaterOrEqual(t, snap.DedupRatio, 1.45)
}

func TestEncryptedManifestRoundTripsThroughStorage(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	payload := []byte("sensitive cad metadata")
	snap, err := e.Create(ctx, payload, CreateOptions{
		Source: "doc-7", Dedup: true,
		EncryptionMethod: security.MethodAESGCM, EncryptionPassword: "correct horse battery staple",
	})
	require.NoError(t, err)

	restored, err := e.RestoreFromManifest(ctx, "doc-7", snap.ID, security.MethodAESGCM, snap.CompressionAlgorithm, "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, payload, restored)
}

func TestRetentionPolicyComplianceCannotShorten(t *testing.T) {
	p := NewRetentionPolicy("legal-hold-2030", RetentionCompliance)
	p.RetentionDays = 365

	assert.True(t, p.CanShorten(400))
	assert.False(t, p.CanShorten(100))
	assert.False(t, p.CanDelete(p.createdAt.AddDate(10, 0, 0), p.createdAt))
}

func TestValidateChainVersion(t *testing.T) {
	assert.NoError(t, validateChainVersion("synthetic-v3"))
	assert.Error(t, validateChainVersion(""))
	assert.Error(t, validateChainVersion(".hidden"))
	assert.Error(t, validateChainVersion("bad..tag"))
	assert.Error(t, validateChainVersion("trailing.lock"))
	assert.Error(t, validateChainVersion("has space?"))
}
