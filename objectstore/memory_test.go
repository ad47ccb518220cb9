package objectstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorePutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	res, err := s.Put(ctx, TierHot, "artefacts/job-1/out.fcstd", []byte("payload"), Metadata{})
	require.NoError(t, err)
	assert.NotEmpty(t, res.VersionID)
	assert.Equal(t, int64(len("payload")), res.Size)

	got, err := s.Get(ctx, "artefacts/job-1/out.fcstd")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestMemoryStoreGetMissingFails(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "nope")
	assert.Error(t, err)
}

func TestMemoryStoreDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	assert.NoError(t, s.Delete(ctx, "never-existed"))

	_, _ = s.Put(ctx, TierHot, "k", []byte("v"), Metadata{})
	assert.NoError(t, s.Delete(ctx, "k"))
	assert.NoError(t, s.Delete(ctx, "k"))
}

func TestMemoryStoreMoveTierNoOpSameTier(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, _ = s.Put(ctx, TierHot, "k", []byte("v"), Metadata{})
	assert.NoError(t, s.MoveTier(ctx, "k", TierHot, TierHot))
}

func TestMemoryStoreMoveTier(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, _ = s.Put(ctx, TierHot, "k", []byte("v"), Metadata{})
	require.NoError(t, s.MoveTier(ctx, "k", TierHot, TierCold))

	objs, err := s.List(ctx, "", nil, 0)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, TierCold, objs[0].Tier)
}

func TestMemoryStoreListByPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, _ = s.Put(ctx, TierHot, "a/1", []byte("x"), Metadata{})
	_, _ = s.Put(ctx, TierHot, "a/2", []byte("x"), Metadata{})
	_, _ = s.Put(ctx, TierHot, "b/1", []byte("x"), Metadata{})

	objs, err := s.List(ctx, "a/", nil, 0)
	require.NoError(t, err)
	assert.Len(t, objs, 2)
}

func TestPresignExpiryIsClamped(t *testing.T) {
	assert.Equal(t, MinPresignExpiry, ClampExpiry(0))
	assert.Equal(t, MinPresignExpiry, ClampExpiry(-5*time.Second))
	assert.Equal(t, MaxPresignExpiry, ClampExpiry(48*time.Hour))
	assert.Equal(t, 10*time.Minute, ClampExpiry(10*time.Minute))
}

func TestDefaultContentTypeTable(t *testing.T) {
	assert.Equal(t, "application/zip", DefaultContentType("snapshots/src/backup_src_abc.fcstd"))
	assert.Equal(t, "model/step", DefaultContentType("out.step"))
	assert.Equal(t, "model/stl", DefaultContentType("out.stl"))
	assert.Equal(t, "application/octet-stream", DefaultContentType("out.unknown"))
}

func TestDefaultContentDisposition(t *testing.T) {
	assert.Equal(t, "inline", DefaultContentDisposition("report.pdf"))
	assert.Equal(t, "attachment", DefaultContentDisposition("model.fcstd"))
}
