package chunkstore

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/cncaiprojem/freecad-core/common"
	"github.com/cncaiprojem/freecad-core/objectstore"
)

// Info describes one stored chunk.
type Info struct {
	ID       string // hex SHA-256, the chunk identifier
	Offset   int64  // offset within the source byte stream it was added from
	Length   int    // byte length
	MD5      string // content checksum for integrity, independent of the identity hash
	RefCount int
}

// Stats summarizes the whole store.
type Stats struct {
	TotalChunks     int
	TotalBytes      int64
	TotalReferences int
	DedupRatio      float64 // references / chunks
}

// entry is the store's internal bookkeeping record for one chunk.
type entry struct {
	data     []byte
	md5      string
	refCount int
}

// Store is a reference-counted, content-addressed chunk store. Mutations to
// the index are serialized by a single mutex (spec §5: "chunk-store
// mutations hold a per-store lock, lightweight, only around index
// updates"). Durable persistence is delegated to objectstore so the store
// can be backed by S3/MinIO in production and memory in tests.
type Store struct {
	mu      sync.Mutex
	index   map[string]*entry
	backend objectstore.Store
	keyFn   func(id string) string
}

// New creates a chunk store backed by the given object-storage backend.
func New(backend objectstore.Store) *Store {
	return &Store{
		index:   make(map[string]*entry),
		backend: backend,
		keyFn:   func(id string) string { return "chunks/" + id },
	}
}

// Add computes the SHA-256 identity of data and stores it if new,
// incrementing the reference count either way. offset is metadata recorded
// on the returned Info (the byte offset within the logical stream this
// chunk was carved from); it plays no role in addressing.
func (s *Store) Add(ctx context.Context, data []byte, offset int64) (Info, error) {
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])

	s.mu.Lock()
	e, exists := s.index[id]
	if exists {
		e.refCount++
		info := Info{ID: id, Offset: offset, Length: len(e.data), MD5: e.md5, RefCount: e.refCount}
		s.mu.Unlock()
		return info, nil
	}

	md5sum := md5.Sum(data)
	e = &entry{data: append([]byte(nil), data...), md5: hex.EncodeToString(md5sum[:]), refCount: 1}
	s.index[id] = e
	s.mu.Unlock()

	if s.backend != nil {
		if _, err := s.backend.Put(ctx, objectstore.TierHot, s.keyFn(id), data, objectstore.Metadata{}); err != nil {
			s.mu.Lock()
			delete(s.index, id)
			s.mu.Unlock()
			return Info{}, common.Wrap(common.CodeStorageUnreachable, "chunkstore: persist chunk failed", err)
		}
	}

	return Info{ID: id, Offset: offset, Length: len(data), MD5: e.md5, RefCount: 1}, nil
}

// Get retrieves the bytes for id, or (nil, false) if absent.
func (s *Store) Get(ctx context.Context, id string) ([]byte, bool, error) {
	s.mu.Lock()
	e, exists := s.index[id]
	s.mu.Unlock()
	if !exists {
		return nil, false, nil
	}
	if len(e.data) > 0 || s.backend == nil {
		return append([]byte(nil), e.data...), true, nil
	}
	data, err := s.backend.Get(ctx, s.keyFn(id))
	if err != nil {
		return nil, false, common.Wrap(common.CodeStorageUnreachable, "chunkstore: fetch chunk failed", err)
	}
	return data, true, nil
}

// Remove decrements id's reference count; when it reaches zero, the chunk's
// bytes are erased.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	e, exists := s.index[id]
	if !exists {
		s.mu.Unlock()
		return nil
	}
	e.refCount--
	shouldErase := e.refCount <= 0
	if shouldErase {
		delete(s.index, id)
	}
	s.mu.Unlock()

	if shouldErase && s.backend != nil {
		if err := s.backend.Delete(ctx, s.keyFn(id)); err != nil {
			return common.Wrap(common.CodeStorageUnreachable, "chunkstore: erase chunk failed", err)
		}
	}
	return nil
}

// RefCount returns the current reference count for id, or 0 if absent.
func (s *Store) RefCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.index[id]; ok {
		return e.refCount
	}
	return 0
}

// Stats reports aggregate store statistics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var totalBytes int64
	var totalRefs int
	for _, e := range s.index {
		totalBytes += int64(len(e.data))
		totalRefs += e.refCount
	}
	stats := Stats{
		TotalChunks:     len(s.index),
		TotalBytes:      totalBytes,
		TotalReferences: totalRefs,
	}
	if stats.TotalChunks > 0 {
		stats.DedupRatio = float64(totalRefs) / float64(stats.TotalChunks)
	}
	return stats
}

// ChunkRef is one entry of a snapshot's chunk list: an identifier plus the
// logical offset it occupies.
type ChunkRef struct {
	ID     string
	Offset int64
	Length int
}

// AddStream chunks data using content-defined boundaries (falling back to
// fixed-size chunking if useFixed is set) and adds every resulting chunk to
// the store, returning the ordered chunk list.
func (s *Store) AddStream(ctx context.Context, data []byte, useFixed bool) ([]ChunkRef, error) {
	var bounds []int
	if useFixed {
		bounds = FixedChunkBoundaries(data)
	} else {
		bounds = ChunkBoundaries(data)
	}

	refs := make([]ChunkRef, 0, len(bounds))
	start := 0
	for _, end := range bounds {
		piece := data[start:end]
		info, err := s.Add(ctx, piece, int64(start))
		if err != nil {
			return nil, err
		}
		refs = append(refs, ChunkRef{ID: info.ID, Offset: int64(start), Length: len(piece)})
		start = end
	}
	return refs, nil
}

// Reassemble concatenates the bytes for every chunk in refs, in order.
func (s *Store) Reassemble(ctx context.Context, refs []ChunkRef) ([]byte, error) {
	var out []byte
	for _, ref := range refs {
		data, ok, err := s.Get(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, common.New(common.CodeChecksumMismatch, fmt.Sprintf("chunkstore: missing chunk %s referenced by snapshot", ref.ID))
		}
		out = append(out, data...)
	}
	return out, nil
}
