package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cncaiprojem/freecad-core/common"
)

// memObject is one stored object with its tier and metadata, mirroring the
// teacher's MockS3Object shape.
type memObject struct {
	Key          string
	Data         []byte
	Tier         Tier
	Meta         Metadata
	SHA256       string
	VersionID    string
	LastModified time.Time
}

// MemoryStore is an in-memory Store implementation for tests, grounded on
// storage/s3_mock.go's MockS3Client.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*memObject
}

// NewMemoryStore creates an empty in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*memObject)}
}

func (s *MemoryStore) Put(ctx context.Context, tier Tier, key string, data []byte, meta Metadata) (*PutResult, error) {
	if meta.ContentType == "" {
		meta.ContentType = DefaultContentType(key)
	}
	if meta.ContentDisposition == "" {
		meta.ContentDisposition = DefaultContentDisposition(key)
	}
	sum := sha256.Sum256(data)
	sumHex := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()
	obj := &memObject{
		Key:          key,
		Data:         append([]byte(nil), data...),
		Tier:         tier,
		Meta:         meta,
		SHA256:       sumHex,
		VersionID:    uuid.New().String(),
		LastModified: time.Now(),
	}
	s.objects[key] = obj

	return &PutResult{
		Key:       key,
		VersionID: obj.VersionID,
		ETag:      sumHex,
		Size:      int64(len(data)),
		SHA256:    sumHex,
	}, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, common.New(common.CodeNotFound, fmt.Sprintf("objectstore: key %q not found", key))
	}
	return append([]byte(nil), obj.Data...), nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *MemoryStore) MoveTier(ctx context.Context, key string, from, to Tier) error {
	if from == to {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return common.New(common.CodeNotFound, fmt.Sprintf("objectstore: key %q not found", key))
	}
	obj.Tier = to
	return nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string, tier *Tier, max int) ([]Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Object
	for key, obj := range s.objects {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		if tier != nil && obj.Tier != *tier {
			continue
		}
		out = append(out, Object{
			Key:          obj.Key,
			Size:         int64(len(obj.Data)),
			LastModified: obj.LastModified,
			Tier:         obj.Tier,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func (s *MemoryStore) PresignedURL(ctx context.Context, key string, op Operation, expiry time.Duration) (string, error) {
	expiry = ClampExpiry(expiry)
	return fmt.Sprintf("memory://%s?op=%s&expires_in=%s", key, op, expiry), nil
}
