// Package wal implements the write-ahead log and checkpoint manager: the
// append-only, segmented record of every mutation, and periodic full-state
// checkpoints that bound replay distance. Grounded on the teacher's
// worker.Pool background-loop idiom (generalized to the automatic-checkpoint
// loop) and common/logger.go's structured logging, with segment bytes
// compressed via klauspost/compress the same way the backup engine
// compresses chunk-list manifests.
package wal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/cncaiprojem/freecad-core/common"
)

// EntryKind discriminates WAL entry payload semantics.
type EntryKind string

const (
	EntryCreate     EntryKind = "create"
	EntryUpdate     EntryKind = "update"
	EntryDelete     EntryKind = "delete"
	EntryCheckpoint EntryKind = "checkpoint"
	EntrySnapshot   EntryKind = "snapshot"
)

// Entry is one append-only mutation record.
type Entry struct {
	TransactionID string                 `json:"transaction_id"`
	Timestamp     time.Time              `json:"timestamp"`
	Kind          EntryKind              `json:"kind"`
	ObjectID      string                 `json:"object_id"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Before        map[string]interface{} `json:"before,omitempty"`
	After         map[string]interface{} `json:"after,omitempty"`
	Checksum      string                 `json:"checksum"`
	User          string                 `json:"user,omitempty"`
	Metadata      map[string]string      `json:"metadata,omitempty"`
}

func computeChecksum(objectID string, payload map[string]interface{}) string {
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(append([]byte(objectID), raw...))
	return hex.EncodeToString(sum[:])
}

// SegmentState is the lifecycle stage of a WAL segment (spec §4.5).
type SegmentState string

const (
	SegmentOpen       SegmentState = "open"
	SegmentRotated    SegmentState = "rotated"
	SegmentCompressed SegmentState = "compressed"
	SegmentExpired    SegmentState = "expired"
)

// Segment is one append-only span of entries.
type Segment struct {
	ID        string
	State     SegmentState
	Entries   []Entry
	Raw       []byte // rotated segment's serialized (and possibly compressed) bytes
	CreatedAt time.Time
	RotatedAt time.Time
}

const (
	// DefaultSegmentCap is the byte size at which a segment rotates.
	DefaultSegmentCap = 16 * 1024 * 1024
	// RecentRingCapacity bounds the in-memory fast-read ring.
	RecentRingCapacity = 1000
	// DefaultRetention is how long a rotated, compressed segment is kept.
	DefaultRetention = 7 * 24 * time.Hour
	// DefaultCheckpointInterval is the automatic-checkpoint cadence.
	DefaultCheckpointInterval = 15 * time.Minute
	// DefaultMaxCheckpoints bounds how many checkpoints are retained.
	DefaultMaxCheckpoints = 48
)

// Checkpoint is a serialized full-state snapshot usable as a replay origin.
type Checkpoint struct {
	ID          string
	Timestamp   time.Time
	State       map[string]interface{}
	Checksum    string
	ObjectCount int
}

// StateProvider returns the current logical state for an automatic
// checkpoint.
type StateProvider func() map[string]interface{}

// Manager is the WAL and checkpoint manager. Appends are serialized by a
// single lock (spec §4.5 "writes are serialized by a single append lock").
// Append also keeps the most recent entries in a bounded ring; Read does
// not consult it.
type Manager struct {
	mu sync.Mutex

	current     *Segment
	segments    []*Segment // rotated, lexicographically by ID
	recentRing  []Entry
	segmentCap  int
	compress    bool

	checkpoints []Checkpoint
	maxCheckpoints int

	subscribers   int
	stopLoop      chan struct{}
	loopWg        sync.WaitGroup
	provider      StateProvider
	checkpointInt time.Duration
}

// New constructs an empty Manager.
func New() *Manager {
	return &Manager{
		segmentCap:     DefaultSegmentCap,
		compress:       true,
		maxCheckpoints: DefaultMaxCheckpoints,
		checkpointInt:  DefaultCheckpointInterval,
	}
}

// Append builds and writes one WAL entry, rotating the current segment if
// the addition would exceed the segment cap.
func (m *Manager) Append(kind EntryKind, objectID string, payload, before, after map[string]interface{}, user string, metadata map[string]string) (Entry, error) {
	entry := Entry{
		TransactionID: uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Kind:          kind,
		ObjectID:      objectID,
		Payload:       payload,
		Before:        before,
		After:         after,
		User:          user,
		Metadata:      metadata,
	}
	entry.Checksum = computeChecksum(objectID, payload)

	serialized, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, common.Wrap(common.CodeInternal, "wal: marshal entry failed", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		m.current = &Segment{ID: uuid.NewString(), State: SegmentOpen, CreatedAt: time.Now().UTC()}
	}

	currentSize := 0
	for _, e := range m.current.Entries {
		b, _ := json.Marshal(e)
		currentSize += len(b) + 1
	}
	if currentSize+len(serialized)+1 > m.segmentCap && len(m.current.Entries) > 0 {
		m.rotateLocked()
	}

	m.current.Entries = append(m.current.Entries, entry)

	m.recentRing = append(m.recentRing, entry)
	if len(m.recentRing) > RecentRingCapacity {
		m.recentRing = m.recentRing[len(m.recentRing)-RecentRingCapacity:]
	}

	return entry, nil
}

// rotateLocked closes the current segment, optionally compresses it, and
// starts a new one. Caller must hold m.mu.
func (m *Manager) rotateLocked() {
	seg := m.current
	seg.State = SegmentRotated
	seg.RotatedAt = time.Now().UTC()

	// Line-delimited JSON: one serialized entry per line.
	var raw []byte
	var err error
	for _, e := range seg.Entries {
		b, mErr := json.Marshal(e)
		if mErr != nil {
			err = mErr
			break
		}
		raw = append(append(raw, b...), '\n')
	}
	if err == nil {
		if m.compress {
			if enc, encErr := zstd.NewWriter(nil); encErr == nil {
				seg.Raw = enc.EncodeAll(raw, nil)
				enc.Close()
				seg.State = SegmentCompressed
			} else {
				seg.Raw = raw
			}
		} else {
			seg.Raw = raw
		}
	}

	m.segments = append(m.segments, seg)
	sort.Slice(m.segments, func(i, j int) bool { return m.segments[i].ID < m.segments[j].ID })
	m.current = &Segment{ID: uuid.NewString(), State: SegmentOpen, CreatedAt: time.Now().UTC()}
}

// Read yields entries with timestamp in [start, end] (either bound may be
// the zero Value to mean unbounded), up to limit entries (0 means
// unbounded), in timestamp order. It gathers the entries of every retained
// segment and the open segment into one slice; the recent ring is not
// consulted.
func (m *Manager) Read(start, end time.Time, limit int) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	inRange := func(e Entry) bool {
		if !start.IsZero() && e.Timestamp.Before(start) {
			return false
		}
		if !end.IsZero() && e.Timestamp.After(end) {
			return false
		}
		return true
	}

	var all []Entry
	for _, seg := range m.segments {
		all = append(all, seg.Entries...)
	}
	if m.current != nil {
		all = append(all, m.current.Entries...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })

	var out []Entry
	for _, e := range all {
		if !inRange(e) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Checkpoint serializes state to a new checkpoint record, computing its
// SHA-256 over the sorted-key canonical JSON form, and prunes the oldest
// checkpoint when the configured maximum is exceeded.
func (m *Manager) Checkpoint(state map[string]interface{}) (Checkpoint, error) {
	canonical, err := json.Marshal(state) // encoding/json sorts map keys
	if err != nil {
		return Checkpoint{}, common.Wrap(common.CodeInternal, "wal: marshal checkpoint state failed", err)
	}
	sum := sha256.Sum256(canonical)

	cp := Checkpoint{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		State:       state,
		Checksum:    hex.EncodeToString(sum[:]),
		ObjectCount: len(state),
	}

	m.mu.Lock()
	m.checkpoints = append(m.checkpoints, cp)
	sort.Slice(m.checkpoints, func(i, j int) bool { return m.checkpoints[i].Timestamp.Before(m.checkpoints[j].Timestamp) })
	for len(m.checkpoints) > m.maxCheckpoints {
		m.checkpoints = m.checkpoints[1:]
	}
	m.mu.Unlock()

	return cp, nil
}

// Checkpoints returns every retained checkpoint, oldest first.
func (m *Manager) Checkpoints() []Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Checkpoint, len(m.checkpoints))
	copy(out, m.checkpoints)
	return out
}

// LatestCheckpointBefore returns the most recent checkpoint with timestamp
// <= at, or (Checkpoint{}, false) if none exists.
func (m *Manager) LatestCheckpointBefore(at time.Time) (Checkpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Checkpoint
	for i := range m.checkpoints {
		cp := &m.checkpoints[i]
		if cp.Timestamp.After(at) {
			continue
		}
		if best == nil || cp.Timestamp.After(best.Timestamp) {
			best = cp
		}
	}
	if best == nil {
		return Checkpoint{}, false
	}
	return *best, true
}

// Subscribe attaches a consumer of automatic checkpoints, starting the
// background loop if this is the first subscriber. Call the returned
// function to unsubscribe; the loop stops when the last subscriber detaches
// (spec §4.5).
func (m *Manager) Subscribe(ctx context.Context, provider StateProvider) func() {
	m.mu.Lock()
	m.subscribers++
	first := m.subscribers == 1
	if first {
		m.provider = provider
		m.stopLoop = make(chan struct{})
		m.loopWg.Add(1)
		go m.runCheckpointLoop(ctx, m.stopLoop)
	}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.subscribers--
			last := m.subscribers <= 0
			stop := m.stopLoop
			m.mu.Unlock()
			if last && stop != nil {
				close(stop)
				m.loopWg.Wait()
			}
		})
	}
}

func (m *Manager) runCheckpointLoop(ctx context.Context, stop chan struct{}) {
	defer m.loopWg.Done()
	ticker := time.NewTicker(m.checkpointInt)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			provider := m.provider
			m.mu.Unlock()
			if provider != nil {
				_, _ = m.Checkpoint(provider())
			}
		}
	}
}

// RetentionSweep deletes rotated segments older than window, transitioning
// their state to expired first.
func (m *Manager) RetentionSweep(now time.Time, window time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.segments[:0:0]
	removed := 0
	for _, seg := range m.segments {
		if now.Sub(seg.RotatedAt) > window {
			seg.State = SegmentExpired
			removed++
			continue
		}
		kept = append(kept, seg)
	}
	m.segments = kept
	return removed
}

// ErrNoEntry is returned when an entry cannot be found for apply purposes.
var ErrNoEntry = fmt.Errorf("wal: no matching entry")
