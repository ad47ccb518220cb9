// Package tier owns the age-driven movement of backup data between storage
// tiers and the retirement of data whose retention policy has expired.
// Grounded on the teacher's storage/s3aws.go tier-aware key layout, composed
// here into a periodic sweep over a chunk store and an object store.
package tier

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cncaiprojem/freecad-core/backup"
	"github.com/cncaiprojem/freecad-core/chunkstore"
	"github.com/cncaiprojem/freecad-core/objectstore"
)

// Rule is one entry of the ordered transition list.
type Rule struct {
	From      objectstore.Tier
	To        objectstore.Tier
	AfterDays int
	Predicate func(*backup.Snapshot) bool // optional; nil means always eligible
	Enabled   bool
}

// DefaultRules returns the spec §4.4 defaults: hot→warm@7d, warm→cold@30d,
// cold→glacier@90d.
func DefaultRules() []Rule {
	return []Rule{
		{From: objectstore.TierHot, To: objectstore.TierWarm, AfterDays: 7, Enabled: true},
		{From: objectstore.TierWarm, To: objectstore.TierCold, AfterDays: 30, Enabled: true},
		{From: objectstore.TierCold, To: objectstore.TierGlacier, AfterDays: 90, Enabled: true},
	}
}

// record is the tier manager's bookkeeping for one live snapshot.
type record struct {
	snapshot *backup.Snapshot
	tier     objectstore.Tier
}

// SweepResult reports what one Apply() pass did.
type SweepResult struct {
	Transitioned int
	Expired      int
	Errors       []error
}

// Manager tracks live snapshots and periodically transitions and expires
// them. Mutations to the tracked set are serialized by a single mutex,
// mirroring the chunk store's lock discipline (spec §5).
type Manager struct {
	mu      sync.Mutex
	rules   []Rule
	records map[string]*record // by snapshot id

	objects objectstore.Store
	chunks  *chunkstore.Store
}

// New constructs a Manager with the default transition rules.
func New(objects objectstore.Store, chunks *chunkstore.Store) *Manager {
	return &Manager{
		rules:   DefaultRules(),
		records: make(map[string]*record),
		objects: objects,
		chunks:  chunks,
	}
}

// SetRules replaces the transition rule list.
func (m *Manager) SetRules(rules []Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = rules
}

// Track registers snap as live, initially in the hot tier.
func (m *Manager) Track(snap *backup.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[snap.ID] = &record{snapshot: snap, tier: objectstore.TierHot}
}

// TierOf returns the current tier of a tracked snapshot.
func (m *Manager) TierOf(snapshotID string) (objectstore.Tier, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[snapshotID]
	if !ok {
		return 0, false
	}
	return r.tier, true
}

// Apply runs one sweep: every transition of the pass is applied before any
// deletion, so a snapshot that is both due to move and expired is moved one
// tier and then deleted in the same pass. The sweep is idempotent and safe
// to interrupt.
func (m *Manager) Apply(ctx context.Context, now time.Time) SweepResult {
	var result SweepResult

	m.mu.Lock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	m.mu.Unlock()

	for _, id := range ids {
		m.mu.Lock()
		rec, ok := m.records[id]
		m.mu.Unlock()
		if !ok {
			continue
		}
		if m.transitionOne(ctx, rec, now) {
			result.Transitioned++
		}
	}

	for _, id := range ids {
		m.mu.Lock()
		rec, ok := m.records[id]
		m.mu.Unlock()
		if !ok {
			continue
		}
		expired, err := m.expireOne(ctx, rec, now)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		if expired {
			result.Expired++
		}
	}

	return result
}

func (m *Manager) transitionOne(ctx context.Context, rec *record, now time.Time) bool {
	age := now.Sub(rec.snapshot.CreatedAt)
	for _, rule := range m.rules {
		if !rule.Enabled || rule.From != rec.tier {
			continue
		}
		if age < time.Duration(rule.AfterDays)*24*time.Hour {
			continue
		}
		if rule.Predicate != nil && !rule.Predicate(rec.snapshot) {
			continue
		}
		key := manifestKeyFor(rec.snapshot)
		if m.objects != nil {
			if err := m.objects.MoveTier(ctx, key, rule.From, rule.To); err != nil {
				return false
			}
		}
		m.mu.Lock()
		rec.tier = rule.To
		m.mu.Unlock()
		return true
	}
	return false
}

func (m *Manager) expireOne(ctx context.Context, rec *record, now time.Time) (bool, error) {
	policy := rec.snapshot.Retention
	if policy == nil {
		return false, nil
	}
	eligible := false
	switch policy.Kind {
	case backup.RetentionTimeBased, backup.RetentionLegalHold:
		eligible = policy.CanDelete(now, rec.snapshot.CreatedAt)
	case backup.RetentionCompliance:
		eligible = false
	case backup.RetentionVersionBased:
		eligible = m.versionBasedExpired(rec, policy)
	}
	if !eligible {
		return false, nil
	}

	for _, ref := range rec.snapshot.Chunks {
		if err := m.chunks.Remove(ctx, ref.ID); err != nil {
			return false, err
		}
	}
	if m.objects != nil {
		if err := m.objects.Delete(ctx, manifestKeyFor(rec.snapshot)); err != nil {
			return false, err
		}
	}
	m.mu.Lock()
	delete(m.records, rec.snapshot.ID)
	m.mu.Unlock()
	return true, nil
}

// versionBasedExpired reports whether rec falls outside the last
// KeepVersions snapshots for its source among currently tracked snapshots.
func (m *Manager) versionBasedExpired(rec *record, policy *backup.RetentionPolicy) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sameSource []*record
	for _, other := range m.records {
		if other.snapshot.SourceID == rec.snapshot.SourceID {
			sameSource = append(sameSource, other)
		}
	}
	sort.Slice(sameSource, func(i, j int) bool {
		return sameSource[i].snapshot.CreatedAt.After(sameSource[j].snapshot.CreatedAt)
	})
	for i, other := range sameSource {
		if other.snapshot.ID == rec.snapshot.ID {
			return i >= policy.KeepVersions
		}
	}
	return false
}

func manifestKeyFor(snap *backup.Snapshot) string {
	return "snapshots/" + snap.SourceID + "/" + snap.ID + ".manifest"
}
