// Package backup implements the chunked, deduplicating, incremental backup
// engine: snapshot creation, restore, verification, and synthetic-full
// compaction, composed over chunkstore and objectstore.
package backup

import (
	"time"

	"github.com/cncaiprojem/freecad-core/chunkstore"
	"github.com/cncaiprojem/freecad-core/security"
)

// Kind is the snapshot variant.
type Kind string

const (
	KindFull        Kind = "full"
	KindIncremental Kind = "incremental"
	KindDifferential Kind = "differential"
	KindSynthetic   Kind = "synthetic"
)

// Status is the outcome of the last Verify.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusValid     Status = "valid"
	StatusCorrupted Status = "corrupted"
	StatusError     Status = "error"
)

// CompressionAlgorithm selects the chunk-list payload compressor.
type CompressionAlgorithm string

const (
	CompressionNone CompressionAlgorithm = "none"
	CompressionZstd CompressionAlgorithm = "zstd"
	CompressionGzip CompressionAlgorithm = "gzip"
	CompressionLZMA CompressionAlgorithm = "lzma"
)

// RetentionKind discriminates retention-policy variants; modeled as a
// tagged-variant record per spec §9 rather than relying on duck typing.
type RetentionKind string

const (
	RetentionTimeBased    RetentionKind = "time_based"
	RetentionVersionBased RetentionKind = "version_based"
	RetentionLegalHold    RetentionKind = "legal_hold"
	RetentionCompliance   RetentionKind = "compliance"
)

// RetentionPolicy is a named rule attached to snapshots. Compliance-mode
// policies are immutable once applied: retention may only be extended,
// never shortened (spec §9 Open Question — made a hard invariant here,
// enforced by CanShorten and CanDelete below rather than left as an
// unenforced convention).
type RetentionPolicy struct {
	Name string
	Kind RetentionKind

	RetentionDays int       // time_based
	KeepVersions  int       // version_based
	HoldUntil     time.Time // legal_hold
	Compliance    bool      // true once a compliance policy has been applied

	createdAt time.Time
}

// NewRetentionPolicy constructs a policy record at the current instant.
func NewRetentionPolicy(name string, kind RetentionKind) *RetentionPolicy {
	return &RetentionPolicy{Name: name, Kind: kind, Compliance: kind == RetentionCompliance, createdAt: time.Now().UTC()}
}

// CanShorten reports whether retentionDays may be decreased on this policy.
// Compliance-mode policies can never be shortened once applied.
func (p *RetentionPolicy) CanShorten(newDays int) bool {
	if p.Compliance {
		return newDays >= p.RetentionDays
	}
	return true
}

// CanDelete reports whether a snapshot under this policy may be deleted
// given the current time and its creation time.
func (p *RetentionPolicy) CanDelete(now, createdAt time.Time) bool {
	switch p.Kind {
	case RetentionTimeBased:
		return now.Sub(createdAt) > time.Duration(p.RetentionDays)*24*time.Hour
	case RetentionLegalHold:
		return now.After(p.HoldUntil)
	case RetentionCompliance:
		return false
	case RetentionVersionBased:
		// Version-based expiration is evaluated by the caller (tier
		// manager) against the full chain, not a single snapshot's age.
		return false
	default:
		return false
	}
}

// Snapshot is a point-in-time view of one logical source.
type Snapshot struct {
	ID       string
	SourceID string
	Kind     Kind
	ParentID string // empty for full snapshots

	Chunks      []chunkstore.ChunkRef
	LogicalSize int64
	UniqueSize  int64
	DedupRatio  float64

	CompressionAlgorithm CompressionAlgorithm
	EncryptionMethod     security.Method

	CreatedAt time.Time
	Retention *RetentionPolicy
	Tags      map[string]string

	Status Status
	SHA256 string

	// SupersededBy records the synthetic full that replaces this
	// snapshot's chain position, if any. The original chain is kept,
	// not deleted (spec §4.3 CreateSyntheticFull "supersedes but does
	// not delete").
	SupersededBy string
}

// Chain is the ordered sequence of snapshots for one source, earliest full
// first through the current tip.
type Chain struct {
	SourceID  string
	Snapshots []*Snapshot
}

// Tip returns the chain's most recent snapshot, or nil if empty.
func (c *Chain) Tip() *Snapshot {
	if len(c.Snapshots) == 0 {
		return nil
	}
	return c.Snapshots[len(c.Snapshots)-1]
}

// IncrementalsSinceFull counts incrementals since the most recent full.
func (c *Chain) IncrementalsSinceFull() int {
	count := 0
	for i := len(c.Snapshots) - 1; i >= 0; i-- {
		if c.Snapshots[i].Kind == KindFull || c.Snapshots[i].Kind == KindSynthetic {
			break
		}
		count++
	}
	return count
}
