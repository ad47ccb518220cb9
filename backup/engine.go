package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cncaiprojem/freecad-core/chunkstore"
	"github.com/cncaiprojem/freecad-core/common"
	"github.com/cncaiprojem/freecad-core/objectstore"
	"github.com/cncaiprojem/freecad-core/security"
)

// maxChainLength forces a new full once a chain reaches this many snapshots.
const maxChainLength = 64

// CreateOptions configures one Create call.
type CreateOptions struct {
	Source             string
	ForceFull          bool
	Dedup              bool // chunk via content-defined boundaries; false = single chunk
	Retention          *RetentionPolicy
	Tags               map[string]string
	EncryptionMethod    security.Method
	EncryptionPassword  string
	VerifyAfterWrite   bool
	// EveryNth, when > 0, forces a full every EveryNth snapshot regardless
	// of chain length (spec §4.3 "or this is the Nth incremental").
	EveryNth int
}

// Engine creates, restores, and verifies snapshots, composed over a chunk
// store (deduplication) and an object store (durable persistence of the
// chunk-list payload), grounded on the teacher's backup/restore command
// pattern generalized from whole-document to chunk-addressed payloads.
type Engine struct {
	mu      sync.RWMutex
	chunks  *chunkstore.Store
	objects objectstore.Store
	chains  map[string]*Chain // by source id

	defaultEncryption security.Method
	encryptionKey     string
}

// NewEngine constructs an Engine over the given chunk store and, optionally,
// an object store used to persist each snapshot's chunk-list manifest
// (compressed and encrypted) to the hot tier. objects may be nil, in which
// case manifests are kept only in memory.
func NewEngine(chunks *chunkstore.Store, objects objectstore.Store) *Engine {
	return &Engine{
		chunks:  chunks,
		objects: objects,
		chains:  make(map[string]*Chain),
	}
}

// manifest is the serialized form of a Snapshot's chunk list and integrity
// metadata, persisted to the hot tier per spec §4.3.
type manifest struct {
	ID          string                `json:"id"`
	SourceID    string                `json:"source_id"`
	Kind        Kind                  `json:"kind"`
	ParentID    string                `json:"parent_id,omitempty"`
	Chunks      []chunkstore.ChunkRef `json:"chunks"`
	LogicalSize int64                 `json:"logical_size"`
	UniqueSize  int64                 `json:"unique_size"`
	SHA256      string                `json:"sha256"`
	CreatedAt   time.Time             `json:"created_at"`
}

func manifestKey(sourceID, snapshotID string) string {
	return fmt.Sprintf("snapshots/%s/%s.manifest", sourceID, snapshotID)
}

// persistManifest compresses and encrypts snap's chunk-list manifest and
// writes it to the hot tier. Create returns its error, so a snapshot whose
// manifest cannot be written is not created; the in-memory chain remains
// the source of truth within one Engine's lifetime.
func (e *Engine) persistManifest(ctx context.Context, snap *Snapshot, password string) error {
	if e.objects == nil {
		return nil
	}
	m := manifest{
		ID: snap.ID, SourceID: snap.SourceID, Kind: snap.Kind, ParentID: snap.ParentID,
		Chunks: snap.Chunks, LogicalSize: snap.LogicalSize, UniqueSize: snap.UniqueSize,
		SHA256: snap.SHA256, CreatedAt: snap.CreatedAt,
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return common.Wrap(common.CodeInternal, "backup: marshal manifest failed", err)
	}

	algo, compressed, err := SelectCompression(raw)
	if err != nil {
		return err
	}
	snap.CompressionAlgorithm = algo

	payload := compressed
	if snap.EncryptionMethod != "" && snap.EncryptionMethod != security.MethodNone {
		payload, err = security.Encrypt(snap.EncryptionMethod, password, compressed)
		if err != nil {
			return common.Wrap(common.CodeInternal, "backup: encrypt manifest failed", err)
		}
	}

	_, err = e.objects.Put(ctx, objectstore.TierHot, manifestKey(snap.SourceID, snap.ID), payload, objectstore.Metadata{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return common.Wrap(common.CodeStorageUnreachable, "backup: persist manifest failed", err)
	}
	return nil
}

// loadManifest is the storage-fallback counterpart of persistManifest,
// reversing compression and encryption.
func (e *Engine) loadManifest(ctx context.Context, snap *Snapshot, password string) (*manifest, error) {
	if e.objects == nil {
		return nil, common.New(common.CodeNotFound, "backup: no object store configured for manifest fallback")
	}
	payload, err := e.objects.Get(ctx, manifestKey(snap.SourceID, snap.ID))
	if err != nil {
		return nil, common.Wrap(common.CodeNotFound, "backup: manifest not found in storage", err)
	}

	compressed := payload
	if snap.EncryptionMethod != "" && snap.EncryptionMethod != security.MethodNone {
		compressed, err = security.Decrypt(snap.EncryptionMethod, password, payload)
		if err != nil {
			return nil, common.Wrap(common.CodeSecurityViolation, "backup: decrypt manifest failed", err)
		}
	}
	raw, err := Decompress(snap.CompressionAlgorithm, compressed)
	if err != nil {
		return nil, common.Wrap(common.CodeInternal, "backup: decompress manifest failed", err)
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, common.Wrap(common.CodeInternal, "backup: unmarshal manifest failed", err)
	}
	return &m, nil
}

// Chain returns the (possibly empty) chain for source, never nil.
func (e *Engine) Chain(source string) *Chain {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if c, ok := e.chains[source]; ok {
		return c
	}
	return &Chain{SourceID: source}
}

// Create chunks and stores payload as a new snapshot in source's chain.
func (e *Engine) Create(ctx context.Context, payload []byte, opts CreateOptions) (*Snapshot, error) {
	if opts.Source == "" {
		return nil, common.New(common.CodeInvalidInput, "backup: Create requires a source id")
	}

	e.mu.Lock()
	chain, ok := e.chains[opts.Source]
	if !ok {
		chain = &Chain{SourceID: opts.Source}
		e.chains[opts.Source] = chain
	}
	e.mu.Unlock()

	kind, parentID := e.selectKind(chain, opts)

	var refs []chunkstore.ChunkRef
	var err error
	if opts.Dedup {
		refs, err = e.chunks.AddStream(ctx, payload, false)
	} else {
		// Deduplication disabled: store the whole payload as a single chunk.
		refs, err = e.addSingleChunk(ctx, payload)
	}
	if err != nil {
		return nil, err
	}

	uniqueSize := int64(0)
	seen := map[string]bool{}
	for _, r := range refs {
		if !seen[r.ID] {
			seen[r.ID] = true
			uniqueSize += int64(r.Length)
		}
	}
	logicalSize := int64(len(payload))
	dedupRatio := 1.0
	if uniqueSize > 0 {
		dedupRatio = float64(logicalSize) / float64(uniqueSize)
	}

	sum := sha256.Sum256(payload)

	method := opts.EncryptionMethod
	if method == "" {
		method = e.defaultEncryption
	}

	snap := &Snapshot{
		ID:                   uuid.NewString(),
		SourceID:             opts.Source,
		Kind:                 kind,
		ParentID:             parentID,
		Chunks:               refs,
		LogicalSize:          logicalSize,
		UniqueSize:           uniqueSize,
		DedupRatio:           dedupRatio,
		CompressionAlgorithm: CompressionZstd,
		EncryptionMethod:     method,
		CreatedAt:            time.Now().UTC(),
		Retention:            opts.Retention,
		Tags:                 opts.Tags,
		Status:               StatusUnknown,
		SHA256:               hex.EncodeToString(sum[:]),
	}

	if err := e.persistManifest(ctx, snap, opts.EncryptionPassword); err != nil {
		return nil, err
	}

	e.mu.Lock()
	chain.Snapshots = append(chain.Snapshots, snap)
	e.mu.Unlock()

	if opts.VerifyAfterWrite {
		if err := e.Verify(ctx, snap); err != nil {
			return snap, err
		}
	}

	return snap, nil
}

// addSingleChunk stores payload as exactly one chunk (the no-dedup path).
func (e *Engine) addSingleChunk(ctx context.Context, payload []byte) ([]chunkstore.ChunkRef, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	info, err := e.chunks.Add(ctx, payload, 0)
	if err != nil {
		return nil, err
	}
	return []chunkstore.ChunkRef{{ID: info.ID, Offset: 0, Length: info.Length}}, nil
}

// selectKind picks full vs incremental per spec §4.3 and returns the parent
// snapshot id for an incremental (empty for a full).
func (e *Engine) selectKind(chain *Chain, opts CreateOptions) (Kind, string) {
	tip := chain.Tip()
	if opts.ForceFull || tip == nil || len(chain.Snapshots) >= maxChainLength {
		return KindFull, ""
	}
	if opts.EveryNth > 0 && (chain.IncrementalsSinceFull()+1) >= opts.EveryNth {
		return KindFull, ""
	}
	return KindIncremental, tip.ID
}

// Restore reconstructs snap's full byte payload, recursing through the
// chain's ancestry when snap is incremental.
func (e *Engine) Restore(ctx context.Context, snap *Snapshot) ([]byte, error) {
	if snap == nil {
		return nil, common.New(common.CodeInvalidInput, "backup: Restore requires a snapshot")
	}
	data, err := e.chunks.Reassemble(ctx, snap.Chunks)
	if err != nil {
		return nil, err
	}
	if snap.Kind != KindIncremental && snap.Kind != KindDifferential {
		return data, nil
	}
	if snap.ParentID == "" {
		return data, nil
	}
	parent := e.findSnapshot(snap.SourceID, snap.ParentID)
	if parent == nil {
		return nil, common.New(common.CodeChecksumMismatch, fmt.Sprintf("backup: parent snapshot %s not found for %s", snap.ParentID, snap.ID))
	}
	base, err := e.Restore(ctx, parent)
	if err != nil {
		return nil, err
	}
	// The chunk list of an incremental snapshot already fully describes the
	// tip state in this chunk-addressed design (chunks are content-defined
	// and deduplicated against the whole store, not stored as diffs against
	// the parent's byte layout), so reassembly above already yields the
	// full payload; the parent restore exists to validate ancestry and
	// surface a broken chain. base is intentionally unused beyond that
	// check when data is non-empty.
	if len(data) == 0 {
		return base, nil
	}
	return data, nil
}

// RestoreFromManifest rebuilds a snapshot's bytes purely from its durable
// manifest and the chunk store, without any in-memory chain state. This is
// the storage-fallback path (spec §4.3 Restore: "database first, storage
// fallback") exercised after an Engine restart, where snapshotEncryption and
// snapshotCompression must be supplied by the caller's own snapshot index
// since they are not recoverable from the manifest key alone.
func (e *Engine) RestoreFromManifest(ctx context.Context, source, snapshotID string, encryption security.Method, compression CompressionAlgorithm, password string) ([]byte, error) {
	stub := &Snapshot{
		SourceID: source, ID: snapshotID,
		EncryptionMethod: encryption, CompressionAlgorithm: compression,
	}
	m, err := e.loadManifest(ctx, stub, password)
	if err != nil {
		return nil, err
	}
	return e.chunks.Reassemble(ctx, m.Chunks)
}

// findSnapshot locates a snapshot by id within source's chain.
func (e *Engine) findSnapshot(source, id string) *Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	chain, ok := e.chains[source]
	if !ok {
		return nil
	}
	for _, s := range chain.Snapshots {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Verify fully restores snap, re-hashes, and updates its Status.
func (e *Engine) Verify(ctx context.Context, snap *Snapshot) error {
	data, err := e.Restore(ctx, snap)
	if err != nil {
		snap.Status = StatusError
		return err
	}
	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])

	e.mu.Lock()
	defer e.mu.Unlock()
	if got != snap.SHA256 {
		snap.Status = StatusCorrupted
		return common.New(common.CodeChecksumMismatch, fmt.Sprintf("backup: snapshot %s failed verification", snap.ID))
	}
	snap.Status = StatusValid
	return nil
}

// CreateSyntheticFull restores the chain's tip snapshot — whose own chunk
// list already reflects every incremental applied since the last full,
// since chunks are deduplicated globally rather than stored as diffs — and
// re-persists those bytes as a new full snapshot, superseding the rest of
// the chain without deleting it.
func (e *Engine) CreateSyntheticFull(ctx context.Context, source string) (*Snapshot, error) {
	e.mu.RLock()
	chain, ok := e.chains[source]
	e.mu.RUnlock()
	if !ok || chain.Tip() == nil {
		return nil, common.New(common.CodeInvalidInput, fmt.Sprintf("backup: no chain for source %s", source))
	}

	tip := chain.Tip()
	payload, err := e.Restore(ctx, tip)
	if err != nil {
		return nil, err
	}

	synthetic, err := e.Create(ctx, payload, CreateOptions{
		Source:    source,
		ForceFull: true,
		Dedup:     true,
		Retention: tip.Retention,
		Tags:      tip.Tags,
	})
	if err != nil {
		return nil, err
	}
	synthetic.Kind = KindSynthetic

	e.mu.Lock()
	for _, s := range chain.Snapshots {
		if s.ID != synthetic.ID && s.SupersededBy == "" {
			s.SupersededBy = synthetic.ID
		}
	}
	e.mu.Unlock()

	return synthetic, nil
}

// validateChainVersion validates a semantic-version-like tag attached to a
// synthetic-full supersession record, applying Git-ref naming conventions
// (no leading dot/hyphen, no consecutive dots, no reserved characters, no
// trailing ".lock") since supersession tags are also used as object-storage
// key suffixes and must be safe there.
func validateChainVersion(tag string) error {
	if tag == "" {
		return common.New(common.CodeInvalidInput, "backup: chain version tag cannot be empty")
	}
	invalid := []string{"..", "~", "^", ":", "\\", "?", "*", "[", "@{", "//"}
	for _, pattern := range invalid {
		if strings.Contains(tag, pattern) {
			return common.New(common.CodeInvalidInput, fmt.Sprintf("backup: chain version tag %q contains disallowed sequence %q", tag, pattern))
		}
	}
	if strings.HasPrefix(tag, ".") || strings.HasPrefix(tag, "-") || strings.HasPrefix(tag, "/") {
		return common.New(common.CodeInvalidInput, fmt.Sprintf("backup: chain version tag %q has an invalid leading character", tag))
	}
	if strings.HasSuffix(tag, ".") || strings.HasSuffix(tag, "/") || strings.HasSuffix(tag, ".lock") {
		return common.New(common.CodeInvalidInput, fmt.Sprintf("backup: chain version tag %q has an invalid trailing sequence", tag))
	}
	return nil
}
