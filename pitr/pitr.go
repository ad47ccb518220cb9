// Package pitr composes checkpoints and WAL entries to reconstruct any
// historical state: point-in-time recovery. Grounded on the teacher's
// coordinator/phases.go staged-execution idiom, generalized from workflow
// phases to recovery-point selection, replay, and commit.
package pitr

import (
	"sync"
	"time"

	"github.com/cncaiprojem/freecad-core/common"
	"github.com/cncaiprojem/freecad-core/wal"
)

// Mode selects how the recovery target is interpreted.
type Mode string

const (
	ModeExactTime   Mode = "exact_time"
	ModeTransaction Mode = "transaction"
	ModeCheckpoint  Mode = "checkpoint"
	ModeLatest      Mode = "latest"
)

// ConflictPolicy governs how entries are applied against existing state.
type ConflictPolicy string

const (
	PolicyOurs   ConflictPolicy = "ours"
	PolicyTheirs ConflictPolicy = "theirs"
	PolicyMerge  ConflictPolicy = "merge"
	PolicyManual ConflictPolicy = "manual"
)

// Request describes one recovery operation.
type Request struct {
	ID             string
	Mode           Mode
	TargetTime     time.Time
	TransactionID  string
	CheckpointID   string
	Conflict       ConflictPolicy
	DryRun         bool
	VerifyIntegrity bool
}

// Result reports the outcome of a Recover call.
type Result struct {
	RequestID            string
	Success              bool
	RecoveredTimestamp   time.Time
	RecoveredTransaction string
	TransactionsApplied  int
	ObjectsRecovered     int
	ConflictsResolved    int
	Duration             time.Duration
	Errors               []string
}

// Engine performs point-in-time recovery over a WAL manager. An exclusive
// recovery lock ensures at most one recovery proceeds at a time against the
// same live state (spec §4.6).
type Engine struct {
	mu    sync.Mutex
	log   *wal.Manager
	state map[string]map[string]interface{} // object id -> current fields
}

// New constructs an Engine over the given WAL manager.
func New(log *wal.Manager) *Engine {
	return &Engine{log: log, state: make(map[string]map[string]interface{})}
}

// SetState replaces the engine's live state wholesale (e.g. at startup, from
// the last checkpoint).
func (e *Engine) SetState(state map[string]map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
}

// State returns a shallow copy of the live state.
func (e *Engine) State() map[string]map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]map[string]interface{}, len(e.state))
	for k, v := range e.state {
		out[k] = v
	}
	return out
}

// Recover selects a recovery point, replays the WAL window onto it, and
// (unless dry-run) commits the result as the engine's live state.
func (e *Engine) Recover(req Request) Result {
	start := time.Now()
	result := Result{RequestID: req.ID}

	e.mu.Lock()
	defer e.mu.Unlock()

	cp, target, err := e.selectRecoveryPoint(req)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		result.Duration = time.Since(start)
		return result
	}

	base := make(map[string]map[string]interface{})
	baseTime := time.Time{}
	if cp != nil {
		for k, v := range cp.State {
			if m, ok := v.(map[string]interface{}); ok {
				base[k] = m
			}
		}
		baseTime = cp.Timestamp
	}

	entries := e.log.Read(baseTime, target, 0)
	if req.Mode == ModeTransaction && req.TransactionID != "" {
		truncated := entries[:0:0]
		for _, entry := range entries {
			truncated = append(truncated, entry)
			if entry.TransactionID == req.TransactionID {
				break
			}
		}
		entries = truncated
	}

	applied := 0
	recovered := 0
	conflicts := 0
	for _, entry := range entries {
		if !baseTime.IsZero() && !entry.Timestamp.After(baseTime) {
			continue
		}
		switch entry.Kind {
		case "create":
			if _, exists := base[entry.ObjectID]; !exists {
				base[entry.ObjectID] = entry.After
				recovered++
			} else {
				conflicts++
				if req.Conflict == PolicyTheirs || req.Conflict == PolicyMerge {
					base[entry.ObjectID] = entry.After
				}
				// ours: keep existing value, no-op.
			}
		case "update":
			base[entry.ObjectID] = entry.After
			recovered++
		case "delete":
			if _, exists := base[entry.ObjectID]; exists {
				delete(base, entry.ObjectID)
				recovered++
			}
		}
		applied++
		result.RecoveredTransaction = entry.TransactionID
		result.RecoveredTimestamp = entry.Timestamp
	}

	result.TransactionsApplied = applied
	result.ObjectsRecovered = recovered
	result.ConflictsResolved = conflicts
	result.Success = true

	if !req.DryRun {
		e.state = base
	}

	result.Duration = time.Since(start)
	return result
}

// selectRecoveryPoint implements spec §4.6 step 1: locate the base
// checkpoint (nil for an empty start) and the replay window's upper bound.
func (e *Engine) selectRecoveryPoint(req Request) (*wal.Checkpoint, time.Time, error) {
	switch req.Mode {
	case ModeCheckpoint:
		for _, cp := range e.log.Checkpoints() {
			if cp.ID == req.CheckpointID {
				cpCopy := cp
				return &cpCopy, cp.Timestamp, nil
			}
		}
		return nil, time.Time{}, common.New(common.CodeNotFound, "pitr: checkpoint not found")
	case ModeLatest:
		cps := e.log.Checkpoints()
		if len(cps) == 0 {
			return nil, time.Now(), nil
		}
		latest := cps[len(cps)-1]
		return &latest, time.Now(), nil
	case ModeTransaction:
		cps := e.log.Checkpoints()
		var cp *wal.Checkpoint
		if len(cps) > 0 {
			c := cps[len(cps)-1]
			cp = &c
		}
		return cp, time.Now(), nil
	case ModeExactTime:
		fallthrough
	default:
		cp, ok := e.log.LatestCheckpointBefore(req.TargetTime)
		if !ok {
			return nil, req.TargetTime, nil
		}
		return &cp, req.TargetTime, nil
	}
}
