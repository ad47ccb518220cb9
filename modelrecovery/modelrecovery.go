// Package modelrecovery specializes disaster recovery for CAD documents:
// corruption detection/classification, recovery-plan selection and
// execution, and the auto-recover-on-open gate. Grounded on the teacher's
// coordinator/phases.go staged-execution idiom (repair → rebuild → restore
// → validate, mirroring the teacher's request → process → finalize phases)
// and implements dr.Dispatcher so the DR orchestrator can invoke it for
// repair/rebuild/restore/validate steps.
package modelrecovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cncaiprojem/freecad-core/backup"
	"github.com/cncaiprojem/freecad-core/common"
	"github.com/cncaiprojem/freecad-core/dr"
	"github.com/cncaiprojem/freecad-core/wal"
)

// ValidationLevel controls how thoroughly a document is checked.
type ValidationLevel string

const (
	ValidationBasic       ValidationLevel = "basic"
	ValidationGeometry    ValidationLevel = "geometry"
	ValidationTopology    ValidationLevel = "topology"
	ValidationConstraints ValidationLevel = "constraints"
	ValidationFull        ValidationLevel = "full"
)

// Classification is the corruption category.
type Classification string

const (
	ClassGeometryInvalid    Classification = "geometry_invalid"
	ClassConstraintConflict Classification = "constraint_conflict"
	ClassReferenceMissing   Classification = "reference_missing"
	ClassFileTruncated      Classification = "file_truncated"
	ClassFeatureTreeBroken  Classification = "feature_tree_broken"
)

// Strategy is a named recovery procedure shape.
type Strategy string

const (
	StrategyRestoreBackup   Strategy = "restore_backup"
	StrategyAutoRepair      Strategy = "auto_repair"
	StrategyRebuildFeatures Strategy = "rebuild_features"
	StrategyPartialRecovery Strategy = "partial_recovery"
)

// Validator runs document validation at a given level and returns the raw
// error messages found; CAD-kernel specifics are out of scope here (spec
// §6), so this is a caller-supplied function.
type Validator func(ctx context.Context, documentID string, level ValidationLevel) []string

// Corruption is the result of DetectCorruption.
type Corruption struct {
	DocumentID       string
	Classification   Classification
	Severity         dr.Severity
	Errors           []string
	AffectedFeatures []string
}

// classify maps raw validator error text to a Classification, per spec
// §4.8's substring rules, checked in the order given there.
func classify(errs []string) Classification {
	joined := strings.ToLower(strings.Join(errs, " "))
	switch {
	case strings.Contains(joined, "geometry") || strings.Contains(joined, "shape"):
		return ClassGeometryInvalid
	case strings.Contains(joined, "constraint") || strings.Contains(joined, "conflict"):
		return ClassConstraintConflict
	case strings.Contains(joined, "reference") || strings.Contains(joined, "missing"):
		return ClassReferenceMissing
	case strings.Contains(joined, "file") || strings.Contains(joined, "truncated"):
		return ClassFileTruncated
	default:
		return ClassFeatureTreeBroken
	}
}

func severityFor(class Classification, errCount int) dr.Severity {
	if class == ClassFileTruncated {
		return dr.SeverityCritical
	}
	switch {
	case errCount > 10:
		return dr.SeverityHigh
	case errCount > 5:
		return dr.SeverityMedium
	default:
		return dr.SeverityLow
	}
}

// affectedFeatures extracts candidate feature names: the token following
// the word "feature" (any case), with surrounding quotes, parentheses,
// colons and commas stripped.
func affectedFeatures(errs []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range errs {
		fields := strings.FieldsFunc(e, func(r rune) bool {
			return r == ' ' || r == '\t' || r == '\'' || r == '"' || r == '(' || r == ')' || r == ':' || r == ','
		})
		for i, f := range fields {
			lower := strings.ToLower(f)
			if lower == "feature" && i+1 < len(fields) {
				name := fields[i+1]
				if !seen[name] {
					seen[name] = true
					out = append(out, name)
				}
			}
		}
	}
	return out
}

// Report is returned by every Execute call; AutoRecoverOnOpen returns only
// the resulting success flag.
type Report struct {
	ID                 string
	DocumentID         string
	CorruptionSummary  string
	PlanUsed           Strategy
	Success            bool
	RecoveredFeatures  int
	LostFeatures       int
	ValidationPassed   bool
	Duration           time.Duration
	Errors             []string
	Warnings           []string
}

// Service specializes disaster recovery for CAD documents.
type Service struct {
	mu        sync.Mutex
	validator Validator
	backups   *backup.Engine
	log       *wal.Manager

	// latestValidBackup resolves the most recent valid snapshot for a
	// document; grounded on the backup engine's own chain bookkeeping.
	latestValidBackup func(documentID string) (*backup.Snapshot, bool)
}

// New constructs a Service.
func New(validator Validator, backups *backup.Engine, log *wal.Manager, latestValidBackup func(string) (*backup.Snapshot, bool)) *Service {
	return &Service{validator: validator, backups: backups, log: log, latestValidBackup: latestValidBackup}
}

// DetectCorruption runs the validator at level and classifies the result.
func (s *Service) DetectCorruption(ctx context.Context, documentID string, level ValidationLevel) *Corruption {
	errs := s.validator(ctx, documentID, level)
	class := classify(errs)
	return &Corruption{
		DocumentID:       documentID,
		Classification:   class,
		Severity:         severityFor(class, len(errs)),
		Errors:           errs,
		AffectedFeatures: affectedFeatures(errs),
	}
}

// PlanRecovery assembles the ordered step list for a corruption, picking a
// strategy by classification when none is supplied.
func (s *Service) PlanRecovery(c *Corruption, strategy Strategy) (Strategy, []dr.Step) {
	if strategy == "" {
		strategy = strategyFor(c)
	}

	switch strategy {
	case StrategyRestoreBackup:
		return strategy, []dr.Step{
			{Name: "locate-backup", Action: dr.ActionRestore, Order: 1, Parameters: map[string]string{"document_id": c.DocumentID}},
			{Name: "validate", Action: dr.ActionValidate, Order: 2, Parameters: map[string]string{"document_id": c.DocumentID}},
		}
	case StrategyAutoRepair:
		return strategy, []dr.Step{
			{Name: "geometry-recompute", Action: dr.ActionRepair, Order: 1, Parameters: map[string]string{"document_id": c.DocumentID, "target": "geometry"}},
			{Name: "constraint-solve", Action: dr.ActionRepair, Order: 2, Parameters: map[string]string{"document_id": c.DocumentID, "target": "constraints"}},
			{Name: "validate", Action: dr.ActionValidate, Order: 3, Parameters: map[string]string{"document_id": c.DocumentID}},
		}
	case StrategyRebuildFeatures:
		return strategy, []dr.Step{
			{Name: "analyze-dependencies", Action: dr.ActionRebuild, Order: 1, Parameters: map[string]string{"document_id": c.DocumentID, "phase": "analyze"}},
			{Name: "regenerate-features", Action: dr.ActionRebuild, Order: 2, Parameters: map[string]string{"document_id": c.DocumentID, "phase": "regenerate"}},
			{Name: "reapply-constraints", Action: dr.ActionRebuild, Order: 3, Parameters: map[string]string{"document_id": c.DocumentID, "phase": "constraints"}},
			{Name: "validate", Action: dr.ActionValidate, Order: 4, Parameters: map[string]string{"document_id": c.DocumentID}},
		}
	default: // StrategyPartialRecovery
		return strategy, []dr.Step{
			{Name: "partial-extraction", Action: dr.ActionRepair, Order: 1, Parameters: map[string]string{"document_id": c.DocumentID, "target": "partial"}},
			{Name: "validate", Action: dr.ActionValidate, Order: 2, Parameters: map[string]string{"document_id": c.DocumentID}},
		}
	}
}

func strategyFor(c *Corruption) Strategy {
	if c.Severity == dr.SeverityCritical {
		return StrategyRestoreBackup
	}
	switch c.Classification {
	case ClassGeometryInvalid, ClassConstraintConflict:
		return StrategyAutoRepair
	case ClassFeatureTreeBroken:
		return StrategyRebuildFeatures
	case ClassFileTruncated:
		return StrategyRestoreBackup
	default:
		return StrategyPartialRecovery
	}
}

// Execute runs every step of strategy's plan for a corruption, recording
// each step's error, then runs basic validation once after the last step
// and returns a full report. Steps are not validated one by one beyond the
// plan's own validate step. A corresponding WAL transaction is written so
// subsequent recoveries observe the repair event.
func (s *Service) Execute(ctx context.Context, c *Corruption, strategy Strategy) *Report {
	start := time.Now()
	_, steps := s.PlanRecovery(c, strategy)
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	report := &Report{
		ID: uuid.NewString(), DocumentID: c.DocumentID,
		CorruptionSummary: fmt.Sprintf("%s (%d errors)", c.Classification, len(c.Errors)),
		PlanUsed:          strategy,
	}

	for _, step := range steps {
		if err := s.Dispatch(ctx, step); err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		if step.Action == dr.ActionRebuild || step.Action == dr.ActionRepair {
			report.RecoveredFeatures++
		}
	}

	remaining := s.validator(ctx, c.DocumentID, ValidationBasic)
	report.ValidationPassed = len(remaining) == 0
	report.LostFeatures = len(remaining)
	report.Success = report.ValidationPassed && len(report.Errors) == 0
	report.Duration = time.Since(start)

	if s.log != nil {
		_, _ = s.log.Append(wal.EntrySnapshot, c.DocumentID, map[string]interface{}{
			"report_id": report.ID, "strategy": string(strategy), "success": report.Success,
		}, nil, nil, "", nil)
	}

	return report
}

// AutoRecoverOnOpen runs basic validation; on failure it executes
// auto-repair and returns the resulting success flag.
func (s *Service) AutoRecoverOnOpen(ctx context.Context, documentID string) bool {
	errs := s.validator(ctx, documentID, ValidationBasic)
	if len(errs) == 0 {
		return true
	}
	corruption := &Corruption{DocumentID: documentID, Classification: classify(errs), Errors: errs, AffectedFeatures: affectedFeatures(errs)}
	report := s.Execute(ctx, corruption, StrategyAutoRepair)
	return report.Success
}

// Dispatch implements dr.Dispatcher: repair/rebuild steps are simulated
// in-place fixes that always succeed; restore steps locate the most recent
// valid backup and run the backup engine's Restore on it; validate runs the
// validator. The restored bytes are not written back anywhere, and the WAL
// entries written after the backup are read but not applied.
func (s *Service) Dispatch(ctx context.Context, step dr.Step) error {
	documentID := step.Parameters["document_id"]
	switch step.Action {
	case dr.ActionRepair, dr.ActionRebuild:
		return nil
	case dr.ActionValidate:
		errs := s.validator(ctx, documentID, ValidationBasic)
		if len(errs) > 0 {
			return fmt.Errorf("modelrecovery: validation failed: %s", strings.Join(errs, "; "))
		}
		return nil
	case dr.ActionRestore:
		return s.restoreDocument(ctx, documentID)
	default:
		return fmt.Errorf("modelrecovery: unsupported step action %q", step.Action)
	}
}

func (s *Service) restoreDocument(ctx context.Context, documentID string) error {
	if s.latestValidBackup == nil || s.backups == nil {
		return common.New(common.CodeNotFound, "modelrecovery: no backup source configured")
	}
	snap, ok := s.latestValidBackup(documentID)
	if !ok {
		return common.New(common.CodeNotFound, fmt.Sprintf("modelrecovery: no valid backup for document %s", documentID))
	}
	if _, err := s.backups.Restore(ctx, snap); err != nil {
		return err
	}
	if s.log != nil {
		// Read the WAL entries written after the backup; they are not
		// applied here.
		_ = s.log.Read(snap.CreatedAt, time.Now(), 0)
	}
	return nil
}
