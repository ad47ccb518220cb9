package modelrecovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cncaiprojem/freecad-core/backup"
	"github.com/cncaiprojem/freecad-core/chunkstore"
	"github.com/cncaiprojem/freecad-core/dr"
	"github.com/cncaiprojem/freecad-core/objectstore"
	"github.com/cncaiprojem/freecad-core/wal"
)

func alwaysFailsThenPasses(calls *int) Validator {
	return func(ctx context.Context, documentID string, level ValidationLevel) []string {
		*calls++
		if *calls == 1 {
			return []string{"geometry shape invalid in feature 'Pad001'"}
		}
		return nil
	}
}

func TestClassifyGeometryError(t *testing.T) {
	c := classify([]string{"invalid geometry in shape"})
	assert.Equal(t, ClassGeometryInvalid, c)
}

func TestClassifyFileTruncated(t *testing.T) {
	c := classify([]string{"file appears truncated"})
	assert.Equal(t, ClassFileTruncated, c)
}

func TestSeverityCriticalForFileTruncated(t *testing.T) {
	sev := severityFor(ClassFileTruncated, 1)
	assert.Equal(t, dr.SeverityCritical, sev)
}

func TestDetectCorruptionExtractsFeatureNames(t *testing.T) {
	calls := 0
	validator := alwaysFailsThenPasses(&calls)
	svc := New(validator, nil, nil, nil)

	c := svc.DetectCorruption(context.Background(), "doc-1", ValidationFull)
	assert.Equal(t, ClassGeometryInvalid, c.Classification)
	assert.Contains(t, c.AffectedFeatures, "Pad001")
}

func TestPlanRecoveryPicksStrategyByClassification(t *testing.T) {
	svc := New(func(ctx context.Context, documentID string, level ValidationLevel) []string { return nil }, nil, nil, nil)
	c := &Corruption{Classification: ClassGeometryInvalid, Severity: dr.SeverityLow}
	strategy, steps := svc.PlanRecovery(c, "")
	assert.Equal(t, StrategyAutoRepair, strategy)
	assert.NotEmpty(t, steps)
}

func TestExecuteSucceedsWhenValidationPasses(t *testing.T) {
	calls := 0
	validator := alwaysFailsThenPasses(&calls)
	log := wal.New()
	svc := New(validator, nil, log, nil)

	c := &Corruption{DocumentID: "doc-2", Classification: ClassGeometryInvalid, Severity: dr.SeverityLow, Errors: []string{"geometry invalid"}}
	report := svc.Execute(context.Background(), c, StrategyAutoRepair)
	assert.True(t, report.ValidationPassed)
	assert.True(t, report.Success)
}

func TestAutoRecoverOnOpenReturnsTrueWhenClean(t *testing.T) {
	svc := New(func(ctx context.Context, documentID string, level ValidationLevel) []string { return nil }, nil, nil, nil)
	ok := svc.AutoRecoverOnOpen(context.Background(), "doc-3")
	assert.True(t, ok)
}

func TestDispatchRestoreUsesLatestValidBackup(t *testing.T) {
	ctx := context.Background()
	objs := objectstore.NewMemoryStore()
	chunks := chunkstore.New(objs)
	engine := backup.NewEngine(chunks, objs)

	snap, err := engine.Create(ctx, []byte("restored content"), backup.CreateOptions{Source: "doc-4", Dedup: true})
	require.NoError(t, err)

	svc := New(func(ctx context.Context, documentID string, level ValidationLevel) []string { return nil }, engine, wal.New(),
		func(documentID string) (*backup.Snapshot, bool) { return snap, true })

	err = svc.Dispatch(ctx, dr.Step{Action: dr.ActionRestore, Parameters: map[string]string{"document_id": "doc-4"}})
	require.NoError(t, err)
}

func TestDispatchRestoreFailsWithNoBackup(t *testing.T) {
	svc := New(func(ctx context.Context, documentID string, level ValidationLevel) []string { return nil }, nil, nil, nil)
	err := svc.Dispatch(context.Background(), dr.Step{Action: dr.ActionRestore, Parameters: map[string]string{"document_id": "doc-5"}})
	assert.Error(t, err)
}
