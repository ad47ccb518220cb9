package flows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cncaiprojem/freecad-core/backup"
	"github.com/cncaiprojem/freecad-core/chunkstore"
	"github.com/cncaiprojem/freecad-core/collab"
	"github.com/cncaiprojem/freecad-core/objectstore"
	"github.com/cncaiprojem/freecad-core/wal"
)

type fakeKernel struct {
	recomputeErrs []string
	exportData    []byte
	openErr       error
}

func (f *fakeKernel) Open(ctx context.Context, ref collab.DocumentRef) (collab.Handle, error) {
	if f.openErr != nil {
		return "", f.openErr
	}
	return collab.Handle("h-" + ref.ID), nil
}
func (f *fakeKernel) Recompute(ctx context.Context, h collab.Handle) []string { return f.recomputeErrs }
func (f *fakeKernel) Export(ctx context.Context, h collab.Handle, format string) ([]byte, error) {
	if f.exportData != nil {
		return f.exportData, nil
	}
	return []byte("exported-" + format), nil
}
func (f *fakeKernel) Close(ctx context.Context, h collab.Handle) error { return nil }

type fakeAI struct {
	script string
	err    error
}

func (f fakeAI) Generate(ctx context.Context, req collab.PromptRequest) (collab.PromptResponse, error) {
	if f.err != nil {
		return collab.PromptResponse{}, f.err
	}
	return collab.PromptResponse{Script: f.script, Confidence: 0.95}, nil
}

type fakeSolver struct {
	converged bool
	err       error
}

func (f fakeSolver) Solve(ctx context.Context, req collab.SolveRequest) (collab.SolveResult, error) {
	if f.err != nil {
		return collab.SolveResult{}, f.err
	}
	return collab.SolveResult{Converged: f.converged, Iterations: 5, ResultData: []byte("results")}, nil
}

func newTestDeps(kernel collab.CADKernel, ai collab.AIProvider, solver collab.ExternalSolver) Deps {
	objs := objectstore.NewMemoryStore()
	chunks := chunkstore.New(objs)
	return Deps{
		Kernel:  kernel,
		AI:      ai,
		Solver:  solver,
		Backups: backup.NewEngine(chunks, objs),
		Log:     wal.New(),
	}
}

func collectProgress() (ProgressFunc, *[]int) {
	var seen []int
	return func(pct int) { seen = append(seen, pct) }, &seen
}

func TestRunPromptFlowSucceedsWithCleanScript(t *testing.T) {
	d := newTestDeps(&fakeKernel{}, fakeAI{script: "box = Part.makeBox(10, 10, 10)"}, nil)
	progress, seen := collectProgress()

	result, err := RunPromptFlow(context.Background(), d, PromptRequest{DocumentID: "doc-1", Prompt: "make a cube"}, progress)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Artifacts)
	assert.Equal(t, 100, (*seen)[len(*seen)-1])
}

func TestRunPromptFlowRejectsDangerousScript(t *testing.T) {
	d := newTestDeps(&fakeKernel{}, fakeAI{script: "eval('rm -rf /')"}, nil)
	progress, _ := collectProgress()

	_, err := RunPromptFlow(context.Background(), d, PromptRequest{DocumentID: "doc-2", Prompt: "do something"}, progress)
	assert.Error(t, err)
}

func TestRunPromptFlowRequiresNonEmptyPrompt(t *testing.T) {
	d := newTestDeps(&fakeKernel{}, fakeAI{}, nil)
	progress, _ := collectProgress()
	_, err := RunPromptFlow(context.Background(), d, PromptRequest{DocumentID: "doc-3"}, progress)
	assert.Error(t, err)
}

func TestRunParametricFlowAppliesTemplate(t *testing.T) {
	d := newTestDeps(&fakeKernel{}, nil, nil)
	progress, _ := collectProgress()

	req := ParametricRequest{
		DocumentID: "doc-4", ModelKind: "bracket",
		Dimensions: map[string]float64{"width": 10},
		Templates:  map[string]string{"bracket": "template-script"},
	}
	result, err := RunParametricFlow(context.Background(), d, req, progress)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Artifacts)
}

func TestRunParametricFlowRejectsUnknownKind(t *testing.T) {
	d := newTestDeps(&fakeKernel{}, nil, nil)
	progress, _ := collectProgress()

	req := ParametricRequest{DocumentID: "doc-5", ModelKind: "unknown", Templates: map[string]string{}}
	_, err := RunParametricFlow(context.Background(), d, req, progress)
	assert.Error(t, err)
}

func TestRunUploadFlowDetectsFormatAndConverts(t *testing.T) {
	d := newTestDeps(&fakeKernel{}, nil, nil)
	progress, _ := collectProgress()

	req := UploadRequest{
		DocumentID: "doc-6", Filename: "part.step",
		Fetch: func(ctx context.Context) ([]byte, error) { return []byte("step-bytes"), nil },
	}
	result, err := RunUploadFlow(context.Background(), d, req, progress)
	require.NoError(t, err)
	assert.Equal(t, "STEP", result.Report["detected_format"])
}

func TestRunUploadFlowRejectsUnknownExtension(t *testing.T) {
	d := newTestDeps(&fakeKernel{}, nil, nil)
	progress, _ := collectProgress()

	req := UploadRequest{DocumentID: "doc-7", Filename: "part.xyz"}
	_, err := RunUploadFlow(context.Background(), d, req, progress)
	assert.Error(t, err)
}

func TestRunAssemblyFlowLinksChildren(t *testing.T) {
	d := newTestDeps(&fakeKernel{}, nil, nil)
	progress, _ := collectProgress()

	req := AssemblyRequest{ParentID: "assembly-1", ChildIDs: []string{"child-1", "child-2"}}
	result, err := RunAssemblyFlow(context.Background(), d, req, progress)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Artifacts)
}

func TestRunAssemblyFlowRequiresChildren(t *testing.T) {
	d := newTestDeps(&fakeKernel{}, nil, nil)
	progress, _ := collectProgress()

	_, err := RunAssemblyFlow(context.Background(), d, AssemblyRequest{ParentID: "assembly-2"}, progress)
	assert.Error(t, err)
}

func TestRunFEMFlowRejectsOverCapSubmission(t *testing.T) {
	d := newTestDeps(&fakeKernel{}, nil, fakeSolver{converged: true})
	progress, _ := collectProgress()

	req := FEMRequest{
		DocumentID: "doc-8", Analysis: AnalysisStatic,
		Estimate: ResourceEstimate{Nodes: 10_000_000},
		Caps:     ResourceCaps{MaxNodes: 1000},
	}
	_, err := RunFEMFlow(context.Background(), d, req, progress)
	assert.Error(t, err)
}

func TestRunFEMFlowFailsOnNonConvergence(t *testing.T) {
	d := newTestDeps(&fakeKernel{}, nil, fakeSolver{converged: false})
	progress, _ := collectProgress()

	req := FEMRequest{DocumentID: "doc-9", Analysis: AnalysisModal, Timeout: time.Second}
	_, err := RunFEMFlow(context.Background(), d, req, progress)
	assert.Error(t, err)
}

func TestRunFEMFlowSucceedsOnConvergence(t *testing.T) {
	d := newTestDeps(&fakeKernel{}, nil, fakeSolver{converged: true})
	progress, _ := collectProgress()

	req := FEMRequest{DocumentID: "doc-10", Analysis: AnalysisStatic, Timeout: time.Second}
	result, err := RunFEMFlow(context.Background(), d, req, progress)
	require.NoError(t, err)
	assert.Contains(t, result.Artifacts, "result.dat")
}

func TestRunFEMFlowPropagatesSolverError(t *testing.T) {
	d := newTestDeps(&fakeKernel{}, nil, fakeSolver{err: errors.New("solver crashed")})
	progress, _ := collectProgress()

	req := FEMRequest{DocumentID: "doc-11", Analysis: AnalysisStatic, Timeout: time.Second}
	_, err := RunFEMFlow(context.Background(), d, req, progress)
	assert.Error(t, err)
}
