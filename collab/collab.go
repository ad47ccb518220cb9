// Package collab defines the interface seams to the external collaborators
// this system orchestrates but does not implement: the CAD kernel, AI
// model-generation providers, and external simulation/FEM solvers (spec §6
// Non-goals: kernel internals, model weights, and solver math are out of
// scope). Concrete network clients live outside this module; these
// interfaces exist so the flows package can depend on stable seams and be
// exercised with fakes in tests. Grounded on the teacher's security/Validator and objectstore.Store
// functional-interface idiom.
package collab

import "context"

// DocumentRef identifies a CAD document the kernel operates on.
type DocumentRef struct {
	ID      string
	Version string
}

// CADKernel is the seam to the actual CAD geometry kernel (e.g. FreeCAD's
// own document/feature-tree machinery). Out of scope to implement; callers
// inject a real adapter in production and a fake in tests.
type CADKernel interface {
	// Open loads a document, returning an opaque handle.
	Open(ctx context.Context, ref DocumentRef) (Handle, error)
	// Recompute forces the feature tree to recompute, surfacing any
	// geometry/constraint errors as a non-empty error slice rather than a
	// single error, matching how the kernel reports partial failures.
	Recompute(ctx context.Context, h Handle) []string
	// Export serializes the document to the given format (e.g. "FCStd",
	// "STEP").
	Export(ctx context.Context, h Handle, format string) ([]byte, error)
	// Close releases the handle.
	Close(ctx context.Context, h Handle) error
}

// Handle is an opaque, kernel-assigned reference to an open document.
type Handle string

// PromptRequest is a natural-language-to-model generation request.
type PromptRequest struct {
	Prompt      string
	DocumentRef DocumentRef
	Parameters  map[string]interface{}
}

// PromptResponse is the AI provider's generated result: either a parametric
// script to execute against the kernel, or a direct set of parameters.
type PromptResponse struct {
	Script     string
	Parameters map[string]interface{}
	Confidence float64
}

// AIProvider is the seam to an external model-generation service (e.g. an
// LLM that turns a prompt into a parametric script). Out of scope to
// implement against a real provider here.
type AIProvider interface {
	Generate(ctx context.Context, req PromptRequest) (PromptResponse, error)
}

// SolveRequest describes a simulation/FEM job handed to an external solver.
type SolveRequest struct {
	DocumentRef DocumentRef
	MeshFormat  string
	Mesh        []byte
	Parameters  map[string]interface{}
}

// SolveResult is the outcome of an external solve.
type SolveResult struct {
	Converged  bool
	Iterations int
	ResultData []byte
	Warnings   []string
}

// ExternalSolver is the seam to an external FEM/simulation engine. Out of
// scope to implement the actual numerics here.
type ExternalSolver interface {
	Solve(ctx context.Context, req SolveRequest) (SolveResult, error)
}
