package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatorAllowsCleanScript(t *testing.T) {
	v := DefaultScriptValidator()
	src := "import FreeCAD\nimport Part\nbox = Part.makeBox(10, 10, 10)\n"
	violations := v.Validate(src)
	assert.Empty(t, violations)
}

func TestValidatorRejectsDisallowedImport(t *testing.T) {
	v := DefaultScriptValidator()
	src := "import os\nos.system('rm -rf /')\n"
	violations := v.Validate(src)
	assert.NotEmpty(t, violations)
	found := false
	for _, vi := range violations {
		if vi.Rule == "import_whitelist" && vi.Detail == "os" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidatorRejectsDeniedCall(t *testing.T) {
	v := DefaultScriptValidator()
	src := "import FreeCAD\nresult = eval('1+1')\n"
	violations := v.Validate(src)
	found := false
	for _, vi := range violations {
		if vi.Rule == "call_deny_list" && vi.Detail == "eval" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidatorRejectsDeniedAttribute(t *testing.T) {
	v := DefaultScriptValidator()
	src := "import FreeCAD\nx = obj.__class__.__bases__\n"
	violations := v.Validate(src)
	assert.NotEmpty(t, violations)
}

func TestValidatorRejectsLambda(t *testing.T) {
	v := DefaultScriptValidator()
	src := "import FreeCAD\nf = lambda x: x + 1\n"
	violations := v.Validate(src)
	found := false
	for _, vi := range violations {
		if vi.Rule == "lambda_ban" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidatorEnforcesNodeCap(t *testing.T) {
	v := DefaultScriptValidator()
	v.MaxNodes = 5
	src := "import FreeCAD\na(); b(); c(); d(); e(); f(); g();\n"
	violations := v.Validate(src)
	found := false
	for _, vi := range violations {
		if vi.Rule == "node_count" {
			found = true
		}
	}
	assert.True(t, found)
}
