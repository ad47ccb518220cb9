package security

import (
	"fmt"
	"strings"
)

// ScriptValidator enforces the same policy the source's Python AST walker
// applies to AI-generated scripts before they reach the CAD kernel: an
// import whitelist, a call deny-list, an attribute deny-list, a depth cap,
// a node-count cap, and a ban on lambda expressions. The scripts themselves
// remain Python text (the CAD kernel that executes them is out of scope),
// so rather than parsing the source this walks the flat token list
// produced by tokenize — good enough to catch the denied constructs
// without embedding a full Python grammar.
type ScriptValidator struct {
	ImportWhitelist map[string]bool
	CallDenyList    map[string]bool
	AttrDenyList    map[string]bool
	MaxDepth        int
	MaxNodes        int
	DenyLambda      bool
}

// DefaultScriptValidator returns the validator configured with the policy
// named in spec §9: FreeCAD/geometry-safe imports only, no os/sys/subprocess
// calls, no dunder-attribute access, bounded recursion and script size.
func DefaultScriptValidator() *ScriptValidator {
	return &ScriptValidator{
		ImportWhitelist: map[string]bool{
			"FreeCAD": true, "Part": true, "Sketcher": true, "Draft": true,
			"math": true, "numpy": true,
		},
		CallDenyList: map[string]bool{
			"eval": true, "exec": true, "compile": true, "__import__": true,
			"open": true, "input": true, "system": true, "popen": true,
			"getattr": true, "setattr": true, "delattr": true,
		},
		AttrDenyList: map[string]bool{
			"__class__": true, "__bases__": true, "__subclasses__": true,
			"__globals__": true, "__builtins__": true, "__dict__": true,
		},
		MaxDepth:   40,
		MaxNodes:   20000,
		DenyLambda: true,
	}
}

// Violation describes one policy breach found in a script.
type Violation struct {
	Rule    string
	Detail  string
}

// Validate tokenizes and walks src, returning every violation found. An
// empty result means the script passed. Validate never executes the
// script; it only inspects it.
func (v *ScriptValidator) Validate(src string) []Violation {
	var violations []Violation

	if len(src) == 0 {
		return violations
	}

	nodes := tokenize(src)
	if len(nodes) > v.MaxNodes {
		violations = append(violations, Violation{Rule: "node_count", Detail: fmt.Sprintf("script has %d tokens, max %d", len(nodes), v.MaxNodes)})
	}

	depth := 0
	maxDepthSeen := 0
	for _, n := range nodes {
		switch n.kind {
		case tokenOpen:
			depth++
			if depth > maxDepthSeen {
				maxDepthSeen = depth
			}
		case tokenClose:
			if depth > 0 {
				depth--
			}
		case tokenImport:
			if !v.ImportWhitelist[n.text] {
				violations = append(violations, Violation{Rule: "import_whitelist", Detail: n.text})
			}
		case tokenCall:
			if v.CallDenyList[n.text] {
				violations = append(violations, Violation{Rule: "call_deny_list", Detail: n.text})
			}
		case tokenAttr:
			if v.AttrDenyList[n.text] {
				violations = append(violations, Violation{Rule: "attribute_deny_list", Detail: n.text})
			}
		case tokenLambda:
			if v.DenyLambda {
				violations = append(violations, Violation{Rule: "lambda_ban", Detail: "lambda expression"})
			}
		}
	}

	if maxDepthSeen > v.MaxDepth {
		violations = append(violations, Violation{Rule: "depth_cap", Detail: fmt.Sprintf("nesting depth %d exceeds %d", maxDepthSeen, v.MaxDepth)})
	}

	return violations
}

type tokenKind int

const (
	tokenOther tokenKind = iota
	tokenOpen
	tokenClose
	tokenImport
	tokenCall
	tokenAttr
	tokenLambda
)

type token struct {
	kind tokenKind
	text string
}

// tokenize performs a shallow lexical scan sufficient to find the
// constructs the policy cares about: import statements, call expressions
// (`name(`), attribute access (`.name`), lambda expressions, and bracket
// nesting depth. It is deliberately not a full parser.
func tokenize(src string) []token {
	var out []token
	lines := strings.Split(src, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import "):
			name := strings.TrimSpace(strings.TrimPrefix(trimmed, "import "))
			name = strings.SplitN(name, " ", 2)[0]
			name = strings.SplitN(name, ".", 2)[0]
			out = append(out, token{kind: tokenImport, text: name})
		case strings.HasPrefix(trimmed, "from "):
			rest := strings.TrimPrefix(trimmed, "from ")
			name := strings.SplitN(rest, " ", 2)[0]
			name = strings.SplitN(name, ".", 2)[0]
			out = append(out, token{kind: tokenImport, text: name})
		}
		if strings.Contains(trimmed, "lambda ") || strings.Contains(trimmed, "lambda:") {
			out = append(out, token{kind: tokenLambda})
		}
		for _, r := range line {
			switch r {
			case '(', '[', '{':
				out = append(out, token{kind: tokenOpen})
			case ')', ']', '}':
				out = append(out, token{kind: tokenClose})
			}
		}
		for _, word := range splitIdentifierCandidates(trimmed) {
			if strings.HasSuffix(word, "(") {
				callee := strings.TrimSuffix(word, "(")
				parts := strings.Split(callee, ".")
				name := parts[len(parts)-1]
				if isIdentifier(name) {
					out = append(out, token{kind: tokenCall, text: name})
				}
				for _, attr := range parts[:len(parts)-1] {
					if isIdentifier(attr) {
						out = append(out, token{kind: tokenAttr, text: attr})
					}
				}
				continue
			}
			if strings.Contains(word, ".") {
				parts := strings.Split(word, ".")
				for _, attr := range parts[1:] {
					if isIdentifier(attr) {
						out = append(out, token{kind: tokenAttr, text: attr})
					}
				}
			}
		}
	}
	return out
}

func splitIdentifierCandidates(line string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range line {
		switch {
		case r == '(' :
			cur.WriteRune(r)
			flush()
		case r == '.' || isIdentRune(r):
			cur.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return words
}

func isIdentRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if i == 0 && r >= '0' && r <= '9' {
			return false
		}
		if !isIdentRune(r) {
			return false
		}
	}
	return true
}
