// Package testutil provides shared test helpers for Monad Go tests.
package testutil

import (
	"strings"
	"testing"

	"github.com/laluxx/monadc/pkg/ast"
	"github.com/laluxx/monadc/pkg/parser"
)

// MustParseAll parses a whole program, failing the test on any diagnostic.
func MustParseAll(t *testing.T, source string) []ast.Node {
	t.Helper()
	exprs, err := parser.ParseAll(source, "<test>")
	if err != nil {
		t.Fatalf("parse %q: %v", source, err)
	}
	return exprs
}

// ContainsAll asserts that text contains every want substring.
func ContainsAll(t *testing.T, text string, wants ...string) {
	t.Helper()
	for _, want := range wants {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q in:\n%s", want, text)
		}
	}
}
