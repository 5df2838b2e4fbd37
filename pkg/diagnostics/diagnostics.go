// Package diagnostics defines Monad diagnostic types for lex/parse/compile errors.
package diagnostics

import (
	"fmt"
	"strings"

	"github.com/laluxx/monadc/pkg/ast"
)

// Diagnostic code constants.
const (
	ELex     = "E_LEX"
	ESyntax  = "E_SYNTAX"
	EBind    = "E_BIND"
	EArity   = "E_ARITY"
	EType    = "E_TYPE"
	EBackend = "E_BACKEND"
)

// Diagnostic represents a fatal compile-phase error. It implements error so
// internal APIs can return it without killing the process.
type Diagnostic struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Span    *ast.Span `json:"span,omitempty"`
}

// New creates a new Diagnostic.
func New(code, message string, span *ast.Span) *Diagnostic {
	return &Diagnostic{Code: code, Message: message, Span: span}
}

// Newf creates a new Diagnostic with a formatted message.
func Newf(code string, span *ast.Span, format string, args ...any) *Diagnostic {
	return &Diagnostic{Code: code, Message: fmt.Sprintf(format, args...), Span: span}
}

// Error renders the one-line form: <file>:<line>:<col>: error: <message>.
func (d *Diagnostic) Error() string {
	if d.Span == nil {
		return "error: " + d.Message
	}
	return fmt.Sprintf("%s:%d:%d: error: %s",
		d.Span.File, d.Span.StartLine, d.Span.StartCol, d.Message)
}

// Render formats the diagnostic with a code frame when source is available:
// the offending line, then a caret line. A caret-tilde range is drawn when
// the span covers more than one column on its start line.
func (d *Diagnostic) Render(source string) string {
	out := d.Error()
	if source == "" || d.Span == nil || d.Span.StartLine < 1 {
		return out
	}
	lines := strings.Split(source, "\n")
	if d.Span.StartLine > len(lines) {
		return out
	}
	srcLine := lines[d.Span.StartLine-1]
	col := d.Span.StartCol
	if col < 1 {
		col = 1
	}
	if col > len(srcLine)+1 {
		col = len(srcLine) + 1
	}

	marker := strings.Repeat(" ", col-1) + "^"
	if d.Span.EndLine == d.Span.StartLine && d.Span.EndCol > col+1 {
		end := d.Span.EndCol
		if end > len(srcLine)+1 {
			end = len(srcLine) + 1
		}
		if end > col+1 {
			marker += strings.Repeat("~", end-col-1)
		}
	}

	return fmt.Sprintf("%s\n  %s\n  %s", out, srcLine, marker)
}

// RenderAll formats a slice of diagnostics.
func RenderAll(diags []*Diagnostic, source string) string {
	parts := make([]string, len(diags))
	for i, d := range diags {
		parts[i] = d.Render(source)
	}
	return strings.Join(parts, "\n\n")
}
