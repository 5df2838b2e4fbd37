// Package repl implements the interactive evaluator: each accepted line is
// lowered into a uniquely named wrapper function appended to a live module
// and invoked through the execution engine. Definitions persist in module
// globals so later lines see them.
package repl

import (
	"fmt"
	"strings"

	"github.com/laluxx/monadc/pkg/ast"
	"github.com/laluxx/monadc/pkg/compiler"
	"github.com/laluxx/monadc/pkg/diagnostics"
	"github.com/laluxx/monadc/pkg/parser"
	"github.com/laluxx/monadc/pkg/types"
	"tinygo.org/x/go-llvm"
)

// Banner is printed when an interactive session starts.
const Banner = "Monad REPL v0.1\nType expressions to evaluate. Use Ctrl-D to exit.\n"

// Prompt is the line-reader prompt.
const Prompt = "monad> "

// LineReader supplies input lines. ok=false signals end of input.
type LineReader func(prompt string) (line string, ok bool)

// Session is a live interactive evaluator.
type Session struct {
	comp   *compiler.Compiler
	engine llvm.ExecutionEngine
	count  uint
}

// NewSession initialises the JIT and a persistent compiler whose definitions
// live in module globals.
func NewSession() (*Session, error) {
	llvm.LinkInMCJIT()
	if err := llvm.InitializeNativeTarget(); err != nil {
		return nil, fmt.Errorf("failed to initialize native target: %w", err)
	}
	if err := llvm.InitializeNativeAsmPrinter(); err != nil {
		return nil, fmt.Errorf("failed to initialize native asm printer: %w", err)
	}

	comp := compiler.NewInteractive("repl_module")

	engine, err := llvm.NewMCJITCompiler(comp.Module(), llvm.NewMCJITCompilerOptions())
	if err != nil {
		comp.Dispose()
		return nil, fmt.Errorf("failed to create execution engine: %w", err)
	}

	return &Session{comp: comp, engine: engine}, nil
}

// Close tears down the execution engine (which owns the module) and the
// remaining IR resources.
func (s *Session) Close() {
	s.engine.Dispose()
	s.comp.DisposeAdopted()
}

// Eval parses one line, compiles it into a fresh void wrapper function in
// the live module, verifies it and invokes it. A wrapper that fails
// verification is deleted so the module stays clean for the next input.
func (s *Session) Eval(line string) error {
	if strings.TrimSpace(line) == "" {
		return nil
	}

	expr, err := parser.ParseOne(line, "<repl>")
	if err != nil {
		return err
	}

	ctx := s.comp.Context()
	builder := s.comp.Builder()

	name := fmt.Sprintf("__repl_expr_%d", s.count)
	fnType := llvm.FunctionType(ctx.VoidType(), nil, false)
	fn := llvm.AddFunction(s.comp.Module(), name, fnType)
	bb := ctx.AddBasicBlock(fn, "entry")
	builder.SetInsertPointAtEnd(bb)

	v, err := s.comp.LowerExpr(expr)
	if err != nil {
		fn.EraseFromParentAsFunction()
		return err
	}

	if shouldPrint(expr) {
		s.comp.EmitPrintValue(v)
	}

	builder.CreateRetVoid()

	if err := llvm.VerifyFunction(fn, llvm.ReturnStatusAction); err != nil {
		fn.EraseFromParentAsFunction()
		return diagnostics.Newf(diagnostics.EBackend, nil, "IR verification failed: %s", err)
	}

	s.engine.RunFunction(fn, nil)
	s.count++
	return nil
}

// shouldPrint reports whether the wrapper gets an extra print of the result:
// define and show produce their own output.
func shouldPrint(expr ast.Node) bool {
	list, ok := expr.(*ast.List)
	if !ok || len(list.Items) == 0 {
		return true
	}
	head, ok := list.Items[0].(*ast.Symbol)
	if !ok {
		return true
	}
	return head.Name != "define" && head.Name != "show"
}

// Complete returns completion candidates for a prefix: environment bindings
// plus the annotation type names.
func (s *Session) Complete(prefix string) []string {
	names := s.comp.Env().Names(prefix)
	for _, kw := range types.Names {
		if strings.HasPrefix(kw, prefix) {
			names = append(names, kw)
		}
	}
	return names
}

// Run drives the read-eval loop until the reader signals end of input.
// Each error is rendered and handed to errw; errors never end the session.
func (s *Session) Run(read LineReader, errw func(string)) {
	for {
		line, ok := read(Prompt)
		if !ok {
			return
		}
		if err := s.Eval(line); err != nil {
			if d, isDiag := err.(*diagnostics.Diagnostic); isDiag {
				errw(d.Render(line))
			} else {
				errw(err.Error())
			}
		}
	}
}
