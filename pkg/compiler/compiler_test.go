package compiler

import (
	"bytes"
	"strings"
	"testing"

	"github.com/laluxx/monadc/pkg/ast"
	"github.com/laluxx/monadc/pkg/parser"
	"github.com/laluxx/monadc/pkg/types"
	"tinygo.org/x/go-llvm"
)

func newTestCompiler(t *testing.T, source string) (*Compiler, *bytes.Buffer) {
	t.Helper()
	c := New("test_module", "test.mon", source)
	var buf bytes.Buffer
	c.SetOutput(&buf)
	t.Cleanup(c.Dispose)
	return c, &buf
}

// compileSource runs the whole pipeline and returns the compiler and its
// progress output. Fails the test on any diagnostic.
func compileSource(t *testing.T, source string) (*Compiler, *bytes.Buffer) {
	t.Helper()
	exprs, err := parser.ParseAll(source, "test.mon")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	c, buf := newTestCompiler(t, source)
	if err := c.CompileProgram(exprs); err != nil {
		t.Fatalf("compile: %v", err)
	}
	return c, buf
}

// compileError runs the pipeline expecting a compile diagnostic.
func compileError(t *testing.T, source string) error {
	t.Helper()
	exprs, err := parser.ParseAll(source, "test.mon")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	c, _ := newTestCompiler(t, source)
	err = c.CompileProgram(exprs)
	if err == nil {
		t.Fatalf("expected compile error for %q", source)
	}
	return err
}

// lowerIn lowers a single expression inside a scratch function and returns
// its value, for type-level assertions.
func lowerIn(t *testing.T, c *Compiler, source string) (Value, error) {
	t.Helper()
	expr, err := parser.ParseOne(source, "test.mon")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	fnType := llvm.FunctionType(c.Context().VoidType(), nil, false)
	fn := llvm.AddFunction(c.Module(), "scratch", fnType)
	bb := c.Context().AddBasicBlock(fn, "entry")
	c.Builder().SetInsertPointAtEnd(bb)
	return c.LowerExpr(expr)
}

func irOf(c *Compiler) string {
	return c.Module().String()
}

func TestCompileShowAddition(t *testing.T) {
	c, buf := compileSource(t, "(show (+ 1 2 3))")
	ir := irOf(c)
	for _, want := range []string{"printf", "fmt_int", "@main"} {
		if !strings.Contains(ir, want) {
			t.Errorf("missing %q in IR:\n%s", want, ir)
		}
	}
	if !strings.Contains(buf.String(), "Compiling 1 expression(s)") {
		t.Errorf("missing compile echo in %q", buf.String())
	}
}

func TestModuleVerifies(t *testing.T) {
	c, _ := compileSource(t, `
(define x 0xFF)
(define [y :: Float] 3)
(define (sq [x :: Int] -> Int) (* x x))
(show (sq 5))
(show (+ y 1))
(show '(a 1 "b"))
(show 0b1010)
`)
	if err := llvm.VerifyModule(c.Module(), llvm.ReturnStatusAction); err != nil {
		t.Fatalf("module verification failed: %v\n%s", err, irOf(c))
	}
}

func TestDefineHexVariable(t *testing.T) {
	c, buf := compileSource(t, "(define x 0xFF) (show x)")

	entry, ok := c.Env().Lookup("x")
	if !ok || entry.Kind != EntryVariable {
		t.Fatal("expected variable x in env")
	}
	if entry.Type.Kind != types.KindHex {
		t.Errorf("expected x :: Hex, got %s", entry.Type)
	}
	if !strings.Contains(buf.String(), "Defined x :: Hex") {
		t.Errorf("missing definition echo in %q", buf.String())
	}
	if !strings.Contains(irOf(c), "0x%lX") {
		t.Errorf("expected hex formatter in IR")
	}
}

func TestDefineAnnotatedFloat(t *testing.T) {
	c, _ := compileSource(t, "(define [y :: Float] 3) (show (+ y 1))")

	entry, ok := c.Env().Lookup("y")
	if !ok || entry.Type.Kind != types.KindFloat {
		t.Fatalf("expected y :: Float, got %v", entry)
	}
	ir := irOf(c)
	if !strings.Contains(ir, "fadd") {
		t.Errorf("expected float addition in IR:\n%s", ir)
	}
	if !strings.Contains(ir, "%g") {
		t.Errorf("expected float formatter in IR")
	}
}

func TestFunctionDefinitionAndCall(t *testing.T) {
	c, buf := compileSource(t, "(define (sq [x :: Int] -> Int) (* x x)) (show (sq 5))")

	entry, ok := c.Env().Lookup("sq")
	if !ok || entry.Kind != EntryFunction {
		t.Fatal("expected function sq in env")
	}
	if entry.ArityMin != 1 || entry.ArityMax != 1 {
		t.Errorf("expected arity 1, got %d..%d", entry.ArityMin, entry.ArityMax)
	}
	if entry.Return.Kind != types.KindInt {
		t.Errorf("expected Int return, got %s", entry.Return)
	}
	if !strings.Contains(buf.String(), "Defined sq :: Fn (x) -> Int") {
		t.Errorf("missing function echo in %q", buf.String())
	}

	ir := irOf(c)
	for _, want := range []string{"define i64 @sq", "mul", "call"} {
		if !strings.Contains(ir, want) {
			t.Errorf("missing %q in IR:\n%s", want, ir)
		}
	}
}

func TestFunctionDocstring(t *testing.T) {
	c, _ := compileSource(t, `(define (sq [x :: Int] -> Int) "squares x" (* x x))`)
	entry, _ := c.Env().Lookup("sq")
	if entry.Doc != "squares x" {
		t.Errorf("docstring lost: %q", entry.Doc)
	}
}

func TestParameterDefaultsToFloat(t *testing.T) {
	c, _ := compileSource(t, "(define (half [x]) (/ x 2))")
	entry, _ := c.Env().Lookup("half")
	if entry.Params[0].Type.Kind != types.KindFloat {
		t.Errorf("expected Float default, got %s", entry.Params[0].Type)
	}
	if entry.Return.Kind != types.KindFloat {
		t.Errorf("expected Float default return, got %s", entry.Return)
	}
}

func TestShowQuoted(t *testing.T) {
	c, buf := compileSource(t, `(show '(a 1 "b"))`)
	if !strings.Contains(buf.String(), `(show (quote (a 1 "b")))`) {
		t.Errorf("missing form echo in %q", buf.String())
	}
	if !strings.Contains(irOf(c), "printf") {
		t.Error("expected printf calls for quoted payload")
	}
}

func TestShowBinaryUsesHelper(t *testing.T) {
	c, _ := compileSource(t, "(show 0b1010) (show 0b1)")
	ir := irOf(c)
	if n := strings.Count(ir, "define i64 @__print_binary"); n != 1 {
		t.Errorf("expected exactly one __print_binary definition, got %d", n)
	}
}

func TestFormatStringsMaterialisedOnce(t *testing.T) {
	c, _ := compileSource(t, "(show 1) (show 2) (show 3)")
	ir := irOf(c)
	if n := strings.Count(ir, "@fmt_int ="); n != 1 {
		t.Errorf("expected one fmt_int global, got %d:\n%s", n, ir)
	}
	if n := strings.Count(ir, "declare i32 @printf"); n != 1 {
		t.Errorf("expected one printf declaration, got %d:\n%s", n, ir)
	}
}

func TestArithmeticTypes(t *testing.T) {
	tests := []struct {
		name string
		expr string
		want types.Kind
	}{
		{"ints stay int", "(+ 1 2)", types.KindInt},
		{"float contaminates", "(+ 1 2.5)", types.KindFloat},
		{"same base preserved", "(+ 0xFF 0x01)", types.KindHex},
		{"bin preserved", "(* 0b10 0b11)", types.KindBin},
		{"oct preserved", "(- 0o7 0o1)", types.KindOct},
		{"char promotes to int", "(+ 'a' 1)", types.KindInt},
		{"hex with int is int", "(+ 0xFF 1)", types.KindInt},
		{"unary minus float", "(- 2.5)", types.KindFloat},
		{"unary minus hex", "(- 0xFF)", types.KindHex},
		{"unary minus int", "(- 5)", types.KindInt},
		{"unary reciprocal int is float", "(/ 4)", types.KindFloat},
		{"unary reciprocal float", "(/ 4.0)", types.KindFloat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCompiler(t, tt.expr)
			v, err := lowerIn(t, c, tt.expr)
			if err != nil {
				t.Fatalf("lower: %v", err)
			}
			if v.Type.Kind != tt.want {
				t.Errorf("expected kind %d, got %s", tt.want, v.Type)
			}
		})
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		message string
	}{
		{"mixed bases", "(+ 0xFF 0b10)", "cannot mix Hex and Bin in arithmetic"},
		{"mixed bases reversed", "(+ 0b10 0o7)", "cannot mix Bin and Oct in arithmetic"},
		{"unbound symbol", "(show y)", "unbound variable: y"},
		{"unknown function", "(f 1)", "unknown function: f"},
		{"variable in call position", "(define x 1) (x 2)", "'x' is a variable, not a function"},
		{"arity too many", "(define (sq [x :: Int] -> Int) (* x x)) (sq 1 2)", "expects 1 arguments, got 2"},
		{"arity too few", "(define (add2 [a] [b]) (+ a b)) (add2 1)", "expects 2 arguments, got 1"},
		{"show arity", "(show 1 2)", "'show' requires at most 1 argument(s), got 2"},
		{"arith arity", "(+)", "'+' requires at least 1 argument(s), got 0"},
		{"define arity", "(define x)", "'define' requires at least 2 argument(s), got 1"},
		{"string arithmetic", `(+ "a" 1)`, "cannot perform arithmetic on type String"},
		{"unknown param type", "(define (f [x :: Quux]) x)", "unknown type 'Quux'"},
		{"unknown return type", "(define (f [x] -> Quux) x)", "unknown return type 'Quux'"},
		{"empty list", "()", "empty list not supported"},
		{"number head", "(1 2 3)", "function call requires a symbol in head position"},
		{"bad define name", "(define 1 2)", "'define' name must be a symbol or type annotation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := compileError(t, tt.source)
			if !strings.Contains(err.Error(), tt.message) {
				t.Errorf("expected %q in error %q", tt.message, err.Error())
			}
		})
	}
}

func TestErrorCarriesPosition(t *testing.T) {
	err := compileError(t, "(show\n  missing)")
	if !strings.Contains(err.Error(), "test.mon:2:3:") {
		t.Errorf("expected span 2:3 in %q", err.Error())
	}
}

func TestDefineVisibilityOrder(t *testing.T) {
	// A defined name is visible to following forms and not before.
	if err := compileError(t, "(show x) (define x 1)"); !strings.Contains(err.Error(), "unbound variable: x") {
		t.Errorf("unexpected error: %v", err)
	}
	compileSource(t, "(define x 1) (show x)")
}

func TestDefineCoercesValue(t *testing.T) {
	c, _ := compileSource(t, "(define [n :: Int] 2.5) (define [f :: Float] 3) (define [ch :: Char] 65)")
	for name, kind := range map[string]types.Kind{
		"n":  types.KindInt,
		"f":  types.KindFloat,
		"ch": types.KindChar,
	} {
		entry, ok := c.Env().Lookup(name)
		if !ok || entry.Type.Kind != kind {
			t.Errorf("%s: expected kind %d, got %v", name, kind, entry)
		}
	}
	ir := irOf(c)
	if !strings.Contains(ir, "alloca") {
		t.Error("expected stack storage in batch mode")
	}
}

func TestDefineStringAndChar(t *testing.T) {
	c, _ := compileSource(t, `(define s "hi") (define ch 'x') (show s) (show ch)`)
	s, _ := c.Env().Lookup("s")
	if s.Type.Kind != types.KindString {
		t.Errorf("expected String, got %s", s.Type)
	}
	ch, _ := c.Env().Lookup("ch")
	if ch.Type.Kind != types.KindChar {
		t.Errorf("expected Char, got %s", ch.Type)
	}
}

func TestParamScopeVanishes(t *testing.T) {
	// Function parameters must not leak into the enclosing environment.
	c, _ := compileSource(t, "(define (sq [n :: Int] -> Int) (* n n))")
	if _, ok := c.Env().Lookup("n"); ok {
		t.Error("parameter n leaked out of the function body frame")
	}
}

func TestBatchBodyCannotCaptureStackBinding(t *testing.T) {
	// Top-level variables live in main's stack frame; a function body
	// cannot capture them in batch mode.
	err := compileError(t, "(define base 10) (define (bump [x :: Int] -> Int) (+ x base))")
	if !strings.Contains(err.Error(), "unbound variable: base") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCallCoercesArguments(t *testing.T) {
	c, _ := compileSource(t, "(define (sq [x :: Int] -> Int) (* x x)) (define y 2.5) (show (sq y))")
	if !strings.Contains(irOf(c), "fptosi") {
		t.Errorf("expected float->int argument coercion:\n%s", irOf(c))
	}
}

func TestReturnCoercion(t *testing.T) {
	// Body is Int arithmetic, declared return Float.
	c, _ := compileSource(t, "(define (f [x :: Int] -> Float) (+ x 1))")
	if !strings.Contains(irOf(c), "sitofp") {
		t.Errorf("expected int->float return coercion:\n%s", irOf(c))
	}
}

func TestEmptyProgram(t *testing.T) {
	c, _ := newTestCompiler(t, "")
	err := c.CompileProgram(nil)
	if err == nil || !strings.Contains(err.Error(), "no expression(s) found") {
		t.Errorf("unexpected: %v", err)
	}
}

func TestBuiltinsRegisteredInteractive(t *testing.T) {
	c := NewInteractive("test_repl")
	defer c.Dispose()
	for _, name := range []string{"+", "-", "*", "/", "show", "quote", "define"} {
		entry, ok := c.Env().Lookup(name)
		if !ok || entry.Kind != EntryBuiltin {
			t.Errorf("builtin %s not registered", name)
		}
	}
	show, _ := c.Env().Lookup("show")
	if show.ArityMin != 1 || show.ArityMax != 1 {
		t.Errorf("show arity: %d..%d", show.ArityMin, show.ArityMax)
	}
}

func TestQuotePrinterMatchesAstPrint(t *testing.T) {
	// The emitted quoted-payload strings must match the static printer so
	// snapshot expectations line up.
	expr, err := parser.ParseOne(`'(foo 1 "x" 'c')`, "test.mon")
	if err != nil {
		t.Fatal(err)
	}
	list := expr.(*ast.List)
	if got := ast.Print(list.Items[1]); got != `(foo 1 "x" 'c')` {
		t.Errorf("ast.Print = %q", got)
	}

	c, _ := compileSource(t, `(show '(foo 1 "x" 'c'))`)
	ir := irOf(c)
	for _, fragment := range []string{"foo", "%g", `\22%s\22`, "'%c'"} {
		if !strings.Contains(ir, fragment) {
			t.Errorf("missing %q in quoted-print IR:\n%s", fragment, ir)
		}
	}
}
