// Package compiler lowers Monad ASTs to LLVM IR and drives the backend
// artifact emission. The same engine serves batch compilation and the
// interactive evaluator; the interactive variant stores definitions in
// module globals so they survive across JIT-compiled wrapper functions.
package compiler

import (
	"fmt"
	"io"
	"os"

	"github.com/laluxx/monadc/pkg/ast"
	"github.com/laluxx/monadc/pkg/diagnostics"
	"github.com/laluxx/monadc/pkg/types"
	"tinygo.org/x/go-llvm"
)

// Value pairs an IR value with its inferred language type.
type Value struct {
	V    llvm.Value
	Type *types.Type
}

// Compiler owns an IR module, a builder, a context and the current
// environment frame for one compilation run.
type Compiler struct {
	ctx     llvm.Context
	module  llvm.Module
	builder llvm.Builder
	env     *Env
	root    *Env

	filename string
	source   string
	out      io.Writer

	// interactive mode: variable storage is module globals with null
	// initialisers instead of stack slots
	interactive bool

	// innermost function-body frame during lambda lowering. In batch mode
	// variables outside it live in another function's stack frame and
	// cannot be captured.
	bodyFrame *Env

	// lazily created per-module plumbing
	printf      llvm.Value
	printfType  llvm.Type
	printBin    llvm.Value
	printBinTy  llvm.Type
	fmtStr      llvm.Value
	fmtChar     llvm.Value
	fmtInt      llvm.Value
	fmtFloat    llvm.Value
	fmtHex      llvm.Value
	fmtOct      llvm.Value
}

// New creates a batch-mode compiler for the given module name. filename and
// source feed diagnostics.
func New(moduleName, filename, source string) *Compiler {
	ctx := llvm.NewContext()
	env := NewEnv(nil)
	return &Compiler{
		ctx:      ctx,
		module:   ctx.NewModule(moduleName),
		builder:  ctx.NewBuilder(),
		env:      env,
		root:     env,
		filename: filename,
		source:   source,
		out:      os.Stdout,
	}
}

// NewInteractive creates a compiler for the REPL: definitions go to module
// globals and the builtins are pre-registered for completion and early
// arity checks.
func NewInteractive(moduleName string) *Compiler {
	c := New(moduleName, "<repl>", "")
	c.interactive = true
	c.RegisterBuiltins()
	return c
}

// SetOutput redirects the compiler's progress output (definition echoes,
// artifact messages).
func (c *Compiler) SetOutput(w io.Writer) { c.out = w }

// Module returns the live IR module.
func (c *Compiler) Module() llvm.Module { return c.module }

// Context returns the IR context.
func (c *Compiler) Context() llvm.Context { return c.ctx }

// Builder returns the instruction builder.
func (c *Compiler) Builder() llvm.Builder { return c.builder }

// Env returns the current environment frame.
func (c *Compiler) Env() *Env { return c.env }

// Source returns the source text diagnostics render against.
func (c *Compiler) Source() string { return c.source }

// Dispose releases the IR resources owned by the compiler.
func (c *Compiler) Dispose() {
	c.builder.Dispose()
	c.module.Dispose()
	c.ctx.Dispose()
}

// DisposeAdopted releases the builder and context only; the module has been
// adopted by an execution engine that frees it on its own disposal.
func (c *Compiler) DisposeAdopted() {
	c.builder.Dispose()
	c.ctx.Dispose()
}

// RegisterBuiltins records the builtin forms with their arity bounds.
func (c *Compiler) RegisterBuiltins() {
	c.env.InsertBuiltin("+", 1, -1)
	c.env.InsertBuiltin("-", 1, -1)
	c.env.InsertBuiltin("*", 1, -1)
	c.env.InsertBuiltin("/", 1, -1)
	c.env.InsertBuiltin("show", 1, 1)
	c.env.InsertBuiltin("quote", 1, 1)
	c.env.InsertBuiltin("define", 2, -1)
}

// PrintEnv writes the environment listing for the root frame.
func (c *Compiler) PrintEnv(w io.Writer) { c.root.Print(w) }

func (c *Compiler) definedPrefix() string {
	if c.interactive {
		return ""
	}
	return "Defined "
}

func spanOf(n ast.Node) *ast.Span {
	sp := n.NodeSpan()
	return &sp
}

// llvmType maps a language type to its IR representation. All integer kinds
// share the 64-bit representation; Char is a byte.
func (c *Compiler) llvmType(t *types.Type) llvm.Type {
	switch t.Kind {
	case types.KindInt, types.KindHex, types.KindBin, types.KindOct:
		return c.ctx.Int64Type()
	case types.KindFloat:
		return c.ctx.DoubleType()
	case types.KindChar:
		return c.ctx.Int8Type()
	case types.KindString:
		return llvm.PointerType(c.ctx.Int8Type(), 0)
	case types.KindBool:
		return c.ctx.Int1Type()
	default:
		return c.ctx.DoubleType()
	}
}

/// Lazily created per-module plumbing

func (c *Compiler) printfFn() (llvm.Type, llvm.Value) {
	if c.printf.IsNil() {
		i8p := llvm.PointerType(c.ctx.Int8Type(), 0)
		c.printfType = llvm.FunctionType(c.ctx.Int32Type(), []llvm.Type{i8p}, true)
		c.printf = llvm.AddFunction(c.module, "printf", c.printfType)
	}
	return c.printfType, c.printf
}

func (c *Compiler) emitPrintf(args ...llvm.Value) {
	fnType, fn := c.printfFn()
	c.builder.CreateCall(fnType, fn, args, "")
}

func (c *Compiler) fmtStrPtr() llvm.Value {
	if c.fmtStr.IsNil() {
		c.fmtStr = c.builder.CreateGlobalStringPtr("%s\n", "fmt_str")
	}
	return c.fmtStr
}

func (c *Compiler) fmtCharPtr() llvm.Value {
	if c.fmtChar.IsNil() {
		c.fmtChar = c.builder.CreateGlobalStringPtr("%c\n", "fmt_char")
	}
	return c.fmtChar
}

func (c *Compiler) fmtIntPtr() llvm.Value {
	if c.fmtInt.IsNil() {
		c.fmtInt = c.builder.CreateGlobalStringPtr("%ld\n", "fmt_int")
	}
	return c.fmtInt
}

func (c *Compiler) fmtFloatPtr() llvm.Value {
	if c.fmtFloat.IsNil() {
		c.fmtFloat = c.builder.CreateGlobalStringPtr("%g\n", "fmt_float")
	}
	return c.fmtFloat
}

func (c *Compiler) fmtHexPtr() llvm.Value {
	if c.fmtHex.IsNil() {
		c.fmtHex = c.builder.CreateGlobalStringPtr("0x%lX\n", "fmt_hex")
	}
	return c.fmtHex
}

func (c *Compiler) fmtOctPtr() llvm.Value {
	if c.fmtOct.IsNil() {
		c.fmtOct = c.builder.CreateGlobalStringPtr("0o%lo\n", "fmt_oct")
	}
	return c.fmtOct
}

// printBinaryFn lazily emits the hand-rolled __print_binary helper: it
// prints a 64-bit value as 0b... with leading zeros suppressed, printing a
// single 0 digit (0b0) for zero input, followed by a newline.
func (c *Compiler) printBinaryFn() (llvm.Type, llvm.Value) {
	if !c.printBin.IsNil() {
		return c.printBinTy, c.printBin
	}

	i32 := c.ctx.Int32Type()
	i64 := c.ctx.Int64Type()
	c.printBinTy = llvm.FunctionType(i64, []llvm.Type{i64}, false)
	fn := llvm.AddFunction(c.module, "__print_binary", c.printBinTy)
	c.printBin = fn

	saved := c.builder.GetInsertBlock()

	entry := c.ctx.AddBasicBlock(fn, "entry")
	c.builder.SetInsertPointAtEnd(entry)

	n := fn.Param(0)

	prefix := c.builder.CreateGlobalStringPtr("0b", "bin_prefix")
	c.emitPrintf(prefix)

	// Walk bit 63 down to 0, printing once the first set bit is seen.
	idxPtr := c.builder.CreateAlloca(i32, "idx")
	c.builder.CreateStore(llvm.ConstInt(i32, 63, false), idxPtr)
	startedPtr := c.builder.CreateAlloca(i32, "started")
	c.builder.CreateStore(llvm.ConstInt(i32, 0, false), startedPtr)

	loopCond := c.ctx.AddBasicBlock(fn, "loop_cond")
	loopBody := c.ctx.AddBasicBlock(fn, "loop_body")
	loopEnd := c.ctx.AddBasicBlock(fn, "loop_end")

	c.builder.CreateBr(loopCond)

	c.builder.SetInsertPointAtEnd(loopCond)
	idxVal := c.builder.CreateLoad(i32, idxPtr, "idx_val")
	cond := c.builder.CreateICmp(llvm.IntSGE, idxVal, llvm.ConstInt(i32, 0, false), "cond")
	c.builder.CreateCondBr(cond, loopBody, loopEnd)

	c.builder.SetInsertPointAtEnd(loopBody)
	idxVal2 := c.builder.CreateLoad(i32, idxPtr, "idx_val2")
	idx64 := c.builder.CreateSExt(idxVal2, i64, "idx64")
	bit := c.builder.CreateLShr(n, idx64, "bit")
	bit1 := c.builder.CreateAnd(bit, llvm.ConstInt(i64, 1, false), "bit1")

	startedVal := c.builder.CreateLoad(i32, startedPtr, "started_val")
	isOne := c.builder.CreateICmp(llvm.IntEQ, bit1, llvm.ConstInt(i64, 1, false), "is_one")
	isStarted := c.builder.CreateICmp(llvm.IntNE, startedVal, llvm.ConstInt(i32, 0, false), "is_started")
	shouldPrint := c.builder.CreateOr(isOne, isStarted, "should_print")

	printBB := c.ctx.AddBasicBlock(fn, "print_bit")
	skipBB := c.ctx.AddBasicBlock(fn, "skip_bit")
	c.builder.CreateCondBr(shouldPrint, printBB, skipBB)

	c.builder.SetInsertPointAtEnd(printBB)
	c.builder.CreateStore(llvm.ConstInt(i32, 1, false), startedPtr)
	fmtLd := c.builder.CreateGlobalStringPtr("%ld", "fmt_ld")
	c.emitPrintf(fmtLd, bit1)
	c.builder.CreateBr(skipBB)

	c.builder.SetInsertPointAtEnd(skipBB)
	idxVal3 := c.builder.CreateLoad(i32, idxPtr, "idx_val3")
	newIdx := c.builder.CreateSub(idxVal3, llvm.ConstInt(i32, 1, false), "new_idx")
	c.builder.CreateStore(newIdx, idxPtr)
	c.builder.CreateBr(loopCond)

	c.builder.SetInsertPointAtEnd(loopEnd)
	startedFinal := c.builder.CreateLoad(i32, startedPtr, "started_final")
	neverStarted := c.builder.CreateICmp(llvm.IntEQ, startedFinal, llvm.ConstInt(i32, 0, false), "never_started")

	zeroBB := c.ctx.AddBasicBlock(fn, "print_zero")
	newlineBB := c.ctx.AddBasicBlock(fn, "print_newline")
	c.builder.CreateCondBr(neverStarted, zeroBB, newlineBB)

	c.builder.SetInsertPointAtEnd(zeroBB)
	zeroStr := c.builder.CreateGlobalStringPtr("0", "zero_str")
	c.emitPrintf(zeroStr)
	c.builder.CreateBr(newlineBB)

	c.builder.SetInsertPointAtEnd(newlineBB)
	nl := c.builder.CreateGlobalStringPtr("\n", "nl")
	c.emitPrintf(nl)
	c.builder.CreateRet(llvm.ConstInt(i64, 0, false))

	if !saved.IsNil() {
		c.builder.SetInsertPointAtEnd(saved)
	}
	return c.printBinTy, c.printBin
}

/// Coercion

// coerce brings a value to the declared type using the fixed conversion
// rules: Float<->Int, truncation to Char, and the Char->wider-integer
// extension path. Kinds sharing the 64-bit integer representation pass
// through untouched.
func (c *Compiler) coerce(v Value, to *types.Type) llvm.Value {
	from := v.Type
	if from.Kind == to.Kind {
		return v.V
	}
	switch {
	case to.Kind == types.KindChar && from.IsFloat():
		return c.builder.CreateFPToSI(v.V, c.ctx.Int8Type(), "tochar")
	case to.Kind == types.KindChar && from.IsInteger():
		return c.builder.CreateTrunc(v.V, c.ctx.Int8Type(), "tochar")
	case to.IsInteger() && from.IsFloat():
		return c.builder.CreateFPToSI(v.V, c.ctx.Int64Type(), "toint")
	case to.IsInteger() && from.Kind == types.KindChar:
		return c.builder.CreateSExt(v.V, c.ctx.Int64Type(), "ext")
	case to.IsFloat() && from.IsInteger():
		wide := v.V
		if from.Kind == types.KindChar {
			wide = c.builder.CreateSExt(v.V, c.ctx.Int64Type(), "ext")
		}
		return c.builder.CreateSIToFP(wide, c.ctx.DoubleType(), "tofloat")
	}
	return v.V
}

// widenToI64 sign-extends a Char operand before integer arithmetic.
func (c *Compiler) widenToI64(v Value) llvm.Value {
	if v.Type.Kind == types.KindChar {
		return c.builder.CreateSExt(v.V, c.ctx.Int64Type(), "ext")
	}
	return v.V
}

// toDouble converts an integer-kinded operand to double, extending Char
// first.
func (c *Compiler) toDouble(v Value) llvm.Value {
	if !v.Type.IsInteger() {
		return v.V
	}
	return c.builder.CreateSIToFP(c.widenToI64(v), c.ctx.DoubleType(), "tofloat")
}

/// Arity

func builtinArity(name string) (min, max int, known bool) {
	switch name {
	case "+", "-", "*", "/":
		return 1, -1, true
	case "show", "quote":
		return 1, 1, true
	case "define":
		return 2, -1, true
	}
	return 0, 0, false
}

func (c *Compiler) checkArity(name string, argc int, span *ast.Span) error {
	min, max := -1, -1
	if entry, ok := c.env.Lookup(name); ok && entry.Kind == EntryBuiltin {
		min, max = entry.ArityMin, entry.ArityMax
	} else if m, x, known := builtinArity(name); known {
		min, max = m, x
	}
	if min >= 0 && argc < min {
		return diagnostics.Newf(diagnostics.EArity, span,
			"'%s' requires at least %d argument(s), got %d", name, min, argc)
	}
	if max >= 0 && argc > max {
		return diagnostics.Newf(diagnostics.EArity, span,
			"'%s' requires at most %d argument(s), got %d", name, max, argc)
	}
	return nil
}

/// Expression lowering

// LowerExpr lowers one expression into the current builder position and
// returns its IR value and inferred type.
func (c *Compiler) LowerExpr(n ast.Node) (Value, error) {
	switch node := n.(type) {
	case *ast.Number:
		t := types.InferLiteral(node.Value, node.Literal)
		if t.IsFloat() {
			return Value{llvm.ConstFloat(c.ctx.DoubleType(), node.Value), t}, nil
		}
		return Value{llvm.ConstInt(c.ctx.Int64Type(), uint64(int64(node.Value)), false), t}, nil

	case *ast.Char:
		return Value{llvm.ConstInt(c.ctx.Int8Type(), uint64(node.Value), false), types.Char()}, nil

	case *ast.String:
		return Value{c.builder.CreateGlobalStringPtr(node.Value, "str"), types.String()}, nil

	case *ast.Symbol:
		entry, ok := c.env.Lookup(node.Name)
		if !ok {
			return Value{}, diagnostics.Newf(diagnostics.EBind, spanOf(node),
				"unbound variable: %s", node.Name)
		}
		if entry.Kind != EntryVariable {
			return Value{}, diagnostics.Newf(diagnostics.EBind, spanOf(node),
				"'%s' is a function, not a variable", node.Name)
		}
		if !c.interactive && c.bodyFrame != nil {
			if _, local := c.bodyFrame.entries[node.Name]; !local {
				// The binding lives in another function's stack frame.
				return Value{}, diagnostics.Newf(diagnostics.EBind, spanOf(node),
					"unbound variable: %s", node.Name)
			}
		}
		load := c.builder.CreateLoad(c.llvmType(entry.Type), entry.Storage, node.Name)
		return Value{load, entry.Type}, nil

	case *ast.Lambda:
		return Value{}, diagnostics.New(diagnostics.ESyntax,
			"lambda must appear as the value of a define", spanOf(node))

	case *ast.List:
		return c.lowerList(node)
	}

	return Value{}, diagnostics.Newf(diagnostics.ESyntax, spanOf(n),
		"cannot compile %s node", n.Kind())
}

func (c *Compiler) lowerList(node *ast.List) (Value, error) {
	if len(node.Items) == 0 {
		return Value{}, diagnostics.New(diagnostics.ESyntax,
			"empty list not supported", spanOf(node))
	}

	head, ok := node.Items[0].(*ast.Symbol)
	if !ok {
		return Value{}, diagnostics.New(diagnostics.EBind,
			"function call requires a symbol in head position", spanOf(node))
	}

	switch head.Name {
	case "define":
		return c.lowerDefine(node)
	case "show":
		return c.lowerShow(node)
	case "quote":
		return c.lowerQuote(node)
	case "+", "-", "*", "/":
		return c.lowerArith(node, head.Name)
	}
	return c.lowerCall(node, head)
}

/// quote

func (c *Compiler) lowerQuote(node *ast.List) (Value, error) {
	if err := c.checkArity("quote", len(node.Items)-1, spanOf(node)); err != nil {
		return Value{}, err
	}
	c.emitQuotePrint(node.Items[1])
	return c.floatZero(), nil
}

// emitQuotePrint emits the structural runtime printer for a quoted payload:
// a printf walk matching ast.Print, followed by a newline.
func (c *Compiler) emitQuotePrint(n ast.Node) {
	c.emitPrintAST(n)
	nl := c.builder.CreateGlobalStringPtr("\n", "nl")
	c.emitPrintf(nl)
}

func (c *Compiler) emitPrintAST(n ast.Node) {
	switch node := n.(type) {
	case *ast.Number:
		fmtG := c.builder.CreateGlobalStringPtr("%g", "fmt_g")
		num := llvm.ConstFloat(c.ctx.DoubleType(), node.Value)
		c.emitPrintf(fmtG, num)
	case *ast.Symbol:
		fmtS := c.builder.CreateGlobalStringPtr("%s", "fmt_s")
		sym := c.builder.CreateGlobalStringPtr(node.Name, "sym")
		c.emitPrintf(fmtS, sym)
	case *ast.String:
		fmtQ := c.builder.CreateGlobalStringPtr("\"%s\"", "fmt_qs")
		str := c.builder.CreateGlobalStringPtr(node.Value, "str")
		c.emitPrintf(fmtQ, str)
	case *ast.Char:
		fmtC := c.builder.CreateGlobalStringPtr("'%c'", "fmt_qc")
		ch := llvm.ConstInt(c.ctx.Int8Type(), uint64(node.Value), false)
		c.emitPrintf(fmtC, ch)
	case *ast.List:
		lp := c.builder.CreateGlobalStringPtr("(", "lp")
		c.emitPrintf(lp)
		for i, item := range node.Items {
			if i > 0 {
				sp := c.builder.CreateGlobalStringPtr(" ", "sp")
				c.emitPrintf(sp)
			}
			c.emitPrintAST(item)
		}
		rp := c.builder.CreateGlobalStringPtr(")", "rp")
		c.emitPrintf(rp)
	default:
		// Lambda and anything else prints as its surface text.
		fmtS := c.builder.CreateGlobalStringPtr("%s", "fmt_s")
		text := c.builder.CreateGlobalStringPtr(ast.Print(n), "quoted")
		c.emitPrintf(fmtS, text)
	}
}

/// show

func (c *Compiler) lowerShow(node *ast.List) (Value, error) {
	if err := c.checkArity("show", len(node.Items)-1, spanOf(node)); err != nil {
		return Value{}, err
	}

	arg := node.Items[1]

	// Quoted payloads print literally.
	if list, ok := arg.(*ast.List); ok && len(list.Items) > 0 {
		if head, ok := list.Items[0].(*ast.Symbol); ok && head.Name == "quote" {
			if err := c.checkArity("quote", len(list.Items)-1, spanOf(list)); err != nil {
				return Value{}, err
			}
			c.emitQuotePrint(list.Items[1])
			return c.floatZero(), nil
		}
	}

	switch a := arg.(type) {
	case *ast.String:
		str := c.builder.CreateGlobalStringPtr(a.Value, "str")
		c.emitPrintf(c.fmtStrPtr(), str)
	case *ast.Char:
		ch := llvm.ConstInt(c.ctx.Int8Type(), uint64(a.Value), false)
		c.emitPrintf(c.fmtCharPtr(), ch)
	default:
		v, err := c.LowerExpr(arg)
		if err != nil {
			return Value{}, err
		}
		c.EmitPrintValue(v)
	}
	return c.floatZero(), nil
}

// EmitPrintValue prints a lowered value per its inferred kind. Hex, Bin and
// Oct get their dedicated formatters; Bin routes through __print_binary.
func (c *Compiler) EmitPrintValue(v Value) {
	switch {
	case v.Type.Kind == types.KindChar:
		c.emitPrintf(c.fmtCharPtr(), v.V)
	case v.Type.Kind == types.KindString:
		c.emitPrintf(c.fmtStrPtr(), v.V)
	case v.Type.Kind == types.KindHex:
		c.emitPrintf(c.fmtHexPtr(), v.V)
	case v.Type.Kind == types.KindBin:
		binTy, binFn := c.printBinaryFn()
		c.builder.CreateCall(binTy, binFn, []llvm.Value{v.V}, "")
	case v.Type.Kind == types.KindOct:
		c.emitPrintf(c.fmtOctPtr(), v.V)
	case v.Type.IsInteger():
		c.emitPrintf(c.fmtIntPtr(), v.V)
	default:
		c.emitPrintf(c.fmtFloatPtr(), v.V)
	}
}

func (c *Compiler) floatZero() Value {
	return Value{llvm.ConstFloat(c.ctx.DoubleType(), 0), types.Float()}
}

/// Arithmetic

func (c *Compiler) lowerArith(node *ast.List, op string) (Value, error) {
	argc := len(node.Items) - 1
	if err := c.checkArity(op, argc, spanOf(node)); err != nil {
		return Value{}, err
	}

	first, err := c.LowerExpr(node.Items[1])
	if err != nil {
		return Value{}, err
	}
	if !first.Type.IsNumeric() {
		return Value{}, diagnostics.Newf(diagnostics.EType, spanOf(node.Items[1]),
			"cannot perform arithmetic on type %s", first.Type)
	}

	// Unary minus negates; unary / takes the reciprocal, promoting
	// integers to float.
	if op == "-" && argc == 1 {
		if first.Type.IsFloat() {
			return Value{c.builder.CreateFNeg(first.V, "negtmp"), first.Type}, nil
		}
		zero := llvm.ConstInt(c.ctx.Int64Type(), 0, false)
		return Value{c.builder.CreateSub(zero, c.widenToI64(first), "negtmp"), first.Type}, nil
	}
	if op == "/" && argc == 1 {
		one := llvm.ConstFloat(c.ctx.DoubleType(), 1)
		if first.Type.IsFloat() {
			return Value{c.builder.CreateFDiv(one, first.V, "invtmp"), first.Type}, nil
		}
		rf := c.toDouble(first)
		return Value{c.builder.CreateFDiv(one, rf, "invtmp"), types.Float()}, nil
	}

	result := first
	for i := 2; i < len(node.Items); i++ {
		rhs, err := c.LowerExpr(node.Items[i])
		if err != nil {
			return Value{}, err
		}
		if !rhs.Type.IsNumeric() {
			return Value{}, diagnostics.Newf(diagnostics.EType, spanOf(node.Items[i]),
				"cannot perform arithmetic on type %s", rhs.Type)
		}
		if result.Type.IsBase() && rhs.Type.IsBase() && result.Type.Kind != rhs.Type.Kind {
			return Value{}, diagnostics.Newf(diagnostics.EType, spanOf(node),
				"cannot mix %s and %s in arithmetic", result.Type, rhs.Type)
		}

		newType, ok := types.Promote(result.Type, rhs.Type)
		if !ok {
			return Value{}, diagnostics.Newf(diagnostics.EType, spanOf(node),
				"cannot mix %s and %s in arithmetic", result.Type, rhs.Type)
		}

		var lv, rv, folded llvm.Value
		if newType.IsFloat() {
			lv = c.toDouble(result)
			rv = c.toDouble(rhs)
			switch op {
			case "+":
				folded = c.builder.CreateFAdd(lv, rv, "addtmp")
			case "-":
				folded = c.builder.CreateFSub(lv, rv, "subtmp")
			case "*":
				folded = c.builder.CreateFMul(lv, rv, "multmp")
			default:
				folded = c.builder.CreateFDiv(lv, rv, "divtmp")
			}
		} else {
			lv = c.widenToI64(result)
			rv = c.widenToI64(rhs)
			switch op {
			case "+":
				folded = c.builder.CreateAdd(lv, rv, "addtmp")
			case "-":
				folded = c.builder.CreateSub(lv, rv, "subtmp")
			case "*":
				folded = c.builder.CreateMul(lv, rv, "multmp")
			default:
				folded = c.builder.CreateSDiv(lv, rv, "divtmp")
			}
		}
		result = Value{folded, newType}
	}
	return result, nil
}

/// define

func (c *Compiler) lowerDefine(node *ast.List) (Value, error) {
	if err := c.checkArity("define", len(node.Items)-1, spanOf(node)); err != nil {
		return Value{}, err
	}

	nameExpr := node.Items[1]
	valueExpr := node.Items[2]

	var name string
	var explicit *types.Type

	switch n := nameExpr.(type) {
	case *ast.Symbol:
		name = n.Name
	case *ast.List:
		explicit = types.ParseAnnotation(n)
		if explicit == nil {
			return Value{}, diagnostics.New(diagnostics.ESyntax,
				"malformed type annotation in 'define'", spanOf(n))
		}
		sym, ok := n.Items[0].(*ast.Symbol)
		if !ok {
			return Value{}, diagnostics.New(diagnostics.ESyntax,
				"'define' name must be a symbol or type annotation", spanOf(n))
		}
		name = sym.Name
	default:
		return Value{}, diagnostics.New(diagnostics.ESyntax,
			"'define' name must be a symbol or type annotation", spanOf(nameExpr))
	}

	if lam, ok := valueExpr.(*ast.Lambda); ok {
		return c.lowerFunctionDefine(name, lam)
	}

	val, err := c.LowerExpr(valueExpr)
	if err != nil {
		return Value{}, err
	}

	inferred := val.Type
	if inferred == nil {
		switch valueExpr.(type) {
		case *ast.Char:
			inferred = types.Char()
		case *ast.String:
			inferred = types.String()
		default:
			inferred = types.Float()
		}
		val.Type = inferred
	}

	final := inferred
	if explicit != nil {
		final = explicit
	}

	storage := c.variableStorage(name, final)
	stored := c.coerce(val, final)
	c.builder.CreateStore(stored, storage)
	c.env.InsertVariable(name, final, storage)

	fmt.Fprintf(c.out, "%s%s :: %s\n", c.definedPrefix(), name, final)
	return Value{stored, final}, nil
}

// variableStorage allocates storage for a variable binding: a stack slot in
// batch mode, a module global with a null initialiser in interactive mode so
// its address survives across wrapper functions.
func (c *Compiler) variableStorage(name string, t *types.Type) llvm.Value {
	if !c.interactive {
		return c.builder.CreateAlloca(c.llvmType(t), name)
	}
	global := c.module.NamedGlobal(name)
	if global.IsNil() {
		lt := c.llvmType(t)
		global = llvm.AddGlobal(c.module, lt, name)
		global.SetInitializer(llvm.ConstNull(lt))
		global.SetLinkage(llvm.ExternalLinkage)
	}
	return global
}

/// Function definition and calls

func (c *Compiler) lowerFunctionDefine(name string, lam *ast.Lambda) (Value, error) {
	paramLLVM := make([]llvm.Type, len(lam.Params))
	params := make([]types.Param, len(lam.Params))
	for i, p := range lam.Params {
		pt := types.Float()
		if p.TypeName != "" {
			pt = types.FromName(p.TypeName)
			if pt == nil {
				return Value{}, diagnostics.Newf(diagnostics.EType, spanOf(lam),
					"unknown type '%s'", p.TypeName)
			}
		}
		paramLLVM[i] = c.llvmType(pt)
		params[i] = types.Param{Name: p.Name, Type: pt}
	}

	ret := types.Float()
	if lam.ReturnType != "" {
		ret = types.FromName(lam.ReturnType)
		if ret == nil {
			return Value{}, diagnostics.Newf(diagnostics.EType, spanOf(lam),
				"unknown return type '%s'", lam.ReturnType)
		}
	}

	fnType := llvm.FunctionType(c.llvmType(ret), paramLLVM, false)
	fn := llvm.AddFunction(c.module, name, fnType)

	entry := c.ctx.AddBasicBlock(fn, "entry")
	saved := c.builder.GetInsertBlock()
	c.builder.SetInsertPointAtEnd(entry)

	outer := c.env
	savedBody := c.bodyFrame
	c.env = outer.Child()
	c.bodyFrame = c.env

	for i, p := range lam.Params {
		pv := fn.Param(i)
		pv.SetName(p.Name)
		alloca := c.builder.CreateAlloca(paramLLVM[i], p.Name)
		c.builder.CreateStore(pv, alloca)
		c.env.InsertVariable(p.Name, params[i].Type.Clone(), alloca)
	}

	body, err := c.LowerExpr(lam.Body)
	if err != nil {
		c.env = outer
		c.bodyFrame = savedBody
		if !saved.IsNil() {
			c.builder.SetInsertPointAtEnd(saved)
		}
		return Value{}, err
	}

	c.builder.CreateRet(c.coerce(body, ret))

	c.env = outer
	c.bodyFrame = savedBody
	if !saved.IsNil() {
		c.builder.SetInsertPointAtEnd(saved)
	}

	c.env.InsertFunction(name, params, ret, fn, fnType, lam.Docstring)

	var sig string
	for i, p := range lam.Params {
		if i > 0 {
			sig += " "
		}
		sig += p.Name
	}
	fmt.Fprintf(c.out, "%s%s :: Fn (%s) -> %s\n", c.definedPrefix(), name, sig, ret)

	return c.floatZero(), nil
}

func (c *Compiler) lowerCall(node *ast.List, head *ast.Symbol) (Value, error) {
	entry, ok := c.env.Lookup(head.Name)
	if ok && entry.Kind == EntryVariable {
		return Value{}, diagnostics.Newf(diagnostics.EBind, spanOf(head),
			"'%s' is a variable, not a function", head.Name)
	}
	if !ok || entry.Kind != EntryFunction {
		return Value{}, diagnostics.Newf(diagnostics.EBind, spanOf(head),
			"unknown function: %s", head.Name)
	}

	argc := len(node.Items) - 1
	if argc != len(entry.Params) {
		return Value{}, diagnostics.Newf(diagnostics.EArity, spanOf(node),
			"function '%s' expects %d arguments, got %d", head.Name, len(entry.Params), argc)
	}

	args := make([]llvm.Value, argc)
	for i := 0; i < argc; i++ {
		av, err := c.LowerExpr(node.Items[i+1])
		if err != nil {
			return Value{}, err
		}
		if entry.Params[i].Type != nil {
			args[i] = c.coerce(av, entry.Params[i].Type)
		} else {
			args[i] = av.V
		}
	}

	call := c.builder.CreateCall(entry.FnType, entry.Fn, args, "calltmp")
	return Value{call, entry.Return}, nil
}

/// Whole-program compilation

// CompileProgram lowers a whole file into a main function returning the last
// expression's value as an i32: integer kinds are truncated, Char is
// sign-extended, Float is converted, and anything else returns 0.
func (c *Compiler) CompileProgram(exprs []ast.Node) error {
	if len(exprs) == 0 {
		span := &ast.Span{File: c.filename, StartLine: 1, StartCol: 1, EndLine: 1, EndCol: 2}
		return diagnostics.New(diagnostics.ESyntax, "no expression(s) found", span)
	}

	fmt.Fprintf(c.out, "Compiling %d expression(s)\n", len(exprs))

	mainType := llvm.FunctionType(c.ctx.Int32Type(), nil, false)
	mainFn := llvm.AddFunction(c.module, "main", mainType)
	entry := c.ctx.AddBasicBlock(mainFn, "entry")
	c.builder.SetInsertPointAtEnd(entry)

	var last Value
	for _, expr := range exprs {
		fmt.Fprintf(c.out, "  %s\n", ast.Print(expr))
		v, err := c.LowerExpr(expr)
		if err != nil {
			return err
		}
		last = v
	}

	i32 := c.ctx.Int32Type()
	var ret llvm.Value
	switch {
	case last.V.IsNil():
		ret = llvm.ConstInt(i32, 0, false)
	case last.Type.Kind == types.KindChar:
		ret = c.builder.CreateSExt(last.V, i32, "result")
	case last.Type.IsInteger():
		ret = c.builder.CreateTrunc(last.V, i32, "result")
	case last.Type.IsFloat():
		ret = c.builder.CreateFPToSI(last.V, i32, "result")
	default:
		ret = llvm.ConstInt(i32, 0, false)
	}
	c.builder.CreateRet(ret)
	return nil
}
