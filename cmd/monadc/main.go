// Command monadc is the Monad compiler and REPL entry point.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/laluxx/monadc/pkg/compiler"
	"github.com/laluxx/monadc/pkg/diagnostics"
	"github.com/laluxx/monadc/pkg/parser"
	"github.com/laluxx/monadc/pkg/repl"
	"tinygo.org/x/go-llvm"
)

const historyFile = ".monad_history"

// Config is the parsed command-line invocation.
type Config struct {
	InputFile  string
	OutputName string
	EmitIR     bool
	EmitBC     bool
	EmitAsm    bool
	EmitObj    bool
	StartREPL  bool
}

func printUsage(prog string) {
	fmt.Fprintf(os.Stderr, "Usage: %s <file.mon> [options]\n", prog)
	fmt.Fprintf(os.Stderr, "       %s repl\n", prog)
	fmt.Fprintln(os.Stderr, "Options:")
	fmt.Fprintln(os.Stderr, "  -o <file>      Output file name (default: input name)")
	fmt.Fprintln(os.Stderr, "  --emit-ir      Emit LLVM IR (.ll)")
	fmt.Fprintln(os.Stderr, "  --emit-bc      Emit LLVM bitcode (.bc)")
	fmt.Fprintln(os.Stderr, "  --emit-asm     Emit assembly (.s)")
	fmt.Fprintln(os.Stderr, "  --emit-obj     Emit object file (.o)")
	fmt.Fprintln(os.Stderr, "Default: emit executable (ELF)")
}

func parseFlags(args []string) (Config, bool) {
	var cfg Config

	if len(args) < 2 {
		printUsage(args[0])
		return cfg, false
	}

	if args[1] == "repl" || args[1] == "--repl" {
		cfg.StartREPL = true
		return cfg, true
	}

	cfg.InputFile = args[1]
	for i := 2; i < len(args); i++ {
		switch args[i] {
		case "--emit-ir":
			cfg.EmitIR = true
		case "--emit-bc":
			cfg.EmitBC = true
		case "--emit-asm":
			cfg.EmitAsm = true
		case "--emit-obj":
			cfg.EmitObj = true
		case "-o":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "-o requires an argument")
				return cfg, false
			}
			i++
			cfg.OutputName = args[i]
		default:
			fmt.Fprintf(os.Stderr, "Unknown flag: %s\n", args[i])
			printUsage(args[0])
			return cfg, false
		}
	}
	return cfg, true
}

// baseExecutableName derives the artifact base name: the input's basename
// minus its final extension.
func baseExecutableName(path string) string {
	base := filepath.Base(path)
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

func main() {
	cfg, ok := parseFlags(os.Args)
	if !ok {
		os.Exit(1)
	}

	if cfg.StartREPL {
		os.Exit(runREPL())
	}

	os.Exit(compile(cfg))
}

func compile(cfg Config) int {
	sourceBytes, err := os.ReadFile(cfg.InputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot open file: %s\n", cfg.InputFile)
		return 1
	}
	source := string(sourceBytes)

	exprs, err := parser.ParseAll(source, cfg.InputFile)
	if err != nil {
		reportError(err, source)
		return 1
	}

	if err := llvm.InitializeNativeTarget(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		return 1
	}
	if err := llvm.InitializeNativeAsmPrinter(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		return 1
	}

	c := compiler.New("monad_module", cfg.InputFile, source)
	defer c.Dispose()

	if err := c.CompileProgram(exprs); err != nil {
		reportError(err, source)
		return 1
	}

	base := cfg.OutputName
	if base == "" {
		base = baseExecutableName(cfg.InputFile)
	}

	arts := compiler.Artifacts{IR: cfg.EmitIR, BC: cfg.EmitBC, Asm: cfg.EmitAsm, Obj: cfg.EmitObj}
	if err := c.Emit(base, arts); err != nil {
		reportError(err, source)
		return 1
	}

	fmt.Println("\nSymbol Table:")
	c.PrintEnv(os.Stdout)
	return 0
}

func reportError(err error, source string) {
	if d, ok := err.(*diagnostics.Diagnostic); ok {
		fmt.Fprintln(os.Stderr, d.Render(source))
		return
	}
	fmt.Fprintln(os.Stderr, err.Error())
}

func runREPL() int {
	session, err := repl.NewSession()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		return 1
	}
	defer session.Close()

	fmt.Print(repl.Banner)
	fmt.Println()

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	ln.SetCompleter(func(line string) []string {
		start := strings.LastIndexAny(line, " ([") + 1
		head, word := line[:start], line[start:]
		var out []string
		for _, cand := range session.Complete(word) {
			out = append(out, head+cand)
		}
		return out
	})

	home, _ := os.UserHomeDir()
	histPath := filepath.Join(home, historyFile)
	if f, err := os.Open(histPath); err == nil {
		_, _ = ln.ReadHistory(f)
		_ = f.Close()
	}
	defer func() {
		if f, err := os.Create(histPath); err == nil {
			_, _ = ln.WriteHistory(f)
			_ = f.Close()
		}
	}()

	session.Run(func(prompt string) (string, bool) {
		line, err := ln.Prompt(prompt)
		if err != nil {
			if err == liner.ErrPromptAborted {
				return "", true
			}
			fmt.Println()
			return "", false
		}
		if strings.TrimSpace(line) != "" {
			ln.AppendHistory(line)
		}
		return line, true
	}, func(msg string) {
		fmt.Fprintln(os.Stderr, msg)
	})

	return 0
}
