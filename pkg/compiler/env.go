package compiler

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/laluxx/monadc/pkg/types"
	"tinygo.org/x/go-llvm"
)

// EntryKind classifies an environment entry.
type EntryKind int

const (
	EntryVariable EntryKind = iota
	EntryBuiltin
	EntryFunction
)

// Entry is one environment binding. Variables carry a storage handle and a
// declared type; functions carry the IR function handle, its LLVM type, the
// parameter descriptors and the return type. ArityMax of -1 means unbounded.
type Entry struct {
	Name string
	Kind EntryKind

	Type    *types.Type // variable: declared storage type
	Storage llvm.Value  // variable: alloca or module global

	Params  []types.Param // function: formal parameter descriptors
	Return  *types.Type   // function: declared return type
	Fn      llvm.Value    // function: IR handle
	FnType  llvm.Type     // function: IR signature, kept for call emission
	FnModel *types.Type   // function: the Fn type built from Params and Return

	ArityMin int
	ArityMax int
	Doc      string
}

// Signature renders the entry Scheme-style: [x :: Int], [f :: Fn (x y) -> Float],
// or the builtin arity display [+ :: Fn (_ . _)].
func (e *Entry) Signature() string {
	switch e.Kind {
	case EntryVariable:
		return fmt.Sprintf("[%s :: %s]", e.Name, e.Type.String())

	case EntryBuiltin:
		var sig strings.Builder
		if e.ArityMin <= 0 && e.ArityMax == -1 {
			sig.WriteByte('_')
		} else {
			for i := 0; i < e.ArityMin; i++ {
				if i > 0 {
					sig.WriteByte(' ')
				}
				sig.WriteByte('_')
			}
			if e.ArityMax == -1 {
				if e.ArityMin > 0 {
					sig.WriteByte(' ')
				}
				sig.WriteString(". _")
			} else if e.ArityMax > e.ArityMin {
				sig.WriteString(" #:optional")
				for i := e.ArityMin; i < e.ArityMax; i++ {
					sig.WriteString(" _")
				}
			}
		}
		return fmt.Sprintf("[%s :: Fn (%s)]", e.Name, sig.String())

	default: // EntryFunction
		var sig strings.Builder
		for i, p := range e.Params {
			if i > 0 {
				sig.WriteByte(' ')
			}
			if p.Name != "" {
				sig.WriteString(p.Name)
			} else {
				sig.WriteByte('_')
			}
		}
		return fmt.Sprintf("[%s :: Fn (%s) -> %s]", e.Name, sig.String(), e.Return.String())
	}
}

// Env maps names to entries. The REPL uses one persistent Env; batch
// compilation pushes a child frame around each function body so parameter
// bindings vanish on exit. Lookup is innermost-first; inserts replace any
// existing entry in the same frame but never touch a shadowed outer binding.
type Env struct {
	entries map[string]*Entry
	parent  *Env
}

// NewEnv creates a new environment with an optional parent frame.
func NewEnv(parent *Env) *Env {
	return &Env{entries: make(map[string]*Entry), parent: parent}
}

// Child creates a nested frame whose parent is this environment.
func (e *Env) Child() *Env {
	return NewEnv(e)
}

// Lookup finds a binding, traversing outward from the innermost frame.
func (e *Env) Lookup(name string) (*Entry, bool) {
	if entry, ok := e.entries[name]; ok {
		return entry, true
	}
	if e.parent != nil {
		return e.parent.Lookup(name)
	}
	return nil, false
}

// Len reports the number of bindings in this frame only.
func (e *Env) Len() int {
	return len(e.entries)
}

// InsertVariable creates or replaces a variable binding in this frame.
func (e *Env) InsertVariable(name string, typ *types.Type, storage llvm.Value) {
	e.entries[name] = &Entry{
		Name:     name,
		Kind:     EntryVariable,
		Type:     typ,
		Storage:  storage,
		ArityMin: -1,
		ArityMax: -1,
	}
}

// InsertBuiltin creates or replaces a builtin binding. ArityMax of -1 means
// unbounded; a fully unrestricted builtin may also pass -1 for arityMin.
func (e *Env) InsertBuiltin(name string, arityMin, arityMax int) {
	e.entries[name] = &Entry{
		Name:     name,
		Kind:     EntryBuiltin,
		ArityMin: arityMin,
		ArityMax: arityMax,
	}
}

// InsertFunction creates or replaces a user-function binding. Arity is fixed
// at the parameter count.
func (e *Env) InsertFunction(name string, params []types.Param, ret *types.Type, fn llvm.Value, fnType llvm.Type, doc string) {
	e.entries[name] = &Entry{
		Name:     name,
		Kind:     EntryFunction,
		Params:   params,
		Return:   ret,
		Fn:       fn,
		FnType:   fnType,
		FnModel:  types.Fn(params, ret),
		ArityMin: len(params),
		ArityMax: len(params),
		Doc:      doc,
	}
}

// Names returns the binding names in this frame with the given prefix,
// sorted, for completion.
func (e *Env) Names(prefix string) []string {
	var names []string
	for name := range e.entries {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Print writes the env listing for this frame.
func (e *Env) Print(w io.Writer) {
	fmt.Fprintf(w, "Env (%d entries):\n", len(e.entries))
	var names []string
	for name := range e.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		entry := e.entries[name]
		line := "  " + entry.Signature()
		if entry.Doc != "" {
			line += "  ; " + entry.Doc
		}
		fmt.Fprintln(w, line)
	}
}
