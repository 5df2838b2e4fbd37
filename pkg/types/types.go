// Package types implements the Monad type model: the closed kind set,
// function parameter descriptors, literal- and annotation-driven inference,
// and the arithmetic promotion rules.
package types

import (
	"strings"

	"github.com/laluxx/monadc/pkg/ast"
)

// Kind enumerates the value kinds of the language.
type Kind int

const (
	KindInt Kind = iota
	KindFloat
	KindChar
	KindString
	KindBool
	KindHex
	KindBin
	KindOct
	KindFn
	KindUnknown
)

// Param is a single function parameter descriptor, shared between builtins
// and user functions. A nil Type denotes a polymorphic placeholder.
type Param struct {
	Name     string
	Type     *Type
	Optional bool
	Rest     bool
}

// Type is a tagged variant over the kind set. Fn types carry parameter
// descriptors and a return type (nil = unknown/polymorphic).
type Type struct {
	Kind   Kind
	Params []Param
	Return *Type
}

// Simple constructors.

func Int() *Type    { return &Type{Kind: KindInt} }
func Float() *Type  { return &Type{Kind: KindFloat} }
func Char() *Type   { return &Type{Kind: KindChar} }
func String() *Type { return &Type{Kind: KindString} }
func Bool() *Type   { return &Type{Kind: KindBool} }
func Hex() *Type    { return &Type{Kind: KindHex} }
func Bin() *Type    { return &Type{Kind: KindBin} }
func Oct() *Type    { return &Type{Kind: KindOct} }

// Fn builds a function type from parameter descriptors and a return type.
func Fn(params []Param, ret *Type) *Type {
	return &Type{Kind: KindFn, Params: params, Return: ret}
}

// FnBuiltin builds a builtin Fn type from raw arity info: minArgs required
// positional parameters, optArgs optional ones, plus a rest parameter when
// variadic.
func FnBuiltin(minArgs, optArgs int, variadic bool) *Type {
	var params []Param
	for i := 0; i < minArgs; i++ {
		params = append(params, Param{})
	}
	for i := 0; i < optArgs; i++ {
		params = append(params, Param{Optional: true})
	}
	if variadic {
		params = append(params, Param{Rest: true})
	}
	return Fn(params, nil)
}

// FromName maps an annotation type name to a concrete type. Unknown names
// return nil; there are no implicit generics in annotation contexts.
func FromName(name string) *Type {
	switch name {
	case "Int":
		return Int()
	case "Float":
		return Float()
	case "Char":
		return Char()
	case "String":
		return String()
	case "Bool":
		return Bool()
	case "Hex":
		return Hex()
	case "Bin":
		return Bin()
	case "Oct":
		return Oct()
	}
	return nil
}

// Names lists the type names accepted in annotations, in declaration order.
var Names = []string{"Int", "Float", "Char", "String", "Bool", "Hex", "Bin", "Oct"}

// Clone hands out an independent copy.
func (t *Type) Clone() *Type {
	if t == nil {
		return nil
	}
	c := &Type{Kind: t.Kind, Return: t.Return.Clone()}
	if t.Params != nil {
		c.Params = make([]Param, len(t.Params))
		for i, p := range t.Params {
			c.Params[i] = Param{Name: p.Name, Type: p.Type.Clone(), Optional: p.Optional, Rest: p.Rest}
		}
	}
	return c
}

// IsNumeric reports whether t participates in arithmetic.
func (t *Type) IsNumeric() bool {
	switch t.Kind {
	case KindInt, KindFloat, KindHex, KindBin, KindOct, KindChar:
		return true
	}
	return false
}

// IsInteger reports whether t lowers to a 64-bit (or narrower) signed integer.
func (t *Type) IsInteger() bool {
	switch t.Kind {
	case KindInt, KindHex, KindBin, KindOct, KindChar:
		return true
	}
	return false
}

// IsFloat reports whether t is the floating kind.
func (t *Type) IsFloat() bool {
	return t.Kind == KindFloat
}

// IsBase reports whether t is one of the special integer base kinds.
func (t *Type) IsBase() bool {
	return t.Kind == KindHex || t.Kind == KindBin || t.Kind == KindOct
}

// String returns the canonical printable name matching the annotation
// grammar. Fn types print as Fn (sig) with placeholder parameters, an
// #:optional marker before the first optional parameter and a ". _" suffix
// for a rest parameter. A parameterless Fn and a variadic-only Fn (a lone
// rest parameter) both print as "Fn _".
func (t *Type) String() string {
	if t == nil {
		return "?"
	}
	switch t.Kind {
	case KindInt:
		return "Int"
	case KindFloat:
		return "Float"
	case KindChar:
		return "Char"
	case KindString:
		return "String"
	case KindBool:
		return "Bool"
	case KindHex:
		return "Hex"
	case KindBin:
		return "Bin"
	case KindOct:
		return "Oct"
	case KindUnknown:
		return "?"
	case KindFn:
		if len(t.Params) == 0 || (len(t.Params) == 1 && t.Params[0].Rest) {
			return "Fn _"
		}
		var sig strings.Builder
		firstOptSeen := false
		for i, p := range t.Params {
			if p.Rest {
				if i > 0 {
					sig.WriteByte(' ')
				}
				sig.WriteString(". _")
				continue
			}
			if p.Optional && !firstOptSeen {
				if i > 0 {
					sig.WriteByte(' ')
				}
				sig.WriteString("#:optional")
				firstOptSeen = true
			}
			if i > 0 || firstOptSeen {
				sig.WriteByte(' ')
			}
			sig.WriteByte('_')
		}
		return "Fn (" + sig.String() + ")"
	}
	return "?"
}

// InferLiteral infers the concrete type of a numeric literal from its parsed
// value and original source slice.
func InferLiteral(value float64, literal string) *Type {
	if literal == "" {
		if value == float64(int64(value)) {
			return Int()
		}
		return Float()
	}
	if len(literal) > 1 && literal[0] == '0' {
		switch literal[1] {
		case 'x', 'X':
			return Hex()
		case 'b', 'B':
			return Bin()
		case 'o', 'O':
			return Oct()
		}
	}
	if strings.ContainsAny(literal, ".eE") {
		return Float()
	}
	return Int()
}

// ParseAnnotation scans a bracket-list node for "::" and maps the following
// symbol through the fixed type table: [name :: TypeName]. Returns nil when
// the list is not a valid annotation.
func ParseAnnotation(n ast.Node) *Type {
	list, ok := n.(*ast.List)
	if !ok {
		return nil
	}
	for i, item := range list.Items {
		sym, ok := item.(*ast.Symbol)
		if !ok || sym.Name != "::" {
			continue
		}
		if i+1 >= len(list.Items) {
			return nil
		}
		typeNode, ok := list.Items[i+1].(*ast.Symbol)
		if !ok {
			return nil
		}
		return FromName(typeNode.Name)
	}
	return nil
}

// Promote applies one binary reduction step of the arithmetic promotion
// rules to a pair of operand types. Mixing two different special integer
// bases is rejected with ok=false; the caller owns the diagnostic.
func Promote(lhs, rhs *Type) (result *Type, ok bool) {
	if !lhs.IsNumeric() || !rhs.IsNumeric() {
		return nil, false
	}
	if lhs.IsBase() && rhs.IsBase() && lhs.Kind != rhs.Kind {
		return nil, false
	}
	switch {
	case lhs.IsFloat() || rhs.IsFloat():
		return Float(), true
	case lhs.Kind == KindChar || rhs.Kind == KindChar:
		return Int(), true
	case lhs.Kind == rhs.Kind:
		return &Type{Kind: lhs.Kind}, true
	default:
		return Int(), true
	}
}
