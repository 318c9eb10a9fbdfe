// Package value is the declarative value model used by bean descriptors.
//
// An Expr describes how to obtain a runtime value: a literal string converted
// to the expected type, a reference to another bean that the scheduler fills
// in later, an ordered composite, or the result of calling a method on
// another bean. Expressions are immutable once built and may be shared by
// many phases; the per-phase state (which Slot backs which Injected
// expression) lives in Bindings, never in the expression itself.
//
//	lit := &value.Literal{Type: "int", Value: "100"}
//	ref := &value.Injected{Bean: "datasource", State: state.Installed}
//	list := &value.Nested{Type: "string", Values: []value.Expr{
//	    &value.Literal{Value: "a"}, &value.Literal{Value: "b"},
//	}}
package value

import (
	"fmt"
	"strings"

	"github.com/km-arc/go-mc/framework/state"
)

// Expr is a closed set of value expressions: *Literal, *Injected, *Nested,
// *Factory and *Null. Only this package can add variants.
type Expr interface {
	fmt.Stringer
	expr()
}

// Literal is a string converted to a concrete type at resolution time.
// Type is optional; when empty the expected type of the injection point wins.
type Literal struct {
	Type  string
	Value string
}

// Injected references another bean once it has reached State.
type Injected struct {
	Bean  string
	State state.State
}

// Nested is an ordered composite. Type, when set, names the element type.
type Nested struct {
	Type   string
	Values []Expr
}

// Factory obtains a value by invoking Method on the bean named Bean once it
// has reached State.
type Factory struct {
	Bean       string
	State      state.State
	Method     string
	Parameters []Expr
}

// Null resolves to the zero value of a nillable expected type.
type Null struct{}

func (*Literal) expr()  {}
func (*Injected) expr() {}
func (*Nested) expr()   {}
func (*Factory) expr()  {}
func (*Null) expr()     {}

func (l *Literal) String() string {
	if l.Type == "" {
		return fmt.Sprintf("%q", l.Value)
	}
	return fmt.Sprintf("%s(%q)", l.Type, l.Value)
}

func (i *Injected) String() string { return fmt.Sprintf("inject(%s@%s)", i.Bean, i.State) }

func (n *Nested) String() string {
	parts := make([]string, len(n.Values))
	for i, v := range n.Values {
		parts[i] = v.String()
	}
	return n.Type + "[" + strings.Join(parts, ", ") + "]"
}

func (f *Factory) String() string {
	parts := make([]string, len(f.Parameters))
	for i, v := range f.Parameters {
		parts[i] = v.String()
	}
	return fmt.Sprintf("%s@%s.%s(%s)", f.Bean, f.State, f.Method, strings.Join(parts, ", "))
}

func (*Null) String() string { return "null" }

// Walk calls fn for e and then for every nested expression, depth first,
// in declaration order. A nil e is skipped.
func Walk(e Expr, fn func(Expr)) {
	if e == nil {
		return
	}
	fn(e)
	switch v := e.(type) {
	case *Nested:
		for _, child := range v.Values {
			Walk(child, fn)
		}
	case *Factory:
		for _, child := range v.Parameters {
			Walk(child, fn)
		}
	}
}
