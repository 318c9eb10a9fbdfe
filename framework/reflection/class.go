// Package reflection is the type-metadata layer of the micro-container.
//
// Go cannot load types by name at runtime, so the class-loading collaborator
// is a Module: a registry populated at program start with the types a
// deployment may name in its descriptors. Each registered Class carries its
// constructors and "static methods" (plain functions) because Go types have
// neither.
//
//	mod := reflection.NewModule("app")
//	mod.MustRegister("acme.Cache", Cache{},
//	    reflection.WithConstructor(NewCache),
//	    reflection.WithStaticMethod("Sized", NewSizedCache),
//	)
//
// Index caches the derived BeanInfo per type. One Index belongs to one
// deployment.
package reflection

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Class is a named, registered Go type plus its constructors and static methods.
type Class struct {
	name    string
	typ     reflect.Type
	ctors   []Member
	statics map[string][]Member
}

// ClassOption configures a Class at registration.
type ClassOption func(*Class) error

// WithConstructor registers fn as a constructor. fn must return T, *T, or
// either of those plus an error.
func WithConstructor(fn any) ClassOption {
	return func(c *Class) error {
		m, err := funcMember("<init>", fn)
		if err != nil {
			return err
		}
		if m.Func.Type().NumOut() == 0 {
			return fmt.Errorf("reflection: constructor for %s returns nothing", c.name)
		}
		out := m.Func.Type().Out(0)
		if out != c.typ && out != reflect.PointerTo(c.typ) {
			return fmt.Errorf("reflection: constructor for %s returns %s", c.name, out)
		}
		c.ctors = append(c.ctors, m)
		return nil
	}
}

// WithStaticMethod registers fn under name. Registering several functions
// under one name declares overloads.
func WithStaticMethod(name string, fn any) ClassOption {
	return func(c *Class) error {
		m, err := funcMember(name, fn)
		if err != nil {
			return err
		}
		c.statics[name] = append(c.statics[name], m)
		return nil
	}
}

func newClass(name string, sample any, opts ...ClassOption) (*Class, error) {
	if name == "" {
		return nil, fmt.Errorf("reflection: empty class name")
	}
	t, ok := sample.(reflect.Type)
	if !ok {
		t = reflect.TypeOf(sample)
	}
	if t == nil {
		return nil, fmt.Errorf("reflection: nil sample for class %s", name)
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	c := &Class{name: name, typ: t, statics: make(map[string][]Member)}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Name returns the registered class name.
func (c *Class) Name() string { return c.name }

// Type returns the underlying (non-pointer) Go type.
func (c *Class) Type() reflect.Type { return c.typ }

// InstanceType is the type of a constructed bean: *T for structs, T otherwise.
func (c *Class) InstanceType() reflect.Type {
	if c.typ.Kind() == reflect.Struct {
		return reflect.PointerTo(c.typ)
	}
	return c.typ
}

// Constructors returns the registered constructors, or the implicit
// zero-value constructor when none were registered.
func (c *Class) Constructors() []Member {
	if len(c.ctors) > 0 {
		return append([]Member(nil), c.ctors...)
	}
	typ := c.typ
	zero := reflect.MakeFunc(reflect.FuncOf(nil, []reflect.Type{c.InstanceType()}, false),
		func([]reflect.Value) []reflect.Value {
			if typ.Kind() == reflect.Struct {
				return []reflect.Value{reflect.New(typ)}
			}
			return []reflect.Value{reflect.Zero(typ)}
		})
	return []Member{{Name: "<init>", Func: zero, Implicit: true}}
}

// StaticMethods returns the static methods registered under name.
func (c *Class) StaticMethods(name string) []Member {
	return append([]Member(nil), c.statics[name]...)
}

// StaticMethodNames returns all static method names, sorted.
func (c *Class) StaticMethodNames() []string {
	out := make([]string, 0, len(c.statics))
	for n := range c.statics {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (c *Class) String() string { return c.name + "(" + c.typ.String() + ")" }

// ── Member ───────────────────────────────────────────────────────────────────

// Member is a callable or assignable element of a type: a constructor, a
// static function, a method, or an exported field.
type Member struct {
	Name string

	// Func is the function to call. For methods the receiver is the first argument.
	Func reflect.Value

	// Params are the declared parameter types, excluding the receiver and a
	// leading context.Context.
	Params []reflect.Type

	Receiver     bool // Func takes the receiver first
	Context      bool // a context.Context precedes Params
	ReturnsError bool // the last result is an error
	Implicit     bool // synthesized zero-value constructor

	// FieldIndex is set for exported fields used as property setters.
	FieldIndex []int
	FieldType  reflect.Type
}

// IsField reports whether the member is a struct field.
func (m Member) IsField() bool { return m.FieldIndex != nil }

// Signature renders the member for error messages, e.g. "Sized(int, string) error".
func (m Member) Signature() string {
	if m.IsField() {
		return m.Name + " " + m.FieldType.String()
	}
	params := make([]string, 0, len(m.Params)+1)
	if m.Context {
		params = append(params, "context.Context")
	}
	for _, p := range m.Params {
		params = append(params, p.String())
	}
	sig := m.Name + "(" + strings.Join(params, ", ") + ")"
	if !m.Func.IsValid() {
		return sig
	}
	ft := m.Func.Type()
	outs := make([]string, ft.NumOut())
	for i := range outs {
		outs[i] = ft.Out(i).String()
	}
	switch len(outs) {
	case 0:
	case 1:
		sig += " " + outs[0]
	default:
		sig += " (" + strings.Join(outs, ", ") + ")"
	}
	return sig
}

func funcMember(name string, fn any) (Member, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return Member{}, fmt.Errorf("reflection: %s is %T, not a function", name, fn)
	}
	if v.Type().IsVariadic() {
		return Member{}, fmt.Errorf("reflection: %s is variadic", name)
	}
	return callable(name, v, false), nil
}

func callable(name string, fn reflect.Value, receiver bool) Member {
	ft := fn.Type()
	m := Member{Name: name, Func: fn, Receiver: receiver}
	start := 0
	if receiver {
		start = 1
	}
	if ft.NumIn() > start && ft.In(start) == contextType {
		m.Context = true
		start++
	}
	for i := start; i < ft.NumIn(); i++ {
		m.Params = append(m.Params, ft.In(i))
	}
	if n := ft.NumOut(); n > 0 && ft.Out(n-1) == errorType {
		m.ReturnsError = true
	}
	return m
}
