package value

import (
	"context"
	"fmt"
	"reflect"

	"github.com/km-arc/go-mc/framework/state"
)

// Registrar hands out the deferred slot for a (bean, state) dependency. The
// phase driver implements it on top of the scheduler; registering a
// dependency never blocks.
type Registrar interface {
	DependencyValue(bean string, required state.State) *Slot
}

// Bindings maps the bean-referencing expressions of one phase to the slots
// the scheduler fills for them. Expressions are pointers, so identity is the key.
type Bindings map[Expr]*Slot

// Bind walks e and registers every Injected and Factory expression with reg,
// recording the returned slots in b.
func Bind(e Expr, reg Registrar, b Bindings) {
	Walk(e, func(x Expr) {
		switch v := x.(type) {
		case *Injected:
			b[v] = reg.DependencyValue(v.Bean, v.State)
		case *Factory:
			b[v] = reg.DependencyValue(v.Bean, v.State)
		}
	})
}

// TypeResolver maps declared type names that are not builtins (typically
// registered class names) to Go types.
type TypeResolver interface {
	ResolveType(name string) (reflect.Type, error)
}

// Invoker calls a named method on a resolved target. The joinpoint package
// provides the implementation used for Factory values.
type Invoker interface {
	InvokeMethod(ctx context.Context, target any, method string, params []Expr, r *Resolver) (any, error)
}

// Resolver evaluates expressions for one phase.
type Resolver struct {
	Bindings   Bindings
	Converters *Converters
	Types      TypeResolver
	Invoker    Invoker
}

// NewResolver returns a Resolver with default converters and the given bindings.
func NewResolver(b Bindings) *Resolver {
	return &Resolver{Bindings: b, Converters: DefaultConverters()}
}

// DeclaredType returns the static type an expression is known to produce
// before resolution. ok is false when the type is only known at runtime.
func (r *Resolver) DeclaredType(e Expr) (reflect.Type, bool) {
	switch v := e.(type) {
	case *Literal:
		if v.Type == "" {
			return nil, false
		}
		t, err := r.lookupType(v.Type)
		return t, err == nil
	case *Nested:
		if v.Type == "" {
			return nil, false
		}
		t, err := r.lookupType(v.Type)
		if err != nil {
			return nil, false
		}
		return reflect.SliceOf(t), true
	}
	return nil, false
}

// CanProduce reports whether e could be resolved into a value of type t.
// It is the assignment-compatibility test used by overload resolution.
func (r *Resolver) CanProduce(e Expr, t reflect.Type) bool {
	if declared, ok := r.DeclaredType(e); ok {
		if declared.AssignableTo(t) {
			return true
		}
		if _, isNested := e.(*Nested); isNested && t.Kind() == reflect.Array {
			return declared.Elem().AssignableTo(t.Elem())
		}
		return false
	}
	switch e.(type) {
	case *Literal:
		return r.converters().CanConvert(t)
	case *Nested:
		k := t.Kind()
		return k == reflect.Slice || k == reflect.Array || (k == reflect.Interface && t.NumMethod() == 0)
	case *Null:
		return nillable(t)
	}
	// Injected and Factory values are checked when the slot is read.
	return true
}

// Resolve evaluates e. When expected is non-nil the result is assignable to it.
func (r *Resolver) Resolve(ctx context.Context, e Expr, expected reflect.Type) (reflect.Value, error) {
	switch v := e.(type) {
	case *Literal:
		return r.resolveLiteral(v, expected)
	case *Injected:
		slot, err := r.slot(v)
		if err != nil {
			return reflect.Value{}, err
		}
		got, err := slot.Get()
		if err != nil {
			return reflect.Value{}, err
		}
		return assign(v, got, expected)
	case *Nested:
		return r.resolveNested(ctx, v, expected)
	case *Factory:
		return r.resolveFactory(ctx, v, expected)
	case *Null:
		if expected == nil {
			return reflect.Zero(reflect.TypeOf((*any)(nil)).Elem()), nil
		}
		if !nillable(expected) {
			return reflect.Value{}, &TypeMismatchError{Expr: v, Want: expected}
		}
		return reflect.Zero(expected), nil
	case nil:
		return reflect.Value{}, fmt.Errorf("value: nil expression")
	default:
		return reflect.Value{}, fmt.Errorf("value: unsupported expression %T", e)
	}
}

func (r *Resolver) resolveLiteral(l *Literal, expected reflect.Type) (reflect.Value, error) {
	target := expected
	if l.Type != "" {
		declared, err := r.lookupType(l.Type)
		if err != nil {
			return reflect.Value{}, &ConversionError{Value: l.Value, Err: err}
		}
		if expected != nil && !declared.AssignableTo(expected) {
			return reflect.Value{}, &TypeMismatchError{Expr: l, Got: declared, Want: expected}
		}
		target = declared
	}
	if target == nil {
		return reflect.ValueOf(l.Value), nil
	}
	if target == reflectTypeType {
		cls, err := r.lookupType(l.Value)
		if err != nil {
			return reflect.Value{}, &ConversionError{Value: l.Value, Type: target, Err: err}
		}
		out := reflect.New(reflectTypeType).Elem()
		out.Set(reflect.ValueOf(cls))
		return out, nil
	}
	v, err := r.converters().Convert(l.Value, target)
	if err != nil {
		return reflect.Value{}, err
	}
	if expected != nil && expected.Kind() == reflect.Interface {
		out := reflect.New(expected).Elem()
		out.Set(v)
		return out, nil
	}
	return v, nil
}

func (r *Resolver) resolveNested(ctx context.Context, n *Nested, expected reflect.Type) (reflect.Value, error) {
	var elem reflect.Type
	if n.Type != "" {
		t, err := r.lookupType(n.Type)
		if err != nil {
			return reflect.Value{}, &ConversionError{Value: n.String(), Err: err}
		}
		elem = t
	}

	container := expected
	switch {
	case expected == nil || (expected.Kind() == reflect.Interface):
		if elem == nil {
			elem = reflect.TypeOf((*any)(nil)).Elem()
		}
		container = reflect.SliceOf(elem)
		if expected != nil && !container.AssignableTo(expected) {
			return reflect.Value{}, &TypeMismatchError{Expr: n, Got: container, Want: expected}
		}
	case expected.Kind() == reflect.Slice || expected.Kind() == reflect.Array:
		if elem != nil && !elem.AssignableTo(expected.Elem()) {
			return reflect.Value{}, &TypeMismatchError{Expr: n, Got: reflect.SliceOf(elem), Want: expected}
		}
		if expected.Kind() == reflect.Array && expected.Len() != len(n.Values) {
			return reflect.Value{}, &TypeMismatchError{Expr: n, Got: reflect.ArrayOf(len(n.Values), expected.Elem()), Want: expected}
		}
	default:
		return reflect.Value{}, &TypeMismatchError{Expr: n, Want: expected}
	}

	var out reflect.Value
	if container.Kind() == reflect.Array {
		out = reflect.New(container).Elem()
	} else {
		out = reflect.MakeSlice(container, len(n.Values), len(n.Values))
	}
	for i, child := range n.Values {
		cv, err := r.Resolve(ctx, child, container.Elem())
		if err != nil {
			return reflect.Value{}, fmt.Errorf("value: element %d of %s: %w", i, n, err)
		}
		out.Index(i).Set(cv)
	}
	if expected != nil && expected.Kind() == reflect.Interface {
		wrapped := reflect.New(expected).Elem()
		wrapped.Set(out)
		return wrapped, nil
	}
	return out, nil
}

func (r *Resolver) resolveFactory(ctx context.Context, f *Factory, expected reflect.Type) (reflect.Value, error) {
	if r.Invoker == nil {
		return reflect.Value{}, ErrNoInvoker
	}
	slot, err := r.slot(f)
	if err != nil {
		return reflect.Value{}, err
	}
	target, err := slot.Get()
	if err != nil {
		return reflect.Value{}, err
	}
	got, err := r.Invoker.InvokeMethod(ctx, target, f.Method, f.Parameters, r)
	if err != nil {
		return reflect.Value{}, err
	}
	return assign(f, got, expected)
}

func (r *Resolver) slot(e Expr) (*Slot, error) {
	if s, ok := r.Bindings[e]; ok && s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("%w: no slot bound for %s", ErrNotYetResolved, e)
}

func (r *Resolver) lookupType(name string) (reflect.Type, error) {
	if t, ok := builtinTypes[name]; ok {
		return t, nil
	}
	if r.Types == nil {
		return nil, fmt.Errorf("value: unknown type %q", name)
	}
	return r.Types.ResolveType(name)
}

func (r *Resolver) converters() *Converters {
	if r.Converters == nil {
		r.Converters = DefaultConverters()
	}
	return r.Converters
}

// assign adapts a runtime value to the expected type.
func assign(e Expr, got any, expected reflect.Type) (reflect.Value, error) {
	if expected == nil {
		if got == nil {
			return reflect.Zero(reflect.TypeOf((*any)(nil)).Elem()), nil
		}
		return reflect.ValueOf(got), nil
	}
	if got == nil {
		if nillable(expected) {
			return reflect.Zero(expected), nil
		}
		return reflect.Value{}, &TypeMismatchError{Expr: e, Want: expected}
	}
	v := reflect.ValueOf(got)
	if !v.Type().AssignableTo(expected) {
		return reflect.Value{}, &TypeMismatchError{Expr: e, Got: v.Type(), Want: expected}
	}
	if expected.Kind() == reflect.Interface {
		out := reflect.New(expected).Elem()
		out.Set(v)
		return out, nil
	}
	return v, nil
}

func nillable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return true
	}
	return false
}
