// Package joinpoint turns a member name plus argument expressions into a
// resolved, single-use invocation handle.
//
// Binding happens once, ahead of the call: the member is looked up by name,
// overloads are narrowed by arity and by what each argument expression can
// produce, and the winner is fixed. Arguments are evaluated only when the
// handle is invoked.
//
//	jp, err := joinpoint.BindConstructor(info, args, resolver)
//	if err != nil { ... }          // *MemberNotFoundError, *AmbiguousOverloadError
//	instance, err := jp.Invoke(ctx, resolver)  // *InvocationError
package joinpoint

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"

	"github.com/km-arc/go-mc/framework/reflection"
	"github.com/km-arc/go-mc/framework/value"
)

// Kind is the invocation target variant.
type Kind int

const (
	Constructor Kind = iota
	StaticMethod
	InstanceMethod
	FieldSetter
)

func (k Kind) String() string {
	switch k {
	case Constructor:
		return "constructor"
	case StaticMethod:
		return "static method"
	case InstanceMethod:
		return "method"
	case FieldSetter:
		return "field"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Binding describes what to bind.
type Binding struct {
	Kind Kind

	// Owner names the class or type for error messages.
	Owner string

	// Member is the name looked up; Candidates are the members carrying it.
	Member     string
	Candidates []reflection.Member

	// Target is the receiver for InstanceMethod and FieldSetter bindings.
	Target reflect.Value

	// Result, when set, is the type a Constructor must produce. A constructor
	// returning T is lifted to *T when Result is *T.
	Result reflect.Type

	Args []value.Expr
}

// Joinpoint is a bound invocation. It may be invoked once.
type Joinpoint struct {
	kind   Kind
	owner  string
	member reflection.Member
	target reflect.Value
	result reflect.Type
	args   []value.Expr
	used   atomic.Bool
}

// Bind resolves b to a single member. r is consulted for what each argument
// expression can produce; it may be nil when no arguments are typed.
func Bind(b Binding, r *value.Resolver) (*Joinpoint, error) {
	if (b.Kind == InstanceMethod || b.Kind == FieldSetter) && !b.Target.IsValid() {
		return nil, fmt.Errorf("joinpoint: %s %s.%s bound without a target", b.Kind, b.Owner, b.Member)
	}
	if r == nil {
		r = value.NewResolver(nil)
	}

	var matches []reflection.Member
	arityOK := false
	for _, m := range b.Candidates {
		if arity(m) != len(b.Args) {
			continue
		}
		arityOK = true
		if applicable(m, b.Args, r) {
			matches = append(matches, m)
		}
	}

	switch len(matches) {
	case 0:
		return nil, &MemberNotFoundError{
			Kind:       b.Kind,
			Owner:      b.Owner,
			Member:     b.Member,
			Arity:      len(b.Args),
			Candidates: signatures(b.Candidates),
			ArityMatch: arityOK,
		}
	case 1:
		return &Joinpoint{
			kind:   b.Kind,
			owner:  b.Owner,
			member: matches[0],
			target: b.Target,
			result: b.Result,
			args:   b.Args,
		}, nil
	default:
		return nil, &AmbiguousOverloadError{Owner: b.Owner, Member: b.Member, Candidates: signatures(matches)}
	}
}

// ── Convenience binders ───────────────────────────────────────────────────────

// BindConstructor binds one of the constructors of info's class.
func BindConstructor(info *reflection.BeanInfo, args []value.Expr, r *value.Resolver) (*Joinpoint, error) {
	return Bind(Binding{
		Kind:       Constructor,
		Owner:      ownerName(info),
		Member:     "<init>",
		Candidates: info.Constructors(),
		Result:     info.Type(),
		Args:       args,
	}, r)
}

// BindStatic binds a static method of c.
func BindStatic(c *reflection.Class, method string, args []value.Expr, r *value.Resolver) (*Joinpoint, error) {
	return Bind(Binding{
		Kind:       StaticMethod,
		Owner:      c.Name(),
		Member:     method,
		Candidates: c.StaticMethods(method),
		Args:       args,
	}, r)
}

// BindMethod binds method on target. info must describe target's type.
func BindMethod(info *reflection.BeanInfo, target any, method string, args []value.Expr, r *value.Resolver) (*Joinpoint, error) {
	var candidates []reflection.Member
	if m, ok := info.Method(method); ok {
		candidates = append(candidates, m)
	}
	return Bind(Binding{
		Kind:       InstanceMethod,
		Owner:      ownerName(info),
		Member:     method,
		Candidates: candidates,
		Target:     reflect.ValueOf(target),
		Args:       args,
	}, r)
}

// BindProperty binds the writer of property name on target: its SetX method
// when there is one, the exported field otherwise.
func BindProperty(info *reflection.BeanInfo, target any, name string, v value.Expr, r *value.Resolver) (*Joinpoint, error) {
	b := Binding{
		Kind:   FieldSetter,
		Owner:  ownerName(info),
		Member: name,
		Target: reflect.ValueOf(target),
		Args:   []value.Expr{v},
	}
	if p, ok := info.Property(name); ok {
		w := p.Writer()
		if !w.IsField() {
			b.Kind = InstanceMethod
		}
		b.Candidates = []reflection.Member{w}
	}
	return Bind(b, r)
}

// ── Invocation ────────────────────────────────────────────────────────────────

// Kind returns the bound target variant.
func (j *Joinpoint) Kind() Kind { return j.kind }

// Member returns the bound member.
func (j *Joinpoint) Member() reflection.Member { return j.member }

// String renders the joinpoint as "Owner.Signature".
func (j *Joinpoint) String() string { return j.owner + "." + j.member.Signature() }

// Invoke evaluates the arguments against the bound parameter types and makes
// the call. The first result (if any) is returned; a trailing error result,
// a panic, or an argument resolution failure is returned as *InvocationError.
func (j *Joinpoint) Invoke(ctx context.Context, r *value.Resolver) (result any, err error) {
	if !j.used.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInvoked, j)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if r == nil {
		r = value.NewResolver(nil)
	}

	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = j.fail(fmt.Errorf("panic: %v", p))
		}
	}()

	if j.member.IsField() {
		return nil, j.setField(ctx, r)
	}

	in := make([]reflect.Value, 0, len(j.args)+2)
	if j.member.Receiver {
		in = append(in, j.target)
	}
	if j.member.Context {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, a := range j.args {
		v, err := r.Resolve(ctx, a, j.member.Params[i])
		if err != nil {
			return nil, j.fail(fmt.Errorf("argument %d: %w", i, err))
		}
		in = append(in, v)
	}

	out := j.member.Func.Call(in)
	if j.member.ReturnsError {
		if e := out[len(out)-1]; !e.IsNil() {
			return nil, j.fail(e.Interface().(error))
		}
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return nil, nil
	}
	return j.lift(out[0]).Interface(), nil
}

func (j *Joinpoint) setField(ctx context.Context, r *value.Resolver) error {
	v, err := r.Resolve(ctx, j.args[0], j.member.FieldType)
	if err != nil {
		return j.fail(fmt.Errorf("value: %w", err))
	}
	t := j.target
	if t.Kind() != reflect.Pointer || t.IsNil() {
		return j.fail(fmt.Errorf("target %s is not a non-nil pointer", t.Type()))
	}
	t.Elem().FieldByIndex(j.member.FieldIndex).Set(v)
	return nil
}

// lift turns a constructor's T result into *T when the class instance type is a pointer.
func (j *Joinpoint) lift(v reflect.Value) reflect.Value {
	if j.kind != Constructor || j.result == nil || v.Type() == j.result {
		return v
	}
	if j.result.Kind() == reflect.Pointer && j.result.Elem() == v.Type() {
		p := reflect.New(v.Type())
		p.Elem().Set(v)
		return p
	}
	return v
}

func (j *Joinpoint) fail(cause error) error {
	return &InvocationError{Kind: j.kind, Owner: j.owner, Member: j.member.Signature(), Err: cause}
}

func arity(m reflection.Member) int {
	if m.IsField() {
		return 1
	}
	return len(m.Params)
}

func applicable(m reflection.Member, args []value.Expr, r *value.Resolver) bool {
	if m.IsField() {
		return r.CanProduce(args[0], m.FieldType)
	}
	for i, a := range args {
		if !r.CanProduce(a, m.Params[i]) {
			return false
		}
	}
	return true
}

func signatures(ms []reflection.Member) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Signature()
	}
	return out
}

func ownerName(info *reflection.BeanInfo) string {
	if c := info.Class(); c != nil {
		return c.Name()
	}
	return info.Type().String()
}
