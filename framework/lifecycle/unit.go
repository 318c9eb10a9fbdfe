package lifecycle

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/km-arc/go-mc/framework/descriptor"
	"github.com/km-arc/go-mc/framework/joinpoint"
	"github.com/km-arc/go-mc/framework/msc"
	"github.com/km-arc/go-mc/framework/reflection"
	"github.com/km-arc/go-mc/framework/state"
	"github.com/km-arc/go-mc/framework/value"
	"github.com/km-arc/go-mc/framework/visitor"
)

// unit is the scheduler service for one bean entering one state. Its plan
// comes from visiting the state before target, once per Start.
type unit struct {
	d      *Deployment
	b      *bean
	target state.State

	// Set by the last successful Start, read by Stop.
	active     *visitor.Plan
	r          *value.Resolver
	uninstalls []boundCall
	props      []string
}

type boundCall struct {
	in     descriptor.Install
	target any
	self   bool
	err    error
}

// step is the forward work of entering a state.
type step func(ctx context.Context, u *unit, p *visitor.Plan, r *value.Resolver) error

// undo reverses a step. It never fails; problems are logged.
type undo func(ctx context.Context, u *unit)

var (
	enter = map[state.State]step{
		state.Described:    describe,
		state.Instantiated: instantiate,
		state.Configured:   configure,
		state.Create:       callbackStep("create"),
		state.Installed:    callbackStep("start"),
	}
	leave = map[state.State]undo{
		state.Described:    undescribe,
		state.Instantiated: uninstantiate,
		state.Configured:   unconfigure,
		state.Create:       callbackUndo("destroy"),
		state.Installed:    callbackUndo("stop"),
	}
)

func init() {
	for _, s := range state.All()[1:] {
		if enter[s] == nil || leave[s] == nil {
			panic(fmt.Sprintf("lifecycle: no step for %s", s))
		}
	}
}

// ── Start ─────────────────────────────────────────────────────────────────────

func (u *unit) Start(sc *msc.StartContext) (err error) {
	desc := u.b.desc
	ctx, span := u.d.tracer.Start(sc.Context(), "mc.enter "+u.target.String(),
		trace.WithAttributes(
			attribute.String("mc.deployment", u.d.name),
			attribute.String("mc.bean", desc.Name),
			attribute.String("mc.phase", u.target.String()),
		))
	began := time.Now()
	defer func() {
		took := time.Since(began)
		u.d.metrics.RecordPhase(u.d.name, u.target.String(), took, err)
		if err != nil {
			err = &PhaseError{Bean: desc.Name, Phase: u.target, Err: err}
			u.b.failed(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "phase failed")
			u.d.log.Warn("phase failed", zap.String("bean", desc.Name), zap.Stringer("phase", u.target), zap.Error(err))
		} else {
			u.d.log.Debug("phase entered", zap.String("bean", desc.Name), zap.Stringer("phase", u.target), zap.Duration("took", took))
		}
		span.End()
	}()

	// Every dependency is up now, so the slots come back resolved with the
	// instances of this run.
	prev, _ := u.target.Prev()
	plan, err := visitor.Visit(desc, prev, u.d.registrar())
	if err != nil {
		return err
	}

	loader, err := u.d.classLoader(desc.Module)
	if err != nil {
		return err
	}
	r := u.d.resolver(plan.Bindings, loader)
	if plan.Self != nil {
		if inst := u.b.current(); inst != nil {
			if err := plan.Self.Fill(inst); err != nil {
				return err
			}
		}
	}

	if u.target == state.Installed && u.d.registry.Bound(desc.Name) {
		return fmt.Errorf("%w: %s is already in the registry", ErrAlreadyInstalled, desc.Name)
	}
	if err := enter[u.target](ctx, u, plan, r); err != nil {
		return err
	}
	for _, in := range plan.Installs {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, self, err := u.callTarget(in)
		if err != nil {
			return fmt.Errorf("install %s: %w", in.Method, err)
		}
		if err := u.call(ctx, target, self, in.Method, in.Parameters, r); err != nil {
			return fmt.Errorf("install %s: %w", in.Method, err)
		}
	}
	if u.target == state.Installed {
		if err := u.publish(sc); err != nil {
			return err
		}
	}

	u.active, u.r = plan, r
	u.uninstalls = u.uninstalls[:0]
	for _, in := range plan.Uninstalls {
		target, self, err := u.callTarget(in)
		u.uninstalls = append(u.uninstalls, boundCall{in: in, target: target, self: self, err: err})
	}
	u.b.reached(u.target)

	next, ok := u.target.Next()
	if !ok {
		return nil
	}
	deps, err := gates(desc, u.target)
	if err != nil {
		u.b.left(u.target)
		return err
	}
	child := &unit{d: u.d, b: u.b, target: next}
	if _, err := sc.ChildTarget().Install(ServiceName(desc.Name, next), deps, child); err != nil {
		u.b.left(u.target)
		return err
	}
	return nil
}

// Value is what references to the bean at target see: the BeanInfo at
// Described, the instance from Instantiated on.
func (u *unit) Value() any {
	if u.target == state.Described {
		return u.b.beanInfo()
	}
	return u.b.current()
}

// ── Stop ──────────────────────────────────────────────────────────────────────

func (u *unit) Stop(sc *msc.StopContext) {
	desc := u.b.desc
	ctx, span := u.d.tracer.Start(sc.Context(), "mc.leave "+u.target.String(),
		trace.WithAttributes(
			attribute.String("mc.deployment", u.d.name),
			attribute.String("mc.bean", desc.Name),
			attribute.String("mc.phase", u.target.String()),
		))
	defer span.End()

	if u.target == state.Installed {
		u.unpublish()
	}
	for i := len(u.uninstalls) - 1; i >= 0; i-- {
		c := u.uninstalls[i]
		err := c.err
		if err == nil {
			err = u.call(ctx, c.target, c.self, c.in.Method, c.in.Parameters, u.r)
		}
		if err != nil {
			u.teardownFailed(span, "uninstall "+c.in.Method, err)
		}
	}
	u.uninstalls = u.uninstalls[:0]

	leave[u.target](ctx, u)
	u.b.left(u.target)
	u.d.log.Debug("phase left", zap.String("bean", desc.Name), zap.Stringer("phase", u.target))
}

func (u *unit) teardownFailed(span trace.Span, what string, err error) {
	u.d.metrics.RecordTeardownError(u.d.name, u.target.String())
	span.RecordError(err)
	u.d.log.Error("teardown failed",
		zap.String("bean", u.b.desc.Name),
		zap.Stringer("phase", u.target),
		zap.String("action", what),
		zap.Error(err))
}

// ── Steps ─────────────────────────────────────────────────────────────────────

func describe(_ context.Context, u *unit, p *visitor.Plan, _ *value.Resolver) error {
	name := u.b.desc.Class
	if name == "" {
		// Produced by a factory; the bean info comes from the instance.
		return nil
	}
	loader, err := u.d.classLoader(p.Module)
	if err != nil {
		return err
	}
	c, err := loader.LoadClass(name)
	if err != nil {
		return err
	}
	info := u.d.index.BeanInfo(c)

	u.b.mu.Lock()
	defer u.b.mu.Unlock()
	u.b.class, u.b.info = c, info
	return nil
}

func undescribe(_ context.Context, u *unit) {
	u.b.mu.Lock()
	defer u.b.mu.Unlock()
	u.b.class, u.b.info = nil, nil
}

func instantiate(ctx context.Context, u *unit, p *visitor.Plan, r *value.Resolver) error {
	inst, err := u.construct(ctx, p.Constructor, r)
	if err != nil {
		return err
	}
	if inst == nil {
		return ErrNoInstance
	}

	u.b.mu.Lock()
	defer u.b.mu.Unlock()
	if t := reflect.TypeOf(inst); u.b.info == nil || u.b.info.Type() != t {
		u.b.info = u.d.index.TypeInfo(t)
	}
	u.b.instance = inst
	return nil
}

func uninstantiate(_ context.Context, u *unit) {
	u.b.mu.Lock()
	defer u.b.mu.Unlock()
	u.b.instance = nil
	if u.b.class != nil {
		u.b.info = u.d.index.BeanInfo(u.b.class)
	} else {
		u.b.info = nil
	}
}

// construct picks the joinpoint producing the instance: a class constructor,
// a static factory method of FactoryClass, or a method on the resolved
// Factory value.
func (u *unit) construct(ctx context.Context, c *descriptor.Constructor, r *value.Resolver) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	args := descriptor.Exprs(c.Parameters)

	var (
		jp  *joinpoint.Joinpoint
		err error
	)
	switch {
	case c.FactoryMethod == "":
		info := u.b.beanInfo()
		if info == nil {
			return nil, descriptor.ErrMissingClass
		}
		jp, err = joinpoint.BindConstructor(info, args, r)

	case c.FactoryClass != "" && c.Factory == nil:
		loader, lerr := u.d.classLoader(u.b.desc.Module)
		if lerr != nil {
			return nil, lerr
		}
		fc, lerr := loader.LoadClass(c.FactoryClass)
		if lerr != nil {
			return nil, lerr
		}
		jp, err = joinpoint.BindStatic(fc, c.FactoryMethod, args, r)

	case c.Factory != nil && c.FactoryClass == "":
		tv, rerr := r.Resolve(ctx, c.Factory.Get(), nil)
		if rerr != nil {
			return nil, fmt.Errorf("factory: %w", rerr)
		}
		target := tv.Interface()
		if target == nil {
			return nil, fmt.Errorf("%w: factory value is nil", descriptor.ErrMissingFactory)
		}
		jp, err = joinpoint.BindMethod(u.d.index.TypeInfo(reflect.TypeOf(target)), target, c.FactoryMethod, args, r)

	default:
		return nil, descriptor.ErrMissingFactory
	}
	if err != nil {
		return nil, err
	}
	return jp.Invoke(ctx, r)
}

func configure(ctx context.Context, u *unit, p *visitor.Plan, r *value.Resolver) error {
	inst, info := u.b.current(), u.b.beanInfo()
	u.props = u.props[:0]
	for _, prop := range p.Properties {
		if err := ctx.Err(); err != nil {
			return err
		}
		jp, err := joinpoint.BindProperty(info, inst, prop.Name, prop.Value.Get(), r)
		if err != nil {
			return err
		}
		if _, err := jp.Invoke(ctx, r); err != nil {
			return err
		}
		u.props = append(u.props, prop.Name)
	}
	return nil
}

// unconfigure sets every property that was configured back to nil, last
// first. Properties of non-nillable types keep their value.
func unconfigure(ctx context.Context, u *unit) {
	inst, info := u.b.current(), u.b.beanInfo()
	if inst == nil || info == nil {
		return
	}
	for i := len(u.props) - 1; i >= 0; i-- {
		name := u.props[i]
		p, ok := info.Property(name)
		if !ok || !nillable(p.Type) {
			continue
		}
		jp, err := joinpoint.BindProperty(info, inst, name, &value.Null{}, u.r)
		if err == nil {
			_, err = jp.Invoke(ctx, u.r)
		}
		if err != nil {
			u.teardownFailed(trace.SpanFromContext(ctx), "unset "+name, err)
		}
	}
	u.props = u.props[:0]
}

func callbackStep(name string) step {
	return func(ctx context.Context, u *unit, p *visitor.Plan, r *value.Resolver) error {
		cb := p.Callback(name)
		if cb == nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := u.call(ctx, u.b.current(), true, cb.Method, cb.Parameters, r); err != nil {
			return fmt.Errorf("%s callback: %w", name, err)
		}
		return nil
	}
}

func callbackUndo(name string) undo {
	return func(ctx context.Context, u *unit) {
		if u.active == nil {
			return
		}
		cb := u.active.Callback(name)
		if cb == nil {
			return
		}
		if err := u.call(ctx, u.b.current(), true, cb.Method, cb.Parameters, u.r); err != nil {
			u.teardownFailed(trace.SpanFromContext(ctx), name+" callback", err)
		}
	}
}

// ── Calls ─────────────────────────────────────────────────────────────────────

// call invokes method on target. self marks the bean's own instance, whose
// BeanInfo is already known.
func (u *unit) call(ctx context.Context, target any, self bool, method string, params []descriptor.Value, r *value.Resolver) error {
	if target == nil {
		return fmt.Errorf("%w: calling %s", ErrNoInstance, method)
	}
	var info *reflection.BeanInfo
	if self {
		info = u.b.beanInfo()
	}
	if info == nil {
		info = u.d.index.TypeInfo(reflect.TypeOf(target))
	}
	jp, err := joinpoint.BindMethod(info, target, method, descriptor.Exprs(params), r)
	if err != nil {
		return err
	}
	_, err = jp.Invoke(ctx, r)
	return err
}

// callTarget resolves the bean an install call goes to. Other beans are
// dependencies of this unit, so their slots are already filled.
func (u *unit) callTarget(in descriptor.Install) (target any, self bool, err error) {
	if in.Bean == "" || slices.Contains(u.b.desc.Names(), in.Bean) {
		if inst := u.b.current(); inst != nil {
			return inst, true, nil
		}
		return nil, true, fmt.Errorf("%w: %s has no instance at %s", ErrNoInstance, u.b.desc.Name, u.target)
	}
	target, err = u.d.sched.DependencyValue(ServiceName(in.Bean, in.Required())).Get()
	return target, false, err
}

// ── Publishing ────────────────────────────────────────────────────────────────

func (u *unit) publish(sc *msc.StartContext) error {
	desc := u.b.desc
	inst := u.b.current()
	u.d.registry.Instance(desc.Name, inst)
	for _, alias := range desc.Aliases {
		if err := u.d.registry.Alias(desc.Name, alias); err != nil {
			u.d.registry.Forget(desc.Name)
			return err
		}
		svc := msc.ServiceFunc{Val: inst}
		if _, err := sc.ChildTarget().Install(ServiceName(alias, state.Installed), nil, svc); err != nil {
			u.d.registry.Forget(desc.Name)
			return fmt.Errorf("alias %s: %w", alias, err)
		}
	}
	u.d.metrics.BeanInstalled(u.d.name, 1)
	return nil
}

func (u *unit) unpublish() {
	u.d.registry.Forget(u.b.desc.Name)
	u.d.metrics.BeanInstalled(u.d.name, -1)
}

func nillable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return true
	}
	return false
}
