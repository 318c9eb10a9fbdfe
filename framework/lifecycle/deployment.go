// Package lifecycle drives beans through their states on top of a scheduler.
//
// Every state a bean enters is one scheduler unit, named by ServiceName.
// The unit entering Described is installed by Deployment.Install; each unit
// does its work, then installs the unit for the next state as its child,
// gated on the dependencies the phase driver found for that step:
//
//	mc.pojo.cache.DESCRIBED     load the class, derive BeanInfo
//	mc.pojo.cache.INSTANTIATED  constructor or factory
//	mc.pojo.cache.CONFIGURED    properties
//	mc.pojo.cache.CREATE        create callback
//	mc.pojo.cache.INSTALLED     start callback, publish
//
// Stopping a unit undoes its step: stop, destroy, unset properties, drop
// the instance, drop the class. Teardown errors are logged and counted,
// never returned.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/km-arc/go-mc/framework/container"
	"github.com/km-arc/go-mc/framework/descriptor"
	"github.com/km-arc/go-mc/framework/joinpoint"
	"github.com/km-arc/go-mc/framework/metrics"
	"github.com/km-arc/go-mc/framework/msc"
	"github.com/km-arc/go-mc/framework/reflection"
	"github.com/km-arc/go-mc/framework/state"
	"github.com/km-arc/go-mc/framework/value"
	"github.com/km-arc/go-mc/framework/visitor"
)

// Scheduler is what the lifecycle needs from the unit scheduler.
// *msc.Container implements it.
type Scheduler interface {
	msc.Target
	DependencyValue(name string) *value.Slot
	Remove(ctx context.Context, name string) error
	AwaitStability(ctx context.Context) (*msc.Report, error)
}

var _ Scheduler = (*msc.Container)(nil)

const unitPrefix = "mc.pojo."

// ServiceName is the unit name of bean entering s.
func ServiceName(bean string, s state.State) string {
	return unitPrefix + bean + "." + s.String()
}

// ParseServiceName splits a unit name built by ServiceName.
func ParseServiceName(unit string) (bean string, s state.State, ok bool) {
	rest, ok := strings.CutPrefix(unit, unitPrefix)
	if !ok {
		return "", state.NotInstalled, false
	}
	i := strings.LastIndexByte(rest, '.')
	if i <= 0 {
		return "", state.NotInstalled, false
	}
	s, err := state.Parse(rest[i+1:])
	if err != nil {
		return "", state.NotInstalled, false
	}
	return rest[:i], s, true
}

// Deployment is the context shared by the beans installed together: their
// class loaders, reflection index, converters, and the registry installed
// instances are published into.
type Deployment struct {
	name string
	id   uuid.UUID

	sched      Scheduler
	loader     reflection.ClassLoader
	modules    map[string]reflection.ClassLoader
	index      *reflection.Index
	converters *value.Converters
	registry   *container.Container

	log     *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	mu    sync.RWMutex
	beans map[string]*bean // by name and alias
	order []*bean
}

// Option configures a Deployment.
type Option func(*Deployment)

// WithLoader sets the class loader used by beans that name no module.
func WithLoader(l reflection.ClassLoader) Option { return func(d *Deployment) { d.loader = l } }

// WithModule makes a class loader available to beans under name.
func WithModule(name string, l reflection.ClassLoader) Option {
	return func(d *Deployment) { d.modules[name] = l }
}

// WithConverters replaces the literal converters.
func WithConverters(c *value.Converters) Option { return func(d *Deployment) { d.converters = c } }

// WithLogger sets the logger. The default discards.
func WithLogger(l *zap.Logger) Option { return func(d *Deployment) { d.log = l } }

// WithMetrics records phase metrics.
func WithMetrics(m *metrics.Metrics) Option { return func(d *Deployment) { d.metrics = m } }

// WithTracer wraps each phase in a span. The default is a no-op tracer.
func WithTracer(t trace.Tracer) Option { return func(d *Deployment) { d.tracer = t } }

// New creates an empty deployment scheduling on sched.
func New(name string, sched Scheduler, opts ...Option) *Deployment {
	d := &Deployment{
		name:       name,
		id:         uuid.New(),
		sched:      sched,
		modules:    make(map[string]reflection.ClassLoader),
		index:      reflection.NewIndex(),
		converters: value.DefaultConverters(),
		registry:   container.New(),
		log:        zap.NewNop(),
		tracer:     noop.NewTracerProvider().Tracer(metrics.TracerName),
		beans:      make(map[string]*bean),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.loader == nil {
		d.loader = reflection.NewModule(name, nil)
	}
	d.log = d.log.With(zap.String("deployment", name), zap.Stringer("deployment_id", d.id))
	return d
}

// Name returns the deployment name.
func (d *Deployment) Name() string { return d.name }

// ID returns the deployment's unique id.
func (d *Deployment) ID() uuid.UUID { return d.id }

// Registry returns the container installed beans are published into.
func (d *Deployment) Registry() *container.Container { return d.registry }

// Index returns the deployment's reflection index.
func (d *Deployment) Index() *reflection.Index { return d.index }

// ── Install ───────────────────────────────────────────────────────────────────

// Install validates beans and installs, for each, the unit entering
// Described. It does not wait; use AwaitStability for the outcome.
func (d *Deployment) Install(ctx context.Context, beans []*descriptor.Bean) error {
	if err := descriptor.Validate(beans); err != nil {
		return err
	}

	d.mu.Lock()
	added := make([]*bean, 0, len(beans))
	for _, desc := range beans {
		for _, n := range desc.Names() {
			if _, dup := d.beans[n]; dup {
				d.mu.Unlock()
				return fmt.Errorf("%w: %s", ErrAlreadyInstalled, n)
			}
		}
	}
	for _, desc := range beans {
		b := &bean{desc: desc}
		for _, n := range desc.Names() {
			d.beans[n] = b
		}
		d.order = append(d.order, b)
		added = append(added, b)
	}
	d.mu.Unlock()

	for i, b := range added {
		if err := d.installFirst(b); err != nil {
			d.drop(ctx, added[:i])
			d.forget(added)
			return err
		}
	}
	d.log.Info("beans installed", zap.Int("count", len(added)))
	return nil
}

func (d *Deployment) installFirst(b *bean) error {
	deps, err := gates(b.desc, state.NotInstalled)
	if err != nil {
		return err
	}
	u := &unit{d: d, b: b, target: state.Described}
	_, err = d.sched.Install(ServiceName(b.desc.Name, state.Described), deps, u)
	return err
}

// Uninstall removes every bean of the deployment, last installed first.
// Each bean's units stop in reverse order; beans of other deployments that
// depend on them are stopped and wait for them to come back.
func (d *Deployment) Uninstall(ctx context.Context) error {
	d.mu.RLock()
	order := append([]*bean(nil), d.order...)
	d.mu.RUnlock()

	err := d.drop(ctx, order)
	d.forget(order)
	d.log.Info("beans uninstalled", zap.Int("count", len(order)))
	return err
}

func (d *Deployment) drop(ctx context.Context, beans []*bean) error {
	var errs []error
	for i := len(beans) - 1; i >= 0; i-- {
		err := d.sched.Remove(ctx, ServiceName(beans[i].desc.Name, state.Described))
		if err != nil && !errors.Is(err, msc.ErrNoSuchUnit) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Deployment) forget(beans []*bean) {
	d.mu.Lock()
	defer d.mu.Unlock()
	gone := make(map[*bean]bool, len(beans))
	for _, b := range beans {
		gone[b] = true
		for _, n := range b.desc.Names() {
			if d.beans[n] == b {
				delete(d.beans, n)
			}
		}
	}
	kept := d.order[:0]
	for _, b := range d.order {
		if !gone[b] {
			kept = append(kept, b)
		}
	}
	d.order = kept
}

// AwaitStability waits for the scheduler to settle, then reports on the
// units of this deployment only.
func (d *Deployment) AwaitStability(ctx context.Context) (*msc.Report, error) {
	r, err := d.sched.AwaitStability(ctx)
	if r == nil {
		return nil, err
	}
	r = d.scope(r)
	return r, r.Err()
}

func (d *Deployment) scope(r *msc.Report) *msc.Report {
	d.mu.RLock()
	defer d.mu.RUnlock()
	mine := func(unit string) bool {
		bean, _, ok := ParseServiceName(unit)
		return ok && d.beans[bean] != nil
	}

	missing := make(map[string]bool, len(r.Missing))
	for _, m := range r.Missing {
		missing[m] = true
	}
	out := &msc.Report{Failed: make(map[string]error), Waiting: make(map[string][]string)}
	for _, u := range r.Up {
		if mine(u) {
			out.Up = append(out.Up, u)
		}
	}
	for u, err := range r.Failed {
		if mine(u) {
			out.Failed[u] = err
		}
	}
	seen := make(map[string]bool)
	for u, deps := range r.Waiting {
		if !mine(u) {
			continue
		}
		out.Waiting[u] = deps
		for _, dep := range deps {
			if missing[dep] && !seen[dep] {
				seen[dep] = true
				out.Missing = append(out.Missing, dep)
			}
		}
	}
	sort.Strings(out.Missing)
	return out
}

// ── Queries ───────────────────────────────────────────────────────────────────

// State returns the state bean (a name or alias) has reached.
func (d *Deployment) State(name string) (state.State, error) {
	b, err := d.lookup(name)
	if err != nil {
		return state.NotInstalled, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state, nil
}

// BeanInfo returns the reflective metadata of bean, available from
// Described on. A bean produced by a factory without a class has none until
// it is instantiated.
func (d *Deployment) BeanInfo(name string) (*reflection.BeanInfo, error) {
	b, err := d.lookup(name)
	if err != nil {
		return nil, err
	}
	if info := b.beanInfo(); info != nil {
		return info, nil
	}
	return nil, fmt.Errorf("%w: %s has no bean info yet", ErrNotInstalled, name)
}

// Instance returns the bean's instance once it is INSTALLED.
func (d *Deployment) Instance(name string) (any, error) {
	b, err := d.lookup(name)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state != state.Installed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotInstalled, name, b.state)
	}
	return b.instance, nil
}

// Status returns a snapshot of bean (a name or alias).
func (d *Deployment) Status(name string) (Status, error) {
	b, err := d.lookup(name)
	if err != nil {
		return Status{}, err
	}
	return b.status(), nil
}

// Beans returns a snapshot of every bean, in install order.
func (d *Deployment) Beans() []Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Status, 0, len(d.order))
	for _, b := range d.order {
		out = append(out, b.status())
	}
	return out
}

// Descriptors returns the installed descriptors, in install order.
func (d *Deployment) Descriptors() []*descriptor.Bean {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*descriptor.Bean, 0, len(d.order))
	for _, b := range d.order {
		out = append(out, b.desc)
	}
	return out
}

func (d *Deployment) lookup(name string) (*bean, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.beans[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBean, name)
	}
	return b, nil
}

// ── Wiring ────────────────────────────────────────────────────────────────────

// registrar hands out scheduler slots for (bean, state) references.
type registrar struct{ sched Scheduler }

func (d *Deployment) registrar() registrar { return registrar{sched: d.sched} }

func (r registrar) DependencyValue(bean string, s state.State) *value.Slot {
	return r.sched.DependencyValue(ServiceName(bean, required(s)))
}

// required treats an unset state as Installed.
func required(s state.State) state.State {
	if s == state.NotInstalled {
		return state.Installed
	}
	return s
}

// gates returns the unit names the unit entering the state after phase
// waits on. The visit is detached from the scheduler: its slots are
// discarded and Start visits again for live ones.
func gates(desc *descriptor.Bean, phase state.State) ([]string, error) {
	p, err := visitor.Visit(desc, phase, nil)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(p.Deps))
	for _, dep := range p.Deps {
		out = append(out, ServiceName(dep.Bean, required(dep.State)))
	}
	sort.Strings(out)
	return out, nil
}

func (d *Deployment) classLoader(module string) (reflection.ClassLoader, error) {
	if module == "" {
		return d.loader, nil
	}
	if l, ok := d.modules[module]; ok {
		return l, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownModule, module)
}

func (d *Deployment) resolver(b value.Bindings, loader reflection.ClassLoader) *value.Resolver {
	r := &value.Resolver{
		Bindings:   b,
		Converters: d.converters,
		Invoker:    joinpoint.Dispatcher{Index: d.index},
	}
	if tr, ok := loader.(value.TypeResolver); ok {
		r.Types = tr
	}
	return r
}
