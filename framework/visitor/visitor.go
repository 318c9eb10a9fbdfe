// Package visitor is the phase driver. Visit looks at one descriptor from
// the point of view of one lifecycle state and returns a Plan: what the unit
// entering the next state needs (dependency edges, bound values, and the
// configuration to turn into joinpoints).
//
// Phase-specific work is dispatched through a table keyed by state. The
// table covers every state; a state with nothing to contribute maps to an
// empty function rather than being absent.
//
//	NotInstalled  class loader module
//	Described     constructor
//	Instantiated  properties
//	Configured    create, destroy
//	Create        start, stop
//	Installed     nothing
//
// Depends, installs and uninstalls are visited at every state; each entry
// contributes only at the state right before the one it is tied to.
package visitor

import (
	"fmt"

	"github.com/km-arc/go-mc/framework/descriptor"
	"github.com/km-arc/go-mc/framework/state"
	"github.com/km-arc/go-mc/framework/value"
)

// Dependency is a (bean, state) edge.
type Dependency struct {
	Bean  string
	State state.State
}

func (d Dependency) String() string { return d.Bean + "@" + d.State.String() }

// Callback is a named lifecycle callback.
type Callback struct {
	Name string
	*descriptor.Lifecycle
}

// Plan is the output of one visit.
type Plan struct {
	Bean *descriptor.Bean

	// Phase is the visited state; Target the state of the unit the plan gates.
	Phase  state.State
	Target state.State

	Deps     []Dependency
	Bindings value.Bindings

	// Self backs references from the bean to itself. The unit fills it with
	// the current instance before resolving; it is nil when unused.
	Self *value.Slot

	Module      string
	Constructor *descriptor.Constructor
	Properties  descriptor.Properties
	Callbacks   []Callback
	Installs    []descriptor.Install
	Uninstalls  []descriptor.Install
}

// Callback returns the callback called name, or nil.
func (p *Plan) Callback(name string) *descriptor.Lifecycle {
	for _, c := range p.Callbacks {
		if c.Name == name {
			return c.Lifecycle
		}
	}
	return nil
}

// Empty reports whether the plan carries no work and no edges.
func (p *Plan) Empty() bool {
	return len(p.Deps) == 0 && p.Constructor == nil && len(p.Properties) == 0 &&
		len(p.Callbacks) == 0 && len(p.Installs) == 0 && len(p.Uninstalls) == 0
}

func (p *Plan) addDep(bean string, s state.State) {
	d := Dependency{Bean: bean, State: s}
	for _, have := range p.Deps {
		if have == d {
			return
		}
	}
	p.Deps = append(p.Deps, d)
}

// phaseFunc contributes the phase-specific part of a plan.
type phaseFunc func(d *descriptor.Bean, p *Plan, b *binder)

var phases = map[state.State]phaseFunc{
	state.NotInstalled: func(d *descriptor.Bean, p *Plan, _ *binder) {
		p.Module = d.Module
	},
	state.Described: func(d *descriptor.Bean, p *Plan, b *binder) {
		c := d.Constructor
		if c == nil {
			c = &descriptor.Constructor{}
		}
		p.Constructor = c
		b.values(c.Parameters)
		if c.Factory != nil {
			b.value(*c.Factory)
		}
	},
	state.Instantiated: func(d *descriptor.Bean, p *Plan, b *binder) {
		p.Properties = d.Properties
		for _, prop := range d.Properties {
			b.value(prop.Value)
		}
	},
	state.Configured: func(d *descriptor.Bean, p *Plan, b *binder) {
		b.callbacks(d, p, "create", "destroy")
	},
	state.Create: func(d *descriptor.Bean, p *Plan, b *binder) {
		b.callbacks(d, p, "start", "stop")
	},
	state.Installed: func(*descriptor.Bean, *Plan, *binder) {},
}

func init() {
	for _, s := range state.All() {
		if phases[s] == nil {
			panic(fmt.Sprintf("visitor: no phase function for %s", s))
		}
	}
}

// Visit builds the plan for d at phase. Every Injected and Factory value the
// plan will resolve is registered with reg, and the returned slot is kept in
// Plan.Bindings. A nil reg hands out detached pending slots, for callers
// that only need Deps. Visiting Installed returns an empty plan: there is
// no next state to gate.
func Visit(d *descriptor.Bean, phase state.State, reg value.Registrar) (*Plan, error) {
	if d == nil {
		return nil, fmt.Errorf("visitor: nil descriptor")
	}
	fn, ok := phases[phase]
	if !ok {
		return nil, fmt.Errorf("visitor: invalid phase %s", phase)
	}
	p := &Plan{Bean: d, Phase: phase, Target: phase, Bindings: value.Bindings{}}
	next, ok := phase.Next()
	if !ok {
		return p, nil
	}
	p.Target = next

	b := &binder{plan: p, reg: reg, self: selfNames(d)}
	fn(d, p, b)

	for _, dep := range d.Depends {
		if dep.Gates() == next {
			b.dependOn(dep.Bean, dep.Required())
		}
	}
	for _, in := range d.Installs {
		if in.Phase() == next {
			p.Installs = append(p.Installs, in)
			b.install(in)
		}
	}
	for _, in := range d.Uninstalls {
		if in.Phase() == next {
			p.Uninstalls = append(p.Uninstalls, in)
			b.install(in)
		}
	}
	return p, nil
}

// binder registers values with the registrar on behalf of a plan, recording
// each edge. References to the bean itself go to Plan.Self instead: waiting
// on yourself would never resolve.
type binder struct {
	plan *Plan
	reg  value.Registrar
	self map[string]bool
}

func (b *binder) DependencyValue(bean string, s state.State) *value.Slot {
	if b.self[bean] {
		if b.plan.Self == nil {
			b.plan.Self = value.NewSlot(b.plan.Bean.Name + "@self")
		}
		return b.plan.Self
	}
	b.plan.addDep(bean, s)
	if b.reg == nil {
		return value.NewSlot(bean + "@" + s.String())
	}
	return b.reg.DependencyValue(bean, s)
}

func (b *binder) dependOn(bean string, s state.State) {
	if !b.self[bean] {
		b.plan.addDep(bean, s)
	}
}

func (b *binder) value(v descriptor.Value) {
	value.Bind(v.Get(), b, b.plan.Bindings)
}

func (b *binder) values(vs []descriptor.Value) {
	for _, v := range vs {
		b.value(v)
	}
}

func (b *binder) callbacks(d *descriptor.Bean, p *Plan, names ...string) {
	for _, n := range names {
		cb := d.Callback(n)
		if cb == nil {
			continue
		}
		p.Callbacks = append(p.Callbacks, Callback{Name: n, Lifecycle: cb})
		b.values(cb.Parameters)
	}
}

func (b *binder) install(in descriptor.Install) {
	if in.Bean != "" {
		b.dependOn(in.Bean, in.Required())
	}
	b.values(in.Parameters)
}

func selfNames(d *descriptor.Bean) map[string]bool {
	m := make(map[string]bool, 1+len(d.Aliases))
	for _, n := range d.Names() {
		m[n] = true
	}
	return m
}
