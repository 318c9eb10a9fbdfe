package msc

import "context"

// Service is the work behind one unit.
//
// Start runs on a pool worker once every dependency is up. A non-nil error
// fails the unit and everything waiting on it. Stop runs during teardown,
// only for units whose Start succeeded; it cannot fail, so implementations
// log their own errors. Value is read after a successful Start and handed to
// every DependencyValue slot for the unit.
type Service interface {
	Start(ctx *StartContext) error
	Stop(ctx *StopContext)
	Value() any
}

// Target installs units. The container is the root target; a StartContext
// hands out a child target whose units depend on, and are removed with, the
// starting unit.
type Target interface {
	Install(name string, deps []string, svc Service) (*Controller, error)
}

// StartContext is passed to Service.Start.
type StartContext struct {
	ctx context.Context
	c   *Container
	u   *unit
}

// Context is canceled when the container shuts down.
func (s *StartContext) Context() context.Context { return s.ctx }

// Name returns the starting unit's name.
func (s *StartContext) Name() string { return s.u.name }

// ChildTarget returns a target installing children of the starting unit.
func (s *StartContext) ChildTarget() Target { return childTarget{c: s.c, parent: s.u} }

// StopContext is passed to Service.Stop.
type StopContext struct {
	ctx  context.Context
	name string
}

// Context returns the context of the Remove or Shutdown call.
func (s *StopContext) Context() context.Context { return s.ctx }

// Name returns the stopping unit's name.
func (s *StopContext) Name() string { return s.name }

type childTarget struct {
	c      *Container
	parent *unit
}

func (t childTarget) Install(name string, deps []string, svc Service) (*Controller, error) {
	return t.c.install(t.parent, name, deps, svc)
}

// ServiceFunc adapts plain functions to Service. Nil functions are no-ops.
type ServiceFunc struct {
	OnStart func(*StartContext) error
	OnStop  func(*StopContext)
	Val     any
}

func (f ServiceFunc) Start(ctx *StartContext) error {
	if f.OnStart == nil {
		return nil
	}
	return f.OnStart(ctx)
}

func (f ServiceFunc) Stop(ctx *StopContext) {
	if f.OnStop != nil {
		f.OnStop(ctx)
	}
}

func (f ServiceFunc) Value() any { return f.Val }
