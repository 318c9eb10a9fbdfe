// Package msc is a small service container: named units, each gated on the
// names it depends on, started concurrently on a bounded worker pool once
// every dependency is up, and torn down in reverse dependency order.
//
//	c := msc.New(msc.WithWorkers(8), msc.WithLogger(log))
//	defer c.Shutdown(ctx)
//
//	c.Install("db", nil, dbService)
//	c.Install("repo", []string{"db"}, repoService)
//	slot := c.DependencyValue("db")  // filled once "db" is up
//
//	report, err := c.AwaitStability(ctx)
//
// Removing a unit removes its children and stops every unit that depends on
// it. Those dependents are not removed: they go back to waiting and restart
// when their dependencies come back.
package msc

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/km-arc/go-mc/framework/value"
)

// State is the state of one unit.
type State int

const (
	Waiting State = iota
	Starting
	Up
	Failed
	Stopping
	Down // Stop returned; about to wait again or be removed
	Removed
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "WAITING"
	case Starting:
		return "STARTING"
	case Up:
		return "UP"
	case Failed:
		return "FAILED"
	case Stopping:
		return "STOPPING"
	case Down:
		return "DOWN"
	case Removed:
		return "REMOVED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Event is a unit transition, delivered to the listener.
type Event struct {
	Unit     string
	State    State
	Err      error
	Duration time.Duration // Start duration on Up, Stop duration on Down
}

type unit struct {
	name     string
	deps     []string
	svc      Service
	parent   *unit
	children map[string]*unit
	state    State
	err      error
	done     chan struct{} // closed when the running Start returns
	held     bool          // being torn down; not eligible to start
}

// Container schedules units. It is safe for concurrent use.
type Container struct {
	log      *zap.Logger
	workers  int
	listener func(Event)

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	units      map[string]*unit
	dependents map[string]map[string]struct{} // dependency name → dependent names
	slots      map[string][]*value.Slot       // pending DependencyValue slots by unit name
	queue      []*unit
	busy       int
	idle       chan struct{} // closed while busy == 0
	closed     bool

	teardown sync.Mutex // serializes Remove and Shutdown
	wake     chan struct{}
	quit     chan struct{}
	stopped  chan struct{}
	pool     *pool.Pool
}

// Option configures a Container.
type Option func(*Container)

// WithLogger sets the logger. The default discards.
func WithLogger(l *zap.Logger) Option { return func(c *Container) { c.log = l } }

// WithWorkers bounds concurrent Start calls. The default is GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(c *Container) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithListener receives every unit transition. It is called with the
// container lock held and must not call back into the container.
func WithListener(fn func(Event)) Option { return func(c *Container) { c.listener = fn } }

// New creates a container and starts its dispatcher.
func New(opts ...Option) *Container {
	c := &Container{
		log:        zap.NewNop(),
		workers:    runtime.GOMAXPROCS(0),
		units:      make(map[string]*unit),
		dependents: make(map[string]map[string]struct{}),
		slots:      make(map[string][]*value.Slot),
		idle:       make(chan struct{}),
		wake:       make(chan struct{}, 1),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	close(c.idle)
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.pool = pool.New().WithMaxGoroutines(c.workers)
	go c.dispatch()
	return c
}

// ── Install ───────────────────────────────────────────────────────────────────

// Install adds a unit. It starts once every name in deps is up.
func (c *Container) Install(name string, deps []string, svc Service) (*Controller, error) {
	return c.install(nil, name, deps, svc)
}

func (c *Container) install(parent *unit, name string, deps []string, svc Service) (*Controller, error) {
	if name == "" || svc == nil {
		return nil, fmt.Errorf("msc: install needs a name and a service")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrShutdown
	}
	if _, dup := c.units[name]; dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateUnit, name)
	}
	if parent != nil {
		if c.units[parent.name] != parent {
			return nil, fmt.Errorf("%w: parent %s of %s", ErrNoSuchUnit, parent.name, name)
		}
		deps = append(deps, parent.name)
	}

	u := &unit{name: name, deps: dedupe(deps, name), svc: svc, parent: parent, children: make(map[string]*unit)}
	c.units[name] = u
	for _, d := range u.deps {
		if c.dependents[d] == nil {
			c.dependents[d] = make(map[string]struct{})
		}
		c.dependents[d][name] = struct{}{}
	}
	if parent != nil {
		parent.children[name] = u
	}
	c.log.Debug("unit installed", zap.String("unit", name), zap.Strings("deps", u.deps))
	c.emit(Event{Unit: name, State: Waiting})
	c.evaluate(u)
	return &Controller{c: c, u: u}, nil
}

// DependencyValue returns a slot holding the value of the unit called name.
// The slot is already filled when the unit is up; otherwise it is filled
// when the unit comes up, or failed when it fails or is removed first. It
// never blocks.
func (c *Container) DependencyValue(name string) *value.Slot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if u := c.units[name]; u != nil {
		switch u.state {
		case Up:
			return value.ResolvedSlot(name, u.svc.Value())
		case Failed:
			s := value.NewSlot(name)
			_ = s.Fail(u.err)
			return s
		}
	}
	s := value.NewSlot(name)
	c.slots[name] = append(c.slots[name], s)
	return s
}

// Controller is the handle of one installed unit.
type Controller struct {
	c *Container
	u *unit
}

// Name returns the unit name.
func (ctl *Controller) Name() string { return ctl.u.name }

// State returns the unit state; Removed once it is gone.
func (ctl *Controller) State() State {
	ctl.c.mu.Lock()
	defer ctl.c.mu.Unlock()
	if ctl.c.units[ctl.u.name] != ctl.u {
		return Removed
	}
	return ctl.u.state
}

// Err returns the failure of a Failed unit.
func (ctl *Controller) Err() error {
	ctl.c.mu.Lock()
	defer ctl.c.mu.Unlock()
	return ctl.u.err
}

// State returns the state of the unit called name, or Removed.
func (c *Container) State(name string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u := c.units[name]; u != nil {
		return u.state
	}
	return Removed
}

// Units returns the installed unit names, sorted.
func (c *Container) Units() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.units))
	for n := range c.units {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ── Scheduling ────────────────────────────────────────────────────────────────

// evaluate queues u when all its dependencies are up, or fails it when one
// has failed. Caller holds c.mu; u is Waiting.
func (c *Container) evaluate(u *unit) {
	if u.state != Waiting || u.held {
		return
	}
	for _, d := range u.deps {
		du := c.units[d]
		if du == nil {
			return
		}
		switch du.state {
		case Up:
			continue
		case Failed:
			c.fail(u, &DependencyFailedError{Unit: u.name, Dependency: d, Err: du.err})
			return
		default:
			return
		}
	}
	u.state = Starting
	u.done = make(chan struct{})
	c.queue = append(c.queue, u)
	c.setBusy(+1)
	c.emit(Event{Unit: u.name, State: Starting})
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Container) dispatch() {
	defer close(c.stopped)
	for {
		select {
		case <-c.quit:
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			u := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			c.pool.Go(func() { c.run(u) })
		}
	}
}

func (c *Container) run(u *unit) {
	began := time.Now()
	err := c.safeStart(u)
	took := time.Since(began)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.log.Warn("unit failed", zap.String("unit", u.name), zap.Duration("took", took), zap.Error(err))
		c.fail(u, &StartError{Unit: u.name, Err: err})
	} else {
		u.state = Up
		c.log.Debug("unit up", zap.String("unit", u.name), zap.Duration("took", took))
		c.emit(Event{Unit: u.name, State: Up, Duration: took})
		v := u.svc.Value()
		for _, s := range c.slots[u.name] {
			// Slots are only ever settled under c.mu and dropped once settled.
			_ = s.Fill(v)
		}
		delete(c.slots, u.name)
		for _, dn := range c.sortedDependents(u.name) {
			if du := c.units[dn]; du != nil {
				c.evaluate(du)
			}
		}
	}
	close(u.done)
	c.setBusy(-1)
}

func (c *Container) safeStart(u *unit) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return u.svc.Start(&StartContext{ctx: c.ctx, c: c, u: u})
}

// fail marks u failed and fails everything waiting on it. Caller holds c.mu.
func (c *Container) fail(u *unit, err error) {
	u.state = Failed
	u.err = err
	c.emit(Event{Unit: u.name, State: Failed, Err: err})
	c.failSlots(u.name, err)
	for _, dn := range c.sortedDependents(u.name) {
		if du := c.units[dn]; du != nil && du.state == Waiting {
			c.fail(du, &DependencyFailedError{Unit: du.name, Dependency: u.name, Err: err})
		}
	}
}

func (c *Container) setBusy(delta int) {
	if c.busy == 0 && delta > 0 {
		c.idle = make(chan struct{})
	}
	c.busy += delta
	if c.busy == 0 {
		close(c.idle)
	}
}

// failSlots settles every pending slot for name with err. Caller holds c.mu.
func (c *Container) failSlots(name string, err error) {
	for _, s := range c.slots[name] {
		// Slots are only ever settled under c.mu and dropped once settled.
		_ = s.Fail(err)
	}
	delete(c.slots, name)
}

func (c *Container) emit(e Event) {
	if c.listener != nil {
		c.listener(e)
	}
}

func (c *Container) sortedDependents(name string) []string {
	out := make([]string, 0, len(c.dependents[name]))
	for n := range c.dependents[name] {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func dedupe(deps []string, self string) []string {
	seen := make(map[string]bool, len(deps))
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		if d == "" || d == self || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}
