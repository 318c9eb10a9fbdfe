package msc

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

type downAction int

const (
	reset  downAction = iota // stop, keep installed, wait again
	remove                   // stop and uninstall
)

// Remove uninstalls the unit called name and its children. Units depending
// on any of them are stopped and go back to waiting. Stops run in reverse
// dependency order, independent units in parallel. A unit still starting is
// waited for; a unit that never started is dropped without a Stop.
func (c *Container) Remove(ctx context.Context, name string) error {
	c.teardown.Lock()
	defer c.teardown.Unlock()

	c.mu.Lock()
	root := c.units[name]
	c.mu.Unlock()
	if root == nil {
		return fmt.Errorf("%w: %s", ErrNoSuchUnit, name)
	}
	return c.bringDown(ctx, []*unit{root})
}

// Shutdown removes every unit, waits for the workers, and rejects further
// installs.
func (c *Container) Shutdown(ctx context.Context) error {
	c.teardown.Lock()
	defer c.teardown.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var roots []*unit
	for _, u := range c.units {
		if u.parent == nil {
			roots = append(roots, u)
		}
	}
	c.mu.Unlock()

	err := c.bringDown(ctx, roots)
	c.mu.Lock()
	for name := range c.slots {
		c.failSlots(name, ErrShutdown)
	}
	c.mu.Unlock()
	close(c.quit)
	<-c.stopped
	c.pool.Wait()
	c.cancel()
	return err
}

func (c *Container) bringDown(ctx context.Context, roots []*unit) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var set map[*unit]downAction
	for {
		set = c.closure(roots)
		var starting []chan struct{}
		for u := range set {
			if u.state == Starting {
				starting = append(starting, u.done)
			}
		}
		if len(starting) == 0 {
			break
		}
		// Starts in flight may install children; recompute after they return.
		c.mu.Unlock()
		for _, done := range starting {
			select {
			case <-done:
			case <-ctx.Done():
				c.mu.Lock()
				return ctx.Err()
			}
		}
		c.mu.Lock()
	}

	for u := range set {
		u.held = true
		if u.state == Up {
			u.state = Stopping
			c.emit(Event{Unit: u.name, State: Stopping})
		}
	}

	remaining := make(map[*unit]downAction, len(set))
	for u, act := range set {
		remaining[u] = act
	}
	for len(remaining) > 0 {
		wave := c.wave(remaining)
		var stopping []*unit
		for _, u := range wave {
			if u.state == Stopping {
				stopping = append(stopping, u)
			}
		}
		c.mu.Unlock()
		c.stopAll(ctx, stopping)
		c.mu.Lock()
		for _, u := range wave {
			if remaining[u] == remove {
				c.uninstall(u)
			} else {
				u.state, u.err = Waiting, nil
				c.emit(Event{Unit: u.name, State: Waiting})
			}
			delete(remaining, u)
		}
	}

	for u, act := range set {
		u.held = false
		if act == reset {
			c.evaluate(u)
		}
	}
	return nil
}

// closure collects roots and their children for removal, and every unit
// transitively depending on them for reset. Caller holds c.mu.
func (c *Container) closure(roots []*unit) map[*unit]downAction {
	set := make(map[*unit]downAction)
	var visit func(u *unit, act downAction)
	visit = func(u *unit, act downAction) {
		if prev, seen := set[u]; seen {
			if act == remove && prev == reset {
				set[u] = remove
			}
			return
		}
		set[u] = act
		for _, ch := range u.children {
			visit(ch, remove)
		}
		for _, dn := range c.sortedDependents(u.name) {
			if du := c.units[dn]; du != nil {
				visit(du, reset)
			}
		}
	}
	for _, r := range roots {
		visit(r, remove)
	}
	return set
}

// wave returns the units of remaining that nothing else in remaining
// depends on. Caller holds c.mu.
func (c *Container) wave(remaining map[*unit]downAction) []*unit {
	var out []*unit
	for u := range remaining {
		blocked := false
		for dn := range c.dependents[u.name] {
			if du := c.units[dn]; du != nil {
				if _, in := remaining[du]; in && du != u {
					blocked = true
					break
				}
			}
		}
		if !blocked {
			out = append(out, u)
		}
	}
	if len(out) == 0 {
		// Only a cycle can get here; cyclic units never started.
		for u := range remaining {
			out = append(out, u)
		}
	}
	return out
}

func (c *Container) stopAll(ctx context.Context, units []*unit) {
	p := pool.New().WithMaxGoroutines(c.workers)
	for _, u := range units {
		u := u
		p.Go(func() {
			began := time.Now()
			c.safeStop(ctx, u)
			c.mu.Lock()
			u.state = Down
			c.emit(Event{Unit: u.name, State: Down, Duration: time.Since(began)})
			c.mu.Unlock()
		})
	}
	p.Wait()
}

func (c *Container) safeStop(ctx context.Context, u *unit) {
	defer func() {
		if p := recover(); p != nil {
			c.log.Error("unit stop panicked", zap.String("unit", u.name), zap.Any("panic", p))
		}
	}()
	u.svc.Stop(&StopContext{ctx: ctx, name: u.name})
}

// uninstall drops u from every index. Caller holds c.mu.
func (c *Container) uninstall(u *unit) {
	if c.units[u.name] == u {
		delete(c.units, u.name)
	}
	for _, d := range u.deps {
		if m := c.dependents[d]; m != nil {
			delete(m, u.name)
			if len(m) == 0 {
				delete(c.dependents, d)
			}
		}
	}
	if u.parent != nil {
		delete(u.parent.children, u.name)
	}
	u.state = Removed
	c.failSlots(u.name, fmt.Errorf("%w: %s removed", ErrNoSuchUnit, u.name))
	c.log.Debug("unit removed", zap.String("unit", u.name))
	c.emit(Event{Unit: u.name, State: Removed})
}
