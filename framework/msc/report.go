package msc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Report is a snapshot of the container once no unit is starting.
type Report struct {
	Up     []string
	Failed map[string]error

	// Waiting maps each waiting unit to the dependencies it still waits for.
	Waiting map[string][]string

	// Missing lists dependency names that no installed unit provides.
	Missing []string
}

// Stable reports whether every unit is up.
func (r *Report) Stable() bool { return len(r.Failed) == 0 && len(r.Waiting) == 0 }

// Err summarizes the report: ErrUnresolvedDependencies for waiting units,
// ErrUnitsFailed for failures, joined when both apply.
func (r *Report) Err() error {
	var errs []error
	if len(r.Waiting) > 0 {
		parts := make([]string, 0, len(r.Waiting))
		for _, u := range sortedKeys(r.Waiting) {
			parts = append(parts, u+" → "+strings.Join(r.Waiting[u], ","))
		}
		errs = append(errs, fmt.Errorf("%w: %s", ErrUnresolvedDependencies, strings.Join(parts, "; ")))
	}
	if len(r.Failed) > 0 {
		names := sortedKeys(r.Failed)
		wrapped := make([]error, 0, len(names))
		for _, n := range names {
			wrapped = append(wrapped, r.Failed[n])
		}
		errs = append(errs, fmt.Errorf("%w: %s: %w", ErrUnitsFailed, strings.Join(names, ","), errors.Join(wrapped...)))
	}
	return errors.Join(errs...)
}

// AwaitStability blocks until no unit is queued or starting, then reports.
// Units that are still waiting at that point can never start on their own,
// so they are reported rather than waited on.
func (c *Container) AwaitStability(ctx context.Context) (*Report, error) {
	for {
		c.mu.Lock()
		if c.busy == 0 {
			r := c.report()
			c.mu.Unlock()
			return r, r.Err()
		}
		idle := c.idle
		c.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// report builds the snapshot. Caller holds c.mu.
func (c *Container) report() *Report {
	r := &Report{Failed: make(map[string]error), Waiting: make(map[string][]string)}
	missing := make(map[string]bool)
	for name, u := range c.units {
		switch u.state {
		case Up:
			r.Up = append(r.Up, name)
		case Failed:
			r.Failed[name] = u.err
		case Waiting:
			var blocked []string
			for _, d := range u.deps {
				du := c.units[d]
				if du == nil {
					missing[d] = true
					blocked = append(blocked, d)
					continue
				}
				if du.state != Up {
					blocked = append(blocked, d)
				}
			}
			r.Waiting[name] = blocked
		}
	}
	sort.Strings(r.Up)
	r.Missing = sortedKeys(missing)
	return r
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
