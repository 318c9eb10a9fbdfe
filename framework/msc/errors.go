package msc

import (
	"errors"
	"fmt"
)

var (
	// ErrUnresolvedDependencies is reported by AwaitStability when units are
	// still waiting after all work has drained: their dependencies are not
	// installed, failed, or form a cycle.
	ErrUnresolvedDependencies = errors.New("msc: unresolved dependencies")

	// ErrUnitsFailed is reported by AwaitStability when any unit failed.
	ErrUnitsFailed = errors.New("msc: units failed")

	ErrDuplicateUnit = errors.New("msc: duplicate unit")
	ErrNoSuchUnit    = errors.New("msc: no such unit")
	ErrShutdown      = errors.New("msc: container shut down")
)

// DependencyFailedError is the failure of a unit that never started because
// a dependency failed.
type DependencyFailedError struct {
	Unit       string
	Dependency string
	Err        error
}

func (e *DependencyFailedError) Error() string {
	return fmt.Sprintf("msc: %s: dependency %s failed: %v", e.Unit, e.Dependency, e.Err)
}

func (e *DependencyFailedError) Unwrap() error { return e.Err }

// StartError wraps the error returned (or panic raised) by Service.Start.
type StartError struct {
	Unit string
	Err  error
}

func (e *StartError) Error() string { return fmt.Sprintf("msc: starting %s: %v", e.Unit, e.Err) }

func (e *StartError) Unwrap() error { return e.Err }
