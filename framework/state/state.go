// Package state defines the ordered lifecycle states a bean moves through.
//
// States are totally ordered by index. Startup walks them forward one step at
// a time and teardown walks the same path backwards:
//
//	NotInstalled → Described → Instantiated → Configured → Create → Installed
package state

import (
	"fmt"
	"strings"
)

// State is a bean lifecycle state.
type State int

const (
	NotInstalled State = iota
	Described
	Instantiated
	Configured
	Create
	Installed
)

var names = [...]string{
	NotInstalled: "NOT_INSTALLED",
	Described:    "DESCRIBED",
	Instantiated: "INSTANTIATED",
	Configured:   "CONFIGURED",
	Create:       "CREATE",
	Installed:    "INSTALLED",
}

// All returns every state in forward order.
func All() []State {
	return []State{NotInstalled, Described, Instantiated, Configured, Create, Installed}
}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool { return s >= NotInstalled && s <= Installed }

func (s State) String() string {
	if !s.Valid() {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return names[s]
}

// Next returns the state following s on the startup path.
// ok is false for Installed.
func (s State) Next() (State, bool) {
	if !s.Valid() || s == Installed {
		return s, false
	}
	return s + 1, true
}

// Prev returns the state preceding s on the teardown path.
// ok is false for NotInstalled.
func (s State) Prev() (State, bool) {
	if !s.Valid() || s == NotInstalled {
		return s, false
	}
	return s - 1, true
}

// Before reports whether s comes strictly before other.
func (s State) Before(other State) bool { return s < other }

// Parse converts a state name ("INSTALLED", "installed", "Not_Installed") into a State.
func Parse(name string) (State, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	for i, v := range names {
		if v == n {
			return State(i), nil
		}
	}
	return NotInstalled, fmt.Errorf("state: unknown lifecycle state %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("state: cannot marshal %s", s)
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input selects Installed,
// the default required state for dependencies.
func (s *State) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*s = Installed
		return nil
	}
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
