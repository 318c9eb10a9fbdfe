package value

import (
	"fmt"
	"sync"
)

// SlotState is the fill state of a Slot.
type SlotState int

const (
	Pending SlotState = iota
	Resolved
	Failed
)

func (s SlotState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Slot is a single-assignment cell filled by the scheduler once the bean it
// stands for reaches the required state. Reading a pending Slot is a
// programming error and returns ErrNotYetResolved.
//
// Slot is safe for concurrent use.
type Slot struct {
	name string

	mu    sync.Mutex
	state SlotState
	val   any
	err   error
	done  chan struct{}
}

// NewSlot returns a pending slot. name is used in error messages only.
func NewSlot(name string) *Slot {
	return &Slot{name: name, done: make(chan struct{})}
}

// ResolvedSlot returns a slot already holding v.
func ResolvedSlot(name string, v any) *Slot {
	s := NewSlot(name)
	_ = s.Fill(v)
	return s
}

// Name returns the slot's name.
func (s *Slot) Name() string { return s.name }

// Fill stores v. A second Fill or a Fill after Fail returns ErrSlotAlreadyFilled.
func (s *Slot) Fill(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Pending {
		return fmt.Errorf("%w: %s", ErrSlotAlreadyFilled, s.name)
	}
	s.state = Resolved
	s.val = v
	close(s.done)
	return nil
}

// Fail marks the slot as permanently failed with err.
func (s *Slot) Fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Pending {
		return fmt.Errorf("%w: %s", ErrSlotAlreadyFilled, s.name)
	}
	s.state = Failed
	s.err = err
	close(s.done)
	return nil
}

// Get returns the stored value. Every read after Fill returns the same value.
func (s *Slot) Get() (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Resolved:
		return s.val, nil
	case Failed:
		return nil, fmt.Errorf("value: dependency %s failed: %w", s.name, s.err)
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotYetResolved, s.name)
	}
}

// State returns the current fill state.
func (s *Slot) State() SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the slot is resolved or failed.
func (s *Slot) Done() <-chan struct{} { return s.done }
