package lifecycle

import (
	"sync"

	"github.com/km-arc/go-mc/framework/descriptor"
	"github.com/km-arc/go-mc/framework/reflection"
	"github.com/km-arc/go-mc/framework/state"
)

// bean is the runtime record of one descriptor. Its units are the only
// writers; phases of one bean never overlap, but readers come from anywhere.
type bean struct {
	desc *descriptor.Bean

	mu       sync.RWMutex
	state    state.State
	class    *reflection.Class
	info     *reflection.BeanInfo
	instance any
	err      error
}

func (b *bean) reached(s state.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
	b.err = nil
}

// left records the bean dropping out of s, back to the state before it.
func (b *bean) left(s state.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := s.Prev(); ok && b.state >= s {
		b.state = prev
	}
}

func (b *bean) failed(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func (b *bean) current() any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.instance
}

func (b *bean) beanInfo() *reflection.BeanInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.info
}

// Status is a snapshot of one bean.
type Status struct {
	Name    string      `json:"name"`
	Aliases []string    `json:"aliases,omitempty"`
	Class   string      `json:"class,omitempty"`
	State   state.State `json:"state"`
	Error   string      `json:"error,omitempty"`
}

func (b *bean) status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := Status{Name: b.desc.Name, Aliases: b.desc.Aliases, Class: b.desc.Class, State: b.state}
	if b.class != nil {
		s.Class = b.class.Name()
	}
	if b.err != nil {
		s.Error = b.err.Error()
	}
	return s
}
