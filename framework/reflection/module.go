package reflection

import (
	"reflect"
	"sort"
	"strconv"
	"sync"
)

// ClassLoader resolves class names to registered classes.
type ClassLoader interface {
	LoadClass(name string) (*Class, error)
}

// ClassNotFoundError is returned when no loader in the chain knows a class.
type ClassNotFoundError struct {
	Name   string
	Module string
}

func (e *ClassNotFoundError) Error() string {
	return "reflection: class " + strconv.Quote(e.Name) + " not found in module " + strconv.Quote(e.Module)
}

// Module is a named ClassLoader backed by an in-memory registry, optionally
// delegating misses to a parent loader.
//
// Module is safe for concurrent use.
type Module struct {
	name   string
	parent ClassLoader

	mu      sync.RWMutex
	classes map[string]*Class
}

// NewModule creates an empty module. parent may be nil.
func NewModule(name string, parent ClassLoader) *Module {
	return &Module{name: name, parent: parent, classes: make(map[string]*Class)}
}

// Name returns the module name.
func (m *Module) Name() string { return m.name }

// Register adds a class. sample is a value (or pointer, or reflect.Type) of
// the class's type. Registering a name twice replaces the earlier class.
func (m *Module) Register(name string, sample any, opts ...ClassOption) (*Class, error) {
	c, err := newClass(name, sample, opts...)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classes[name] = c
	return c, nil
}

// MustRegister is Register that panics on error. Intended for program init.
func (m *Module) MustRegister(name string, sample any, opts ...ClassOption) *Class {
	c, err := m.Register(name, sample, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// LoadClass implements ClassLoader.
func (m *Module) LoadClass(name string) (*Class, error) {
	m.mu.RLock()
	c, ok := m.classes[name]
	m.mu.RUnlock()
	if ok {
		return c, nil
	}
	if m.parent != nil {
		if c, err := m.parent.LoadClass(name); err == nil {
			return c, nil
		}
	}
	return nil, &ClassNotFoundError{Name: name, Module: m.name}
}

// ResolveType maps a class name to the type of its instances, so registered
// class names can be used as declared value types.
func (m *Module) ResolveType(name string) (reflect.Type, error) {
	c, err := m.LoadClass(name)
	if err != nil {
		return nil, err
	}
	return c.InstanceType(), nil
}

// Classes lists the names registered directly in this module, sorted.
func (m *Module) Classes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.classes))
	for n := range m.classes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
