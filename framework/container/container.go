package container

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotBound is returned by Make for a name with no binding or instance.
	ErrNotBound = errors.New("container: nothing bound")

	// ErrAlias is returned for an alias naming itself or an existing key.
	ErrAlias = errors.New("container: invalid alias")
)

// ── Binding types ─────────────────────────────────────────────────────────────

// Factory builds a value from the container.
type Factory func(c *Container) (any, error)

type binding struct {
	factory   Factory
	singleton bool
}

// ── Container ─────────────────────────────────────────────────────────────────

// Container is a named registry of values.
//
// It supports:
//   - Bind / Singleton / Instance / Alias
//   - Make / Resolve (generic)
//   - Forget, which also drops every alias of the name
//
// The application keeps its services in one; every deployment publishes its
// installed beans into its own, under the bean name and aliases.
type Container struct {
	mu sync.RWMutex

	// name → binding
	bindings map[string]*binding

	// name → resolved singleton or registered instance
	instances map[string]any

	// alias → canonical name
	aliases map[string]string

	building singleflight.Group
}

// New creates an empty container.
func New() *Container {
	c := &Container{
		bindings:  make(map[string]*binding),
		instances: make(map[string]any),
		aliases:   make(map[string]string),
	}
	c.Instance("container", c)
	return c
}

// ── Registration ──────────────────────────────────────────────────────────────

// Bind registers a factory called on every Make.
//
//	c.Bind("clock", func(*container.Container) (any, error) { return time.Now(), nil })
func (c *Container) Bind(name string, factory Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bind(name, factory, false)
}

// Singleton registers a factory whose result is cached after the first
// successful Make. Concurrent first calls build once.
//
//	c.Singleton("logger", func(c *container.Container) (any, error) {
//	    cfg, err := container.Resolve[*config.Config](c, "config")
//	    if err != nil {
//	        return nil, err
//	    }
//	    return logging.New(cfg.Log)
//	})
func (c *Container) Singleton(name string, factory Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bind(name, factory, true)
}

// Instance registers a pre-built value, replacing any binding.
func (c *Container) Instance(name string, instance any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.canonical(name)
	delete(c.bindings, key)
	c.instances[key] = instance
}

// must hold mu
func (c *Container) bind(name string, factory Factory, singleton bool) {
	key := c.canonical(name)
	delete(c.instances, key)
	c.bindings[key] = &binding{factory: factory, singleton: singleton}
}

// Alias registers an alternative name for name.
func (c *Container) Alias(name, alias string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name == alias {
		return fmt.Errorf("%w: [%s] is aliased to itself", ErrAlias, name)
	}
	if _, taken := c.instances[alias]; taken {
		return fmt.Errorf("%w: [%s] is already bound", ErrAlias, alias)
	}
	if _, taken := c.bindings[alias]; taken {
		return fmt.Errorf("%w: [%s] is already bound", ErrAlias, alias)
	}
	c.aliases[alias] = c.canonical(name)
	return nil
}

// ── Resolution ────────────────────────────────────────────────────────────────

// Make resolves name.
func (c *Container) Make(name string) (any, error) {
	c.mu.RLock()
	key := c.canonical(name)
	if inst, ok := c.instances[key]; ok {
		c.mu.RUnlock()
		return inst, nil
	}
	b, ok := c.bindings[key]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: [%s]", ErrNotBound, name)
	}
	if !b.singleton {
		return b.factory(c)
	}

	v, err, _ := c.building.Do(key, func() (any, error) {
		c.mu.RLock()
		inst, done := c.instances[key]
		c.mu.RUnlock()
		if done {
			return inst, nil
		}
		inst, err := b.factory(c)
		if err != nil {
			return nil, fmt.Errorf("container: building [%s]: %w", name, err)
		}
		c.mu.Lock()
		if c.bindings[key] == b {
			c.instances[key] = inst
		}
		c.mu.Unlock()
		return inst, nil
	})
	return v, err
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// Bound reports whether name has a binding or an instance.
func (c *Container) Bound(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key := c.canonical(name)
	_, hasBinding := c.bindings[key]
	_, hasInstance := c.instances[key]
	return hasBinding || hasInstance
}

// Forget removes the binding, the instance and every alias of name. When
// name is itself an alias only the alias goes.
func (c *Container) Forget(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, isAlias := c.aliases[name]; isAlias {
		delete(c.aliases, name)
		return
	}
	delete(c.bindings, name)
	delete(c.instances, name)
	for alias, target := range c.aliases {
		if target == name {
			delete(c.aliases, alias)
		}
	}
}

// Names returns every bound name and alias, sorted.
func (c *Container) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]bool, len(c.bindings)+len(c.instances)+len(c.aliases))
	for k := range c.bindings {
		seen[k] = true
	}
	for k := range c.instances {
		seen[k] = true
	}
	for k := range c.aliases {
		seen[k] = true
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// canonical resolves an alias to its name.
func (c *Container) canonical(name string) string {
	if target, ok := c.aliases[name]; ok {
		return target
	}
	return name
}

// ── Generics helper ───────────────────────────────────────────────────────────

// Resolve calls Make and type-asserts the result.
//
//	log, err := container.Resolve[*zap.Logger](c, "logger")
func Resolve[T any](c *Container, name string) (T, error) {
	var zero T
	instance, err := c.Make(name)
	if err != nil {
		return zero, err
	}
	typed, ok := instance.(T)
	if !ok {
		return zero, fmt.Errorf("container: Resolve[%T]: [%s] resolved to %T", zero, name, instance)
	}
	return typed, nil
}

// MustResolve is Resolve that panics. Intended for wiring code where a
// missing service is a programming error.
func MustResolve[T any](c *Container, name string) T {
	typed, err := Resolve[T](c, name)
	if err != nil {
		panic(err)
	}
	return typed
}
