// Package app holds the beans this binary ships with and the class loader
// that exposes them to deployment descriptors. Add your own classes to
// Module to make them deployable.
package app

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/km-arc/go-mc/framework/reflection"
)

// Module returns the class loader for the bundled beans.
func Module() *reflection.Module {
	m := reflection.NewModule("app", nil)
	m.MustRegister("app.Cache", Cache{}, reflection.WithConstructor(NewCache))
	m.MustRegister("app.Greeter", Greeter{},
		reflection.WithStaticMethod("Formal", NewFormalGreeter),
	)
	m.MustRegister("app.Registry", Registry{})
	return m
}

// ── Cache ─────────────────────────────────────────────────────────────────────

// ErrCacheStopped is returned by Put and Get outside Start/Stop.
var ErrCacheStopped = errors.New("cache: not running")

// Cache is a bounded in-memory string store. When full, the oldest key goes.
type Cache struct {
	Size int

	mu      sync.Mutex
	entries map[string]string
	order   []string
	running bool
}

// NewCache builds a cache holding at most size entries.
func NewCache(size int) *Cache { return &Cache{Size: size} }

func (c *Cache) Start() error {
	if c.Size <= 0 {
		return fmt.Errorf("cache: size must be positive, got %d", c.Size)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]string, c.Size)
	c.order = nil
	c.running = true
	return nil
}

func (c *Cache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.entries = nil
	c.order = nil
}

func (c *Cache) Put(key, val string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrCacheStopped
	}
	if _, ok := c.entries[key]; !ok {
		if len(c.order) == c.Size {
			delete(c.entries, c.order[0])
			c.order = c.order[1:]
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = val
	return nil
}

func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ── Greeter ───────────────────────────────────────────────────────────────────

// Greeter builds greetings and remembers the last one per name in Cache,
// when one is wired.
type Greeter struct {
	Greeting string
	Cache    *Cache
}

// NewFormalGreeter is the "Formal" factory method.
func NewFormalGreeter(title string) *Greeter {
	return &Greeter{Greeting: "Good day, " + title}
}

func (g *Greeter) Greet(name string) string {
	msg := strings.TrimSpace(g.Greeting + " " + name)
	if g.Cache != nil {
		_ = g.Cache.Put(name, msg)
	}
	return msg
}

// ── Registry ──────────────────────────────────────────────────────────────────

// Registry collects named components. Beans add themselves through an
// install callback and leave through the matching uninstall.
type Registry struct {
	mu    sync.Mutex
	items map[string]any
}

func (r *Registry) Register(name string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.items == nil {
		r.items = make(map[string]any)
	}
	r.items[name] = v
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, name)
}

func (r *Registry) Lookup(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[name]
	return v, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.items))
	for n := range r.items {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
