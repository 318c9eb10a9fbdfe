package container

import (
	"fmt"
	"sync"
)

// ── ServiceProvider interface ─────────────────────────────────────────────────

// ServiceProvider registers services into the application container.
//
// Boot is called after every provider has been registered, making it safe
// to resolve other bindings inside Boot.
//
//	type LogProvider struct{ container.BaseProvider }
//
//	func (p *LogProvider) Register(app *container.Container) error {
//	    app.Singleton("logger", func(c *container.Container) (any, error) {
//	        cfg, err := container.Resolve[*config.Config](c, "config")
//	        if err != nil {
//	            return nil, err
//	        }
//	        return logging.New(cfg.Log)
//	    })
//	    return nil
//	}
type ServiceProvider interface {
	// Register binds services into the container.
	// Do NOT resolve other bindings here; use Boot for that.
	Register(app *Container) error

	// Boot is called after all providers are registered.
	Boot(app *Container) error

	// Provides returns the names a deferred provider registers.
	Provides() []string

	// IsDeferred reports whether the provider is registered lazily, on the
	// first Make of one of its Provides names.
	IsDeferred() bool
}

// ── BaseProvider ──────────────────────────────────────────────────────────────

// BaseProvider is an embeddable struct that provides no-op implementations
// of Boot, Provides and IsDeferred.
type BaseProvider struct{}

func (p *BaseProvider) Boot(_ *Container) error { return nil }
func (p *BaseProvider) Provides() []string      { return nil }
func (p *BaseProvider) IsDeferred() bool        { return false }

// ── ProviderRegistry ──────────────────────────────────────────────────────────

// ProviderRegistry manages registration and booting of ServiceProviders,
// including deferred (lazy) providers.
type ProviderRegistry struct {
	app *Container

	mu         sync.Mutex
	eager      []ServiceProvider
	deferred   map[string]ServiceProvider // name → provider
	booted     bool
	registered map[ServiceProvider]bool
}

// NewProviderRegistry creates a registry bound to app.
func NewProviderRegistry(app *Container) *ProviderRegistry {
	return &ProviderRegistry{
		app:        app,
		deferred:   make(map[string]ServiceProvider),
		registered: make(map[ServiceProvider]bool),
	}
}

// Register adds a provider and calls its Register method unless deferred.
// A provider registered after Boot is booted immediately.
func (r *ProviderRegistry) Register(provider ServiceProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registered[provider] {
		return nil
	}
	r.registered[provider] = true

	if provider.IsDeferred() {
		for _, name := range provider.Provides() {
			r.deferred[name] = provider
			r.interceptDeferred(name, provider)
		}
		return nil
	}

	if err := provider.Register(r.app); err != nil {
		return fmt.Errorf("container: registering %T: %w", provider, err)
	}
	r.eager = append(r.eager, provider)

	if r.booted {
		if err := provider.Boot(r.app); err != nil {
			return fmt.Errorf("container: booting %T: %w", provider, err)
		}
	}
	return nil
}

// interceptDeferred binds name to a loader that registers the provider for
// real, then resolves name again against the binding it installed.
func (r *ProviderRegistry) interceptDeferred(name string, provider ServiceProvider) {
	r.app.Bind(name, func(c *Container) (any, error) {
		if err := r.loadDeferred(provider); err != nil {
			return nil, err
		}
		return c.Make(name)
	})
}

func (r *ProviderRegistry) loadDeferred(provider ServiceProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := false
	for name, p := range r.deferred {
		if p == provider {
			pending = true
			delete(r.deferred, name)
		}
	}
	if !pending {
		return nil
	}
	if err := provider.Register(r.app); err != nil {
		return fmt.Errorf("container: registering deferred %T: %w", provider, err)
	}
	if r.booted {
		if err := provider.Boot(r.app); err != nil {
			return fmt.Errorf("container: booting deferred %T: %w", provider, err)
		}
	}
	return nil
}

// Boot calls Boot on all eager providers, in registration order, stopping
// at the first error. Must be called after all providers are registered.
func (r *ProviderRegistry) Boot() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.booted {
		return nil
	}
	r.booted = true
	for _, provider := range r.eager {
		if err := provider.Boot(r.app); err != nil {
			return fmt.Errorf("container: booting %T: %w", provider, err)
		}
	}
	return nil
}

// Booted reports whether Boot has been called.
func (r *ProviderRegistry) Booted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.booted
}

// Providers returns the registered eager providers.
func (r *ProviderRegistry) Providers() []ServiceProvider {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ServiceProvider(nil), r.eager...)
}
