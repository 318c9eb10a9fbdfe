// Package container is a named registry of values and the service provider
// system that fills it.
//
// The application keeps its services (config, logger, scheduler, deployment
// manager) in one container. Each bean deployment has its own container into
// which installed beans are published under their names and aliases, so the
// rest of the program looks beans up the same way it looks up services.
//
// # Container Lifecycle
//
//  1. Create: c := container.New()
//  2. Register providers: registry.Register(&MyProvider{})
//  3. Boot: registry.Boot()        safe to resolve everything after this
//  4. Serve
//
// # Bindings
//
//	// Transient: new value every Make
//	c.Bind("clock", func(*container.Container) (any, error) { return time.Now(), nil })
//
//	// Singleton: built once, reused
//	c.Singleton("scheduler", func(c *container.Container) (any, error) {
//	    return msc.New(), nil
//	})
//
//	// Pre-built value
//	c.Instance("config", cfg)
//
//	// Alias
//	_ = c.Alias("cache", "cacheManager")
//
// # Resolving
//
//	raw, err := c.Make("cache")
//	cache, err := container.Resolve[*Cache](c, "cache")
//	cache := container.MustResolve[*Cache](c, "cache") // panics
//
// # Deferred Providers
//
//	type HeavyProvider struct{ container.BaseProvider }
//
//	func (p *HeavyProvider) IsDeferred() bool   { return true }
//	func (p *HeavyProvider) Provides() []string { return []string{"heavy"} }
//	func (p *HeavyProvider) Register(app *container.Container) error {
//	    app.Singleton("heavy", func(*container.Container) (any, error) {
//	        return heavySetup() // only called on the first Make("heavy")
//	    })
//	    return nil
//	}
package container
