package providers

import (
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/km-arc/go-mc/framework/config"
	"github.com/km-arc/go-mc/framework/container"
	"github.com/km-arc/go-mc/framework/deployment"
	"github.com/km-arc/go-mc/framework/lifecycle"
	"github.com/km-arc/go-mc/framework/logging"
	"github.com/km-arc/go-mc/framework/management"
	"github.com/km-arc/go-mc/framework/metrics"
	"github.com/km-arc/go-mc/framework/msc"
	"github.com/km-arc/go-mc/framework/reflection"
	"github.com/km-arc/go-mc/framework/routing"
)

// ── ConfigServiceProvider ─────────────────────────────────────────────────────

// ConfigServiceProvider loads the application configuration from .env and
// binds it into the container as "config".
//
// Bound abstracts:
//   - "config"         → *config.Config
//   - "configuration"  → alias of "config"
type ConfigServiceProvider struct {
	container.BaseProvider
	EnvFiles []string
}

func (p *ConfigServiceProvider) Register(app *container.Container) error {
	envFiles := p.EnvFiles
	app.Singleton("config", func(c *container.Container) (any, error) {
		return config.Load(envFiles...), nil
	})
	return app.Alias("config", "configuration")
}

// ── LoggingServiceProvider ────────────────────────────────────────────────────

// LoggingServiceProvider builds the zap logger from "config".
//
// Bound abstracts:
//   - "log"  → *zap.Logger
type LoggingServiceProvider struct {
	container.BaseProvider
}

func (p *LoggingServiceProvider) Register(app *container.Container) error {
	app.Singleton("log", func(c *container.Container) (any, error) {
		cfg, err := container.Resolve[*config.Config](c, "config")
		if err != nil {
			return nil, err
		}
		return logging.New(cfg)
	})
	return nil
}

// ── MetricsServiceProvider ────────────────────────────────────────────────────

// MetricsServiceProvider registers the prometheus collectors and the
// lifecycle tracer.
//
// Bound abstracts:
//   - "metrics"  → *metrics.Metrics
//   - "tracer"   → trace.Tracer from the global otel provider
type MetricsServiceProvider struct {
	container.BaseProvider
}

func (p *MetricsServiceProvider) Register(app *container.Container) error {
	app.Singleton("metrics", func(*container.Container) (any, error) {
		return metrics.New(), nil
	})
	app.Singleton("tracer", func(*container.Container) (any, error) {
		return metrics.Tracer(), nil
	})
	return nil
}

// ── SchedulerServiceProvider ──────────────────────────────────────────────────

// SchedulerServiceProvider registers the unit scheduler every deployment
// shares.
//
// Bound abstracts:
//   - "scheduler"  → *msc.Container
//
// Configuration keys read from "config":
//   - Container.Workers
type SchedulerServiceProvider struct {
	container.BaseProvider
}

func (p *SchedulerServiceProvider) Register(app *container.Container) error {
	app.Singleton("scheduler", func(c *container.Container) (any, error) {
		cfg, err := container.Resolve[*config.Config](c, "config")
		if err != nil {
			return nil, err
		}
		log, err := container.Resolve[*zap.Logger](c, "log")
		if err != nil {
			return nil, err
		}
		m, err := container.Resolve[*metrics.Metrics](c, "metrics")
		if err != nil {
			return nil, err
		}
		return msc.New(
			msc.WithLogger(log.Named("msc")),
			msc.WithWorkers(cfg.Container.Workers),
			msc.WithListener(m.Listener()),
		), nil
	})
	return nil
}

// ── DeploymentServiceProvider ─────────────────────────────────────────────────

// DeploymentServiceProvider registers the deployment manager. Loader is the
// class loader for beans that name no module; Modules are selectable by name.
//
// Bound abstracts:
//   - "deployments"  → *deployment.Manager
//
// Configuration keys read from "config":
//   - Container.StabilityTimeout
type DeploymentServiceProvider struct {
	container.BaseProvider
	Loader  reflection.ClassLoader
	Modules map[string]reflection.ClassLoader
}

func (p *DeploymentServiceProvider) Register(app *container.Container) error {
	app.Singleton("deployments", func(c *container.Container) (any, error) {
		cfg, err := container.Resolve[*config.Config](c, "config")
		if err != nil {
			return nil, err
		}
		log, err := container.Resolve[*zap.Logger](c, "log")
		if err != nil {
			return nil, err
		}
		sched, err := container.Resolve[*msc.Container](c, "scheduler")
		if err != nil {
			return nil, err
		}
		m, err := container.Resolve[*metrics.Metrics](c, "metrics")
		if err != nil {
			return nil, err
		}
		tracer, err := container.Resolve[trace.Tracer](c, "tracer")
		if err != nil {
			return nil, err
		}

		opts := []lifecycle.Option{
			lifecycle.WithMetrics(m),
			lifecycle.WithTracer(tracer),
		}
		if p.Loader != nil {
			opts = append(opts, lifecycle.WithLoader(p.Loader))
		}
		names := make([]string, 0, len(p.Modules))
		for name := range p.Modules {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			opts = append(opts, lifecycle.WithModule(name, p.Modules[name]))
		}

		return deployment.NewManager(sched,
			deployment.WithLogger(log.Named("deployment")),
			deployment.WithStabilityTimeout(cfg.Container.StabilityTimeout),
			deployment.WithDeploymentOptions(opts...),
		), nil
	})
	return nil
}

// ── ScannerServiceProvider ────────────────────────────────────────────────────

// ScannerServiceProvider registers the deployment directory scanner. It is
// deferred: nothing is built unless "scanner" is resolved.
//
// Bound abstracts:
//   - "scanner"  → *deployment.Scanner
//
// Configuration keys read from "config":
//   - Deploy.Dir, Deploy.Pattern, Deploy.Debounce
type ScannerServiceProvider struct {
	container.BaseProvider
}

func (p *ScannerServiceProvider) Register(app *container.Container) error {
	app.Singleton("scanner", func(c *container.Container) (any, error) {
		cfg, err := container.Resolve[*config.Config](c, "config")
		if err != nil {
			return nil, err
		}
		log, err := container.Resolve[*zap.Logger](c, "log")
		if err != nil {
			return nil, err
		}
		mgr, err := container.Resolve[*deployment.Manager](c, "deployments")
		if err != nil {
			return nil, err
		}
		return deployment.NewScanner(cfg.Deploy.Dir, mgr,
			deployment.WithPattern(cfg.Deploy.Pattern),
			deployment.WithDebounce(cfg.Deploy.Debounce),
			deployment.WithScanLogger(log.Named("scanner")),
		), nil
	})
	return nil
}

func (p *ScannerServiceProvider) Provides() []string { return []string{"scanner"} }
func (p *ScannerServiceProvider) IsDeferred() bool   { return true }

// ── RoutingServiceProvider ────────────────────────────────────────────────────

// RoutingServiceProvider registers the HTTP router and, on boot, mounts the
// management routes when Management.Enabled is set.
//
// Bound abstracts:
//   - "router"  → *routing.Router
type RoutingServiceProvider struct {
	container.BaseProvider
}

func (p *RoutingServiceProvider) Register(app *container.Container) error {
	app.Singleton("router", func(c *container.Container) (any, error) {
		log, err := container.Resolve[*zap.Logger](c, "log")
		if err != nil {
			return nil, err
		}
		return routing.New(routing.WithLogger(log.Named("http"))), nil
	})
	return nil
}

func (p *RoutingServiceProvider) Boot(app *container.Container) error {
	cfg, err := container.Resolve[*config.Config](app, "config")
	if err != nil {
		return err
	}
	if !cfg.Management.Enabled {
		return nil
	}
	router, err := container.Resolve[*routing.Router](app, "router")
	if err != nil {
		return err
	}
	mgr, err := container.Resolve[*deployment.Manager](app, "deployments")
	if err != nil {
		return fmt.Errorf("management routes: %w", err)
	}
	m, err := container.Resolve[*metrics.Metrics](app, "metrics")
	if err != nil {
		return err
	}
	log, err := container.Resolve[*zap.Logger](app, "log")
	if err != nil {
		return err
	}
	management.Register(router, mgr, management.Options{
		Token:   cfg.Management.Token,
		Metrics: m,
		Logger:  log.Named("management"),
	})
	return nil
}
