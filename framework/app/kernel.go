package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/km-arc/go-mc/framework/config"
	"github.com/km-arc/go-mc/framework/container"
	"github.com/km-arc/go-mc/framework/deployment"
	"github.com/km-arc/go-mc/framework/msc"
	"github.com/km-arc/go-mc/framework/providers"
	"github.com/km-arc/go-mc/framework/reflection"
	"github.com/km-arc/go-mc/framework/routing"
)

// ShutdownTimeout bounds graceful shutdown in Run.
const ShutdownTimeout = 30 * time.Second

// Application is the top-level application container.
// It embeds the service Container and ProviderRegistry so user code can
// call app.Bind(), app.Singleton(), app.Register() directly.
type Application struct {
	*container.Container
	Providers *container.ProviderRegistry
}

// Option configures the core providers.
type Option func(*options)

type options struct {
	envFiles []string
	loader   reflection.ClassLoader
	modules  map[string]reflection.ClassLoader
}

// WithEnvFiles sets the .env files to load. The default is ".env".
func WithEnvFiles(files ...string) Option { return func(o *options) { o.envFiles = files } }

// WithLoader sets the class loader for beans that name no module.
func WithLoader(l reflection.ClassLoader) Option { return func(o *options) { o.loader = l } }

// WithModule makes a class loader selectable by beans as module name.
func WithModule(name string, l reflection.ClassLoader) Option {
	return func(o *options) { o.modules[name] = l }
}

// New creates the application and registers the framework providers.
func New(opts ...Option) (*Application, error) {
	o := &options{modules: make(map[string]reflection.ClassLoader)}
	for _, opt := range opts {
		opt(o)
	}

	c := container.New()
	registry := container.NewProviderRegistry(c)
	app := &Application{
		Container: c,
		Providers: registry,
	}

	// Core providers, in dependency order
	core := []container.ServiceProvider{
		&providers.ConfigServiceProvider{EnvFiles: o.envFiles},
		&providers.LoggingServiceProvider{},
		&providers.MetricsServiceProvider{},
		&providers.SchedulerServiceProvider{},
		&providers.DeploymentServiceProvider{Loader: o.loader, Modules: o.modules},
		&providers.ScannerServiceProvider{},
		&providers.RoutingServiceProvider{},
	}
	for _, p := range core {
		if err := registry.Register(p); err != nil {
			return nil, err
		}
	}
	return app, nil
}

// Register adds a ServiceProvider to the application.
func (a *Application) Register(provider container.ServiceProvider) error {
	return a.Providers.Register(provider)
}

// Boot runs the Boot() phase on all providers.
func (a *Application) Boot() error {
	return a.Providers.Boot()
}

// ── Accessors ─────────────────────────────────────────────────────────────────

// Config resolves *config.Config from the container.
func (a *Application) Config() *config.Config {
	return container.MustResolve[*config.Config](a.Container, "config")
}

// Logger resolves the application logger.
func (a *Application) Logger() *zap.Logger {
	return container.MustResolve[*zap.Logger](a.Container, "log")
}

// Scheduler resolves the unit scheduler.
func (a *Application) Scheduler() *msc.Container {
	return container.MustResolve[*msc.Container](a.Container, "scheduler")
}

// Deployments resolves the deployment manager.
func (a *Application) Deployments() *deployment.Manager {
	return container.MustResolve[*deployment.Manager](a.Container, "deployments")
}

// Router resolves *routing.Router from the container.
func (a *Application) Router() *routing.Router {
	return container.MustResolve[*routing.Router](a.Container, "router")
}

// Scanner resolves the deployment directory scanner.
func (a *Application) Scanner() (*deployment.Scanner, error) {
	return container.Resolve[*deployment.Scanner](a.Container, "scanner")
}

// ── Run ───────────────────────────────────────────────────────────────────────

// Run boots the application (if needed), deploys the deployment directory,
// then serves the management API and watches the directory until ctx is
// done. Everything is undeployed before it returns.
func (a *Application) Run(ctx context.Context) error {
	if !a.Providers.Booted() {
		if err := a.Boot(); err != nil {
			return err
		}
	}
	cfg := a.Config()
	log := a.Logger()
	defer func() { _ = log.Sync() }()

	scanner, err := a.Scanner()
	if err != nil {
		return err
	}
	if err := scanner.Scan(ctx); err != nil {
		log.Warn("some deployments failed", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if cfg.Deploy.Watch {
		g.Go(func() error { return scanner.Watch(gctx) })
	}
	if cfg.Management.Enabled {
		srv := &http.Server{
			Addr:              net.JoinHostPort("", cfg.Management.Port),
			Handler:           a.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info("management api listening", zap.String("addr", srv.Addr), zap.String("env", cfg.App.Env))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("management api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	runErr := g.Wait()

	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Shutdown(sctx))
}

// Shutdown undeploys everything and stops the scheduler.
func (a *Application) Shutdown(ctx context.Context) error {
	return errors.Join(
		a.Deployments().Shutdown(ctx),
		a.Scheduler().Shutdown(ctx),
	)
}

// Environment returns APP_ENV value.
func (a *Application) Environment() string { return a.Config().App.Env }
func (a *Application) IsLocal() bool       { return a.Config().IsLocal() }
func (a *Application) IsProduction() bool  { return a.Config().IsProduction() }
func (a *Application) IsDebug() bool       { return a.Config().App.Debug }
func (a *Application) Version() string     { return "0.1.0" }
