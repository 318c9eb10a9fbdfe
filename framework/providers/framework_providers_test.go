package providers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/km-arc/go-mc/framework/container"
	"github.com/km-arc/go-mc/framework/deployment"
	"github.com/km-arc/go-mc/framework/descriptor"
	"github.com/km-arc/go-mc/framework/msc"
	"github.com/km-arc/go-mc/framework/providers"
	"github.com/km-arc/go-mc/framework/reflection"
	"github.com/km-arc/go-mc/framework/routing"
	"github.com/km-arc/go-mc/framework/state"
)

type Plugin struct{ Name string }

// ── helpers ──────────────────────────────────────────────────────────────────

func boot(t *testing.T, mods map[string]reflection.ClassLoader) *container.Container {
	t.Helper()
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("MC_DEPLOY_DIR", t.TempDir())

	c := container.New()
	reg := container.NewProviderRegistry(c)
	for _, p := range []container.ServiceProvider{
		&providers.ConfigServiceProvider{EnvFiles: []string{filepath.Join(t.TempDir(), "none.env")}},
		&providers.LoggingServiceProvider{},
		&providers.MetricsServiceProvider{},
		&providers.SchedulerServiceProvider{},
		&providers.DeploymentServiceProvider{Modules: mods},
		&providers.ScannerServiceProvider{},
		&providers.RoutingServiceProvider{},
	} {
		if err := reg.Register(p); err != nil {
			t.Fatalf("Register %T: %v", p, err)
		}
	}
	if err := reg.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	t.Cleanup(func() {
		mgr := container.MustResolve[*deployment.Manager](c, "deployments")
		_ = mgr.Shutdown(context.Background())
		_ = container.MustResolve[*msc.Container](c, "scheduler").Shutdown(context.Background())
	})
	return c
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestScannerProvider_IsDeferredSingleton(t *testing.T) {
	c := boot(t, nil)
	if !c.Bound("scanner") {
		t.Fatal("deferred scanner must still be resolvable by name")
	}
	first, err := container.Resolve[*deployment.Scanner](c, "scanner")
	if err != nil {
		t.Fatalf("Resolve scanner: %v", err)
	}
	second := container.MustResolve[*deployment.Scanner](c, "scanner")
	if first != second {
		t.Error("scanner must resolve to the same instance")
	}
}

func TestDeploymentProvider_NamedModules(t *testing.T) {
	plugins := reflection.NewModule("plugins", nil)
	plugins.MustRegister("acme.Plugin", Plugin{})
	c := boot(t, map[string]reflection.ClassLoader{"plugins": plugins})

	mgr := container.MustResolve[*deployment.Manager](c, "deployments")
	_, err := mgr.Deploy(context.Background(), "ext", []*descriptor.Bean{{
		Name:       "p",
		Class:      "acme.Plugin",
		Module:     "plugins",
		Properties: descriptor.Properties{{Name: "name", Value: descriptor.Lit("", "audit")}},
	}})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	d, _ := mgr.Get("ext")
	if s, _ := d.State("p"); s != state.Installed {
		t.Errorf("state: got %s want INSTALLED", s)
	}
	inst, _ := d.Instance("p")
	if got := inst.(*Plugin).Name; got != "audit" {
		t.Errorf("Name: got %q want audit", got)
	}
}

func TestRoutingProvider_MountsManagement(t *testing.T) {
	c := boot(t, nil)
	r := container.MustResolve[*routing.Router](c, "router")

	for _, path := range []string{"/health", "/metrics", "/deployments"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Errorf("GET %s: got %d want 200", path, rr.Code)
		}
	}
}

func TestRoutingProvider_ManagementDisabled(t *testing.T) {
	t.Setenv("MC_MANAGEMENT_ENABLED", "false")
	c := boot(t, nil)
	r := container.MustResolve[*routing.Router](c, "router")

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("GET /health: got %d want 404", rr.Code)
	}
}
