// Package deployment manages named groups of beans on one shared scheduler.
//
// A Manager owns the deployments; the descriptors come from Go code, from
// *-beans.yaml files (LoadFile, Scanner) or from the management API. Beans
// of different deployments may depend on each other: they share the
// scheduler, so undeploying one deployment stops the dependents in others
// until it comes back.
package deployment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/km-arc/go-mc/framework/descriptor"
	"github.com/km-arc/go-mc/framework/lifecycle"
	"github.com/km-arc/go-mc/framework/msc"
)

// ErrUnknownDeployment is returned for a name the manager does not hold.
var ErrUnknownDeployment = errors.New("deployment: unknown deployment")

// DefaultStabilityTimeout bounds how long Deploy waits for the scheduler.
const DefaultStabilityTimeout = 30 * time.Second

// Summary describes one deployment.
type Summary struct {
	Name  string             `json:"name"`
	ID    uuid.UUID          `json:"id"`
	Beans []lifecycle.Status `json:"beans"`
}

// Manager deploys and undeploys named bean groups.
type Manager struct {
	sched   lifecycle.Scheduler
	opts    []lifecycle.Option
	log     *zap.Logger
	timeout time.Duration

	ops sync.Mutex // serializes Deploy and Undeploy

	mu          sync.RWMutex
	deployments map[string]*lifecycle.Deployment
	order       []string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDeploymentOptions applies opts to every deployment the manager creates.
func WithDeploymentOptions(opts ...lifecycle.Option) ManagerOption {
	return func(m *Manager) { m.opts = append(m.opts, opts...) }
}

// WithLogger sets the logger. The default discards.
func WithLogger(l *zap.Logger) ManagerOption { return func(m *Manager) { m.log = l } }

// WithStabilityTimeout bounds how long Deploy waits. Zero keeps the default.
func WithStabilityTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// NewManager creates a manager scheduling on sched.
func NewManager(sched lifecycle.Scheduler, opts ...ManagerOption) *Manager {
	m := &Manager{
		sched:       sched,
		log:         zap.NewNop(),
		timeout:     DefaultStabilityTimeout,
		deployments: make(map[string]*lifecycle.Deployment),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ── Deploy / Undeploy ─────────────────────────────────────────────────────────

// Deploy installs beans as deployment name, replacing a deployment of the
// same name, and waits for the scheduler to settle.
//
// A deployment whose beans fail or wait stays deployed: the returned report
// says which units are stuck and the error summarizes it. Only descriptor
// errors leave nothing behind.
func (m *Manager) Deploy(ctx context.Context, name string, beans []*descriptor.Bean) (*msc.Report, error) {
	if name == "" {
		return nil, errors.New("deployment: empty name")
	}
	if err := descriptor.Validate(beans); err != nil {
		return nil, err
	}

	m.ops.Lock()
	defer m.ops.Unlock()

	if _, ok := m.lookup(name); ok {
		m.log.Info("redeploying", zap.String("deployment", name))
		if err := m.undeploy(ctx, name); err != nil {
			return nil, err
		}
	}

	opts := append([]lifecycle.Option{lifecycle.WithLogger(m.log)}, m.opts...)
	d := lifecycle.New(name, m.sched, opts...)
	if err := d.Install(ctx, beans); err != nil {
		return nil, fmt.Errorf("deployment %s: %w", name, err)
	}

	m.mu.Lock()
	m.deployments[name] = d
	m.order = append(m.order, name)
	m.mu.Unlock()

	wait, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	report, err := d.AwaitStability(wait)
	if err != nil {
		m.log.Warn("deployment incomplete", zap.String("deployment", name), zap.Error(err))
		return report, fmt.Errorf("deployment %s: %w", name, err)
	}
	m.log.Info("deployed", zap.String("deployment", name), zap.Int("beans", len(beans)))
	return report, nil
}

// DeployFile loads a descriptor file and deploys it under its name.
func (m *Manager) DeployFile(ctx context.Context, path string) (*msc.Report, error) {
	doc, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return m.Deploy(ctx, doc.Name, doc.Beans)
}

// Undeploy removes deployment name and every bean in it.
func (m *Manager) Undeploy(ctx context.Context, name string) error {
	m.ops.Lock()
	defer m.ops.Unlock()
	return m.undeploy(ctx, name)
}

func (m *Manager) undeploy(ctx context.Context, name string) error {
	d, ok := m.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDeployment, name)
	}
	err := d.Uninstall(ctx)

	m.mu.Lock()
	delete(m.deployments, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("deployment %s: %w", name, err)
	}
	m.log.Info("undeployed", zap.String("deployment", name))
	return nil
}

// Shutdown undeploys everything, last deployed first.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.RLock()
	names := append([]string(nil), m.order...)
	m.mu.RUnlock()

	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		if err := m.undeploy(ctx, names[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ── Queries ───────────────────────────────────────────────────────────────────

// Get returns deployment name.
func (m *Manager) Get(name string) (*lifecycle.Deployment, error) {
	d, ok := m.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDeployment, name)
	}
	return d, nil
}

// Names returns the deployment names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]string(nil), m.order...)
	sort.Strings(out)
	return out
}

// List summarizes every deployment, sorted by name.
func (m *Manager) List() []Summary {
	names := m.Names()
	out := make([]Summary, 0, len(names))
	for _, n := range names {
		if d, ok := m.lookup(n); ok {
			out = append(out, Summarize(d))
		}
	}
	return out
}

// Summarize snapshots d.
func Summarize(d *lifecycle.Deployment) Summary {
	return Summary{Name: d.Name(), ID: d.ID(), Beans: d.Beans()}
}

func (m *Manager) lookup(name string) (*lifecycle.Deployment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deployments[name]
	return d, ok
}
