package lifecycle_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/km-arc/go-mc/framework/container"
	"github.com/km-arc/go-mc/framework/descriptor"
	"github.com/km-arc/go-mc/framework/joinpoint"
	"github.com/km-arc/go-mc/framework/lifecycle"
	"github.com/km-arc/go-mc/framework/metrics"
	"github.com/km-arc/go-mc/framework/msc"
	"github.com/km-arc/go-mc/framework/reflection"
	"github.com/km-arc/go-mc/framework/state"
)

// ── fixtures ─────────────────────────────────────────────────────────────────

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) index(s string) int {
	for i, e := range j.list() {
		if e == s {
			return i
		}
	}
	return -1
}

func (j *journal) count(s string) int {
	n := 0
	for _, e := range j.list() {
		if e == s {
			n++
		}
	}
	return n
}

type Cache struct {
	Size     int
	FailStop bool

	j *journal
}

func (c *Cache) Start() { c.j.add("start cache") }
func (c *Cache) Create() { c.j.add("create cache") }
func (c *Cache) Destroy() { c.j.add("destroy cache") }
func (c *Cache) Stop() error {
	c.j.add("stop cache")
	if c.FailStop {
		return errors.New("flush failed")
	}
	return nil
}

type Repo struct {
	Cache *Cache

	j *journal
}

func (r *Repo) SetCache(c *Cache) {
	if c != nil {
		r.j.add("set cache")
	}
	r.Cache = c
}

func (r *Repo) Start() { r.j.add("start repo") }

type Pool struct{ Size int }

func NewPool(size int) *Pool { return &Pool{Size: size} }

type Conn struct {
	Name string
	Pool *Pool
}

func (p *Pool) Open(name string) (*Conn, error) {
	if name == "" {
		return nil, errors.New("no name")
	}
	return &Conn{Name: name, Pool: p}, nil
}

type Plugins struct {
	mu    sync.Mutex
	names map[string]any
}

func (p *Plugins) Register(name string, v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.names == nil {
		p.names = make(map[string]any)
	}
	p.names[name] = v
}

func (p *Plugins) Unregister(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.names, name)
}

func (p *Plugins) Has(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.names[name]
	return ok
}

type Plugin struct{ Name string }

type Gate struct {
	entered chan struct{}
	release chan struct{}
}

func (g *Gate) Start() {
	close(g.entered)
	<-g.release
}

func testModule(j *journal) *reflection.Module {
	m := reflection.NewModule("test", nil)
	m.MustRegister("test.Cache", Cache{}, reflection.WithConstructor(func() *Cache { return &Cache{j: j} }))
	m.MustRegister("test.Repo", Repo{}, reflection.WithConstructor(func() *Repo {
		j.add("new repo")
		return &Repo{j: j}
	}))
	m.MustRegister("test.Pools", Pool{}, reflection.WithStaticMethod("NewPool", NewPool))
	m.MustRegister("test.Plugins", Plugins{})
	m.MustRegister("test.Plugin", Plugin{})
	m.MustRegister("test.Broken", Pool{}, reflection.WithConstructor(func() (*Pool, error) {
		return nil, errors.New("no disk")
	}))
	return m
}

func newScheduler(t *testing.T) *msc.Container {
	t.Helper()
	sched := msc.New(msc.WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(func() { _ = sched.Shutdown(context.Background()) })
	return sched
}

func newDeployment(t *testing.T, sched *msc.Container, name string, j *journal, opts ...lifecycle.Option) *lifecycle.Deployment {
	t.Helper()
	base := []lifecycle.Option{
		lifecycle.WithLoader(testModule(j)),
		lifecycle.WithLogger(zaptest.NewLogger(t)),
	}
	return lifecycle.New(name, sched, append(base, opts...)...)
}

func await(t *testing.T, d *lifecycle.Deployment) (*msc.Report, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.AwaitStability(ctx)
}

func cacheBean() *descriptor.Bean {
	return &descriptor.Bean{
		Name:  "cache",
		Class: "test.Cache",
		Properties: descriptor.Properties{
			{Name: "size", Value: descriptor.Lit("int", "100")},
		},
		Create:  &descriptor.Lifecycle{Method: "Create"},
		Start:   &descriptor.Lifecycle{Method: "Start"},
		Stop:    &descriptor.Lifecycle{Method: "Stop"},
		Destroy: &descriptor.Lifecycle{Method: "Destroy"},
	}
}

// ── end to end ───────────────────────────────────────────────────────────────

func TestDeployment_CacheReachesInstalled(t *testing.T) {
	j := &journal{}
	m := metrics.New()
	d := newDeployment(t, newScheduler(t), "test", j, lifecycle.WithMetrics(m))

	require.NoError(t, d.Install(context.Background(), []*descriptor.Bean{cacheBean()}))
	_, err := await(t, d)
	require.NoError(t, err)

	s, err := d.State("cache")
	require.NoError(t, err)
	assert.Equal(t, state.Installed, s)

	inst, err := d.Instance("cache")
	require.NoError(t, err)
	assert.Equal(t, 100, inst.(*Cache).Size)
	assert.Equal(t, 1, j.count("start cache"))
	assert.Less(t, j.index("create cache"), j.index("start cache"))

	published, err := container.Resolve[*Cache](d.Registry(), "cache")
	require.NoError(t, err)
	assert.Same(t, inst, published)

	info, err := d.BeanInfo("cache")
	require.NoError(t, err)
	assert.Equal(t, "test.Cache", info.Class().Name())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BeansInstalled.WithLabelValues("test")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PhaseFailures.WithLabelValues("test", "INSTANTIATED")))
}

func TestDeployment_TeardownRunsStopThenDestroyEvenWhenStopFails(t *testing.T) {
	j := &journal{}
	m := metrics.New()
	d := newDeployment(t, newScheduler(t), "test", j, lifecycle.WithMetrics(m))

	b := cacheBean()
	b.Properties = append(b.Properties, descriptor.Property{Name: "failStop", Value: descriptor.Lit("bool", "true")})
	require.NoError(t, d.Install(context.Background(), []*descriptor.Bean{b}))
	_, err := await(t, d)
	require.NoError(t, err)

	require.NoError(t, d.Uninstall(context.Background()))
	assert.Equal(t, []string{"create cache", "start cache", "stop cache", "destroy cache"}, j.list())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TeardownErrors.WithLabelValues("test", "INSTALLED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BeansInstalled.WithLabelValues("test")))
	assert.False(t, d.Registry().Bound("cache"))

	_, err = d.State("cache")
	assert.ErrorIs(t, err, lifecycle.ErrUnknownBean)
}

func TestDeployment_PublishRefusesTakenRegistryName(t *testing.T) {
	j := &journal{}
	d := newDeployment(t, newScheduler(t), "test", j)
	d.Registry().Instance("cache", "squatter")

	require.NoError(t, d.Install(context.Background(), []*descriptor.Bean{cacheBean()}))
	_, err := await(t, d)
	require.ErrorIs(t, err, msc.ErrUnitsFailed)
	assert.ErrorIs(t, err, lifecycle.ErrAlreadyInstalled)

	s, err := d.State("cache")
	require.NoError(t, err)
	assert.Equal(t, state.Create, s)
	assert.Equal(t, 0, j.count("start cache"))
	got, err := d.Registry().Make("cache")
	require.NoError(t, err)
	assert.Equal(t, "squatter", got)
}

func TestDeployment_DependsGatesDescribed(t *testing.T) {
	j := &journal{}
	gate := &Gate{entered: make(chan struct{}), release: make(chan struct{})}
	mod := testModule(j)
	mod.MustRegister("test.Gate", Gate{}, reflection.WithConstructor(func() *Gate { return gate }))

	sched := newScheduler(t)
	d := lifecycle.New("test", sched, lifecycle.WithLoader(mod), lifecycle.WithLogger(zaptest.NewLogger(t)))

	beans := []*descriptor.Bean{
		{Name: "b", Class: "test.Repo", Depends: []descriptor.Depends{{Bean: "a", State: state.Installed}}},
		{Name: "a", Class: "test.Gate", Start: &descriptor.Lifecycle{Method: "Start"}},
	}
	require.NoError(t, d.Install(context.Background(), beans))

	<-gate.entered
	s, err := d.State("b")
	require.NoError(t, err)
	assert.Equal(t, state.NotInstalled, s)
	assert.Equal(t, msc.Waiting, sched.State(lifecycle.ServiceName("b", state.Described)))
	assert.Equal(t, -1, j.index("new repo"))

	close(gate.release)
	_, err = await(t, d)
	require.NoError(t, err)
	s, _ = d.State("b")
	assert.Equal(t, state.Installed, s)
}

func TestDeployment_SetterRunsAfterConstructorAndDependency(t *testing.T) {
	j := &journal{}
	d := newDeployment(t, newScheduler(t), "test", j)

	repo := &descriptor.Bean{
		Name:  "repo",
		Class: "test.Repo",
		Properties: descriptor.Properties{
			{Name: "cache", Value: descriptor.Inject("cache", state.Installed)},
		},
		Start: &descriptor.Lifecycle{Method: "Start"},
	}
	require.NoError(t, d.Install(context.Background(), []*descriptor.Bean{repo, cacheBean()}))
	_, err := await(t, d)
	require.NoError(t, err)

	assert.Less(t, j.index("new repo"), j.index("set cache"))
	assert.Less(t, j.index("start cache"), j.index("set cache"))
	assert.Less(t, j.index("set cache"), j.index("start repo"))

	r, err := d.Instance("repo")
	require.NoError(t, err)
	c, err := d.Instance("cache")
	require.NoError(t, err)
	assert.Same(t, c, r.(*Repo).Cache)
}

func TestDeployment_Factories(t *testing.T) {
	d := newDeployment(t, newScheduler(t), "test", &journal{})

	beans := []*descriptor.Bean{
		{
			Name: "pool",
			Constructor: &descriptor.Constructor{
				FactoryClass:  "test.Pools",
				FactoryMethod: "NewPool",
				Parameters:    []descriptor.Value{descriptor.Lit("int", "4")},
			},
		},
		{
			Name: "conn",
			Constructor: &descriptor.Constructor{
				Factory:       ptr(descriptor.Inject("pool", state.Installed)),
				FactoryMethod: "Open",
				Parameters:    []descriptor.Value{descriptor.Lit("", "primary")},
			},
		},
		{
			Name: "size",
			Constructor: &descriptor.Constructor{
				Factory:       ptr(descriptor.Call("conn", state.Installed, "Open", descriptor.Lit("", "secondary"))),
				FactoryMethod: "Open",
				Parameters:    []descriptor.Value{descriptor.Lit("", "tertiary")},
			},
		},
	}
	// "size" calls Open on conn, which has no such method.
	require.NoError(t, d.Install(context.Background(), beans[:2]))
	_, err := await(t, d)
	require.NoError(t, err)

	pool, err := d.Instance("pool")
	require.NoError(t, err)
	assert.Equal(t, 4, pool.(*Pool).Size)

	conn, err := d.Instance("conn")
	require.NoError(t, err)
	assert.Equal(t, "primary", conn.(*Conn).Name)
	assert.Same(t, pool, conn.(*Conn).Pool)

	info, err := d.BeanInfo("conn")
	require.NoError(t, err)
	assert.Nil(t, info.Class())

	require.NoError(t, d.Install(context.Background(), beans[2:]))
	report, err := await(t, d)
	require.ErrorIs(t, err, msc.ErrUnitsFailed)
	var nf *joinpoint.MemberNotFoundError
	assert.ErrorAs(t, report.Failed[lifecycle.ServiceName("size", state.Instantiated)], &nf)
}

func TestDeployment_RejectsMissingFactory(t *testing.T) {
	d := newDeployment(t, newScheduler(t), "test", &journal{})
	err := d.Install(context.Background(), []*descriptor.Bean{
		{Name: "x", Constructor: &descriptor.Constructor{FactoryMethod: "Make"}},
	})
	assert.ErrorIs(t, err, descriptor.ErrMissingFactory)
	assert.Empty(t, d.Beans())
}

func TestDeployment_FailurePropagates(t *testing.T) {
	d := newDeployment(t, newScheduler(t), "test", &journal{})
	beans := []*descriptor.Bean{
		{Name: "a", Class: "test.Broken"},
		{Name: "b", Class: "test.Repo", Depends: []descriptor.Depends{{Bean: "a", State: state.Instantiated}}},
		{Name: "c", Class: "test.Repo", Depends: []descriptor.Depends{{Bean: "a"}}},
	}
	require.NoError(t, d.Install(context.Background(), beans))

	report, err := await(t, d)
	require.ErrorIs(t, err, msc.ErrUnitsFailed)
	// a never gets an INSTALLED unit, so c waits rather than fails.
	require.ErrorIs(t, err, msc.ErrUnresolvedDependencies)
	assert.Equal(t, []string{lifecycle.ServiceName("a", state.Installed)}, report.Waiting[lifecycle.ServiceName("c", state.Described)])

	var pe *lifecycle.PhaseError
	require.ErrorAs(t, report.Failed[lifecycle.ServiceName("a", state.Instantiated)], &pe)
	assert.Equal(t, state.Instantiated, pe.Phase)
	var ie *joinpoint.InvocationError
	assert.ErrorAs(t, pe, &ie)

	var dep *msc.DependencyFailedError
	assert.ErrorAs(t, report.Failed[lifecycle.ServiceName("b", state.Described)], &dep)

	statuses := d.Beans()
	require.Len(t, statuses, 3)
	assert.Equal(t, state.Described, statuses[0].State)
	assert.Contains(t, statuses[0].Error, "no disk")

	_, err = d.Instance("a")
	assert.ErrorIs(t, err, lifecycle.ErrNotInstalled)
}

func TestDeployment_ReportsMissingDependency(t *testing.T) {
	d := newDeployment(t, newScheduler(t), "test", &journal{})
	require.NoError(t, d.Install(context.Background(), []*descriptor.Bean{
		{Name: "b", Class: "test.Repo", Depends: []descriptor.Depends{{Bean: "ghost"}}},
	}))

	report, err := await(t, d)
	require.ErrorIs(t, err, msc.ErrUnresolvedDependencies)
	assert.Equal(t, []string{lifecycle.ServiceName("ghost", state.Installed)}, report.Missing)
}

func TestDeployment_AliasesResolve(t *testing.T) {
	j := &journal{}
	d := newDeployment(t, newScheduler(t), "test", j)

	c := cacheBean()
	c.Aliases = []string{"store"}
	repo := &descriptor.Bean{
		Name:       "repo",
		Class:      "test.Repo",
		Properties: descriptor.Properties{{Name: "cache", Value: descriptor.Inject("store", state.Installed)}},
	}
	require.NoError(t, d.Install(context.Background(), []*descriptor.Bean{c, repo}))
	_, err := await(t, d)
	require.NoError(t, err)

	viaAlias, err := d.Instance("store")
	require.NoError(t, err)
	r, _ := d.Instance("repo")
	assert.Same(t, viaAlias, r.(*Repo).Cache)

	fromRegistry, err := d.Registry().Make("store")
	require.NoError(t, err)
	assert.Same(t, viaAlias, fromRegistry)
}

func TestDeployment_InstallsAndUninstalls(t *testing.T) {
	d := newDeployment(t, newScheduler(t), "test", &journal{})
	beans := []*descriptor.Bean{
		{Name: "plugins", Class: "test.Plugins"},
		{
			Name:       "plugin",
			Class:      "test.Plugin",
			Properties: descriptor.Properties{{Name: "name", Value: descriptor.Lit("", "p1")}},
			Installs: []descriptor.Install{{
				Bean:       "plugins",
				Method:     "Register",
				Parameters: []descriptor.Value{descriptor.Lit("", "p1"), descriptor.Inject("plugin", state.Installed)},
			}},
			Uninstalls: []descriptor.Install{{
				Bean:       "plugins",
				Method:     "Unregister",
				Parameters: []descriptor.Value{descriptor.Lit("", "p1")},
			}},
		},
	}
	require.NoError(t, d.Install(context.Background(), beans))
	_, err := await(t, d)
	require.NoError(t, err)

	reg, err := d.Instance("plugins")
	require.NoError(t, err)
	plugins := reg.(*Plugins)
	require.True(t, plugins.Has("p1"))
	p, _ := d.Instance("plugin")
	assert.Same(t, p, plugins.names["p1"])

	require.NoError(t, d.Uninstall(context.Background()))
	assert.False(t, plugins.Has("p1"))
}

func TestDeployment_DependentRestartsWhenDependencyReturns(t *testing.T) {
	j := &journal{}
	sched := newScheduler(t)
	infra := newDeployment(t, sched, "infra", j)
	app := newDeployment(t, sched, "app", j)

	require.NoError(t, infra.Install(context.Background(), []*descriptor.Bean{cacheBean()}))
	require.NoError(t, app.Install(context.Background(), []*descriptor.Bean{{
		Name:       "repo",
		Class:      "test.Repo",
		Properties: descriptor.Properties{{Name: "cache", Value: descriptor.Inject("cache", state.Installed)}},
		Start:      &descriptor.Lifecycle{Method: "Start"},
	}}))
	_, err := await(t, app)
	require.NoError(t, err)

	require.NoError(t, infra.Uninstall(context.Background()))
	s, err := app.State("repo")
	require.NoError(t, err)
	assert.Equal(t, state.Instantiated, s)
	r, err := app.BeanInfo("repo")
	require.NoError(t, err)
	assert.NotNil(t, r)

	infra2 := newDeployment(t, sched, "infra", j)
	require.NoError(t, infra2.Install(context.Background(), []*descriptor.Bean{cacheBean()}))
	_, err = await(t, app)
	require.NoError(t, err)

	assert.Equal(t, 2, j.count("start repo"))
	assert.Equal(t, 1, j.count("new repo"), "the instance survives")
	repo, err := app.Instance("repo")
	require.NoError(t, err)
	cache, err := infra2.Instance("cache")
	require.NoError(t, err)
	assert.Same(t, cache, repo.(*Repo).Cache)
}

func TestDeployment_WaitingDependentPicksUpReturnedDependency(t *testing.T) {
	j := &journal{}
	sched := newScheduler(t)
	infra := newDeployment(t, sched, "infra", j)
	app := newDeployment(t, sched, "app", j)

	require.NoError(t, infra.Install(context.Background(), []*descriptor.Bean{cacheBean()}))
	_, err := await(t, infra)
	require.NoError(t, err)
	require.NoError(t, app.Install(context.Background(), []*descriptor.Bean{{
		Name:       "repo",
		Class:      "test.Repo",
		Properties: descriptor.Properties{{Name: "cache", Value: descriptor.Inject("cache", state.Installed)}},
		Depends:    []descriptor.Depends{{Bean: "gate", When: state.Configured}},
	}}))
	_, err = await(t, app)
	require.ErrorIs(t, err, msc.ErrUnresolvedDependencies)
	s, err := app.State("repo")
	require.NoError(t, err)
	require.Equal(t, state.Instantiated, s)

	// repo's CONFIGURED unit was gated on the first cache and is reset
	// while still waiting.
	require.NoError(t, infra.Uninstall(context.Background()))
	assert.Equal(t, msc.Waiting, sched.State(lifecycle.ServiceName("repo", state.Configured)))

	infra2 := newDeployment(t, sched, "infra", j)
	require.NoError(t, infra2.Install(context.Background(), []*descriptor.Bean{cacheBean()}))
	_, err = await(t, infra2)
	require.NoError(t, err)

	edge := newDeployment(t, sched, "edge", j)
	require.NoError(t, edge.Install(context.Background(), []*descriptor.Bean{{Name: "gate", Class: "test.Plugin"}}))
	_, err = await(t, app)
	require.NoError(t, err)

	cache, err := infra2.Instance("cache")
	require.NoError(t, err)
	repo, err := app.Instance("repo")
	require.NoError(t, err)
	assert.Same(t, cache, repo.(*Repo).Cache)
	assert.Equal(t, 1, j.count("set cache"))
}

func TestDeployment_ModuleSelection(t *testing.T) {
	j := &journal{}
	plugins := reflection.NewModule("plugins", nil)
	plugins.MustRegister("ext.Pool", Pool{})

	d := newDeployment(t, newScheduler(t), "test", j, lifecycle.WithModule("plugins", plugins))
	require.NoError(t, d.Install(context.Background(), []*descriptor.Bean{
		{Name: "ext", Class: "ext.Pool", Module: "plugins"},
		{Name: "lost", Class: "ext.Pool"},
		{Name: "nowhere", Class: "ext.Pool", Module: "missing"},
	}))

	report, err := await(t, d)
	require.Error(t, err)
	s, _ := d.State("ext")
	assert.Equal(t, state.Installed, s)

	var cnf *reflection.ClassNotFoundError
	assert.ErrorAs(t, report.Failed[lifecycle.ServiceName("lost", state.Described)], &cnf)
	assert.ErrorIs(t, report.Failed[lifecycle.ServiceName("nowhere", state.Described)], lifecycle.ErrUnknownModule)
}

func TestDeployment_DuplicateBeanRejected(t *testing.T) {
	d := newDeployment(t, newScheduler(t), "test", &journal{})
	require.NoError(t, d.Install(context.Background(), []*descriptor.Bean{cacheBean()}))
	err := d.Install(context.Background(), []*descriptor.Bean{cacheBean()})
	assert.ErrorIs(t, err, lifecycle.ErrAlreadyInstalled)
}

func TestDeployment_ReportIsScopedToItsBeans(t *testing.T) {
	sched := newScheduler(t)
	broken := newDeployment(t, sched, "broken", &journal{})
	fine := newDeployment(t, sched, "fine", &journal{})

	require.NoError(t, broken.Install(context.Background(), []*descriptor.Bean{{Name: "a", Class: "test.Broken"}}))
	require.NoError(t, fine.Install(context.Background(), []*descriptor.Bean{cacheBean()}))

	report, err := await(t, fine)
	require.NoError(t, err)
	assert.Contains(t, report.Up, lifecycle.ServiceName("cache", state.Installed))
	assert.NotContains(t, report.Up, lifecycle.ServiceName("a", state.Described))

	_, err = await(t, broken)
	assert.ErrorIs(t, err, msc.ErrUnitsFailed)
}

func TestServiceName(t *testing.T) {
	assert.Equal(t, "mc.pojo.cache.INSTALLED", lifecycle.ServiceName("cache", state.Installed))
	assert.Equal(t, "mc.pojo.cache.DESCRIBED", lifecycle.ServiceName("cache", state.Described))

	bean, s, ok := lifecycle.ParseServiceName("mc.pojo.db.main.CREATE")
	require.True(t, ok)
	assert.Equal(t, "db.main", bean)
	assert.Equal(t, state.Create, s)

	for _, bad := range []string{"cache.INSTALLED", "mc.pojo.cache", "mc.pojo.cache.RUNNING", "mc.pojo..CREATE"} {
		_, _, ok := lifecycle.ParseServiceName(bad)
		assert.False(t, ok, bad)
	}
}

func ptr[T any](v T) *T { return &v }
