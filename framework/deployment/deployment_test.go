package deployment_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/km-arc/go-mc/framework/deployment"
	"github.com/km-arc/go-mc/framework/descriptor"
	"github.com/km-arc/go-mc/framework/lifecycle"
	"github.com/km-arc/go-mc/framework/msc"
	"github.com/km-arc/go-mc/framework/reflection"
	"github.com/km-arc/go-mc/framework/state"
)

type Counter struct {
	Step    int
	started int
}

func (c *Counter) Start() { c.started++ }

type Client struct {
	Counter *Counter
}

type Broken struct{}

func testModule() *reflection.Module {
	m := reflection.NewModule("test", nil)
	m.MustRegister("test.Counter", Counter{})
	m.MustRegister("test.Client", Client{})
	m.MustRegister("test.Broken", Broken{}, reflection.WithConstructor(func() (*Broken, error) {
		return nil, os.ErrPermission
	}))
	return m
}

func newManager(t *testing.T) *deployment.Manager {
	t.Helper()
	log := zaptest.NewLogger(t)
	sched := msc.New(msc.WithLogger(log))
	t.Cleanup(func() { _ = sched.Shutdown(context.Background()) })
	return deployment.NewManager(sched,
		deployment.WithLogger(log),
		deployment.WithStabilityTimeout(5*time.Second),
		deployment.WithDeploymentOptions(lifecycle.WithLoader(testModule())),
	)
}

const counterYAML = `
name: counters
beans:
  - name: counter
    class: test.Counter
    properties:
      step: 2
    start: {method: Start}
`

// ── Document ─────────────────────────────────────────────────────────────────

func TestParse(t *testing.T) {
	doc, err := deployment.Parse([]byte(counterYAML))
	require.NoError(t, err)
	assert.Equal(t, "counters", doc.Name)
	require.Len(t, doc.Beans, 1)
	assert.Equal(t, "test.Counter", doc.Beans[0].Class)
	require.NoError(t, doc.Validate())

	empty, err := deployment.Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Beans)

	_, err = deployment.Parse([]byte("beans:\n  - name: x\n    klass: y\n"))
	assert.ErrorContains(t, err, "klass")
}

func TestLoadFile_NameFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storage-beans.yaml")
	require.NoError(t, os.WriteFile(path, []byte("beans:\n  - {name: c, class: test.Counter}\n"), 0o644))

	doc, err := deployment.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "storage", doc.Name)

	_, err = deployment.LoadFile(filepath.Join(dir, "missing-beans.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNameFromPath(t *testing.T) {
	tests := map[string]string{
		"/d/storage-beans.yaml": "storage",
		"web-beans.yml":         "web",
		"plain.yaml":            "plain",
		"-beans.yaml":           "-beans",
		"noext":                 "noext",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, deployment.NameFromPath(in))
		})
	}
}

// ── Manager ──────────────────────────────────────────────────────────────────

func TestManager_DeployAndQuery(t *testing.T) {
	m := newManager(t)
	doc, err := deployment.Parse([]byte(counterYAML))
	require.NoError(t, err)

	report, err := m.Deploy(context.Background(), doc.Name, doc.Beans)
	require.NoError(t, err)
	assert.Contains(t, report.Up, lifecycle.ServiceName("counter", state.Installed))

	d, err := m.Get("counters")
	require.NoError(t, err)
	inst, err := d.Instance("counter")
	require.NoError(t, err)
	assert.Equal(t, 2, inst.(*Counter).Step)
	assert.Equal(t, 1, inst.(*Counter).started)

	list := m.List()
	require.Len(t, list, 1)
	assert.Equal(t, "counters", list[0].Name)
	assert.Equal(t, d.ID(), list[0].ID)
	require.Len(t, list[0].Beans, 1)
	assert.Equal(t, state.Installed, list[0].Beans[0].State)
}

func TestManager_RedeployReplaces(t *testing.T) {
	m := newManager(t)
	beans := func() []*descriptor.Bean {
		return []*descriptor.Bean{{Name: "counter", Class: "test.Counter"}}
	}
	_, err := m.Deploy(context.Background(), "a", beans())
	require.NoError(t, err)
	first, _ := m.Get("a")
	old, _ := first.Instance("counter")

	_, err = m.Deploy(context.Background(), "a", beans())
	require.NoError(t, err)
	second, _ := m.Get("a")
	assert.NotEqual(t, first.ID(), second.ID())

	fresh, err := second.Instance("counter")
	require.NoError(t, err)
	assert.NotSame(t, old, fresh)
	assert.Equal(t, []string{"a"}, m.Names())
}

func TestManager_InvalidDescriptorsLeaveNothing(t *testing.T) {
	m := newManager(t)
	_, err := m.Deploy(context.Background(), "bad", []*descriptor.Bean{{Class: "test.Counter"}})
	var verrs descriptor.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Empty(t, m.Names())

	_, err = m.Deploy(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestManager_FailedDeploymentStaysVisible(t *testing.T) {
	m := newManager(t)
	report, err := m.Deploy(context.Background(), "broken", []*descriptor.Bean{{Name: "b", Class: "test.Broken"}})
	require.ErrorIs(t, err, msc.ErrUnitsFailed)
	require.NotNil(t, report)
	assert.Contains(t, report.Failed, lifecycle.ServiceName("b", state.Instantiated))

	d, err := m.Get("broken")
	require.NoError(t, err)
	s, _ := d.State("b")
	assert.Equal(t, state.Described, s)

	require.NoError(t, m.Undeploy(context.Background(), "broken"))
	_, err = m.Get("broken")
	assert.ErrorIs(t, err, deployment.ErrUnknownDeployment)
}

func TestManager_CrossDeploymentDependency(t *testing.T) {
	m := newManager(t)
	counter := []*descriptor.Bean{{Name: "counter", Class: "test.Counter"}}
	client := []*descriptor.Bean{{
		Name:       "client",
		Class:      "test.Client",
		Properties: descriptor.Properties{{Name: "counter", Value: descriptor.Inject("counter", state.Installed)}},
	}}

	_, err := m.Deploy(context.Background(), "infra", counter)
	require.NoError(t, err)
	_, err = m.Deploy(context.Background(), "app", client)
	require.NoError(t, err)

	require.NoError(t, m.Undeploy(context.Background(), "infra"))
	app, _ := m.Get("app")
	s, _ := app.State("client")
	assert.Equal(t, state.Instantiated, s)

	_, err = m.Deploy(context.Background(), "infra", counter)
	require.NoError(t, err)
	_, err = app.AwaitStability(context.Background())
	require.NoError(t, err)
	s, _ = app.State("client")
	assert.Equal(t, state.Installed, s)
}

func TestManager_UndeployUnknown(t *testing.T) {
	m := newManager(t)
	assert.ErrorIs(t, m.Undeploy(context.Background(), "ghost"), deployment.ErrUnknownDeployment)
}

func TestManager_Shutdown(t *testing.T) {
	m := newManager(t)
	for _, n := range []string{"one", "two"} {
		_, err := m.Deploy(context.Background(), n, []*descriptor.Bean{{Name: n, Class: "test.Counter"}})
		require.NoError(t, err)
	}
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Empty(t, m.Names())
}

// ── Scanner ──────────────────────────────────────────────────────────────────

type call struct {
	op    string
	name  string
	beans int
}

type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) Deploy(_ context.Context, name string, beans []*descriptor.Bean) (*msc.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{"deploy", name, len(beans)})
	return &msc.Report{}, nil
}

func (r *recorder) Undeploy(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{"undeploy", name, 0})
	return nil
}

func (r *recorder) list() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func writeBeans(t *testing.T, path string, names ...string) {
	t.Helper()
	body := "beans:\n"
	for _, n := range names {
		body += "  - {name: " + n + ", class: test.Counter}\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestScanner_ScanDeploysMatchingFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	writeBeans(t, filepath.Join(dir, "b-beans.yaml"), "x")
	writeBeans(t, filepath.Join(dir, "a-beans.yaml"), "y", "z")
	writeBeans(t, filepath.Join(dir, "ignored.yaml"), "w")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c-beans.yaml"), []byte("beans: [oops"), 0o644))

	r := &recorder{}
	s := deployment.NewScanner(dir, r, deployment.WithScanLogger(zaptest.NewLogger(t)))
	err := s.Scan(context.Background())
	assert.ErrorContains(t, err, "c-beans.yaml")
	assert.Equal(t, []call{{"deploy", "a", 2}, {"deploy", "b", 1}}, r.list())
}

func TestScanner_WatchRedeploysAndUndeploys(t *testing.T) {
	dir := t.TempDir()
	r := &recorder{}
	s := deployment.NewScanner(dir, r,
		deployment.WithDebounce(20*time.Millisecond),
		deployment.WithScanLogger(zaptest.NewLogger(t)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Let the watcher register the directory.
	time.Sleep(50 * time.Millisecond)

	path := filepath.Join(dir, "web-beans.yaml")
	writeBeans(t, path, "a")
	require.Eventually(t, func() bool {
		return len(r.list()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, call{"deploy", "web", 1}, r.list()[0])

	writeBeans(t, filepath.Join(dir, "notes.txt"), "ignored")
	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		calls := r.list()
		return len(calls) == 2 && calls[1] == call{"undeploy", "web", 0}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScanner_WatchLogsBadRedeploy(t *testing.T) {
	dir := t.TempDir()
	core, logs := observer.New(zap.ErrorLevel)
	s := deployment.NewScanner(dir, &recorder{},
		deployment.WithDebounce(20*time.Millisecond),
		deployment.WithScanLogger(zap.New(core)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad-beans.yaml"), []byte("beans: [oops"), 0o644))
	require.Eventually(t, func() bool {
		return logs.FilterMessage("redeploy failed").Len() > 0
	}, 2*time.Second, 10*time.Millisecond)
	entry := logs.FilterMessage("redeploy failed").All()[0]
	assert.Equal(t, filepath.Join(dir, "bad-beans.yaml"), entry.ContextMap()["file"])
}
