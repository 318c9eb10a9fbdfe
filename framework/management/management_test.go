package management_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/km-arc/go-mc/framework/deployment"
	"github.com/km-arc/go-mc/framework/lifecycle"
	"github.com/km-arc/go-mc/framework/management"
	"github.com/km-arc/go-mc/framework/metrics"
	"github.com/km-arc/go-mc/framework/msc"
	"github.com/km-arc/go-mc/framework/reflection"
	"github.com/km-arc/go-mc/framework/routing"
	"github.com/km-arc/go-mc/framework/state"
)

type Greeter struct{ Greeting string }

func (g *Greeter) Greet(name string) string { return g.Greeting + ", " + name }

const token = "s3cret"

func newServer(t *testing.T) (http.Handler, *deployment.Manager) {
	t.Helper()
	log := zaptest.NewLogger(t)
	m := metrics.New()
	sched := msc.New(msc.WithLogger(log), msc.WithListener(m.Listener()))
	t.Cleanup(func() { _ = sched.Shutdown(context.Background()) })

	mod := reflection.NewModule("test", nil)
	mod.MustRegister("test.Greeter", Greeter{})
	mgr := deployment.NewManager(sched,
		deployment.WithLogger(log),
		deployment.WithStabilityTimeout(5*time.Second),
		deployment.WithDeploymentOptions(lifecycle.WithLoader(mod), lifecycle.WithMetrics(m)),
	)

	r := routing.New(routing.WithLogger(log))
	management.Register(r, mgr, management.Options{Token: token, Metrics: m, Logger: log})
	return r, mgr
}

func send(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&m))
	return m
}

const greeterYAML = `
beans:
  - name: greeter
    class: test.Greeter
    aliases: [hello]
    properties:
      greeting: Hi
`

func TestDeployments_Lifecycle(t *testing.T) {
	h, mgr := newServer(t)

	rr := send(t, h, http.MethodPut, "/deployments/web", greeterYAML)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	data := decode(t, rr)["data"].(map[string]any)
	assert.Equal(t, "web", data["name"])
	assert.Contains(t, data["report"].(map[string]any)["up"], lifecycle.ServiceName("greeter", state.Installed))

	d, err := mgr.Get("web")
	require.NoError(t, err)
	inst, err := d.Instance("hello")
	require.NoError(t, err)
	assert.Equal(t, "Hi, Bob", inst.(*Greeter).Greet("Bob"))

	rr = send(t, h, http.MethodGet, "/deployments", "")
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode(t, rr)["data"].([]any)
	require.Len(t, list, 1)

	rr = send(t, h, http.MethodGet, "/deployments/web", "")
	require.Equal(t, http.StatusOK, rr.Code)
	beans := decode(t, rr)["data"].(map[string]any)["beans"].([]any)
	assert.Equal(t, "INSTALLED", beans[0].(map[string]any)["state"])

	rr = send(t, h, http.MethodGet, "/deployments/web/beans", "")
	require.Equal(t, http.StatusOK, rr.Code)
	listed := decode(t, rr)["data"].([]any)
	require.Len(t, listed, 1)
	assert.Equal(t, "greeter", listed[0].(map[string]any)["name"])

	rr = send(t, h, http.MethodGet, "/deployments/web/beans/hello", "")
	require.Equal(t, http.StatusOK, rr.Code)
	bean := decode(t, rr)["data"].(map[string]any)
	assert.Equal(t, "greeter", bean["name"])
	assert.Equal(t, "test.Greeter", bean["class"])
	assert.Contains(t, bean["properties"], "greeting")
	assert.Contains(t, bean["methods"], "Greet")

	rr = send(t, h, http.MethodDelete, "/deployments/web", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Empty(t, mgr.Names())

	rr = send(t, h, http.MethodDelete, "/deployments/web", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDeployments_DescriptorRoundTrips(t *testing.T) {
	h, mgr := newServer(t)
	require.Equal(t, http.StatusCreated, send(t, h, http.MethodPut, "/deployments/web", greeterYAML).Code)

	rr := send(t, h, http.MethodGet, "/deployments/web/descriptor", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/yaml", rr.Header().Get("Content-Type"))
	exported := rr.Body.String()

	doc, err := deployment.Parse([]byte(exported))
	require.NoError(t, err)
	assert.Equal(t, "web", doc.Name)
	require.Len(t, doc.Beans, 1)
	assert.Equal(t, []string{"hello"}, doc.Beans[0].Aliases)
	greeting, ok := doc.Beans[0].Properties.Get("greeting")
	require.True(t, ok)
	assert.Equal(t, `"Hi"`, greeting.Value.String())

	rr = send(t, h, http.MethodPut, "/deployments/web", exported)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, []string{"web"}, mgr.Names())

	assert.Equal(t, http.StatusNotFound, send(t, h, http.MethodGet, "/deployments/nope/descriptor", "").Code)
}

func TestDeployments_StoreUsesDocumentName(t *testing.T) {
	h, mgr := newServer(t)

	rr := send(t, h, http.MethodPost, "/deployments", `{"name": "api", "beans": [{"name": "g", "class": "test.Greeter"}]}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, []string{"api"}, mgr.Names())

	rr = send(t, h, http.MethodPost, "/deployments", greeterYAML)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestDeployments_Rejects(t *testing.T) {
	h, _ := newServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"empty body", http.MethodPut, "/deployments/x", "", http.StatusBadRequest},
		{"bad yaml", http.MethodPut, "/deployments/x", "beans: [", http.StatusBadRequest},
		{"invalid bean", http.MethodPut, "/deployments/x", "beans:\n  - class: test.Greeter\n", http.StatusUnprocessableEntity},
		{"name mismatch", http.MethodPut, "/deployments/x", "name: y\nbeans: []\n", http.StatusUnprocessableEntity},
		{"unknown deployment", http.MethodGet, "/deployments/nope", "", http.StatusNotFound},
		{"unknown bean deployment", http.MethodGet, "/deployments/nope/beans/a", "", http.StatusNotFound},
		{"unknown bean list", http.MethodGet, "/deployments/nope/beans", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := send(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}

func TestDeployments_ValidationBag(t *testing.T) {
	h, _ := newServer(t)
	rr := send(t, h, http.MethodPut, "/deployments/x", "beans:\n  - name: a\n    constructor: {factoryMethod: Make}\n")
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	errs := decode(t, rr)["errors"].(map[string]any)
	assert.NotEmpty(t, errs)
}

func TestDeployments_FailedBeansAreConflict(t *testing.T) {
	h, mgr := newServer(t)
	rr := send(t, h, http.MethodPut, "/deployments/x", "beans:\n  - {name: a, class: test.Missing}\n")
	require.Equal(t, http.StatusConflict, rr.Code)
	body := decode(t, rr)
	failed := body["data"].(map[string]any)["report"].(map[string]any)["failed"].(map[string]any)
	assert.Contains(t, failed, lifecycle.ServiceName("a", state.Described))
	assert.Equal(t, []string{"x"}, mgr.Names())
}

func TestDeployments_RequireToken(t *testing.T) {
	h, _ := newServer(t)
	req := httptest.NewRequest(http.MethodPut, "/deployments/x", strings.NewReader(greeterYAML))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/deployments", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h, _ := newServer(t)
	rr := send(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decode(t, rr)["data"].(map[string]any)["status"])

	require.Equal(t, http.StatusCreated, send(t, h, http.MethodPut, "/deployments/web", greeterYAML).Code)
	rr = send(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "mc_beans_installed")
}

func TestDeployments_DescriptorAsJSON(t *testing.T) {
	h, mgr := newServer(t)
	require.Equal(t, http.StatusCreated, send(t, h, http.MethodPut, "/deployments/web", greeterYAML).Code)

	req := httptest.NewRequest(http.MethodGet, "/deployments/web/descriptor", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&env))
	doc, err := deployment.Parse(env.Data)
	require.NoError(t, err)
	assert.Equal(t, "web", doc.Name)
	greeting, ok := doc.Beans[0].Properties.Get("greeting")
	require.True(t, ok)
	assert.Equal(t, `"Hi"`, greeting.Value.String())

	require.NoError(t, mgr.Undeploy(context.Background(), "web"))
	req = httptest.NewRequest(http.MethodPut, "/deployments/web", strings.NewReader(string(env.Data)))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
}

func TestDeployments_RejectsUnreadableContentType(t *testing.T) {
	h, mgr := newServer(t)
	req := httptest.NewRequest(http.MethodPut, "/deployments/web", strings.NewReader(greeterYAML))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
	assert.Empty(t, mgr.Names())
}
