// Package management exposes deployments over HTTP.
//
//	GET    /health
//	GET    /metrics
//	GET    /deployments
//	POST   /deployments                       document with a name
//	GET    /deployments/{name}
//	PUT    /deployments/{name}                document, YAML or JSON
//	DELETE /deployments/{name}
//	GET    /deployments/{name}/beans
//	GET    /deployments/{name}/beans/{bean}
//	GET    /deployments/{name}/descriptor     YAML, or JSON when asked for
//
// Documents are read as YAML, which JSON bodies also parse as. Other
// content types are refused.
// Mutating routes require the bearer token when one is configured.
package management

import (
	"errors"
	"mime"
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/km-arc/go-mc/framework/deployment"
	"github.com/km-arc/go-mc/framework/descriptor"
	gohttp "github.com/km-arc/go-mc/framework/http"
	"github.com/km-arc/go-mc/framework/lifecycle"
	"github.com/km-arc/go-mc/framework/metrics"
	"github.com/km-arc/go-mc/framework/msc"
	"github.com/km-arc/go-mc/framework/routing"
)

// Options configures the routes.
type Options struct {
	Token   string
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Register mounts the management routes on r.
func Register(r *routing.Router, mgr *deployment.Manager, opts Options) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := &Controller{mgr: mgr, log: log}

	r.Get("/health", c.Health)
	if opts.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Metrics.Registry(), promhttp.HandlerOpts{EnableOpenMetrics: true}))
	}
	r.Group(func(g *routing.Router) {
		g.Middleware(routing.RequireToken(opts.Token))
		g.Resource("/deployments", "name", c)
		g.Prefix("/deployments/{name}/beans", func(b *routing.Router) {
			b.Get("/", c.Beans)
			b.Get("/{bean}", c.Bean)
		})
		g.Get("/deployments/{name}/descriptor", c.Descriptor)
	})
}

// Controller serves the deployment routes.
type Controller struct {
	mgr *deployment.Manager
	log *zap.Logger
}

var _ routing.ResourceController = (*Controller)(nil)

// Health reports liveness and the number of deployments.
func (c *Controller) Health(w http.ResponseWriter, r *http.Request) {
	gohttp.NewResponse(w).Success(map[string]any{
		"status":      "ok",
		"deployments": len(c.mgr.Names()),
	})
}

// Index lists every deployment.
func (c *Controller) Index(w http.ResponseWriter, r *http.Request) {
	gohttp.NewResponse(w).Success(c.mgr.List())
}

// Store deploys a document under the name it carries.
func (c *Controller) Store(w http.ResponseWriter, r *http.Request) {
	res := gohttp.NewResponse(w)
	doc, ok := c.document(res, r)
	if !ok {
		return
	}
	if doc.Name == "" {
		res.ValidationError(map[string][]string{"name": {"name is required"}})
		return
	}
	c.deploy(res, r, doc)
}

// Show returns one deployment.
func (c *Controller) Show(w http.ResponseWriter, r *http.Request) {
	res := gohttp.NewResponse(w)
	d, err := c.mgr.Get(gohttp.NewRequest(r).RouteParam("name"))
	if err != nil {
		res.NotFound(err.Error())
		return
	}
	res.Success(deployment.Summarize(d))
}

// Update deploys, or redeploys, the document as the named deployment.
func (c *Controller) Update(w http.ResponseWriter, r *http.Request) {
	res := gohttp.NewResponse(w)
	doc, ok := c.document(res, r)
	if !ok {
		return
	}
	name := gohttp.NewRequest(r).RouteParam("name")
	if doc.Name != "" && doc.Name != name {
		res.ValidationError(map[string][]string{"name": {"document name " + doc.Name + " does not match " + name}})
		return
	}
	doc.Name = name
	c.deploy(res, r, doc)
}

// Destroy undeploys the named deployment.
func (c *Controller) Destroy(w http.ResponseWriter, r *http.Request) {
	res := gohttp.NewResponse(w)
	err := c.mgr.Undeploy(r.Context(), gohttp.NewRequest(r).RouteParam("name"))
	switch {
	case errors.Is(err, deployment.ErrUnknownDeployment):
		res.NotFound(err.Error())
	case err != nil:
		c.log.Error("undeploy failed", zap.Error(err))
		res.ServerError(err.Error())
	default:
		res.NoContent()
	}
}

// Beans lists the bean statuses of a deployment, in install order.
func (c *Controller) Beans(w http.ResponseWriter, r *http.Request) {
	res := gohttp.NewResponse(w)
	d, err := c.mgr.Get(gohttp.NewRequest(r).RouteParam("name"))
	if err != nil {
		res.NotFound(err.Error())
		return
	}
	res.Success(d.Beans())
}

// Bean returns the status of one bean of a deployment.
func (c *Controller) Bean(w http.ResponseWriter, r *http.Request) {
	res := gohttp.NewResponse(w)
	d, err := c.mgr.Get(gohttp.NewRequest(r).RouteParam("name"))
	if err != nil {
		res.NotFound(err.Error())
		return
	}
	st, err := d.Status(gohttp.NewRequest(r).RouteParam("bean"))
	if err != nil {
		res.NotFound(err.Error())
		return
	}
	view := beanView{Status: st}
	if info, err := d.BeanInfo(st.Name); err == nil {
		view.Type = info.Type().String()
		for _, p := range info.Properties() {
			view.Properties = append(view.Properties, p.Name)
		}
		view.Methods = info.Methods()
	}
	res.Success(view)
}

// Descriptor returns the deployed document, ready to PUT back.
func (c *Controller) Descriptor(w http.ResponseWriter, r *http.Request) {
	req, res := gohttp.NewRequest(r), gohttp.NewResponse(w)
	d, err := c.mgr.Get(req.RouteParam("name"))
	if err != nil {
		res.NotFound(err.Error())
		return
	}
	doc := deployment.Document{Name: d.Name(), Beans: d.Descriptors()}
	if req.IsJSON() {
		res.Success(doc)
		return
	}
	res.YAML(http.StatusOK, doc)
}

// ── helpers ──────────────────────────────────────────────────────────────────

type beanView struct {
	lifecycle.Status
	Type       string   `json:"type,omitempty"`
	Properties []string `json:"properties,omitempty"`
	Methods    []string `json:"methods,omitempty"`
}

type reportView struct {
	Up      []string            `json:"up"`
	Failed  map[string]string   `json:"failed,omitempty"`
	Waiting map[string][]string `json:"waiting,omitempty"`
	Missing []string            `json:"missing,omitempty"`
}

func newReportView(r *msc.Report) *reportView {
	if r == nil {
		return nil
	}
	v := &reportView{Up: r.Up, Waiting: r.Waiting, Missing: r.Missing}
	if len(r.Failed) > 0 {
		v.Failed = make(map[string]string, len(r.Failed))
		for u, err := range r.Failed {
			v.Failed[u] = err.Error()
		}
	}
	sort.Strings(v.Up)
	return v
}

func (c *Controller) document(res *gohttp.Response, r *http.Request) (*deployment.Document, bool) {
	req := gohttp.NewRequest(r)
	if ct := req.ContentType(); !readable(ct) {
		res.Error(http.StatusUnsupportedMediaType, "cannot read "+ct)
		return nil, false
	}
	body, err := req.Body()
	if err != nil {
		res.Error(http.StatusBadRequest, err.Error())
		return nil, false
	}
	// YAML is a superset of JSON, so one decoder serves both.
	doc, err := deployment.Parse(body)
	if err != nil {
		res.Error(http.StatusBadRequest, err.Error())
		return nil, false
	}
	return doc, true
}

func readable(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mt {
	case "application/json", gohttp.ContentTypeYAML, "application/x-yaml", "text/yaml", "text/plain":
		return true
	}
	return false
}

func (c *Controller) deploy(res *gohttp.Response, r *http.Request, doc *deployment.Document) {
	report, err := c.mgr.Deploy(r.Context(), doc.Name, doc.Beans)

	var verrs descriptor.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		res.ValidationError(verrs.Bag())
	case err != nil && report == nil:
		res.Conflict(err.Error(), nil)
	case err != nil:
		// Deployed, but some beans failed or wait for missing dependencies.
		res.Conflict(err.Error(), deploymentView{Summary: c.summary(doc.Name), Report: newReportView(report)})
	default:
		res.Created(deploymentView{Summary: c.summary(doc.Name), Report: newReportView(report)})
	}
}

type deploymentView struct {
	deployment.Summary
	Report *reportView `json:"report,omitempty"`
}

func (c *Controller) summary(name string) deployment.Summary {
	d, err := c.mgr.Get(name)
	if err != nil {
		return deployment.Summary{Name: name}
	}
	return deployment.Summarize(d)
}
