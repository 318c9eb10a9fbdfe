package routing

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Router wraps chi.Router with small grouping helpers.
type Router struct {
	mux chi.Router
}

// Option configures a Router.
type Option func(chi.Router)

// WithLogger logs every request through l.
func WithLogger(l *zap.Logger) Option {
	return func(r chi.Router) { r.Use(RequestLogger(l)) }
}

// New creates a Router with RequestID, RealIP and Recoverer installed.
func New(opts ...Option) *Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	for _, opt := range opts {
		opt(r)
	}
	r.Use(middleware.Recoverer)
	return &Router{mux: r}
}

// ── HTTP verbs ───────────────────────────────────────────────────────────────

func (r *Router) Get(pattern string, h http.HandlerFunc)    { r.mux.Get(pattern, h) }
func (r *Router) Post(pattern string, h http.HandlerFunc)   { r.mux.Post(pattern, h) }
func (r *Router) Put(pattern string, h http.HandlerFunc)    { r.mux.Put(pattern, h) }
func (r *Router) Delete(pattern string, h http.HandlerFunc) { r.mux.Delete(pattern, h) }

// Handle mounts a plain http.Handler for GET requests, e.g. a metrics handler.
func (r *Router) Handle(pattern string, h http.Handler) { r.mux.Method(http.MethodGet, pattern, h) }

// ── Groups & Prefixes ────────────────────────────────────────────────────────

// Group creates an inline group sharing middleware.
func (r *Router) Group(fn func(r *Router)) {
	r.mux.Group(func(mx chi.Router) {
		fn(&Router{mux: mx})
	})
}

// Prefix creates a sub-router under a URL prefix.
func (r *Router) Prefix(pattern string, fn func(r *Router)) {
	r.mux.Route(pattern, func(mx chi.Router) {
		fn(&Router{mux: mx})
	})
}

// ── Middleware ───────────────────────────────────────────────────────────────

// Middleware adds one or more middleware to the router.
func (r *Router) Middleware(mw ...func(http.Handler) http.Handler) {
	r.mux.Use(mw...)
}

// ── Resource routes ──────────────────────────────────────────────────────────

// ResourceController handles a collection and its members.
//
//	GET    /deployments          → c.Index
//	POST   /deployments          → c.Store
//	GET    /deployments/{key}    → c.Show
//	PUT    /deployments/{key}    → c.Update
//	DELETE /deployments/{key}    → c.Destroy
type ResourceController interface {
	Index(w http.ResponseWriter, r *http.Request)
	Store(w http.ResponseWriter, r *http.Request)
	Show(w http.ResponseWriter, r *http.Request)
	Update(w http.ResponseWriter, r *http.Request)
	Destroy(w http.ResponseWriter, r *http.Request)
}

// Resource registers the collection routes of c. Members are addressed by
// the route parameter key.
func (r *Router) Resource(pattern, key string, c ResourceController) {
	member := pattern + "/{" + key + "}"
	r.mux.Get(pattern, c.Index)
	r.mux.Post(pattern, c.Store)
	r.mux.Get(member, c.Show)
	r.mux.Put(member, c.Update)
	r.mux.Delete(member, c.Destroy)
}

// ── Serve ────────────────────────────────────────────────────────────────────

var _ http.Handler = (*Router)(nil)

// ServeHTTP implements http.Handler so Router can be passed to http.Server.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}
