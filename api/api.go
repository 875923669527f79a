// Package api is the HTTP front of lmsguard: the request pipeline that every LMS API
// call passes through before it reaches the backend.
//
// Global stages run for every request, matched route or not:
//
//	recovery -> request ID -> rate limit -> CORS -> identity -> audit -> router
//
// Routes mounted with Handle may opt into the CSRF guard and the proctoring gate,
// which run in that order in front of the route's handler.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"lmsguard/audit"
	"lmsguard/config"
	"lmsguard/csrf"
	"lmsguard/proctor"
	"lmsguard/ratelimit"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Deps are the pipeline stages the API composes.
type Deps struct {
	Guard   *csrf.Guard
	Limiter ratelimit.Limiter
	Gate    *proctor.Gate
	// Audit is nil when auditing is disabled.
	Audit *audit.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// RouteOption selects the per-route stages of a mounted handler.
type RouteOption func(*routeStages)

type routeStages struct {
	csrf      bool
	proctored bool
}

// WithCSRF requires a valid CSRF token on mutating requests and issues one on safe requests.
func WithCSRF() RouteOption {
	return func(s *routeStages) { s.csrf = true }
}

// WithProctoring restricts the route to Safe Exam Browser clients.
func WithProctoring() RouteOption {
	return func(s *routeStages) { s.proctored = true }
}

// API holds the API server
type API struct {
	router    *mux.Router
	handler   http.Handler
	config    *config.Config
	logger    *zap.SugaredLogger
	guard     *csrf.Guard
	limiter   ratelimit.Limiter
	gate      *proctor.Gate
	audit     *audit.Logger
	jwtSecret []byte
	now       func() time.Time
	rejectLog *rate.Sometimes

	mu      sync.Mutex
	server  *http.Server
	stopped bool
}

// NewAPI creates the pipeline and registers the built-in routes.
func NewAPI(cfg *config.Config, deps Deps, logger *zap.SugaredLogger) *API {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	a := &API{
		router:    mux.NewRouter(),
		config:    cfg,
		logger:    logger,
		guard:     deps.Guard,
		limiter:   deps.Limiter,
		gate:      deps.Gate,
		audit:     deps.Audit,
		jwtSecret: []byte(cfg.Auth.JWTSecret),
		now:       deps.Now,
		// One warning per burst of rejections is enough to spot an attack in the logs.
		rejectLog: &rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	a.setupRoutes()
	a.handler = chain(a.router,
		a.errorRecoveryMiddleware,
		a.requestIDMiddleware,
		a.rateLimitMiddleware,
		a.corsMiddleware,
		a.identityMiddleware,
		a.auditMiddleware,
	)
	return a
}

// setupRoutes sets up the built-in routes
func (a *API) setupRoutes() {
	a.router.HandleFunc("/api/health", a.healthCheck).Methods(http.MethodGet)
	a.router.HandleFunc("/api/csrf-token", a.getCSRFToken).Methods(http.MethodGet)
	a.router.HandleFunc("/api/exams/{examId}/seb-config", a.getSEBConfig).Methods(http.MethodGet)
	a.router.Handle("/metrics", promhttp.Handler())
}

// Handle mounts handler for every path under prefix, behind the selected stages.
// Routes are matched in registration order, so built-in routes win over a prefix.
func (a *API) Handle(prefix string, handler http.Handler, opts ...RouteOption) {
	var stages routeStages
	for _, opt := range opts {
		opt(&stages)
	}

	var middleware []func(http.Handler) http.Handler
	if stages.csrf {
		middleware = append(middleware, a.csrfProtectionMiddleware)
	}
	if stages.proctored {
		middleware = append(middleware, a.proctoringMiddleware)
	}
	a.router.PathPrefix(prefix).Handler(chain(handler, middleware...))

	a.logger.Infow("Mounted route",
		"prefix", prefix,
		"csrf", stages.csrf,
		"proctored", stages.proctored)
}

// MountRoutes mounts each configured route group on upstream.
func (a *API) MountRoutes(routes []config.Route, upstream http.Handler) {
	for _, r := range routes {
		var opts []RouteOption
		if r.CSRF {
			opts = append(opts, WithCSRF())
		}
		if r.Proctored {
			opts = append(opts, WithProctoring())
		}
		a.Handle(r.Prefix, upstream, opts...)
	}
}

// Handler returns the full pipeline.
func (a *API) Handler() http.Handler {
	return a.handler
}

// newServer returns nil once Stop has been called.
func (a *API) newServer(addr string) *http.Server {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil
	}
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: a.config.API.ReadHeaderTimeout,
	}
	return a.server
}

// Addr is the listen address derived from the configured port.
func (a *API) Addr() string {
	return ":" + strconv.Itoa(a.config.API.Port)
}

// Start starts the API server. It returns nil after Stop.
func (a *API) Start() error {
	server := a.newServer(a.Addr())
	if server == nil {
		return nil
	}
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// StartTLS starts the API server with TLS
func (a *API) StartTLS(certFile, keyFile string) error {
	server := a.newServer(a.Addr())
	if server == nil {
		return nil
	}
	err := server.ListenAndServeTLS(certFile, keyFile)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the API server
func (a *API) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.stopped = true
	server := a.server
	a.mu.Unlock()
	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}
