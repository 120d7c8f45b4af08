package api

import (
	"net/http"

	"github.com/aidashboard/backend/internal/auth"
	"github.com/aidashboard/backend/internal/config"
	apperrors "github.com/aidashboard/backend/internal/errors"
	"github.com/aidashboard/backend/internal/health"
	"github.com/aidashboard/backend/internal/logger"
	"github.com/aidashboard/backend/internal/metrics"
	"github.com/aidashboard/backend/internal/middleware"
	"github.com/aidashboard/backend/internal/ratelimit"
)

// Deps are the components the router wires together.
type Deps struct {
	Config      *config.Config
	Logger      *logger.Logger
	Service     *auth.Service
	Tokens      *auth.TokenIssuer
	Cookies     *auth.CookieTransport
	AuthLimiter ratelimit.Limiter
	APILimiter  ratelimit.Limiter
	Health      *health.Handler
	Metrics     *metrics.Metrics
}

type Router struct {
	mux     *http.ServeMux
	handler http.Handler
	deps    Deps
	log     *logger.Logger
}

func NewRouter(deps Deps) *Router {
	r := &Router{
		mux:  http.NewServeMux(),
		deps: deps,
		log:  deps.Logger.WithComponent("http"),
	}
	r.setupRoutes()

	r.handler = middleware.Chain(r.mux,
		apperrors.RequestIDMiddleware,
		middleware.Logging(r.log),
		metrics.MetricsMiddleware(deps.Metrics),
		middleware.Recoverer(r.log),
		middleware.Timing(r.log),
		middleware.CORS(deps.Config.CORSAllowedOrigins),
		middleware.BodyLimit(deps.Config.MaxBodyBytes),
	)
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

func (r *Router) setupRoutes() {
	h := auth.NewHandlers(r.deps.Service, r.deps.Cookies, r.deps.Metrics)
	protect := auth.Middleware(r.deps.Tokens, r.deps.Cookies)

	authLimit := ratelimit.Middleware(r.deps.AuthLimiter, ratelimit.Options{
		Scope:      ratelimit.ScopeAuth,
		Message:    ratelimit.AuthMessage,
		TrustProxy: r.deps.Config.TrustProxy,
		Logger:     r.log,
		OnLimit:    r.deps.Metrics.RecordRateLimited,
	})
	apiLimit := ratelimit.Middleware(r.deps.APILimiter, ratelimit.Options{
		Scope:      ratelimit.ScopeAPI,
		Message:    ratelimit.APIMessage,
		TrustProxy: r.deps.Config.TrustProxy,
		Logger:     r.log,
		OnLimit:    r.deps.Metrics.RecordRateLimited,
	})

	// Probes and metrics (not rate limited)
	r.mux.HandleFunc("GET /health/live", r.deps.Health.LivenessHandler)
	r.mux.HandleFunc("GET /health/ready", r.deps.Health.ReadinessHandler)
	r.mux.Handle("GET /metrics", r.deps.Metrics.Handler())

	// Credential endpoints
	r.mux.Handle("POST /api/auth/signup", authLimit(r.handle(h.Signup)))
	r.mux.Handle("POST /api/auth/login", authLimit(r.handle(h.Login)))
	r.mux.Handle("POST /api/auth/refresh", authLimit(r.handle(h.Refresh)))
	r.mux.Handle("PUT /api/auth/password", authLimit(protect(r.handle(h.ChangePassword))))
	r.mux.Handle("DELETE /api/auth/account", authLimit(protect(r.handle(h.DeleteAccount))))

	// Session endpoints
	r.mux.Handle("POST /api/auth/logout", apiLimit(r.handle(h.Logout)))
	r.mux.Handle("GET /api/auth/me", apiLimit(protect(r.handle(h.Me))))
	r.mux.Handle("GET /api/health", apiLimit(http.HandlerFunc(r.deps.Health.APIHealthHandler)))

	r.mux.Handle("/api/", apiLimit(r.handle(notFound)))
	r.mux.Handle("/", r.handle(notFound))
}

// handle adapts an error-returning handler and logs server-side failures.
func (r *Router) handle(h apperrors.Handler) http.Handler {
	return apperrors.HandleFunc(h, r.reportError)
}

func (r *Router) reportError(req *http.Request, err *apperrors.AppError) {
	if err.HTTPStatus >= http.StatusInternalServerError {
		r.log.Error(req.Context(), "request failed", err, map[string]interface{}{
			"method": req.Method,
			"path":   req.URL.Path,
		})
	}
}

func notFound(w http.ResponseWriter, r *http.Request) error {
	return apperrors.NotFound("route")
}
