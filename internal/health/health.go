package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aidashboard/backend/internal/logger"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status   Status `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// HealthResponse represents the full health check response
type HealthResponse struct {
	Status     Status                     `json:"status"`
	Timestamp  string                     `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// APIHealthResponse is the body of GET /api/health.
type APIHealthResponse struct {
	OK      bool   `json:"ok"`
	Service string `json:"service,omitempty"`
	Users   *int64 `json:"users,omitempty"`
	Error   string `json:"error,omitempty"`
}

// UserCounter is the part of the credential store the checker needs.
type UserCounter interface {
	Count(ctx context.Context) (int64, error)
}

// Pinger is satisfied by the Redis cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker performs health checks on various components
type Checker struct {
	store        UserCounter
	redis        Pinger
	service      string
	version      string
	checkTimeout time.Duration
	onUserCount  func(int64)
	log          *logger.Logger
}

// CheckerConfig holds configuration for the health checker
type CheckerConfig struct {
	Store UserCounter
	// Redis is optional; when nil it is left out of readiness.
	Redis   Pinger
	Service string
	Version string
	Timeout time.Duration
	// OnUserCount receives every successful count.
	OnUserCount func(int64)
	Logger      *logger.Logger
}

// NewChecker creates a new health checker
func NewChecker(cfg *CheckerConfig) *Checker {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Checker{
		store:        cfg.Store,
		redis:        cfg.Redis,
		service:      cfg.Service,
		version:      cfg.Version,
		checkTimeout: timeout,
		onUserCount:  cfg.OnUserCount,
		log:          log.WithComponent("health"),
	}
}

// CountUsers asks the store for its user count.
func (c *Checker) CountUsers(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	n, err := c.store.Count(ctx)
	if err != nil {
		return 0, err
	}
	if c.onUserCount != nil {
		c.onUserCount(n)
	}
	return n, nil
}

// CheckStore checks credential store connectivity
func (c *Checker) CheckStore(ctx context.Context) ComponentHealth {
	start := time.Now()

	if c.store == nil {
		return ComponentHealth{
			Status:  StatusUnhealthy,
			Message: "credential store not configured",
		}
	}

	if _, err := c.CountUsers(ctx); err != nil {
		c.log.Warn(ctx, "credential store check failed", map[string]interface{}{"error": err.Error()})
		return ComponentHealth{
			Status:   StatusUnhealthy,
			Message:  "credential store unavailable",
			Duration: time.Since(start).String(),
		}
	}

	return ComponentHealth{
		Status:   StatusHealthy,
		Duration: time.Since(start).String(),
	}
}

// CheckRedis checks Redis connectivity. A failing Redis degrades readiness
// rather than failing it.
func (c *Checker) CheckRedis(ctx context.Context) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	if err := c.redis.Ping(ctx); err != nil {
		c.log.Warn(ctx, "redis check failed", map[string]interface{}{"error": err.Error()})
		return ComponentHealth{
			Status:   StatusDegraded,
			Message:  "redis ping failed",
			Duration: time.Since(start).String(),
		}
	}

	return ComponentHealth{
		Status:   StatusHealthy,
		Duration: time.Since(start).String(),
	}
}

// Check performs a basic health check (liveness)
func (c *Checker) Check(ctx context.Context) *HealthResponse {
	return &HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   c.version,
	}
}

// DeepCheck performs a comprehensive health check (readiness)
func (c *Checker) DeepCheck(ctx context.Context) *HealthResponse {
	response := &HealthResponse{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Version:    c.version,
		Components: make(map[string]ComponentHealth),
	}

	checks := map[string]func(context.Context) ComponentHealth{
		"store": c.CheckStore,
	}
	if c.redis != nil {
		checks["redis"] = c.CheckRedis
	}

	var mu sync.Mutex
	var g errgroup.Group
	for name, check := range checks {
		name, check := name, check
		g.Go(func() error {
			result := check(ctx)
			mu.Lock()
			response.Components[name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, comp := range response.Components {
		if comp.Status == StatusUnhealthy {
			response.Status = StatusUnhealthy
			break
		} else if comp.Status == StatusDegraded && response.Status == StatusHealthy {
			response.Status = StatusDegraded
		}
	}

	return response
}

// Handler provides HTTP handlers for health endpoints
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// APIHealthHandler handles GET /api/health. A store failure is reported in
// the body with status 200.
func (h *Handler) APIHealthHandler(w http.ResponseWriter, r *http.Request) {
	n, err := h.checker.CountUsers(r.Context())
	if err != nil {
		h.checker.log.Error(r.Context(), "health check failed", err)
		writeJSON(w, http.StatusOK, APIHealthResponse{OK: false, Error: "credential store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, APIHealthResponse{OK: true, Service: h.checker.service, Users: &n})
}

// LivenessHandler handles liveness probe requests
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.checker.Check(r.Context()))
}

// ReadinessHandler handles readiness probe requests. Degraded still accepts
// traffic.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	response := h.checker.DeepCheck(r.Context())

	status := http.StatusOK
	if response.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}
