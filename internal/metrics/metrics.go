package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const prefix = "aidash_"

// Metrics holds all application metrics
type Metrics struct {
	mu sync.RWMutex

	// Request metrics
	requestCount    map[string]*uint64    // endpoint:method -> count
	requestDuration map[string]*Histogram // endpoint:method -> duration histogram
	requestErrors   map[string]*uint64    // endpoint:method:status_class -> count

	// Auth metrics
	authEvents     map[string]*uint64 // event:outcome -> count
	rateLimitHits  map[string]*uint64 // scope -> count
	registeredUser int64

	startTime time.Time
}

// Histogram tracks value distributions
type Histogram struct {
	mu    sync.Mutex
	count uint64
	sum   float64
	// Buckets: 5ms, 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, 2.5s, 5s, 10s
	buckets    []float64
	bucketVals []uint64
}

// NewHistogram creates a new histogram with default buckets
func NewHistogram() *Histogram {
	return &Histogram{
		buckets:    []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		bucketVals: make([]uint64, 11),
	}
}

// Observe records a value
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, b := range h.buckets {
		if v <= b {
			h.bucketVals[i]++
		}
	}
}

// New creates a new Metrics instance
func New() *Metrics {
	return &Metrics{
		requestCount:    make(map[string]*uint64),
		requestDuration: make(map[string]*Histogram),
		requestErrors:   make(map[string]*uint64),
		authEvents:      make(map[string]*uint64),
		rateLimitHits:   make(map[string]*uint64),
		startTime:       time.Now(),
	}
}

// counter returns the counter for key, creating it if needed.
func (m *Metrics) counter(set map[string]*uint64, key string) *uint64 {
	m.mu.RLock()
	c := set[key]
	m.mu.RUnlock()
	if c != nil {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c = set[key]; c == nil {
		c = new(uint64)
		set[key] = c
	}
	return c
}

func (m *Metrics) histogram(key string) *Histogram {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.requestDuration[key]
	if h == nil {
		h = NewHistogram()
		m.requestDuration[key] = h
	}
	return h
}

// RecordRequest records a request
func (m *Metrics) RecordRequest(method, path string, statusCode int, duration time.Duration) {
	key := fmt.Sprintf("%s:%s", normalizeEndpoint(path), method)

	atomic.AddUint64(m.counter(m.requestCount, key), 1)
	m.histogram(key).Observe(duration.Seconds())

	// Track errors by status class
	if statusCode >= 400 {
		errorKey := fmt.Sprintf("%s:%d", key, statusCode/100*100)
		atomic.AddUint64(m.counter(m.requestErrors, errorKey), 1)
	}
}

// RecordAuthEvent counts an auth outcome such as ("login", "failure").
func (m *Metrics) RecordAuthEvent(event, outcome string) {
	atomic.AddUint64(m.counter(m.authEvents, event+":"+outcome), 1)
}

// RecordRateLimited counts a request rejected by the limiter for scope.
func (m *Metrics) RecordRateLimited(r *http.Request, scope string) {
	atomic.AddUint64(m.counter(m.rateLimitHits, scope), 1)
}

// SetRegisteredUsers stores the last user count seen by the health check.
func (m *Metrics) SetRegisteredUsers(n int64) {
	atomic.StoreInt64(&m.registeredUser, n)
}

// normalizeEndpoint normalizes an endpoint path for metrics (removes IDs)
func normalizeEndpoint(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if len(part) == 36 && strings.Count(part, "-") == 4 {
			parts[i] = "{id}"
		} else if len(part) > 0 && isNumeric(part) {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder

		uptime := time.Since(m.startTime).Seconds()
		sb.WriteString("# HELP " + prefix + "uptime_seconds Time since the server started\n")
		sb.WriteString("# TYPE " + prefix + "uptime_seconds gauge\n")
		fmt.Fprintf(&sb, "%suptime_seconds %f\n\n", prefix, uptime)

		sb.WriteString("# HELP " + prefix + "registered_users Users in the credential store at the last health check\n")
		sb.WriteString("# TYPE " + prefix + "registered_users gauge\n")
		fmt.Fprintf(&sb, "%sregistered_users %d\n\n", prefix, atomic.LoadInt64(&m.registeredUser))

		m.mu.RLock()
		defer m.mu.RUnlock()

		if len(m.requestCount) > 0 {
			sb.WriteString("# HELP " + prefix + "http_requests_total Total HTTP requests\n")
			sb.WriteString("# TYPE " + prefix + "http_requests_total counter\n")
			for _, key := range sortedKeys(m.requestCount) {
				parts := strings.SplitN(key, ":", 2)
				if len(parts) == 2 {
					count := atomic.LoadUint64(m.requestCount[key])
					fmt.Fprintf(&sb, "%shttp_requests_total{endpoint=%q,method=%q} %d\n", prefix, parts[0], parts[1], count)
				}
			}
			sb.WriteString("\n")
		}

		if len(m.requestDuration) > 0 {
			sb.WriteString("# HELP " + prefix + "http_request_duration_seconds HTTP request latency\n")
			sb.WriteString("# TYPE " + prefix + "http_request_duration_seconds histogram\n")
			for _, key := range sortedKeys(m.requestDuration) {
				parts := strings.SplitN(key, ":", 2)
				if len(parts) != 2 {
					continue
				}
				h := m.requestDuration[key]
				h.mu.Lock()
				for i, bucket := range h.buckets {
					fmt.Fprintf(&sb, "%shttp_request_duration_seconds_bucket{endpoint=%q,method=%q,le=\"%g\"} %d\n", prefix, parts[0], parts[1], bucket, h.bucketVals[i])
				}
				fmt.Fprintf(&sb, "%shttp_request_duration_seconds_bucket{endpoint=%q,method=%q,le=\"+Inf\"} %d\n", prefix, parts[0], parts[1], h.count)
				fmt.Fprintf(&sb, "%shttp_request_duration_seconds_sum{endpoint=%q,method=%q} %f\n", prefix, parts[0], parts[1], h.sum)
				fmt.Fprintf(&sb, "%shttp_request_duration_seconds_count{endpoint=%q,method=%q} %d\n", prefix, parts[0], parts[1], h.count)
				h.mu.Unlock()
			}
			sb.WriteString("\n")
		}

		if len(m.requestErrors) > 0 {
			sb.WriteString("# HELP " + prefix + "http_errors_total Total HTTP errors by status class\n")
			sb.WriteString("# TYPE " + prefix + "http_errors_total counter\n")
			for _, key := range sortedKeys(m.requestErrors) {
				// key format: endpoint:method:statusClass
				parts := strings.Split(key, ":")
				if len(parts) >= 3 {
					count := atomic.LoadUint64(m.requestErrors[key])
					fmt.Fprintf(&sb, "%shttp_errors_total{endpoint=%q,method=%q,status_class=\"%sxx\"} %d\n", prefix, parts[0], parts[1], parts[2][:1], count)
				}
			}
			sb.WriteString("\n")
		}

		if len(m.authEvents) > 0 {
			sb.WriteString("# HELP " + prefix + "auth_events_total Authentication outcomes\n")
			sb.WriteString("# TYPE " + prefix + "auth_events_total counter\n")
			for _, key := range sortedKeys(m.authEvents) {
				event, outcome, _ := strings.Cut(key, ":")
				count := atomic.LoadUint64(m.authEvents[key])
				fmt.Fprintf(&sb, "%sauth_events_total{event=%q,outcome=%q} %d\n", prefix, event, outcome, count)
			}
			sb.WriteString("\n")
		}

		if len(m.rateLimitHits) > 0 {
			sb.WriteString("# HELP " + prefix + "rate_limited_total Requests rejected by the rate limiter\n")
			sb.WriteString("# TYPE " + prefix + "rate_limited_total counter\n")
			for _, scope := range sortedKeys(m.rateLimitHits) {
				count := atomic.LoadUint64(m.rateLimitHits[scope])
				fmt.Fprintf(&sb, "%srate_limited_total{scope=%q} %d\n", prefix, scope, count)
			}
		}

		w.Write([]byte(sb.String()))
	}
}

// MetricsMiddleware creates middleware that records request metrics
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &statusResponseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			m.RecordRequest(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
		})
	}
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
