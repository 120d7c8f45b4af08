package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/aidashboard/backend/internal/errors"
	"github.com/aidashboard/backend/internal/logger"
)

type rejection struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

type Options struct {
	Scope      string
	Message    string
	TrustProxy bool
	Logger     *logger.Logger
	// OnLimit is called for every rejected request.
	OnLimit func(r *http.Request, scope string)
}

// Middleware rejects clients over the limit with 429 and a fixed body before
// the wrapped handler runs. If the limiter itself fails the request is let
// through.
func Middleware(l Limiter, opts Options) func(http.Handler) http.Handler {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	body, _ := json.Marshal(rejection{OK: false, Error: opts.Message})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ClientIP(r, opts.TrustProxy)
			d, err := l.Allow(r.Context(), key)
			if err != nil {
				log.Error(r.Context(), "rate limiter unavailable", err, map[string]interface{}{"scope": opts.Scope})
				next.ServeHTTP(w, r)
				return
			}

			now := time.Now()
			h := w.Header()
			h.Set("RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("RateLimit-Reset", strconv.Itoa(ceilSeconds(d.ResetAt.Sub(now))))

			if !d.Allowed {
				if opts.OnLimit != nil {
					opts.OnLimit(r, opts.Scope)
				}
				log.Warn(r.Context(), "rate limit exceeded", map[string]interface{}{
					"scope":  opts.Scope,
					"client": key,
					"path":   r.URL.Path,
				})

				h.Set("Retry-After", strconv.Itoa(ceilSeconds(d.RetryAfter(now))))
				h.Set("Content-Type", "application/json")
				if id := apperrors.GetRequestID(r.Context()); id != "" {
					h.Set(apperrors.RequestIDHeader, id)
				}
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write(append(body, '\n'))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// ClientIP returns the address requests are counted against. Forwarding
// headers are read only when trustProxy is set.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
