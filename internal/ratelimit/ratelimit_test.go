package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(limit int, window time.Duration) (*MemoryLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewMemoryLimiter(limit, window)
	l.now = clock.Now
	return l, clock
}

func TestMemoryLimiter_SlidingWindow(t *testing.T) {
	l, clock := newTestLimiter(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, 2-i, d.Remaining)
		clock.Advance(10 * time.Second)
	}

	d, err := l.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	// The first hit leaves the window 30s from now.
	assert.Equal(t, 30*time.Second, d.RetryAfter(clock.Now()))

	// Other clients are unaffected.
	d, err = l.Allow(ctx, "5.6.7.8")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// Once the first hit slides out, one slot opens.
	clock.Advance(30 * time.Second)
	d, err = l.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = l.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestMemoryLimiter_RejectionsAreNotCounted(t *testing.T) {
	l, clock := newTestLimiter(2, time.Minute)
	ctx := context.Background()

	l.Allow(ctx, "k")
	l.Allow(ctx, "k")
	for i := 0; i < 10; i++ {
		d, _ := l.Allow(ctx, "k")
		assert.False(t, d.Allowed)
	}

	clock.Advance(time.Minute + time.Millisecond)
	d, _ := l.Allow(ctx, "k")
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
}

func TestMemoryLimiter_Sweep(t *testing.T) {
	l, clock := newTestLimiter(5, time.Minute)
	ctx := context.Background()

	l.Allow(ctx, "old")
	clock.Advance(45 * time.Second)
	l.Allow(ctx, "new")
	clock.Advance(30 * time.Second)

	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Len())
}

func TestMemoryLimiter_JanitorStops(t *testing.T) {
	l := NewMemoryLimiter(1, time.Millisecond)
	l.Allow(context.Background(), "k")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.RunJanitor(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func serveN(t *testing.T, h http.Handler, n int, remoteAddr string) *httptest.ResponseRecorder {
	t.Helper()
	var rec *httptest.ResponseRecorder
	for i := 0; i < n; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = remoteAddr
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
	}
	return rec
}

func TestMiddleware_TwentyFirstAuthRequest(t *testing.T) {
	var handled, limited int
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handled++
		w.WriteHeader(http.StatusUnauthorized)
	})
	h := Middleware(NewMemoryLimiter(20, 15*time.Minute), Options{
		Scope:   ScopeAuth,
		Message: AuthMessage,
		OnLimit: func(r *http.Request, scope string) {
			assert.Equal(t, ScopeAuth, scope)
			limited++
		},
	})(next)

	rec := serveN(t, h, 20, "10.0.0.1:5000")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "20", rec.Header().Get("RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("RateLimit-Remaining"))

	rec = serveN(t, h, 1, "10.0.0.1:5001")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"ok":false,"error":"`+AuthMessage+`"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retry, 0)
	assert.LessOrEqual(t, retry, 15*60)

	assert.Equal(t, 20, handled)
	assert.Equal(t, 1, limited)

	// A different client still gets through.
	rec = serveN(t, h, 1, "10.0.0.2:5000")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{}, errors.New("redis: connection refused")
}

func TestMiddleware_FailsOpen(t *testing.T) {
	h := Middleware(brokenLimiter{}, Options{Scope: ScopeAPI, Message: APIMessage})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }),
	)
	rec := serveN(t, h, 1, "10.0.0.1:1")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:4321"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	req.Header.Set("X-Real-IP", "198.51.100.7")

	assert.Equal(t, "192.0.2.1", ClientIP(req, false))
	assert.Equal(t, "203.0.113.9", ClientIP(req, true))

	req.Header.Del("X-Forwarded-For")
	assert.Equal(t, "198.51.100.7", ClientIP(req, true))

	req.RemoteAddr = "not-an-addr"
	assert.Equal(t, "not-an-addr", ClientIP(req, false))
}

func TestRedisLimiter_Integration(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	l := NewRedisLimiter(client, "test-"+uuid.NewString()[:8], 3, time.Minute)
	key := "1.2.3.4"
	t.Cleanup(func() { client.Del(ctx, l.prefix+key) })

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d, err := l.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.WithinDuration(t, time.Now().Add(time.Minute), d.ResetAt, 5*time.Second)

	n, err := client.ZCard(ctx, l.prefix+key).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
