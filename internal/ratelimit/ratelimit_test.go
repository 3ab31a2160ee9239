package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, rps float64, burst int) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 10, 28, 14, 0, 0, 0, time.UTC)}
	l := New(Config{RequestsPerSecond: rps, BurstSize: burst, CleanupInterval: time.Hour})
	l.now = clock.Now
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(t, 1, 5)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("ip:1"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("ip:1"))

	clock.Advance(time.Second)
	assert.True(t, l.Allow("ip:1"))
	assert.False(t, l.Allow("ip:1"))
}

func TestLimiter_ClientsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 1, 1)

	assert.True(t, l.Allow("ip:1"))
	assert.False(t, l.Allow("ip:1"))
	assert.True(t, l.Allow("ip:2"))
	assert.Equal(t, 2, l.Clients())
}

func TestLimiter_AllowNRetryAfter(t *testing.T) {
	l, clock := newTestLimiter(t, 10, 20)

	ok, _ := l.AllowN("client:a", 15)
	assert.True(t, ok)

	ok, retry := l.AllowN("client:a", 10)
	assert.False(t, ok)
	assert.Equal(t, 500*time.Millisecond, retry)

	clock.Advance(retry)
	ok, _ = l.AllowN("client:a", 10)
	assert.True(t, ok)

	ok, _ = l.AllowN("client:b", 21)
	assert.False(t, ok, "more than the burst is never allowed")
}

func TestLimiter_EvictIdle(t *testing.T) {
	l, clock := newTestLimiter(t, 10, 10)
	l.Allow("ip:1")

	clock.Advance(30 * time.Minute)
	l.evictIdle()
	assert.Equal(t, 1, l.Clients(), "within idle window")

	clock.Advance(31 * time.Minute)
	l.evictIdle()
	assert.Equal(t, 0, l.Clients())
}

func TestLimiter_StopIsIdempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}

func TestMiddleware(t *testing.T) {
	l, _ := newTestLimiter(t, 1, 2)
	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(clientID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if clientID != "" {
			req.Header.Set(ClientHeader, clientID)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, send("").Code)
	assert.Equal(t, http.StatusOK, send("").Code)
	w := send("")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")

	assert.Equal(t, http.StatusOK, send("issuer-a").Code, "client id has its own bucket")
}
