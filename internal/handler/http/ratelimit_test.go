package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"

	"github.com/alpredoben/flash-sale-sub001/pkg/middleware"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// fakeCounter is a deterministic Counter for rate limit tests.
type fakeCounter struct {
	n   int64
	err error
}

func (c *fakeCounter) Incr(context.Context, string, time.Duration) (int64, error) {
	if c.err != nil {
		return 0, c.err
	}
	c.n++
	return c.n, nil
}

// ---------------------------------------------------------------------------
// UserRateLimit
// ---------------------------------------------------------------------------

func authedRequest(userID string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/reservations", nil)
	return r.WithContext(middleware.WithUser(r.Context(), userID, "customer"))
}

func TestUserRateLimit_AllowsUnderLimit(t *testing.T) {
	mw := UserRateLimit(&fakeCounter{}, "create", 5, time.Minute, discardLogger())
	h := mw(okHandler())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, authedRequest("user-1"))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestUserRateLimit_BlocksOverLimit(t *testing.T) {
	mw := UserRateLimit(&fakeCounter{n: 5}, "create", 5, time.Minute, discardLogger())
	h := mw(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest("user-1"))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
}

func TestUserRateLimit_AnonymousPassesThrough(t *testing.T) {
	mw := UserRateLimit(&fakeCounter{n: 100}, "create", 5, time.Minute, discardLogger())
	h := mw(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reservations", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUserRateLimit_CounterFailureAllows(t *testing.T) {
	mw := UserRateLimit(&fakeCounter{err: errors.New("redis down")}, "create", 5, time.Minute, discardLogger())
	h := mw(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest("user-1"))

	// The limiter fails open.
	assert.Equal(t, http.StatusOK, rec.Code)
}

// ---------------------------------------------------------------------------
// IPRateLimit
// ---------------------------------------------------------------------------

func TestIPRateLimit_BlocksAfterBurst(t *testing.T) {
	mw := IPRateLimit(3, time.Minute, discardLogger())
	h := mw(okHandler())

	var last *httptest.ResponseRecorder
	for i := 0; i < 4; i++ {
		last = httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "203.0.113.7:1234"
		h.ServeHTTP(last, r)
	}
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, "60", last.Header().Get("Retry-After"))
}

func TestIPRateLimit_IsolatesClients(t *testing.T) {
	mw := IPRateLimit(1, time.Minute, discardLogger())
	h := mw(okHandler())

	first := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.7:1234"
	h.ServeHTTP(first, r)
	assert.Equal(t, http.StatusOK, first.Code)

	// A different client is unaffected by the first one's spend.
	second := httptest.NewRecorder()
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.RemoteAddr = "198.51.100.9:5678"
	h.ServeHTTP(second, r2)
	assert.Equal(t, http.StatusOK, second.Code)
}

// ---------------------------------------------------------------------------
// visitorStore
// ---------------------------------------------------------------------------

func TestVisitorStore_CleanupEvictsStale(t *testing.T) {
	s := &visitorStore{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(1),
		burst:    1,
		ttl:      time.Minute,
		nowFunc:  time.Now,
	}

	s.getVisitor("203.0.113.7")
	s.getVisitor("198.51.100.9")
	assert.Equal(t, 2, s.len())

	// Age one visitor past the TTL, then revisit the other to keep it fresh.
	s.nowFunc = func() time.Time { return time.Now().Add(2 * time.Minute) }
	s.getVisitor("198.51.100.9")

	s.cleanup()
	assert.Equal(t, 1, s.len())
}

func TestVisitorStore_ReusesLimiter(t *testing.T) {
	s := &visitorStore{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(1),
		burst:    1,
		ttl:      time.Minute,
		nowFunc:  time.Now,
	}

	a := s.getVisitor("203.0.113.7")
	b := s.getVisitor("203.0.113.7")
	assert.Same(t, a, b)
}

// ---------------------------------------------------------------------------
// clientIP
// ---------------------------------------------------------------------------

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"remote addr only", "203.0.113.7:1234", nil, "203.0.113.7"},
		{"x-forwarded-for", "10.0.0.1:1234", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.2"}, "203.0.113.7"},
		{"x-real-ip", "10.0.0.1:1234", map[string]string{"X-Real-IP": "203.0.113.7"}, "203.0.113.7"},
		{"malformed xff falls through", "203.0.113.7:1234", map[string]string{"X-Forwarded-For": "not-an-ip"}, "203.0.113.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(r))
		})
	}
}
