package http

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alpredoben/flash-sale-sub001/internal/cache"
	apperrors "github.com/alpredoben/flash-sale-sub001/pkg/errors"
	"github.com/alpredoben/flash-sale-sub001/pkg/httputil"
	"github.com/alpredoben/flash-sale-sub001/pkg/middleware"
)

// visitor tracks a rate limiter per client IP.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// visitorStore manages per-IP rate limiters with automatic cleanup of stale
// entries.
type visitorStore struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	ttl      time.Duration
	nowFunc  func() time.Time
}

func newVisitorStore(limit rate.Limit, burst int, ttl time.Duration) *visitorStore {
	s := &visitorStore{
		visitors: make(map[string]*visitor),
		limit:    limit,
		burst:    burst,
		ttl:      ttl,
		nowFunc:  time.Now,
	}
	go s.cleanupLoop()
	return s
}

// getVisitor returns (or creates) a rate limiter for the given IP and updates
// lastSeen.
func (s *visitorStore) getVisitor(ip string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, exists := s.visitors[ip]
	if !exists {
		limiter := rate.NewLimiter(s.limit, s.burst)
		s.visitors[ip] = &visitor{limiter: limiter, lastSeen: s.nowFunc()}
		return limiter
	}
	v.lastSeen = s.nowFunc()
	return v.limiter
}

func (s *visitorStore) cleanupLoop() {
	ticker := time.NewTicker(s.ttl)
	defer ticker.Stop()
	for range ticker.C {
		s.cleanup()
	}
}

func (s *visitorStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	for ip, v := range s.visitors {
		if now.Sub(v.lastSeen) > s.ttl {
			delete(s.visitors, ip)
		}
	}
}

func (s *visitorStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.visitors)
}

// IPRateLimit enforces a per-IP token bucket across a route group. max is the
// allowance over the window; bursts up to max are permitted.
func IPRateLimit(max int, window time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	limit := rate.Limit(float64(max) / window.Seconds())
	store := newVisitorStore(limit, max, 3*time.Minute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !store.getVisitor(ip).Allow() {
				logger.Warn("ip rate limit exceeded",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				httputil.WriteError(w, r, apperrors.RateLimited(int(window.Seconds())), logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Counter is the fixed-window counter behind per-user rate limits. The
// cache adapter implements it against Redis so limits hold across replicas.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// UserRateLimit enforces a per-user fixed window on a single endpoint. The
// first request in a window creates the counter with the window as its TTL.
// A counter backend failure lets the request through: Redis being down must
// not take reservations down with it.
func UserRateLimit(counter Counter, action string, max int, window time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := middleware.UserIDFromContext(r.Context())
			if userID == "" {
				next.ServeHTTP(w, r)
				return
			}

			key := fmt.Sprintf("ratelimit:%s:%s", action, userID)
			n, err := counter.Incr(r.Context(), key, window)
			if err != nil {
				logger.WarnContext(r.Context(), "rate limit counter unavailable, allowing request",
					slog.String("action", action),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}

			if n > int64(max) {
				logger.WarnContext(r.Context(), "user rate limit exceeded",
					slog.String("action", action),
					slog.String("user_id", userID),
					slog.Int64("count", n),
				)
				httputil.WriteError(w, r, apperrors.RateLimited(int(window.Seconds())), logger)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

var _ Counter = (*cache.Cache)(nil)

// clientIP extracts the client IP, preferring proxy headers over RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil {
				return ip.String()
			}
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := net.ParseIP(xri); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
