package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tradebench/broker-auth/internal/domain"
)

// RateLimiter is the coarse per-IP token bucket in front of the whole router.
// The sensitive endpoints additionally sit behind a SlidingWindow.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	window  time.Duration
	mu      sync.Mutex
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter for the provided requests-per-minute budget.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	limit := rate.Limit(float64(requestsPerMinute) / 60.0)
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   limit,
		burst:   burst,
		window:  5 * time.Minute,
		clients: make(map[string]*clientLimiter),
	}
}

// Handler returns the gin middleware enforcing throttling behaviour.
func (r *RateLimiter) Handler() gin.HandlerFunc {
	if r == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		key := c.ClientIP()
		limiter := r.getLimiter(key)
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "rate_limited",
				"message": "Too many requests. Please slow down.",
			})
			return
		}

		c.Next()
	}
}

func (r *RateLimiter) getLimiter(key string) *rate.Limiter {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.clients[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}

	limiter := rate.NewLimiter(r.limit, r.burst)
	r.clients[key] = &clientLimiter{limiter: limiter, lastSeen: now}
	r.cleanupLocked(now)
	return limiter
}

func (r *RateLimiter) cleanupLocked(now time.Time) {
	for key, entry := range r.clients {
		if now.Sub(entry.lastSeen) > r.window {
			delete(r.clients, key)
		}
	}
}

// WindowStore records hits for per-identity sliding windows. Implementations
// must be shared across instances for the limit to hold under horizontal
// scaling.
type WindowStore interface {
	// Hit appends one request to the window and reports whether it is within
	// the limit, along with how long until a slot frees up.
	Hit(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, retryAfter time.Duration, err error)
	// Refund removes the most recent hit, used to exclude successful requests
	// from the count.
	Refund(ctx context.Context, key string) error
}

// SlidingWindow throttles one route per caller identity: the user ID when the
// request carries one, otherwise the client IP.
type SlidingWindow struct {
	store  WindowStore
	route  string
	limit  int
	window time.Duration
	logger *zap.Logger
}

func NewSlidingWindow(store WindowStore, route string, limit int, window time.Duration, logger *zap.Logger) *SlidingWindow {
	if logger == nil {
		logger = zap.L()
	}
	return &SlidingWindow{store: store, route: route, limit: limit, window: window, logger: logger}
}

// Handler enforces the window. Exceeding it fails closed with a retry-after
// hint; 2xx responses are refunded from the count.
func (w *SlidingWindow) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ratelimit:" + w.route + ":" + callerIdentity(c)

		allowed, retryAfter, err := w.store.Hit(c.Request.Context(), key, w.limit, w.window)
		if err != nil {
			// A broken limiter store must not take the whole API down.
			w.logger.Error("rate limit store failure", zap.String("route", w.route), zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			rlErr := &domain.RateLimitError{RetryAfter: retryAfter}
			seconds := int(retryAfter.Round(time.Second).Seconds())
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "rate_limited",
				"message": rlErr.Error(),
			})
			return
		}

		c.Next()

		if status := c.Writer.Status(); status >= 200 && status < 300 {
			if err := w.store.Refund(c.Request.Context(), key); err != nil {
				w.logger.Warn("rate limit refund failed", zap.String("route", w.route), zap.Error(err))
			}
		}
	}
}

func callerIdentity(c *gin.Context) string {
	if userID := c.GetHeader("X-User-ID"); userID != "" {
		return "user:" + userID
	}
	if userID := c.Query("user_id"); userID != "" {
		return "user:" + userID
	}
	return "ip:" + c.ClientIP()
}

// MemoryWindowStore is the single-instance WindowStore.
type MemoryWindowStore struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{hits: map[string][]time.Time{}, now: time.Now}
}

func (s *MemoryWindowStore) Hit(_ context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	now := s.now()
	cutoff := now.Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.hits[key][:0]
	for _, hit := range s.hits[key] {
		if hit.After(cutoff) {
			kept = append(kept, hit)
		}
	}

	if len(kept) >= limit {
		s.hits[key] = kept
		retryAfter := window - now.Sub(kept[0])
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return false, retryAfter, nil
	}

	s.hits[key] = append(kept, now)
	return true, 0, nil
}

func (s *MemoryWindowStore) Refund(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hits := s.hits[key]; len(hits) > 0 {
		s.hits[key] = hits[:len(hits)-1]
	}
	return nil
}

var _ WindowStore = (*MemoryWindowStore)(nil)
