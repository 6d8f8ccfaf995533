package middleware

import (
	"net/http"
	"sync"
	"time"

	"peerlink/pkg/config"
	apperrors "peerlink/pkg/errors"
	"peerlink/pkg/utils"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// rateLimiterStore stores per-key (for example, per IP) rate limiters.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rate      rate.Limit
	burstSize int
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*rate.Limiter),
		rate:      r,
		burstSize: burst,
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(s.rate, s.burstSize)
		s.limiters[key] = limiter
	}
	return limiter
}

func passThrough(c *gin.Context) { c.Next() }

func abortRateLimited(c *gin.Context) {
	appErr := apperrors.NewRateLimitError()
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error":       string(appErr.Code),
		"message":     appErr.Message,
		"retry_after": 1,
	})
}

// concurrencyGate wraps the rest of the chain in a semaphore slot. A nil
// semaphore admits everyone.
func concurrencyGate(sem chan struct{}, c *gin.Context, message string) bool {
	if sem == nil {
		return true
	}
	select {
	case sem <- struct{}{}:
		return true
	default:
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error":   string(apperrors.ErrCodeServiceUnavailable),
			"message": message,
		})
		return false
	}
}

// NewHTTPRateLimitMiddleware returns Gin middleware that applies simple IP-based rate limiting.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return passThrough
	}

	store := newRateLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	var globalSem chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		globalSem = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if !concurrencyGate(globalSem, c, "too many concurrent requests") {
			return
		}
		if globalSem != nil {
			defer func() { <-globalSem }()
		}

		if !store.getLimiter(utils.ClientIP(c.Request)).Allow() {
			abortRateLimited(c)
			return
		}
		c.Next()
	}
}

// NewWebSocketConnectLimiter limits how often one address may open a
// signaling session and how many sessions may be open at once. The
// websocket handler blocks for the life of the session, so the
// concurrency slot is held until the session ends.
func NewWebSocketConnectLimiter(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return passThrough
	}

	perMinute := cfg.RateLimiting.WebSocket.ConnectionsPerMinute
	store := newRateLimiterStore(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)

	var sem chan struct{}
	if cfg.RateLimiting.WebSocket.MaxConcurrent > 0 {
		sem = make(chan struct{}, cfg.RateLimiting.WebSocket.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if !store.getLimiter(utils.ClientIP(c.Request)).Allow() {
			abortRateLimited(c)
			return
		}
		if !concurrencyGate(sem, c, "too many open sessions") {
			return
		}
		if sem != nil {
			defer func() { <-sem }()
		}
		c.Next()
	}
}
