package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"dropnet/pkg/config"
	"dropnet/pkg/errors"

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

// clientIP extracts the client address, preferring the first hop of
// X-Forwarded-For.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware returns Gin middleware that applies simple IP-based rate limiting.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	rps := cfg.RateLimiting.HTTP.RequestsPerSecond
	burst := cfg.RateLimiting.HTTP.Burst
	store := newRateLimiterStore(rate.Limit(rps), burst)

	return func(c *gin.Context) {
		limiter := store.getLimiter(clientIP(c.Request))
		if !limiter.Allow() {
			reject(c, errors.NewRateLimitError().WithContext("retry_after_ms", int(time.Second/time.Millisecond)))
			return
		}
		c.Next()
	}
}

// NewWebSocketConnectionLimiter limits how often one IP may open signaling
// connections and how many may be open at once. The concurrency slot is
// held until the handler returns, which for a WebSocket is the life of the
// connection.
func NewWebSocketConnectionLimiter(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	ws := cfg.RateLimiting.WebSocket
	store := newRateLimiterStore(rate.Every(time.Minute/time.Duration(max(ws.ConnectionsPerMinute, 1))), max(ws.ConnectionsPerMinute, 1))

	var slots chan struct{}
	if ws.MaxConcurrent > 0 {
		slots = make(chan struct{}, ws.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if slots != nil {
			select {
			case slots <- struct{}{}:
				defer func() { <-slots }()
			default:
				reject(c, errors.NewServiceUnavailableError("too many concurrent connections"))
				return
			}
		}

		if !store.getLimiter(clientIP(c.Request)).Allow() {
			reject(c, errors.NewRateLimitError().WithContext("limit", "connections_per_minute"))
			return
		}
		c.Next()
	}
}

// reject records appErr on the context for logging and answers with it.
func reject(c *gin.Context, appErr *errors.AppError) {
	_ = c.Error(appErr)
	c.AbortWithStatusJSON(appErr.HTTPStatus, errorBody(appErr))
}
