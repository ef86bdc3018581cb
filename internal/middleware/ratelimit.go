package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"camguard-backend/internal/ratelimit"
)

// IPRateLimiter manages in-process burst limiters per IP. It is a fast path
// in front of the durable device-creation windows, not a correctness
// mechanism: a multi-instance deployment shares state through the Redis
// limiter instead.
type IPRateLimiter struct {
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a new IP-based rate limiter
func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	return &IPRateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     r,
		burst:    b,
	}
}

// GetLimiter returns the rate limiter for an IP
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	entry, exists := i.limiters[ip]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(i.rate, i.burst)}
		i.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// CleanupExpiredEntries drops limiters idle for over an hour.
func (i *IPRateLimiter) CleanupExpiredEntries() {
	i.mu.Lock()
	defer i.mu.Unlock()

	cutoff := time.Now().Add(-time.Hour)
	for ip, entry := range i.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(i.limiters, ip)
		}
	}
}

var registerLimiter = NewIPRateLimiter(rate.Every(time.Second), 10)

// RegistrationRateLimit throttles bursts against the registration endpoint
// per client IP. When a Redis limiter is supplied the budget is shared across
// instances; otherwise an in-memory limiter covers the single-instance case.
func RegistrationRateLimit(redisLimiter *ratelimit.RedisLimiter, perMinute int) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := GetClientIP(c)

		if redisLimiter != nil {
			allowed, err := redisLimiter.Allow(c.Request.Context(), "register:"+ip, perMinute, time.Now())
			if err != nil {
				// Redis being down must not take registration with it.
				log.WithError(err).Warn("rate limit: redis unavailable, falling back to local limiter")
			} else if !allowed {
				tooManyRequests(c)
				return
			} else {
				c.Next()
				return
			}
		}

		if !registerLimiter.GetLimiter(ip).Allow() {
			tooManyRequests(c)
			return
		}
		c.Next()
	}
}

func tooManyRequests(c *gin.Context) {
	c.JSON(http.StatusTooManyRequests, gin.H{
		"error":       "Too many registration attempts. Please try again later.",
		"retry_after": "60 seconds",
	})
	c.Abort()
}

// StartCleanup starts the cleanup routine for expired limiter entries.
func StartCleanup() {
	ticker := time.NewTicker(1 * time.Hour)
	go func() {
		for range ticker.C {
			registerLimiter.CleanupExpiredEntries()
		}
	}()
}

// GetClientIP resolves the originating client IP, preferring proxy headers.
func GetClientIP(c *gin.Context) string {
	if cfIP := c.GetHeader("CF-Connecting-IP"); cfIP != "" {
		return strings.TrimSpace(cfIP)
	}

	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if xri := c.GetHeader("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	return c.ClientIP()
}
