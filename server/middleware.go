package server

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"web/clustermap/internal/logger"
	"web/clustermap/internal/metrics"
)

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLog logs each request and counts it by route template.
func requestLog(log *logger.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		m.IncHTTPRequest(c.Request.Method, route, strconv.Itoa(status))

		l := log.WithFields(map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   status,
			"duration": time.Since(start).String(),
		})
		if status >= http.StatusInternalServerError {
			l.Error("request failed")
		} else {
			l.Debug("request")
		}
	}
}

type window struct {
	count   int
	resetAt time.Time
}

// RateLimiter allows Limit requests per client in each fixed window.
type RateLimiter struct {
	mu        sync.Mutex
	entries   map[string]*window
	limit     int
	window    time.Duration
	nextSweep time.Time
	now       func() time.Time
}

func NewRateLimiter(limit int, win time.Duration) *RateLimiter {
	return &RateLimiter{
		entries: make(map[string]*window),
		limit:   limit,
		window:  win,
		now:     time.Now,
	}
}

// Allow records a request from key. It returns whether the request is
// allowed, how many remain in the window and when the window resets.
func (rl *RateLimiter) Allow(key string) (allowed bool, remaining int, resetIn time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.After(rl.nextSweep) {
		for k, w := range rl.entries {
			if now.After(w.resetAt) {
				delete(rl.entries, k)
			}
		}
		rl.nextSweep = now.Add(rl.window)
	}

	w, ok := rl.entries[key]
	if !ok || now.After(w.resetAt) {
		rl.entries[key] = &window{count: 1, resetAt: now.Add(rl.window)}
		return true, rl.limit - 1, rl.window
	}
	if w.count >= rl.limit {
		return false, 0, w.resetAt.Sub(now)
	}
	w.count++
	return true, rl.limit - w.count, w.resetAt.Sub(now)
}

// Middleware rejects clients over the limit with 429.
func (rl *RateLimiter) Middleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, remaining, resetIn := rl.Allow(clientIP(c))
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !allowed {
			m.IncRateLimited()
			c.Header("Retry-After", strconv.Itoa(int(resetIn.Round(time.Second)/time.Second)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded, try again later"})
			return
		}
		c.Next()
	}
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP.
func clientIP(c *gin.Context) string {
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := c.GetHeader("X-Real-IP"); xri != "" {
		return xri
	}
	if ip := c.RemoteIP(); ip != "" {
		return ip
	}
	return "unknown"
}
