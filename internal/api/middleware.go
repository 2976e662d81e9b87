package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"audit-core/internal/monitor"
	"audit-core/pkg/cache"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// RateLimit configures the per-IP token bucket.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// DefaultRateLimit allows 20 req/s per IP with a burst of 50.
var DefaultRateLimit = RateLimit{PerSecond: 20, Burst: 50}

// DefaultMaxBodyBytes caps request bodies well below events.MaxPayloadBytes.
const DefaultMaxBodyBytes = 128 << 10

// ipLimiters keeps one limiter per client IP. Entries are dropped by age.
type ipLimiters struct {
	limit    RateLimit
	limiters *cache.ShardedCache[*rate.Limiter]
}

func newIPLimiters(limit RateLimit) *ipLimiters {
	return &ipLimiters{limit: limit, limiters: cache.New[*rate.Limiter]()}
}

func (l *ipLimiters) get(ip string) *rate.Limiter {
	limiter, _ := l.limiters.Update(ip, func(cur *rate.Limiter, ok bool) (*rate.Limiter, bool) {
		if ok {
			return cur, true
		}
		return rate.NewLimiter(rate.Limit(l.limit.PerSecond), l.limit.Burst), true
	})
	return limiter
}

// janitor resets idle limiters every interval until ctx is done.
func (l *ipLimiters) janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.limiters.Cleanup(interval)
		}
	}
}

// CORSMiddleware handles Cross-Origin Resource Sharing
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// RequestIDMiddleware adds unique request ID for tracking
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("RequestID", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// RateLimitMiddleware prevents API abuse with per-IP rate limiting
func RateLimitMiddleware(limiters *ipLimiters) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !limiters.get(ip).Allow() {
			log.Printf("[RATE_LIMIT] IP %s exceeded rate limit", ip)
			c.JSON(http.StatusTooManyRequests, gin.H{
				"code":  "RATE_LIMITED",
				"error": "too many requests, please slow down",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// TimeoutMiddleware prevents long-running requests from blocking resources
func TimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if websocket.IsWebSocketUpgrade(c.Request) {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)

		finished := make(chan struct{})
		panicChan := make(chan interface{}, 1)

		go func() {
			defer func() {
				if p := recover(); p != nil {
					panicChan <- p
				}
			}()
			c.Next()
			close(finished)
		}()

		select {
		case p := <-panicChan:
			log.Printf("[PANIC] %s %s: %v", c.Request.Method, c.Request.URL.Path, p)
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":  "INTERNAL",
				"error": "internal server error",
			})
			c.Abort()
		case <-finished:
			return
		case <-ctx.Done():
			log.Printf("[TIMEOUT] Request timeout: %s %s", c.Request.Method, c.Request.URL.Path)
			c.JSON(http.StatusRequestTimeout, gin.H{
				"code":  "TIMEOUT",
				"error": "request took too long to process",
			})
			c.Abort()
		}
	}
}

// BodyLimitMiddleware caps the request body; reads past the limit fail with
// *http.MaxBytesError.
func BodyLimitMiddleware(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

// RequestLogger logs all API requests with timing and status; optionally records metrics.
func RequestLogger(metrics *monitor.SystemMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var hist *monitor.LatencyHistogram
		if metrics != nil {
			hist = metrics.RequestLatency
		}
		timer := monitor.NewTimer(hist)
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		latency := timer.Stop()
		statusCode := c.Writer.Status()

		if metrics != nil {
			metrics.IncrementRequests()
			if statusCode >= 500 {
				metrics.IncrementErrors()
			}
		}

		log.Printf("[API] %s | %s %s | %d | %v | %s",
			shortID(c.GetString("RequestID")),
			method,
			path,
			statusCode,
			latency,
			c.ClientIP(),
		)
	}
}

// shortID shows the first 8 chars of a request id.
func shortID(id string) string {
	if id == "" {
		return "unknown"
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
