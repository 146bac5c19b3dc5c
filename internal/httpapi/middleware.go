package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// observability handles request-ID propagation, structured access logging,
// and panic recovery, grounded on the teacher's middleware/observability.go.
func observability() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)

		span := trace.SpanFromContext(c.Request.Context())
		span.SetAttributes(attribute.String("request_id", requestID))

		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				slog.Error("panic recovered",
					slog.Any("error", r),
					slog.String("stack", string(stack)),
					slog.String("request_id", requestID),
					slog.String("method", c.Request.Method),
					slog.String("path", path),
				)
				span.RecordError(fmt.Errorf("%v", r))
				c.AbortWithStatusJSON(http.StatusInternalServerError, response{
					Success: false, Message: "internal server error",
				})
			}
		}()

		c.Next()

		if path == "/health" {
			return
		}

		latency := time.Since(start)
		if raw != "" {
			path = path + "?" + raw
		}

		fields := []any{
			slog.String("request_id", requestID),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", latency),
			slog.String("ip", c.ClientIP()),
		}
		if span.SpanContext().IsValid() {
			fields = append(fields,
				slog.String("trace_id", span.SpanContext().TraceID().String()),
				slog.String("span_id", span.SpanContext().SpanID().String()),
			)
		}

		if len(c.Errors) > 0 {
			for _, e := range c.Errors {
				slog.Error("request error", append(fields, slog.String("error", e.Error()))...)
			}
			return
		}
		slog.Info("request completed", fields...)
	}
}

// securityHeaders adds the common response hardening headers, unchanged
// from the teacher's middleware/security.go.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Content-Security-Policy", "default-src 'self'; object-src 'none'")
		c.Next()
	}
}

// ipRateLimiter tracks a per-IP token bucket, grounded on the teacher's
// middleware/ratelimit.go.
type ipRateLimiter struct {
	mu  sync.Mutex
	ips map[string]*rate.Limiter
	r   rate.Limit
	b   int
}

func newIPRateLimiter(requestsPerWindow int, window time.Duration, burst int) *ipRateLimiter {
	perSecond := rate.Limit(float64(requestsPerWindow) / window.Seconds())
	l := &ipRateLimiter{ips: make(map[string]*rate.Limiter), r: perSecond, b: burst}
	go l.cleanupLoop()
	return l
}

func (l *ipRateLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.ips[ip]
	if !ok {
		limiter = rate.NewLimiter(l.r, l.b)
		l.ips[ip] = limiter
	}
	return limiter
}

func (l *ipRateLimiter) cleanupLoop() {
	for {
		time.Sleep(time.Hour)
		l.mu.Lock()
		l.ips = make(map[string]*rate.Limiter)
		l.mu.Unlock()
	}
}

// rateLimit enforces a requests-per-window cap per client IP, config-driven
// instead of the teacher's hardcoded 20rps/burst-50.
func rateLimit(requestsPerWindow int, window time.Duration) gin.HandlerFunc {
	limiter := newIPRateLimiter(requestsPerWindow, window, requestsPerWindow)
	return func(c *gin.Context) {
		if !limiter.get(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, response{
				Success: false, Message: "too many requests",
			})
			return
		}
		c.Next()
	}
}
