package httpapi

import (
	"fmt"
	"math"
	"net/http"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/infrastructure/auth"
	"storefront-checkout/internal/metrics"
	"storefront-checkout/internal/ratelimit"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
	userKey         = "user"
)

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// Logger logs one line per request and records the latency histogram.
func Logger(logger *zap.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		if m != nil {
			m.HTTPDuration.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Observe(latency.Seconds())
		}

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", c.GetString(requestIDKey)),
		}
		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("request", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}

func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("panic recovered",
			zap.Any("panic", recovered),
			zap.String("path", c.Request.URL.Path),
			zap.String("request_id", c.GetString(requestIDKey)),
		)
		abortJSON(c, http.StatusInternalServerError, "internal_error", "internal error")
	})
}

// RequireUser resolves the bearer token and stores the user on the context.
func RequireUser(authenticator auth.Authenticator, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(c, logger, fmt.Errorf("%w: bearer token required", domain.ErrUnauthenticated))
			return
		}

		user, err := authenticator.Authenticate(c.Request.Context(), strings.TrimSpace(token))
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.Set(userKey, *user)
		c.Next()
	}
}

func currentUser(c *gin.Context) domain.User {
	user, _ := c.Get(userKey)
	u, _ := user.(domain.User)
	return u
}

// RateLimit throttles the route per client IP under class.
func RateLimit(limiter *ratelimit.Limiter, class ratelimit.Class, logger *zap.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := limiter.Allow(class, c.ClientIP())
		if d.Remaining >= 0 {
			c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		}
		if !d.Allowed {
			m.Denied(string(class))
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
			writeError(c, logger, fmt.Errorf("%w: too many %s requests", domain.ErrRateLimited, class))
			return
		}
		c.Next()
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
