package httpapi

import (
	"context"
	"net/http"
	"storefront-checkout/internal/infrastructure/auth"
	"storefront-checkout/internal/metrics"
	"storefront-checkout/internal/ratelimit"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type RouterConfig struct {
	Handler       *CheckoutHandler
	Authenticator auth.Authenticator
	Limiter       *ratelimit.Limiter
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
	CORSOrigins   []string
	// Health reports dependency details for GET /health. Optional.
	Health func(ctx context.Context) map[string]string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	_ = router.SetTrustedProxies(nil)

	router.Use(RequestID())
	router.Use(Logger(cfg.Logger, cfg.Metrics))
	router.Use(Recovery(cfg.Logger))
	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:     []string{"Authorization", "Content-Type", idempotencyHeader, requestIDHeader},
			ExposeHeaders:    []string{requestIDHeader, "Retry-After", "X-RateLimit-Remaining"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/health", func(c *gin.Context) {
		body := gin.H{"status": "healthy"}
		if cfg.Health != nil {
			body["dependencies"] = cfg.Health(c.Request.Context())
		}
		c.JSON(http.StatusOK, body)
	})
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	h := cfg.Handler
	limit := func(class ratelimit.Class) gin.HandlerFunc {
		return RateLimit(cfg.Limiter, class, cfg.Logger, cfg.Metrics)
	}
	requireUser := RequireUser(cfg.Authenticator, cfg.Logger)

	pay := router.Group("/payment")
	{
		pay.POST("/webhook", limit(ratelimit.ClassWebhook), h.Webhook)

		checkout := pay.Group("/checkout")
		{
			checkout.POST("/initiate", limit(ratelimit.ClassInitiate), requireUser, h.Initiate)
			checkout.POST("/confirm", limit(ratelimit.ClassConfirm), requireUser, h.Confirm)
			checkout.GET("/:paymentId/status", limit(ratelimit.ClassStatus), requireUser, h.Status)
			checkout.POST("/refund", limit(ratelimit.ClassRefund), requireUser, h.Refund)
		}

		pay.POST("/blackcat/charge", limit(ratelimit.ClassBlackcat), requireUser, h.BlackcatCharge)
		pay.POST("/wise/transfer", limit(ratelimit.ClassWise), requireUser, h.WiseTransfer)
	}

	return router
}
