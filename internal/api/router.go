package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sambitmohanty1/school-payments/internal/auth"
	"github.com/sambitmohanty1/school-payments/internal/config"
)

// NewRouter wires the HTTP surface under /api/v1.
func NewRouter(h *Handlers, jwtService *auth.JWTService, webhookCfg config.WebhookConfig, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(logger))

	router.GET("/health", h.Health)
	router.GET("/health/detailed", h.HealthDetailed)
	router.GET("/metrics", h.Metrics)

	apiV1 := router.Group("/api/v1")
	{
		payments := apiV1.Group("/payments")

		limiter := rate.NewLimiter(rate.Limit(webhookCfg.RateLimit), webhookCfg.Burst)
		payments.POST("/webhook", RateLimit(limiter), h.Webhook)

		authed := payments.Group("", JWT(jwtService))
		{
			authed.POST("/initiate", h.InitiatePayment)
			authed.POST("/verify", h.VerifyPayment)
			authed.POST("/reconcile", RequireRole(auth.RoleAdmin), h.Reconcile)
			authed.GET("/:id", h.GetPayment)
		}
	}
	return router
}
