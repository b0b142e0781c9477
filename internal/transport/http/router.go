package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	jwtpkg "relaymail/backend/internal/auth/jwt"
	"relaymail/backend/internal/config"
	"relaymail/backend/internal/health"
	"relaymail/backend/internal/middleware"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/service"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config            *config.Config
	AccountService    *service.AccountService
	AddressService    *service.AddressService
	DomainService     *service.DomainService
	Forwarder         *service.Forwarder
	ModerationService *service.ModerationService
	Sweeper           *service.Sweeper
	JWTManager        *jwtpkg.Manager
	Accounts          middleware.AccountLookup
	RateLimiter       middleware.Limiter // 为空时不限流
	Health            *health.HealthChecker
	Metrics           *monitoring.Metrics
	Logger            *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	registerValidators()

	router := gin.New()

	router.Use(middleware.RecoveryHandler(deps.Logger, deps.Metrics))
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.HTTPMetrics(deps.Metrics))
	router.Use(middleware.SecurityHeaders())

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", signatureHeader},
		ExposeHeaders:    []string{"Content-Length", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	if len(corsConfig.AllowOrigins) > 0 {
		router.Use(gincors.New(corsConfig))
	}

	accountHandler := NewAccountHandler(deps.AccountService, deps.AddressService, deps.JWTManager)
	addressHandler := NewAddressHandler(deps.AddressService)
	publicHandler := NewPublicHandler(deps.DomainService)
	webhookHandler := NewWebhookHandler(deps.DomainService, deps.Forwarder, deps.Config.Webhook.Secret, deps.Logger)
	adminHandler := NewAdminHandler(deps.ModerationService, deps.AccountService, deps.DomainService, deps.Sweeper)

	jwtAuth := middleware.NewJWTAuth(deps.JWTManager, deps.Logger)
	adminAuth := middleware.NewAdminAuth(deps.Accounts, deps.Logger)

	// 健康检查与指标
	if deps.Health != nil {
		router.GET("/health/live", gin.WrapH(deps.Health.LiveHandler()))
		router.GET("/health/ready", gin.WrapH(deps.Health.ReadyHandler()))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}
	router.NoRoute(func(c *gin.Context) {
		Error(c, http.StatusNotFound, "接口不存在")
	})

	// V1 API
	v1 := router.Group("/v1")
	{
		// ========== Webhook（由邮件传输层调用，不限流） ==========
		v1.POST("/webhook/email", middleware.BodySizeLimit(deps.Config.Webhook.MaxBodyBytes), webhookHandler.ReceiveEmail)

		api := v1.Group("")
		api.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))
		if deps.RateLimiter != nil {
			api.Use(middleware.RateLimit(deps.RateLimiter, deps.Logger, deps.Metrics))
		}

		// ========== Public Routes ==========
		api.GET("/public/domains", publicHandler.GetAvailableDomains)

		// ========== Account Routes ==========
		accountRoutes := api.Group("/accounts")
		{
			accountRoutes.POST("/register", accountHandler.Register)
			accountRoutes.POST("/verify", accountHandler.Verify)
			accountRoutes.POST("/resend", accountHandler.Resend)
			accountRoutes.GET("/:externalId", jwtAuth.RequireAuth(), accountHandler.Overview)
			accountRoutes.GET("/:externalId/addresses", jwtAuth.RequireAuth(), accountHandler.ListAddresses)
		}

		// ========== Address Routes ==========
		addressRoutes := api.Group("/addresses")
		addressRoutes.Use(jwtAuth.RequireAuth())
		{
			addressRoutes.POST("", addressHandler.Create)
			addressRoutes.DELETE("/:id", addressHandler.Delete)
		}

		// ========== Admin Routes ==========
		adminRoutes := api.Group("/admin")
		adminRoutes.Use(jwtAuth.RequireAuth(), adminAuth.RequireAdmin())
		{
			adminRoutes.GET("/accounts/:externalId", adminHandler.GetAccount)
			adminRoutes.POST("/accounts/:externalId/ban", adminHandler.Ban)
			adminRoutes.POST("/accounts/:externalId/promote", adminHandler.Promote)
			adminRoutes.POST("/accounts/:externalId/role", adminHandler.SetRole)
			adminRoutes.DELETE("/accounts/:externalId", adminHandler.DeleteAccount)
			adminRoutes.GET("/stats", adminHandler.GetStatistics)
			adminRoutes.POST("/cleanup", adminHandler.Cleanup)
			adminRoutes.GET("/domains", adminHandler.ListDomains)
			adminRoutes.POST("/domains", adminHandler.SaveDomain)
		}
	}

	return router
}

// requireSelfOrAdmin 账户类接口只允许本人或管理员访问
func requireSelfOrAdmin(c *gin.Context, externalID string) bool {
	claims, ok := middleware.ClaimsFrom(c)
	if !ok {
		Unauthorized(c, MsgAuthRequired)
		return false
	}
	if claims.ExternalID != externalID && !claims.IsAdmin() {
		Forbidden(c, MsgPermissionDenied)
		return false
	}
	return true
}
