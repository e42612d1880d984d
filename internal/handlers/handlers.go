package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"notehub/internal/config"
	"notehub/internal/metrics"
	"notehub/internal/middleware"
	"notehub/internal/models"
	"notehub/internal/ratelimit"
	"notehub/internal/repository"
	"notehub/internal/service"
)

type Deps struct {
	Log         zerolog.Logger
	Config      *config.AppConfig
	Users       repository.UserRepository
	Sessions    *service.SessionService
	Resets      *service.PasswordResetService
	APITokens   *service.APITokenService
	Maintenance *service.Maintenance
	// Limiter may be nil, which disables rate limiting.
	Limiter *ratelimit.Limiter
	Metrics *metrics.Metrics
	Checks  []HealthCheck
}

type HandlerSet struct {
	log         zerolog.Logger
	cfg         *config.AppConfig
	users       repository.UserRepository
	sessions    *service.SessionService
	resets      *service.PasswordResetService
	apiTokens   *service.APITokenService
	maintenance *service.Maintenance
	limiter     *ratelimit.Limiter
	metrics     *metrics.Metrics
	checks      []HealthCheck
}

func NewHandlerSet(d Deps) HandlerSet {
	return HandlerSet{
		log:         d.Log,
		cfg:         d.Config,
		users:       d.Users,
		sessions:    d.Sessions,
		resets:      d.Resets,
		apiTokens:   d.APITokens,
		maintenance: d.Maintenance,
		limiter:     d.Limiter,
		metrics:     d.Metrics,
		checks:      d.Checks,
	}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	requireSession := middleware.Auth(h.sessions, h.respondError)
	sec := h.cfg.Security

	v1 := router.Group("/v1")
	{
		auth := v1.Group("/auth")
		auth.POST("/login", h.rateLimit("login", sec.LoginRateLimit, sec.LoginRateWindow), h.Login)
		auth.POST("/refresh", h.Refresh)
		auth.POST("/logout", h.Logout)
		auth.POST("/forgot-password", h.rateLimit("forgot_password", sec.ForgotRateLimit, sec.ForgotRateWindow), h.ForgotPassword)
		auth.GET("/reset-password/validate", h.ValidateResetToken)
		auth.POST("/reset-password", h.ResetPassword)

		protected := v1.Group("/auth", requireSession)
		protected.POST("/change-password", h.ChangePassword)
		protected.GET("/me", h.Me)
		protected.GET("/sessions", h.ListSessions)
		protected.DELETE("/sessions/:sessionId", h.RevokeSession)
	}

	tokens := v1.Group("/tokens", requireSession)
	tokens.GET("", h.ListAPITokens)
	tokens.POST("", h.CreateAPIToken)
	tokens.DELETE("/:tokenId", h.RevokeAPIToken)

	svc := v1.Group("/service", middleware.ServiceAuth(h.sessions, h.apiTokens, h.respondError))
	svc.GET("/whoami", middleware.RequireScope(models.ScopeRead, h.respondError), h.WhoAmI)

	admin := v1.Group("/admin",
		requireSession,
		middleware.RequireRoles(h.respondError, models.UserRoleAdmin, models.UserRoleSuperAdmin),
	)
	admin.POST("/maintenance/cleanup", h.RunCleanup)
}

func (h HandlerSet) rateLimit(name string, limit int, window time.Duration) gin.HandlerFunc {
	if h.limiter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return middleware.RateLimit(h.limiter, name, limit, window, h.metrics, h.log, h.respondError)
}

func principal(c *gin.Context) models.Principal {
	p, _ := middleware.CurrentPrincipal(c)
	return p
}
