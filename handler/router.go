package handler

import (
	"net/http"
	"time"

	"github.com/AnTengye/coitrack/config"
	"github.com/AnTengye/coitrack/middleware"
	"github.com/AnTengye/coitrack/pkg/ratelimit"
	"github.com/AnTengye/coitrack/service"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Services are the dependencies the HTTP surface is built on
type Services struct {
	Certificates *service.CertificateService
	Compliance   *service.ComplianceService
	Notifier     *service.Notifier
	Portal       *service.PortalService
	Templates    *service.TemplateService
	Directory    *service.DirectoryService
	Callback     CallbackSource
	IPLimiter    ratelimit.Limiter
}

// NewRouter wires middleware and every route onto a fresh engine
func NewRouter(cfg *config.Config, svc Services) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.Metrics())
	router.Use(noCache())
	if svc.IPLimiter != nil {
		router.Use(middleware.RateLimit(svc.IPLimiter, cfg.Server.RequestsPerMin))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authHandler := NewAuthHandler(cfg)
	directoryHandler := NewDirectoryHandler(svc.Directory, svc.Compliance, svc.Notifier)
	certificateHandler := NewCertificateHandler(svc.Certificates, svc.Directory, cfg.Portal.InternalMaxUploadBytes())
	templateHandler := NewTemplateHandler(svc.Templates)
	portalHandler := NewPortalHandler(svc.Portal, cfg.Portal.MaxUploadBytes())

	api := router.Group("/api")
	{
		api.POST("/auth/login", authHandler.Login)
		api.GET("/portal/:token", portalHandler.Describe)
		api.POST("/portal/:token/upload", portalHandler.Upload)
		api.POST("/portal/:token/certificates/:id/extract", portalHandler.Extract)
		if svc.Callback != nil {
			api.POST("/extraction/callback", NewCallbackHandler(svc.Callback, svc.Certificates).HandleCallback)
		}
	}

	protected := api.Group("/")
	protected.Use(middleware.AuthMiddleware(&cfg.Auth))
	{
		protected.GET("/auth/me", authHandler.GetCurrentUser)

		protected.POST("/properties", directoryHandler.CreateProperty)
		protected.GET("/properties/:id", directoryHandler.GetProperty)
		protected.PUT("/properties/:id/entities", directoryHandler.ReplacePropertyEntities)

		protected.POST("/entities", directoryHandler.CreateEntity)
		protected.GET("/entities/:kind/:id", directoryHandler.GetEntity)
		protected.GET("/entities/:kind/:id/compliance", directoryHandler.Compliance)
		protected.PUT("/entities/:kind/:id/review", directoryHandler.SetReview)
		protected.GET("/entities/:kind/:id/certificates", directoryHandler.Certificates)
		protected.POST("/entities/:kind/:id/certificates", certificateHandler.Upload)
		protected.POST("/entities/:kind/:id/follow-up", directoryHandler.FollowUp)
		protected.POST("/entities/:kind/:id/portal-link", directoryHandler.PortalLink)
		protected.GET("/entities/:kind/:id/notifications", directoryHandler.Notifications)

		protected.GET("/certificates/:id", certificateHandler.Get)
		protected.POST("/certificates/:id/extract", certificateHandler.Extract)
		protected.POST("/certificates/:id/confirm", certificateHandler.Confirm)

		protected.GET("/templates", templateHandler.List)
		protected.POST("/templates", templateHandler.Create)
		protected.GET("/templates/:id", templateHandler.Get)
		protected.PUT("/templates/:id", templateHandler.Update)
		protected.DELETE("/templates/:id", templateHandler.Delete)
		protected.POST("/templates/:id/duplicate", templateHandler.Duplicate)
	}

	return router
}

// noCache keeps API responses out of shared caches
func noCache() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
		c.Header("Pragma", "no-cache")
		c.Header("Expires", "0")
		c.Next()
	}
}
