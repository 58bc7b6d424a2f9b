package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"geoattend/internal/auth"
	"geoattend/internal/httpmiddleware"
	"geoattend/internal/logger"
	"geoattend/internal/metrics"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// RouterConfig bundles everything the router mounts.
type RouterConfig struct {
	Attendance     *AttendanceHandler
	Admin          *AdminHandler
	Metrics        *metrics.Metrics
	Limiter        httpmiddleware.Limiter
	Logger         *zap.Logger
	AllowedOrigins []string
	SigningKey     string
	Issuer         string
	Health         map[string]HealthCheck
}

// NewRouter builds the gin engine.
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestIDMiddleware())
	r.Use(logger.GinMiddleware(cfg.Logger, "/healthz", "/metrics"))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware())
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}
	r.Use(httpmiddleware.CORS(cfg.AllowedOrigins))
	r.Use(httpmiddleware.SecurityHeaders())

	r.GET("/healthz", healthz(cfg.Health))

	v1 := r.Group("/v1")
	if cfg.Limiter != nil {
		v1.Use(httpmiddleware.RateLimit(cfg.Limiter, cfg.Logger))
	}
	v1.POST("/attendance", cfg.Attendance.Submit)
	v1.POST("/admin/login", cfg.Admin.Login)

	admin := v1.Group("/admin", auth.RequireRole(cfg.SigningKey, cfg.Issuer, auth.RoleAdmin))
	admin.PUT("/zones/:name", cfg.Admin.PutZone)
	admin.GET("/zones", cfg.Admin.ListZones)
	admin.GET("/subjects", cfg.Admin.ListSubjects)
	admin.POST("/subjects", cfg.Admin.CreateSubject)
	admin.GET("/attendance", cfg.Admin.ListAttendance)
	admin.GET("/live", cfg.Admin.Live)

	return r
}

func healthz(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		body := gin.H{"status": "ok"}
		for name, check := range checks {
			ok := check(ctx)
			body[name] = ok
			if !ok {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
			}
		}
		c.JSON(status, body)
	}
}
