package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"powerquality-backend/internal/analyses"
	"powerquality-backend/internal/shared/config"
	"powerquality-backend/internal/shared/metrics"
	"powerquality-backend/internal/shared/server/middleware"
	"powerquality-backend/internal/shared/server/respond"
)

const readyTimeout = 2 * time.Second

// RouterDeps holds the handlers the router mounts.
type RouterDeps struct {
	Config          config.Config
	AnalysisHandler *analyses.Handler
	// Ready reports backing store health for /ready. Nil means always ready.
	Ready func(ctx context.Context) error
	// RateLimits overrides the default per-group rules; used by tests.
	RateLimits map[string]middleware.RateLimitRule
}

// DefaultRateLimits returns per-client token buckets for each route group.
func DefaultRateLimits() map[string]middleware.RateLimitRule {
	return map[string]middleware.RateLimitRule{
		"DEFAULT": {Rate: 2, Burst: 20},
		"POLLING": {Rate: 10, Burst: 60},
		"UPLOAD":  {Rate: 0.2, Burst: 5},
	}
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	rules := deps.RateLimits
	if rules == nil {
		rules = DefaultRateLimits()
	}

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(deps.Config.CORSAllowOrigin),
	)

	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	api.GET("/health", func(c *gin.Context) {
		respond.OK(c, gin.H{"ok": true})
	})
	api.GET("/ready", func(c *gin.Context) {
		if deps.Ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
			defer cancel()
			if err := deps.Ready(ctx); err != nil {
				respond.Error(c, http.StatusServiceUnavailable, "not_ready", "dependencies unavailable", nil)
				return
			}
		}
		respond.OK(c, gin.H{"ok": true})
	})

	limited := api.Group("")
	limited.Use(middleware.RateLimit(middleware.RateLimitConfig{
		Rules:    rules,
		GroupFor: middleware.AnalysisGroups,
	}))
	if deps.AnalysisHandler != nil {
		deps.AnalysisHandler.RegisterRoutes(limited)
	}

	return r
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
