package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"provider-scout/internal/audit"
	"provider-scout/internal/config"
	"provider-scout/internal/httpapi"
	"provider-scout/internal/jobs"
	"provider-scout/internal/lifecycle"
	"provider-scout/internal/reporting"
	"provider-scout/internal/store"
	"provider-scout/internal/telephony"
	"provider-scout/pkg/logger"
)

const webhookRateFactor = 20

type routeDeps struct {
	auth    gin.HandlerFunc
	webhook telephony.WebhookHandler
	api     httpapi.Handlers
	ready   func(ctx context.Context) error
}

func httpapiHandlers(repo *store.SQLStore, queue *jobs.Client, machine *lifecycle.Machine, auditLog *audit.Service) httpapi.Handlers {
	return httpapi.Handlers{
		Store:     repo,
		Jobs:      queue,
		Lifecycle: machine,
		Reports:   reporting.NewService(repo),
		Audit:     auditLog,
	}
}

// newRouter wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func newRouter(cfg config.Config, log *slog.Logger, d routeDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	if len(cfg.HTTP.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.HTTP.CORSOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:     []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := d.ready(c.Request.Context()); err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Voice platform push deliveries, authenticated by the shared secret header.
	// The platform sends from a handful of IPs, so its bucket is wider.
	hooks := httpapi.NewIPRateLimiter(rate.Limit(cfg.HTTP.RateLimitRPS*webhookRateFactor), cfg.HTTP.RateLimitBurst*webhookRateFactor)
	r.POST("/webhooks/voice", hooks.Middleware(), d.webhook.HandleVoiceEvent)

	limiter := httpapi.NewIPRateLimiter(rate.Limit(cfg.HTTP.RateLimitRPS), cfg.HTTP.RateLimitBurst)
	v1 := r.Group("/v1")
	v1.Use(limiter.Middleware())
	v1.Use(d.auth)
	httpapi.Register(v1, d.api)
	return r
}
