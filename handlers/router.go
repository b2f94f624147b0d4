package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chorus/presence-service/auth"
	"chorus/presence-service/middleware"
	"chorus/presence-service/utils"
)

type RouterConfig struct {
	Presence    PresenceAPI
	Changes     ChangeSource
	Verifier    auth.Verifier
	Gatherer    prometheus.Gatherer
	Logger      *utils.Logger
	Environment string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(cfg.Logger))

	router.GET("/health", HealthCheck)
	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	presenceHandler := NewPresenceHandler(cfg.Presence, cfg.Logger)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.Auth(cfg.Verifier))
	{
		presence := v1.Group("/presence")
		{
			presence.POST("/heartbeat", presenceHandler.Heartbeat)
			presence.GET("/online", presenceHandler.ListOnline)
			if cfg.Changes != nil {
				presence.GET("/changes", NewChangesHandler(cfg.Changes, cfg.Logger).Stream)
			}
		}
	}

	return router
}
