package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sprintd/internal/async"
	"sprintd/internal/logging"
)

// startMetricsServer serves /metrics and /healthz on addr. Serving failures
// are logged, never fatal.
func startMetricsServer(addr string, logger logging.Logger) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	async.Go(logger, "metrics-server", func() {
		if err := router.Run(addr); err != nil {
			logger.Warn("metrics server stopped: %v", err)
		}
	})
}
