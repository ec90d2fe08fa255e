package tracker

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/warelink/warelink/internal/observability"
	"github.com/warelink/warelink/internal/warehouse"
)

// adminRouter exposes health, census, and metrics endpoints next to the
// protocol listener.
func (s *Service) adminRouter() *gin.Engine {
	observability.RegisterMetrics()
	started := time.Now()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware("trackerd"))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(started).String(),
			"service": "trackerd",
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":       true,
			"connections": s.hub.ConnCount(),
		})
	})

	r.GET("/stats", func(c *gin.Context) {
		stats := s.engine.Statistics()
		c.JSON(http.StatusOK, gin.H{
			"totalCount":     stats.Total,
			"countsByStatus": stats.ByStatus,
			"connections":    s.hub.ConnCount(),
		})
	})

	r.GET("/packages", func(c *gin.Context) {
		filter := warehouse.Status(c.Query("status"))
		if filter != "" && !filter.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status filter"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"packages": s.engine.List(filter)})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
