// Package router wires the ingest API routes onto a gin engine.
package router

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/vicbravo9895/sam-engine-sub001/internal/health"
	"github.com/vicbravo9895/sam-engine-sub001/internal/metrics"
	"github.com/vicbravo9895/sam-engine-sub001/services/ingest-api/internal/handlers"
)

// Options configures the router.
type Options struct {
	Gatherer prometheus.Gatherer
	Checks   map[string]health.Check
	Metrics  metrics.Recorder
	Logger   *zap.Logger
}

// NewRouter creates the engine with all routes configured.
func NewRouter(h *handlers.Handlers, opts Options) *gin.Engine {
	r := health.NewEngine(opts.Gatherer, opts.Checks, opts.Logger)
	r.Use(corsMiddleware())

	api := r.Group("/api/v1")
	api.Use(metricsMiddleware(metrics.OrNoOp(opts.Metrics)))
	{
		companies := api.Group("/companies/:company_id")
		companies.POST("/webhooks/:source", h.ReceiveWebhook)
		companies.POST("/alerts/:alert_id/ack", h.Acknowledge)
		companies.POST("/alerts/:alert_id/resolve", h.Resolve)

		api.POST("/callbacks/delivery", h.UpdateDelivery)
		api.GET("/services/metrics", h.GetServiceMetrics)
	}
	return r
}

// NewServer creates the HTTP server for the router.
func NewServer(port string, h *handlers.Handlers, opts Options) *http.Server {
	return health.NewServer(port, NewRouter(h, opts))
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

// metricsMiddleware tracks request outcomes. Metric reads are skipped.
func metricsMiddleware(m metrics.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.HasSuffix(c.Request.URL.Path, "/services/metrics") {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		if c.Writer.Status() >= http.StatusBadRequest {
			m.RecordError()
			return
		}
		m.RecordProcessed(time.Since(start))
	}
}
