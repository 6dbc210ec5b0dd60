package main

import (
	"net/http"
	"time"

	commonmw "protoeval/internal/common/http/middleware"
	"protoeval/internal/evaluate/controller"
	"protoeval/internal/evaluate/service"
	"protoeval/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func newRouter(cfg *AppConfig, svc *service.EvaluateService, gatherer prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.MaxMultipartMemory = cfg.Server.MaxUploadBytes
	router.Use(gin.Recovery(), commonmw.TraceContextMiddleware(), accessLog())

	ctl := controller.NewEvaluateController(svc)
	router.GET("/info", ctl.Info)
	router.GET("/healthz", ctl.Healthz)
	router.POST("/evaluate", ctl.Evaluate)
	jobs := router.Group("/jobs/:id")
	jobs.GET("/status", ctl.GetStatus)
	jobs.GET("/result", ctl.GetResult)

	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return router
}

func newHTTPServer(cfg *AppConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

// accessLog writes one line per request; probes log at debug.
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if id := c.Param("id"); id != "" {
			fields = append(fields, zap.String("job_id", id))
		}
		if route == "/healthz" {
			logger.Debug(c.Request.Context(), "request completed", fields...)
			return
		}
		logger.Info(c.Request.Context(), "request completed", fields...)
	}
}
