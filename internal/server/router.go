package server

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/govpress/docaudio-backend/internal/handlers"
	"github.com/govpress/docaudio-backend/internal/platform/envutil"
)

type RouterConfig struct {
	DocumentHandler  *handlers.DocumentHandler
	ReconcileHandler *handlers.ReconcileHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	origins := strings.Split(envutil.Str("CORS_ALLOW_ORIGINS", "http://localhost:3000,http://localhost:5173"), ",")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With", "X-Actor"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	{
		api.POST("/documents", cfg.DocumentHandler.Upload)
		api.GET("/documents", cfg.DocumentHandler.List)
		api.GET("/documents/:id", cfg.DocumentHandler.Get)
		api.GET("/documents/:id/status", cfg.DocumentHandler.Status)
		api.GET("/documents/:id/logs", cfg.DocumentHandler.Logs)
		api.POST("/documents/:id/reprocess", cfg.DocumentHandler.Reprocess)
		api.DELETE("/documents/:id", cfg.DocumentHandler.Delete)
		api.POST("/documents/:id/download", cfg.DocumentHandler.RecordDownload)
		api.POST("/documents/:id/play", cfg.DocumentHandler.RecordPlay)

		api.GET("/admin/reconcile", cfg.ReconcileHandler.Scan)
		api.POST("/admin/reconcile", cfg.ReconcileHandler.Reconcile)
	}

	return router
}
