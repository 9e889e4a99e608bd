package main

import (
	"fmt"
	"os"

	"github.com/govpress/docaudio-backend/internal/clients/gcp"
	"github.com/govpress/docaudio-backend/internal/clients/redis"
	"github.com/govpress/docaudio-backend/internal/data/repos/conversionlog"
	"github.com/govpress/docaudio-backend/internal/data/repos/documents"
	jobsrepo "github.com/govpress/docaudio-backend/internal/data/repos/jobs"
	"github.com/govpress/docaudio-backend/internal/db"
	"github.com/govpress/docaudio-backend/internal/handlers"
	"github.com/govpress/docaudio-backend/internal/jobs"
	"github.com/govpress/docaudio-backend/internal/platform/envutil"
	"github.com/govpress/docaudio-backend/internal/platform/logger"
	"github.com/govpress/docaudio-backend/internal/progress"
	"github.com/govpress/docaudio-backend/internal/server"
	"github.com/govpress/docaudio-backend/internal/services"
	"github.com/govpress/docaudio-backend/internal/temporalx"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	docRepo := documents.NewDocumentRepo(thePG, log)
	logRepo := conversionlog.NewConversionLogRepo(thePG, log)
	jobRepo := jobsrepo.NewConversionJobRepo(thePG, log)

	// Clients
	log.Info("Setting up clients from main...")
	bucketService, err := gcp.NewBucketService(log)
	if err != nil {
		log.Error("Could not init BucketService", "error", err)
		os.Exit(1)
	}
	progressStore, err := redis.NewProgressStore(log)
	if err != nil {
		log.Warn("Redis progress store unavailable; using in-memory fallback", "error", err)
		progressStore = progress.NewMemoryStore()
	}
	temporalClient, err := temporalx.NewClient(log)
	if err != nil {
		log.Error("Could not init Temporal client", "error", err)
		os.Exit(1)
	}
	if temporalClient != nil {
		defer temporalClient.Close()
	}

	var dispatcher services.Dispatcher
	if temporalClient != nil {
		dispatcher, err = temporalx.NewDispatcher(log, temporalClient, jobRepo)
	} else {
		log.Info("Temporal not configured; dispatching via the conversion job queue")
		dispatcher, err = jobs.NewQueueDispatcher(log, jobRepo)
	}
	if err != nil {
		log.Error("Could not init conversion dispatcher", "error", err)
		os.Exit(1)
	}

	// Services
	log.Info("Setting up Services from main...")
	logService := services.NewConversionLogService(thePG, log, logRepo)
	docService := services.NewDocumentService(thePG, log, docRepo, logService, bucketService, progressStore, dispatcher)
	reconciler := services.NewReconciler(thePG, log, docRepo, jobRepo, logService, dispatcher)

	// Handlers
	log.Info("Setting up handlers from main...")
	documentHandler := handlers.NewDocumentHandler(log, docService, logService)
	reconcileHandler := handlers.NewReconcileHandler(log, reconciler)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		DocumentHandler:  documentHandler,
		ReconcileHandler: reconcileHandler,
	})

	port := envutil.Str("PORT", "8080")
	fmt.Printf("Server listening on :%s\n", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
