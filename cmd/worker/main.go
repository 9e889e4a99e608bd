package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/govpress/docaudio-backend/internal/clients/gcp"
	"github.com/govpress/docaudio-backend/internal/clients/redis"
	"github.com/govpress/docaudio-backend/internal/covergen"
	"github.com/govpress/docaudio-backend/internal/data/repos/conversionlog"
	"github.com/govpress/docaudio-backend/internal/data/repos/documents"
	jobsrepo "github.com/govpress/docaudio-backend/internal/data/repos/jobs"
	"github.com/govpress/docaudio-backend/internal/db"
	"github.com/govpress/docaudio-backend/internal/extraction"
	"github.com/govpress/docaudio-backend/internal/jobs"
	"github.com/govpress/docaudio-backend/internal/platform/envutil"
	"github.com/govpress/docaudio-backend/internal/platform/logger"
	"github.com/govpress/docaudio-backend/internal/progress"
	"github.com/govpress/docaudio-backend/internal/services"
	"github.com/govpress/docaudio-backend/internal/temporalx"
	"github.com/govpress/docaudio-backend/internal/temporalx/temporalworker"
	"github.com/govpress/docaudio-backend/internal/tts"
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
	log.Info("Setting up Repos from worker...")
	docRepo := documents.NewDocumentRepo(thePG, log)
	logRepo := conversionlog.NewConversionLogRepo(thePG, log)
	jobRepo := jobsrepo.NewConversionJobRepo(thePG, log)

	// Clients
	log.Info("Setting up clients from worker...")
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
	ttsClient, err := gcp.NewTTSClient(log)
	if err != nil {
		log.Error("Could not init TTS client", "error", err)
		os.Exit(1)
	}
	converter, err := tts.NewGoogleConverter(log, ttsClient)
	if err != nil {
		log.Error("Could not init TTS converter", "error", err)
		os.Exit(1)
	}

	// Document AI is used when a processor is configured; otherwise text is
	// extracted in-process.
	var extractor extraction.BytesExtractor
	if envutil.Str("DOCUMENTAI_PROCESSOR_ID", "") != "" {
		docai, err := extraction.NewDocAIExtractor(log)
		if err != nil {
			log.Error("Could not init Document AI extractor", "error", err)
			os.Exit(1)
		}
		extractor = docai
	} else {
		extractor = extraction.NewLocalExtractor(log)
	}

	covers, err := covergen.NewGenerator(log)
	if err != nil {
		log.Warn("Could not init cover generator; covers disabled", "error", err)
		covers = nil
	}

	temporalClient, err := temporalx.NewClient(log)
	if err != nil {
		log.Error("Could not init Temporal client", "error", err)
		os.Exit(1)
	}
	if temporalClient != nil {
		defer temporalClient.Close()
	}

	// Services
	log.Info("Setting up Services from worker...")
	logService := services.NewConversionLogService(thePG, log, logRepo)
	orchestrator, err := services.NewConversionOrchestrator(thePG, log, docRepo, logService, bucketService, extractor, converter, progressStore, covers)
	if err != nil {
		log.Error("Could not init conversion orchestrator", "error", err)
		os.Exit(1)
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
	reconciler := services.NewReconciler(thePG, log, docRepo, jobRepo, logService, dispatcher)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if temporalClient != nil {
		runner, err := temporalworker.NewRunner(log, temporalClient, thePG, jobRepo, orchestrator)
		if err != nil {
			log.Error("Could not init Temporal worker", "error", err)
			os.Exit(1)
		}
		if err := runner.Start(ctx); err != nil {
			log.Error("Temporal worker failed to start", "error", err)
			os.Exit(1)
		}
	} else {
		pollWorker, err := jobs.NewWorker(thePG, log, jobRepo, orchestrator)
		if err != nil {
			log.Error("Could not init queue-polling worker", "error", err)
			os.Exit(1)
		}
		pollWorker.Start(ctx)
	}

	// Periodic reconcile sweep
	interval := envutil.Duration("RECONCILE_INTERVAL", 15*time.Minute)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report, err := reconciler.Reconcile(ctx)
				if err != nil {
					log.Warn("Reconcile sweep failed", "error", err)
					continue
				}
				if report.ResetDocuments > 0 || report.ClearedReservations > 0 || len(report.Warnings) > 0 {
					log.Info("Reconcile sweep",
						"reset_documents", report.ResetDocuments,
						"cleared_reservations", report.ClearedReservations,
						"redispatched", report.Redispatched,
						"warnings", report.Warnings)
				}
			}
		}
	}()

	log.Info("Worker running", "reconcile_interval", interval.String())
	<-ctx.Done()
	log.Info("Worker shutting down")
}
