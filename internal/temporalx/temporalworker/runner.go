package temporalworker

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"gorm.io/gorm"

	"github.com/govpress/docaudio-backend/internal/data/repos/jobs"
	"github.com/govpress/docaudio-backend/internal/platform/envutil"
	"github.com/govpress/docaudio-backend/internal/platform/logger"
	"github.com/govpress/docaudio-backend/internal/services"
	"github.com/govpress/docaudio-backend/internal/temporalx"
	"github.com/govpress/docaudio-backend/internal/temporalx/conversion"
)

// Runner hosts the conversion workflow and activities on the configured
// task queue.
type Runner struct {
	log *logger.Logger

	tc           temporalsdkclient.Client
	db           *gorm.DB
	jobRepo      jobs.ConversionJobRepo
	orchestrator services.ConversionOrchestrator
}

func NewRunner(
	log *logger.Logger,
	tc temporalsdkclient.Client,
	db *gorm.DB,
	jobRepo jobs.ConversionJobRepo,
	orchestrator services.ConversionOrchestrator,
) (*Runner, error) {
	if tc == nil {
		return nil, fmt.Errorf("temporal client is not configured")
	}
	if jobRepo == nil || orchestrator == nil {
		return nil, fmt.Errorf("temporal worker missing deps")
	}
	return &Runner{
		log:          log,
		tc:           tc,
		db:           db,
		jobRepo:      jobRepo,
		orchestrator: orchestrator,
	}, nil
}

func (r *Runner) Start(ctx context.Context) error {
	if r == nil || r.tc == nil {
		return fmt.Errorf("temporal worker not initialized")
	}
	cfg := temporalx.LoadConfig()
	r.log.Info("Starting Temporal worker",
		"address", cfg.Address, "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue)

	deadline := time.Now().Add(envutil.Duration("TEMPORAL_WORKER_START_MAX_WAIT", time.Minute))
	backoff := 250 * time.Millisecond
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		w := r.newWorker(cfg)
		startErr := w.Start()
		if startErr == nil {
			go func() {
				<-ctx.Done()
				w.Stop()
			}()
			r.log.Info("Temporal worker started", "task_queue", cfg.TaskQueue, "attempts", attempt)
			return nil
		}
		w.Stop()

		if time.Now().After(deadline) {
			return startErr
		}
		r.log.Warn("Temporal worker failed to start; retrying",
			"task_queue", cfg.TaskQueue, "attempt", attempt, "error", startErr)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > 5*time.Second {
			backoff = 5 * time.Second
		}
	}
}

func (r *Runner) newWorker(cfg temporalx.Config) worker.Worker {
	concurrency := envutil.Int("WORKER_CONCURRENCY", 4)
	if concurrency < 1 {
		concurrency = 1
	}

	w := worker.New(r.tc, cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     concurrency,
		MaxConcurrentWorkflowTaskExecutionSize: concurrency,
	})

	acts := &conversion.Activities{
		Log:          r.log,
		DB:           r.db,
		Orchestrator: r.orchestrator,
		Jobs:         r.jobRepo,
	}

	w.RegisterWorkflowWithOptions(conversion.Workflow, workflow.RegisterOptions{Name: conversion.WorkflowName})
	w.RegisterActivityWithOptions(acts.ProcessDocument, activity.RegisterOptions{Name: conversion.ActivityProcess})
	w.RegisterActivityWithOptions(acts.HandleTerminalFailure, activity.RegisterOptions{Name: conversion.ActivityTerminalFailure})
	return w
}
