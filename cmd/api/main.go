package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Dan9191/dues-service/internal/app"
	"github.com/Dan9191/dues-service/internal/config"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load configuration
	cfg, err := config.NewConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	logger := app.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize layers
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to start: %v", err)
	}
	defer a.Close()
	if err := a.Repo.Migrate(ctx); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}
	if err := a.LogEvents(ctx); err != nil {
		logger.Fatalf("Failed to subscribe to events: %v", err)
	}

	// Schedule the billing pipeline
	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	_, err = scheduler.AddFunc(cfg.PipelineCron, func() {
		report, err := a.Pipeline.Run(ctx, a.RunSettings(), time.Now())
		if err != nil {
			logger.WithError(err).Error("Scheduled pipeline run aborted")
			return
		}
		logger.WithFields(logrus.Fields{"run_id": report.RunID, "stages": len(report.Stages)}).Info("Scheduled pipeline run done")
	})
	if err != nil {
		logger.Fatalf("Invalid PIPELINE_CRON %q: %v", cfg.PipelineCron, err)
	}
	scheduler.Start()

	// Start server
	addr := fmt.Sprintf(":%s", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      a.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	go func() {
		logger.Infof("Starting server on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
	}
	<-scheduler.Stop().Done()
}
