package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bilancio/internal/amqp"
	"bilancio/internal/cli"
	"bilancio/internal/export"
	"bilancio/internal/provider"
	"bilancio/internal/services"
	"bilancio/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger()

	logger.Info("Starting bilancio-worker")

	cfg := cli.LoadAndValidateConfig(logger)

	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	providerClient := provider.NewClient(cfg.ProviderBaseURL, cfg.ProviderClientID, cfg.ProviderSecret)
	categories := services.NewCategoryService(repo, cfg.SyncCreateMissingCategory)
	engine := services.NewSyncEngine(providerClient, repo, repo, categories)

	// Monthly sheets export is optional
	var exporter worker.Exporter
	if cfg.SheetsExportEnabled() {
		sheetsExporter, err := export.NewSheetsExporter(context.Background(), cfg, repo)
		if err != nil {
			logger.Error("Failed to initialize Google Sheets exporter", "error", err)
			os.Exit(1)
		}
		exporter = sheetsExporter
		logger.Info("Google Sheets exporter initialized", "spreadsheet_id", cfg.GoogleSpreadsheetID)
	} else {
		logger.Info("Sheets export disabled - no GOOGLE_SPREADSHEET_ID provided")
	}

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", "error", err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncWorker := worker.NewSyncWorker(engine, repo, exporter, cfg.SyncBatchSize)

	// On startup, run one pass to catch syncs missed while down
	logger.Info("Performing startup sync pass...")
	if err := syncWorker.RunScheduledSyncs(ctx); err != nil {
		logger.Error("Startup sync pass failed", "error", err)
		// Don't exit - continue with normal operation
	}

	go func() {
		if err := amqpClient.ConsumeSyncRequests(ctx, func(msg *amqp.SyncRequestMessage) error {
			return syncWorker.HandleSyncRequest(ctx, msg)
		}); err != nil {
			if err != context.Canceled {
				logger.Error("Message consumption failed", "error", err)
			}
			cancel()
		}
	}()

	// Periodic sync backstop for lost messages, plus a daily check that
	// exports the previous month's summaries once the month rolls over.
	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()

	exportTicker := time.NewTicker(24 * time.Hour)
	defer exportTicker.Stop()

	lastExportedMonth := time.Now().Format("2006-01")

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := syncWorker.RunScheduledSyncs(ctx); err != nil {
					logger.Error("Scheduled sync pass failed", "error", err)
				}
			case <-exportTicker.C:
				current := time.Now().Format("2006-01")
				if current == lastExportedMonth {
					continue
				}
				if err := syncWorker.ExportMonthSummaries(ctx); err != nil {
					logger.Error("Month export failed", "error", err)
					continue
				}
				lastExportedMonth = current
			}
		}
	}()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("Shutting down worker...")
	cancel()

	select {
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout reached")
	case <-time.After(5 * time.Second):
		logger.Info("Worker shutdown complete")
	}
}
