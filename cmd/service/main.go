// cmd/service/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github-star-mirror/internal/api"
	"github-star-mirror/internal/metrics"
	"github-star-mirror/internal/webhook"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Cancelled on SIGINT/SIGTERM for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		slog.Error("Application error", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "star-mirror",
		Short: "Mirror starred GitHub repositories to OneDev",
		Long: `star-mirror receives GitHub star webhooks and mirrors each newly starred
repository, with all branches and tags, to a OneDev server.`,
		SilenceUsage: true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	root.AddCommand(serve)
	root.AddCommand(migrateCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(inspectCmd())
	root.AddCommand(syncCmd())
	return root
}

func run(ctx context.Context) error {
	// 1. Load configuration and initialize structured logger
	cfg, logger, closeLog, err := bootstrap()
	if err != nil {
		return err
	}
	defer closeLog()
	logger.Info("Configuration loaded successfully")

	// 2. Open the ledger, applying migrations
	store, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("Database connection established", "driver", cfg.DatabaseDriver())

	// 3. Initialize application components
	registry := metrics.NewDefaultRegistry()
	recorder := metrics.NewRecorder(registry, store, logger)
	appSyncer, err := newSyncer(cfg, store, recorder, logger)
	if err != nil {
		return err
	}
	router := api.NewRouter(store, webhook.NewValidator(cfg.GithubWebhookSecret), appSyncer, recorder, logger, api.Options{
		AppName:           cfg.AppName,
		Version:           cfg.AppVersion,
		Environment:       cfg.Environment,
		WebhookRateLimit:  cfg.WebhookRateLimit,
		CORSEnabled:       cfg.CORSEnabled,
		PrometheusEnabled: cfg.PrometheusEnabled,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.AppPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 4. Serve until a shutdown signal arrives
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received. Draining in-flight requests...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}
