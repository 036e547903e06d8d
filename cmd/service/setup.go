// cmd/service/setup.go
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github-star-mirror/internal/config"
	"github-star-mirror/internal/github"
	"github-star-mirror/internal/gitops"
	"github-star-mirror/internal/ledger"
	"github-star-mirror/internal/retry"
	"github-star-mirror/internal/syncer"
	"github-star-mirror/internal/target"
)

// bootstrap loads configuration and builds the process logger. The returned func
// closes the log file, if any.
func bootstrap() (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, closeLog, err := newLogger(cfg, os.Stdout)
	if err != nil {
		return nil, nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, closeLog, nil
}

func newLogger(cfg *config.Config, stdout io.Writer) (*slog.Logger, func(), error) {
	logLevel := new(slog.LevelVar)
	setLogLevel(cfg.LogLevel, logLevel)

	out, closeLog := stdout, func() {}
	if cfg.LogFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFilePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out = io.MultiWriter(stdout, f)
		closeLog = func() { f.Close() }
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	logger := slog.New(handler).With("app", cfg.AppName, "environment", cfg.Environment)
	return logger, closeLog, nil
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}

// openLedger connects to the configured database and applies migrations.
func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ledger.Ledger, error) {
	switch cfg.DatabaseDriver() {
	case config.DriverPostgres:
		if err := ledger.MigratePostgres(cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("failed to run database migrations: %w", err)
		}
		store, err := ledger.NewPostgresStore(ctx, cfg.DatabaseURL, ledger.PoolOptions{
			MaxConns:        cfg.DatabaseMaxConns(),
			MaxConnLifetime: cfg.DatabasePoolRecycle,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return store, nil
	case config.DriverSQLite:
		path := cfg.SQLitePath()
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		store, err := ledger.OpenSQLite(ctx, path, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL scheme in %q", cfg.DatabaseURL)
	}
}

func newGitHubClient(cfg *config.Config, logger *slog.Logger) (*github.Client, error) {
	opts := github.Options{Token: cfg.GithubToken, BaseURL: cfg.GithubAPIURL}
	if cfg.GithubAppID != 0 {
		key, err := cfg.GithubPrivateKeyPEM()
		if err != nil {
			return nil, err
		}
		opts.AppID = cfg.GithubAppID
		opts.PrivateKeyPEM = key
	}
	client, err := github.NewClient(opts, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub client: %w", err)
	}
	return client, nil
}

func newTargetClient(cfg *config.Config, logger *slog.Logger) (*target.Client, error) {
	client, err := target.NewClient(target.Options{
		APIURL:           cfg.OneDevAPIURL,
		Token:            cfg.OneDevAPIToken,
		RepoPrefix:       cfg.OneDevRepoPrefix,
		ConflictStrategy: cfg.OneDevConflictStrategy,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create OneDev client: %w", err)
	}
	return client, nil
}

func retryPolicy(cfg *config.Config, logger *slog.Logger) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.MaxRetries,
		MinDelay:    cfg.RetryMinWait,
		MaxDelay:    cfg.RetryMaxWait,
		Multiplier:  cfg.RetryBackoffFactor,
		Logger:      logger,
	}
}

// newSyncer wires the orchestrator to its collaborators. metrics may be nil.
func newSyncer(cfg *config.Config, store ledger.Ledger, metrics syncer.Metrics, logger *slog.Logger) (*syncer.Syncer, error) {
	inspector, err := newGitHubClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	provisioner, err := newTargetClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	engine := gitops.NewEngine(gitops.Options{
		TempDir:      cfg.GitTempDir,
		CloneDepth:   cfg.GitCloneDepth,
		CloneTimeout: cfg.GitCloneTimeout,
		PushTimeout:  cfg.GitPushTimeout,
	}, logger)

	return syncer.NewSyncer(store, provisioner, engine, logger, syncer.Options{
		MaxRetries: cfg.MaxRetries,
		Retry:      retryPolicy(cfg, logger),
		Inspector:  inspector,
		Metrics:    metrics,
	}), nil
}
