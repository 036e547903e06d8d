// cmd/service/commands.go
package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github-star-mirror/internal/ledger"
	"github-star-mirror/internal/model"
	"github-star-mirror/internal/syncer"
)

const commandTimeout = 30 * time.Second

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closeLog, err := bootstrap()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			store, err := openLedger(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Migrations applied (%s)\n", cfg.DatabaseDriver())
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync counts and the most recent failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closeLog, err := bootstrap()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			store, err := openLedger(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			return printStatus(ctx, cmd.OutOrStdout(), store, limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of recent failures to show")
	return cmd
}

func printStatus(ctx context.Context, w io.Writer, store ledger.Ledger, limit int) error {
	counts, err := store.CountByStatus(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "Repositories")
	for _, st := range model.AllStatuses {
		fmt.Fprintf(w, "  %-12s %s\n", st, statusColor(st).Sprint(counts[st]))
	}

	failed, err := store.List(ctx, ledger.ListFilter{Status: model.StatusFailed, Limit: limit})
	if err != nil {
		return err
	}
	if len(failed) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Recent failures")
	for _, r := range failed {
		retries := fmt.Sprintf("%d/%d", r.RetryCount, r.MaxRetries)
		fmt.Fprintf(w, "  #%d %s [%s] %s\n", r.ID, r.SourceFullName, retries, color.New(color.FgRed).Sprint(r.ErrorMessage))
	}
	return nil
}

func statusColor(st model.SyncStatus) *color.Color {
	switch st {
	case model.StatusCompleted:
		return color.New(color.FgGreen)
	case model.StatusFailed:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgYellow)
	}
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect owner/name",
		Short: "Show source metadata and the target mirror for a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := syncer.ParseRepoIdentifiers(args)
			if err != nil {
				return err
			}
			id := ids[0]

			cfg, logger, closeLog, err := bootstrap()
			if err != nil {
				return err
			}
			defer closeLog()

			gh, err := newGitHubClient(cfg, logger)
			if err != nil {
				return err
			}
			onedev, err := newTargetClient(cfg, logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			repo, err := gh.GetRepository(ctx, id.Owner, id.Name)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s\n", repo.FullName)
			fmt.Fprintf(w, "  clone url:      %s\n", repo.CloneURL)
			fmt.Fprintf(w, "  default branch: %s\n", repo.DefaultBranch)
			fmt.Fprintf(w, "  private:        %t\n", repo.Private)
			fmt.Fprintf(w, "  size:           %d KB\n", repo.SizeKB)

			name := onedev.RepositoryName(repo.Owner, repo.Name)
			mirror := color.New(color.FgYellow).Sprint("(not created)")
			if onedev.RepositoryExists(ctx, name) {
				mirror = color.New(color.FgGreen).Sprint("exists")
			}
			fmt.Fprintf(w, "  target:         %s %s\n", name, mirror)
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync owner/name [owner/name...]",
		Short: "Mirror repositories now, without waiting for a star event",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closeLog, err := bootstrap()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx := cmd.Context()
			store, err := openLedger(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			s, err := newSyncer(cfg, store, nil, logger)
			if err != nil {
				return err
			}
			results, err := s.SyncRepositories(ctx, args)
			if err != nil {
				return err
			}
			return printBackfill(cmd.OutOrStdout(), results)
		},
	}
}

func printBackfill(w io.Writer, results []syncer.BackfillResult) error {
	failures := 0
	for _, r := range results {
		switch {
		case r.Err != nil:
			failures++
			fmt.Fprintf(w, "%s %s: %v\n", color.New(color.FgRed).Sprint("FAIL"), r.Repo, r.Err)
		case r.Outcome.Status == syncer.StatusAlreadySynced:
			fmt.Fprintf(w, "%s %s %s\n", color.New(color.FgYellow).Sprint("SKIP"), r.Repo, r.Outcome.TargetURL)
		default:
			fmt.Fprintf(w, "%s %s %s\n", color.New(color.FgGreen).Sprint("OK  "), r.Repo, r.Outcome.TargetURL)
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d repositories failed", failures, len(results))
	}
	return nil
}
