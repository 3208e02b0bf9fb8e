package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/app"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/config"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/db"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "leakctl",
		Short:         "Operate the invoice leak detection pipeline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log pipeline progress to stderr")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(resubmitCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(detectCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(purgeCacheCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := db.RunMigrations(cfg.DBDriver, cfg.DatabasePath); err != nil {
				return err
			}
			fmt.Println("Migrations applied:", cfg.DatabasePath)
			return nil
		},
	}
}

// withApp builds the application for one command. In-process jobs queued
// by the command are drained before it returns.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	verbose, _ := cmd.Flags().GetBool("verbose")
	level := "warn"
	if verbose {
		level = "debug"
	}
	logger := utils.NewLoggerWithWriter(level, os.Stderr)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := fn(ctx, a); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	return a.Drain(ctx)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest [document-version-id]",
		Short: "Queue ingestion of an uploaded document version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if _, err := a.Documents.GetDocument(ctx, args[0]); err != nil {
					return err
				}
				return a.Documents.Ingest(ctx, args[0])
			})
		},
	}
	return cmd
}

func resubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resubmit [document-version-id]",
		Short: "Return a failed document version to UPLOADED and process it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				doc, err := a.Documents.Resubmit(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(doc)
			})
		},
	}
	return cmd
}

func approveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve [action-request-id]",
		Short: "Approve a drafted action request and dispatch its email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				run, err := a.Actions.Approve(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(run)
			})
		},
	}
	return cmd
}

func detectCmd() *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "detect [shop-id]",
		Short: "Run the leak detectors over a shop's recent charges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				summary, err := a.Detector.Run(ctx, orgID, args[0])
				if err != nil {
					return err
				}
				return printJSON(summary)
			})
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "organization id of the shop")
	cmd.MarkFlagRequired("org")
	return cmd
}

func workCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run job workers without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.RunWorkers(ctx)
			})
		},
	}
	return cmd
}

func purgeCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge-cache",
		Short: "Delete expired LLM cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Repos.LLMCache.PurgeExpired(ctx, time.Now().UTC())
				if err != nil {
					return err
				}
				fmt.Printf("Purged %d expired entries\n", n)
				return nil
			})
		},
	}
	return cmd
}
