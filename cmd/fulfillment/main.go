package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gozon/fulfillment/internal/app"
	"gozon/fulfillment/internal/config"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "fulfillment",
		Short:         "Storefront order fulfillment and payment reconciliation",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(repairCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, app.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat), nil
}

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, event relay and background reconciliation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("init app: %w", err)
			}
			defer a.Close(ctx)

			if migrate {
				if err := a.Migrate(ctx); err != nil {
					return err
				}
			}
			return a.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Migrate(ctx)
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Settle payments left pending past the abandon window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Sweep(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "settled %d payments\n", n)
				return err
			})
		},
	}
}

func repairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Project successful payments onto orders that do not show them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Repair(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "repaired %d orders\n", n)
				return err
			})
		},
	}
}

func withCore(parent context.Context, fn func(context.Context, *app.App) error) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer a.Close(ctx)
	return fn(ctx, a)
}
