package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ifuryst/linkpost/internal/server"
	"github.com/ifuryst/linkpost/internal/service"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a standalone publish worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, appLogger, err := setup()
		if err != nil {
			return err
		}
		defer appLogger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		components, err := server.OpenComponents(ctx, cfg, appLogger)
		if err != nil {
			return err
		}
		defer components.Close()

		appLogger.Info("Starting Linkpost worker",
			zap.String("version", version),
			zap.Int("concurrency", cfg.Worker.Concurrency))

		// in-flight jobs finish before Run returns
		if err := components.NewWorker(cfg.Worker, appLogger).Run(ctx); err != nil {
			return err
		}
		appLogger.Info("Worker exited")
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and maintain the job queue",
}

var queueCountsCmd = &cobra.Command{
	Use:   "counts",
	Short: "Print the number of jobs per state",
	RunE: withComponents(func(ctx context.Context, c *server.Components) error {
		counts, err := c.Queue.Counts(ctx)
		if err != nil {
			return err
		}
		return printJSON(counts)
	}),
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove every job in every state",
	RunE: withComponents(func(ctx context.Context, c *server.Components) error {
		if err := c.Queue.Purge(ctx); err != nil {
			return err
		}
		fmt.Println("Queue purged")
		return nil
	}),
}

var queueCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove finished jobs past the retention period",
	RunE: withComponents(func(ctx context.Context, c *server.Components) error {
		removed, err := c.Maintenance.CleanQueue(ctx)
		if err != nil {
			return err
		}
		return printJSON(removed)
	}),
}

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Admin API helpers",
}

var otpSecretCmd = &cobra.Command{
	Use:   "otp-secret [account]",
	Short: "Generate a TOTP secret for admin.totp_secret",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		account := "admin"
		if len(args) == 1 {
			account = args[0]
		}
		secret, url, err := service.GenerateSecret(account)
		if err != nil {
			return err
		}
		fmt.Printf("Secret: %s\n", secret)
		fmt.Printf("URL:    %s\n", url)
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueCountsCmd, queuePurgeCmd, queueCleanCmd)
	adminCmd.AddCommand(otpSecretCmd)
}

// withComponents runs fn against freshly opened stores and closes them after.
func withComponents(fn func(ctx context.Context, c *server.Components) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, appLogger, err := setup()
		if err != nil {
			return err
		}
		defer appLogger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		components, err := server.OpenComponents(ctx, cfg, appLogger)
		if err != nil {
			return err
		}
		defer components.Close()

		return fn(ctx, components)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
