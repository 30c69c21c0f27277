// File: cmd/worker.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// nonceGCInterval bounds replay-cache growth between sweeps.
const nonceGCInterval = time.Minute

func newWorkerCmd() *cobra.Command {
	var workerID string

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the worker daemon",
		Long: `Starts the dispatcher main loop: register with the fleet, poll the
queue, verify tasks, and execute them on pooled browser instances until
interrupted. SIGINT/SIGTERM triggers a graceful drain of in-flight tasks.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			defer logger.Sync() //nolint:errcheck

			if workerID == "" {
				workerID = cfg.Worker.ID
			}
			if workerID == "" {
				hostname, _ := os.Hostname()
				workerID = fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
			}

			ctx := cmd.Context()
			components, err := buildComponents(ctx, cfg, workerID, logger)
			if err != nil {
				return err
			}

			// Background maintenance: the pool reaper and the replay-nonce
			// sweeper stop when the run context is cancelled.
			go components.Pool.Run(ctx)
			if components.Codec != nil {
				go components.Codec.RunNonceGC(ctx, nonceGCInterval)
			}

			logger.Info("Worker starting",
				zap.String("worker_id", workerID),
				zap.String("queue", cfg.Worker.QueueName),
				zap.Int("max_browsers", cfg.Worker.MaxConcurrentBrowsers))

			runErr := components.Dispatcher.Run(ctx)

			// The dispatcher already drained tasks and persisted sessions;
			// give the remaining teardown its own deadline.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			components.Shutdown(shutdownCtx)

			return runErr
		},
	}

	workerCmd.Flags().StringVar(&workerID, "worker-id", "", "unique worker identifier (default worker.id from config, or hostname-derived)")
	return workerCmd
}
