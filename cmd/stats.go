// File: cmd/stats.go
package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/MangaiYashobeam/FMD/internal/queue"
	"github.com/MangaiYashobeam/FMD/internal/registry"
)

func newStatsCmd() *cobra.Command {
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print queue depths and active fleet members as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			defer logger.Sync() //nolint:errcheck

			ctx := cmd.Context()
			redisOpts, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				return fmt.Errorf("invalid redis url: %w", err)
			}
			rdb := redis.NewClient(redisOpts)
			defer rdb.Close() //nolint:errcheck
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("failed to ping redis: %w", err)
			}

			q := queue.New(rdb, cfg.Worker.QueueName, cfg.Worker.MaxTaskRetries, logger)
			queueStats, err := q.Stats(ctx)
			if err != nil {
				return fmt.Errorf("failed to read queue stats: %w", err)
			}

			workers, err := registry.New(rdb, logger).ActiveWorkers(ctx)
			if err != nil {
				return fmt.Errorf("failed to list active workers: %w", err)
			}

			out := struct {
				Queue   string                `json:"queue"`
				Stats   *queue.Stats          `json:"stats"`
				Workers []registry.WorkerInfo `json:"workers"`
			}{
				Queue:   cfg.Worker.QueueName,
				Stats:   queueStats,
				Workers: workers,
			}

			encoded, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to serialize stats: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			return nil
		},
	}
	return statsCmd
}
