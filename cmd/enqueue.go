// File: cmd/enqueue.go
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MangaiYashobeam/FMD/api/schemas"
	"github.com/MangaiYashobeam/FMD/internal/config"
	"github.com/MangaiYashobeam/FMD/internal/queue"
	"github.com/MangaiYashobeam/FMD/internal/taskcodec"
)

func newEnqueueCmd() *cobra.Command {
	var (
		taskFile string
		priority int
	)

	enqueueCmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Sign a task and push it onto the queue",
		Long: `Reads a task definition from a JSON file, validates its payload, signs
and optionally encrypts it with the configured worker secret, and pushes it
onto the pending queue. Useful for smoke tests and manual operations; the
production producer is the control plane.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskFile == "" {
				return fmt.Errorf("a task file must be provided with --file")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			defer logger.Sync() //nolint:errcheck

			task, err := loadTaskFile(taskFile, priority)
			if err != nil {
				return err
			}

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

			st, err := buildEnvelope(cfg, task, logger)
			if err != nil {
				return err
			}

			q := queue.New(rdb, cfg.Worker.QueueName, cfg.Worker.MaxTaskRetries, logger)
			if err := q.Enqueue(ctx, st); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s (%s) on queue %q\n", st.TaskID, st.Type, cfg.Worker.QueueName)
			return nil
		},
	}

	enqueueCmd.Flags().StringVarP(&taskFile, "file", "f", "", "path to the task definition JSON file")
	enqueueCmd.Flags().IntVarP(&priority, "priority", "p", 0, "override the task priority (1-10)")
	return enqueueCmd
}

// loadTaskFile reads and validates a task definition, filling in the fields
// the file may omit.
func loadTaskFile(path string, priority int) (*schemas.Task, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}

	var task schemas.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}

	if task.ID == "" {
		task.ID = taskcodec.GenerateTaskID("task")
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if priority != 0 {
		task.Priority = priority
	}
	if task.Priority == 0 {
		task.Priority = schemas.DefaultPriority
	}

	if err := task.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}
	if _, err := schemas.DecodePayload(task.Type, task.Data); err != nil {
		return nil, fmt.Errorf("invalid task payload: %w", err)
	}
	return &task, nil
}

// buildEnvelope signs the task when a worker secret is configured; otherwise
// it produces a bare envelope for fleets running with signatures disabled.
func buildEnvelope(cfg *config.Config, task *schemas.Task, logger *zap.Logger) (*schemas.SignedTask, error) {
	if cfg.Security.WorkerSecret == "" {
		logger.Warn("No worker secret configured, enqueueing unsigned task",
			zap.String("task_id", task.ID))
		return &schemas.SignedTask{
			TaskID:    task.ID,
			Type:      task.Type,
			AccountID: task.AccountID,
			Data:      task.Data,
			Priority:  task.Priority,
			CreatedAt: task.CreatedAt,
		}, nil
	}

	codec, err := taskcodec.New(cfg.Security.WorkerSecret, cfg.EncryptionSecret(), cfg.Security.SignatureMaxAge, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize task codec: %w", err)
	}
	st, err := codec.Sign(task, cfg.Security.EncryptPayloads)
	if err != nil {
		return nil, fmt.Errorf("failed to sign task: %w", err)
	}
	return st, nil
}
