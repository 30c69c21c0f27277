// File: cmd/root.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MangaiYashobeam/FMD/internal/config"
	"github.com/MangaiYashobeam/FMD/internal/observability"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "fmd",
	Short: "FMD runs headless-browser marketplace workers against a shared Redis task queue.",
	Long: `FMD is the worker-fleet daemon: it pulls signed tasks from a Redis
priority queue, verifies and decrypts them, and executes them on pooled
per-account headless browser sessions.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. It accepts a context passed from main.go for graceful
// shutdown.
func Execute(ctx context.Context) error {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		// Cancellation during shutdown is the expected exit path, not a
		// failure worth reporting twice.
		if ctx.Err() == nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(newWorkerCmd())
	rootCmd.AddCommand(newEnqueueCmd())
	rootCmd.AddCommand(newStatsCmd())
}

// loadConfig reads the config file and FMD_-prefixed environment variables
// into a validated Config. Each subcommand calls this from its RunE; nothing
// is stored globally.
func loadConfig() (*config.Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("FMD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind the secrets and connection strings so they are picked
	// up from the environment even when the config file omits their keys.
	_ = v.BindEnv("redis.url", "FMD_REDIS_URL")
	_ = v.BindEnv("postgres.url", "FMD_POSTGRES_URL")
	_ = v.BindEnv("security.worker_secret", "FMD_WORKER_SECRET", "FMD_SECURITY_WORKER_SECRET")
	_ = v.BindEnv("security.encryption_key", "FMD_ENCRYPTION_KEY", "FMD_SECURITY_ENCRYPTION_KEY")

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and environment variables
		// still describe a runnable worker.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return config.Load(v)
}

// newLogger builds the process logger from config, falling back to a basic
// development logger when construction fails.
func newLogger(cfg *config.Config) *zap.Logger {
	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		basic, _ := zap.NewDevelopment()
		basic.Warn("Failed to build configured logger, using development fallback", zap.Error(err))
		return basic
	}
	return logger
}
