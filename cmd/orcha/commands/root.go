// Package commands implements the orcha command line.
package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/depin-orcha/orcha/internal/bootstrap"
	"github.com/depin-orcha/orcha/internal/config"
)

const Version = "1.0.0"

var cfgFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "orcha",
	Short: "Earnings orchestration for DePIN providers",
	Long: `orcha polls registered DePIN providers for earnings and resource usage,
looks for allocation moves that raise hourly earnings and executes them
within configured safety limits.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (json, console)")
	rootCmd.PersistentFlags().String("storage", "memory", "storage backend (memory, ydb)")
	rootCmd.PersistentFlags().String("nats-url", "nats://localhost:4222", "NATS server URL for the event bus")
}

// loadConfig resolves the effective configuration for cmd
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.LoadWithFlags(cfgFile, cmd.Flags())
}

// assembleOneShot builds the components for a command that runs once and
// writes its result to stdout. Logs go to stderr and nothing listens.
func assembleOneShot(ctx context.Context, cmd *cobra.Command) (*bootstrap.Bootstrap, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	cfg.Logging.OutputPath = "stderr"
	cfg.Telemetry.Enabled = false
	cfg.Scheduler.Enabled = false

	bs := bootstrap.New()
	if err := bs.InitializeWithConfig(ctx, cfg); err != nil {
		return nil, err
	}
	if err := bs.Assemble(ctx); err != nil {
		_ = bs.Stop(ctx)
		return nil, err
	}
	return bs, nil
}
