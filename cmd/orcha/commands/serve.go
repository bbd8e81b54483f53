package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/depin-orcha/orcha/internal/bootstrap"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration service",
	Long: `Start the HTTP API, the gRPC health service and the periodic
optimization, alert and cleanup loops. Stops gracefully on SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("http-port", 8080, "HTTP API port")
	serveCmd.Flags().Int("grpc-port", 9090, "gRPC health port")
	serveCmd.Flags().Bool("auto-execute", true, "execute recommended plans without an operator")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bs := bootstrap.New()
	if err := bs.InitializeWithConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	logger := bs.GetLogger()
	logger.Info(ctx, "Orchestrator starting",
		zap.String("version", Version),
		zap.String("config_file", cfgFile))

	if err := bs.Assemble(ctx); err != nil {
		_ = bs.Stop(ctx)
		return fmt.Errorf("failed to assemble components: %w", err)
	}

	if err := bs.Start(ctx); err != nil {
		_ = bs.Stop(ctx)
		return fmt.Errorf("failed to start components: %w", err)
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info(ctx, "Orchestrator is running. Press Ctrl+C to stop.",
		zap.String("http_addr", bs.Server.HTTPAddr().String()),
		zap.String("grpc_addr", bs.Server.GRPCAddr().String()))

	// Wait for shutdown signal
	select {
	case <-sigChan:
		logger.Info(ctx, "Shutdown signal received, stopping gracefully...")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), bs.ShutdownTimeout())
	defer shutdownCancel()

	if err := bs.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}

	fmt.Fprintln(os.Stderr, "Orchestrator stopped successfully")
	return nil
}
