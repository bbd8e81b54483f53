// Package bootstrap wires configuration, logging, telemetry and the
// orchestration components into a runnable service.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/depin-orcha/orcha/internal/api"
	"github.com/depin-orcha/orcha/internal/config"
	"github.com/depin-orcha/orcha/internal/coordinator"
	"github.com/depin-orcha/orcha/internal/eventbus"
	"github.com/depin-orcha/orcha/internal/logging"
	"github.com/depin-orcha/orcha/internal/monitor"
	"github.com/depin-orcha/orcha/internal/optimizer"
	"github.com/depin-orcha/orcha/internal/orchestrator"
	"github.com/depin-orcha/orcha/internal/policy"
	"github.com/depin-orcha/orcha/internal/provider"
	"github.com/depin-orcha/orcha/internal/reallocation"
	"github.com/depin-orcha/orcha/internal/scheduler"
	"github.com/depin-orcha/orcha/internal/server"
	"github.com/depin-orcha/orcha/internal/storage"
	"github.com/depin-orcha/orcha/internal/telemetry"
)

// Bootstrap initializes the core system components
type Bootstrap struct {
	Config    *config.Config
	Logger    logging.Logger
	Telemetry *telemetry.Telemetry

	Policy       *policy.OPAEngine
	EventBus     eventbus.EventBus
	Sink         storage.Sink
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler
	Gateway      *api.HTTPGateway
	Server       *server.Server

	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
}

// New creates a new bootstrap instance
func New() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads configuration and sets up logging and telemetry. flags
// may be nil; bound flags override file and environment values.
func (b *Bootstrap) Initialize(ctx context.Context, configFile string, flags *pflag.FlagSet) error {
	cfg, err := config.LoadWithFlags(configFile, flags)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	return b.InitializeWithConfig(ctx, cfg)
}

// InitializeWithConfig sets up logging and telemetry for an already loaded configuration
func (b *Bootstrap) InitializeWithConfig(ctx context.Context, cfg *config.Config) error {
	b.Config = cfg

	logger, err := b.initLogging(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	b.Logger = logger

	logger.Info(ctx, "Configuration loaded successfully",
		zap.String("log_level", cfg.Logging.Level),
		zap.String("log_format", cfg.Logging.Format),
		zap.Int("providers", len(cfg.EnabledProviders())))

	tel, err := b.initTelemetry(cfg.Telemetry)
	if err != nil {
		logger.Error(ctx, "Failed to initialize telemetry", zap.Error(err))
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	b.Telemetry = tel

	if cfg.Telemetry.Enabled {
		logger.Info(ctx, "Telemetry initialized successfully",
			zap.String("service_name", cfg.Telemetry.ServiceName),
			zap.String("service_version", cfg.Telemetry.ServiceVersion),
			zap.Int("prometheus_port", cfg.Telemetry.PrometheusPort),
			zap.Float64("sample_rate", cfg.Telemetry.SampleRate))
	} else {
		logger.Info(ctx, "Telemetry is disabled")
	}

	return nil
}

// Assemble builds the orchestration components and registers the configured
// providers. Providers that fail to connect stay registered and are reported
// disconnected by the coordinator.
func (b *Bootstrap) Assemble(ctx context.Context) error {
	if b.Config == nil || b.Logger == nil {
		return fmt.Errorf("bootstrap not initialized")
	}
	cfg := b.Config

	var guard reallocation.Guard
	if cfg.Policy.Enabled {
		engine, err := b.initPolicy(ctx, cfg.Policy)
		if err != nil {
			return fmt.Errorf("failed to initialize policy engine: %w", err)
		}
		b.Policy = engine
		guard = engine
	}

	sink, err := storage.NewFromConfig(ctx, cfg.Storage, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	b.Sink = sink

	opts := []orchestrator.Option{
		orchestrator.WithSink(sink),
		orchestrator.WithTelemetry(b.Telemetry),
	}
	if cfg.EventBus.Enabled {
		bus, err := eventbus.NewEventBusFromConfig(eventbus.FromAppConfig(cfg.EventBus), b.Logger)
		if err != nil {
			_ = sink.Close()
			return fmt.Errorf("failed to initialize event bus: %w", err)
		}
		b.EventBus = bus
		opts = append(opts, orchestrator.WithEvents(eventbus.NewDomainPublisher(bus, cfg.Telemetry.ServiceName)))
	}

	engineOpts := []reallocation.Option{reallocation.WithTelemetry(b.Telemetry)}
	if guard != nil {
		engineOpts = append(engineOpts, reallocation.WithGuard(guard))
	}

	b.Orchestrator = orchestrator.New(
		coordinator.New(coordinatorConfig(cfg.Coordinator), b.Logger, coordinator.WithTelemetry(b.Telemetry)),
		optimizer.New(optimizerConfig(cfg.Optimizer), b.Logger, optimizer.WithTelemetry(b.Telemetry)),
		reallocation.New(reallocationConfig(cfg.Reallocation), b.Logger, engineOpts...),
		monitor.New(monitorConfig(cfg.Monitor), b.Logger, monitor.WithTelemetry(b.Telemetry)),
		b.Logger,
		opts...,
	)

	if err := b.registerProviders(ctx); err != nil {
		return err
	}

	b.Scheduler = scheduler.New(schedulerConfig(cfg.Scheduler), b.Orchestrator, b.Logger)

	gatewayOpts := []api.Option{}
	if b.Policy != nil {
		gatewayOpts = append(gatewayOpts, api.WithPolicies(b.Policy))
	}
	b.Gateway = api.NewHTTPGateway(b.Orchestrator, cfg.API, b.Logger, gatewayOpts...)
	b.Server = server.New(cfg.Server, b.Gateway.Handler(), b.Orchestrator.Ready, b.Logger)

	return nil
}

func (b *Bootstrap) registerProviders(ctx context.Context) error {
	enabled := b.Config.EnabledProviders()

	var sampler provider.ResourceSampler
	for _, pc := range enabled {
		if pc.HostMetrics {
			sampler = provider.NewHostSampler(string(os.PathSeparator))
			break
		}
	}

	retry := provider.DefaultRetryConfig()
	if b.Config.Coordinator.ConnectAttempts > 0 {
		retry.MaxAttempts = b.Config.Coordinator.ConnectAttempts
	}
	if b.Config.Coordinator.ConnectBackoff > 0 {
		retry.InitialDelay = b.Config.Coordinator.ConnectBackoff
	}

	providers := make([]*provider.Simulated, 0, len(enabled))
	for _, pc := range enabled {
		p, err := provider.FromConfig(pc, sampler, b.Logger)
		if err != nil {
			return fmt.Errorf("failed to build provider %s: %w", pc.ID, err)
		}
		providers = append(providers, p)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range providers {
		g.Go(func() error {
			if err := provider.ConnectWithRetry(gctx, p, retry, b.Logger); err != nil {
				b.Logger.Warn(gctx, "Provider failed to connect",
					zap.String("provider", p.Name()),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, p := range providers {
		b.Orchestrator.RegisterProvider(p)
	}

	b.Logger.Info(ctx, "Providers registered", zap.Strings("providers", b.Orchestrator.Providers()))
	return nil
}

// Start starts telemetry, the listeners and, when enabled, the scheduler loops
func (b *Bootstrap) Start(ctx context.Context) error {
	if b.Logger == nil {
		return fmt.Errorf("bootstrap not initialized")
	}

	b.Logger.Info(ctx, "Starting orchestration components")

	if b.Telemetry != nil {
		if err := b.Telemetry.Start(ctx); err != nil {
			b.Logger.Error(ctx, "Failed to start telemetry", zap.Error(err))
			return fmt.Errorf("failed to start telemetry: %w", err)
		}
		b.Logger.Info(ctx, "Telemetry started successfully")
	}

	if b.Server != nil {
		if err := b.Server.Start(ctx); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	}

	if b.Scheduler != nil && b.Config.Scheduler.Enabled {
		runCtx, cancel := context.WithCancel(context.Background())
		b.cancel = cancel
		b.group, runCtx = errgroup.WithContext(runCtx)
		b.group.Go(func() error {
			return b.Scheduler.Run(runCtx)
		})
		b.Logger.Info(ctx, "Scheduler started",
			zap.Duration("optimization_interval", b.Config.Scheduler.OptimizationInterval),
			zap.Bool("auto_execute", b.Config.Scheduler.AutoExecute))
	}

	b.Logger.Info(ctx, "All components started successfully")
	return nil
}

// Stop stops all components gracefully. It is safe to call more than once
// and before Start.
func (b *Bootstrap) Stop(ctx context.Context) error {
	if b.Logger == nil {
		return nil
	}

	var errs []error
	b.stopOnce.Do(func() {
		b.Logger.Info(ctx, "Stopping orchestration components")

		if b.cancel != nil {
			b.cancel()
			if err := b.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, fmt.Errorf("scheduler: %w", err))
			}
		}

		if b.Server != nil {
			if err := b.Server.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("server: %w", err))
			}
		}

		if b.EventBus != nil {
			if err := b.EventBus.Close(); err != nil {
				errs = append(errs, fmt.Errorf("event bus: %w", err))
			}
		}

		if b.Orchestrator != nil {
			if err := b.Orchestrator.Close(); err != nil {
				errs = append(errs, fmt.Errorf("storage: %w", err))
			}
		} else if b.Sink != nil {
			if err := b.Sink.Close(); err != nil {
				errs = append(errs, fmt.Errorf("storage: %w", err))
			}
		}

		if b.Telemetry != nil {
			if err := b.Telemetry.Stop(ctx); err != nil {
				b.Logger.Error(ctx, "Failed to stop telemetry", zap.Error(err))
				errs = append(errs, fmt.Errorf("failed to stop telemetry: %w", err))
			}
		}

		b.Logger.Info(ctx, "All components stopped")

		// stdout and stderr sinks return EINVAL on some platforms
		_ = b.Logger.Sync()
	})

	return errors.Join(errs...)
}

func (b *Bootstrap) initPolicy(ctx context.Context, cfg config.PolicyConfig) (*policy.OPAEngine, error) {
	engine := policy.NewOPAEngine(b.Logger)
	engine.SetLimits(policy.Limits{
		MinProviderAllocation: cfg.MinProviderAllocation,
		MaxProviderAllocation: cfg.MaxProviderAllocation,
		MinConfidence:         cfg.MinConfidence,
	})

	if err := engine.LoadDefaults(ctx); err != nil {
		return nil, err
	}
	if cfg.RulesFile != "" {
		if err := engine.LoadFiles(ctx, []string{cfg.RulesFile}); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

// initLogging initializes the logging system
func (b *Bootstrap) initLogging(cfg config.LoggingConfig) (logging.Logger, error) {
	loggingConfig := logging.LoggingConfig{
		Level:      cfg.Level,
		Format:     cfg.Format,
		OutputPath: cfg.OutputPath,
		ErrorPath:  cfg.ErrorPath,
		Sampling:   cfg.Sampling,
	}

	logger, err := logging.NewLogger(loggingConfig)
	if err != nil {
		return nil, err
	}

	logging.SetGlobalLogger(logger)
	return logger, nil
}

// initTelemetry initializes the telemetry system
func (b *Bootstrap) initTelemetry(cfg config.TelemetryConfig) (*telemetry.Telemetry, error) {
	tel, err := telemetry.NewTelemetry(telemetry.TelemetryConfig{
		Enabled:        cfg.Enabled,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		PrometheusPort: cfg.PrometheusPort,
		JaegerEndpoint: cfg.JaegerEndpoint,
		SampleRate:     cfg.SampleRate,
	})
	if err != nil {
		return nil, err
	}

	telemetry.SetGlobalTelemetry(tel)
	return tel, nil
}

func coordinatorConfig(c config.CoordinatorConfig) coordinator.Config {
	cfg := coordinator.DefaultConfig()
	if c.MaxHistory > 0 {
		cfg.MaxHistory = c.MaxHistory
	}
	if c.ProviderTimeout > 0 {
		cfg.ProviderTimeout = c.ProviderTimeout
	}
	return cfg
}

func optimizerConfig(c config.OptimizerConfig) optimizer.Config {
	cfg := optimizer.DefaultConfig()
	cfg.MinImprovementThreshold = c.MinImprovementThreshold
	cfg.MinImprovementPercent = c.MinImprovementPercent
	cfg.MaxAllocationChange = c.MaxAllocationChange
	if c.AnalysisWindowHours > 0 {
		cfg.AnalysisWindowHours = c.AnalysisWindowHours
	}
	cfg.ConfidenceFloor = c.ConfidenceFloor
	if c.DefaultConfidence > 0 {
		cfg.DefaultConfidence = c.DefaultConfidence
	}
	if c.MaxHistory > 0 {
		cfg.MaxHistory = c.MaxHistory
	}
	return cfg
}

func reallocationConfig(c config.ReallocationConfig) reallocation.Config {
	return reallocation.Config{
		MinHoldDuration:     c.MinHoldDuration,
		MaxPerHour:          c.MaxPerHour,
		AutoRollback:        c.AutoRollback,
		RequireConfirmation: c.RequireConfirmation,
		MaxHistory:          c.MaxHistory,
	}
}

func monitorConfig(c config.MonitorConfig) monitor.Config {
	cfg := monitor.DefaultConfig()
	cfg.LowEarningsThreshold = c.LowEarningsThreshold
	cfg.OptimizationThreshold = c.OptimizationThreshold
	if c.ConnectionTimeout > 0 {
		cfg.ConnectionTimeout = c.ConnectionTimeout
	}
	cfg.MaxAlerts = c.MaxAlerts
	cfg.MaxSnapshots = c.MaxSnapshots
	return cfg
}

func schedulerConfig(c config.SchedulerConfig) scheduler.Config {
	cfg := scheduler.DefaultConfig()
	if c.OptimizationInterval > 0 {
		cfg.OptimizationInterval = c.OptimizationInterval
	}
	if c.AlertInterval > 0 {
		cfg.AlertInterval = c.AlertInterval
	}
	if c.CleanupInterval > 0 {
		cfg.CleanupInterval = c.CleanupInterval
	}
	if c.RetentionDays > 0 {
		cfg.RetentionDays = c.RetentionDays
	}
	cfg.AutoExecute = c.AutoExecute
	return cfg
}

// GetConfig returns the loaded configuration
func (b *Bootstrap) GetConfig() *config.Config {
	return b.Config
}

// GetLogger returns the initialized logger
func (b *Bootstrap) GetLogger() logging.Logger {
	return b.Logger
}

// GetTelemetry returns the initialized telemetry
func (b *Bootstrap) GetTelemetry() *telemetry.Telemetry {
	return b.Telemetry
}

// ShutdownTimeout returns the configured graceful shutdown budget
func (b *Bootstrap) ShutdownTimeout() time.Duration {
	if b.Config == nil || b.Config.Server.ShutdownTimeout <= 0 {
		return 30 * time.Second
	}
	return b.Config.Server.ShutdownTimeout
}
