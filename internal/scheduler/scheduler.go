// Package scheduler drives the orchestration cycles on fixed intervals.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	orchaerrors "github.com/depin-orcha/orcha/internal/errors"
	"github.com/depin-orcha/orcha/internal/logging"
	"github.com/depin-orcha/orcha/internal/models"
)

// Config holds scheduler configuration
type Config struct {
	OptimizationInterval time.Duration
	AlertInterval        time.Duration
	CleanupInterval      time.Duration
	RetentionDays        int
	AutoExecute          bool
	ErrorBackoff         time.Duration
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		OptimizationInterval: 300 * time.Second,
		AlertInterval:        60 * time.Second,
		CleanupInterval:      time.Hour,
		RetentionDays:        30,
		AutoExecute:          true,
		ErrorBackoff:         time.Second,
	}
}

// Service is the set of orchestration operations the scheduler invokes
type Service interface {
	Poll(ctx context.Context) (*models.AggregatedMetrics, error)
	CurrentMetrics() *models.AggregatedMetrics
	Opportunities(ctx context.Context, metrics *models.AggregatedMetrics) ([]models.OptimizationOpportunity, error)
	OptimalAllocation(ctx context.Context, metrics *models.AggregatedMetrics) (*models.AllocationPlan, error)
	ShouldReallocate(opportunities []models.OptimizationOpportunity, plan *models.AllocationPlan) bool
	CanReallocate() error
	ExecutePlan(ctx context.Context, plan *models.AllocationPlan) (*models.ExecutionResult, error)
	CheckAlerts(ctx context.Context, metrics *models.AggregatedMetrics, opportunities []models.OptimizationOpportunity) []models.Alert
	Cleanup(ctx context.Context, retention time.Duration)
}

// CycleReport describes one optimization cycle
type CycleReport struct {
	Metrics       *models.AggregatedMetrics        `json:"metrics"`
	Opportunities []models.OptimizationOpportunity `json:"opportunities"`
	Plan          *models.AllocationPlan           `json:"plan,omitempty"`
	Recommended   bool                             `json:"recommended"`
	Executed      bool                             `json:"executed"`
	SkipReason    string                           `json:"skip_reason,omitempty"`
	Result        *models.ExecutionResult          `json:"result,omitempty"`
}

// Scheduler runs the optimization, alert and cleanup loops
type Scheduler struct {
	config  Config
	service Service
	logger  logging.Logger
}

// New creates a scheduler for service
func New(cfg Config, service Service, logger logging.Logger) *Scheduler {
	defaults := DefaultConfig()
	if cfg.OptimizationInterval <= 0 {
		cfg.OptimizationInterval = defaults.OptimizationInterval
	}
	if cfg.AlertInterval <= 0 {
		cfg.AlertInterval = defaults.AlertInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaults.CleanupInterval
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = defaults.RetentionDays
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = defaults.ErrorBackoff
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Scheduler{
		config:  cfg,
		service: service,
		logger:  logger.Named("scheduler"),
	}
}

// Run blocks until ctx is cancelled. Cycle failures are logged and never stop a loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info(ctx, "Starting scheduler",
		zap.Duration("optimization_interval", s.config.OptimizationInterval),
		zap.Duration("alert_interval", s.config.AlertInterval),
		zap.Int("retention_days", s.config.RetentionDays),
		zap.Bool("auto_execute", s.config.AutoExecute))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.loop(gctx, "optimization", s.config.OptimizationInterval, func(ctx context.Context) error {
			_, err := s.RunOptimizationCycle(ctx)
			return err
		})
	})
	g.Go(func() error {
		return s.loop(gctx, "alert", s.config.AlertInterval, func(ctx context.Context) error {
			_, err := s.RunAlertCycle(ctx)
			return err
		})
	})
	g.Go(func() error {
		return s.loop(gctx, "cleanup", s.config.CleanupInterval, func(ctx context.Context) error {
			s.RunCleanup(ctx)
			return nil
		})
	})
	err := g.Wait()

	s.logger.Info(ctx, "Scheduler stopped")
	return err
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, run func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runs := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			runs++
			if err := run(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error(ctx, "Cycle failed",
					zap.String("cycle", name),
					zap.Int("run", runs),
					zap.Error(err))
				s.sleepWithContext(ctx, s.config.ErrorBackoff)
			}
		}
	}
}

func (s *Scheduler) sleepWithContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// RunOptimizationCycle polls, analyses and, when the optimizer recommends it
// and the engine allows it, executes the optimal plan.
func (s *Scheduler) RunOptimizationCycle(ctx context.Context) (*CycleReport, error) {
	metrics, err := s.service.Poll(ctx)
	if err != nil {
		return nil, err
	}
	report := &CycleReport{Metrics: metrics}

	report.Opportunities, err = s.service.Opportunities(ctx, metrics)
	if err != nil {
		return report, err
	}
	report.Plan, err = s.service.OptimalAllocation(ctx, metrics)
	if err != nil {
		return report, err
	}

	report.Recommended = s.service.ShouldReallocate(report.Opportunities, report.Plan)
	switch {
	case !report.Recommended:
		report.SkipReason = "no opportunity above thresholds"
	case !s.config.AutoExecute:
		report.SkipReason = "automatic execution disabled"
		s.logger.Info(ctx, "Reallocation recommended",
			zap.String("plan_id", report.Plan.ID),
			zap.Float64("net_benefit", report.Plan.NetBenefit))
	default:
		if err := s.service.CanReallocate(); err != nil {
			if errors.Is(err, orchaerrors.ErrHoldDuration) || errors.Is(err, orchaerrors.ErrRateLimited) {
				report.SkipReason = err.Error()
				s.logger.Debug(ctx, "Reallocation deferred", zap.Error(err))
				return report, nil
			}
			return report, err
		}

		report.Result, err = s.service.ExecutePlan(ctx, report.Plan)
		if err != nil {
			return report, err
		}
		report.Executed = true
	}

	s.logger.Debug(ctx, "Optimization cycle complete",
		zap.Int("opportunities", len(report.Opportunities)),
		zap.Bool("recommended", report.Recommended),
		zap.Bool("executed", report.Executed))

	return report, nil
}

// RunAlertCycle checks alerts against the latest metrics. No metrics yet is not an error.
func (s *Scheduler) RunAlertCycle(ctx context.Context) ([]models.Alert, error) {
	metrics := s.service.CurrentMetrics()
	if metrics == nil {
		return nil, nil
	}

	opportunities, err := s.service.Opportunities(ctx, metrics)
	if err != nil {
		return nil, err
	}
	return s.service.CheckAlerts(ctx, metrics, opportunities), nil
}

// RunCleanup drops data older than the retention period
func (s *Scheduler) RunCleanup(ctx context.Context) {
	s.service.Cleanup(ctx, time.Duration(s.config.RetentionDays)*24*time.Hour)
}
