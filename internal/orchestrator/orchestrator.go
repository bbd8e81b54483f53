// Package orchestrator composes the coordinator, optimizer, reallocation
// engine and monitor into the service used by the scheduler, the API and the CLI.
package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/depin-orcha/orcha/internal/coordinator"
	orchaerrors "github.com/depin-orcha/orcha/internal/errors"
	"github.com/depin-orcha/orcha/internal/logging"
	"github.com/depin-orcha/orcha/internal/models"
	"github.com/depin-orcha/orcha/internal/monitor"
	"github.com/depin-orcha/orcha/internal/optimizer"
	"github.com/depin-orcha/orcha/internal/provider"
	"github.com/depin-orcha/orcha/internal/reallocation"
	"github.com/depin-orcha/orcha/internal/storage"
	"github.com/depin-orcha/orcha/internal/telemetry"
)

// Events publishes orchestration records to subscribers
type Events interface {
	PublishMetrics(ctx context.Context, metrics *models.AggregatedMetrics) error
	PublishChanges(ctx context.Context, changes []models.AllocationChange) error
	PublishExecution(ctx context.Context, result *models.ExecutionResult, execErr error) error
	PublishAlerts(ctx context.Context, alerts []models.Alert) error
}

// Orchestrator is the service facade over the four orchestration modules.
// Persistence and event publishing are best effort: their failures are
// logged and counted, never returned.
type Orchestrator struct {
	coordinator *coordinator.Coordinator
	optimizer   *optimizer.Optimizer
	engine      *reallocation.Engine
	monitor     *monitor.Monitor

	sink      storage.Sink
	events    Events
	telemetry *telemetry.Telemetry
	logger    logging.Logger
	now       func() time.Time
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithSink persists snapshots, changes and alerts
func WithSink(s storage.Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithEvents publishes snapshots, changes, executions and alerts
func WithEvents(e Events) Option {
	return func(o *Orchestrator) { o.events = e }
}

// WithTelemetry records spans and sink failure counters
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *Orchestrator) { o.telemetry = t }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator over the given modules
func New(c *coordinator.Coordinator, opt *optimizer.Optimizer, engine *reallocation.Engine, mon *monitor.Monitor, logger logging.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	o := &Orchestrator{
		coordinator: c,
		optimizer:   opt,
		engine:      engine,
		monitor:     mon,
		logger:      logger.Named("orchestrator"),
		now:         time.Now,
	}
	for _, apply := range opts {
		apply(o)
	}
	return o
}

// RegisterProvider adds p to the coordinator registry
func (o *Orchestrator) RegisterProvider(p provider.Provider) {
	o.coordinator.RegisterProvider(p)
}

// Providers returns the sorted ids of registered providers
func (o *Orchestrator) Providers() []string {
	return o.coordinator.RegisteredProviders()
}

// Ready reports whether at least one provider is registered
func (o *Orchestrator) Ready() bool {
	return len(o.coordinator.RegisteredProviders()) > 0
}

// Poll collects one snapshot and feeds it to the optimizer history, the
// monitor archive, the sink and the event publisher.
func (o *Orchestrator) Poll(ctx context.Context) (*models.AggregatedMetrics, error) {
	ctx, span := o.telemetry.StartSpan(ctx, "orchestrator.poll")
	defer span.End()

	metrics, err := o.coordinator.PollAll(ctx)
	if err != nil {
		return nil, err
	}

	o.optimizer.RecordEarnings(metrics)
	o.monitor.UpdateSnapshot(metrics)

	if o.sink != nil {
		o.sinkFailed(ctx, "storage", "save_metrics", o.sink.SaveMetrics(ctx, metrics))
	}
	if o.events != nil {
		o.sinkFailed(ctx, "events", "publish_metrics", o.events.PublishMetrics(ctx, metrics))
	}

	return metrics, nil
}

func (o *Orchestrator) sinkFailed(ctx context.Context, sink, op string, err error) {
	if err == nil {
		return
	}
	_ = o.telemetry.IncrementCounter(ctx, telemetry.MetricSinkFailures,
		attribute.String("sink", sink),
		attribute.String("op", op))
	o.logger.Warn(ctx, "Sink write failed",
		zap.String("sink", sink),
		zap.String("op", op),
		zap.Error(err))
}

// CurrentMetrics returns the latest snapshot, or nil before the first poll
func (o *Orchestrator) CurrentMetrics() *models.AggregatedMetrics {
	return o.coordinator.CurrentMetrics()
}

// MetricsHistory returns the in-memory snapshot history, oldest first
func (o *Orchestrator) MetricsHistory() []models.AggregatedMetrics {
	return o.coordinator.MetricsHistory()
}

// MetricsInRange returns snapshots within [start, end]. When the in-memory
// history does not reach back to start, the sink is consulted.
func (o *Orchestrator) MetricsInRange(ctx context.Context, start, end time.Time) ([]models.AggregatedMetrics, error) {
	local := o.coordinator.MetricsInRange(start, end)
	if o.sink == nil {
		return local, nil
	}

	history := o.coordinator.MetricsHistory()
	if len(history) > 0 && !history[0].Timestamp.After(start) {
		return local, nil
	}

	stored, err := o.sink.MetricsInRange(ctx, start, end)
	if err != nil {
		o.sinkFailed(ctx, "storage", "metrics_in_range", err)
		return local, nil
	}
	if len(stored) > len(local) {
		return stored, nil
	}
	return local, nil
}

// ProviderStatus queries one provider directly
func (o *Orchestrator) ProviderStatus(ctx context.Context, id string) (*models.ProviderStatus, error) {
	return o.coordinator.ProviderStatus(ctx, id)
}

// Opportunities analyses metrics for pairwise moves
func (o *Orchestrator) Opportunities(ctx context.Context, metrics *models.AggregatedMetrics) ([]models.OptimizationOpportunity, error) {
	return o.optimizer.AnalyzeOpportunities(ctx, metrics)
}

// OptimalAllocation builds the plan for metrics
func (o *Orchestrator) OptimalAllocation(ctx context.Context, metrics *models.AggregatedMetrics) (*models.AllocationPlan, error) {
	return o.optimizer.OptimalAllocation(ctx, metrics)
}

// ShouldReallocate applies the optimizer's recommendation rule
func (o *Orchestrator) ShouldReallocate(opportunities []models.OptimizationOpportunity, plan *models.AllocationPlan) bool {
	return o.optimizer.ShouldReallocate(opportunities, plan)
}

// CanReallocate checks the hold window and hourly limit
func (o *Orchestrator) CanReallocate() error {
	return o.engine.CanReallocate()
}

// ConfirmPlan marks plan as confirmed for engines that require confirmation
func (o *Orchestrator) ConfirmPlan(plan *models.AllocationPlan) {
	o.engine.ConfirmPlan(plan)
}

// ExecutePlan applies plan across the registered providers
func (o *Orchestrator) ExecutePlan(ctx context.Context, plan *models.AllocationPlan) (*models.ExecutionResult, error) {
	ctx, span := o.telemetry.StartSpan(ctx, "orchestrator.execute_plan")
	defer span.End()

	result, err := o.engine.ExecuteReallocation(ctx, plan, o.coordinator.Providers())

	if o.sink != nil && result != nil && len(result.Changes) > 0 {
		o.sinkFailed(ctx, "storage", "save_changes", o.sink.SaveChanges(ctx, result.Changes))
	}
	if o.events != nil && (result != nil || err != nil) {
		if result != nil && len(result.Changes) > 0 {
			o.sinkFailed(ctx, "events", "publish_changes", o.events.PublishChanges(ctx, result.Changes))
		}
		o.sinkFailed(ctx, "events", "publish_execution", o.events.PublishExecution(ctx, result, err))
	}

	return result, err
}

// ExecuteReallocation computes the optimal plan from the current metrics and executes it
func (o *Orchestrator) ExecuteReallocation(ctx context.Context) (*models.ExecutionResult, error) {
	metrics := o.coordinator.CurrentMetrics()
	if metrics == nil {
		return nil, orchaerrors.Coordination("execute_reallocation", "no metrics collected yet", orchaerrors.ErrNoData)
	}

	plan, err := o.optimizer.OptimalAllocation(ctx, metrics)
	if err != nil {
		return nil, err
	}
	return o.ExecutePlan(ctx, plan)
}

// Rollback restores the allocations captured before the last execution
func (o *Orchestrator) Rollback(ctx context.Context) error {
	return o.engine.RollbackAllocation(ctx, o.coordinator.Providers())
}

// ReallocationHistory returns every applied change, oldest first
func (o *Orchestrator) ReallocationHistory() []models.AllocationChange {
	return o.engine.History()
}

// RecentReallocations returns the changes applied in the last hours
func (o *Orchestrator) RecentReallocations(hours int) []models.AllocationChange {
	return o.engine.RecentReallocations(hours)
}

// CheckAlerts runs the alert rules and the resource thresholds against
// metrics and forwards the raised alerts.
func (o *Orchestrator) CheckAlerts(ctx context.Context, metrics *models.AggregatedMetrics, opportunities []models.OptimizationOpportunity) []models.Alert {
	alerts := o.monitor.CheckAlerts(ctx, metrics, opportunities)
	alerts = append(alerts, o.monitor.CheckResourceThresholds(ctx, metrics)...)
	if len(alerts) == 0 {
		return alerts
	}

	if o.sink != nil {
		o.sinkFailed(ctx, "storage", "save_alerts", o.sink.SaveAlerts(ctx, alerts))
	}
	if o.events != nil {
		o.sinkFailed(ctx, "events", "publish_alerts", o.events.PublishAlerts(ctx, alerts))
	}
	return alerts
}

// AlertHistory returns retained alerts, oldest first
func (o *Orchestrator) AlertHistory() []models.Alert {
	return o.monitor.AlertHistory()
}

// UnacknowledgedAlerts returns alerts not yet acknowledged
func (o *Orchestrator) UnacknowledgedAlerts() []models.Alert {
	return o.monitor.UnacknowledgedAlerts()
}

// AcknowledgeAlert acknowledges the alert raised at ts
func (o *Orchestrator) AcknowledgeAlert(ts time.Time) error {
	return o.monitor.AcknowledgeAlert(ts)
}

// AcknowledgeAlertByID acknowledges the alert with id
func (o *Orchestrator) AcknowledgeAlertByID(id string) error {
	return o.monitor.AcknowledgeAlertByID(id)
}

// DashboardSnapshot assembles the dashboard view from the latest metrics
func (o *Orchestrator) DashboardSnapshot(ctx context.Context) (*models.DashboardSnapshot, error) {
	metrics := o.coordinator.CurrentMetrics()
	if metrics == nil {
		return o.monitor.DashboardSnapshot(nil, nil, nil)
	}

	var optimal map[string]float64
	if plan, err := o.optimizer.OptimalAllocation(ctx, metrics); err == nil {
		optimal = plan.Allocation
	}
	opportunities, err := o.optimizer.AnalyzeOpportunities(ctx, metrics)
	if err != nil {
		return nil, err
	}
	return o.monitor.DashboardSnapshot(metrics, optimal, opportunities)
}

// GenerateReport summarises the archived snapshots within [start, end]
func (o *Orchestrator) GenerateReport(start, end time.Time) (*models.PerformanceReport, error) {
	return o.monitor.GenerateReport(start, end)
}

// EarningsTrends returns total earnings per snapshot over the last hours
func (o *Orchestrator) EarningsTrends(hours int) []models.EarningsPoint {
	return o.monitor.EarningsTrends(hours)
}

// ExportMetrics renders archived snapshots within [start, end] as JSON
func (o *Orchestrator) ExportMetrics(start, end time.Time) ([]byte, error) {
	return o.monitor.ExportMetrics(start, end)
}

// Cleanup drops monitoring data and persisted records older than retention
func (o *Orchestrator) Cleanup(ctx context.Context, retention time.Duration) {
	o.monitor.CleanupOldData(ctx, retention)
	if o.sink != nil {
		o.sinkFailed(ctx, "storage", "prune", o.sink.Prune(ctx, o.now().Add(-retention)))
	}
}

// Close releases the sink
func (o *Orchestrator) Close() error {
	if o.sink == nil {
		return nil
	}
	return o.sink.Close()
}
