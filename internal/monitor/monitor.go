// Package monitor raises threshold alerts, archives metrics snapshots and
// derives dashboard views and performance reports from the archive.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	orchaerrors "github.com/depin-orcha/orcha/internal/errors"
	"github.com/depin-orcha/orcha/internal/logging"
	"github.com/depin-orcha/orcha/internal/models"
	"github.com/depin-orcha/orcha/internal/telemetry"
)

// InferredChangeReason is recorded on changes derived from consecutive snapshots
const InferredChangeReason = "Automatic reallocation"

const (
	severityLowEarnings  = 0.6
	severityDisconnected = 0.9
	severityOpportunity  = 0.4
	severityContention   = 0.8

	cpuContentionPercent = 95.0

	// changeThreshold is the smallest allocation move, in percentage points,
	// recognised between two consecutive snapshots
	changeThreshold = 0.1

	dashboardWindow  = 24 * time.Hour
	reallocationHint = 2 * time.Hour
)

// Config holds monitor configuration
type Config struct {
	LowEarningsThreshold  float64
	OptimizationThreshold float64
	MemoryAlertThreshold  float64
	ConnectionTimeout     time.Duration
	MaxAlerts             int
	MaxSnapshots          int
}

// DefaultConfig returns the default monitor configuration
func DefaultConfig() Config {
	return Config{
		LowEarningsThreshold:  5.0,
		OptimizationThreshold: 0.25,
		MemoryAlertThreshold:  85.0,
		ConnectionTimeout:     5 * time.Minute,
		MaxAlerts:             1000,
		MaxSnapshots:          10000,
	}
}

// Monitor keeps the alert history and its own snapshot archive, each behind
// its own lock.
type Monitor struct {
	config    Config
	logger    logging.Logger
	telemetry *telemetry.Telemetry
	now       func() time.Time

	alertsMu sync.RWMutex
	alerts   []models.Alert

	archiveMu sync.RWMutex
	archive   []models.AggregatedMetrics
}

// Option configures a Monitor
type Option func(*Monitor)

// WithTelemetry counts raised alerts
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(m *Monitor) { m.telemetry = t }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New creates a monitor with empty history
func New(cfg Config, logger logging.Logger, opts ...Option) *Monitor {
	defaults := DefaultConfig()
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = defaults.MaxAlerts
	}
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = defaults.MaxSnapshots
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	m := &Monitor{
		config: cfg,
		logger: logger.Named("monitor"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the monitor configuration
func (m *Monitor) Config() Config {
	return m.config
}

// CheckAlerts evaluates the alert rules against metrics and the ranked
// opportunities. Rules are independent, so one call may raise several alerts.
func (m *Monitor) CheckAlerts(ctx context.Context, metrics *models.AggregatedMetrics, opportunities []models.OptimizationOpportunity) []models.Alert {
	if metrics == nil {
		return nil
	}

	now := m.now()
	var raised []models.Alert

	if metrics.TotalEarningsPerHour < m.config.LowEarningsThreshold {
		raised = append(raised, m.newAlert(now, models.AlertTypeLowEarnings, "", metrics.TotalEarningsPerHour, severityLowEarnings,
			fmt.Sprintf("Earnings %.2f/hr below threshold %.2f/hr", metrics.TotalEarningsPerHour, m.config.LowEarningsThreshold)))
	}

	ids := make([]string, 0, len(metrics.ConnectionStatus))
	for id := range metrics.ConnectionStatus {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if metrics.ConnectionStatus[id] {
			continue
		}
		raised = append(raised, m.newAlert(now, models.AlertTypeProviderDisconnected, id, 0, severityDisconnected,
			fmt.Sprintf("Provider %s disconnected", id)))
	}

	if len(opportunities) > 0 {
		best := opportunities[0]
		if best.EarningsImprovement > m.config.OptimizationThreshold {
			raised = append(raised, m.newAlert(now, models.AlertTypeReallocationOpportunity, best.ToProvider, best.EarningsImprovement, severityOpportunity,
				fmt.Sprintf("Optimization opportunity: %.2f/hr improvement moving %s to %s", best.EarningsImprovement, best.FromProvider, best.ToProvider)))
		}
	}

	if cpu := metrics.ResourceUtilization.CPUPercent; cpu > cpuContentionPercent {
		raised = append(raised, m.newAlert(now, models.AlertTypeResourceContention, "", cpu, severityContention,
			"CPU utilization critically high"))
	}

	m.record(ctx, raised)
	return raised
}

// CheckResourceThresholds raises a contention alert when memory utilization
// exceeds MemoryAlertThreshold, scaled by SeverityFor.
func (m *Monitor) CheckResourceThresholds(ctx context.Context, metrics *models.AggregatedMetrics) []models.Alert {
	if metrics == nil || m.config.MemoryAlertThreshold <= 0 {
		return nil
	}

	memory := metrics.ResourceUtilization.MemoryPercent
	if memory <= m.config.MemoryAlertThreshold {
		return nil
	}

	raised := []models.Alert{m.newAlert(m.now(), models.AlertTypeResourceContention, "", memory,
		SeverityFor(memory, m.config.MemoryAlertThreshold),
		fmt.Sprintf("Memory usage at %.1f%% (threshold: %.1f%%)", memory, m.config.MemoryAlertThreshold))}
	m.record(ctx, raised)
	return raised
}

func (m *Monitor) newAlert(ts time.Time, typ models.AlertType, providerID string, value, severity float64, msg string) models.Alert {
	return models.Alert{
		ID:         uuid.NewString(),
		Timestamp:  ts,
		Type:       typ,
		ProviderID: providerID,
		Value:      value,
		Severity:   severity,
		Message:    msg,
	}
}

func (m *Monitor) record(ctx context.Context, raised []models.Alert) {
	if len(raised) == 0 {
		return
	}

	m.alertsMu.Lock()
	m.alerts = append(m.alerts, raised...)
	if overflow := len(m.alerts) - m.config.MaxAlerts; overflow > 0 {
		m.alerts = append([]models.Alert(nil), m.alerts[overflow:]...)
	}
	m.alertsMu.Unlock()

	for _, a := range raised {
		m.telemetry.RecordAlert(ctx, string(a.Type))
		m.logger.Warn(ctx, "Alert raised",
			zap.String("alert_id", a.ID),
			zap.String("type", string(a.Type)),
			zap.Float64("severity", a.Severity),
			zap.String("message", a.Message))
	}
}

// SeverityFor scales how far current exceeds threshold to [0, 1]
func SeverityFor(current, threshold float64) float64 {
	if threshold <= 0 {
		return 1
	}
	return math.Max(0, math.Min(1, (current-threshold)/threshold))
}

// UpdateSnapshot archives metrics for reports and change inference
func (m *Monitor) UpdateSnapshot(metrics *models.AggregatedMetrics) {
	if metrics == nil {
		return
	}

	m.archiveMu.Lock()
	defer m.archiveMu.Unlock()

	m.archive = append(m.archive, *metrics.Clone())
	if overflow := len(m.archive) - m.config.MaxSnapshots; overflow > 0 {
		m.archive = append([]models.AggregatedMetrics(nil), m.archive[overflow:]...)
	}
}

// SnapshotCount returns the number of archived snapshots
func (m *Monitor) SnapshotCount() int {
	m.archiveMu.RLock()
	defer m.archiveMu.RUnlock()
	return len(m.archive)
}

// DashboardSnapshot assembles the dashboard view for metrics
func (m *Monitor) DashboardSnapshot(metrics *models.AggregatedMetrics, optimal map[string]float64, opportunities []models.OptimizationOpportunity) (*models.DashboardSnapshot, error) {
	if metrics == nil {
		return nil, orchaerrors.Monitoring("dashboard_snapshot", "no metrics collected yet", orchaerrors.ErrNoData)
	}

	now := m.now()
	current := metrics.Clone()
	snapshot := &models.DashboardSnapshot{
		Timestamp:            now,
		TotalEarningsPerHour: current.TotalEarningsPerHour,
		EarningsByProvider:   current.EarningsByProvider,
		CurrentAllocation:    current.AllocationByProvider,
		OptimalAllocation:    make(map[string]float64, len(optimal)),
		ConnectionStatus:     current.ConnectionStatus,
		RecentChanges:        m.inferChanges(now.Add(-dashboardWindow), now),
	}
	for id, v := range optimal {
		snapshot.OptimalAllocation[id] = v
	}
	if len(opportunities) > 0 {
		best := opportunities[0]
		hint := reallocationHint
		snapshot.OptimizationOpportunity = &best
		snapshot.NextReallocationIn = &hint
	}
	return snapshot, nil
}

// inferChanges diffs consecutive archived allocations inside [start, end]
func (m *Monitor) inferChanges(start, end time.Time) []models.AllocationChange {
	m.archiveMu.RLock()
	defer m.archiveMu.RUnlock()

	changes := []models.AllocationChange{}
	prevAllocation := make(map[string]float64)
	prevEarnings := make(map[string]float64)

	for _, snap := range m.archive {
		if snap.Timestamp.Before(start) || snap.Timestamp.After(end) {
			continue
		}

		ids := make([]string, 0, len(snap.AllocationByProvider))
		for id := range snap.AllocationByProvider {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			alloc := snap.AllocationByProvider[id]
			if prev, ok := prevAllocation[id]; ok && math.Abs(alloc-prev) > changeThreshold {
				changes = append(changes, models.AllocationChange{
					Timestamp:      snap.Timestamp,
					Provider:       id,
					OldAllocation:  prev,
					NewAllocation:  alloc,
					Reason:         InferredChangeReason,
					EarningsImpact: snap.EarningsByProvider[id] - prevEarnings[id],
				})
			}
			prevAllocation[id] = alloc
			prevEarnings[id] = snap.EarningsByProvider[id]
		}
	}
	return changes
}

func (m *Monitor) snapshotsInRange(start, end time.Time) []models.AggregatedMetrics {
	m.archiveMu.RLock()
	defer m.archiveMu.RUnlock()

	var out []models.AggregatedMetrics
	for _, snap := range m.archive {
		if !snap.Timestamp.Before(start) && !snap.Timestamp.After(end) {
			out = append(out, *snap.Clone())
		}
	}
	return out
}

// GenerateReport summarises the archived snapshots in [start, end]
func (m *Monitor) GenerateReport(start, end time.Time) (*models.PerformanceReport, error) {
	snapshots := m.snapshotsInRange(start, end)
	if len(snapshots) == 0 {
		return nil, orchaerrors.Monitoring("generate_report",
			fmt.Sprintf("no metrics between %s and %s", start.Format(time.RFC3339), end.Format(time.RFC3339)),
			orchaerrors.ErrNoData)
	}

	report := &models.PerformanceReport{
		PeriodStart:        start,
		PeriodEnd:          end,
		SnapshotCount:      len(snapshots),
		EarningsByProvider: make(map[string]float64),
	}

	connected := 0
	for _, snap := range snapshots {
		report.TotalEarnings += snap.TotalEarningsPerHour
		for id, rate := range snap.EarningsByProvider {
			report.EarningsByProvider[id] += rate
		}
		if snap.AllConnected() {
			connected++
		}
	}
	report.AverageHourlyEarnings = report.TotalEarnings / float64(len(snapshots))
	report.UptimePercent = float64(connected) / float64(len(snapshots)) * 100

	report.AllocationChanges = m.inferChanges(start, end)
	for _, c := range report.AllocationChanges {
		report.TotalImprovement += c.EarningsImpact
	}
	report.SuccessfulOptimizations = len(report.AllocationChanges)

	return report, nil
}

// EarningsTrends returns total earnings of archived snapshots newer than hours ago
func (m *Monitor) EarningsTrends(hours int) []models.EarningsPoint {
	cutoff := m.now().Add(-time.Duration(hours) * time.Hour)

	m.archiveMu.RLock()
	defer m.archiveMu.RUnlock()

	points := []models.EarningsPoint{}
	for _, snap := range m.archive {
		if snap.Timestamp.After(cutoff) {
			points = append(points, models.EarningsPoint{
				Timestamp:            snap.Timestamp,
				TotalEarningsPerHour: snap.TotalEarningsPerHour,
			})
		}
	}
	return points
}

// ExportMetrics renders the archived snapshots in [start, end] as indented JSON
func (m *Monitor) ExportMetrics(start, end time.Time) ([]byte, error) {
	snapshots := m.snapshotsInRange(start, end)
	if snapshots == nil {
		snapshots = []models.AggregatedMetrics{}
	}

	data, err := json.MarshalIndent(snapshots, "", "  ")
	if err != nil {
		return nil, orchaerrors.Data("export_metrics", "failed to encode snapshots", err)
	}
	return data, nil
}

// AlertHistory returns retained alerts, oldest first
func (m *Monitor) AlertHistory() []models.Alert {
	m.alertsMu.RLock()
	defer m.alertsMu.RUnlock()
	return append([]models.Alert(nil), m.alerts...)
}

// UnacknowledgedAlerts returns retained alerts nobody acknowledged yet
func (m *Monitor) UnacknowledgedAlerts() []models.Alert {
	m.alertsMu.RLock()
	defer m.alertsMu.RUnlock()

	var out []models.Alert
	for _, a := range m.alerts {
		if !a.Acknowledged {
			out = append(out, a)
		}
	}
	return out
}

// AcknowledgeAlert acknowledges the first alert raised at ts
func (m *Monitor) AcknowledgeAlert(ts time.Time) error {
	return m.acknowledge("acknowledge_alert", ts.Format(time.RFC3339Nano), func(a *models.Alert) bool {
		return a.Timestamp.Equal(ts)
	})
}

// AcknowledgeAlertByID acknowledges the alert with the given id
func (m *Monitor) AcknowledgeAlertByID(id string) error {
	return m.acknowledge("acknowledge_alert_by_id", id, func(a *models.Alert) bool {
		return a.ID == id
	})
}

func (m *Monitor) acknowledge(op, key string, match func(*models.Alert) bool) error {
	m.alertsMu.Lock()
	defer m.alertsMu.Unlock()

	for i := range m.alerts {
		if match(&m.alerts[i]) {
			m.alerts[i].Acknowledged = true
			return nil
		}
	}
	return orchaerrors.Monitoring(op, fmt.Sprintf("alert %s", key), orchaerrors.ErrNotFound)
}

// CleanupOldData drops archived snapshots and alerts older than retention
func (m *Monitor) CleanupOldData(ctx context.Context, retention time.Duration) (snapshots, alerts int) {
	cutoff := m.now().Add(-retention)

	m.archiveMu.Lock()
	keptSnapshots := m.archive[:0]
	for _, snap := range m.archive {
		if snap.Timestamp.After(cutoff) {
			keptSnapshots = append(keptSnapshots, snap)
		}
	}
	snapshots = len(m.archive) - len(keptSnapshots)
	m.archive = keptSnapshots
	m.archiveMu.Unlock()

	m.alertsMu.Lock()
	keptAlerts := m.alerts[:0]
	for _, a := range m.alerts {
		if a.Timestamp.After(cutoff) {
			keptAlerts = append(keptAlerts, a)
		}
	}
	alerts = len(m.alerts) - len(keptAlerts)
	m.alerts = keptAlerts
	m.alertsMu.Unlock()

	if snapshots > 0 || alerts > 0 {
		m.logger.Info(ctx, "Cleaned up old monitoring data",
			zap.Int("snapshots", snapshots),
			zap.Int("alerts", alerts),
			zap.Duration("retention", retention))
	}
	return snapshots, alerts
}
