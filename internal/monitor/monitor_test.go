package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	orchaerrors "github.com/depin-orcha/orcha/internal/errors"
	"github.com/depin-orcha/orcha/internal/logging"
	"github.com/depin-orcha/orcha/internal/models"
)

var base = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func newTestMonitor(t *testing.T, cfg Config, now *time.Time) *Monitor {
	t.Helper()
	return New(cfg, logging.NewFromZap(zaptest.NewLogger(t)), WithClock(func() time.Time { return *now }))
}

func snapshot(ts time.Time, earnings, allocation map[string]float64, connected map[string]bool) *models.AggregatedMetrics {
	total := 0.0
	for _, v := range earnings {
		total += v
	}
	return &models.AggregatedMetrics{
		Timestamp:            ts,
		TotalEarningsPerHour: total,
		EarningsByProvider:   earnings,
		AllocationByProvider: allocation,
		ConnectionStatus:     connected,
	}
}

func healthyMetrics(total float64) *models.AggregatedMetrics {
	return &models.AggregatedMetrics{
		Timestamp:            base,
		TotalEarningsPerHour: total,
		EarningsByProvider:   map[string]float64{"streamr": total},
		AllocationByProvider: map[string]float64{"streamr": 100},
		ResourceUtilization:  models.ResourceUtilization{CPUPercent: 50, MemoryPercent: 60},
		ConnectionStatus:     map[string]bool{"streamr": true},
	}
}

func TestCheckAlertsLowEarnings(t *testing.T) {
	now := base
	m := newTestMonitor(t, DefaultConfig(), &now)

	alerts := m.CheckAlerts(context.Background(), healthyMetrics(2.0), nil)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertTypeLowEarnings, alerts[0].Type)
	assert.Equal(t, 0.6, alerts[0].Severity)
	assert.Equal(t, 2.0, alerts[0].Value)
	assert.NotEmpty(t, alerts[0].ID)
	assert.Equal(t, base, alerts[0].Timestamp)
	assert.False(t, alerts[0].Acknowledged)

	assert.Empty(t, m.CheckAlerts(context.Background(), healthyMetrics(7.0), nil))
	assert.Len(t, m.AlertHistory(), 1)
}

func TestCheckAlertsAllRules(t *testing.T) {
	now := base
	m := newTestMonitor(t, DefaultConfig(), &now)

	metrics := healthyMetrics(1.0)
	metrics.ConnectionStatus = map[string]bool{"storj": false, "grass": false, "streamr": true}
	metrics.ResourceUtilization.CPUPercent = 97
	opportunities := []models.OptimizationOpportunity{
		{FromProvider: "storj", ToProvider: "golem", EarningsImprovement: 0.5},
		{FromProvider: "grass", ToProvider: "golem", EarningsImprovement: 0.3},
	}

	alerts := m.CheckAlerts(context.Background(), metrics, opportunities)
	require.Len(t, alerts, 5)

	byType := make(map[models.AlertType][]models.Alert)
	for _, a := range alerts {
		byType[a.Type] = append(byType[a.Type], a)
	}
	require.Len(t, byType[models.AlertTypeProviderDisconnected], 2)
	assert.Equal(t, "grass", byType[models.AlertTypeProviderDisconnected][0].ProviderID)
	assert.Equal(t, 0.9, byType[models.AlertTypeProviderDisconnected][0].Severity)
	assert.Equal(t, 0.4, byType[models.AlertTypeReallocationOpportunity][0].Severity)
	assert.Equal(t, 0.5, byType[models.AlertTypeReallocationOpportunity][0].Value)
	assert.Equal(t, 0.8, byType[models.AlertTypeResourceContention][0].Severity)
	assert.Len(t, byType[models.AlertTypeLowEarnings], 1)
}

func TestCheckAlertsOpportunityBelowThreshold(t *testing.T) {
	now := base
	m := newTestMonitor(t, DefaultConfig(), &now)

	alerts := m.CheckAlerts(context.Background(), healthyMetrics(10), []models.OptimizationOpportunity{
		{FromProvider: "a", ToProvider: "b", EarningsImprovement: 0.25},
	})
	assert.Empty(t, alerts, "threshold must be exceeded, not met")
}

func TestAlertHistoryBounded(t *testing.T) {
	now := base
	cfg := DefaultConfig()
	cfg.MaxAlerts = 3
	m := newTestMonitor(t, cfg, &now)

	for i := 0; i < 5; i++ {
		now = base.Add(time.Duration(i) * time.Minute)
		m.CheckAlerts(context.Background(), healthyMetrics(float64(i)), nil)
	}

	history := m.AlertHistory()
	require.Len(t, history, 3)
	assert.Equal(t, 2.0, history[0].Value, "oldest alerts evicted first")
	assert.Equal(t, 4.0, history[2].Value)
}

func TestAcknowledgeAlert(t *testing.T) {
	now := base
	m := newTestMonitor(t, DefaultConfig(), &now)

	first := m.CheckAlerts(context.Background(), healthyMetrics(1), nil)[0]
	now = base.Add(time.Minute)
	second := m.CheckAlerts(context.Background(), healthyMetrics(1), nil)[0]

	require.NoError(t, m.AcknowledgeAlert(first.Timestamp))
	unacked := m.UnacknowledgedAlerts()
	require.Len(t, unacked, 1)
	assert.Equal(t, second.ID, unacked[0].ID)

	require.NoError(t, m.AcknowledgeAlert(first.Timestamp), "repeating an ack by timestamp matches the same alert")
	assert.Len(t, m.UnacknowledgedAlerts(), 1)

	require.NoError(t, m.AcknowledgeAlertByID(second.ID))
	assert.Empty(t, m.UnacknowledgedAlerts())

	err := m.AcknowledgeAlert(base.Add(time.Hour))
	require.Error(t, err)
	assert.True(t, errors.Is(err, orchaerrors.ErrNotFound))
	assert.True(t, orchaerrors.IsKind(err, orchaerrors.KindMonitoring))

	err = m.AcknowledgeAlertByID("missing")
	assert.True(t, errors.Is(err, orchaerrors.ErrNotFound))
}

func TestCheckResourceThresholds(t *testing.T) {
	now := base
	m := newTestMonitor(t, DefaultConfig(), &now)

	metrics := healthyMetrics(10)
	assert.Empty(t, m.CheckResourceThresholds(context.Background(), metrics))

	metrics.ResourceUtilization.MemoryPercent = 102
	alerts := m.CheckResourceThresholds(context.Background(), metrics)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertTypeResourceContention, alerts[0].Type)
	assert.InDelta(t, 0.2, alerts[0].Severity, 1e-9)
}

func TestSeverityFor(t *testing.T) {
	assert.Equal(t, 0.0, SeverityFor(90, 90))
	assert.InDelta(t, 0.05, SeverityFor(94.5, 90), 1e-9)
	assert.InDelta(t, 0.5, SeverityFor(135, 90), 1e-9)
	assert.Equal(t, 1.0, SeverityFor(300, 90))
	assert.Equal(t, 0.0, SeverityFor(10, 90))
}

func TestGenerateReportNoData(t *testing.T) {
	now := base
	m := newTestMonitor(t, DefaultConfig(), &now)

	report, err := m.GenerateReport(base.Add(-time.Hour), base)
	require.Error(t, err)
	assert.Nil(t, report)
	assert.True(t, errors.Is(err, orchaerrors.ErrNoData))
	assert.True(t, orchaerrors.IsKind(err, orchaerrors.KindMonitoring))
}

func TestGenerateReport(t *testing.T) {
	now := base.Add(4 * time.Hour)
	m := newTestMonitor(t, DefaultConfig(), &now)

	both := map[string]bool{"a": true, "b": true}
	m.UpdateSnapshot(snapshot(base, map[string]float64{"a": 3, "b": 5}, map[string]float64{"a": 50, "b": 50}, both))
	m.UpdateSnapshot(snapshot(base.Add(time.Hour), map[string]float64{"a": 2.7, "b": 5.5}, map[string]float64{"a": 45, "b": 55}, both))
	m.UpdateSnapshot(snapshot(base.Add(2*time.Hour), map[string]float64{"a": 2.7, "b": 5.5}, map[string]float64{"a": 45, "b": 55.05},
		map[string]bool{"a": true, "b": false}))
	m.UpdateSnapshot(snapshot(base.Add(10*time.Hour), map[string]float64{"a": 1}, map[string]float64{"a": 10}, both))

	report, err := m.GenerateReport(base, base.Add(2*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 3, report.SnapshotCount)
	assert.InDelta(t, 24.4, report.TotalEarnings, 1e-9)
	assert.InDelta(t, 24.4/3, report.AverageHourlyEarnings, 1e-9)
	assert.InDelta(t, 8.4, report.EarningsByProvider["a"], 1e-9)
	assert.InDelta(t, 16.0, report.EarningsByProvider["b"], 1e-9)
	assert.InDelta(t, 200.0/3, report.UptimePercent, 1e-9)

	require.Len(t, report.AllocationChanges, 2, "moves of 0.1pp or less are ignored")
	change := report.AllocationChanges[0]
	assert.Equal(t, "a", change.Provider)
	assert.Equal(t, 50.0, change.OldAllocation)
	assert.Equal(t, 45.0, change.NewAllocation)
	assert.Equal(t, InferredChangeReason, change.Reason)
	assert.InDelta(t, -0.3, change.EarningsImpact, 1e-9)
	assert.InDelta(t, 0.2, report.TotalImprovement, 1e-9)
	assert.Equal(t, 2, report.SuccessfulOptimizations)
}

func TestDashboardSnapshot(t *testing.T) {
	now := base.Add(time.Hour)
	m := newTestMonitor(t, DefaultConfig(), &now)

	_, err := m.DashboardSnapshot(nil, nil, nil)
	assert.True(t, errors.Is(err, orchaerrors.ErrNoData))

	both := map[string]bool{"a": true, "b": true}
	m.UpdateSnapshot(snapshot(base.Add(-30*time.Hour), map[string]float64{"a": 3}, map[string]float64{"a": 80}, both))
	m.UpdateSnapshot(snapshot(base, map[string]float64{"a": 3, "b": 5}, map[string]float64{"a": 50, "b": 50}, both))
	current := snapshot(base.Add(time.Hour), map[string]float64{"a": 2.7, "b": 5.5}, map[string]float64{"a": 45, "b": 55}, both)
	m.UpdateSnapshot(current)

	optimal := map[string]float64{"a": 40, "b": 60}
	dash, err := m.DashboardSnapshot(current, optimal, nil)
	require.NoError(t, err)
	assert.InDelta(t, 8.2, dash.TotalEarningsPerHour, 1e-9)
	assert.Equal(t, current.AllocationByProvider, dash.CurrentAllocation)
	assert.Equal(t, optimal, dash.OptimalAllocation)
	assert.Nil(t, dash.OptimizationOpportunity)
	assert.Nil(t, dash.NextReallocationIn)
	assert.Len(t, dash.RecentChanges, 2, "snapshots older than 24h are not diffed")

	opp := models.OptimizationOpportunity{FromProvider: "a", ToProvider: "b", EarningsImprovement: 0.3}
	dash, err = m.DashboardSnapshot(current, optimal, []models.OptimizationOpportunity{opp})
	require.NoError(t, err)
	require.NotNil(t, dash.OptimizationOpportunity)
	assert.Equal(t, opp, *dash.OptimizationOpportunity)
	require.NotNil(t, dash.NextReallocationIn)
	assert.Equal(t, 2*time.Hour, *dash.NextReallocationIn)
}

func TestSnapshotArchiveBounded(t *testing.T) {
	now := base
	cfg := DefaultConfig()
	cfg.MaxSnapshots = 2
	m := newTestMonitor(t, cfg, &now)

	for i := 0; i < 4; i++ {
		m.UpdateSnapshot(snapshot(base.Add(time.Duration(i)*time.Minute), map[string]float64{"a": float64(i)}, nil, nil))
	}
	assert.Equal(t, 2, m.SnapshotCount())
}

func TestEarningsTrendsAndExport(t *testing.T) {
	now := base.Add(3 * time.Hour)
	m := newTestMonitor(t, DefaultConfig(), &now)

	for i := 0; i < 4; i++ {
		m.UpdateSnapshot(snapshot(base.Add(time.Duration(i)*time.Hour), map[string]float64{"a": float64(i + 1)}, nil, nil))
	}

	trends := m.EarningsTrends(2)
	require.Len(t, trends, 2)
	assert.Equal(t, base.Add(2*time.Hour), trends[0].Timestamp)
	assert.Equal(t, 4.0, trends[1].TotalEarningsPerHour)

	data, err := m.ExportMetrics(base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  ", "export is indented")

	var exported []models.AggregatedMetrics
	require.NoError(t, json.Unmarshal(data, &exported))
	assert.Len(t, exported, 2)

	data, err = m.ExportMetrics(base.Add(-48*time.Hour), base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(data))
}

func TestCleanupOldData(t *testing.T) {
	now := base
	m := newTestMonitor(t, DefaultConfig(), &now)

	m.UpdateSnapshot(snapshot(base, map[string]float64{"a": 1}, nil, nil))
	m.CheckAlerts(context.Background(), healthyMetrics(1), nil)

	now = base.Add(48 * time.Hour)
	m.UpdateSnapshot(snapshot(now, map[string]float64{"a": 1}, nil, nil))
	m.CheckAlerts(context.Background(), healthyMetrics(1), nil)

	snapshots, alerts := m.CleanupOldData(context.Background(), 24*time.Hour)
	assert.Equal(t, 1, snapshots)
	assert.Equal(t, 1, alerts)
	assert.Equal(t, 1, m.SnapshotCount())
	assert.Len(t, m.AlertHistory(), 1)
}
