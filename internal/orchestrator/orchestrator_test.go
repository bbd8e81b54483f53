package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/depin-orcha/orcha/internal/coordinator"
	orchaerrors "github.com/depin-orcha/orcha/internal/errors"
	"github.com/depin-orcha/orcha/internal/logging"
	"github.com/depin-orcha/orcha/internal/models"
	"github.com/depin-orcha/orcha/internal/monitor"
	"github.com/depin-orcha/orcha/internal/optimizer"
	"github.com/depin-orcha/orcha/internal/provider/providertest"
	"github.com/depin-orcha/orcha/internal/reallocation"
	"github.com/depin-orcha/orcha/internal/scheduler"
	"github.com/depin-orcha/orcha/internal/storage"
)

var _ scheduler.Service = (*Orchestrator)(nil)

// recordingEvents captures everything the orchestrator publishes
type recordingEvents struct {
	mu         sync.Mutex
	metrics    int
	changes    []models.AllocationChange
	executions []error
	alerts     []models.Alert
	err        error
}

func (r *recordingEvents) PublishMetrics(ctx context.Context, metrics *models.AggregatedMetrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics++
	return r.err
}

func (r *recordingEvents) PublishChanges(ctx context.Context, changes []models.AllocationChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, changes...)
	return r.err
}

func (r *recordingEvents) PublishExecution(ctx context.Context, result *models.ExecutionResult, execErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions = append(r.executions, execErr)
	return r.err
}

func (r *recordingEvents) PublishAlerts(ctx context.Context, alerts []models.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alerts...)
	return r.err
}

// failingSink rejects every write
type failingSink struct {
	storage.MemorySink
}

var errSinkDown = errors.New("sink down")

func (f *failingSink) SaveMetrics(ctx context.Context, metrics *models.AggregatedMetrics) error {
	return errSinkDown
}

func (f *failingSink) SaveAlerts(ctx context.Context, alerts []models.Alert) error {
	return errSinkDown
}

func (f *failingSink) Prune(ctx context.Context, before time.Time) error {
	return errSinkDown
}

type fixture struct {
	orch   *Orchestrator
	sink   *storage.MemorySink
	events *recordingEvents
	a, b   *providertest.Fake
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger := logging.NewFromZap(zaptest.NewLogger(t))

	f := &fixture{
		sink:   storage.NewMemorySink(100),
		events: &recordingEvents{},
		a:      providertest.NewFake("a", 3.0, 50),
		b:      providertest.NewFake("b", 5.0, 50),
	}

	opts = append([]Option{WithSink(f.sink), WithEvents(f.events)}, opts...)
	f.orch = New(
		coordinator.New(coordinator.DefaultConfig(), logger),
		optimizer.New(optimizer.DefaultConfig(), logger),
		reallocation.New(reallocation.DefaultConfig(), logger),
		monitor.New(monitor.DefaultConfig(), logger),
		logger,
		opts...,
	)
	f.orch.RegisterProvider(f.a)
	f.orch.RegisterProvider(f.b)
	return f
}

func TestReady(t *testing.T) {
	logger := logging.NewNopLogger()
	empty := New(
		coordinator.New(coordinator.DefaultConfig(), logger),
		optimizer.New(optimizer.DefaultConfig(), logger),
		reallocation.New(reallocation.DefaultConfig(), logger),
		monitor.New(monitor.DefaultConfig(), logger),
		nil,
	)
	assert.False(t, empty.Ready())
	assert.NoError(t, empty.Close())

	f := newFixture(t)
	assert.True(t, f.orch.Ready())
	assert.Equal(t, []string{"a", "b"}, f.orch.Providers())
}

func TestPollFeedsEveryConsumer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	metrics, err := f.orch.Poll(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 8.0, metrics.TotalEarningsPerHour, 1e-9)

	assert.Equal(t, metrics.Timestamp, f.orch.CurrentMetrics().Timestamp)
	assert.Len(t, f.orch.MetricsHistory(), 1)

	stored, _, _ := f.sink.Counts()
	assert.Equal(t, 1, stored)
	assert.Equal(t, 1, f.events.metrics)

	trends := f.orch.EarningsTrends(1)
	require.Len(t, trends, 1, "the monitor archive received the snapshot")
	assert.InDelta(t, 8.0, trends[0].TotalEarningsPerHour, 1e-9)
}

func TestSinkFailuresDoNotSurface(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithSink(&failingSink{}))
	f.events.err = errors.New("broker unavailable")

	_, err := f.orch.Poll(ctx)
	require.NoError(t, err)

	f.a.SetEarnings(0.5)
	f.b.SetEarnings(0.5)
	metrics, err := f.orch.Poll(ctx)
	require.NoError(t, err)

	alerts := f.orch.CheckAlerts(ctx, metrics, nil)
	assert.NotEmpty(t, alerts)

	f.orch.Cleanup(ctx, time.Hour)
}

func TestExecuteReallocationWithoutMetrics(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.ExecuteReallocation(context.Background())
	require.Error(t, err)
	assert.True(t, orchaerrors.IsKind(err, orchaerrors.KindCoordination))
	assert.ErrorIs(t, err, orchaerrors.ErrNoData)
}

func TestExecutePlanPersistsAndPublishes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.orch.Poll(ctx)
	require.NoError(t, err)

	plan := &models.AllocationPlan{
		ID:         "plan-1",
		Allocation: map[string]float64{"a": 40, "b": 60},
		NetBenefit: 1,
		Confidence: 0.8,
	}
	require.NoError(t, f.orch.CanReallocate())

	result, err := f.orch.ExecutePlan(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, result.Applied)
	assert.Equal(t, 40.0, f.a.Allocation())
	assert.Equal(t, 60.0, f.b.Allocation())

	_, changes, _ := f.sink.Counts()
	assert.Equal(t, 2, changes)
	assert.Len(t, f.events.changes, 2)
	require.Len(t, f.events.executions, 1)
	assert.NoError(t, f.events.executions[0])

	assert.Len(t, f.orch.ReallocationHistory(), 2)
	assert.Len(t, f.orch.RecentReallocations(1), 2)

	// The hold window now blocks a second execution and the failure is published
	_, err = f.orch.ExecutePlan(ctx, plan)
	require.Error(t, err)
	assert.ErrorIs(t, err, orchaerrors.ErrHoldDuration)
	require.Len(t, f.events.executions, 2)
	assert.Error(t, f.events.executions[1])

	require.NoError(t, f.orch.Rollback(ctx))
	assert.Equal(t, 50.0, f.a.Allocation())
	assert.Equal(t, 50.0, f.b.Allocation())
}

func TestExecuteReallocationUsesOptimalPlan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	metrics, err := f.orch.Poll(ctx)
	require.NoError(t, err)

	plan, err := f.orch.OptimalAllocation(ctx, metrics)
	require.NoError(t, err)

	result, err := f.orch.ExecuteReallocation(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, plan.Providers(), result.Applied)
	assert.InDelta(t, plan.Allocation["b"], f.b.Allocation(), 1e-9)
}

func TestCheckAlertsForwardsRaisedAlerts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.a.SetEarnings(1)
	f.b.SetEarnings(2)

	metrics, err := f.orch.Poll(ctx)
	require.NoError(t, err)

	alerts := f.orch.CheckAlerts(ctx, metrics, nil)
	require.NotEmpty(t, alerts)
	assert.Equal(t, models.AlertTypeLowEarnings, alerts[0].Type)

	_, _, stored := f.sink.Counts()
	assert.Equal(t, len(alerts), stored)
	assert.Len(t, f.events.alerts, len(alerts))
	assert.Len(t, f.orch.AlertHistory(), len(alerts))

	require.NoError(t, f.orch.AcknowledgeAlertByID(alerts[0].ID))
	assert.Len(t, f.orch.UnacknowledgedAlerts(), len(alerts)-1)

	err = f.orch.AcknowledgeAlert(time.Unix(0, 0))
	assert.ErrorIs(t, err, orchaerrors.ErrNotFound)
}

func TestDashboardSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.orch.DashboardSnapshot(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, orchaerrors.ErrNoData)

	_, err = f.orch.Poll(ctx)
	require.NoError(t, err)

	snapshot, err := f.orch.DashboardSnapshot(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 8.0, snapshot.TotalEarningsPerHour, 1e-9)
	assert.Equal(t, map[string]float64{"a": 50, "b": 50}, snapshot.CurrentAllocation)
	assert.NotEmpty(t, snapshot.OptimalAllocation)
}

func TestReportAndExport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.orch.GenerateReport(time.Now().Add(-time.Hour), time.Now())
	assert.ErrorIs(t, err, orchaerrors.ErrNoData)

	_, err = f.orch.Poll(ctx)
	require.NoError(t, err)

	report, err := f.orch.GenerateReport(time.Now().Add(-time.Hour), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, report.SnapshotCount)

	data, err := f.orch.ExportMetrics(time.Now().Add(-time.Hour), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Contains(t, string(data), "total_earnings_per_hour")
}

func TestMetricsInRangeFallsBackToSink(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	old := &models.AggregatedMetrics{
		Timestamp:            time.Now().Add(-2 * time.Hour),
		TotalEarningsPerHour: 4,
		EarningsByProvider:   map[string]float64{"a": 4},
		AllocationByProvider: map[string]float64{"a": 100},
		ConnectionStatus:     map[string]bool{"a": true},
	}
	require.NoError(t, f.sink.SaveMetrics(ctx, old))

	_, err := f.orch.Poll(ctx)
	require.NoError(t, err)

	got, err := f.orch.MetricsInRange(ctx, time.Now().Add(-3*time.Hour), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2, "older snapshots come from the sink")
	assert.Equal(t, 4.0, got[0].TotalEarningsPerHour)

	recent, err := f.orch.MetricsInRange(ctx, time.Now().Add(-time.Second), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestCleanupPrunesSink(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.sink.SaveAlerts(ctx, []models.Alert{{ID: "old", Timestamp: time.Now().Add(-40 * 24 * time.Hour)}}))
	_, err := f.orch.Poll(ctx)
	require.NoError(t, err)

	f.orch.Cleanup(ctx, 30*24*time.Hour)

	metrics, _, alerts := f.sink.Counts()
	assert.Equal(t, 1, metrics)
	assert.Equal(t, 0, alerts)
}

func TestProviderStatus(t *testing.T) {
	f := newFixture(t)

	status, err := f.orch.ProviderStatus(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 3.0, status.EarningsPerHour)

	_, err = f.orch.ProviderStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, orchaerrors.ErrProviderNotFound)
}
