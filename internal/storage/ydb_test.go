package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/depin-orcha/orcha/internal/logging"
	"github.com/depin-orcha/orcha/internal/models"
)

func TestSinkImplementations(t *testing.T) {
	var _ Sink = (*YDBSink)(nil)
	var _ Sink = (*MemorySink)(nil)
}

func TestYDBSinkCloseWithoutDriver(t *testing.T) {
	sink := &YDBSink{}
	assert.NoError(t, sink.Close(), "Close handles a nil driver")
}

// TestYDBSink_Integration runs against a real YDB instance.
// Set YDB_CONNECTION_STRING to run it.
func TestYDBSink_Integration(t *testing.T) {
	connectionString := os.Getenv("YDB_CONNECTION_STRING")
	if connectionString == "" {
		t.Skip("YDB_CONNECTION_STRING not set, skipping integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	prefix := "orcha_test_" + time.Now().UTC().Format("20060102150405")
	sink, err := NewYDBSink(ctx, connectionString, prefix, logging.NewFromZap(zaptest.NewLogger(t)))
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.InitializeSchema(ctx))

	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("metrics", func(t *testing.T) {
		snap := &models.AggregatedMetrics{
			Timestamp:            now,
			TotalEarningsPerHour: 8,
			EarningsByProvider:   map[string]float64{"grass": 3, "storj": 5},
			AllocationByProvider: map[string]float64{"grass": 50, "storj": 50},
			ConnectionStatus:     map[string]bool{"grass": true, "storj": true},
		}
		require.NoError(t, sink.SaveMetrics(ctx, snap))

		got, err := sink.MetricsInRange(ctx, now.Add(-time.Minute), now.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, snap.EarningsByProvider, got[0].EarningsByProvider)
	})

	t.Run("changes", func(t *testing.T) {
		change := models.AllocationChange{Timestamp: now, Provider: "storj", OldAllocation: 50, NewAllocation: 60, Reason: "Optimization reallocation", EarningsImpact: 0.5}
		require.NoError(t, sink.SaveChanges(ctx, []models.AllocationChange{change}))

		got, err := sink.ChangesInRange(ctx, now.Add(-time.Minute), now.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, change.Provider, got[0].Provider)
		assert.Equal(t, change.NewAllocation, got[0].NewAllocation)
	})

	t.Run("alerts and prune", func(t *testing.T) {
		alert := models.Alert{ID: "a1", Timestamp: now, Type: models.AlertTypeProviderDisconnected, ProviderID: "golem", Severity: 0.9, Message: "Provider golem is disconnected"}
		require.NoError(t, sink.SaveAlerts(ctx, []models.Alert{alert}))

		got, err := sink.AlertsInRange(ctx, now.Add(-time.Minute), now.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, alert.Type, got[0].Type)

		require.NoError(t, sink.Prune(ctx, now.Add(time.Second)))
		got, err = sink.AlertsInRange(ctx, now.Add(-time.Minute), now.Add(time.Minute))
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
