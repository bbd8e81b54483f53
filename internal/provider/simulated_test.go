package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depin-orcha/orcha/internal/config"
	orchaerrors "github.com/depin-orcha/orcha/internal/errors"
	"github.com/depin-orcha/orcha/internal/models"
)

func newConnected(t *testing.T, profileName string, opts ...SimulatedOption) *Simulated {
	t.Helper()
	profile, ok := LookupProfile(profileName)
	require.True(t, ok)

	s := NewSimulated(profileName, profile, append([]SimulatedOption{WithCredential("token")}, opts...)...)
	require.NoError(t, s.Connect(context.Background()))
	return s
}

func TestSimulatedConnect(t *testing.T) {
	ctx := context.Background()
	profile, _ := LookupProfile("grass")

	t.Run("requires credential", func(t *testing.T) {
		s := NewSimulated("grass", profile)
		err := s.Connect(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrCredentialMissing))
		assert.True(t, orchaerrors.IsKind(err, orchaerrors.KindProtocol))
		assert.Equal(t, models.ConnectionStatusDisconnected, s.ConnectionStatus())
	})

	t.Run("connect and disconnect", func(t *testing.T) {
		s := NewSimulated("grass", profile, WithCredential("token"))
		require.NoError(t, s.Connect(ctx))
		assert.Equal(t, models.ConnectionStatusConnected, s.ConnectionStatus())
		require.NoError(t, s.Connect(ctx))

		require.NoError(t, s.Disconnect(ctx))
		assert.Equal(t, models.ConnectionStatusDisconnected, s.ConnectionStatus())
		require.NoError(t, s.Disconnect(ctx))
	})
}

func TestSimulatedEarnings(t *testing.T) {
	ctx := context.Background()
	s := newConnected(t, "streamr", WithInitialAllocation(20))

	earnings, err := s.CurrentEarnings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "streamr", earnings.ProviderID)
	assert.InDelta(t, 0.50*20/100, earnings.AmountUSD, 1e-9)
	assert.Equal(t, 20.0, earnings.Metrics["allocation_percent"])

	strategy, err := s.CurrentAllocation(ctx)
	require.NoError(t, err)
	strategy.AllocationPercent = 30
	require.NoError(t, s.ApplyAllocation(ctx, *strategy))

	earnings, err = s.CurrentEarnings(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.15, earnings.AmountUSD, 1e-9)

	require.NoError(t, s.Disconnect(ctx))
	_, err = s.CurrentEarnings(ctx)
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestSimulatedHistoricalEarnings(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newConnected(t, "golem", WithInitialAllocation(25), WithClock(func() time.Time { return base }))

	history, err := s.HistoricalEarnings(ctx, 24)
	require.NoError(t, err)
	require.Len(t, history, 24)

	assert.True(t, history[0].Timestamp.Before(history[23].Timestamp), "history must be oldest first")
	assert.Equal(t, base, history[23].Timestamp)
	for _, point := range history {
		assert.InDelta(t, 0.30, point.AmountUSD, 0.30*0.21)
	}

	_, err = s.HistoricalEarnings(ctx, -1)
	assert.Error(t, err)
}

func TestSimulatedApplyAllocationValidation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		profile  string
		mutate   func(*models.AllocationStrategy)
		expected bool
	}{
		{"grass within range", "grass", func(s *models.AllocationStrategy) { s.AllocationPercent = 50 }, true},
		{"grass below minimum", "grass", func(s *models.AllocationStrategy) { s.AllocationPercent = 10 }, false},
		{"grass bandwidth cap", "grass", func(s *models.AllocationStrategy) { s.BandwidthMbps = 1500 }, false},
		{"storj above maximum", "storj", func(s *models.AllocationStrategy) { s.AllocationPercent = 60 }, false},
		{"storj storage cap", "storj", func(s *models.AllocationStrategy) { s.StorageGB = 1500 }, false},
		{"streamr upper bound", "streamr", func(s *models.AllocationStrategy) { s.AllocationPercent = 30 }, true},
		{"golem cpu cap", "golem", func(s *models.AllocationStrategy) { s.CPUCores = 16 }, false},
		{"golem memory cap", "golem", func(s *models.AllocationStrategy) { s.MemoryGB = 32 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newConnected(t, tt.profile)
			before, err := s.CurrentAllocation(ctx)
			require.NoError(t, err)

			strategy := *before
			tt.mutate(&strategy)
			err = s.ApplyAllocation(ctx, strategy)

			after, _ := s.CurrentAllocation(ctx)
			if tt.expected {
				require.NoError(t, err)
				assert.Equal(t, strategy, *after)
			} else {
				require.Error(t, err)
				assert.True(t, orchaerrors.IsKind(err, orchaerrors.KindProtocol))
				assert.Equal(t, *before, *after, "rejected strategy must not be stored")
			}
		})
	}
}

type stubSampler struct {
	metrics *models.ResourceMetrics
	err     error
}

func (s stubSampler) Sample(ctx context.Context) (*models.ResourceMetrics, error) {
	return s.metrics, s.err
}

func TestSimulatedResourceUsage(t *testing.T) {
	ctx := context.Background()

	s := newConnected(t, "storj")
	usage, err := s.ResourceUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10.0, usage.CPUPercent)

	sampled := newConnected(t, "storj", WithSampler(stubSampler{metrics: &models.ResourceMetrics{CPUPercent: 97}}))
	usage, err = sampled.ResourceUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 97.0, usage.CPUPercent)

	failing := newConnected(t, "storj", WithSampler(stubSampler{err: errors.New("no /proc")}))
	_, err = failing.ResourceUsage(ctx)
	assert.Error(t, err)
}

func TestSimulatedHealthCheck(t *testing.T) {
	ctx := context.Background()
	s := newConnected(t, "grass")

	health, err := s.HealthCheck(ctx)
	require.NoError(t, err)
	assert.True(t, health.Connected())
	assert.NotNil(t, health.LastOperation)
	assert.Empty(t, health.ErrorMessage)

	require.NoError(t, s.Disconnect(ctx))
	health, err = s.HealthCheck(ctx)
	require.NoError(t, err)
	assert.False(t, health.Connected())
	assert.NotEmpty(t, health.ErrorMessage)
}

func TestFromConfig(t *testing.T) {
	p, err := FromConfig(config.ProviderConfig{ID: "storj-eu", Profile: "storj", Credential: "key", InitialAllocation: 40}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "storj-eu", p.Name())
	assert.Equal(t, "storj", p.Profile().Name)

	strategy, err := p.CurrentAllocation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40.0, strategy.AllocationPercent)

	byID, err := FromConfig(config.ProviderConfig{ID: "golem", Credential: "key"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "golem", byID.Profile().Name)

	_, err = FromConfig(config.ProviderConfig{ID: "x", Profile: "filecoin"}, nil, nil)
	assert.Error(t, err)

	_, err = FromConfig(config.ProviderConfig{ID: "s", Profile: "streamr", InitialAllocation: 80}, nil, nil)
	assert.Error(t, err)
}

func TestProfileNames(t *testing.T) {
	assert.Equal(t, []string{"golem", "grass", "storj", "streamr"}, ProfileNames())
}
