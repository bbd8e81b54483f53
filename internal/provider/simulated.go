package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	orchaerrors "github.com/depin-orcha/orcha/internal/errors"
	"github.com/depin-orcha/orcha/internal/logging"
	"github.com/depin-orcha/orcha/internal/models"
)

// ErrCredentialMissing is returned by Connect when the profile needs a credential
var ErrCredentialMissing = errors.New("credential not configured")

// ErrNotConnected is returned by reads against a disconnected provider
var ErrNotConnected = errors.New("provider not connected")

// Simulated is an in-process provider whose earnings follow its profile's base
// rate scaled by the current allocation.
type Simulated struct {
	id         string
	profile    Profile
	credential string
	sampler    ResourceSampler
	logger     logging.Logger
	now        func() time.Time

	mu          sync.RWMutex
	status      models.ConnectionStatus
	allocation  models.AllocationStrategy
	connectedAt time.Time
	lastOp      time.Time
}

// SimulatedOption configures a Simulated provider
type SimulatedOption func(*Simulated)

// WithCredential sets the credential presented on Connect
func WithCredential(credential string) SimulatedOption {
	return func(s *Simulated) { s.credential = credential }
}

// WithInitialAllocation overrides the profile's default allocation percentage
func WithInitialAllocation(percent float64) SimulatedOption {
	return func(s *Simulated) { s.allocation.AllocationPercent = percent }
}

// WithSampler reports resource usage from sampler instead of the profile figures
func WithSampler(sampler ResourceSampler) SimulatedOption {
	return func(s *Simulated) { s.sampler = sampler }
}

// WithLogger sets the provider logger
func WithLogger(logger logging.Logger) SimulatedOption {
	return func(s *Simulated) { s.logger = logger }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) SimulatedOption {
	return func(s *Simulated) { s.now = now }
}

// NewSimulated creates a disconnected provider for the given profile
func NewSimulated(id string, profile Profile, opts ...SimulatedOption) *Simulated {
	s := &Simulated{
		id:         id,
		profile:    profile,
		logger:     logging.NewNopLogger(),
		now:        time.Now,
		status:     models.ConnectionStatusDisconnected,
		allocation: profile.DefaultStrategy,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("provider", id), zap.String("profile", profile.Name))
	return s
}

// Name returns the provider id
func (s *Simulated) Name() string {
	return s.id
}

// Profile returns the provider's profile
func (s *Simulated) Profile() Profile {
	return s.profile
}

// Connect establishes the simulated session
func (s *Simulated) Connect(ctx context.Context) error {
	if s.profile.RequiresCredential && s.credential == "" {
		return orchaerrors.Protocol("connect", "authentication failed", ErrCredentialMissing).ForProvider(s.id)
	}
	if err := ctx.Err(); err != nil {
		return orchaerrors.Protocol("connect", "connection aborted", err).ForProvider(s.id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == models.ConnectionStatusConnected {
		return nil
	}
	now := s.now()
	s.status = models.ConnectionStatusConnected
	s.connectedAt = now
	s.lastOp = now

	s.logger.Info(ctx, "Connected to provider")
	return nil
}

// Disconnect tears down the simulated session
func (s *Simulated) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == models.ConnectionStatusDisconnected {
		return nil
	}
	s.status = models.ConnectionStatusDisconnected
	s.connectedAt = time.Time{}
	s.lastOp = s.now()

	s.logger.Info(ctx, "Disconnected from provider")
	return nil
}

// ConnectionStatus returns the current session state
func (s *Simulated) ConnectionStatus() models.ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Simulated) rateLocked() float64 {
	return s.profile.BaseRatePerHour * s.allocation.AllocationPercent / 100
}

// CurrentEarnings reports the earnings rate at the current allocation
func (s *Simulated) CurrentEarnings(ctx context.Context) (*models.EarningsData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != models.ConnectionStatusConnected {
		return nil, orchaerrors.Protocol("current_earnings", "", ErrNotConnected).ForProvider(s.id)
	}

	now := s.now()
	s.lastOp = now
	return &models.EarningsData{
		Timestamp:  now,
		AmountUSD:  s.rateLocked(),
		ProviderID: s.id,
		Metrics: map[string]float64{
			"allocation_percent": s.allocation.AllocationPercent,
			"base_rate_per_hour": s.profile.BaseRatePerHour,
			"uptime_hours":       now.Sub(s.connectedAt).Hours(),
		},
	}, nil
}

// HistoricalEarnings synthesises hourly samples around the current rate
func (s *Simulated) HistoricalEarnings(ctx context.Context, hours int) ([]models.EarningsData, error) {
	if hours < 0 {
		return nil, orchaerrors.Protocol("historical_earnings", fmt.Sprintf("invalid window %d", hours), nil).ForProvider(s.id)
	}

	s.mu.RLock()
	rate := s.rateLocked()
	now := s.now()
	s.mu.RUnlock()

	out := make([]models.EarningsData, 0, hours)
	for i := hours - 1; i >= 0; i-- {
		factor := 0.8 + float64(i%20)/20*0.4
		out = append(out, models.EarningsData{
			Timestamp:  now.Add(-time.Duration(i) * time.Hour),
			AmountUSD:  rate * factor,
			ProviderID: s.id,
		})
	}
	return out, nil
}

// ResourceUsage reports sampled or synthetic resource usage
func (s *Simulated) ResourceUsage(ctx context.Context) (*models.ResourceMetrics, error) {
	s.mu.RLock()
	status := s.status
	connectedAt := s.connectedAt
	usage := s.profile.Usage
	now := s.now()
	s.mu.RUnlock()

	if status != models.ConnectionStatusConnected {
		return nil, orchaerrors.Protocol("resource_usage", "", ErrNotConnected).ForProvider(s.id)
	}

	if s.sampler != nil {
		sampled, err := s.sampler.Sample(ctx)
		if err != nil {
			return nil, orchaerrors.Protocol("resource_usage", "host sampling failed", err).ForProvider(s.id)
		}
		return sampled, nil
	}

	usage.UptimeSeconds = uint64(now.Sub(connectedAt).Seconds())
	return &usage, nil
}

// ApplyAllocation validates the strategy against the profile and stores it
func (s *Simulated) ApplyAllocation(ctx context.Context, strategy models.AllocationStrategy) error {
	if err := s.validate(strategy); err != nil {
		return err
	}

	s.mu.Lock()
	s.allocation = strategy
	s.lastOp = s.now()
	s.mu.Unlock()

	s.logger.Info(ctx, "Applied allocation strategy",
		zap.Float64("allocation_percent", strategy.AllocationPercent))
	return nil
}

func (s *Simulated) validate(strategy models.AllocationStrategy) error {
	p := s.profile
	if strategy.AllocationPercent < p.MinAllocationPercent || strategy.AllocationPercent > p.MaxAllocationPercent {
		return orchaerrors.Protocol("apply_allocation",
			fmt.Sprintf("allocation must be between %.0f and %.0f%%, got %.2f",
				p.MinAllocationPercent, p.MaxAllocationPercent, strategy.AllocationPercent), nil).ForProvider(s.id)
	}
	if p.MaxBandwidthMbps > 0 && strategy.BandwidthMbps > p.MaxBandwidthMbps {
		return orchaerrors.Protocol("apply_allocation", "bandwidth allocation exceeds maximum", nil).ForProvider(s.id)
	}
	if p.MaxCPUCores > 0 && strategy.CPUCores > p.MaxCPUCores {
		return orchaerrors.Protocol("apply_allocation", "cpu allocation exceeds available cores", nil).ForProvider(s.id)
	}
	if p.MaxMemoryGB > 0 && strategy.MemoryGB > p.MaxMemoryGB {
		return orchaerrors.Protocol("apply_allocation", "memory allocation exceeds available memory", nil).ForProvider(s.id)
	}
	if p.MaxStorageGB > 0 && strategy.StorageGB > p.MaxStorageGB {
		return orchaerrors.Protocol("apply_allocation", "storage allocation exceeds configured capacity", nil).ForProvider(s.id)
	}
	return nil
}

// CurrentAllocation returns a copy of the applied strategy
func (s *Simulated) CurrentAllocation(ctx context.Context) (*models.AllocationStrategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	strategy := s.allocation
	return &strategy, nil
}

// HealthCheck reports the session state and basic counters
func (s *Simulated) HealthCheck(ctx context.Context) (*models.HealthStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	healthy := s.status == models.ConnectionStatusConnected
	lastOp := s.lastOp
	status := &models.HealthStatus{
		IsHealthy:        healthy,
		ConnectionStatus: s.status,
		Metrics: map[string]interface{}{
			"allocation_percent": s.allocation.AllocationPercent,
			"earnings_per_hour":  s.rateLocked(),
		},
	}
	if !lastOp.IsZero() {
		status.LastOperation = &lastOp
	}
	if healthy {
		status.Metrics["uptime_seconds"] = uint64(s.now().Sub(s.connectedAt).Seconds())
	} else {
		status.ErrorMessage = fmt.Sprintf("not connected to %s", s.profile.Name)
	}
	return status, nil
}
