// Package providertest provides a scriptable provider for tests.
package providertest

import (
	"context"
	"sync"
	"time"

	"github.com/depin-orcha/orcha/internal/models"
)

// Fake is a Provider whose responses are set by the test. Fail* setters make
// the corresponding call fail and OnApply decides the outcome of ApplyAllocation.
type Fake struct {
	ID string

	mu          sync.Mutex
	status      models.ConnectionStatus
	healthy     bool
	earnings    float64
	resources   models.ResourceMetrics
	strategy    models.AllocationStrategy
	applied     []models.AllocationStrategy
	delay       time.Duration
	earningsErr error
	resourceErr error
	healthErr   error
	currentErr  error
	applyFunc   func(models.AllocationStrategy) error
}

// NewFake returns a connected, healthy provider earning rate at allocation percent
func NewFake(id string, rate, allocation float64) *Fake {
	return &Fake{
		ID:        id,
		status:    models.ConnectionStatusConnected,
		healthy:   true,
		earnings:  rate,
		resources: models.ResourceMetrics{CPUPercent: 10, MemoryMB: 50, BandwidthMbps: 20, StorageGB: 5},
		strategy: models.AllocationStrategy{
			CPUCores:          2,
			MemoryGB:          4,
			StorageGB:         50,
			BandwidthMbps:     100,
			AllocationPercent: allocation,
		},
	}
}

func (f *Fake) SetEarnings(rate float64) {
	f.mu.Lock()
	f.earnings = rate
	f.mu.Unlock()
}

func (f *Fake) SetResources(r models.ResourceMetrics) {
	f.mu.Lock()
	f.resources = r
	f.mu.Unlock()
}

func (f *Fake) SetDelay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

func (f *Fake) FailEarnings(err error) {
	f.mu.Lock()
	f.earningsErr = err
	f.mu.Unlock()
}

func (f *Fake) FailResources(err error) {
	f.mu.Lock()
	f.resourceErr = err
	f.mu.Unlock()
}

func (f *Fake) FailHealth(err error) {
	f.mu.Lock()
	f.healthErr = err
	f.mu.Unlock()
}

func (f *Fake) FailCurrentAllocation(err error) {
	f.mu.Lock()
	f.currentErr = err
	f.mu.Unlock()
}

func (f *Fake) OnApply(fn func(models.AllocationStrategy) error) {
	f.mu.Lock()
	f.applyFunc = fn
	f.mu.Unlock()
}

// SetConnected toggles both the health flag and the connection status
func (f *Fake) SetConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = connected
	if connected {
		f.status = models.ConnectionStatusConnected
	} else {
		f.status = models.ConnectionStatusDisconnected
	}
}

// Applied returns every strategy passed to ApplyAllocation, successful or not
func (f *Fake) Applied() []models.AllocationStrategy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.AllocationStrategy(nil), f.applied...)
}

// Allocation returns the currently applied percentage
func (f *Fake) Allocation() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.strategy.AllocationPercent
}

func (f *Fake) Name() string { return f.ID }

func (f *Fake) Connect(ctx context.Context) error {
	f.SetConnected(true)
	return nil
}

func (f *Fake) Disconnect(ctx context.Context) error {
	f.SetConnected(false)
	return nil
}

func (f *Fake) ConnectionStatus() models.ConnectionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *Fake) wait(ctx context.Context) error {
	f.mu.Lock()
	d := f.delay
	f.mu.Unlock()
	if d == 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fake) CurrentEarnings(ctx context.Context) (*models.EarningsData, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.earningsErr != nil {
		return nil, f.earningsErr
	}
	return &models.EarningsData{Timestamp: time.Now(), AmountUSD: f.earnings, ProviderID: f.ID}, nil
}

func (f *Fake) HistoricalEarnings(ctx context.Context, hours int) ([]models.EarningsData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.EarningsData, 0, hours)
	now := time.Now()
	for i := hours - 1; i >= 0; i-- {
		out = append(out, models.EarningsData{
			Timestamp:  now.Add(-time.Duration(i) * time.Hour),
			AmountUSD:  f.earnings,
			ProviderID: f.ID,
		})
	}
	return out, nil
}

func (f *Fake) ResourceUsage(ctx context.Context) (*models.ResourceMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resourceErr != nil {
		return nil, f.resourceErr
	}
	r := f.resources
	return &r, nil
}

func (f *Fake) ApplyAllocation(ctx context.Context, strategy models.AllocationStrategy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, strategy)
	if f.applyFunc != nil {
		if err := f.applyFunc(strategy); err != nil {
			return err
		}
	}
	f.strategy = strategy
	return nil
}

func (f *Fake) CurrentAllocation(ctx context.Context) (*models.AllocationStrategy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.currentErr != nil {
		return nil, f.currentErr
	}
	s := f.strategy
	return &s, nil
}

func (f *Fake) HealthCheck(ctx context.Context) (*models.HealthStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthErr != nil {
		return nil, f.healthErr
	}
	now := time.Now()
	return &models.HealthStatus{
		IsHealthy:        f.healthy,
		ConnectionStatus: f.status,
		LastOperation:    &now,
	}, nil
}
