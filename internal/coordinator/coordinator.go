// Package coordinator owns the provider registry and produces one aggregated
// metrics snapshot per poll cycle.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	orchaerrors "github.com/depin-orcha/orcha/internal/errors"
	"github.com/depin-orcha/orcha/internal/logging"
	"github.com/depin-orcha/orcha/internal/models"
	"github.com/depin-orcha/orcha/internal/provider"
	"github.com/depin-orcha/orcha/internal/telemetry"
)

// Config holds coordinator configuration
type Config struct {
	MaxHistory      int
	ProviderTimeout time.Duration
}

// DefaultConfig returns the default coordinator configuration
func DefaultConfig() Config {
	return Config{
		MaxHistory:      1000,
		ProviderTimeout: 10 * time.Second,
	}
}

// Coordinator polls registered providers and keeps a bounded metrics history.
// The registry and the history are guarded independently.
type Coordinator struct {
	config    Config
	logger    logging.Logger
	telemetry *telemetry.Telemetry
	now       func() time.Time

	registryMu sync.RWMutex
	providers  map[string]provider.Provider

	historyMu  sync.RWMutex
	history    []models.AggregatedMetrics
	lastUpdate time.Time
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithTelemetry records poll metrics and spans
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(c *Coordinator) { c.telemetry = t }
}

// WithClock replaces time.Now for snapshot timestamps
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a coordinator with an empty registry
func New(cfg Config, logger logging.Logger, opts ...Option) *Coordinator {
	defaults := DefaultConfig()
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaults.MaxHistory
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = defaults.ProviderTimeout
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	c := &Coordinator{
		config:    cfg,
		logger:    logger.Named("coordinator"),
		now:       time.Now,
		providers: make(map[string]provider.Provider),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterProvider adds p under its own name
func (c *Coordinator) RegisterProvider(p provider.Provider) {
	c.RegisterProviderAs(p.Name(), p)
}

// RegisterProviderAs adds p under id. Registering an id twice replaces the
// earlier provider: the last registration wins.
func (c *Coordinator) RegisterProviderAs(id string, p provider.Provider) {
	c.registryMu.Lock()
	_, replaced := c.providers[id]
	c.providers[id] = p
	c.registryMu.Unlock()

	c.logger.Info(context.Background(), "Registered provider",
		zap.String("provider", id),
		zap.Bool("replaced", replaced))
}

// UnregisterProvider removes id from the registry
func (c *Coordinator) UnregisterProvider(id string) error {
	c.registryMu.Lock()
	defer c.registryMu.Unlock()

	if _, ok := c.providers[id]; !ok {
		return orchaerrors.Coordination("unregister", fmt.Sprintf("provider %s not registered", id), orchaerrors.ErrProviderNotFound).ForProvider(id)
	}
	delete(c.providers, id)
	return nil
}

// Providers returns a copy of the registry
func (c *Coordinator) Providers() map[string]provider.Provider {
	c.registryMu.RLock()
	defer c.registryMu.RUnlock()

	out := make(map[string]provider.Provider, len(c.providers))
	for id, p := range c.providers {
		out[id] = p
	}
	return out
}

// RegisteredProviders returns the registered ids, sorted
func (c *Coordinator) RegisteredProviders() []string {
	c.registryMu.RLock()
	defer c.registryMu.RUnlock()

	ids := make([]string, 0, len(c.providers))
	for id := range c.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// providerSample is what one provider contributed to a cycle
type providerSample struct {
	id         string
	earnings   *float64
	allocation *float64
	resources  *models.ResourceMetrics
	connected  bool
	failures   int
}

// PollAll queries every registered provider concurrently and appends the
// aggregated snapshot to the history. Provider failures only omit that
// provider from the affected maps; the only error is a cancelled context.
func (c *Coordinator) PollAll(ctx context.Context) (*models.AggregatedMetrics, error) {
	start := time.Now()
	ctx, span := c.telemetry.StartSpan(ctx, "coordinator.poll_all")
	defer span.End()

	providers := c.Providers()
	samples := make([]providerSample, 0, len(providers))
	for id := range providers {
		samples = append(samples, providerSample{id: id})
	}

	var g errgroup.Group
	for i := range samples {
		sample := &samples[i]
		p := providers[sample.id]
		g.Go(func() error {
			c.pollProvider(ctx, p, sample)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, orchaerrors.Coordination("poll_all", "poll cancelled", err)
	}

	metrics := aggregate(c.now(), samples)

	c.historyMu.Lock()
	c.history = append(c.history, *metrics)
	if overflow := len(c.history) - c.config.MaxHistory; overflow > 0 {
		c.history = append([]models.AggregatedMetrics(nil), c.history[overflow:]...)
	}
	c.lastUpdate = metrics.Timestamp
	c.historyMu.Unlock()

	failures := 0
	for _, s := range samples {
		failures += s.failures
	}
	span.SetAttributes(
		attribute.Int("providers", len(samples)),
		attribute.Int("failures", failures),
		attribute.Float64("total_earnings_per_hour", metrics.TotalEarningsPerHour),
	)
	c.telemetry.RecordPoll(ctx, start, metrics.TotalEarningsPerHour, metrics.EarningsByProvider, failures)

	c.logger.Debug(ctx, "Polled all providers",
		zap.Int("providers", len(samples)),
		zap.Int("failures", failures),
		zap.Float64("total_earnings_per_hour", metrics.TotalEarningsPerHour))

	return metrics.Clone(), nil
}

func (c *Coordinator) pollProvider(ctx context.Context, p provider.Provider, s *providerSample) {
	logger := c.logger.With(zap.String("provider", s.id))
	timeout := c.config.ProviderTimeout

	if earnings, err := bounded(ctx, timeout, p.CurrentEarnings); err != nil {
		s.failures++
		logger.Warn(ctx, "Failed to get earnings", zap.Error(err))
	} else {
		s.earnings = &earnings.AmountUSD
	}

	if strategy, err := bounded(ctx, timeout, p.CurrentAllocation); err != nil {
		s.failures++
		logger.Warn(ctx, "Failed to get allocation", zap.Error(err))
	} else {
		s.allocation = &strategy.AllocationPercent
	}

	if resources, err := bounded(ctx, timeout, p.ResourceUsage); err != nil {
		s.failures++
		logger.Warn(ctx, "Failed to get resource usage", zap.Error(err))
	} else {
		s.resources = resources
	}

	if health, err := bounded(ctx, timeout, p.HealthCheck); err != nil {
		s.failures++
		logger.Warn(ctx, "Failed to get health", zap.Error(err))
	} else {
		s.connected = health.Connected()
	}
}

// bounded runs one provider call under timeout. A call that outlives the
// timeout is abandoned and its late result discarded.
func bounded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (*T, error)) (*T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value *T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(callCtx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err == nil && r.value == nil {
			return nil, fmt.Errorf("provider returned no data")
		}
		return r.value, r.err
	case <-callCtx.Done():
		return nil, fmt.Errorf("provider call timed out: %w", callCtx.Err())
	}
}

func aggregate(ts time.Time, samples []providerSample) *models.AggregatedMetrics {
	metrics := &models.AggregatedMetrics{
		Timestamp:            ts,
		EarningsByProvider:   make(map[string]float64),
		AllocationByProvider: make(map[string]float64),
		ConnectionStatus:     make(map[string]bool),
	}

	var cpu, memory, bandwidth, storage float64
	responded := 0
	for _, s := range samples {
		if s.earnings != nil {
			metrics.EarningsByProvider[s.id] = *s.earnings
			metrics.TotalEarningsPerHour += *s.earnings
		}
		if s.allocation != nil {
			metrics.AllocationByProvider[s.id] = *s.allocation
		}
		if s.resources != nil {
			cpu += s.resources.CPUPercent
			memory += s.resources.MemoryMB
			bandwidth += s.resources.BandwidthMbps
			storage += s.resources.StorageGB
			responded++
		}
		metrics.ConnectionStatus[s.id] = s.connected
	}

	if responded > 0 {
		n := float64(responded)
		metrics.ResourceUtilization = models.ResourceUtilization{
			CPUPercent:       capPercent(cpu / n),
			MemoryPercent:    capPercent(memory / n),
			BandwidthPercent: capPercent(bandwidth / n),
			StoragePercent:   capPercent(storage / n),
		}
	}
	return metrics
}

func capPercent(v float64) float64 {
	if v > 100 {
		return 100
	}
	return v
}

// CurrentMetrics returns a copy of the latest snapshot, or nil before the first poll
func (c *Coordinator) CurrentMetrics() *models.AggregatedMetrics {
	c.historyMu.RLock()
	defer c.historyMu.RUnlock()

	if len(c.history) == 0 {
		return nil
	}
	return c.history[len(c.history)-1].Clone()
}

// MetricsHistory returns a copy of the retained snapshots, oldest first
func (c *Coordinator) MetricsHistory() []models.AggregatedMetrics {
	c.historyMu.RLock()
	defer c.historyMu.RUnlock()

	out := make([]models.AggregatedMetrics, 0, len(c.history))
	for i := range c.history {
		out = append(out, *c.history[i].Clone())
	}
	return out
}

// MetricsInRange returns snapshots with start <= timestamp <= end, oldest first
func (c *Coordinator) MetricsInRange(start, end time.Time) []models.AggregatedMetrics {
	c.historyMu.RLock()
	defer c.historyMu.RUnlock()

	var out []models.AggregatedMetrics
	for i := range c.history {
		ts := c.history[i].Timestamp
		if !ts.Before(start) && !ts.After(end) {
			out = append(out, *c.history[i].Clone())
		}
	}
	return out
}

// LastUpdate returns the timestamp of the latest poll
func (c *Coordinator) LastUpdate() (time.Time, bool) {
	c.historyMu.RLock()
	defer c.historyMu.RUnlock()
	return c.lastUpdate, !c.lastUpdate.IsZero()
}

// TotalEarnings sums the hourly earnings of every retained snapshot
func (c *Coordinator) TotalEarnings() float64 {
	c.historyMu.RLock()
	defer c.historyMu.RUnlock()

	total := 0.0
	for i := range c.history {
		total += c.history[i].TotalEarningsPerHour
	}
	return total
}

// ClearHistory drops every retained snapshot
func (c *Coordinator) ClearHistory() {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	c.history = nil
}

// ProviderStatus queries one provider directly. Individual call failures
// leave the corresponding fields zero or nil.
func (c *Coordinator) ProviderStatus(ctx context.Context, id string) (*models.ProviderStatus, error) {
	c.registryMu.RLock()
	p, ok := c.providers[id]
	c.registryMu.RUnlock()

	if !ok {
		return nil, orchaerrors.Coordination("provider_status", fmt.Sprintf("provider %s not registered", id), orchaerrors.ErrProviderNotFound).ForProvider(id)
	}

	timeout := c.config.ProviderTimeout
	status := &models.ProviderStatus{ProviderID: id}
	if earnings, err := bounded(ctx, timeout, p.CurrentEarnings); err == nil {
		status.EarningsPerHour = earnings.AmountUSD
	}
	if strategy, err := bounded(ctx, timeout, p.CurrentAllocation); err == nil {
		status.AllocationPercent = strategy.AllocationPercent
	}
	if resources, err := bounded(ctx, timeout, p.ResourceUsage); err == nil {
		status.Resources = resources
	}
	if health, err := bounded(ctx, timeout, p.HealthCheck); err == nil {
		status.Health = health
	}

	return status, nil
}
