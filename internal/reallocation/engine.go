// Package reallocation executes allocation plans against providers under hold
// and rate constraints, rolling back partially applied plans on failure.
package reallocation

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	orchaerrors "github.com/depin-orcha/orcha/internal/errors"
	"github.com/depin-orcha/orcha/internal/logging"
	"github.com/depin-orcha/orcha/internal/models"
	"github.com/depin-orcha/orcha/internal/provider"
	"github.com/depin-orcha/orcha/internal/telemetry"
)

// ChangeReason is recorded on every change produced by a plan execution
const ChangeReason = "Optimization reallocation"

const (
	// allocationTolerance is the allowed distance of a plan total from 100%
	allocationTolerance = 1.0
	// costPerProvider is the flat cost estimate per touched provider
	costPerProvider = 0.05
	rateWindow      = time.Hour
)

// Config holds reallocation engine configuration
type Config struct {
	MinHoldDuration     time.Duration
	MaxPerHour          int
	AutoRollback        bool
	RequireConfirmation bool
	MaxHistory          int
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		MinHoldDuration: time.Hour,
		MaxPerHour:      4,
		AutoRollback:    true,
		MaxHistory:      10000,
	}
}

// Guard vets a validated plan before anything is applied
type Guard interface {
	Evaluate(ctx context.Context, plan *models.AllocationPlan) error
}

// Engine gates plan execution. A single mutex covers the whole
// check-then-act sequence, so concurrent executions are serialised.
type Engine struct {
	config    Config
	logger    logging.Logger
	telemetry *telemetry.Telemetry
	guard     Guard
	now       func() time.Time

	execMu sync.Mutex

	stateMu    sync.RWMutex
	history    []models.AllocationChange
	executions []time.Time
	last       time.Time
	previous   map[string]models.AllocationStrategy
	confirmed  map[string]bool
}

// Option configures an Engine
type Option func(*Engine)

// WithGuard consults g after plan validation
func WithGuard(g Guard) Option {
	return func(e *Engine) { e.guard = g }
}

// WithTelemetry records reallocation outcomes
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(e *Engine) { e.telemetry = t }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an idle engine
func New(cfg Config, logger logging.Logger, opts ...Option) *Engine {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultConfig().MaxHistory
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	e := &Engine{
		config:    cfg,
		logger:    logger.Named("reallocation"),
		now:       time.Now,
		previous:  make(map[string]models.AllocationStrategy),
		confirmed: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CanReallocate returns an error while the engine is cooling down
func (e *Engine) CanReallocate() error {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.canReallocateLocked(e.now())
}

func (e *Engine) canReallocateLocked(now time.Time) error {
	if e.last.IsZero() {
		return nil
	}

	if elapsed := now.Sub(e.last); elapsed < e.config.MinHoldDuration {
		return orchaerrors.Reallocation("can_reallocate",
			fmt.Sprintf("wait %s more", (e.config.MinHoldDuration-elapsed).Round(time.Second)),
			orchaerrors.ErrHoldDuration)
	}

	recent := 0
	for _, ts := range e.executions {
		if now.Sub(ts) < rateWindow {
			recent++
		}
	}
	if recent >= e.config.MaxPerHour {
		return orchaerrors.Reallocation("can_reallocate",
			fmt.Sprintf("%d executions in the last hour", recent),
			orchaerrors.ErrRateLimited)
	}
	return nil
}

// ConfirmPlan marks plan as confirmed for engines that require confirmation
func (e *Engine) ConfirmPlan(plan *models.AllocationPlan) {
	if plan == nil {
		return
	}
	e.stateMu.Lock()
	e.confirmed[plan.ID] = true
	e.stateMu.Unlock()
	plan.Confirmed = true
}

func (e *Engine) isConfirmed(plan *models.AllocationPlan) bool {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return plan.Confirmed && e.confirmed[plan.ID]
}

// ExecuteReallocation applies plan to providers.
//
// Constraint and validation failures return before any provider is touched.
// When an apply fails and AutoRollback is enabled, every provider already
// changed is reverted; a failed revert is reported as *errors.RollbackError.
// Without AutoRollback the partial result lists the providers left changed.
func (e *Engine) ExecuteReallocation(ctx context.Context, plan *models.AllocationPlan, providers map[string]provider.Provider) (*models.ExecutionResult, error) {
	ctx, span := e.telemetry.StartSpan(ctx, "reallocation.execute")
	defer span.End()

	e.execMu.Lock()
	defer e.execMu.Unlock()

	if err := e.CanReallocate(); err != nil {
		e.telemetry.RecordReallocation(ctx, "throttled")
		return nil, err
	}
	if plan == nil {
		return nil, orchaerrors.Reallocation("execute", "plan is required", orchaerrors.ErrInvalidPlan)
	}
	if e.config.RequireConfirmation && !e.isConfirmed(plan) {
		e.telemetry.RecordReallocation(ctx, "unconfirmed")
		return nil, orchaerrors.Reallocation("execute", fmt.Sprintf("plan %s", plan.ID), orchaerrors.ErrNotConfirmed)
	}
	if err := ValidatePlan(plan, providers); err != nil {
		e.telemetry.RecordReallocation(ctx, "invalid")
		return nil, err
	}
	if e.guard != nil {
		if err := e.guard.Evaluate(ctx, plan); err != nil {
			e.telemetry.RecordReallocation(ctx, "denied")
			return nil, orchaerrors.Reallocation("execute", err.Error(), orchaerrors.ErrPolicyDenied)
		}
	}

	ids := plan.Providers()
	snapshot := make(map[string]models.AllocationStrategy, len(ids))
	for _, id := range ids {
		current, err := providers[id].CurrentAllocation(ctx)
		if err != nil {
			return nil, orchaerrors.Reallocation("snapshot", "failed to read current allocation", err).ForProvider(id)
		}
		if current == nil {
			return nil, orchaerrors.Reallocation("snapshot", "provider returned no allocation", orchaerrors.ErrNoData).ForProvider(id)
		}
		snapshot[id] = *current
	}

	e.stateMu.Lock()
	e.previous = snapshot
	e.stateMu.Unlock()

	result := &models.ExecutionResult{PlanID: plan.ID, Applied: []string{}, StartedAt: e.now()}
	for _, id := range ids {
		strategy := snapshot[id]
		strategy.AllocationPercent = plan.Allocation[id]

		if err := providers[id].ApplyAllocation(ctx, strategy); err != nil {
			applyErr := orchaerrors.Reallocation("apply", "failed to apply allocation", err).ForProvider(id)
			result.FinishedAt = e.now()
			return result, e.handleApplyFailure(ctx, result, snapshot, providers, applyErr)
		}
		result.Applied = append(result.Applied, id)
		e.logger.Info(ctx, "Applied allocation",
			zap.String("provider", id),
			zap.Float64("allocation_percent", strategy.AllocationPercent))
	}

	now := e.now()
	result.FinishedAt = now
	for _, id := range ids {
		result.Changes = append(result.Changes, models.AllocationChange{
			Timestamp:      now,
			Provider:       id,
			OldAllocation:  snapshot[id].AllocationPercent,
			NewAllocation:  plan.Allocation[id],
			Reason:         ChangeReason,
			EarningsImpact: plan.EstimatedImprovement,
		})
	}

	e.stateMu.Lock()
	e.history = append(e.history, result.Changes...)
	if overflow := len(e.history) - e.config.MaxHistory; overflow > 0 {
		e.history = append([]models.AllocationChange(nil), e.history[overflow:]...)
	}
	e.executions = append(e.executions, now)
	e.pruneExecutionsLocked(now)
	e.last = now
	delete(e.confirmed, plan.ID)
	e.stateMu.Unlock()

	e.telemetry.RecordReallocation(ctx, "success")
	e.logger.Info(ctx, "Reallocation completed",
		zap.String("plan_id", plan.ID),
		zap.Int("providers", len(ids)),
		zap.Float64("estimated_improvement", plan.EstimatedImprovement))

	return result, nil
}

func (e *Engine) handleApplyFailure(ctx context.Context, result *models.ExecutionResult, snapshot map[string]models.AllocationStrategy, providers map[string]provider.Provider, applyErr error) error {
	if !e.config.AutoRollback {
		e.telemetry.RecordReallocation(ctx, "partial")
		e.logger.Error(ctx, "Reallocation failed without rollback, allocations partially applied",
			zap.Strings("applied", result.Applied),
			zap.Error(applyErr))
		return applyErr
	}

	e.logger.Warn(ctx, "Reallocation failed, rolling back",
		zap.Strings("applied", result.Applied),
		zap.Error(applyErr))

	var rollbackErr error
	for i := len(result.Applied) - 1; i >= 0; i-- {
		id := result.Applied[i]
		if err := providers[id].ApplyAllocation(ctx, snapshot[id]); err != nil {
			e.logger.Error(ctx, "Rollback failed", zap.String("provider", id), zap.Error(err))
			if rollbackErr == nil {
				rollbackErr = &orchaerrors.RollbackError{ProviderID: id, Cause: err, Original: applyErr}
			}
			continue
		}
		result.RolledBack = append(result.RolledBack, id)
	}

	_ = e.telemetry.IncrementCounter(ctx, telemetry.MetricRollbacks)
	if rollbackErr != nil {
		e.telemetry.RecordReallocation(ctx, "rollback_failed")
		return rollbackErr
	}
	e.telemetry.RecordReallocation(ctx, "rolled_back")
	return applyErr
}

func (e *Engine) pruneExecutionsLocked(now time.Time) {
	keep := e.executions[:0]
	for _, ts := range e.executions {
		if now.Sub(ts) < rateWindow {
			keep = append(keep, ts)
		}
	}
	e.executions = keep
}

// ValidatePlan checks that every plan provider is known, the allocation sums to
// 100 within tolerance and the net benefit is not negative.
func ValidatePlan(plan *models.AllocationPlan, providers map[string]provider.Provider) error {
	if len(plan.Allocation) == 0 {
		return orchaerrors.Reallocation("validate", "plan has no allocation", orchaerrors.ErrInvalidPlan)
	}
	for _, id := range plan.Providers() {
		if _, ok := providers[id]; !ok {
			return orchaerrors.Reallocation("validate", fmt.Sprintf("provider %s not registered", id), orchaerrors.ErrProviderNotFound).ForProvider(id)
		}
	}
	if total := plan.TotalAllocation(); math.Abs(total-100) > allocationTolerance {
		return orchaerrors.Reallocation("validate", fmt.Sprintf("total allocation %.2f%% is not 100%%", total), orchaerrors.ErrInvalidPlan)
	}
	if plan.NetBenefit < 0 {
		return orchaerrors.Reallocation("validate", "plan has negative net benefit", orchaerrors.ErrInvalidPlan)
	}
	return nil
}

// RollbackAllocation re-applies the allocations captured by the last execution
func (e *Engine) RollbackAllocation(ctx context.Context, providers map[string]provider.Provider) error {
	e.execMu.Lock()
	defer e.execMu.Unlock()

	e.stateMu.RLock()
	previous := make(map[string]models.AllocationStrategy, len(e.previous))
	for id, s := range e.previous {
		previous[id] = s
	}
	e.stateMu.RUnlock()

	if len(previous) == 0 {
		return orchaerrors.Reallocation("rollback", "no previous allocation recorded", orchaerrors.ErrNoData)
	}

	for id, strategy := range previous {
		p, ok := providers[id]
		if !ok {
			return orchaerrors.Reallocation("rollback", fmt.Sprintf("provider %s not registered", id), orchaerrors.ErrProviderNotFound).ForProvider(id)
		}
		if err := p.ApplyAllocation(ctx, strategy); err != nil {
			return orchaerrors.Reallocation("rollback", "failed to restore allocation", err).ForProvider(id)
		}
		e.logger.Info(ctx, "Rolled back allocation",
			zap.String("provider", id),
			zap.Float64("allocation_percent", strategy.AllocationPercent))
	}

	_ = e.telemetry.IncrementCounter(ctx, telemetry.MetricRollbacks)
	return nil
}

// PreviousAllocation returns the percentages captured by the last execution
func (e *Engine) PreviousAllocation() map[string]float64 {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	out := make(map[string]float64, len(e.previous))
	for id, s := range e.previous {
		out[id] = s.AllocationPercent
	}
	return out
}

// History returns every recorded change, oldest first
func (e *Engine) History() []models.AllocationChange {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return append([]models.AllocationChange(nil), e.history...)
}

// RecentReallocations returns changes newer than hours ago
func (e *Engine) RecentReallocations(hours int) []models.AllocationChange {
	cutoff := e.now().Add(-time.Duration(hours) * time.Hour)

	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	var out []models.AllocationChange
	for _, c := range e.history {
		if c.Timestamp.After(cutoff) {
			out = append(out, c)
		}
	}
	return out
}

// LastReallocation returns the time of the last successful execution
func (e *Engine) LastReallocation() (time.Time, bool) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.last, !e.last.IsZero()
}

// EstimateCost returns the flat cost of touching n providers
func (e *Engine) EstimateCost(n int) float64 {
	return costPerProvider * float64(n)
}
