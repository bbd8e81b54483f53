// Package optimizer turns aggregated metrics into ranked reallocation
// opportunities and a target allocation plan.
package optimizer

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	orchaerrors "github.com/depin-orcha/orcha/internal/errors"
	"github.com/depin-orcha/orcha/internal/logging"
	"github.com/depin-orcha/orcha/internal/models"
	"github.com/depin-orcha/orcha/internal/telemetry"
)

const (
	// rateEpsilon is the smallest rate difference worth analysing
	rateEpsilon = 0.01
	// minSourceAllocation is the smallest allocation a provider can give up
	minSourceAllocation = 1.0
	// stepFraction is the share of the source allocation moved per step
	stepFraction = 0.1
	// opportunityComplexity is the fixed complexity of a pairwise move
	opportunityComplexity = 0.3
	// planConfidence is the fixed confidence of a greedy plan
	planConfidence = 0.85
	// normalizationTolerance is the drift from 100% tolerated before normalizing
	normalizationTolerance = 0.1
	// minMove is the smallest slice OptimalAllocation bothers to move
	minMove = 0.1
)

// Config holds optimizer configuration
type Config struct {
	MinImprovementThreshold  float64
	MinImprovementPercent    float64
	MaxAllocationChange      float64
	AnalysisWindowHours      int
	ConfidenceFloor          float64
	DefaultConfidence        float64
	MaxHistory               int
	ReallocationCostFraction float64
}

// DefaultConfig returns the default optimizer configuration
func DefaultConfig() Config {
	return Config{
		MinImprovementThreshold:  0.05,
		MinImprovementPercent:    2.0,
		MaxAllocationChange:      20.0,
		AnalysisWindowHours:      24,
		ConfidenceFloor:          0.7,
		DefaultConfidence:        0.7,
		MaxHistory:               1000,
		ReallocationCostFraction: 0.05,
	}
}

type earningsSample struct {
	timestamp time.Time
	earnings  map[string]float64
}

// Optimizer analyses snapshots. Its only state is the retained earnings
// history used for confidence scoring.
type Optimizer struct {
	config    Config
	logger    logging.Logger
	telemetry *telemetry.Telemetry

	mu      sync.RWMutex
	history []earningsSample
}

// Option configures an Optimizer
type Option func(*Optimizer)

// WithTelemetry records opportunity counts
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *Optimizer) { o.telemetry = t }
}

// New creates an optimizer
func New(cfg Config, logger logging.Logger, opts ...Option) *Optimizer {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultConfig().MaxHistory
	}
	if cfg.ReallocationCostFraction <= 0 {
		cfg.ReallocationCostFraction = DefaultConfig().ReallocationCostFraction
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	o := &Optimizer{
		config: cfg,
		logger: logger.Named("optimizer"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the optimizer configuration
func (o *Optimizer) Config() Config {
	return o.config
}

// RecordEarnings retains the snapshot's per-provider earnings for confidence scoring
func (o *Optimizer) RecordEarnings(metrics *models.AggregatedMetrics) {
	if metrics == nil {
		return
	}

	sample := earningsSample{timestamp: metrics.Timestamp, earnings: make(map[string]float64, len(metrics.EarningsByProvider))}
	for id, rate := range metrics.EarningsByProvider {
		sample.earnings[id] = rate
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.history = append(o.history, sample)
	if overflow := len(o.history) - o.config.MaxHistory; overflow > 0 {
		o.history = append([]earningsSample(nil), o.history[overflow:]...)
	}
}

// HistoryLen returns the number of retained samples
func (o *Optimizer) HistoryLen() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.history)
}

// AnalyzeOpportunities evaluates every ordered pair of connected providers and
// returns the moves that clear both improvement thresholds, best first.
func (o *Optimizer) AnalyzeOpportunities(ctx context.Context, metrics *models.AggregatedMetrics) ([]models.OptimizationOpportunity, error) {
	if metrics == nil {
		return nil, orchaerrors.Calculation("analyze_opportunities", "metrics are required", orchaerrors.ErrNoData)
	}

	connected := metrics.ConnectedProviders()
	opportunities := []models.OptimizationOpportunity{}
	if len(connected) < 2 {
		return opportunities, nil
	}

	for _, from := range connected {
		for _, to := range connected {
			if from == to {
				continue
			}

			fromRate := metrics.EarningsByProvider[from]
			toRate := metrics.EarningsByProvider[to]
			fromAllocation := metrics.AllocationByProvider[from]

			if math.Abs(toRate-fromRate) < rateEpsilon || fromAllocation < minSourceAllocation {
				continue
			}
			if toRate <= fromRate {
				continue
			}

			moved := math.Min(fromAllocation*stepFraction, o.config.MaxAllocationChange)
			improvement := (toRate - fromRate) * moved / 100

			if improvement <= o.config.MinImprovementThreshold {
				continue
			}
			if fromRate > 0 && improvement/fromRate*100 <= o.config.MinImprovementPercent {
				continue
			}

			opportunities = append(opportunities, models.OptimizationOpportunity{
				FromProvider:        from,
				ToProvider:          to,
				CurrentRate:         fromRate,
				ProjectedRate:       toRate,
				EarningsImprovement: improvement,
				Confidence:          o.confidence(metrics.Timestamp, from, to),
				Complexity:          opportunityComplexity,
			})
		}
	}

	sort.SliceStable(opportunities, func(i, j int) bool {
		return opportunities[i].EarningsImprovement > opportunities[j].EarningsImprovement
	})

	_ = o.telemetry.RecordHistogram(ctx, telemetry.MetricOpportunities, float64(len(opportunities)))
	o.logger.Debug(ctx, "Analyzed opportunities",
		zap.Int("connected", len(connected)),
		zap.Int("opportunities", len(opportunities)))

	return opportunities, nil
}

// confidence scores a pair by the stability of both earnings series
func (o *Optimizer) confidence(ref time.Time, from, to string) float64 {
	fromSeries, toSeries := o.series(ref, from), o.series(ref, to)
	if len(fromSeries) == 0 || len(toSeries) == 0 {
		return o.config.DefaultConfidence
	}

	variance := stat.PopVariance(fromSeries, nil) + stat.PopVariance(toSeries, nil)
	stability := 1 / (1 + math.Sqrt(variance))
	return math.Min(0.99, 0.7*stability+0.3)
}

// series returns a provider's retained earnings inside the analysis window
func (o *Optimizer) series(ref time.Time, id string) []float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var cutoff time.Time
	if o.config.AnalysisWindowHours > 0 && !ref.IsZero() {
		cutoff = ref.Add(-time.Duration(o.config.AnalysisWindowHours) * time.Hour)
	}

	var out []float64
	for _, sample := range o.history {
		if !cutoff.IsZero() && sample.timestamp.Before(cutoff) {
			continue
		}
		if rate, ok := sample.earnings[id]; ok {
			out = append(out, rate)
		}
	}
	return out
}

// OptimalAllocation builds a greedy plan that moves one bounded slice from the
// least to the most efficient provider.
func (o *Optimizer) OptimalAllocation(ctx context.Context, metrics *models.AggregatedMetrics) (*models.AllocationPlan, error) {
	if metrics == nil {
		return nil, orchaerrors.Calculation("optimal_allocation", "metrics are required", orchaerrors.ErrNoData)
	}

	allocation := normalize(metrics.AllocationByProvider)

	type efficiency struct {
		id    string
		value float64
	}
	ranked := make([]efficiency, 0, len(metrics.EarningsByProvider))
	for id, rate := range metrics.EarningsByProvider {
		alloc, ok := allocation[id]
		if !ok {
			alloc = 1.0
		}
		ranked = append(ranked, efficiency{id: id, value: rate / math.Max(alloc, 0.1)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].value != ranked[j].value {
			return ranked[i].value > ranked[j].value
		}
		return ranked[i].id < ranked[j].id
	})

	if len(ranked) >= 2 {
		top, bottom := ranked[0].id, ranked[len(ranked)-1].id
		move := math.Min(allocation[bottom]*stepFraction, o.config.MaxAllocationChange)
		if move > minMove {
			allocation[bottom] -= move
			allocation[top] += move
		}
	}

	improvement := EstimateEarnings(allocation, metrics.EarningsByProvider)
	cost := improvement * o.config.ReallocationCostFraction
	net := improvement - cost
	roi := 100.0
	if cost > 0.001 {
		roi = net / cost * 100
	}

	plan := &models.AllocationPlan{
		ID:                   uuid.NewString(),
		Allocation:           allocation,
		EstimatedImprovement: improvement,
		EstimatedCost:        cost,
		NetBenefit:           net,
		ROIPercent:           roi,
		Confidence:           planConfidence,
		CreatedAt:            time.Now(),
	}

	o.logger.Debug(ctx, "Calculated optimal allocation",
		zap.String("plan_id", plan.ID),
		zap.Float64("estimated_improvement", improvement),
		zap.Float64("net_benefit", net))

	return plan, nil
}

// normalize copies allocation, rescaling it to sum to 100 when it has drifted
func normalize(allocation map[string]float64) map[string]float64 {
	total := 0.0
	for _, v := range allocation {
		total += v
	}

	out := make(map[string]float64, len(allocation))
	scale := 1.0
	if total > 0 && math.Abs(total-100) > normalizationTolerance {
		scale = 100 / total
	}
	for id, v := range allocation {
		out[id] = v * scale
	}
	return out
}

// EstimateEarnings returns sum(rate × allocation/100) over the rated providers
func EstimateEarnings(allocation, rates map[string]float64) float64 {
	total := 0.0
	for id, rate := range rates {
		total += rate * allocation[id] / 100
	}
	return total
}

// ShouldReallocate reports whether the best opportunity, and the plan when
// given, justify executing a reallocation.
func (o *Optimizer) ShouldReallocate(opportunities []models.OptimizationOpportunity, plan *models.AllocationPlan) bool {
	if len(opportunities) == 0 {
		return false
	}

	best := opportunities[0]
	if best.EarningsImprovement < o.config.MinImprovementThreshold {
		return false
	}
	if best.Confidence < o.config.ConfidenceFloor {
		return false
	}
	if plan != nil && plan.NetBenefit < o.config.MinImprovementThreshold {
		return false
	}
	return true
}
