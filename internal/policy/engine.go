package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.uber.org/zap"

	"github.com/depin-orcha/orcha/internal/logging"
	"github.com/depin-orcha/orcha/internal/models"
)

// Engine defines the policy engine interface
type Engine interface {
	// Policy management
	CreatePolicy(ctx context.Context, policy *Policy) error
	UpdatePolicy(ctx context.Context, id string, policy *Policy) error
	DeletePolicy(ctx context.Context, id string) error
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	ListPolicies(ctx context.Context, filter *Filter) ([]*Policy, error)

	// Plan evaluation
	Evaluate(ctx context.Context, plan *models.AllocationPlan) error
	ValidatePolicy(ctx context.Context, policy *Policy) error
}

// Policy is a named set of Rego rules. Each rule module must declare the
// package named by its key and may define a partial set `deny` of messages.
type Policy struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Version   int               `json:"version"`
	Rules     map[string]string `json:"rules"`
	Metadata  map[string]string `json:"metadata"`
	CreatedAt time.Time         `json:"created_at"`
	CreatedBy string            `json:"created_by"`
}

// Filter represents policy filtering options
type Filter struct {
	Name      string `json:"name,omitempty"`
	CreatedBy string `json:"created_by,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

// DeniedError lists the deny messages produced for a plan
type DeniedError struct {
	PlanID     string
	Violations []Violation
}

// Violation is one deny message and the policy rule that produced it
type Violation struct {
	PolicyID string `json:"policy_id"`
	Rule     string `json:"rule"`
	Message  string `json:"message"`
}

func (e *DeniedError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, fmt.Sprintf("%s/%s: %s", v.PolicyID, v.Rule, v.Message))
	}
	return fmt.Sprintf("plan %s denied: %s", e.PlanID, strings.Join(msgs, "; "))
}

// Limits are the configured thresholds rules read from input.limits
type Limits struct {
	MinProviderAllocation float64
	MaxProviderAllocation float64
	MinConfidence         float64
}

// DefaultLimits returns the thresholds used when none are configured
func DefaultLimits() Limits {
	return Limits{
		MinProviderAllocation: 5,
		MaxProviderAllocation: 80,
		MinConfidence:         0.5,
	}
}

// OPAEngine implements the policy engine using Open Policy Agent
type OPAEngine struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	prepared map[string]map[string]rego.PreparedEvalQuery
	limits   Limits
	store    storage.Store
	logger   logging.Logger
}

// NewOPAEngine creates a new OPA-based policy engine
func NewOPAEngine(logger logging.Logger) *OPAEngine {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &OPAEngine{
		policies: make(map[string]*Policy),
		prepared: make(map[string]map[string]rego.PreparedEvalQuery),
		limits:   DefaultLimits(),
		store:    inmem.New(),
		logger:   logger.Named("policy"),
	}
}

// SetLimits replaces the thresholds exposed to rules. Zero fields keep their defaults.
func (e *OPAEngine) SetLimits(l Limits) {
	defaults := DefaultLimits()
	if l.MinProviderAllocation <= 0 {
		l.MinProviderAllocation = defaults.MinProviderAllocation
	}
	if l.MaxProviderAllocation <= 0 {
		l.MaxProviderAllocation = defaults.MaxProviderAllocation
	}
	if l.MinConfidence <= 0 {
		l.MinConfidence = defaults.MinConfidence
	}

	e.mu.Lock()
	e.limits = l
	e.mu.Unlock()
}

// CreatePolicy creates a new policy
func (e *OPAEngine) CreatePolicy(ctx context.Context, policy *Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.policies[policy.ID]; exists {
		return fmt.Errorf("policy with ID %s already exists", policy.ID)
	}

	queries, err := e.prepare(ctx, policy)
	if err != nil {
		return fmt.Errorf("policy validation failed: %w", err)
	}

	policy.CreatedAt = time.Now()
	policy.Version = 1
	e.policies[policy.ID] = policy
	e.prepared[policy.ID] = queries

	return nil
}

// UpdatePolicy updates an existing policy
func (e *OPAEngine) UpdatePolicy(ctx context.Context, id string, policy *Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	existing, exists := e.policies[id]
	if !exists {
		return fmt.Errorf("policy with ID %s not found", id)
	}

	queries, err := e.prepare(ctx, policy)
	if err != nil {
		return fmt.Errorf("policy validation failed: %w", err)
	}

	policy.ID = id
	policy.Version = existing.Version + 1
	policy.CreatedAt = existing.CreatedAt
	e.policies[id] = policy
	e.prepared[id] = queries

	return nil
}

// DeletePolicy deletes a policy
func (e *OPAEngine) DeletePolicy(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.policies[id]; !exists {
		return fmt.Errorf("policy with ID %s not found", id)
	}

	delete(e.policies, id)
	delete(e.prepared, id)
	return nil
}

// GetPolicy retrieves a policy by ID
func (e *OPAEngine) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policy, exists := e.policies[id]
	if !exists {
		return nil, fmt.Errorf("policy with ID %s not found", id)
	}

	return policy, nil
}

// ListPolicies lists policies ordered by ID with optional filtering
func (e *OPAEngine) ListPolicies(ctx context.Context, filter *Filter) ([]*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := []*Policy{}
	for _, policy := range e.policies {
		if filter != nil {
			if filter.Name != "" && policy.Name != filter.Name {
				continue
			}
			if filter.CreatedBy != "" && policy.CreatedBy != filter.CreatedBy {
				continue
			}
		}
		result = append(result, policy)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	// Apply pagination
	if filter != nil && filter.Limit > 0 {
		start := filter.Offset
		end := start + filter.Limit
		if start >= len(result) {
			return []*Policy{}, nil
		}
		if end > len(result) {
			end = len(result)
		}
		result = result[start:end]
	}

	return result, nil
}

// ValidatePolicy validates a policy's Rego rules
func (e *OPAEngine) ValidatePolicy(ctx context.Context, policy *Policy) error {
	_, err := e.prepare(ctx, policy)
	return err
}

// prepare compiles every rule of policy into a query for its deny set
func (e *OPAEngine) prepare(ctx context.Context, policy *Policy) (map[string]rego.PreparedEvalQuery, error) {
	if len(policy.Rules) == 0 {
		return nil, fmt.Errorf("policy %s has no rules", policy.ID)
	}

	queries := make(map[string]rego.PreparedEvalQuery, len(policy.Rules))
	for ruleName, ruleContent := range policy.Rules {
		r := rego.New(
			rego.Query(fmt.Sprintf("data.%s.deny", ruleName)),
			rego.Module(ruleName+".rego", ruleContent),
			rego.Store(e.store),
		)

		pq, err := r.PrepareForEval(ctx)
		if err != nil {
			return nil, fmt.Errorf("invalid Rego rule %s: %w", ruleName, err)
		}
		queries[ruleName] = pq
	}
	return queries, nil
}

// Evaluate runs every policy against plan and returns a *DeniedError when any
// rule produces a deny message.
func (e *OPAEngine) Evaluate(ctx context.Context, plan *models.AllocationPlan) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := planInput(plan, e.limits)

	ids := make([]string, 0, len(e.prepared))
	for id := range e.prepared {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var violations []Violation
	for _, policyID := range ids {
		rules := e.prepared[policyID]
		names := make([]string, 0, len(rules))
		for name := range rules {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, ruleName := range names {
			rs, err := rules[ruleName].Eval(ctx, rego.EvalInput(input))
			if err != nil {
				return fmt.Errorf("failed to evaluate rule %s of policy %s: %w", ruleName, policyID, err)
			}
			for _, msg := range denyMessages(rs) {
				violations = append(violations, Violation{PolicyID: policyID, Rule: ruleName, Message: msg})
			}
		}
	}

	if len(violations) > 0 {
		e.logger.Warn(ctx, "Plan denied by policy",
			zap.String("plan_id", plan.ID),
			zap.Int("violations", len(violations)))
		return &DeniedError{PlanID: plan.ID, Violations: violations}
	}
	return nil
}

func planInput(plan *models.AllocationPlan, limits Limits) map[string]interface{} {
	allocation := make(map[string]interface{}, len(plan.Allocation))
	for id, v := range plan.Allocation {
		allocation[id] = v
	}
	providers := make([]interface{}, 0, len(plan.Allocation))
	for _, id := range plan.Providers() {
		providers = append(providers, id)
	}

	return map[string]interface{}{
		"plan": map[string]interface{}{
			"id":                    plan.ID,
			"allocation":            allocation,
			"providers":             providers,
			"estimated_improvement": plan.EstimatedImprovement,
			"estimated_cost":        plan.EstimatedCost,
			"net_benefit":           plan.NetBenefit,
			"roi_percent":           plan.ROIPercent,
			"confidence":            plan.Confidence,
		},
		"limits": map[string]interface{}{
			"min_provider_allocation": limits.MinProviderAllocation,
			"max_provider_allocation": limits.MaxProviderAllocation,
			"min_confidence":          limits.MinConfidence,
		},
	}
}

// denyMessages extracts the strings of a deny set result
func denyMessages(rs rego.ResultSet) []string {
	var msgs []string
	for _, result := range rs {
		for _, expr := range result.Expressions {
			values, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, v := range values {
				if s, ok := v.(string); ok {
					msgs = append(msgs, s)
				} else {
					msgs = append(msgs, fmt.Sprint(v))
				}
			}
		}
	}
	sort.Strings(msgs)
	return msgs
}

// LoadFiles creates one policy per .rego file. The rule name is the file name
// without extension and must match the module's package.
func (e *OPAEngine) LoadFiles(ctx context.Context, paths []string) error {
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy %s: %w", path, err)
		}

		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		policy := &Policy{
			ID:        name,
			Name:      name,
			Rules:     map[string]string{name: string(content)},
			Metadata:  map[string]string{"source": path},
			CreatedBy: "file",
		}
		if err := e.CreatePolicy(ctx, policy); err != nil {
			return err
		}
		e.logger.Info(ctx, "Loaded policy", zap.String("policy", name), zap.String("path", path))
	}
	return nil
}
