package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depin-orcha/orcha/internal/models"
)

func TestPolicyTemplatesCompile(t *testing.T) {
	engine := NewOPAEngine(nil)
	ctx := context.Background()

	for id := range PolicyTemplates {
		t.Run(id, func(t *testing.T) {
			assert.NoError(t, engine.ValidatePolicy(ctx, TemplateByID(id)))
		})
	}
}

func TestTemplateByIDCopies(t *testing.T) {
	p := TemplateByID("min-confidence")
	require.NotNil(t, p)
	p.Rules["min_confidence"] = "changed"
	assert.NotEqual(t, "changed", PolicyTemplates["min-confidence"].Rules["min_confidence"])

	assert.Nil(t, TemplateByID("unknown"))
}

func TestLoadDefaultsUnknownTemplate(t *testing.T) {
	err := NewOPAEngine(nil).LoadDefaults(context.Background(), "nope")
	var unknown *UnknownTemplateError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "nope", unknown.ID)
}

func TestDefaultPolicies(t *testing.T) {
	ctx := context.Background()
	engine := NewOPAEngine(nil)
	require.NoError(t, engine.LoadDefaults(ctx, "provider-floor", "positive-net-benefit"))

	tests := []struct {
		name       string
		plan       *models.AllocationPlan
		violations []string
	}{
		{
			name: "balanced plan passes",
			plan: &models.AllocationPlan{ID: "ok", Allocation: map[string]float64{"a": 45, "b": 55}, Confidence: 0.85, NetBenefit: 3},
		},
		{
			name:       "concentrated plan",
			plan:       &models.AllocationPlan{ID: "conc", Allocation: map[string]float64{"a": 90, "b": 10}, Confidence: 0.85, NetBenefit: 3},
			violations: []string{"provider a would receive 90% of resources"},
		},
		{
			name:       "low confidence",
			plan:       &models.AllocationPlan{ID: "low", Allocation: map[string]float64{"a": 50, "b": 50}, Confidence: 0.3, NetBenefit: 3},
			violations: []string{"plan confidence 0.3 is below 0.5"},
		},
		{
			name:       "provider starved",
			plan:       &models.AllocationPlan{ID: "starved", Allocation: map[string]float64{"a": 3, "b": 60, "c": 37}, Confidence: 0.85, NetBenefit: 3},
			violations: []string{"provider a would fall to 3%"},
		},
		{
			name:       "no net benefit",
			plan:       &models.AllocationPlan{ID: "flat", Allocation: map[string]float64{"a": 50, "b": 50}, Confidence: 0.85},
			violations: []string{"plan has no net benefit"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.Evaluate(ctx, tt.plan)
			if len(tt.violations) == 0 {
				assert.NoError(t, err)
				return
			}

			var denied *DeniedError
			require.True(t, errors.As(err, &denied))
			var msgs []string
			for _, v := range denied.Violations {
				msgs = append(msgs, v.Message)
			}
			assert.Equal(t, tt.violations, msgs)
		})
	}
}

func TestSetLimits(t *testing.T) {
	ctx := context.Background()
	engine := NewOPAEngine(nil)
	require.NoError(t, engine.LoadDefaults(ctx))

	plan := &models.AllocationPlan{ID: "p", Allocation: map[string]float64{"a": 70, "b": 30}, Confidence: 0.6, NetBenefit: 1}
	require.NoError(t, engine.Evaluate(ctx, plan))

	engine.SetLimits(Limits{MaxProviderAllocation: 60, MinConfidence: 0.65})

	var denied *DeniedError
	require.True(t, errors.As(engine.Evaluate(ctx, plan), &denied))
	require.Len(t, denied.Violations, 2)
	assert.Equal(t, "max-provider-share", denied.Violations[0].PolicyID)
	assert.Equal(t, "min-confidence", denied.Violations[1].PolicyID)
}
