package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/depin-orcha/orcha/internal/logging"
	"github.com/depin-orcha/orcha/internal/models"
)

const capRule = `
package cap_golem

deny[msg] {
	input.plan.allocation.golem > 40
	msg := "golem is capped at 40%"
}
`

func newTestEngine(t *testing.T) *OPAEngine {
	t.Helper()
	return NewOPAEngine(logging.NewFromZap(zaptest.NewLogger(t)))
}

func testPlan(allocation map[string]float64) *models.AllocationPlan {
	return &models.AllocationPlan{
		ID:         "plan-1",
		Allocation: allocation,
		NetBenefit: 1.2,
		Confidence: 0.85,
	}
}

func TestOPAEngine_CreatePolicy(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	policy := &Policy{
		ID:        "golem-cap",
		Name:      "Golem Cap",
		Rules:     map[string]string{"cap_golem": capRule},
		Metadata:  map[string]string{"description": "Test policy"},
		CreatedBy: "test-user",
	}

	require.NoError(t, engine.CreatePolicy(ctx, policy))

	retrieved, err := engine.GetPolicy(ctx, "golem-cap")
	require.NoError(t, err)
	assert.Equal(t, "Golem Cap", retrieved.Name)
	assert.Equal(t, 1, retrieved.Version)
	assert.Equal(t, "test-user", retrieved.CreatedBy)
	assert.False(t, retrieved.CreatedAt.IsZero())

	err = engine.CreatePolicy(ctx, &Policy{ID: "golem-cap", Rules: map[string]string{"cap_golem": capRule}})
	assert.Error(t, err, "duplicate ids are rejected")
}

func TestOPAEngine_InvalidRego(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	err := engine.CreatePolicy(ctx, &Policy{
		ID:    "broken",
		Rules: map[string]string{"broken": "package broken\n\ndeny[msg] {"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy validation failed")

	assert.Error(t, engine.ValidatePolicy(ctx, &Policy{ID: "empty"}))
	_, err = engine.GetPolicy(ctx, "broken")
	assert.Error(t, err)
}

func TestOPAEngine_UpdateAndDelete(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.CreatePolicy(ctx, &Policy{ID: "cap", Name: "v1", Rules: map[string]string{"cap_golem": capRule}}))
	require.NoError(t, engine.UpdatePolicy(ctx, "cap", &Policy{Name: "v2", Rules: map[string]string{"cap_golem": capRule}}))

	updated, err := engine.GetPolicy(ctx, "cap")
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "v2", updated.Name)

	assert.Error(t, engine.UpdatePolicy(ctx, "missing", &Policy{Rules: map[string]string{"cap_golem": capRule}}))

	require.NoError(t, engine.DeletePolicy(ctx, "cap"))
	assert.Error(t, engine.DeletePolicy(ctx, "cap"))
	assert.NoError(t, engine.Evaluate(ctx, testPlan(map[string]float64{"golem": 90, "storj": 10})), "deleted policies no longer apply")
}

func TestOPAEngine_ListPolicies(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, engine.LoadDefaults(ctx, "provider-floor"))

	all, err := engine.ListPolicies(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "max-provider-share", all[0].ID)

	page, err := engine.ListPolicies(ctx, &Filter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "min-confidence", page[0].ID)

	byName, err := engine.ListPolicies(ctx, &Filter{Name: "Provider Allocation Floor"})
	require.NoError(t, err)
	require.Len(t, byName, 1)

	empty, err := engine.ListPolicies(ctx, &Filter{Limit: 5, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestOPAEngine_Evaluate(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, engine.CreatePolicy(ctx, &Policy{ID: "cap", Rules: map[string]string{"cap_golem": capRule}}))

	assert.NoError(t, engine.Evaluate(ctx, testPlan(map[string]float64{"golem": 35, "storj": 65})))

	err := engine.Evaluate(ctx, testPlan(map[string]float64{"golem": 45, "storj": 55}))
	require.Error(t, err)

	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "plan-1", denied.PlanID)
	require.Len(t, denied.Violations, 1)
	assert.Equal(t, Violation{PolicyID: "cap", Rule: "cap_golem", Message: "golem is capped at 40%"}, denied.Violations[0])
	assert.Contains(t, err.Error(), "golem is capped at 40%")
}

func TestOPAEngine_LoadFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cap_golem.rego")
	require.NoError(t, os.WriteFile(path, []byte(capRule), 0o600))

	engine := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, engine.LoadFiles(ctx, []string{path}))

	p, err := engine.GetPolicy(ctx, "cap_golem")
	require.NoError(t, err)
	assert.Equal(t, path, p.Metadata["source"])
	assert.Error(t, engine.Evaluate(ctx, testPlan(map[string]float64{"golem": 60, "storj": 40})))

	assert.Error(t, engine.LoadFiles(ctx, []string{filepath.Join(dir, "missing.rego")}))
}
