package policy

import "context"

// PolicyTemplates contains predefined plan guards
var PolicyTemplates = map[string]*Policy{
	"max-provider-share": {
		ID:   "max-provider-share",
		Name: "Maximum Provider Share",
		Rules: map[string]string{
			"max_provider_share": `
package max_provider_share

# No single provider may hold more than the configured share of resources
deny[msg] {
	share := input.plan.allocation[id]
	share > input.limits.max_provider_allocation
	msg := sprintf("provider %s would receive %v%% of resources", [id, share])
}`,
		},
		Metadata: map[string]string{
			"description": "Caps the share any one provider can receive",
			"category":    "concentration",
		},
	},

	"min-confidence": {
		ID:   "min-confidence",
		Name: "Minimum Plan Confidence",
		Rules: map[string]string{
			"min_confidence": `
package min_confidence

deny[msg] {
	input.plan.confidence < input.limits.min_confidence
	msg := sprintf("plan confidence %v is below %v", [input.plan.confidence, input.limits.min_confidence])
}`,
		},
		Metadata: map[string]string{
			"description": "Refuses plans the optimizer is unsure about",
			"category":    "quality",
		},
	},

	"provider-floor": {
		ID:   "provider-floor",
		Name: "Provider Allocation Floor",
		Rules: map[string]string{
			"provider_floor": `
package provider_floor

# Keep every provider above the floor so none silently drops out
deny[msg] {
	share := input.plan.allocation[id]
	share < input.limits.min_provider_allocation
	msg := sprintf("provider %s would fall to %v%%", [id, share])
}`,
		},
		Metadata: map[string]string{
			"description": "Keeps every provider above a minimum share",
			"category":    "availability",
		},
	},

	"positive-net-benefit": {
		ID:   "positive-net-benefit",
		Name: "Positive Net Benefit",
		Rules: map[string]string{
			"positive_net_benefit": `
package positive_net_benefit

deny[msg] {
	input.plan.net_benefit <= 0
	msg := "plan has no net benefit"
}`,
		},
		Metadata: map[string]string{
			"description": "Refuses plans whose cost cancels the improvement",
			"category":    "quality",
		},
	},
}

// DefaultPolicyIDs are the templates installed by LoadDefaults
var DefaultPolicyIDs = []string{"max-provider-share", "min-confidence"}

// GetDefaultPolicies returns fresh copies of the default policies
func GetDefaultPolicies() []*Policy {
	policies := make([]*Policy, 0, len(DefaultPolicyIDs))
	for _, id := range DefaultPolicyIDs {
		if p := TemplateByID(id); p != nil {
			policies = append(policies, p)
		}
	}
	return policies
}

// TemplateByID returns a copy of the template with id, or nil
func TemplateByID(id string) *Policy {
	tmpl, ok := PolicyTemplates[id]
	if !ok {
		return nil
	}

	p := *tmpl
	p.Rules = make(map[string]string, len(tmpl.Rules))
	for k, v := range tmpl.Rules {
		p.Rules[k] = v
	}
	p.Metadata = make(map[string]string, len(tmpl.Metadata))
	for k, v := range tmpl.Metadata {
		p.Metadata[k] = v
	}
	return &p
}

// LoadDefaults installs the default policies and any additional templates
func (e *OPAEngine) LoadDefaults(ctx context.Context, extraTemplates ...string) error {
	policies := GetDefaultPolicies()
	for _, id := range extraTemplates {
		p := TemplateByID(id)
		if p == nil {
			return &UnknownTemplateError{ID: id}
		}
		policies = append(policies, p)
	}

	for _, p := range policies {
		p.CreatedBy = "system"
		if err := e.CreatePolicy(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// UnknownTemplateError is returned for a template id not in PolicyTemplates
type UnknownTemplateError struct {
	ID string
}

func (e *UnknownTemplateError) Error() string {
	return "unknown policy template " + e.ID
}
