package provider

import (
	"fmt"

	"github.com/depin-orcha/orcha/internal/config"
	"github.com/depin-orcha/orcha/internal/logging"
)

// FromConfig builds a simulated provider for a configured entry. sampler is
// attached only when the entry asks for host metrics.
func FromConfig(cfg config.ProviderConfig, sampler ResourceSampler, logger logging.Logger) (*Simulated, error) {
	profileName := cfg.Profile
	if profileName == "" {
		profileName = cfg.ID
	}

	profile, ok := LookupProfile(profileName)
	if !ok {
		return nil, fmt.Errorf("unknown provider profile %q for %s (known: %v)", profileName, cfg.ID, ProfileNames())
	}

	opts := []SimulatedOption{WithCredential(cfg.Credential)}
	if logger != nil {
		opts = append(opts, WithLogger(logger))
	}
	if cfg.InitialAllocation > 0 {
		if cfg.InitialAllocation < profile.MinAllocationPercent || cfg.InitialAllocation > profile.MaxAllocationPercent {
			return nil, fmt.Errorf("initial allocation %.2f%% for %s outside profile range %.0f-%.0f%%",
				cfg.InitialAllocation, cfg.ID, profile.MinAllocationPercent, profile.MaxAllocationPercent)
		}
		opts = append(opts, WithInitialAllocation(cfg.InitialAllocation))
	}
	if cfg.HostMetrics && sampler != nil {
		opts = append(opts, WithSampler(sampler))
	}

	return NewSimulated(cfg.ID, profile, opts...), nil
}
