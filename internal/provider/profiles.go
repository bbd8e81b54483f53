package provider

import (
	"sort"

	"github.com/depin-orcha/orcha/internal/models"
)

// Profile describes the economics and limits of a simulated provider
type Profile struct {
	Name                 string
	BaseRatePerHour      float64
	MinAllocationPercent float64
	MaxAllocationPercent float64

	// Zero caps are unlimited.
	MaxBandwidthMbps float64
	MaxCPUCores      uint32
	MaxMemoryGB      float64
	MaxStorageGB     float64

	RequiresCredential bool

	// DefaultStrategy is applied at construction, with the allocation
	// percentage overridden by the configured initial allocation.
	DefaultStrategy models.AllocationStrategy
	// Usage is the synthetic resource figure reported without a sampler.
	Usage models.ResourceMetrics
}

var profiles = map[string]Profile{
	"grass": {
		Name:                 "grass",
		BaseRatePerHour:      0.40,
		MinAllocationPercent: 20,
		MaxAllocationPercent: 100,
		MaxBandwidthMbps:     1000,
		RequiresCredential:   true,
		DefaultStrategy: models.AllocationStrategy{
			CPUCores:          1,
			MemoryGB:          1,
			StorageGB:         10,
			BandwidthMbps:     500,
			AllocationPercent: 75,
		},
		Usage: models.ResourceMetrics{CPUPercent: 5, MemoryMB: 128, BandwidthMbps: 0.4, StorageGB: 1},
	},
	"storj": {
		Name:                 "storj",
		BaseRatePerHour:      0.30,
		MinAllocationPercent: 10,
		MaxAllocationPercent: 50,
		MaxStorageGB:         1000,
		RequiresCredential:   true,
		DefaultStrategy: models.AllocationStrategy{
			CPUCores:          1,
			MemoryGB:          2,
			StorageGB:         1000,
			BandwidthMbps:     50,
			AllocationPercent: 30,
		},
		Usage: models.ResourceMetrics{CPUPercent: 10, MemoryMB: 256, BandwidthMbps: 25, StorageGB: 40},
	},
	"streamr": {
		Name:                 "streamr",
		BaseRatePerHour:      0.50,
		MinAllocationPercent: 5,
		MaxAllocationPercent: 30,
		RequiresCredential:   true,
		DefaultStrategy: models.AllocationStrategy{
			CPUCores:          2,
			MemoryGB:          4,
			StorageGB:         50,
			BandwidthMbps:     100,
			AllocationPercent: 20,
		},
		Usage: models.ResourceMetrics{CPUPercent: 25, MemoryMB: 512, BandwidthMbps: 45, StorageGB: 2.5},
	},
	"golem": {
		Name:                 "golem",
		BaseRatePerHour:      1.20,
		MinAllocationPercent: 10,
		MaxAllocationPercent: 40,
		MaxCPUCores:          8,
		MaxMemoryGB:          16,
		RequiresCredential:   true,
		DefaultStrategy: models.AllocationStrategy{
			CPUCores:          4,
			MemoryGB:          8,
			StorageGB:         20,
			BandwidthMbps:     100,
			AllocationPercent: 30,
		},
		Usage: models.ResourceMetrics{CPUPercent: 35, MemoryMB: 6553.6, BandwidthMbps: 75, StorageGB: 15},
	},
}

// LookupProfile returns a built-in profile by name
func LookupProfile(name string) (Profile, bool) {
	p, ok := profiles[name]
	return p, ok
}

// ProfileNames returns the built-in profile names, sorted
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
