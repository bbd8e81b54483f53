// Package provider defines the capability contract every earnings provider
// adapter satisfies, together with the simulated adapters used by orcha.
package provider

import (
	"context"

	"github.com/depin-orcha/orcha/internal/models"
)

// Provider is an external earning network adapter. Implementations must be
// safe for concurrent use; the coordinator polls every provider in parallel.
type Provider interface {
	// Name returns the provider id.
	Name() string

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	ConnectionStatus() models.ConnectionStatus

	CurrentEarnings(ctx context.Context) (*models.EarningsData, error)
	// HistoricalEarnings returns hourly samples ordered oldest first.
	HistoricalEarnings(ctx context.Context, hours int) ([]models.EarningsData, error)
	ResourceUsage(ctx context.Context) (*models.ResourceMetrics, error)

	ApplyAllocation(ctx context.Context, strategy models.AllocationStrategy) error
	CurrentAllocation(ctx context.Context) (*models.AllocationStrategy, error)

	HealthCheck(ctx context.Context) (*models.HealthStatus, error)
}

// ResourceSampler reports resource usage in place of a provider's own figures
type ResourceSampler interface {
	Sample(ctx context.Context) (*models.ResourceMetrics, error)
}
