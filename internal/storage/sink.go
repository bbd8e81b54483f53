// Package storage persists the snapshots, allocation changes and alerts
// produced by the orchestration loop.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/depin-orcha/orcha/internal/config"
	"github.com/depin-orcha/orcha/internal/logging"
	"github.com/depin-orcha/orcha/internal/models"
)

// Sink defines the interface for persisting orchestration records
type Sink interface {
	// Writes
	SaveMetrics(ctx context.Context, metrics *models.AggregatedMetrics) error
	SaveChanges(ctx context.Context, changes []models.AllocationChange) error
	SaveAlerts(ctx context.Context, alerts []models.Alert) error

	// Range queries, inclusive on both ends and ordered by timestamp
	MetricsInRange(ctx context.Context, start, end time.Time) ([]models.AggregatedMetrics, error)
	ChangesInRange(ctx context.Context, start, end time.Time) ([]models.AllocationChange, error)
	AlertsInRange(ctx context.Context, start, end time.Time) ([]models.Alert, error)

	// Prune drops every record older than before
	Prune(ctx context.Context, before time.Time) error
	Close() error
}

// NewFromConfig creates the sink selected by cfg.Type
func NewFromConfig(ctx context.Context, cfg config.StorageConfig, logger logging.Logger) (Sink, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemorySink(cfg.MaxRecords), nil
	case "ydb":
		store, err := NewYDBSink(ctx, ConnectionString(cfg.Endpoint, cfg.Database), cfg.TablePrefix, logger)
		if err != nil {
			return nil, err
		}
		if err := store.InitializeSchema(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// ConnectionString joins a YDB endpoint and database path into a DSN
func ConnectionString(endpoint, database string) string {
	if database == "" {
		return endpoint
	}
	return strings.TrimSuffix(endpoint, "/") + "/" + strings.TrimPrefix(database, "/")
}

func inRange(ts, start, end time.Time) bool {
	return !ts.Before(start) && !ts.After(end)
}
