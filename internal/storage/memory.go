package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/depin-orcha/orcha/internal/models"
)

const defaultMaxRecords = 100000

// MemorySink keeps records in bounded in-process slices. Each record kind is
// capped at maxRecords and evicts its oldest entries first.
type MemorySink struct {
	mu         sync.RWMutex
	maxRecords int
	metrics    []models.AggregatedMetrics
	changes    []models.AllocationChange
	alerts     []models.Alert
}

// NewMemorySink creates a memory sink holding at most maxRecords per kind
func NewMemorySink(maxRecords int) *MemorySink {
	if maxRecords <= 0 {
		maxRecords = defaultMaxRecords
	}
	return &MemorySink{maxRecords: maxRecords}
}

func trim[T any](records []T, max int) []T {
	if over := len(records) - max; over > 0 {
		return append(records[:0:0], records[over:]...)
	}
	return records
}

// SaveMetrics stores a copy of metrics
func (m *MemorySink) SaveMetrics(ctx context.Context, metrics *models.AggregatedMetrics) error {
	if metrics == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = trim(append(m.metrics, *metrics.Clone()), m.maxRecords)
	return nil
}

// SaveChanges stores changes
func (m *MemorySink) SaveChanges(ctx context.Context, changes []models.AllocationChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = trim(append(m.changes, changes...), m.maxRecords)
	return nil
}

// SaveAlerts stores alerts
func (m *MemorySink) SaveAlerts(ctx context.Context, alerts []models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = trim(append(m.alerts, alerts...), m.maxRecords)
	return nil
}

// MetricsInRange returns stored snapshots within [start, end]
func (m *MemorySink) MetricsInRange(ctx context.Context, start, end time.Time) ([]models.AggregatedMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []models.AggregatedMetrics{}
	for _, s := range m.metrics {
		if inRange(s.Timestamp, start, end) {
			out = append(out, *s.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// ChangesInRange returns stored changes within [start, end]
func (m *MemorySink) ChangesInRange(ctx context.Context, start, end time.Time) ([]models.AllocationChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []models.AllocationChange{}
	for _, c := range m.changes {
		if inRange(c.Timestamp, start, end) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// AlertsInRange returns stored alerts within [start, end]
func (m *MemorySink) AlertsInRange(ctx context.Context, start, end time.Time) ([]models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []models.Alert{}
	for _, a := range m.alerts {
		if inRange(a.Timestamp, start, end) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Prune drops records older than before
func (m *MemorySink) Prune(ctx context.Context, before time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics = keep(m.metrics, func(s models.AggregatedMetrics) bool { return !s.Timestamp.Before(before) })
	m.changes = keep(m.changes, func(c models.AllocationChange) bool { return !c.Timestamp.Before(before) })
	m.alerts = keep(m.alerts, func(a models.Alert) bool { return !a.Timestamp.Before(before) })
	return nil
}

func keep[T any](records []T, ok func(T) bool) []T {
	out := records[:0]
	for _, r := range records {
		if ok(r) {
			out = append(out, r)
		}
	}
	return out
}

// Counts returns the number of stored snapshots, changes and alerts
func (m *MemorySink) Counts() (metrics, changes, alerts int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.metrics), len(m.changes), len(m.alerts)
}

// Close is a no-op
func (m *MemorySink) Close() error {
	return nil
}
