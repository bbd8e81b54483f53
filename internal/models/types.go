package models

import (
	"sort"
	"time"
)

// ConnectionStatus represents the connection state of a provider
type ConnectionStatus string

const (
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusReconnecting ConnectionStatus = "reconnecting"
	ConnectionStatusFailed       ConnectionStatus = "failed"
)

// EarningsData is a single earnings observation reported by a provider
type EarningsData struct {
	Timestamp  time.Time          `json:"timestamp"`
	AmountUSD  float64            `json:"amount_usd"`
	ProviderID string             `json:"provider_id"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

// ResourceMetrics represents resource usage reported by a provider
type ResourceMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	BandwidthMbps float64 `json:"bandwidth_mbps"`
	StorageGB     float64 `json:"storage_gb"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
}

// AllocationStrategy describes the resources assigned to a provider
type AllocationStrategy struct {
	CPUCores          uint32  `json:"cpu_cores"`
	MemoryGB          float64 `json:"memory_gb"`
	StorageGB         float64 `json:"storage_gb"`
	BandwidthMbps     float64 `json:"bandwidth_mbps"`
	AllocationPercent float64 `json:"allocation_percent"`
}

// HealthStatus is the result of a provider health check
type HealthStatus struct {
	IsHealthy        bool                   `json:"is_healthy"`
	ConnectionStatus ConnectionStatus       `json:"connection_status"`
	LastOperation    *time.Time             `json:"last_operation,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	Metrics          map[string]interface{} `json:"metrics,omitempty"`
}

// Connected reports whether the provider is healthy and fully connected
func (h *HealthStatus) Connected() bool {
	return h != nil && h.IsHealthy && h.ConnectionStatus == ConnectionStatusConnected
}

// ResourceUtilization holds averaged resource usage across providers
type ResourceUtilization struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryPercent    float64 `json:"memory_percent"`
	BandwidthPercent float64 `json:"bandwidth_percent"`
	StoragePercent   float64 `json:"storage_percent"`
}

// AggregatedMetrics is one poll cycle's view of all providers
type AggregatedMetrics struct {
	Timestamp            time.Time           `json:"timestamp"`
	TotalEarningsPerHour float64             `json:"total_earnings_per_hour"`
	EarningsByProvider   map[string]float64  `json:"earnings_by_provider"`
	AllocationByProvider map[string]float64  `json:"allocation_by_provider"`
	ResourceUtilization  ResourceUtilization `json:"resource_utilization"`
	ConnectionStatus     map[string]bool     `json:"connection_status"`
}

// Clone returns a deep copy of the metrics
func (m *AggregatedMetrics) Clone() *AggregatedMetrics {
	if m == nil {
		return nil
	}
	c := *m
	c.EarningsByProvider = cloneFloatMap(m.EarningsByProvider)
	c.AllocationByProvider = cloneFloatMap(m.AllocationByProvider)
	c.ConnectionStatus = make(map[string]bool, len(m.ConnectionStatus))
	for k, v := range m.ConnectionStatus {
		c.ConnectionStatus[k] = v
	}
	return &c
}

// ConnectedProviders returns the sorted ids of connected providers
func (m *AggregatedMetrics) ConnectedProviders() []string {
	ids := make([]string, 0, len(m.ConnectionStatus))
	for id, ok := range m.ConnectionStatus {
		if ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// AllConnected reports whether every provider in the snapshot is connected
func (m *AggregatedMetrics) AllConnected() bool {
	for _, ok := range m.ConnectionStatus {
		if !ok {
			return false
		}
	}
	return true
}

// OptimizationOpportunity is a proposed pairwise allocation shift
type OptimizationOpportunity struct {
	FromProvider        string  `json:"from_provider"`
	ToProvider          string  `json:"to_provider"`
	CurrentRate         float64 `json:"current_rate"`
	ProjectedRate       float64 `json:"projected_rate"`
	EarningsImprovement float64 `json:"earnings_improvement"`
	Confidence          float64 `json:"confidence"`
	Complexity          float64 `json:"complexity"`
}

// AllocationPlan is a full target allocation with cost and benefit estimates
type AllocationPlan struct {
	ID                   string             `json:"id"`
	Allocation           map[string]float64 `json:"allocation"`
	EstimatedImprovement float64            `json:"estimated_improvement"`
	EstimatedCost        float64            `json:"estimated_cost"`
	NetBenefit           float64            `json:"net_benefit"`
	ROIPercent           float64            `json:"roi_percent"`
	Confidence           float64            `json:"confidence"`
	CreatedAt            time.Time          `json:"created_at"`
	Confirmed            bool               `json:"confirmed"`
}

// TotalAllocation sums the plan's target percentages
func (p *AllocationPlan) TotalAllocation() float64 {
	total := 0.0
	for _, v := range p.Allocation {
		total += v
	}
	return total
}

// Providers returns the plan's provider ids in a stable order
func (p *AllocationPlan) Providers() []string {
	ids := make([]string, 0, len(p.Allocation))
	for id := range p.Allocation {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AllocationChange is an immutable audit record of one provider's allocation change
type AllocationChange struct {
	Timestamp      time.Time `json:"timestamp"`
	Provider       string    `json:"provider"`
	OldAllocation  float64   `json:"old_allocation"`
	NewAllocation  float64   `json:"new_allocation"`
	Reason         string    `json:"reason"`
	EarningsImpact float64   `json:"earnings_impact"`
}

// ExecutionResult describes the outcome of a reallocation execution
type ExecutionResult struct {
	PlanID     string             `json:"plan_id"`
	Applied    []string           `json:"applied"`
	RolledBack []string           `json:"rolled_back,omitempty"`
	Changes    []AllocationChange `json:"changes,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}

// AlertType is the kind of an alert
type AlertType string

const (
	AlertTypeLowEarnings             AlertType = "low_earnings"
	AlertTypeProviderDisconnected    AlertType = "provider_disconnected"
	AlertTypeReallocationOpportunity AlertType = "reallocation_opportunity"
	AlertTypeResourceContention      AlertType = "resource_contention"
	AlertTypeOptimizationPotential   AlertType = "optimization_potential"
)

// Alert is a threshold breach raised by the monitor
type Alert struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Type         AlertType `json:"type"`
	ProviderID   string    `json:"provider_id,omitempty"`
	Value        float64   `json:"value,omitempty"`
	Severity     float64   `json:"severity"`
	Message      string    `json:"message"`
	Acknowledged bool      `json:"acknowledged"`
}

// DashboardSnapshot is the assembled view served to dashboards
type DashboardSnapshot struct {
	Timestamp               time.Time                `json:"timestamp"`
	TotalEarningsPerHour    float64                  `json:"total_earnings_per_hour"`
	EarningsByProvider      map[string]float64       `json:"earnings_by_provider"`
	CurrentAllocation       map[string]float64       `json:"current_allocation"`
	OptimalAllocation       map[string]float64       `json:"optimal_allocation"`
	OptimizationOpportunity *OptimizationOpportunity `json:"optimization_opportunity,omitempty"`
	NextReallocationIn      *time.Duration           `json:"next_reallocation_in,omitempty"`
	ConnectionStatus        map[string]bool          `json:"connection_status"`
	RecentChanges           []AllocationChange       `json:"recent_changes"`
}

// PerformanceReport summarises a time window of snapshots
type PerformanceReport struct {
	PeriodStart             time.Time          `json:"period_start"`
	PeriodEnd               time.Time          `json:"period_end"`
	SnapshotCount           int                `json:"snapshot_count"`
	TotalEarnings           float64            `json:"total_earnings"`
	AverageHourlyEarnings   float64            `json:"average_hourly_earnings"`
	EarningsByProvider      map[string]float64 `json:"earnings_by_provider"`
	AllocationChanges       []AllocationChange `json:"allocation_changes"`
	TotalImprovement        float64            `json:"total_improvement"`
	SuccessfulOptimizations int                `json:"successful_optimizations"`
	UptimePercent           float64            `json:"uptime_percent"`
}

// EarningsPoint is one sample of an earnings trend
type EarningsPoint struct {
	Timestamp            time.Time `json:"timestamp"`
	TotalEarningsPerHour float64   `json:"total_earnings_per_hour"`
}

// ProviderStatus is the detailed status of one registered provider
type ProviderStatus struct {
	ProviderID        string           `json:"provider_id"`
	EarningsPerHour   float64          `json:"earnings_per_hour"`
	AllocationPercent float64          `json:"allocation_percent"`
	Resources         *ResourceMetrics `json:"resources,omitempty"`
	Health            *HealthStatus    `json:"health,omitempty"`
}

func cloneFloatMap(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
