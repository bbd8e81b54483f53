package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/depin-orcha/orcha/internal/models"
)

// HostSampler reads resource usage of the machine orcha runs on.
// Bandwidth is derived from the network counter delta between two samples,
// so the first sample always reports zero bandwidth.
type HostSampler struct {
	diskPath string

	mu        sync.Mutex
	lastBytes uint64
	lastAt    time.Time
}

// NewHostSampler creates a sampler reporting disk usage of diskPath
func NewHostSampler(diskPath string) *HostSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &HostSampler{diskPath: diskPath}
}

// Sample collects a point-in-time resource reading
func (h *HostSampler) Sample(ctx context.Context) (*models.ResourceMetrics, error) {
	metrics := &models.ResourceMetrics{}

	percent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	if len(percent) > 0 {
		metrics.CPUPercent = percent[0]
	}

	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory usage: %w", err)
	}
	metrics.MemoryMB = float64(vmem.Used) / (1024 * 1024)

	if usage, err := disk.UsageWithContext(ctx, h.diskPath); err == nil {
		metrics.StorageGB = float64(usage.Used) / (1024 * 1024 * 1024)
	}

	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		metrics.UptimeSeconds = uptime
	}

	if counters, err := psnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		metrics.BandwidthMbps = h.bandwidth(counters[0].BytesSent+counters[0].BytesRecv, time.Now())
	}

	return metrics, nil
}

func (h *HostSampler) bandwidth(totalBytes uint64, now time.Time) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	var mbps float64
	if !h.lastAt.IsZero() && totalBytes >= h.lastBytes {
		elapsed := now.Sub(h.lastAt).Seconds()
		if elapsed > 0 {
			mbps = float64(totalBytes-h.lastBytes) * 8 / elapsed / 1e6
		}
	}
	h.lastBytes = totalBytes
	h.lastAt = now
	return mbps
}
