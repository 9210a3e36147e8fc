// Package stats collects a point-in-time resource snapshot of the host
// the orchestrator runs on, reported by the status endpoint.
package stats

import (
	"context"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"
)

// Snapshot contains host resource metrics at collection time.
type Snapshot struct {
	Hostname      string  `json:"hostname"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
	CPUCount      int     `json:"cpu_count"`
	Load1         float64 `json:"load1"`
	MemoryTotal   uint64  `json:"memory_total"`
	MemoryUsed    uint64  `json:"memory_used"`
	MemoryPercent float64 `json:"memory_percent"`
}

// Collect gathers a host snapshot. Probes that fail zero their fields
// and log at debug rather than failing the whole snapshot; load
// averages, for one, are unavailable on some platforms.
func Collect(ctx context.Context, log logrus.FieldLogger) *Snapshot {
	snapshot := &Snapshot{}

	if info, err := host.InfoWithContext(ctx); err != nil {
		log.WithError(err).Debug("Host info probe failed")
	} else {
		snapshot.Hostname = info.Hostname
		snapshot.UptimeSeconds = info.Uptime
	}

	if count, err := cpu.CountsWithContext(ctx, true); err != nil {
		log.WithError(err).Debug("CPU count probe failed")
	} else {
		snapshot.CPUCount = count
	}

	if avg, err := load.AvgWithContext(ctx); err != nil {
		log.WithError(err).Debug("Load average probe failed")
	} else {
		snapshot.Load1 = avg.Load1
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		log.WithError(err).Debug("Memory probe failed")
	} else {
		snapshot.MemoryTotal = vm.Total
		snapshot.MemoryUsed = vm.Used
		snapshot.MemoryPercent = vm.UsedPercent
	}

	return snapshot
}
