// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// ResourceSnapshot is one point-in-time reading of host utilization.
type ResourceSnapshot struct {
	CPUPct         float64   `json:"cpu_pct"`
	MemoryPct      float64   `json:"memory_pct"`
	DiskPct        float64   `json:"disk_pct"`
	NetworkRxBytes uint64    `json:"network_rx_bytes"`
	NetworkTxBytes uint64    `json:"network_tx_bytes"`
	Timestamp      time.Time `json:"timestamp"`
}

// ResourceProbe reads host resource utilization.
type ResourceProbe interface {
	Snapshot() (ResourceSnapshot, error)
}

// SystemResourceProbe reads CPU, memory, and network counters from /proc
// and disk usage via statfs.
type SystemResourceProbe struct {
	fs        procfs.FS
	mountPath string

	mu        sync.Mutex
	lastBusy  float64
	lastTotal float64
}

// NewSystemResourceProbe creates a probe against the default /proc mount.
// Disk usage is measured on mountPath; empty means "/".
func NewSystemResourceProbe(mountPath string) (*SystemResourceProbe, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	if mountPath == "" {
		mountPath = "/"
	}
	return &SystemResourceProbe{fs: fs, mountPath: mountPath}, nil
}

// Snapshot reads current utilization. CPU is averaged over the time since
// the previous call; the first call averages since boot.
func (p *SystemResourceProbe) Snapshot() (ResourceSnapshot, error) {
	snap := ResourceSnapshot{Timestamp: time.Now()}

	stat, err := p.fs.Stat()
	if err != nil {
		return snap, fmt.Errorf("read /proc/stat: %w", err)
	}
	cpu := stat.CPUTotal
	busy := cpu.User + cpu.Nice + cpu.System + cpu.IRQ + cpu.SoftIRQ + cpu.Steal
	total := busy + cpu.Idle + cpu.Iowait

	p.mu.Lock()
	busyDelta := busy - p.lastBusy
	totalDelta := total - p.lastTotal
	p.lastBusy = busy
	p.lastTotal = total
	p.mu.Unlock()

	if totalDelta > 0 {
		snap.CPUPct = clampPct(busyDelta / totalDelta * 100)
	}

	mem, err := p.fs.Meminfo()
	if err != nil {
		return snap, fmt.Errorf("read /proc/meminfo: %w", err)
	}
	if mem.MemTotal != nil && *mem.MemTotal > 0 {
		var available uint64
		switch {
		case mem.MemAvailable != nil:
			available = *mem.MemAvailable
		case mem.MemFree != nil:
			available = *mem.MemFree
		}
		if available > *mem.MemTotal {
			available = *mem.MemTotal
		}
		snap.MemoryPct = clampPct(float64(*mem.MemTotal-available) / float64(*mem.MemTotal) * 100)
	}

	netDev, err := p.fs.NetDev()
	if err != nil {
		return snap, fmt.Errorf("read /proc/net/dev: %w", err)
	}
	lines := netDev.Total()
	snap.NetworkRxBytes = lines.RxBytes
	snap.NetworkTxBytes = lines.TxBytes

	var fsStat unix.Statfs_t
	if err := unix.Statfs(p.mountPath, &fsStat); err != nil {
		return snap, fmt.Errorf("statfs %s: %w", p.mountPath, err)
	}
	used := fsStat.Blocks - fsStat.Bfree
	if denom := used + fsStat.Bavail; denom > 0 {
		snap.DiskPct = clampPct(float64(used) / float64(denom) * 100)
	}

	return snap, nil
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// StaticResourceProbe returns a fixed snapshot. Used in tests and as a
// fallback when /proc is unavailable.
type StaticResourceProbe struct {
	Snap ResourceSnapshot
	Err  error
}

func (p *StaticResourceProbe) Snapshot() (ResourceSnapshot, error) {
	return p.Snap, p.Err
}
