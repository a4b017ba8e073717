// Package system reports storage and resource usage of the device.
package system

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// ErrInsufficientSpace is returned when a download would not fit.
var ErrInsufficientSpace = errors.New("insufficient free space")

// Snapshot is the resource usage shown by the control API.
type Snapshot struct {
	DownloadDir   string  `json:"download_dir"`
	DiskFree      uint64  `json:"disk_free"`
	DiskTotal     uint64  `json:"disk_total"`
	DiskPercent   float64 `json:"disk_percent"`
	MemPercent    float64 `json:"mem_percent"`
	CPUPercent    float64 `json:"cpu_percent"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
	KernelVersion string  `json:"kernel_version,omitempty"`
}

// FreeSpace fails with ErrInsufficientSpace when dir cannot hold need more
// bytes.
func FreeSpace(dir string, need int64) error {
	usage, err := disk.Usage(dir)
	if err != nil {
		return fmt.Errorf("failed to get disk usage of %s: %w", dir, err)
	}
	if need > 0 && usage.Free < uint64(need) {
		return fmt.Errorf("%w: %d bytes free in %s, %d needed", ErrInsufficientSpace, usage.Free, dir, need)
	}
	return nil
}

// GetSnapshot collects current usage for the volume holding downloadDir.
// CPU usage is measured since the previous call.
func GetSnapshot(downloadDir string) (*Snapshot, error) {
	diskStat, err := disk.Usage(downloadDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get disk usage: %w", err)
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to get memory usage: %w", err)
	}

	snap := &Snapshot{
		DownloadDir: downloadDir,
		DiskFree:    diskStat.Free,
		DiskTotal:   diskStat.Total,
		DiskPercent: diskStat.UsedPercent,
		MemPercent:  memStat.UsedPercent,
	}

	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		snap.CPUPercent = cpuPercent[0]
	}
	if info, err := host.Info(); err == nil {
		snap.UptimeSeconds = info.Uptime
		snap.KernelVersion = info.KernelVersion
	}
	return snap, nil
}
