package resource

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Sample is one raw reading of the host. Usage values are ratios in [0, 1].
type Sample struct {
	CPUUsage        float64
	MemoryUsage     float64
	FreeMemoryBytes uint64
	FreeDiskBytes   uint64
	DiskUsage       float64
}

type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

type hostSampler struct {
	diskPath string
}

// NewHostSampler reads CPU, memory and the disk that holds diskPath.
func NewHostSampler(diskPath string) Sampler {
	if diskPath == "" {
		diskPath = "."
	}
	return &hostSampler{diskPath: diskPath}
}

func (h *hostSampler) Sample(ctx context.Context) (Sample, error) {
	var s Sample
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return s, fmt.Errorf("error reading cpu usage: %w", err)
	}
	if len(percents) > 0 {
		s.CPUUsage = percents[0] / 100
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return s, fmt.Errorf("error reading memory usage: %w", err)
	}
	s.MemoryUsage = vm.UsedPercent / 100
	s.FreeMemoryBytes = vm.Available
	usage, err := disk.UsageWithContext(ctx, h.diskPath)
	if err != nil {
		return s, fmt.Errorf("error reading disk usage for %s: %w", h.diskPath, err)
	}
	s.FreeDiskBytes = usage.Free
	s.DiskUsage = usage.UsedPercent / 100
	return s, nil
}
