package process

import (
	"context"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// MetricsFunc returns CPU percent and resident memory in MB for pid.
type MetricsFunc func(ctx context.Context, pid int) (cpu float64, memMB float64, err error)

func gopsutilMetrics(ctx context.Context, pid int) (float64, float64, error) {
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0, 0, err
	}
	cpu, err := p.CPUPercentWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	return cpu, float64(mem.RSS) / (1024 * 1024), nil
}
