package lsf

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

type hostSampler struct {
	pid  int32
	proc *process.Process
}

func newHostSampler() *hostSampler {
	return &hostSampler{pid: int32(os.Getpid())}
}

// Sample reads host pressure via gopsutil. Individual probe failures leave
// the corresponding fields zero.
func (h *hostSampler) Sample(ctx context.Context) HostSample {
	var out HostSample
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.Total > 0 {
		// gopsutil derives UsedPercent from Available, which already
		// accounts for reclaimable page cache.
		out.MemoryUsedPercent = vm.UsedPercent
		out.MemoryIncludesReclaimable = true
	}
	if sw, err := mem.SwapMemoryWithContext(ctx); err == nil && sw.Total > 0 {
		out.SwapBytes = sw.Used
		out.SwapUsedPercent = sw.UsedPercent
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		out.Load1 = avg.Load1
		out.Load5 = avg.Load5
		out.Load15 = avg.Load15
	}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		out.CPUPercent = pct[0]
	}
	out.RSSBytes = h.rss(ctx)
	return out
}

func (h *hostSampler) rss(ctx context.Context) uint64 {
	if h.proc == nil {
		p, err := process.NewProcessWithContext(ctx, h.pid)
		if err != nil {
			return peakRSSBytes()
		}
		h.proc = p
	}
	info, err := h.proc.MemoryInfoWithContext(ctx)
	if err != nil || info.RSS == 0 {
		return peakRSSBytes()
	}
	return info.RSS
}
