package monitor

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// GPUReader reports per-device GPU memory utilization fractions in [0, 1].
// The concrete implementation lives with the caller (CUDA, Metal, or a stub);
// the monitor treats it as opaque.
type GPUReader func(ctx context.Context) (map[string]float64, error)

// HostSampler reads host memory and CPU through gopsutil and GPU memory
// through an optional injected reader.
type HostSampler struct {
	gpu GPUReader
}

var _ Sampler = (*HostSampler)(nil)

// NewHostSampler returns a sampler for the local host. gpu may be nil when no
// GPU devices are monitored.
func NewHostSampler(gpu GPUReader) *HostSampler {
	return &HostSampler{gpu: gpu}
}

func (s *HostSampler) Sample(ctx context.Context) (Sample, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("sample virtual memory: %w", err)
	}

	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Sample{}, fmt.Errorf("sample cpu: %w", err)
	}
	var cpuPercent float64
	if len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0] / 100
	}

	sample := Sample{
		SystemMemoryPercent: vm.UsedPercent / 100,
		CPUPercent:          cpuPercent,
	}

	if s.gpu != nil {
		gpuMem, err := s.gpu(ctx)
		if err != nil {
			return Sample{}, fmt.Errorf("sample gpu memory: %w", err)
		}
		sample.GPUMemoryPercent = gpuMem
	}

	return sample, nil
}
