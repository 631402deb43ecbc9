package scheduler

import (
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// ResourceSampler reports current host utilization for admission control
// (§4.9 step 1). Defined as an interface so tests can substitute a fake
// without touching the real host.
type ResourceSampler interface {
	CPUPercent() (float64, error)
	MemPercent() (float64, error)
}

// hostSampler is the production ResourceSampler, backed by gopsutil.
type hostSampler struct{}

// NewHostSampler returns a ResourceSampler reading real CPU/memory
// utilization from the host the process runs on.
func NewHostSampler() ResourceSampler {
	return hostSampler{}
}

func (hostSampler) CPUPercent() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0, err
	}
	return percents[0], nil
}

func (hostSampler) MemPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}
