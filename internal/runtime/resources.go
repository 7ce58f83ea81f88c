package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	metricCPUTotal   = "/cpu/classes/total:cpu-seconds"
	metricHeapLive   = "/memory/classes/heap/objects:bytes"
	metricGoroutines = "/sched/goroutines:goroutines"
)

// ResourceUsage is a coarse view of the process attached to snapshots.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// resourceTracker reads runtime/metrics without stopping the world.
type resourceTracker struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
	now            func() time.Time
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: resourceSamples(),
		numCPU:  float64(runtime.GOMAXPROCS(0)),
		now:     time.Now,
	}
}

func resourceSamples() []metrics.Sample {
	return []metrics.Sample{
		{Name: metricCPUTotal},
		{Name: metricHeapLive},
		{Name: metricGoroutines},
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == 0 {
		r.samples = resourceSamples()
	}
	if r.now == nil {
		r.now = time.Now
	}
	metrics.Read(r.samples)

	var usage ResourceUsage
	cpuSeconds, haveCPU := 0.0, false
	for _, s := range r.samples {
		switch {
		case s.Name == metricCPUTotal && s.Value.Kind() == metrics.KindFloat64:
			cpuSeconds, haveCPU = s.Value.Float64(), true
		case s.Name == metricHeapLive && s.Value.Kind() == metrics.KindUint64:
			usage.MemoryBytes = s.Value.Uint64()
		case s.Name == metricGoroutines && s.Value.Kind() == metrics.KindUint64:
			usage.Goroutines = int(s.Value.Uint64())
		}
	}
	if usage.Goroutines == 0 {
		usage.Goroutines = runtime.NumGoroutine()
	}

	now := r.now()
	if haveCPU && !r.lastSample.IsZero() {
		deltaCPU := cpuSeconds - r.lastCPUSeconds
		deltaWall := now.Sub(r.lastSample).Seconds()
		if deltaWall > 0 && r.numCPU > 0 && deltaCPU >= 0 {
			usage.CPUPercent = (deltaCPU / deltaWall) / r.numCPU * 100
		}
	}
	if haveCPU {
		r.lastCPUSeconds = cpuSeconds
		r.lastSample = now
	}
	return usage
}
