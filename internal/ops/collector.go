package ops

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// Collector samples the relay process's resource usage into the metric
// gauges on a fixed interval. It runs off the engine loop; the gauges are
// the only shared state.
type Collector struct {
	metrics *Metrics
	log     zerolog.Logger
}

// NewCollector builds a process sampler feeding m.
func NewCollector(m *Metrics, log zerolog.Logger) *Collector {
	return &Collector{
		metrics: m,
		log:     log.With().Str("component", "collector").Logger(),
	}
}

// Start launches the sampling loop; it stops when ctx is cancelled.
func (c *Collector) Start(ctx context.Context, interval time.Duration) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		c.log.Error().Err(err).Msg("failed to get process info, resource sampling disabled")
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if memInfo, err := proc.MemoryInfo(); err == nil {
					c.metrics.processMemoryMB.Set(float64(memInfo.RSS) / 1024 / 1024)
				}
				if cpu, err := proc.CPUPercent(); err == nil {
					c.metrics.processCPUPercent.Set(cpu)
				}
			}
		}
	}()
}
