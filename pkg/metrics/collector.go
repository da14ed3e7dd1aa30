package metrics

import (
	"time"
)

// LeaseSource exposes the lease registry numbers the collector samples.
type LeaseSource interface {
	ActiveLeaseCount() int
}

// PortSource exposes the port pool numbers the collector samples.
type PortSource interface {
	InUseCount() int
}

// Collector periodically samples gauge values from the lease registry
// and port pool. Counters are incremented inline at their call sites;
// gauges have a single writer here so samples never fight updates.
type Collector struct {
	leases LeaseSource
	ports  PortSource
	stopCh chan struct{}
}

// sampleInterval paces gauge refreshes; nothing downstream needs
// sub-15s resolution.
const sampleInterval = 15 * time.Second

// NewCollector builds a collector over the given gauge sources.
func NewCollector(leases LeaseSource, ports PortSource) *Collector {
	return &Collector{
		leases: leases,
		ports:  ports,
		stopCh: make(chan struct{}),
	}
}

// Start launches the sampling loop.
func (c *Collector) Start() {
	ticker := time.NewTicker(sampleInterval)
	go func() {
		// Prime the gauges before the first tick.
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the sampling loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.leases != nil {
		LeasesActive.Set(float64(c.leases.ActiveLeaseCount()))
	}
	if c.ports != nil {
		PortsInUse.Set(float64(c.ports.InUseCount()))
	}
}
