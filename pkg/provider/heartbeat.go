package provider

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/backend"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/types"
)

const (
	bytesPerMB = 1 << 20
	bytesPerGB = 1 << 30

	// hostMillicoresScale projects the host's free cpu fraction onto the
	// millicore scale offers price in.
	hostMillicoresScale = 100000
)

// HeartbeatPublisher pushes liveness beacons to the relay fabric.
type HeartbeatPublisher interface {
	PublishHeartbeat(ctx context.Context, hb *types.Heartbeat) error
}

// Heartbeater emits the provider's liveness beacon on a fixed interval.
// A provider that stops beating falls out of discovery within the online
// window; nothing else depends on the beacon.
type Heartbeater struct {
	publisher HeartbeatPublisher
	backend   backend.Backend
	registry  *Registry
	npub      string
	interval  time.Duration

	stopCh chan struct{}
	logger zerolog.Logger
}

// NewHeartbeater creates a heartbeater for the given identity.
func NewHeartbeater(publisher HeartbeatPublisher, bk backend.Backend, registry *Registry, npub string, interval time.Duration) *Heartbeater {
	return &Heartbeater{
		publisher: publisher,
		backend:   bk,
		registry:  registry,
		npub:      npub,
		interval:  interval,
		stopCh:    make(chan struct{}),
		logger:    log.WithComponent("heartbeat"),
	}
}

// Start begins the heartbeat loop.
func (h *Heartbeater) Start() {
	go h.run()
}

// Stop stops the heartbeat loop.
func (h *Heartbeater) Stop() {
	close(h.stopCh)
}

// run beats once immediately so the provider is discoverable before the
// first full interval elapses, then on every tick.
func (h *Heartbeater) run() {
	h.beat()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.beat()
		case <-h.stopCh:
			return
		}
	}
}

// beat publishes one heartbeat. Failures are logged and left for the
// next tick; a missed beat only narrows the online window.
func (h *Heartbeater) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), backendCallTimeout)
	defer cancel()

	hb := &types.Heartbeat{
		ProviderNpub:      h.npub,
		Timestamp:         time.Now().Unix(),
		ActiveWorkloads:   h.registry.ActiveLeaseCount(),
		AvailableCapacity: h.capacity(ctx),
	}

	if err := h.publisher.PublishHeartbeat(ctx, hb); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to publish heartbeat")
		return
	}

	metrics.HeartbeatsPublished.Inc()
	h.logger.Debug().
		Int("active_workloads", hb.ActiveWorkloads).
		Uint64("cpu_available", hb.AvailableCapacity.CPUAvailable).
		Msg("Heartbeat published")
}

// capacity derives free resources from the backend's node snapshot. A
// degraded backend yields all zeros rather than suppressing the beacon;
// liveness is the signal here, capacity is advisory. The sample doubles
// as the backend readiness probe.
func (h *Heartbeater) capacity(ctx context.Context) types.Capacity {
	status, err := h.backend.NodeStatus(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to read node status")
		metrics.UpdateComponent("backend", false, err.Error())
		return types.Capacity{}
	}
	metrics.UpdateComponent("backend", true, "")
	return capacityFromStatus(status)
}

func capacityFromStatus(status types.NodeStatus) types.Capacity {
	freeCPU := 1.0 - status.CPUUsage
	if freeCPU < 0 {
		freeCPU = 0
	}
	return types.Capacity{
		CPUAvailable:       uint64(freeCPU * hostMillicoresScale),
		MemoryMBAvailable:  freeBytes(status.MemoryTotal, status.MemoryUsed) / bytesPerMB,
		StorageGBAvailable: freeBytes(status.DiskTotal, status.DiskUsed) / bytesPerGB,
	}
}

// freeBytes subtracts saturating at zero; a racing usage sample can
// briefly report used above total.
func freeBytes(total, used uint64) uint64 {
	if used >= total {
		return 0
	}
	return total - used
}
