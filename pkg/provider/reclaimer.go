package provider

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/backend"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/netport"
	"github.com/cuemby/hutch/pkg/types"
)

// reclaimInterval is how often expired leases are swept.
const reclaimInterval = 30 * time.Second

// Reclaimer tears down workloads whose leases have run out. Teardown is
// idempotent: a failed step leaves the lease in place for the next sweep,
// and the tolerant backend calls make repeating completed steps harmless.
type Reclaimer struct {
	registry *Registry
	backend  backend.Backend
	ports    *netport.Pool
	broker   *events.Broker
	stats    *Stats

	stopCh chan struct{}
	logger zerolog.Logger
}

// NewReclaimer creates a reclaimer over the registry and backend.
func NewReclaimer(registry *Registry, bk backend.Backend, ports *netport.Pool, broker *events.Broker, stats *Stats) *Reclaimer {
	return &Reclaimer{
		registry: registry,
		backend:  bk,
		ports:    ports,
		broker:   broker,
		stats:    stats,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("reclaimer"),
	}
}

// Start begins the reclaim loop.
func (r *Reclaimer) Start() {
	go r.run()
}

// Stop stops the reclaim loop.
func (r *Reclaimer) Stop() {
	close(r.stopCh)
}

func (r *Reclaimer) run() {
	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reclaim(time.Now())
		case <-r.stopCh:
			return
		}
	}
}

// reclaim sweeps every lease expired at the given instant. Each teardown
// runs stop, delete, port release, then record removal; the completed-job
// counter moves only when the workload is actually gone.
func (r *Reclaimer) reclaim(now time.Time) {
	for _, lease := range r.registry.Expired(now) {
		if lease.State == types.LeaseStateActive {
			publishEvent(r.broker, events.EventLeaseExpired,
				fmt.Sprintf("Lease for workload %d expired", lease.WorkloadID),
				map[string]string{"workload_id": strconv.Itoa(lease.WorkloadID)})
		}
		r.registry.MarkReclaiming(lease.WorkloadID)

		if err := r.teardown(lease); err != nil {
			r.logger.Error().Err(err).
				Int("workload_id", lease.WorkloadID).
				Msg("Failed to reclaim workload, will retry")
			continue
		}

		if lease.HostPort > 0 {
			r.ports.Release(lease.HostPort)
		}
		r.registry.Remove(lease.WorkloadID)
		r.stats.JobCompleted()
		metrics.LeasesReclaimed.Inc()

		publishEvent(r.broker, events.EventLeaseReclaimed,
			fmt.Sprintf("Reclaimed expired workload %d", lease.WorkloadID),
			map[string]string{
				"workload_id": strconv.Itoa(lease.WorkloadID),
				"owner":       lease.OwnerID,
			})
		r.logger.Info().
			Int("workload_id", lease.WorkloadID).
			Msg("Reclaimed expired workload")
	}
}

func (r *Reclaimer) teardown(lease *types.Lease) error {
	ctx, cancel := context.WithTimeout(context.Background(), backendCallTimeout)
	defer cancel()

	if err := r.backend.StopContainer(ctx, lease.WorkloadID); err != nil {
		return fmt.Errorf("failed to stop workload: %w", err)
	}
	if err := r.backend.DeleteContainer(ctx, lease.WorkloadID); err != nil {
		return fmt.Errorf("failed to delete workload: %w", err)
	}
	return nil
}
