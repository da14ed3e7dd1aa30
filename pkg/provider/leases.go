package provider

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// ErrLeaseNotFound is returned when no lease matches the given workload.
var ErrLeaseNotFound = errors.New("lease not found")

// Registry is the in-memory lease table, authoritative at runtime. Every
// mutation is written through to the durable journal so a restart can
// resume reclaiming what it owes; journal write failures are logged and
// tolerated because the paid-for lease must survive a disk hiccup.
type Registry struct {
	mu     sync.RWMutex
	leases map[int]*types.Lease
	store  storage.Store
	logger zerolog.Logger
}

// NewRegistry loads any journaled leases from the store and returns the
// registry. Leases recovered in the reclaiming state are picked up again
// by the next reclaim sweep.
func NewRegistry(store storage.Store) (*Registry, error) {
	r := &Registry{
		leases: make(map[int]*types.Lease),
		store:  store,
		logger: log.WithComponent("leases"),
	}

	recovered, err := store.ListLeases()
	if err != nil {
		return nil, err
	}
	for _, lease := range recovered {
		r.leases[lease.WorkloadID] = lease
	}
	if len(recovered) > 0 {
		r.logger.Info().Int("count", len(recovered)).Msg("Recovered leases from journal")
	}
	return r, nil
}

// Insert registers a new lease. The workload id must be unused.
func (r *Registry) Insert(lease *types.Lease) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.leases[lease.WorkloadID]; exists {
		return errors.New("workload id already leased")
	}

	stored := *lease
	r.leases[lease.WorkloadID] = &stored
	r.journal(&stored)
	return nil
}

// Get returns a copy of the lease for the given workload id.
func (r *Registry) Get(workloadID int) (*types.Lease, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lease, ok := r.leases[workloadID]
	if !ok {
		return nil, false
	}
	copied := *lease
	return &copied, true
}

// List returns copies of all tracked leases ordered by workload id.
func (r *Registry) List() []*types.Lease {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Lease, 0, len(r.leases))
	for _, lease := range r.leases {
		copied := *lease
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkloadID < out[j].WorkloadID })
	return out
}

// Resolve finds a lease from a wire identifier: a workload id (bare or
// "container-<id>" handle) matches directly, anything else falls back to
// the newest lease owned by the identifier or by the requester.
func (r *Registry) Resolve(podID, requester string) (*types.Lease, bool) {
	if id, ok := types.ParseWorkloadHandle(podID); ok {
		return r.Get(id)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var newest *types.Lease
	for _, lease := range r.leases {
		if lease.OwnerID != podID && lease.OwnerID != requester {
			continue
		}
		if newest == nil || lease.CreatedAt > newest.CreatedAt {
			newest = lease
		}
	}
	if newest == nil {
		return nil, false
	}
	copied := *newest
	return &copied, true
}

// Extend pushes the lease expiry forward and records the extra payment.
// Returns the updated lease.
func (r *Registry) Extend(workloadID int, addSeconds, paymentMsats uint64) (*types.Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lease, ok := r.leases[workloadID]
	if !ok {
		return nil, ErrLeaseNotFound
	}

	lease.ExpiresAt += int64(addSeconds)
	lease.DurationSeconds += addSeconds
	lease.PaymentMsats += paymentMsats
	r.journal(lease)

	copied := *lease
	return &copied, nil
}

// MarkReclaiming flips the lease into the reclaiming state so a restart
// mid-teardown resumes instead of leaking the workload.
func (r *Registry) MarkReclaiming(workloadID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lease, ok := r.leases[workloadID]
	if !ok {
		return
	}
	lease.State = types.LeaseStateReclaiming
	r.journal(lease)
}

// Remove drops the lease from the registry and the journal once its
// workload is gone.
func (r *Registry) Remove(workloadID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.leases[workloadID]; !ok {
		return
	}
	delete(r.leases, workloadID)
	if err := r.store.DeleteLease(workloadID); err != nil {
		r.logger.Warn().Err(err).Int("workload_id", workloadID).Msg("Failed to delete lease from journal")
	}
}

// Expired returns copies of every lease that has run out at the given
// instant, including leases already mid-reclaim from a previous sweep.
func (r *Registry) Expired(now time.Time) []*types.Lease {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.Lease
	for _, lease := range r.leases {
		if lease.Expired(now) {
			copied := *lease
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkloadID < out[j].WorkloadID })
	return out
}

// ActiveLeaseCount reports leases still in the active state.
func (r *Registry) ActiveLeaseCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, lease := range r.leases {
		if lease.State == types.LeaseStateActive {
			count++
		}
	}
	return count
}

// WorkloadPorts reports the host ports bound to tracked leases, feeding
// the port pool's exclusion set.
func (r *Registry) WorkloadPorts() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ports []int
	for _, lease := range r.leases {
		if lease.HostPort > 0 {
			ports = append(ports, lease.HostPort)
		}
	}
	return ports
}

// journal writes the lease through to the store. Callers hold the write
// lock.
func (r *Registry) journal(lease *types.Lease) {
	if err := r.store.PutLease(lease); err != nil {
		r.logger.Warn().Err(err).Int("workload_id", lease.WorkloadID).Msg("Failed to journal lease")
	}
}
