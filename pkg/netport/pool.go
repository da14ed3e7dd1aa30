// Package netport allocates host ports for workload shell forwarding.
package netport

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/log"
)

// ErrNoPort is returned when every port in the configured range is
// taken.
var ErrNoPort = errors.New("no free port in range")

// WorkloadPorts reports host ports bound to live workloads. The lease
// registry implements it; nil means no workloads.
type WorkloadPorts interface {
	WorkloadPorts() []int
}

// Pool hands out ports from [start, end]. A port leaves the pool when
// allocated or when a probe sees the host using it, and returns only
// through Release (after the backend confirms the workload gone) or a
// probe observing it free again.
type Pool struct {
	mu          sync.Mutex
	start, end  int
	allocated   map[int]bool // handed out by us, still held
	unavailable map[int]bool // observed busy on the host
	workloads   WorkloadPorts
	logger      zerolog.Logger
}

// NewPool creates a pool over the inclusive range [start, end].
func NewPool(start, end int, workloads WorkloadPorts) *Pool {
	return &Pool{
		start:       start,
		end:         end,
		allocated:   make(map[int]bool),
		unavailable: make(map[int]bool),
		workloads:   workloads,
		logger:      log.WithComponent("netport"),
	}
}

// Allocate returns a port that is inside the range, not bound on the
// host, not used by any workload, and not handed to any other caller.
// Returns ErrNoPort when the range is exhausted.
//
// The bind probe and the commit cannot be atomic; the short random
// sleep spreads concurrent allocators apart and the re-check under the
// lock closes the window between our own goroutines. The backend's own
// bind at create time remains the final arbiter, surfacing as a create
// error before any lease exists.
func (p *Pool) Allocate() (int, error) {
	workloadPorts := p.workloadSet()

	for _, port := range p.candidates(workloadPorts) {
		if !probeFree(port) {
			p.markUnavailable(port)
			continue
		}

		// Sub-10ms random sleep between probe and commit.
		time.Sleep(time.Duration(rand.Intn(10)) * time.Millisecond)

		if !probeFree(port) {
			p.markUnavailable(port)
			continue
		}

		if p.commit(port) {
			p.logger.Debug().Int("port", port).Msg("allocated port")
			return port, nil
		}
	}

	// Nothing in the bookkept pool worked; rescan the whole range,
	// ignoring earlier in-use observations.
	for port := p.start; port <= p.end; port++ {
		if workloadPorts[port] || p.isAllocated(port) {
			continue
		}
		if !probeFree(port) {
			continue
		}
		if p.commit(port) {
			p.mu.Lock()
			delete(p.unavailable, port)
			p.mu.Unlock()
			p.logger.Info().Int("port", port).Msg("allocated port on full-range rescan")
			return port, nil
		}
	}

	return 0, ErrNoPort
}

// Release returns a port to the pool. Call only once the backend has
// confirmed the workload is gone. Idempotent.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allocated, port)
}

// InUseCount returns the number of ports currently handed out.
func (p *Pool) InUseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}

// candidates returns the bookkept-free ports in pseudo-random order.
func (p *Pool) candidates(workloadPorts map[int]bool) []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]int, 0, p.end-p.start+1)
	for port := p.start; port <= p.end; port++ {
		if p.allocated[port] || p.unavailable[port] || workloadPorts[port] {
			continue
		}
		candidates = append(candidates, port)
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	return candidates
}

// commit inserts the port into the allocated set unless another caller
// won the race.
func (p *Pool) commit(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.allocated[port] {
		return false
	}
	p.allocated[port] = true
	return true
}

func (p *Pool) isAllocated(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated[port]
}

func (p *Pool) markUnavailable(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unavailable[port] = true
}

func (p *Pool) workloadSet() map[int]bool {
	set := make(map[int]bool)
	if p.workloads == nil {
		return set
	}
	for _, port := range p.workloads.WorkloadPorts() {
		set[port] = true
	}
	return set
}

// probeFree reports whether the port can be bound on all interfaces
// right now. The listener is closed immediately; this is an observation,
// not a reservation.
func probeFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
