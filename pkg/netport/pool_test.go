package netport

import (
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticPorts []int

func (s staticPorts) WorkloadPorts() []int { return s }

func TestAllocateWithinRange(t *testing.T) {
	pool := NewPool(43210, 43239, nil)

	port, err := pool.Allocate()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, 43210)
	assert.LessOrEqual(t, port, 43239)
	assert.Equal(t, 1, pool.InUseCount())

	pool.Release(port)
	assert.Equal(t, 0, pool.InUseCount())
}

func TestConcurrentAllocationsAreDistinct(t *testing.T) {
	pool := NewPool(43240, 43279, nil)

	const n = 10
	var wg sync.WaitGroup
	ports := make(chan int, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := pool.Allocate()
			if err != nil {
				t.Errorf("allocate failed: %v", err)
				return
			}
			ports <- port
		}()
	}
	wg.Wait()
	close(ports)

	seen := make(map[int]bool)
	for port := range ports {
		assert.False(t, seen[port], "port %d allocated twice", port)
		seen[port] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, pool.InUseCount())
}

func TestExhaustionReturnsErrNoPort(t *testing.T) {
	start, end := 43280, 43284

	// Occupy the whole range ourselves; whatever we could not bind is
	// busy on the host anyway.
	var listeners []net.Listener
	for port := start; port <= end; port++ {
		if ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port)); err == nil {
			listeners = append(listeners, ln)
		}
	}
	defer func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}()

	pool := NewPool(start, end, nil)
	_, err := pool.Allocate()
	assert.ErrorIs(t, err, ErrNoPort)
}

func TestWorkloadPortsExcluded(t *testing.T) {
	start, end := 43290, 43294

	all := make(staticPorts, 0, end-start+1)
	for port := start; port <= end; port++ {
		all = append(all, port)
	}

	pool := NewPool(start, end, all)
	_, err := pool.Allocate()
	assert.ErrorIs(t, err, ErrNoPort)
}

func TestRescanRecoversObservedBusyPort(t *testing.T) {
	start, end := 43300, 43300

	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", start))
	require.NoError(t, err)

	pool := NewPool(start, end, nil)

	// First attempt sees the port busy and exhausts the range.
	_, err = pool.Allocate()
	require.ErrorIs(t, err, ErrNoPort)

	// Once the host frees the port the rescan path finds it even
	// though bookkeeping had written it off.
	ln.Close()

	port, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, start, port)
}

func TestReleaseIsIdempotent(t *testing.T) {
	pool := NewPool(43310, 43319, nil)

	port, err := pool.Allocate()
	require.NoError(t, err)

	pool.Release(port)
	pool.Release(port)
	assert.Equal(t, 0, pool.InUseCount())

	// The released port can be handed out again.
	again, err := pool.Allocate()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, again, 43310)
	assert.LessOrEqual(t, again, 43319)
}
