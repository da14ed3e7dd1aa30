// Package backend abstracts the workload platform a provider leases out.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/hutch/pkg/types"
)

// ErrNoFreeID is returned when every workload id in the configured range
// is taken.
var ErrNoFreeID = errors.New("no free workload id in range")

// ContainerConfig describes the workload to create. StorageGB of zero
// means the platform default root size.
type ContainerConfig struct {
	ID        int
	Name      string
	Image     string
	CPUCores  int
	MemoryMB  int
	StorageGB int
	Password  string
	HostPort  int
}

// Backend is the workload platform contract. Implementations must leave
// a created container running, make DeleteContainer idempotent, and may
// report a degraded all-zero NodeStatus instead of failing.
type Backend interface {
	// FindAvailableID returns an unused workload id in [lo, hi],
	// considering every workload type the platform hosts.
	FindAvailableID(ctx context.Context, lo, hi int) (int, error)

	// CreateContainer provisions and starts the workload.
	CreateContainer(ctx context.Context, cfg ContainerConfig) error

	StartContainer(ctx context.Context, id int) error
	StopContainer(ctx context.Context, id int) error
	DeleteContainer(ctx context.Context, id int) error

	// NodeStatus reports host resource usage for heartbeat capacity.
	NodeStatus(ctx context.Context) (types.NodeStatus, error)

	// ContainerIP returns the workload's IPv4 if the platform can see
	// one; "" is a valid answer.
	ContainerIP(ctx context.Context, id int) (string, error)
}

// CoresForMillicores converts a tier's millicore grant into the whole
// cores platforms bill by, never below one.
func CoresForMillicores(millicores uint32) int {
	cores := int(millicores / 1000)
	if cores < 1 {
		return 1
	}
	return cores
}

// WorkloadName is the platform-side name for a workload id, used by the
// backends that address workloads by name rather than numeric id.
func WorkloadName(id int) string {
	return fmt.Sprintf("hutch-%d", id)
}

// ParseWorkloadName resolves a platform name back to a workload id.
func ParseWorkloadName(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "hutch-")
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(rest)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

// isNotFound matches the error text platforms emit for an absent
// workload. Teardown paths treat these as success.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "no such")
}

// isAlreadyInState matches start/stop attempts that are no-ops because
// the workload is already there.
func isAlreadyInState(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already running") ||
		strings.Contains(msg, "already stopped") ||
		strings.Contains(msg, "not running")
}
