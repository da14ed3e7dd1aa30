package backend

import (
	"context"
	"fmt"
	"strconv"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/types"
)

const (
	// DefaultContainerdNamespace isolates leased workloads from other
	// tenants of the same daemon.
	DefaultContainerdNamespace = "hutch"

	// DefaultContainerdAddress is the stock containerd socket.
	DefaultContainerdAddress = "/run/containerd/containerd.sock"

	// workloadIDLabel carries the numeric workload id; FindAvailableID
	// enumerates it.
	workloadIDLabel = "hutch.id"

	containerdStopTimeout = 10 * time.Second

	cpuCFSPeriod = 100000
)

// ContainerdOptions configures the app-container backend.
type ContainerdOptions struct {
	Address   string
	Namespace string
}

// ContainerdBackend runs leases as app containers on a containerd
// daemon. It cannot install a shell daemon or forward ports on its own,
// so the access details it supports are image-defined; it is wired as
// an experimental backend.
type ContainerdBackend struct {
	client    *containerd.Client
	namespace string
	logger    zerolog.Logger
}

func NewContainerd(opts ContainerdOptions) (*ContainerdBackend, error) {
	address := opts.Address
	if address == "" {
		address = DefaultContainerdAddress
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = DefaultContainerdNamespace
	}

	client, err := containerd.New(address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdBackend{
		client:    client,
		namespace: namespace,
		logger:    log.WithComponent("backend.containerd"),
	}, nil
}

func (b *ContainerdBackend) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

// containerdImageRef maps the short image names offers advertise onto
// fully qualified registry references.
func containerdImageRef(image string) string {
	switch image {
	case "alpine":
		return "docker.io/library/alpine:3.19"
	case "ubuntu":
		return "docker.io/library/ubuntu:22.04"
	case "debian":
		return "docker.io/library/debian:12"
	default:
		return image
	}
}

// cpuQuotaForCores converts whole cores into a CFS quota against the
// standard period.
func cpuQuotaForCores(cores int) int64 {
	if cores < 1 {
		cores = 1
	}
	return int64(cores) * cpuCFSPeriod
}

func (b *ContainerdBackend) FindAvailableID(ctx context.Context, lo, hi int) (int, error) {
	ctx = namespaces.WithNamespace(ctx, b.namespace)

	containers, err := b.client.Containers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	used := make(map[int]bool)
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			continue
		}
		if raw, ok := labels[workloadIDLabel]; ok {
			if id, err := strconv.Atoi(raw); err == nil {
				used[id] = true
			}
		}
	}

	for id := lo; id <= hi; id++ {
		if !used[id] {
			return id, nil
		}
	}
	return 0, ErrNoFreeID
}

// CreateContainer pulls the image and starts the workload under the
// image's own entrypoint with CFS and memory limits applied. Password
// and host port are ignored; this backend has no shell contract.
func (b *ContainerdBackend) CreateContainer(ctx context.Context, cfg ContainerConfig) error {
	ctx = namespaces.WithNamespace(ctx, b.namespace)
	name := WorkloadName(cfg.ID)
	ref := containerdImageRef(cfg.Image)

	b.logger.Info().Str("name", name).Str("image", ref).Msg("pulling image")

	image, err := b.client.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}

	container, err := b.client.NewContainer(
		ctx,
		name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(name+"-snapshot", image),
		containerd.WithContainerLabels(map[string]string{
			workloadIDLabel: strconv.Itoa(cfg.ID),
		}),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithMemoryLimit(uint64(cfg.MemoryMB)<<20),
			oci.WithCPUCFS(cpuQuotaForCores(cfg.CPUCores), cpuCFSPeriod),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", name, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task for %s: %w", name, err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task for %s: %w", name, err)
	}
	return nil
}

func (b *ContainerdBackend) StartContainer(ctx context.Context, id int) error {
	ctx = namespaces.WithNamespace(ctx, b.namespace)
	name := WorkloadName(id)

	container, err := b.client.LoadContainer(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", name, err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		if status, err := task.Status(ctx); err == nil && status.Status == containerd.Running {
			return nil
		}
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task for %s: %w", name, err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task for %s: %w", name, err)
	}
	return nil
}

// StopContainer sends SIGTERM and escalates to SIGKILL when the task
// does not exit within the stop timeout.
func (b *ContainerdBackend) StopContainer(ctx context.Context, id int) error {
	ctx = namespaces.WithNamespace(ctx, b.namespace)
	name := WorkloadName(id)

	container, err := b.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", name, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means the workload is not running.
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, containerdStopTimeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to signal task for %s: %w", name, err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task %s: %w", name, err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task for %s: %w", name, err)
		}
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task for %s: %w", name, err)
	}
	return nil
}

func (b *ContainerdBackend) DeleteContainer(ctx context.Context, id int) error {
	ctx = namespaces.WithNamespace(ctx, b.namespace)
	name := WorkloadName(id)

	container, err := b.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", name, err)
	}

	if err := b.StopContainer(ctx, id); err != nil {
		b.logger.Warn().Err(err).Str("name", name).Msg("failed to stop container before delete")
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container %s: %w", name, err)
	}
	return nil
}

// NodeStatus reports the degraded all-zero snapshot; containerd exposes
// no host metrics.
func (b *ContainerdBackend) NodeStatus(ctx context.Context) (types.NodeStatus, error) {
	return types.NodeStatus{}, nil
}

// ContainerIP is unsupported; tasks run in the default network
// namespace without an addressable interface of their own.
func (b *ContainerdBackend) ContainerIP(ctx context.Context, id int) (string, error) {
	return "", nil
}
