package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/types"
)

// chpasswdRetryDelay paces password retries while a fresh container
// boots far enough for exec to work.
var chpasswdRetryDelay = time.Second

// sshSetupScript installs and opens up sshd inside the workload so the
// advertised root password actually logs in. Failures are tolerated;
// some images ship a working sshd already.
const sshSetupScript = `
if command -v apk >/dev/null; then
	apk add --no-cache openssh
	rc-update add sshd default
	service sshd start
elif command -v apt-get >/dev/null; then
	systemctl enable ssh
	systemctl start ssh
fi

if [ -f /etc/ssh/sshd_config ]; then
	rm -f /etc/ssh/sshd_config.d/*-cloudimg-settings.conf
	sed -i 's/#PermitRootLogin.*/PermitRootLogin yes/' /etc/ssh/sshd_config
	sed -i 's/PermitRootLogin.*/PermitRootLogin yes/' /etc/ssh/sshd_config
	sed -i 's/PasswordAuthentication no/PasswordAuthentication yes/' /etc/ssh/sshd_config
	service sshd restart || systemctl restart ssh || systemctl restart sshd
fi
`

// Runner executes one CLI invocation and returns its stdout. The
// backend runs both the platform binary and host inspection commands
// through it.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s command failed: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// IncusOptions configures the local CLI backend.
type IncusOptions struct {
	Binary string // defaults to "incus"; "lxc" also speaks this CLI
}

// IncusBackend drives system containers on the local host through the
// incus command line client.
type IncusBackend struct {
	binary      string
	run         Runner
	loadavgPath string
	cpuCount    int
	logger      zerolog.Logger
}

func NewIncus(opts IncusOptions) *IncusBackend {
	binary := opts.Binary
	if binary == "" {
		binary = "incus"
	}
	return &IncusBackend{
		binary:      binary,
		run:         execRunner{},
		loadavgPath: "/proc/loadavg",
		cpuCount:    runtime.NumCPU(),
		logger:      log.WithComponent("backend.incus"),
	}
}

// resolveImageAlias maps the short image names offers advertise onto
// full incus image references.
func resolveImageAlias(image string) string {
	switch image {
	case "alpine":
		return "images:alpine/3.19"
	case "ubuntu":
		return "ubuntu:22.04"
	case "debian":
		return "images:debian/12"
	default:
		return image
	}
}

type incusAddress struct {
	Family  string `json:"family"`
	Address string `json:"address"`
}

type incusInstance struct {
	Name  string `json:"name"`
	State *struct {
		Network map[string]struct {
			Addresses []incusAddress `json:"addresses"`
		} `json:"network"`
	} `json:"state"`
}

func (b *IncusBackend) list(ctx context.Context, extra ...string) ([]incusInstance, error) {
	args := append([]string{"list"}, extra...)
	args = append(args, "--format", "json")

	out, err := b.run.Run(ctx, b.binary, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	var instances []incusInstance
	if err := json.Unmarshal([]byte(out), &instances); err != nil {
		return nil, fmt.Errorf("failed to parse instance list: %w", err)
	}
	return instances, nil
}

func (b *IncusBackend) FindAvailableID(ctx context.Context, lo, hi int) (int, error) {
	instances, err := b.list(ctx)
	if err != nil {
		return 0, err
	}

	used := make(map[int]bool)
	for _, inst := range instances {
		if id, ok := ParseWorkloadName(inst.Name); ok {
			used[id] = true
		}
	}

	for id := lo; id <= hi; id++ {
		if !used[id] {
			return id, nil
		}
	}
	return 0, ErrNoFreeID
}

func (b *IncusBackend) CreateContainer(ctx context.Context, cfg ContainerConfig) error {
	name := WorkloadName(cfg.ID)
	image := resolveImageAlias(cfg.Image)

	b.logger.Info().Str("name", name).Str("image", image).Msg("launching container")

	_, err := b.run.Run(ctx, b.binary,
		"launch", image, name,
		"-c", fmt.Sprintf("limits.cpu=%d", cfg.CPUCores),
		"-c", fmt.Sprintf("limits.memory=%dMB", cfg.MemoryMB),
		"-c", "security.nesting=true",
	)
	if err != nil {
		return fmt.Errorf("failed to launch container %s: %w", name, err)
	}

	// The shell needs the root password the client was promised. exec
	// fails until the container's init brings the system up.
	chpasswd := fmt.Sprintf("echo 'root:%s' | chpasswd", cfg.Password)
	err = retry.Do(
		func() error {
			_, err := b.run.Run(ctx, b.binary, "exec", name, "--", "sh", "-c", chpasswd)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(10),
		retry.Delay(chpasswdRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("failed to set root password on %s: %w", name, err)
	}

	if _, err := b.run.Run(ctx, b.binary, "exec", name, "--", "sh", "-c", sshSetupScript); err != nil {
		b.logger.Warn().Err(err).Str("name", name).Msg("ssh setup script failed")
	}

	if cfg.HostPort > 0 {
		b.logger.Info().Int("host_port", cfg.HostPort).Str("name", name).Msg("adding ssh proxy device")
		_, err := b.run.Run(ctx, b.binary,
			"config", "device", "add", name, "ssh-proxy", "proxy",
			fmt.Sprintf("listen=tcp:0.0.0.0:%d", cfg.HostPort),
			"connect=tcp:127.0.0.1:22",
		)
		if err != nil {
			return fmt.Errorf("failed to add ssh proxy device to %s: %w", name, err)
		}
	}
	return nil
}

func (b *IncusBackend) StartContainer(ctx context.Context, id int) error {
	name := WorkloadName(id)
	if _, err := b.run.Run(ctx, b.binary, "start", name); err != nil && !isAlreadyInState(err) {
		return fmt.Errorf("failed to start container %s: %w", name, err)
	}
	return nil
}

func (b *IncusBackend) StopContainer(ctx context.Context, id int) error {
	name := WorkloadName(id)
	_, err := b.run.Run(ctx, b.binary, "stop", name, "--force")
	if err != nil && !isAlreadyInState(err) && !isNotFound(err) {
		return fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	return nil
}

func (b *IncusBackend) DeleteContainer(ctx context.Context, id int) error {
	name := WorkloadName(id)
	if _, err := b.run.Run(ctx, b.binary, "delete", name, "--force"); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete container %s: %w", name, err)
	}
	return nil
}

// NodeStatus samples the host itself; the local backend shares the
// machine with its workloads.
func (b *IncusBackend) NodeStatus(ctx context.Context) (types.NodeStatus, error) {
	var status types.NodeStatus

	freeOut, err := b.run.Run(ctx, "free", "-b")
	if err != nil {
		return status, fmt.Errorf("failed to read memory usage: %w", err)
	}
	for _, line := range strings.Split(freeOut, "\n") {
		if !strings.HasPrefix(line, "Mem:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 3 {
			status.MemoryTotal, _ = strconv.ParseUint(fields[1], 10, 64)
			status.MemoryUsed, _ = strconv.ParseUint(fields[2], 10, 64)
		}
		break
	}

	dfOut, err := b.run.Run(ctx, "df", "-B1", "/")
	if err != nil {
		return status, fmt.Errorf("failed to read disk usage: %w", err)
	}
	dfLines := strings.Split(dfOut, "\n")
	for _, line := range dfLines[1:] {
		fields := strings.Fields(line)
		if len(fields) >= 3 {
			status.DiskTotal, _ = strconv.ParseUint(fields[1], 10, 64)
			status.DiskUsed, _ = strconv.ParseUint(fields[2], 10, 64)
			break
		}
	}

	loadavg, err := os.ReadFile(b.loadavgPath)
	if err == nil {
		fields := strings.Fields(string(loadavg))
		if len(fields) > 0 {
			load, _ := strconv.ParseFloat(fields[0], 64)
			usage := load / float64(b.cpuCount)
			if usage > 1.0 {
				usage = 1.0
			}
			status.CPUUsage = usage
		}
	}

	return status, nil
}

func (b *IncusBackend) ContainerIP(ctx context.Context, id int) (string, error) {
	instances, err := b.list(ctx, WorkloadName(id))
	if err != nil {
		return "", err
	}
	if len(instances) == 0 || instances[0].State == nil {
		return "", nil
	}

	eth0, ok := instances[0].State.Network["eth0"]
	if !ok {
		return "", nil
	}
	for _, addr := range eth0.Addresses {
		if addr.Family == "inet" {
			return addr.Address, nil
		}
	}
	return "", nil
}
