package backend

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/types"
)

const (
	proxmoxCreateTimeout = 120 * time.Second
	proxmoxTaskTimeout   = 60 * time.Second
	proxmoxPollInterval  = 2 * time.Second
)

// ProxmoxOptions configures the remote REST backend.
type ProxmoxOptions struct {
	URL         string // e.g. https://pve-01:8006/api2/json
	TokenID     string // e.g. root@pam!hutch
	TokenSecret string
	Node        string
	Storage     string
	Template    string
	Bridge      string
}

// ProxmoxBackend drives LXC workloads on a Proxmox VE node over its
// REST API.
type ProxmoxBackend struct {
	client     *http.Client
	baseURL    string
	authHeader string
	node       string
	storage    string
	template   string
	bridge     string
	logger     zerolog.Logger
}

// NewProxmox creates the backend. Proxmox installs commonly run with
// self-signed certificates, so verification is skipped.
func NewProxmox(opts ProxmoxOptions) *ProxmoxBackend {
	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}

	return &ProxmoxBackend{
		client:     client,
		baseURL:    strings.TrimRight(opts.URL, "/"),
		authHeader: fmt.Sprintf("PVEAPIToken=%s=%s", opts.TokenID, opts.TokenSecret),
		node:       opts.Node,
		storage:    opts.Storage,
		template:   opts.Template,
		bridge:     opts.Bridge,
		logger:     log.WithComponent("backend.proxmox"),
	}
}

func (p *ProxmoxBackend) nodeURL() string {
	return fmt.Sprintf("%s/nodes/%s", p.baseURL, p.node)
}

// envelope is the {"data": ...} wrapper every Proxmox response uses.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

// call performs one API request and unmarshals the data payload into
// out when out is non-nil.
func (p *ProxmoxBackend) call(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, p.nodeURL()+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", p.authHeader)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("proxmox request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("proxmox API error: %s - %s", resp.Status, strings.TrimSpace(string(data)))
	}

	if out != nil {
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to parse response data: %w", err)
		}
	}
	return nil
}

// startTask performs a request that returns a UPID and waits for the
// task to finish.
func (p *ProxmoxBackend) startTask(ctx context.Context, method, path string, form url.Values, timeout time.Duration) error {
	var upid string
	if err := p.call(ctx, method, path, form, &upid); err != nil {
		return err
	}
	return p.waitTask(ctx, upid, timeout)
}

type taskStatus struct {
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus"`
}

// waitTask polls the task until it stops. A stopped task with an
// exitstatus other than OK is a hard failure.
func (p *ProxmoxBackend) waitTask(ctx context.Context, upid string, timeout time.Duration) error {
	attempts := uint(timeout / proxmoxPollInterval)
	if attempts == 0 {
		attempts = 1
	}

	err := retry.Do(
		func() error {
			var task taskStatus
			if err := p.call(ctx, http.MethodGet, "/tasks/"+url.PathEscape(upid)+"/status", nil, &task); err != nil {
				return err
			}
			if task.Status != "stopped" {
				return fmt.Errorf("task %s still running", upid)
			}
			if task.ExitStatus != "" && task.ExitStatus != "OK" {
				return retry.Unrecoverable(fmt.Errorf("task %s failed: %s", upid, task.ExitStatus))
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(proxmoxPollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("failed waiting for task %s: %w", upid, err)
	}
	return nil
}

type vmEntry struct {
	VMID int `json:"vmid"`
}

// FindAvailableID scans both container and VM id spaces; Proxmox shares
// one numeric namespace across workload types.
func (p *ProxmoxBackend) FindAvailableID(ctx context.Context, lo, hi int) (int, error) {
	used := make(map[int]bool)

	for _, path := range []string{"/lxc", "/qemu"} {
		var entries []vmEntry
		if err := p.call(ctx, http.MethodGet, path, nil, &entries); err != nil {
			return 0, fmt.Errorf("failed to list %s workloads: %w", strings.TrimPrefix(path, "/"), err)
		}
		for _, e := range entries {
			used[e.VMID] = true
		}
	}

	for id := lo; id <= hi; id++ {
		if !used[id] {
			return id, nil
		}
	}
	return 0, ErrNoFreeID
}

// CreateContainer provisions an LXC container from the configured
// template and waits for it to come up. The requested image is ignored;
// Proxmox containers are built from the operator's template.
func (p *ProxmoxBackend) CreateContainer(ctx context.Context, cfg ContainerConfig) error {
	storageGB := cfg.StorageGB
	if storageGB == 0 {
		storageGB = 8
	}

	form := url.Values{}
	form.Set("vmid", strconv.Itoa(cfg.ID))
	form.Set("hostname", cfg.Name)
	form.Set("ostemplate", p.template)
	form.Set("storage", p.storage)
	form.Set("rootfs", fmt.Sprintf("%s:%d", p.storage, storageGB))
	form.Set("memory", strconv.Itoa(cfg.MemoryMB))
	form.Set("cores", strconv.Itoa(cfg.CPUCores))
	form.Set("net0", fmt.Sprintf("name=eth0,bridge=%s,ip=dhcp", p.bridge))
	form.Set("password", cfg.Password)
	form.Set("start", "1")
	form.Set("unprivileged", "1")

	p.logger.Info().Int("vmid", cfg.ID).Str("node", p.node).Msg("creating LXC container")

	if err := p.startTask(ctx, http.MethodPost, "/lxc", form, proxmoxCreateTimeout); err != nil {
		return fmt.Errorf("failed to create container %d: %w", cfg.ID, err)
	}
	return nil
}

func (p *ProxmoxBackend) StartContainer(ctx context.Context, id int) error {
	err := p.startTask(ctx, http.MethodPost, fmt.Sprintf("/lxc/%d/status/start", id), url.Values{}, proxmoxTaskTimeout)
	if err != nil && !isAlreadyInState(err) {
		return fmt.Errorf("failed to start container %d: %w", id, err)
	}
	return nil
}

func (p *ProxmoxBackend) StopContainer(ctx context.Context, id int) error {
	err := p.startTask(ctx, http.MethodPost, fmt.Sprintf("/lxc/%d/status/stop", id), url.Values{}, proxmoxTaskTimeout)
	if err != nil && !isAlreadyInState(err) && !isNotFound(err) {
		return fmt.Errorf("failed to stop container %d: %w", id, err)
	}
	return nil
}

// DeleteContainer removes the container. Deleting a container that is
// already gone is not an error; the reclaimer retries teardowns.
func (p *ProxmoxBackend) DeleteContainer(ctx context.Context, id int) error {
	err := p.startTask(ctx, http.MethodDelete, fmt.Sprintf("/lxc/%d", id), nil, proxmoxTaskTimeout)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete container %d: %w", id, err)
	}
	return nil
}

type pveNodeStatus struct {
	CPU    float64 `json:"cpu"`
	Memory struct {
		Used  uint64 `json:"used"`
		Total uint64 `json:"total"`
	} `json:"memory"`
	RootFS struct {
		Used  uint64 `json:"used"`
		Total uint64 `json:"total"`
	} `json:"rootfs"`
}

func (p *ProxmoxBackend) NodeStatus(ctx context.Context) (types.NodeStatus, error) {
	var status pveNodeStatus
	if err := p.call(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return types.NodeStatus{}, fmt.Errorf("failed to get node status: %w", err)
	}

	return types.NodeStatus{
		CPUUsage:    status.CPU,
		MemoryUsed:  status.Memory.Used,
		MemoryTotal: status.Memory.Total,
		DiskUsed:    status.RootFS.Used,
		DiskTotal:   status.RootFS.Total,
	}, nil
}

// ContainerIP would need the guest agent; the proxy device contract
// does not depend on it.
func (p *ProxmoxBackend) ContainerIP(ctx context.Context, id int) (string, error) {
	return "", nil
}
