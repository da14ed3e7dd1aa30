package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records every invocation and answers from the configured
// handler.
type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]string
	handle func(name string, args []string) (string, error)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()

	if f.handle != nil {
		return f.handle(name, args)
	}
	return "", nil
}

func (f *fakeRunner) callStrings() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, call := range f.calls {
		out = append(out, strings.Join(call, " "))
	}
	return out
}

func (f *fakeRunner) callContaining(sub string) string {
	for _, call := range f.callStrings() {
		if strings.Contains(call, sub) {
			return call
		}
	}
	return ""
}

func newIncusFixture(fake *fakeRunner) *IncusBackend {
	backend := NewIncus(IncusOptions{})
	backend.run = fake
	return backend
}

func TestResolveImageAlias(t *testing.T) {
	tests := []struct {
		image string
		want  string
	}{
		{"alpine", "images:alpine/3.19"},
		{"ubuntu", "ubuntu:22.04"},
		{"debian", "images:debian/12"},
		{"images:archlinux", "images:archlinux"},
		{"ubuntu:24.04", "ubuntu:24.04"},
	}

	for _, tt := range tests {
		t.Run(tt.image, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveImageAlias(tt.image))
		})
	}
}

func TestIncusCreateContainer(t *testing.T) {
	fake := &fakeRunner{}
	backend := newIncusFixture(fake)

	err := backend.CreateContainer(context.Background(), ContainerConfig{
		ID:       1005,
		Name:     "hutch-1005",
		Image:    "alpine",
		CPUCores: 2,
		MemoryMB: 1024,
		Password: "s3kritpassw0rd44",
		HostPort: 3042,
	})
	require.NoError(t, err)

	launch := fake.callContaining("launch")
	assert.Equal(t, "incus launch images:alpine/3.19 hutch-1005 -c limits.cpu=2 -c limits.memory=1024MB -c security.nesting=true", launch)

	chpasswd := fake.callContaining("chpasswd")
	assert.Contains(t, chpasswd, "exec hutch-1005 -- sh -c")
	assert.Contains(t, chpasswd, "echo 'root:s3kritpassw0rd44' | chpasswd")

	proxy := fake.callContaining("proxy")
	assert.Equal(t, "incus config device add hutch-1005 ssh-proxy proxy listen=tcp:0.0.0.0:3042 connect=tcp:127.0.0.1:22", proxy)
}

func TestIncusCreateContainerWithoutHostPort(t *testing.T) {
	fake := &fakeRunner{}
	backend := newIncusFixture(fake)

	err := backend.CreateContainer(context.Background(), ContainerConfig{
		ID:       1006,
		Image:    "debian",
		CPUCores: 1,
		MemoryMB: 512,
		Password: "pw",
	})
	require.NoError(t, err)
	assert.Empty(t, fake.callContaining("proxy"), "no forwarder requested, no device expected")
}

func TestIncusCreateContainerRetriesPassword(t *testing.T) {
	old := chpasswdRetryDelay
	chpasswdRetryDelay = time.Millisecond
	t.Cleanup(func() { chpasswdRetryDelay = old })

	var attempts int
	fake := &fakeRunner{
		handle: func(name string, args []string) (string, error) {
			if len(args) > 0 && args[0] == "exec" && strings.Contains(strings.Join(args, " "), "chpasswd") {
				attempts++
				if attempts < 3 {
					return "", errors.New("Error: VM agent isn't currently running")
				}
			}
			return "", nil
		},
	}
	backend := newIncusFixture(fake)

	err := backend.CreateContainer(context.Background(), ContainerConfig{
		ID:       1007,
		Image:    "alpine",
		CPUCores: 1,
		MemoryMB: 256,
		Password: "pw",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestIncusCreateContainerPasswordExhausted(t *testing.T) {
	old := chpasswdRetryDelay
	chpasswdRetryDelay = time.Millisecond
	t.Cleanup(func() { chpasswdRetryDelay = old })

	fake := &fakeRunner{
		handle: func(name string, args []string) (string, error) {
			if len(args) > 0 && args[0] == "exec" {
				return "", errors.New("Error: exec failed")
			}
			return "", nil
		},
	}
	backend := newIncusFixture(fake)

	err := backend.CreateContainer(context.Background(), ContainerConfig{
		ID:       1008,
		Image:    "alpine",
		CPUCores: 1,
		MemoryMB: 256,
		Password: "pw",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to set root password")
}

func TestIncusCreateContainerLaunchFailure(t *testing.T) {
	fake := &fakeRunner{
		handle: func(name string, args []string) (string, error) {
			if len(args) > 0 && args[0] == "launch" {
				return "", errors.New("Error: Failed to create instance")
			}
			return "", nil
		},
	}
	backend := newIncusFixture(fake)

	err := backend.CreateContainer(context.Background(), ContainerConfig{ID: 1009, Image: "alpine"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to launch container hutch-1009")
}

func TestIncusStopToleratesStoppedInstance(t *testing.T) {
	fake := &fakeRunner{
		handle: func(name string, args []string) (string, error) {
			return "", errors.New("incus command failed: The instance is already stopped")
		},
	}
	backend := newIncusFixture(fake)

	assert.NoError(t, backend.StopContainer(context.Background(), 1010))
	assert.Equal(t, "incus stop hutch-1010 --force", fake.callContaining("stop"))
}

func TestIncusDeleteToleratesMissingInstance(t *testing.T) {
	fake := &fakeRunner{
		handle: func(name string, args []string) (string, error) {
			return "", errors.New("incus command failed: Instance not found")
		},
	}
	backend := newIncusFixture(fake)

	assert.NoError(t, backend.DeleteContainer(context.Background(), 1011))
	assert.Equal(t, "incus delete hutch-1011 --force", fake.callContaining("delete"))
}

func TestIncusFindAvailableID(t *testing.T) {
	listJSON := `[{"name":"hutch-1000"},{"name":"hutch-1001"},{"name":"unrelated"},{"name":"hutch-abc"}]`

	tests := []struct {
		name    string
		lo, hi  int
		want    int
		wantErr error
	}{
		{name: "first gap", lo: 1000, hi: 1999, want: 1002},
		{name: "below taken ids", lo: 500, hi: 600, want: 500},
		{name: "exhausted", lo: 1000, hi: 1001, wantErr: ErrNoFreeID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeRunner{
				handle: func(name string, args []string) (string, error) {
					return listJSON, nil
				},
			}
			backend := newIncusFixture(fake)

			id, err := backend.FindAvailableID(context.Background(), tt.lo, tt.hi)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestIncusContainerIP(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{
			name: "prefers inet over inet6",
			json: `[{"name":"hutch-1012","state":{"network":{"eth0":{"addresses":[
				{"family":"inet6","address":"fd42::1"},
				{"family":"inet","address":"10.23.114.7"}
			]}}}}]`,
			want: "10.23.114.7",
		},
		{
			name: "no eth0",
			json: `[{"name":"hutch-1012","state":{"network":{"lo":{"addresses":[{"family":"inet","address":"127.0.0.1"}]}}}}]`,
			want: "",
		},
		{
			name: "instance missing",
			json: `[]`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeRunner{
				handle: func(name string, args []string) (string, error) {
					return tt.json, nil
				},
			}
			backend := newIncusFixture(fake)

			ip, err := backend.ContainerIP(context.Background(), 1012)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ip)

			assert.Contains(t, fake.callContaining("list"), "incus list hutch-1012 --format json")
		})
	}
}

const fakeFreeOutput = `               total        used        free      shared  buff/cache   available
Mem:     16723824640  1038573568 14234567890      123456  1450683182 15234567890
Swap:              0           0           0
`

const fakeDfOutput = `Filesystem          1B-blocks         Used    Available Use% Mounted on
/dev/sda1        500107862016 100021572608 400086289408  21% /
`

func TestIncusNodeStatus(t *testing.T) {
	tests := []struct {
		name    string
		loadavg string
		cpus    int
		wantCPU float64
	}{
		{name: "normal load", loadavg: "2.00 1.50 1.00 2/345 6789\n", cpus: 4, wantCPU: 0.5},
		{name: "load capped at one", loadavg: "9.99 8.00 7.00 2/345 6789\n", cpus: 4, wantCPU: 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loadavgPath := filepath.Join(t.TempDir(), "loadavg")
			require.NoError(t, os.WriteFile(loadavgPath, []byte(tt.loadavg), 0o644))

			fake := &fakeRunner{
				handle: func(name string, args []string) (string, error) {
					switch name {
					case "free":
						return fakeFreeOutput, nil
					case "df":
						return fakeDfOutput, nil
					default:
						return "", fmt.Errorf("unexpected command %s", name)
					}
				},
			}
			backend := newIncusFixture(fake)
			backend.loadavgPath = loadavgPath
			backend.cpuCount = tt.cpus

			status, err := backend.NodeStatus(context.Background())
			require.NoError(t, err)

			assert.Equal(t, uint64(16723824640), status.MemoryTotal)
			assert.Equal(t, uint64(1038573568), status.MemoryUsed)
			assert.Equal(t, uint64(500107862016), status.DiskTotal)
			assert.Equal(t, uint64(100021572608), status.DiskUsed)
			assert.InDelta(t, tt.wantCPU, status.CPUUsage, 0.0001)
		})
	}
}
