package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Aggregate states reported by the health endpoints.
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
	StateReady     = "ready"
	StateNotReady  = "not_ready"
)

// criticalProbes name the components a provider cannot serve without:
// the relay link requests arrive on, the container backend, and the
// lease store. /ready answers 503 until all three have reported in.
var criticalProbes = []string{"relay", "backend", "store"}

// Report is the document served by /health, /ready and /live.
type Report struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// probe is the last state a component reported.
type probe struct {
	healthy bool
	message string
	updated time.Time
}

// probeBoard collects component states. Writers are the startup path
// and the heartbeat loop; the HTTP handlers only read.
type probeBoard struct {
	mu      sync.RWMutex
	probes  map[string]probe
	started time.Time
	version string
}

var board = &probeBoard{
	probes:  make(map[string]probe),
	started: time.Now(),
}

// SetVersion stamps health reports with the build version.
func SetVersion(version string) {
	board.mu.Lock()
	board.version = version
	board.mu.Unlock()
}

// RegisterComponent records the initial state of a component probe.
func RegisterComponent(name string, healthy bool, message string) {
	board.set(name, healthy, message)
}

// UpdateComponent records a state change observed at runtime, for
// example the heartbeat loop losing the backend.
func UpdateComponent(name string, healthy bool, message string) {
	board.set(name, healthy, message)
}

func (b *probeBoard) set(name string, healthy bool, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probes[name] = probe{healthy: healthy, message: message, updated: time.Now()}
}

// GetHealth summarizes every registered probe. A failed critical probe
// marks the node unhealthy; a failed optional probe only degrades it.
func GetHealth() Report {
	board.mu.RLock()
	defer board.mu.RUnlock()

	status := StateHealthy
	components := make(map[string]string, len(board.probes))
	for name, p := range board.probes {
		if p.healthy {
			components[name] = StateHealthy
			continue
		}
		components[name] = StateUnhealthy + ": " + p.message
		if lo.Contains(criticalProbes, name) {
			status = StateUnhealthy
		} else if status == StateHealthy {
			status = StateDegraded
		}
	}

	return Report{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    board.version,
		Uptime:     time.Since(board.started).String(),
	}
}

// GetReadiness reports whether every critical probe has registered and
// is healthy. A probe that never registered counts as not ready; the
// component may still be starting.
func GetReadiness() Report {
	board.mu.RLock()
	defer board.mu.RUnlock()

	status := StateReady
	var message string
	components := make(map[string]string, len(criticalProbes))
	for _, name := range criticalProbes {
		p, ok := board.probes[name]
		switch {
		case !ok:
			status = StateNotReady
			message = "waiting for " + name
			components[name] = "not registered"
		case !p.healthy:
			status = StateNotReady
			message = "waiting for " + name
			components[name] = "not ready: " + p.message
		default:
			components[name] = StateReady
		}
	}

	return Report{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    board.version,
		Uptime:     time.Since(board.started).String(),
	}
}

// HealthHandler serves the aggregate health report. Degraded still
// answers 200; only a critical failure flips the status code.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := GetHealth()
		code := http.StatusOK
		if report.Status == StateUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeReport(w, code, report)
	}
}

// ReadyHandler serves the readiness gate.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := GetReadiness()
		code := http.StatusOK
		if report.Status != StateReady {
			code = http.StatusServiceUnavailable
		}
		writeReport(w, code, report)
	}
}

// LivenessHandler answers as long as the process is up.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeReport(w, http.StatusOK, Report{
			Status:    "alive",
			Timestamp: time.Now(),
			Uptime:    time.Since(board.started).String(),
		})
	}
}

func writeReport(w http.ResponseWriter, code int, report Report) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}
