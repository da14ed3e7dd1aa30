package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PodSpec is a named, priced resource template (a tier). The list of
// tiers is loaded from configuration at provider start and is immutable
// afterwards. The mapstructure tags let the config loader decode tiers
// with the same casing the wire uses.
type PodSpec struct {
	ID              string `json:"id" mapstructure:"id"`
	Name            string `json:"name" mapstructure:"name"`
	Description     string `json:"description" mapstructure:"description"`
	CPUMillicores   uint32 `json:"cpu_millicores" mapstructure:"cpu_millicores"`
	MemoryMB        uint32 `json:"memory_mb" mapstructure:"memory_mb"`
	RateMsatsPerSec uint64 `json:"rate_msats_per_sec" mapstructure:"rate_msats_per_sec"`
}

// ProviderOffer is the self-describing advertisement a provider publishes
// to the relay fabric. Readers always use the latest copy.
type ProviderOffer struct {
	ProviderNpub       string    `json:"provider_npub"`
	Hostname           string    `json:"hostname"`
	Location           *string   `json:"location"`
	Capabilities       []string  `json:"capabilities"`
	Specs              []PodSpec `json:"specs"`
	WhitelistedMints   []string  `json:"whitelisted_mints"`
	UptimePercent      float64   `json:"uptime_percent"`
	TotalJobsCompleted uint64    `json:"total_jobs_completed"`
	APIEndpoint        *string   `json:"api_endpoint"`
}

// Capability tags advertised in offers.
const (
	CapabilityContainer = "container"
	CapabilityVM        = "vm"
)

// Capacity is the free-resource snapshot carried by heartbeats.
type Capacity struct {
	CPUAvailable       uint64 `json:"cpu_available"`
	MemoryMBAvailable  uint64 `json:"memory_mb_available"`
	StorageGBAvailable uint64 `json:"storage_gb_available"`
}

// Heartbeat is the provider liveness beacon. A provider is online iff a
// heartbeat younger than OnlineWindowSeconds exists.
type Heartbeat struct {
	ProviderNpub      string   `json:"provider_npub"`
	Timestamp         int64    `json:"timestamp"`
	ActiveWorkloads   int      `json:"active_workloads"`
	AvailableCapacity Capacity `json:"available_capacity"`
}

// OnlineWindowSeconds is the maximum heartbeat age for a provider to be
// considered online.
const OnlineWindowSeconds = 120

// IsOnline reports whether the heartbeat is recent enough at the given
// instant.
func (h *Heartbeat) IsOnline(now time.Time) bool {
	return now.Unix()-h.Timestamp < OnlineWindowSeconds
}

// NodeStatus is the host resource snapshot reported by a backend.
// Memory and disk values are bytes. A degraded backend may report all
// zeros rather than fail the heartbeat.
type NodeStatus struct {
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsed  uint64  `json:"memory_used"`
	MemoryTotal uint64  `json:"memory_total"`
	DiskUsed    uint64  `json:"disk_used"`
	DiskTotal   uint64  `json:"disk_total"`
}

// LeaseState tracks a lease through its lifecycle.
type LeaseState string

const (
	LeaseStateInit       LeaseState = "init"
	LeaseStateActive     LeaseState = "active"
	LeaseStateReclaiming LeaseState = "reclaiming"
	LeaseStateDeleted    LeaseState = "deleted"
)

// Lease is the provider-side record for one active workload. The lease
// registry owns it; the workload itself remains the source of truth for
// runtime state.
type Lease struct {
	WorkloadID      int        `json:"workload_id"`
	PodHandle       string     `json:"pod_handle"`
	TierID          string     `json:"tier_id"`
	Image           string     `json:"image"`
	OwnerID         string     `json:"owner_id"`
	CreatedAt       int64      `json:"created_at"`
	ExpiresAt       int64      `json:"expires_at"`
	HostPort        int        `json:"host_port"`
	ShellUser       string     `json:"shell_user"`
	ShellPassword   string     `json:"shell_password"`
	DurationSeconds uint64     `json:"duration_seconds"`
	PaymentMsats    uint64     `json:"payment_msats"`
	State           LeaseState `json:"state"`
}

// Expired reports whether the lease has run out at the given instant.
func (l *Lease) Expired(now time.Time) bool {
	return l.ExpiresAt <= now.Unix()
}

// TimeRemaining returns the seconds left on the lease, saturating at zero.
func (l *Lease) TimeRemaining(now time.Time) uint64 {
	remaining := l.ExpiresAt - now.Unix()
	if remaining < 0 {
		return 0
	}
	return uint64(remaining)
}

// Workload status strings reported to clients.
const (
	WorkloadStatusRunning = "running"
	WorkloadStatusExpired = "expired"
)

// Redemption records a token that has been swapped at its mint. The
// redemption set is consulted before any mint call and extended only
// after the swap succeeds, so a replayed token can never mint twice.
type Redemption struct {
	TokenID     string `json:"token_id"`
	AmountMsats uint64 `json:"amount_msats"`
	WorkloadID  int    `json:"workload_id"`
	RedeemedAt  int64  `json:"redeemed_at"`
}

// WorkloadHandle returns the wire identifier for a workload id. Clients
// echo it back in topup and status requests.
func WorkloadHandle(id int) string {
	return fmt.Sprintf("container-%d", id)
}

// ParseWorkloadHandle resolves a wire identifier back to a workload id.
// Both the "container-<id>" form and a bare numeric id are accepted.
func ParseWorkloadHandle(s string) (int, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "container-")
	id, err := strconv.Atoi(s)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

// SpawnRequest asks a provider to create a workload in exchange for the
// enclosed token. PodSpecID is optional; an empty value selects the
// provider's first tier. The provider generates the shell password
// itself; the ssh fields are carried for wire compatibility.
type SpawnRequest struct {
	CashuToken  string `json:"cashu_token"`
	PodSpecID   string `json:"pod_spec_id,omitempty"`
	PodImage    string `json:"pod_image"`
	SSHUsername string `json:"ssh_username"`
	SSHPassword string `json:"ssh_password"`
}

// TopupRequest extends an existing lease. PodNpub carries the workload
// handle from AccessDetails.
type TopupRequest struct {
	PodNpub    string `json:"pod_npub"`
	CashuToken string `json:"cashu_token"`
}

// StatusRequest queries one lease by workload id, handle, or (for the
// sender's own newest lease) implicitly by owner.
type StatusRequest struct {
	PodID string `json:"pod_id"`
}

// Response type tags. Requests travel untagged (historical wire format);
// responses always carry an explicit type.
const (
	ResponseTypeAccessDetails = "access_details"
	ResponseTypeError         = "error"
	ResponseTypeStatus        = "status_response"
	ResponseTypeTopup         = "topup_response"
)

// Request type tags accepted in addition to structural inference.
const (
	RequestTypeSpawn  = "spawn"
	RequestTypeTopup  = "topup"
	RequestTypeStatus = "status"
)

// AccessDetails is the successful spawn response. Credentials travel only
// inside Instructions.
type AccessDetails struct {
	Type               string   `json:"type"`
	PodNpub            string   `json:"pod_npub"`
	NodePort           int      `json:"node_port"`
	ExpiresAt          string   `json:"expires_at"`
	CPUMillicores      uint32   `json:"cpu_millicores"`
	MemoryMB           uint32   `json:"memory_mb"`
	PodSpecName        string   `json:"pod_spec_name"`
	PodSpecDescription string   `json:"pod_spec_description"`
	Instructions       []string `json:"instructions"`
}

// StatusResponse is the lease projection returned for status requests.
type StatusResponse struct {
	Type                 string `json:"type"`
	PodID                string `json:"pod_id"`
	Status               string `json:"status"`
	ExpiresAt            string `json:"expires_at"`
	TimeRemainingSeconds uint64 `json:"time_remaining_seconds"`
	CPUMillicores        uint32 `json:"cpu_millicores"`
	MemoryMB             uint32 `json:"memory_mb"`
	Host                 string `json:"host"`
	NodePort             int    `json:"node_port"`
	SSHUsername          string `json:"ssh_username"`
}

// TopupResponse acknowledges a lease extension.
type TopupResponse struct {
	Type         string `json:"type"`
	PodNpub      string `json:"pod_npub"`
	ExpiresAt    string `json:"expires_at"`
	AddedSeconds uint64 `json:"added_seconds"`
}

// ErrorResponse is the typed failure reply for any request.
type ErrorResponse struct {
	Type      string  `json:"type"`
	ErrorType string  `json:"error_type"`
	Message   string  `json:"message"`
	Details   *string `json:"details"`
}

// RFC3339 formats a unix timestamp the way expiry fields travel on the
// wire.
func RFC3339(unix int64) string {
	return time.Unix(unix, 0).UTC().Format(time.RFC3339)
}
