package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/backend"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/netport"
	"github.com/cuemby/hutch/pkg/payments"
	"github.com/cuemby/hutch/pkg/relay"
	"github.com/cuemby/hutch/pkg/types"
)

const (
	// backendCreateTimeout bounds workload creation; template pulls make
	// it the slowest backend call.
	backendCreateTimeout = 120 * time.Second

	// backendCallTimeout bounds every other backend call.
	backendCallTimeout = 60 * time.Second

	// defaultStorageGB is the root disk grant; tiers price cpu and
	// memory only.
	defaultStorageGB = 10

	// shellUser is the account provisioned inside every workload.
	shellUser = "root"
)

// Dispatcher turns decrypted requests into lease operations and builds
// the reply payload for each. One Dispatcher serves all requests; every
// call is safe for concurrent use.
type Dispatcher struct {
	registry *Registry
	decoder  *payments.Decoder
	backend  backend.Backend
	ports    *netport.Pool
	broker   *events.Broker

	specs       []types.PodSpec
	publicHost  string
	minDuration uint64
	idRangeLo   int
	idRangeHi   int

	logger zerolog.Logger
}

// DispatcherOptions wires the dispatcher's collaborators and the
// provider's offer terms.
type DispatcherOptions struct {
	Registry *Registry
	Decoder  *payments.Decoder
	Backend  backend.Backend
	Ports    *netport.Pool
	Broker   *events.Broker

	Specs                  []types.PodSpec
	PublicHost             string
	MinimumDurationSeconds uint64
	IDRangeStart           int
	IDRangeEnd             int
}

// NewDispatcher creates a dispatcher over the given collaborators.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	return &Dispatcher{
		registry:    opts.Registry,
		decoder:     opts.Decoder,
		backend:     opts.Backend,
		ports:       opts.Ports,
		broker:      opts.Broker,
		specs:       opts.Specs,
		publicHost:  opts.PublicHost,
		minDuration: opts.MinimumDurationSeconds,
		idRangeLo:   opts.IDRangeStart,
		idRangeHi:   opts.IDRangeEnd,
		logger:      log.WithComponent("dispatcher"),
	}
}

// Handle decodes one decrypted request payload and executes it. The
// returned value is always a reply payload for the sender: a success
// response or a typed error, never nil.
func (d *Dispatcher) Handle(ctx context.Context, sender string, data []byte) interface{} {
	parsed, err := relay.ParseRequest(data)
	if err != nil {
		d.logger.Warn().Err(err).Str("sender", sender).Msg("Rejected unparseable request")
		metrics.RequestsTotal.WithLabelValues("unknown", "error").Inc()
		return types.AsRequestError(err, types.ErrKindInvalidRequest).Response()
	}

	var (
		kind    string
		payload interface{}
		reqErr  *types.RequestError
	)

	timer := metrics.NewTimer()
	switch req := parsed.(type) {
	case *types.SpawnRequest:
		kind = types.RequestTypeSpawn
		payload, reqErr = d.handleSpawn(ctx, sender, req)
	case *types.TopupRequest:
		kind = types.RequestTypeTopup
		payload, reqErr = d.handleTopup(ctx, sender, req)
	case *types.StatusRequest:
		kind = types.RequestTypeStatus
		payload, reqErr = d.handleStatus(sender, req)
	default:
		kind = "unknown"
		reqErr = types.NewRequestError(types.ErrKindInvalidRequest, "unsupported request")
	}
	timer.ObserveDurationVec(metrics.RequestDuration, kind)

	if reqErr != nil {
		d.logger.Warn().
			Str("sender", sender).
			Str("request", kind).
			Str("error_type", reqErr.Kind).
			Msg(reqErr.Message)
		metrics.RequestsTotal.WithLabelValues(kind, "error").Inc()
		return reqErr.Response()
	}

	metrics.RequestsTotal.WithLabelValues(kind, "ok").Inc()
	return payload
}

// handleSpawn provisions a new workload in exchange for the enclosed
// token. Payment is settled before any resource is touched, so a failed
// provision never hands resources to an unredeemed token; resources
// acquired before a later failure are released in reverse order.
func (d *Dispatcher) handleSpawn(ctx context.Context, sender string, req *types.SpawnRequest) (interface{}, *types.RequestError) {
	faceValue, err := d.decoder.FaceValue(req.CashuToken)
	if err != nil {
		return nil, types.NewRequestError(types.ErrKindInvalidToken,
			fmt.Sprintf("Invalid Cashu token: %v", err))
	}

	tier, reqErr := d.resolveTier(req.PodSpecID)
	if reqErr != nil {
		return nil, reqErr
	}

	duration := faceValue / tier.RateMsatsPerSec
	if duration < d.minDuration {
		return nil, types.NewRequestError(types.ErrKindInsufficientPayment,
			fmt.Sprintf("Insufficient payment for minimum duration. Required: %d msats for %ds",
				d.minDuration*tier.RateMsatsPerSec, d.minDuration))
	}

	redeemed, reqErr := d.redeem(ctx, req.CashuToken, 0)
	if reqErr != nil {
		return nil, reqErr
	}

	provisionTimer := metrics.NewTimer()

	idCtx, cancel := context.WithTimeout(ctx, backendCallTimeout)
	id, err := d.backend.FindAvailableID(idCtx, d.idRangeLo, d.idRangeHi)
	cancel()
	if err != nil {
		return nil, types.NewRequestError(types.ErrKindProvisioningError,
			fmt.Sprintf("Failed to find available ID: %v", err))
	}

	password, err := generatePassword()
	if err != nil {
		return nil, types.NewRequestError(types.ErrKindProvisioningError,
			"Failed to generate workload credentials")
	}

	port, err := d.ports.Allocate()
	if err != nil {
		return nil, types.NewRequestError(types.ErrKindProvisioningError,
			fmt.Sprintf("Failed to allocate host port: %v", err))
	}

	createCtx, cancel := context.WithTimeout(ctx, backendCreateTimeout)
	err = d.backend.CreateContainer(createCtx, backend.ContainerConfig{
		ID:        id,
		Name:      backend.WorkloadName(id),
		Image:     req.PodImage,
		CPUCores:  backend.CoresForMillicores(tier.CPUMillicores),
		MemoryMB:  int(tier.MemoryMB),
		StorageGB: defaultStorageGB,
		Password:  password,
		HostPort:  port,
	})
	cancel()
	if err != nil {
		// Creation can fail after the workload exists (password or
		// port wiring); compensate in reverse order.
		d.teardownWorkload(id)
		d.ports.Release(port)
		return nil, types.NewRequestError(types.ErrKindBackendError,
			fmt.Sprintf("Backend failed to create workload: %v", err))
	}

	now := time.Now().Unix()
	lease := &types.Lease{
		WorkloadID:      id,
		PodHandle:       types.WorkloadHandle(id),
		TierID:          tier.ID,
		Image:           req.PodImage,
		OwnerID:         sender,
		CreatedAt:       now,
		ExpiresAt:       now + int64(duration),
		HostPort:        port,
		ShellUser:       shellUser,
		ShellPassword:   password,
		DurationSeconds: duration,
		PaymentMsats:    redeemed,
		State:           types.LeaseStateActive,
	}
	if err := d.registry.Insert(lease); err != nil {
		d.teardownWorkload(id)
		d.ports.Release(port)
		return nil, types.NewRequestError(types.ErrKindProvisioningError,
			fmt.Sprintf("Failed to register lease: %v", err))
	}

	provisionTimer.ObserveDuration(metrics.ProvisionDuration)
	d.publishEvent(events.EventLeaseCreated,
		fmt.Sprintf("Lease created for workload %d (%ds on tier %s)", id, duration, tier.ID),
		map[string]string{
			"workload_id": strconv.Itoa(id),
			"owner":       sender,
			"tier":        tier.ID,
		})
	d.logger.Info().
		Int("workload_id", id).
		Str("tier", tier.ID).
		Uint64("duration_secs", duration).
		Uint64("payment_msats", redeemed).
		Msg("Workload provisioned")

	return &types.AccessDetails{
		Type:               types.ResponseTypeAccessDetails,
		PodNpub:            types.WorkloadHandle(id),
		NodePort:           port,
		ExpiresAt:          types.RFC3339(lease.ExpiresAt),
		CPUMillicores:      tier.CPUMillicores,
		MemoryMB:           tier.MemoryMB,
		PodSpecName:        tier.Name,
		PodSpecDescription: tier.Description,
		Instructions:       accessInstructions(password, lease.ExpiresAt, port, d.publicHost),
	}, nil
}

// handleTopup extends an existing lease against a fresh token. The token
// is consumed even when the amount turns out too small to add a second;
// replay protection would reject it on any retry regardless.
func (d *Dispatcher) handleTopup(ctx context.Context, sender string, req *types.TopupRequest) (interface{}, *types.RequestError) {
	id, ok := types.ParseWorkloadHandle(req.PodNpub)
	if !ok {
		return nil, notFoundError(req.PodNpub)
	}
	lease, ok := d.registry.Get(id)
	if !ok || lease.OwnerID != sender {
		return nil, notFoundError(req.PodNpub)
	}

	tier, ok := d.tierByID(lease.TierID)
	if !ok {
		return nil, types.NewRequestError(types.ErrKindTierNotFound,
			fmt.Sprintf("Tier %q is no longer offered by this provider", lease.TierID))
	}

	redeemed, reqErr := d.redeem(ctx, req.CashuToken, id)
	if reqErr != nil {
		return nil, reqErr
	}

	added := redeemed / tier.RateMsatsPerSec
	if added == 0 {
		return nil, types.NewRequestError(types.ErrKindInsufficientPayment,
			fmt.Sprintf("Insufficient payment to extend lease. Required: at least %d msats for 1s",
				tier.RateMsatsPerSec))
	}

	updated, err := d.registry.Extend(id, added, redeemed)
	if err != nil {
		return nil, notFoundError(req.PodNpub)
	}

	d.publishEvent(events.EventLeaseExtended,
		fmt.Sprintf("Lease for workload %d extended by %ds", id, added),
		map[string]string{
			"workload_id": strconv.Itoa(id),
			"owner":       sender,
		})
	d.logger.Info().
		Int("workload_id", id).
		Uint64("added_secs", added).
		Msg("Lease extended")

	return &types.TopupResponse{
		Type:         types.ResponseTypeTopup,
		PodNpub:      types.WorkloadHandle(id),
		ExpiresAt:    types.RFC3339(updated.ExpiresAt),
		AddedSeconds: added,
	}, nil
}

// handleStatus projects one lease for its owner. Lookup by bare id and
// handle works for anyone holding the id; the owner fallback lets a
// client ask about "my pod" without one.
func (d *Dispatcher) handleStatus(sender string, req *types.StatusRequest) (interface{}, *types.RequestError) {
	lease, ok := d.registry.Resolve(req.PodID, sender)
	if !ok {
		return nil, notFoundError(req.PodID)
	}

	now := time.Now()
	remaining := lease.TimeRemaining(now)
	status := types.WorkloadStatusRunning
	if remaining == 0 {
		status = types.WorkloadStatusExpired
	}

	var cpu, memory uint32
	if tier, ok := d.tierByID(lease.TierID); ok {
		cpu = tier.CPUMillicores
		memory = tier.MemoryMB
	}

	return &types.StatusResponse{
		Type:                 types.ResponseTypeStatus,
		PodID:                strconv.Itoa(lease.WorkloadID),
		Status:               status,
		ExpiresAt:            types.RFC3339(lease.ExpiresAt),
		TimeRemainingSeconds: remaining,
		CPUMillicores:        cpu,
		MemoryMB:             memory,
		Host:                 d.publicHost,
		NodePort:             lease.HostPort,
		SSHUsername:          lease.ShellUser,
	}, nil
}

// redeem runs the full token pipeline and maps its failures onto wire
// error kinds. Redemption metrics live in the payments package.
func (d *Dispatcher) redeem(ctx context.Context, token string, workloadID int) (uint64, *types.RequestError) {
	redeemed, err := d.decoder.Redeem(ctx, token, workloadID)
	if err != nil {
		var reqErr *types.RequestError
		switch {
		case errors.Is(err, payments.ErrTokenAlreadyUsed):
			reqErr = types.NewRequestError(types.ErrKindTokenAlreadyUsed,
				"Token has already been redeemed")
		case errors.Is(err, payments.ErrMintNotWhitelisted):
			reqErr = types.NewRequestError(types.ErrKindMintNotWhitelisted,
				"Token mint is not whitelisted by this provider")
		case errors.Is(err, payments.ErrRedemptionFailed):
			reqErr = types.NewRequestError(types.ErrKindInvalidToken,
				fmt.Sprintf("Token redemption failed: %v", err))
		default:
			reqErr = types.NewRequestError(types.ErrKindInvalidToken,
				fmt.Sprintf("Invalid Cashu token: %v", err))
		}
		d.publishEvent(events.EventPaymentRejected, reqErr.Message, map[string]string{
			"error_type": reqErr.Kind,
		})
		return 0, reqErr
	}

	d.publishEvent(events.EventPaymentAccepted,
		fmt.Sprintf("Accepted %d msats", redeemed),
		map[string]string{"amount_msats": strconv.FormatUint(redeemed, 10)})
	return redeemed, nil
}

// resolveTier picks the tier for a spawn: the named tier, or the first
// configured one when the request names none.
func (d *Dispatcher) resolveTier(specID string) (*types.PodSpec, *types.RequestError) {
	if len(d.specs) == 0 {
		return nil, types.NewRequestError(types.ErrKindNoSpecs,
			"No pod specifications available on this provider")
	}
	if specID == "" {
		return &d.specs[0], nil
	}
	if tier, ok := d.tierByID(specID); ok {
		return tier, nil
	}
	return nil, types.NewRequestError(types.ErrKindTierNotFound,
		fmt.Sprintf("Tier %q is not offered by this provider", specID))
}

func (d *Dispatcher) tierByID(id string) (*types.PodSpec, bool) {
	for i := range d.specs {
		if d.specs[i].ID == id {
			return &d.specs[i], true
		}
	}
	return nil, false
}

// teardownWorkload removes a container that never made it into the
// registry. Best effort; the platform's own GC is the backstop.
func (d *Dispatcher) teardownWorkload(id int) {
	ctx, cancel := context.WithTimeout(context.Background(), backendCallTimeout)
	defer cancel()

	if err := d.backend.StopContainer(ctx, id); err != nil {
		d.logger.Warn().Err(err).Int("workload_id", id).Msg("Failed to stop orphaned workload")
	}
	if err := d.backend.DeleteContainer(ctx, id); err != nil {
		d.logger.Warn().Err(err).Int("workload_id", id).Msg("Failed to delete orphaned workload")
	}
}

func (d *Dispatcher) publishEvent(evType events.EventType, message string, metadata map[string]string) {
	publishEvent(d.broker, evType, message, metadata)
}

// publishEvent emits a lifecycle event; a nil broker drops it.
func publishEvent(broker *events.Broker, evType events.EventType, message string, metadata map[string]string) {
	if broker == nil {
		return
	}
	broker.Publish(&events.Event{
		ID:       uuid.New().String(),
		Type:     evType,
		Message:  message,
		Metadata: metadata,
	})
}

// accessInstructions renders the human-readable connection steps carried
// in AccessDetails. Credentials travel only here.
func accessInstructions(password string, expiresAt int64, port int, host string) []string {
	expires := time.Unix(expiresAt, 0).UTC().Format("2006-01-02 15:04:05 UTC")
	return []string{
		"🚀 Workload provisioned successfully!",
		"👤 Username: " + shellUser,
		"🔑 Password: " + password,
		"⌛ Expires: " + expires,
		"Access: You can connect to the container using SSH.",
		fmt.Sprintf("  ssh -p %d %s@%s", port, shellUser, host),
	}
}

func notFoundError(podID string) *types.RequestError {
	return types.NewRequestError(types.ErrKindNotFound,
		fmt.Sprintf("Workload %s not found or you don't have access", podID))
}
