package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/hutch/pkg/types"
)

// Default reply windows per operation. Spawn covers workload creation
// on the provider, so it waits the longest.
const (
	DefaultSpawnTimeout  = 120 * time.Second
	DefaultStatusTimeout = 30 * time.Second
	DefaultTopupTimeout  = 60 * time.Second
)

// Timeouts bounds how long each negotiation waits for the provider's
// encrypted reply.
type Timeouts struct {
	Spawn  time.Duration
	Status time.Duration
	Topup  time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Spawn <= 0 {
		t.Spawn = DefaultSpawnTimeout
	}
	if t.Status <= 0 {
		t.Status = DefaultStatusTimeout
	}
	if t.Topup <= 0 {
		t.Topup = DefaultTopupTimeout
	}
	return t
}

// Spawn asks the provider referenced by ref to provision a workload.
// It refuses to send payment to a provider without a recent heartbeat;
// the token would be at risk with nobody listening.
func (c *Client) Spawn(ctx context.Context, ref string, req *types.SpawnRequest) (*types.AccessDetails, error) {
	provider, err := c.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !provider.Online {
		return nil, fmt.Errorf("%w: %s (no heartbeat in the last %d seconds)",
			ErrProviderOffline, provider.Npub, types.OnlineWindowSeconds)
	}

	c.logger.Info().
		Str("provider", provider.Npub).
		Str("image", req.PodImage).
		Msg("Sending spawn request")

	resp, err := c.fabric.Request(ctx, provider.PubKey, req, c.timeouts.Spawn)
	if err != nil {
		return nil, fmt.Errorf("spawn request failed: %w", err)
	}
	switch r := resp.(type) {
	case *types.AccessDetails:
		return r, nil
	case *types.ErrorResponse:
		return nil, remoteError(r)
	default:
		return nil, fmt.Errorf("unexpected %T response to spawn request", resp)
	}
}

// Status queries one lease on the provider. The pod reference may be a
// workload id, a workload handle, or empty to ask about the caller's
// newest lease.
func (c *Client) Status(ctx context.Context, ref, podID string) (*types.StatusResponse, error) {
	provider, err := c.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	resp, err := c.fabric.Request(ctx, provider.PubKey, &types.StatusRequest{PodID: podID}, c.timeouts.Status)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	switch r := resp.(type) {
	case *types.StatusResponse:
		return r, nil
	case *types.ErrorResponse:
		return nil, remoteError(r)
	default:
		return nil, fmt.Errorf("unexpected %T response to status request", resp)
	}
}

// Topup pays to extend an existing lease identified by its workload
// handle.
func (c *Client) Topup(ctx context.Context, ref, podNpub, token string) (*types.TopupResponse, error) {
	provider, err := c.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("provider", provider.Npub).
		Str("pod", podNpub).
		Msg("Sending topup request")

	req := &types.TopupRequest{PodNpub: podNpub, CashuToken: token}
	resp, err := c.fabric.Request(ctx, provider.PubKey, req, c.timeouts.Topup)
	if err != nil {
		return nil, fmt.Errorf("topup request failed: %w", err)
	}
	switch r := resp.(type) {
	case *types.TopupResponse:
		return r, nil
	case *types.ErrorResponse:
		return nil, remoteError(r)
	default:
		return nil, fmt.Errorf("unexpected %T response to topup request", resp)
	}
}

// remoteError lifts a wire error back into the RequestError it left the
// provider as, so callers can branch on the kind.
func remoteError(resp *types.ErrorResponse) error {
	reqErr := types.NewRequestError(resp.ErrorType, resp.Message)
	if resp.Details != nil {
		reqErr.WithDetails(*resp.Details)
	}
	return reqErr
}
