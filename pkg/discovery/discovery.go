package discovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/relay"
	"github.com/cuemby/hutch/pkg/types"
)

// Resolution failures surfaced by Resolve.
var (
	ErrProviderNotFound  = errors.New("provider not found")
	ErrProviderAmbiguous = errors.New("provider reference matches more than one provider")
	ErrProviderOffline   = errors.New("provider is offline")
)

// minPrefixLen is the shortest npub prefix Resolve will match against.
// Anything shorter is too likely to collide to act on.
const minPrefixLen = 8

// listTTL bounds how long a fetched provider list is reused. Commands
// that chain discovery calls (resolve, then spawn) hit the relays once.
const listTTL = 30 * time.Second

const providersCacheKey = "providers"

// Provider is the client-side view of one offer joined with the
// provider's latest heartbeat. Identity fields come from the signing
// key of the offer event, not from its payload.
type Provider struct {
	PubKey             string          `json:"-"`
	Npub               string          `json:"npub"`
	Hostname           string          `json:"hostname"`
	Location           *string         `json:"location"`
	Capabilities       []string        `json:"capabilities"`
	Specs              []types.PodSpec `json:"specs"`
	WhitelistedMints   []string        `json:"whitelisted_mints"`
	UptimePercent      float64         `json:"uptime_percent"`
	TotalJobsCompleted uint64          `json:"total_jobs_completed"`
	APIEndpoint        *string         `json:"api_endpoint"`
	ActiveWorkloads    int             `json:"active_workloads"`
	AvailableCapacity  types.Capacity  `json:"available_capacity"`
	LastSeen           int64           `json:"last_seen"`
	Online             bool            `json:"is_online"`
}

// MinRate is the cheapest advertised tier rate in msats per second.
// Providers without tiers price at +infinity so they sort last.
func (p Provider) MinRate() uint64 {
	if len(p.Specs) == 0 {
		return math.MaxUint64
	}
	cheapest := lo.MinBy(p.Specs, func(a, b types.PodSpec) bool {
		return a.RateMsatsPerSec < b.RateMsatsPerSec
	})
	return cheapest.RateMsatsPerSec
}

// MaxMemoryMB is the largest tier memory on offer.
func (p Provider) MaxMemoryMB() uint32 {
	if len(p.Specs) == 0 {
		return 0
	}
	biggest := lo.MaxBy(p.Specs, func(a, b types.PodSpec) bool {
		return a.MemoryMB > b.MemoryMB
	})
	return biggest.MemoryMB
}

// Filter narrows a provider listing. Zero values leave the dimension
// unconstrained.
type Filter struct {
	Capability       string
	MinUptime        float64
	MinMemoryMB      uint32
	MinCPUMillicores uint32
	OnlineOnly       bool
}

func (f Filter) matches(p Provider) bool {
	if f.OnlineOnly && !p.Online {
		return false
	}
	if f.Capability != "" && !lo.Contains(p.Capabilities, f.Capability) {
		return false
	}
	if p.UptimePercent < f.MinUptime {
		return false
	}
	if f.MinMemoryMB > 0 {
		ok := lo.SomeBy(p.Specs, func(s types.PodSpec) bool {
			return s.MemoryMB >= f.MinMemoryMB
		})
		if !ok {
			return false
		}
	}
	if f.MinCPUMillicores > 0 {
		ok := lo.SomeBy(p.Specs, func(s types.PodSpec) bool {
			return s.CPUMillicores >= f.MinCPUMillicores
		})
		if !ok {
			return false
		}
	}
	return true
}

// Sort keys accepted by SortProviders.
const (
	SortPrice    = "price"
	SortUptime   = "uptime"
	SortCapacity = "capacity"
	SortJobs     = "jobs"
)

// SortProviders orders the list in place. Price sorts by the cheapest
// tier ascending, uptime and jobs descending, capacity by the largest
// tier memory descending. Unknown keys leave the order untouched.
func SortProviders(providers []Provider, key string) {
	switch key {
	case SortPrice:
		sort.SliceStable(providers, func(i, j int) bool {
			return providers[i].MinRate() < providers[j].MinRate()
		})
	case SortUptime:
		sort.SliceStable(providers, func(i, j int) bool {
			return providers[i].UptimePercent > providers[j].UptimePercent
		})
	case SortCapacity:
		sort.SliceStable(providers, func(i, j int) bool {
			return providers[i].MaxMemoryMB() > providers[j].MaxMemoryMB()
		})
	case SortJobs:
		sort.SliceStable(providers, func(i, j int) bool {
			return providers[i].TotalJobsCompleted > providers[j].TotalJobsCompleted
		})
	}
}

// Fabric is the relay surface discovery needs. *relay.Client satisfies
// it.
type Fabric interface {
	FetchOffers(ctx context.Context) ([]relay.SignedOffer, error)
	FetchHeartbeats(ctx context.Context, pubkeys []string) map[string]*types.Heartbeat
	Request(ctx context.Context, recipient string, payload interface{}, timeout time.Duration) (interface{}, error)
}

// Client finds providers on the relay fabric and negotiates leases with
// them over encrypted direct messages.
type Client struct {
	fabric   Fabric
	cache    *cache.Cache
	timeouts Timeouts
	logger   zerolog.Logger
}

// NewClient builds a discovery client on top of an established relay
// connection. Zero timeout fields fall back to the defaults.
func NewClient(fabric Fabric, timeouts Timeouts) *Client {
	return &Client{
		fabric:   fabric,
		cache:    cache.New(listTTL, time.Minute),
		timeouts: timeouts.withDefaults(),
		logger:   log.WithComponent("discovery"),
	}
}

// ListProviders returns every advertised provider passing the filter,
// each joined with its latest heartbeat.
func (c *Client) ListProviders(ctx context.Context, filter Filter) ([]Provider, error) {
	all, err := c.providers(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Filter(all, func(p Provider, _ int) bool {
		return filter.matches(p)
	}), nil
}

// Resolve finds one provider by npub, hex pubkey, or a unique npub
// prefix of at least 8 characters.
func (c *Client) Resolve(ctx context.Context, ref string) (*Provider, error) {
	all, err := c.providers(ctx)
	if err != nil {
		return nil, err
	}
	return matchProvider(all, ref)
}

func matchProvider(all []Provider, ref string) (*Provider, error) {
	ref = strings.TrimSpace(ref)

	if pubKey, err := relay.DecodePublicKey(ref); err == nil {
		for _, p := range all {
			if p.PubKey == pubKey {
				found := p
				return &found, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, ref)
	}

	if len(ref) < minPrefixLen {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, ref)
	}
	matches := lo.Filter(all, func(p Provider, _ int) bool {
		return strings.HasPrefix(p.Npub, ref)
	})
	switch len(matches) {
	case 1:
		found := matches[0]
		return &found, nil
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, ref)
	default:
		return nil, fmt.Errorf("%w: %s", ErrProviderAmbiguous, ref)
	}
}

// providers returns the joined offer and heartbeat view, served from the
// short-lived cache when fresh.
func (c *Client) providers(ctx context.Context) ([]Provider, error) {
	if cached, ok := c.cache.Get(providersCacheKey); ok {
		return cached.([]Provider), nil
	}

	offers, err := c.fabric.FetchOffers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch offers: %w", err)
	}

	pubkeys := lo.Map(offers, func(o relay.SignedOffer, _ int) string {
		return o.PubKey
	})
	beats := c.fabric.FetchHeartbeats(ctx, pubkeys)

	now := time.Now()
	providers := make([]Provider, 0, len(offers))
	for _, signed := range offers {
		p := Provider{
			PubKey:             signed.PubKey,
			Npub:               relay.EncodeNpub(signed.PubKey),
			Hostname:           signed.Offer.Hostname,
			Location:           signed.Offer.Location,
			Capabilities:       signed.Offer.Capabilities,
			Specs:              signed.Offer.Specs,
			WhitelistedMints:   signed.Offer.WhitelistedMints,
			UptimePercent:      signed.Offer.UptimePercent,
			TotalJobsCompleted: signed.Offer.TotalJobsCompleted,
			APIEndpoint:        signed.Offer.APIEndpoint,
		}
		if hb := beats[signed.PubKey]; hb != nil {
			p.LastSeen = hb.Timestamp
			p.Online = hb.IsOnline(now)
			p.ActiveWorkloads = hb.ActiveWorkloads
			p.AvailableCapacity = hb.AvailableCapacity
		}
		providers = append(providers, p)
	}

	sort.Slice(providers, func(i, j int) bool {
		return providers[i].Npub < providers[j].Npub
	})

	c.logger.Debug().
		Int("providers", len(providers)).
		Msg("Fetched provider listing")
	c.cache.Set(providersCacheKey, providers, cache.DefaultExpiration)
	return providers, nil
}
