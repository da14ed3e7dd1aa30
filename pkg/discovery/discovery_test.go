package discovery

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/relay"
	"github.com/cuemby/hutch/pkg/types"
)

type sentRequest struct {
	recipient string
	payload   interface{}
	timeout   time.Duration
}

// fakeFabric serves canned offers and heartbeats and records every
// negotiation request.
type fakeFabric struct {
	mu         sync.Mutex
	offers     []relay.SignedOffer
	offersErr  error
	beats      map[string]*types.Heartbeat
	fetchCalls int
	requests   []sentRequest
	respond    interface{}
	requestErr error
}

func (f *fakeFabric) FetchOffers(ctx context.Context) ([]relay.SignedOffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.offersErr != nil {
		return nil, f.offersErr
	}
	return f.offers, nil
}

func (f *fakeFabric) FetchHeartbeats(ctx context.Context, pubkeys []string) map[string]*types.Heartbeat {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*types.Heartbeat)
	for _, pub := range pubkeys {
		if hb, ok := f.beats[pub]; ok {
			out[pub] = hb
		}
	}
	return out
}

func (f *fakeFabric) Request(ctx context.Context, recipient string, payload interface{}, timeout time.Duration) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, sentRequest{recipient: recipient, payload: payload, timeout: timeout})
	if f.requestErr != nil {
		return nil, f.requestErr
	}
	return f.respond, nil
}

func (f *fakeFabric) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newIdentity(t *testing.T) *relay.Identity {
	t.Helper()
	id, err := relay.GenerateIdentity()
	require.NoError(t, err)
	return id
}

func signedOffer(id *relay.Identity, hostname string, caps []string, specs []types.PodSpec, uptime float64, jobs uint64) relay.SignedOffer {
	return relay.SignedOffer{
		Offer: types.ProviderOffer{
			ProviderNpub:       id.Npub(),
			Hostname:           hostname,
			Capabilities:       caps,
			Specs:              specs,
			WhitelistedMints:   []string{"https://mint.minibits.cash"},
			UptimePercent:      uptime,
			TotalJobsCompleted: jobs,
		},
		PubKey:    id.PublicKey,
		EventID:   "ev-" + hostname,
		CreatedAt: time.Now(),
	}
}

func spec(id string, cpu, mem uint32, rate uint64) types.PodSpec {
	return types.PodSpec{
		ID:              id,
		Name:            id,
		Description:     id + " tier",
		CPUMillicores:   cpu,
		MemoryMB:        mem,
		RateMsatsPerSec: rate,
	}
}

func beat(npub string, age time.Duration, active int, capacity types.Capacity) *types.Heartbeat {
	return &types.Heartbeat{
		ProviderNpub:      npub,
		Timestamp:         time.Now().Add(-age).Unix(),
		ActiveWorkloads:   active,
		AvailableCapacity: capacity,
	}
}

func hostnames(providers []Provider) []string {
	return lo.Map(providers, func(p Provider, _ int) string { return p.Hostname })
}

// marketFixture is three providers with distinct capabilities, tiers,
// and liveness.
type marketFixture struct {
	fabric  *fakeFabric
	client  *Client
	alpha   *relay.Identity
	bravo   *relay.Identity
	charlie *relay.Identity
}

func newMarketFixture(t *testing.T) *marketFixture {
	t.Helper()
	alpha := newIdentity(t)
	bravo := newIdentity(t)
	charlie := newIdentity(t)

	fabric := &fakeFabric{
		offers: []relay.SignedOffer{
			signedOffer(alpha, "alpha-host", []string{types.CapabilityContainer},
				[]types.PodSpec{spec("basic", 1000, 1024, 50)}, 99.5, 10),
			signedOffer(bravo, "bravo-host", []string{types.CapabilityContainer, types.CapabilityVM},
				[]types.PodSpec{spec("performance", 2000, 4096, 200), spec("micro", 500, 512, 10)}, 95.0, 50),
			signedOffer(charlie, "charlie-host", []string{types.CapabilityVM},
				nil, 100.0, 0),
		},
		beats: map[string]*types.Heartbeat{
			alpha.PublicKey: beat(alpha.Npub(), 10*time.Second, 2,
				types.Capacity{CPUAvailable: 50000, MemoryMBAvailable: 8192, StorageGBAvailable: 100}),
			bravo.PublicKey: beat(bravo.Npub(), 10*time.Minute, 0, types.Capacity{}),
		},
	}
	return &marketFixture{
		fabric:  fabric,
		client:  NewClient(fabric, Timeouts{}),
		alpha:   alpha,
		bravo:   bravo,
		charlie: charlie,
	}
}

func (m *marketFixture) provider(t *testing.T, hostname string) Provider {
	t.Helper()
	all, err := m.client.ListProviders(context.Background(), Filter{})
	require.NoError(t, err)
	p, found := lo.Find(all, func(p Provider) bool { return p.Hostname == hostname })
	require.True(t, found, "provider %s not listed", hostname)
	return p
}

func TestListProvidersJoinsHeartbeats(t *testing.T) {
	m := newMarketFixture(t)

	all, err := m.client.ListProviders(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	alpha := m.provider(t, "alpha-host")
	assert.Equal(t, m.alpha.PublicKey, alpha.PubKey)
	assert.Equal(t, m.alpha.Npub(), alpha.Npub)
	assert.True(t, alpha.Online)
	assert.Equal(t, 2, alpha.ActiveWorkloads)
	assert.Equal(t, uint64(8192), alpha.AvailableCapacity.MemoryMBAvailable)
	assert.InDelta(t, time.Now().Unix(), alpha.LastSeen, 15)

	bravo := m.provider(t, "bravo-host")
	assert.False(t, bravo.Online, "stale heartbeat must not count as online")
	assert.NotZero(t, bravo.LastSeen)

	charlie := m.provider(t, "charlie-host")
	assert.False(t, charlie.Online)
	assert.Zero(t, charlie.LastSeen)
}

func TestListProvidersSortedByNpub(t *testing.T) {
	m := newMarketFixture(t)

	all, err := m.client.ListProviders(context.Background(), Filter{})
	require.NoError(t, err)

	npubs := lo.Map(all, func(p Provider, _ int) string { return p.Npub })
	assert.IsIncreasing(t, npubs)
}

func TestListProvidersFilters(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{
			name:   "no filter lists everyone",
			filter: Filter{},
			want:   []string{"alpha-host", "bravo-host", "charlie-host"},
		},
		{
			name:   "capability container",
			filter: Filter{Capability: types.CapabilityContainer},
			want:   []string{"alpha-host", "bravo-host"},
		},
		{
			name:   "capability vm",
			filter: Filter{Capability: types.CapabilityVM},
			want:   []string{"bravo-host", "charlie-host"},
		},
		{
			name:   "min uptime",
			filter: Filter{MinUptime: 99.0},
			want:   []string{"alpha-host", "charlie-host"},
		},
		{
			name:   "min memory matches any tier",
			filter: Filter{MinMemoryMB: 2048},
			want:   []string{"bravo-host"},
		},
		{
			name:   "min memory excludes providers without tiers",
			filter: Filter{MinMemoryMB: 512},
			want:   []string{"alpha-host", "bravo-host"},
		},
		{
			name:   "min cpu matches any tier",
			filter: Filter{MinCPUMillicores: 1500},
			want:   []string{"bravo-host"},
		},
		{
			name:   "online only",
			filter: Filter{OnlineOnly: true},
			want:   []string{"alpha-host"},
		},
		{
			name:   "filters combine",
			filter: Filter{Capability: types.CapabilityContainer, MinUptime: 99.0},
			want:   []string{"alpha-host"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMarketFixture(t)
			got, err := m.client.ListProviders(context.Background(), tt.filter)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, hostnames(got))
		})
	}
}

func TestSortProviders(t *testing.T) {
	build := func() []Provider {
		return []Provider{
			{Hostname: "steady", UptimePercent: 99.9, TotalJobsCompleted: 5,
				Specs: []types.PodSpec{spec("basic", 1000, 1024, 50)}},
			{Hostname: "cheap", UptimePercent: 90.0, TotalJobsCompleted: 80,
				Specs: []types.PodSpec{spec("micro", 500, 512, 10), spec("big", 4000, 8192, 300)}},
			{Hostname: "empty", UptimePercent: 100.0, TotalJobsCompleted: 0},
		}
	}

	tests := []struct {
		key  string
		want []string
	}{
		{SortPrice, []string{"cheap", "steady", "empty"}},
		{SortUptime, []string{"empty", "steady", "cheap"}},
		{SortCapacity, []string{"cheap", "steady", "empty"}},
		{SortJobs, []string{"cheap", "steady", "empty"}},
		{"nonsense", []string{"steady", "cheap", "empty"}},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			providers := build()
			SortProviders(providers, tt.key)
			assert.Equal(t, tt.want, hostnames(providers))
		})
	}
}

func TestProviderTierExtremes(t *testing.T) {
	empty := Provider{}
	assert.Equal(t, uint64(math.MaxUint64), empty.MinRate(), "no tiers prices at infinity")
	assert.Zero(t, empty.MaxMemoryMB())

	p := Provider{Specs: []types.PodSpec{
		spec("micro", 500, 512, 10),
		spec("big", 4000, 8192, 300),
	}}
	assert.Equal(t, uint64(10), p.MinRate())
	assert.Equal(t, uint32(8192), p.MaxMemoryMB())
}

func TestMatchProvider(t *testing.T) {
	id := newIdentity(t)
	all := []Provider{
		{PubKey: "a1", Npub: "npub1qqqqzzaaaa", Hostname: "one"},
		{PubKey: "b2", Npub: "npub1qqqqzzbbbb", Hostname: "two"},
		{PubKey: id.PublicKey, Npub: id.Npub(), Hostname: "real"},
	}

	tests := []struct {
		name    string
		ref     string
		want    string
		wantErr error
	}{
		{name: "exact npub", ref: id.Npub(), want: "real"},
		{name: "exact hex pubkey", ref: id.PublicKey, want: "real"},
		{name: "hex with whitespace", ref: "  " + id.PublicKey + "\n", want: "real"},
		{name: "unique prefix", ref: "npub1qqqqzza", want: "one"},
		{name: "ambiguous prefix", ref: "npub1qqqqzz", wantErr: ErrProviderAmbiguous},
		{name: "prefix too short", ref: "npub1qq", wantErr: ErrProviderNotFound},
		{name: "unknown prefix", ref: "npub1zzzzzzz", wantErr: ErrProviderNotFound},
		{name: "unknown full key", ref: "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef", wantErr: ErrProviderNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := matchProvider(all, tt.ref)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Hostname)
		})
	}
}

func TestResolveThroughFabric(t *testing.T) {
	m := newMarketFixture(t)

	p, err := m.client.Resolve(context.Background(), m.bravo.Npub())
	require.NoError(t, err)
	assert.Equal(t, "bravo-host", p.Hostname)

	_, err = m.client.Resolve(context.Background(), newIdentity(t).Npub())
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestListProvidersCachesWithinTTL(t *testing.T) {
	m := newMarketFixture(t)
	ctx := context.Background()

	_, err := m.client.ListProviders(ctx, Filter{})
	require.NoError(t, err)
	_, err = m.client.ListProviders(ctx, Filter{Capability: types.CapabilityVM})
	require.NoError(t, err)
	_, err = m.client.Resolve(ctx, m.alpha.Npub())
	require.NoError(t, err)

	assert.Equal(t, 1, m.fabric.fetchCalls, "listing chain should hit the relays once")

	m.client.cache.Flush()
	_, err = m.client.ListProviders(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, m.fabric.fetchCalls)
}

func TestListProvidersFetchError(t *testing.T) {
	fabric := &fakeFabric{offersErr: context.DeadlineExceeded}
	client := NewClient(fabric, Timeouts{})

	_, err := client.ListProviders(context.Background(), Filter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to fetch offers")
}
