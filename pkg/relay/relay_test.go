package relay

import (
	"encoding/json"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	id, err := GenerateIdentity()
	require.NoError(t, err)
	return NewClient(id, nil)
}

func TestOfferEvent(t *testing.T) {
	c := testClient(t)
	location := "eu-west"
	offer := &types.ProviderOffer{
		ProviderNpub:     c.Identity().Npub(),
		Hostname:         "host.example.org",
		Location:         &location,
		Capabilities:     []string{types.CapabilityContainer},
		Specs:            []types.PodSpec{{ID: "basic", Name: "Basic", CPUMillicores: 500, MemoryMB: 512, RateMsatsPerSec: 50}},
		WhitelistedMints: []string{"https://mint.minibits.cash/bitcoin"},
		UptimePercent:    99.5,
	}

	ev, err := c.offerEvent(offer)
	require.NoError(t, err)

	assert.Equal(t, KindOffer, ev.Kind)
	tag := ev.Tags.GetFirst([]string{"d"})
	require.NotNil(t, tag)
	assert.Equal(t, "offer", tag.Value())

	ok, err := ev.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)

	var decoded types.ProviderOffer
	require.NoError(t, json.Unmarshal([]byte(ev.Content), &decoded))
	assert.Equal(t, *offer, decoded)
}

func TestHeartbeatEvent(t *testing.T) {
	c := testClient(t)
	hb := &types.Heartbeat{
		ProviderNpub:    c.Identity().Npub(),
		Timestamp:       1756100000,
		ActiveWorkloads: 2,
		AvailableCapacity: types.Capacity{
			CPUAvailable:      64000,
			MemoryMBAvailable: 12288,
		},
	}

	ev, err := c.heartbeatEvent(hb)
	require.NoError(t, err)

	assert.Equal(t, KindHeartbeat, ev.Kind)
	tag := ev.Tags.GetFirst([]string{"d"})
	require.NotNil(t, tag)
	assert.Equal(t, "heartbeat", tag.Value())

	ok, err := ev.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDMEventRoundTrip(t *testing.T) {
	provider := testClient(t)
	client := testClient(t)

	ev, err := client.dmEvent(provider.Identity().PublicKey, &types.StatusRequest{PodID: "1001"})
	require.NoError(t, err)

	assert.Equal(t, 4, ev.Kind)
	tag := ev.Tags.GetFirst([]string{"p"})
	require.NotNil(t, tag)
	assert.Equal(t, provider.Identity().PublicKey, tag.Value())

	// Content must be opaque on the wire.
	assert.NotContains(t, ev.Content, "pod_id")

	plaintext, err := provider.Identity().Decrypt(client.Identity().PublicKey, ev.Content)
	require.NoError(t, err)

	req, err := ParseRequest([]byte(plaintext))
	require.NoError(t, err)
	assert.Equal(t, &types.StatusRequest{PodID: "1001"}, req)
}

func TestDeliverDecryptsAndDedupes(t *testing.T) {
	provider := testClient(t)
	client := testClient(t)

	ev, err := client.dmEvent(provider.Identity().PublicKey, &types.StatusRequest{PodID: "7"})
	require.NoError(t, err)

	out := make(chan Message, 4)
	provider.deliver(&ev, out)
	provider.deliver(&ev, out) // relay duplicate

	require.Len(t, out, 1)
	msg := <-out
	assert.Equal(t, client.Identity().PublicKey, msg.Sender)
	assert.JSONEq(t, `{"pod_id":"7"}`, msg.Content)
}

func TestDeliverIgnoresSelf(t *testing.T) {
	provider := testClient(t)

	ev, err := provider.dmEvent(provider.Identity().PublicKey, &types.StatusRequest{PodID: "7"})
	require.NoError(t, err)

	out := make(chan Message, 1)
	provider.deliver(&ev, out)
	assert.Empty(t, out)
}

func TestDeliverDropsUndecryptable(t *testing.T) {
	provider := testClient(t)
	client := testClient(t)

	ev, err := client.dmEvent(provider.Identity().PublicKey, &types.StatusRequest{PodID: "7"})
	require.NoError(t, err)
	ev.Content = "?iv=notbase64"

	out := make(chan Message, 1)
	provider.deliver(&ev, out)
	assert.Empty(t, out)
}

func TestLatestByAuthor(t *testing.T) {
	c := testClient(t)

	older, err := c.heartbeatEvent(&types.Heartbeat{ProviderNpub: c.Identity().Npub(), Timestamp: 100})
	require.NoError(t, err)
	older.CreatedAt = 100

	newer, err := c.heartbeatEvent(&types.Heartbeat{ProviderNpub: c.Identity().Npub(), Timestamp: 200})
	require.NoError(t, err)
	newer.CreatedAt = 200

	latest := latestByAuthor([]*nostr.Event{&older, &newer})
	require.Len(t, latest, 1)
	assert.Equal(t, newer.CreatedAt, latest[c.Identity().PublicKey].CreatedAt)

	// Order independent.
	latest = latestByAuthor([]*nostr.Event{&newer, &older})
	assert.Equal(t, newer.CreatedAt, latest[c.Identity().PublicKey].CreatedAt)
}
