package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/types"
)

// Event kinds. Offers and heartbeats are addressable, so relays keep
// only the newest per provider and "latest offer" is a single query.
const (
	KindOffer     = 38300
	KindHeartbeat = 38301

	offerDTag     = "offer"
	heartbeatDTag = "heartbeat"
)

const (
	publishTimeout = 10 * time.Second
	queryTimeout   = 10 * time.Second

	// seenTTL bounds the duplicate-suppression window. Relays replay
	// the same event on reconnect well within it.
	seenTTL = 10 * time.Minute

	inboundBuffer = 64
)

// Message is one decrypted direct message from another identity.
type Message struct {
	EventID   string
	Sender    string // hex pubkey
	Content   string
	CreatedAt time.Time
}

// SignedOffer pairs a provider offer with the key that signed it and
// its publish time.
type SignedOffer struct {
	Offer     types.ProviderOffer
	PubKey    string // hex, for addressing DMs back
	EventID   string
	CreatedAt time.Time
}

// Client fans a single logical relay connection out over every
// configured relay: publishes go to all, reads are merged and deduped.
type Client struct {
	identity *Identity
	urls     []string

	mu     sync.RWMutex
	relays map[string]*nostr.Relay

	seen   *cache.Cache
	logger zerolog.Logger
}

func NewClient(identity *Identity, urls []string) *Client {
	return &Client{
		identity: identity,
		urls:     urls,
		relays:   make(map[string]*nostr.Relay),
		seen:     cache.New(seenTTL, seenTTL),
		logger:   log.WithComponent("relay"),
	}
}

// Identity returns the keypair the client signs and decrypts with.
func (c *Client) Identity() *Identity {
	return c.identity
}

// Connect dials every configured relay. At least one must succeed.
func (c *Client) Connect(ctx context.Context) error {
	var connected int
	for _, url := range c.urls {
		if _, err := c.relay(ctx, url); err != nil {
			c.logger.Warn().Err(err).Str("relay", url).Msg("failed to connect to relay")
			continue
		}
		connected++
	}
	if connected == 0 {
		return fmt.Errorf("failed to connect to any of %d relays", len(c.urls))
	}

	c.logger.Info().Int("connected", connected).Int("configured", len(c.urls)).Msg("relay pool ready")
	return nil
}

// Close drops every relay connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for url, r := range c.relays {
		r.Close()
		delete(c.relays, url)
	}
}

// relay returns the live connection for url, redialing when the old one
// died.
func (c *Client) relay(ctx context.Context, url string) (*nostr.Relay, error) {
	c.mu.RLock()
	r, ok := c.relays[url]
	c.mu.RUnlock()
	if ok && r.ConnectionError == nil {
		return r, nil
	}

	r, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay %s: %w", url, err)
	}

	c.mu.Lock()
	c.relays[url] = r
	c.mu.Unlock()
	return r, nil
}

// publish signs nothing; events arrive signed. Success means at least
// one relay accepted the event.
func (c *Client) publish(ctx context.Context, ev nostr.Event) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	results := make(chan error, len(c.urls))
	var wg sync.WaitGroup
	for _, url := range c.urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			r, err := c.relay(ctx, url)
			if err == nil {
				err = r.Publish(ctx, ev)
			}
			if err != nil {
				c.logger.Debug().Err(err).Str("relay", url).Msg("publish rejected")
			}
			results <- err
		}(url)
	}
	wg.Wait()
	close(results)

	for err := range results {
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("no relay accepted event %s", ev.ID)
}

func (c *Client) offerEvent(offer *types.ProviderOffer) (nostr.Event, error) {
	content, err := json.Marshal(offer)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("failed to encode offer: %w", err)
	}

	ev := nostr.Event{
		PubKey:    c.identity.PublicKey,
		CreatedAt: nostr.Now(),
		Kind:      KindOffer,
		Tags:      nostr.Tags{{"d", offerDTag}},
		Content:   string(content),
	}
	if err := c.identity.sign(&ev); err != nil {
		return nostr.Event{}, fmt.Errorf("failed to sign offer: %w", err)
	}
	return ev, nil
}

// PublishOffer replaces this provider's advertised offer on every relay.
func (c *Client) PublishOffer(ctx context.Context, offer *types.ProviderOffer) error {
	ev, err := c.offerEvent(offer)
	if err != nil {
		return err
	}
	if err := c.publish(ctx, ev); err != nil {
		return err
	}
	c.logger.Debug().Str("event", ev.ID).Msg("published offer")
	return nil
}

func (c *Client) heartbeatEvent(hb *types.Heartbeat) (nostr.Event, error) {
	content, err := json.Marshal(hb)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("failed to encode heartbeat: %w", err)
	}

	ev := nostr.Event{
		PubKey:    c.identity.PublicKey,
		CreatedAt: nostr.Now(),
		Kind:      KindHeartbeat,
		Tags:      nostr.Tags{{"d", heartbeatDTag}},
		Content:   string(content),
	}
	if err := c.identity.sign(&ev); err != nil {
		return nostr.Event{}, fmt.Errorf("failed to sign heartbeat: %w", err)
	}
	return ev, nil
}

// PublishHeartbeat replaces this provider's liveness beacon.
func (c *Client) PublishHeartbeat(ctx context.Context, hb *types.Heartbeat) error {
	ev, err := c.heartbeatEvent(hb)
	if err != nil {
		return err
	}
	return c.publish(ctx, ev)
}

func (c *Client) dmEvent(recipient string, payload interface{}) (nostr.Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("failed to encode message: %w", err)
	}
	ciphertext, err := c.identity.Encrypt(recipient, string(body))
	if err != nil {
		return nostr.Event{}, err
	}

	ev := nostr.Event{
		PubKey:    c.identity.PublicKey,
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindEncryptedDirectMessage,
		Tags:      nostr.Tags{{"p", recipient}},
		Content:   ciphertext,
	}
	if err := c.identity.sign(&ev); err != nil {
		return nostr.Event{}, fmt.Errorf("failed to sign message: %w", err)
	}
	return ev, nil
}

// SendDM encrypts payload to the recipient hex pubkey and publishes it.
func (c *Client) SendDM(ctx context.Context, recipient string, payload interface{}) error {
	ev, err := c.dmEvent(recipient, payload)
	if err != nil {
		return err
	}
	return c.publish(ctx, ev)
}

// SubscribeDMs yields every decrypted direct message addressed to this
// identity from now on. The channel closes when ctx ends or every relay
// subscription dies.
func (c *Client) SubscribeDMs(ctx context.Context) (<-chan Message, error) {
	since := nostr.Now()
	filter := nostr.Filter{
		Kinds: []int{nostr.KindEncryptedDirectMessage},
		Tags:  nostr.TagMap{"p": []string{c.identity.PublicKey}},
		Since: &since,
	}

	out := make(chan Message, inboundBuffer)
	var wg sync.WaitGroup
	var started int

	for _, url := range c.urls {
		r, err := c.relay(ctx, url)
		if err != nil {
			c.logger.Warn().Err(err).Str("relay", url).Msg("skipping relay for subscription")
			continue
		}
		sub, err := r.Subscribe(ctx, nostr.Filters{filter})
		if err != nil {
			c.logger.Warn().Err(err).Str("relay", url).Msg("failed to subscribe")
			continue
		}
		started++

		wg.Add(1)
		go func(url string, sub *nostr.Subscription) {
			defer wg.Done()
			for {
				select {
				case ev, ok := <-sub.Events:
					if !ok {
						c.logger.Warn().Str("relay", url).Msg("subscription closed")
						return
					}
					c.deliver(ev, out)
				case <-ctx.Done():
					return
				}
			}
		}(url, sub)
	}

	if started == 0 {
		return nil, fmt.Errorf("failed to subscribe on any relay")
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// deliver decrypts one inbound event and forwards it, suppressing
// self-authored events and relay duplicates.
func (c *Client) deliver(ev *nostr.Event, out chan<- Message) {
	if ev == nil || ev.PubKey == c.identity.PublicKey {
		return
	}
	if _, dup := c.seen.Get(ev.ID); dup {
		return
	}
	c.seen.Set(ev.ID, struct{}{}, cache.DefaultExpiration)

	plaintext, err := c.identity.Decrypt(ev.PubKey, ev.Content)
	if err != nil {
		c.logger.Debug().Err(err).Str("event", ev.ID).Msg("failed to decrypt message")
		return
	}

	msg := Message{
		EventID:   ev.ID,
		Sender:    ev.PubKey,
		Content:   plaintext,
		CreatedAt: ev.CreatedAt.Time(),
	}
	select {
	case out <- msg:
	default:
		c.logger.Warn().Str("event", ev.ID).Msg("inbound buffer full, dropping message")
	}
}

// query collects stored events matching filter from every relay, deduped
// by event id. Per-relay failures degrade the result instead of failing
// it.
func (c *Client) query(ctx context.Context, filter nostr.Filter) []*nostr.Event {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		events = make(map[string]*nostr.Event)
		wg     sync.WaitGroup
	)

	for _, url := range c.urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			r, err := c.relay(ctx, url)
			if err != nil {
				return
			}
			sub, err := r.Subscribe(ctx, nostr.Filters{filter})
			if err != nil {
				return
			}
			defer sub.Unsub()

			for {
				select {
				case ev, ok := <-sub.Events:
					if !ok || ev == nil {
						return
					}
					mu.Lock()
					events[ev.ID] = ev
					mu.Unlock()
				case <-sub.EndOfStoredEvents:
					return
				case <-ctx.Done():
					return
				}
			}
		}(url)
	}
	wg.Wait()

	out := make([]*nostr.Event, 0, len(events))
	for _, ev := range events {
		out = append(out, ev)
	}
	return out
}

// latestByAuthor reduces raw events to the newest one per pubkey.
func latestByAuthor(events []*nostr.Event) map[string]*nostr.Event {
	latest := make(map[string]*nostr.Event)
	for _, ev := range events {
		if cur, ok := latest[ev.PubKey]; !ok || ev.CreatedAt > cur.CreatedAt {
			latest[ev.PubKey] = ev
		}
	}
	return latest
}

// FetchOffers returns the newest offer per provider across all relays.
func (c *Client) FetchOffers(ctx context.Context) ([]SignedOffer, error) {
	events := c.query(ctx, nostr.Filter{
		Kinds: []int{KindOffer},
		Tags:  nostr.TagMap{"d": []string{offerDTag}},
	})

	latest := latestByAuthor(events)
	offers := make([]SignedOffer, 0, len(latest))
	for _, ev := range latest {
		var offer types.ProviderOffer
		if err := json.Unmarshal([]byte(ev.Content), &offer); err != nil {
			c.logger.Debug().Err(err).Str("event", ev.ID).Msg("skipping malformed offer")
			continue
		}
		offers = append(offers, SignedOffer{
			Offer:     offer,
			PubKey:    ev.PubKey,
			EventID:   ev.ID,
			CreatedAt: ev.CreatedAt.Time(),
		})
	}
	return offers, nil
}

// FetchHeartbeats returns the newest heartbeat per requested provider in
// one batched query.
func (c *Client) FetchHeartbeats(ctx context.Context, pubkeys []string) map[string]*types.Heartbeat {
	beats := make(map[string]*types.Heartbeat, len(pubkeys))
	if len(pubkeys) == 0 {
		return beats
	}

	events := c.query(ctx, nostr.Filter{
		Kinds:   []int{KindHeartbeat},
		Authors: pubkeys,
		Tags:    nostr.TagMap{"d": []string{heartbeatDTag}},
	})

	for pub, ev := range latestByAuthor(events) {
		var hb types.Heartbeat
		if err := json.Unmarshal([]byte(ev.Content), &hb); err != nil {
			c.logger.Debug().Err(err).Str("event", ev.ID).Msg("skipping malformed heartbeat")
			continue
		}
		beats[pub] = &hb
	}
	return beats
}

// Request sends payload to the recipient and waits for the first reply
// from them that parses as a typed response. The subscription opens
// before the send so the reply cannot slip past.
func (c *Client) Request(ctx context.Context, recipient string, payload interface{}, timeout time.Duration) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msgs, err := c.SubscribeDMs(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.SendDM(ctx, recipient, payload); err != nil {
		return nil, err
	}

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return nil, fmt.Errorf("subscription closed before a response arrived")
			}
			if msg.Sender != recipient {
				continue
			}
			resp, err := ParseResponse([]byte(msg.Content))
			if err != nil {
				c.logger.Debug().Err(err).Str("event", msg.EventID).Msg("ignoring unparseable reply")
				continue
			}
			return resp, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for response: %w", ctx.Err())
		}
	}
}
