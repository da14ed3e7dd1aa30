package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/backend"
	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/netport"
	"github.com/cuemby/hutch/pkg/payments"
	"github.com/cuemby/hutch/pkg/relay"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// Stats tracks counters the offer advertises. Counters reset on restart;
// the marketplace treats them as best-effort reputation hints.
type Stats struct {
	jobsCompleted atomic.Uint64
	uptimeStart   time.Time
}

// NewStats starts the uptime clock.
func NewStats() *Stats {
	return &Stats{uptimeStart: time.Now()}
}

// JobCompleted bumps the completed-job counter.
func (s *Stats) JobCompleted() {
	s.jobsCompleted.Add(1)
}

// JobsCompleted returns the completed-job counter.
func (s *Stats) JobsCompleted() uint64 {
	return s.jobsCompleted.Load()
}

// Uptime returns the time since the provider started.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.uptimeStart)
}

// Fabric is the relay surface the engine publishes and listens through.
// *relay.Client implements it.
type Fabric interface {
	PublishOffer(ctx context.Context, offer *types.ProviderOffer) error
	PublishHeartbeat(ctx context.Context, hb *types.Heartbeat) error
	SubscribeDMs(ctx context.Context) (<-chan relay.Message, error)
	SendDM(ctx context.Context, recipient string, payload interface{}) error
}

// Engine composes the provider's moving parts: the request dispatcher,
// the heartbeat and reclaim loops, the lease registry, and offer
// publication. One Engine runs per provider process.
type Engine struct {
	cfg      *config.Config
	identity *relay.Identity
	fabric   Fabric
	broker   *events.Broker

	stats      *Stats
	dispatcher *Dispatcher
	heartbeat  *Heartbeater
	reclaimer  *Reclaimer
	collector  *metrics.Collector

	logger zerolog.Logger
}

// Options wires the engine's collaborators.
type Options struct {
	Config   *config.Config
	Identity *relay.Identity
	Fabric   Fabric
	Backend  backend.Backend
	Store    storage.Store
	Decoder  *payments.Decoder
	Broker   *events.Broker
}

// New builds the engine, recovering journaled leases from the store.
func New(opts Options) (*Engine, error) {
	registry, err := NewRegistry(opts.Store)
	if err != nil {
		return nil, err
	}

	p := opts.Config.Provider
	ports := netport.NewPool(p.PortRangeStart, p.PortRangeEnd, registry)
	stats := NewStats()

	dispatcher := NewDispatcher(DispatcherOptions{
		Registry:               registry,
		Decoder:                opts.Decoder,
		Backend:                opts.Backend,
		Ports:                  ports,
		Broker:                 opts.Broker,
		Specs:                  p.Specs,
		PublicHost:             p.PublicHost,
		MinimumDurationSeconds: p.MinimumDurationSeconds,
		IDRangeStart:           p.IDRangeStart,
		IDRangeEnd:             p.IDRangeEnd,
	})

	interval := time.Duration(p.HeartbeatIntervalSecs) * time.Second
	heartbeat := NewHeartbeater(opts.Fabric, opts.Backend, registry, opts.Identity.Npub(), interval)
	reclaimer := NewReclaimer(registry, opts.Backend, ports, opts.Broker, stats)

	return &Engine{
		cfg:        opts.Config,
		identity:   opts.Identity,
		fabric:     opts.Fabric,
		broker:     opts.Broker,
		stats:      stats,
		dispatcher: dispatcher,
		heartbeat:  heartbeat,
		reclaimer:  reclaimer,
		collector:  metrics.NewCollector(registry, ports),
		logger:     log.WithComponent("provider"),
	}, nil
}

// Dispatcher exposes the request dispatcher for the HTTP bridge.
func (e *Engine) Dispatcher() *Dispatcher {
	return e.dispatcher
}

// Offer builds the provider's current advertisement.
func (e *Engine) Offer() *types.ProviderOffer {
	return BuildOffer(e.cfg, e.identity.Npub(), e.stats.JobsCompleted())
}

// BuildOffer assembles the advertisement a config publishes under the
// given identity. Split out so the CLI can preview an offer without
// standing up an engine.
func BuildOffer(cfg *config.Config, npub string, jobsCompleted uint64) *types.ProviderOffer {
	p := cfg.Provider
	offer := &types.ProviderOffer{
		ProviderNpub:       npub,
		Hostname:           p.Name,
		Capabilities:       p.Capabilities,
		Specs:              p.Specs,
		WhitelistedMints:   p.WhitelistedMints,
		UptimePercent:      p.UptimePercent,
		TotalJobsCompleted: jobsCompleted,
	}
	if p.Location != "" {
		location := p.Location
		offer.Location = &location
	}
	if cfg.Bridge.Enabled && cfg.Bridge.PublicURL != "" {
		endpoint := cfg.Bridge.PublicURL
		offer.APIEndpoint = &endpoint
	}
	return offer
}

// Run operates the provider until the context is cancelled: it publishes
// the offer, starts the heartbeat, reclaim, and metrics loops, then
// serves inbound requests from the relay fabric. The offer is republished
// whenever the completed-job counter moves so readers see fresh
// reputation numbers.
func (e *Engine) Run(ctx context.Context) error {
	e.broker.Start()
	defer e.broker.Stop()

	msgs, err := e.fabric.SubscribeDMs(ctx)
	if err != nil {
		return err
	}

	e.publishOffer(ctx)

	e.heartbeat.Start()
	defer e.heartbeat.Stop()
	e.reclaimer.Start()
	defer e.reclaimer.Stop()
	e.collector.Start()
	defer e.collector.Stop()

	lifecycle := e.broker.Subscribe()
	defer e.broker.Unsubscribe(lifecycle)

	e.logger.Info().
		Str("npub", e.identity.Npub()).
		Int("tiers", len(e.cfg.Provider.Specs)).
		Msg("Provider engine running")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("relay subscription closed")
			}
			go e.handleMessage(ctx, msg)
		case ev := <-lifecycle:
			if ev != nil && ev.Type == events.EventLeaseReclaimed {
				e.publishOffer(ctx)
			}
		}
	}
}

// handleMessage serves one inbound request end to end. Every request
// gets a reply, success or typed error.
func (e *Engine) handleMessage(ctx context.Context, msg relay.Message) {
	response := e.dispatcher.Handle(ctx, msg.Sender, []byte(msg.Content))
	if err := e.fabric.SendDM(ctx, msg.Sender, response); err != nil {
		e.logger.Error().Err(err).
			Str("recipient", msg.Sender).
			Msg("Failed to send response")
	}
}

// publishOffer pushes the current advertisement to the relay fabric.
// Failures are logged; the next lifecycle change republishes.
func (e *Engine) publishOffer(ctx context.Context) {
	offer := e.Offer()
	if err := e.fabric.PublishOffer(ctx, offer); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to publish offer")
		return
	}
	metrics.OffersPublished.Inc()
	publishEvent(e.broker, events.EventOfferPublished,
		"Offer published",
		map[string]string{"npub": offer.ProviderNpub})
	e.logger.Debug().
		Uint64("total_jobs_completed", offer.TotalJobsCompleted).
		Msg("Offer published")
}
