package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/types"
)

// bridgeTimeout bounds one bridge request end to end. It must outlast
// the provisioning pipeline's own bounds (mint redemption, id scan,
// backend create) or legitimate slow spawns get cut off mid-flight.
const bridgeTimeout = 4 * time.Minute

// Dispatcher handles a raw request payload and returns the reply
// payload, exactly as for relay direct messages.
type Dispatcher interface {
	Handle(ctx context.Context, sender string, data []byte) interface{}
}

// OfferSource exposes the provider's current advertisement.
type OfferSource interface {
	Offer() *types.ProviderOffer
}

// Server is the optional HTTP bridge. It exposes the same operations a
// client reaches over encrypted direct messages, for callers that are
// not on the relay fabric.
type Server struct {
	dispatcher Dispatcher
	offers     OfferSource
	httpSrv    *http.Server
	logger     zerolog.Logger
}

// Options configures the bridge.
type Options struct {
	Listen     string
	Dispatcher Dispatcher
	Offers     OfferSource
}

// NewServer builds the bridge but does not start listening.
func NewServer(opts Options) *Server {
	s := &Server{
		dispatcher: opts.Dispatcher,
		offers:     opts.Offers,
		logger:     log.WithComponent("api"),
	}
	s.httpSrv = &http.Server{
		Addr:              opts.Listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(requestMetrics)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(bridgeTimeout))

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Get("/offers", s.handleOffers)
	r.Route("/pods", func(r chi.Router) {
		r.Post("/spawn", s.handleSpawn)
		r.Post("/topup", s.handleTopup)
		r.Post("/status", s.handleStatus)
	})
	return r
}

// Handler exposes the routed mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start listens and serves until Shutdown. A closed server returns nil.
func (s *Server) Start() error {
	s.logger.Info().Str("listen", s.httpSrv.Addr).Msg("HTTP bridge listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
