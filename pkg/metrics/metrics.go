package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Lease metrics
	LeasesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_leases_active",
			Help: "Number of currently active leases",
		},
	)

	LeasesReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_leases_reclaimed_total",
			Help: "Total number of expired leases torn down by the reclaimer",
		},
	)

	ProvisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hutch_provision_duration_seconds",
			Help:    "Time taken to provision a workload in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Request metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_requests_total",
			Help: "Total number of negotiation requests by type and result",
		},
		[]string{"type", "result"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_request_duration_seconds",
			Help:    "Negotiation request handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Payment metrics
	RedemptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_redemptions_total",
			Help: "Total number of token redemption attempts by result",
		},
		[]string{"result"},
	)

	PaymentsMsats = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_payments_msats_total",
			Help: "Total millisatoshis accepted across redeemed tokens",
		},
	)

	// Port metrics
	PortsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_ports_in_use",
			Help: "Number of host ports currently leased to workloads",
		},
	)

	// Relay metrics
	OffersPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_offers_published_total",
			Help: "Total number of offer events published to relays",
		},
	)

	HeartbeatsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_heartbeats_published_total",
			Help: "Total number of heartbeat events published to relays",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_api_requests_total",
			Help: "Total number of HTTP bridge requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_api_request_duration_seconds",
			Help:    "HTTP bridge request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(LeasesActive)
	prometheus.MustRegister(LeasesReclaimed)
	prometheus.MustRegister(ProvisionDuration)
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(RedemptionsTotal)
	prometheus.MustRegister(PaymentsMsats)
	prometheus.MustRegister(PortsInUse)
	prometheus.MustRegister(OffersPublished)
	prometheus.MustRegister(HeartbeatsPublished)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler serves the default registry's exposition.
func Handler() http.Handler {
	return promhttp.Handler()
}
