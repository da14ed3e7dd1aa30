/*
Package metrics provides Prometheus instrumentation and component health
tracking for the provider.

All collectors are package-level and registered in init(), prefixed
hutch_. Counters are incremented inline at call sites; the two gauges
(active leases, ports in use) are sampled by the Collector so they have
a single writer. The probe board backs the bridge's /health, /ready and
/live endpoints: readiness requires the relay, backend and store probes
to have reported healthy, a failed optional probe only degrades the
node, and the heartbeat loop refreshes the backend probe on every
capacity sample.

# Usage

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RequestDuration, "spawn")

	metrics.RequestsTotal.WithLabelValues("spawn", "ok").Inc()

Expose everything over HTTP with metrics.Handler(), which serves the
default Prometheus registry.
*/
package metrics
