/*
Package provider implements the lease engine: the dispatcher that turns
paid requests into running workloads, the registry that tracks leases,
the reclaimer that tears down expired ones, and the heartbeat and offer
publication that keep the provider discoverable.

The Engine composes these into one process. Three long-lived loops run
concurrently (request listener, heartbeat, reclaimer); each inbound
request is served in its own goroutine. The lease registry is the
runtime source of truth and writes every change through to the journal,
so a provider restarted mid-teardown finishes the job instead of leaking
a workload.

Payment settles before provisioning: a spawn first checks the token's
face value against the tier's rate, then redeems it, and only then
touches the backend. Resources acquired before a later failure are
released in reverse order, and every failure is reported to the client
as a typed error.
*/
package provider
