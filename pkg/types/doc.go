/*
Package types defines the domain model and wire format shared by the
provider engine and the client.

Everything that crosses the relay fabric or the HTTP bridge is declared
here, so the two transports cannot drift apart. The package has no
dependencies beyond the standard library and is imported by every other
package in the module.

# Market types

  - ProviderOffer: the advertisement a provider publishes, including its
    priced tiers (PodSpec), capability tags, and whitelisted mints
  - Heartbeat: the liveness beacon with a free-capacity snapshot; a
    provider is online iff a heartbeat younger than OnlineWindowSeconds
    exists
  - NodeStatus: the host resource snapshot a backend reports, feeding
    heartbeat capacity

# Lease types

  - Lease: the provider-side record for one paid workload, tracked
    through init, active, reclaiming, and deleted states
  - Redemption: a token that has been swapped at its mint; the set of
    these is what makes redemption at-most-once across restarts

Workload identity travels as a handle of the form "container-<id>".
WorkloadHandle and ParseWorkloadHandle convert between the wire form
and the numeric id; bare numeric ids are accepted on input.

# Request and response payloads

Requests (SpawnRequest, TopupRequest, StatusRequest) travel untagged
and are told apart structurally; responses always carry an explicit
type tag (access_details, topup_response, status_response, error).

Failures surface as ErrorResponse with one of the ErrKind constants in
error_type. RequestError is the internal error that projects onto that
wire form; AsRequestError wraps unknown errors under a fallback kind so
clients never see raw internals.

# Conventions

Timestamps are unix seconds internally and RFC 3339 UTC strings on the
wire (the RFC3339 helper). Optional offer fields use pointers and
serialize as explicit null. Money is millisatoshis throughout; tier
prices are msats per second of lease time.
*/
package types
