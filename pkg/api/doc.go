/*
Package api implements the optional HTTP bridge to the lease engine.

Every operation a client can perform over encrypted relay messages is
also reachable here for callers without a relay identity: curl, payment
gateways, dashboards. Requests are fed through the exact same dispatch
pipeline as direct messages, so validation, payment handling, and error
kinds cannot drift between the two surfaces.

# Request flow

	┌────────── HTTP caller ──────────┐
	│ POST /pods/spawn                │
	│ Authorization: Cashu <token>    │
	└──────────────┬──────────────────┘
	               │ decode + token lift
	               ▼
	  dispatcher.Handle("bridge", payload)
	               │
	               ▼
	┌──────────────┴──────────────────┐
	│ {"success": true,  ...reply}    │ 200
	│ {"success": false, ...error}    │ 4xx/5xx by error_type
	└─────────────────────────────────┘

# Endpoints

	GET  /health       aggregate component health
	GET  /ready        readiness of relay, backend, store
	GET  /live         process liveness
	GET  /metrics      prometheus exposition
	GET  /offers       the provider's current advertisement
	POST /pods/spawn   provision a workload (token in header or body)
	POST /pods/topup   extend a lease
	POST /pods/status  query a lease

# Identity

HTTP callers share one fixed sender identity. Relay senders are always
64-char hex keys, so the two owner namespaces cannot collide: a lease
spawned over the bridge can be topped up by any bridge caller, and a
lease spawned over a direct message cannot.

The Cashu token itself is the only credential. A valid, unspent token
from a whitelisted mint buys exactly the seconds it is worth; there is
nothing else to authenticate.
*/
package api
