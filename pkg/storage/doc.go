/*
Package storage provides BoltDB-backed persistence for the provider's
lease journal and token redemption set.

The in-memory lease registry is the runtime source of truth; this package
is the write-through journal behind it. Two buckets carry the state:

	leases       workload id -> lease record (JSON)
	redemptions  token id (SHA-256 of the raw token) -> redemption record

Lease records survive restarts so the reclaimer can finish teardowns that
were interrupted mid-flight. Redemption records are never deleted; a token
found in the set is refused before any mint call, which is what keeps
redemption at-most-once across provider restarts.

# Usage

	store, err := storage.NewBoltStore("/var/lib/hutch")
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.PutLease(lease); err != nil {
		return err
	}

All records are JSON inside single-file ACID transactions; there is no
external database to operate.
*/
package storage
