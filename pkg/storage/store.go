package storage

import (
	"github.com/cuemby/hutch/pkg/types"
)

// Store is the provider's durable journal. The in-memory lease registry
// stays authoritative at runtime; every state change is written through
// here so an interrupted teardown can resume after a restart, and so
// redeemed tokens stay burned across restarts.
type Store interface {
	// Leases
	PutLease(lease *types.Lease) error
	GetLease(workloadID int) (*types.Lease, error)
	ListLeases() ([]*types.Lease, error)
	DeleteLease(workloadID int) error

	// Redemptions
	PutRedemption(rec *types.Redemption) error
	HasRedemption(tokenID string) (bool, error)

	// Utility
	Close() error
}
