package storage

import (
	"testing"
	"time"

	"github.com/cuemby/hutch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestLeaseCRUD(t *testing.T) {
	store := newTestStore(t)

	lease := &types.Lease{
		WorkloadID:      1005,
		PodHandle:       types.WorkloadHandle(1005),
		TierID:          "basic",
		Image:           "ubuntu",
		OwnerID:         "client-pubkey-hex",
		CreatedAt:       time.Now().Unix(),
		ExpiresAt:       time.Now().Unix() + 120,
		HostPort:        2234,
		ShellUser:       "root",
		ShellPassword:   "s3cret",
		DurationSeconds: 120,
		PaymentMsats:    6000,
		State:           types.LeaseStateActive,
	}

	require.NoError(t, store.PutLease(lease))

	got, err := store.GetLease(1005)
	require.NoError(t, err)
	assert.Equal(t, lease, got)

	// Put is an upsert: state transitions overwrite in place.
	lease.State = types.LeaseStateReclaiming
	require.NoError(t, store.PutLease(lease))

	got, err = store.GetLease(1005)
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStateReclaiming, got.State)

	leases, err := store.ListLeases()
	require.NoError(t, err)
	require.Len(t, leases, 1)

	require.NoError(t, store.DeleteLease(1005))

	_, err = store.GetLease(1005)
	assert.Error(t, err)

	leases, err = store.ListLeases()
	require.NoError(t, err)
	assert.Empty(t, leases)
}

func TestLeaseListOrderIndependent(t *testing.T) {
	store := newTestStore(t)

	ids := []int{1100, 1042, 1007}
	for _, id := range ids {
		require.NoError(t, store.PutLease(&types.Lease{
			WorkloadID: id,
			PodHandle:  types.WorkloadHandle(id),
			State:      types.LeaseStateActive,
		}))
	}

	leases, err := store.ListLeases()
	require.NoError(t, err)
	require.Len(t, leases, 3)

	seen := make(map[int]bool)
	for _, l := range leases {
		seen[l.WorkloadID] = true
	}
	for _, id := range ids {
		assert.True(t, seen[id], "missing lease %d", id)
	}
}

func TestRedemptionSet(t *testing.T) {
	store := newTestStore(t)

	tokenID := "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

	found, err := store.HasRedemption(tokenID)
	require.NoError(t, err)
	assert.False(t, found)

	rec := &types.Redemption{
		TokenID:     tokenID,
		AmountMsats: 6000,
		WorkloadID:  1005,
		RedeemedAt:  time.Now().Unix(),
	}
	require.NoError(t, store.PutRedemption(rec))

	found, err = store.HasRedemption(tokenID)
	require.NoError(t, err)
	assert.True(t, found)

	// Unknown tokens stay unknown.
	found, err = store.HasRedemption("deadbeef")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBoltStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.PutLease(&types.Lease{
		WorkloadID: 1001,
		PodHandle:  types.WorkloadHandle(1001),
		State:      types.LeaseStateReclaiming,
	}))
	require.NoError(t, store.PutRedemption(&types.Redemption{
		TokenID:     "abc123",
		AmountMsats: 3000,
		WorkloadID:  1001,
		RedeemedAt:  time.Now().Unix(),
	}))
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	lease, err := reopened.GetLease(1001)
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStateReclaiming, lease.State)

	found, err := reopened.HasRedemption("abc123")
	require.NoError(t, err)
	assert.True(t, found)
}
