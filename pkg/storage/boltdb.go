package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/cuemby/hutch/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// One bucket per concern.
var (
	bucketLeases      = []byte("leases")
	bucketRedemptions = []byte("redemptions")
)

// BoltStore is the bbolt-backed Store.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the journal under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "hutch.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketLeases,
			bucketRedemptions,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close releases the database file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func leaseKey(workloadID int) []byte {
	return []byte(strconv.Itoa(workloadID))
}

// Lease operations
func (s *BoltStore) PutLease(lease *types.Lease) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		data, err := json.Marshal(lease)
		if err != nil {
			return err
		}
		return b.Put(leaseKey(lease.WorkloadID), data)
	})
}

func (s *BoltStore) GetLease(workloadID int) (*types.Lease, error) {
	var lease types.Lease
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		data := b.Get(leaseKey(workloadID))
		if data == nil {
			return fmt.Errorf("lease not found: %d", workloadID)
		}
		return json.Unmarshal(data, &lease)
	})
	if err != nil {
		return nil, err
	}
	return &lease, nil
}

func (s *BoltStore) ListLeases() ([]*types.Lease, error) {
	var leases []*types.Lease
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		return b.ForEach(func(k, v []byte) error {
			var lease types.Lease
			if err := json.Unmarshal(v, &lease); err != nil {
				return err
			}
			leases = append(leases, &lease)
			return nil
		})
	})
	return leases, err
}

func (s *BoltStore) DeleteLease(workloadID int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		return b.Delete(leaseKey(workloadID))
	})
}

// Redemption operations
func (s *BoltStore) PutRedemption(rec *types.Redemption) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRedemptions)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.TokenID), data)
	})
}

func (s *BoltStore) HasRedemption(tokenID string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRedemptions)
		found = b.Get([]byte(tokenID)) != nil
		return nil
	})
	return found, err
}
