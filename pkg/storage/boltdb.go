package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuemby/migctl/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMigrations = []byte("migrations")
	bucketPlans      = []byte("migration_steps")
	bucketProgress   = []byte("shard_migrations")
	bucketLocks      = []byte("migration_locks")
	bucketHistory    = []byte("migration_history")
	bucketLockSeq    = []byte("migration_lock_fencing_seq")
)

// BoltStore implements Store on top of a single bbolt database file. It
// backs the coordinator's own Status Store.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the coordinator's database
// under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "migctl.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMigrations, bucketPlans, bucketProgress, bucketLocks, bucketHistory, bucketLockSeq} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
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

func (s *BoltStore) Close() error { return s.db.Close() }

// --- Migrations ---

func (s *BoltStore) PutMigration(m *types.Migration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMigrations).Put([]byte(m.ID), data)
	})
}

func (s *BoltStore) GetMigration(id string) (*types.Migration, error) {
	var m types.Migration
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMigrations).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: migration %s", types.ErrNotFound, id)
		}
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *BoltStore) ListMigrations() ([]*types.Migration, error) {
	var out []*types.Migration
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMigrations).ForEach(func(k, v []byte) error {
			var m types.Migration
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, &m)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

// --- Plans ---

func (s *BoltStore) PutPlan(p *types.Plan) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPlans).Put([]byte(p.RequestID), data)
	})
}

func (s *BoltStore) GetPlan(requestID string) (*types.Plan, error) {
	var p types.Plan
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPlans).Get([]byte(requestID))
		if data == nil {
			return fmt.Errorf("%w: plan for request %s", types.ErrNotFound, requestID)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// --- ShardProgress ---

func progressKeyBytes(k types.ProgressKey) []byte {
	return []byte(strings.Join([]string{k.MigrationID, k.StepID, k.ShardID}, "|"))
}

func (s *BoltStore) PutProgress(p *types.ShardProgress) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketProgress).Put(progressKeyBytes(p.ProgressKey), data)
	})
}

func (s *BoltStore) GetProgress(key types.ProgressKey) (*types.ShardProgress, error) {
	var p types.ShardProgress
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProgress).Get(progressKeyBytes(key))
		if data == nil {
			return fmt.Errorf("%w: progress %s/%s/%s", types.ErrNotFound, key.MigrationID, key.StepID, key.ShardID)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ListProgress(migrationID string) ([]*types.ShardProgress, error) {
	var out []*types.ShardProgress
	prefix := []byte(migrationID + "|")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketProgress).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var p types.ShardProgress
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
		}
		return nil
	})
	return out, err
}

// --- Locks ---

func (s *BoltStore) PutLock(l *types.Lock) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(l)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketLocks).Put([]byte(l.Resource), data)
	})
}

func (s *BoltStore) GetLock(resource string) (*types.Lock, error) {
	var l types.Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLocks).Get([]byte(resource))
		if data == nil {
			return fmt.Errorf("%w: lock %s", types.ErrNotFound, resource)
		}
		return json.Unmarshal(data, &l)
	})
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *BoltStore) DeleteLock(resource string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocks).Delete([]byte(resource))
	})
}

func (s *BoltStore) ListLocks() ([]*types.Lock, error) {
	var out []*types.Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocks).ForEach(func(k, v []byte) error {
			var l types.Lock
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			out = append(out, &l)
			return nil
		})
	})
	return out, err
}

// NextFencingToken increments and returns resource's monotonic counter.
// It never resets, so a lock's fencing token keeps climbing across
// repeated acquire/release/reap cycles.
func (s *BoltStore) NextFencingToken(resource string) (int64, error) {
	var next int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLockSeq)
		var cur int64
		if data := b.Get([]byte(resource)); data != nil {
			if err := json.Unmarshal(data, &cur); err != nil {
				return err
			}
		}
		next = cur + 1
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		return b.Put([]byte(resource), data)
	})
	return next, err
}

// --- Events ---

// eventKeyBytes orders events within a migration by a zero-padded
// sequence number so a bucket ForEach/Cursor scan over the migration's
// prefix replays them in append order, which is the per-migration
// ordering event consumers rely on.
func eventKeyBytes(migrationID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s|%020d", migrationID, seq))
}

func (s *BoltStore) AppendEvent(e *types.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(eventKeyBytes(e.MigrationID, seq), data)
	})
}

func (s *BoltStore) ListEvents(migrationID string) ([]*types.Event, error) {
	var out []*types.Event
	prefix := []byte(migrationID + "|")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHistory).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var e types.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}
