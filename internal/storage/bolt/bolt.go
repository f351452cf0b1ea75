package bolt

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/goodtune/kstats/internal/storage"
	"go.etcd.io/bbolt"
)

// bucketCounters holds one sub-bucket per namespace.
const bucketCounters = "counters"

// Store implements the storage.Store interface using bbolt.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketCounters)); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketCounters, err)
		}
		return nil
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Counters returns the counter store.
func (s *Store) Counters() storage.CounterStore { return &counterStore{db: s.db} }

type counterStore struct {
	db *bbolt.DB
}

func (s *counterStore) Load(ctx context.Context, namespace, key string) (*storage.StatsRecord, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ns := namespaceBucket(tx, namespace)
		if ns == nil {
			return storage.ErrNotFound
		}
		value := ns.Get([]byte(key))
		if value == nil {
			return storage.ErrNotFound
		}
		// value is only valid for the life of the transaction
		data = append([]byte(nil), value...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return storage.DecodeRecord(data)
}

func (s *counterStore) Save(ctx context.Context, namespace, key string, record storage.StatsRecord) error {
	data, err := storage.EncodeRecord(record)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		root := tx.Bucket([]byte(bucketCounters))
		if root == nil {
			return fmt.Errorf("bucket missing: %s", bucketCounters)
		}
		ns, err := root.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return fmt.Errorf("create namespace bucket %s: %w", namespace, err)
		}
		return ns.Put([]byte(key), data)
	})
}

func namespaceBucket(tx *bbolt.Tx, namespace string) *bbolt.Bucket {
	root := tx.Bucket([]byte(bucketCounters))
	if root == nil {
		return nil
	}
	return root.Bucket([]byte(namespace))
}
