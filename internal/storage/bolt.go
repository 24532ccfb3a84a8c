package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"github.com/dreamware/relaydb/internal/cluster"
)

var nodesBucket = []byte("nodes")

// BoltStore implements Store on a single bbolt file. Each kind lives in its
// own bucket; values are msgpack encoded.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBolt opens (or creates) the database file at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	return &BoltStore{db: db}, nil
}

// DB exposes the underlying handle so other components (the retry queue)
// can keep their own buckets in the same file.
func (b *BoltStore) DB() *bbolt.DB { return b.db }

func recordBucket(kind string) []byte {
	return []byte("records/" + kind)
}

// Insert stores rec, failing with ErrExists on a duplicate id.
func (b *BoltStore) Insert(_ context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	value, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(recordBucket(rec.Kind))
		if err != nil {
			return err
		}
		if bucket.Get([]byte(rec.ID)) != nil {
			return ErrExists
		}
		return bucket.Put([]byte(rec.ID), value)
	})
}

// InsertIfAbsent is Insert with duplicates treated as a successful no-op.
func (b *BoltStore) InsertIfAbsent(ctx context.Context, rec Record) (bool, error) {
	err := b.Insert(ctx, rec)
	if err == ErrExists {
		return false, nil
	}
	return err == nil, err
}

// Get returns the record or ErrNotFound.
func (b *BoltStore) Get(_ context.Context, kind, id string) (Record, error) {
	var rec Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(recordBucket(kind))
		if bucket == nil {
			return ErrNotFound
		}
		value := bucket.Get([]byte(id))
		if value == nil {
			return ErrNotFound
		}
		return decodeRecord(value, &rec)
	})
	return rec, err
}

// List returns up to limit records of kind, newest first.
func (b *BoltStore) List(_ context.Context, kind string, limit int) ([]Record, error) {
	var records []Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(recordBucket(kind))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, value []byte) error {
			var rec Record
			if err := decodeRecord(value, &rec); err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	SortNewest(records)
	return truncate(records, limit), nil
}

// Count returns the number of records of kind.
func (b *BoltStore) Count(_ context.Context, kind string) (int, error) {
	var n int
	err := b.db.View(func(tx *bbolt.Tx) error {
		if bucket := tx.Bucket(recordBucket(kind)); bucket != nil {
			n = bucket.Stats().KeyN
		}
		return nil
	})
	return n, err
}

// SaveNode persists a directory entry under its id.
func (b *BoltStore) SaveNode(_ context.Context, node cluster.NodeInfo) error {
	value, err := msgpack.Marshal(node)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(nodesBucket)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(node.ID), value)
	})
}

// LoadNodes returns every persisted directory entry.
func (b *BoltStore) LoadNodes(_ context.Context) ([]cluster.NodeInfo, error) {
	var nodes []cluster.NodeInfo
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(nodesBucket)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, value []byte) error {
			var n cluster.NodeInfo
			if err := msgpack.Unmarshal(value, &n); err != nil {
				return err
			}
			n.LastSeen = n.LastSeen.UTC()
			nodes = append(nodes, n)
			return nil
		})
	})
	return nodes, err
}

// Close closes the database file.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

func decodeRecord(value []byte, rec *Record) error {
	if err := msgpack.Unmarshal(value, rec); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	if rec.UpdatedAt != nil {
		t := rec.UpdatedAt.UTC()
		rec.UpdatedAt = &t
	}
	return nil
}
