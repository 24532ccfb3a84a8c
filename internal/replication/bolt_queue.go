package replication

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
	"golang.org/x/exp/slices"
)

var retryBucket = []byte("retry_queue")

// BoltQueue is a Queue persisted in a bbolt bucket. Keys are Entry.Key, so
// entries of one peer are contiguous and Pending is a prefix scan.
type BoltQueue struct {
	db    *bbolt.DB
	owned bool
}

// NewBoltQueue keeps the queue in an already open database, typically the
// record store's file. Close does not close db.
func NewBoltQueue(db *bbolt.DB) (*BoltQueue, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(retryBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create retry bucket: %w", err)
	}
	return &BoltQueue{db: db}, nil
}

// OpenBoltQueue opens (or creates) a dedicated queue file at path.
func OpenBoltQueue(path string) (*BoltQueue, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open retry queue %s: %w", path, err)
	}
	q, err := NewBoltQueue(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	q.owned = true
	return q, nil
}

func (q *BoltQueue) Enqueue(_ context.Context, e Entry) error {
	value, err := msgpack.Marshal(e)
	if err != nil {
		return err
	}
	return q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(retryBucket)
		key := []byte(e.Key())
		if b.Get(key) != nil {
			return nil
		}
		return b.Put(key, value)
	})
}

func (q *BoltQueue) Peers(_ context.Context) ([]string, error) {
	var peers []string
	err := q.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(retryBucket).ForEach(func(k, _ []byte) error {
			peer, _, _ := bytes.Cut(k, []byte{0})
			if !slices.Contains(peers, string(peer)) {
				peers = append(peers, string(peer))
			}
			return nil
		})
	})
	slices.Sort(peers)
	return peers, err
}

func (q *BoltQueue) Pending(_ context.Context, peer string, limit int) ([]Entry, error) {
	prefix := []byte(peer + "\x00")
	var out []Entry
	err := q.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(retryBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var e Entry
			if err := msgpack.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode retry entry %q: %w", k, err)
			}
			e.EnqueuedAt = e.EnqueuedAt.UTC()
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortEntries(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *BoltQueue) Update(_ context.Context, entries []Entry) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(retryBucket)
		for _, e := range entries {
			key := []byte(e.Key())
			if b.Get(key) == nil {
				continue
			}
			value, err := msgpack.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put(key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (q *BoltQueue) Remove(_ context.Context, entries []Entry) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(retryBucket)
		for _, e := range entries {
			if err := b.Delete([]byte(e.Key())); err != nil {
				return err
			}
		}
		return nil
	})
}

func (q *BoltQueue) Len(_ context.Context) (int, error) {
	var n int
	err := q.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(retryBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the database if the queue opened it.
func (q *BoltQueue) Close() error {
	if q.owned {
		return q.db.Close()
	}
	return nil
}
