package replication

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func entry(peer, id string, offset time.Duration) Entry {
	return Entry{Peer: peer, Kind: "posts", RecordID: id, EnqueuedAt: t0.Add(offset)}
}

// testQueue runs the behaviour every queue backend must share.
func testQueue(t *testing.T, newQueue func(t *testing.T) Queue) {
	ctx := context.Background()

	t.Run("enqueue keeps the first entry", func(t *testing.T) {
		q := newQueue(t)
		first := entry("http://a:1", "r1", 0)
		first.Attempts = 2
		require.NoError(t, q.Enqueue(ctx, first))
		require.NoError(t, q.Enqueue(ctx, entry("http://a:1", "r1", time.Hour)))

		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		pending, err := q.Pending(ctx, "http://a:1", 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, 2, pending[0].Attempts)
		assert.True(t, t0.Equal(pending[0].EnqueuedAt))
	})

	t.Run("pending is per peer, oldest first, limited", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Enqueue(ctx, entry("http://a:1", "r3", 3*time.Second)))
		require.NoError(t, q.Enqueue(ctx, entry("http://a:1", "r1", time.Second)))
		require.NoError(t, q.Enqueue(ctx, entry("http://a:1", "r2", 2*time.Second)))
		require.NoError(t, q.Enqueue(ctx, entry("http://a:10", "x", 0)))
		require.NoError(t, q.Enqueue(ctx, entry("http://b:1", "r1", 0)))

		pending, err := q.Pending(ctx, "http://a:1", 2)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "r1", pending[0].RecordID)
		assert.Equal(t, "r2", pending[1].RecordID)

		peers, err := q.Peers(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"http://a:1", "http://a:10", "http://b:1"}, peers)
	})

	t.Run("update and remove", func(t *testing.T) {
		q := newQueue(t)
		e := entry("http://a:1", "r1", 0)
		require.NoError(t, q.Enqueue(ctx, e))

		e.Attempts = 5
		e.LastError = "timeout"
		require.NoError(t, q.Update(ctx, []Entry{e, entry("http://a:1", "unknown", 0)}))

		pending, err := q.Pending(ctx, "http://a:1", 0)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, 5, pending[0].Attempts)
		assert.Equal(t, "timeout", pending[0].LastError)

		require.NoError(t, q.Remove(ctx, pending))
		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		peers, err := q.Peers(ctx)
		require.NoError(t, err)
		assert.Empty(t, peers)
	})
}

func TestMemoryQueue(t *testing.T) {
	testQueue(t, func(t *testing.T) Queue { return NewMemoryQueue() })
}

func TestBoltQueue(t *testing.T) {
	testQueue(t, func(t *testing.T) Queue {
		q, err := OpenBoltQueue(filepath.Join(t.TempDir(), "queue.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = q.Close() })
		return q
	})
}

// TestBoltQueueSurvivesRestart verifies pending retries are not lost when
// the node restarts.
func TestBoltQueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	q, err := OpenBoltQueue(path)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, entry("http://a:1", "r1", 0)))
	require.NoError(t, q.Close())

	q, err = OpenBoltQueue(path)
	require.NoError(t, err)
	defer q.Close()

	pending, err := q.Pending(ctx, "http://a:1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "r1", pending[0].RecordID)
}

// TestBoltQueueSharedDB verifies a queue on a borrowed handle leaves it open.
func TestBoltQueueSharedDB(t *testing.T) {
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "shared.db"), 0o600, nil)
	require.NoError(t, err)
	defer db.Close()

	q, err := NewBoltQueue(db)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	require.NoError(t, db.View(func(tx *bbolt.Tx) error {
		assert.NotNil(t, tx.Bucket(retryBucket))
		return nil
	}))
}
