package replication

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/relaydb/internal/metrics"
	"github.com/dreamware/relaydb/internal/storage"
)

func testRetryConfig() RetryConfig {
	return RetryConfig{
		Interval:        10 * time.Millisecond,
		Batch:           2,
		MaxAttempts:     3,
		MinBackoff:      time.Millisecond,
		MaxBackoff:      2 * time.Millisecond,
		FailuresPerPass: 1,
	}
}

// seed stores n records locally and queues them for peer.
func seed(t *testing.T, store storage.Store, queue Queue, peer string, n int) []storage.Record {
	t.Helper()
	ctx := context.Background()
	var out []storage.Record
	for i := 0; i < n; i++ {
		rec := newRecord()
		require.NoError(t, store.Insert(ctx, rec))
		require.NoError(t, queue.Enqueue(ctx, Entry{Peer: peer, Kind: rec.Kind, RecordID: rec.ID, EnqueuedAt: t0.Add(time.Duration(i))}))
		out = append(out, rec)
	}
	return out
}

// TestRetryDeliversAfterRecovery verifies queued records reach a peer once
// it comes back, in batches.
func TestRetryDeliversAfterRecovery(t *testing.T) {
	peer := newSyncPeer(t)
	peer.down.Store(true)

	m := metrics.New()
	store := storage.NewMemoryStore()
	queue := NewMemoryQueue()
	records := seed(t, store, queue, peer.srv.URL, 5)
	w := NewRetryWorker(testRetryConfig(), queue, store, newTestClient(), nil, m)
	ctx := context.Background()

	w.Drain(ctx)
	n, _ := queue.Len(ctx)
	assert.Equal(t, 5, n)
	pending, _ := queue.Pending(ctx, peer.srv.URL, 0)
	assert.Equal(t, 1, pending[0].Attempts)

	peer.down.Store(false)
	w.Drain(ctx)

	n, _ = queue.Len(ctx)
	assert.Zero(t, n)
	for _, rec := range records {
		assert.True(t, peer.has(rec.ID))
	}
	assert.Equal(t, 5.0, testutil.ToFloat64(m.RetryDelivered))
	assert.Zero(t, testutil.ToFloat64(m.RetryQueueDepth))
}

// TestRetryDropsAfterMaxAttempts verifies entries are abandoned once their
// attempts are used up.
func TestRetryDropsAfterMaxAttempts(t *testing.T) {
	peer := newSyncPeer(t)
	peer.down.Store(true)

	m := metrics.New()
	store := storage.NewMemoryStore()
	queue := NewMemoryQueue()
	seed(t, store, queue, peer.srv.URL, 1)
	w := NewRetryWorker(testRetryConfig(), queue, store, newTestClient(), nil, m)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		w.Drain(ctx)
	}

	n, _ := queue.Len(ctx)
	assert.Zero(t, n)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetryDropped.WithLabelValues("max_attempts")))
	assert.EqualValues(t, 3, peer.calls.Load())
}

// TestRetryDropsMissingRecords verifies entries whose record vanished from
// the local store are dropped without contacting the peer.
func TestRetryDropsMissingRecords(t *testing.T) {
	peer := newSyncPeer(t)
	m := metrics.New()
	queue := NewMemoryQueue()
	require.NoError(t, queue.Enqueue(context.Background(), Entry{Peer: peer.srv.URL, Kind: "posts", RecordID: newRecord().ID}))

	w := NewRetryWorker(testRetryConfig(), queue, storage.NewMemoryStore(), newTestClient(), nil, m)
	w.Drain(context.Background())

	n, _ := queue.Len(context.Background())
	assert.Zero(t, n)
	assert.Zero(t, peer.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetryDropped.WithLabelValues("missing")))
}

// TestRetryPeersIndependent verifies a failing peer does not hold back
// delivery to a healthy one in the same pass.
func TestRetryPeersIndependent(t *testing.T) {
	down, up := newSyncPeer(t), newSyncPeer(t)
	down.down.Store(true)

	store := storage.NewMemoryStore()
	queue := NewMemoryQueue()
	seed(t, store, queue, down.srv.URL, 2)
	delivered := seed(t, store, queue, up.srv.URL, 2)

	w := NewRetryWorker(testRetryConfig(), queue, store, newTestClient(), nil, nil)
	w.Drain(context.Background())

	for _, rec := range delivered {
		assert.True(t, up.has(rec.ID))
	}
	pending, _ := queue.Pending(context.Background(), down.srv.URL, 0)
	assert.Len(t, pending, 2)
}

func TestRetryRunStops(t *testing.T) {
	peer := newSyncPeer(t)
	store := storage.NewMemoryStore()
	queue := NewMemoryQueue()
	records := seed(t, store, queue, peer.srv.URL, 1)

	w := NewRetryWorker(testRetryConfig(), queue, store, newTestClient(), nil, nil)
	done := make(chan struct{})
	go func() {
		_ = w.Run(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return peer.has(records[0].ID) }, time.Second, 5*time.Millisecond)
	w.Stop()
	<-done
}
