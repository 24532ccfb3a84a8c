package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/relaydb/internal/cluster"
	"github.com/dreamware/relaydb/internal/metrics"
	"github.com/dreamware/relaydb/internal/storage"
)

// enqueueTimeout bounds recording a failed push in the retry queue.
const enqueueTimeout = 2 * time.Second

// PeerSource lists replication candidates. *coordinator.Directory
// implements it.
type PeerSource interface {
	Peers() []cluster.NodeInfo
}

// Replicator pushes newly created records to peers and merges records
// pushed by peers.
type Replicator struct {
	store   storage.Store
	peers   PeerSource
	client  *cluster.Client
	queue   Queue
	logger  log.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	wg      sync.WaitGroup
}

// New creates a replicator. queue may be nil, in which case failed pushes
// are only logged.
func New(store storage.Store, peers PeerSource, client *cluster.Client, queue Queue, logger log.Logger, m *metrics.Metrics) *Replicator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Replicator{
		store:   store,
		peers:   peers,
		client:  client,
		queue:   queue,
		logger:  log.With(logger, "component", "replicator"),
		metrics: m,
		now:     time.Now,
	}
}

// Targets returns the url of every peer that stores replicas: every
// directory entry except the local node and central nodes.
// Unreachable peers are included; failed pushes go to the retry queue.
func (r *Replicator) Targets() []string {
	var out []string
	for _, p := range r.peers.Peers() {
		if p.Role == cluster.RoleCentral {
			continue
		}
		out = append(out, p.URL)
	}
	return out
}

// Replicate pushes rec to every target in the background and returns
// immediately. The caller's write is already durable; nothing here can
// fail it. Each target gets one attempt bounded by the client timeout;
// failures are logged, counted and queued for retry.
func (r *Replicator) Replicate(rec storage.Record, targets []string) {
	if len(targets) == 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx := context.Background()

		var g errgroup.Group
		for _, target := range targets {
			g.Go(func() error {
				r.push(ctx, rec, target)
				return nil
			})
		}
		_ = g.Wait()
	}()
}

func (r *Replicator) push(ctx context.Context, rec storage.Record, target string) {
	err := r.client.PostJSON(ctx, target+"/sync", []storage.Record{rec}, nil)
	if err == nil {
		r.countPush("ok")
		return
	}

	r.countPush("failed")
	level.Warn(r.logger).Log("msg", "replication push failed", "peer", target, "kind", rec.Kind, "id", rec.ID, "err", err)
	if r.queue == nil {
		return
	}

	qctx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	entry := Entry{
		Peer:       target,
		Kind:       rec.Kind,
		RecordID:   rec.ID,
		LastError:  err.Error(),
		EnqueuedAt: r.now().UTC(),
	}
	if err := r.queue.Enqueue(qctx, entry); err != nil {
		level.Error(r.logger).Log("msg", "failed to queue replication retry", "peer", target, "id", rec.ID, "err", err)
		return
	}
	observeDepth(qctx, r.queue, r.metrics)
}

// Merge applies records received from a peer. Existing ids are left
// untouched, so applying the same batch any number of times is safe.
// The whole batch is validated before anything is written.
func (r *Replicator) Merge(ctx context.Context, records []storage.Record) (int, error) {
	for i, rec := range records {
		if err := rec.Validate(); err != nil {
			return 0, fmt.Errorf("record %d: %w", i, err)
		}
	}

	applied := 0
	for _, rec := range records {
		inserted, err := r.store.InsertIfAbsent(ctx, rec)
		if err != nil {
			return applied, fmt.Errorf("merge %s/%s: %w", rec.Kind, rec.ID, err)
		}
		if inserted {
			applied++
			r.countMerge("applied")
		} else {
			r.countMerge("ignored")
		}
	}
	if len(records) > 0 {
		level.Debug(r.logger).Log("msg", "merged records", "received", len(records), "applied", applied)
	}
	return applied, nil
}

// Wait blocks until every background fan-out has finished.
func (r *Replicator) Wait() {
	r.wg.Wait()
}

func (r *Replicator) countPush(result string) {
	if r.metrics != nil {
		r.metrics.ReplicationPushes.WithLabelValues(result).Inc()
	}
}

func (r *Replicator) countMerge(result string) {
	if r.metrics != nil {
		r.metrics.RecordsMerged.WithLabelValues(result).Inc()
	}
}

func observeDepth(ctx context.Context, q Queue, m *metrics.Metrics) {
	if m == nil {
		return
	}
	if n, err := q.Len(ctx); err == nil {
		m.RetryQueueDepth.Set(float64(n))
	}
}
