package replication

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/relaydb/internal/cluster"
	"github.com/dreamware/relaydb/internal/metrics"
	"github.com/dreamware/relaydb/internal/storage"
)

// RetryConfig tunes the retry worker.
type RetryConfig struct {
	// Interval between drain passes.
	Interval time.Duration
	// Batch is the maximum number of records per /sync call.
	Batch int
	// MaxAttempts is the number of failed retries after which an entry is
	// dropped.
	MaxAttempts int
	// MinBackoff and MaxBackoff bound the wait between failed batches to
	// one peer within a pass.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// FailuresPerPass caps the failed batches per peer in one pass before
	// the peer is left for the next pass. Defaults to 3.
	FailuresPerPass int
}

// RetryWorker drains the retry queue. Each pass handles every peer with
// pending entries concurrently; one peer backing off never delays the
// others.
type RetryWorker struct {
	queue   Queue
	store   storage.Store
	client  *cluster.Client
	logger  log.Logger
	metrics *metrics.Metrics
	ctx     context.Context
	cancel  context.CancelFunc
	cfg     RetryConfig
	wg      sync.WaitGroup
}

// NewRetryWorker creates a worker. Records are re-read from store at
// delivery time, so the queue only holds keys.
func NewRetryWorker(cfg RetryConfig, queue Queue, store storage.Store, client *cluster.Client, logger log.Logger, m *metrics.Metrics) *RetryWorker {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.FailuresPerPass <= 0 {
		cfg.FailuresPerPass = 3
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RetryWorker{
		queue:   queue,
		store:   store,
		client:  client,
		logger:  log.With(logger, "component", "retry"),
		metrics: m,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Run drains the queue every interval until ctx is canceled or Stop is
// called.
func (w *RetryWorker) Run(ctx context.Context) error {
	w.wg.Add(1)
	defer w.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.Drain(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop ends Run and waits for it to return.
func (w *RetryWorker) Stop() {
	w.cancel()
	w.wg.Wait()
}

// Drain runs one pass over every peer with pending entries.
func (w *RetryWorker) Drain(ctx context.Context) {
	peers, err := w.queue.Peers(ctx)
	if err != nil {
		level.Error(w.logger).Log("msg", "failed to list retry peers", "err", err)
		return
	}

	var g errgroup.Group
	for _, peer := range peers {
		g.Go(func() error {
			w.drainPeer(ctx, peer)
			return nil
		})
	}
	_ = g.Wait()
	observeDepth(ctx, w.queue, w.metrics)
}

// drainPeer sends batches to one peer until its entries are gone, the
// failure budget of the pass is spent, or ctx ends.
func (w *RetryWorker) drainPeer(ctx context.Context, peer string) {
	bo := backoff.New(ctx, backoff.Config{
		MinBackoff: w.cfg.MinBackoff,
		MaxBackoff: w.cfg.MaxBackoff,
		MaxRetries: w.cfg.FailuresPerPass,
	})

	for bo.Ongoing() {
		entries, err := w.queue.Pending(ctx, peer, w.cfg.Batch)
		if err != nil {
			level.Error(w.logger).Log("msg", "failed to read retry queue", "peer", peer, "err", err)
			return
		}
		if len(entries) == 0 {
			return
		}

		entries, records, dropped := w.load(ctx, peer, entries)
		if len(entries) == 0 {
			if dropped {
				continue
			}
			return
		}

		err = w.client.PostJSON(ctx, peer+"/sync", records, nil)
		if err == nil {
			w.remove(ctx, entries)
			if w.metrics != nil {
				w.metrics.RetryDelivered.Add(float64(len(entries)))
			}
			level.Info(w.logger).Log("msg", "delivered queued records", "peer", peer, "count", len(entries))
			bo.Reset()
			continue
		}

		w.fail(ctx, peer, entries, err)
		bo.Wait()
	}
}

// load reads the records behind entries. Entries whose record is gone from
// the local store are dropped; dropped reports whether any were.
func (w *RetryWorker) load(ctx context.Context, peer string, entries []Entry) ([]Entry, []storage.Record, bool) {
	kept := entries[:0:0]
	records := make([]storage.Record, 0, len(entries))
	var missing []Entry
	for _, e := range entries {
		rec, err := w.store.Get(ctx, e.Kind, e.RecordID)
		switch {
		case err == nil:
			kept = append(kept, e)
			records = append(records, rec)
		case errors.Is(err, storage.ErrNotFound):
			missing = append(missing, e)
		default:
			// Leave it queued; the store may recover.
			level.Warn(w.logger).Log("msg", "failed to load queued record", "peer", peer, "id", e.RecordID, "err", err)
		}
	}
	if len(missing) > 0 {
		w.drop(ctx, peer, missing, "missing")
	}
	return kept, records, len(missing) > 0
}

// fail records a failed attempt, dropping entries that used up their
// attempts.
func (w *RetryWorker) fail(ctx context.Context, peer string, entries []Entry, cause error) {
	var retry, exhausted []Entry
	for _, e := range entries {
		e.Attempts++
		e.LastError = cause.Error()
		if e.Attempts >= w.cfg.MaxAttempts {
			exhausted = append(exhausted, e)
		} else {
			retry = append(retry, e)
		}
	}
	level.Warn(w.logger).Log("msg", "retry delivery failed", "peer", peer, "count", len(entries), "err", cause)

	if len(retry) > 0 {
		if err := w.queue.Update(ctx, retry); err != nil {
			level.Error(w.logger).Log("msg", "failed to update retry entries", "peer", peer, "err", err)
		}
	}
	if len(exhausted) > 0 {
		w.drop(ctx, peer, exhausted, "max_attempts")
	}
}

func (w *RetryWorker) drop(ctx context.Context, peer string, entries []Entry, reason string) {
	for _, e := range entries {
		level.Error(w.logger).Log("msg", "dropping replication retry", "peer", peer, "kind", e.Kind, "id", e.RecordID,
			"reason", reason, "attempts", e.Attempts, "last_error", e.LastError)
	}
	w.remove(ctx, entries)
	if w.metrics != nil {
		w.metrics.RetryDropped.WithLabelValues(reason).Add(float64(len(entries)))
	}
}

func (w *RetryWorker) remove(ctx context.Context, entries []Entry) {
	if err := w.queue.Remove(ctx, entries); err != nil {
		level.Error(w.logger).Log("msg", "failed to remove retry entries", "err", err)
	}
}
