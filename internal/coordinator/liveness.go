package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Sweeper marks directory entries unreachable once they have not been seen
// for staleAfter. It never deletes entries; a later registration or listing
// with a newer last_seen brings them back.
type Sweeper struct {
	dir        *Directory
	logger     log.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	now        func() time.Time
	interval   time.Duration
	staleAfter time.Duration
	wg         sync.WaitGroup
}

// NewSweeper creates a sweeper that checks every interval.
//
// Parameters:
//   - interval: how often to sweep (default config: 15s)
//   - staleAfter: missed-heartbeat threshold (default config: 3 × discovery interval)
func NewSweeper(dir *Directory, interval, staleAfter time.Duration, logger log.Logger) *Sweeper {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		dir:        dir,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     log.With(logger, "component", "sweeper"),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run sweeps every interval until ctx is canceled or Stop is called.
func (s *Sweeper) Run(ctx context.Context) error {
	s.wg.Add(1)
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return nil
		case <-s.ctx.Done():
			return nil
		}
	}
}

// Stop ends Run and waits for it to return.
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Sweep runs one pass and returns the ids it marked unreachable.
func (s *Sweeper) Sweep(ctx context.Context) []string {
	changed := s.dir.Sweep(ctx, s.staleAfter, s.now())
	for _, id := range changed {
		level.Warn(s.logger).Log("msg", "node missed heartbeats", "node_id", id, "stale_after", s.staleAfter)
	}
	return changed
}
