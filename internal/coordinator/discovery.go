package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/relaydb/internal/cluster"
)

// Discovery periodically announces the local node to every seed and merges
// each seed's directory listing into the local one.
//
// Each tick fans out one task per seed. A seed that is down costs at most
// one client timeout and never delays the other seeds. The tick waits for
// its own tasks so that ticks never overlap.
type Discovery struct {
	dir       *Directory
	registrar *Registrar
	client    *cluster.Client
	logger    log.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	seeds     []string
	interval  time.Duration
	wg        sync.WaitGroup
}

// NewDiscovery creates the loop. It does nothing until Run is called.
//
// Example:
//
//	disc := NewDiscovery(dir, registrar, client, cfg.ClusterURLs, cfg.DiscoveryInterval, logger)
//	go disc.Run(ctx)
//	defer disc.Stop()
func NewDiscovery(dir *Directory, registrar *Registrar, client *cluster.Client, seeds []string, interval time.Duration, logger log.Logger) *Discovery {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Discovery{
		dir:       dir,
		registrar: registrar,
		client:    client,
		seeds:     seeds,
		interval:  interval,
		logger:    log.With(logger, "component", "discovery"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Run performs a tick immediately and then every interval, until ctx is
// canceled or Stop is called. It always returns nil.
func (d *Discovery) Run(ctx context.Context) error {
	d.wg.Add(1)
	defer d.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	level.Info(d.logger).Log("msg", "discovery started", "interval", d.interval, "seeds", len(d.seeds))
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.Tick(ctx)
	for {
		select {
		case <-ticker.C:
			d.Tick(ctx)
		case <-ctx.Done():
			level.Info(d.logger).Log("msg", "discovery stopped")
			return nil
		}
	}
}

// Stop ends Run and waits for it to return.
func (d *Discovery) Stop() {
	d.cancel()
	d.wg.Wait()
}

// Tick runs one discovery round.
func (d *Discovery) Tick(ctx context.Context) {
	self := d.dir.Heartbeat(ctx)

	var g errgroup.Group
	for _, seed := range d.seeds {
		if seed == self.URL {
			continue
		}
		g.Go(func() error {
			d.syncSeed(ctx, self, seed)
			return nil
		})
	}
	_ = g.Wait()
}

// syncSeed announces self to seed and merges the seed's listing.
func (d *Discovery) syncSeed(ctx context.Context, self cluster.NodeInfo, seed string) {
	if err := d.registrar.Announce(ctx, self, seed); err != nil {
		return
	}

	var nodes []cluster.NodeInfo
	if err := d.client.GetJSON(ctx, seed+"/nodes", &nodes); err != nil {
		level.Warn(d.logger).Log("msg", "failed to fetch node listing", "seed", seed, "err", err)
		return
	}

	added := 0
	for _, n := range nodes {
		if n.ID == self.ID || cluster.NormalizeURL(n.URL) == "" {
			continue
		}
		if _, created := d.dir.Upsert(ctx, n); created {
			added++
		}
	}
	level.Debug(d.logger).Log("msg", "merged node listing", "seed", seed, "listed", len(nodes), "added", added)
}
