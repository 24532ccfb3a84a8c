// Package server assembles a relaydb node from its configuration and runs
// it until shutdown.
//
// Architecture:
//
//	┌────────────────────────────────────────────────────┐
//	│                       Node                         │
//	├────────────────────────────────────────────────────┤
//	│  HTTP (api)                                        │
//	│    /health /nodes /register /sync /metrics         │
//	│    /{posts,users,comments}[/{id}]  → router        │
//	├────────────────────────────────────────────────────┤
//	│  Actors (oklog/run group)                          │
//	│    http server    discovery    sweeper    retry    │
//	│    signal handler                                  │
//	├────────────────────────────────────────────────────┤
//	│  State                                             │
//	│    storage.Store      records, placements, nodes   │
//	│    replication.Queue  pending pushes per peer      │
//	│    coordinator.Directory  known nodes              │
//	└────────────────────────────────────────────────────┘
//
// The first actor to return stops the others. SIGINT and SIGTERM end Run
// cleanly.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"

	"github.com/dreamware/relaydb/internal/api"
	"github.com/dreamware/relaydb/internal/cluster"
	"github.com/dreamware/relaydb/internal/config"
	"github.com/dreamware/relaydb/internal/coordinator"
	"github.com/dreamware/relaydb/internal/metrics"
	"github.com/dreamware/relaydb/internal/replication"
	"github.com/dreamware/relaydb/internal/router"
	"github.com/dreamware/relaydb/internal/shard"
	"github.com/dreamware/relaydb/internal/storage"
)

const shutdownTimeout = 5 * time.Second

// Server is one running node.
type Server struct {
	cfg        config.Config
	logger     log.Logger
	store      storage.Store
	queue      replication.Queue
	dir        *coordinator.Directory
	registrar  *coordinator.Registrar
	discovery  *coordinator.Discovery
	sweeper    *coordinator.Sweeper
	replicator *replication.Replicator
	retry      *replication.RetryWorker
	metrics    *metrics.Metrics
	handler    http.Handler
}

// New opens the store and queue and wires every component. Nothing runs
// until Run is called; Close releases what New opened.
func New(ctx context.Context, cfg config.Config, logger log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = log.With(logger, "node", cfg.NodeID, "role", string(cfg.Role))

	store, err := storage.Open(ctx, cfg.StoreBackend, cfg.StoreAddr)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}
	queue, err := openQueue(store, cfg.QueuePath)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open retry queue: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		queue:   queue,
		metrics: metrics.New(),
	}

	client := cluster.NewClient(cluster.ClientConfig{
		Timeout:         cfg.RequestTimeout,
		BreakerFailures: uint32(cfg.BreakerFailures),
		BreakerOpenFor:  cfg.BreakerOpenFor,
	})

	nodeStore, _ := store.(coordinator.NodeStore)
	s.dir = coordinator.NewDirectory(ctx, cluster.NodeInfo{ID: cfg.NodeID, URL: cfg.PublicURL, Role: cfg.Role},
		nodeStore, logger, s.metrics)
	s.registrar = coordinator.NewRegistrar(s.dir, client, cfg.ClusterURLs, logger, s.metrics)
	s.discovery = coordinator.NewDiscovery(s.dir, s.registrar, client, cfg.ClusterURLs, cfg.DiscoveryInterval, logger)
	s.sweeper = coordinator.NewSweeper(s.dir, cfg.SweepInterval, cfg.StaleAfter, logger)

	s.replicator = replication.New(store, s.dir, client, queue, logger, s.metrics)
	s.retry = replication.NewRetryWorker(replication.RetryConfig{
		Interval:    cfg.RetryInterval,
		Batch:       cfg.RetryBatch,
		MaxAttempts: cfg.RetryMaxAttempts,
		MinBackoff:  cfg.RetryMinBackoff,
		MaxBackoff:  cfg.RetryMaxBackoff,
	}, queue, store, client, logger, s.metrics)

	var resolver *shard.Resolver
	if cfg.Role == cluster.RoleCentral {
		strategy, err := shard.New(cfg.ShardStrategy, cfg.FragmentCount, router.PlacementCounter(store))
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		resolver = shard.NewResolver(strategy, s.dir)
	}

	rt, err := router.New(router.Config{Role: cfg.Role, Replicate: cfg.Replicate}, s.dir, store, s.replicator, resolver,
		client, logger, s.metrics)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.handler = api.New(s.dir, s.registrar, s.replicator, rt, s.metrics, logger).Handler()
	return s, nil
}

// openQueue keeps the retry queue next to the records when the store is a
// bolt file, in its own bolt file when path is set, and in memory otherwise.
func openQueue(store storage.Store, path string) (replication.Queue, error) {
	if b, ok := store.(*storage.BoltStore); ok {
		return replication.NewBoltQueue(b.DB())
	}
	if path != "" {
		return replication.OpenBoltQueue(path)
	}
	return replication.NewMemoryQueue(), nil
}

// Handler returns the node's HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Directory returns the node directory.
func (s *Server) Directory() *coordinator.Directory { return s.dir }

// Store returns the record store.
func (s *Server) Store() storage.Store { return s.store }

// Run listens on the configured address and runs every actor until ctx is
// canceled, a signal arrives or one actor fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var g run.Group
	g.Add(func() error {
		level.Info(s.logger).Log("msg", "listening", "addr", ln.Addr().String(), "public_url", s.cfg.PublicURL)
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	})
	g.Add(func() error { return s.discovery.Run(ctx) }, func(error) { s.discovery.Stop() })
	g.Add(func() error { return s.sweeper.Run(ctx) }, func(error) { s.sweeper.Stop() })
	g.Add(func() error { return s.retry.Run(ctx) }, func(error) { s.retry.Stop() })
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err := g.Run()
	s.registrar.Wait()
	s.replicator.Wait()

	switch {
	case errors.Is(err, run.ErrSignal):
		level.Info(s.logger).Log("msg", "shutting down", "reason", err)
		return nil
	case errors.Is(err, context.Canceled), err == nil:
		return nil
	default:
		return err
	}
}

// Close releases the queue and the store.
func (s *Server) Close() error {
	var errs []error
	if s.queue != nil {
		errs = append(errs, s.queue.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}
