// Package main implements the relaydb coordinator: the central node of a
// sharded cluster. It stores no records of its own. Each write is assigned
// to fragment{1..FRAGMENT_COUNT} by the configured strategy and forwarded
// there; the fragment's answer is relayed to the client unchanged.
//
// Architecture:
//
//	client ──POST /posts──► coordinator ──resolve──► fragmentN
//	                             │                       │
//	                             │◄──── status + body ───┘
//	                             ▼
//	                      placement row {kind, fragment}
//
// Configuration, on top of the node settings:
//   - FRAGMENT_COUNT: number of fragments (default: 3)
//   - SHARD_STRATEGY: hash or round_robin (default: hash)
//
// Fragments are ordinary nodes started with ROLE=fragment,
// NODE_ID=fragmentN and CLUSTER_NODES pointing at the coordinator.
//
// Example usage:
//
//	PORT=8080 ./coordinator
//	PORT=8081 ROLE=fragment NODE_ID=fragment1 CLUSTER_NODES=http://127.0.0.1:8080 ./node
//	curl -X POST localhost:8080/posts -d '{"content":"hi","author":"ana"}'
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/go-kit/log/level"

	"github.com/dreamware/relaydb/internal/cluster"
	"github.com/dreamware/relaydb/internal/config"
	"github.com/dreamware/relaydb/internal/logging"
	"github.com/dreamware/relaydb/internal/server"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(args, cluster.RoleCentral)
	if err != nil {
		return err
	}
	if cfg.Role != cluster.RoleCentral {
		return fmt.Errorf("coordinator must run with role %q, got %q", cluster.RoleCentral, cfg.Role)
	}
	logger, err := logging.New(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			level.Warn(logger).Log("msg", "failed to close coordinator", "err", err)
		}
	}()

	level.Info(logger).Log("msg", "starting coordinator", "node_id", cfg.NodeID, "fragments", cfg.FragmentCount,
		"strategy", cfg.ShardStrategy)
	return srv.Run(ctx)
}
