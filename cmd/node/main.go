// Package main implements the relaydb node binary. By default the node is a
// replicating peer: it accepts writes, stores them locally and pushes them
// to every other node it knows. ROLE=fragment turns it into a shard owner
// behind a central node.
//
// Configuration (environment, or the same keys in lower case in --config):
//   - NODE_ID: node identifier (default: generated uuid)
//   - HOST, PORT: listen address (default: 0.0.0.0:8080)
//   - PUBLIC_URL: url other nodes use to reach this one
//   - CLUSTER_NODES: comma separated seed urls
//   - ROLE: peer or fragment (default: peer)
//   - REPLICATE: replicate local writes (default: true, false for fragments)
//   - STORE_BACKEND, STORE_ADDR: memory, bolt, redis or mysql
//
// Example usage:
//
//	# Three peers on one host
//	PORT=8081 NODE_ID=a CLUSTER_NODES=http://127.0.0.1:8082,http://127.0.0.1:8083 ./node
//	PORT=8082 NODE_ID=b CLUSTER_NODES=http://127.0.0.1:8081,http://127.0.0.1:8083 ./node
//	PORT=8083 NODE_ID=c CLUSTER_NODES=http://127.0.0.1:8081,http://127.0.0.1:8082 ./node
//
//	# Write at one, read at another
//	curl -X POST localhost:8081/posts -d '{"content":"hi","author":"ana"}'
//	curl localhost:8083/posts
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
	if err := run(context.Background(), os.Args[1:], cluster.RolePeer); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, role cluster.Role) error {
	cfg, err := config.Load(args, role)
	if err != nil {
		return err
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
			level.Warn(logger).Log("msg", "failed to close node", "err", err)
		}
	}()

	level.Info(logger).Log("msg", "starting node", "node_id", cfg.NodeID, "role", string(cfg.Role), "store", cfg.StoreBackend,
		"seeds", len(cfg.ClusterURLs))
	return srv.Run(ctx)
}
