package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dreamware/relaydb/internal/cluster"
	"github.com/dreamware/relaydb/internal/metrics"
)

// Registrar implements both sides of the registration protocol: inbound
// Register requests update the directory, outbound Announce calls make the
// local node known to a peer.
//
// A first-time registration is propagated to every seed in the background,
// so a node that only knows one seed still becomes visible to the rest of
// the cluster. Propagation stops as soon as a node is already known, which
// bounds it to one hop per seed.
type Registrar struct {
	dir     *Directory
	client  *cluster.Client
	logger  log.Logger
	metrics *metrics.Metrics
	seeds   []string
	wg      sync.WaitGroup
}

// NewRegistrar creates a registrar. seeds is the static CLUSTER_NODES list.
func NewRegistrar(dir *Directory, client *cluster.Client, seeds []string, logger log.Logger, m *metrics.Metrics) *Registrar {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Registrar{
		dir:     dir,
		client:  client,
		seeds:   seeds,
		logger:  log.With(logger, "component", "registrar"),
		metrics: m,
	}
}

// Register handles an inbound registration or heartbeat.
//
// The candidate must carry a URL; its ID is optional and assigned when
// missing. LastSeen is stamped with the local clock whatever the candidate
// sent, since the request itself is the proof of liveness.
//
// Returns:
//   - the stored entry (refreshed if the URL was known)
//   - whether the entry was created
//   - ErrInvalidNode for an empty URL or an unknown role
func (r *Registrar) Register(ctx context.Context, candidate cluster.NodeInfo) (cluster.NodeInfo, bool, error) {
	candidate.URL = cluster.NormalizeURL(candidate.URL)
	if candidate.URL == "" {
		return cluster.NodeInfo{}, false, fmt.Errorf("%w: url is required", ErrInvalidNode)
	}
	if candidate.Role != "" && !candidate.Role.Valid() {
		return cluster.NodeInfo{}, false, fmt.Errorf("%w: unknown role %q", ErrInvalidNode, candidate.Role)
	}
	candidate.LastSeen = r.dir.now().UTC()
	candidate.Status = cluster.StatusActive

	stored, created := r.dir.Upsert(ctx, candidate)
	if created {
		r.propagate(stored)
	}
	return stored, created, nil
}

// propagate announces a newcomer to every seed except itself and us.
func (r *Registrar) propagate(node cluster.NodeInfo) {
	self := r.dir.Self()
	for _, seed := range r.seeds {
		if seed == node.URL || seed == self.URL {
			continue
		}
		r.wg.Add(1)
		go func(seed string) {
			defer r.wg.Done()
			_ = r.Announce(context.Background(), node, seed)
		}(seed)
	}
}

// Announce posts node to peerURL/nodes. Failures are logged and counted and
// returned as *cluster.NetworkError; they are never retried here.
func (r *Registrar) Announce(ctx context.Context, node cluster.NodeInfo, peerURL string) error {
	var stored cluster.NodeInfo
	err := r.client.PostJSON(ctx, cluster.NormalizeURL(peerURL)+"/nodes", node, &stored)
	if err != nil {
		level.Warn(r.logger).Log("msg", "announce failed", "peer", peerURL, "node_id", node.ID, "err", err)
		r.count("failed")
		return err
	}
	level.Debug(r.logger).Log("msg", "announced", "peer", peerURL, "node_id", node.ID, "stored_id", stored.ID)
	r.count("ok")
	return nil
}

func (r *Registrar) count(result string) {
	if r.metrics != nil {
		r.metrics.Announces.WithLabelValues(result).Inc()
	}
}

// Wait blocks until background propagation has finished.
func (r *Registrar) Wait() {
	r.wg.Wait()
}
