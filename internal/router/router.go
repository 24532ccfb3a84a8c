// Package router decides, for each client request, whether the local node
// handles it or forwards it to the fragment that owns the record.
//
// A write moves through Received → Routed(local | forwarded) → Committed or
// Failed. It is Committed once the local store confirms the insert, or once
// the owning fragment answers 2xx. Failed is terminal; nothing is retried on
// the request path.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/relaydb/internal/cluster"
	"github.com/dreamware/relaydb/internal/coordinator"
	"github.com/dreamware/relaydb/internal/metrics"
	"github.com/dreamware/relaydb/internal/replication"
	"github.com/dreamware/relaydb/internal/shard"
	"github.com/dreamware/relaydb/internal/storage"
)

// Headers set on forwarded requests.
const (
	HeaderRecordID    = "X-Record-ID"
	HeaderForwardedBy = "X-Forwarded-By"
)

// maxRelayBytes caps the response body relayed from a fragment.
const maxRelayBytes = 8 << 20

// Route is where a request was handled.
type Route string

const (
	RouteLocal      Route = "local"
	RouteForwarded  Route = "forwarded"
	RouteUnresolved Route = "unresolved"
)

// Write is a validated client create request.
type Write struct {
	Kind string
	// Payload is stored as-is on local writes.
	Payload json.RawMessage
	// Body, ContentType and RawQuery are forwarded verbatim by the central
	// node.
	Body        []byte
	ContentType string
	RawQuery    string
	// RecordID is the id chosen by the central node (X-Record-ID). Only
	// fragments honour it.
	RecordID string
}

// Relay is a fragment's response, passed back to the client unchanged.
type Relay struct {
	ContentType string
	Body        []byte
	StatusCode  int
}

// Result is the outcome of a routed request. Exactly one of Record or Relay
// is meaningful, depending on Route.
type Result struct {
	Relay  *Relay
	Route  Route
	Record storage.Record
	// Created is false when a local write hit an existing id.
	Created bool
}

// Nodes is the part of the directory the router reads.
type Nodes interface {
	Self() cluster.NodeInfo
	Get(id string) (cluster.NodeInfo, bool)
}

// Config selects the router's behaviour.
type Config struct {
	Role cluster.Role
	// Replicate enables replication of local writes. The central node never
	// replicates.
	Replicate bool
}

// Router handles client reads and writes.
type Router struct {
	store      storage.Store
	nodes      Nodes
	replicator *replication.Replicator
	resolver   *shard.Resolver
	client     *cluster.Client
	logger     log.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	cfg        Config
}

// New creates a router. resolver is required for the central role and
// ignored otherwise; replicator may be nil when replication is off.
func New(cfg Config, nodes Nodes, store storage.Store, replicator *replication.Replicator, resolver *shard.Resolver,
	client *cluster.Client, logger log.Logger, m *metrics.Metrics) (*Router, error) {
	if cfg.Role == cluster.RoleCentral && resolver == nil {
		return nil, errors.New("central router requires a shard resolver")
	}
	if cfg.Replicate && cfg.Role != cluster.RoleCentral && replicator == nil {
		return nil, errors.New("replicating router requires a replicator")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Router{
		cfg:        cfg,
		nodes:      nodes,
		store:      store,
		replicator: replicator,
		resolver:   resolver,
		client:     client,
		logger:     log.With(logger, "component", "router"),
		metrics:    m,
		now:        time.Now,
	}, nil
}

// Create handles a client write.
func (r *Router) Create(ctx context.Context, w Write) (Result, error) {
	if r.cfg.Role == cluster.RoleCentral {
		return r.route(ctx, w)
	}

	id := uuid.NewString()
	if r.cfg.Role == cluster.RoleFragment && w.RecordID != "" {
		if _, err := uuid.Parse(w.RecordID); err != nil {
			return Result{}, fmt.Errorf("%w: %s header: %v", storage.ErrInvalidRecord, HeaderRecordID, err)
		}
		id = w.RecordID
	}
	return r.createLocal(ctx, w, id)
}

func (r *Router) createLocal(ctx context.Context, w Write, id string) (Result, error) {
	self := r.nodes.Self()
	rec := storage.Record{
		ID:         id,
		Kind:       w.Kind,
		Payload:    w.Payload,
		CreatedAt:  r.now().UTC().Truncate(time.Microsecond),
		OriginNode: self.ID,
	}

	err := r.store.Insert(ctx, rec)
	if errors.Is(err, storage.ErrExists) {
		existing, getErr := r.store.Get(ctx, w.Kind, id)
		if getErr != nil {
			r.count(RouteLocal, "failed")
			return Result{}, getErr
		}
		r.count(RouteLocal, "committed")
		return Result{Route: RouteLocal, Record: existing}, nil
	}
	if err != nil {
		r.count(RouteLocal, "failed")
		return Result{}, fmt.Errorf("insert %s/%s: %w", w.Kind, id, err)
	}
	r.count(RouteLocal, "committed")

	if r.cfg.Replicate && r.cfg.Role != cluster.RoleCentral {
		r.replicator.Replicate(rec, r.replicator.Targets())
	}
	return Result{Route: RouteLocal, Record: rec, Created: true}, nil
}

// route is the central node's write path: pick the owner, then write
// locally or forward.
func (r *Router) route(ctx context.Context, w Write) (Result, error) {
	id := uuid.NewString()
	owner, err := r.resolver.Resolve(ctx, w.Kind, id)
	if err != nil {
		r.count(RouteUnresolved, "failed")
		level.Error(r.logger).Log("msg", "no owner for write", "kind", w.Kind, "id", id, "err", err)
		return Result{Route: RouteUnresolved}, fmt.Errorf("resolve owner of %s: %w", id, err)
	}

	if owner.ID == r.nodes.Self().ID {
		res, err := r.createLocal(ctx, w, id)
		if err == nil {
			r.place(ctx, w.Kind, id, owner.ID)
		}
		return res, err
	}

	relay, err := r.forward(ctx, owner, http.MethodPost, "/"+w.Kind, w.RawQuery, w.ContentType, w.Body, id)
	if err != nil {
		r.count(RouteForwarded, "failed")
		level.Warn(r.logger).Log("msg", "forward failed", "owner", owner.ID, "kind", w.Kind, "id", id, "err", err)
		return Result{Route: RouteForwarded}, err
	}
	if relay.StatusCode < 200 || relay.StatusCode >= 300 {
		r.count(RouteForwarded, "failed")
		level.Warn(r.logger).Log("msg", "owner rejected write", "owner", owner.ID, "kind", w.Kind, "status", relay.StatusCode)
		return Result{Route: RouteForwarded, Relay: relay}, nil
	}

	r.count(RouteForwarded, "committed")
	r.place(ctx, w.Kind, id, owner.ID)
	return Result{Route: RouteForwarded, Relay: relay}, nil
}

// placement is the payload of a placement row.
type placement struct {
	Kind     string `json:"kind"`
	Fragment string `json:"fragment"`
}

// place remembers which fragment owns id. Failures are logged: the write is
// already committed on the fragment.
func (r *Router) place(ctx context.Context, kind, id, fragment string) {
	payload, err := json.Marshal(placement{Kind: kind, Fragment: fragment})
	if err != nil {
		level.Error(r.logger).Log("msg", "failed to encode placement", "err", err)
		return
	}
	rec := storage.Record{
		ID:         id,
		Kind:       storage.PlacementKind(kind),
		Payload:    payload,
		CreatedAt:  r.now().UTC().Truncate(time.Microsecond),
		OriginNode: r.nodes.Self().ID,
	}
	if _, err := r.store.InsertIfAbsent(ctx, rec); err != nil {
		level.Error(r.logger).Log("msg", "failed to record placement", "kind", kind, "id", id, "fragment", fragment, "err", err)
	}
}

// forward sends a request to owner and reads the whole response. Only
// transport failures are errors; any status code is a Relay.
func (r *Router) forward(ctx context.Context, owner cluster.NodeInfo, method, path, rawQuery, contentType string, body []byte, recordID string) (*Relay, error) {
	target := owner.URL + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}

	ctx, cancel := context.WithTimeout(ctx, r.client.Timeout())
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if recordID != "" {
		req.Header.Set(HeaderRecordID, recordID)
	}
	req.Header.Set(HeaderForwardedBy, r.nodes.Self().ID)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRelayBytes))
	if err != nil {
		return nil, &cluster.NetworkError{Op: method, URL: target, Err: fmt.Errorf("read response: %w", err)}
	}
	return &Relay{StatusCode: resp.StatusCode, ContentType: resp.Header.Get("Content-Type"), Body: data}, nil
}

// Get reads one record. The central node forwards the read to the owner
// and relays the answer.
func (r *Router) Get(ctx context.Context, kind, id string) (Result, error) {
	if r.cfg.Role != cluster.RoleCentral {
		rec, err := r.store.Get(ctx, kind, id)
		if err != nil {
			return Result{}, err
		}
		return Result{Route: RouteLocal, Record: rec}, nil
	}

	owner, err := r.locate(ctx, kind, id)
	if err != nil {
		return Result{Route: RouteUnresolved}, err
	}
	if owner.ID == r.nodes.Self().ID {
		rec, err := r.store.Get(ctx, kind, id)
		if err != nil {
			return Result{}, err
		}
		return Result{Route: RouteLocal, Record: rec}, nil
	}

	relay, err := r.forward(ctx, owner, http.MethodGet, "/"+kind+"/"+url.PathEscape(id), "", "", nil, "")
	if err != nil {
		return Result{Route: RouteForwarded}, err
	}
	return Result{Route: RouteForwarded, Relay: relay}, nil
}

// locate finds the fragment holding an existing record: its placement row
// first, then the strategy when the strategy is key-stable.
func (r *Router) locate(ctx context.Context, kind, id string) (cluster.NodeInfo, error) {
	rec, err := r.store.Get(ctx, storage.PlacementKind(kind), id)
	switch {
	case err == nil:
		var p placement
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return cluster.NodeInfo{}, fmt.Errorf("decode placement of %s: %w", id, err)
		}
		node, ok := r.nodes.Get(p.Fragment)
		if !ok {
			return cluster.NodeInfo{}, fmt.Errorf("%w: %s", coordinator.ErrNodeNotFound, p.Fragment)
		}
		return node, nil
	case !errors.Is(err, storage.ErrNotFound):
		return cluster.NodeInfo{}, err
	}

	if !r.resolver.Strategy().Stable() {
		return cluster.NodeInfo{}, storage.ErrNotFound
	}
	return r.resolver.Resolve(ctx, kind, id)
}

// List returns up to limit records of kind, newest first. The central node
// gathers them from every registered fragment; fragments that fail are
// skipped.
func (r *Router) List(ctx context.Context, kind string, limit int) ([]storage.Record, error) {
	if r.cfg.Role != cluster.RoleCentral {
		return r.store.List(ctx, kind, limit)
	}

	fragments := r.resolver.Fragments()
	results := make([][]storage.Record, len(fragments))
	query := "?limit=" + strconv.Itoa(limit)

	var g errgroup.Group
	for i, node := range fragments {
		g.Go(func() error {
			var records []storage.Record
			if err := r.client.GetJSON(ctx, node.URL+"/"+kind+query, &records); err != nil {
				level.Warn(r.logger).Log("msg", "skipping fragment in listing", "fragment", node.ID, "err", err)
				return nil
			}
			results[i] = records
			return nil
		})
	}
	_ = g.Wait()

	var merged []storage.Record
	for _, records := range results {
		merged = append(merged, records...)
	}
	storage.SortNewest(merged)
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	if merged == nil {
		merged = []storage.Record{}
	}
	return merged, nil
}

func (r *Router) count(route Route, result string) {
	if r.metrics != nil {
		r.metrics.RouterWrites.WithLabelValues(string(route), result).Inc()
	}
}

type placementCounter struct {
	store storage.Store
}

func (c placementCounter) Count(ctx context.Context, kind string) (int, error) {
	return c.store.Count(ctx, storage.PlacementKind(kind))
}

// PlacementCounter counts the writes the central node has routed per kind,
// for the round-robin strategy.
func PlacementCounter(store storage.Store) shard.Counter {
	return placementCounter{store: store}
}
