// Package coordinator implements cluster membership for relaydb.
// See doc.go for complete package documentation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/dreamware/relaydb/internal/cluster"
	"github.com/dreamware/relaydb/internal/metrics"
)

var (
	// ErrNodeNotFound is returned when no directory entry matches an id.
	ErrNodeNotFound = errors.New("node not found")
	// ErrInvalidNode is returned for registrations without a usable url.
	ErrInvalidNode = errors.New("invalid node")
)

// persistTimeout bounds a single SaveNode call.
const persistTimeout = 2 * time.Second

// NodeStore persists directory entries across restarts.
// Every storage backend implements it.
type NodeStore interface {
	SaveNode(ctx context.Context, node cluster.NodeInfo) error
	LoadNodes(ctx context.Context) ([]cluster.NodeInfo, error)
}

// Directory is the table of known nodes, the local node included.
//
// Entries are keyed by ID, with URL as a secondary key:
//
//	┌──────────────────────────────────────────────┐
//	│                 Directory                    │
//	├──────────────────────────────────────────────┤
//	│  byID:  "fragment1" → {url, role, last_seen} │
//	│  byURL: "http://10.0.0.5:8080" → "fragment1" │
//	├──────────────────────────────────────────────┤
//	│  Upsert: url known   → refresh last_seen     │
//	│          url unknown → insert (id assigned)  │
//	└──────────────────────────────────────────────┘
//
// Concurrency Model:
//   - Every mutation holds mu, so concurrent upserts of one url serialize
//   - Readers get copies and never alias stored entries
//   - Persistence runs outside mu; persistMu keeps saves of one entry in order
//
// Entries are never deleted. Sweep marks stale ones unreachable and the next
// registration with a newer last_seen makes them active again.
type Directory struct {
	byID    map[string]*cluster.NodeInfo
	byURL   map[string]string
	store   NodeStore
	logger  log.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	selfID  string

	mu        sync.RWMutex
	persistMu sync.Mutex
}

// NewDirectory builds a directory containing self and, when store is not
// nil, every entry persisted by a previous run. Load failures are logged and
// the directory starts with self only.
//
// An entry persisted under self's URL but a different ID (a restart without
// a fixed NODE_ID) is replaced by self.
//
// Example:
//
//	dir := NewDirectory(ctx, cluster.NodeInfo{ID: cfg.NodeID, URL: cfg.PublicURL, Role: cfg.Role},
//	    store, logger, m)
func NewDirectory(ctx context.Context, self cluster.NodeInfo, store NodeStore, logger log.Logger, m *metrics.Metrics) *Directory {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	d := &Directory{
		byID:    make(map[string]*cluster.NodeInfo),
		byURL:   make(map[string]string),
		store:   store,
		logger:  log.With(logger, "component", "directory"),
		metrics: m,
		now:     time.Now,
	}

	if store != nil {
		nodes, err := store.LoadNodes(ctx)
		if err != nil {
			level.Warn(d.logger).Log("msg", "failed to load persisted nodes", "err", err)
		}
		for _, n := range nodes {
			n.URL = cluster.NormalizeURL(n.URL)
			if n.ID == "" || n.URL == "" {
				continue
			}
			d.put(n)
		}
		if len(nodes) > 0 {
			level.Info(d.logger).Log("msg", "loaded persisted nodes", "count", len(nodes))
		}
	}

	self.URL = cluster.NormalizeURL(self.URL)
	if self.ID == "" {
		self.ID = uuid.NewString()
	}
	if self.Role == "" {
		self.Role = cluster.RolePeer
	}
	self.Status = cluster.StatusActive
	self.LastSeen = d.now().UTC()

	d.mu.Lock()
	d.put(self)
	d.selfID = self.ID
	d.observe()
	d.mu.Unlock()

	d.persist(ctx, self.ID)
	return d
}

// put stores n under both keys, replacing any entry with the same id or the
// same url. Must be called with mu held (or before the directory is shared).
func (d *Directory) put(n cluster.NodeInfo) {
	if old, ok := d.byID[n.ID]; ok && old.URL != n.URL {
		delete(d.byURL, old.URL)
	}
	if oldID, ok := d.byURL[n.URL]; ok && oldID != n.ID {
		delete(d.byID, oldID)
	}
	entry := n
	d.byID[n.ID] = &entry
	d.byURL[n.URL] = n.ID
}

// Upsert inserts info if its URL is unseen, otherwise refreshes the
// matching entry. Returns the stored entry and whether it was created.
//
// Refresh semantics are last-write-wins on LastSeen: the existing entry only
// takes the incoming LastSeen (and becomes active) when it is newer. A zero
// LastSeen means "now". An unseen URL carrying an ID that is already known
// moves that entry to the new URL when its LastSeen is newer; nodes keep
// their identity across address changes. Claims to the local node's ID from
// another URL are ignored and return the local entry.
//
// Persistence failures are logged, never returned.
func (d *Directory) Upsert(ctx context.Context, info cluster.NodeInfo) (cluster.NodeInfo, bool) {
	info.URL = cluster.NormalizeURL(info.URL)
	if info.LastSeen.IsZero() {
		info.LastSeen = d.now()
	}
	info.LastSeen = info.LastSeen.UTC()

	d.mu.Lock()
	stored, created := d.upsertLocked(info)
	d.observe()
	d.mu.Unlock()

	d.persist(ctx, stored.ID)
	return stored, created
}

func (d *Directory) upsertLocked(info cluster.NodeInfo) (cluster.NodeInfo, bool) {
	if id, ok := d.byURL[info.URL]; ok {
		existing := d.byID[id]
		if info.LastSeen.After(existing.LastSeen) {
			existing.LastSeen = info.LastSeen
			existing.Status = cluster.StatusActive
		}
		if info.Role.Valid() && id != d.selfID {
			existing.Role = info.Role
		}
		return *existing, false
	}

	if info.ID != "" {
		if existing, ok := d.byID[info.ID]; ok {
			// Our own id at another url is a stale address of ours that a
			// peer still remembers. It is never a separate node.
			if info.ID == d.selfID {
				level.Debug(d.logger).Log("msg", "ignoring foreign url for self", "url", info.URL)
				return *existing, false
			}
			// An older sighting must not move a node back to an address it
			// has left.
			if !info.LastSeen.After(existing.LastSeen) {
				return *existing, false
			}
			level.Info(d.logger).Log("msg", "node moved", "node_id", info.ID, "from", existing.URL, "to", info.URL)
			moved := *existing
			moved.URL = info.URL
			moved.LastSeen = info.LastSeen
			moved.Status = cluster.StatusActive
			if info.Role.Valid() {
				moved.Role = info.Role
			}
			d.put(moved)
			return moved, false
		}
	}

	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	if !info.Role.Valid() {
		info.Role = cluster.RolePeer
	}
	if info.Status != cluster.StatusUnreachable {
		info.Status = cluster.StatusActive
	}
	d.put(info)
	level.Info(d.logger).Log("msg", "node added", "node_id", info.ID, "url", info.URL, "role", info.Role)
	return info, true
}

// Heartbeat refreshes the local node's own entry.
func (d *Directory) Heartbeat(ctx context.Context) cluster.NodeInfo {
	d.mu.Lock()
	self := d.byID[d.selfID]
	self.LastSeen = d.now().UTC()
	self.Status = cluster.StatusActive
	out := *self
	d.mu.Unlock()

	d.persist(ctx, out.ID)
	return out
}

// Self returns the local node's entry.
func (d *Directory) Self() cluster.NodeInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return *d.byID[d.selfID]
}

// Get returns the entry with the given id.
func (d *Directory) Get(id string) (cluster.NodeInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.byID[id]
	if !ok {
		return cluster.NodeInfo{}, false
	}
	return *n, true
}

// Lookup returns the entry registered under url.
func (d *Directory) Lookup(url string) (cluster.NodeInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byURL[cluster.NormalizeURL(url)]
	if !ok {
		return cluster.NodeInfo{}, false
	}
	return *d.byID[id], true
}

// List returns a copy of every entry, sorted by id.
func (d *Directory) List() []cluster.NodeInfo {
	d.mu.RLock()
	out := make([]cluster.NodeInfo, 0, len(d.byID))
	for _, n := range d.byID {
		out = append(out, *n)
	}
	d.mu.RUnlock()

	slices.SortFunc(out, func(a, b cluster.NodeInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Peers returns every entry except the local node, sorted by id.
func (d *Directory) Peers() []cluster.NodeInfo {
	all := d.List()
	return slices.DeleteFunc(all, func(n cluster.NodeInfo) bool { return n.ID == d.selfID })
}

// MarkUnreachable flags the entry as unreachable. The local node cannot be
// marked.
func (d *Directory) MarkUnreachable(ctx context.Context, id string) error {
	d.mu.Lock()
	n, ok := d.byID[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	changed := id != d.selfID && n.Status != cluster.StatusUnreachable
	if changed {
		n.Status = cluster.StatusUnreachable
		d.observe()
	}
	d.mu.Unlock()

	if changed {
		level.Warn(d.logger).Log("msg", "node marked unreachable", "node_id", id)
		d.persist(ctx, id)
	}
	return nil
}

// Sweep marks every active entry other than self whose LastSeen is older
// than now-threshold as unreachable, returning the ids it changed.
func (d *Directory) Sweep(ctx context.Context, threshold time.Duration, now time.Time) []string {
	cutoff := now.Add(-threshold)

	d.mu.Lock()
	var changed []string
	for id, n := range d.byID {
		if id == d.selfID || n.Status == cluster.StatusUnreachable {
			continue
		}
		if n.LastSeen.Before(cutoff) {
			n.Status = cluster.StatusUnreachable
			changed = append(changed, id)
		}
	}
	if len(changed) > 0 {
		d.observe()
	}
	d.mu.Unlock()

	slices.Sort(changed)
	for _, id := range changed {
		d.persist(ctx, id)
	}
	return changed
}

// observe updates the directory gauge. Must be called with mu held.
func (d *Directory) observe() {
	if d.metrics == nil {
		return
	}
	counts := map[cluster.Status]int{cluster.StatusActive: 0, cluster.StatusUnreachable: 0}
	for _, n := range d.byID {
		counts[n.Status]++
	}
	for status, n := range counts {
		d.metrics.DirectoryNodes.WithLabelValues(string(status)).Set(float64(n))
	}
}

// persist saves the current state of one entry. Saves are serialized so the
// last write to reach the store is always the newest state.
func (d *Directory) persist(ctx context.Context, id string) {
	if d.store == nil {
		return
	}
	d.persistMu.Lock()
	defer d.persistMu.Unlock()

	n, ok := d.Get(id)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := d.store.SaveNode(ctx, n); err != nil {
		level.Warn(d.logger).Log("msg", "failed to persist node", "node_id", id, "err", err)
	}
}
