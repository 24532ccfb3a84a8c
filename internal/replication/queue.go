package replication

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// Entry is one pending delivery of a record to a peer.
type Entry struct {
	EnqueuedAt time.Time `msgpack:"enqueued_at"`
	Peer       string    `msgpack:"peer"`
	Kind       string    `msgpack:"kind"`
	RecordID   string    `msgpack:"record_id"`
	LastError  string    `msgpack:"last_error"`
	// Attempts counts failed retries, not the initial push.
	Attempts int `msgpack:"attempts"`
}

// Key identifies an entry: one per (peer, kind, record id).
func (e Entry) Key() string {
	return e.Peer + "\x00" + e.Kind + "\x00" + e.RecordID
}

// Queue stores failed deliveries until they are acknowledged or abandoned.
// Implementations must be safe for concurrent use.
type Queue interface {
	// Enqueue adds e unless an entry with the same key exists, in which
	// case the existing entry is kept unchanged.
	Enqueue(ctx context.Context, e Entry) error
	// Peers returns the peers with pending entries.
	Peers(ctx context.Context) ([]string, error)
	// Pending returns up to limit entries for peer, oldest first.
	Pending(ctx context.Context, peer string, limit int) ([]Entry, error)
	// Update overwrites existing entries, typically after a failed attempt.
	Update(ctx context.Context, entries []Entry) error
	// Remove deletes entries.
	Remove(ctx context.Context, entries []Entry) error
	// Len returns the number of pending entries.
	Len(ctx context.Context) (int, error)
	Close() error
}

func sortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := a.EnqueuedAt.Compare(b.EnqueuedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Key(), b.Key())
	})
}

// MemoryQueue is a Queue that does not survive restarts.
type MemoryQueue struct {
	entries map[string]Entry
	mu      sync.Mutex
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: make(map[string]Entry)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[e.Key()]; !ok {
		q.entries[e.Key()] = e
	}
	return nil
}

func (q *MemoryQueue) Peers(_ context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var peers []string
	for _, e := range q.entries {
		if !slices.Contains(peers, e.Peer) {
			peers = append(peers, e.Peer)
		}
	}
	slices.Sort(peers)
	return peers, nil
}

func (q *MemoryQueue) Pending(_ context.Context, peer string, limit int) ([]Entry, error) {
	q.mu.Lock()
	var out []Entry
	for _, e := range q.entries {
		if e.Peer == peer {
			out = append(out, e)
		}
	}
	q.mu.Unlock()

	sortEntries(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *MemoryQueue) Update(_ context.Context, entries []Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range entries {
		if _, ok := q.entries[e.Key()]; ok {
			q.entries[e.Key()] = e
		}
	}
	return nil
}

func (q *MemoryQueue) Remove(_ context.Context, entries []Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range entries {
		delete(q.entries, e.Key())
	}
	return nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

func (q *MemoryQueue) Close() error { return nil }
