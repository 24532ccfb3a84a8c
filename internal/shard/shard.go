package shard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dreamware/relaydb/internal/cluster"
	"github.com/dreamware/relaydb/internal/coordinator"
)

// Strategy names accepted by New.
const (
	StrategyHash       = "hash"
	StrategyRoundRobin = "round_robin"
)

// ErrNoFragments is returned when the fragment count is not positive.
var ErrNoFragments = errors.New("fragment count must be greater than 0")

// Strategy picks the index of the fragment that owns a write.
type Strategy interface {
	// Index returns a fragment index in [0, Fragments()).
	Index(ctx context.Context, kind, key string) (int, error)
	// Fragments returns the fragment count.
	Fragments() int
	// Stable reports whether Index depends only on the key, in which case
	// it can also locate existing records.
	Stable() bool
	// Name returns the strategy name.
	Name() string
}

// HashStrategy routes by the last hex digit of the key.
type HashStrategy struct {
	fragments int
}

// NewHashStrategy creates a key-hash strategy over fragments fragments.
func NewHashStrategy(fragments int) (HashStrategy, error) {
	if fragments <= 0 {
		return HashStrategy{}, ErrNoFragments
	}
	return HashStrategy{fragments: fragments}, nil
}

// Index is HashIndex; it never fails.
func (s HashStrategy) Index(_ context.Context, _, key string) (int, error) {
	return HashIndex(key, s.fragments), nil
}

func (s HashStrategy) Fragments() int { return s.fragments }
func (s HashStrategy) Stable() bool   { return true }
func (s HashStrategy) Name() string   { return StrategyHash }

// HashIndex maps key to a fragment index: the value of the key's last hex
// digit modulo fragments. Dashes are ignored so a UUID's last digit is used.
// A last character that is not a hex digit contributes its byte value.
//
// The result is a pure function of (key, fragments). Changing the fragment
// count moves keys; rehashing is not supported.
func HashIndex(key string, fragments int) int {
	if fragments <= 0 {
		return 0
	}
	key = strings.TrimRight(key, "-")
	if key == "" {
		return 0
	}
	last := key[len(key)-1]
	value, err := strconv.ParseUint(string(last), 16, 8)
	if err != nil {
		value = uint64(last)
	}
	return int(value % uint64(fragments))
}

// Counter reports how many writes of a kind have been routed so far.
type Counter interface {
	Count(ctx context.Context, kind string) (int, error)
}

// RoundRobinStrategy routes the n-th write of a kind to fragment n mod F,
// where n is read from a Counter immediately before each write.
//
// Two concurrent writes can read the same count and land on the same
// fragment. Balance is approximate under concurrency and exact for
// sequential writes; nothing depends on it being perfect.
type RoundRobinStrategy struct {
	counter   Counter
	fragments int
}

// NewRoundRobinStrategy creates a round-robin strategy.
func NewRoundRobinStrategy(fragments int, counter Counter) (RoundRobinStrategy, error) {
	if fragments <= 0 {
		return RoundRobinStrategy{}, ErrNoFragments
	}
	if counter == nil {
		return RoundRobinStrategy{}, errors.New("round robin strategy requires a counter")
	}
	return RoundRobinStrategy{fragments: fragments, counter: counter}, nil
}

// Index returns count(kind) mod F.
func (s RoundRobinStrategy) Index(ctx context.Context, kind, _ string) (int, error) {
	n, err := s.counter.Count(ctx, kind)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", kind, err)
	}
	return n % s.fragments, nil
}

func (s RoundRobinStrategy) Fragments() int { return s.fragments }
func (s RoundRobinStrategy) Stable() bool   { return false }
func (s RoundRobinStrategy) Name() string   { return StrategyRoundRobin }

// New builds the strategy called name. counter is only used by round robin.
func New(name string, fragments int, counter Counter) (Strategy, error) {
	switch name {
	case StrategyHash, "":
		return NewHashStrategy(fragments)
	case StrategyRoundRobin:
		return NewRoundRobinStrategy(fragments, counter)
	default:
		return nil, fmt.Errorf("unknown shard strategy %q", name)
	}
}

// FragmentName is the node id of the fragment with the given zero-based
// index: fragment1 for index 0.
func FragmentName(index int) string {
	return "fragment" + strconv.Itoa(index+1)
}

// NodeLookup finds a node by id. *coordinator.Directory implements it.
type NodeLookup interface {
	Get(id string) (cluster.NodeInfo, bool)
}

// Resolver turns a key into the fragment node that owns it.
type Resolver struct {
	strategy Strategy
	nodes    NodeLookup
}

// NewResolver creates a resolver.
func NewResolver(strategy Strategy, nodes NodeLookup) *Resolver {
	return &Resolver{strategy: strategy, nodes: nodes}
}

// Strategy returns the resolver's strategy.
func (r *Resolver) Strategy() Strategy { return r.strategy }

// Resolve picks the owner of a new write. It fails with an error wrapping
// coordinator.ErrNodeNotFound when the chosen fragment is not registered.
func (r *Resolver) Resolve(ctx context.Context, kind, key string) (cluster.NodeInfo, error) {
	idx, err := r.strategy.Index(ctx, kind, key)
	if err != nil {
		return cluster.NodeInfo{}, err
	}
	return r.Fragment(idx)
}

// Fragment returns the registered node for a fragment index.
func (r *Resolver) Fragment(index int) (cluster.NodeInfo, error) {
	name := FragmentName(index)
	node, ok := r.nodes.Get(name)
	if !ok {
		return cluster.NodeInfo{}, fmt.Errorf("%w: %s", coordinator.ErrNodeNotFound, name)
	}
	return node, nil
}

// Fragments returns every registered fragment node, in index order.
// Missing fragments are skipped.
func (r *Resolver) Fragments() []cluster.NodeInfo {
	var out []cluster.NodeInfo
	for i := 0; i < r.strategy.Fragments(); i++ {
		if node, ok := r.nodes.Get(FragmentName(i)); ok {
			out = append(out, node)
		}
	}
	return out
}
