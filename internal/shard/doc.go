// Package shard decides which fragment node owns a write in the sharded
// topology.
//
// # Overview
//
// The central node never stores sharded records. For every write it asks a
// Resolver for the owner, then forwards the request there:
//
//	key ──► Strategy.Index ──► FragmentName ──► Directory.Get ──► NodeInfo
//	        (0..F-1)           "fragment{n}"     by node id
//
// Fragments are found by naming convention: the fragment with index i must
// register under the id "fragment{i+1}". A fragment that is not registered
// yields coordinator.ErrNodeNotFound, which the router reports as 503.
//
// # Strategies
//
// Key hash (the default):
//
//	index = value(last hex digit of key) mod F
//
// With UUID keys this is deterministic: the same key and fragment count
// always select the same fragment, so reads can locate records without any
// lookup. Changing F moves keys; rehashing is out of scope.
//
// Round robin:
//
//	index = count(kind) mod F
//
// The count is read immediately before each write. Sequential writes spread
// exactly evenly (M/F ± 1 per fragment). Concurrent writes may read the
// same count and pick the same fragment; this is an accepted approximation,
// not a correctness problem, since nothing depends on perfect balance.
// Because the index depends on history, round robin cannot locate existing
// records; the router keeps a placement row per write for that.
//
// # Example
//
//	strategy, err := shard.New(shard.StrategyHash, 3, nil)
//	if err != nil {
//	    return err
//	}
//	resolver := shard.NewResolver(strategy, dir)
//	owner, err := resolver.Resolve(ctx, "posts", rec.ID)
package shard
