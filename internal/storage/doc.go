// Package storage implements the record table behind every relaydb node.
//
// # Overview
//
// The cluster layer only needs five operations from storage, captured by
// the Store interface:
//
//	Insert          strict insert, ErrExists on a duplicate id
//	InsertIfAbsent  idempotent merge used by /sync
//	Get             read by (kind, id)
//	List            newest first, bounded by a limit
//	Count           rows of one kind (round-robin sharding reads this)
//
// Records are grouped by kind ("posts", "users", "comments"). The central
// node of a sharded cluster also writes "<kind>_placements" rows that map a
// record id to the fragment that owns it.
//
// # Idempotence
//
// InsertIfAbsent never overwrites. Applying the same replicated record any
// number of times, in any order, leaves exactly one copy with the
// created_at and origin_node of the first write. This is what makes
// duplicate delivery from the retry queue safe.
//
// # Backends
//
//	memory  maps guarded by a RWMutex; tests and single-process runs
//	bolt    one bbolt file, bucket per kind, msgpack values
//	redis   SETNX per record plus a sorted-set index per kind
//	mysql   INSERT IGNORE on a (kind, id) primary key
//
// Memory, bolt, redis and mysql stores also persist node directory entries
// through SaveNode and LoadNodes.
//
// # Thread Safety
//
// Every backend is safe for concurrent use. Returned records are copies;
// mutating them does not affect stored data.
//
// # Example
//
//	store, err := storage.Open(ctx, storage.BackendBolt, "/var/lib/relaydb/node.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	inserted, err := store.InsertIfAbsent(ctx, rec)
package storage
