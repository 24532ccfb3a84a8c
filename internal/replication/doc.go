// Package replication copies records between nodes.
//
// Outbound, Replicator.Replicate pushes a newly created record to every
// peer's /sync endpoint as a one-element batch. It is fire-and-forget: the
// write was already committed locally and acknowledged to the client, and
// the fan-out runs on its own goroutine with one push per peer, each bounded
// by the client timeout.
//
// Inbound, Replicator.Merge applies a batch with InsertIfAbsent. A record
// whose id is already stored is left untouched, so duplicate delivery and
// reordering are harmless:
//
//	push r1 ──► peer: insert r1          (applied)
//	retry r1 ─► peer: r1 exists, no-op   (ignored, still 200)
//
// # Retries
//
// A failed push is not dropped. It is recorded in a Queue as a
// (peer, kind, record id) entry and the RetryWorker redelivers it:
//
//   - every RETRY_INTERVAL each peer with pending entries is drained
//     concurrently, in batches of up to RETRY_BATCH records
//   - records are re-read from the local store at delivery time
//   - failed batches back off exponentially (dskit backoff) and bump the
//     attempt count; entries reaching RETRY_MAX_ATTEMPTS are dropped
//   - entries whose record no longer exists locally are dropped
//
// The bolt queue survives restarts; the memory queue does not.
package replication
