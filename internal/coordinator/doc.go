// Package coordinator implements cluster membership for relaydb: the node
// directory, the registration protocol, the discovery loop and the liveness
// sweeper. The router and the replicator read the directory to find out who
// the peers and fragments are; nothing in this package touches records.
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│                 COORDINATOR                  │
//	├──────────────────────────────────────────────┤
//	│                                              │
//	│  ┌────────────────────────────────────────┐  │
//	│  │ Directory                              │  │
//	│  │  - id → NodeInfo, url → id             │  │
//	│  │  - upsert with last-write-wins         │  │
//	│  │  - optional persistence (NodeStore)    │  │
//	│  └────────────────────────────────────────┘  │
//	│        ▲              ▲            ▲         │
//	│        │              │            │         │
//	│  ┌───────────┐  ┌───────────┐  ┌─────────┐   │
//	│  │ Registrar │  │ Discovery │  │ Sweeper │   │
//	│  │ inbound + │  │ periodic  │  │ marks   │   │
//	│  │ announce  │  │ announce  │  │ stale   │   │
//	│  └───────────┘  └───────────┘  └─────────┘   │
//	│                                              │
//	└──────────────────────────────────────────────┘
//
// # Directory
//
// Every entry is a cluster.NodeInfo. The ID is the identity; the URL is the
// secondary key used when registering. Registering a URL that is already
// known refreshes the existing entry (last_seen moves forward, status goes
// back to active) instead of adding a duplicate. The local node is always
// present and is never marked unreachable.
//
// # Registration Protocol
//
// Inbound, POST /nodes (or /register) with a NodeInfo body:
//
//	{"url":"http://10.0.0.7:8080","role":"fragment","id":"fragment2"}
//
// The id is optional and generated when absent. The stored entry is returned.
// First-time registrations are also announced to every seed, so a node only
// needs one reachable seed to become visible cluster-wide.
//
// Outbound, Announce posts the local NodeInfo to a peer. It is best-effort:
// failures come back as *cluster.NetworkError, are logged and counted, and
// are never retried inline. The next discovery tick is the retry.
//
// # Discovery
//
// Every DISCOVERY_INTERVAL (60s by default) the loop:
//
//  1. refreshes the local entry's last_seen
//  2. for each seed, concurrently: announce, then GET /nodes and upsert
//     every entry of the listing
//  3. waits for its own seed tasks, each bounded by the client timeout
//
// One seed failing never blocks the others.
//
// # Liveness
//
// Nothing in the protocol removes nodes. The sweeper marks an entry
// unreachable once its last_seen is older than STALE_AFTER (three discovery
// intervals by default). Any registration or listing with a newer last_seen
// makes it active again. Unreachable entries are still listed, and replication
// still targets them; the retry queue absorbs the failures.
//
// # Thread Safety
//
// All types are safe for concurrent use. The directory is the only shared
// mutable state of the cluster layer; its mutex is never held across network
// or storage I/O.
package coordinator
