// Package cluster holds the types and the transport shared by every node of
// a relaydb cluster: node identity, roles, liveness and the outbound JSON
// client used for registration, discovery, replication and forwarding.
//
// # Topologies
//
// Two topologies are supported:
//
//	Flat replication (role=peer)          Sharded (role=central/fragment)
//
//	  ┌────────┐      ┌────────┐                 ┌─────────┐
//	  │ peer a │◄────►│ peer b │                 │ central │
//	  └───▲────┘      └────▲───┘                 └────┬────┘
//	      │   ┌────────┐   │              ┌──────────┼──────────┐
//	      └──►│ peer c │◄──┘              ▼          ▼          ▼
//	          └────────┘            fragment1  fragment2  fragment3
//
// Every peer accepts writes and pushes copies to every other peer. In the
// sharded topology the central node computes the owning fragment for each
// write and forwards the request there.
//
// # Node Identity
//
// A NodeInfo is identified by its ID. Its URL is the secondary key used at
// registration time: registering a URL that is already known refreshes the
// existing entry instead of creating a duplicate. Fragment nodes use the
// IDs fragment1..fragmentN so the central node can find them by name.
//
// # Transport
//
// Client wraps net/http with:
//   - a bounded timeout on every call (default 5s)
//   - one circuit breaker per peer, so a dead peer fails fast
//   - NetworkError for transport failures, timeouts and non-2xx responses
//
// NetworkError is never fatal. Callers log it, count it and move on; the
// replication layer additionally queues the failed delivery for retry.
//
// # Wire Format
//
// All bodies are JSON. NodeInfo is encoded as:
//
//	{"id":"fragment1","url":"http://10.0.0.5:8080","role":"fragment",
//	 "status":"active","last_seen":"2024-05-01T12:00:00Z"}
package cluster
