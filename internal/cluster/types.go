package cluster

import (
	"strings"
	"time"
)

// Role describes what a node does in the topology.
type Role string

const (
	// RolePeer accepts writes locally and replicates them to every peer.
	RolePeer Role = "peer"
	// RoleCentral routes writes to fragments and stores no sharded records.
	RoleCentral Role = "central"
	// RoleFragment owns a disjoint subset of records in the sharded topology.
	RoleFragment Role = "fragment"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RolePeer, RoleCentral, RoleFragment:
		return true
	}
	return false
}

// Status is the liveness of a directory entry as seen by the local node.
type Status string

const (
	StatusActive      Status = "active"
	StatusUnreachable Status = "unreachable"
)

// NodeInfo is one entry of the node directory and the body of a
// registration request. ID is optional when registering.
type NodeInfo struct {
	LastSeen time.Time `json:"last_seen"`
	ID       string    `json:"id"`
	URL      string    `json:"url"`
	Role     Role      `json:"role,omitempty"`
	Status   Status    `json:"status,omitempty"`
}

// NormalizeURL trims whitespace and trailing slashes so that
// "http://a:1/" and "http://a:1" name the same node.
func NormalizeURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

// SplitURLs parses a comma separated peer list, dropping empty items.
func SplitURLs(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if u := NormalizeURL(part); u != "" {
			out = append(out, u)
		}
	}
	return out
}
