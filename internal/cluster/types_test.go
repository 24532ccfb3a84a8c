package cluster

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNodeInfoJSON checks the field names other nodes depend on.
func TestNodeInfoJSON(t *testing.T) {
	seen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	node := NodeInfo{
		ID:       "fragment1",
		URL:      "http://localhost:8081",
		Role:     RoleFragment,
		Status:   StatusActive,
		LastSeen: seen,
	}

	data, err := json.Marshal(node)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "fragment1", fields["id"])
	assert.Equal(t, "http://localhost:8081", fields["url"])
	assert.Equal(t, "fragment", fields["role"])
	assert.Equal(t, "active", fields["status"])
	assert.Equal(t, "2024-05-01T12:00:00Z", fields["last_seen"])
}

// TestNodeInfoWithoutID verifies that a registration body may omit the id.
func TestNodeInfoWithoutID(t *testing.T) {
	var node NodeInfo
	require.NoError(t, json.Unmarshal([]byte(`{"url":"http://b:9000"}`), &node))

	assert.Empty(t, node.ID)
	assert.Equal(t, "http://b:9000", node.URL)
	assert.True(t, node.LastSeen.IsZero())
}

func TestRoleValid(t *testing.T) {
	tests := []struct {
		role Role
		want bool
	}{
		{RolePeer, true},
		{RoleCentral, true},
		{RoleFragment, true},
		{Role(""), false},
		{Role("leader"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.role.Valid())
		})
	}
}

func TestSplitURLs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{name: "empty", raw: "", want: nil},
		{name: "single", raw: "http://a:1", want: []string{"http://a:1"}},
		{name: "spaces and trailing slash", raw: " http://a:1/ , http://b:2", want: []string{"http://a:1", "http://b:2"}},
		{name: "empty items dropped", raw: "http://a:1,,", want: []string{"http://a:1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitURLs(tt.raw))
		})
	}
}
