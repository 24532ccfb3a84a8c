package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/relaydb/internal/cluster"
	"github.com/dreamware/relaydb/internal/coordinator"
	"github.com/dreamware/relaydb/internal/metrics"
	"github.com/dreamware/relaydb/internal/replication"
	"github.com/dreamware/relaydb/internal/router"
	"github.com/dreamware/relaydb/internal/shard"
	"github.com/dreamware/relaydb/internal/storage"
)

type testNode struct {
	srv   *httptest.Server
	dir   *coordinator.Directory
	store *storage.MemoryStore
}

// newTestNode starts a node of the given role with id. Its URL is known
// before the directory is built.
func newTestNode(t *testing.T, id string, role cluster.Role) *testNode {
	t.Helper()
	ctx := context.Background()
	srv := httptest.NewUnstartedServer(nil)
	self := cluster.NodeInfo{ID: id, URL: "http://" + srv.Listener.Addr().String(), Role: role}

	client := cluster.NewClient(cluster.ClientConfig{Timeout: time.Second})
	store := storage.NewMemoryStore()
	dir := coordinator.NewDirectory(ctx, self, nil, nil, nil)
	m := metrics.New()
	repl := replication.New(store, dir, client, nil, nil, m)

	var resolver *shard.Resolver
	if role == cluster.RoleCentral {
		s, err := shard.New(shard.StrategyHash, 3, router.PlacementCounter(store))
		require.NoError(t, err)
		resolver = shard.NewResolver(s, dir)
	}
	rt, err := router.New(router.Config{Role: role}, dir, store, repl, resolver, client, nil, m)
	require.NoError(t, err)

	a := New(dir, coordinator.NewRegistrar(dir, client, nil, nil, m), repl, rt, m, nil)
	srv.Config.Handler = a.Handler()
	srv.Start()
	t.Cleanup(srv.Close)
	return &testNode{srv: srv, dir: dir, store: store}
}

func (n *testNode) do(t *testing.T, method, path, body string, header ...string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, n.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealth(t *testing.T) {
	n := newTestNode(t, "node-a", cluster.RolePeer)
	resp, body := n.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","node_id":"node-a","role":"peer"}`, string(body))
}

func TestRegisterAndList(t *testing.T) {
	n := newTestNode(t, "node-a", cluster.RolePeer)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"new node", "/nodes", `{"url":"http://b:1"}`, http.StatusCreated},
		{"same url again", "/register", `{"url":"http://b:1"}`, http.StatusOK},
		{"bad json", "/nodes", `{"url":`, http.StatusBadRequest},
		{"empty url", "/nodes", `{"id":"x"}`, http.StatusBadRequest},
		{"bad role", "/nodes", `{"url":"http://c:1","role":"leader"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := n.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(body))
		})
	}

	resp, body := n.do(t, http.MethodGet, "/nodes", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var nodes []cluster.NodeInfo
	require.NoError(t, json.Unmarshal(body, &nodes))
	assert.Len(t, nodes, 2)
}

func TestSync(t *testing.T) {
	n := newTestNode(t, "node-a", cluster.RolePeer)
	rec := storage.Record{
		ID:         uuid.NewString(),
		Kind:       "posts",
		Payload:    json.RawMessage(`{"content":"hi","author":"ana"}`),
		CreatedAt:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		OriginNode: "node-b",
	}
	batch, err := json.Marshal([]storage.Record{rec})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		resp, body := n.do(t, http.MethodPost, "/sync", string(batch))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"status":"synced"}`, string(body))
	}
	count, _ := n.store.Count(context.Background(), "posts")
	assert.Equal(t, 1, count)

	resp, _ := n.do(t, http.MethodPost, "/sync", `[{"id":"nope","kind":"posts"}]`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateValidation(t *testing.T) {
	n := newTestNode(t, "node-a", cluster.RolePeer)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"post", "/posts", `{"content":"hi","author":"ana"}`, http.StatusCreated},
		{"post without author", "/posts", `{"content":"hi"}`, http.StatusBadRequest},
		{"user", "/users", `{"username":"ana","email":"ana@example.com"}`, http.StatusCreated},
		{"user bad email", "/users", `{"username":"ana","email":"ana"}`, http.StatusBadRequest},
		{"comment", "/comments", `{"post_id":"p1","author":"ana","content":"hi"}`, http.StatusCreated},
		{"comment without post", "/comments", `{"author":"ana","content":"hi"}`, http.StatusBadRequest},
		{"bad json", "/posts", `{`, http.StatusBadRequest},
		{"unknown kind", "/widgets", `{}`, http.StatusNotFound},
		{"placement kind", "/posts_placements", `{}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := n.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(body))
		})
	}
}

func TestCreateGetList(t *testing.T) {
	n := newTestNode(t, "node-a", cluster.RolePeer)

	resp, body := n.do(t, http.MethodPost, "/posts", `{"content":"hi","author":"ana","extra":1}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created storage.Record
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "node-a", created.OriginNode)
	assert.JSONEq(t, `{"content":"hi","author":"ana"}`, string(created.Payload))

	resp, body = n.do(t, http.MethodGet, "/posts/"+created.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got storage.Record
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, created.ID, got.ID)

	resp, body = n.do(t, http.MethodGet, "/posts/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), `"error"`)

	resp, body = n.do(t, http.MethodGet, "/posts?limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var records []storage.Record
	require.NoError(t, json.Unmarshal(body, &records))
	assert.Len(t, records, 1)

	resp, body = n.do(t, http.MethodGet, "/users", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	resp, _ = n.do(t, http.MethodGet, "/posts?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFragmentHonoursRecordID(t *testing.T) {
	n := newTestNode(t, "fragment1", cluster.RoleFragment)
	id := uuid.NewString()

	resp, body := n.do(t, http.MethodPost, "/posts", `{"content":"hi","author":"ana"}`, router.HeaderRecordID, id)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var rec storage.Record
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, id, rec.ID)

	resp, _ = n.do(t, http.MethodPost, "/posts", `{"content":"hi","author":"ana"}`, router.HeaderRecordID, id)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = n.do(t, http.MethodPost, "/posts", `{"content":"hi","author":"ana"}`, router.HeaderRecordID, "bad")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestCentralRelaysFragmentResponse verifies the client sees exactly what
// the owning fragment answered.
func TestCentralRelaysFragmentResponse(t *testing.T) {
	central := newTestNode(t, "central", cluster.RoleCentral)
	ctx := context.Background()
	var fragments []*testNode
	for i := 0; i < 3; i++ {
		f := newTestNode(t, shard.FragmentName(i), cluster.RoleFragment)
		central.dir.Upsert(ctx, f.dir.Self())
		fragments = append(fragments, f)
	}

	resp, body := central.do(t, http.MethodPost, "/posts", `{"content":"hi","author":"ana"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var rec storage.Record
	require.NoError(t, json.Unmarshal(body, &rec))

	owner := fragments[shard.HashIndex(rec.ID, 3)]
	assert.Equal(t, owner.dir.Self().ID, rec.OriginNode)

	direct, directBody := owner.do(t, http.MethodGet, "/posts/"+rec.ID, "")
	require.Equal(t, http.StatusOK, direct.StatusCode)
	var stored storage.Record
	require.NoError(t, json.Unmarshal(directBody, &stored))
	assert.Equal(t, rec.ID, stored.ID)

	// The relayed body is the fragment's response, byte for byte.
	assert.Equal(t, string(bytes.TrimSpace(directBody)), string(bytes.TrimSpace(body)))

	resp, body = central.do(t, http.MethodGet, "/posts/"+rec.ID, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(directBody), string(body))

	resp, body = central.do(t, http.MethodGet, "/posts", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed []storage.Record
	require.NoError(t, json.Unmarshal(body, &listed))
	assert.Len(t, listed, 1)
}

func TestCentralWithoutFragments(t *testing.T) {
	central := newTestNode(t, "central", cluster.RoleCentral)
	resp, body := central.do(t, http.MethodPost, "/posts", `{"content":"hi","author":"ana"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "fragment")

	// Validation happens before routing.
	resp, _ = central.do(t, http.MethodPost, "/posts", `{"content":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCentralUnreachableFragment(t *testing.T) {
	central := newTestNode(t, "central", cluster.RoleCentral)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		dead := httptest.NewServer(http.NotFoundHandler())
		dead.Close()
		central.dir.Upsert(ctx, cluster.NodeInfo{ID: shard.FragmentName(i), URL: dead.URL, Role: cluster.RoleFragment})
	}
	resp, _ := central.do(t, http.MethodPost, "/posts", `{"content":"hi","author":"ana"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	n := newTestNode(t, "node-a", cluster.RolePeer)
	n.do(t, http.MethodPost, "/posts", `{"content":"hi","author":"ana"}`)

	resp, body := n.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "router_writes_total")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{coordinator.ErrNodeNotFound, http.StatusServiceUnavailable},
		{&cluster.NetworkError{Op: "POST", URL: "http://x", Err: io.EOF}, http.StatusBadGateway},
		{storage.ErrNotFound, http.StatusNotFound},
		{storage.ErrInvalidRecord, http.StatusBadRequest},
		{coordinator.ErrInvalidNode, http.StatusBadRequest},
		{&ValidationError{Field: "limit", Reason: "bad"}, http.StatusBadRequest},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusFor(tt.err), tt.err.Error())
	}
}
