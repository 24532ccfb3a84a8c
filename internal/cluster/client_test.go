package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var in NodeInfo
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		in.ID = "assigned"
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(in)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Timeout: time.Second})
	var out NodeInfo
	err := c.PostJSON(context.Background(), srv.URL+"/nodes", NodeInfo{URL: "http://me:1"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "assigned", out.ID)
	assert.Equal(t, "http://me:1", out.URL)
}

func TestClientNon2xxIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Timeout: time.Second})
	err := c.GetJSON(context.Background(), srv.URL+"/nodes", &[]NodeInfo{})
	require.Error(t, err)

	var ne *NetworkError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, http.StatusServiceUnavailable, ne.StatusCode)
	assert.Equal(t, http.MethodGet, ne.Op)
	assert.True(t, IsNetworkError(err))
}

func TestClientTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(ClientConfig{Timeout: 50 * time.Millisecond})
	start := time.Now()
	err := c.PostJSON(context.Background(), srv.URL+"/sync", []string{"x"}, nil)

	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClientUnreachablePeer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := NewClient(ClientConfig{Timeout: time.Second})
	err := c.PostJSON(context.Background(), addr+"/nodes", NodeInfo{}, nil)
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
}

// TestClientBreakerOpens verifies calls fail fast once a peer has failed
// BreakerFailures times in a row.
func TestClientBreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := NewClient(ClientConfig{
		Timeout:         time.Second,
		BreakerFailures: 2,
		BreakerOpenFor:  time.Minute,
	})
	for i := 0; i < 2; i++ {
		require.Error(t, c.GetJSON(context.Background(), addr+"/nodes", nil))
	}

	err := c.GetJSON(context.Background(), addr+"/nodes", nil)
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
	assert.Contains(t, err.Error(), "circuit breaker is open")
}

// TestClientBreakerIgnoresHTTPStatus checks that a peer answering with
// errors is still reachable: status codes never trip the breaker.
func TestClientBreakerIgnoresHTTPStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Timeout: time.Second, BreakerFailures: 1})
	for i := 0; i < 3; i++ {
		require.Error(t, c.GetJSON(context.Background(), srv.URL, nil))
	}
	assert.Equal(t, int32(3), hits.Load())
}

// TestClientBreakerIgnoresCanceledCalls checks that a caller abandoning a
// request does not count against the peer.
func TestClientBreakerIgnoresCanceledCalls(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Timeout: time.Second, BreakerFailures: 1, BreakerOpenFor: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.GetJSON(ctx, srv.URL, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	require.NoError(t, c.GetJSON(context.Background(), srv.URL, nil))
	assert.Equal(t, int32(1), hits.Load())
}
