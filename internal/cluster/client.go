package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// NetworkError is returned for every failed outbound call: transport
// errors, timeouts, an open circuit breaker and non-2xx responses.
// It is never fatal to the caller.
type NetworkError struct {
	Err        error
	Op         string
	URL        string
	StatusCode int
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: http %d", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err wraps a *NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// ClientConfig configures outbound calls.
type ClientConfig struct {
	// Timeout bounds each call end to end, including reading the body.
	Timeout time.Duration
	// BreakerFailures is the number of consecutive transport failures
	// after which calls to that peer fail fast. Zero disables breaking.
	BreakerFailures uint32
	// BreakerOpenFor is how long a tripped breaker stays open.
	BreakerOpenFor time.Duration
}

// Client performs JSON calls between nodes. One breaker is kept per peer
// (scheme + host) so that one dead peer does not slow calls to the others.
type Client struct {
	http     *http.Client
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
	cfg      ClientConfig
	mu       sync.Mutex
}

// NewClient creates a client. A zero Timeout defaults to 5s.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BreakerOpenFor <= 0 {
		cfg.BreakerOpenFor = 30 * time.Second
	}
	return &Client{
		http:     &http.Client{Timeout: cfg.Timeout},
		breakers: make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
		cfg:      cfg,
	}
}

// Timeout returns the per-call deadline.
func (c *Client) Timeout() time.Duration { return c.cfg.Timeout }

func (c *Client) breaker(target *url.URL) *gobreaker.CircuitBreaker[*http.Response] {
	if c.cfg.BreakerFailures == 0 {
		return nil
	}
	key := target.Scheme + "://" + target.Host

	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[key]; ok {
		return cb
	}
	threshold := c.cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     c.cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A caller giving up is not a failure of the peer.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	c.breakers[key] = cb
	return cb
}

// Do sends req through the peer's breaker. Any response, whatever its
// status, is returned as-is; only transport failures become errors.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	send := func() (*http.Response, error) { return c.http.Do(req) }

	var (
		resp *http.Response
		err  error
	)
	if cb := c.breaker(req.URL); cb != nil {
		resp, err = cb.Execute(send)
	} else {
		resp, err = send()
	}
	if err != nil {
		return nil, &NetworkError{Op: req.Method, URL: req.URL.String(), Err: err}
	}
	return resp, nil
}

// PostJSON posts body as JSON and decodes the response into out when out
// is non-nil.
func (c *Client) PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.roundTrip(req, out)
}

// GetJSON fetches url and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.roundTrip(req, out)
}

func (c *Client) roundTrip(req *http.Request, out any) error {
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &NetworkError{Op: req.Method, URL: req.URL.String(), StatusCode: resp.StatusCode}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &NetworkError{Op: req.Method, URL: req.URL.String(), Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
