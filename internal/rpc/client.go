// Package rpc holds the thin JSON-RPC connection handle the orchestration
// layer pings for connectivity and latency. The real blockchain client used by
// plugin implementations lives outside this layer; this type exists so
// Initialize can fail fast on an unreachable endpoint and so NetworkHealth has
// something to measure.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

type Client struct {
	url        string
	commitment string
	hc         *http.Client

	mu        sync.Mutex
	connected bool
	latency   time.Duration
	lastPing  time.Time
}

func New(url, commitment string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url:        url,
		commitment: commitment,
		hc:         &http.Client{Timeout: timeout},
	}
}

func (c *Client) URL() string        { return c.url }
func (c *Client) Commitment() string { return c.commitment }

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Ping issues a getHealth call and records connectivity + round-trip latency.
func (c *Client) Ping(ctx context.Context) error {
	body, _ := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: "getHealth"})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rpc: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.hc.Do(req)
	took := time.Since(start)
	if err != nil {
		c.setState(false, took)
		return fmt.Errorf("rpc: connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.setState(false, took)
		return fmt.Errorf("rpc: unexpected status %d", resp.StatusCode)
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		c.setState(false, took)
		return fmt.Errorf("rpc: decode response: %w", err)
	}
	if rr.Error != nil {
		// The node answered; the connection itself is alive even if the node
		// reports itself unhealthy.
		c.setState(true, took)
		return fmt.Errorf("rpc: %w", rr.Error)
	}

	c.setState(true, took)
	return nil
}

func (c *Client) setState(connected bool, latency time.Duration) {
	c.mu.Lock()
	c.connected = connected
	c.latency = latency
	c.lastPing = time.Now()
	c.mu.Unlock()
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency
}

func (c *Client) LastPing() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPing
}

func (c *Client) Close() {
	c.hc.CloseIdleConnections()
	c.mu.Lock()
	c.connected = false
	c.latency = 0
	c.mu.Unlock()
}
