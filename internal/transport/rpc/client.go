package rpc

import (
	"context"
	"fmt"
	"net"
	"net/rpc/jsonrpc"
	"net/url"
	"strings"
	"time"
)

// Client calls the relay's JSON-RPC endpoint. Each call dials a fresh
// connection.
type Client struct {
	addr        string
	dialTimeout time.Duration
	callTimeout time.Duration
}

// NewClient accepts host:port or a URL whose host is used.
func NewClient(baseURL string) *Client {
	return &Client{
		addr:        resolveRPCAddr(baseURL),
		dialTimeout: 5 * time.Second,
		callTimeout: 5 * time.Second,
	}
}

// SendAction relays action and returns the number of connections it was
// queued to.
func (c *Client) SendAction(ctx context.Context, action map[string]interface{}) (int, error) {
	if c.addr == "" {
		return 0, fmt.Errorf("relay rpc address is not set")
	}

	var resp SendActionResponse
	if err := c.call(ctx, "Relay.SendAction", &SendActionRequest{Action: action}, &resp); err != nil {
		return 0, fmt.Errorf("failed to send action to relay: %w", err)
	}
	if !resp.OK {
		return 0, fmt.Errorf("relay rpc returned ok=false")
	}
	return resp.SentCount, nil
}

func (c *Client) call(ctx context.Context, method string, args, reply interface{}) error {
	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if c.callTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.callTimeout))
	}

	client := jsonrpc.NewClient(conn)
	call := client.Go(method, args, reply, nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.Done:
		return call.Error
	}
}

func resolveRPCAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") {
		parsed, err := url.Parse(raw)
		if err == nil && parsed.Host != "" {
			return parsed.Host
		}
	}
	return raw
}
