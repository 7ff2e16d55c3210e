package server

import (
	"fmt"
	"net"
	"time"

	"github.com/marlboro-red/fxi/internal/appdir"
)

// Client is the stub talking to a running daemon over the local socket.
// A broken connection is re-dialed once per request.
type Client struct {
	socketPath string
	timeout    time.Duration
	conn       net.Conn
}

// NewClient creates a client for socketPath (empty means the default
// location).
func NewClient(socketPath string) *Client {
	if socketPath == "" {
		socketPath = appdir.SocketPath()
	}
	return &Client{socketPath: socketPath, timeout: 10 * time.Second}
}

// Connect dials the daemon. Calling it is optional; requests dial lazily.
func (c *Client) Connect() error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return fmt.Errorf("client: connect %s: %w", c.socketPath, err)
	}
	c.conn = conn
	return nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// roundTrip sends one request and decodes the response, reconnecting once
// if the cached connection went stale.
func (c *Client) roundTrip(req *Request) (any, error) {
	resp, err := c.tryRoundTrip(req)
	if err == nil {
		return resp, nil
	}
	// The daemon may have restarted since the last call; retry on a fresh
	// connection before giving up.
	c.Close()
	if connErr := c.Connect(); connErr != nil {
		return nil, err
	}
	return c.tryRoundTrip(req)
}

func (c *Client) tryRoundTrip(req *Request) (any, error) {
	if err := c.Connect(); err != nil {
		return nil, err
	}
	c.conn.SetDeadline(time.Now().Add(c.timeout))
	if err := WriteMessage(c.conn, req); err != nil {
		return nil, err
	}
	return ReadResponse(c.conn)
}

func responseError(resp any) error {
	if errResp, ok := resp.(*ErrorResponse); ok {
		return fmt.Errorf("client: server error: %s", errResp.Message)
	}
	return nil
}

// Search runs an index query against root.
func (c *Client) Search(queryString, rootPath string, limit int) (*SearchResponse, error) {
	resp, err := c.roundTrip(&Request{
		Type:     TypeSearch,
		Query:    queryString,
		RootPath: rootPath,
		Limit:    limit,
	})
	if err != nil {
		return nil, err
	}
	if err := responseError(resp); err != nil {
		return nil, err
	}
	sr, ok := resp.(*SearchResponse)
	if !ok {
		return nil, &ProtocolError{Kind: "wrong message type for Search"}
	}
	return sr, nil
}

// ContentSearch runs a grep-style pattern search against root.
func (c *Client) ContentSearch(pattern, rootPath string, limit int, opts ContentSearchOptions) (*ContentSearchResponse, error) {
	resp, err := c.roundTrip(&Request{
		Type:     TypeContentSearch,
		Pattern:  pattern,
		RootPath: rootPath,
		Limit:    limit,
		Options:  opts,
	})
	if err != nil {
		return nil, err
	}
	if err := responseError(resp); err != nil {
		return nil, err
	}
	cr, ok := resp.(*ContentSearchResponse)
	if !ok {
		return nil, &ProtocolError{Kind: "wrong message type for ContentSearch"}
	}
	return cr, nil
}

// Status fetches daemon statistics.
func (c *Client) Status() (*StatusResponse, error) {
	resp, err := c.roundTrip(&Request{Type: TypeStatus})
	if err != nil {
		return nil, err
	}
	if err := responseError(resp); err != nil {
		return nil, err
	}
	sr, ok := resp.(*StatusResponse)
	if !ok {
		return nil, &ProtocolError{Kind: "wrong message type for Status"}
	}
	return sr, nil
}

// Reload drops the cached reader and query cache for root and re-opens it.
func (c *Client) Reload(rootPath string) (*ReloadedResponse, error) {
	resp, err := c.roundTrip(&Request{Type: TypeReload, RootPath: rootPath})
	if err != nil {
		return nil, err
	}
	if err := responseError(resp); err != nil {
		return nil, err
	}
	rr, ok := resp.(*ReloadedResponse)
	if !ok {
		return nil, &ProtocolError{Kind: "wrong message type for Reload"}
	}
	return rr, nil
}

// Ping checks daemon liveness.
func (c *Client) Ping() error {
	resp, err := c.roundTrip(&Request{Type: TypePing})
	if err != nil {
		return err
	}
	if err := responseError(resp); err != nil {
		return err
	}
	if simple, ok := resp.(*SimpleResponse); !ok || simple.Type != TypePong {
		return &ProtocolError{Kind: "wrong message type for Ping"}
	}
	return nil
}

// Shutdown asks the daemon to stop.
func (c *Client) Shutdown() error {
	resp, err := c.roundTrip(&Request{Type: TypeShutdown})
	if err != nil {
		return err
	}
	if err := responseError(resp); err != nil {
		return err
	}
	if simple, ok := resp.(*SimpleResponse); !ok || simple.Type != TypeShuttingDown {
		return &ProtocolError{Kind: "wrong message type for Shutdown"}
	}
	return nil
}
