// Package client is a thin, synchronous Go client over lockd's wire
// protocol. It is not part of the coordination core and carries none of
// its invariants: it exists so the CLI and integration tests have
// something to drive a server with.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
)

// Mode identifies which side of a lock to request.
type Mode string

const (
	ModeRead  Mode = "R"
	ModeWrite Mode = "W"
)

// Client dials one lockd server and serializes requests against it: only
// one ACQUIRE/RELEASE/SHOW/WISDOM round-trip is in flight at a time, in the
// order callers invoke them.
type Client struct {
	logger pslog.Logger

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// Option configures a Client at Dial time.
type Option func(*Client)

// WithLogger supplies a structured logger for connection diagnostics.
func WithLogger(l pslog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Dial connects to a lockd server at addr and consumes its banner frame.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	c := &Client{
		logger: pslog.NoopLogger(),
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
	for _, opt := range opts {
		opt(c)
	}
	if _, err := c.readFrame(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("client: read banner: %w", err)
	}
	return c, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// frame is the decoded shape of one server response line.
type frame struct {
	Status string      `json:"status"`
	LockID string      `json:"lockId,omitempty"`
	Mode   string      `json:"mode,omitempty"`
	Nonces []string    `json:"nonce,omitempty"`
	Locks  []LockEntry `json:"locks,omitempty"`
}

// LockEntry describes one lock id in a Show response.
type LockEntry struct {
	LockID  string `json:"lockId"`
	Mode    string `json:"mode,omitempty"`
	Holders int    `json:"holders"`
	Waiters struct {
		Read  int `json:"read"`
		Write int `json:"write"`
	} `json:"waiters"`
}

// request mirrors the structured JSON frame of the wire protocol.
type request struct {
	Command string `json:"command"`
	LockID  string `json:"lockId,omitempty"`
	Mode    string `json:"mode,omitempty"`
	Timeout int    `json:"timeout,omitempty"`
	Nonce   string `json:"nonce,omitempty"`
}

func (c *Client) readFrame() (frame, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return frame{}, err
	}
	var f frame
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &f); err != nil {
		return frame{}, fmt.Errorf("client: decode response: %w", err)
	}
	return f, nil
}

func (c *Client) roundTrip(ctx context.Context, req request) (frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roundTripLocked(ctx, req)
}

// roundTripLocked writes req and reads one response frame. The caller holds
// c.mu.
func (c *Client) roundTripLocked(ctx context.Context, req request) (frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	b, err := json.Marshal(req)
	if err != nil {
		return frame{}, fmt.Errorf("client: encode request: %w", err)
	}
	b = append(b, '\n')
	if _, err := c.conn.Write(b); err != nil {
		return frame{}, fmt.Errorf("client: write request: %w", err)
	}
	return c.readFrame()
}

// ErrStatus reports a non-success status code returned by the server.
type ErrStatus struct {
	Status string
}

func (e *ErrStatus) Error() string {
	return fmt.Sprintf("client: server returned %s", e.Status)
}

// Acquire requests mode access to lockID, waiting up to timeout for a
// grant. A zero timeout uses the server's configured default.
func (c *Client) Acquire(ctx context.Context, lockID string, mode Mode, timeout time.Duration) error {
	req := request{Command: "ACQUIRE", LockID: lockID, Mode: string(mode)}
	if timeout > 0 {
		req.Timeout = int(timeout / time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.roundTripLocked(ctx, req)
	if err != nil {
		return err
	}
	switch f.Status {
	case "LOCKED":
		return nil
	case "LOCKPENDING":
		return c.awaitGrant(ctx)
	default:
		return &ErrStatus{Status: f.Status}
	}
}

// awaitGrant blocks for the follow-up frame a pending acquire eventually
// delivers (LOCKED or ACQUIRETIMEOUT), since an ACQUIRE that cannot be
// granted immediately is answered with two frames on this connection. The
// caller holds c.mu from the ACQUIRE write through this read.
func (c *Client) awaitGrant(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}
	f, err := c.readFrame()
	if err != nil {
		return err
	}
	if f.Status != "LOCKED" {
		return &ErrStatus{Status: f.Status}
	}
	return nil
}

// Release releases any hold conn has on lockID.
func (c *Client) Release(ctx context.Context, lockID string) error {
	f, err := c.roundTrip(ctx, request{Command: "RELEASE", LockID: lockID})
	if err != nil {
		return err
	}
	if f.Status != "RELEASED" {
		return &ErrStatus{Status: f.Status}
	}
	return nil
}

// ReleaseAll releases every lock this connection currently holds or waits
// on. The server answers with one RELEASED frame per released lock,
// followed by a single terminal frame (RELEASEALLDONE if anything was
// released, NOLOCKSTORELEASEALL if nothing was) — ReleaseAll drains every
// RELEASED frame itself so the connection's frame stream is never left
// holding a stale response for the caller's next round trip.
func (c *Client) ReleaseAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	b, err := json.Marshal(request{Command: "RELEASEALL"})
	if err != nil {
		return fmt.Errorf("client: encode request: %w", err)
	}
	b = append(b, '\n')
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("client: write request: %w", err)
	}

	for {
		f, err := c.readFrame()
		if err != nil {
			return err
		}
		switch f.Status {
		case "RELEASED":
			continue
		case "RELEASEALLDONE", "NOLOCKSTORELEASEALL":
			return nil
		default:
			return &ErrStatus{Status: f.Status}
		}
	}
}

// Show returns a snapshot of every lock id currently tracked by the server.
func (c *Client) Show(ctx context.Context) ([]LockEntry, error) {
	f, err := c.roundTrip(ctx, request{Command: "SHOW"})
	if err != nil {
		return nil, err
	}
	if f.Status != "SHOW" {
		return nil, &ErrStatus{Status: f.Status}
	}
	return f.Locks, nil
}

// Wisdom requests the server's banner-style greeting on demand.
func (c *Client) Wisdom(ctx context.Context) (string, error) {
	f, err := c.roundTrip(ctx, request{Command: "WISDOM"})
	if err != nil {
		return "", err
	}
	if f.Status != "WISDOM" {
		return "", &ErrStatus{Status: f.Status}
	}
	return f.Status, nil
}

// Quit tells the server this connection is closing voluntarily, releasing
// every hold without the "nothing to release" report RELEASEALL gives.
func (c *Client) Quit(ctx context.Context) error {
	_, err := c.roundTrip(ctx, request{Command: "QUIT"})
	return err
}
