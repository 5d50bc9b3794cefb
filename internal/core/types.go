// Package core implements the lock coordinator: the per-key reader/writer
// state machine, the registry that owns one entity per lock id, and the
// single-threaded engine that serializes commands, timer firings, and
// disconnect events against that state.
package core

import (
	"sync/atomic"
	"time"

	"github.com/rs/xid"
)

// Mode identifies which side of a lock a request or holder occupies.
type Mode uint8

const (
	// ModeRead requests/holds the shared reader side of a lock.
	ModeRead Mode = iota
	// ModeWrite requests/holds the exclusive writer side of a lock.
	ModeWrite
)

// String renders the mode using the wire-protocol single-letter token.
func (m Mode) String() string {
	if m == ModeWrite {
		return "W"
	}
	return "R"
}

var connSeq atomic.Uint64

// Conn is the stable, reference-comparable identity of one TCP connection.
// It is never derived from the remote address: a reconnect is always a new
// Conn (spec.md §9, "connection identity").
type Conn struct {
	id     uint64
	remote string
	send   func(OutMessage)
}

// NewConn allocates a Conn with a monotonically increasing id. send is
// called by the engine for every outbound message addressed to this
// connection; it must never block (spec.md §5, "suspension points").
func NewConn(remote string, send func(OutMessage)) *Conn {
	return &Conn{
		id:     connSeq.Add(1),
		remote: remote,
		send:   send,
	}
}

// ID returns the connection's stable numeric identity, useful for logging.
func (c *Conn) ID() uint64 {
	if c == nil {
		return 0
	}
	return c.id
}

// Remote returns the remote address captured at accept time (diagnostics
// only — never used as an identity key).
func (c *Conn) Remote() string {
	if c == nil {
		return ""
	}
	return c.remote
}

func (c *Conn) emit(msg OutMessage) {
	if c == nil || c.send == nil {
		return
	}
	c.send(msg)
}

// RequestRecord is the immutable descriptor of one pending acquire,
// described in spec.md §3. It is created when an acquire cannot be granted
// immediately and destroyed on grant, timeout, disconnect, or (implicitly)
// release-driven abdication.
type RequestRecord struct {
	ID       string
	Conn     *Conn
	LockID   string
	Nonce    string
	HasNonce bool
	Mode     Mode
	Deadline time.Time

	elem *queueElem // queue bookkeeping; nil once dequeued
}

func newRequestRecord(conn *Conn, lockID, nonce string, hasNonce bool, mode Mode, deadline time.Time) *RequestRecord {
	return &RequestRecord{
		ID:       xid.New().String(),
		Conn:     conn,
		LockID:   lockID,
		Nonce:    nonce,
		HasNonce: hasNonce,
		Mode:     mode,
		Deadline: deadline,
	}
}

// queued reports whether the record is still linked into a waiter queue.
func (r *RequestRecord) queued() bool {
	return r != nil && r.elem != nil
}
