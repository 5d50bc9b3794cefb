// Package protocol implements the line-oriented wire format described in
// spec.md §6: newline-terminated frames, accepted either as a single JSON
// object or as whitespace-separated tokens, and newline-terminated JSON
// responses on the way out.
package protocol

import (
	"bytes"
	"encoding/json"
	"strings"

	"pkt.systems/lockd/internal/core"
)

// inbound mirrors the structured JSON frame of spec.md §6.2. Pointer fields
// distinguish "absent" from "zero value" so optional arguments round-trip
// correctly.
type inbound struct {
	Command string  `json:"command"`
	LockID  *string `json:"lockId,omitempty"`
	Mode    *string `json:"mode,omitempty"`
	Timeout *int    `json:"timeout,omitempty"`
	Nonce   *string `json:"nonce,omitempty"`
}

// outbound mirrors the wire response frame of spec.md §6.2.
type outbound struct {
	Status string          `json:"status"`
	LockID string          `json:"lockId,omitempty"`
	Mode   string          `json:"mode,omitempty"`
	Nonces []string        `json:"nonce,omitempty"`
	Locks  []showEntryWire `json:"locks,omitempty"`
}

type showEntryWire struct {
	LockID  string      `json:"lockId"`
	Mode    string      `json:"mode,omitempty"`
	Holders int         `json:"holders"`
	Waiters waitersWire `json:"waiters"`
}

type waitersWire struct {
	Read  int `json:"read"`
	Write int `json:"write"`
}

// Decode parses one line (without its trailing newline) into a core.Command
// addressed at conn. A line that fails structured (JSON) parsing falls
// through to the whitespace interpretation, per spec.md §6.2.
func Decode(conn *core.Conn, line []byte) core.Command {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return core.Command{Kind: core.CmdUnknown, Conn: conn}
	}
	if line[0] == '{' {
		var in inbound
		if err := json.Unmarshal(line, &in); err == nil {
			return decodeStructured(conn, in)
		}
	}
	return decodeWhitespace(conn, line)
}

func decodeStructured(conn *core.Conn, in inbound) core.Command {
	cmd := core.Command{Conn: conn}
	if in.Nonce != nil {
		cmd.Nonce = *in.Nonce
		cmd.HasNonce = true
	}
	if in.Timeout != nil {
		cmd.TimeoutMs = *in.Timeout
		cmd.HasTimeout = true
	}
	kind, needsLockID := classify(in.Command)
	cmd.Kind = kind
	if needsLockID {
		if in.LockID == nil || *in.LockID == "" {
			cmd.Kind = core.CmdInvalidLockID
			return cmd
		}
		cmd.LockID = *in.LockID
	}
	if cmd.Kind == core.CmdAcquire {
		cmd.Mode = core.ModeWrite
		if in.Mode != nil && strings.EqualFold(*in.Mode, "R") {
			cmd.Mode = core.ModeRead
		}
	}
	return cmd
}

// decodeWhitespace implements spec.md §6.2's telnet/netcat-friendly
// syntax: first token is the command, second token (if any) is the lock
// id. It never surfaces mode, timeout, or nonce.
func decodeWhitespace(conn *core.Conn, line []byte) core.Command {
	fields := strings.Fields(string(line))
	if len(fields) == 0 {
		return core.Command{Kind: core.CmdUnknown, Conn: conn}
	}
	cmd := core.Command{Conn: conn, Mode: core.ModeWrite}
	kind, needsLockID := classify(fields[0])
	cmd.Kind = kind
	if needsLockID {
		if len(fields) < 2 || fields[1] == "" {
			cmd.Kind = core.CmdInvalidLockID
			return cmd
		}
		cmd.LockID = fields[1]
	}
	return cmd
}

func classify(token string) (kind core.CommandKind, needsLockID bool) {
	switch strings.ToUpper(token) {
	case "WISDOM":
		return core.CmdWisdom, false
	case "ACQUIRE", "LOCK":
		return core.CmdAcquire, true
	case "RELEASE", "UNLOCK":
		return core.CmdRelease, true
	case "RELEASEALL":
		return core.CmdReleaseAll, false
	case "SHOW":
		return core.CmdShow, false
	case "QUIT":
		return core.CmdQuit, false
	default:
		return core.CmdUnknown, false
	}
}

// Encode renders an outbound OutMessage as one newline-terminated JSON
// frame, per spec.md §6.2.
func Encode(msg core.OutMessage) []byte {
	out := outbound{
		Status: string(msg.Status),
		LockID: msg.LockID,
		Mode:   msg.Mode,
		Nonces: msg.Nonces,
	}
	if msg.Locks != nil {
		out.Locks = make([]showEntryWire, 0, len(msg.Locks))
		for _, l := range msg.Locks {
			out.Locks = append(out.Locks, showEntryWire{
				LockID:  l.LockID,
				Mode:    l.Mode,
				Holders: l.Holders,
				Waiters: waitersWire{Read: l.Waiters.Read, Write: l.Waiters.Write},
			})
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		b = []byte(`{"status":"` + string(msg.Status) + `"}`)
	}
	b = append(b, '\n')
	return b
}

// Banner renders the connection-accept greeting of spec.md §4.5.
func Banner() []byte {
	return Encode(core.OutMessage{Status: core.StatusBanner})
}
