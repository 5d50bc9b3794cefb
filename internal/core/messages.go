package core

// Status is one of the outbound status codes defined in spec.md §6.3.
type Status string

const (
	StatusBanner              Status = "IMUSTBLOCKYOU"
	StatusLocked              Status = "LOCKED"
	StatusLockPending         Status = "LOCKPENDING"
	StatusReleased            Status = "RELEASED"
	StatusAcquireTimeout      Status = "ACQUIRETIMEOUT"
	StatusNoLockToRelease     Status = "NOLOCKTORELEASE"
	StatusNoLocksToReleaseAll Status = "NOLOCKSTORELEASEALL"
	StatusReleaseAllDone      Status = "RELEASEALLDONE"
	StatusInvalidLockID       Status = "CANNOTACQUIREINVALIDLOCKID"
	StatusShow                Status = "SHOW"
	StatusWisdom              Status = "WISDOM"
	StatusGoInPieces          Status = "GOINPIECES"
	StatusCommandNotFound     Status = "COMMANDNOTFOUND"
)

// ShowEntry describes one lock id in a SHOW response. Mode is "" when the
// lock has no current holder (the caller only has pending waiters on it).
// Holders and Waiters enrich the teacher's lock-id-only payload per the
// Open Question resolved in spec.md §9 / SPEC_FULL.md §4.3.
type ShowEntry struct {
	LockID  string
	Mode    string
	Holders int
	Waiters WaiterCounts
}

// WaiterCounts reports the size of each waiter-class queue for a lock id.
type WaiterCounts struct {
	Read  int
	Write int
}

// OutMessage is a transport-neutral outbound frame. internal/protocol
// renders it to the wire's JSON-lines format.
type OutMessage struct {
	Status Status
	LockID string
	Mode   string
	Nonces []string
	Locks  []ShowEntry

	// ReqID identifies the RequestRecord this message resolves, when one
	// existed (a queued acquire that was later granted or timed out). Empty
	// for immediate grants and releases, which never had a queued record.
	ReqID string
}

// Effect pairs an outbound message with the connection it is addressed to.
// Entity and registry operations return effects instead of writing to
// sockets directly, which keeps the coordination logic synchronous and unit
// testable (see spec.md §5, "suspension points").
type Effect struct {
	Conn *Conn
	Msg  OutMessage
}

func effect(conn *Conn, msg OutMessage) Effect {
	return Effect{Conn: conn, Msg: msg}
}

func nonceSlice(has bool, nonce string) []string {
	if !has {
		return nil
	}
	return []string{nonce}
}
