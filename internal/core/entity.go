package core

import "time"

// holder records which nonce a current reader acquired with, so that a
// later release can echo "both the holder's original acquire nonce and the
// release nonce" per spec.md §6.4.
type holder struct {
	nonce    string
	hasNonce bool
}

// Entity is the per-lock-id reader/writer state machine described in
// spec.md §4.1. All mutation happens from the single serialization domain
// (internal/core/engine.go); Entity itself holds no internal locks.
type Entity struct {
	id      string
	writer  *Conn
	writerH holder
	readers map[*Conn]holder

	readerQ *waiterQueue
	writerQ *waiterQueue

	greedy bool
}

func newEntity(id string, greedy bool) *Entity {
	return &Entity{
		id:      id,
		readers: make(map[*Conn]holder),
		readerQ: newWaiterQueue(),
		writerQ: newWaiterQueue(),
		greedy:  greedy,
	}
}

func (e *Entity) isWriteLocked() bool {
	return e.writer != nil
}

func (e *Entity) isReadLocked() bool {
	return len(e.readers) > 0
}

// isReadAvailable implements the greedy/non-greedy policy of spec.md §4.1.
func (e *Entity) isReadAvailable() bool {
	if e.isWriteLocked() {
		return false
	}
	if e.greedy {
		return true
	}
	return e.writerQ.empty()
}

// isWriteAvailable authorizes a lock upgrade when conn is the sole reader.
func (e *Entity) isWriteAvailable(conn *Conn) bool {
	if e.isWriteLocked() {
		return false
	}
	if len(e.readers) == 0 {
		return true
	}
	if len(e.readers) == 1 {
		_, sole := e.readers[conn]
		return sole
	}
	return false
}

// abandoned reports whether the entity holds nothing and nobody waits on it
// (spec.md invariant I4); such entities must not remain in the registry.
func (e *Entity) abandoned() bool {
	return e.writer == nil && len(e.readers) == 0 && e.readerQ.empty() && e.writerQ.empty()
}

// acquireRead implements spec.md §4.1 acquireRead.
func (e *Entity) acquireRead(conn *Conn, nonce string, hasNonce bool, deadline time.Time) (rec *RequestRecord, effects []Effect) {
	if e.writer == conn {
		return nil, []Effect{effect(conn, OutMessage{Status: StatusLocked, LockID: e.id, Mode: ModeWrite.String(), Nonces: nonceSlice(hasNonce, nonce)})}
	}
	if _, already := e.readers[conn]; already {
		return nil, []Effect{effect(conn, OutMessage{Status: StatusLocked, LockID: e.id, Mode: ModeRead.String(), Nonces: nonceSlice(hasNonce, nonce)})}
	}
	if e.isReadAvailable() {
		e.readers[conn] = holder{nonce: nonce, hasNonce: hasNonce}
		return nil, []Effect{effect(conn, OutMessage{Status: StatusLocked, LockID: e.id, Mode: ModeRead.String(), Nonces: nonceSlice(hasNonce, nonce)})}
	}
	rec = newRequestRecord(conn, e.id, nonce, hasNonce, ModeRead, deadline)
	e.readerQ.pushBack(rec)
	return rec, []Effect{effect(conn, OutMessage{Status: StatusLockPending, LockID: e.id, Mode: ModeRead.String(), Nonces: nonceSlice(hasNonce, nonce), ReqID: rec.ID})}
}

// acquireWrite implements spec.md §4.1 acquireWrite, including the
// reader-to-writer upgrade.
func (e *Entity) acquireWrite(conn *Conn, nonce string, hasNonce bool, deadline time.Time) (rec *RequestRecord, effects []Effect) {
	if e.writer == conn {
		return nil, []Effect{effect(conn, OutMessage{Status: StatusLocked, LockID: e.id, Mode: ModeWrite.String(), Nonces: nonceSlice(hasNonce, nonce)})}
	}
	if e.isWriteAvailable(conn) {
		delete(e.readers, conn)
		e.writer = conn
		e.writerH = holder{nonce: nonce, hasNonce: hasNonce}
		return nil, []Effect{effect(conn, OutMessage{Status: StatusLocked, LockID: e.id, Mode: ModeWrite.String(), Nonces: nonceSlice(hasNonce, nonce)})}
	}
	rec = newRequestRecord(conn, e.id, nonce, hasNonce, ModeWrite, deadline)
	e.writerQ.pushBack(rec)
	return rec, []Effect{effect(conn, OutMessage{Status: StatusLockPending, LockID: e.id, Mode: ModeWrite.String(), Nonces: nonceSlice(hasNonce, nonce), ReqID: rec.ID})}
}

// release implements spec.md §4.1 release. suppressMiss silences
// NOLOCKTORELEASE — used by bulk releaseAll (spec.md §4.3).
func (e *Entity) release(conn *Conn, releaseNonce string, hasReleaseNonce bool, suppressMiss bool) (released bool, effects []Effect) {
	_, isReader := e.readers[conn]

	switch {
	case e.writer == conn:
		nonces := append(nonceSlice(e.writerH.hasNonce, e.writerH.nonce), nonceSlice(hasReleaseNonce, releaseNonce)...)
		e.writer = nil
		e.writerH = holder{}
		effects = append(effects, effect(conn, OutMessage{Status: StatusReleased, LockID: e.id, Mode: ModeWrite.String(), Nonces: nonces}))
		released = true
	case isReader:
		h := e.readers[conn]
		delete(e.readers, conn)
		nonces := append(nonceSlice(h.hasNonce, h.nonce), nonceSlice(hasReleaseNonce, releaseNonce)...)
		effects = append(effects, effect(conn, OutMessage{Status: StatusReleased, LockID: e.id, Mode: ModeRead.String(), Nonces: nonces}))
		released = true
	default:
		if !suppressMiss {
			effects = append(effects, effect(conn, OutMessage{Status: StatusNoLockToRelease, LockID: e.id, Nonces: nonceSlice(hasReleaseNonce, releaseNonce)}))
		}
		return false, effects
	}
	effects = append(effects, e.abdicate()...)
	return released, effects
}

// abdicate is the post-release promotion loop of spec.md §4.1: drain the
// reader queue while reads are available, then grant at most one writer.
func (e *Entity) abdicate() []Effect {
	var effects []Effect
	for e.isReadAvailable() {
		rec := e.readerQ.popFront()
		if rec == nil {
			break
		}
		e.readers[rec.Conn] = holder{nonce: rec.Nonce, hasNonce: rec.HasNonce}
		effects = append(effects, effect(rec.Conn, OutMessage{Status: StatusLocked, LockID: e.id, Mode: ModeRead.String(), Nonces: nonceSlice(rec.HasNonce, rec.Nonce), ReqID: rec.ID}))
	}
	if front := e.writerQ.l.Front(); front != nil {
		candidateConn := front.Value.(*queueElem).record.Conn
		if e.isWriteAvailable(candidateConn) {
			rec := e.writerQ.popFront()
			delete(e.readers, rec.Conn)
			e.writer = rec.Conn
			e.writerH = holder{nonce: rec.Nonce, hasNonce: rec.HasNonce}
			effects = append(effects, effect(rec.Conn, OutMessage{Status: StatusLocked, LockID: e.id, Mode: ModeWrite.String(), Nonces: nonceSlice(rec.HasNonce, rec.Nonce), ReqID: rec.ID}))
		}
	}
	return effects
}

// timeoutExpire implements spec.md §4.1 timeoutExpire. If rec is no longer
// queued (already granted or cancelled) this is a no-op, which is what
// makes a timer firing after a race-winning grant safe.
func (e *Entity) timeoutExpire(rec *RequestRecord) []Effect {
	var q *waiterQueue
	if rec.Mode == ModeRead {
		q = e.readerQ
	} else {
		q = e.writerQ
	}
	if !q.removeRecord(rec) {
		return nil
	}
	return []Effect{effect(rec.Conn, OutMessage{Status: StatusAcquireTimeout, LockID: e.id, Mode: rec.Mode.String(), Nonces: nonceSlice(rec.HasNonce, rec.Nonce), ReqID: rec.ID})}
}

// disconnectCleanup implements spec.md §4.1 disconnectCleanup: conn is
// purged from every role it held or waited in, and abdication then runs so
// other waiters can be promoted. No message is ever sent to conn itself.
// purged counts how many holds/waits were removed, for telemetry.
func (e *Entity) disconnectCleanup(conn *Conn) (purged int, effects []Effect) {
	released := false
	if e.writer == conn {
		e.writer = nil
		e.writerH = holder{}
		released = true
		purged++
	}
	if _, ok := e.readers[conn]; ok {
		delete(e.readers, conn)
		released = true
		purged++
	}
	purged += len(e.readerQ.removeWhere(func(r *RequestRecord) bool { return r.Conn == conn }))
	purged += len(e.writerQ.removeWhere(func(r *RequestRecord) bool { return r.Conn == conn }))
	if released {
		effects = append(effects, e.abdicate()...)
	}
	return purged, effects
}
