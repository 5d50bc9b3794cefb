package core

import "time"

// Registry owns every LockEntity, keyed by lock id (spec.md §4.3). It
// lazily creates entities on first reference and eagerly removes them once
// abandoned (invariant I4). The registry is only ever touched from the
// single serialization domain; it carries no internal locking of its own.
type Registry struct {
	entities map[string]*Entity
	greedy   bool
}

// NewRegistry constructs an empty registry. greedy seeds every newly
// created entity's reader-greed policy (spec.md §9 Open Question: the flag
// is fixed per entity at creation time from server configuration, not from
// per-acquire arguments).
func NewRegistry(greedy bool) *Registry {
	return &Registry{
		entities: make(map[string]*Entity),
		greedy:   greedy,
	}
}

func (r *Registry) entity(lockID string) *Entity {
	e, ok := r.entities[lockID]
	if !ok {
		e = newEntity(lockID, r.greedy)
		r.entities[lockID] = e
	}
	return e
}

func (r *Registry) cleanup(e *Entity) {
	if e.abandoned() {
		delete(r.entities, e.id)
	}
}

// AcquireRead delegates to the entity's acquireRead and then runs cleanup.
func (r *Registry) AcquireRead(conn *Conn, lockID, nonce string, hasNonce bool, deadline time.Time) (*RequestRecord, []Effect) {
	e := r.entity(lockID)
	rec, effects := e.acquireRead(conn, nonce, hasNonce, deadline)
	r.cleanup(e)
	return rec, effects
}

// AcquireWrite delegates to the entity's acquireWrite and then runs cleanup.
func (r *Registry) AcquireWrite(conn *Conn, lockID, nonce string, hasNonce bool, deadline time.Time) (*RequestRecord, []Effect) {
	e := r.entity(lockID)
	rec, effects := e.acquireWrite(conn, nonce, hasNonce, deadline)
	r.cleanup(e)
	return rec, effects
}

// Release implements spec.md §4.3 release: lookup-or-create, delegate,
// cleanup. A release against an unknown lock id momentarily creates and
// then deletes an abandoned entity, yielding NOLOCKTORELEASE — kept
// intentionally (spec.md §9 "Abandoned cleanup race").
func (r *Registry) Release(conn *Conn, lockID, releaseNonce string, hasReleaseNonce bool) []Effect {
	e := r.entity(lockID)
	_, effects := e.release(conn, releaseNonce, hasReleaseNonce, false)
	r.cleanup(e)
	return effects
}

// ReleaseAll implements spec.md §4.3 releaseAll: sweep every entity,
// suppressing per-entity NOLOCKTORELEASE misses, and emit exactly one
// terminal frame after however many per-lock RELEASED frames the sweep
// produced (used by RELEASEALL, not by QUIT — spec.md §4.4). reportIfEmpty
// selects NOLOCKSTORELEASEALL for the empty case; a non-empty sweep always
// closes with RELEASEALLDONE so a caller reading the RELEASED frames one at
// a time knows where the stream ends, regardless of reportIfEmpty.
func (r *Registry) ReleaseAll(conn *Conn, nonce string, hasNonce bool, reportIfEmpty bool) []Effect {
	var effects []Effect
	releasedAny := false
	for _, e := range r.entities {
		released, entityEffects := e.release(conn, nonce, hasNonce, true)
		if released {
			releasedAny = true
		}
		effects = append(effects, entityEffects...)
	}
	for id, e := range r.entities {
		if e.abandoned() {
			delete(r.entities, id)
		}
	}
	switch {
	case !releasedAny && reportIfEmpty:
		effects = append(effects, effect(conn, OutMessage{Status: StatusNoLocksToReleaseAll, Nonces: nonceSlice(hasNonce, nonce)}))
	case releasedAny && reportIfEmpty:
		// QUIT (reportIfEmpty false) already has its own unambiguous
		// terminal frame (GOINPIECES, appended by the caller) to mark the
		// end of this connection's RELEASED stream, so it skips this one.
		effects = append(effects, effect(conn, OutMessage{Status: StatusReleaseAllDone, Nonces: nonceSlice(hasNonce, nonce)}))
	}
	return effects
}

// DisconnectCleanup purges conn from every entity it held or waited on,
// running abdication wherever that frees capacity for other connections
// (spec.md §4.1 disconnectCleanup, §4.5 onDisconnect). Entities left
// abandoned afterward are removed.
func (r *Registry) DisconnectCleanup(conn *Conn) (purged int, effects []Effect) {
	for id, e := range r.entities {
		entityPurged, entityEffects := e.disconnectCleanup(conn)
		purged += entityPurged
		effects = append(effects, entityEffects...)
		if e.abandoned() {
			delete(r.entities, id)
		}
	}
	return purged, effects
}

// TimeoutExpire resolves one RequestRecord's deadline firing. It is a
// no-op if the record was already granted, cancelled, or its entity is
// gone (spec.md §5 "Timers").
func (r *Registry) TimeoutExpire(rec *RequestRecord) []Effect {
	e, ok := r.entities[rec.LockID]
	if !ok {
		return nil
	}
	effects := e.timeoutExpire(rec)
	r.cleanup(e)
	return effects
}

// Show produces one ShowEntry per lock id currently tracked, per spec.md
// §4.3 show / §4.3's richer payload resolved in SPEC_FULL.md §4.3. Because
// acquire-lazy-create/release-lazy-destroy can momentarily create an
// abandoned entity, callers must invoke Show only after any release-driven
// cleanup has already run (spec.md §9).
func (r *Registry) Show() []ShowEntry {
	out := make([]ShowEntry, 0, len(r.entities))
	for _, e := range r.entities {
		mode := ""
		holders := 0
		switch {
		case e.isWriteLocked():
			mode = ModeWrite.String()
			holders = 1
		case e.isReadLocked():
			mode = ModeRead.String()
			holders = len(e.readers)
		}
		out = append(out, ShowEntry{
			LockID:  e.id,
			Mode:    mode,
			Holders: holders,
			Waiters: WaiterCounts{Read: e.readerQ.len(), Write: e.writerQ.len()},
		})
	}
	return out
}
