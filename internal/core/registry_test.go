package core

import (
	"math/rand"
	"testing"
	"time"
)

// connAbsentEverywhere is the P5 check: after DisconnectCleanup(conn), conn
// must not appear as a writer, a reader, or a queued waiter on any entity
// the registry still tracks.
func connAbsentEverywhere(t *testing.T, r *Registry, conn *Conn) {
	t.Helper()
	for id, e := range r.entities {
		if e.writer == conn {
			t.Fatalf("P5 violated: conn %d still writer of %q after disconnect", conn.ID(), id)
		}
		if _, ok := e.readers[conn]; ok {
			t.Fatalf("P5 violated: conn %d still a reader of %q after disconnect", conn.ID(), id)
		}
		for _, q := range []*waiterQueue{e.readerQ, e.writerQ} {
			for el := q.l.Front(); el != nil; el = el.Next() {
				if el.Value.(*queueElem).record.Conn == conn {
					t.Fatalf("P5 violated: conn %d still queued on %q after disconnect", conn.ID(), id)
				}
			}
		}
	}
}

// TestRegistryDisconnectPurgesAcrossRandomSequences is P5, run over random
// command sequences spanning several lock ids: one connection acquires and
// queues against a random subset of them, a disconnect fires, and every
// trace of that connection must be gone from the whole registry afterward.
func TestRegistryDisconnectPurgesAcrossRandomSequences(t *testing.T) {
	lockIDs := []string{"a", "b", "c", "d"}

	for seed := int64(0); seed < 50; seed++ {
		rng := rand.New(rand.NewSource(seed))
		r := NewRegistry(rng.Intn(2) == 0)

		conns := make([]*Conn, 5)
		for i := range conns {
			conns[i] = NewConn("test", func(OutMessage) {})
		}
		target := conns[rng.Intn(len(conns))]

		for step := 0; step < 100; step++ {
			conn := conns[rng.Intn(len(conns))]
			lockID := lockIDs[rng.Intn(len(lockIDs))]
			deadline := time.Unix(0, 0).Add(time.Duration(rng.Intn(1000)) * time.Second)

			switch rng.Intn(3) {
			case 0:
				r.AcquireRead(conn, lockID, "", false, deadline)
			case 1:
				r.AcquireWrite(conn, lockID, "", false, deadline)
			case 2:
				r.Release(conn, lockID, "", false)
			}
		}

		_, _ = r.DisconnectCleanup(target)
		connAbsentEverywhere(t, r, target)
	}
}

// TestRegistryTimeoutExpireResolvesQueuedRecord is P6 timeout liveness: a
// RequestRecord that never got granted is resolved by TimeoutExpire — after
// it fires, the record is no longer linked into any waiter queue, so a
// repeated timer fire (the race engine.go's single-domain dispatch must
// tolerate) is a safe no-op.
func TestRegistryTimeoutExpireResolvesQueuedRecord(t *testing.T) {
	for seed := int64(0); seed < 50; seed++ {
		rng := rand.New(rand.NewSource(seed))
		r := NewRegistry(false)

		holder := NewConn("test", func(OutMessage) {})
		r.AcquireWrite(holder, "res", "", false, time.Time{})

		waiter := NewConn("test", func(OutMessage) {})
		deadline := time.Unix(0, 0).Add(time.Duration(1+rng.Intn(1000)) * time.Second)
		rec, effects := r.AcquireWrite(waiter, "res", "", false, deadline)
		if rec == nil || len(effects) != 1 || effects[0].Msg.Status != StatusLockPending {
			t.Fatalf("seed %d: expected waiter to queue, got rec=%v effects=%+v", seed, rec, effects)
		}
		if !rec.queued() {
			t.Fatalf("seed %d: expected record to start out queued", seed)
		}

		timeoutEffects := r.TimeoutExpire(rec)
		if len(timeoutEffects) != 1 || timeoutEffects[0].Msg.Status != StatusAcquireTimeout {
			t.Fatalf("seed %d: expected ACQUIRETIMEOUT, got %+v", seed, timeoutEffects)
		}
		if rec.queued() {
			t.Fatalf("seed %d: expected record to be resolved (unqueued) after timeout", seed)
		}

		// A second fire against the same, now-resolved record must be a
		// no-op: the liveness guarantee is "resolved exactly once".
		if again := r.TimeoutExpire(rec); again != nil {
			t.Fatalf("seed %d: expected a repeated timeout fire to be a no-op, got %+v", seed, again)
		}
	}
}
