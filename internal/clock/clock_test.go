package clock_test

import (
	"testing"
	"time"

	"pkt.systems/lockd/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestRealAfterDeliversOnce(t *testing.T) {
	t.Parallel()

	ch := clock.Real{}.After(10 * time.Millisecond)
	select {
	case <-ch:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("After did not trigger within timeout")
	}
}

func TestManualAdvanceFiresOnlyDueTimers(t *testing.T) {
	m := clock.NewManual(time.Unix(0, 0))

	soon := m.After(1 * time.Second)
	later := m.After(10 * time.Second)
	if got := m.Pending(); got != 2 {
		t.Fatalf("expected 2 pending timers, got %d", got)
	}

	m.Advance(2 * time.Second)
	select {
	case <-soon:
	default:
		t.Fatal("expected soon to fire after a 2s advance past its 1s deadline")
	}
	select {
	case <-later:
		t.Fatal("later should not have fired yet")
	default:
	}
	if got := m.Pending(); got != 1 {
		t.Fatalf("expected 1 pending timer after soon fired, got %d", got)
	}

	m.Advance(10 * time.Second)
	select {
	case <-later:
	default:
		t.Fatal("expected later to fire after the second advance")
	}
	if got := m.Pending(); got != 0 {
		t.Fatalf("expected 0 pending timers, got %d", got)
	}
}

func TestManualAfterNonPositiveDurationFiresImmediately(t *testing.T) {
	m := clock.NewManual(time.Unix(0, 0))
	select {
	case <-m.After(0):
	default:
		t.Fatal("expected a zero-duration After to fire immediately")
	}
	if got := m.Pending(); got != 0 {
		t.Fatalf("expected 0 pending timers for an immediate fire, got %d", got)
	}
}
