package client_test

import (
	"context"
	"testing"
	"time"

	"pkt.systems/lockd"
	"pkt.systems/lockd/client"
)

func startTestServer(t *testing.T) string {
	t.Helper()
	cfg := lockd.DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	srv, stop, err := lockd.StartServer(ctx, cfg)
	if err != nil {
		cancel()
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		_ = stop(context.Background())
		cancel()
	})
	return srv.ListenerAddr().String()
}

func TestClientAcquireRelease(t *testing.T) {
	addr := startTestServer(t)
	ctx := context.Background()

	cli, err := client.Dial(ctx, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	if err := cli.Acquire(ctx, "orders", client.ModeWrite, time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := cli.Release(ctx, "orders"); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestClientShowReportsHolders(t *testing.T) {
	addr := startTestServer(t)
	ctx := context.Background()

	cli, err := client.Dial(ctx, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	if err := cli.Acquire(ctx, "orders", client.ModeRead, time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	entries, err := cli.Show(ctx)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.LockID == "orders" {
			found = true
			if e.Holders != 1 || e.Mode != "R" {
				t.Fatalf("unexpected entry: %+v", e)
			}
		}
	}
	if !found {
		t.Fatalf("expected orders lock in show output, got %+v", entries)
	}
}

func TestClientAcquireBlocksUntilReleased(t *testing.T) {
	addr := startTestServer(t)
	ctx := context.Background()

	first, err := client.Dial(ctx, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()
	if err := first.Acquire(ctx, "orders", client.ModeWrite, time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	second, err := client.Dial(ctx, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()

	grantCh := make(chan error, 1)
	go func() {
		grantCh <- second.Acquire(ctx, "orders", client.ModeWrite, 2*time.Second)
	}()

	select {
	case <-grantCh:
		t.Fatal("second acquire should not have been granted yet")
	case <-time.After(50 * time.Millisecond):
	}

	if err := first.Release(ctx, "orders"); err != nil {
		t.Fatalf("release: %v", err)
	}

	select {
	case err := <-grantCh:
		if err != nil {
			t.Fatalf("second acquire: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire never resolved after release")
	}
}

func TestClientReleaseAllDrainsEveryReleasedFrame(t *testing.T) {
	addr := startTestServer(t)
	ctx := context.Background()

	cli, err := client.Dial(ctx, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	if err := cli.Acquire(ctx, "orders", client.ModeWrite, time.Second); err != nil {
		t.Fatalf("acquire orders: %v", err)
	}
	if err := cli.Acquire(ctx, "shipments", client.ModeRead, time.Second); err != nil {
		t.Fatalf("acquire shipments: %v", err)
	}

	if err := cli.ReleaseAll(ctx); err != nil {
		t.Fatalf("release all: %v", err)
	}

	// If ReleaseAll left any of the two RELEASED frames unread, this Show
	// call would decode a stale frame instead of its own response.
	entries, err := cli.Show(ctx)
	if err != nil {
		t.Fatalf("show after release all: %v", err)
	}
	for _, e := range entries {
		if e.LockID == "orders" || e.LockID == "shipments" {
			t.Fatalf("expected orders/shipments released, still present: %+v", e)
		}
	}

	if err := cli.Acquire(ctx, "orders", client.ModeWrite, time.Second); err != nil {
		t.Fatalf("reacquire orders after release all: %v", err)
	}
}

func TestClientReleaseAllReportsEmptyWhenNothingHeld(t *testing.T) {
	addr := startTestServer(t)
	ctx := context.Background()

	cli, err := client.Dial(ctx, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	if err := cli.ReleaseAll(ctx); err != nil {
		t.Fatalf("release all on empty connection: %v", err)
	}
}

func TestClientReleaseUnknownLockReturnsStatusError(t *testing.T) {
	addr := startTestServer(t)
	ctx := context.Background()

	cli, err := client.Dial(ctx, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	err = cli.Release(ctx, "never-held")
	if err == nil {
		t.Fatal("expected error releasing an unknown lock")
	}
	statusErr, ok := err.(*client.ErrStatus)
	if !ok {
		t.Fatalf("expected *client.ErrStatus, got %T", err)
	}
	if statusErr.Status != "NOLOCKTORELEASE" {
		t.Fatalf("unexpected status: %s", statusErr.Status)
	}
}
