// Package lockd implements a reader/writer lock coordination daemon: a
// long-running TCP service that accepts many persistent client connections
// and serializes ACQUIRE/RELEASE/SHOW traffic against named, string-keyed
// locks held in memory.
//
// # Running a server
//
// The server listens on the network address given by Config.Listen
// (default ":11311").
//
//	cfg := lockd.DefaultConfig()
//	cfg.Listen = ":11311"
//	srv, err := lockd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("lockd: %v", err)
//	    }
//	}()
//	defer func() {
//	    if err := srv.Shutdown(context.Background()); err != nil {
//	        log.Printf("lockd shutdown: %v", err)
//	    }
//	}()
//
// StartServer launches a server in a background goroutine, waits for
// readiness, and returns a stop function — useful when embedding lockd
// inside another process or an integration test:
//
//	srv, stop, err := lockd.StartServer(ctx, lockd.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
//
// # Wire protocol
//
// Clients speak newline-terminated JSON frames, or (for interactive
// telnet/netcat sessions) plain whitespace-separated tokens: the first
// token is the command, the second — if present — is the lock id. Both
// syntaxes are accepted on the same connection, distinguished by the first
// byte of each line.
//
// # Client SDK
//
// The Go client (pkt.systems/lockd/client) dials a lockd server and exposes
// Acquire/Release/ReleaseAll/Show/Wisdom as blocking Go calls; an Acquire
// that is queued blocks until it is granted or times out:
//
//	cli, err := client.Dial(ctx, "127.0.0.1:11311")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Close()
//	if err := cli.Acquire(ctx, "orders", client.ModeWrite, 5*time.Second); err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Release(ctx, "orders")
//
// # Scope
//
// There is no persistence, replication, or failover: the service is a
// single in-memory process, and a server restart drops every held and
// pending lock. Clients are responsible for reconnect behavior.
package lockd
