package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/lockd/client"
)

// newClientCommand builds a small interactive/one-shot client for manual
// testing and scripting, mirroring the wire protocol's whitespace framing:
// one subcommand call per request, or an interactive REPL when invoked with
// no operation subcommand.
func newClientCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "client",
		Short: "interact with a running lockd server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClientREPL(cmd.Context(), addr, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:11311", "lockd server address")

	cmd.AddCommand(newClientAcquireCommand(&addr))
	cmd.AddCommand(newClientReleaseCommand(&addr))
	cmd.AddCommand(newClientShowCommand(&addr))
	return cmd
}

func newClientAcquireCommand(addr *string) *cobra.Command {
	var mode string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "acquire <lockId>",
		Short: "acquire a lock, blocking until granted or timed out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := client.Dial(cmd.Context(), *addr)
			if err != nil {
				return err
			}
			defer cli.Close()
			m := client.ModeWrite
			if strings.EqualFold(mode, "R") {
				m = client.ModeRead
			}
			start := time.Now()
			if err := cli.Acquire(cmd.Context(), args[0], m, timeout); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "acquired %q in %s\n", args[0], humanize.RelTime(start, time.Now(), "", ""))
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "W", "lock mode: R or W")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "acquire deadline (0 uses the server default)")
	return cmd
}

func newClientReleaseCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "release <lockId>",
		Short: "release a lock held by this connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := client.Dial(cmd.Context(), *addr)
			if err != nil {
				return err
			}
			defer cli.Close()
			if err := cli.Release(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %q\n", args[0])
			return nil
		},
	}
}

func newClientShowCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "list every lock id currently tracked by the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := client.Dial(cmd.Context(), *addr)
			if err != nil {
				return err
			}
			defer cli.Close()
			entries, err := cli.Show(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "no locks held")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(out, "%-20s mode=%-2s holders=%s waiters(read=%s write=%s)\n",
					e.LockID, e.Mode,
					humanize.Comma(int64(e.Holders)),
					humanize.Comma(int64(e.Waiters.Read)),
					humanize.Comma(int64(e.Waiters.Write)))
			}
			return nil
		},
	}
}

// runClientREPL dials addr and relays whitespace-framed commands typed on
// in to the server, printing its JSON-lines responses to out, until in
// reaches EOF. This is the telnet/netcat-equivalent path of the wire
// protocol, driven from a terminal instead of a raw socket tool.
func runClientREPL(ctx context.Context, addr string, in io.Reader, out io.Writer) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", addr, err)
	}
	defer conn.Close()

	respDone := make(chan struct{})
	go func() {
		defer close(respDone)
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			fmt.Fprintln(out, scanner.Text())
		}
	}()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, err := fmt.Fprintln(conn, line); err != nil {
			return fmt.Errorf("client: write: %w", err)
		}
		if strings.EqualFold(line, "QUIT") {
			break
		}
	}
	_ = conn.Close()
	<-respDone
	return nil
}
