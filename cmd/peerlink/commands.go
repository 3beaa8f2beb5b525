package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"bluetooth-peerlink/internal/config"
	"bluetooth-peerlink/internal/connmgr"
	"bluetooth-peerlink/internal/coordinator"
	"bluetooth-peerlink/internal/eventsink"
	"bluetooth-peerlink/internal/peer"
	"bluetooth-peerlink/internal/transport"
	"bluetooth-peerlink/internal/transport/bluez"
	"bluetooth-peerlink/internal/transport/lan"
	"bluetooth-peerlink/internal/transport/p2p"
)

// newTransport builds the transport selected by c.
func newTransport(c config.Config) (transport.Transport, error) {
	switch c.Transport {
	case config.TransportBlueZ:
		return bluez.New(connmgr.New(), bluez.Config{ScanWindow: c.ScanWindow}), nil
	case config.TransportLAN:
		return lan.New(lan.Config{Group: c.LANGroup, ListenAddr: c.LANListen, Interval: c.LANInterval}), nil
	case config.TransportP2P:
		tr, err := p2p.New(p2p.Config{ListenAddrs: c.P2PListen, ServiceTag: c.P2PServiceTag})
		if err != nil {
			return nil, err
		}
		return tr, nil
	}
	return nil, fmt.Errorf("unknown transport %q", c.Transport)
}

func newCoordinator(tr transport.Transport, sink coordinator.Sink) *coordinator.Coordinator {
	return coordinator.New(tr, sink, coordinator.Config{
		ConnectTimeout:         cfg.ConnectTimeout,
		SuppressWhileConnected: cfg.SuppressWhileConnected,
	})
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover peers for a while and list them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		tr, err := newTransport(cfg)
		if err != nil {
			return err
		}
		defer tr.Close()

		bus := eventsink.NewBus()
		defer bus.Close()
		sub := bus.Subscribe(0)
		c := newCoordinator(tr, eventsink.Multi{bus, eventsink.NewLogger("events")})
		if err := c.Start(ctx, cfg.LocalID, cfg.LocalName); err != nil {
			return err
		}
		defer c.Stop()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "scanning for %s...\n", timeout)
		deadline := time.NewTimer(timeout)
		defer deadline.Stop()
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-deadline.C:
				break loop
			case ev := <-sub.C:
				for _, st := range ev.Peers {
					if st.State == peer.Available {
						fmt.Fprintf(out, "found %s %q\n", st.ID, st.Name)
					}
				}
			}
		}

		peers := c.Peers()
		if len(peers) == 0 {
			fmt.Fprintln(out, "no peers found")
			return nil
		}
		for i, st := range peers {
			fmt.Fprintf(out, "[%d] ID=%s Name=%q State=%s\n", i, st.ID, st.Name, st.State)
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the coordinator: events on stdout, commands on stdin",
	Long: `Run starts discovery and writes every event as one JSON object per line
on stdout. Commands are read from stdin, one per line:

  peers               list known peers and their state
  connect <id>        connect to a peer
  send <text>         send text on every live session
  sendto <id> <text>  send text to one peer
  quit                stop and exit`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		tr, err := newTransport(cfg)
		if err != nil {
			return err
		}
		defer tr.Close()

		w := eventsink.NewWriter(cmd.OutOrStdout())
		c := newCoordinator(tr, eventsink.Multi{w, eventsink.NewLogger("events")})
		if err := c.Start(ctx, cfg.LocalID, cfg.LocalName); err != nil {
			return err
		}

		lines := make(chan string)
		go readLines(cmd.InOrStdin(), lines)
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case line, ok := <-lines:
				if !ok || !handleCommand(c, line, cmd.ErrOrStderr()) {
					break loop
				}
			}
		}
		return c.Stop()
	},
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
}

// handleCommand runs one stdin command and reports whether to keep going.
// Replies go to errw so stdout carries nothing but events.
func handleCommand(c *coordinator.Coordinator, line string, errw io.Writer) bool {
	verb, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)
	switch verb {
	case "":
	case "quit", "exit":
		return false
	case "peers":
		for _, st := range c.Peers() {
			fmt.Fprintf(errw, "%s %q %s\n", st.ID, st.Name, st.State)
		}
	case "connect":
		if rest == "" {
			fmt.Fprintln(errw, "usage: connect <id>")
			break
		}
		if !c.Connect(rest) {
			logger.Infof("connect %s not started", rest)
		}
	case "send":
		if !c.Send([]byte(rest)) {
			fmt.Fprintln(errw, "no live session")
		}
	case "sendto":
		id, text, _ := strings.Cut(rest, " ")
		if id == "" {
			fmt.Fprintln(errw, "usage: sendto <id> <text>")
			break
		}
		if !c.SendTo(id, []byte(text)) {
			fmt.Fprintf(errw, "no live session with %s\n", id)
		}
	default:
		fmt.Fprintf(errw, "unknown command %q\n", verb)
	}
	return true
}
