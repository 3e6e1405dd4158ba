package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"flowpulse/internal/app"
	"flowpulse/internal/config"
	"flowpulse/internal/status"
	logx "flowpulse/pkg/logx"
)

// watchMain follows one execution over a status channel and prints node
// changes until the execution finishes.
func watchMain(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	cfgPath := fs.String("config", "./config.yaml", "path to config (yaml or json)")
	verbose := fs.Bool("v", false, "log channel diagnostics")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: flowpulse watch [-config path] [-v] <executionId>")
		return 2
	}

	cfg, err := config.NewManager(*cfgPath).Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	sc, err := app.StatusConfig(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	if tok := strings.TrimSpace(cfg.Dispatcher.Token); tok != "" {
		sc.Header = map[string][]string{"Authorization": {"Bearer " + tok}}
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	log := logx.NewConsole(level).With(logx.Component("status"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	finished := make(chan status.ExecutionSnapshot, 1)
	p := &printer{w: os.Stdout}
	ch, err := status.Open(ctx, sc, fs.Arg(0),
		status.WithLogger(log),
		status.OnNode(p.node),
		status.OnState(p.state),
		status.OnSnapshot(func(s status.ExecutionSnapshot) {
			if s.Terminal() {
				select {
				case finished <- s:
				default:
				}
			}
		}),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	defer ch.Close()

	select {
	case s := <-finished:
		fmt.Fprintf(p.w, "execution %s finished: %s\n", s.ExecutionID, s.Status)
		return 0
	case <-ctx.Done():
		return 130
	case <-ch.Done():
		err := ch.Err()
		switch {
		case errors.Is(err, status.ErrSessionNotFound):
			fmt.Fprintln(os.Stderr, "session not found; sign in again")
		case errors.Is(err, status.ErrUnreachable):
			fmt.Fprintln(os.Stderr, "status channel unreachable")
		case err != nil:
			fmt.Fprintln(os.Stderr, "status channel ended:", err)
		}
		if err != nil {
			return 1
		}
		return 0
	}
}

// printer writes one line per node status change.
type printer struct {
	w    io.Writer
	last map[string]status.NodeStatus
}

func (p *printer) node(u status.NodeUpdate) {
	if p.last == nil {
		p.last = map[string]status.NodeStatus{}
	}
	if p.last[u.NodeID] == u.Status {
		return
	}
	p.last[u.NodeID] = u.Status
	line := fmt.Sprintf("%-24s %s", u.NodeID, u.Status)
	if u.Error != "" {
		line += "  " + u.Error
	}
	fmt.Fprintln(p.w, line)
}

func (p *printer) state(s status.StateChange) {
	switch s.State {
	case status.StateReconnecting:
		fmt.Fprintf(p.w, "reconnecting (attempt %d, in %s)\n", s.Attempt, s.Delay)
	case status.StateOpen:
		fmt.Fprintln(p.w, "connected")
	}
}
