// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package proxy is the sockpuppet entrypoint: argument validation, signal
// handling, and the wiring between the readiness loop, the trace writer,
// and the timing summary.
package proxy

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/peterbourgon/ff/v3/ffcli"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/spencertipping/sockpuppet/cmd/version"
	"github.com/spencertipping/sockpuppet/logging"
	"github.com/spencertipping/sockpuppet/socket"
	"github.com/spencertipping/sockpuppet/stats"
	"github.com/spencertipping/sockpuppet/trace"
)

type Command struct {
	ffcli.Command
}

// NewCommand returns the root command. The proxy is the default action:
// `sockpuppet <listen_port> <upstream_host:upstream_port>`.
func NewCommand() *ffcli.Command {
	c := new(Command)

	c.Name = filepath.Base(os.Args[0])
	c.ShortUsage = "sockpuppet [flags] <listen_port> <upstream_host:upstream_port>"
	c.ShortHelp = "record HTTP/1.x and WebSocket traffic through a loopback MITM proxy"

	c.FlagSet = flag.NewFlagSet("sockpuppet", flag.ContinueOnError)
	c.FlagSet.BoolVar(&logging.Verbose, "v", false, "enable verbose logging")

	c.Subcommands = append(c.Subcommands, version.NewCommand())

	c.Exec = c.entrypoint
	return &c.Command
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: sockpuppet <listen_port> <upstream_host:upstream_port>\n")
	os.Exit(1)
}

func (c *Command) entrypoint(ctx context.Context, args []string) error {
	logging.Init()

	if len(args) != 2 {
		usage()
	}
	port, err := strconv.Atoi(args[0])
	if err != nil || port < 0 || port > 65535 {
		usage()
	}
	hostport := args[1]
	if _, _, err := net.SplitHostPort(hostport); err != nil {
		usage()
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		slog.Warn("trace output is a terminal; records carry hex blobs, consider redirecting stdout")
	}

	timers := new(stats.Set)
	timers.Runtime.Start()

	w := trace.NewWriter(os.Stdout, &timers.Trace)
	p, err := socket.New(port, hostport, w, timers)
	if err != nil {
		return fmt.Errorf("start proxy: %w", err)
	}

	// Interrupt and terminate both mean: stop the clock, print the timing
	// summary to stderr, exit cleanly.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, unix.SIGTERM)
	go func() {
		<-sigs
		timers.Summarize(os.Stderr)
		os.Exit(0)
	}()

	slog.Info("listening", "run", uuid.NewString(), "port", p.Port(), "upstream", hostport)
	return p.Run()
}
