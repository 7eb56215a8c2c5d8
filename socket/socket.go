// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package socket owns the listening socket and the set of live proxied
// connections. Everything runs on one cooperative readiness loop: two
// select(2) passes per iteration, then one I/O step per connection, then at
// most one accept. There are no per-connection goroutines and no locks.
package socket

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/spencertipping/sockpuppet/stats"
	"github.com/spencertipping/sockpuppet/trace"
)

// A Proxy accepts clients on a loopback port and couples each one to a
// fresh connection to the configured upstream.
type Proxy struct {
	hostport string
	family   int
	upstream unix.Sockaddr

	listenFD int
	port     int
	wakeR    int // self-pipe, lets Close wake the readiness loop
	wakeW    int

	conns  []*Conn
	nextID int64

	w      *trace.Writer
	timers *stats.Set

	// halfTimeout applies to each of the two readiness passes. nil blocks
	// indefinitely, which is the default: the loop only needs to wake when
	// a socket is ready or the self-pipe fires.
	halfTimeout *unix.Timeval

	stopped atomic.Bool
}

// New binds the loopback listen socket, resolves the upstream address once,
// and prepares the readiness loop. Setup errors here are fatal to the
// process.
func New(port int, hostport string, w *trace.Writer, timers *stats.Set) (*Proxy, error) {
	addr, err := net.ResolveTCPAddr("tcp", hostport)
	if err != nil {
		return nil, fmt.Errorf("resolve upstream %q: %w", hostport, err)
	}

	p := &Proxy{
		hostport: hostport,
		nextID:   int64(os.Getpid()) * 1_000_000_000,
		w:        w,
		timers:   timers,
	}

	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		p.family, p.upstream = unix.AF_INET, sa
	} else {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], addr.IP.To16())
		p.family, p.upstream = unix.AF_INET6, sa
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind 127.0.0.1:%d: %w", port, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	p.listenFD = fd

	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	p.port = sa.(*unix.SockaddrInet4).Port

	var pipe [2]int
	if err := unix.Pipe(pipe[:]); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("pipe: %w", err)
	}
	p.wakeR, p.wakeW = pipe[0], pipe[1]
	unix.SetNonblock(p.wakeR, true)
	unix.SetNonblock(p.wakeW, true)

	return p, nil
}

// Port returns the bound listen port (useful when constructed with port 0).
func (p *Proxy) Port() int { return p.port }

// Close wakes the readiness loop and makes Run return after tearing down
// all live connections. Safe to call from another goroutine.
func (p *Proxy) Close() {
	if p.stopped.CompareAndSwap(false, true) {
		unix.Write(p.wakeW, []byte{0})
	}
}

// Run drives the readiness loop until Close is called. Per-connection
// errors are logged and close that connection only; nothing short of a
// select failure terminates the loop.
func (p *Proxy) Run() error {
	defer p.teardown()

	for {
		if p.stopped.Load() {
			return nil
		}

		// Read+error pass: the listen fd, the self-pipe, and every live
		// connection's two fds.
		var rset, eset unix.FdSet
		maxfd := p.listenFD
		grow := func(fd int) {
			if fd > maxfd {
				maxfd = fd
			}
		}
		rset.Set(p.listenFD)
		eset.Set(p.listenFD)
		rset.Set(p.wakeR)
		grow(p.wakeR)
		for _, c := range p.conns {
			rset.Set(c.clientFD)
			rset.Set(c.serverFD)
			eset.Set(c.clientFD)
			eset.Set(c.serverFD)
			grow(c.clientFD)
			grow(c.serverFD)
		}

		if err := p.wait(maxfd, &rset, nil, &eset); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("select read: %w", err)
		}

		// Write pass. A side is a write candidate only if its paired read
		// fired: that rule is the flow control, preventing a busy loop on a
		// writable peer with nothing to forward.
		var wset unix.FdSet
		writable := false
		for _, c := range p.conns {
			if rset.IsSet(c.serverFD) {
				wset.Set(c.clientFD)
				writable = true
			}
			if rset.IsSet(c.clientFD) {
				wset.Set(c.serverFD)
				writable = true
			}
		}
		if writable {
			if err := p.wait(maxfd, nil, &wset, nil); err != nil {
				if errors.Is(err, unix.EINTR) {
					wset.Zero()
				} else {
					return fmt.Errorf("select write: %w", err)
				}
			}
		}

		for _, c := range p.conns {
			switch err := c.step(&rset, &wset, &eset, &p.timers.Rewrite); {
			case err == nil:
			case errors.Is(err, io.EOF):
				slog.Debug("peer closed connection", "conn", c.id)
				c.close()
			default:
				slog.Warn("connection error", "conn", c.id, "err", err)
				c.close()
			}
		}
		live := p.conns[:0]
		for _, c := range p.conns {
			if c.alive {
				live = append(live, c)
			}
		}
		p.conns = live

		if rset.IsSet(p.wakeR) {
			var b [16]byte
			unix.Read(p.wakeR, b[:])
		}

		if rset.IsSet(p.listenFD) {
			if err := p.accept(); err != nil {
				slog.Error("failed to set up accepted connection", "err", err)
			}
		}
	}
}

// wait is one readiness gather, charged to the io-wait timer.
func (p *Proxy) wait(maxfd int, rset, wset, eset *unix.FdSet) error {
	var tv *unix.Timeval
	if p.halfTimeout != nil {
		copied := *p.halfTimeout
		tv = &copied
	}

	p.timers.Wait.Start()
	_, err := unix.Select(maxfd+1, rset, wset, eset, tv)
	p.timers.Wait.Stop()
	return err
}

// accept takes one waiting client, dials the upstream, and registers the
// new connection. A setup failure drops the client but not the proxy.
func (p *Proxy) accept() error {
	clientFD, _, err := unix.Accept(p.listenFD)
	if err != nil {
		if ignorable(err) {
			return nil
		}
		return fmt.Errorf("accept: %w", err)
	}
	unix.CloseOnExec(clientFD)
	if err := unix.SetNonblock(clientFD, true); err != nil {
		unix.Close(clientFD)
		return fmt.Errorf("set client nonblock: %w", err)
	}

	serverFD, err := unix.Socket(p.family, unix.SOCK_STREAM, 0)
	if err != nil {
		unix.Close(clientFD)
		return fmt.Errorf("upstream socket: %w", err)
	}
	unix.CloseOnExec(serverFD)
	if err := unix.Connect(serverFD, p.upstream); err != nil {
		unix.Close(clientFD)
		unix.Close(serverFD)
		return fmt.Errorf("connect %s: %w", p.hostport, err)
	}
	if err := unix.SetNonblock(serverFD, true); err != nil {
		unix.Close(clientFD)
		unix.Close(serverFD)
		return fmt.Errorf("set server nonblock: %w", err)
	}

	id := p.nextID
	p.nextID++
	p.conns = append(p.conns, newConn(id, clientFD, serverFD, p.hostport, p.w, p.timers))
	slog.Debug("accepted connection", "conn", id, "upstream", p.hostport)
	return nil
}

func (p *Proxy) teardown() {
	for _, c := range p.conns {
		c.close()
	}
	p.conns = nil
	unix.Close(p.listenFD)
	unix.Close(p.wakeR)
	unix.Close(p.wakeW)
}
