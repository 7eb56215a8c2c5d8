// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package socket

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/spencertipping/sockpuppet/stats"
	"github.com/spencertipping/sockpuppet/stream"
	"github.com/spencertipping/sockpuppet/trace"
)

// BufLimit bounds each direction's intermediate buffer. When a buffer is
// full its read is skipped, which lets the kernel socket buffer apply
// TCP-level backpressure to the far peer.
const BufLimit = 64 << 10

var errSocketFailed = errors.New("socket in error state")

// A Conn couples one accepted client socket with one upstream socket. Both
// fds are non-blocking; all mutation happens from the proxy's single
// readiness loop.
type Conn struct {
	id       int64
	clientFD int
	serverFD int
	hostport string

	up   []byte // client -> server, pending forward
	down []byte // server -> client, pending forward

	upFollower   *stream.Follower
	downFollower *stream.Follower

	rewritten bool // one-shot latch: uplink headers have been rewritten
	alive     bool
}

func newConn(id int64, clientFD, serverFD int, hostport string, w *trace.Writer, timers *stats.Set) *Conn {
	c := &Conn{
		id:           id,
		clientFD:     clientFD,
		serverFD:     serverFD,
		hostport:     hostport,
		upFollower:   stream.New(w, &timers.Parse, id, trace.DirUp),
		downFollower: stream.New(w, &timers.Parse, id, trace.DirDown),
		alive:        true,
	}
	c.upFollower.SetPair(c.downFollower)
	c.downFollower.SetPair(c.upFollower)
	return c
}

// ignorable reports transient conditions that just mean "try again next
// readiness round".
func ignorable(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

// step performs one I/O round with the combined readiness results. Any
// returned error means the connection is done (io.EOF for a clean peer
// close) and the caller must close it.
func (c *Conn) step(rset, wset, eset *unix.FdSet, rewrite *stats.Timer) error {
	if eset.IsSet(c.clientFD) || eset.IsSet(c.serverFD) {
		return errSocketFailed
	}

	// Downlink read. Skipped when the buffer is full so the kernel applies
	// backpressure to the server.
	if rset.IsSet(c.serverFD) && len(c.down) < BufLimit {
		b := make([]byte, BufLimit-len(c.down))
		switch n, err := unix.Read(c.serverFD, b); {
		case err != nil && !ignorable(err):
			return fmt.Errorf("read server: %w", err)
		case err != nil:
		case n == 0:
			return io.EOF
		default:
			c.down = append(c.down, b[:n]...)
			if err := c.downFollower.Data(b[:n]); err != nil {
				return fmt.Errorf("downlink follower: %w", err)
			}
		}
	}

	// Downlink write. Partial writes are fine, the rest stays buffered.
	if wset.IsSet(c.clientFD) && len(c.down) > 0 {
		switch n, err := unix.Write(c.clientFD, c.down); {
		case err != nil && !ignorable(err):
			return fmt.Errorf("write client: %w", err)
		case err != nil:
		default:
			c.down = c.down[n:]
		}
	}

	// Uplink read. Before the rewrite latch fires we read past the buffer
	// limit check: the header terminator has to be found no matter how the
	// client dribbles it in. The follower is pinged on every read so the
	// event's begin-time is set even while bytes are held for the rewrite.
	if rset.IsSet(c.clientFD) {
		room := BufLimit
		if c.rewritten {
			room = BufLimit - len(c.up)
		}
		if room > 0 {
			b := make([]byte, room)
			switch n, err := unix.Read(c.clientFD, b); {
			case err != nil && !ignorable(err):
				return fmt.Errorf("read client: %w", err)
			case err != nil:
			case n == 0:
				return io.EOF
			default:
				c.up = append(c.up, b[:n]...)
				c.upFollower.Ping()
				if !c.rewritten {
					rewrite.Start()
					if out, ok := rewriteRequest(c.up, c.hostport); ok {
						c.up = out
						c.rewritten = true
					}
					rewrite.Stop()
				}
			}
		}
	}

	// Uplink write, only after the rewrite. The follower is fed exactly the
	// prefix that went out, so its view is always a subset of what the
	// server received.
	if c.rewritten && wset.IsSet(c.serverFD) && len(c.up) > 0 {
		switch n, err := unix.Write(c.serverFD, c.up); {
		case err != nil && !ignorable(err):
			return fmt.Errorf("write server: %w", err)
		case err != nil:
		default:
			if err := c.upFollower.Data(c.up[:n]); err != nil {
				return fmt.Errorf("uplink follower: %w", err)
			}
			c.up = c.up[n:]
		}
	}

	return nil
}

// close flushes what it can, closes both followers, then both sockets.
// Residual uplink bytes are fed to the follower first so the trace accounts
// for them even if the final write fails.
func (c *Conn) close() {
	if !c.alive {
		return
	}
	c.alive = false

	if len(c.up) > 0 {
		if err := c.upFollower.Data(c.up); err != nil {
			slog.Warn("failed to feed residual uplink bytes", "conn", c.id, "err", err)
		}
		unix.Write(c.serverFD, c.up)
		c.up = nil
	}
	if len(c.down) > 0 {
		unix.Write(c.clientFD, c.down)
		c.down = nil
	}

	c.upFollower.Close()
	c.downFollower.Close()

	unix.Close(c.clientFD)
	unix.Close(c.serverFD)
	slog.Debug("closed connection", "conn", c.id)
}
