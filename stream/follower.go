// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package stream parses one direction of a proxied TCP connection as a
// finite-state machine over HTTP/1.x message framing and RFC 6455 WebSocket
// frames, emitting one trace event per protocol-level observation.
package stream

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spencertipping/sockpuppet/stats"
	"github.com/spencertipping/sockpuppet/trace"
)

// Parser states. Transitions are expressed by name so the machine is
// defined entirely by the state table below.
const (
	StateHTTP        = "http"
	StateHTTPLength  = "http_length"
	StateHTTPChunked = "http_chunked"
	StateWebsocket   = "websocket"
	StateEOF         = "eof"
	StateClosed      = "closed"
)

// A stateFunc consumes a prefix of the follower's buffer in place and either
// returns the next state name, or reports that it cannot make progress
// without more bytes.
type stateFunc func(*Follower) (next string, ok bool)

var states = map[string]stateFunc{
	StateHTTP:        stateHTTP,
	StateHTTPLength:  stateHTTPLength,
	StateHTTPChunked: stateHTTPChunked,
	StateWebsocket:   stateWebsocket,
	StateEOF:         stateEOF,
	StateClosed:      stateClosed,
}

var errDataAfterClose = errors.New("data arrived on a closed stream")

// A Follower is the per-direction parser and event emitter pinned to one
// half of a proxied connection. It accumulates bytes it has been fed but not
// yet parsed, and the begin/end timestamps of the event currently being
// assembled (zero means unset).
type Follower struct {
	w      *trace.Writer
	parse  *stats.Timer
	connID int64
	dir    string
	pair   *Follower // non-owning back-reference, inspection only

	state   string
	buf     []byte
	begin   float64
	end     float64
	lastErr error

	// HTTP scratch, valid between the http state and the end of the body.
	headings []byte     // full header block including terminator
	status   string     // first header line
	retState string     // state to return to once the body completes
	decode   decodeFunc // selected by Content-Encoding
	bodyLen  int        // declared Content-Length
	chunks   []byte     // chunked-body accumulator

	// WebSocket scratch.
	dataStart  float64 // begin-time of the in-flight data message
	ctrlStart  float64 // begin-time of the in-flight control frame
	fragHeader []byte  // header of the initial fragment
	fragType   string  // message type of the initial fragment
	fragBody   []byte  // reassembled payload of preceding fragments
}

// New returns a follower in the http state. Pair the two directions of a
// connection with SetPair before feeding data.
func New(w *trace.Writer, parse *stats.Timer, connID int64, dir string) *Follower {
	return &Follower{
		w:      w,
		parse:  parse,
		connID: connID,
		dir:    dir,
		state:  StateHTTP,
		decode: decodeIdentity,
	}
}

// SetPair records the follower for the opposite direction. The reference is
// used only to inspect the pair's state, never to manage its lifetime.
func (f *Follower) SetPair(pair *Follower) { f.pair = pair }

// State returns the current parser state name.
func (f *Follower) State() string { return f.state }

// Err returns the fatal error for this stream, if any. Once set, no further
// data may be fed.
func (f *Follower) Err() error { return f.lastErr }

// Data feeds freshly observed bytes to the follower: it stamps the pending
// event's timestamps, appends to the buffer, then drives the current state
// function until it can no longer make progress. Each state transition
// collapses the pending timeframe (begin := end) on the assumption that the
// most recent bytes caused the transition.
func (f *Follower) Data(b []byte) error {
	if f.lastErr != nil {
		return f.lastErr
	}

	now := trace.Now()
	if f.begin == 0 {
		f.begin = now
	}
	f.end = now
	f.buf = append(f.buf, b...)

	f.parse.Start()
	defer f.parse.Stop()

	for len(f.buf) > 0 {
		fn, ok := states[f.state]
		if !ok {
			panic(fmt.Errorf("stream: no such state %q", f.state))
		}
		next, ok := fn(f)
		if f.lastErr != nil {
			return f.lastErr
		}
		if !ok {
			break
		}
		f.state = next
		f.begin = f.end
	}
	return nil
}

// Ping stamps the pending event's timestamps without feeding bytes. The
// proxy pings the uplink follower on every client read so that the begin
// time is preserved even while bytes are held back for the request rewrite.
func (f *Follower) Ping() {
	now := trace.Now()
	if f.begin == 0 {
		f.begin = now
	}
	f.end = now
}

// Close marks the protocol-level end of the stream. Residual unparsed bytes
// indicate a message that was cut off mid-frame; they are emitted as a final
// event so the trace accounts for every observed byte.
func (f *Follower) Close() {
	if f.state == StateClosed {
		return
	}
	f.Ping()

	f.parse.Start()
	defer f.parse.Stop()

	f.state = StateClosed
	if len(f.buf) > 0 {
		f.event("unexpected EOF", nil, f.buf)
		f.buf = nil
	}
}

// event writes one trace record for the pending timeframe. The parse timer
// is paused for the duration so trace overhead is accounted separately.
func (f *Follower) event(notes string, headings, body []byte) {
	f.eventAt(f.begin, f.end, notes, headings, body)
}

func (f *Follower) eventAt(begin, end float64, notes string, headings, body []byte) {
	f.parse.Stop()
	defer f.parse.Start()
	f.w.Write(&trace.Event{
		Begin:    begin,
		End:      end,
		ConnID:   f.connID,
		Dir:      f.dir,
		State:    f.state,
		Notes:    notes,
		Headings: headings,
		Body:     body,
	})
}

// decodeBody runs the selected body decoder, falling back to the raw bytes
// when the decoder rejects them. An undecodable body is a protocol surprise,
// not a reason to drop the event.
func (f *Follower) decodeBody(b []byte) []byte {
	out, err := f.decode(b)
	if err != nil {
		slog.Warn("failed to decode body, emitting raw bytes", "conn", f.connID, "dir", f.dir, "err", err)
		return b
	}
	return out
}

// clearHTTP drops the per-message HTTP scratch once a message completes or
// the stream upgrades.
func (f *Follower) clearHTTP() {
	f.headings = nil
	f.status = ""
	f.retState = ""
	f.decode = decodeIdentity
	f.bodyLen = 0
	f.chunks = nil
}

func stateEOF(f *Follower) (string, bool) {
	if len(f.buf) > 0 {
		pairState := "<none>"
		if f.pair != nil {
			pairState = f.pair.state
		}
		slog.Warn("data after stream end, discarding", "conn", f.connID, "dir", f.dir, "bytes", len(f.buf), "pair", pairState)
		f.buf = nil
	}
	return "", false
}

func stateClosed(f *Follower) (string, bool) {
	f.lastErr = fmt.Errorf("conn %d %s: %d bytes: %w", f.connID, f.dir, len(f.buf), errDataAfterClose)
	slog.Error("stream invariant violated", "conn", f.connID, "dir", f.dir, "err", f.lastErr)
	return "", false
}
