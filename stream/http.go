// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package stream

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	errInvalidChunkSize   = errors.New("invalid chunk size")
	errBadChunkTerminator = errors.New("bad chunk terminator")
)

// stateHTTP is the initial state for both directions. It waits for the
// complete header block, stashes it, then decides how the body is framed:
// websocket upgrade, fixed Content-Length, chunked transfer encoding, or no
// body at all.
func stateHTTP(f *Follower) (string, bool) {
	end, ok := findHeaderEnd(f.buf)
	if !ok {
		return "", false
	}

	block := append([]byte(nil), f.buf[:end]...)
	f.buf = f.buf[end:]

	f.headings = block
	f.status = string(statusLine(block))

	f.retState = StateEOF
	if v, ok := headerValue(block, "connection"); ok && hasToken(v, "keep-alive") {
		f.retState = StateHTTP
	}

	f.decode = decodeIdentity
	if enc, ok := headerValue(block, "content-encoding"); ok {
		switch {
		case trimLowerEqual(enc, "gzip"):
			f.decode = decodeGzip
		case trimLowerEqual(enc, "deflate"):
			f.decode = decodeDeflate
		case trimLowerEqual(enc, "br"):
			f.decode = decodeBrotli
		case trimLowerEqual(enc, "identity"), trimLowerEqual(enc, ""):
		default:
			slog.Warn("unknown content-encoding, treating as identity", "conn", f.connID, "dir", f.dir, "encoding", string(enc))
		}
	}

	conn, _ := headerValue(block, "connection")
	upgrade, _ := headerValue(block, "upgrade")
	if hasToken(conn, "upgrade") && hasToken(upgrade, "websocket") {
		f.event("websocket upgrade", block, nil)
		f.clearHTTP()
		return StateWebsocket, true
	}

	if v, ok := headerValue(block, "content-length"); ok {
		if n, ok := parseDec(v); ok {
			f.bodyLen = n
			f.event(fmt.Sprintf("content-length: %d", n), block, nil)
			return StateHTTPLength, true
		}
		slog.Warn("unparseable content-length, assuming no body", "conn", f.connID, "dir", f.dir, "value", string(v))
	}

	if v, ok := headerValue(block, "transfer-encoding"); ok && hasToken(v, "chunked") {
		f.chunks = []byte{}
		f.event("transfer-encoding: chunked", block, nil)
		return StateHTTPChunked, true
	}

	f.event(f.status, block, nil)
	next := f.retState
	f.clearHTTP()
	return next, true
}

// stateHTTPLength waits for the declared number of body bytes, then emits
// the whole message as one event.
func stateHTTPLength(f *Follower) (string, bool) {
	if len(f.buf) < f.bodyLen {
		return "", false
	}

	body := f.decodeBody(f.buf[:f.bodyLen:f.bodyLen])
	f.event(f.status, f.headings, body)
	f.buf = f.buf[f.bodyLen:]

	next := f.retState
	f.clearHTTP()
	return next, true
}

// stateHTTPChunked accumulates chunk payloads until the terminating
// zero-size chunk, then emits the whole body as one event. Intermediate
// chunks emit nothing: one message, one event.
func stateHTTPChunked(f *Follower) (string, bool) {
	for {
		eol, ok := findCRLF(f.buf)
		if !ok {
			return "", false
		}

		size, ok := parseChunkSize(f.buf[:eol])
		if !ok {
			f.lastErr = fmt.Errorf("conn %d %s: parse %q: %w", f.connID, f.dir, f.buf[:eol], errInvalidChunkSize)
			return "", false
		}

		if size == 0 {
			if len(f.buf) < eol+4 {
				return "", false
			}
			f.buf = f.buf[eol+4:]

			body := f.decodeBody(f.chunks)
			f.event(f.status, f.headings, body)

			next := f.retState
			f.clearHTTP()
			return next, true
		}

		if len(f.buf) < eol+2+size+2 {
			return "", false
		}
		if f.buf[eol+2+size] != '\r' || f.buf[eol+2+size+1] != '\n' {
			f.lastErr = fmt.Errorf("conn %d %s: %w", f.connID, f.dir, errBadChunkTerminator)
			return "", false
		}

		f.chunks = append(f.chunks, f.buf[eol+2:eol+2+size]...)
		f.buf = f.buf[eol+2+size+2:]
	}
}
