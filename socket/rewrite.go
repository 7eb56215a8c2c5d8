// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package socket

import (
	"bytes"
	"regexp"
)

var (
	headerEndRE  = regexp.MustCompile(`\r?\n\r?\n`)
	http2TokenRE = regexp.MustCompile(`HTTP/2\S*`)
)

// rewriteRequest performs the one-shot uplink rewrite: once the header
// terminator is visible, the request line is downgraded from HTTP/2 to
// HTTP/1.1, the Host header is pointed at the configured upstream, and any
// Sec-WebSocket-Extensions header is stripped (we forward frames verbatim,
// so negotiated extensions would corrupt the stream). When none of the
// three substitutions apply, the buffer is returned untouched: a stream the
// rewrite has nothing to say about must reach the upstream byte for byte.
// Returns false until the full header block has arrived.
func rewriteRequest(buf []byte, hostport string) ([]byte, bool) {
	loc := headerEndRE.FindIndex(buf)
	if loc == nil {
		return nil, false
	}
	head, body := buf[:loc[0]], buf[loc[1]:]

	changed := false
	out := make([]byte, 0, len(buf)+64)
	for i, line := range bytes.Split(head, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))

		if i == 0 {
			if http2TokenRE.Match(line) {
				line = http2TokenRE.ReplaceAll(line, []byte("HTTP/1.1"))
				changed = true
			}
		} else if name, _, ok := bytes.Cut(line, []byte(":")); ok {
			switch {
			case bytes.EqualFold(bytes.TrimSpace(name), []byte("host")):
				line = append([]byte("Host: "), hostport...)
				changed = true
			case bytes.EqualFold(bytes.TrimSpace(name), []byte("sec-websocket-extensions")):
				changed = true
				continue
			}
		}

		out = append(out, line...)
		out = append(out, '\r', '\n')
	}
	if !changed {
		return buf, true
	}

	out = append(out, '\r', '\n')
	out = append(out, body...)
	return out, true
}
