// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package socket

import (
	"strings"
	"testing"
)

func TestRewriteRequest(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{
			name: "host replaced",
			in:   "GET / HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\n\r\n",
			want: "GET / HTTP/1.1\r\nHost: upstream.test:9090\r\nAccept: */*\r\n\r\n",
			ok:   true,
		},
		{
			name: "host case and whitespace",
			in:   "GET / HTTP/1.1\r\nhOsT  : example.com\r\n\r\n",
			want: "GET / HTTP/1.1\r\nHost: upstream.test:9090\r\n\r\n",
			ok:   true,
		},
		{
			name: "http2 downgraded",
			in:   "GET / HTTP/2.0\r\nHost: a\r\n\r\n",
			want: "GET / HTTP/1.1\r\nHost: upstream.test:9090\r\n\r\n",
			ok:   true,
		},
		{
			name: "http2 bare token",
			in:   "GET / HTTP/2\r\nHost: a\r\n\r\n",
			want: "GET / HTTP/1.1\r\nHost: upstream.test:9090\r\n\r\n",
			ok:   true,
		},
		{
			name: "extensions stripped",
			in:   "GET /chat HTTP/1.1\r\nHost: a\r\nSec-WebSocket-Extensions: permessage-deflate\r\nSec-WebSocket-Key: k\r\n\r\n",
			want: "GET /chat HTTP/1.1\r\nHost: upstream.test:9090\r\nSec-WebSocket-Key: k\r\n\r\n",
			ok:   true,
		},
		{
			name: "extensions case insensitive",
			in:   "GET / HTTP/1.1\r\nSEC-WEBSOCKET-EXTENSIONS: x\r\n\r\n",
			want: "GET / HTTP/1.1\r\n\r\n",
			ok:   true,
		},
		{
			name: "body preserved",
			in:   "POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 4\r\n\r\nwxyz",
			want: "POST / HTTP/1.1\r\nHost: upstream.test:9090\r\nContent-Length: 4\r\n\r\nwxyz",
			ok:   true,
		},
		{
			name: "lf-only normalized to crlf",
			in:   "GET / HTTP/1.1\nHost: a\n\n",
			want: "GET / HTTP/1.1\r\nHost: upstream.test:9090\r\n\r\n",
			ok:   true,
		},
		{
			name: "nothing to rewrite passes through",
			in:   "GET / HTTP/1.1\r\nAccept: */*\r\n\r\nbody bytes",
			want: "GET / HTTP/1.1\r\nAccept: */*\r\n\r\nbody bytes",
			ok:   true,
		},
		{
			// No Host, no HTTP/2 token, no extensions header: even bare-LF
			// line endings must survive untouched.
			name: "lf-only no match left byte identical",
			in:   "GET / HTTP/1.1\nAccept: */*\n\n",
			want: "GET / HTTP/1.1\nAccept: */*\n\n",
			ok:   true,
		},
		{
			name: "lf-only no match with body left byte identical",
			in:   "PUT /raw HTTP/1.1\nContent-Length: 3\n\nabc",
			want: "PUT /raw HTTP/1.1\nContent-Length: 3\n\nabc",
			ok:   true,
		},
		{
			name: "no terminator yet",
			in:   "GET / HTTP/1.1\r\nHost: example.com\r\n",
			ok:   false,
		},
		{
			name: "empty",
			in:   "",
			ok:   false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			out, ok := rewriteRequest([]byte(test.in), "upstream.test:9090")
			if ok != test.ok {
				t.Fatalf("got ok=%v, want %v", ok, test.ok)
			}
			if !ok {
				return
			}
			if string(out) != test.want {
				t.Errorf("got:\n%q\nwant:\n%q", out, test.want)
			}
		})
	}
}

func TestRewriteHostValueUntouchedInBody(t *testing.T) {
	// A Host-like line in the body must survive; only header lines are
	// rewritten.
	in := "POST / HTTP/1.1\r\nHost: a\r\n\r\nHost: not-a-header\r\n"
	out, ok := rewriteRequest([]byte(in), "u:1")
	if !ok {
		t.Fatal("rewrite did not fire")
	}
	if !strings.Contains(string(out), "Host: not-a-header") {
		t.Errorf("body mangled: %q", out)
	}
	if !strings.Contains(string(out), "Host: u:1\r\n") {
		t.Errorf("header not rewritten: %q", out)
	}
}
