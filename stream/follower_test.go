// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package stream

import (
	"bytes"
	"encoding/hex"
	"strconv"
	"strings"
	"testing"

	"github.com/spencertipping/sockpuppet/stats"
	"github.com/spencertipping/sockpuppet/trace"
)

type record struct {
	begin, end float64
	connID     int64
	dir        string
	state      string
	notes      string
	headings   []byte
	body       []byte
}

func parseRecords(t *testing.T, b []byte) []record {
	t.Helper()

	var out []record
	for i, line := range strings.Split(string(b), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 8 {
			t.Fatalf("record %d: got %d fields, want 8: %q", i, len(fields), line)
		}

		var r record
		var err error
		if r.begin, err = strconv.ParseFloat(fields[0], 64); err != nil {
			t.Fatalf("record %d: parse begin: %v", i, err)
		}
		if r.end, err = strconv.ParseFloat(fields[1], 64); err != nil {
			t.Fatalf("record %d: parse end: %v", i, err)
		}
		if r.connID, err = strconv.ParseInt(fields[2], 10, 64); err != nil {
			t.Fatalf("record %d: parse conn id: %v", i, err)
		}
		r.dir, r.state, r.notes = fields[3], fields[4], fields[5]
		if r.headings, err = hex.DecodeString(fields[6]); err != nil {
			t.Fatalf("record %d: decode headings: %v", i, err)
		}
		if r.body, err = hex.DecodeString(fields[7]); err != nil {
			t.Fatalf("record %d: decode body: %v", i, err)
		}
		out = append(out, r)
	}
	return out
}

func newTestFollower(dir string) (*Follower, *bytes.Buffer) {
	buf := new(bytes.Buffer)
	w := trace.NewWriter(buf, new(stats.Timer))
	return New(w, new(stats.Timer), 7, dir), buf
}

func TestCloseResidual(t *testing.T) {
	f, buf := newTestFollower(trace.DirDown)

	if err := f.Data([]byte("HTTP/1.1 200 OK\r\nContent-Len")); err != nil {
		t.Fatalf("data: %v", err)
	}
	f.Close()

	recs := parseRecords(t, buf.Bytes())
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].notes != "unexpected EOF" {
		t.Errorf("got notes %q, want %q", recs[0].notes, "unexpected EOF")
	}
	if recs[0].state != StateClosed {
		t.Errorf("got state %q, want %q", recs[0].state, StateClosed)
	}
	if got, want := string(recs[0].body), "HTTP/1.1 200 OK\r\nContent-Len"; got != want {
		t.Errorf("got body %q, want %q", got, want)
	}
	if f.State() != StateClosed {
		t.Errorf("got state %q, want %q", f.State(), StateClosed)
	}
}

func TestCloseCleanIsSilent(t *testing.T) {
	f, buf := newTestFollower(trace.DirDown)

	if err := f.Data([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi")); err != nil {
		t.Fatalf("data: %v", err)
	}
	before := len(parseRecords(t, buf.Bytes()))
	f.Close()
	if after := len(parseRecords(t, buf.Bytes())); after != before {
		t.Errorf("close emitted %d extra records, want 0", after-before)
	}
}

func TestDataAfterClose(t *testing.T) {
	f, _ := newTestFollower(trace.DirUp)
	f.Close()

	if err := f.Data([]byte("x")); err == nil {
		t.Fatal("got nil error feeding a closed follower, want fatal")
	}
	if f.Err() == nil {
		t.Fatal("got nil Err after data-on-closed, want sticky error")
	}
	if err := f.Data([]byte("y")); err == nil {
		t.Fatal("sticky error not returned on subsequent feed")
	}
}

func TestDataAfterEOFDiscards(t *testing.T) {
	f, buf := newTestFollower(trace.DirDown)

	if err := f.Data([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi")); err != nil {
		t.Fatalf("data: %v", err)
	}
	if f.State() != StateEOF {
		t.Fatalf("got state %q, want %q", f.State(), StateEOF)
	}

	before := len(parseRecords(t, buf.Bytes()))
	if err := f.Data([]byte("stray bytes")); err != nil {
		t.Fatalf("data after eof: %v", err)
	}
	if f.State() != StateEOF {
		t.Errorf("got state %q, want %q", f.State(), StateEOF)
	}
	if after := len(parseRecords(t, buf.Bytes())); after != before {
		t.Errorf("eof data emitted %d records, want 0", after-before)
	}
}

func TestEndTimesMonotonic(t *testing.T) {
	f, buf := newTestFollower(trace.DirDown)

	resp := "HTTP/1.1 200 OK\r\nConnection: keep-alive\r\nContent-Length: 5\r\n\r\nhello"
	for i := 0; i < 3; i++ {
		for _, b := range []byte(resp) {
			if err := f.Data([]byte{b}); err != nil {
				t.Fatalf("data: %v", err)
			}
		}
	}

	recs := parseRecords(t, buf.Bytes())
	if len(recs) == 0 {
		t.Fatal("no records")
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].end < recs[i-1].end {
			t.Errorf("record %d: end %f < previous end %f", i, recs[i].end, recs[i-1].end)
		}
	}
	for _, r := range recs {
		if r.begin > r.end {
			t.Errorf("record begin %f > end %f", r.begin, r.end)
		}
		if r.connID != 7 || r.dir != trace.DirDown {
			t.Errorf("got conn %d dir %q, want 7 %q", r.connID, r.dir, trace.DirDown)
		}
	}
}
