// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package stats accounts proxy runtime to coarse categories so that the
// timing summary printed on shutdown can attribute where the process spent
// its life: waiting for socket readiness, rewriting the outbound request,
// parsing streams, or writing trace records.
package stats

import (
	"fmt"
	"io"
	"time"
)

// A Timer is a monotonic accumulator. It can be started and stopped any
// number of times; Total reports the sum of all closed intervals plus the
// currently open one, if any. Start while running and Stop while stopped are
// no-ops, so callers on error paths don't need to track pairing.
type Timer struct {
	total   time.Duration
	started time.Time
	running bool
}

func (t *Timer) Start() {
	if t.running {
		return
	}
	t.started = time.Now()
	t.running = true
}

func (t *Timer) Stop() {
	if !t.running {
		return
	}
	t.total += time.Since(t.started)
	t.running = false
}

func (t *Timer) Total() time.Duration {
	if t.running {
		return t.total + time.Since(t.started)
	}
	return t.total
}

// A Set holds the timers for every accounted category.
type Set struct {
	Runtime Timer // whole process, started at proxy startup
	Wait    Timer // readiness waits (both select passes)
	Rewrite Timer // one-shot HTTP request rewrite
	Parse   Timer // follower state machine
	Trace   Timer // trace record writes
}

// Summarize stops the runtime timer and prints each category as an absolute
// duration and as a percentage of the total runtime. The residual "other"
// row is clamped at zero.
func (s *Set) Summarize(w io.Writer) {
	s.Runtime.Stop()
	total := s.Runtime.Total()

	rows := []struct {
		name string
		dur  time.Duration
	}{
		{"io wait", s.Wait.Total()},
		{"rewrite", s.Rewrite.Total()},
		{"parse", s.Parse.Total()},
		{"trace", s.Trace.Total()},
	}

	var rest time.Duration
	for _, r := range rows {
		rest += r.dur
	}
	other := total - rest
	if other < 0 {
		other = 0
	}
	rows = append(rows, struct {
		name string
		dur  time.Duration
	}{"other", other})

	fmt.Fprintf(w, "%-8s %12v\n", "runtime", total.Round(time.Microsecond))
	for _, r := range rows {
		pct := 0.0
		if total > 0 {
			pct = 100 * float64(r.dur) / float64(total)
		}
		fmt.Fprintf(w, "%-8s %12v %6.1f%%\n", r.name, r.dur.Round(time.Microsecond), pct)
	}
}
