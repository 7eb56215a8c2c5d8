// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package stats

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestTimerAccumulates(t *testing.T) {
	timer := new(Timer)

	timer.Start()
	time.Sleep(2 * time.Millisecond)
	timer.Stop()
	first := timer.Total()
	if first < 2*time.Millisecond {
		t.Errorf("got total %v, want >= 2ms", first)
	}

	timer.Start()
	time.Sleep(2 * time.Millisecond)
	timer.Stop()
	if second := timer.Total(); second < first+2*time.Millisecond {
		t.Errorf("got total %v after second interval, want >= %v", second, first+2*time.Millisecond)
	}
}

func TestTimerIdempotentStartStop(t *testing.T) {
	timer := new(Timer)

	timer.Stop() // no-op while stopped
	if timer.Total() != 0 {
		t.Errorf("got total %v, want 0", timer.Total())
	}

	timer.Start()
	timer.Start() // no-op while running; must not reset the interval start
	time.Sleep(time.Millisecond)
	timer.Stop()
	timer.Stop()
	if timer.Total() < time.Millisecond {
		t.Errorf("got total %v, want >= 1ms", timer.Total())
	}
}

func TestTimerRunningTotal(t *testing.T) {
	timer := new(Timer)
	timer.Start()
	time.Sleep(time.Millisecond)
	if timer.Total() < time.Millisecond {
		t.Errorf("got running total %v, want >= 1ms", timer.Total())
	}
}

func TestSummarize(t *testing.T) {
	s := new(Set)
	s.Runtime.Start()
	s.Wait.Start()
	time.Sleep(2 * time.Millisecond)
	s.Wait.Stop()

	buf := new(bytes.Buffer)
	s.Summarize(buf)

	out := buf.String()
	for _, row := range []string{"runtime", "io wait", "rewrite", "parse", "trace", "other"} {
		if !strings.Contains(out, row) {
			t.Errorf("summary missing %q row:\n%s", row, out)
		}
	}
	if !strings.Contains(out, "%") {
		t.Errorf("summary missing percentages:\n%s", out)
	}
}

func TestSummarizeOtherClamped(t *testing.T) {
	// Categories can overlap slightly; "other" must clamp at zero rather
	// than go negative.
	s := new(Set)
	s.Runtime.Start()
	s.Wait.Start()
	s.Parse.Start()
	time.Sleep(2 * time.Millisecond)
	s.Wait.Stop()
	s.Parse.Stop()

	buf := new(bytes.Buffer)
	s.Summarize(buf)

	if strings.Contains(buf.String(), "-") {
		t.Errorf("summary contains a negative value:\n%s", buf.String())
	}
}
