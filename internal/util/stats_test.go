package util

import (
	"strings"
	"testing"
)

func TestFormatBytesFixedWidth(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{100 * 1024, " 0.1 MiB"},
	}

	for _, tc := range testCases {
		got := formatBytes(tc.in)
		if got != tc.want {
			t.Errorf("formatBytes(%v) = %q, want %q", tc.in, got, tc.want)
		}
		if len(got) != 8 {
			t.Errorf("formatBytes(%v) width = %d, want 8", tc.in, len(got))
		}
	}
}

func TestFormatDeltaQuiet(t *testing.T) {
	s := snapshot{opened: 3, closed: 1, sent: 500, recv: 500}
	if _, ok := formatDelta(s, s, 10); ok {
		t.Fatal("identical snapshots should not be reported")
	}
}

func TestFormatDeltaReportsChanges(t *testing.T) {
	prev := snapshot{}
	cur := snapshot{opened: 2, closed: 1, sent: 10240, recv: 0, dropped: 4}

	line, ok := formatDelta(prev, cur, 10)
	if !ok {
		t.Fatal("expected a report")
	}
	for _, want := range []string{"Conn:  2↑  1↓", "Drop: 4", "Out:  1.0 KiB/s", "In:  0.0   B/s"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}
