package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestPrettyHandler_PlainLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.Info("chat.connection.state", "state", "connected", "channel_id", "/direct-chat/u-1", "duration_ms", int64(12))

	line := buf.String()
	for _, want := range []string{"[INFO]", "chat.connection.state", "state=connected", "channel_id=/direct-chat/u-1", "duration=12ms"} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("color disabled but line has escapes: %q", line)
	}
}

func TestPrettyHandler_ColorsState(t *testing.T) {
	t.Parallel()

	cases := []struct {
		state string
		code  string
	}{
		{state: "connected", code: ansiGreen},
		{state: "connecting", code: ansiYellow},
		{state: "disconnected", code: ansiRed},
	}

	for _, tc := range cases {
		if got := colorizeState(tc.state, true); got != tc.code+tc.state+ansiReset {
			t.Fatalf("colorizeState(%q)=%q", tc.state, got)
		}
		if got := colorizeState(tc.state, false); got != tc.state {
			t.Fatalf("colorizeState(%q, false)=%q", tc.state, got)
		}
	}
}

func TestColorizeStatusCode(t *testing.T) {
	t.Parallel()

	if got := stripANSI(colorizeStatusCode(503, true)); got != "503" {
		t.Fatalf("got %q", got)
	}
	if got := colorizeStatusCode(200, true); !strings.HasPrefix(got, ansiGreen) {
		t.Fatalf("200 not green: %q", got)
	}
	if got := colorizeStatusCode(404, true); !strings.HasPrefix(got, ansiYellow) {
		t.Fatalf("404 not yellow: %q", got)
	}
}

func TestValueToInt64(t *testing.T) {
	t.Parallel()

	if n, ok := valueToInt64(slog.StringValue(" 42 ")); !ok || n != 42 {
		t.Fatalf("string: %d %v", n, ok)
	}
	if _, ok := valueToInt64(slog.StringValue("abc")); ok {
		t.Fatalf("abc should not parse")
	}
	if n, ok := valueToInt64(slog.Float64Value(2.9)); !ok || n != 2 {
		t.Fatalf("float: %d %v", n, ok)
	}
}
