package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"Warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}
	for _, c := range cases {
		if got := ParseLevel(c.in); got != c.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{level: LevelWarn}
	l.SetOutput(&buf)

	l.Debug("invisible")
	l.Info("invisible")
	l.Warn("visible warn")
	l.Error("visible error")

	out := buf.String()
	if strings.Contains(out, "invisible") {
		t.Errorf("low levels must be filtered, got %q", out)
	}
	if !strings.Contains(out, "visible warn") || !strings.Contains(out, "visible error") {
		t.Errorf("warn/error missing from output: %q", out)
	}
}

func TestComponentTagAndKeyValues(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{level: LevelInfo}
	l.SetOutput(&buf)

	child := l.With("ledger")
	child.Info("reservation denied", "email", "a@x.com", "dimension", "daily_tokens")

	out := buf.String()
	if !strings.Contains(out, "[ledger]") {
		t.Errorf("missing component tag: %q", out)
	}
	if !strings.Contains(out, "email=a@x.com") || !strings.Contains(out, "dimension=daily_tokens") {
		t.Errorf("missing key/value pairs: %q", out)
	}
}
