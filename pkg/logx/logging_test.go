package logx

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{" warn ", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
				t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatTelegramJSON(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"warn","time":"2026-08-28T10:00:00Z","message":"store down","attempt":3}` + "\n")
	got := formatTelegramJSON(line)
	if !strings.HasPrefix(got, "[WARN] store down") {
		t.Fatalf("got %q", got)
	}
	if !strings.Contains(got, "attempt=3") {
		t.Fatalf("fields dropped: %q", got)
	}

	// Non-JSON input passes through (truncated) rather than vanishing.
	if got := formatTelegramJSON([]byte("plain text\n")); got != "plain text" {
		t.Fatalf("got %q", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate("short", 100); got != "short" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("x", 50)
	got := truncate(long, 20)
	if len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("got %q (len %d)", got, len(got))
	}
}

func TestNopLoggerIsSafe(t *testing.T) {
	t.Parallel()
	l := Nop()
	if l.IsZero() {
		t.Fatal("Nop() reported zero; callers would re-wrap it")
	}
	l.Info("discarded", String("k", "v"), Int64("n", 1))
	l.With(Bool("flag", true)).Error("also discarded")

	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero Logger not detected")
	}
	zero.Warn("must not panic")
}
