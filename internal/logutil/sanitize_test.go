package logutil

import (
	"strings"
	"testing"
)

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "10.0.0.1", "10.0.0.1"},
		{"newline injection", "evil\n[admission] fake entry", "evil [admission] fake entry"},
		{"carriage return and tab", "a\rb\tc", "a b c"},
		{"control characters dropped", "a\x00b\x1bc\x7f", "abc"},
		{"unicode kept", "héllo", "héllo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeForLog(tt.input); got != tt.want {
				t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSanitizeForLogTruncates(t *testing.T) {
	got := SanitizeForLog(strings.Repeat("x", 1000))
	if len(got) != maxLogValueLen+3 {
		t.Errorf("expected truncated length %d, got %d", maxLogValueLen+3, len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected ellipsis suffix, got %q", got[len(got)-5:])
	}
}

func TestQuote(t *testing.T) {
	if got := Quote(""); got != `""` {
		t.Errorf("Quote(\"\") = %s", got)
	}
}
