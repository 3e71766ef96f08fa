package logutil

import "testing"

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"line1\nline2", "line1 line2"},
		{"fake\r\n[sessions] closed everything", "fake  [sessions] closed everything"},
		{"tab\there", "tab here"},
		{"bell\x07del\x7f", "belldel"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := SanitizeForLog(tt.in); got != tt.want {
			t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("expected untouched string, got %q", got)
	}
	if got := Truncate("abcdefghij", 6); got != "abc..." {
		t.Errorf("expected abc..., got %q", got)
	}
	if got := Truncate("abcdef", 2); got != "ab" {
		t.Errorf("expected ab, got %q", got)
	}
}
