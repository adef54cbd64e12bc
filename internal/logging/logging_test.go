package logging

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gluk-w/sandterm/internal/config"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"echo hi", "echo hi"},
		{"line1\nline2", "line1 line2"},
		{"a\r\nb", "a  b"},
		{"tab\there", "tab here"},
		{"bell\x07", "bell"},
		{"del\x7f", "del"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := Sanitize(tt.input); got != tt.expected {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestMaskToken(t *testing.T) {
	if got := MaskToken("short"); got != "short" {
		t.Errorf("expected short token unchanged, got %q", got)
	}
	got := MaskToken("0123456789abcdef")
	if !strings.HasPrefix(got, "01234567") || strings.Contains(got, "89abcdef") {
		t.Errorf("expected masked token, got %q", got)
	}
}

func TestInitWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sandterm.log")
	config.Cfg.LogPath = path
	defer func() { config.Cfg.LogPath = "" }()

	Init()
	log.Printf("[test] hello from the log")
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "[test] hello from the log") {
		t.Errorf("expected log line in file, got %q", string(data))
	}
}
