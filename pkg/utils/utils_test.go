package utils

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestGenerateIDs(t *testing.T) {
	id1 := GenerateTransferID()
	id2 := GenerateTransferID()
	if id1 == id2 {
		t.Error("expected different IDs")
	}
	if _, err := uuid.Parse(id1); err != nil {
		t.Errorf("expected uuid, got %s", id1)
	}
	if !strings.HasPrefix(GenerateConnectionID(), "dc_") {
		t.Error("expected connection id prefix 'dc_'")
	}
	if _, err := uuid.Parse(GeneratePeerID()); err != nil {
		t.Error("expected peer id to be a uuid")
	}
}

func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", "report.pdf", "report.pdf"},
		{"unix path", "../../etc/passwd", "passwd"},
		{"windows path", "C:\\Users\\a\\photo.jpg", "photo.jpg"},
		{"control chars", "a\x00b.txt", "ab.txt"},
		{"dot dot", "..", "file"},
		{"empty", "", "file"},
		{"trailing slash", "dir/", "dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeFileName(tt.input)
			if result != tt.expected {
				t.Errorf("SanitizeFileName(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestTruncateString(t *testing.T) {
	if got := TruncateString("hello world", 8); got != "hello..." {
		t.Errorf("TruncateString() = %q", got)
	}
	if got := TruncateString("hi", 8); got != "hi" {
		t.Errorf("TruncateString() = %q", got)
	}
	if got := TruncateString("hello", 2); got != "he" {
		t.Errorf("TruncateString() = %q", got)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{40000, "39.1 KiB"},
		{5 << 20, "5.0 MiB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatPercent(t *testing.T) {
	if got := FormatPercent(1.0 / 3); got != "33%" {
		t.Errorf("FormatPercent() = %q", got)
	}
	if got := FormatPercent(2); got != "100%" {
		t.Errorf("FormatPercent() = %q", got)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{500 * time.Millisecond, "500ms"},
		{1500 * time.Millisecond, "1.50s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 5*time.Minute, "2h5m"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := FormatRate(2048, 2*time.Second); got != "1.0 KiB/s" {
		t.Errorf("FormatRate() = %q", got)
	}
}
