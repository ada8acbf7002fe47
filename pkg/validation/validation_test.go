package validation

import (
	"math"
	"strings"
	"testing"
)

func TestValidatePeerID(t *testing.T) {
	tests := []struct {
		name    string
		peerID  string
		wantErr bool
	}{
		{"valid uuid", "3f2b8c1e-7a4d-4e51-9c0a-1b2c3d4e5f60", false},
		{"valid with underscore", "peer_1", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 101), true},
		{"invalid chars", "peer 1", true},
		{"slash", "peer/1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePeerID(tt.peerID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePeerID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateTransferID(t *testing.T) {
	tests := []struct {
		name       string
		transferID string
		wantErr    bool
	}{
		{"valid uuid", "0b7e1c3a-2f44-4d8e-b1aa-5c6d7e8f9012", false},
		{"valid with dots", "1700000000.report.pdf", false},
		{"empty", "", true},
		{"too long", strings.Repeat("x", 129), true},
		{"spaces", "a b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransferID(tt.transferID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransferID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateFileName(t *testing.T) {
	tests := []struct {
		name     string
		fileName string
		wantErr  bool
	}{
		{"simple", "report.pdf", false},
		{"unicode", "отчёт 2024.txt", false},
		{"empty", "", true},
		{"whitespace", "   ", true},
		{"path traversal", "../etc/passwd", true},
		{"windows separator", "dir\\file", true},
		{"dot dot", "..", true},
		{"too long", strings.Repeat("n", 256), true},
		{"invalid utf8", string([]byte{0xff, 0xfe}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFileName(tt.fileName)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateFileName() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateChunk(t *testing.T) {
	tests := []struct {
		name    string
		index   int
		total   int
		length  int
		wantErr bool
	}{
		{"first", 0, 3, 16384, false},
		{"last short", 2, 3, 7232, false},
		{"index past end", 3, 3, 10, true},
		{"negative index", -1, 3, 10, true},
		{"zero total", 0, 0, 0, true},
		{"oversized payload", 0, 1, 16385, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChunk(tt.index, tt.total, tt.length, 16384)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateChunk() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateFileSize(t *testing.T) {
	tests := []struct {
		name    string
		size    int64
		limit   int64
		wantErr bool
	}{
		{"zero", 0, 0, false},
		{"negative", -1, 0, true},
		{"at limit", 1024, 1024, false},
		{"over limit", 1025, 1024, true},
		{"default limit", MaxFileSize, 0, false},
		{"over default limit", MaxFileSize + 1, 0, true},
		{"limit above maximum", math.MaxInt64, math.MaxInt64, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFileSize(tt.size, tt.limit)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateFileSize() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid ws", "ws://localhost:8081/ws", false},
		{"valid wss", "wss://signal.example.com/ws", false},
		{"empty", "", true},
		{"no host", "ws://", true},
		{"bad scheme", "ftp://example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateICEURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"stun", "stun:stun.l.google.com:19302", false},
		{"turn with transport", "turn:turn.example.com:3478?transport=udp", false},
		{"turns", "turns:turn.example.com:5349", false},
		{"empty", "", true},
		{"http", "http://example.com", true},
		{"no address", "stun:", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateICEURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateICEURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateStringLength(t *testing.T) {
	if err := ValidateStringLength("abc", 1, 3, "field"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateStringLength("", 1, 3, "field"); err == nil {
		t.Error("expected error for short string")
	}
	if err := ValidateStringLength("abcd", 1, 3, "field"); err == nil {
		t.Error("expected error for long string")
	}
	if err := ValidateNonEmptyString("  ", "field"); err == nil {
		t.Error("expected error for blank string")
	}
}
