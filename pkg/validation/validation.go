package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxPeerIDLength     = 100
	MaxTransferIDLength = 128
	MaxFileNameLength   = 255

	// MaxFileSize is the largest size any frame may declare. Receivers
	// usually configure a lower limit.
	MaxFileSize int64 = 1 << 40
)

var (
	// PeerIDRegex validates peer ID format
	PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// TransferIDRegex validates transfer ID format
	TransferIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

// ValidatePeerID validates peer ID
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > MaxPeerIDLength {
		return fmt.Errorf("peer ID is too long (max %d characters)", MaxPeerIDLength)
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format")
	}
	return nil
}

// ValidateTransferID validates transfer ID
func ValidateTransferID(transferID string) error {
	if transferID == "" {
		return fmt.Errorf("transfer ID is required")
	}
	if len(transferID) > MaxTransferIDLength {
		return fmt.Errorf("transfer ID is too long (max %d characters)", MaxTransferIDLength)
	}
	if !TransferIDRegex.MatchString(transferID) {
		return fmt.Errorf("invalid transfer ID format")
	}
	return nil
}

// ValidateFileName validates a file name as announced by a sender. Path
// separators are rejected so a name can never address outside a directory.
func ValidateFileName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("file name is required")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("file name contains invalid characters")
	}
	if utf8.RuneCountInString(name) > MaxFileNameLength {
		return fmt.Errorf("file name is too long (max %d characters)", MaxFileNameLength)
	}
	if strings.ContainsAny(name, "/\\\x00") || name == "." || name == ".." {
		return fmt.Errorf("file name must not contain path elements")
	}
	return nil
}

// ValidateFileSize validates a declared file size against limit. A limit of
// zero or less means MaxFileSize.
func ValidateFileSize(size, limit int64) error {
	if size < 0 {
		return fmt.Errorf("file size must not be negative")
	}
	if limit <= 0 || limit > MaxFileSize {
		limit = MaxFileSize
	}
	if size > limit {
		return fmt.Errorf("file size %d exceeds limit of %d bytes", size, limit)
	}
	return nil
}

// ValidateChunk validates a chunk index against its total and the payload
// length against the maximum chunk size.
func ValidateChunk(index, total, length, maxLength int) error {
	if total <= 0 {
		return fmt.Errorf("total chunks must be positive")
	}
	if index < 0 || index >= total {
		return fmt.Errorf("chunk index %d out of range [0, %d)", index, total)
	}
	if length > maxLength {
		return fmt.Errorf("chunk payload of %d bytes exceeds %d", length, maxLength)
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateICEURL validates a STUN or TURN server URL
func ValidateICEURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("ICE server URL is required")
	}
	scheme, rest, ok := strings.Cut(urlStr, ":")
	if !ok || rest == "" {
		return fmt.Errorf("invalid ICE server URL %q", urlStr)
	}
	switch scheme {
	case "stun", "stuns", "turn", "turns":
		return nil
	default:
		return fmt.Errorf("invalid ICE server scheme %q (must be stun, stuns, turn, or turns)", scheme)
	}
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
