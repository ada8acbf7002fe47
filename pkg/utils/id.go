package utils

import (
	"github.com/google/uuid"
)

// GenerateTransferID generates a unique transfer ID
func GenerateTransferID() string {
	return uuid.NewString()
}

// GeneratePeerID generates a peer identity for a signaling registration
func GeneratePeerID() string {
	return uuid.NewString()
}

// GenerateConnectionID generates an ID for one peer connection attempt
func GenerateConnectionID() string {
	return "dc_" + uuid.NewString()
}
