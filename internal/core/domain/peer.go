package domain

import "time"

type PeerID string

type ConnectionState string

const (
	ConnectionConnecting ConnectionState = "connecting"
	ConnectionOpen       ConnectionState = "open"
	ConnectionClosed     ConnectionState = "closed"
	ConnectionErrored    ConnectionState = "errored"
)

type ConnectionDirection string

const (
	DirectionInbound  ConnectionDirection = "inbound"
	DirectionOutbound ConnectionDirection = "outbound"
)

// PeerConnection describes one remote peer the local node currently knows.
// The channel itself is owned by the registry entry and never exposed here.
type PeerConnection struct {
	PeerID       PeerID
	DisplayLabel string
	State        ConnectionState
	Direction    ConnectionDirection
	OpenedAt     time.Time
}

// DisplayLabel derives the cosmetic name shown for a peer.
func DisplayLabel(id PeerID) string {
	s := string(id)
	if len(s) > 8 {
		s = s[:8]
	}
	return "Peer " + s
}

// Presence is a peer registered with a signaling server.
type Presence struct {
	PeerID      PeerID    `json:"peer_id"`
	RemoteAddr  string    `json:"remote_addr"`
	ServerID    string    `json:"server_id"`
	ConnectedAt time.Time `json:"connected_at"`
}
