package signal

import (
	"encoding/json"

	"dropnet/internal/core/domain"
)

// Message types exchanged with the signaling server.
const (
	TypeOpen         = "open"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice_candidate"
	TypeListPeers    = "list_peers"
	TypePeersList    = "peers_list"
	TypeLeave        = "leave"
	TypeError        = "error"
)

// Error codes carried by TypeError messages.
const (
	CodePeerUnavailable = "peer-unavailable"
	CodeInvalidMessage  = "invalid-message"
	CodeRateLimited     = "rate-limited"
)

type Message struct {
	Type       string          `json:"type"`
	PeerID     domain.PeerID   `json:"peer_id,omitempty"`
	TargetPeer domain.PeerID   `json:"target_peer,omitempty"`
	FromPeer   domain.PeerID   `json:"from_peer,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Peers      []domain.PeerID `json:"peers,omitempty"`
	Code       string          `json:"code,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// SessionPayload is the payload of offer, answer and ice_candidate messages.
// ConnectionID ties the messages of one peer connection attempt together.
type SessionPayload struct {
	ConnectionID  string  `json:"connection_id"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

// NewSessionMessage builds an offer, answer or ice_candidate message for target.
func NewSessionMessage(kind string, target domain.PeerID, payload SessionPayload) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: kind, TargetPeer: target, Payload: raw}, nil
}
