package domain

import "time"

type EventKind string

const (
	EventPeerOpened        EventKind = "peer_opened"
	EventPeerError         EventKind = "peer_error"
	EventConnectionOpened  EventKind = "connection_opened"
	EventConnectionClosed  EventKind = "connection_closed"
	EventConnectionError   EventKind = "connection_error"
	EventTransferStarted   EventKind = "transfer_started"
	EventTransferProgress  EventKind = "transfer_progress"
	EventTransferCompleted EventKind = "transfer_completed"
	EventTransferFailed    EventKind = "transfer_failed"
	EventStatusUpdate      EventKind = "status_update"
)

// Event is a single notification from the transfer engine. Which fields are
// set depends on Kind: PeerOpened carries the local PeerID, connection events
// the remote PeerID, transfer events the transfer fields.
type Event struct {
	Kind       EventKind
	PeerID     PeerID
	TransferID TransferID
	FileName   string
	FileSize   int64
	Direction  TransferDirection
	Progress   float64
	File       *ReceivedFile
	Err        error
	Message    string
	Time       time.Time
}

func (e Event) IsTransferEvent() bool {
	switch e.Kind {
	case EventTransferStarted, EventTransferProgress, EventTransferCompleted, EventTransferFailed:
		return true
	}
	return false
}
