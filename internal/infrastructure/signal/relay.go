package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"dropnet/internal/core/domain"
)

// relayEnvelope is what replicas exchange over the relay. Every replica sees
// every envelope and keeps the ones addressed to its own clients.
type relayEnvelope struct {
	Origin  string        `json:"origin"`
	Target  domain.PeerID `json:"target"`
	Message Message       `json:"message"`
}

// RunRelay consumes envelopes from other replicas until ctx is done. It
// returns immediately when no relay is configured.
func (s *WebSocketServer) RunRelay(ctx context.Context) error {
	if s.relay == nil {
		return nil
	}
	return s.relay.Subscribe(ctx, s.handleRelayed)
}

// forwardRemote hands a session message to the replica holding the target.
// The presence directory decides whether the target exists anywhere.
func (s *WebSocketServer) forwardRemote(ctx context.Context, c *client, msg Message, connectionID string) error {
	unavailable := &routeError{
		code:    CodePeerUnavailable,
		message: fmt.Sprintf("could not connect to peer %s", msg.TargetPeer),
		peer:    msg.TargetPeer,
	}

	exists, err := s.presence.Exists(ctx, msg.TargetPeer)
	if err != nil {
		s.logger.Warnw("presence lookup failed", "peer_id", msg.TargetPeer, "error", err)
		return unavailable
	}
	if !exists {
		return unavailable
	}

	s.mu.Lock()
	c.correspondents[msg.TargetPeer] = struct{}{}
	s.mu.Unlock()

	s.logger.Debugw("relaying session message",
		"type", msg.Type,
		"from_peer", c.id,
		"to_peer", msg.TargetPeer,
		"connection_id", connectionID,
	)

	forward := Message{Type: msg.Type, FromPeer: c.id, Payload: msg.Payload}
	if err := s.publish(ctx, msg.TargetPeer, forward); err != nil {
		return unavailable
	}
	return nil
}

func (s *WebSocketServer) publish(ctx context.Context, target domain.PeerID, msg Message) error {
	if s.relay == nil {
		return nil
	}
	data, err := json.Marshal(relayEnvelope{Origin: s.cfg.ServerID, Target: target, Message: msg})
	if err != nil {
		return err
	}
	if err := s.relay.Publish(ctx, data); err != nil {
		s.logger.Warnw("failed to publish to relay", "to_peer", target, "type", msg.Type, "error", err)
		return err
	}
	return nil
}

func (s *WebSocketServer) handleRelayed(data []byte) {
	var env relayEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warnw("failed to unmarshal relay envelope", "error", err)
		return
	}
	if env.Origin == s.cfg.ServerID {
		return
	}

	from := env.Message.FromPeer
	s.mu.Lock()
	target, ok := s.connections[env.Target]
	if ok {
		if env.Message.Type == TypeLeave {
			delete(target.correspondents, from)
		} else {
			target.correspondents[from] = struct{}{}
		}
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	if err := s.write(target, env.Message); err != nil {
		s.logger.Debugw("failed to deliver relayed message", "peer_id", target.id, "type", env.Message.Type, "error", err)
		return
	}
	s.metrics.MessageRouted(env.Message.Type)
}
