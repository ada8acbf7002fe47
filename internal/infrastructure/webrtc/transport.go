package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"dropnet/internal/core/domain"
	"dropnet/internal/core/ports"
	"dropnet/internal/infrastructure/signal"
	"dropnet/pkg/config"
	"dropnet/pkg/utils"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var ErrNotRegistered = errors.New("transport is not registered with signaling")

// Config configures the WebRTC transport.
type Config struct {
	Signal     signal.ClientConfig
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}

	// Send blocks while more than BufferedAmountHigh bytes are queued on a
	// data channel, until the queue falls below BufferedAmountLow.
	BufferedAmountHigh uint64
	BufferedAmountLow  uint64
}

func NewConfig(cfg *config.Config) Config {
	c := Config{
		Signal:             signal.NewClientConfig(cfg),
		ICEServers:         cfg.ICEServers(),
		BufferedAmountHigh: cfg.Transfer.BufferedAmountHigh,
		BufferedAmountLow:  cfg.Transfer.BufferedAmountLow,
	}
	c.PortRange.Min = cfg.WebRTC.PortRange.Min
	c.PortRange.Max = cfg.WebRTC.PortRange.Max
	return c
}

type Option func(*Transport)

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(t *Transport) { t.logger = logger }
}

// Transport opens one pion PeerConnection with an ordered, reliable data
// channel per remote peer. Offers, answers and ICE candidates travel through
// the signaling server.
type Transport struct {
	cfg    Config
	api    *webrtc.API
	logger *zap.SugaredLogger

	mu       sync.Mutex
	client   *signal.Client
	acceptor ports.InboundAcceptor
	channels map[string]*dataChannel
	// session counts Close calls. Signaling callbacks and in-flight Connects
	// from an earlier session are ignored.
	session uint64
}

var _ ports.Transport = (*Transport)(nil)

func NewTransport(cfg Config, opts ...Option) *Transport {
	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max)
	}

	t := &Transport{
		cfg:      cfg,
		api:      webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		channels: make(map[string]*dataChannel),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = zap.NewNop().Sugar()
	}
	return t
}

// Connect registers with the signaling server. A transport may connect again
// after Close.
func (t *Transport) Connect(ctx context.Context, acceptor ports.InboundAcceptor) (domain.PeerID, error) {
	t.mu.Lock()
	if t.client != nil {
		id := t.client.ID()
		t.mu.Unlock()
		return id, nil
	}
	t.acceptor = acceptor
	session := t.session
	t.mu.Unlock()

	client, err := signal.Dial(ctx, t.cfg.Signal,
		func(msg signal.Message) {
			if t.current(session) {
				t.handleSignal(msg)
			}
		},
		func(err error) { t.handleSignalClose(session, err) },
		t.logger,
	)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	if t.session != session {
		t.mu.Unlock()
		client.Close()
		return "", ErrChannelClosed
	}
	t.client = client
	t.mu.Unlock()
	return client.ID(), nil
}

func (t *Transport) current(session uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session == session
}

func (t *Transport) Dial(peerID domain.PeerID, handler ports.ChannelHandler) (ports.Channel, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return nil, ErrNotRegistered
	}

	pc, err := t.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	connectionID := utils.GenerateConnectionID()
	ch := newDataChannel(t, connectionID, peerID, pc)
	ch.handler = handler
	t.watch(ch)

	ordered := true
	dc, err := pc.CreateDataChannel(connectionID, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		ch.shutdown()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	ch.bind(dc)
	t.track(ch)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		ch.shutdown()
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		ch.shutdown()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	if err := t.signal(client, signal.TypeOffer, peerID, signal.SessionPayload{
		ConnectionID: connectionID,
		SDP:          offer.SDP,
	}); err != nil {
		ch.shutdown()
		return nil, fmt.Errorf("failed to send offer: %w", err)
	}

	t.flushCandidates(ch)

	t.logger.Debugw("sent offer", "peer_id", peerID, "connection_id", connectionID)
	return ch, nil
}

// Close leaves the signaling server and closes every channel. It is safe to
// call repeatedly.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.session++
	client := t.client
	t.client = nil
	t.acceptor = nil
	channels := make([]*dataChannel, 0, len(t.channels))
	for _, ch := range t.channels {
		channels = append(channels, ch)
	}
	t.channels = make(map[string]*dataChannel)
	t.mu.Unlock()

	var err error
	if client != nil {
		err = client.Close()
	}
	for _, ch := range channels {
		ch.shutdown()
	}
	return err
}

func (t *Transport) newPeerConnection() (*webrtc.PeerConnection, error) {
	return t.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: t.cfg.ICEServers,
	})
}

// watch forwards local ICE candidates and turns a failed connection into a
// channel error followed by close.
func (t *Transport) watch(ch *dataChannel) {
	ch.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		cand := candidate.ToJSON()
		if ch.holdLocal(cand) {
			return
		}
		t.sendCandidate(ch, cand)
	})

	ch.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Debugw("peer connection state changed",
			"peer_id", ch.remote,
			"connection_id", ch.connectionID,
			"state", state.String(),
		)
		switch state {
		case webrtc.PeerConnectionStateFailed:
			ch.fail(fmt.Errorf("%w: peer connection failed", domain.ErrConnectionFailed))
			ch.shutdown()
		case webrtc.PeerConnectionStateClosed:
			ch.shutdown()
		}
	})
}

func (t *Transport) sendCandidate(ch *dataChannel, cand webrtc.ICECandidateInit) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return
	}
	if err := t.signal(client, signal.TypeICECandidate, ch.remote, signal.SessionPayload{
		ConnectionID:  ch.connectionID,
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	}); err != nil {
		t.logger.Debugw("failed to send ICE candidate", "peer_id", ch.remote, "error", err)
	}
}

// flushCandidates sends the candidates gathered before the session
// description went out.
func (t *Transport) flushCandidates(ch *dataChannel) {
	for _, cand := range ch.markSignaled() {
		t.sendCandidate(ch, cand)
	}
}

func (t *Transport) signal(client *signal.Client, kind string, target domain.PeerID, payload signal.SessionPayload) error {
	msg, err := signal.NewSessionMessage(kind, target, payload)
	if err != nil {
		return err
	}
	return client.Send(msg)
}

func (t *Transport) handleSignal(msg signal.Message) {
	switch msg.Type {
	case signal.TypeOffer:
		t.handleOffer(msg)
	case signal.TypeAnswer:
		t.handleAnswer(msg)
	case signal.TypeICECandidate:
		t.handleCandidate(msg)
	case signal.TypeError:
		t.handleSignalError(msg)
	case signal.TypeLeave:
		t.handleLeave(msg)
	}
}

func (t *Transport) handleOffer(msg signal.Message) {
	var payload signal.SessionPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.logger.Warnw("ignoring malformed offer", "from_peer", msg.FromPeer, "error", err)
		return
	}

	t.mu.Lock()
	acceptor, client := t.acceptor, t.client
	t.mu.Unlock()
	if acceptor == nil || client == nil {
		return
	}

	pc, err := t.newPeerConnection()
	if err != nil {
		t.logger.Errorw("failed to create peer connection", "from_peer", msg.FromPeer, "error", err)
		return
	}

	ch := newDataChannel(t, payload.ConnectionID, msg.FromPeer, pc)
	ch.handler = acceptor.AcceptChannel(ch)
	t.watch(ch)
	pc.OnDataChannel(ch.bind)
	t.track(ch)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload.SDP}
	if err := ch.setRemoteDescription(offer); err != nil {
		ch.fail(err)
		ch.shutdown()
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err == nil {
		err = pc.SetLocalDescription(answer)
	}
	if err == nil {
		err = t.signal(client, signal.TypeAnswer, msg.FromPeer, signal.SessionPayload{
			ConnectionID: payload.ConnectionID,
			SDP:          answer.SDP,
		})
	}
	if err != nil {
		t.logger.Warnw("failed to answer offer", "from_peer", msg.FromPeer, "error", err)
		ch.fail(err)
		ch.shutdown()
		return
	}
	t.flushCandidates(ch)
}

func (t *Transport) handleAnswer(msg signal.Message) {
	ch, payload, ok := t.sessionChannel(msg)
	if !ok {
		return
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: payload.SDP}
	if err := ch.setRemoteDescription(answer); err != nil {
		ch.fail(err)
		ch.shutdown()
	}
}

func (t *Transport) handleCandidate(msg signal.Message) {
	ch, payload, ok := t.sessionChannel(msg)
	if !ok {
		return
	}

	candidate := webrtc.ICECandidateInit{
		Candidate:     payload.Candidate,
		SDPMid:        payload.SDPMid,
		SDPMLineIndex: payload.SDPMLineIndex,
	}
	if err := ch.addCandidate(candidate); err != nil {
		t.logger.Debugw("failed to add ICE candidate", "peer_id", msg.FromPeer, "error", err)
	}
}

// sessionChannel finds the channel an answer or candidate belongs to. A
// message from a peer other than the channel's remote is dropped.
func (t *Transport) sessionChannel(msg signal.Message) (*dataChannel, signal.SessionPayload, bool) {
	var payload signal.SessionPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.logger.Warnw("ignoring malformed session message", "type", msg.Type, "from_peer", msg.FromPeer, "error", err)
		return nil, payload, false
	}

	t.mu.Lock()
	ch, ok := t.channels[payload.ConnectionID]
	t.mu.Unlock()
	if !ok || ch.remote != msg.FromPeer {
		return nil, payload, false
	}
	return ch, payload, true
}

// handleSignalError fails pending dials to a peer the server does not know.
func (t *Transport) handleSignalError(msg signal.Message) {
	t.logger.Infow("signaling server reported error", "code", msg.Code, "message", msg.Message, "peer_id", msg.PeerID)
	if msg.Code != signal.CodePeerUnavailable || msg.PeerID == "" {
		return
	}

	for _, ch := range t.pending(msg.PeerID) {
		ch.fail(fmt.Errorf("%w: %s", domain.ErrPeerUnavailable, msg.PeerID))
		ch.shutdown()
	}
}

// handleLeave abandons negotiations with a peer that left signaling.
// Channels that already opened keep running.
func (t *Transport) handleLeave(msg signal.Message) {
	for _, ch := range t.pending(msg.FromPeer) {
		ch.shutdown()
	}
}

func (t *Transport) handleSignalClose(session uint64, err error) {
	t.mu.Lock()
	acceptor := t.acceptor
	if t.session != session {
		acceptor = nil
	}
	t.mu.Unlock()
	if acceptor == nil {
		return
	}
	acceptor.HandleSignalingError(fmt.Errorf("%w: %w", domain.ErrSignalingUnavailable, err))
}

func (t *Transport) pending(peerID domain.PeerID) []*dataChannel {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*dataChannel
	for _, ch := range t.channels {
		if ch.remote == peerID && !ch.IsOpen() {
			out = append(out, ch)
		}
	}
	return out
}

func (t *Transport) track(ch *dataChannel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channels[ch.connectionID] = ch
}

func (t *Transport) untrack(ch *dataChannel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.channels[ch.connectionID]; ok && cur == ch {
		delete(t.channels, ch.connectionID)
	}
}
