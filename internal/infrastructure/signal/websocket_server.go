package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"dropnet/internal/core/domain"
	"dropnet/internal/core/ports"
	"dropnet/pkg/config"
	"dropnet/pkg/logger"
	"dropnet/pkg/tracing"
	"dropnet/pkg/utils"
	"dropnet/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ServerConfig struct {
	ServerID       string
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	AllowedOrigins []string

	// Per-connection message limit. Zero disables it.
	MessagesPerSecond float64
	MessageBurst      int
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ServerID:       "signal-1",
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

func NewServerConfig(cfg *config.Config) ServerConfig {
	sc := ServerConfig{
		ServerID:       cfg.Signal.ServerID,
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Signal.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		sc.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		sc.MessageBurst = cfg.RateLimiting.WebSocket.Burst
	}
	return sc
}

type ServerOption func(*WebSocketServer)

func WithServerLogger(logger *zap.SugaredLogger) ServerOption {
	return func(s *WebSocketServer) { s.logger = logger }
}

// WithRelay lets the server reach peers registered on other replicas.
func WithRelay(relay ports.SignalRelay) ServerOption {
	return func(s *WebSocketServer) { s.relay = relay }
}

func WithSignalingMetrics(metrics ports.SignalingMetrics) ServerOption {
	return func(s *WebSocketServer) { s.metrics = metrics }
}

// client is one registered WebSocket connection. Writes are serialized.
type client struct {
	id      domain.PeerID
	conn    *websocket.Conn
	writeMu sync.Mutex
	limiter *rate.Limiter

	// correspondents are the peers this client exchanged session messages
	// with. Guarded by the server mutex.
	correspondents map[domain.PeerID]struct{}
}

// WebSocketServer assigns identities to peers and relays session
// descriptions and ICE candidates between them.
type WebSocketServer struct {
	presence ports.PresenceRepository
	metrics  ports.SignalingMetrics
	relay    ports.SignalRelay
	cfg      ServerConfig
	upgrader websocket.Upgrader

	connections map[domain.PeerID]*client
	mu          sync.RWMutex

	logger *zap.SugaredLogger
	ctxLog *logger.ContextLogger
}

func NewWebSocketServer(presence ports.PresenceRepository, cfg ServerConfig, opts ...ServerOption) *WebSocketServer {
	s := &WebSocketServer{
		presence:    presence,
		cfg:         cfg,
		connections: make(map[domain.PeerID]*client),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop().Sugar()
	}
	s.ctxLog = logger.NewContextLogger(s.logger.Desugar())
	if s.metrics == nil {
		s.metrics = noopSignalingMetrics{}
	}

	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}

	c := &client{
		id:             domain.PeerID(utils.GeneratePeerID()),
		conn:           conn,
		correspondents: make(map[domain.PeerID]struct{}),
	}
	if s.cfg.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.MessageBurst)
	}

	ctx := r.Context()
	s.mu.Lock()
	s.connections[c.id] = c
	s.mu.Unlock()

	presence := &domain.Presence{
		PeerID:      c.id,
		RemoteAddr:  r.RemoteAddr,
		ServerID:    s.cfg.ServerID,
		ConnectedAt: time.Now(),
	}
	if err := s.presence.Add(ctx, presence); err != nil {
		s.logger.Warnw("failed to record presence", "peer_id", c.id, "error", err)
	}
	s.metrics.ClientConnected()
	defer s.unregister(c)

	s.logger.Infow("peer connected via WebSocket", "peer_id", c.id, "remote_addr", r.RemoteAddr)

	if err := s.write(c, Message{Type: TypeOpen, PeerID: c.id}); err != nil {
		s.logger.Infow("failed to send identity", "peer_id", c.id, "error", err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan Message, 10)
	errorChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			select {
			case messageChan <- msg:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			if c.limiter != nil && !c.limiter.Allow() {
				s.metrics.MessageRejected(CodeRateLimited)
				s.sendError(c, CodeRateLimited, "message rate exceeded", "")
				continue
			}
			s.dispatch(ctx, c, msg)

		case <-pingTicker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				s.logger.Infow("error sending ping", "peer_id", c.id, "error", err)
				return
			}
			// Keeps the entry alive in stores that expire presence.
			if err := s.presence.Add(ctx, presence); err != nil {
				s.logger.Debugw("failed to refresh presence", "peer_id", c.id, "error", err)
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from peer", "peer_id", c.id, "error", err)
			}
			return
		}
	}
}

// unregister removes c and tells the peers it was talking to that it left.
func (s *WebSocketServer) unregister(c *client) {
	s.mu.Lock()
	if cur, ok := s.connections[c.id]; ok && cur == c {
		delete(s.connections, c.id)
	}
	var notify []*client
	var remote []domain.PeerID
	for id := range c.correspondents {
		if other, ok := s.connections[id]; ok {
			notify = append(notify, other)
			delete(other.correspondents, c.id)
		} else {
			remote = append(remote, id)
		}
	}
	s.mu.Unlock()

	if err := s.presence.Remove(context.Background(), c.id); err != nil {
		s.logger.Warnw("failed to remove presence", "peer_id", c.id, "error", err)
	}
	s.metrics.ClientDisconnected()

	for _, other := range notify {
		if err := s.write(other, Message{Type: TypeLeave, FromPeer: c.id}); err != nil {
			s.logger.Debugw("failed to deliver leave", "peer_id", other.id, "error", err)
		}
	}

	for _, id := range remote {
		s.publish(context.Background(), id, Message{Type: TypeLeave, FromPeer: c.id})
	}

	s.logger.Infow("peer disconnected", "peer_id", c.id)
}

func (s *WebSocketServer) dispatch(ctx context.Context, c *client, msg Message) {
	ctx, span := tracing.TraceWebSocketMessage(ctx, msg.Type, string(c.id))
	defer span.End()
	ctx = logger.WithTraceID(logger.WithPeerID(ctx, string(c.id)), tracing.TraceID(ctx))

	var err error
	switch msg.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		err = s.handleSession(ctx, c, msg)
	case TypeListPeers:
		err = s.handleListPeers(ctx, c)
	default:
		err = &routeError{code: CodeInvalidMessage, message: fmt.Sprintf("unknown message type: %q", msg.Type)}
	}

	if err == nil {
		s.metrics.MessageRouted(msg.Type)
		return
	}

	tracing.RecordError(ctx, err)
	re, ok := err.(*routeError)
	if !ok {
		re = &routeError{code: CodeInvalidMessage, message: err.Error()}
	}
	s.metrics.MessageRejected(re.code)
	s.ctxLog.Sugared(ctx).Infow("rejected message from peer", "type", msg.Type, "code", re.code, "error", re.message)
	s.sendError(c, re.code, re.message, re.peer)
}

type routeError struct {
	code    string
	message string
	peer    domain.PeerID
}

func (e *routeError) Error() string { return e.code + ": " + e.message }

func invalid(format string, args ...any) error {
	return &routeError{code: CodeInvalidMessage, message: fmt.Sprintf(format, args...)}
}

func (s *WebSocketServer) handleSession(ctx context.Context, c *client, msg Message) error {
	if err := validation.ValidatePeerID(string(msg.TargetPeer)); err != nil {
		return invalid("invalid target_peer: %v", err)
	}
	if msg.TargetPeer == c.id {
		return invalid("cannot signal self")
	}

	var payload SessionPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return invalid("invalid %s payload: %v", msg.Type, err)
	}
	if payload.ConnectionID == "" {
		return invalid("connection_id is required")
	}
	switch msg.Type {
	case TypeOffer, TypeAnswer:
		if err := validateSDP(payload.SDP); err != nil {
			return invalid("invalid SDP in %s: %v", msg.Type, err)
		}
	case TypeICECandidate:
		if payload.Candidate == "" {
			return invalid("ICE candidate is required")
		}
	}

	s.mu.Lock()
	target, ok := s.connections[msg.TargetPeer]
	if ok {
		c.correspondents[target.id] = struct{}{}
		target.correspondents[c.id] = struct{}{}
	}
	s.mu.Unlock()

	if !ok && s.relay != nil {
		return s.forwardRemote(ctx, c, msg, payload.ConnectionID)
	}
	if !ok {
		return &routeError{
			code:    CodePeerUnavailable,
			message: fmt.Sprintf("could not connect to peer %s", msg.TargetPeer),
			peer:    msg.TargetPeer,
		}
	}

	s.logger.Debugw("routing session message",
		"type", msg.Type,
		"from_peer", c.id,
		"to_peer", target.id,
		"connection_id", payload.ConnectionID,
	)

	forward := Message{Type: msg.Type, FromPeer: c.id, Payload: msg.Payload}
	if err := s.write(target, forward); err != nil {
		return &routeError{code: CodePeerUnavailable, message: err.Error(), peer: target.id}
	}
	return nil
}

func (s *WebSocketServer) handleListPeers(ctx context.Context, c *client) error {
	ids, err := s.presence.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list peers: %w", err)
	}

	peers := make([]domain.PeerID, 0, len(ids))
	for _, id := range ids {
		if id != c.id {
			peers = append(peers, id)
		}
	}
	return s.write(c, Message{Type: TypePeersList, Peers: peers})
}

// validateSDP performs a structural check on an SDP blob.
func validateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}
	for _, field := range []string{"o=", "s=", "t="} {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("invalid SDP format: missing required field '%s'", field)
		}
	}
	return nil
}

func (s *WebSocketServer) write(c *client, msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return c.conn.WriteJSON(msg)
}

func (s *WebSocketServer) sendError(c *client, code, message string, peer domain.PeerID) {
	if err := s.write(c, Message{Type: TypeError, Code: code, Message: message, PeerID: peer}); err != nil {
		s.logger.Debugw("failed to send error", "peer_id", c.id, "error", err)
	}
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	connectionCount := len(s.connections)
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status":      "healthy",
		"server_id":   s.cfg.ServerID,
		"timestamp":   time.Now().Unix(),
		"connections": connectionCount,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *WebSocketServer) GetConnectedPeers() []domain.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]domain.PeerID, 0, len(s.connections))
	for peerID := range s.connections {
		peers = append(peers, peerID)
	}
	return peers
}

func (s *WebSocketServer) IsPeerConnected(peerID domain.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.connections[peerID]
	return exists
}

// Shutdown closes every client connection.
func (s *WebSocketServer) Shutdown() {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.connections))
	for _, c := range s.connections {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.conn.Close()
	}
}

type noopSignalingMetrics struct{}

func (noopSignalingMetrics) ClientConnected() {}

func (noopSignalingMetrics) ClientDisconnected() {}

func (noopSignalingMetrics) MessageRouted(string) {}

func (noopSignalingMetrics) MessageRejected(string) {}
