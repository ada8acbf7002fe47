package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dropnet/internal/core/domain"
	"dropnet/pkg/config"
	"dropnet/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrClientClosed = errors.New("signaling client closed")

type ClientConfig struct {
	URL          string
	DialRetries  int
	DialBackoff  time.Duration
	WriteTimeout time.Duration
}

func NewClientConfig(cfg *config.Config) ClientConfig {
	return ClientConfig{
		URL:          cfg.Network.SignalURL,
		DialRetries:  cfg.Network.DialAttempts,
		DialBackoff:  cfg.Network.DialBackoff,
		WriteTimeout: cfg.Signal.WriteTimeout,
	}
}

// Client is a peer's connection to the signaling server. Incoming messages
// are handed to the handler one at a time, in arrival order.
type Client struct {
	conn    *websocket.Conn
	id      domain.PeerID
	cfg     ClientConfig
	handler func(Message)
	onClose func(error)
	logger  *zap.SugaredLogger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

// Dial connects to the signaling server and waits for the identity it
// assigns. onClose is called once when the connection ends for any reason
// other than Close.
func Dial(ctx context.Context, cfg ClientConfig, handler func(Message), onClose func(error), logger *zap.SugaredLogger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.DialRetries
	if cfg.DialBackoff > 0 {
		retryCfg.InitialDelay = cfg.DialBackoff
	}
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Infow("retrying signaling dial", "url", cfg.URL, "attempt", attempt, "delay", delay, "error", err)
	}

	conn, err := retry.RetryWithResult(ctx, retryCfg, func() (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
		return conn, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial signaling server: %w", err)
	}

	id, err := awaitIdentity(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	c := &Client{
		conn:    conn,
		id:      id,
		cfg:     cfg,
		handler: handler,
		onClose: onClose,
		logger:  logger,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	logger.Infow("registered with signaling server", "url", cfg.URL, "peer_id", id)
	return c, nil
}

func awaitIdentity(ctx context.Context, conn *websocket.Conn) (domain.PeerID, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("failed to read identity: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	if msg.Type != TypeOpen || msg.PeerID == "" {
		return "", fmt.Errorf("unexpected first message %q from signaling server", msg.Type)
	}
	return msg.PeerID, nil
}

func (c *Client) ID() domain.PeerID {
	return c.id
}

func (c *Client) Send(msg Message) error {
	select {
	case <-c.closing:
		return ErrClientClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteJSON(msg)
}

// Done is closed when the read loop has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close ends the connection. It is safe to call from the message handler.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)

		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.closing:
				return
			default:
			}
			c.logger.Infow("signaling connection lost", "peer_id", c.id, "error", err)
			c.conn.Close()
			if c.onClose != nil {
				c.onClose(err)
			}
			return
		}
		if c.handler != nil {
			c.handler(msg)
		}
	}
}
