package signal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialClient(t *testing.T, url string, handler func(Message), onClose func(error)) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, ClientConfig{URL: url}, handler, onClose, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_ExchangesSessionMessages(t *testing.T) {
	_, url := startServer(t, testServerConfig())

	received := make(chan Message, 1)
	a := dialClient(t, url, nil, nil)
	b := dialClient(t, url, func(msg Message) { received <- msg }, nil)
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())

	offer, err := NewSessionMessage(TypeOffer, b.ID(), SessionPayload{ConnectionID: "dc_1", SDP: testSDP})
	require.NoError(t, err)
	require.NoError(t, a.Send(offer))

	select {
	case msg := <-received:
		assert.Equal(t, TypeOffer, msg.Type)
		assert.Equal(t, a.ID(), msg.FromPeer)
	case <-time.After(2 * time.Second):
		t.Fatal("offer not delivered")
	}
}

func TestClient_CloseIsQuiet(t *testing.T) {
	_, url := startServer(t, testServerConfig())

	closed := make(chan error, 1)
	c := dialClient(t, url, nil, func(err error) { closed <- err })

	require.NoError(t, c.Close())
	<-c.Done()
	assert.ErrorIs(t, c.Send(Message{Type: TypeListPeers}), ErrClientClosed)

	select {
	case <-closed:
		t.Fatal("onClose called after Close")
	default:
	}
}

func TestClient_ReportsServerShutdown(t *testing.T) {
	s, url := startServer(t, testServerConfig())

	closed := make(chan error, 1)
	dialClient(t, url, nil, func(err error) { closed <- err })

	s.Shutdown()

	select {
	case err := <-closed:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("connection loss not reported")
	}
}

func TestClient_DialFailsAfterRetries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Dial(ctx, ClientConfig{
		URL:         "ws://127.0.0.1:1/ws",
		DialRetries: 2,
		DialBackoff: time.Millisecond,
	}, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to dial signaling server")
}

func TestClient_DialHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Dial(ctx, ClientConfig{URL: "ws://127.0.0.1:1/ws"}, nil, nil, nil)
	assert.Error(t, err)
}
