package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

const testSecret = "s3cret"

type countingListener struct {
	connects    atomic.Int32
	disconnects atomic.Int32
}

func (l *countingListener) OnConnect()    { l.connects.Add(1) }
func (l *countingListener) OnDisconnect() { l.disconnects.Add(1) }

type consumer struct {
	server    *httptest.Server
	received  chan []byte
	instances chan string
	accepted  atomic.Int32
	// dropFirst closes the first accepted connection right away.
	dropFirst bool
}

func newConsumer(t *testing.T, dropFirst bool) *consumer {
	c := &consumer{
		received:  make(chan []byte, 16),
		instances: make(chan string, 16),
		dropFirst: dropFirst,
	}
	c.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(DefaultSecretHeader) != testSecret {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusInternalError, "")

		c.instances <- r.Header.Get(InstanceHeader)
		if n := c.accepted.Add(1); n == 1 && c.dropFirst {
			_ = conn.Close(websocket.StatusGoingAway, "restarting")
			return
		}
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			c.received <- data
		}
	}))
	t.Cleanup(c.server.Close)
	return c
}

func (c *consumer) url() string {
	return "ws" + strings.TrimPrefix(c.server.URL, "http")
}

func testConfig(url string) Config {
	return Config{
		URL:                url,
		Secret:             testSecret,
		InstanceID:         "01HZX3J5M0QK2V9T8R7Y6W5E4D",
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		PingInterval:       time.Second,
	}
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New(Config{URL: "ws://localhost"}, nil, zerolog.Nop())
	require.ErrorIs(t, err, ErrMissingSecret)

	_, err = New(Config{Secret: "x"}, nil, zerolog.Nop())
	require.Error(t, err)
}

func TestSendWhenNotOpen(t *testing.T) {
	ch, err := New(testConfig("ws://127.0.0.1:1"), nil, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, StateClosed, ch.State())
	assert.False(t, ch.Send(map[string]any{"x": 1}))
}

func TestChannelDelivers(t *testing.T) {
	srv := newConsumer(t, false)
	listener := &countingListener{}

	ch, err := New(testConfig(srv.url()), listener, zerolog.Nop())
	require.NoError(t, err)
	ch.Start(context.Background())
	defer ch.Close()

	require.Eventually(t, func() bool {
		return listener.connects.Load() == 1 && ch.IsOpen()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "01HZX3J5M0QK2V9T8R7Y6W5E4D", <-srv.instances)

	require.True(t, ch.Send(map[string]any{"activity": map[string]any{"id": "0-16B3748"}}))

	select {
	case data := <-srv.received:
		assert.JSONEq(t, `{"activity":{"id":"0-16B3748"}}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("payload not delivered")
	}
}

func TestChannelReconnects(t *testing.T) {
	srv := newConsumer(t, true)
	listener := &countingListener{}

	ch, err := New(testConfig(srv.url()), listener, zerolog.Nop())
	require.NoError(t, err)
	ch.Start(context.Background())
	defer ch.Close()

	require.Eventually(t, func() bool {
		return listener.connects.Load() == 2 && ch.IsOpen()
	}, 3*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, listener.disconnects.Load())
	assert.EqualValues(t, 2, srv.accepted.Load())

	require.True(t, ch.Send("after reconnect"))
	select {
	case data := <-srv.received:
		assert.Equal(t, `"after reconnect"`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("payload not delivered after reconnect")
	}
}

func TestChannelRejectedSecret(t *testing.T) {
	srv := newConsumer(t, false)
	cfg := testConfig(srv.url())
	cfg.Secret = "wrong"

	ch, err := New(cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	ch.Start(context.Background())
	defer ch.Close()

	require.Eventually(t, func() bool {
		return ch.State() == StateReconnecting
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, ch.IsOpen())
	assert.Zero(t, srv.accepted.Load())
}

func TestCloseIsTerminal(t *testing.T) {
	srv := newConsumer(t, false)
	listener := &countingListener{}

	ch, err := New(testConfig(srv.url()), listener, zerolog.Nop())
	require.NoError(t, err)
	ch.Start(context.Background())
	require.Eventually(t, ch.IsOpen, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ch.Close())
	assert.Equal(t, StateClosed, ch.State())
	assert.Zero(t, listener.disconnects.Load())
	assert.False(t, ch.Send("late"))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateClosed, ch.State())
	assert.EqualValues(t, 1, srv.accepted.Load())
}

func TestFailedFrameIsResentAfterReconnect(t *testing.T) {
	srv := newConsumer(t, false)
	ctx := context.Background()

	ch, err := New(testConfig(srv.url()), nil, zerolog.Nop())
	require.NoError(t, err)

	conn, err := ch.dial(ctx)
	require.NoError(t, err)
	_ = conn.Close(websocket.StatusNormalClosure, "")

	frame := []byte(`{"activity":{"id":"0-16B3748"}}`)
	require.Error(t, ch.write(ctx, conn, frame))
	require.Equal(t, frame, ch.unsent)

	ch.Start(ctx)
	defer ch.Close()
	require.Eventually(t, ch.IsOpen, 2*time.Second, 5*time.Millisecond)
	require.True(t, ch.Send(map[string]any{"activity": map[string]any{"id": "0-16B3800"}}))

	for _, want := range []string{`{"activity":{"id":"0-16B3748"}}`, `{"activity":{"id":"0-16B3800"}}`} {
		select {
		case data := <-srv.received:
			assert.JSONEq(t, want, string(data))
		case <-time.After(2 * time.Second):
			t.Fatalf("%s not delivered", want)
		}
	}
}
