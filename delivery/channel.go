// Package delivery keeps a single authenticated websocket open to the
// downstream consumer.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/web3tea/activity-sentinel/pkg/jsoncodec"
	"github.com/web3tea/activity-sentinel/retry"
	"nhooyr.io/websocket"
)

var ErrMissingSecret = errors.New("delivery secret not configured")

type State string

const (
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

const (
	DefaultSecretHeader   = "X-Sentinel-Secret"
	InstanceHeader        = "X-Sentinel-Instance"
	defaultJitter         = 0.2
	defaultSendBuffer     = 256
	defaultWriteTimeout   = 10 * time.Second
	defaultPingInterval   = 30 * time.Second
	defaultHandshake      = 10 * time.Second
	defaultReconnectBase  = time.Second
	defaultReconnectLimit = 30 * time.Second
)

// Listener is told when the channel opens and when an open channel is lost.
type Listener interface {
	OnConnect()
	OnDisconnect()
}

type Config struct {
	URL                string
	Secret             string
	SecretHeader       string
	InstanceID         string
	PingInterval       time.Duration
	HandshakeTimeout   time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	Jitter             float64
	SendBuffer         int
}

type Channel struct {
	cfg      Config
	listener Listener
	logger   zerolog.Logger

	mu       sync.RWMutex
	state    State
	conn     *websocket.Conn
	attempts int

	outbox   chan []byte
	// unsent holds a frame whose write failed; only the run goroutine touches it.
	unsent   []byte
	cancelFn context.CancelFunc
	done     chan struct{}
	running  bool
}

func New(cfg Config, listener Listener, logger zerolog.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, ErrMissingSecret
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("delivery url not configured")
	}
	if cfg.SecretHeader == "" {
		cfg.SecretHeader = DefaultSecretHeader
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshake
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = defaultReconnectBase
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = defaultReconnectLimit
	}
	if cfg.Jitter <= 0 {
		cfg.Jitter = defaultJitter
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}

	return &Channel{
		cfg:      cfg,
		listener: listener,
		logger:   logger,
		state:    StateClosed,
		outbox:   make(chan []byte, cfg.SendBuffer),
	}, nil
}

// Start connects in the background and keeps reconnecting until Close.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancelFn = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(ctx)
}

func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Channel) IsOpen() bool {
	return c.State() == StateOpen
}

func (c *Channel) Type() string {
	return "websocket"
}

// Send queues payload for writing. It never blocks and reports false when the
// channel is not open or its buffer is full.
func (c *Channel) Send(payload any) bool {
	if !c.IsOpen() {
		return false
	}

	data, err := jsoncodec.Marshal(payload)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to encode payload")
		return false
	}

	select {
	case c.outbox <- data:
		return true
	default:
		c.logger.Warn().Int("buffer", cap(c.outbox)).Msg("send buffer full")
		return false
	}
}

// Close ends the connection and stops reconnecting. It is terminal.
func (c *Channel) Close() error {
	c.mu.Lock()
	if !c.running {
		c.state = StateClosed
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel, done, conn := c.cancelFn, c.done, c.conn
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
	cancel()
	<-done

	c.setState(StateClosed)
	if err != nil && !isClosedErr(err) {
		return fmt.Errorf("failed to close delivery channel: %w", err)
	}
	return nil
}

func (c *Channel) run(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.state = StateClosed
		c.conn = nil
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err == nil {
			c.opened(conn)
			err = c.serve(ctx, conn)
			c.lost(conn)
		}
		if ctx.Err() != nil || !c.isRunning() {
			return
		}

		c.mu.Lock()
		attempt := c.attempts
		c.attempts++
		c.mu.Unlock()

		delay := retry.Jittered(attempt, c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay, c.cfg.Jitter)
		c.setState(StateReconnecting)
		c.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("delivery channel down, reconnecting")

		if retry.Wait(ctx, delay) != nil {
			return
		}
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set(c.cfg.SecretHeader, c.cfg.Secret)
	if c.cfg.InstanceID != "" {
		header.Set(InstanceHeader, c.cfg.InstanceID)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

func (c *Channel) opened(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	c.attempts = 0
	c.mu.Unlock()

	c.logger.Info().Str("url", c.cfg.URL).Msg("delivery channel open")
	if c.listener != nil {
		c.listener.OnConnect()
	}
}

func (c *Channel) lost(conn *websocket.Conn) {
	c.mu.Lock()
	wasOpen := c.conn == conn && c.state == StateOpen
	// an intentional Close is not a disconnect
	notify := wasOpen && c.running
	c.conn = nil
	if wasOpen {
		c.state = StateReconnecting
	}
	c.mu.Unlock()

	_ = conn.Close(websocket.StatusGoingAway, "reconnecting")
	if notify && c.listener != nil {
		c.listener.OnDisconnect()
	}
}

// serve pumps the outbox, drains the consumer's frames and pings until the
// connection fails or ctx ends.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	go func() {
		for {
			_, data, err := conn.Read(connCtx)
			if err != nil {
				cancel(fmt.Errorf("read: %w", err))
				return
			}
			c.logger.Debug().Int("bytes", len(data)).Msg("consumer frame received")
		}
	}()

	if data := c.unsent; data != nil {
		c.unsent = nil
		c.logger.Info().Int("bytes", len(data)).Msg("resending frame from previous connection")
		if err := c.write(connCtx, conn, data); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-connCtx.Done():
			return context.Cause(connCtx)
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(connCtx, c.cfg.PingInterval)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		case data := <-c.outbox:
			if err := c.write(connCtx, conn, data); err != nil {
				return err
			}
		}
	}
}

// write sends one frame. A frame that fails is kept and written first on the
// next connection, since its position may already be acknowledged.
func (c *Channel) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		c.unsent = data
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *Channel) isRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// closed is terminal once Close has run
	if !c.running && s != StateClosed {
		return
	}
	c.state = s
}

func isClosedErr(err error) bool {
	status := websocket.CloseStatus(err)
	return status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway ||
		errors.Is(err, context.Canceled) || strings.Contains(err.Error(), "already wrote close")
}
