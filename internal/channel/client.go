// ABOUTME: Websocket channel client with heartbeat and bounded reconnect.
// ABOUTME: Owns the socket lifecycle; at most one live connection per client.

package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talkrix/chatkit/internal/protocol"
	"github.com/talkrix/chatkit/internal/session"
)

const (
	defaultHeartbeatInterval    = 30 * time.Second
	defaultReconnectDelay       = 3 * time.Second
	defaultMaxReconnectAttempts = 5

	writeTimeout = 10 * time.Second
)

// ErrNotConnected is returned by Send when the channel is not Open. Sends
// are never queued; callers fall back to the REST path.
var ErrNotConnected = errors.New("channel not connected")

// State is the connection lifecycle state.
type State string

const (
	StateIdle             State = "idle"
	StateConnecting       State = "connecting"
	StateOpen             State = "open"
	StateReconnectPending State = "reconnect_pending"

	// StateClosed is terminal: the reconnect budget is exhausted. Only an
	// explicit Connect leaves it.
	StateClosed State = "closed"
)

// Client maintains one websocket connection to the channel service for a
// session. Unexpected closes trigger fixed-delay reconnects up to a budget;
// after that the client stays Closed and reports it via the closed event.
type Client struct {
	baseURL string
	sess    *session.Session
	logger  *slog.Logger
	dialer  *websocket.Dialer
	events  *events

	heartbeatInterval time.Duration
	reconnectDelay    time.Duration
	maxAttempts       int

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	gen            uint64 // bumped on every teardown so stale loops no-op
	attempts       int
	reconnectTimer *time.Timer
	heartbeatDone  chan struct{}

	writeMu sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithHeartbeatInterval overrides the ping cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Client) { c.heartbeatInterval = d }
}

// WithReconnectDelay overrides the fixed delay between reconnect attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) { c.reconnectDelay = d }
}

// WithMaxReconnectAttempts overrides the reconnect budget.
func WithMaxReconnectAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = n }
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// New creates a channel client for the session. baseURL is the channel
// service root (e.g. "wss://ws.talkrix.com"). Pass nil logger for default.
func New(baseURL string, sess *session.Session, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:           baseURL,
		sess:              sess,
		logger:            logger.With("component", "channel"),
		dialer:            websocket.DefaultDialer,
		events:            newEvents(),
		heartbeatInterval: defaultHeartbeatInterval,
		reconnectDelay:    defaultReconnectDelay,
		maxAttempts:       defaultMaxReconnectAttempts,
		state:             StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnOpened subscribes to open transitions. If the channel is already Open
// the callback fires immediately so late subscribers see current state.
func (c *Client) OnOpened(f OpenFunc) *Subscription {
	sub := c.events.addOpened(f)
	if c.State() == StateOpen {
		f()
	}
	return sub
}

// OnClosed subscribes to close transitions. If the channel is already
// permanently Closed the callback fires immediately with permanent=true.
func (c *Client) OnClosed(f CloseFunc) *Subscription {
	sub := c.events.addClosed(f)
	if c.State() == StateClosed {
		f(true)
	}
	return sub
}

// OnFrame subscribes to decoded inbound envelopes. Callbacks run on the
// read loop goroutine and must not block.
func (c *Client) OnFrame(f FrameFunc) *Subscription {
	return c.events.addFrame(f)
}

// Connect establishes the channel connection, tearing down any prior socket
// first. ctx bounds the dial only; the connection itself outlives it. A
// failed dial returns the error and also starts the reconnect schedule.
func (c *Client) Connect(ctx context.Context) error {
	return c.connect(ctx, true)
}

func (c *Client) connect(ctx context.Context, fresh bool) error {
	endpoint, err := c.sess.ChannelURL(c.baseURL)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.teardownLocked()
	if fresh {
		c.attempts = 0
	}
	c.state = StateConnecting
	gen := c.gen
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.logger.Warn("channel dial failed", "error", err)
		c.handleDisconnect(gen, err)
		return err
	}

	c.mu.Lock()
	if gen != c.gen || c.state != StateConnecting {
		// Superseded by another Connect or Disconnect while dialing.
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.state = StateOpen
	c.attempts = 0
	done := make(chan struct{})
	c.heartbeatDone = done
	c.mu.Unlock()

	c.logger.Info("channel open", "role", c.sess.Role)
	go c.readLoop(conn, gen)
	go c.heartbeatLoop(done)
	c.events.emitOpened()
	return nil
}

// Disconnect closes the connection deliberately: heartbeat stops, any
// pending reconnect is cancelled, and the client returns to Idle.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.teardownLocked()
	c.state = StateIdle
	c.mu.Unlock()
	c.logger.Info("channel disconnected")
}

// Send transmits an envelope. Valid only in Open; anything else returns
// ErrNotConnected without queueing. Missing identity fields and the
// timestamp are stamped from the session before encoding.
func (c *Client) Send(env *protocol.Envelope) error {
	c.mu.Lock()
	if c.state != StateOpen || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	c.stamp(env)
	if err := env.Validate(); err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// stamp fills session identity and timestamp on an outbound envelope.
func (c *Client) stamp(env *protocol.Envelope) {
	if env.WebsiteID == "" {
		env.WebsiteID = c.sess.WebsiteID
	}
	if env.SenderType == "" {
		env.SenderType = c.sess.SenderType()
	}
	if env.SenderID == "" {
		env.SenderID = c.sess.Identity
	}
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().Unix()
	}
}

// readLoop consumes frames until the socket errors. Malformed frames are
// dropped and logged, never fatal.
func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.events.emitFrame(env)
	}
}

// heartbeatLoop emits ping envelopes until the connection tears down.
func (c *Client) heartbeatLoop(done chan struct{}) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.Send(&protocol.Envelope{Type: protocol.TypePing}); err != nil {
				return
			}
		}
	}
}

// handleDisconnect reacts to an unexpected close or failed dial. Within the
// reconnect budget it schedules a fixed-delay retry; past it the client goes
// permanently Closed. Stale generations (already superseded) are ignored.
func (c *Client) handleDisconnect(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()

	if c.attempts >= c.maxAttempts {
		c.state = StateClosed
		c.mu.Unlock()
		c.logger.Warn("reconnect attempts exhausted, channel closed",
			"attempts", c.maxAttempts, "cause", cause)
		c.events.emitClosed(true)
		return
	}

	c.attempts++
	attempt := c.attempts
	c.state = StateReconnectPending
	c.reconnectTimer = time.AfterFunc(c.reconnectDelay, func() {
		c.logger.Info("reconnecting", "attempt", attempt, "max", c.maxAttempts)
		c.connect(context.Background(), false)
	})
	c.mu.Unlock()

	c.logger.Warn("channel closed unexpectedly, reconnect scheduled",
		"attempt", attempt, "delay", c.reconnectDelay, "cause", cause)
	c.events.emitClosed(false)
}

// teardownLocked stops the heartbeat, cancels any pending reconnect, and
// closes the socket. Bumps the generation so in-flight loops for the old
// connection become no-ops. Must hold mu.
func (c *Client) teardownLocked() {
	c.gen++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.heartbeatDone != nil {
		close(c.heartbeatDone)
		c.heartbeatDone = nil
	}
	if c.conn != nil {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
		c.conn = nil
	}
}
