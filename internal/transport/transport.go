// Package transport maintains the persistent signaling connection: a
// WebSocket carrying JSON envelopes, with protocol-level acknowledgements,
// keepalive, and bounded automatic reconnection.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerdial/peerdial/internal/metrics"
	"github.com/peerdial/peerdial/internal/wire"
)

const (
	DefaultDialTimeout  = 10 * time.Second
	DefaultAckTimeout   = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second

	// Keepalive: the client pings, the pong refreshes the read deadline.
	DefaultPongWait   = 60 * time.Second
	DefaultPingPeriod = 54 * time.Second

	DefaultMaxMessageBytes = 512 * 1024

	DefaultReconnectAttempts = 5
	DefaultReconnectBackoff  = time.Second
)

var (
	// ErrInvalidURL reports an endpoint that is not a ws:// or wss:// URL.
	ErrInvalidURL = errors.New("transport: invalid websocket url")

	// ErrNotConnected reports a send attempted without a live connection, or
	// an acknowledged send whose connection dropped before the ack arrived.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrAckTimeout reports an acknowledged send that saw no ack in time.
	// The emit may still have taken effect remotely.
	ErrAckTimeout = errors.New("transport: acknowledgement timed out")

	// ErrClosed reports use of a channel after Close.
	ErrClosed = errors.New("transport: channel closed")
)

// NackError reports an acknowledgement with success=false.
type NackError struct {
	Reason string
}

func (e *NackError) Error() string {
	if e.Reason == "" {
		return "transport: server rejected request"
	}
	return "transport: server rejected request: " + e.Reason
}

// Config parameterizes a Channel. URL is required; zero durations use the
// defaults above.
type Config struct {
	URL    string
	Logger *slog.Logger

	DialTimeout  time.Duration
	AckTimeout   time.Duration
	WriteTimeout time.Duration

	PongWait   time.Duration
	PingPeriod time.Duration

	MaxMessageBytes int

	ReconnectAttempts int
	ReconnectBackoff  time.Duration

	// OnEvent receives every non-ack envelope in receipt order, invoked from
	// the single read goroutine. Handlers must not block indefinitely.
	OnEvent func(env wire.Envelope)

	// OnConnectionChange reports transitions of the underlying socket.
	OnConnectionChange func(connected bool)

	// OnError receives asynchronous transport errors: malformed frames and
	// reconnect exhaustion.
	OnError func(err error)

	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = DefaultPingPeriod
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = DefaultReconnectBackoff
	}
	return c
}

// Channel is a single-lifetime signaling connection: New, Connect, use,
// Close. It redials internally on unexpected disconnects (bounded, linear
// backoff) but never outlives Close.
type Channel struct {
	cfg Config
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	mu        sync.Mutex
	conn      *wsConn
	gen       uint64
	connected bool
	closed    bool

	nextID atomic.Uint64

	ackMu sync.Mutex
	acks  map[uint64]chan wire.Ack
}

// wsConn pairs a socket with its write lock. gorilla connections allow one
// concurrent writer; control frames (ping/close) go through WriteControl,
// which is safe alongside data writes.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
}

func New(cfg Config) (*Channel, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, cfg.URL)
	}

	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		cfg:    cfg,
		log:    cfg.Logger.With("component", "transport"),
		ctx:    ctx,
		cancel: cancel,
		acks:   make(map[uint64]chan wire.Ack),
	}, nil
}

// Connect dials the endpoint and starts the read and keepalive loops.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ws, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.install(ws)
	c.emitConnectionChange(true)
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	ws, resp, err := dialer.DialContext(dialCtx, c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", c.cfg.URL, err)
	}
	ws.SetReadLimit(int64(c.cfg.MaxMessageBytes))
	return ws, nil
}

// install publishes a fresh connection and starts its loops. Each
// connection carries a generation so a stale read loop exiting late cannot
// tear down its successor.
func (c *Channel) install(ws *websocket.Conn) {
	wc := &wsConn{ws: ws, done: make(chan struct{})}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.conn = wc
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(wc, gen)
	go c.keepalive(wc)
}

func (c *Channel) readLoop(wc *wsConn, gen uint64) {
	ws := wc.ws
	_ = ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		msgType, payload, err := ws.ReadMessage()
		if err != nil {
			c.handleDisconnect(wc, gen, err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		env, err := wire.ParseEnvelope(payload)
		if err != nil {
			c.log.Warn("dropping malformed frame", "err", err)
			c.emitError(fmt.Errorf("transport: malformed frame: %w", err))
			continue
		}

		if env.Event == wire.EventAck {
			c.resolveAck(env)
			continue
		}
		if c.cfg.OnEvent != nil {
			c.cfg.OnEvent(env)
		}
	}
}

func (c *Channel) keepalive(wc *wsConn) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-wc.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := wc.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// The read loop observes the broken socket and handles it.
				_ = wc.ws.Close()
				return
			}
		}
	}
}

func (c *Channel) handleDisconnect(wc *wsConn, gen uint64, cause error) {
	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	close(wc.done)
	_ = wc.ws.Close()
	c.failPendingAcks()

	c.log.Info("connection lost", "err", cause)
	c.emitConnectionChange(false)

	go c.reconnectLoop()
}

func (c *Channel) reconnectLoop() {
	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		delay := time.Duration(attempt) * c.cfg.ReconnectBackoff
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}

		ws, err := c.dial(c.ctx)
		if err != nil {
			c.log.Warn("reconnect attempt failed", "attempt", attempt, "err", err)
			continue
		}

		if c.cfg.Metrics != nil {
			c.cfg.Metrics.Inc(metrics.Reconnects)
		}
		c.log.Info("reconnected", "attempt", attempt)
		c.install(ws)
		c.emitConnectionChange(true)
		return
	}

	c.log.Warn("reconnect attempts exhausted", "attempts", c.cfg.ReconnectAttempts)
	c.emitError(fmt.Errorf("transport: reconnect attempts exhausted: %w", ErrNotConnected))
}

// Send emits a fire-and-forget event.
func (c *Channel) Send(event wire.EventName, data any) error {
	env, err := wire.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	return c.write(env)
}

// SendWithAck emits an event carrying an envelope ID and blocks until the
// matching ack, the ack timeout, or ctx cancellation. An ack arriving after
// the timeout is counted and ignored; the operation never resolves twice.
func (c *Channel) SendWithAck(ctx context.Context, event wire.EventName, data any) error {
	env, err := wire.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	id := c.nextID.Add(1)
	env.ID = id

	ch := make(chan wire.Ack, 1)
	c.ackMu.Lock()
	c.acks[id] = ch
	c.ackMu.Unlock()

	if err := c.write(env); err != nil {
		c.dropAck(id)
		return err
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case ack, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		if !ack.Success {
			return &NackError{Reason: ack.Error}
		}
		return nil
	case <-timer.C:
		c.dropAck(id)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.Inc(metrics.AcksTimedOut)
		}
		return ErrAckTimeout
	case <-ctx.Done():
		c.dropAck(id)
		return ctx.Err()
	case <-c.ctx.Done():
		c.dropAck(id)
		return ErrClosed
	}
}

func (c *Channel) write(env wire.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	wc := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if wc == nil {
		return ErrNotConnected
	}

	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	_ = wc.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := wc.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("transport: write %s: %w", env.Event, err)
	}
	return nil
}

func (c *Channel) resolveAck(env wire.Envelope) {
	ack, err := wire.DecodeData[wire.Ack](env.Data)
	if err != nil {
		c.log.Warn("dropping malformed ack", "id", env.ID, "err", err)
		return
	}

	c.ackMu.Lock()
	ch, ok := c.acks[env.ID]
	if ok {
		delete(c.acks, env.ID)
	}
	c.ackMu.Unlock()

	if !ok {
		// Late or unsolicited: the waiter already resolved.
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.Inc(metrics.AcksLate)
		}
		c.log.Debug("ignoring late ack", "id", env.ID)
		return
	}
	ch <- ack
}

func (c *Channel) dropAck(id uint64) {
	c.ackMu.Lock()
	delete(c.acks, id)
	c.ackMu.Unlock()
}

func (c *Channel) failPendingAcks() {
	c.ackMu.Lock()
	pending := c.acks
	c.acks = make(map[uint64]chan wire.Ack)
	c.ackMu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

// Connected reports whether the socket is currently up.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close tears the channel down. Idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.connected = false
		wc := c.conn
		c.conn = nil
		c.mu.Unlock()

		c.cancel()

		if wc != nil {
			close(wc.done)
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			_ = wc.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = wc.ws.Close()
		}
		c.failPendingAcks()
	})
	return nil
}

func (c *Channel) emitConnectionChange(connected bool) {
	if c.cfg.OnConnectionChange != nil {
		c.cfg.OnConnectionChange(connected)
	}
}

func (c *Channel) emitError(err error) {
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}
