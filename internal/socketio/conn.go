package socketio

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/upstatushq/kuma-client/internal/events"
	"github.com/upstatushq/kuma-client/internal/metrics"
	"github.com/upstatushq/kuma-client/pkg/types"
)

const (
	defaultDialTimeout      = 10 * time.Second
	defaultReconnectWait    = 2 * time.Second
	defaultMaxReconnectWait = 30 * time.Second
	defaultPingInterval     = 25 * time.Second
	defaultPingTimeout      = 20 * time.Second
)

var (
	// ErrClosed is returned for operations on an explicitly closed connection.
	ErrClosed = errors.New("socketio: connection closed")
	// ErrNotConnected is returned while the transport is between reconnect attempts.
	ErrNotConnected = errors.New("socketio: not connected")
)

// Handler processes the arguments of a named push event. Handlers run on the
// connection's read loop, so events are observed in arrival order.
type Handler func(args []json.RawMessage)

// Options holds the static configuration for a connection.
type Options struct {
	// Entrypoint is the http(s) address of the service; it is rewritten to
	// ws(s) and suffixed with the engine.io websocket path.
	Entrypoint string
	TLS        *tls.Config

	DialTimeout      time.Duration
	Reconnect        bool
	ReconnectWait    time.Duration
	MaxReconnectWait time.Duration

	// EmitRate limits outbound events per second; zero disables limiting.
	EmitRate  float64
	EmitBurst int

	Logger   *log.Logger
	Recorder events.Recorder

	Connection metrics.ConnectionRecorder
	Traffic    metrics.TrafficRecorder

	// OnReconnected runs after every successful automatic reconnection,
	// off the read loop, so the owner can re-authenticate.
	OnReconnected func()
}

type ackResult struct {
	args []json.RawMessage
	err  error
}

// Conn is a single logical socket.io connection. Registered handlers survive
// transport-level reconnects; in-flight acknowledgements do not.
type Conn struct {
	opts     Options
	id       string
	logger   *log.Logger
	recorder events.Recorder
	connRec  metrics.ConnectionRecorder
	traffic  metrics.TrafficRecorder
	limiter  *rate.Limiter

	nextAck atomic.Int64
	done    chan struct{}

	mu       sync.Mutex
	ws       *websocket.Conn
	handlers map[string][]Handler
	pending  map[int64]chan ackResult
	closed   bool

	writeMu sync.Mutex
}

// Dial opens the websocket, performs the engine.io and socket.io handshakes,
// and starts the read loop. The returned connection is ready for Emit and On.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	if opts.Entrypoint == "" {
		return nil, fmt.Errorf("socketio: entrypoint is required")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = defaultReconnectWait
	}
	if opts.MaxReconnectWait <= 0 {
		opts.MaxReconnectWait = defaultMaxReconnectWait
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Recorder == nil {
		opts.Recorder = events.NoopRecorder{}
	}
	if opts.Connection == nil {
		opts.Connection = metrics.NoopConnectionRecorder{}
	}
	if opts.Traffic == nil {
		opts.Traffic = metrics.NoopTrafficRecorder{}
	}

	c := &Conn{
		opts:     opts,
		id:       uuid.NewString(),
		logger:   opts.Logger,
		recorder: opts.Recorder,
		connRec:  opts.Connection,
		traffic:  opts.Traffic,
		done:     make(chan struct{}),
		handlers: make(map[string][]Handler),
		pending:  make(map[int64]chan ackResult),
	}
	if opts.EmitRate > 0 {
		burst := opts.EmitBurst
		if burst <= 0 {
			burst = int(opts.EmitRate)
			if burst <= 0 {
				burst = 1
			}
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.EmitRate), burst)
	}

	ws, hs, err := c.handshake(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	c.connRec.ObserveConnected(true)
	c.record(types.EventConnected, nil)
	go c.readLoop(ws, hs)
	return c, nil
}

// ID returns the locally generated connection id used in logs and events.
func (c *Conn) ID() string {
	return c.id
}

// On registers a handler for a named push event. Multiple handlers for the
// same event run in registration order.
func (c *Conn) On(event string, handler Handler) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], handler)
	c.mu.Unlock()
}

// Emit sends a named event without waiting for an acknowledgement.
func (c *Conn) Emit(event string, args ...any) error {
	return c.emit(context.Background(), event, args, 0, false)
}

// EmitWithAck sends a named event and blocks until the server's
// acknowledgement arrives or ctx expires. The returned slice holds the raw
// acknowledgement arguments.
func (c *Conn) EmitWithAck(ctx context.Context, event string, args ...any) ([]json.RawMessage, error) {
	id := c.nextAck.Add(1)
	ch := make(chan ackResult, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.emit(ctx, event, args, id, true); err != nil {
		c.dropPending(id)
		return nil, err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.args, nil
	case <-ctx.Done():
		c.dropPending(id)
		c.traffic.IncAckTimeouts()
		c.record(types.EventAckTimeout, map[string]any{"event": event})
		return nil, fmt.Errorf("await %s acknowledgement: %w", event, ctx.Err())
	case <-c.done:
		c.dropPending(id)
		return nil, ErrClosed
	}
}

// Close tears down the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	close(c.done)
	c.failPending(ErrClosed)
	c.connRec.ObserveConnected(false)
	c.record(types.EventDisconnected, nil)

	if ws == nil {
		return nil
	}
	c.writeMu.Lock()
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return ws.Close()
}

func (c *Conn) emit(ctx context.Context, event string, args []any, ackID int64, hasAck bool) error {
	if c.limiter != nil && !c.limiter.Allow() {
		c.record(types.EventRateLimit, map[string]any{"event": event})
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit %s event: %w", event, err)
		}
	}

	data, err := encodeEvent(event, args, ackID, hasAck)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}

	c.mu.Lock()
	ws := c.ws
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if ws == nil {
		return ErrNotConnected
	}

	if err := c.write(ws, data); err != nil {
		return fmt.Errorf("send %s event: %w", event, err)
	}
	c.traffic.IncEmits()
	return nil
}

func (c *Conn) write(ws *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteMessage(websocket.TextMessage, data)
}

// handshake dials the websocket, consumes the engine.io open packet, and
// joins the default socket.io namespace.
func (c *Conn) handshake(ctx context.Context) (*websocket.Conn, handshake, error) {
	target, err := websocketURL(c.opts.Entrypoint)
	if err != nil {
		return nil, handshake{}, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.opts.DialTimeout,
		TLSClientConfig:  c.opts.TLS,
	}
	ws, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, handshake{}, fmt.Errorf("dial %s: %w", target, err)
	}

	hs, err := c.openSession(ws)
	if err != nil {
		ws.Close()
		return nil, handshake{}, err
	}
	return ws, hs, nil
}

func (c *Conn) openSession(ws *websocket.Conn) (handshake, error) {
	ws.SetReadDeadline(time.Now().Add(c.opts.DialTimeout))

	_, data, err := ws.ReadMessage()
	if err != nil {
		return handshake{}, fmt.Errorf("read open packet: %w", err)
	}
	f, err := parseFrame(data)
	if err != nil || f.kind != frameOpen {
		return handshake{}, fmt.Errorf("unexpected first frame %q", data)
	}
	var hs handshake
	if err := json.Unmarshal(f.payload, &hs); err != nil {
		return handshake{}, fmt.Errorf("decode handshake: %w", err)
	}

	if err := c.write(ws, encodeConnect()); err != nil {
		return handshake{}, fmt.Errorf("join namespace: %w", err)
	}

	// The namespace ack normally arrives immediately, but the server may
	// interleave keepalive pings.
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return handshake{}, fmt.Errorf("read namespace ack: %w", err)
		}
		f, err := parseFrame(data)
		if err != nil {
			return handshake{}, fmt.Errorf("parse namespace ack: %w", err)
		}
		switch f.kind {
		case frameConnect:
			return hs, nil
		case frameConnectError:
			return handshake{}, fmt.Errorf("namespace rejected: %s", f.payload)
		case framePing:
			if err := c.write(ws, encodePong()); err != nil {
				return handshake{}, err
			}
		default:
			return handshake{}, fmt.Errorf("unexpected frame during handshake %q", data)
		}
	}
}

func (c *Conn) readLoop(ws *websocket.Conn, hs handshake) {
	wait := keepaliveWait(hs)
	for {
		ws.SetReadDeadline(time.Now().Add(wait))
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleDrop(ws, err)
			return
		}

		f, err := parseFrame(data)
		if err != nil {
			c.logger.Printf("conn %s: dropping malformed frame: %v", c.id, err)
			continue
		}

		switch f.kind {
		case framePing:
			if err := c.write(ws, encodePong()); err != nil {
				c.handleDrop(ws, err)
				return
			}
		case frameEvent:
			c.traffic.IncPushEvents()
			c.dispatch(f.event, f.args)
			if f.hasAck {
				if err := c.write(ws, encodeAckReply(f.ackID)); err != nil {
					c.handleDrop(ws, err)
					return
				}
			}
		case frameAck:
			c.traffic.IncAcks()
			c.resolveAck(f.ackID, f.args)
		case frameClose, frameDisconnect:
			c.handleDrop(ws, errors.New("server closed the session"))
			return
		}
	}
}

func (c *Conn) dispatch(event string, args []json.RawMessage) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[event]...)
	c.mu.Unlock()
	for _, handler := range handlers {
		handler(args)
	}
}

func (c *Conn) resolveAck(id int64, args []json.RawMessage) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Printf("conn %s: acknowledgement %d has no waiter", c.id, id)
		return
	}
	ch <- ackResult{args: args}
}

func (c *Conn) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan ackResult)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- ackResult{err: err}
	}
}

// handleDrop reacts to a failed read or write: it fails waiters and, when
// auto-reconnect is enabled, starts the redial loop.
func (c *Conn) handleDrop(ws *websocket.Conn, cause error) {
	ws.Close()

	c.mu.Lock()
	if c.closed || c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.mu.Unlock()

	c.connRec.ObserveConnected(false)
	c.failPending(fmt.Errorf("connection lost: %w", cause))
	c.record(types.EventDisconnected, map[string]any{"cause": cause.Error()})
	c.logger.Printf("conn %s: connection lost: %v", c.id, cause)

	if c.opts.Reconnect {
		go c.reconnectLoop()
	}
}

func (c *Conn) reconnectLoop() {
	wait := c.opts.ReconnectWait
	for {
		select {
		case <-c.done:
			return
		case <-time.After(wait):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
		ws, hs, err := c.handshake(ctx)
		cancel()
		if err != nil {
			c.logger.Printf("conn %s: reconnect failed: %v", c.id, err)
			wait *= 2
			if wait > c.opts.MaxReconnectWait {
				wait = c.opts.MaxReconnectWait
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			ws.Close()
			return
		}
		c.ws = ws
		c.mu.Unlock()

		c.connRec.ObserveConnected(true)
		c.connRec.IncReconnects()
		c.record(types.EventReconnect, nil)
		c.logger.Printf("conn %s: reconnected", c.id)
		go c.readLoop(ws, hs)

		if c.opts.OnReconnected != nil {
			c.opts.OnReconnected()
		}
		return
	}
}

func (c *Conn) record(eventType types.EventType, details map[string]any) {
	c.recorder.Record(types.Event{
		Type:         eventType,
		Timestamp:    time.Now().UTC(),
		ConnectionID: c.id,
		Details:      details,
	})
}

func keepaliveWait(hs handshake) time.Duration {
	interval := defaultPingInterval
	if hs.PingInterval > 0 {
		interval = time.Duration(hs.PingInterval) * time.Millisecond
	}
	timeout := defaultPingTimeout
	if hs.PingTimeout > 0 {
		timeout = time.Duration(hs.PingTimeout) * time.Millisecond
	}
	return interval + timeout
}

func websocketURL(entrypoint string) (string, error) {
	u, err := url.Parse(entrypoint)
	if err != nil {
		return "", fmt.Errorf("parse entrypoint %q: %w", entrypoint, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported entrypoint scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/socket.io/"
	u.RawQuery = "EIO=4&transport=websocket"
	return u.String(), nil
}
