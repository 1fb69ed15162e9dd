// Package kuma is a client for an Uptime-Kuma-style monitoring service. It
// speaks the service's event-based protocol over a persistent socket.io
// connection: replies arrive as out-of-band push events and acknowledgement
// callbacks, and the client turns them into blocking calls with bounded
// waits over an in-memory monitor cache.
package kuma

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/upstatushq/kuma-client/internal/events"
	"github.com/upstatushq/kuma-client/internal/metrics"
	"github.com/upstatushq/kuma-client/internal/socketio"
	"github.com/upstatushq/kuma-client/pkg/types"
)

const (
	defaultSettleDelay     = 300 * time.Millisecond
	defaultLoginTimeout    = 2 * time.Second
	defaultListTimeout     = 15 * time.Second
	defaultAckPollInterval = 100 * time.Millisecond
	defaultAckMaxPolls     = 20
)

// Transport is the slice of the event connection the client depends on.
// The production implementation is internal/socketio; tests substitute fakes.
type Transport interface {
	On(event string, handler socketio.Handler)
	Emit(event string, args ...any) error
	EmitWithAck(ctx context.Context, event string, args ...any) ([]json.RawMessage, error)
	Close() error
}

// DialFunc opens a transport connection.
type DialFunc func(ctx context.Context, opts socketio.Options) (Transport, error)

// Config holds the static configuration for a Client.
type Config struct {
	// Entrypoint is the http(s) address of the monitoring service.
	Entrypoint string
	Auth       types.Authentication
	TLS        *tls.Config

	// SettleDelay is the pause between the socket opening and the first
	// command; the service drops commands sent too early.
	SettleDelay time.Duration
	// LoginTimeout bounds the wait for the login acknowledgement.
	LoginTimeout time.Duration
	// ListTimeout bounds the wait for the pushed monitor list after a
	// refresh request.
	ListTimeout time.Duration
	// AckPollInterval and AckMaxPolls together bound the wait for the
	// creation acknowledgement: the bound is their product, a hard cap
	// rather than an open-ended wait.
	AckPollInterval time.Duration
	AckMaxPolls     int

	// EmitRate limits outbound events per second; zero disables limiting.
	EmitRate  float64
	EmitBurst int

	ReconnectWait time.Duration
}

// Dependencies allow test overrides for dialing, clock, and observability.
type Dependencies struct {
	Dial     DialFunc
	Logger   *log.Logger
	Recorder events.Recorder
	Metrics  *metrics.Store
	Now      func() time.Time
	Sleep    func(time.Duration)
}

// session is the authenticated connection state. Operations obtain one from
// ensureSession and use its handle; a client with no session is disconnected.
type session struct {
	conn Transport
}

// Client manages one logical connection to the monitoring service and
// exposes coarse-grained operations that are safe to call repeatedly and
// from multiple goroutines.
type Client struct {
	cfg      Config
	dial     DialFunc
	logger   *log.Logger
	recorder events.Recorder
	store    *metrics.Store
	now      func() time.Time
	sleep    func(time.Duration)

	cache   *monitorCache
	refresh singleflight.Group

	// connMu serializes connection establishment; mu guards sess.
	connMu sync.Mutex
	mu     sync.Mutex
	sess   *session
}

// New builds a Client from configuration and dependencies.
func New(cfg Config, deps Dependencies) (*Client, error) {
	if cfg.Entrypoint == "" {
		return nil, fmt.Errorf("entrypoint is required")
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = defaultLoginTimeout
	}
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = defaultListTimeout
	}
	if cfg.AckPollInterval <= 0 {
		cfg.AckPollInterval = defaultAckPollInterval
	}
	if cfg.AckMaxPolls <= 0 {
		cfg.AckMaxPolls = defaultAckMaxPolls
	}

	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = events.NoopRecorder{}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	dial := deps.Dial
	if dial == nil {
		dial = func(ctx context.Context, opts socketio.Options) (Transport, error) {
			return socketio.Dial(ctx, opts)
		}
	}

	var cacheRec metrics.CacheRecorder
	if deps.Metrics != nil {
		cacheRec = deps.Metrics.CacheRecorder()
	}

	return &Client{
		cfg:      cfg,
		dial:     dial,
		logger:   logger,
		recorder: recorder,
		store:    deps.Metrics,
		now:      now,
		sleep:    sleep,
		cache:    newMonitorCache(cacheRec, now),
	}, nil
}

// Connected reports whether the client currently holds an authenticated
// connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// Monitors returns a copy of the cached snapshot without contacting the
// service. The cache may be empty (never refreshed) or stale.
func (c *Client) Monitors() map[string]types.Monitor {
	return c.cache.Snapshot()
}

// Disconnect tears down the transport and returns the client to the
// disconnected state. The cache is kept.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()

	if sess == nil {
		return ErrDisconnected
	}
	return sess.conn.Close()
}

// RefreshMonitorList ensures a connection, clears the cache, requests a
// fresh monitor list, and blocks until the pushed snapshot populates the
// cache or ListTimeout elapses. Concurrent calls share one refresh.
func (c *Client) RefreshMonitorList(ctx context.Context) error {
	_, err, _ := c.refresh.Do("monitor-list", func() (any, error) {
		return nil, c.refreshMonitorList(ctx)
	})
	return err
}

func (c *Client) refreshMonitorList(ctx context.Context) error {
	sess, err := c.ensureSession(ctx)
	if err != nil {
		return err
	}

	c.cache.Clear()
	if err := sess.conn.Emit("getMonitorList", []any{}); err != nil {
		return fmt.Errorf("request monitor list: %w", err)
	}

	wait, cancel := context.WithTimeout(ctx, c.cfg.ListTimeout)
	defer cancel()
	if err := c.cache.AwaitNonEmpty(wait); err != nil {
		return fmt.Errorf("%w after %s", ErrListRefreshTimedOut, c.cfg.ListTimeout)
	}
	c.logger.Printf("monitor list loaded: %d monitors", c.cache.Len())
	return nil
}

// AddMonitor creates a monitor on the service. The cache is refreshed first
// so the uniqueness check sees current state; a uid collision fails without
// sending the create request. On success the returned copy carries the
// server-assigned id.
func (c *Client) AddMonitor(ctx context.Context, monitor types.Monitor) (types.Monitor, error) {
	if _, err := c.ensureSession(ctx); err != nil {
		return types.Monitor{}, err
	}
	if err := c.RefreshMonitorList(ctx); err != nil {
		return types.Monitor{}, err
	}

	uid := monitor.UID()
	if c.cache.Contains(uid) {
		return types.Monitor{}, fmt.Errorf("%w: %s", ErrDuplicateMonitor, uid)
	}

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return types.Monitor{}, ErrDisconnected
	}

	bound := c.cfg.AckPollInterval * time.Duration(c.cfg.AckMaxPolls)
	wait, cancel := context.WithTimeout(ctx, bound)
	defer cancel()
	args, err := sess.conn.EmitWithAck(wait, "add", monitor)
	if err != nil {
		return types.Monitor{}, fmt.Errorf("%w: %v", ErrCreationFailed, err)
	}

	id, err := parseAddAck(args)
	if err != nil {
		return types.Monitor{}, err
	}
	created := monitor.WithID(id)
	c.logger.Printf("monitor %s created with id %d", uid, id)
	return created, nil
}

// Filter selects monitors by exact match; nil fields match everything.
type Filter struct {
	Name     *string
	ParentID *int64
}

func (f Filter) matches(m types.Monitor) bool {
	if f.Name != nil && m.Name != *f.Name {
		return false
	}
	if f.ParentID != nil {
		// A parentless monitor never matches a parent filter.
		if m.Parent == nil || *m.Parent != *f.ParentID {
			return false
		}
	}
	return true
}

// SearchMonitor refreshes the cache and returns the monitors matching the
// filter, keyed by uid. A failed refresh yields no results rather than an
// error; an empty filter returns the whole cache.
func (c *Client) SearchMonitor(ctx context.Context, filter Filter) map[string]types.Monitor {
	if err := c.RefreshMonitorList(ctx); err != nil {
		c.logger.Printf("search: refresh failed, returning no results: %v", err)
		return map[string]types.Monitor{}
	}

	results := make(map[string]types.Monitor)
	for uid, monitor := range c.cache.Snapshot() {
		if filter.matches(monitor) {
			results[uid] = monitor
		}
	}
	return results
}

// FindMonitor returns the monitor selected by the filter when it matches
// exactly one cached entry; ok is false for zero or several matches.
func (c *Client) FindMonitor(ctx context.Context, filter Filter) (types.Monitor, bool) {
	matches := c.SearchMonitor(ctx, filter)
	if len(matches) != 1 {
		return types.Monitor{}, false
	}
	for _, monitor := range matches {
		return monitor, true
	}
	return types.Monitor{}, false
}

// ensureSession returns the current session, establishing one when needed.
// Calling it while already authenticated is a cheap no-op.
func (c *Client) ensureSession(ctx context.Context) (*session, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess != nil {
		return sess, nil
	}

	conn, err := c.dial(ctx, c.transportOptions())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	conn.On("monitorList", c.handleMonitorList)

	// The service needs a moment after the socket opens before it accepts
	// commands.
	c.sleep(c.cfg.SettleDelay)

	if err := c.login(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}

	sess = &session{conn: conn}
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	return sess, nil
}

func (c *Client) transportOptions() socketio.Options {
	var connRec metrics.ConnectionRecorder
	var trafficRec metrics.TrafficRecorder
	if c.store != nil {
		connRec = c.store.ConnectionRecorder()
		trafficRec = c.store.TrafficRecorder()
	}
	return socketio.Options{
		Entrypoint:    c.cfg.Entrypoint,
		TLS:           c.cfg.TLS,
		Reconnect:     true,
		ReconnectWait: c.cfg.ReconnectWait,
		EmitRate:      c.cfg.EmitRate,
		EmitBurst:     c.cfg.EmitBurst,
		Logger:        c.logger,
		Recorder:      c.recorder,
		Connection:    connRec,
		Traffic:       trafficRec,
		OnReconnected: c.handleReconnected,
	}
}

func (c *Client) login(ctx context.Context, conn Transport) error {
	wait, cancel := context.WithTimeout(ctx, c.cfg.LoginTimeout)
	defer cancel()

	args, err := conn.EmitWithAck(wait, "login", c.cfg.Auth)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	if len(args) == 0 {
		return nil
	}

	var resp types.LoginResponse
	if err := json.Unmarshal(args[0], &resp); err != nil {
		c.logger.Printf("ignoring unreadable login acknowledgement: %v", err)
		return nil
	}
	if !resp.OK && !c.cfg.Auth.Empty() {
		msg := resp.Msg
		if msg == "" {
			msg = "rejected by server"
		}
		c.record(types.EventLoginFailed, map[string]any{"msg": msg})
		return fmt.Errorf("%w: %s", ErrAuthenticationFailed, msg)
	}
	return nil
}

// handleReconnected re-runs authentication after a transport-level
// reconnect so the fresh session accepts commands again.
func (c *Client) handleReconnected() {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return
	}

	c.sleep(c.cfg.SettleDelay)
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.LoginTimeout)
	defer cancel()
	if err := c.login(ctx, sess.conn); err != nil {
		c.logger.Printf("re-authentication after reconnect failed: %v", err)
	}
}

// handleMonitorList merges a pushed monitor list snapshot into the cache,
// re-keying entries by uid. It runs on the transport's read loop.
func (c *Client) handleMonitorList(args []json.RawMessage) {
	if len(args) == 0 {
		return
	}
	var snapshot map[string]types.Monitor
	if err := json.Unmarshal(args[0], &snapshot); err != nil {
		c.logger.Printf("discarding malformed monitor list payload: %v", err)
		return
	}
	c.cache.MergeSnapshot(snapshot)
	c.record(types.EventSnapshotMerge, map[string]any{"monitors": len(snapshot)})
}

func (c *Client) record(eventType types.EventType, details map[string]any) {
	c.recorder.Record(types.Event{
		Type:      eventType,
		Timestamp: c.now().UTC(),
		Details:   details,
	})
}

// parseAddAck interprets the first record of the creation acknowledgement.
// Anything other than an explicit success with an assigned id is a failure;
// malformed payloads degrade to errors, never panics.
func parseAddAck(args []json.RawMessage) (int64, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("%w: empty acknowledgement", ErrCreationFailed)
	}

	first := args[0]
	// Some deployments deliver the records wrapped in a single array
	// argument instead of one argument per record.
	if len(bytes.TrimSpace(first)) > 0 && bytes.TrimSpace(first)[0] == '[' {
		var records []types.AddResponse
		if err := json.Unmarshal(first, &records); err != nil {
			return 0, fmt.Errorf("%w: malformed acknowledgement: %v", ErrCreationFailed, err)
		}
		if len(records) == 0 {
			return 0, fmt.Errorf("%w: empty acknowledgement", ErrCreationFailed)
		}
		return interpretAddRecord(records[0])
	}

	var record types.AddResponse
	if err := json.Unmarshal(first, &record); err != nil {
		return 0, fmt.Errorf("%w: malformed acknowledgement: %v", ErrCreationFailed, err)
	}
	return interpretAddRecord(record)
}

func interpretAddRecord(record types.AddResponse) (int64, error) {
	if !record.OK {
		if record.Msg != "" {
			return 0, fmt.Errorf("%w: %s", ErrCreationFailed, record.Msg)
		}
		return 0, fmt.Errorf("%w: server rejected the monitor", ErrCreationFailed)
	}
	if record.MonitorID == nil || *record.MonitorID <= 0 {
		return 0, fmt.Errorf("%w: no monitor id assigned", ErrCreationFailed)
	}
	return *record.MonitorID, nil
}
