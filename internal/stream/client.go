// Package stream maintains the persistent market-data connection: connection
// state machine, subscriptions, heartbeat and reconnection with backoff.
//
// Everything the client observes is published on one ordered channel (Events):
// state transitions, price ticks and transport errors.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"dexchart/pkg/feed"
	"dexchart/pkg/market"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultConnectTimeout       = 10 * time.Second
	DefaultHeartbeatInterval    = 15 * time.Second
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultMaxReconnectAttempts = 10

	writeTimeout = 5 * time.Second
)

// ErrClosed is returned by operations on a client after Close.
var ErrClosed = errors.New("stream client closed")

// DialFunc opens the transport. The context carries the connection-establishment timeout.
type DialFunc func(ctx context.Context, url string) (feed.Conn, error)

// Config holds the connection parameters.
type Config struct {
	URL        string
	MarketType string

	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// MaxReconnectAttempts caps consecutive automatic reconnects; 0 means no cap.
	MaxReconnectAttempts int

	PriceScale  float64
	EventBuffer int
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	return c
}

type stopper interface {
	Stop() bool
}

// Client owns a single persistent connection to the feed.
type Client struct {
	cfg     Config
	dial    DialFunc
	decoder *Decoder
	logger  *zap.Logger
	out     *outbox

	mu             sync.Mutex
	state          State
	gen            uint64 // bumped whenever the current connection attempt is superseded
	conn           feed.Conn
	connID         string
	connDone       chan struct{}
	attempts       int
	reconnectTimer stopper
	subs           map[string]Subscription
	order          []string
	channels       map[string]bool // replaced, never mutated, on subscription changes
	closed         bool

	writeMu     sync.Mutex
	lastMessage atomic.Int64 // unix nanos of the last inbound frame

	afterFunc func(d time.Duration, f func()) stopper
	now       func() time.Time
}

// NewClient creates a disconnected client. Call Connect to open the transport.
func NewClient(cfg Config, dial DialFunc, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		dial:     dial,
		decoder:  NewDecoder(cfg.PriceScale),
		logger:   logger,
		out:      newOutbox(cfg.EventBuffer, 0),
		state:    StateDisconnected,
		subs:     make(map[string]Subscription),
		channels: map[string]bool{},
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		now: time.Now,
	}
}

// Events returns the ordered event channel. It is closed by Close.
func (c *Client) Events() <-chan Event {
	return c.out.out
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscriptions returns the remembered subscriptions in the order they were added.
func (c *Client) Subscriptions() []Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Subscription, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.subs[k])
	}
	return out
}

// DroppedTicks returns how many ticks were discarded because the consumer lagged.
func (c *Client) DroppedTicks() uint64 {
	return c.out.Dropped()
}

// Backoff returns the delay before reconnect attempt n: base * 2^(n-1), capped.
func (c *Client) Backoff(attempt int) time.Duration {
	d := c.cfg.ReconnectBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.ReconnectMaxDelay {
			return c.cfg.ReconnectMaxDelay
		}
	}
	if d > c.cfg.ReconnectMaxDelay {
		return c.cfg.ReconnectMaxDelay
	}
	return d
}

// Connect opens the transport. It is a no-op while connecting or connected.
// A manual Connect restores the full reconnect budget.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state == StateConnecting || c.state == StateConnected {
		return
	}
	c.stopReconnectLocked()
	c.attempts = 0
	c.startLocked()
}

// Reconnect drops the current connection, if any, and dials again immediately.
func (c *Client) Reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.stopReconnectLocked()
	c.attempts = 0
	if c.conn != nil {
		c.sendCloseLocked()
		c.closeConnLocked()
	}
	c.startLocked()
}

// Disconnect closes the connection on purpose. No reconnect is scheduled.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.stopReconnectLocked()
	c.attempts = 0
	if c.conn != nil {
		c.sendCloseLocked()
		c.closeConnLocked()
	}
	c.setStateLocked(StateDisconnected)
}

// Close tears the client down: disconnects, forgets every subscription and closes Events.
func (c *Client) Close() {
	c.Disconnect()

	c.mu.Lock()
	c.closed = true
	c.subs = make(map[string]Subscription)
	c.order = nil
	c.channels = map[string]bool{}
	c.mu.Unlock()

	c.out.close()
}

// Subscribe remembers (market, channel) and sends it right away when connected.
// Subscribing twice is a no-op. A send failure is returned but the subscription
// is kept and replayed on the next connect.
func (c *Client) Subscribe(marketName, channel string) error {
	s := Subscription{Market: marketName, Channel: channel}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.subs[s.key()]; ok {
		return nil
	}
	c.subs[s.key()] = s
	c.order = append(c.order, s.key())
	c.rebuildChannelsLocked()

	if c.state != StateConnected || c.conn == nil {
		c.logger.Debug("subscription queued until connected",
			zap.String("market", marketName), zap.String("channel", channel))
		return nil
	}
	if err := c.writeLocked(c.control("subscribe", s)); err != nil {
		return fmt.Errorf("send subscribe %s: %w", s.key(), err)
	}
	return nil
}

// Unsubscribe forgets (market, channel) and tells the feed when connected.
func (c *Client) Unsubscribe(marketName, channel string) error {
	s := Subscription{Market: marketName, Channel: channel}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[s.key()]; !ok {
		return nil
	}
	delete(c.subs, s.key())
	for i, k := range c.order {
		if k == s.key() {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.rebuildChannelsLocked()

	if c.state != StateConnected || c.conn == nil {
		return nil
	}
	if err := c.writeLocked(c.control("unsubscribe", s)); err != nil {
		return fmt.Errorf("send unsubscribe %s: %w", s.key(), err)
	}
	return nil
}

func (c *Client) control(op string, s Subscription) controlMessage {
	return controlMessage{Type: op, MarketType: c.cfg.MarketType, Channel: s.Channel, Market: s.Market}
}

func (c *Client) rebuildChannelsLocked() {
	channels := make(map[string]bool, len(c.subs))
	for _, s := range c.subs {
		channels[s.Channel] = true
	}
	c.channels = channels
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.logger.Info("stream state changed",
		zap.String("from", string(c.state)),
		zap.String("to", string(s)),
		zap.String("conn_id", c.connID))
	c.state = s
	c.out.push(Event{Kind: EventState, State: s})
}

func (c *Client) startLocked() {
	c.gen++
	gen := c.gen
	c.setStateLocked(StateConnecting)
	go c.dialAndServe(gen)
}

func (c *Client) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Client) closeConnLocked() {
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) sendCloseLocked() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(c.now().Add(writeTimeout))
	if err := c.conn.WriteMessage(feed.CloseMessageType, feed.CloseFrame(feed.CloseClientDisconnect, "client disconnect")); err != nil {
		c.logger.Debug("close frame not sent", zap.Error(err))
	}
}

func (c *Client) writeLocked(v interface{}) error {
	return c.write(c.conn, v)
}

func (c *Client) write(conn feed.Conn, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(c.now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

func (c *Client) dialAndServe(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	conn, err := c.dial(ctx, c.cfg.URL)
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	cancel()

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		if timedOut && !errors.Is(err, market.ErrTimeout) {
			err = fmt.Errorf("%w: connection not established within %s: %v", market.ErrTimeout, c.cfg.ConnectTimeout, err)
		}
		c.logger.Warn("stream connect failed", zap.String("url", c.cfg.URL), zap.Error(err))
		c.setStateLocked(StateError)
		c.out.push(Event{Kind: EventError, Err: err})
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}

	c.conn = conn
	c.connID = uuid.NewString()
	c.connDone = make(chan struct{})
	c.attempts = 0
	c.touch()
	c.setStateLocked(StateConnected)

	// replay every remembered subscription on each (re)connect
	for _, k := range c.order {
		s := c.subs[k]
		if err := c.write(conn, c.control("subscribe", s)); err != nil {
			c.logger.Warn("subscribe failed", zap.String("subscription", k), zap.Error(err))
		}
	}
	done := c.connDone
	c.mu.Unlock()

	go c.heartbeat(conn, done)
	c.readLoop(gen, conn)
}

func (c *Client) readLoop(gen uint64, conn feed.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(gen, err)
			return
		}
		c.touch()
		c.handleMessage(gen, msg)
	}
}

func (c *Client) handleMessage(gen uint64, msg []byte) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	channels := c.channels
	c.mu.Unlock()

	tick, ok, err := c.decoder.Decode(msg, channels)
	if err != nil {
		c.logger.Warn("ignoring stream message", zap.Error(err), zap.Int("bytes", len(msg)))
		return
	}
	if !ok {
		return
	}
	c.out.push(Event{Kind: EventTick, Tick: tick})
}

// handleDrop runs when the read loop fails. Client-initiated closes have already
// bumped gen and are ignored here.
func (c *Client) handleDrop(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.closed {
		return
	}
	c.logger.Warn("stream connection lost", zap.String("conn_id", c.connID), zap.Error(err))
	c.closeConnLocked()
	c.setStateLocked(StateDisconnected)
	c.out.push(Event{Kind: EventError, Err: fmt.Errorf("%w: connection lost: %v", market.ErrNetwork, err)})
	c.scheduleReconnectLocked()
}

func (c *Client) scheduleReconnectLocked() {
	if c.cfg.MaxReconnectAttempts > 0 && c.attempts >= c.cfg.MaxReconnectAttempts {
		err := fmt.Errorf("%w: gave up after %d reconnect attempts", market.ErrRetriesExhausted, c.attempts)
		c.logger.Error("stream offline", zap.Error(err))
		c.setStateLocked(StateError)
		c.out.push(Event{Kind: EventError, Err: err, Terminal: true})
		return
	}
	c.attempts++
	delay := c.Backoff(c.attempts)
	gen := c.gen
	c.logger.Info("stream reconnect scheduled",
		zap.Int("attempt", c.attempts),
		zap.Duration("delay", delay))
	c.reconnectTimer = c.afterFunc(delay, func() {
		c.reconnectFired(gen)
	})
}

func (c *Client) reconnectFired(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.closed {
		return
	}
	c.reconnectTimer = nil
	c.startLocked()
}

func (c *Client) touch() {
	c.lastMessage.Store(c.now().UnixNano())
}

func (c *Client) idle() time.Duration {
	return c.now().Sub(time.Unix(0, c.lastMessage.Load()))
}

// heartbeat pings the connection when nothing arrived for two intervals.
func (c *Client) heartbeat(conn feed.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			idle := c.idle()
			if idle <= 2*c.cfg.HeartbeatInterval {
				continue
			}
			c.logger.Warn("stream possibly stale, sending ping", zap.Duration("idle", idle))
			if err := c.write(conn, map[string]string{"type": "ping"}); err != nil {
				c.logger.Warn("liveness ping failed", zap.Error(err))
			}
		}
	}
}
