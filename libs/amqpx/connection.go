package amqpx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// State is the broker connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

var ErrConnectionClosed = errors.New("amqp connection closed")

type Config struct {
	URL           string
	ReconnectBase time.Duration // first retry delay, doubled per attempt
	ReconnectCap  time.Duration // upper bound on the retry delay
	MaxAttempts   int           // dial attempts before giving up and signaling Fatal
	Dial          Dialer
	// OnConnect runs on every successful (re)connect before the connection is
	// advertised healthy. Used to re-declare topology; must be idempotent.
	OnConnect func(Channel) error
}

func (c Config) withDefaults() Config {
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.Dial == nil {
		c.Dial = DialAMQP
	}
	return c
}

// Connection owns the single long-lived broker connection for a process.
// All state transitions are serialized through the mutex; health reads are
// lock-free snapshot reads. Lost connections trigger a background reconnect
// with exponential backoff, and once MaxAttempts consecutive dials fail the
// condition is surfaced on Fatal instead of retrying forever.
type Connection struct {
	cfg    Config
	logger *slog.Logger

	state   atomic.Int32
	blocked atomic.Bool

	mu       sync.Mutex
	conn     BrokerConn
	ch       Channel
	inflight chan struct{} // non-nil while a dial loop is running

	fatal     chan error
	done      chan struct{}
	closeOnce sync.Once
}

func NewConnection(cfg Config, logger *slog.Logger) *Connection {
	return &Connection{
		cfg:    cfg.withDefaults(),
		logger: logger,
		fatal:  make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Healthy reports whether the connection is established.
func (c *Connection) Healthy() bool {
	return c.State() == StateConnected
}

// Blocked reports whether the broker has flow-blocked the connection.
func (c *Connection) Blocked() bool {
	return c.blocked.Load()
}

// Fatal delivers the terminal error once reconnection has been given up.
// The owning process is expected to treat this as a shutdown signal.
func (c *Connection) Fatal() <-chan error {
	return c.fatal
}

// Connect returns a healthy channel, dialing lazily if needed. A call made
// while another connect attempt is in flight waits for that attempt instead
// of racing a second dial.
func (c *Connection) Connect(ctx context.Context) (Channel, error) {
	for {
		c.mu.Lock()
		switch c.State() {
		case StateClosing:
			c.mu.Unlock()
			return nil, ErrConnectionClosed
		case StateConnected:
			ch := c.ch
			c.mu.Unlock()
			return ch, nil
		case StateConnecting:
			wait := c.inflight
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-c.done:
				return nil, ErrConnectionClosed
			case <-wait:
			}
		default:
			c.inflight = make(chan struct{})
			c.state.Store(int32(StateConnecting))
			c.mu.Unlock()
			return c.dialLoop(ctx)
		}
	}
}

func (c *Connection) dialLoop(ctx context.Context) (Channel, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, c.cfg.ReconnectBase, c.cfg.ReconnectCap)
			c.logger.Info("amqp reconnect scheduled", "attempt", attempt, "delay", delay.String())
			select {
			case <-ctx.Done():
				c.finishDial(nil, nil)
				return nil, ctx.Err()
			case <-c.done:
				c.finishDial(nil, nil)
				return nil, ErrConnectionClosed
			case <-time.After(delay):
			}
		}

		ch, err := c.dialOnce()
		if err == nil {
			return ch, nil
		}
		lastErr = err
		c.logger.Error("amqp dial failed", "attempt", attempt, "err", err)
	}

	c.finishDial(nil, nil)
	err := fmt.Errorf("amqp dial gave up after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
	select {
	case c.fatal <- err:
	default:
	}
	return nil, err
}

func (c *Connection) dialOnce() (Channel, error) {
	conn, err := c.cfg.Dial(c.cfg.URL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if c.cfg.OnConnect != nil {
		if err := c.cfg.OnConnect(ch); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("on-connect hook: %w", err)
		}
	}

	// Register the notification channels before the connection is advertised
	// healthy so a close or flow-control event arriving immediately after the
	// dial cannot be dropped.
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	blockedCh := conn.NotifyBlocked(make(chan amqp.Blocking, 1))
	c.finishDial(conn, ch)
	go c.watch(conn, closeCh, blockedCh)
	c.logger.Info("amqp connected")
	return ch, nil
}

// finishDial publishes the dial outcome and releases waiters. A nil conn
// means the attempt loop ended without a connection.
func (c *Connection) finishDial(conn BrokerConn, ch Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.ch = ch
	if c.State() != StateClosing {
		if conn != nil {
			c.state.Store(int32(StateConnected))
		} else {
			c.state.Store(int32(StateDisconnected))
		}
	}
	if c.inflight != nil {
		close(c.inflight)
		c.inflight = nil
	}
}

// watch reacts to broker-initiated close and flow-control notifications for
// one physical connection. On close it marks the state Disconnected and kicks
// a background reconnect; callbacks never re-enter the dial path directly.
func (c *Connection) watch(conn BrokerConn, closeCh chan *amqp.Error, blockedCh chan amqp.Blocking) {
	for {
		select {
		case <-c.done:
			return
		case b := <-blockedCh:
			c.blocked.Store(b.Active)
			c.logger.Warn("amqp flow control changed", "blocked", b.Active, "reason", b.Reason)
		case amqpErr, ok := <-closeCh:
			c.mu.Lock()
			if c.conn != conn || c.State() == StateClosing {
				c.mu.Unlock()
				return
			}
			c.conn = nil
			c.ch = nil
			c.blocked.Store(false)
			c.state.Store(int32(StateDisconnected))
			c.mu.Unlock()
			if ok && amqpErr != nil {
				c.logger.Error("amqp connection lost", "err", amqpErr)
			} else {
				c.logger.Warn("amqp connection closed")
			}
			go c.reconnect()
			return
		}
	}
}

func (c *Connection) reconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	if _, err := c.Connect(ctx); err != nil && !errors.Is(err, ErrConnectionClosed) {
		c.logger.Error("amqp reconnect failed", "err", err)
	}
}

// Close shuts the connection down and cancels any pending reconnect timers.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.ch = nil
		c.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}

func backoffDelay(n int, base, cap time.Duration) time.Duration {
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
