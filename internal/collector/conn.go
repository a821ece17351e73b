// internal/collector/conn.go
package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pricemesh/pricemesh/internal/domain"
	"github.com/pricemesh/pricemesh/internal/exchange"
	"github.com/pricemesh/pricemesh/pkg/backoff"
	"github.com/pricemesh/pricemesh/pkg/logger"
)

// State is the connection lifecycle state of a single exchange feed.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Conn is a message-oriented transport. Satisfied by a gorilla/websocket
// connection in production and by fakes in tests.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer establishes a Conn to an exchange endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Sink receives every successfully parsed price feed.
type Sink interface {
	Append(feed domain.PriceFeed)
}

// ConnConfig configures a single exchange connection.
type ConnConfig struct {
	URL          string         `mapstructure:"url"`
	Retry        backoff.Policy `mapstructure:"retry"`
	PingInterval time.Duration  `mapstructure:"ping_interval"`
}

func (c *ConnConfig) applyDefaults() {
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 60 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 10
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
}

func (c ConnConfig) validate() error {
	if c.URL == "" {
		return fmt.Errorf("conn: url is required")
	}
	return nil
}

// ConnStatus is a point-in-time snapshot of a connection, served by the
// collector's status endpoint.
type ConnStatus struct {
	Exchange    string     `json:"exchange"`
	State       State      `json:"state"`
	Attempts    int        `json:"reconnect_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	Messages    uint64     `json:"messages_received"`
	Feeds       uint64     `json:"feeds_parsed"`
	ParseErrors uint64     `json:"parse_errors"`
}

// ConnManager owns the lifecycle of one exchange WebSocket: dialing,
// subscribing, reading, and reconnecting with doubling delays. State
// transitions happen under the mutex; the manager blocks only while
// awaiting transport I/O.
type ConnManager struct {
	cfg     ConnConfig
	adapter exchange.Adapter
	dialer  Dialer
	sink    Sink
	log     *logger.Logger

	mu       sync.Mutex
	state    State
	conn     Conn
	gen      uint64 // bumped on every (re)connect so stale read loops are ignored
	attempts int    // consecutive failed connect attempts
	lastErr  error
	retry    *time.Timer

	connectedAt time.Time
	messages    uint64
	feeds       uint64
	parseErrs   uint64
}

// NewConnManager wires a connection manager for one exchange. The feed
// sink is typically the batch forwarder.
func NewConnManager(cfg ConnConfig, adapter exchange.Adapter, dialer Dialer, sink Sink, log *logger.Logger) (*ConnManager, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if adapter == nil || sink == nil {
		return nil, fmt.Errorf("conn: adapter and sink are required")
	}
	if dialer == nil {
		dialer = &wsDialer{pingInterval: cfg.PingInterval}
	}
	return &ConnManager{
		cfg:     cfg,
		adapter: adapter,
		dialer:  dialer,
		sink:    sink,
		log:     log.Named("conn." + adapter.Name()),
		state:   StateDisconnected,
	}, nil
}

// Connect starts the connection. Calling it while already connecting or
// connected is a no-op; calling it on a failed connection restarts the
// attempt cycle from zero.
func (m *ConnManager) Connect(ctx context.Context) {
	m.mu.Lock()
	switch m.state {
	case StateConnecting, StateConnected, StateReconnecting:
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	m.lastErr = nil
	m.mu.Unlock()

	m.dial(ctx)
}

// dial performs one connect attempt and transitions accordingly.
func (m *ConnManager) dial(ctx context.Context) {
	m.mu.Lock()
	m.state = StateConnecting
	gen := m.gen + 1
	m.gen = gen
	m.mu.Unlock()

	collectorMetrics.ConnectAttempts.WithLabelValues(m.adapter.Name()).Inc()
	m.log.Info("connecting", zap.String("url", m.cfg.URL))

	conn, err := m.dialer.Dial(ctx, m.cfg.URL)
	if err == nil {
		var sub []byte
		sub, err = m.adapter.BuildSubscription()
		if err == nil {
			err = conn.WriteMessage(sub)
		}
		if err != nil {
			_ = conn.Close()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state == StateDisconnected {
		// Disconnect raced the dial; it already owns the state.
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		collectorMetrics.ConnectErrors.WithLabelValues(m.adapter.Name()).Inc()
		m.lastErr = err
		m.log.Warn("connect failed", zap.Error(err))
		m.scheduleRetryLocked(ctx)
		return
	}

	m.conn = conn
	m.state = StateConnected
	m.attempts = 0
	m.lastErr = nil
	m.connectedAt = time.Now().UTC()
	m.log.Info("connected")

	go m.readLoop(ctx, gen, conn)
}

// readLoop consumes messages until the transport errors out. It reports
// the failure back tagged with its generation so a reconnect that has
// already happened is not disturbed by a stale loop.
func (m *ConnManager) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			m.onTransportError(ctx, gen, err)
			return
		}
		m.handleMessage(raw)
	}
}

func (m *ConnManager) handleMessage(raw []byte) {
	m.mu.Lock()
	m.messages++
	m.mu.Unlock()

	feed, err := m.adapter.ParseMessage(raw)
	if err != nil {
		collectorMetrics.ParseErrors.WithLabelValues(m.adapter.Name()).Inc()
		m.mu.Lock()
		m.parseErrs++
		m.mu.Unlock()
		m.log.Warn("parse error", zap.Error(err))
		return
	}
	if feed == nil {
		return
	}

	collectorMetrics.FeedsParsed.WithLabelValues(m.adapter.Name()).Inc()
	m.mu.Lock()
	m.feeds++
	m.mu.Unlock()
	m.sink.Append(*feed)
}

func (m *ConnManager) onTransportError(ctx context.Context, gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != StateConnected {
		return
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.lastErr = err
	m.state = StateReconnecting
	if isExpectedClose(err) {
		m.log.Warn("connection closed by peer", zap.Error(err))
	} else {
		m.log.Error("transport error", zap.Error(err))
	}
	m.scheduleRetryLocked(ctx)
}

// scheduleRetryLocked arms the timer for the next reconnect attempt or,
// once the attempt budget is spent, parks the connection in the terminal
// failed state. Caller holds the mutex.
func (m *ConnManager) scheduleRetryLocked(ctx context.Context) {
	next := m.attempts + 1
	if m.cfg.Retry.Exhausted(next) {
		m.state = StateFailed
		m.retry = nil
		m.log.Error("giving up after max reconnect attempts",
			zap.Int("attempts", m.attempts))
		return
	}
	m.attempts = next

	delay := m.cfg.Retry.Delay(next)
	m.state = StateReconnecting
	collectorMetrics.Reconnects.WithLabelValues(m.adapter.Name()).Inc()
	m.log.Info("reconnect scheduled",
		zap.Int("attempt", m.attempts),
		zap.Duration("delay", delay))

	m.retry = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.state == StateDisconnected || m.state == StateConnected {
			m.mu.Unlock()
			return
		}
		m.retry = nil
		m.mu.Unlock()
		m.dial(ctx)
	})
}

// Disconnect tears the connection down and cancels any pending
// reconnect. Idempotent; a disconnected manager schedules nothing.
func (m *ConnManager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.gen++ // orphan any in-flight dial or read loop
	m.state = StateDisconnected
}

// Status returns a snapshot of the connection.
func (m *ConnManager) Status() ConnStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := ConnStatus{
		Exchange:    m.adapter.Name(),
		State:       m.state,
		Attempts:    m.attempts,
		Messages:    m.messages,
		Feeds:       m.feeds,
		ParseErrors: m.parseErrs,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	if m.state == StateConnected && !m.connectedAt.IsZero() {
		t := m.connectedAt
		st.ConnectedAt = &t
	}
	return st
}

// isExpectedClose reports whether the transport ended in a way that
// looks like a peer-side close rather than a local fault.
func isExpectedClose(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}
