// internal/collector/conn_test.go
package collector

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pricemesh/pricemesh/internal/domain"
	"github.com/pricemesh/pricemesh/internal/exchange"
	"github.com/pricemesh/pricemesh/pkg/backoff"
	"github.com/pricemesh/pricemesh/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", DevMode: true})
	if err != nil {
		t.Fatal(err)
	}
	return log
}

// fakeConn feeds scripted messages to the read loop and then blocks
// until closed.
type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	written  [][]byte
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn(messages ...[]byte) *fakeConn {
	return &fakeConn{messages: messages, closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	c.mu.Lock()
	if len(c.messages) > 0 {
		msg := c.messages[0]
		c.messages = c.messages[1:]
		c.mu.Unlock()
		return msg, nil
	}
	c.mu.Unlock()
	<-c.closed
	return nil, io.EOF
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) wroteSubscription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written) > 0
}

// fakeDialer returns scripted outcomes in order; past the script it
// keeps returning the last one.
type fakeDialer struct {
	mu      sync.Mutex
	script  []func() (Conn, error)
	dials   int
	delayCh chan time.Time // receives dial times, for delay assertions
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	i := d.dials
	d.dials++
	if i >= len(d.script) {
		i = len(d.script) - 1
	}
	step := d.script[i]
	ch := d.delayCh
	d.mu.Unlock()
	if ch != nil {
		select {
		case ch <- time.Now():
		default:
		}
	}
	return step()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// collectSink records appended feeds.
type collectSink struct {
	mu    sync.Mutex
	feeds []domain.PriceFeed
}

func (s *collectSink) Append(feed domain.PriceFeed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds = append(s.feeds, feed)
}

func (s *collectSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.feeds)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newTestManager(t *testing.T, dialer Dialer, sink Sink, retry backoff.Policy) *ConnManager {
	t.Helper()
	adapter, err := exchange.New("coinbase", exchange.Config{Symbols: []string{"BTC/USD"}})
	if err != nil {
		t.Fatal(err)
	}
	m, err := NewConnManager(ConnConfig{URL: "wss://example.test/ws", Retry: retry},
		adapter, dialer, sink, testLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestConnManager_ConnectSubscribesAndParses(t *testing.T) {
	conn := newFakeConn(
		[]byte(`{"type":"subscriptions"}`),
		[]byte(`{"type":"ticker","product_id":"BTC-USD","price":"64000.5","time":"2025-06-01T12:00:00Z"}`),
		[]byte(`{"type":"ticker","product_id":"BTC-USD","price":"bad"}`),
	)
	dialer := &fakeDialer{script: []func() (Conn, error){
		func() (Conn, error) { return conn, nil },
	}}
	sink := &collectSink{}
	m := newTestManager(t, dialer, sink, backoff.Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 3})
	defer m.Disconnect()

	m.Connect(context.Background())

	waitFor(t, time.Second, func() bool { return sink.count() == 1 })
	if !conn.wroteSubscription() {
		t.Error("subscription was not written on connect")
	}

	st := m.Status()
	if st.State != StateConnected {
		t.Errorf("state = %s", st.State)
	}
	if st.Attempts != 0 {
		t.Errorf("attempts = %d", st.Attempts)
	}
	waitFor(t, time.Second, func() bool { return m.Status().ParseErrors == 1 })
	if got := m.Status().Feeds; got != 1 {
		t.Errorf("feeds parsed = %d", got)
	}
}

func TestConnManager_ConnectIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: []func() (Conn, error){
		func() (Conn, error) { return conn, nil },
	}}
	m := newTestManager(t, dialer, &collectSink{}, backoff.Policy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 3})
	defer m.Disconnect()

	m.Connect(context.Background())
	waitFor(t, time.Second, func() bool { return m.Status().State == StateConnected })

	m.Connect(context.Background())
	time.Sleep(10 * time.Millisecond)
	if n := dialer.dialCount(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestConnManager_ReconnectsWithDoublingDelay(t *testing.T) {
	dialErr := errors.New("connection refused")
	conn := newFakeConn()
	dialer := &fakeDialer{
		delayCh: make(chan time.Time, 8),
		script: []func() (Conn, error){
			func() (Conn, error) { return nil, dialErr },
			func() (Conn, error) { return nil, dialErr },
			func() (Conn, error) { return conn, nil },
		},
	}
	m := newTestManager(t, dialer, &collectSink{},
		backoff.Policy{BaseDelay: 20 * time.Millisecond, MaxDelay: time.Second, MaxAttempts: 10})
	defer m.Disconnect()

	m.Connect(context.Background())

	var stamps []time.Time
	for i := 0; i < 3; i++ {
		select {
		case ts := <-dialer.delayCh:
			stamps = append(stamps, ts)
		case <-time.After(2 * time.Second):
			t.Fatalf("dial %d never happened", i+1)
		}
	}
	waitFor(t, time.Second, func() bool { return m.Status().State == StateConnected })

	// Attempt counter resets once the connection is established.
	if got := m.Status().Attempts; got != 0 {
		t.Errorf("attempts after success = %d", got)
	}

	// Delay before retry 2 (~40ms) must be roughly double the delay
	// before retry 1 (~20ms). Generous bounds: timers, not clocks.
	d1 := stamps[1].Sub(stamps[0])
	d2 := stamps[2].Sub(stamps[1])
	if d1 < 15*time.Millisecond {
		t.Errorf("first retry delay too short: %v", d1)
	}
	if d2 < d1+10*time.Millisecond {
		t.Errorf("second retry delay did not double: d1=%v d2=%v", d1, d2)
	}
}

func TestConnManager_FailsPermanentlyAfterMaxAttempts(t *testing.T) {
	dialErr := errors.New("connection refused")
	dialer := &fakeDialer{script: []func() (Conn, error){
		func() (Conn, error) { return nil, dialErr },
	}}
	m := newTestManager(t, dialer, &collectSink{},
		backoff.Policy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 3})
	defer m.Disconnect()

	m.Connect(context.Background())
	waitFor(t, time.Second, func() bool { return m.Status().State == StateFailed })

	// Initial dial plus three reconnect attempts, then nothing more.
	dials := dialer.dialCount()
	if dials != 4 {
		t.Errorf("dials = %d, want 4", dials)
	}
	time.Sleep(20 * time.Millisecond)
	if n := dialer.dialCount(); n != dials {
		t.Errorf("failed state still dialing: %d -> %d", dials, n)
	}
	if st := m.Status(); st.LastError == "" {
		t.Error("expected last_error to be recorded")
	}
}

func TestConnManager_ReadErrorTriggersReconnect(t *testing.T) {
	first := newFakeConn([]byte(`{"type":"heartbeat"}`))
	second := newFakeConn()
	dialer := &fakeDialer{script: []func() (Conn, error){
		func() (Conn, error) { return first, nil },
		func() (Conn, error) { return second, nil },
	}}
	m := newTestManager(t, dialer, &collectSink{},
		backoff.Policy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 5})
	defer m.Disconnect()

	m.Connect(context.Background())
	waitFor(t, time.Second, func() bool { return m.Status().Messages == 1 })

	// Kill the transport; the manager must dial again on its own.
	_ = first.Close()
	waitFor(t, time.Second, func() bool {
		return dialer.dialCount() == 2 && m.Status().State == StateConnected
	})
	if got := m.Status().Attempts; got != 0 {
		t.Errorf("attempts after reconnect = %d", got)
	}
}

func TestConnManager_DisconnectCancelsReconnect(t *testing.T) {
	dialErr := errors.New("connection refused")
	dialer := &fakeDialer{script: []func() (Conn, error){
		func() (Conn, error) { return nil, dialErr },
	}}
	m := newTestManager(t, dialer, &collectSink{},
		backoff.Policy{BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second, MaxAttempts: 10})

	m.Connect(context.Background())
	waitFor(t, time.Second, func() bool { return m.Status().State == StateReconnecting })

	m.Disconnect()
	if st := m.Status().State; st != StateDisconnected {
		t.Errorf("state after disconnect = %s", st)
	}

	dials := dialer.dialCount()
	time.Sleep(100 * time.Millisecond)
	if n := dialer.dialCount(); n != dials {
		t.Errorf("disconnected manager dialed again: %d -> %d", dials, n)
	}

	// Idempotent.
	m.Disconnect()
	if st := m.Status().State; st != StateDisconnected {
		t.Errorf("state after second disconnect = %s", st)
	}
}
