package amqpx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// countingDialer fails the first failures dials and hands out a fresh fake
// connection on each success.
type countingDialer struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    []*fakeConn
}

func (d *countingDialer) dial(url string) (BrokerConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.failures {
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *countingDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *countingDialer) latest() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func testConfig(d *countingDialer) Config {
	return Config{
		URL:           "amqp://test",
		ReconnectBase: time.Millisecond,
		ReconnectCap:  5 * time.Millisecond,
		MaxAttempts:   4,
		Dial:          d.dial,
	}
}

func TestConnectRetriesUntilSuccess(t *testing.T) {
	dialer := &countingDialer{failures: 2}
	conn := NewConnection(testConfig(dialer), discardLogger())
	defer conn.Close()

	ch, err := conn.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ch == nil {
		t.Fatal("expected a channel")
	}
	if got := dialer.dialCount(); got != 3 {
		t.Fatalf("expected 3 dial attempts, got %d", got)
	}
	if conn.State() != StateConnected {
		t.Fatalf("expected connected state, got %s", conn.State())
	}
	if !conn.Healthy() {
		t.Fatal("expected healthy connection")
	}
}

func TestConnectReusesEstablishedChannel(t *testing.T) {
	dialer := &countingDialer{}
	conn := NewConnection(testConfig(dialer), discardLogger())
	defer conn.Close()

	if _, err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	if _, err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("expected a single dial, got %d", got)
	}
}

func TestConnectGivesUpAndSignalsFatal(t *testing.T) {
	dialer := &countingDialer{failures: 100}
	conn := NewConnection(testConfig(dialer), discardLogger())
	defer conn.Close()

	_, err := conn.Connect(context.Background())
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if got := dialer.dialCount(); got != 4 {
		t.Fatalf("expected 4 dial attempts, got %d", got)
	}
	if conn.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", conn.State())
	}

	select {
	case fatalErr := <-conn.Fatal():
		if fatalErr == nil {
			t.Fatal("expected non-nil fatal error")
		}
	case <-time.After(time.Second):
		t.Fatal("fatal signal never delivered")
	}
}

func TestOnConnectFailureCountsAsDialFailure(t *testing.T) {
	dialer := &countingDialer{}
	cfg := testConfig(dialer)
	calls := 0
	cfg.OnConnect = func(Channel) error {
		calls++
		if calls == 1 {
			return errors.New("declare refused")
		}
		return nil
	}
	conn := NewConnection(cfg, discardLogger())
	defer conn.Close()

	if _, err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected OnConnect to run twice, ran %d times", calls)
	}
	// The connection whose hook failed must be closed.
	if first := dialer.conns[0]; !first.IsClosed() {
		t.Fatal("expected first connection to be closed after hook failure")
	}
}

func TestConnectAfterCloseFails(t *testing.T) {
	dialer := &countingDialer{}
	conn := NewConnection(testConfig(dialer), discardLogger())
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := conn.Connect(context.Background()); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
	if conn.State() != StateClosing {
		t.Fatalf("expected closing state, got %s", conn.State())
	}
}

func TestReconnectAfterBrokerClose(t *testing.T) {
	dialer := &countingDialer{}
	conn := NewConnection(testConfig(dialer), discardLogger())
	defer conn.Close()

	if _, err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	dialer.latest().dropConnection(&amqp.Error{Code: 320, Reason: "forced close"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn.Healthy() && dialer.dialCount() == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connection never recovered: state=%s dials=%d", conn.State(), dialer.dialCount())
}

func TestFlowControlTracksBlockedState(t *testing.T) {
	dialer := &countingDialer{}
	conn := NewConnection(testConfig(dialer), discardLogger())
	defer conn.Close()

	if _, err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.Blocked() {
		t.Fatal("expected unblocked connection")
	}

	dialer.latest().setBlocked(true)
	deadline := time.Now().Add(time.Second)
	for !conn.Blocked() {
		if time.Now().After(deadline) {
			t.Fatal("blocked state never observed")
		}
		time.Sleep(time.Millisecond)
	}

	dialer.latest().setBlocked(false)
	deadline = time.Now().Add(time.Second)
	for conn.Blocked() {
		if time.Now().After(deadline) {
			t.Fatal("unblocked state never observed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNotificationsRegisteredBeforeConnectReturns(t *testing.T) {
	dialer := &countingDialer{}
	conn := NewConnection(testConfig(dialer), discardLogger())
	defer conn.Close()

	if _, err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// A close or flow-control event fired right after Connect returns must
	// have a registered receiver, otherwise it is lost.
	if !dialer.latest().notificationsRegistered() {
		t.Fatal("close/blocked notifications not registered when Connect returned")
	}
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	cases := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.n, time.Second, 30*time.Second); got != tc.want {
			t.Errorf("backoffDelay(%d) = %s, want %s", tc.n, got, tc.want)
		}
	}
}
