// internal/stream/hub_test.go
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeConn is a scripted relay connection. Subscribe requests are
// acked automatically with incrementing subscription ids unless
// rejectSubs is set.
type fakeConn struct {
	inbound    chan []byte
	rejectSubs bool

	mu       sync.Mutex
	requests []request
	nextSub  uint64
	closed   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 128)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	payload, ok := <-c.inbound
	if !ok {
		return 0, nil, errors.New("connection reset")
	}
	return 1, payload, nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}

	c.mu.Lock()
	c.requests = append(c.requests, req)
	isSubscribe := strings.HasSuffix(req.Method, "Subscribe") &&
		!strings.HasSuffix(req.Method, "Unsubscribe")
	var frame string
	if isSubscribe {
		if c.rejectSubs {
			frame = fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32602,"message":"invalid params"}}`, req.ID)
		} else {
			c.nextSub++
			frame = fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%d}`, req.ID, c.nextSub)
		}
	}
	c.mu.Unlock()

	if frame != "" {
		c.inbound <- []byte(frame)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closed.Do(func() { close(c.inbound) })
	return nil
}

// drop simulates the relay side closing the connection.
func (c *fakeConn) drop() {
	c.closed.Do(func() { close(c.inbound) })
}

func (c *fakeConn) notify(method string, subID, slot uint64, value string) {
	frame := fmt.Sprintf(
		`{"jsonrpc":"2.0","method":"%s","params":{"subscription":%d,"result":{"context":{"slot":%d},"value":%s}}}`,
		method, subID, slot, value)
	c.inbound <- []byte(frame)
}

func (c *fakeConn) requestMethods() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	methods := make([]string, len(c.requests))
	for i, r := range c.requests {
		methods[i] = r.Method
	}
	return methods
}

// fakeDialer hands out a fresh fakeConn per dial.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (d *fakeDialer) dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func newTestHub(t *testing.T) (*Hub, *fakeDialer) {
	t.Helper()
	hub := NewHub("ws://relay.test", BackoffPolicy{Base: time.Millisecond, Cap: 5 * time.Millisecond}, zaptest.NewLogger(t))
	dialer := &fakeDialer{}
	hub.SetDialer(dialer.dial)
	t.Cleanup(func() { _ = hub.Close() })
	return hub, dialer
}

func TestSubscribeWithoutURL(t *testing.T) {
	hub := NewHub("", BackoffPolicy{Base: time.Millisecond, Cap: time.Millisecond}, zaptest.NewLogger(t))
	_, err := hub.Subscribe(context.Background(), &Descriptor{Type: SubscribeLogs, Key: "k"})
	assert.ErrorIs(t, err, ErrStreamingUnavailable)
}

func TestSubscribeAndDispatch(t *testing.T) {
	hub, dialer := newTestHub(t)

	got := make(chan Notification, 4)
	desc := &Descriptor{
		Type:    SubscribeLogs,
		Key:     "asset/trades",
		Target:  "Pool1111",
		Handler: func(n Notification) { got <- n },
	}

	unsub, err := hub.Subscribe(context.Background(), desc)
	require.NoError(t, err)
	defer unsub()

	dialer.conn(0).notify("logsNotification", 1, 42, `{"signature":"sig-1"}`)

	select {
	case n := <-got:
		assert.Equal(t, uint64(1), n.SubscriptionID)
		assert.Equal(t, uint64(42), n.Slot)
		assert.JSONEq(t, `{"signature":"sig-1"}`, string(n.Value))
	case <-time.After(time.Second):
		t.Fatal("notification never dispatched")
	}
}

func TestNotificationForUnknownSubscriptionIsDiscarded(t *testing.T) {
	hub, dialer := newTestHub(t)

	got := make(chan Notification, 4)
	_, err := hub.Subscribe(context.Background(), &Descriptor{
		Type:    SubscribeAccount,
		Key:     "asset/pool",
		Target:  "Pool1111",
		Handler: func(n Notification) { got <- n },
	})
	require.NoError(t, err)

	dialer.conn(0).notify("accountNotification", 999, 1, `{}`)
	// A valid notification afterwards proves the loop survived.
	dialer.conn(0).notify("accountNotification", 1, 2, `{}`)

	select {
	case n := <-got:
		assert.Equal(t, uint64(1), n.SubscriptionID)
	case <-time.After(time.Second):
		t.Fatal("dispatch stalled after unknown subscription id")
	}
}

func TestSubscribeDuplicateKey(t *testing.T) {
	hub, _ := newTestHub(t)

	desc := &Descriptor{Type: SubscribeLogs, Key: "dup", Target: "X", Handler: func(Notification) {}}
	_, err := hub.Subscribe(context.Background(), desc)
	require.NoError(t, err)

	_, err = hub.Subscribe(context.Background(), &Descriptor{Type: SubscribeLogs, Key: "dup", Target: "X"})
	assert.Error(t, err)
}

func TestSubscribeRejectedByRelay(t *testing.T) {
	hub, dialer := newTestHub(t)

	// Open the connection first, then make it reject subscriptions.
	require.NoError(t, hub.EnsureConnection(context.Background()))
	dialer.conn(0).rejectSubs = true

	_, err := hub.Subscribe(context.Background(), &Descriptor{
		Type: SubscribeLogs, Key: "rejected", Target: "X", Handler: func(Notification) {},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
	// The failed descriptor does not linger in the desired set.
	assert.Equal(t, 0, hub.ActiveDescriptors())
}

func TestReconnectResubscribes(t *testing.T) {
	hub, dialer := newTestHub(t)

	got := make(chan Notification, 4)
	_, err := hub.Subscribe(context.Background(), &Descriptor{
		Type:    SubscribeAccount,
		Key:     "asset/pool",
		Target:  "Pool1111",
		Handler: func(n Notification) { got <- n },
	})
	require.NoError(t, err)

	dialer.conn(0).drop()

	require.Eventually(t, func() bool { return dialer.dials() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(dialer.conn(1).requestMethods()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "accountSubscribe", dialer.conn(1).requestMethods()[0])

	// The rebound subscription id dispatches to the original handler.
	require.Eventually(t, func() bool {
		dialer.conn(1).notify("accountNotification", 1, 7, `{}`)
		select {
		case n := <-got:
			return n.Slot == 7
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

// A caller-driven reconnect during the backoff window must win the
// singleflight, restore the desired set itself, and leave the backed-off
// reconnect loop nothing to do. Exactly two connections total.
func TestEnsureConnectionDuringBackoffIsExclusive(t *testing.T) {
	hub := NewHub("ws://relay.test", BackoffPolicy{Base: 300 * time.Millisecond, Cap: time.Second}, zaptest.NewLogger(t))
	dialer := &fakeDialer{}
	hub.SetDialer(dialer.dial)
	t.Cleanup(func() { _ = hub.Close() })

	got := make(chan Notification, 4)
	_, err := hub.Subscribe(context.Background(), &Descriptor{
		Type:    SubscribeAccount,
		Key:     "asset/pool",
		Target:  "Pool1111",
		Handler: func(n Notification) { got <- n },
	})
	require.NoError(t, err)

	dialer.conn(0).drop()

	// Reopen from the caller side while the reconnect loop is sleeping.
	require.Eventually(t, func() bool {
		if err := hub.EnsureConnection(context.Background()); err != nil {
			return false
		}
		return dialer.dials() == 2
	}, time.Second, 5*time.Millisecond)

	// The caller-driven reopen resent the desired set.
	require.Eventually(t, func() bool {
		return len(dialer.conn(1).requestMethods()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "accountSubscribe", dialer.conn(1).requestMethods()[0])

	// Let the reconnect loop wake from its backoff: it must not dial a
	// third connection.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 2, dialer.dials())

	require.Eventually(t, func() bool {
		dialer.conn(1).notify("accountNotification", 1, 13, `{}`)
		select {
		case n := <-got:
			return n.Slot == 13
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestUnsubscribeStopsDispatchAndNotifiesRelay(t *testing.T) {
	hub, dialer := newTestHub(t)

	got := make(chan Notification, 4)
	unsub, err := hub.Subscribe(context.Background(), &Descriptor{
		Type:    SubscribeProgram,
		Key:     "asset/migration",
		Target:  "Prog1111",
		Handler: func(n Notification) { got <- n },
	})
	require.NoError(t, err)

	unsub()
	assert.Equal(t, 0, hub.ActiveDescriptors())
	assert.Contains(t, dialer.conn(0).requestMethods(), "programUnsubscribe")

	dialer.conn(0).notify("programNotification", 1, 9, `{}`)
	select {
	case <-got:
		t.Fatal("handler fired after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

// Unsubscribing a key with no live relay binding sends no frame and
// must not consume a request id.
func TestUnsubscribeWithoutBindingConsumesNoRequestID(t *testing.T) {
	hub, dialer := newTestHub(t)

	unsub, err := hub.Subscribe(context.Background(), &Descriptor{
		Type: SubscribeAccount, Key: "asset/pool", Target: "Pool1111", Handler: func(Notification) {},
	})
	require.NoError(t, err)

	// Kill the connection and keep redials failing so the binding stays
	// cleared when the unsubscribe runs.
	dialer.mu.Lock()
	dialer.err = errors.New("relay unreachable")
	dialer.mu.Unlock()
	dialer.conn(0).drop()

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return !hub.connected
	}, time.Second, 5*time.Millisecond)

	unsub()
	assert.Equal(t, 0, hub.ActiveDescriptors())

	hub.mu.Lock()
	nextID := hub.nextID
	hub.mu.Unlock()
	// Only the original subscribe consumed an id.
	assert.Equal(t, uint64(1), nextID)

	// No unsubscribe frame went to the dead connection either.
	for _, method := range dialer.conn(0).requestMethods() {
		assert.NotContains(t, method, "Unsubscribe")
	}

	// Stop the retry loop before the test logger goes away.
	require.NoError(t, hub.Close())
	time.Sleep(20 * time.Millisecond)
}

func TestCloseStopsReconnects(t *testing.T) {
	hub, dialer := newTestHub(t)

	require.NoError(t, hub.EnsureConnection(context.Background()))
	require.NoError(t, hub.Close())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.dials())
}

func TestBackoffPolicyDelay(t *testing.T) {
	p := BackoffPolicy{Base: 500 * time.Millisecond, Cap: 10 * time.Second}
	assert.Equal(t, 500*time.Millisecond, p.Delay(1))
	assert.Equal(t, time.Second, p.Delay(2))
	assert.Equal(t, 5*time.Second, p.Delay(10))
	assert.Equal(t, 10*time.Second, p.Delay(20))
	assert.Equal(t, 10*time.Second, p.Delay(1000))
}
