// internal/stream/hub.go
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Dialer opens one websocket connection. Injectable for tests.
type Dialer func(ctx context.Context, url string) (Conn, error)

// Conn is the subset of the websocket connection the hub needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

func defaultDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// pendingSub tracks an outgoing subscribe request until its ack binds
// the relay's subscription id to the handler.
type pendingSub struct {
	desc *Descriptor
	ack  chan error // nil for resubscribes after reconnect
}

// Hub owns the single persistent relay connection and multiplexes all
// account/logs/program subscriptions over it.
type Hub struct {
	url     string
	logger  *zap.Logger
	backoff BackoffPolicy
	dial    Dialer

	mu         sync.Mutex
	conn       Conn
	connected  bool
	closed     bool
	nextID     uint64
	desired    map[string]*Descriptor // by Key; resent on every reconnect
	pending    map[uint64]*pendingSub // by request id, until acked
	active     map[uint64]*Descriptor // by subscription id
	subIDByKey map[string]uint64

	writeMu sync.Mutex
	connect singleflight.Group
}

// NewHub creates a hub for the given relay URL. An empty URL is
// allowed; subscribing then fails fast with ErrStreamingUnavailable.
func NewHub(url string, backoff BackoffPolicy, logger *zap.Logger) *Hub {
	return &Hub{
		url:        url,
		logger:     logger.Named("stream_hub"),
		backoff:    backoff,
		dial:       defaultDialer,
		desired:    make(map[string]*Descriptor),
		pending:    make(map[uint64]*pendingSub),
		active:     make(map[uint64]*Descriptor),
		subIDByKey: make(map[string]uint64),
	}
}

// SetDialer replaces the websocket dialer. Test hook.
func (h *Hub) SetDialer(d Dialer) {
	h.dial = d
}

// EnsureConnection opens the relay connection if it is not already
// open. Concurrent callers — including the reconnect loop — share one
// in-flight connect.
func (h *Hub) EnsureConnection(ctx context.Context) error {
	if h.url == "" {
		return ErrStreamingUnavailable
	}

	_, err, _ := h.connect.Do("connect", func() (interface{}, error) {
		return nil, h.openConnection(ctx)
	})
	return err
}

// openConnection dials and installs a new connection unless one is
// already live. Whoever reopens the connection also resends the desired
// subscription set, so a caller-driven reopen never strands descriptors
// the reconnect loop would have restored.
func (h *Hub) openConnection(ctx context.Context) error {
	h.mu.Lock()
	if h.connected || h.closed {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	conn, err := h.dial(ctx, h.url)
	if err != nil {
		return fmt.Errorf("relay dial failed: %w", err)
	}

	h.mu.Lock()
	if h.connected || h.closed {
		// Lost the race to another connect, or closed mid-dial.
		h.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	h.conn = conn
	h.connected = true
	hasDesired := len(h.desired) > 0
	h.mu.Unlock()

	h.logger.Info("Relay connection established", zap.String("url", h.url))
	go h.readLoop(conn)
	if hasDesired {
		h.resubscribeAll()
	}
	return nil
}

// Subscribe registers a descriptor, sends the subscribe request, and
// waits for the relay's ack. The returned function unsubscribes. The
// descriptor stays in the desired set and is resent after reconnects
// until unsubscribed.
func (h *Hub) Subscribe(ctx context.Context, desc *Descriptor) (func(), error) {
	if err := h.EnsureConnection(ctx); err != nil {
		return nil, err
	}

	h.mu.Lock()
	if _, exists := h.desired[desc.Key]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("subscription %q already registered", desc.Key)
	}
	h.desired[desc.Key] = desc
	h.mu.Unlock()

	ack := make(chan error, 1)
	if err := h.sendSubscribe(desc, ack); err != nil {
		h.removeDesired(desc.Key)
		return nil, err
	}

	select {
	case err := <-ack:
		if err != nil {
			h.removeDesired(desc.Key)
			return nil, err
		}
	case <-ctx.Done():
		h.removeDesired(desc.Key)
		return nil, ctx.Err()
	}

	return func() { h.unsubscribe(desc.Key) }, nil
}

// sendSubscribe writes the subscribe frame and tracks it by request id
// until the ack arrives.
func (h *Hub) sendSubscribe(desc *Descriptor, ack chan error) error {
	h.mu.Lock()
	if !h.connected {
		h.mu.Unlock()
		return fmt.Errorf("relay connection not open")
	}
	h.nextID++
	id := h.nextID
	h.pending[id] = &pendingSub{desc: desc, ack: ack}
	conn := h.conn
	h.mu.Unlock()

	req := request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  subscribeMethods[desc.Type],
		Params:  subscribeParams(desc),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := h.writeMessage(conn, payload); err != nil {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
		return fmt.Errorf("subscribe write failed: %w", err)
	}
	return nil
}

func subscribeParams(desc *Descriptor) []interface{} {
	opts := map[string]interface{}{"commitment": "confirmed"}
	switch desc.Type {
	case SubscribeLogs:
		return []interface{}{
			map[string]interface{}{"mentions": []string{desc.Target}},
			opts,
		}
	default:
		opts["encoding"] = "base64"
		return []interface{}{desc.Target, opts}
	}
}

func (h *Hub) writeMessage(conn Conn, payload []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// readLoop dispatches inbound frames until the connection breaks.
func (h *Hub) readLoop(conn Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			h.onConnectionLost(conn, err)
			return
		}

		var msg inbound
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.logger.Warn("Dropping malformed relay frame", zap.Error(err))
			continue
		}

		switch {
		case msg.Method != "":
			h.dispatchNotification(&msg)
		case msg.ID != 0:
			h.handleAck(&msg)
		}
	}
}

// dispatchNotification routes purely by subscription id. Notifications
// for unknown ids are discarded as no-ops.
func (h *Hub) dispatchNotification(msg *inbound) {
	if _, known := notificationMethods[msg.Method]; !known || msg.Params == nil {
		return
	}

	h.mu.Lock()
	desc, ok := h.active[msg.Params.Subscription]
	h.mu.Unlock()
	if !ok {
		h.logger.Debug("Notification for untracked subscription",
			zap.Uint64("subscription_id", msg.Params.Subscription))
		return
	}

	desc.Handler(Notification{
		SubscriptionID: msg.Params.Subscription,
		Slot:           msg.Params.Result.Context.Slot,
		Value:          msg.Params.Result.Value,
	})
}

// handleAck binds the subscription id from the ack to the handler that
// was registered under the request id.
func (h *Hub) handleAck(msg *inbound) {
	h.mu.Lock()
	p, ok := h.pending[msg.ID]
	if ok {
		delete(h.pending, msg.ID)
	}
	h.mu.Unlock()
	if !ok {
		// Ack for an unsubscribe or a request abandoned on reconnect.
		return
	}

	if msg.Error != nil {
		err := fmt.Errorf("subscription rejected: %s (code %d)", msg.Error.Message, msg.Error.Code)
		if isAuthError(msg.Error) {
			h.logger.Warn("Relay rejected subscription: auth/permission failure",
				zap.String("key", p.desc.Key),
				zap.String("message", msg.Error.Message))
		} else {
			h.logger.Warn("Relay rejected subscription",
				zap.String("key", p.desc.Key),
				zap.String("message", msg.Error.Message))
		}
		if p.ack != nil {
			p.ack <- err
		}
		return
	}

	var subID uint64
	if err := json.Unmarshal(msg.Result, &subID); err != nil {
		if p.ack != nil {
			p.ack <- fmt.Errorf("malformed subscribe ack: %w", err)
		}
		return
	}

	h.mu.Lock()
	h.active[subID] = p.desc
	h.subIDByKey[p.desc.Key] = subID
	h.mu.Unlock()

	h.logger.Debug("Subscription acknowledged",
		zap.String("key", p.desc.Key),
		zap.Uint64("subscription_id", subID))

	if p.ack != nil {
		p.ack <- nil
	}
}

func isAuthError(e *rpcError) bool {
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "api key")
}

// onConnectionLost fails outstanding acks, clears the live bindings,
// and kicks off the reconnect loop. The desired set is kept so every
// descriptor is resent on reopen.
func (h *Hub) onConnectionLost(conn Conn, cause error) {
	h.mu.Lock()
	if h.conn != conn {
		// A newer connection already took over.
		h.mu.Unlock()
		return
	}
	h.connected = false
	h.conn = nil
	for id, p := range h.pending {
		if p.ack != nil {
			p.ack <- fmt.Errorf("connection lost before ack: %w", cause)
		}
		delete(h.pending, id)
	}
	h.active = make(map[uint64]*Descriptor)
	h.subIDByKey = make(map[string]uint64)
	closed := h.closed
	h.mu.Unlock()

	_ = conn.Close()
	if closed {
		return
	}

	h.logger.Warn("Relay connection lost, reconnecting", zap.Error(cause))
	go h.reconnectLoop()
}

// reconnectLoop retries with capped linear backoff. Dials go through
// the same singleflight connect as EnsureConnection, so a caller reopen
// during the backoff window makes the loop a no-op instead of racing it
// to a second connection.
func (h *Hub) reconnectLoop() {
	for attempt := 1; ; attempt++ {
		h.mu.Lock()
		if h.closed || h.connected {
			h.mu.Unlock()
			return
		}
		h.mu.Unlock()

		time.Sleep(h.backoff.Delay(attempt))

		_, err, _ := h.connect.Do("connect", func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return nil, h.openConnection(ctx)
		})
		if err != nil {
			if isAuthDialError(err) {
				h.logger.Warn("Relay reconnect rejected: auth/permission failure, will keep retrying",
					zap.Int("attempt", attempt), zap.Error(err))
			} else {
				h.logger.Warn("Relay reconnect failed",
					zap.Int("attempt", attempt),
					zap.Duration("next_delay", h.backoff.Delay(attempt+1)),
					zap.Error(err))
			}
			continue
		}

		h.mu.Lock()
		connected, closed := h.connected, h.closed
		h.mu.Unlock()
		if closed {
			return
		}
		if connected {
			h.logger.Info("Relay connection reestablished", zap.Int("attempts", attempt))
			return
		}
	}
}

func isAuthDialError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden")
}

// resubscribeAll resends every desired descriptor. Order is not
// significant; acks rebind subscription ids as they arrive.
func (h *Hub) resubscribeAll() {
	h.mu.Lock()
	descs := make([]*Descriptor, 0, len(h.desired))
	for _, d := range h.desired {
		descs = append(descs, d)
	}
	h.mu.Unlock()

	for _, d := range descs {
		if err := h.sendSubscribe(d, nil); err != nil {
			h.logger.Warn("Resubscribe failed",
				zap.String("key", d.Key), zap.Error(err))
		}
	}
	h.logger.Info("Resubscribed after reconnect", zap.Int("descriptors", len(descs)))
}

func (h *Hub) removeDesired(key string) {
	h.mu.Lock()
	delete(h.desired, key)
	h.mu.Unlock()
}

// unsubscribe removes the descriptor and best-effort notifies the relay.
func (h *Hub) unsubscribe(key string) {
	h.mu.Lock()
	desc, ok := h.desired[key]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.desired, key)
	subID, hadSub := h.subIDByKey[key]
	if hadSub {
		delete(h.subIDByKey, key)
		delete(h.active, subID)
	}
	conn := h.conn
	connected := h.connected
	var id uint64
	if hadSub && connected {
		// Request ids are only consumed when a frame actually goes out.
		h.nextID++
		id = h.nextID
	}
	h.mu.Unlock()

	if !hadSub || !connected {
		return
	}

	req := request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  unsubscribeMethods[desc.Type],
		Params:  []interface{}{subID},
	}
	payload, _ := json.Marshal(req)
	if err := h.writeMessage(conn, payload); err != nil {
		h.logger.Debug("Unsubscribe write failed", zap.String("key", key), zap.Error(err))
	}
}

// ActiveDescriptors returns the number of desired subscriptions.
func (h *Hub) ActiveDescriptors() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.desired)
}

// Close shuts the hub down. No reconnects are attempted afterwards.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	conn := h.conn
	h.conn = nil
	h.connected = false
	h.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
