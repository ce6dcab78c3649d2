// internal/stream/types.go
package stream

import (
	"encoding/json"
	"errors"
	"time"
)

// SubscriptionType selects the relay subscription method.
type SubscriptionType string

const (
	SubscribeAccount SubscriptionType = "account"
	SubscribeLogs    SubscriptionType = "logs"
	SubscribeProgram SubscriptionType = "program"
)

// ErrStreamingUnavailable is returned when no websocket URL is
// configured. Subscribing fails fast instead of retrying forever.
var ErrStreamingUnavailable = errors.New("streaming unavailable: websocket URL not configured")

// Notification is one delivered message for an active subscription.
type Notification struct {
	SubscriptionID uint64
	Slot           uint64
	Value          json.RawMessage
}

// Handler receives notifications for one subscription.
type Handler func(n Notification)

// Descriptor describes one desired subscription. The hub resends every
// tracked descriptor after a reconnect.
type Descriptor struct {
	Type    SubscriptionType
	Key     string // dedupe key, unique per logical subscription
	Target  string // pubkey or program id, relay-side meaning depends on Type
	Handler Handler
}

// subscription methods per type, Solana pubsub style.
var subscribeMethods = map[SubscriptionType]string{
	SubscribeAccount: "accountSubscribe",
	SubscribeLogs:    "logsSubscribe",
	SubscribeProgram: "programSubscribe",
}

var unsubscribeMethods = map[SubscriptionType]string{
	SubscribeAccount: "accountUnsubscribe",
	SubscribeLogs:    "logsUnsubscribe",
	SubscribeProgram: "programUnsubscribe",
}

var notificationMethods = map[string]SubscriptionType{
	"accountNotification": SubscribeAccount,
	"logsNotification":    SubscribeLogs,
	"programNotification": SubscribeProgram,
}

// request is an outgoing JSON-RPC subscribe/unsubscribe frame.
type request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// inbound covers both acks (ID set) and notifications (Method set).
type inbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  *notifyParams   `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type notifyParams struct {
	Subscription uint64       `json:"subscription"`
	Result       notifyResult `json:"result"`
}

type notifyResult struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value json.RawMessage `json:"value"`
}

// BackoffPolicy computes reconnect delays: min(base×attempt, cap).
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before the given attempt (1-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	d := p.Base * time.Duration(attempt)
	if d > p.Cap {
		return p.Cap
	}
	return d
}
