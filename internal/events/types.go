// internal/events/types.go
package events

import (
	"time"
)

// EventType represents the type of event.
type EventType string

const (
	// Control layer events
	StatusUpdated EventType = "status.update"
	SessionEnded  EventType = "session.ended"
	EmergencyStop EventType = "emergency.stop"

	// Stream events
	PoolUpdated  EventType = "pool.update"
	TradeLogged  EventType = "trade.log"
	ProgramEvent EventType = "program.event"
)

// Event is the base interface for all events.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common fields for all events.
type BaseEvent struct {
	EventType EventType
	EventTime time.Time
}

// Type returns the event type.
func (e BaseEvent) Type() EventType {
	return e.EventType
}

// Timestamp returns when the event occurred.
func (e BaseEvent) Timestamp() time.Time {
	return e.EventTime
}

// StatusUpdateEvent is emitted by the control layer on evaluation.
type StatusUpdateEvent struct {
	BaseEvent
	AssetID        string
	Phase          string
	ProtocolStatus string
	Strategy       string
	Snapshot       interface{} // market.AssetState copy at evaluation time
	Config         interface{}
	UpdatedAt      time.Time
}

// SessionEndedEvent is emitted when a control session is torn down.
type SessionEndedEvent struct {
	BaseEvent
	AssetID string
	Reason  string
	EndedAt time.Time
}

// EmergencyStopEvent is emitted when a sticky stop flag is raised.
type EmergencyStopEvent struct {
	BaseEvent
	AssetID string
	Context string
}

// PoolUpdateEvent carries decoded reserve data for one pool account.
type PoolUpdateEvent struct {
	BaseEvent
	AssetID      string
	BaseReserve  float64
	QuoteReserve float64
	Decimals     uint8
	Slot         uint64
}

// TradeLogEvent carries raw program log lines mentioning the asset.
type TradeLogEvent struct {
	BaseEvent
	AssetID   string
	Signature string
	Logs      []string
	Slot      uint64
}

// ProgramNotifyEvent carries a raw account notification from a watched
// program, such as the migration authority.
type ProgramNotifyEvent struct {
	BaseEvent
	AssetID string
	Program string
	Data    []byte
	Slot    uint64
}
