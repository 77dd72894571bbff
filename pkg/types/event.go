package types

import "time"

// EventType identifies the payload carried by a BrokerEvent.
type EventType string

const (
	EventCustom        EventType = "CUSTOM_EVENT"
	EventLog           EventType = "LOG"
	EventNewTradingDay EventType = "NEW_TRADING_DAY" // data: time.Time
	EventConnection    EventType = "CONNECTION"      // data: ConnectionEvent
	EventTick          EventType = "TICK"            // data: *Tick
	EventBar           EventType = "BAR"             // data: *Bar
	EventOrderStatus   EventType = "ORDER_STATUS"    // data: *Order
	EventCancelFailed  EventType = "CANCEL_FAILED"   // data: *Order
	EventTradeReport   EventType = "TRADE_REPORT"    // data: *Trade
)

// AllEventTypes lists every event type, for subscribe-all consumers.
var AllEventTypes = []EventType{
	EventCustom,
	EventLog,
	EventNewTradingDay,
	EventConnection,
	EventTick,
	EventBar,
	EventOrderStatus,
	EventCancelFailed,
	EventTradeReport,
}

// BrokerEvent is the envelope for everything published on an event bus.
// SourceID uniquely identifies the emitting adapter instance.
type BrokerEvent struct {
	Type     EventType
	SourceID string
	Data     any
}

// ConnectionState names the lifecycle transitions carried by CONNECTION events.
type ConnectionState string

const (
	ConnMdLoggedIn     ConnectionState = "MD_LOGGED_IN"
	ConnMdDisconnected ConnectionState = "MD_DISCONNECTED"
	ConnTdLoggedIn     ConnectionState = "TD_LOGGED_IN"
	ConnTdDisconnected ConnectionState = "TD_DISCONNECTED"
)

// ConnectionEvent is the payload of a CONNECTION event.
type ConnectionEvent struct {
	State ConnectionState
	Msg   string
}

// LogEvent is the payload of a LOG event, mirroring adapter-side log lines.
type LogEvent struct {
	Level string
	Msg   string
	Time  time.Time
}
