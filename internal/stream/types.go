package stream

import (
	"encoding/json"

	"dexchart/pkg/market"
)

// State is the connection state of the Client.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// EventKind tags an Event.
type EventKind int

const (
	EventState EventKind = iota
	EventTick
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventState:
		return "STATE"
	case EventTick:
		return "TICK"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is pushed on the client's single ordered event channel.
type Event struct {
	Kind  EventKind
	State State       // EventState: the new state
	Tick  market.Tick // EventTick
	Err   error       // EventError; Terminal when the retry ceiling was hit
	// Terminal marks the error that stops automatic reconnection.
	Terminal bool
}

// Subscription is a (market, channel) pair kept across reconnects.
type Subscription struct {
	Market  string `json:"market"`
	Channel string `json:"channel"`
}

func (s Subscription) key() string {
	return s.Channel + ":" + s.Market
}

// controlMessage is the outbound subscribe/unsubscribe frame.
type controlMessage struct {
	Type       string `json:"type"`
	MarketType string `json:"marketType"`
	Channel    string `json:"channel"`
	Market     string `json:"market"`
}

// inboundMessage is the routing envelope of every feed message.
// Data is sometimes itself a JSON-encoded string.
type inboundMessage struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Market  string          `json:"market"`
	Data    json.RawMessage `json:"data"`
}

// pricePayload is the body of a price-bearing message. Price is fixed-point scaled.
type pricePayload struct {
	Market    string          `json:"market"`
	Symbol    string          `json:"symbol"`
	Price     json.RawMessage `json:"price"`
	Timestamp json.RawMessage `json:"timestamp"`
	Time      json.RawMessage `json:"time"`
}
