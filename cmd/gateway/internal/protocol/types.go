package protocol

import "encoding/json"

// Inbound client events.
const (
	EventJoinRoom           = "join-room"
	EventLeaveRoom          = "leave-room"
	EventSubscribeMarket    = "subscribe-market"
	EventUnsubscribeMarket  = "unsubscribe-market"
	EventSubscribeSignals   = "subscribe-signals"
	EventSubscribePortfolio = "subscribe-portfolio"
	EventActivity           = "activity"
)

// Outbound server events.
const (
	EventConnected       = "connected"
	EventRoomJoined      = "room-joined"
	EventRoomLeft        = "room-left"
	EventMarketUpdate    = "market-update"
	EventOrderBookUpdate = "orderbook-update"
	EventTradingSignal   = "trading-signal"
	EventPortfolioUpdate = "portfolio-update"
	EventNotification    = "notification"
	EventFeedStatus      = "feed-status"
	EventError           = "error"
)

// ClientEvent is one inbound frame: {"event":"join-room","data":{...},"id":"r1"}.
type ClientEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	ID    string          `json:"id,omitempty"` // echoed on the direct reply
}

type RoomRequest struct {
	RoomType string `json:"roomType"`
	RoomID   string `json:"roomId,omitempty"`
}

type SymbolsRequest struct {
	Symbols []string `json:"symbols"`
}

// ServerEvent is the outbound envelope. Group and Seq are set on group
// broadcasts; Seq is per group so clients can detect gaps.
type ServerEvent struct {
	Event     string      `json:"event"`
	Group     string      `json:"group,omitempty"`
	Seq       uint64      `json:"seq,omitempty"`
	ID        string      `json:"id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type ConnectedPayload struct {
	SessionID string `json:"sessionId"`
	TenantID  string `json:"tenantId"`
	UserID    string `json:"userId"`
	Role      string `json:"role"`
}

type RoomJoined struct {
	Group    string `json:"group"`
	RoomType string `json:"roomType"`
	RoomID   string `json:"roomId,omitempty"`
}

// MarketUpdate wraps a quote or book for one symbol.
type MarketUpdate struct {
	Symbol string      `json:"symbol"`
	Data   interface{} `json:"data"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type FeedStatus struct {
	Status string `json:"status"` // "unavailable"
	Reason string `json:"reason,omitempty"`
}

// Error codes carried in ErrorPayload.Code.
const (
	CodeAccessDenied = "access_denied"
	CodeBadRequest   = "bad_request"
	CodeUnknownEvent = "unknown_event"
	CodeInternal     = "internal"
)
