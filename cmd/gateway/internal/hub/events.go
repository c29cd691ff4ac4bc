package hub

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/protocol"
)

// HandleEvent dispatches one inbound frame from a session. Failures are
// reported to the client as error events and never end the session.
func (h *Hub) HandleEvent(ctx context.Context, sessionID string, raw []byte) {
	s := h.session(sessionID)
	if s == nil {
		return
	}
	h.Touch(sessionID)

	var ev protocol.ClientEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		h.logger.Warn("Malformed client event", zap.String("session", s.id), zap.Error(err))
		h.replyError(s, "", protocol.CodeBadRequest, "malformed event")
		return
	}

	switch ev.Event {
	case protocol.EventActivity:
		return

	case protocol.EventJoinRoom, protocol.EventLeaveRoom:
		var req protocol.RoomRequest
		if err := json.Unmarshal(ev.Data, &req); err != nil || req.RoomType == "" {
			h.replyError(s, ev.ID, protocol.CodeBadRequest, "roomType required")
			return
		}
		h.roomOp(ctx, s, ev, req.RoomType, req.RoomID)

	case protocol.EventSubscribeMarket, protocol.EventUnsubscribeMarket:
		var req protocol.SymbolsRequest
		if err := json.Unmarshal(ev.Data, &req); err != nil || len(req.Symbols) == 0 {
			h.replyError(s, ev.ID, protocol.CodeBadRequest, "symbols required")
			return
		}
		op := protocol.EventJoinRoom
		if ev.Event == protocol.EventUnsubscribeMarket {
			op = protocol.EventLeaveRoom
		}
		for _, sym := range req.Symbols {
			h.roomOp(ctx, s, protocol.ClientEvent{Event: op, ID: ev.ID}, RoomMarket, sym)
		}

	case protocol.EventSubscribeSignals:
		var req protocol.SymbolsRequest
		if len(ev.Data) > 0 {
			if err := json.Unmarshal(ev.Data, &req); err != nil {
				h.replyError(s, ev.ID, protocol.CodeBadRequest, "malformed symbols")
				return
			}
		}
		h.setSignalFilter(s, req.Symbols)
		h.roomOp(ctx, s, ev, RoomSignals, "")

	case protocol.EventSubscribePortfolio:
		var req protocol.RoomRequest
		if len(ev.Data) > 0 {
			if err := json.Unmarshal(ev.Data, &req); err != nil {
				h.replyError(s, ev.ID, protocol.CodeBadRequest, "malformed portfolio request")
				return
			}
		}
		h.roomOp(ctx, s, ev, RoomPortfolio, req.RoomID)

	default:
		h.logger.Warn("Unknown client event", zap.String("session", s.id), zap.String("event", ev.Event))
		h.replyError(s, ev.ID, protocol.CodeUnknownEvent, "unknown event: "+ev.Event)
	}
}

func (h *Hub) roomOp(ctx context.Context, s *session, ev protocol.ClientEvent, kind, roomID string) {
	var err error
	if ev.Event == protocol.EventLeaveRoom {
		err = h.leaveTopic(ctx, s.id, kind, roomID, ev.ID)
	} else {
		_, err = h.joinTopic(ctx, s.id, kind, roomID, ev.ID)
	}
	if err == nil {
		return
	}

	code := protocol.CodeBadRequest
	switch {
	case errors.Is(err, ErrAccessDenied):
		code = protocol.CodeAccessDenied
		h.logger.Warn("Room access denied",
			zap.String("session", s.id),
			zap.String("tenant", s.identity.TenantID),
			zap.String("room", kind),
			zap.String("room_id", roomID))
	case errors.Is(err, ErrFeedUnavailable), errors.Is(err, ErrUnknownSession):
		code = protocol.CodeInternal
	}
	h.replyError(s, ev.ID, code, err.Error())
}

func (h *Hub) setSignalFilter(s *session, symbols []string) {
	filter := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		if sym = strings.ToUpper(strings.TrimSpace(sym)); sym != "" {
			filter[sym] = struct{}{}
		}
	}
	h.mu.Lock()
	s.signals = filter
	h.mu.Unlock()
}

func (h *Hub) replyError(s *session, reqID, code, msg string) {
	h.reply(s, protocol.EventError, reqID, protocol.ErrorPayload{Message: msg, Code: code})
}
