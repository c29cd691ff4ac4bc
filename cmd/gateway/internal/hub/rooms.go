package hub

import (
	"errors"
	"strings"
	"sync"

	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/auth"
)

// Room kinds a session can join.
const (
	RoomTenant    = "tenant"
	RoomMarket    = "market"
	RoomSignals   = "trading-signals"
	RoomPortfolio = "portfolio"
	RoomAdmin     = "admin"
)

var (
	ErrAccessDenied   = errors.New("hub: access denied")
	ErrUnknownTopic   = errors.New("hub: unknown room type")
	ErrMissingRoomID  = errors.New("hub: room id required")
	ErrNotMember      = errors.New("hub: not a member of room")
	ErrUnknownSession = errors.New("hub: unknown session")
)

// group is one fan-out set. sendMu ties seq assignment to delivery order.
type group struct {
	id      string
	kind    string
	symbol  string // market rooms only
	members map[string]struct{}

	sendMu sync.Mutex
	seq    uint64
}

func newGroup(r room) *group {
	return &group{id: r.id, kind: r.kind, symbol: r.symbol, members: make(map[string]struct{})}
}

// room is a resolved, tenant-scoped group reference.
type room struct {
	id     string
	kind   string
	symbol string
}

func TenantGroup(tenantID string) string  { return "tenant:" + tenantID }
func SignalsGroup(tenantID string) string { return "trading-signals:" + tenantID }
func AdminGroup(tenantID string) string   { return "admin:" + tenantID }
func MarketGroup(tenantID, symbol string) string {
	return "market:" + tenantID + ":" + symbol
}
func PortfolioGroup(tenantID, userID string) string {
	return "portfolio:" + tenantID + ":" + userID
}

// resolve maps a client room request to its canonical group for the caller's
// tenant and authorizes it. The tenant always comes from the identity.
func (h *Hub) resolve(id auth.Identity, kind, roomID string) (room, error) {
	switch kind {
	case RoomTenant:
		return room{id: TenantGroup(id.TenantID), kind: kind}, nil

	case RoomMarket:
		symbol := strings.ToUpper(strings.TrimSpace(roomID))
		if symbol == "" {
			return room{}, ErrMissingRoomID
		}
		return room{id: MarketGroup(id.TenantID, symbol), kind: kind, symbol: symbol}, nil

	case RoomSignals:
		return room{id: SignalsGroup(id.TenantID), kind: kind}, nil

	case RoomPortfolio:
		user := roomID
		if user == "" {
			user = id.UserID
		}
		if user != id.UserID && !h.elevated(id.Role) {
			return room{}, ErrAccessDenied
		}
		return room{id: PortfolioGroup(id.TenantID, user), kind: kind}, nil

	case RoomAdmin:
		if !h.elevated(id.Role) {
			return room{}, ErrAccessDenied
		}
		return room{id: AdminGroup(id.TenantID), kind: kind}, nil
	}
	return room{}, ErrUnknownTopic
}

func (h *Hub) elevated(role string) bool {
	_, ok := h.adminRoles[strings.ToLower(role)]
	return ok
}

// addMemberLocked reports whether the session was newly added.
func (h *Hub) addMemberLocked(s *session, r room) bool {
	if _, ok := s.groups[r.id]; ok {
		return false
	}
	g, ok := h.groups[r.id]
	if !ok {
		g = newGroup(r)
		h.groups[r.id] = g
		if r.symbol != "" {
			if h.marketGroups[r.symbol] == nil {
				h.marketGroups[r.symbol] = make(map[string]struct{})
			}
			h.marketGroups[r.symbol][r.id] = struct{}{}
		}
	}
	g.members[s.id] = struct{}{}
	s.groups[r.id] = r
	return true
}

// removeMemberLocked drops the membership and deletes the group once empty.
func (h *Hub) removeMemberLocked(s *session, groupID string) (room, bool) {
	r, ok := s.groups[groupID]
	if !ok {
		return room{}, false
	}
	delete(s.groups, groupID)

	if g, ok := h.groups[groupID]; ok {
		delete(g.members, s.id)
		if len(g.members) == 0 {
			delete(h.groups, groupID)
			if g.symbol != "" {
				delete(h.marketGroups[g.symbol], groupID)
				if len(h.marketGroups[g.symbol]) == 0 {
					delete(h.marketGroups, g.symbol)
				}
			}
		}
	}
	return r, true
}
