package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/auth"
	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/bus"
	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/protocol"
	"github.com/shubham-shewale/marketstream/pkg/config"
	"github.com/shubham-shewale/marketstream/pkg/models"
)

var ErrFeedUnavailable = errors.New("hub: market feed unavailable")

// ClientInterface is one connected transport. Send must never block.
type ClientInterface interface {
	ID() string
	Send(b []byte) bool
	Close()
}

// QuoteFeed is the demand and read side of quote ingestion.
type QuoteFeed interface {
	Subscribe(ctx context.Context, symbol, tenantID string) error
	Unsubscribe(ctx context.Context, symbol, tenantID string) error
	GetQuote(ctx context.Context, symbol string) (models.Quote, error)
}

// BookFeed is the demand and read side of the synthetic books.
type BookFeed interface {
	Subscribe(ctx context.Context, symbol string) error
	Unsubscribe(symbol string) error
	GetOrderBook(ctx context.Context, symbol string) (models.OrderBook, error)
}

// PortfolioProvider supplies the snapshot pushed when a portfolio room is joined.
type PortfolioProvider interface {
	GetPortfolio(ctx context.Context, tenantID, userID string) (interface{}, error)
}

type Config struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	AdminRoles    []string
	InstanceID    string
}

func ConfigFromHub(c config.HubConfig, instanceID string) Config {
	return Config{
		IdleTimeout:   c.IdleTimeout,
		SweepInterval: c.SweepInterval,
		AdminRoles:    c.AdminRoles,
		InstanceID:    instanceID,
	}
}

type session struct {
	id           string
	client       ClientInterface
	identity     auth.Identity
	groups       map[string]room
	signals      map[string]struct{} // empty means every symbol
	lastActivity atomic.Int64        // unix nanos

	// lifeMu orders this session's joins, leaves and release.
	lifeMu sync.Mutex
	closed bool // guarded by lifeMu
}

// target narrows delivery inside a group.
type target struct {
	symbol string
	userID string
}

func (t target) matches(s *session) bool {
	if t.userID != "" && s.identity.UserID != t.userID {
		return false
	}
	if t.symbol != "" && len(s.signals) > 0 {
		if _, ok := s.signals[t.symbol]; !ok {
			return false
		}
	}
	return true
}

// Hub owns the session registry and the tenant-scoped groups.
//
// Each session's lifeMu serialises its own join, leave and disconnect so its
// feed demand changes in the same order as its memberships; sessions never
// wait on each other. mu guards the maps and is never held while calling into
// the feeds, whose listeners publish back into the hub.
type Hub struct {
	cfg        Config
	logger     *zap.Logger
	quotes     QuoteFeed
	books      BookFeed
	portfolio  PortfolioProvider
	mirror     bus.Bus
	adminRoles map[string]struct{}
	now        func() time.Time

	mu           sync.RWMutex
	sessions     map[string]*session
	groups       map[string]*group
	marketGroups map[string]map[string]struct{} // symbol -> market group ids

	delivered atomic.Int64
	dropped   atomic.Int64
}

func NewHub(cfg Config, quotes QuoteFeed, books BookFeed, logger *zap.Logger) *Hub {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	roles := make(map[string]struct{}, len(cfg.AdminRoles))
	for _, r := range cfg.AdminRoles {
		roles[strings.ToLower(r)] = struct{}{}
	}
	return &Hub{
		cfg:          cfg,
		logger:       logger,
		quotes:       quotes,
		books:        books,
		adminRoles:   roles,
		now:          time.Now,
		sessions:     make(map[string]*session),
		groups:       make(map[string]*group),
		marketGroups: make(map[string]map[string]struct{}),
	}
}

func (h *Hub) SetPortfolioProvider(p PortfolioProvider) { h.portfolio = p }

// SetMirror enables cross-instance fan-out through b.
func (h *Hub) SetMirror(b bus.Bus) { h.mirror = b }

// Register admits an authenticated client and joins it to its tenant room.
func (h *Hub) Register(client ClientInterface, id auth.Identity) string {
	s := &session{
		id:       client.ID(),
		client:   client,
		identity: id,
		groups:   make(map[string]room),
		signals:  make(map[string]struct{}),
	}
	s.lastActivity.Store(h.now().UnixNano())

	if old := h.session(s.id); old != nil {
		h.logger.Warn("Duplicate session id, replacing", zap.String("session", s.id))
		h.release(old)
	}

	h.mu.Lock()
	h.sessions[s.id] = s
	h.addMemberLocked(s, room{id: TenantGroup(id.TenantID), kind: RoomTenant})
	h.mu.Unlock()

	h.logger.Info("Session registered",
		zap.String("session", s.id),
		zap.String("tenant", id.TenantID),
		zap.String("user", id.UserID),
		zap.String("role", id.Role))

	h.reply(s, protocol.EventConnected, "", protocol.ConnectedPayload{
		SessionID: s.id,
		TenantID:  id.TenantID,
		UserID:    id.UserID,
		Role:      id.Role,
	})
	return s.id
}

// Unregister releases every membership (and the feed demand behind it) and
// closes the client. Unknown sessions are ignored.
func (h *Hub) Unregister(sessionID string) {
	if s := h.session(sessionID); s != nil {
		h.release(s)
	}
}

// release tears s down once. It waits for any join or leave in flight on s,
// never for other sessions.
func (h *Hub) release(s *session) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	h.mu.Lock()
	if h.sessions[s.id] == s {
		delete(h.sessions, s.id)
	}
	var markets []room
	for gid := range s.groups {
		if r, ok := h.removeMemberLocked(s, gid); ok && r.kind == RoomMarket {
			markets = append(markets, r)
		}
	}
	h.mu.Unlock()

	for _, r := range markets {
		h.releaseFeeds(context.Background(), r, s.identity.TenantID)
	}
	s.client.Close()
	h.logger.Info("Session unregistered", zap.String("session", s.id), zap.Int("markets_released", len(markets)))
}

// JoinTopic adds the session to a room, drives feed demand for market rooms
// and pushes the room's current snapshot. Re-joining is a no-op.
func (h *Hub) JoinTopic(ctx context.Context, sessionID, kind, roomID string) (string, error) {
	return h.joinTopic(ctx, sessionID, kind, roomID, "")
}

func (h *Hub) joinTopic(ctx context.Context, sessionID, kind, roomID, reqID string) (string, error) {
	s := h.session(sessionID)
	if s == nil {
		return "", ErrUnknownSession
	}
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.closed {
		return "", ErrUnknownSession
	}
	r, err := h.resolve(s.identity, kind, roomID)
	if err != nil {
		return "", err
	}

	h.mu.RLock()
	_, member := s.groups[r.id]
	h.mu.RUnlock()
	if member {
		h.reply(s, protocol.EventRoomJoined, reqID, protocol.RoomJoined{Group: r.id, RoomType: r.kind, RoomID: roomID})
		return r.id, nil
	}

	if r.kind == RoomMarket {
		if err := h.quotes.Subscribe(ctx, r.symbol, s.identity.TenantID); err != nil {
			return "", fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
		}
		if err := h.books.Subscribe(ctx, r.symbol); err != nil {
			h.quotes.Unsubscribe(ctx, r.symbol, s.identity.TenantID)
			return "", fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
		}
	}

	h.mu.Lock()
	h.addMemberLocked(s, r)
	h.mu.Unlock()

	h.logger.Debug("Room joined", zap.String("session", s.id), zap.String("group", r.id))
	h.reply(s, protocol.EventRoomJoined, reqID, protocol.RoomJoined{Group: r.id, RoomType: r.kind, RoomID: roomID})
	h.snapshot(ctx, s, r)
	return r.id, nil
}

// LeaveTopic drops the membership; an emptied group is deleted.
func (h *Hub) LeaveTopic(ctx context.Context, sessionID, kind, roomID string) error {
	return h.leaveTopic(ctx, sessionID, kind, roomID, "")
}

func (h *Hub) leaveTopic(ctx context.Context, sessionID, kind, roomID, reqID string) error {
	s := h.session(sessionID)
	if s == nil {
		return ErrUnknownSession
	}
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.closed {
		return ErrUnknownSession
	}
	r, err := h.resolve(s.identity, kind, roomID)
	if err != nil {
		return err
	}
	if r.kind == RoomTenant {
		return ErrAccessDenied
	}

	h.mu.Lock()
	_, ok := h.removeMemberLocked(s, r.id)
	h.mu.Unlock()
	if !ok {
		return ErrNotMember
	}

	if r.kind == RoomMarket {
		h.releaseFeeds(ctx, r, s.identity.TenantID)
	}
	h.reply(s, protocol.EventRoomLeft, reqID, protocol.RoomJoined{Group: r.id, RoomType: r.kind, RoomID: roomID})
	return nil
}

func (h *Hub) releaseFeeds(ctx context.Context, r room, tenantID string) {
	if err := h.quotes.Unsubscribe(ctx, r.symbol, tenantID); err != nil {
		h.logger.Warn("Quote unsubscribe failed", zap.String("symbol", r.symbol), zap.Error(err))
	}
	if err := h.books.Unsubscribe(r.symbol); err != nil {
		h.logger.Warn("Book unsubscribe failed", zap.String("symbol", r.symbol), zap.Error(err))
	}
}

// snapshot sends the joiner the current state so it doesn't wait for a tick.
func (h *Hub) snapshot(ctx context.Context, s *session, r room) {
	switch r.kind {
	case RoomMarket:
		if q, err := h.quotes.GetQuote(ctx, r.symbol); err == nil {
			h.sendTo(s, protocol.ServerEvent{
				Event: protocol.EventMarketUpdate,
				Group: r.id,
				Data:  protocol.MarketUpdate{Symbol: r.symbol, Data: q},
			})
		}
		if b, err := h.books.GetOrderBook(ctx, r.symbol); err == nil {
			h.sendTo(s, protocol.ServerEvent{
				Event: protocol.EventOrderBookUpdate,
				Group: r.id,
				Data:  protocol.MarketUpdate{Symbol: r.symbol, Data: b},
			})
		}
	case RoomPortfolio:
		if h.portfolio == nil {
			return
		}
		user := strings.TrimPrefix(r.id, PortfolioGroup(s.identity.TenantID, ""))
		p, err := h.portfolio.GetPortfolio(ctx, s.identity.TenantID, user)
		if err != nil {
			h.logger.Warn("Portfolio snapshot failed", zap.String("group", r.id), zap.Error(err))
			return
		}
		h.sendTo(s, protocol.ServerEvent{Event: protocol.EventPortfolioUpdate, Group: r.id, Data: p})
	}
}

// Broadcast delivers to every member of groupID and mirrors the event to
// other instances. Returns the number of local sessions reached.
func (h *Hub) Broadcast(ctx context.Context, groupID, event string, data interface{}) int {
	return h.broadcast(ctx, groupID, event, data, target{})
}

func (h *Hub) broadcast(ctx context.Context, groupID, event string, data interface{}, t target) int {
	n := h.deliver(groupID, event, data, t)
	h.publishMirror(ctx, groupID, event, data, t)
	return n
}

// deliver fans one event out to the local members of a group. Each group
// numbers its own events; a full client queue drops only that client's copy.
func (h *Hub) deliver(groupID, event string, data interface{}, t target) int {
	h.mu.RLock()
	g, ok := h.groups[groupID]
	if !ok {
		h.mu.RUnlock()
		return 0
	}
	recipients := make([]*session, 0, len(g.members))
	for sid := range g.members {
		if s, ok := h.sessions[sid]; ok && t.matches(s) {
			recipients = append(recipients, s)
		}
	}
	h.mu.RUnlock()

	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	g.seq++
	b, err := json.Marshal(protocol.ServerEvent{
		Event:     event,
		Group:     groupID,
		Seq:       g.seq,
		Data:      data,
		Timestamp: h.now().UnixMilli(),
	})
	if err != nil {
		h.logger.Error("Broadcast marshal failed", zap.String("group", groupID), zap.Error(err))
		return 0
	}

	sent := 0
	for _, s := range recipients {
		if s.client.Send(b) {
			sent++
		} else {
			h.dropped.Add(1)
			h.logger.Debug("Dropped event for slow session", zap.String("session", s.id), zap.String("group", groupID))
		}
	}
	h.delivered.Add(int64(sent))
	return sent
}

func (h *Hub) publishMirror(ctx context.Context, groupID, event string, data interface{}, t target) {
	if h.mirror == nil {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	msg := bus.Message{
		Origin:    h.cfg.InstanceID,
		Group:     groupID,
		Event:     event,
		Symbol:    t.symbol,
		UserID:    t.userID,
		Payload:   payload,
		Timestamp: h.now().UnixMilli(),
	}
	if err := h.mirror.Publish(ctx, msg); err != nil {
		h.logger.Warn("Mirror publish failed, delivering locally only", zap.String("group", groupID), zap.Error(err))
	}
}

// HandleRemote delivers an event mirrored by another instance. Our own
// events are already delivered and are skipped.
func (h *Hub) HandleRemote(ctx context.Context, msg bus.Message) error {
	if msg.Origin == h.cfg.InstanceID {
		return nil
	}
	h.deliver(msg.Group, msg.Event, msg.Payload, target{symbol: msg.Symbol, userID: msg.UserID})
	return nil
}

// PublishSignal pushes a trading signal to the tenant's signal room,
// honouring each session's symbol filter.
func (h *Hub) PublishSignal(ctx context.Context, tenantID, symbol string, signal interface{}) int {
	symbol = strings.ToUpper(symbol)
	return h.broadcast(ctx, SignalsGroup(tenantID), protocol.EventTradingSignal, signal, target{symbol: symbol})
}

func (h *Hub) PublishPortfolio(ctx context.Context, tenantID, userID string, update interface{}) int {
	return h.broadcast(ctx, PortfolioGroup(tenantID, userID), protocol.EventPortfolioUpdate, update, target{})
}

// Notify reaches the whole tenant, or one user's sessions when userID is set.
func (h *Hub) Notify(ctx context.Context, tenantID, userID string, notification interface{}) int {
	return h.broadcast(ctx, TenantGroup(tenantID), protocol.EventNotification, notification, target{userID: userID})
}

// OnQuote fans a quote out to every tenant's room for the symbol. Market data
// is produced per instance so it is never mirrored.
func (h *Hub) OnQuote(q models.Quote) {
	for _, gid := range h.marketGroupIDs(q.Symbol) {
		h.deliver(gid, protocol.EventMarketUpdate, protocol.MarketUpdate{Symbol: q.Symbol, Data: q}, target{})
	}
}

func (h *Hub) OnBook(b models.OrderBook) {
	for _, gid := range h.marketGroupIDs(b.Symbol) {
		h.deliver(gid, protocol.EventOrderBookUpdate, protocol.MarketUpdate{Symbol: b.Symbol, Data: b}, target{})
	}
}

// OnFeedFailed tells every connected tenant the live feed is gone.
func (h *Hub) OnFeedFailed(err error) {
	status := protocol.FeedStatus{Status: "unavailable"}
	if err != nil {
		status.Reason = err.Error()
	}

	h.mu.RLock()
	var tenants []string
	for id, g := range h.groups {
		if g.kind == RoomTenant {
			tenants = append(tenants, id)
		}
	}
	h.mu.RUnlock()

	for _, gid := range tenants {
		h.deliver(gid, protocol.EventFeedStatus, status, target{})
	}
	h.logger.Error("Market feed unavailable, notified tenants", zap.Int("tenants", len(tenants)), zap.Error(err))
}

func (h *Hub) marketGroupIDs(symbol string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.marketGroups[symbol]))
	for id := range h.marketGroups[symbol] {
		ids = append(ids, id)
	}
	return ids
}

// Touch records client activity for the idle sweep.
func (h *Hub) Touch(sessionID string) {
	if s := h.session(sessionID); s != nil {
		s.lastActivity.Store(h.now().UnixNano())
	}
}

// SweepIdle disconnects sessions silent for longer than the idle timeout.
func (h *Hub) SweepIdle(now time.Time) int {
	cutoff := now.Add(-h.cfg.IdleTimeout).UnixNano()

	h.mu.RLock()
	var idle []string
	for id, s := range h.sessions {
		if s.lastActivity.Load() < cutoff {
			idle = append(idle, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range idle {
		h.logger.Info("Disconnecting idle session", zap.String("session", id))
		h.Unregister(id)
	}
	return len(idle)
}

// Run drives the idle sweep until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := h.SweepIdle(h.now()); n > 0 {
				h.logger.Info("Idle sweep", zap.Int("disconnected", n))
			}
		}
	}
}

// Shutdown disconnects every session.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.Unregister(id)
	}
}

type Stats struct {
	InstanceID    string `json:"instanceId"`
	Sessions      int    `json:"sessions"`
	Groups        int    `json:"groups"`
	MarketSymbols int    `json:"marketSymbols"`
	Delivered     int64  `json:"delivered"`
	Dropped       int64  `json:"dropped"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		InstanceID:    h.cfg.InstanceID,
		Sessions:      len(h.sessions),
		Groups:        len(h.groups),
		MarketSymbols: len(h.marketGroups),
		Delivered:     h.delivered.Load(),
		Dropped:       h.dropped.Load(),
	}
}

// Members lists the session ids in a group, sorted.
func (h *Hub) Members(groupID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	g, ok := h.groups[groupID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.members))
	for id := range g.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SessionGroups lists the groups a session belongs to, sorted.
func (h *Hub) SessionGroups(sessionID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(s.groups))
	for id := range s.groups {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) session(id string) *session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[id]
}

func (h *Hub) reply(s *session, event, reqID string, data interface{}) {
	h.sendTo(s, protocol.ServerEvent{Event: event, ID: reqID, Data: data})
}

func (h *Hub) sendTo(s *session, ev protocol.ServerEvent) {
	ev.Timestamp = h.now().UnixMilli()
	b, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Reply marshal failed", zap.String("event", ev.Event), zap.Error(err))
		return
	}
	if !s.client.Send(b) {
		h.dropped.Add(1)
	}
}
