package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/repository"
	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/upstream"
	"github.com/shubham-shewale/marketstream/pkg/config"
	"github.com/shubham-shewale/marketstream/pkg/models"
)

var (
	ErrConnectionFailed = errors.New("ingest: upstream connection failed")
	ErrNoQuote          = errors.New("ingest: no quote available")
	ErrNotSubscribed    = errors.New("ingest: not subscribed")
	ErrInvalidSymbol    = errors.New("ingest: invalid symbol or tenant")
)

// State of the upstream stream connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed // terminal: reconnect attempts exhausted
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

type Config struct {
	HeartbeatInterval    time.Duration
	MaxReconnectAttempts int
	Backoff              Backoff
	PollInterval         time.Duration
	BatchSize            int
	RateLimit            int
	RateWindow           time.Duration
	QuoteTTL             time.Duration
	MockFallback         bool
}

func ConfigFromUpstream(c config.UpstreamConfig) Config {
	return Config{
		HeartbeatInterval:    c.HeartbeatInterval,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		Backoff:              Backoff{Min: c.BackoffMin, Max: c.BackoffMax, Factor: 2},
		PollInterval:         c.PollInterval,
		BatchSize:            c.BatchSize,
		RateLimit:            c.RateLimit,
		RateWindow:           time.Minute,
		QuoteTTL:             c.QuoteTTL,
		MockFallback:         c.MockFallback,
	}
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.Backoff == (Backoff{}) {
		c.Backoff = DefaultBackoff()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 8
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.QuoteTTL <= 0 {
		c.QuoteTTL = time.Minute
	}
}

// subscription is the (symbol, tenant) demand for one symbol.
type subscription struct {
	tenants    map[string]int
	refs       int
	lastUpdate time.Time
}

// Manager keeps one upstream stream alive and the latest-quote cache fresh
// for every symbol somebody is subscribed to.
type Manager struct {
	cfg     Config
	logger  *zap.Logger
	cache   repository.Cache
	rest    upstream.REST
	dialer  upstream.Dialer
	limiter *RateLimiter
	now     func() time.Time

	// lifeMu serialises demand bookkeeping and the control messages it
	// produces. It is never held across a REST fetch.
	lifeMu sync.Mutex

	mu         sync.RWMutex
	subs       map[string]*subscription
	latest     map[string]models.Quote
	lastStream map[string]time.Time
	seeding    map[string]chan struct{} // closed when the symbol's seed fetch ends

	// publishMu orders cache write + propagation across producers.
	publishMu sync.Mutex

	connMu sync.Mutex
	conn   upstream.StreamConn
	state  atomic.Int32

	hooksMu    sync.RWMutex
	listeners  []func(models.Quote)
	failedFns  []func(error)
	stateFns   []func(State)
	dialCount  atomic.Int64
	sweepStats atomic.Value // SweepResult
}

func NewManager(cfg Config, cache repository.Cache, rest upstream.REST, dialer upstream.Dialer, logger *zap.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:        cfg,
		logger:     logger,
		cache:      cache,
		rest:       rest,
		dialer:     dialer,
		limiter:    NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		now:        time.Now,
		subs:       make(map[string]*subscription),
		latest:     make(map[string]models.Quote),
		lastStream: make(map[string]time.Time),
		seeding:    make(map[string]chan struct{}),
	}
}

// OnUpdate registers an in-process market-update listener. Listeners run on
// the publishing goroutine and must not call back into Subscribe/Unsubscribe.
func (m *Manager) OnUpdate(fn func(models.Quote)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// OnConnectionFailed registers a callback for the terminal connection-failed signal.
func (m *Manager) OnConnectionFailed(fn func(error)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.failedFns = append(m.failedFns, fn)
}

func (m *Manager) OnStateChange(fn func(State)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.stateFns = append(m.stateFns, fn)
}

func (m *Manager) State() State { return State(m.state.Load()) }

// Subscribe adds one unit of demand for symbol on behalf of tenantID. The
// first subscriber triggers an upstream add and a one-shot seed fetch.
//
// The seed runs outside lifeMu, so a slow vendor only delays callers
// subscribing to the same symbol; they wait for it (or their ctx) so that
// their snapshot isn't empty.
func (m *Manager) Subscribe(ctx context.Context, symbol, tenantID string) error {
	symbol = NormalizeSymbol(symbol)
	if symbol == "" || tenantID == "" {
		return ErrInvalidSymbol
	}

	m.lifeMu.Lock()
	m.mu.Lock()
	sub, exists := m.subs[symbol]
	if !exists {
		sub = &subscription{tenants: make(map[string]int)}
		m.subs[symbol] = sub
	}
	sub.tenants[tenantID]++
	sub.refs++
	pending := m.seeding[symbol]
	if !exists {
		pending = make(chan struct{})
		m.seeding[symbol] = pending
	}
	m.mu.Unlock()

	if !exists {
		m.logger.Info("Symbol activated", zap.String("symbol", symbol), zap.String("tenant", tenantID))
		m.sendControl(upstream.ActionSubscribe, symbol)
	}
	m.lifeMu.Unlock()

	if exists {
		if pending != nil {
			select {
			case <-pending:
			case <-ctx.Done():
			}
		}
		return nil
	}

	defer func() {
		m.mu.Lock()
		if m.seeding[symbol] == pending {
			delete(m.seeding, symbol)
		}
		m.mu.Unlock()
		close(pending)
	}()
	m.seed(ctx, symbol)
	return nil
}

// Unsubscribe removes one unit of demand. At zero the symbol leaves the
// upstream stream and the poll sweep.
func (m *Manager) Unsubscribe(ctx context.Context, symbol, tenantID string) error {
	symbol = NormalizeSymbol(symbol)

	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.mu.Lock()
	sub, ok := m.subs[symbol]
	if !ok || sub.tenants[tenantID] == 0 {
		m.mu.Unlock()
		return ErrNotSubscribed
	}
	sub.tenants[tenantID]--
	if sub.tenants[tenantID] == 0 {
		delete(sub.tenants, tenantID)
	}
	sub.refs--
	last := sub.refs <= 0
	if last {
		delete(m.subs, symbol)
		delete(m.lastStream, symbol)
		delete(m.latest, symbol)
	}
	m.mu.Unlock()

	if last {
		m.logger.Info("Symbol deactivated", zap.String("symbol", symbol))
		m.sendControl(upstream.ActionUnsubscribe, symbol)
	}
	return nil
}

// RefCount reports the demand for symbol, optionally for a single tenant.
func (m *Manager) RefCount(symbol, tenantID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[NormalizeSymbol(symbol)]
	if !ok {
		return 0
	}
	if tenantID != "" {
		return sub.tenants[tenantID]
	}
	return sub.refs
}

// Subscriptions lists the symbols with non-zero demand, sorted.
func (m *Manager) Subscriptions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.subs))
	for sym := range m.subs {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// GetQuote returns the last known quote: memory first, then the shared cache.
func (m *Manager) GetQuote(ctx context.Context, symbol string) (models.Quote, error) {
	symbol = NormalizeSymbol(symbol)

	m.mu.RLock()
	q, ok := m.latest[symbol]
	m.mu.RUnlock()
	if ok {
		return q, nil
	}

	b, err := m.cache.Get(ctx, repository.QuoteKey(symbol))
	if err != nil {
		if !errors.Is(err, repository.ErrCacheMiss) {
			m.logger.Warn("Quote cache read failed", zap.String("symbol", symbol), zap.Error(err))
		}
		return models.Quote{}, ErrNoQuote
	}
	if err := json.Unmarshal(b, &q); err != nil {
		return models.Quote{}, ErrNoQuote
	}
	return q, nil
}

// LatestPrice satisfies the book engine's price source.
func (m *Manager) LatestPrice(ctx context.Context, symbol string) (float64, bool) {
	q, err := m.GetQuote(ctx, symbol)
	if err != nil || q.Price <= 0 {
		return 0, false
	}
	return q.Price, true
}

// GetQuotes answers from memory first and resolves the rest with a single
// multi-get against the shared cache. Symbols without a quote are omitted.
func (m *Manager) GetQuotes(ctx context.Context, symbols []string) map[string]models.Quote {
	out := make(map[string]models.Quote, len(symbols))
	var keys []string

	m.mu.RLock()
	for _, s := range symbols {
		s = NormalizeSymbol(s)
		if s == "" {
			continue
		}
		if q, ok := m.latest[s]; ok {
			out[s] = q
			continue
		}
		keys = append(keys, repository.QuoteKey(s))
	}
	m.mu.RUnlock()

	if len(keys) == 0 {
		return out
	}
	found, err := m.cache.GetMany(ctx, keys)
	if err != nil {
		m.logger.Warn("Quote cache multi-get failed", zap.Int("keys", len(keys)), zap.Error(err))
		return out
	}
	for _, b := range found {
		var q models.Quote
		if json.Unmarshal(b, &q) == nil && q.Symbol != "" {
			out[q.Symbol] = q
		}
	}
	return out
}

// seed fetches one quote right away so the first subscriber doesn't wait for
// the next stream tick or sweep. Order: vendor quote, shared cache, vendor
// price, mock.
func (m *Manager) seed(ctx context.Context, symbol string) {
	if m.limiter.Allow() {
		q, err := m.fetchQuote(ctx, symbol, models.SourceSeed)
		if err == nil {
			m.storeQuote(ctx, q)
			return
		}
		m.logger.Warn("Seed fetch failed", zap.String("symbol", symbol), zap.Error(err))
	} else {
		m.logger.Debug("Seed fetch rate limited", zap.String("symbol", symbol))
	}

	if q, err := m.GetQuote(ctx, symbol); err == nil {
		m.mu.Lock()
		if _, active := m.subs[symbol]; active {
			if _, ok := m.latest[symbol]; !ok {
				m.latest[symbol] = q
			}
		}
		m.mu.Unlock()
		return
	}

	if m.rest != nil && m.limiter.Allow() {
		price, err := m.rest.GetPrice(ctx, symbol)
		if err == nil && price > 0 {
			m.storeQuote(ctx, quoteFromPrice(symbol, price, models.SourceSeed, m.now()))
			return
		}
		m.logger.Debug("Seed price fetch failed", zap.String("symbol", symbol), zap.Error(err))
	}

	if m.cfg.MockFallback {
		m.storeQuote(ctx, mockQuote(symbol, 0, m.now()))
	}
}

func (m *Manager) fetchQuote(ctx context.Context, symbol, source string) (models.Quote, error) {
	if m.rest == nil {
		return models.Quote{}, fmt.Errorf("%w: no rest fallback configured", upstream.ErrUpstream)
	}
	raw, err := m.rest.GetQuote(ctx, symbol)
	if err != nil {
		return models.Quote{}, err
	}
	return NormalizeQuote(raw, symbol, source, m.now())
}

// storeQuote applies the precedence policy, writes the cache and then
// propagates. Returns false when the quote was discarded.
//
// Stream quotes always win. A polled quote is dropped if a stream quote for
// the symbol landed within the last poll interval.
func (m *Manager) storeQuote(ctx context.Context, q models.Quote) bool {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	now := m.now()

	m.mu.Lock()
	sub, active := m.subs[q.Symbol]
	if !active {
		m.mu.Unlock()
		return false
	}
	if q.Source == models.SourcePoll {
		if last, ok := m.lastStream[q.Symbol]; ok && now.Sub(last) < m.cfg.PollInterval {
			m.mu.Unlock()
			return false
		}
	}
	if q.Source == models.SourceStream {
		m.lastStream[q.Symbol] = now
	}
	sub.lastUpdate = now
	m.latest[q.Symbol] = q
	m.mu.Unlock()

	if b, err := json.Marshal(q); err == nil {
		if err := m.cache.Set(ctx, repository.QuoteKey(q.Symbol), b, m.cfg.QuoteTTL); err != nil {
			m.logger.Warn("Quote cache write failed", zap.String("symbol", q.Symbol), zap.Error(err))
		}
	}

	m.hooksMu.RLock()
	listeners := append(([]func(models.Quote))(nil), m.listeners...)
	m.hooksMu.RUnlock()
	for _, fn := range listeners {
		fn(q)
	}
	return true
}

// sendControl is a no-op while disconnected; the subscription set is resent
// on every (re)connect.
func (m *Manager) sendControl(action string, symbols ...string) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.conn == nil || m.State() != StateConnected {
		return
	}
	if err := m.conn.WriteJSON(upstream.ControlMessage{Action: action, Symbols: symbols}); err != nil {
		m.logger.Warn("Upstream control write failed", zap.String("action", action), zap.Strings("symbols", symbols), zap.Error(err))
	}
}

func (m *Manager) setState(s State) {
	if State(m.state.Swap(int32(s))) == s {
		return
	}
	m.logger.Info("Upstream state", zap.Stringer("state", s))

	m.hooksMu.RLock()
	fns := append(([]func(State))(nil), m.stateFns...)
	m.hooksMu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Run drives the stream connection and the fallback sweep until ctx ends.
// When reconnect attempts are exhausted the connection-failed callbacks fire
// once and Run keeps serving cached quotes (and polling) until ctx is done,
// then returns ErrConnectionFailed.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.PollInterval > 0 && m.rest != nil {
		c := cron.New()
		spec := fmt.Sprintf("@every %s", m.cfg.PollInterval)
		if _, err := c.AddFunc(spec, func() { m.Sweep(ctx) }); err != nil {
			return fmt.Errorf("schedule sweep: %w", err)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
	}

	err := m.connectLoop(ctx)
	if errors.Is(err, ErrConnectionFailed) {
		<-ctx.Done()
	}
	return err
}

func (m *Manager) connectLoop(ctx context.Context) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			m.setState(StateDisconnected)
			return err
		}

		m.setState(StateConnecting)
		m.dialCount.Add(1)
		conn, err := m.dialer.Dial(ctx)
		if err != nil {
			failures++
			if failures >= m.cfg.MaxReconnectAttempts {
				m.fail(err, failures)
				return fmt.Errorf("%w after %d attempts: %v", ErrConnectionFailed, failures, err)
			}
			wait := m.cfg.Backoff.Next(failures)
			m.logger.Warn("Upstream dial failed", zap.Int("attempt", failures), zap.Duration("retry_in", wait), zap.Error(err))
			m.setState(StateDisconnected)
			if !sleepCtx(ctx, wait) {
				m.setState(StateDisconnected)
				return ctx.Err()
			}
			continue
		}

		failures = 0
		m.attach(conn)
		err = m.serve(ctx, conn)
		m.detach(conn)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Warn("Upstream stream closed", zap.Error(err))
		if !sleepCtx(ctx, m.cfg.Backoff.Next(1)) {
			return ctx.Err()
		}
	}
}

func (m *Manager) fail(err error, attempts int) {
	m.setState(StateFailed)
	m.logger.Error("Upstream connection failed, giving up", zap.Int("attempts", attempts), zap.Error(err))

	m.hooksMu.RLock()
	fns := append(([]func(error))(nil), m.failedFns...)
	m.hooksMu.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}

// attach publishes conn and re-sends the whole subscription set. The
// snapshot and the resend happen under lifeMu so a concurrent Unsubscribe
// can't have its remove overtaken by a stale add.
func (m *Manager) attach(conn upstream.StreamConn) {
	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()
	m.setState(StateConnected)

	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if symbols := m.Subscriptions(); len(symbols) > 0 {
		m.sendControl(upstream.ActionSubscribe, symbols...)
	}
}

func (m *Manager) detach(conn upstream.StreamConn) {
	m.connMu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.connMu.Unlock()
	conn.Close()
	m.setState(StateDisconnected)
}

// serve reads the stream until it errors; a heartbeat runs alongside.
func (m *Manager) serve(ctx context.Context, conn upstream.StreamConn) error {
	done := make(chan struct{})
	defer close(done)

	go m.heartbeat(conn, done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		quotes, err := ParseStreamEvent(payload, m.now())
		if err != nil {
			m.logger.Warn("Dropping malformed stream event", zap.Error(err))
			continue
		}
		for _, q := range quotes {
			m.storeQuote(ctx, q)
		}
	}
}

// heartbeat keeps the link alive. A failed write is not handled here: the
// reader notices the close.
func (m *Manager) heartbeat(conn upstream.StreamConn, done <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteJSON(upstream.ControlMessage{Action: upstream.ActionHeartbeat}); err != nil {
				m.logger.Debug("Heartbeat write failed", zap.Error(err))
				return
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
