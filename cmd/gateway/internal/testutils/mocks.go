package testutils

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/protocol"
	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/repository"
	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/upstream"
	"github.com/shubham-shewale/marketstream/pkg/models"
)

// MockClient simulates a connected websocket client
type MockClient struct {
	IDVal    string
	Messages []protocol.ServerEvent // Stores decoded JSON messages
	RawBytes []string               // Stores raw bytes
	Closed   bool
	Full     bool // simulate a saturated send queue
	Mu       sync.Mutex
}

func NewMockClient(id string) *MockClient {
	return &MockClient{IDVal: id, Messages: make([]protocol.ServerEvent, 0)}
}

func (m *MockClient) ID() string { return m.IDVal }

func (m *MockClient) Close() {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
}

func (m *MockClient) Send(b []byte) bool {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.Full || m.Closed {
		return false
	}
	m.RawBytes = append(m.RawBytes, string(b))

	var ev protocol.ServerEvent
	if err := json.Unmarshal(b, &ev); err == nil {
		m.Messages = append(m.Messages, ev)
	}
	return true
}

func (m *MockClient) IsClosed() bool {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Closed
}

func (m *MockClient) LastMsgType() string {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if len(m.Messages) == 0 {
		return ""
	}
	return m.Messages[len(m.Messages)-1].Event
}

// Events returns every received event of the given type, in order.
func (m *MockClient) Events(event string) []protocol.ServerEvent {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	var out []protocol.ServerEvent
	for _, ev := range m.Messages {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

func (m *MockClient) Count(event string) int { return len(m.Events(event)) }

func (m *MockClient) Reset() {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Messages = m.Messages[:0]
	m.RawBytes = m.RawBytes[:0]
}

// DecodeData re-decodes an event's generic data into target.
func DecodeData(t *testing.T, ev protocol.ServerEvent, target interface{}) {
	t.Helper()
	b, err := json.Marshal(ev.Data)
	if err != nil {
		t.Fatalf("marshal event data: %v", err)
	}
	if err := json.Unmarshal(b, target); err != nil {
		t.Fatalf("decode event data: %v", err)
	}
}

// MockCache is an in-memory repository.Cache
type MockCache struct {
	Data     map[string][]byte
	TTLs     map[string]time.Duration
	SetCount int
	FailSet  bool
	Mu       sync.Mutex
}

var _ repository.Cache = (*MockCache)(nil)

func NewMockCache() *MockCache {
	return &MockCache{Data: make(map[string][]byte), TTLs: make(map[string]time.Duration)}
}

func (m *MockCache) Get(ctx context.Context, key string) ([]byte, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	v, ok := m.Data[key]
	if !ok {
		return nil, repository.ErrCacheMiss
	}
	return v, nil
}

func (m *MockCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.FailSet {
		return errors.New("cache down")
	}
	m.Data[key] = append([]byte(nil), value...)
	m.TTLs[key] = ttl
	m.SetCount++
	return nil
}

func (m *MockCache) Delete(ctx context.Context, key string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	delete(m.Data, key)
	return nil
}

func (m *MockCache) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	out := make(map[string][]byte)
	for _, k := range keys {
		if v, ok := m.Data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *MockCache) Ping(ctx context.Context) error { return nil }
func (m *MockCache) Close() error                   { return nil }

// Evict simulates the store dropping a key.
func (m *MockCache) Evict(key string) { m.Delete(context.Background(), key) }

// MockREST simulates the vendor request/response fallback
type MockREST struct {
	Prices     map[string]float64
	Fail       map[string]bool
	FailAll    bool
	FailBatch  bool            // GetQuotes errors outright
	FailQuote  map[string]bool // GetQuote errors while GetPrice still answers
	BatchCalls int
	Calls      map[string]int
	Hold       map[string]chan struct{} // per-symbol calls block until closed
	Series     []map[string]interface{}
	Symbols    []map[string]interface{}
	Mu         sync.Mutex
}

var _ upstream.REST = (*MockREST)(nil)

func NewMockREST(prices map[string]float64) *MockREST {
	return &MockREST{
		Prices:    prices,
		Fail:      make(map[string]bool),
		FailQuote: make(map[string]bool),
		Calls:     make(map[string]int),
		Hold:      make(map[string]chan struct{}),
	}
}

// HoldSymbol makes calls for symbol block until the returned func runs.
func (m *MockREST) HoldSymbol(symbol string) (release func()) {
	ch := make(chan struct{})
	m.Mu.Lock()
	m.Hold[symbol] = ch
	m.Mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (m *MockREST) record(ctx context.Context, symbol string) error {
	m.Mu.Lock()
	m.Calls[symbol]++
	hold := m.Hold[symbol]
	m.Mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.FailAll || m.Fail[symbol] {
		return upstream.ErrUpstream
	}
	return nil
}

func (m *MockREST) SetPrice(symbol string, price float64) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Prices[symbol] = price
}

func (m *MockREST) CallCount(symbol string) int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Calls[symbol]
}

func (m *MockREST) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if err := m.record(ctx, symbol); err != nil {
		return 0, err
	}
	m.Mu.Lock()
	defer m.Mu.Unlock()
	p, ok := m.Prices[symbol]
	if !ok {
		return 0, upstream.ErrUpstream
	}
	return p, nil
}

func (m *MockREST) GetQuote(ctx context.Context, symbol string) (map[string]interface{}, error) {
	p, err := m.GetPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	m.Mu.Lock()
	failQuote := m.FailQuote[symbol]
	m.Mu.Unlock()
	if failQuote {
		return nil, upstream.ErrUpstream
	}
	return map[string]interface{}{"symbol": symbol, "close": p, "previous_close": p}, nil
}

func (m *MockREST) GetQuotes(ctx context.Context, symbols []string) ([]map[string]interface{}, error) {
	m.Mu.Lock()
	m.BatchCalls++
	failBatch := m.FailBatch
	m.Mu.Unlock()
	if failBatch {
		return nil, upstream.ErrUpstream
	}

	var out []map[string]interface{}
	for _, s := range symbols {
		if q, err := m.GetQuote(ctx, s); err == nil {
			out = append(out, q)
		}
	}
	return out, nil
}

func (m *MockREST) GetTimeSeries(ctx context.Context, symbol, interval string, size int) ([]map[string]interface{}, error) {
	if err := m.record(ctx, "series:"+symbol); err != nil {
		return nil, err
	}
	return m.Series, nil
}

func (m *MockREST) GetSymbols(ctx context.Context, exchange string) ([]map[string]interface{}, error) {
	if err := m.record(ctx, "symbols:"+exchange); err != nil {
		return nil, err
	}
	return m.Symbols, nil
}

// MockStreamConn is a scripted upstream stream connection
type MockStreamConn struct {
	Written  []upstream.ControlMessage
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once
	Mu       sync.Mutex
}

func NewMockStreamConn() *MockStreamConn {
	return &MockStreamConn{incoming: make(chan []byte, 64), closed: make(chan struct{})}
}

func (m *MockStreamConn) WriteJSON(v interface{}) error {
	select {
	case <-m.closed:
		return io.ErrClosedPipe
	default:
	}
	msg, ok := v.(upstream.ControlMessage)
	if !ok {
		return errors.New("unexpected control message type")
	}
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Written = append(m.Written, msg)
	return nil
}

func (m *MockStreamConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-m.incoming:
		return b, nil
	case <-m.closed:
		return nil, io.EOF
	}
}

func (m *MockStreamConn) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

// Push delivers a raw frame as if the vendor sent it.
func (m *MockStreamConn) Push(payload string) { m.incoming <- []byte(payload) }

// Actions returns the control messages written so far with the given action.
func (m *MockStreamConn) Actions(action string) []upstream.ControlMessage {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	var out []upstream.ControlMessage
	for _, w := range m.Written {
		if w.Action == action {
			out = append(out, w)
		}
	}
	return out
}

// MockDialer fails the first FailTimes dials (or all when FailAlways) and
// then hands out Conns in order.
type MockDialer struct {
	FailTimes  int
	FailAlways bool
	Conns      chan *MockStreamConn
	dials      int
	Mu         sync.Mutex
}

var _ upstream.Dialer = (*MockDialer)(nil)

func NewMockDialer() *MockDialer {
	return &MockDialer{Conns: make(chan *MockStreamConn, 8)}
}

func (m *MockDialer) Dial(ctx context.Context) (upstream.StreamConn, error) {
	m.Mu.Lock()
	m.dials++
	n := m.dials
	m.Mu.Unlock()

	if m.FailAlways || n <= m.FailTimes {
		return nil, errors.New("connection refused")
	}
	select {
	case c := <-m.Conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *MockDialer) Dials() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.dials
}

// MockQuoteFeed records the hub's quote demand calls.
type MockQuoteFeed struct {
	Quotes  map[string]models.Quote
	Subs    map[string]int // symbol -> outstanding subscribes
	Calls   []string
	FailSub bool
	Gate    chan struct{} // when set, Subscribe waits for it to close
	Mu      sync.Mutex
}

func NewMockQuoteFeed() *MockQuoteFeed {
	return &MockQuoteFeed{Quotes: make(map[string]models.Quote), Subs: make(map[string]int)}
}

func (m *MockQuoteFeed) Subscribe(ctx context.Context, symbol, tenantID string) error {
	m.Mu.Lock()
	gate := m.Gate
	m.Mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.FailSub {
		return errors.New("feed unavailable")
	}
	m.Subs[symbol]++
	m.Calls = append(m.Calls, "sub:"+tenantID+":"+symbol)
	return nil
}

func (m *MockQuoteFeed) Unsubscribe(ctx context.Context, symbol, tenantID string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Subs[symbol]--
	if m.Subs[symbol] <= 0 {
		delete(m.Subs, symbol)
	}
	m.Calls = append(m.Calls, "unsub:"+tenantID+":"+symbol)
	return nil
}

func (m *MockQuoteFeed) GetQuote(ctx context.Context, symbol string) (models.Quote, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	q, ok := m.Quotes[symbol]
	if !ok {
		return models.Quote{}, errors.New("no quote")
	}
	return q, nil
}

func (m *MockQuoteFeed) SetQuote(q models.Quote) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Quotes[q.Symbol] = q
}

func (m *MockQuoteFeed) SubCount(symbol string) int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Subs[symbol]
}

// MockBookFeed records the hub's book demand calls.
type MockBookFeed struct {
	Books map[string]models.OrderBook
	Subs  map[string]int
	Mu    sync.Mutex
}

func NewMockBookFeed() *MockBookFeed {
	return &MockBookFeed{Books: make(map[string]models.OrderBook), Subs: make(map[string]int)}
}

func (m *MockBookFeed) Subscribe(ctx context.Context, symbol string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Subs[symbol]++
	return nil
}

func (m *MockBookFeed) Unsubscribe(symbol string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Subs[symbol]--
	if m.Subs[symbol] <= 0 {
		delete(m.Subs, symbol)
	}
	return nil
}

func (m *MockBookFeed) GetOrderBook(ctx context.Context, symbol string) (models.OrderBook, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	b, ok := m.Books[symbol]
	if !ok {
		return models.OrderBook{}, errors.New("no book")
	}
	return b, nil
}

func (m *MockBookFeed) SetBook(b models.OrderBook) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Books[b.Symbol] = b
}

func (m *MockBookFeed) SubCount(symbol string) int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Subs[symbol]
}

func AssertTrue(t *testing.T, condition bool, msg string) {
	if !condition {
		t.Errorf("Assertion failed: %s", msg)
	}
}

// Eventually polls cond until it holds or the timeout passes.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}
