package hub_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/auth"
	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/bus"
	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/hub"
	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/protocol"
	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/testutils"
	"github.com/shubham-shewale/marketstream/pkg/models"
)

func setup() (*hub.Hub, *testutils.MockQuoteFeed, *testutils.MockBookFeed) {
	quotes := testutils.NewMockQuoteFeed()
	books := testutils.NewMockBookFeed()
	cfg := hub.Config{
		IdleTimeout:   time.Minute,
		SweepInterval: time.Hour,
		AdminRoles:    []string{"admin"},
		InstanceID:    "gw-1",
	}
	return hub.NewHub(cfg, quotes, books, zap.NewNop()), quotes, books
}

func connect(h *hub.Hub, id, tenant, user, role string) *testutils.MockClient {
	c := testutils.NewMockClient(id)
	h.Register(c, auth.Identity{TenantID: tenant, UserID: user, Role: role})
	return c
}

func send(t *testing.T, h *hub.Hub, sessionID, event, reqID string, data interface{}) {
	t.Helper()
	ev := map[string]interface{}{"event": event, "id": reqID}
	if data != nil {
		ev["data"] = data
	}
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	h.HandleEvent(context.Background(), sessionID, b)
}

func joinMarket(t *testing.T, h *hub.Hub, sessionID, symbol string) {
	t.Helper()
	send(t, h, sessionID, protocol.EventJoinRoom, "", protocol.RoomRequest{RoomType: hub.RoomMarket, RoomID: symbol})
}

// broadcasts keeps only sequenced group events, dropping join snapshots.
func broadcasts(c *testutils.MockClient, event string) []protocol.ServerEvent {
	var out []protocol.ServerEvent
	for _, ev := range c.Events(event) {
		if ev.Seq > 0 {
			out = append(out, ev)
		}
	}
	return out
}

func lastError(t *testing.T, c *testutils.MockClient) (protocol.ServerEvent, protocol.ErrorPayload) {
	t.Helper()
	errs := c.Events(protocol.EventError)
	require.NotEmpty(t, errs, "expected an error event")
	ev := errs[len(errs)-1]
	var p protocol.ErrorPayload
	testutils.DecodeData(t, ev, &p)
	return ev, p
}

func TestHub_RegisterJoinsTenantRoom(t *testing.T) {
	h, _, _ := setup()
	c := connect(h, "s1", "acme", "u1", "trader")

	require.Equal(t, protocol.EventConnected, c.LastMsgType())
	var p protocol.ConnectedPayload
	testutils.DecodeData(t, c.Messages[0], &p)
	assert.Equal(t, "s1", p.SessionID)
	assert.Equal(t, "acme", p.TenantID)

	assert.Equal(t, []string{"tenant:acme"}, h.SessionGroups("s1"))
	assert.Equal(t, 1, h.Stats().Sessions)
}

func TestHub_JoinMarket_SubscribesAndSnapshots(t *testing.T) {
	h, quotes, books := setup()
	quotes.SetQuote(models.Quote{Symbol: "AAPL", Price: 150})
	books.SetBook(models.OrderBook{Symbol: "AAPL", Sequence: 3})
	c := connect(h, "s1", "acme", "u1", "trader")

	send(t, h, "s1", protocol.EventJoinRoom, "r1", protocol.RoomRequest{RoomType: hub.RoomMarket, RoomID: "aapl"})

	joined := c.Events(protocol.EventRoomJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "r1", joined[0].ID)
	var rj protocol.RoomJoined
	testutils.DecodeData(t, joined[0], &rj)
	assert.Equal(t, "market:acme:AAPL", rj.Group)

	snap := c.Events(protocol.EventMarketUpdate)
	require.Len(t, snap, 1)
	assert.Zero(t, snap[0].Seq, "snapshot is sent directly, not sequenced")
	var mu protocol.MarketUpdate
	testutils.DecodeData(t, snap[0], &mu)
	assert.Equal(t, "AAPL", mu.Symbol)
	assert.Equal(t, 1, c.Count(protocol.EventOrderBookUpdate))

	assert.Equal(t, 1, quotes.SubCount("AAPL"))
	assert.Equal(t, 1, books.SubCount("AAPL"))
	assert.Equal(t, []string{"sub:acme:AAPL"}, quotes.Calls)
}

func TestHub_JoinIsIdempotent(t *testing.T) {
	h, quotes, _ := setup()
	c := connect(h, "s1", "acme", "u1", "trader")

	joinMarket(t, h, "s1", "AAPL")
	joinMarket(t, h, "s1", "AAPL")

	assert.Equal(t, 1, quotes.SubCount("AAPL"), "re-join must not add feed demand")
	assert.Equal(t, 2, c.Count(protocol.EventRoomJoined))
	assert.Equal(t, []string{"s1"}, h.Members(hub.MarketGroup("acme", "AAPL")))
}

func TestHub_TenantIsolationAndGroupSequences(t *testing.T) {
	h, quotes, _ := setup()
	a := connect(h, "a1", "acme", "u1", "trader")
	b := connect(h, "b1", "globex", "u9", "trader")

	joinMarket(t, h, "a1", "AAPL")
	for i := 0; i < 3; i++ {
		h.OnQuote(models.Quote{Symbol: "AAPL", Price: 150 + float64(i)})
	}
	joinMarket(t, h, "b1", "AAPL")
	h.OnQuote(models.Quote{Symbol: "AAPL", Price: 160})

	assert.Equal(t, 2, quotes.SubCount("AAPL"), "one subscription per tenant membership")

	aSeq := []uint64{}
	for _, ev := range broadcasts(a, protocol.EventMarketUpdate) {
		assert.Equal(t, "market:acme:AAPL", ev.Group)
		aSeq = append(aSeq, ev.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4}, aSeq)

	bEvents := broadcasts(b, protocol.EventMarketUpdate)
	require.Len(t, bEvents, 1)
	assert.Equal(t, "market:globex:AAPL", bEvents[0].Group)
	assert.Equal(t, uint64(1), bEvents[0].Seq, "each group numbers its own events")

	h.Notify(context.Background(), "acme", "", map[string]string{"text": "hello"})
	assert.Equal(t, 1, a.Count(protocol.EventNotification))
	assert.Equal(t, 0, b.Count(protocol.EventNotification))
}

func TestHub_AccessControl(t *testing.T) {
	h, _, _ := setup()
	viewer := connect(h, "s1", "acme", "u1", "viewer")
	connect(h, "s2", "acme", "boss", "Admin")

	send(t, h, "s1", protocol.EventJoinRoom, "p1", protocol.RoomRequest{RoomType: hub.RoomPortfolio, RoomID: "u2"})
	ev, p := lastError(t, viewer)
	assert.Equal(t, "p1", ev.ID)
	assert.Equal(t, protocol.CodeAccessDenied, p.Code)

	send(t, h, "s1", protocol.EventJoinRoom, "a1", protocol.RoomRequest{RoomType: hub.RoomAdmin})
	_, p = lastError(t, viewer)
	assert.Equal(t, protocol.CodeAccessDenied, p.Code)
	assert.Equal(t, []string{"tenant:acme"}, h.SessionGroups("s1"), "denied joins leave membership untouched")

	send(t, h, "s1", protocol.EventSubscribePortfolio, "p2", nil)
	assert.Contains(t, h.SessionGroups("s1"), "portfolio:acme:u1")

	send(t, h, "s2", protocol.EventJoinRoom, "", protocol.RoomRequest{RoomType: hub.RoomAdmin})
	send(t, h, "s2", protocol.EventJoinRoom, "", protocol.RoomRequest{RoomType: hub.RoomPortfolio, RoomID: "u1"})
	assert.Equal(t, []string{"admin:acme", "portfolio:acme:u1", "tenant:acme"}, h.SessionGroups("s2"))
}

type portfolioStub struct{}

func (portfolioStub) GetPortfolio(ctx context.Context, tenantID, userID string) (interface{}, error) {
	return map[string]string{"tenant": tenantID, "user": userID}, nil
}

func TestHub_PortfolioSnapshotAndUpdates(t *testing.T) {
	h, _, _ := setup()
	h.SetPortfolioProvider(portfolioStub{})
	c := connect(h, "s1", "acme", "u1", "trader")

	send(t, h, "s1", protocol.EventSubscribePortfolio, "", nil)

	snap := c.Events(protocol.EventPortfolioUpdate)
	require.Len(t, snap, 1)
	var got map[string]string
	testutils.DecodeData(t, snap[0], &got)
	assert.Equal(t, "u1", got["user"])

	n := h.PublishPortfolio(context.Background(), "acme", "u1", map[string]float64{"value": 1000})
	assert.Equal(t, 1, n)
	assert.Len(t, broadcasts(c, protocol.EventPortfolioUpdate), 1)
}

func TestHub_LeaveReleasesFeedDemand(t *testing.T) {
	h, quotes, books := setup()
	c1 := connect(h, "s1", "acme", "u1", "trader")
	connect(h, "s2", "acme", "u2", "trader")

	joinMarket(t, h, "s1", "AAPL")
	joinMarket(t, h, "s2", "AAPL")
	require.Equal(t, 2, quotes.SubCount("AAPL"))

	send(t, h, "s1", protocol.EventLeaveRoom, "l1", protocol.RoomRequest{RoomType: hub.RoomMarket, RoomID: "AAPL"})
	assert.Equal(t, 1, quotes.SubCount("AAPL"))
	assert.Equal(t, []string{"s2"}, h.Members(hub.MarketGroup("acme", "AAPL")))
	left := c1.Events(protocol.EventRoomLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "l1", left[0].ID)

	send(t, h, "s2", protocol.EventUnsubscribeMarket, "", protocol.SymbolsRequest{Symbols: []string{"aapl"}})
	assert.Equal(t, 0, quotes.SubCount("AAPL"))
	assert.Equal(t, 0, books.SubCount("AAPL"))
	assert.Nil(t, h.Members(hub.MarketGroup("acme", "AAPL")), "empty group is deleted")
	assert.Equal(t, 0, h.Stats().MarketSymbols)

	send(t, h, "s1", protocol.EventLeaveRoom, "l2", protocol.RoomRequest{RoomType: hub.RoomMarket, RoomID: "AAPL"})
	_, p := lastError(t, c1)
	assert.Equal(t, protocol.CodeBadRequest, p.Code)
}

func TestHub_SubscribeMarketMany(t *testing.T) {
	h, quotes, _ := setup()
	c := connect(h, "s1", "acme", "u1", "trader")

	send(t, h, "s1", protocol.EventSubscribeMarket, "m1", protocol.SymbolsRequest{Symbols: []string{"aapl", "tsla"}})

	assert.Equal(t, 2, c.Count(protocol.EventRoomJoined))
	assert.Equal(t, 1, quotes.SubCount("AAPL"))
	assert.Equal(t, 1, quotes.SubCount("TSLA"))
	assert.Equal(t, []string{"market:acme:AAPL", "market:acme:TSLA", "tenant:acme"}, h.SessionGroups("s1"))
}

func TestHub_UnregisterReleasesEverything(t *testing.T) {
	h, quotes, books := setup()
	c := connect(h, "s1", "acme", "u1", "trader")
	joinMarket(t, h, "s1", "AAPL")
	joinMarket(t, h, "s1", "TSLA")

	h.Unregister("s1")

	assert.True(t, c.IsClosed())
	assert.Equal(t, 0, quotes.SubCount("AAPL"))
	assert.Equal(t, 0, quotes.SubCount("TSLA"))
	assert.Equal(t, 0, books.SubCount("AAPL"))
	assert.Equal(t, hub.Stats{InstanceID: "gw-1"}, stripCounters(h.Stats()))

	h.Unregister("s1")
	assert.Len(t, quotes.Calls, 4, "second unregister is a no-op")
}

func stripCounters(s hub.Stats) hub.Stats {
	s.Delivered, s.Dropped = 0, 0
	return s
}

func TestHub_SweepIdle(t *testing.T) {
	h, quotes, _ := setup()
	c1 := connect(h, "s1", "acme", "u1", "trader")
	c2 := connect(h, "s2", "acme", "u2", "trader")
	joinMarket(t, h, "s1", "AAPL")

	assert.Equal(t, 0, h.SweepIdle(time.Now().Add(30*time.Second)))
	assert.Equal(t, 2, h.SweepIdle(time.Now().Add(2*time.Minute)))

	assert.True(t, c1.IsClosed())
	assert.True(t, c2.IsClosed())
	assert.Equal(t, 0, quotes.SubCount("AAPL"))
	assert.Equal(t, 0, h.Stats().Sessions)
}

func TestHub_RunStopsOnCancel(t *testing.T) {
	h, _, _ := setup()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHub_SlowClientDoesNotBlockOthers(t *testing.T) {
	h, _, _ := setup()
	slow := connect(h, "slow", "acme", "u1", "trader")
	fast := connect(h, "fast", "acme", "u2", "trader")
	joinMarket(t, h, "slow", "AAPL")
	joinMarket(t, h, "fast", "AAPL")

	slow.Mu.Lock()
	slow.Full = true
	slow.Mu.Unlock()

	n := h.Broadcast(context.Background(), hub.MarketGroup("acme", "AAPL"), protocol.EventMarketUpdate, map[string]int{"x": 1})
	assert.Equal(t, 1, n)
	assert.Len(t, broadcasts(fast, protocol.EventMarketUpdate), 1)
	assert.GreaterOrEqual(t, h.Stats().Dropped, int64(1))
	assert.False(t, slow.IsClosed(), "a full queue drops messages, not the session")
}

func TestHub_SignalFilter(t *testing.T) {
	h, _, _ := setup()
	picky := connect(h, "s1", "acme", "u1", "trader")
	all := connect(h, "s2", "acme", "u2", "trader")

	send(t, h, "s1", protocol.EventSubscribeSignals, "", protocol.SymbolsRequest{Symbols: []string{"aapl"}})
	send(t, h, "s2", protocol.EventSubscribeSignals, "", nil)

	h.PublishSignal(context.Background(), "acme", "TSLA", map[string]string{"side": "buy"})
	h.PublishSignal(context.Background(), "acme", "aapl", map[string]string{"side": "sell"})

	assert.Len(t, picky.Events(protocol.EventTradingSignal), 1)
	assert.Len(t, all.Events(protocol.EventTradingSignal), 2)
}

func TestHub_NotifyTargetsUser(t *testing.T) {
	h, _, _ := setup()
	c1 := connect(h, "s1", "acme", "u1", "trader")
	c2 := connect(h, "s2", "acme", "u2", "trader")

	n := h.Notify(context.Background(), "acme", "u2", map[string]string{"text": "filled"})

	assert.Equal(t, 1, n)
	assert.Equal(t, 0, c1.Count(protocol.EventNotification))
	assert.Equal(t, 1, c2.Count(protocol.EventNotification))
}

type recordBus struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (r *recordBus) Publish(ctx context.Context, msg bus.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}
func (r *recordBus) Subscribe(ctx context.Context, h bus.Handler) error { <-ctx.Done(); return nil }
func (r *recordBus) Close() error                                       { return nil }

func TestHub_MirrorsAndIgnoresOwnOrigin(t *testing.T) {
	h, _, _ := setup()
	rb := &recordBus{}
	h.SetMirror(rb)
	c := connect(h, "s1", "acme", "u1", "trader")
	send(t, h, "s1", protocol.EventSubscribeSignals, "", nil)
	joinMarket(t, h, "s1", "AAPL")

	h.PublishSignal(context.Background(), "acme", "AAPL", map[string]string{"side": "buy"})
	h.OnQuote(models.Quote{Symbol: "AAPL", Price: 1})

	require.Len(t, rb.msgs, 1, "market data is not mirrored")
	mirrored := rb.msgs[0]
	assert.Equal(t, "gw-1", mirrored.Origin)
	assert.Equal(t, hub.SignalsGroup("acme"), mirrored.Group)
	assert.Equal(t, "AAPL", mirrored.Symbol)

	require.NoError(t, h.HandleRemote(context.Background(), mirrored))
	assert.Len(t, c.Events(protocol.EventTradingSignal), 1, "own echo is skipped")

	mirrored.Origin = "gw-2"
	require.NoError(t, h.HandleRemote(context.Background(), mirrored))
	signals := c.Events(protocol.EventTradingSignal)
	require.Len(t, signals, 2)
	assert.Equal(t, uint64(2), signals[1].Seq)
}

func TestHub_CrossInstanceFanOut(t *testing.T) {
	shared := bus.NewLocalBus(zap.NewNop())
	quotes, books := testutils.NewMockQuoteFeed(), testutils.NewMockBookFeed()
	h1 := hub.NewHub(hub.Config{InstanceID: "gw-1"}, quotes, books, zap.NewNop())
	h2 := hub.NewHub(hub.Config{InstanceID: "gw-2"}, quotes, books, zap.NewNop())
	h1.SetMirror(shared)
	h2.SetMirror(shared)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go shared.Subscribe(ctx, h2.HandleRemote)

	remote := connect(h2, "r1", "acme", "u1", "trader")

	testutils.Eventually(t, time.Second, func() bool {
		h1.Notify(context.Background(), "acme", "", map[string]string{"text": "ping"})
		return remote.Count(protocol.EventNotification) > 0
	}, "notification never crossed instances")
}

func TestHub_FeedFailedNotifiesTenants(t *testing.T) {
	h, _, _ := setup()
	a := connect(h, "a1", "acme", "u1", "trader")
	b := connect(h, "b1", "globex", "u2", "trader")

	h.OnFeedFailed(errors.New("stream connection failed"))

	for _, c := range []*testutils.MockClient{a, b} {
		evs := c.Events(protocol.EventFeedStatus)
		require.Len(t, evs, 1)
		var st protocol.FeedStatus
		testutils.DecodeData(t, evs[0], &st)
		assert.Equal(t, "unavailable", st.Status)
		assert.Equal(t, "stream connection failed", st.Reason)
	}
}

func TestHub_HandleEventErrors(t *testing.T) {
	h, quotes, _ := setup()
	c := connect(h, "s1", "acme", "u1", "trader")

	h.HandleEvent(context.Background(), "s1", []byte("{not json"))
	_, p := lastError(t, c)
	assert.Equal(t, protocol.CodeBadRequest, p.Code)

	send(t, h, "s1", "dance", "d1", nil)
	ev, p := lastError(t, c)
	assert.Equal(t, "d1", ev.ID)
	assert.Equal(t, protocol.CodeUnknownEvent, p.Code)

	send(t, h, "s1", protocol.EventJoinRoom, "", map[string]string{})
	_, p = lastError(t, c)
	assert.Equal(t, protocol.CodeBadRequest, p.Code)

	send(t, h, "s1", protocol.EventJoinRoom, "", protocol.RoomRequest{RoomType: hub.RoomMarket})
	_, p = lastError(t, c)
	assert.Equal(t, protocol.CodeBadRequest, p.Code)

	send(t, h, "s1", protocol.EventJoinRoom, "", protocol.RoomRequest{RoomType: "lobby"})
	_, p = lastError(t, c)
	assert.Equal(t, protocol.CodeBadRequest, p.Code)

	quotes.FailSub = true
	joinMarket(t, h, "s1", "AAPL")
	_, p = lastError(t, c)
	assert.Equal(t, protocol.CodeInternal, p.Code)
	assert.Equal(t, []string{"tenant:acme"}, h.SessionGroups("s1"))

	send(t, h, "s1", protocol.EventActivity, "", nil)
	assert.Equal(t, 6, c.Count(protocol.EventError), "activity has no reply")
	assert.False(t, c.IsClosed())
}

func TestHub_ConcurrentJoinLeave(t *testing.T) {
	h, quotes, books := setup()
	const n = 20
	for i := 0; i < n; i++ {
		connect(h, fmt.Sprintf("s%d", i), "acme", fmt.Sprintf("u%d", i), "trader")
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sid := fmt.Sprintf("s%d", i)
			for j := 0; j < 10; j++ {
				joinMarket(t, h, sid, "AAPL")
				h.OnQuote(models.Quote{Symbol: "AAPL", Price: float64(j)})
				send(t, h, sid, protocol.EventLeaveRoom, "", protocol.RoomRequest{RoomType: hub.RoomMarket, RoomID: "AAPL"})
			}
			joinMarket(t, h, sid, "AAPL")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, n, quotes.SubCount("AAPL"))

	h.Shutdown()
	assert.Equal(t, 0, quotes.SubCount("AAPL"))
	assert.Equal(t, 0, books.SubCount("AAPL"))
	assert.Equal(t, 0, h.Stats().Groups)
}

func TestHub_SlowJoinDoesNotBlockOtherSessions(t *testing.T) {
	h, quotes, _ := setup()
	connect(h, "a1", "acme", "u1", "trader")
	gate := make(chan struct{})
	quotes.Mu.Lock()
	quotes.Gate = gate
	quotes.Mu.Unlock()
	defer func() {
		select {
		case <-gate:
		default:
			close(gate)
		}
	}()

	joined := make(chan struct{})
	go func() {
		joinMarket(t, h, "a1", "AAPL")
		close(joined)
	}()
	time.Sleep(20 * time.Millisecond)

	others := make(chan struct{})
	go func() {
		connect(h, "b1", "globex", "u2", "trader")
		h.Unregister("b1")
		connect(h, "b2", "globex", "u3", "trader")
		h.SweepIdle(time.Now())
		close(others)
	}()
	select {
	case <-others:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("another tenant's register waited on a pending join")
	}

	select {
	case <-joined:
		t.Fatal("join finished before the feed answered")
	default:
	}
	close(gate)
	<-joined
	assert.Equal(t, 1, quotes.SubCount("AAPL"))
	assert.Equal(t, []string{"market:acme:AAPL", "tenant:acme"}, h.SessionGroups("a1"))
}

func TestHub_DuplicateRegisterReleasesOldSession(t *testing.T) {
	h, quotes, books := setup()
	old := connect(h, "dup", "acme", "u1", "trader")
	joinMarket(t, h, "dup", "AAPL")
	require.Equal(t, 1, quotes.SubCount("AAPL"))

	fresh := connect(h, "dup", "acme", "u1", "trader")

	assert.True(t, old.IsClosed())
	assert.False(t, fresh.IsClosed())
	assert.Equal(t, 0, quotes.SubCount("AAPL"))
	assert.Equal(t, 0, books.SubCount("AAPL"))
	assert.Equal(t, []string{"tenant:acme"}, h.SessionGroups("dup"))
	assert.Equal(t, []string{"dup"}, h.Members("tenant:acme"))

	joinMarket(t, h, "dup", "AAPL")
	assert.Equal(t, 1, quotes.SubCount("AAPL"))
}

func TestHub_LogsRejectedEvents(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	h := hub.NewHub(hub.Config{InstanceID: "gw-1"}, testutils.NewMockQuoteFeed(), testutils.NewMockBookFeed(), zap.New(core))
	connect(h, "s1", "acme", "u1", "trader")

	h.HandleEvent(context.Background(), "s1", []byte("{not json"))
	send(t, h, "s1", "dance", "", nil)

	malformed := logs.FilterMessage("Malformed client event").All()
	require.Len(t, malformed, 1)
	assert.Equal(t, "s1", malformed[0].ContextMap()["session"])

	unknown := logs.FilterMessage("Unknown client event").All()
	require.Len(t, unknown, 1)
	assert.Equal(t, "dance", unknown[0].ContextMap()["event"])
}
