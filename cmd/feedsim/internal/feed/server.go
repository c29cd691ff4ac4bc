package feed

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server speaks the vendor's stream protocol on /stream and answers the
// REST fallback endpoints.
type Server struct {
	sim      *Simulator
	logger   *zap.Logger
	interval time.Duration
	upgrader websocket.Upgrader
	apiKey   string
}

func NewServer(sim *Simulator, interval time.Duration, apiKey string, logger *zap.Logger) *Server {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Server{
		sim:      sim,
		logger:   logger,
		interval: interval,
		apiKey:   apiKey,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream", s.authorized(s.handleStream))
	mux.HandleFunc("GET /price", s.authorized(s.handlePrice))
	mux.HandleFunc("GET /quote", s.authorized(s.handleQuote))
	mux.HandleFunc("GET /quotes", s.authorized(s.handleQuotes))
	mux.HandleFunc("GET /time_series", s.authorized(s.handleTimeSeries))
	mux.HandleFunc("GET /symbols", s.authorized(s.handleSymbols))
	return mux
}

// authorized mimics the vendor: a wrong key is a 200 with an error status.
func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.URL.Query().Get("apikey") != s.apiKey {
			writeJSON(w, map[string]interface{}{"status": "error", "code": 401, "message": "invalid api key"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	sym := r.URL.Query().Get("symbol")
	if sym == "" {
		writeJSON(w, map[string]interface{}{"status": "error", "code": 400, "message": "symbol is required"})
		return
	}
	writeJSON(w, map[string]string{"price": strconv.FormatFloat(s.sim.Price(sym), 'f', 2, 64)})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	sym := r.URL.Query().Get("symbol")
	if sym == "" {
		writeJSON(w, map[string]interface{}{"status": "error", "code": 400, "message": "symbol is required"})
		return
	}
	writeJSON(w, s.sim.Quote(sym))
}

// handleQuotes answers keyed by symbol, the vendor's batch shape.
func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]map[string]interface{})
	for _, sym := range strings.Split(r.URL.Query().Get("symbol"), ",") {
		if sym = strings.TrimSpace(sym); sym != "" {
			out[strings.ToUpper(sym)] = s.sim.Quote(sym)
		}
	}
	writeJSON(w, out)
}

func (s *Server) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	size, err := strconv.Atoi(q.Get("outputsize"))
	if err != nil || size <= 0 {
		size = 30
	}
	if size > 5000 {
		size = 5000
	}
	writeJSON(w, map[string]interface{}{
		"meta":   map[string]string{"symbol": strings.ToUpper(q.Get("symbol")), "interval": q.Get("interval")},
		"values": s.sim.Series(q.Get("symbol"), q.Get("interval"), size),
		"status": "ok",
	})
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"data": s.sim.Symbols(r.URL.Query().Get("exchange")), "status": "ok"})
}

// streamConn is one subscriber. gorilla allows a single concurrent writer.
type streamConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	mu      sync.Mutex
	symbols map[string]struct{}
}

func (c *streamConn) write(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *streamConn) subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.symbols))
	for sym := range c.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Stream upgrade failed", zap.Error(err))
		return
	}
	sc := &streamConn{conn: conn, symbols: make(map[string]struct{})}
	s.logger.Info("Stream client connected", zap.String("remote", r.RemoteAddr))

	done := make(chan struct{})
	go s.pushLoop(sc, done)

	defer func() {
		close(done)
		conn.Close()
		s.logger.Info("Stream client disconnected", zap.String("remote", r.RemoteAddr))
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg control
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.logger.Warn("Malformed control frame", zap.Error(err))
			continue
		}
		if err := s.applyControl(sc, msg); err != nil {
			return
		}
	}
}

func (s *Server) applyControl(sc *streamConn, msg control) error {
	switch msg.Action {
	case "heartbeat":
		return sc.write(map[string]string{"event": "heartbeat", "status": "ok"})

	case "subscribe", "unsubscribe":
		sc.mu.Lock()
		for _, sym := range msg.Symbols {
			sym = strings.ToUpper(strings.TrimSpace(sym))
			if sym == "" {
				continue
			}
			if msg.Action == "subscribe" {
				sc.symbols[sym] = struct{}{}
			} else {
				delete(sc.symbols, sym)
			}
		}
		sc.mu.Unlock()
		s.logger.Debug("Stream control", zap.String("action", msg.Action), zap.Strings("symbols", msg.Symbols))
		return sc.write(map[string]interface{}{"event": msg.Action + "-status", "status": "ok", "symbols": msg.Symbols})

	default:
		return sc.write(map[string]string{"event": "error", "message": "unknown action " + msg.Action})
	}
}

// pushLoop streams one tick per subscribed symbol every interval.
func (s *Server) pushLoop(sc *streamConn, done <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for _, sym := range sc.subscribed() {
				if err := sc.write(s.sim.Step(sym)); err != nil {
					return
				}
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
