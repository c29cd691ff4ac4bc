package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/auth"
	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/book"
	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/hub"
	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/ingest"
	"github.com/shubham-shewale/marketstream/pkg/models"
)

type Quotes interface {
	GetQuote(ctx context.Context, symbol string) (models.Quote, error)
	GetQuotes(ctx context.Context, symbols []string) map[string]models.Quote
	GetTimeSeries(ctx context.Context, symbol, interval string, size int) ([]models.Candle, error)
	GetSymbols(ctx context.Context, exchange string) ([]models.SymbolInfo, error)
}

type Books interface {
	GetOrderBook(ctx context.Context, symbol string) (models.OrderBook, error)
	GetMarketDepth(ctx context.Context, symbol string) (models.MarketDepth, error)
}

type Authenticator interface {
	Verify(raw string) (auth.Identity, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the HTTP surface reads from.
type Deps struct {
	Hub        *hub.Hub
	Quotes     Quotes
	Books      Books
	Auth       Authenticator
	Health     Pinger
	Stats      func() interface{}
	SendBuffer int
}

type Server struct {
	deps   Deps
	logger *zap.Logger
}

func NewServer(deps Deps, logger *zap.Logger) *Server {
	return &Server{deps: deps, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/quotes", s.handleQuotes)
	mux.HandleFunc("GET /api/quotes/{symbol}", s.handleQuote)
	mux.HandleFunc("GET /api/orderbook/{symbol}", s.handleOrderBook)
	mux.HandleFunc("GET /api/depth/{symbol}", s.handleDepth)
	mux.HandleFunc("GET /api/timeseries/{symbol}", s.handleTimeSeries)
	mux.HandleFunc("GET /api/symbols", s.handleSymbols)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	return mux
}

// handleWS authenticates before upgrading; a bad credential never gets a socket.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := s.deps.Auth.Verify(auth.TokenFromRequest(r))
	if err != nil {
		s.logger.Warn("Rejected connection", zap.String("remote", r.RemoteAddr), zap.Error(err))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("Upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(conn, s.deps.Hub, s.logger, s.deps.SendBuffer)
	client.Start(id)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.deps.Quotes.GetQuote(r.Context(), symbolParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

const maxQuotesPerRequest = 100

// handleQuotes answers ?symbols=A,B,C with the quotes it knows; unknown
// symbols are left out.
func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	var symbols []string
	for _, sym := range strings.Split(r.URL.Query().Get("symbols"), ",") {
		if sym = strings.ToUpper(strings.TrimSpace(sym)); sym != "" {
			symbols = append(symbols, sym)
		}
	}
	if len(symbols) == 0 || len(symbols) > maxQuotesPerRequest {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbols must list 1 to 100 symbols"})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Quotes.GetQuotes(r.Context(), symbols))
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Books.GetOrderBook(r.Context(), symbolParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleDepth(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Books.GetMarketDepth(r.Context(), symbolParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = "1min"
	}
	size := 30
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 5000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "size must be between 1 and 5000"})
			return
		}
		size = n
	}

	candles, err := s.deps.Quotes.GetTimeSeries(r.Context(), symbolParam(r), interval, size)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, candles)
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	syms, err := s.deps.Quotes.GetSymbols(r.Context(), r.URL.Query().Get("exchange"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, syms)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		writeJSON(w, http.StatusOK, s.deps.Hub.Stats())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Stats())
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, ingest.ErrNoQuote), errors.Is(err, ingest.ErrUnavailable), errors.Is(err, book.ErrBookUnavailable):
		status = http.StatusNotFound
	case errors.Is(err, ingest.ErrInvalidSymbol):
		status = http.StatusBadRequest
	}
	if status == http.StatusBadGateway {
		s.logger.Warn("Request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func symbolParam(r *http.Request) string {
	return strings.ToUpper(strings.TrimSpace(r.PathValue("symbol")))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
