package ingest

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shubham-shewale/marketstream/pkg/models"
)

// SweepResult summarises one fallback sweep.
type SweepResult struct {
	Candidates int
	Fetched    int
	Skipped    int // rate limited
	Failed     int
	Discarded  int // superseded by a stream update
	At         time.Time
}

// Sweep re-fetches subscribed symbols the stream hasn't refreshed within the
// poll interval, one vendor batch call per batch. Every symbol costs one
// rate-limit credit; symbols without a credit are skipped until the next
// sweep. One symbol's failure never affects the rest of its batch.
func (m *Manager) Sweep(ctx context.Context) SweepResult {
	res := SweepResult{At: m.now()}
	if m.rest == nil {
		return res
	}
	candidates := m.pollCandidates()
	res.Candidates = len(candidates)

	var fetched, failed, discarded atomic.Int64
	store := func(q models.Quote) {
		if m.storeQuote(ctx, q) {
			fetched.Add(1)
		} else {
			discarded.Add(1)
		}
	}

	for start := 0; start < len(candidates); start += m.cfg.BatchSize {
		end := start + m.cfg.BatchSize
		if end > len(candidates) {
			end = len(candidates)
		}

		batch := make([]string, 0, end-start)
		for _, symbol := range candidates[start:end] {
			if !m.limiter.Allow() {
				res.Skipped++
				continue
			}
			batch = append(batch, symbol)
		}
		if len(batch) > 0 {
			failed.Add(int64(m.pollBatch(ctx, batch, store)))
		}
	}

	res.Fetched = int(fetched.Load())
	res.Failed = int(failed.Load())
	res.Discarded = int(discarded.Load())
	if res.Skipped > 0 {
		m.logger.Debug("Sweep skipped rate-limited symbols", zap.Int("skipped", res.Skipped))
	}
	m.sweepStats.Store(res)
	return res
}

// pollBatch fetches batch with one GetQuotes call. If the batch call itself
// fails, each symbol is fetched on its own with the credits already taken.
// Returns the number of symbols that produced no quote.
func (m *Manager) pollBatch(ctx context.Context, batch []string, store func(models.Quote)) int {
	raws, err := m.rest.GetQuotes(ctx, batch)
	if err != nil {
		m.logger.Warn("Batch poll failed, fetching symbols one by one", zap.Strings("symbols", batch), zap.Error(err))

		var failed atomic.Int64
		var g errgroup.Group
		for _, symbol := range batch {
			symbol := symbol
			g.Go(func() error {
				q, err := m.fetchQuote(ctx, symbol, models.SourcePoll)
				if err != nil {
					failed.Add(1)
					m.logger.Warn("Poll fetch failed", zap.String("symbol", symbol), zap.Error(err))
					return nil
				}
				store(q)
				return nil
			})
		}
		g.Wait()
		return int(failed.Load())
	}

	missing := make(map[string]struct{}, len(batch))
	for _, s := range batch {
		missing[s] = struct{}{}
	}
	fallback := ""
	if len(batch) == 1 {
		fallback = batch[0]
	}
	now := m.now()
	for _, raw := range raws {
		q, err := NormalizeQuote(raw, fallback, models.SourcePoll, now)
		if err != nil {
			m.logger.Debug("Dropping malformed batch quote", zap.Error(err))
			continue
		}
		if _, ok := missing[q.Symbol]; !ok {
			continue
		}
		delete(missing, q.Symbol)
		store(q)
	}
	for symbol := range missing {
		m.logger.Warn("Poll returned no quote", zap.String("symbol", symbol))
	}
	return len(missing)
}

// pollCandidates are the subscribed symbols without a fresh stream update.
func (m *Manager) pollCandidates() []string {
	now := m.now()
	all := m.Subscriptions()

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := all[:0]
	for _, sym := range all {
		if last, ok := m.lastStream[sym]; ok && now.Sub(last) < m.cfg.PollInterval {
			continue
		}
		out = append(out, sym)
	}
	return out
}

// Stats is a point-in-time view for health endpoints.
type Stats struct {
	State         string      `json:"state"`
	Subscriptions int         `json:"subscriptions"`
	DialAttempts  int64       `json:"dialAttempts"`
	RateRemaining int         `json:"rateRemaining"`
	LastSweep     SweepResult `json:"lastSweep"`
}

func (m *Manager) Stats() Stats {
	s := Stats{
		State:         m.State().String(),
		Subscriptions: len(m.Subscriptions()),
		DialAttempts:  m.dialCount.Load(),
		RateRemaining: m.limiter.Remaining(),
	}
	if v, ok := m.sweepStats.Load().(SweepResult); ok {
		s.LastSweep = v
	}
	return s
}
