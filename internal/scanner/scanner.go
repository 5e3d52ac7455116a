// Package scanner compares top-of-book quotes between two venues on a fixed
// cadence and emits arbitrage opportunities. Each tick it reads the latest
// quotes from the bus key-value view, evaluates both directional round trips
// per instrument, applies the admission thresholds, and publishes survivors
// to arb.opportunities and scanner.to.risk.
//
// Quotes arrive from market-data adapters with bus-clock timestamps, so the
// staleness check compares against the bus clock rather than local time.
package scanner

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"crossarb/internal/bus"
	"crossarb/internal/config"
	"crossarb/internal/instrument"
	"crossarb/internal/metrics"
	"crossarb/pkg/types"
)

// ModeSource reports the current execution mode; emitted opportunities carry
// its value as the paper flag.
type ModeSource interface {
	Mode() types.Mode
}

// pairing maps one tradable instrument to its native id on each venue. In
// options mode the two ids differ while the canonical id matches; otherwise
// all three are the same symbol.
type pairing struct {
	symbol  string
	nativeA string
	nativeB string
}

// Scanner periodically evaluates cross-venue spreads.
type Scanner struct {
	bus     bus.Bus
	cfg     config.ScannerConfig
	feeA    float64 // taker fee of venue A in bps
	feeB    float64
	modes   ModeSource
	logger  *slog.Logger
	limiter *rate.Limiter

	universe     []pairing
	lastDiscover time.Time
}

// New creates a scanner for the two venues in cfg. Per-venue taker fees come
// from the venues table, matched case-insensitively since config loading
// lowercases map keys; a venue without an entry trades fee-free.
func New(b bus.Bus, cfg config.ScannerConfig, venues map[string]config.VenueConfig, modes ModeSource, logger *slog.Logger) *Scanner {
	return &Scanner{
		bus:     b,
		cfg:     cfg,
		feeA:    takerBps(venues, cfg.VenueA),
		feeB:    takerBps(venues, cfg.VenueB),
		modes:   modes,
		logger:  logger.With("component", "scanner"),
		limiter: rate.NewLimiter(rate.Limit(cfg.EmitRatePerSec), cfg.EmitBurst),
	}
}

func takerBps(venues map[string]config.VenueConfig, name string) float64 {
	if v, ok := venues[name]; ok {
		return v.TakerBps
	}
	return venues[strings.ToLower(name)].TakerBps
}

// Run starts the scan loop. Blocks until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	// Immediate first scan so a fresh process starts emitting right away.
	s.scan(ctx)

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Scanner) scan(ctx context.Context) {
	now, err := s.bus.Now(ctx)
	if err != nil {
		metrics.BusError("get")
		s.logger.Error("bus clock unavailable, skipping tick", "error", err)
		return
	}

	if time.Since(s.lastDiscover) >= s.cfg.DiscoverEvery {
		if err := s.discover(ctx); err != nil {
			s.logger.Warn("universe discovery failed, keeping previous universe", "error", err)
		} else {
			s.lastDiscover = time.Now()
		}
	}
	if len(s.universe) == 0 {
		return
	}

	// One MGet for the whole universe: quote keys for venue A then venue B.
	keys := make([]string, 0, 2*len(s.universe))
	for _, p := range s.universe {
		keys = append(keys, types.QuoteKey(s.cfg.VenueA, p.nativeA))
		keys = append(keys, types.QuoteKey(s.cfg.VenueB, p.nativeB))
	}
	vals, err := s.bus.MGet(ctx, keys...)
	if err != nil {
		metrics.BusError("get")
		s.logger.Error("quote fetch failed", "error", err)
		return
	}

	for i, p := range s.universe {
		qa, ok := s.parseQuote(vals[2*i], now)
		if !ok {
			continue
		}
		qb, ok := s.parseQuote(vals[2*i+1], now)
		if !ok {
			continue
		}

		// Path A: buy on venue A at its ask, sell on venue B at its bid.
		s.evaluate(ctx, now, roundTrip{
			inst:     p.symbol,
			buyVenue: s.cfg.VenueA, buyPx: qa.Ask, buyFee: s.feeA,
			sellVenue: s.cfg.VenueB, sellPx: qb.Bid, sellFee: s.feeB,
		})
		// Path B: the reverse direction.
		s.evaluate(ctx, now, roundTrip{
			inst:     p.symbol,
			buyVenue: s.cfg.VenueB, buyPx: qb.Ask, buyFee: s.feeB,
			sellVenue: s.cfg.VenueA, sellPx: qa.Bid, sellFee: s.feeA,
		})
	}
}

// parseQuote unpacks one MGet slot and applies the staleness check. Every
// failure is counted under its drop reason.
func (s *Scanner) parseQuote(raw *string, now int64) (types.QuoteSnapshot, bool) {
	var q types.QuoteSnapshot
	if raw == nil {
		metrics.ScannerDrop("missing_quote")
		return q, false
	}
	if err := json.Unmarshal([]byte(*raw), &q); err != nil {
		metrics.ScannerDrop("parse_error")
		return q, false
	}
	if q.Bid <= 0 || q.Ask <= 0 {
		metrics.ScannerDrop("parse_error")
		return q, false
	}
	if now-q.TS > s.cfg.MaxBookAge.Milliseconds() {
		metrics.ScannerDrop("stale_book")
		return q, false
	}
	return q, true
}

// roundTrip is one directional candidate: buy on one venue, sell the paired
// instrument on the other. inst is the id the emitted legs carry, which is
// the canonical id in options mode; venue-native ids appear only on the
// quote keys.
type roundTrip struct {
	inst                string
	buyVenue, sellVenue string
	buyPx, buyFee       float64
	sellPx, sellFee     float64
}

// evaluate runs one directional round trip through the edge math and
// admission thresholds, emitting an opportunity when everything passes.
func (s *Scanner) evaluate(ctx context.Context, now int64, rt roundTrip) {
	legs := []types.Leg{
		{Exchange: rt.buyVenue, InstrumentID: rt.inst, Side: types.BUY, EstPx: rt.buyPx, Size: s.cfg.OrderSize, FeeBps: &rt.buyFee},
		{Exchange: rt.sellVenue, InstrumentID: rt.inst, Side: types.SELL, EstPx: rt.sellPx, Size: s.cfg.OrderSize, FeeBps: &rt.sellFee},
	}
	var costs *types.Costs
	if s.cfg.SlippageFrac > 0 || s.cfg.BorrowFrac > 0 {
		costs = &types.Costs{Slippage: s.cfg.SlippageFrac, Borrow: s.cfg.BorrowFrac}
	}

	e := types.ComputeEdge(rt.buyPx, rt.sellPx, types.FeesLikeBps(legs, costs))
	if e.Abs < s.cfg.MinAbsSpread ||
		e.GrossBps < s.cfg.MinGrossBps ||
		e.NetBps < s.cfg.MinNetBps ||
		e.Mid < s.cfg.MinNotional {
		metrics.ScannerDrop("below_threshold")
		return
	}

	if !s.limiter.Allow() {
		metrics.ScannerDrop("rate_limited")
		return
	}

	opp := types.Opportunity{
		ID: uuid.NewString(),
		TS: now,
		Payload: types.OpportunityPayload{
			Paper:   s.modes.Mode() == types.ModePaper,
			EdgeBps: e.GrossBps,
			Legs:    legs,
			Costs:   costs,
		},
	}
	s.emit(ctx, opp)
}

// emit publishes the opportunity on both output streams so the auto-trade
// path and the risk-review path stay fed regardless of the toggle state.
func (s *Scanner) emit(ctx context.Context, opp types.Opportunity) {
	for _, stream := range []string{types.StreamOpportunities, types.StreamScannerToRisk} {
		if _, err := bus.AppendJSON(ctx, s.bus, stream, opp); err != nil {
			metrics.BusError("append")
			s.logger.Error("opportunity publish failed", "stream", stream, "error", err)
			return
		}
	}
	metrics.OpportunityEmitted()
	s.logger.Debug("opportunity emitted",
		"id", opp.ID,
		"edgeBps", opp.Payload.EdgeBps,
		"instrument", opp.Payload.Legs[0].InstrumentID,
		"buyVenue", opp.Payload.Legs[0].Exchange,
		"sellVenue", opp.Payload.Legs[1].Exchange,
	)
}

// discover refreshes the tradable universe from each venue's symbol list.
// In options mode symbols are matched on their canonical option id, so
// venues that encode expiries differently still pair up; otherwise symbols
// match verbatim.
func (s *Scanner) discover(ctx context.Context) error {
	symsA, err := s.venueSymbols(ctx, s.cfg.VenueA)
	if err != nil {
		return err
	}
	symsB, err := s.venueSymbols(ctx, s.cfg.VenueB)
	if err != nil {
		return err
	}

	keyOf := func(sym string) (string, bool) {
		if !s.cfg.Options {
			return sym, true
		}
		return instrument.Canonicalize(sym)
	}

	byKeyA := make(map[string]string, len(symsA))
	for _, sym := range symsA {
		if k, ok := keyOf(sym); ok {
			byKeyA[k] = sym
		}
	}

	var universe []pairing
	seen := make(map[string]bool)
	for _, sym := range symsB {
		k, ok := keyOf(sym)
		if !ok || seen[k] {
			continue
		}
		nativeA, ok := byKeyA[k]
		if !ok {
			continue
		}
		seen[k] = true
		universe = append(universe, pairing{symbol: k, nativeA: nativeA, nativeB: sym})
	}

	sort.Slice(universe, func(i, j int) bool { return universe[i].symbol < universe[j].symbol })
	if len(universe) > s.cfg.MaxSymbols {
		universe = universe[:s.cfg.MaxSymbols]
	}
	s.universe = universe

	s.logger.Info("universe refreshed",
		"venueA", len(symsA),
		"venueB", len(symsB),
		"matched", len(universe),
	)
	return nil
}

func (s *Scanner) venueSymbols(ctx context.Context, venue string) ([]string, error) {
	raw, ok, err := s.bus.Get(ctx, types.SymbolsKey(venue))
	if err != nil {
		metrics.BusError("get")
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var syms []string
	if err := json.Unmarshal([]byte(raw), &syms); err != nil {
		return nil, err
	}
	return syms, nil
}
