package scanner

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"crossarb/internal/bus"
	"crossarb/internal/config"
	"crossarb/pkg/types"
)

type fixedMode types.Mode

func (m fixedMode) Mode() types.Mode { return types.Mode(m) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseCfg() config.ScannerConfig {
	return config.ScannerConfig{
		VenueA:         "venA",
		VenueB:         "venB",
		ScanInterval:   50 * time.Millisecond,
		DiscoverEvery:  time.Minute,
		MaxSymbols:     50,
		MaxBookAge:     2 * time.Second,
		MinGrossBps:    5,
		MinNetBps:      1,
		EmitRatePerSec: 100,
		EmitBurst:      100,
		OrderSize:      1,
	}
}

func seedSymbols(t *testing.T, m *bus.Memory, venue string, syms []string) {
	t.Helper()
	raw, _ := json.Marshal(syms)
	if err := m.Set(context.Background(), types.SymbolsKey(venue), string(raw), 0); err != nil {
		t.Fatalf("seed symbols: %v", err)
	}
}

func seedQuote(t *testing.T, m *bus.Memory, venue, inst string, bid, ask float64, ts int64) {
	t.Helper()
	raw, _ := json.Marshal(types.QuoteSnapshot{Bid: bid, Ask: ask, TS: ts})
	if err := m.Set(context.Background(), types.QuoteKey(venue, inst), string(raw), 0); err != nil {
		t.Fatalf("seed quote: %v", err)
	}
}

func readOpportunities(t *testing.T, m *bus.Memory, stream string) []types.Opportunity {
	t.Helper()
	ctx := context.Background()
	if err := m.EnsureGroup(ctx, stream, "test"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	entries, err := m.ReadGroup(ctx, stream, "test", "t", 100, 0)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	out := make([]types.Opportunity, 0, len(entries))
	for _, e := range entries {
		var o types.Opportunity
		if err := json.Unmarshal(e.Data, &o); err != nil {
			t.Fatalf("unmarshal opportunity: %v", err)
		}
		out = append(out, o)
	}
	return out
}

func TestScanEmitsOnWideSpread(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := bus.NewMemory()
	defer m.Close()

	now, _ := m.Now(ctx)
	seedSymbols(t, m, "venA", []string{"BTC-USD"})
	seedSymbols(t, m, "venB", []string{"BTC-USD"})
	// venA ask 100, venB bid 101: ~99 bps gross buying A / selling B.
	seedQuote(t, m, "venA", "BTC-USD", 99.5, 100, now)
	seedQuote(t, m, "venB", "BTC-USD", 101, 101.5, now)

	s := New(m, baseCfg(), nil, fixedMode(types.ModePaper), testLogger())
	s.scan(ctx)

	opps := readOpportunities(t, m, types.StreamOpportunities)
	if len(opps) != 1 {
		t.Fatalf("emitted %d opportunities, want 1", len(opps))
	}
	o := opps[0]
	if o.ID == "" || o.TS == 0 {
		t.Errorf("missing id or ts: %+v", o)
	}
	if !o.Payload.Paper {
		t.Error("paper = false, want true in paper mode")
	}
	buy, sell, ok := o.BuySellLegs()
	if !ok {
		t.Fatal("opportunity missing a side")
	}
	if buy.Exchange != "venA" || buy.EstPx != 100 {
		t.Errorf("buy leg = %+v, want venA @ 100", buy)
	}
	if sell.Exchange != "venB" || sell.EstPx != 101 {
		t.Errorf("sell leg = %+v, want venB @ 101", sell)
	}
	if o.Payload.EdgeBps <= 95 || o.Payload.EdgeBps >= 105 {
		t.Errorf("edgeBps = %v, want ~99.5", o.Payload.EdgeBps)
	}

	// The risk stream gets the same entry.
	riskSide := readOpportunities(t, m, types.StreamScannerToRisk)
	if len(riskSide) != 1 || riskSide[0].ID != o.ID {
		t.Errorf("risk stream entries = %d, want the same opportunity", len(riskSide))
	}
}

func TestScanSkipsStaleQuote(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := bus.NewMemory()
	defer m.Close()

	now, _ := m.Now(ctx)
	seedSymbols(t, m, "venA", []string{"BTC-USD"})
	seedSymbols(t, m, "venB", []string{"BTC-USD"})
	seedQuote(t, m, "venA", "BTC-USD", 99.5, 100, now-5000) // older than MaxBookAge
	seedQuote(t, m, "venB", "BTC-USD", 101, 101.5, now)

	s := New(m, baseCfg(), nil, fixedMode(types.ModePaper), testLogger())
	s.scan(ctx)

	if n := m.StreamLen(types.StreamOpportunities); n != 0 {
		t.Errorf("emitted %d opportunities from a stale book, want 0", n)
	}
}

func TestScanDropsBelowThreshold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := bus.NewMemory()
	defer m.Close()

	now, _ := m.Now(ctx)
	seedSymbols(t, m, "venA", []string{"BTC-USD"})
	seedSymbols(t, m, "venB", []string{"BTC-USD"})
	// Crossed by only ~1 bp, below MinGrossBps of 5.
	seedQuote(t, m, "venA", "BTC-USD", 99.99, 100, now)
	seedQuote(t, m, "venB", "BTC-USD", 100.01, 100.02, now)

	s := New(m, baseCfg(), nil, fixedMode(types.ModePaper), testLogger())
	s.scan(ctx)

	if n := m.StreamLen(types.StreamOpportunities); n != 0 {
		t.Errorf("emitted %d opportunities below threshold, want 0", n)
	}
}

func TestScanFeesPushEdgeNegative(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := bus.NewMemory()
	defer m.Close()

	now, _ := m.Now(ctx)
	seedSymbols(t, m, "venA", []string{"BTC-USD"})
	seedSymbols(t, m, "venB", []string{"BTC-USD"})
	seedQuote(t, m, "venA", "BTC-USD", 99.5, 100, now)
	seedQuote(t, m, "venB", "BTC-USD", 101, 101.5, now)

	// ~99 bps gross, but 60 bps taker each side puts net below MinNetBps.
	venues := map[string]config.VenueConfig{
		"venA": {TakerBps: 60},
		"venB": {TakerBps: 60},
	}
	s := New(m, baseCfg(), venues, fixedMode(types.ModePaper), testLogger())
	s.scan(ctx)

	if n := m.StreamLen(types.StreamOpportunities); n != 0 {
		t.Errorf("emitted %d opportunities with negative net edge, want 0", n)
	}
}

// Config loading lowercases the venues map keys, so fees must still resolve
// for the mixed-case venue names the scanner is configured with.
func TestTakerFeesResolveLowercasedVenueKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := bus.NewMemory()
	defer m.Close()

	now, _ := m.Now(ctx)
	seedSymbols(t, m, "venA", []string{"BTC-USD"})
	seedSymbols(t, m, "venB", []string{"BTC-USD"})
	seedQuote(t, m, "venA", "BTC-USD", 99.5, 100, now)
	seedQuote(t, m, "venB", "BTC-USD", 101, 101.5, now)

	venues := map[string]config.VenueConfig{
		"vena": {TakerBps: 60},
		"venb": {TakerBps: 60},
	}
	s := New(m, baseCfg(), venues, fixedMode(types.ModePaper), testLogger())
	if s.feeA != 60 || s.feeB != 60 {
		t.Fatalf("fees = %v/%v, want 60/60 from lowercased keys", s.feeA, s.feeB)
	}
	s.scan(ctx)

	// Same book as the fee test above: the 120 bps round-trip cost must be
	// applied, killing the ~99 bps edge.
	if n := m.StreamLen(types.StreamOpportunities); n != 0 {
		t.Errorf("emitted %d opportunities, want 0 once fees resolve", n)
	}
}

// The notional gate admits on the mid price itself, independent of order
// size.
func TestScanDropsWhenMidBelowMinNotional(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := bus.NewMemory()
	defer m.Close()

	now, _ := m.Now(ctx)
	seedSymbols(t, m, "venA", []string{"BTC-USD"})
	seedSymbols(t, m, "venB", []string{"BTC-USD"})
	seedQuote(t, m, "venA", "BTC-USD", 99.5, 100, now)
	seedQuote(t, m, "venB", "BTC-USD", 101, 101.5, now)

	cfg := baseCfg()
	cfg.MinNotional = 200
	cfg.OrderSize = 5 // mid*size would clear 200, the mid itself does not
	s := New(m, cfg, nil, fixedMode(types.ModePaper), testLogger())
	s.scan(ctx)

	if n := m.StreamLen(types.StreamOpportunities); n != 0 {
		t.Errorf("emitted %d opportunities with mid below min notional, want 0", n)
	}
}

func TestScanRateLimitDropsExcess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := bus.NewMemory()
	defer m.Close()

	now, _ := m.Now(ctx)
	syms := []string{"AAA-USD", "BBB-USD", "CCC-USD"}
	seedSymbols(t, m, "venA", syms)
	seedSymbols(t, m, "venB", syms)
	for _, sym := range syms {
		seedQuote(t, m, "venA", sym, 99.5, 100, now)
		seedQuote(t, m, "venB", sym, 101, 101.5, now)
	}

	cfg := baseCfg()
	cfg.EmitRatePerSec = 0.001
	cfg.EmitBurst = 1
	s := New(m, cfg, nil, fixedMode(types.ModePaper), testLogger())
	s.scan(ctx)

	if n := m.StreamLen(types.StreamOpportunities); n != 1 {
		t.Errorf("emitted %d opportunities with burst 1, want 1", n)
	}
}

func TestDiscoverMatchesOptionEncodings(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := bus.NewMemory()
	defer m.Close()

	now, _ := m.Now(ctx)
	// Same option, different native encodings per venue, plus strays.
	seedSymbols(t, m, "venA", []string{"BTC-27SEP24-65000-C", "BTC-27SEP24-70000-C"})
	seedSymbols(t, m, "venB", []string{"BTC-USD-240927-65000-C", "ETH-USD-240927-3500-P"})
	seedQuote(t, m, "venA", "BTC-27SEP24-65000-C", 0.049, 0.05, now)
	seedQuote(t, m, "venB", "BTC-USD-240927-65000-C", 0.052, 0.053, now)

	cfg := baseCfg()
	cfg.Options = true
	s := New(m, cfg, nil, fixedMode(types.ModePaper), testLogger())
	s.scan(ctx)

	opps := readOpportunities(t, m, types.StreamOpportunities)
	if len(opps) != 1 {
		t.Fatalf("emitted %d opportunities, want 1 from the matched option", len(opps))
	}
	// Legs carry the canonical id; the native encodings exist only on the
	// venues' quote keys.
	buy, sell, _ := opps[0].BuySellLegs()
	if buy.InstrumentID != "BTC-2024-09-27-65000-C" {
		t.Errorf("buy instrument = %q, want canonical id", buy.InstrumentID)
	}
	if sell.InstrumentID != "BTC-2024-09-27-65000-C" {
		t.Errorf("sell instrument = %q, want canonical id", sell.InstrumentID)
	}
	if buy.Exchange != "venA" || sell.Exchange != "venB" {
		t.Errorf("venues = %q/%q, want venA buy, venB sell", buy.Exchange, sell.Exchange)
	}
}
