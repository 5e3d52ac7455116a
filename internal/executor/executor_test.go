package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"crossarb/internal/bus"
	"crossarb/internal/config"
	"crossarb/internal/sim"
	"crossarb/pkg/types"
)

type stubToggles struct {
	mu sync.Mutex
	on bool
}

func (s *stubToggles) AutoTrade() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}

func (s *stubToggles) set(on bool) {
	s.mu.Lock()
	s.on = on
	s.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseCfg() config.ExecutorConfig {
	return config.ExecutorConfig{
		MinRealizedPnl: 0,
		InflightTTL:    30 * time.Second,
		ToggleRefresh:  time.Second,
	}
}

func approvedOpp(buyPx, sellPx, size float64) types.Opportunity {
	e := types.ComputeEdge(buyPx, sellPx, 0)
	return types.Opportunity{
		ID:       "opp-1",
		TS:       1700000000000,
		Approved: true,
		Risk:     &types.RiskBlock{NetBps: e.NetBps},
		Payload: types.OpportunityPayload{
			Paper:   true,
			EdgeBps: e.GrossBps,
			Legs: []types.Leg{
				{Exchange: "venA", InstrumentID: "BTC-USD", Side: types.BUY, EstPx: buyPx, Size: size},
				{Exchange: "venB", InstrumentID: "BTC-USD", Side: types.SELL, EstPx: sellPx, Size: size},
			},
		},
	}
}

func readTrades(t *testing.T, m *bus.Memory, block time.Duration) []types.Trade {
	t.Helper()
	ctx := context.Background()
	if err := m.EnsureGroup(ctx, types.StreamTrades, "test"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	entries, err := m.ReadGroup(ctx, types.StreamTrades, "test", "t", 100, block)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	out := make([]types.Trade, len(entries))
	for i, e := range entries {
		if err := json.Unmarshal(e.Data, &out[i]); err != nil {
			t.Fatalf("unmarshal trade: %v", err)
		}
	}
	return out
}

// Approved path end-to-end against the simulator: both legs fill at their
// estimated prices and a profitable trade lands on arb.trades.
func TestApprovedOpportunityProducesTrade(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := bus.NewMemory()
	defer m.Close()

	exec := New(m, baseCfg(), &stubToggles{on: false}, testLogger(), "t")
	go exec.Run(ctx)
	go sim.New(m, testLogger(), "t").Run(ctx)

	if _, err := bus.AppendJSON(ctx, m, types.StreamApproved, approvedOpp(100, 101, 2)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	trades := readTrades(t, m, 3*time.Second)
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	tr := trades[0]
	if tr.Source != types.SourceExecutor || !tr.Taken || !tr.Approved {
		t.Errorf("trade flags = %+v, want taken executor trade with approved=true", tr)
	}
	if tr.Mode != types.ModePaper {
		t.Errorf("mode = %q, want paper", tr.Mode)
	}
	if tr.RealizedPnl != 2 { // (101-100) * size 2, no costs
		t.Errorf("realizedPnl = %v, want 2", tr.RealizedPnl)
	}
	if len(tr.Legs) != 2 || tr.Legs[0].Side != types.SELL {
		t.Errorf("legs = %+v, want SELL leg executed first", tr.Legs)
	}
	if tr.CorrID == "" {
		t.Error("corrId missing on trade")
	}
	if exec.OpenCount() != 0 {
		t.Errorf("inflight = %d after completion, want 0", exec.OpenCount())
	}
}

// A completed round trip at or below the PnL floor is finished quietly, with
// no trade emitted.
func TestTradeBelowFloorNotEmitted(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := bus.NewMemory()
	defer m.Close()

	cfg := baseCfg()
	cfg.MinRealizedPnl = 5
	exec := New(m, cfg, &stubToggles{on: false}, testLogger(), "t")
	go exec.Run(ctx)
	go sim.New(m, testLogger(), "t").Run(ctx)

	if _, err := bus.AppendJSON(ctx, m, types.StreamApproved, approvedOpp(100, 101, 1)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for m.StreamLen(types.StreamOrders) != 2 || exec.OpenCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("round trip never completed: orders=%d inflight=%d",
				m.StreamLen(types.StreamOrders), exec.OpenCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := m.StreamLen(types.StreamTrades); n != 0 {
		t.Errorf("trades = %d, want 0 below the floor", n)
	}
}

// A zero fill on the protective first leg abandons the attempt: no second
// order, no trade.
func TestZeroFillOnProtectiveLegAborts(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := bus.NewMemory()
	defer m.Close()

	exec := New(m, baseCfg(), &stubToggles{on: false}, testLogger(), "t")
	go exec.Run(ctx)

	if _, err := bus.AppendJSON(ctx, m, types.StreamApproved, approvedOpp(100, 101, 1)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Intercept the first order instead of running the simulator.
	m.EnsureGroup(ctx, types.StreamOrders, "test")
	entries, err := m.ReadGroup(ctx, types.StreamOrders, "test", "t", 10, 2*time.Second)
	if err != nil || len(entries) != 1 {
		t.Fatalf("orders = %d (%v), want 1", len(entries), err)
	}
	var order types.Order
	if err := json.Unmarshal(entries[0].Data, &order); err != nil {
		t.Fatalf("unmarshal order: %v", err)
	}
	if order.Payload.Side != types.SELL || order.Payload.LegIndex != 0 {
		t.Fatalf("first order = %+v, want protective SELL leg 0", order.Payload)
	}

	zero := types.Fill{
		ID:   "fill-0",
		TS:   order.TS,
		Type: types.TypeOrderFill,
		Payload: types.FillPayload{
			CorrID:        order.Payload.CorrID,
			LegIndex:      0,
			Exchange:      order.Payload.Exchange,
			InstrumentID:  order.Payload.InstrumentID,
			Side:          order.Payload.Side,
			Px:            order.Payload.EstPx,
			RequestedSize: order.Payload.Size,
			FilledSize:    0,
			Mode:          order.Payload.Mode,
		},
	}
	if _, err := bus.AppendJSON(ctx, m, types.StreamFills, zero); err != nil {
		t.Fatalf("seed fill: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for exec.OpenCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("attempt never abandoned after zero fill")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := m.StreamLen(types.StreamOrders); n != 1 {
		t.Errorf("orders = %d, want 1 (no entry leg after abort)", n)
	}
	if n := m.StreamLen(types.StreamTrades); n != 0 {
		t.Errorf("trades = %d, want 0 after abort", n)
	}
}

// Flipping autoTrade mid-flight flushes the inflight table; the late fill
// for the flushed attempt is dropped without producing a trade.
func TestToggleFlipFlushesInflight(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := bus.NewMemory()
	defer m.Close()

	tg := &stubToggles{on: true}
	exec := New(m, baseCfg(), tg, testLogger(), "t")
	go exec.Run(ctx)

	if _, err := bus.AppendJSON(ctx, m, types.StreamOpportunities, approvedOpp(100, 101, 1)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	m.EnsureGroup(ctx, types.StreamOrders, "test")
	entries, err := m.ReadGroup(ctx, types.StreamOrders, "test", "t", 10, 2*time.Second)
	if err != nil || len(entries) != 1 {
		t.Fatalf("orders = %d (%v), want 1", len(entries), err)
	}
	var order types.Order
	if err := json.Unmarshal(entries[0].Data, &order); err != nil {
		t.Fatalf("unmarshal order: %v", err)
	}
	if exec.OpenCount() != 1 {
		t.Fatalf("inflight = %d, want 1", exec.OpenCount())
	}

	tg.set(false)
	deadline := time.Now().Add(3 * time.Second)
	for exec.OpenCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("inflight never flushed after toggle flip")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The fill arrives late, after the flush.
	late := types.Fill{
		ID:   "fill-late",
		TS:   order.TS,
		Type: types.TypeOrderFill,
		Payload: types.FillPayload{
			CorrID:        order.Payload.CorrID,
			LegIndex:      0,
			Side:          order.Payload.Side,
			Px:            order.Payload.EstPx,
			RequestedSize: order.Payload.Size,
			FilledSize:    order.Payload.Size,
		},
	}
	if _, err := bus.AppendJSON(ctx, m, types.StreamFills, late); err != nil {
		t.Fatalf("seed fill: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for m.PendingLen(types.StreamFills, types.GroupExecutor) != 0 ||
		m.DeliveredLen(types.StreamFills, types.GroupExecutor) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("late fill never acked")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := m.StreamLen(types.StreamOrders); n != 1 {
		t.Errorf("orders = %d, want 1 (no resumption after flush)", n)
	}
	if n := m.StreamLen(types.StreamTrades); n != 0 {
		t.Errorf("trades = %d, want 0 after flush", n)
	}
}

// Cost fractions apply to the total filled quantity across both legs, not
// the matched size.
func TestRealizedPnlCostsTotalFilledQuantity(t *testing.T) {
	t.Parallel()

	opp := approvedOpp(100, 101, 1)
	opp.Payload.Costs = &types.Costs{Fees: 0.001}
	inf := &inflight{
		opp: opp,
		fills: []types.FillPayload{
			{Side: types.SELL, Px: 101, FilledSize: 1},
			{Side: types.BUY, Px: 100, FilledSize: 1},
		},
	}

	// gross = 1; costs = 0.001 * (1+1) * mid 100.5 = 0.201.
	got := realizedPnl(inf)
	want := 1 - 0.001*2*100.5
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("realizedPnl = %v, want %v", got, want)
	}
}

// orderRefusingBus fails every write to orders.new while behaving normally
// everywhere else.
type orderRefusingBus struct {
	bus.Bus
}

func (b *orderRefusingBus) Append(ctx context.Context, stream string, data []byte) (string, error) {
	if stream == types.StreamOrders {
		return "", errors.New("order stream unavailable")
	}
	return b.Bus.Append(ctx, stream, data)
}

// A failed order write leaves the inflight entry in place; the TTL sweep is
// what eventually clears the stalled attempt.
func TestOrderWriteFailureKeepsInflightUntilSweep(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := bus.NewMemory()
	defer m.Close()

	cfg := baseCfg()
	cfg.InflightTTL = 50 * time.Millisecond
	exec := New(&orderRefusingBus{Bus: m}, cfg, &stubToggles{on: false}, testLogger(), "t")
	go exec.Run(ctx)

	if _, err := bus.AppendJSON(ctx, m, types.StreamApproved, approvedOpp(100, 101, 1)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for exec.OpenCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("inflight = %d, want 1 surviving the failed write", exec.OpenCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := m.StreamLen(types.StreamOrders); n != 0 {
		t.Fatalf("orders = %d, want 0", n)
	}

	time.Sleep(60 * time.Millisecond)
	exec.sweep()
	if exec.OpenCount() != 0 {
		t.Errorf("inflight = %d after TTL sweep, want 0", exec.OpenCount())
	}
}

// Flush is the toggle watcher's entry point: it empties the inflight table
// so fills from the previous input selection are dropped as unknown.
func TestFlushDropsInflight(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := bus.NewMemory()
	defer m.Close()

	exec := New(m, baseCfg(), &stubToggles{on: false}, testLogger(), "t")
	go exec.Run(ctx)

	if _, err := bus.AppendJSON(ctx, m, types.StreamApproved, approvedOpp(100, 101, 1)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for exec.OpenCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("opportunity never went inflight")
		}
		time.Sleep(5 * time.Millisecond)
	}

	exec.Flush()
	if exec.OpenCount() != 0 {
		t.Errorf("inflight = %d after flush, want 0", exec.OpenCount())
	}
}

// Entries whose fills never arrive are evicted once the TTL passes.
func TestInflightTTLSweep(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := bus.NewMemory()
	defer m.Close()

	cfg := baseCfg()
	cfg.InflightTTL = 50 * time.Millisecond
	exec := New(m, cfg, &stubToggles{on: false}, testLogger(), "t")

	if _, err := bus.AppendJSON(ctx, m, types.StreamApproved, approvedOpp(100, 101, 1)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	go exec.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for exec.OpenCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("opportunity never went inflight")
		}
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(60 * time.Millisecond)
	exec.sweep()
	if exec.OpenCount() != 0 {
		t.Errorf("inflight = %d after TTL, want 0", exec.OpenCount())
	}
}
