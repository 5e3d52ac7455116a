package store

import (
	"context"
	"path/filepath"
	"testing"

	"crossarb/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "trades.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTrade(ts int64, pnl float64) types.Trade {
	return types.Trade{
		TS:   ts,
		Mode: types.ModePaper,
		Legs: []types.TradeLeg{
			{Exchange: "venB", InstrumentID: "BTC-USD", Side: types.SELL, Px: 101, Size: 1},
			{Exchange: "venA", InstrumentID: "BTC-USD", Side: types.BUY, Px: 100, Size: 1},
		},
		RealizedPnl: pnl,
		Taken:       true,
		Approved:    true,
		Source:      types.SourceExecutor,
		CorrID:      "corr-1",
	}
}

func TestSaveAndRecentTrades(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	for i, pnl := range []float64{1, -0.5, 2.5} {
		if err := s.SaveTrade(ctx, sampleTrade(int64(1000+i), pnl)); err != nil {
			t.Fatalf("SaveTrade: %v", err)
		}
	}

	got, err := s.RecentTrades(ctx, 10)
	if err != nil {
		t.Fatalf("RecentTrades: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].TS != 1002 || got[0].RealizedPnl != 2.5 {
		t.Errorf("newest = ts %d pnl %v, want 1002 / 2.5", got[0].TS, got[0].RealizedPnl)
	}
	tr := got[0]
	if tr.Mode != types.ModePaper || !tr.Taken || !tr.Approved || tr.Source != types.SourceExecutor {
		t.Errorf("round-tripped flags = %+v", tr)
	}
	if len(tr.Legs) != 2 || tr.Legs[0].Side != types.SELL || tr.Legs[0].Px != 101 {
		t.Errorf("round-tripped legs = %+v", tr.Legs)
	}
}

func TestRecentTradesLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	for i := 0; i < 5; i++ {
		if err := s.SaveTrade(ctx, sampleTrade(int64(i), 1)); err != nil {
			t.Fatalf("SaveTrade: %v", err)
		}
	}
	got, err := s.RecentTrades(ctx, 2)
	if err != nil {
		t.Fatalf("RecentTrades: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	s.SaveTrade(ctx, sampleTrade(100, 1))
	s.SaveTrade(ctx, sampleTrade(200, 1))

	n, err := s.Prune(ctx, 150)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	got, _ := s.RecentTrades(ctx, 10)
	if len(got) != 1 || got[0].TS != 200 {
		t.Errorf("remaining = %+v, want the ts=200 trade", got)
	}
}
