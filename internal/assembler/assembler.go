// Package assembler reconstructs completed round trips directly from the
// fill stream. It is the accounting view of execution: every matched
// buy/sell fill pair becomes a trade record, persisted and republished,
// with no profitability filter applied. The executor's own trade emission
// is selective; this one is exhaustive.
package assembler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"crossarb/internal/bus"
	"crossarb/internal/config"
	"crossarb/internal/metrics"
	"crossarb/pkg/types"
)

const (
	readCount  = 50
	readBlock  = time.Second
	errorPause = 300 * time.Millisecond
)

// TradeStore persists assembled trades.
type TradeStore interface {
	SaveTrade(ctx context.Context, trade types.Trade) error
}

// pending holds the fills seen so far for one corrId, waiting for the
// opposite side.
type pending struct {
	buy, sell *types.FillPayload
	firstSeen time.Time
}

// Assembler joins fills into trades.
type Assembler struct {
	bus      bus.Bus
	cfg      config.AssemblerConfig
	store    TradeStore
	logger   *slog.Logger
	consumer string

	mu   sync.Mutex
	open map[string]*pending // keyed by corrId
}

func New(b bus.Bus, cfg config.AssemblerConfig, store TradeStore, logger *slog.Logger, consumer string) *Assembler {
	return &Assembler{
		bus:      b,
		cfg:      cfg,
		store:    store,
		logger:   logger.With("component", "assembler"),
		consumer: consumer,
		open:     make(map[string]*pending),
	}
}

// Run consumes fills until ctx is cancelled. Entries are always acked.
func (a *Assembler) Run(ctx context.Context) {
	if err := a.bus.EnsureGroup(ctx, types.StreamFills, types.GroupAssembler); err != nil {
		a.logger.Error("group setup failed", "error", err)
		return
	}

	sweepEvery := a.cfg.PendingTTL / 4
	if sweepEvery < time.Second {
		sweepEvery = time.Second
	}
	lastSweep := time.Now()

	for ctx.Err() == nil {
		entries, err := a.bus.ReadGroup(ctx, types.StreamFills, types.GroupAssembler, a.consumer, readCount, readBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.BusError("read")
			a.logger.Error("read failed", "error", err)
			time.Sleep(errorPause)
			continue
		}

		for _, entry := range entries {
			a.onFill(ctx, entry)
			if err := a.bus.Ack(ctx, types.StreamFills, types.GroupAssembler, entry.ID); err != nil {
				metrics.BusError("ack")
				a.logger.Warn("ack failed", "id", entry.ID, "error", err)
			}
		}

		if time.Since(lastSweep) >= sweepEvery {
			a.sweep()
			lastSweep = time.Now()
		}
	}
}

// onFill records one side of a pair; arrival order does not matter. Once
// both sides are present the trade is assembled and the entry cleared.
func (a *Assembler) onFill(ctx context.Context, entry bus.Entry) {
	var fill types.Fill
	if err := json.Unmarshal(entry.Data, &fill); err != nil {
		a.logger.Warn("unparseable fill", "id", entry.ID, "error", err)
		return
	}
	p := fill.Payload
	if p.CorrID == "" || !p.Side.Valid() {
		a.logger.Warn("fill without correlation or side", "id", entry.ID)
		return
	}

	a.mu.Lock()
	pd, ok := a.open[p.CorrID]
	if !ok {
		pd = &pending{firstSeen: time.Now()}
		a.open[p.CorrID] = pd
	}
	switch p.Side {
	case types.BUY:
		pd.buy = &p
	case types.SELL:
		pd.sell = &p
	}
	complete := pd.buy != nil && pd.sell != nil
	if complete {
		delete(a.open, p.CorrID)
	}
	a.mu.Unlock()

	if complete {
		a.assemble(ctx, p.CorrID, pd)
	}
}

// assemble computes the matched quantity and its PnL and emits the trade
// unconditionally. A pair that matched zero size is dropped since there is
// nothing to account for.
func (a *Assembler) assemble(ctx context.Context, corrID string, pd *pending) {
	size := pd.buy.FilledSize
	if pd.sell.FilledSize < size {
		size = pd.sell.FilledSize
	}
	if size <= 0 {
		a.logger.Debug("pair with no matched size dropped", "corrId", corrID)
		return
	}
	pnl := (pd.sell.Px - pd.buy.Px) * size

	now, err := a.bus.Now(ctx)
	if err != nil {
		metrics.BusError("get")
		now = time.Now().UnixMilli()
	}

	mode := pd.buy.Mode
	if mode == "" {
		mode = pd.sell.Mode
	}
	if mode == "" {
		mode = types.ModePaper
	}

	trade := types.Trade{
		TS:          now,
		Mode:        mode,
		Legs:        []types.TradeLeg{types.TradeLegFromFill(*pd.sell), types.TradeLegFromFill(*pd.buy)},
		RealizedPnl: pnl,
		Taken:       false,
		Approved:    false,
		Source:      types.SourceAssembler,
		CorrID:      corrID,
	}

	if err := a.store.SaveTrade(ctx, trade); err != nil {
		a.logger.Error("trade persist failed", "corrId", corrID, "error", err)
	}
	if _, err := bus.AppendJSON(ctx, a.bus, types.StreamTrades, trade); err != nil {
		metrics.BusError("append")
		a.logger.Error("trade publish failed", "corrId", corrID, "error", err)
		return
	}
	metrics.TradeEmitted(types.SourceAssembler)
	a.logger.Info("trade assembled", "corrId", corrID, "pnl", pnl, "size", size)
}

// sweep clears half-matched pairs whose other side never arrived.
func (a *Assembler) sweep() {
	cutoff := time.Now().Add(-a.cfg.PendingTTL)

	a.mu.Lock()
	defer a.mu.Unlock()
	for corrID, pd := range a.open {
		if pd.firstSeen.Before(cutoff) {
			delete(a.open, corrID)
			a.logger.Warn("half-matched pair expired", "corrId", corrID)
		}
	}
}

// PendingCount reports the number of half-matched pairs.
func (a *Assembler) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.open)
}
