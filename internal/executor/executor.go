// Package executor is the router between accepted opportunities and the
// execution venue. It walks each opportunity through a sequential multi-leg
// state machine: legs are submitted one at a time in protective order, each
// next leg waiting on the previous leg's fill, and a zero fill on the
// protective leg abandons the attempt before any exposure is taken on.
//
// Which input stream feeds the executor is decided by the autoTrade toggle:
// on, it trades every scanned opportunity from arb.opportunities; off, it
// trades only risk-approved ones from arb.approved. A toggle flip flushes
// everything inflight, and late fills for flushed attempts are acked and
// dropped.
package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

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

// Toggles is the executor's view of the runtime switches.
type Toggles interface {
	AutoTrade() bool
}

// inflight tracks one opportunity mid-execution.
type inflight struct {
	opp       types.Opportunity
	legs      []types.Leg // protective submission order
	submitted int         // index of the leg awaiting its fill
	fills     []types.FillPayload
	startedAt time.Time
}

// Executor consumes opportunities, routes orders, and assembles realized
// PnL from the resulting fills.
type Executor struct {
	bus      bus.Bus
	cfg      config.ExecutorConfig
	toggles  Toggles
	logger   *slog.Logger
	consumer string

	mu       sync.Mutex
	open     map[string]*inflight // keyed by corrId
	lastAuto *bool                // stream selection seen by the previous read
}

func New(b bus.Bus, cfg config.ExecutorConfig, toggles Toggles, logger *slog.Logger, consumer string) *Executor {
	return &Executor{
		bus:      b,
		cfg:      cfg,
		toggles:  toggles,
		logger:   logger.With("component", "executor"),
		consumer: consumer,
		open:     make(map[string]*inflight),
	}
}

// Run starts the opportunity loop, the fill loop, and the TTL sweeper, and
// blocks until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) {
	for _, stream := range []string{types.StreamOpportunities, types.StreamApproved, types.StreamFills} {
		if err := e.bus.EnsureGroup(ctx, stream, types.GroupExecutor); err != nil {
			e.logger.Error("group setup failed", "stream", stream, "error", err)
			return
		}
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); e.opportunityLoop(ctx) }()
	go func() { defer wg.Done(); e.fillLoop(ctx) }()
	go func() { defer wg.Done(); e.sweepLoop(ctx) }()
	wg.Wait()
}

// ————————————————————————————————————————————————————————————————————————
// Opportunity intake
// ————————————————————————————————————————————————————————————————————————

func (e *Executor) opportunityLoop(ctx context.Context) {
	for ctx.Err() == nil {
		stream := e.selectStream()

		entries, err := e.bus.ReadGroup(ctx, stream, types.GroupExecutor, e.consumer, readCount, readBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.BusError("read")
			e.logger.Error("opportunity read failed", "stream", stream, "error", err)
			time.Sleep(errorPause)
			continue
		}

		for _, entry := range entries {
			e.accept(ctx, entry)
			if err := e.bus.Ack(ctx, stream, types.GroupExecutor, entry.ID); err != nil {
				metrics.BusError("ack")
				e.logger.Warn("ack failed", "id", entry.ID, "error", err)
			}
		}
	}
}

// selectStream maps the current autoTrade value to the input stream. When it
// observes a selection change it flushes the inflight table as a backstop;
// the prompt flush comes from the toggle watcher's change callback. The
// flush on the on-to-off edge is what cancels auto-trading mid-flight.
func (e *Executor) selectStream() string {
	auto := e.toggles.AutoTrade()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastAuto != nil && *e.lastAuto != auto {
		e.flushLocked()
	}
	e.lastAuto = &auto

	if auto {
		return types.StreamOpportunities
	}
	return types.StreamApproved
}

// Flush drops every inflight attempt. Called on autoTrade transitions so
// fills belonging to the previous input selection can no longer complete;
// their late fills are acked and dropped by onFill.
func (e *Executor) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushLocked()
}

func (e *Executor) flushLocked() {
	if len(e.open) == 0 {
		return
	}
	e.logger.Info("flushing inflight", "flushed", len(e.open))
	e.open = make(map[string]*inflight)
	metrics.SetInflightOpen(0)
}

// accept starts execution of one opportunity: fresh corrId, protective leg
// order, first leg submitted. On a failed order write the attempt stalls
// with its inflight entry in place until the TTL sweep clears it; IOC
// orders are never replayed.
func (e *Executor) accept(ctx context.Context, entry bus.Entry) {
	var opp types.Opportunity
	if err := json.Unmarshal(entry.Data, &opp); err != nil {
		e.logger.Warn("unparseable opportunity", "id", entry.ID, "error", err)
		return
	}
	if len(opp.Payload.Legs) == 0 {
		e.logger.Warn("opportunity without legs", "id", opp.ID)
		return
	}
	for _, l := range opp.Payload.Legs {
		if !l.Side.Valid() || l.Size <= 0 {
			e.logger.Warn("opportunity with invalid leg", "id", opp.ID)
			return
		}
	}

	inf := &inflight{
		opp:       opp,
		legs:      ProtectiveOrder(opp.Payload.Legs),
		startedAt: time.Now(),
	}
	corrID := uuid.NewString()

	// Register before submitting so a fast fill cannot race the table.
	e.mu.Lock()
	e.open[corrID] = inf
	metrics.SetInflightOpen(len(e.open))
	e.mu.Unlock()

	if err := e.submitLeg(ctx, corrID, inf, 0); err != nil {
		e.logger.Error("first leg submit failed, leaving entry for the sweep",
			"opp", opp.ID, "corrId", corrID, "error", err)
	}
}

func (e *Executor) submitLeg(ctx context.Context, corrID string, inf *inflight, idx int) error {
	leg := inf.legs[idx]
	now, err := e.bus.Now(ctx)
	if err != nil {
		metrics.BusError("get")
		now = inf.opp.TS
	}

	order := types.Order{
		ID:   uuid.NewString(),
		TS:   now,
		Type: types.TypeOrderNew,
		Payload: types.OrderPayload{
			CorrID:       corrID,
			LegIndex:     idx,
			TIF:          types.TIFImmediateOrCancel,
			Exchange:     leg.Exchange,
			InstrumentID: leg.InstrumentID,
			Side:         leg.Side,
			EstPx:        leg.EstPx,
			Size:         leg.Size,
			Mode:         types.ModeFromPaper(inf.opp.Payload.Paper),
		},
	}
	e.mu.Lock()
	inf.submitted = idx
	e.mu.Unlock()
	if _, err := bus.AppendJSON(ctx, e.bus, types.StreamOrders, order); err != nil {
		metrics.BusError("append")
		return err
	}
	metrics.OrderEmitted(string(leg.Side))
	e.logger.Debug("order submitted",
		"corrId", corrID,
		"leg", idx,
		"side", leg.Side,
		"instrument", leg.InstrumentID,
	)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Fill handling
// ————————————————————————————————————————————————————————————————————————

func (e *Executor) fillLoop(ctx context.Context) {
	for ctx.Err() == nil {
		entries, err := e.bus.ReadGroup(ctx, types.StreamFills, types.GroupExecutor, e.consumer, readCount, readBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.BusError("read")
			e.logger.Error("fill read failed", "error", err)
			time.Sleep(errorPause)
			continue
		}

		for _, entry := range entries {
			e.onFill(ctx, entry)
			if err := e.bus.Ack(ctx, types.StreamFills, types.GroupExecutor, entry.ID); err != nil {
				metrics.BusError("ack")
				e.logger.Warn("ack failed", "id", entry.ID, "error", err)
			}
		}
	}
}

func (e *Executor) onFill(ctx context.Context, entry bus.Entry) {
	var fill types.Fill
	if err := json.Unmarshal(entry.Data, &fill); err != nil {
		e.logger.Warn("unparseable fill", "id", entry.ID, "error", err)
		return
	}
	p := fill.Payload

	e.mu.Lock()
	inf, ok := e.open[p.CorrID]
	if !ok {
		e.mu.Unlock()
		// Flushed or expired attempt; the fill is acked and dropped.
		e.logger.Debug("fill for unknown corrId dropped", "corrId", p.CorrID)
		return
	}

	if p.LegIndex != inf.submitted {
		e.mu.Unlock()
		e.logger.Warn("fill out of step, ignoring", "corrId", p.CorrID, "leg", p.LegIndex)
		return
	}

	// A zero fill on the protective leg means no exposure exists yet; the
	// whole attempt is abandoned with nothing to unwind.
	if p.LegIndex == 0 && p.FilledSize == 0 {
		delete(e.open, p.CorrID)
		metrics.SetInflightOpen(len(e.open))
		e.mu.Unlock()
		e.logger.Info("protective leg unfilled, abandoning", "corrId", p.CorrID, "opp", inf.opp.ID)
		return
	}

	inf.fills = append(inf.fills, p)
	next := inf.submitted + 1
	done := len(inf.fills) == len(inf.legs)
	if done {
		delete(e.open, p.CorrID)
		metrics.SetInflightOpen(len(e.open))
	}
	e.mu.Unlock()

	if !done {
		if err := e.submitLeg(ctx, p.CorrID, inf, next); err != nil {
			e.logger.Error("next leg submit failed, leaving entry for the sweep",
				"corrId", p.CorrID, "error", err)
		}
		return
	}

	e.complete(ctx, p.CorrID, inf)
}

// complete computes realized PnL for a fully filled attempt and emits the
// trade when it clears the reporting floor.
func (e *Executor) complete(ctx context.Context, corrID string, inf *inflight) {
	pnl := realizedPnl(inf)

	if pnl <= e.cfg.MinRealizedPnl {
		e.logger.Info("trade below reporting floor, not emitted",
			"corrId", corrID, "pnl", pnl, "floor", e.cfg.MinRealizedPnl)
		return
	}

	now, err := e.bus.Now(ctx)
	if err != nil {
		metrics.BusError("get")
		now = inf.opp.TS
	}

	legs := make([]types.TradeLeg, len(inf.fills))
	for i, f := range inf.fills {
		legs[i] = types.TradeLegFromFill(f)
	}
	trade := types.Trade{
		TS:          now,
		Mode:        types.ModeFromPaper(inf.opp.Payload.Paper),
		Legs:        legs,
		RealizedPnl: pnl,
		Taken:       true,
		Approved:    inf.opp.Approved,
		Source:      types.SourceExecutor,
		CorrID:      corrID,
	}
	if _, err := bus.AppendJSON(ctx, e.bus, types.StreamTrades, trade); err != nil {
		metrics.BusError("append")
		e.logger.Error("trade publish failed", "corrId", corrID, "error", err)
		return
	}
	metrics.TradeEmitted(types.SourceExecutor)
	e.logger.Info("trade", "corrId", corrID, "pnl", pnl, "mode", trade.Mode)
}

// realizedPnl is the cash delta of the executed legs minus cost estimates:
// gross sums signed px*filledSize over the fills, and the opportunity's
// cost fractions apply to the total filled quantity at the opportunity mid.
func realizedPnl(inf *inflight) float64 {
	var gross, qty float64
	for _, f := range inf.fills {
		gross += f.Side.Sign() * f.Px * f.FilledSize
		qty += f.FilledSize
	}

	var mid float64
	if buy, sell, ok := inf.opp.BuySellLegs(); ok {
		mid = (buy.EstPx + sell.EstPx) / 2
	}
	fees := inf.opp.Payload.Costs.Total() * qty * mid
	return gross - fees
}

// ————————————————————————————————————————————————————————————————————————
// Inflight TTL
// ————————————————————————————————————————————————————————————————————————

// sweepLoop abandons attempts whose next fill never arrived, so a lost fill
// cannot pin an entry in the table forever.
func (e *Executor) sweepLoop(ctx context.Context) {
	interval := e.cfg.InflightTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Executor) sweep() {
	cutoff := time.Now().Add(-e.cfg.InflightTTL)

	e.mu.Lock()
	defer e.mu.Unlock()
	for corrID, inf := range e.open {
		if inf.startedAt.Before(cutoff) {
			delete(e.open, corrID)
			e.logger.Warn("inflight expired, abandoning", "corrId", corrID, "opp", inf.opp.ID)
		}
	}
	metrics.SetInflightOpen(len(e.open))
}

// OpenCount reports the size of the inflight table.
func (e *Executor) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.open)
}
