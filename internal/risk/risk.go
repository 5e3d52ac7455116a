// Package risk implements the approval gate between the scanner and the
// executor's manual-review path. It consumes scanner.to.risk, applies the
// policy thresholds to each opportunity, and republishes approved copies on
// arb.approved with the computed figures attached.
package risk

import (
	"context"
	"encoding/json"
	"log/slog"
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

// Rejection reasons, checked in this order. The first failing check wins.
const (
	ReasonPaperNotAllowed = "paper_mode_not_allowed"
	ReasonMissingSide     = "missing_side"
	ReasonSizeExceedsCap  = "size_exceeds_cap"
	ReasonEdgeBelowMin    = "edge_below_threshold"
	ReasonNetBelowMin     = "net_below_threshold"
	ReasonParseError      = "parse_error"
)

// Decision is the outcome of evaluating one opportunity.
type Decision struct {
	Approved bool
	Reason   string // set when rejected
	GrossBps float64
	NetBps   float64
	FeesBps  float64
}

// Engine consumes scanned opportunities and approves or rejects them.
type Engine struct {
	bus      bus.Bus
	cfg      config.RiskConfig
	logger   *slog.Logger
	consumer string
}

func New(b bus.Bus, cfg config.RiskConfig, logger *slog.Logger, consumer string) *Engine {
	return &Engine{
		bus:      b,
		cfg:      cfg,
		logger:   logger.With("component", "risk"),
		consumer: consumer,
	}
}

// Run consumes until ctx is cancelled. Every delivered entry is acked, even
// ones that fail to parse, so a poison entry can never wedge the group.
func (e *Engine) Run(ctx context.Context) {
	if err := e.bus.EnsureGroup(ctx, types.StreamScannerToRisk, types.GroupRisk); err != nil {
		e.logger.Error("group setup failed", "error", err)
		return
	}

	for ctx.Err() == nil {
		entries, err := e.bus.ReadGroup(ctx, types.StreamScannerToRisk, types.GroupRisk, e.consumer, readCount, readBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.BusError("read")
			e.logger.Error("read failed", "error", err)
			time.Sleep(errorPause)
			continue
		}

		for _, entry := range entries {
			e.process(ctx, entry)
			if err := e.bus.Ack(ctx, types.StreamScannerToRisk, types.GroupRisk, entry.ID); err != nil {
				metrics.BusError("ack")
				e.logger.Warn("ack failed", "id", entry.ID, "error", err)
			}
		}
	}
}

func (e *Engine) process(ctx context.Context, entry bus.Entry) {
	var opp types.Opportunity
	if err := json.Unmarshal(entry.Data, &opp); err != nil {
		metrics.RiskRejected(ReasonParseError)
		e.logger.Warn("unparseable opportunity", "id", entry.ID, "error", err)
		return
	}

	d := e.Evaluate(&opp)
	if !d.Approved {
		metrics.RiskRejected(d.Reason)
		e.logger.Debug("rejected", "id", opp.ID, "reason", d.Reason, "netBps", d.NetBps)
		return
	}

	opp.Approved = true
	opp.Risk = &types.RiskBlock{
		NetBps:           d.NetBps,
		TotalFeesLikeBps: d.FeesBps,
		EdgeMinBps:       e.cfg.EdgeMinBps,
		NetMinBps:        e.cfg.NetMinBps,
	}
	if _, err := bus.AppendJSON(ctx, e.bus, types.StreamApproved, opp); err != nil {
		metrics.BusError("append")
		e.logger.Error("approved publish failed", "id", opp.ID, "error", err)
		return
	}
	metrics.RiskApproved()
	e.logger.Info("approved", "id", opp.ID, "netBps", d.NetBps)
}

// Evaluate applies the policy checks in their fixed order and returns the
// first failure, or an approval carrying the computed edge figures.
func (e *Engine) Evaluate(opp *types.Opportunity) Decision {
	if opp.Payload.Paper && !e.cfg.AllowPaperOnly {
		return Decision{Reason: ReasonPaperNotAllowed}
	}

	buy, sell, bothSides := opp.BuySellLegs()
	if e.cfg.RequireBothSides && !bothSides {
		return Decision{Reason: ReasonMissingSide}
	}

	var total float64
	for _, l := range opp.Payload.Legs {
		total += l.Size
	}
	if e.cfg.MaxTotalSize > 0 && total > e.cfg.MaxTotalSize {
		return Decision{Reason: ReasonSizeExceedsCap}
	}

	// With both sides present the edge is recomputed from leg prices;
	// otherwise the scanner's figure is taken at face value.
	fees := types.FeesLikeBps(opp.Payload.Legs, opp.Payload.Costs)
	gross := opp.Payload.EdgeBps
	if bothSides {
		gross = types.ComputeEdge(buy.EstPx, sell.EstPx, fees).GrossBps
	}
	net := gross - fees

	if gross < e.cfg.EdgeMinBps {
		return Decision{Reason: ReasonEdgeBelowMin, GrossBps: gross, NetBps: net, FeesBps: fees}
	}
	if net < e.cfg.NetMinBps {
		return Decision{Reason: ReasonNetBelowMin, GrossBps: gross, NetBps: net, FeesBps: fees}
	}
	return Decision{Approved: true, GrossBps: gross, NetBps: net, FeesBps: fees}
}
