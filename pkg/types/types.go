// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the pipeline: quote snapshots,
// opportunities, orders, fills, trades, and the stream/key names they live
// under on the message bus. It has no dependencies on internal packages, so
// it can be imported by any layer.
package types

import (
	"fmt"
	"strings"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a leg: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Sign returns the PnL sign convention for a side: SELL receives cash (+1),
// BUY pays cash (-1).
func (s Side) Sign() float64 {
	if s == SELL {
		return 1
	}
	return -1
}

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool {
	return s == BUY || s == SELL
}

// Mode distinguishes simulated from real execution on emitted trades.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// ModeFromPaper maps an opportunity's paper flag to a trade mode. The mode
// on a trade always comes from the opportunity that produced it, never from
// the global mode toggle at emit time.
func ModeFromPaper(paper bool) Mode {
	if paper {
		return ModePaper
	}
	return ModeLive
}

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModePaper:
		return ModePaper, nil
	case ModeLive:
		return ModeLive, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// TIFImmediateOrCancel is the only time-in-force the executor emits: any
// unfilled portion of an order is cancelled immediately by the venue.
const TIFImmediateOrCancel = "IOC"

// Trade source tags. The downstream UI filters on SourceExecutor with
// taken=true; accounting consumes trades from either source.
const (
	SourceExecutor  = "executor"
	SourceAssembler = "assembler"
)

// ————————————————————————————————————————————————————————————————————————
// Streams and key-value keys
// ————————————————————————————————————————————————————————————————————————

// Stream names. Every entry is a single `data` field holding JSON.
const (
	StreamOpportunities = "arb.opportunities" // scanner → executor (auto-trade path), UI tail
	StreamScannerToRisk = "scanner.to.risk"   // scanner → risk engine
	StreamApproved      = "arb.approved"      // risk engine → executor (manual review path)
	StreamOrders        = "orders.new"        // executor → simulator
	StreamFills         = "orders.fills"      // simulator → executor + assembler
	StreamTrades        = "arb.trades"        // executor + assembler → UI tail, accounting
)

// Consumer group names, one per consuming component.
const (
	GroupRisk      = "risk"
	GroupExecutor  = "executor"
	GroupSimulator = "sim"
	GroupAssembler = "asm"
	GroupUITail    = "ui"
)

// OrderbookStream is the per-venue mirror stream written by market-data
// adapters. The core never reads it; the scanner uses the key-value view.
func OrderbookStream(venue string) string {
	return "md.orderbook." + venue
}

// QuoteKey is the key-value slot holding the latest top-of-book for one
// instrument on one venue. Written with a TTL by external adapters.
func QuoteKey(venue, instrumentID string) string {
	return "quote:" + venue + ":" + instrumentID
}

// SymbolsKey holds the JSON array of native tradable symbols for a venue.
func SymbolsKey(venue string) string {
	return "meta:" + venue + ":symbols"
}

// Toggle keys. Externally mutable at any time; readers refresh on a short
// cadence and must not cache beyond it.
const (
	KeyAutoTrade = "toggles:autoTrade"
	KeyMode      = "toggles:mode"
)

// ————————————————————————————————————————————————————————————————————————
// Quotes
// ————————————————————————————————————————————————————————————————————————

// QuoteSnapshot is the normalized top-of-book for one (venue, instrument),
// as published by market-data adapters into the key-value view. Timestamps
// are milliseconds on the bus wall-clock, so staleness checks stay valid
// across clock-skewed processes.
type QuoteSnapshot struct {
	Bid float64 `json:"bid"`
	Ask float64 `json:"ask"`
	TS  int64   `json:"ts"`
}

// ————————————————————————————————————————————————————————————————————————
// Opportunities
// ————————————————————————————————————————————————————————————————————————

// Leg is one side of a multi-venue trade. Immutable inside an opportunity.
type Leg struct {
	Exchange     string   `json:"exchange"`
	InstrumentID string   `json:"instrumentId"`
	Side         Side     `json:"side"`
	EstPx        float64  `json:"estPx"`
	Size         float64  `json:"size"`
	FeeBps       *float64 `json:"feeBps,omitempty"`
}

// Costs are optional per-opportunity cost estimates, each expressed as a
// fraction of notional (not bps).
type Costs struct {
	Fees     float64 `json:"fees,omitempty"`
	Slippage float64 `json:"slippage,omitempty"`
	Borrow   float64 `json:"borrow,omitempty"`
}

// Total returns the summed cost fraction.
func (c *Costs) Total() float64 {
	if c == nil {
		return 0
	}
	return c.Fees + c.Slippage + c.Borrow
}

// OpportunityPayload carries the tradable content of an opportunity.
type OpportunityPayload struct {
	Paper   bool    `json:"paper"`
	EdgeBps float64 `json:"edgeBps"`
	Legs    []Leg   `json:"legs"`
	Costs   *Costs  `json:"costs,omitempty"`
}

// RiskBlock records the risk engine's computation alongside the policy
// values that were active when the opportunity was approved.
type RiskBlock struct {
	NetBps           float64 `json:"netBps"`
	TotalFeesLikeBps float64 `json:"totalFeesLikeBps"`
	EdgeMinBps       float64 `json:"edgeMinBps"`
	NetMinBps        float64 `json:"netMinBps"`
}

// Opportunity is a candidate cross-venue round-trip produced by the scanner.
// The risk engine re-emits an approved copy with Approved=true and a Risk
// block; an absent Approved flag is treated as false everywhere.
type Opportunity struct {
	ID       string             `json:"id"`
	TS       int64              `json:"ts"`
	Approved bool               `json:"approved,omitempty"`
	Risk     *RiskBlock         `json:"risk,omitempty"`
	Payload  OpportunityPayload `json:"payload"`
}

// BuySellLegs returns the first BUY and first SELL leg of the opportunity.
// ok is false unless both sides are present.
func (o *Opportunity) BuySellLegs() (buy, sell *Leg, ok bool) {
	for i := range o.Payload.Legs {
		l := &o.Payload.Legs[i]
		switch l.Side {
		case BUY:
			if buy == nil {
				buy = l
			}
		case SELL:
			if sell == nil {
				sell = l
			}
		}
	}
	return buy, sell, buy != nil && sell != nil
}

// ————————————————————————————————————————————————————————————————————————
// Edge math
// ————————————————————————————————————————————————————————————————————————

// Edge is the profitability of a buy-low / sell-high round trip, before and
// after fee-like costs.
type Edge struct {
	BuyPx    float64
	SellPx   float64
	Mid      float64 // (buyPx + sellPx) / 2
	Abs      float64 // sellPx - buyPx
	GrossBps float64 // abs / mid * 10000
	FeesBps  float64 // summed fee-like costs in bps
	NetBps   float64 // grossBps - feesBps
}

// ComputeEdge evaluates the round trip buy@buyPx / sell@sellPx against a
// total fee-like cost in bps.
func ComputeEdge(buyPx, sellPx, feesLikeBps float64) Edge {
	mid := (buyPx + sellPx) / 2
	e := Edge{
		BuyPx:   buyPx,
		SellPx:  sellPx,
		Mid:     mid,
		Abs:     sellPx - buyPx,
		FeesBps: feesLikeBps,
	}
	if mid > 0 {
		e.GrossBps = e.Abs / mid * 10000
	}
	e.NetBps = e.GrossBps - feesLikeBps
	return e
}

// FeesLikeBps derives the total fee-like cost of an opportunity in bps.
// Per-leg feeBps take precedence when any leg provides one; otherwise the
// fee fraction from Costs is scaled to bps. Slippage and borrow fractions
// always contribute.
func FeesLikeBps(legs []Leg, costs *Costs) float64 {
	var legFees float64
	anyLegFee := false
	for _, l := range legs {
		if l.FeeBps != nil {
			legFees += *l.FeeBps
			anyLegFee = true
		}
	}

	var total float64
	if anyLegFee {
		total = legFees
	} else if costs != nil {
		total = costs.Fees * 10000
	}
	if costs != nil {
		total += costs.Slippage*10000 + costs.Borrow*10000
	}
	return total
}

// EdgeOf computes the edge of an opportunity from its BUY and SELL legs.
// ok is false when either side is missing.
func (o *Opportunity) EdgeOf() (Edge, bool) {
	buy, sell, ok := o.BuySellLegs()
	if !ok {
		return Edge{}, false
	}
	return ComputeEdge(buy.EstPx, sell.EstPx, FeesLikeBps(o.Payload.Legs, o.Payload.Costs)), true
}

// ————————————————————————————————————————————————————————————————————————
// Orders and fills
// ————————————————————————————————————————————————————————————————————————

// OrderPayload identifies one leg of an inflight opportunity. corrId ties
// the order and its fill back to the executor's inflight entry; legIndex is
// the position in the protective-first leg ordering.
type OrderPayload struct {
	CorrID       string  `json:"corrId"`
	LegIndex     int     `json:"legIndex"`
	TIF          string  `json:"tif"`
	Exchange     string  `json:"exchange"`
	InstrumentID string  `json:"instrumentId"`
	Side         Side    `json:"side"`
	EstPx        float64 `json:"estPx"`
	Size         float64 `json:"size"`
	Mode         Mode    `json:"mode,omitempty"`
}

// Order is emitted by the executor on orders.new and consumed by the
// simulator. IOC semantics make order replay incorrect, so orders are
// never retried.
type Order struct {
	ID      string       `json:"id"`
	TS      int64        `json:"ts"`
	Type    string       `json:"type"` // "order.new"
	Payload OrderPayload `json:"payload"`
}

// TypeOrderNew is the envelope tag for Order entries.
const TypeOrderNew = "order.new"

// FillPayload reports the executed quantity for one order. The simulator
// emits at most one fill per (corrId, legIndex).
type FillPayload struct {
	CorrID        string  `json:"corrId"`
	LegIndex      int     `json:"legIndex"`
	Exchange      string  `json:"exchange"`
	InstrumentID  string  `json:"instrumentId"`
	Side          Side    `json:"side"`
	Px            float64 `json:"px"`
	RequestedSize float64 `json:"requestedSize"`
	FilledSize    float64 `json:"filledSize"`
	Mode          Mode    `json:"mode,omitempty"`
}

// Fill is emitted by the simulator on orders.fills and consumed by both the
// executor and the assembler.
type Fill struct {
	ID      string      `json:"id"`
	TS      int64       `json:"ts"`
	Type    string      `json:"type"` // "order.fill"
	Payload FillPayload `json:"payload"`
}

// TypeOrderFill is the envelope tag for Fill entries.
const TypeOrderFill = "order.fill"

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// TradeLeg is one executed side of a completed trade.
type TradeLeg struct {
	Exchange     string  `json:"exchange"`
	InstrumentID string  `json:"instrumentId"`
	Side         Side    `json:"side"`
	Px           float64 `json:"px"`
	Size         float64 `json:"size"`
}

// TradeLegFromFill converts an executed fill into a trade leg.
func TradeLegFromFill(f FillPayload) TradeLeg {
	return TradeLeg{
		Exchange:     f.Exchange,
		InstrumentID: f.InstrumentID,
		Side:         f.Side,
		Px:           f.Px,
		Size:         f.FilledSize,
	}
}

// Trade is the terminal record of a completed round trip, emitted on
// arb.trades and persisted. Mode always reflects the opportunity's paper
// flag. Source distinguishes the executor's filtered path from the
// assembler's unfiltered reconstruction.
type Trade struct {
	TS          int64      `json:"ts"`
	Mode        Mode       `json:"mode"`
	Legs        []TradeLeg `json:"legs"`
	RealizedPnl float64    `json:"realizedPnl"`
	Taken       bool       `json:"taken"`
	Approved    bool       `json:"approved"`
	Source      string     `json:"source"`
	CorrID      string     `json:"corrId,omitempty"`
}
