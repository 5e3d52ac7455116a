package types

import (
	"encoding/json"
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSideSign(t *testing.T) {
	t.Parallel()

	if got := SELL.Sign(); got != 1 {
		t.Errorf("SELL.Sign() = %v, want 1", got)
	}
	if got := BUY.Sign(); got != -1 {
		t.Errorf("BUY.Sign() = %v, want -1", got)
	}
}

func TestModeFromPaper(t *testing.T) {
	t.Parallel()

	if ModeFromPaper(true) != ModePaper {
		t.Error("paper flag true should map to paper mode")
	}
	if ModeFromPaper(false) != ModeLive {
		t.Error("paper flag false should map to live mode")
	}
}

func TestComputeEdge(t *testing.T) {
	t.Parallel()

	// buy 100 / sell 101: mid 100.5, abs 1, gross = 1/100.5*10000.
	e := ComputeEdge(100, 101, 3)
	if !almostEqual(e.Mid, 100.5) {
		t.Errorf("mid = %v, want 100.5", e.Mid)
	}
	if !almostEqual(e.Abs, 1) {
		t.Errorf("abs = %v, want 1", e.Abs)
	}
	wantGross := 1.0 / 100.5 * 10000
	if !almostEqual(e.GrossBps, wantGross) {
		t.Errorf("grossBps = %v, want %v", e.GrossBps, wantGross)
	}
	if !almostEqual(e.NetBps, wantGross-3) {
		t.Errorf("netBps = %v, want gross minus 3", e.NetBps)
	}
}

func TestComputeEdgeNegativeSpread(t *testing.T) {
	t.Parallel()

	e := ComputeEdge(101, 100, 0)
	if e.GrossBps >= 0 {
		t.Errorf("grossBps = %v, want negative for an inverted book", e.GrossBps)
	}
}

func TestComputeEdgeZeroMid(t *testing.T) {
	t.Parallel()

	e := ComputeEdge(0, 0, 0)
	if e.GrossBps != 0 {
		t.Errorf("grossBps = %v, want 0 when mid is 0", e.GrossBps)
	}
}

func fee(bps float64) *float64 { return &bps }

func TestFeesLikeBpsLegFeesTakePrecedence(t *testing.T) {
	t.Parallel()

	legs := []Leg{
		{Side: BUY, FeeBps: fee(2)},
		{Side: SELL, FeeBps: fee(3)},
	}
	costs := &Costs{Fees: 0.01, Slippage: 0.0001, Borrow: 0.0002}

	// Leg fees (5 bps) replace the fee fraction; slippage and borrow still
	// convert to bps and add on.
	got := FeesLikeBps(legs, costs)
	want := 5.0 + 1 + 2
	if !almostEqual(got, want) {
		t.Errorf("FeesLikeBps = %v, want %v", got, want)
	}
}

func TestFeesLikeBpsFallsBackToCostFraction(t *testing.T) {
	t.Parallel()

	legs := []Leg{{Side: BUY}, {Side: SELL}}
	costs := &Costs{Fees: 0.001}
	if got := FeesLikeBps(legs, costs); !almostEqual(got, 10) {
		t.Errorf("FeesLikeBps = %v, want 10 from the fee fraction", got)
	}
	if got := FeesLikeBps(legs, nil); got != 0 {
		t.Errorf("FeesLikeBps = %v, want 0 with no costs anywhere", got)
	}
}

func TestBuySellLegs(t *testing.T) {
	t.Parallel()

	o := Opportunity{Payload: OpportunityPayload{Legs: []Leg{
		{Side: SELL, InstrumentID: "s1"},
		{Side: BUY, InstrumentID: "b1"},
		{Side: SELL, InstrumentID: "s2"},
	}}}
	buy, sell, ok := o.BuySellLegs()
	if !ok {
		t.Fatal("both sides present, want ok")
	}
	if buy.InstrumentID != "b1" || sell.InstrumentID != "s1" {
		t.Errorf("got buy %q sell %q, want first of each side", buy.InstrumentID, sell.InstrumentID)
	}

	oneSided := Opportunity{Payload: OpportunityPayload{Legs: []Leg{{Side: BUY}}}}
	if _, _, ok := oneSided.BuySellLegs(); ok {
		t.Error("single side reported ok")
	}
}

func TestOpportunityApprovedFlagDefaultsFalse(t *testing.T) {
	t.Parallel()

	// An opportunity serialized without the approved flag reads back false,
	// and false is omitted on the wire.
	var o Opportunity
	if err := json.Unmarshal([]byte(`{"id":"x","ts":1,"payload":{"paper":true,"edgeBps":5,"legs":[]}}`), &o); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if o.Approved {
		t.Error("absent approved flag read as true")
	}

	raw, err := json.Marshal(o)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) == "" || json.Valid(raw) == false {
		t.Fatal("bad wire output")
	}
	var m map[string]any
	json.Unmarshal(raw, &m)
	if _, present := m["approved"]; present {
		t.Error("approved=false serialized, want omitted")
	}
}

func TestTradeLegFromFill(t *testing.T) {
	t.Parallel()

	f := FillPayload{
		Exchange:      "venB",
		InstrumentID:  "BTC-USD",
		Side:          SELL,
		Px:            101,
		RequestedSize: 2,
		FilledSize:    1.5,
	}
	leg := TradeLegFromFill(f)
	if leg.Size != 1.5 {
		t.Errorf("size = %v, want the filled size", leg.Size)
	}
	if leg.Px != 101 || leg.Side != SELL || leg.Exchange != "venB" {
		t.Errorf("leg = %+v", leg)
	}
}
