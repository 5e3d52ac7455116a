package executor

import "crossarb/pkg/types"

// ProtectiveOrder returns the legs in submission order: the first SELL leg
// moves to the front and everything else keeps its relative order. Selling
// first caps downside if later legs fail, so the exit leg always executes
// before the entry legs.
func ProtectiveOrder(legs []types.Leg) []types.Leg {
	out := make([]types.Leg, 0, len(legs))
	sellAt := -1
	for i, l := range legs {
		if l.Side == types.SELL {
			sellAt = i
			break
		}
	}
	if sellAt < 0 {
		return append(out, legs...)
	}
	out = append(out, legs[sellAt])
	out = append(out, legs[:sellAt]...)
	out = append(out, legs[sellAt+1:]...)
	return out
}
