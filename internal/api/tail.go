package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"crossarb/internal/bus"
	"crossarb/internal/metrics"
	"crossarb/pkg/types"
)

const (
	tailReadCount = 50
	tailReadBlock = time.Second
	tailPause     = 300 * time.Millisecond
)

// TradeTail follows arb.trades through its own consumer group and feeds
// every completed trade to the WebSocket hub.
type TradeTail struct {
	bus    bus.Bus
	hub    *Hub
	logger *slog.Logger
}

func NewTradeTail(b bus.Bus, hub *Hub, logger *slog.Logger) *TradeTail {
	return &TradeTail{
		bus:    b,
		hub:    hub,
		logger: logger.With("component", "trade-tail"),
	}
}

// Run consumes until ctx is cancelled. Entries are always acked; an
// unparseable trade is logged and skipped.
func (t *TradeTail) Run(ctx context.Context) {
	if err := t.bus.EnsureGroup(ctx, types.StreamTrades, types.GroupUITail); err != nil {
		t.logger.Error("group setup failed", "error", err)
		return
	}

	for ctx.Err() == nil {
		entries, err := t.bus.ReadGroup(ctx, types.StreamTrades, types.GroupUITail, "ops", tailReadCount, tailReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.BusError("read")
			t.logger.Error("read failed", "error", err)
			time.Sleep(tailPause)
			continue
		}

		for _, entry := range entries {
			var trade types.Trade
			if err := json.Unmarshal(entry.Data, &trade); err != nil {
				t.logger.Warn("unparseable trade", "id", entry.ID, "error", err)
			} else {
				t.hub.BroadcastTrade(trade)
			}
			if err := t.bus.Ack(ctx, types.StreamTrades, types.GroupUITail, entry.ID); err != nil {
				metrics.BusError("ack")
				t.logger.Warn("ack failed", "id", entry.ID, "error", err)
			}
		}
	}
}
