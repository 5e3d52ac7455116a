// Package sim is the paper execution venue. It consumes orders.new and
// answers every order with exactly one full fill at the order's estimated
// price, so the rest of the pipeline can run end-to-end without touching a
// real venue.
package sim

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"crossarb/internal/bus"
	"crossarb/internal/metrics"
	"crossarb/pkg/types"
)

const (
	readCount  = 50
	readBlock  = time.Second
	errorPause = 300 * time.Millisecond
)

// Simulator fills orders deterministically.
type Simulator struct {
	bus      bus.Bus
	logger   *slog.Logger
	consumer string
}

func New(b bus.Bus, logger *slog.Logger, consumer string) *Simulator {
	return &Simulator{
		bus:      b,
		logger:   logger.With("component", "sim"),
		consumer: consumer,
	}
}

// Run consumes until ctx is cancelled. Entries are always acked; a
// malformed order is logged and skipped rather than replayed.
func (s *Simulator) Run(ctx context.Context) {
	if err := s.bus.EnsureGroup(ctx, types.StreamOrders, types.GroupSimulator); err != nil {
		s.logger.Error("group setup failed", "error", err)
		return
	}

	for ctx.Err() == nil {
		entries, err := s.bus.ReadGroup(ctx, types.StreamOrders, types.GroupSimulator, s.consumer, readCount, readBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.BusError("read")
			s.logger.Error("read failed", "error", err)
			time.Sleep(errorPause)
			continue
		}

		for _, entry := range entries {
			s.process(ctx, entry)
			if err := s.bus.Ack(ctx, types.StreamOrders, types.GroupSimulator, entry.ID); err != nil {
				metrics.BusError("ack")
				s.logger.Warn("ack failed", "id", entry.ID, "error", err)
			}
		}
	}
}

func (s *Simulator) process(ctx context.Context, entry bus.Entry) {
	var order types.Order
	if err := json.Unmarshal(entry.Data, &order); err != nil {
		s.logger.Warn("unparseable order", "id", entry.ID, "error", err)
		return
	}

	now, err := s.bus.Now(ctx)
	if err != nil {
		metrics.BusError("get")
		now = order.TS
	}

	fill := types.Fill{
		ID:   uuid.NewString(),
		TS:   now,
		Type: types.TypeOrderFill,
		Payload: types.FillPayload{
			CorrID:        order.Payload.CorrID,
			LegIndex:      order.Payload.LegIndex,
			Exchange:      order.Payload.Exchange,
			InstrumentID:  order.Payload.InstrumentID,
			Side:          order.Payload.Side,
			Px:            order.Payload.EstPx,
			RequestedSize: order.Payload.Size,
			FilledSize:    order.Payload.Size,
			Mode:          order.Payload.Mode,
		},
	}
	if _, err := bus.AppendJSON(ctx, s.bus, types.StreamFills, fill); err != nil {
		metrics.BusError("append")
		s.logger.Error("fill publish failed", "corrId", order.Payload.CorrID, "error", err)
		return
	}
	metrics.FillEmitted()
	s.logger.Debug("filled",
		"corrId", order.Payload.CorrID,
		"leg", order.Payload.LegIndex,
		"px", order.Payload.EstPx,
		"size", order.Payload.Size,
	)
}
