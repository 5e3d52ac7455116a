package toggles

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"crossarb/internal/metrics"
	"crossarb/pkg/types"
)

// Watcher polls the toggle keys on a fixed cadence and exposes the latest
// values to components. When a read fails the previous values stay in
// effect, so a transient bus hiccup never flips a toggle.
type Watcher struct {
	store   *Store
	logger  *slog.Logger
	refresh time.Duration

	mu        sync.RWMutex
	autoTrade bool
	mode      types.Mode

	onAutoTrade []func(bool)
}

// NewWatcher builds a watcher polling every refresh interval. The refresh
// must be at most one second so operator flips take effect promptly.
func NewWatcher(store *Store, logger *slog.Logger, refresh time.Duration) *Watcher {
	return &Watcher{
		store:   store,
		logger:  logger.With("component", "toggles"),
		refresh: refresh,
		mode:    types.ModePaper,
	}
}

// OnAutoTradeChange registers a callback fired whenever the autoTrade value
// changes between refreshes. Callbacks run on the watcher goroutine and must
// not block. Register before Run.
func (w *Watcher) OnAutoTradeChange(fn func(bool)) {
	w.onAutoTrade = append(w.onAutoTrade, fn)
}

// Prime performs the initial read so values are correct before any
// component consults the watcher.
func (w *Watcher) Prime(ctx context.Context) error {
	_, err := w.poll(ctx, false)
	return err
}

// Run polls until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.poll(ctx, true); err != nil {
				w.logger.Warn("toggle refresh failed, keeping last values", "error", err)
			}
		}
	}
}

// poll reads both keys, updates the cache, and fires change callbacks when
// notify is set.
func (w *Watcher) poll(ctx context.Context, notify bool) (changed bool, err error) {
	at, err := w.store.AutoTrade(ctx)
	if err != nil {
		metrics.BusError("get")
		return false, err
	}
	mode, err := w.store.Mode(ctx)
	if err != nil {
		metrics.BusError("get")
		return false, err
	}

	w.mu.Lock()
	atChanged := at != w.autoTrade
	w.autoTrade = at
	w.mode = mode
	w.mu.Unlock()

	metrics.SetAutoTrade(at)
	if atChanged && notify {
		w.logger.Info("autoTrade changed", "autoTrade", at)
		for _, fn := range w.onAutoTrade {
			fn(at)
		}
	}
	return atChanged, nil
}

// AutoTrade returns the latest observed autoTrade value.
func (w *Watcher) AutoTrade() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.autoTrade
}

// Mode returns the latest observed execution mode.
func (w *Watcher) Mode() types.Mode {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.mode
}
