// Package engine is the central orchestrator of the arbitrage pipeline.
//
// It wires together all subsystems:
//
//  1. Scanner compares quotes across the two venues and emits opportunities.
//  2. Risk engine approves or rejects them against the policy thresholds.
//  3. Executor routes accepted opportunities leg by leg to the order stream,
//     with the autoTrade toggle selecting its input.
//  4. Simulator answers orders with deterministic fills.
//  5. Assembler reconstructs and persists every completed round trip.
//  6. Toggle watcher keeps the runtime switches fresh for all of the above.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"crossarb/internal/assembler"
	"crossarb/internal/bus"
	"crossarb/internal/config"
	"crossarb/internal/executor"
	"crossarb/internal/risk"
	"crossarb/internal/scanner"
	"crossarb/internal/sim"
	"crossarb/internal/store"
	"crossarb/internal/toggles"
	"crossarb/pkg/types"
)

// Engine owns the lifecycle of every component goroutine.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	bus       bus.Bus
	store     *store.Store
	togglesSt *toggles.Store
	watcher   *toggles.Watcher
	scanner   *scanner.Scanner
	risk      *risk.Engine
	executor  *executor.Executor
	sim       *sim.Simulator
	assembler *assembler.Assembler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components. The toggle keys are seeded
// from config when absent and read once so components start with correct
// values.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	b, err := openBus(cfg.Bus)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("open trade store: %w", err)
	}

	togglesSt := toggles.NewStore(b)
	seedCtx, cancelSeed := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelSeed()
	mode, err := types.ParseMode(cfg.Toggles.Mode)
	if err != nil {
		st.Close()
		b.Close()
		return nil, err
	}
	if err := togglesSt.Seed(seedCtx, cfg.Toggles.AutoTrade, mode); err != nil {
		st.Close()
		b.Close()
		return nil, fmt.Errorf("seed toggles: %w", err)
	}

	watcher := toggles.NewWatcher(togglesSt, logger, cfg.Executor.ToggleRefresh)
	if err := watcher.Prime(seedCtx); err != nil {
		st.Close()
		b.Close()
		return nil, fmt.Errorf("prime toggles: %w", err)
	}

	consumer := consumerName()
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		bus:       b,
		store:     st,
		togglesSt: togglesSt,
		watcher:   watcher,
		risk:      risk.New(b, cfg.Risk, logger, consumer),
		executor:  executor.New(b, cfg.Executor, watcher, logger, consumer),
		sim:       sim.New(b, logger, consumer),
		assembler: assembler.New(b, cfg.Assembler, st, logger, consumer),
		ctx:       ctx,
		cancel:    cancel,
	}
	if cfg.Scanner.Enabled {
		e.scanner = scanner.New(b, cfg.Scanner, cfg.Venues, watcher, logger)
	}

	// An autoTrade flip switches the executor's input stream, so whatever is
	// inflight belongs to the previous selection and must not complete.
	watcher.OnAutoTradeChange(func(bool) { e.executor.Flush() })

	return e, nil
}

func openBus(cfg config.BusConfig) (bus.Bus, error) {
	switch cfg.Backend {
	case "memory":
		return bus.NewMemory(), nil
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b, err := bus.NewRedis(ctx, cfg.Addr, cfg.Password, cfg.DB)
		if err != nil {
			return nil, fmt.Errorf("connect bus: %w", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown bus backend %q", cfg.Backend)
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "arbd"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Start launches all component goroutines.
func (e *Engine) Start() error {
	e.run(func(ctx context.Context) { e.watcher.Run(ctx) })
	e.run(func(ctx context.Context) { e.risk.Run(ctx) })
	e.run(func(ctx context.Context) { e.executor.Run(ctx) })
	e.run(func(ctx context.Context) { e.sim.Run(ctx) })
	e.run(func(ctx context.Context) { e.assembler.Run(ctx) })
	if e.scanner != nil {
		e.run(func(ctx context.Context) { e.scanner.Run(ctx) })
	}

	e.logger.Info("engine started",
		"bus", e.cfg.Bus.Backend,
		"scanner", e.cfg.Scanner.Enabled,
		"autoTrade", e.watcher.AutoTrade(),
		"mode", e.watcher.Mode(),
	)
	return nil
}

func (e *Engine) run(fn func(context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
}

// Stop cancels all goroutines, waits for them, and closes resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()
	e.wg.Wait()

	if err := e.store.Close(); err != nil {
		e.logger.Error("store close failed", "error", err)
	}
	if err := e.bus.Close(); err != nil {
		e.logger.Error("bus close failed", "error", err)
	}
	e.logger.Info("shutdown complete")
}

// Bus exposes the message bus for the ops server's trade tail.
func (e *Engine) Bus() bus.Bus {
	return e.bus
}

// Toggles exposes the toggle store for the ops server.
func (e *Engine) Toggles() *toggles.Store {
	return e.togglesSt
}

// TradeStore exposes the persisted trade history for the ops server.
func (e *Engine) TradeStore() *store.Store {
	return e.store
}
