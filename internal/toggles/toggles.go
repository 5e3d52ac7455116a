// Package toggles manages the runtime switches stored on the bus key-value
// view: toggles:autoTrade and toggles:mode. Operators and the ops API flip
// them at any time; components re-read them on a short cadence through the
// Watcher instead of caching.
package toggles

import (
	"context"
	"fmt"
	"strings"

	"crossarb/internal/bus"
	"crossarb/pkg/types"
)

// ParseBool accepts the toggle write synonyms 1/0, yes/no, on/off and
// true/false, case-insensitively.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "yes", "on", "true":
		return true, nil
	case "0", "no", "off", "false":
		return false, nil
	}
	return false, fmt.Errorf("unrecognized toggle value %q", s)
}

// FormatBool is the canonical form written back to the key.
func FormatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Store reads and writes the toggle keys. Values are canonicalized on
// write, so any accepted synonym is stored as true/false or paper/live.
type Store struct {
	bus bus.Bus
}

func NewStore(b bus.Bus) *Store {
	return &Store{bus: b}
}

// AutoTrade reads toggles:autoTrade. An absent key reads as false.
func (s *Store) AutoTrade(ctx context.Context) (bool, error) {
	val, ok, err := s.bus.Get(ctx, types.KeyAutoTrade)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return ParseBool(val)
}

// Mode reads toggles:mode. An absent key reads as paper.
func (s *Store) Mode(ctx context.Context) (types.Mode, error) {
	val, ok, err := s.bus.Get(ctx, types.KeyMode)
	if err != nil {
		return "", err
	}
	if !ok {
		return types.ModePaper, nil
	}
	return types.ParseMode(val)
}

func (s *Store) SetAutoTrade(ctx context.Context, on bool) error {
	return s.bus.Set(ctx, types.KeyAutoTrade, FormatBool(on), 0)
}

func (s *Store) SetMode(ctx context.Context, m types.Mode) error {
	return s.bus.Set(ctx, types.KeyMode, string(m), 0)
}

// Seed writes config defaults for any toggle key that is absent, leaving
// operator-set values alone.
func (s *Store) Seed(ctx context.Context, autoTrade bool, mode types.Mode) error {
	if _, ok, err := s.bus.Get(ctx, types.KeyAutoTrade); err != nil {
		return fmt.Errorf("seed autoTrade: %w", err)
	} else if !ok {
		if err := s.SetAutoTrade(ctx, autoTrade); err != nil {
			return fmt.Errorf("seed autoTrade: %w", err)
		}
	}
	if _, ok, err := s.bus.Get(ctx, types.KeyMode); err != nil {
		return fmt.Errorf("seed mode: %w", err)
	} else if !ok {
		if err := s.SetMode(ctx, mode); err != nil {
			return fmt.Errorf("seed mode: %w", err)
		}
	}
	return nil
}
