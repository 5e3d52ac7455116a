// Quotesim — synthetic market-data feeder for development and paper runs.
//
// It plays the role of the external venue adapters: it publishes each
// venue's symbol list under meta:<venue>:symbols and keeps random-walk
// top-of-book quotes fresh under quote:<venue>:<instrument>, so the full
// pipeline (scanner → risk → executor → sim → assembler) runs end-to-end
// with nothing but a Redis server.
//
// With -options the two venues list the same options under different native
// encodings (27SEP24 vs 240927), which exercises the scanner's canonical-id
// matching.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"crossarb/internal/bus"
	"crossarb/pkg/types"
)

const quoteTTL = 30 * time.Second

func main() {
	var (
		addr     = flag.String("bus", "localhost:6379", "redis address")
		password = flag.String("password", "", "redis password")
		db       = flag.Int("db", 0, "redis database")
		venues   = flag.String("venues", "venA,venB", "comma-separated venue pair")
		symbols  = flag.String("symbols", "BTC-USD,ETH-USD,SOL-USD", "spot symbols to quote")
		options  = flag.Bool("options", false, "emit option symbols with per-venue encodings")
		interval = flag.Duration("interval", 250*time.Millisecond, "quote refresh interval")
		jitter   = flag.Float64("jitter", 0.002, "per-tick price move as a fraction")
		spread   = flag.Float64("spread", 0.001, "half-spread as a fraction of mid")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	pair := strings.Split(*venues, ",")
	if len(pair) != 2 || pair[0] == "" || pair[1] == "" {
		logger.Error("need exactly two venues", "venues", *venues)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := bus.NewRedis(ctx, *addr, *password, *db)
	if err != nil {
		logger.Error("bus connect failed", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	feed := newFeed(pair[0], pair[1], strings.Split(*symbols, ","), *options)
	if err := feed.publishSymbols(ctx, b); err != nil {
		logger.Error("symbol publish failed", "error", err)
		os.Exit(1)
	}
	logger.Info("feeding quotes",
		"venues", *venues,
		"instruments", len(feed.insts),
		"options", *options,
	)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("stopped")
			return
		case <-ticker.C:
			if err := feed.tick(ctx, b, *jitter, *spread); err != nil {
				logger.Warn("quote publish failed", "error", err)
			}
		}
	}
}

// instrument is one synthetic product with its native id on each venue and
// a shared mid price that both venues wander around.
type instrument struct {
	nativeA string
	nativeB string
	mid     float64
	skewA   float64 // per-venue offset so spreads occasionally cross
	skewB   float64
}

type feed struct {
	venueA, venueB string
	insts          []*instrument
	rng            *rand.Rand
}

func newFeed(venueA, venueB string, spot []string, options bool) *feed {
	f := &feed{
		venueA: venueA,
		venueB: venueB,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if options {
		expiry := time.Now().AddDate(0, 1, 0)
		for _, base := range []string{"BTC", "ETH"} {
			for _, strike := range []int{50000, 60000, 70000} {
				f.insts = append(f.insts, &instrument{
					nativeA: fmt.Sprintf("%s-%s-%d-C", base, strings.ToUpper(expiry.Format("2Jan06")), strike),
					nativeB: fmt.Sprintf("%s-USD-%s-%d-C", base, expiry.Format("060102"), strike),
					mid:     0.05 + f.rng.Float64()*0.1,
				})
			}
		}
	} else {
		for _, sym := range spot {
			sym = strings.TrimSpace(sym)
			if sym == "" {
				continue
			}
			f.insts = append(f.insts, &instrument{
				nativeA: sym,
				nativeB: sym,
				mid:     100 + f.rng.Float64()*1000,
			})
		}
	}
	return f
}

func (f *feed) publishSymbols(ctx context.Context, b bus.Bus) error {
	var listA, listB []string
	for _, in := range f.insts {
		listA = append(listA, in.nativeA)
		listB = append(listB, in.nativeB)
	}
	for venue, list := range map[string][]string{f.venueA: listA, f.venueB: listB} {
		raw, err := json.Marshal(list)
		if err != nil {
			return err
		}
		if err := b.Set(ctx, types.SymbolsKey(venue), string(raw), 0); err != nil {
			return err
		}
	}
	return nil
}

// tick advances every instrument's random walk and rewrites both venues'
// quote keys with a fresh TTL.
func (f *feed) tick(ctx context.Context, b bus.Bus, jitter, halfSpread float64) error {
	now, err := b.Now(ctx)
	if err != nil {
		return err
	}

	for _, in := range f.insts {
		in.mid *= 1 + (f.rng.Float64()*2-1)*jitter
		// Venue skews mean-revert but drift apart enough to cross now
		// and then, which is what gives the scanner something to find.
		in.skewA = in.skewA*0.9 + (f.rng.Float64()*2-1)*jitter
		in.skewB = in.skewB*0.9 + (f.rng.Float64()*2-1)*jitter

		quotes := []struct {
			venue, inst string
			mid         float64
		}{
			{f.venueA, in.nativeA, in.mid * (1 + in.skewA)},
			{f.venueB, in.nativeB, in.mid * (1 + in.skewB)},
		}
		for _, q := range quotes {
			snap := types.QuoteSnapshot{
				Bid: q.mid * (1 - halfSpread),
				Ask: q.mid * (1 + halfSpread),
				TS:  now,
			}
			raw, err := json.Marshal(snap)
			if err != nil {
				return err
			}
			if err := b.Set(ctx, types.QuoteKey(q.venue, q.inst), string(raw), quoteTTL); err != nil {
				return err
			}
		}
	}
	return nil
}
