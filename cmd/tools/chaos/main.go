package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"main/internal/agent"
	"main/internal/bus"
	"main/internal/chaos"
	"main/internal/codec"
	"main/internal/exec"
	"main/internal/feed"
	"main/internal/ledger"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/perf"
	"main/internal/risk"
	"main/internal/schema"
	"main/internal/sigstore"
	"main/internal/venue"
)

// The chaos tool runs the paper pipeline behind a tick mangler and checks
// that the invariants the components promise under duplicate, reordered,
// and delayed market data still hold: positions never exceed the limit and
// no idempotency key is reused across submissions.

func main() {
	configPath := flag.String("config", "", "Path to JSON config")
	duration := flag.Duration("duration", 30*time.Second, "How long to run")
	tickInterval := flag.Duration("tick-interval", 20*time.Millisecond, "Synthetic feed pacing")
	seed := flag.Int64("seed", 0, "RNG seed (0=now)")
	dropRate := flag.Float64("drop-rate", 0.1, "Tick drop probability [0-1]")
	dupRate := flag.Float64("dup-rate", 0.1, "Tick duplicate probability [0-1]")
	reorderWindow := flag.Int("reorder-window", 4, "Tick reorder window (>=1)")
	maxDelay := flag.Duration("max-delay", 50*time.Millisecond, "Max receive-time skew")
	flag.Parse()

	engine, err := chaos.NewEngine(chaos.Config{
		Seed:          *seed,
		DropRate:      *dropRate,
		DuplicateRate: *dupRate,
		ReorderWindow: *reorderWindow,
		MaxDelay:      *maxDelay,
	})
	if err != nil {
		log.Printf("chaos config invalid: %v", err)
		os.Exit(1)
	}
	if err := run(*configPath, *duration, *tickInterval, engine); err != nil {
		log.Printf("chaos: %v", err)
		os.Exit(1)
	}
}

func run(configPath string, duration, tickInterval time.Duration, engine *chaos.Engine) error {
	if configPath == "" {
		return errors.New("missing config; use -config")
	}
	loaded, err := ops.Load(configPath)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	acctID, err := pickAccount(loaded)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	registry := loaded.Registry
	limits := loaded.Limits
	metrics := obs.NewMetrics()
	signals := sigstore.New(sigstore.Config{})
	book := ledger.New(ledger.Config{
		Capacity: func(schema.AccountID, schema.InstrumentID) schema.Quantity {
			return limits.MaxPositionSize
		},
	})
	go book.Run(ctx)

	sim := venue.NewSim(venue.SimConfig{FillPrice: 1_000_000})
	events := bus.NewQueue(1024)
	coord, err := exec.New(exec.Config{
		SubmitTimeout:     time.Second,
		SettleTimeout:     5 * time.Second,
		SettlePoll:        10 * time.Millisecond,
		ReconcileDeadline: time.Second,
	}, sim, book, events, metrics)
	if err != nil {
		return err
	}

	tracker := perf.NewTracker()
	marks := feed.NewMarkBook()
	supervisor := agent.NewSupervisor(agent.SupervisorConfig{
		ProduceInterval: 100 * time.Millisecond,
	}, signals)
	observer := agent.NewObserver("chaos-observer", tracker)
	supervisor.Attach(observer)

	instruments := make([]schema.InstrumentID, 0, registry.InstrumentCount())
	for i := 0; i < registry.InstrumentCount(); i++ {
		inst, _ := registry.InstrumentAt(i)
		instruments = append(instruments, inst.ID)
		supervisor.Attach(agent.NewMomentum("chaos-analyst-"+inst.Symbol, agent.MomentumConfig{
			InstrumentID: inst.ID,
			SignalTTL:    2 * time.Second,
		}), inst.ID)
	}
	trader := agent.NewTrader("chaos-trader", agent.TraderConfig{
		AccountID: acctID,
		Strategy:  "momentum",
	}, registry, book, coord, func() risk.Limits { return limits }, marks.Mark, observer.Weight, metrics)
	supervisor.Attach(trader, instruments...)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		events.Run(ctx, func(e bus.Event) {
			metrics.ObserveEvent(e.Header)
			if e.Header.Type != schema.EventOrderOutcome {
				return
			}
			out, err := codec.DecodeOutcome(e.Payload)
			if err != nil {
				log.Printf("decode outcome: %v", err)
				return
			}
			supervisor.DispatchOutcome(out)
		})
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		coord.Run(ctx)
	}()

	src := feed.NewSim(feed.SimConfig{
		Ticks:    rampTicks(registry, 512),
		Interval: tickInterval,
		Loop:     true,
	})
	var delivered uint64
	wg.Add(1)
	go func() {
		defer wg.Done()
		deliver := func(ticks []schema.Tick) {
			for _, tk := range ticks {
				delivered++
				marks.Update(tk)
				supervisor.DispatchTick(tk)
			}
		}
		for tick := range src.Ticks() {
			deliver(engine.Process(tick))
		}
		deliver(engine.Flush())
	}()
	go func() { _ = src.Run(ctx) }()

	log.Printf("chaos run: instruments=%d duration=%s", len(instruments), duration)
	supervisor.Run(ctx)

	coord.Close()
	events.Close()
	wg.Wait()

	return verify(book, sim, limits, acctID, engine, delivered)
}

func pickAccount(loaded ops.Loaded) (schema.AccountID, error) {
	for _, cfg := range loaded.Agents {
		if cfg.Account == "" {
			continue
		}
		if id, ok := loaded.Registry.AccountIDByName(cfg.Account); ok {
			return id, nil
		}
	}
	return 0, errors.New("no agent with a resolvable account in config")
}

func rampTicks(registry *schema.Registry, n int) []schema.Tick {
	ticks := make([]schema.Tick, 0, n*registry.InstrumentCount())
	for i := 0; i < registry.InstrumentCount(); i++ {
		inst, _ := registry.InstrumentAt(i)
		price := schema.Price(1_000_000)
		for j := 0; j < n; j++ {
			price += price / 250
			ticks = append(ticks, schema.Tick{
				InstrumentID: inst.ID,
				Price:        price,
				Size:         inst.MinUnit,
				TsVenue:      time.Now().UnixNano(),
			})
		}
	}
	return ticks
}

func verify(book *ledger.Ledger, sim *venue.Sim, limits risk.Limits, acctID schema.AccountID, engine *chaos.Engine, delivered uint64) error {
	log.Printf("ticks delivered=%d dropped=%d duplicated=%d", delivered, engine.Dropped(), engine.Duplicated())
	var bad bool
	for _, pos := range book.Positions(acctID) {
		qty := pos.Qty
		if qty < 0 {
			qty = -qty
		}
		if qty > limits.MaxPositionSize {
			log.Printf("FAIL position over limit: instrument=%d qty=%d max=%d", pos.InstrumentID, pos.Qty, limits.MaxPositionSize)
			bad = true
			continue
		}
		log.Printf("position: instrument=%d qty=%d avg_entry=%d", pos.InstrumentID, pos.Qty, pos.AvgEntryPrice)
	}
	if dups := sim.DuplicateKeys(); len(dups) > 0 {
		log.Printf("FAIL duplicate idempotency keys: %v", dups)
		bad = true
	}
	if bad {
		return errors.New("invariant violations detected")
	}
	log.Printf("invariants held")
	return nil
}
