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

// The paper runner drives the full signal-to-settlement pipeline against the
// sim venue and a synthetic feed. It reads instruments, accounts, and limits
// from the regular config but builds its own fixed roster: one momentum
// analyst per instrument, one trader, one observer.

func main() {
	configPath := flag.String("config", "", "Path to JSON config")
	duration := flag.Duration("duration", 30*time.Second, "How long to run")
	tickInterval := flag.Duration("tick-interval", 50*time.Millisecond, "Synthetic feed pacing")
	fillPrice := flag.Int64("fill-price", 1_000_000, "Sim venue fill price")
	flag.Parse()

	if err := run(*configPath, *duration, *tickInterval, schema.Price(*fillPrice)); err != nil {
		log.Printf("paper: %v", err)
		os.Exit(1)
	}
}

func run(configPath string, duration, tickInterval time.Duration, fillPrice schema.Price) error {
	if configPath == "" {
		return errors.New("missing config; use -config")
	}
	loaded, err := ops.Load(configPath)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	acctID, acctName, err := pickAccount(loaded)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	registry := loaded.Registry
	metrics := obs.NewMetrics()
	signals := sigstore.New(sigstore.Config{})
	limits := loaded.Limits
	book := ledger.New(ledger.Config{
		Capacity: func(schema.AccountID, schema.InstrumentID) schema.Quantity {
			return limits.MaxPositionSize
		},
	})
	go book.Run(ctx)

	sim := venue.NewSim(venue.SimConfig{FillPrice: fillPrice})
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

	observer := agent.NewObserver("paper-observer", tracker)
	supervisor.Attach(observer)

	instruments := make([]schema.InstrumentID, 0, registry.InstrumentCount())
	for i := 0; i < registry.InstrumentCount(); i++ {
		inst, _ := registry.InstrumentAt(i)
		instruments = append(instruments, inst.ID)
		supervisor.Attach(agent.NewMomentum("paper-analyst-"+inst.Symbol, agent.MomentumConfig{
			InstrumentID: inst.ID,
			SignalTTL:    2 * time.Second,
		}), inst.ID)
	}
	trader := agent.NewTrader("paper-trader", agent.TraderConfig{
		AccountID: acctID,
		Strategy:  "momentum",
	}, registry, book, coord, func() risk.Limits { return limits }, marks.Mark, observer.Weight, metrics)
	supervisor.Attach(trader, instruments...)

	var wg sync.WaitGroup
	var outcomes int
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
			outcomes++
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
	wg.Add(1)
	go func() {
		defer wg.Done()
		for tick := range src.Ticks() {
			marks.Update(tick)
			supervisor.DispatchTick(tick)
		}
	}()
	go func() { _ = src.Run(ctx) }()

	log.Printf("paper run: instruments=%d account=%s duration=%s", len(instruments), acctName, duration)
	supervisor.Run(ctx)

	coord.Close()
	events.Close()
	wg.Wait()

	report(tracker, book, sim, acctID, outcomes)
	return nil
}

func pickAccount(loaded ops.Loaded) (schema.AccountID, string, error) {
	for _, cfg := range loaded.Agents {
		if cfg.Account == "" {
			continue
		}
		if id, ok := loaded.Registry.AccountIDByName(cfg.Account); ok {
			return id, cfg.Account, nil
		}
	}
	return 0, "", errors.New("no agent with a resolvable account in config")
}

// rampTicks scripts a steady climb so momentum analysts produce long
// signals. The loop restart resets the price; analysts just re-converge.
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
			})
		}
	}
	return ticks
}

func report(tracker *perf.Tracker, book *ledger.Ledger, sim *venue.Sim, acctID schema.AccountID, outcomes int) {
	log.Printf("outcomes: %d", outcomes)
	for _, pos := range book.Positions(acctID) {
		log.Printf("position: instrument=%d qty=%d avg_entry=%d", pos.InstrumentID, pos.Qty, pos.AvgEntryPrice)
	}
	for analyst, weight := range tracker.Weights() {
		log.Printf("analyst weight: %s=%.2f", analyst, weight)
	}
	if dups := sim.DuplicateKeys(); len(dups) > 0 {
		log.Printf("duplicate idempotency keys: %v", dups)
	}
}
