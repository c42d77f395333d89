package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/joho/godotenv"

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
	"main/internal/store"
	"main/internal/venue"
	"main/pkg/conn"
)

const (
	roleAnalyst  = "analyst"
	roleTrader   = "trader"
	roleObserver = "observer"
)

// limitsRef is the shared handle traders read risk limits through. Config
// reloads swap the value; readers never block.
type limitsRef struct {
	v atomic.Value
}

func newLimitsRef(l risk.Limits) *limitsRef {
	var ref limitsRef
	ref.v.Store(l)
	return &ref
}

func (r *limitsRef) Load() risk.Limits {
	return r.v.Load().(risk.Limits)
}

func (r *limitsRef) Update(l risk.Limits) {
	r.v.Store(l)
}

func main() {
	if err := run(); err != nil {
		log.Printf("trader: %v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to JSON config")
	configReload := flag.Duration("config-reload-interval", 10*time.Second, "Config reload interval (0=disable)")
	flag.Parse()

	_ = godotenv.Load() // best-effort

	if *configPath == "" {
		return errors.New("missing config; use -config")
	}
	loaded, err := ops.Load(*configPath)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := os.Getenv("PYROSCOPE_ADDR"); addr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "agent-trader",
			ServerAddress:   addr,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileInuseObjects,
			},
		})
		if err != nil {
			return fmt.Errorf("pyroscope start: %w", err)
		}
		defer func() { _ = profiler.Stop() }()
	}

	limits := newLimitsRef(loaded.Limits)
	if *configReload > 0 {
		go ops.Watch(ctx, *configPath, *configReload, loaded.Limits.Version, func(next ops.Loaded) {
			limits.Update(next.Limits)
		})
	}

	registry := loaded.Registry
	metrics := obs.NewMetrics()
	signals := sigstore.New(sigstore.Config{})
	book := ledger.New(ledger.Config{
		Capacity: func(schema.AccountID, schema.InstrumentID) schema.Quantity {
			return limits.Load().MaxPositionSize
		},
	})
	go book.Run(ctx)

	client, err := buildVenue(loaded.Venue, registry)
	if err != nil {
		return err
	}

	events := bus.NewQueue(1024)
	submit, settle, poll, reconcile := loaded.Exec.Durations()
	coord, err := exec.New(exec.Config{
		Workers:           loaded.Exec.Workers,
		QueueCap:          loaded.Exec.QueueCap,
		SubmitTimeout:     submit,
		SettleTimeout:     settle,
		SettlePoll:        poll,
		ReconcileDeadline: reconcile,
		MaxAttempts:       loaded.Exec.MaxAttempts,
		Source:            1,
	}, client, book, events, metrics)
	if err != nil {
		return err
	}

	tracker := perf.NewTracker()
	if loaded.MetricsAddr != "" {
		srv := perf.Serve(loaded.MetricsAddr)
		defer func() { _ = srv.Close() }()
	}

	archive, closeArchive, err := buildArchive(loaded)
	if err != nil {
		return err
	}
	defer closeArchive()

	marks := feed.NewMarkBook()
	supervisor := agent.NewSupervisor(agent.SupervisorConfig{}, signals)
	hasObserver, err := buildAgents(loaded, registry, book, coord, limits, marks, tracker, metrics, supervisor)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		events.Run(ctx, func(e bus.Event) {
			metrics.ObserveEvent(e.Header)
			archive.Handle(e)
			if e.Header.Type != schema.EventOrderOutcome {
				return
			}
			// An observer agent records into the tracker itself;
			// feeding both would count every outcome twice.
			if !hasObserver {
				tracker.Handle(e)
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

	src, err := buildFeed(ctx, loaded.Feed, registry)
	if err != nil {
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for tick := range src.Ticks() {
			marks.Update(tick)
			supervisor.DispatchTick(tick)
		}
	}()
	go func() {
		if err := src.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("feed stopped: %v", err)
			stop()
		}
	}()

	log.Printf("trader up: instruments=%d agents=%d venue=%s", registry.InstrumentCount(), len(loaded.Agents), loaded.Venue.Mode)
	supervisor.Run(ctx)

	coord.Close()
	events.Close()
	wg.Wait()

	snapshotPositions(archive, book, registry, loaded.Agents)
	snap := metrics.Snapshot()
	log.Printf("metrics: events=%v risk_reasons=%v drops=%d submit=%+v settle=%+v",
		snap.EventCounts, snap.RiskReasonCounts, snap.QueueDrops, snap.SubmitLatency, snap.SettleLatency)
	return nil
}

func buildVenue(cfg ops.VenueConfig, registry *schema.Registry) (venue.Client, error) {
	switch cfg.Mode {
	case "jupiter":
		return venue.NewJupiter(venue.JupiterConfig{
			Base:       cfg.JupiterBase,
			RPCURL:     os.Getenv("RPC_URL"),
			PrivateKey: os.Getenv("WALLET_PRIVATE_KEY"),
			Commitment: cfg.Commitment,
		}, registry)
	case "sim", "":
		return venue.NewSim(venue.SimConfig{FillPrice: 1_000}), nil
	default:
		return nil, fmt.Errorf("unknown venue mode: %s", cfg.Mode)
	}
}

func buildFeed(ctx context.Context, cfg ops.FeedConfig, registry *schema.Registry) (feed.Source, error) {
	switch cfg.Mode {
	case "stream", "":
		symbols := cfg.Symbols
		if len(symbols) == 0 {
			for i := 0; i < registry.InstrumentCount(); i++ {
				inst, _ := registry.InstrumentAt(i)
				symbols = append(symbols, inst.Symbol)
			}
		}
		return feed.NewStream(ctx, feed.StreamConfig{
			URL:     cfg.URL,
			Symbols: symbols,
			Buffer:  cfg.Buffer,
		}, registry, nil), nil
	case "sim":
		return feed.NewSim(feed.SimConfig{
			Ticks:    randomWalkTicks(registry, 256),
			Interval: 100 * time.Millisecond,
			Loop:     true,
		}), nil
	default:
		return nil, fmt.Errorf("unknown feed mode: %s", cfg.Mode)
	}
}

// randomWalkTicks scripts a drifting walk per instrument for sim feeds.
func randomWalkTicks(registry *schema.Registry, n int) []schema.Tick {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticks := make([]schema.Tick, 0, n*registry.InstrumentCount())
	for i := 0; i < registry.InstrumentCount(); i++ {
		inst, _ := registry.InstrumentAt(i)
		price := schema.Price(1_000_000)
		for j := 0; j < n; j++ {
			step := schema.Price(rng.Intn(2001) - 990) // slight upward drift
			if price+step > 0 {
				price += step
			}
			ticks = append(ticks, schema.Tick{
				InstrumentID: inst.ID,
				Price:        price,
				Size:         inst.MinUnit,
			})
		}
	}
	return ticks
}

func buildArchive(loaded ops.Loaded) (store.Archiver, func(), error) {
	if !loaded.Postgres.Enabled {
		return store.Noop{}, func() {}, nil
	}
	client, err := conn.New(loaded.PostgresOption())
	if err != nil {
		return nil, nil, fmt.Errorf("postgres connect: %w", err)
	}
	archive, err := store.New(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return archive, func() { _ = client.Close() }, nil
}

// buildAgents attaches the configured roster to the supervisor. The observer
// is built first so traders can weight confidence by analyst history.
func buildAgents(
	loaded ops.Loaded,
	registry *schema.Registry,
	book *ledger.Ledger,
	coord *exec.Coordinator,
	limits *limitsRef,
	marks *feed.MarkBook,
	tracker *perf.Tracker,
	metrics *obs.Metrics,
	supervisor *agent.Supervisor,
) (bool, error) {
	var observer *agent.Observer
	for _, cfg := range loaded.Agents {
		if cfg.Role != roleObserver {
			continue
		}
		if observer != nil {
			return false, fmt.Errorf("agent %s: only one observer is supported", cfg.ID)
		}
		observer = agent.NewObserver(cfg.ID, tracker)
		supervisor.Attach(observer)
	}

	for _, cfg := range loaded.Agents {
		instruments, err := resolveInstruments(registry, cfg)
		if err != nil {
			return false, err
		}
		switch cfg.Role {
		case roleObserver:
			// attached above
		case roleAnalyst:
			if cfg.Strategy != "" && cfg.Strategy != "momentum" {
				return false, fmt.Errorf("agent %s: unknown strategy: %s", cfg.ID, cfg.Strategy)
			}
			if len(instruments) == 0 {
				return false, fmt.Errorf("agent %s: analyst needs at least one instrument", cfg.ID)
			}
			for _, inst := range instruments {
				id := cfg.ID
				if len(instruments) > 1 {
					spec, _ := registry.Instrument(inst)
					id = fmt.Sprintf("%s-%s", cfg.ID, spec.Symbol)
				}
				supervisor.Attach(agent.NewMomentum(id, agent.MomentumConfig{
					InstrumentID: inst,
					SignalTTL:    time.Duration(cfg.SignalTTLMs) * time.Millisecond,
				}), inst)
			}
		case roleTrader:
			acctID, ok := registry.AccountIDByName(cfg.Account)
			if !ok {
				return false, fmt.Errorf("agent %s: account not found: %s", cfg.ID, cfg.Account)
			}
			var weight func(string) float64
			if observer != nil {
				weight = observer.Weight
			}
			trader := agent.NewTrader(cfg.ID, agent.TraderConfig{
				AccountID:      acctID,
				Strategy:       cfg.Strategy,
				MaxSlippageBps: cfg.MaxSlippageBps,
			}, registry, book, coord, limits.Load, marks.Mark, weight, metrics)
			supervisor.Attach(trader, instruments...)
		default:
			return false, fmt.Errorf("agent %s: unknown role: %s", cfg.ID, cfg.Role)
		}
	}
	return observer != nil, nil
}

func resolveInstruments(registry *schema.Registry, cfg ops.AgentConfig) ([]schema.InstrumentID, error) {
	ids := make([]schema.InstrumentID, 0, len(cfg.Instruments))
	for _, symbol := range cfg.Instruments {
		id, ok := registry.InstrumentIDBySymbol(symbol)
		if !ok {
			return nil, fmt.Errorf("agent %s: instrument not found: %s", cfg.ID, symbol)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func snapshotPositions(archive store.Archiver, book *ledger.Ledger, registry *schema.Registry, agents []ops.AgentConfig) {
	ts := time.Now().UTC().UnixNano()
	seen := make(map[schema.AccountID]bool)
	for _, cfg := range agents {
		if cfg.Account == "" {
			continue
		}
		acctID, ok := registry.AccountIDByName(cfg.Account)
		if !ok || seen[acctID] {
			continue
		}
		seen[acctID] = true
		if err := archive.SnapshotPositions(acctID, book.Positions(acctID), ts); err != nil {
			log.Printf("snapshot positions acct=%d: %v", acctID, err)
		}
	}
}
