package agent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"main/internal/exec"
	"main/internal/ledger"
	"main/internal/perf"
	"main/internal/risk"
	"main/internal/schema"
	"main/internal/sigstore"
	"main/internal/venue"
	"main/pkg/backoff"
)

const momentumInstrument schema.InstrumentID = 3

func risingTicks(n int, start schema.Price) []schema.Tick {
	out := make([]schema.Tick, 0, n)
	price := start
	for range n {
		price += price / 50 // +2% per tick
		out = append(out, schema.Tick{InstrumentID: momentumInstrument, Price: price, Size: 1})
	}
	return out
}

func TestMomentumSignalsUptrend(t *testing.T) {
	m := NewMomentum("analyst-m", MomentumConfig{
		InstrumentID: momentumInstrument,
		Now:          func() int64 { return 1_000 },
	})
	for _, tick := range risingTicks(60, 1_000_000) {
		m.OnTick(tick)
	}

	signals, err := m.Produce(context.Background())
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("signals = %d, want 1", len(signals))
	}
	sig := signals[0]
	if sig.Direction != schema.DirectionLong {
		t.Fatalf("direction = %s, want long", sig.Direction)
	}
	if sig.Confidence <= 0 || sig.Confidence > 1 {
		t.Fatalf("confidence = %f", sig.Confidence)
	}
	if sig.SourceAgentID != "analyst-m" || sig.GeneratedAt != 1_000 {
		t.Fatalf("signal = %+v", sig)
	}
}

func TestMomentumQuietOnFlatPrices(t *testing.T) {
	m := NewMomentum("analyst-q", MomentumConfig{InstrumentID: momentumInstrument})
	for range 60 {
		m.OnTick(schema.Tick{InstrumentID: momentumInstrument, Price: 1_000_000, Size: 1})
	}
	signals, err := m.Produce(context.Background())
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	if len(signals) != 0 {
		t.Fatalf("signals = %+v, want none", signals)
	}
}

func TestMomentumIgnoresOtherInstruments(t *testing.T) {
	m := NewMomentum("analyst-i", MomentumConfig{InstrumentID: momentumInstrument})
	for _, tick := range risingTicks(60, 1_000_000) {
		tick.InstrumentID = momentumInstrument + 1
		m.OnTick(tick)
	}
	signals, _ := m.Produce(context.Background())
	if len(signals) != 0 {
		t.Fatalf("signals from foreign instrument: %+v", signals)
	}
}

type scriptedProducer struct {
	id     string
	calls  atomic.Int64
	panics int64
}

func (p *scriptedProducer) ID() string { return p.id }

func (p *scriptedProducer) Produce(ctx context.Context) ([]schema.Signal, error) {
	n := p.calls.Add(1)
	if n <= p.panics {
		panic("boom")
	}
	return nil, nil
}

func TestSupervisorQuarantinesAfterConsecutivePanics(t *testing.T) {
	signals := sigstore.New(sigstore.Config{})
	sup := NewSupervisor(SupervisorConfig{
		ProduceInterval: time.Millisecond,
		RestartBackoff:  backoff.Backoff{Min: time.Millisecond, Max: time.Millisecond, Factor: 1},
		QuarantineAfter: 3,
	}, signals)

	bad := &scriptedProducer{id: "bad", panics: 1 << 30}
	good := &scriptedProducer{id: "good"}
	sup.Attach(bad)
	sup.Attach(good)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for !sup.Quarantined("bad") {
		select {
		case <-deadline:
			t.Fatalf("bad agent never quarantined")
		case <-time.After(time.Millisecond):
		}
	}
	if bad.calls.Load() != 3 {
		t.Fatalf("bad agent ran %d times, want 3", bad.calls.Load())
	}

	// the healthy agent keeps producing
	before := good.calls.Load()
	time.Sleep(20 * time.Millisecond)
	if good.calls.Load() <= before {
		t.Fatalf("good agent stalled after quarantine of sibling")
	}
	if sup.Quarantined("good") {
		t.Fatalf("good agent quarantined")
	}

	cancel()
	<-done
}

func newTradingStack(t *testing.T) (*ledger.Ledger, *exec.Coordinator, *venue.Sim) {
	t.Helper()
	book := ledger.New(ledger.Config{
		ReservationTTL: time.Minute,
		Capacity: func(schema.AccountID, schema.InstrumentID) schema.Quantity {
			return 1_000
		},
	})
	sim := venue.NewSim(venue.SimConfig{FillPrice: 500})
	coord, err := exec.New(exec.Config{
		SubmitTimeout: 100 * time.Millisecond,
		SettleTimeout: 500 * time.Millisecond,
		SettlePoll:    time.Millisecond,
		MaxAttempts:   2,
	}, sim, book, nil, nil)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return book, coord, sim
}

func tradingRegistry(t *testing.T) (*schema.Registry, schema.InstrumentID, schema.AccountID) {
	t.Helper()
	reg := schema.NewRegistry()
	instID, err := reg.AddInstrument("BONK", "mint-bonk", 5, 10)
	if err != nil {
		t.Fatalf("add instrument: %v", err)
	}
	acctID, err := reg.AddAccount("main", "owner")
	if err != nil {
		t.Fatalf("add account: %v", err)
	}
	return reg, instID, acctID
}

func steadyLimits() risk.Limits {
	return risk.Limits{
		Version:              1,
		UpdatedAt:            time.Now().UnixNano(),
		MaxPositionSize:      500,
		MaxAggregateNotional: 1 << 50,
		BaseSize:             200,
		FreshnessWindow:      time.Hour,
	}
}

func TestTraderReactReservesAndSubmits(t *testing.T) {
	reg, instID, acctID := tradingRegistry(t)
	book, coord, _ := newTradingStack(t)

	trader := NewTrader("trader-1", TraderConfig{
		AccountID: acctID,
		Strategy:  "momentum",
		Now:       func() int64 { return time.Now().UnixNano() },
	}, reg, book, coord, steadyLimits,
		func(schema.InstrumentID) schema.Price { return 100 },
		nil, nil)

	sig := schema.Signal{
		InstrumentID:  instID,
		Direction:     schema.DirectionLong,
		Confidence:    0.5,
		GeneratedAt:   time.Now().UnixNano(),
		SourceAgentID: "analyst-1",
		TTL:           time.Minute,
	}
	intent, err := trader.React(context.Background(), sig)
	if err != nil {
		t.Fatalf("react: %v", err)
	}
	if intent == nil {
		t.Fatalf("expected an intent")
	}
	// base 200 at confidence 0.5, floored to min unit 10
	if intent.Qty != 100 {
		t.Fatalf("qty = %d, want 100", intent.Qty)
	}
	if intent.Signal.SourceAgentID != "analyst-1" {
		t.Fatalf("signal ref = %+v", intent.Signal)
	}
	if exposure := book.Exposure(acctID, instID); exposure != 100 {
		t.Fatalf("exposure = %d, want 100 (reservation held)", exposure)
	}
}

func TestTraderIgnoresExpiredSignal(t *testing.T) {
	reg, instID, acctID := tradingRegistry(t)
	book, coord, _ := newTradingStack(t)
	trader := NewTrader("trader-2", TraderConfig{AccountID: acctID}, reg, book, coord, steadyLimits,
		func(schema.InstrumentID) schema.Price { return 100 }, nil, nil)

	sig := schema.Signal{
		InstrumentID: instID,
		Direction:    schema.DirectionLong,
		Confidence:   1,
		GeneratedAt:  1,
		TTL:          time.Nanosecond,
	}
	intent, err := trader.React(context.Background(), sig)
	if err != nil || intent != nil {
		t.Fatalf("intent=%v err=%v, want nil/nil", intent, err)
	}
	if exposure := book.Exposure(acctID, instID); exposure != 0 {
		t.Fatalf("exposure = %d after expired signal", exposure)
	}
}

func TestTraderAppliesAnalystWeight(t *testing.T) {
	reg, instID, acctID := tradingRegistry(t)
	book, coord, _ := newTradingStack(t)
	trader := NewTrader("trader-3", TraderConfig{AccountID: acctID}, reg, book, coord, steadyLimits,
		func(schema.InstrumentID) schema.Price { return 100 },
		func(string) float64 { return 0.5 }, nil)

	sig := schema.Signal{
		InstrumentID:  instID,
		Direction:     schema.DirectionLong,
		Confidence:    1,
		GeneratedAt:   time.Now().UnixNano(),
		SourceAgentID: "analyst-x",
		TTL:           time.Minute,
	}
	intent, err := trader.React(context.Background(), sig)
	if err != nil || intent == nil {
		t.Fatalf("intent=%v err=%v", intent, err)
	}
	// base 200 scaled by weighted confidence 0.5
	if intent.Qty != 100 {
		t.Fatalf("qty = %d, want 100", intent.Qty)
	}
}

type oneShotAnalyst struct {
	id   string
	inst schema.InstrumentID
	sent atomic.Bool
}

func (a *oneShotAnalyst) ID() string { return a.id }

func (a *oneShotAnalyst) Produce(ctx context.Context) ([]schema.Signal, error) {
	if a.sent.Swap(true) {
		return nil, nil
	}
	return []schema.Signal{{
		InstrumentID:  a.inst,
		Direction:     schema.DirectionLong,
		Confidence:    1,
		GeneratedAt:   time.Now().UnixNano(),
		SourceAgentID: a.id,
		TTL:           time.Minute,
	}}, nil
}

func TestPipelineSignalToSettledPosition(t *testing.T) {
	reg, instID, acctID := tradingRegistry(t)
	book, coord, sim := newTradingStack(t)
	signals := sigstore.New(sigstore.Config{})

	sup := NewSupervisor(SupervisorConfig{ProduceInterval: time.Millisecond}, signals)
	analyst := &oneShotAnalyst{id: "analyst-p", inst: instID}
	trader := NewTrader("trader-p", TraderConfig{AccountID: acctID, Strategy: "momentum"},
		reg, book, coord, steadyLimits,
		func(schema.InstrumentID) schema.Price { return 100 }, nil, nil)
	sup.Attach(analyst)
	sup.Attach(trader, instID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coord.Run(ctx)
	go sup.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		pos, ok := book.Position(acctID, instID)
		if ok && pos.Qty == 200 {
			break
		}
		select {
		case <-deadline:
			pos, ok := book.Position(acctID, instID)
			t.Fatalf("position never settled: %+v ok=%v submits=%d", pos, ok, sim.SubmitCount(""))
		case <-time.After(time.Millisecond):
		}
	}
}

func TestObserverWeights(t *testing.T) {
	tracker := perf.NewTracker()
	obs := NewObserver("observer-1", tracker)

	if w := obs.Weight("unseen"); w != 1 {
		t.Fatalf("default weight = %f, want 1", w)
	}

	for range 6 {
		obs.Observe(schema.OrderOutcome{
			IntentID:      "obs-1",
			SourceAgentID: "trader-1",
			SignalAgentID: "analyst-bad",
			Strategy:      "momentum",
			Final:         schema.OrderStateFailed,
			Attempts:      1,
		})
	}
	if w := obs.Weight("analyst-bad"); w >= 0.5 {
		t.Fatalf("weight = %f, want < 0.5 after failures", w)
	}
}
