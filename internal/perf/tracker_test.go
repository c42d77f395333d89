package perf

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"main/internal/bus"
	"main/internal/codec"
	"main/internal/schema"
)

func settledOutcome(agent, strategy string, qty schema.Quantity, price schema.Price) schema.OrderOutcome {
	return schema.OrderOutcome{
		IntentID:      "perf-1",
		SourceAgentID: agent,
		SignalAgentID: agent,
		Strategy:      strategy,
		Side:          schema.OrderSideBuy,
		RequestedQty:  qty,
		FilledQty:     qty,
		AvgPrice:      price,
		Final:         schema.OrderStateSettled,
		Attempts:      1,
		CreatedAt:     100,
		CompletedAt:   200,
	}
}

func failedOutcome(agent, strategy string) schema.OrderOutcome {
	return schema.OrderOutcome{
		IntentID:      "perf-2",
		SourceAgentID: agent,
		SignalAgentID: agent,
		Strategy:      strategy,
		Final:         schema.OrderStateFailed,
		Attempts:      3,
		Reason:        "rejected",
		CreatedAt:     100,
		CompletedAt:   150,
	}
}

func TestRecordAggregates(t *testing.T) {
	tracker := NewTracker()
	tracker.Record(settledOutcome("agent-a", "momentum", 10, 2_000))
	tracker.Record(settledOutcome("agent-a", "momentum", 5, 1_000))
	tracker.Record(failedOutcome("agent-a", "momentum"))

	stats, ok := tracker.AgentStats("agent-a")
	if !ok {
		t.Fatalf("missing agent stats")
	}
	if stats.Settled != 2 || stats.Failed != 1 {
		t.Fatalf("settled=%d failed=%d", stats.Settled, stats.Failed)
	}
	if stats.FilledQty != 15 {
		t.Fatalf("filled qty = %d, want 15", stats.FilledQty)
	}
	if stats.Notional != 25_000 {
		t.Fatalf("notional = %d, want 25000", stats.Notional)
	}
	if stats.Attempts != 5 {
		t.Fatalf("attempts = %d, want 5", stats.Attempts)
	}

	byStrategy, ok := tracker.StrategyStats("momentum")
	if !ok || byStrategy.Settled != 2 {
		t.Fatalf("strategy stats = %+v, ok=%v", byStrategy, ok)
	}
}

func TestWeights(t *testing.T) {
	tracker := NewTracker()
	for range 8 {
		tracker.Record(settledOutcome("steady", "momentum", 1, 1))
	}
	for range 8 {
		tracker.Record(failedOutcome("flaky", "momentum"))
	}

	weights := tracker.Weights()
	if w := weights["steady"]; w <= 0.8 {
		t.Fatalf("steady weight = %f, want > 0.8", w)
	}
	if w := weights["flaky"]; w != 0.1 {
		t.Fatalf("flaky weight = %f, want floor 0.1", w)
	}
}

func TestHandleDecodesOutcomeEvents(t *testing.T) {
	tracker := NewTracker()
	out := settledOutcome("agent-b", "momentum", 7, 500)
	payload, err := codec.EncodeOutcome(out)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	tracker.Handle(bus.Event{
		Header:  schema.NewHeader(schema.EventOrderOutcome, 1, 1, out.CompletedAt, out.CompletedAt),
		Payload: payload,
	})
	tracker.Handle(bus.Event{
		Header: schema.NewHeader(schema.EventTick, 1, 2, 0, 0),
	})

	stats, ok := tracker.AgentStats("agent-b")
	if !ok || stats.Settled != 1 || stats.FilledQty != 7 {
		t.Fatalf("stats = %+v, ok=%v", stats, ok)
	}
}

func TestMetricsRegistered(t *testing.T) {
	tracker := NewTracker()
	tracker.Record(settledOutcome("agent-m", "momentum", 1, 1))

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "order_outcomes_total" {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("order_outcomes_total metric not found")
	}
}
