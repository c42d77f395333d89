// Package perf aggregates terminal order outcomes into per-agent and
// per-strategy statistics. It feeds off the event bus and never sits on the
// order hot path.
package perf

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/codec"
	"main/internal/schema"
)

var (
	outcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "order_outcomes_total", Help: "Terminal order outcomes"},
		[]string{"agent", "strategy", "final"},
	)
	filledVolumeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "filled_volume_total", Help: "Filled quantity in base units"},
		[]string{"agent", "strategy"},
	)
	duplicateFillsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "duplicate_fills_total", Help: "Fills flagged for manual reconciliation"},
	)
	orderCompleteSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "order_complete_seconds", Help: "Intent creation to terminal state", Buckets: prometheus.DefBuckets},
	)
)

func init() {
	prometheus.MustRegister(outcomesTotal, filledVolumeTotal, duplicateFillsTotal, orderCompleteSeconds)
}

// Serve exposes /metrics on addr.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// Stats accumulates outcomes for one agent or strategy.
type Stats struct {
	Settled        uint64
	Failed         uint64
	FilledQty      schema.Quantity
	Notional       schema.Notional
	Fees           schema.Fee
	DuplicateFills uint64
	Attempts       uint64
}

// Tracker is the in-memory aggregate consumed by observer agents.
type Tracker struct {
	mu         sync.RWMutex
	agents     map[string]*Stats
	analysts   map[string]*Stats
	strategies map[string]*Stats
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		agents:     make(map[string]*Stats),
		analysts:   make(map[string]*Stats),
		strategies: make(map[string]*Stats),
	}
}

// Record folds one terminal outcome into the aggregates.
func (t *Tracker) Record(out schema.OrderOutcome) {
	outcomesTotal.WithLabelValues(out.SourceAgentID, out.Strategy, out.Final.String()).Inc()
	if out.FilledQty > 0 {
		filledVolumeTotal.WithLabelValues(out.SourceAgentID, out.Strategy).Add(float64(out.FilledQty))
	}
	if out.DuplicateFill {
		duplicateFillsTotal.Inc()
	}
	if out.CompletedAt > out.CreatedAt {
		orderCompleteSeconds.Observe(time.Duration(out.CompletedAt - out.CreatedAt).Seconds())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.fold(t.agents, out.SourceAgentID, out)
	t.fold(t.analysts, out.SignalAgentID, out)
	t.fold(t.strategies, out.Strategy, out)
}

func (t *Tracker) fold(m map[string]*Stats, key string, out schema.OrderOutcome) {
	if key == "" {
		return
	}
	s, ok := m[key]
	if !ok {
		s = &Stats{}
		m[key] = s
	}
	switch out.Final {
	case schema.OrderStateSettled:
		s.Settled++
		s.FilledQty += out.FilledQty
		s.Notional += schema.Notional(int64(out.FilledQty) * int64(out.AvgPrice))
		s.Fees += out.Fee
	case schema.OrderStateFailed:
		s.Failed++
	}
	if out.DuplicateFill {
		s.DuplicateFills++
	}
	s.Attempts += uint64(out.Attempts)
}

// AgentStats returns a copy of one agent's aggregates.
func (t *Tracker) AgentStats(agentID string) (Stats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.agents[agentID]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

// StrategyStats returns a copy of one strategy's aggregates.
func (t *Tracker) StrategyStats(strategy string) (Stats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.strategies[strategy]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

// Weights scores each signal-producing agent by the settlement rate of the
// orders its signals drove, with add-one smoothing so a fresh agent starts
// near 0.5 instead of an extreme. Scores are clamped to [0.1, 1.0] so no
// agent is ever silenced entirely.
func (t *Tracker) Weights() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	weights := make(map[string]float64, len(t.analysts))
	for id, s := range t.analysts {
		w := (1 + float64(s.Settled)) / (2 + float64(s.Settled+s.Failed))
		if w < 0.1 {
			w = 0.1
		}
		if w > 1 {
			w = 1
		}
		weights[id] = w
	}
	return weights
}

// Handle is the bus consumer: it records outcome events and ignores the rest.
func (t *Tracker) Handle(e bus.Event) {
	if e.Header.Type != schema.EventOrderOutcome {
		return
	}
	out, err := codec.DecodeOutcome(e.Payload)
	if err != nil {
		logs.Errorf("decode outcome event, err: %+v", err)
		return
	}
	t.Record(out)
}
