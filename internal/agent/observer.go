package agent

import (
	"sync"

	"main/internal/perf"
	"main/internal/schema"
)

// Observer folds terminal outcomes into the performance tracker and keeps a
// weight snapshot for traders to discount unreliable analysts.
type Observer struct {
	id      string
	tracker *perf.Tracker

	mu      sync.RWMutex
	weights map[string]float64
}

// NewObserver creates an observer over the given tracker.
func NewObserver(id string, tracker *perf.Tracker) *Observer {
	return &Observer{
		id:      id,
		tracker: tracker,
		weights: make(map[string]float64),
	}
}

func (o *Observer) ID() string {
	return o.id
}

// Observe records the outcome and refreshes the weight snapshot.
func (o *Observer) Observe(out schema.OrderOutcome) {
	o.tracker.Record(out)
	weights := o.tracker.Weights()

	o.mu.Lock()
	o.weights = weights
	o.mu.Unlock()
}

// Weight returns the current score for an agent, defaulting to 1 for agents
// with no history.
func (o *Observer) Weight(agentID string) float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if w, ok := o.weights[agentID]; ok {
		return w
	}
	return 1
}
