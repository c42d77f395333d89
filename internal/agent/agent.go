// Package agent hosts the autonomous roles of the pipeline: analysts that
// score signals from market data, traders that turn signals into sized
// intents, and observers that fold outcomes back into strategy weights.
// An agent implements any subset of the capability interfaces.
package agent

import (
	"context"

	"main/internal/schema"
)

// Agent is the minimal identity every role carries.
type Agent interface {
	ID() string
}

// SignalProducer emits zero or more signals per production cycle.
type SignalProducer interface {
	Agent
	Produce(ctx context.Context) ([]schema.Signal, error)
}

// IntentProducer reacts to a signal, possibly with an order intent. A nil
// intent means the agent chose not to trade.
type IntentProducer interface {
	Agent
	React(ctx context.Context, sig schema.Signal) (*schema.OrderIntent, error)
}

// OutcomeObserver is notified of every terminal order outcome.
type OutcomeObserver interface {
	Agent
	Observe(out schema.OrderOutcome)
}

// TickConsumer receives market ticks for its instruments.
type TickConsumer interface {
	Agent
	OnTick(tick schema.Tick)
}
