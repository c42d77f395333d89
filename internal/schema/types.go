package schema

import "time"

// Price is a scaled integer. The scale is defined per instrument.
type Price int64

// Quantity is a scaled integer in instrument base units.
type Quantity int64

// Notional is a scaled integer. Product of price and quantity scales.
type Notional int64

// Fee is a scaled integer in the quote currency.
type Fee int64

// IntentID uniquely identifies an order intent across the pipeline.
type IntentID string

// Direction describes the bias a signal expresses.
type Direction uint16

const (
	DirectionUnknown Direction = iota
	DirectionLong
	DirectionShort
	DirectionFlat
)

// Side returns the order side a direction translates into.
// Flat signals do not trade and map to OrderSideUnknown.
func (d Direction) Side() OrderSide {
	switch d {
	case DirectionLong:
		return OrderSideBuy
	case DirectionShort:
		return OrderSideSell
	default:
		return OrderSideUnknown
	}
}

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "long"
	case DirectionShort:
		return "short"
	case DirectionFlat:
		return "flat"
	default:
		return "unknown"
	}
}

// OrderSide describes order direction.
type OrderSide uint16

const (
	OrderSideUnknown OrderSide = iota
	OrderSideBuy
	OrderSideSell
)

func (s OrderSide) String() string {
	switch s {
	case OrderSideBuy:
		return "buy"
	case OrderSideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Signed returns the quantity with the sign implied by the side.
func (s OrderSide) Signed(qty Quantity) Quantity {
	if s == OrderSideSell {
		return -qty
	}
	return qty
}

// Signal is a scored directional opinion about an instrument.
// Signals are immutable; a newer GeneratedAt supersedes, never mutates.
type Signal struct {
	InstrumentID  InstrumentID  `json:"instrumentId"`
	Direction     Direction     `json:"direction"`
	Confidence    float64       `json:"confidence"`
	GeneratedAt   int64         `json:"generatedAt"`
	SourceAgentID string        `json:"sourceAgentId"`
	TTL           time.Duration `json:"ttl"`
}

// ExpiresAt returns the nanosecond timestamp after which the signal is stale.
func (s Signal) ExpiresAt() int64 {
	return s.GeneratedAt + int64(s.TTL)
}

// Expired reports whether the signal is past its TTL at the given time.
func (s Signal) Expired(now int64) bool {
	return now > s.ExpiresAt()
}

// SignalRef identifies the signal an order intent was formed from.
type SignalRef struct {
	InstrumentID  InstrumentID `json:"instrumentId"`
	SourceAgentID string       `json:"sourceAgentId"`
	GeneratedAt   int64        `json:"generatedAt"`
	Confidence    float64      `json:"confidence"`
}

// OrderIntent is a risk-approved request to trade. Immutable once created.
type OrderIntent struct {
	ID             IntentID     `json:"id"`
	AccountID      AccountID    `json:"accountId"`
	InstrumentID   InstrumentID `json:"instrumentId"`
	Side           OrderSide    `json:"side"`
	Qty            Quantity     `json:"qty"`
	MaxSlippageBps int          `json:"maxSlippageBps"`
	CreatedAt      int64        `json:"createdAt"`
	SourceAgentID  string       `json:"sourceAgentId"`
	Strategy       string       `json:"strategy"`
	Signal         SignalRef    `json:"signal"`
}

// Fill is the settled result of an order applied to a position.
type Fill struct {
	IntentID     IntentID     `json:"intentId"`
	AccountID    AccountID    `json:"accountId"`
	InstrumentID InstrumentID `json:"instrumentId"`
	Side         OrderSide    `json:"side"`
	Price        Price        `json:"price"`
	Qty          Quantity     `json:"qty"`
	Fee          Fee          `json:"fee"`
	FilledAt     int64        `json:"filledAt"`
}

// OrderState tracks the lifecycle of an order inside the coordinator.
type OrderState uint16

const (
	OrderStateUnknown OrderState = iota
	OrderStateCreated
	OrderStateSubmitted
	OrderStateConfirmed
	OrderStateRejected
	OrderStateTimedOut
	OrderStateReconciling
	OrderStateSettled
	OrderStateFailed
)

func (s OrderState) String() string {
	switch s {
	case OrderStateCreated:
		return "created"
	case OrderStateSubmitted:
		return "submitted"
	case OrderStateConfirmed:
		return "confirmed"
	case OrderStateRejected:
		return "rejected"
	case OrderStateTimedOut:
		return "timed_out"
	case OrderStateReconciling:
		return "reconciling"
	case OrderStateSettled:
		return "settled"
	case OrderStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state permits no further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateSettled, OrderStateFailed:
		return true
	default:
		return false
	}
}

// TransitionEvent records a single order state transition. Immutable.
type TransitionEvent struct {
	IntentID IntentID   `json:"intentId"`
	Attempt  int        `json:"attempt"`
	From     OrderState `json:"from"`
	To       OrderState `json:"to"`
	Reason   string     `json:"reason,omitempty"`
	Ts       int64      `json:"ts"`
}

// OrderOutcome is the terminal record of an order, consumed by the
// performance tracker and archived by the store.
type OrderOutcome struct {
	IntentID      IntentID     `json:"intentId"`
	AccountID     AccountID    `json:"accountId"`
	InstrumentID  InstrumentID `json:"instrumentId"`
	SourceAgentID string       `json:"sourceAgentId"`
	SignalAgentID string       `json:"signalAgentId,omitempty"`
	Strategy      string       `json:"strategy"`
	Side          OrderSide    `json:"side"`
	RequestedQty  Quantity     `json:"requestedQty"`
	FilledQty     Quantity     `json:"filledQty"`
	AvgPrice      Price        `json:"avgPrice"`
	Fee           Fee          `json:"fee"`
	Final         OrderState   `json:"final"`
	Attempts      int          `json:"attempts"`
	DuplicateFill bool         `json:"duplicateFill"`
	Reason        string       `json:"reason,omitempty"`
	CreatedAt     int64        `json:"createdAt"`
	CompletedAt   int64        `json:"completedAt"`
}

// Tick is a timestamped market data point for one instrument.
// Duplicate and out-of-order delivery is tolerated downstream.
type Tick struct {
	InstrumentID InstrumentID `json:"instrumentId"`
	Price        Price        `json:"price"`
	Size         Quantity     `json:"size"`
	TsVenue      int64        `json:"tsVenue"`
	TsRecv       int64        `json:"tsRecv"`
}
