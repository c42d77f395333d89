// Package risk sizes and approves order intent drafts against versioned
// account limits. Evaluate is a pure function of its inputs so decisions are
// reproducible and safe to retry.
package risk

import (
	"main/internal/schema"
)

const maxInt64 = int64(^uint64(0) >> 1)

// Action is the outcome kind of a risk decision.
type Action uint16

const (
	ActionUnknown Action = iota
	ActionApprove
	ActionReject
)

// Reason classifies a rejection.
type Reason uint16

const (
	ReasonNone Reason = iota
	ReasonLimitExceeded
	ReasonStaleLimits
	ReasonZeroSize
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonLimitExceeded:
		return "limit_exceeded"
	case ReasonStaleLimits:
		return "stale_limits"
	case ReasonZeroSize:
		return "zero_size"
	default:
		return "unknown"
	}
}

// IntentDraft is the pre-approval shape of an order intent.
type IntentDraft struct {
	AccountID    schema.AccountID
	InstrumentID schema.InstrumentID
	Side         schema.OrderSide
	RequestedQty schema.Quantity
	// MarkPrice is the reference price used for notional math.
	MarkPrice schema.Price
	// MinUnit is the instrument's minimum tradable unit; sized quantities
	// are floored to a multiple of it.
	MinUnit    schema.Quantity
	Confidence float64
	// Now is the evaluation timestamp in nanoseconds. Callers supply it so
	// Evaluate stays deterministic.
	Now int64
}

// AccountSnapshot is the ledger's view of an account at evaluation time.
// InstrumentExposure includes pending reservations so two in-flight orders
// cannot spend the same headroom.
type AccountSnapshot struct {
	AccountID          schema.AccountID
	InstrumentExposure schema.Quantity
	AggregateNotional  schema.Notional
	// RecentOrders holds reserve timestamps used for the rate check.
	RecentOrders []int64
}

// Decision is the result of one evaluation. SizedQty is set on approval.
type Decision struct {
	Action        Action
	Reason        Reason
	Detail        string
	SizedQty      schema.Quantity
	RequestedQty  schema.Quantity
	HeadroomCap   schema.Quantity
	ConfidenceCap schema.Quantity
	LimitsVersion uint64
}

// Approved reports whether the decision allows the order.
func (d Decision) Approved() bool {
	return d.Action == ActionApprove
}

// Evaluate sizes a draft against account limits. The sized quantity is the
// minimum of the requested size, the remaining per-instrument headroom, and
// the confidence-scaled cap, floored to the instrument's minimum unit.
// Identical inputs always yield an identical Decision.
func Evaluate(draft IntentDraft, snap AccountSnapshot, limits Limits) Decision {
	decision := Decision{
		Action:        ActionReject,
		RequestedQty:  draft.RequestedQty,
		LimitsVersion: limits.Version,
	}

	if limits.Stale(draft.Now) {
		decision.Reason = ReasonStaleLimits
		return decision
	}

	if limits.MaxOrdersPerWindow > 0 && limits.OrderRateWindow > 0 {
		cutoff := draft.Now - int64(limits.OrderRateWindow)
		recent := 0
		for _, ts := range snap.RecentOrders {
			if ts > cutoff {
				recent++
			}
		}
		if recent >= limits.MaxOrdersPerWindow {
			decision.Reason = ReasonLimitExceeded
			decision.Detail = "order rate"
			return decision
		}
	}

	sized := draft.RequestedQty
	if sized < 0 {
		sized = 0
	}

	if limits.MaxPositionSize > 0 {
		headroom := int64(limits.MaxPositionSize) - absInt64(int64(snap.InstrumentExposure))
		if headroom <= 0 {
			decision.Reason = ReasonLimitExceeded
			decision.Detail = "position size"
			return decision
		}
		decision.HeadroomCap = schema.Quantity(headroom)
		if schema.Quantity(headroom) < sized {
			sized = schema.Quantity(headroom)
		}
	}

	if limits.BaseSize > 0 {
		confCap := scaleByConfidence(limits.BaseSize, draft.Confidence)
		decision.ConfidenceCap = confCap
		if confCap < sized {
			sized = confCap
		}
	}

	sized = floorToUnit(sized, draft.MinUnit)
	if sized <= 0 {
		decision.Reason = ReasonZeroSize
		return decision
	}

	if limits.MaxAggregateNotional > 0 {
		addition, overflow := mulNotional(draft.MarkPrice, sized)
		if overflow || int64(snap.AggregateNotional)+int64(addition) > int64(limits.MaxAggregateNotional) {
			decision.Reason = ReasonLimitExceeded
			decision.Detail = "aggregate notional"
			return decision
		}
	}

	decision.Action = ActionApprove
	decision.Reason = ReasonNone
	decision.SizedQty = sized
	return decision
}

func scaleByConfidence(base schema.Quantity, confidence float64) schema.Quantity {
	if confidence <= 0 {
		return 0
	}
	if confidence >= 1 {
		return base
	}
	return schema.Quantity(float64(base) * confidence)
}

func floorToUnit(qty, unit schema.Quantity) schema.Quantity {
	if unit <= 1 {
		return qty
	}
	return qty - qty%unit
}

func mulNotional(price schema.Price, qty schema.Quantity) (schema.Notional, bool) {
	p := int64(price)
	q := int64(qty)
	if p <= 0 || q <= 0 {
		return 0, false
	}
	if p > maxInt64/q {
		return 0, true
	}
	return schema.Notional(p * q), false
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
