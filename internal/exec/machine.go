package exec

import "main/internal/schema"

// transitions is the allowed order lifecycle graph. Settled and Failed are
// terminal; everything else has at least one exit.
var transitions = map[schema.OrderState][]schema.OrderState{
	schema.OrderStateCreated: {
		schema.OrderStateSubmitted,
		schema.OrderStateFailed,
	},
	schema.OrderStateSubmitted: {
		schema.OrderStateConfirmed,
		schema.OrderStateRejected,
		schema.OrderStateTimedOut,
	},
	schema.OrderStateConfirmed: {
		schema.OrderStateSettled,
		schema.OrderStateFailed,
	},
	schema.OrderStateRejected: {
		schema.OrderStateFailed,
	},
	schema.OrderStateTimedOut: {
		schema.OrderStateReconciling,
	},
	schema.OrderStateReconciling: {
		schema.OrderStateSubmitted,
		schema.OrderStateConfirmed,
		schema.OrderStateFailed,
	},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to schema.OrderState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
