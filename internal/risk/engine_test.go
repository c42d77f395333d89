package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/schema"
)

func baseLimits() Limits {
	return Limits{
		Version:         7,
		UpdatedAt:       0,
		MaxPositionSize: 100,
		BaseSize:        200,
	}
}

func baseDraft() IntentDraft {
	return IntentDraft{
		AccountID:    1,
		InstrumentID: 1,
		Side:         schema.OrderSideBuy,
		RequestedQty: 50,
		MarkPrice:    10,
		MinUnit:      1,
		Confidence:   0.5,
		Now:          0,
	}
}

func TestEvaluateCapsToHeadroom(t *testing.T) {
	// max position 100, exposure 80, requested 50, confidence 0.5 with
	// base size 200: min(50, 20, 100) = 20.
	draft := baseDraft()
	snap := AccountSnapshot{AccountID: 1, InstrumentExposure: 80}

	decision := Evaluate(draft, snap, baseLimits())
	require.True(t, decision.Approved(), "decision: %+v", decision)
	assert.Equal(t, schema.Quantity(20), decision.SizedQty)
	assert.Equal(t, schema.Quantity(20), decision.HeadroomCap)
	assert.Equal(t, schema.Quantity(100), decision.ConfidenceCap)
	assert.Equal(t, uint64(7), decision.LimitsVersion)
}

func TestEvaluateCapsToConfidence(t *testing.T) {
	draft := baseDraft()
	draft.RequestedQty = 500
	draft.Confidence = 0.1
	snap := AccountSnapshot{AccountID: 1}

	decision := Evaluate(draft, snap, baseLimits())
	require.True(t, decision.Approved())
	// min(500, 100, 200*0.1) = 20
	assert.Equal(t, schema.Quantity(20), decision.SizedQty)
}

func TestEvaluateFloorsToMinUnit(t *testing.T) {
	draft := baseDraft()
	draft.RequestedQty = 47
	draft.MinUnit = 10
	draft.Confidence = 1
	snap := AccountSnapshot{AccountID: 1}

	decision := Evaluate(draft, snap, baseLimits())
	require.True(t, decision.Approved())
	assert.Equal(t, schema.Quantity(40), decision.SizedQty)
}

func TestEvaluateRejectsZeroSize(t *testing.T) {
	draft := baseDraft()
	draft.RequestedQty = 7
	draft.MinUnit = 10
	snap := AccountSnapshot{AccountID: 1}

	decision := Evaluate(draft, snap, baseLimits())
	require.False(t, decision.Approved())
	assert.Equal(t, ReasonZeroSize, decision.Reason)
}

func TestEvaluateRejectsExhaustedHeadroom(t *testing.T) {
	draft := baseDraft()
	snap := AccountSnapshot{AccountID: 1, InstrumentExposure: 100}

	decision := Evaluate(draft, snap, baseLimits())
	require.False(t, decision.Approved())
	assert.Equal(t, ReasonLimitExceeded, decision.Reason)
	assert.Equal(t, "position size", decision.Detail)
}

func TestEvaluateShortExposureConsumesHeadroom(t *testing.T) {
	draft := baseDraft()
	draft.Side = schema.OrderSideSell
	snap := AccountSnapshot{AccountID: 1, InstrumentExposure: -90}

	decision := Evaluate(draft, snap, baseLimits())
	require.True(t, decision.Approved())
	assert.Equal(t, schema.Quantity(10), decision.SizedQty)
}

func TestEvaluateRejectsStaleLimits(t *testing.T) {
	draft := baseDraft()
	draft.Now = int64(10 * time.Second)
	limits := baseLimits()
	limits.FreshnessWindow = 5 * time.Second
	limits.UpdatedAt = 0

	decision := Evaluate(draft, AccountSnapshot{AccountID: 1}, limits)
	require.False(t, decision.Approved())
	assert.Equal(t, ReasonStaleLimits, decision.Reason)
	assert.Equal(t, uint64(7), decision.LimitsVersion)
}

func TestEvaluateRejectsOrderRate(t *testing.T) {
	draft := baseDraft()
	draft.Now = int64(time.Minute)
	limits := baseLimits()
	limits.MaxOrdersPerWindow = 3
	limits.OrderRateWindow = 10 * time.Second

	recent := []int64{
		draft.Now - int64(time.Second),
		draft.Now - int64(2*time.Second),
		draft.Now - int64(3*time.Second),
		draft.Now - int64(time.Hour), // outside the window
	}
	decision := Evaluate(draft, AccountSnapshot{AccountID: 1, RecentOrders: recent}, limits)
	require.False(t, decision.Approved())
	assert.Equal(t, ReasonLimitExceeded, decision.Reason)
	assert.Equal(t, "order rate", decision.Detail)

	decision = Evaluate(draft, AccountSnapshot{AccountID: 1, RecentOrders: recent[1:]}, limits)
	assert.True(t, decision.Approved())
}

func TestEvaluateRejectsAggregateNotional(t *testing.T) {
	draft := baseDraft()
	draft.Confidence = 1
	limits := baseLimits()
	limits.MaxAggregateNotional = 1000

	// 50 * 10 added to 600 exceeds 1000.
	snap := AccountSnapshot{AccountID: 1, AggregateNotional: 600}
	decision := Evaluate(draft, snap, limits)
	require.False(t, decision.Approved())
	assert.Equal(t, ReasonLimitExceeded, decision.Reason)
	assert.Equal(t, "aggregate notional", decision.Detail)

	snap.AggregateNotional = 500
	decision = Evaluate(draft, snap, limits)
	assert.True(t, decision.Approved())
}

func TestEvaluateDeterministic(t *testing.T) {
	draft := baseDraft()
	snap := AccountSnapshot{
		AccountID:          1,
		InstrumentExposure: 33,
		AggregateNotional:  120,
		RecentOrders:       []int64{1, 2, 3},
	}
	limits := baseLimits()
	limits.MaxOrdersPerWindow = 10
	limits.OrderRateWindow = time.Minute

	first := Evaluate(draft, snap, limits)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Evaluate(draft, snap, limits))
	}
}
