package agent

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"main/internal/exec"
	"main/internal/ledger"
	"main/internal/obs"
	"main/internal/risk"
	"main/internal/schema"
)

// TraderConfig binds a trader to an account and strategy.
type TraderConfig struct {
	AccountID      schema.AccountID
	Strategy       string
	MaxSlippageBps int
	Now            func() int64
}

// Trader turns approved signals into reserved, submitted order intents. The
// risk gate runs on a ledger snapshot taken at reaction time; the ledger's
// own capacity check is the backstop against races between traders.
type Trader struct {
	id       string
	cfg      TraderConfig
	registry *schema.Registry
	book     *ledger.Ledger
	coord    *exec.Coordinator
	limits   func() risk.Limits
	mark     func(schema.InstrumentID) schema.Price
	weight   func(agentID string) float64
	metrics  *obs.Metrics
}

// NewTrader wires a trader. limits must never return a zero value; weight
// and metrics may be nil.
func NewTrader(
	id string,
	cfg TraderConfig,
	registry *schema.Registry,
	book *ledger.Ledger,
	coord *exec.Coordinator,
	limits func() risk.Limits,
	mark func(schema.InstrumentID) schema.Price,
	weight func(agentID string) float64,
	metrics *obs.Metrics,
) *Trader {
	if cfg.Now == nil {
		cfg.Now = func() int64 { return time.Now().UnixNano() }
	}
	return &Trader{
		id:       id,
		cfg:      cfg,
		registry: registry,
		book:     book,
		coord:    coord,
		limits:   limits,
		mark:     mark,
		weight:   weight,
		metrics:  metrics,
	}
}

func (t *Trader) ID() string {
	return t.id
}

// React sizes and submits an order for the signal. A nil intent means the
// risk gate, the signal itself, or capacity said no.
func (t *Trader) React(ctx context.Context, sig schema.Signal) (*schema.OrderIntent, error) {
	now := t.cfg.Now()
	if sig.Expired(now) || sig.Direction == schema.DirectionFlat {
		return nil, nil
	}
	side := sig.Direction.Side()
	if side == schema.OrderSideUnknown {
		return nil, nil
	}
	inst, ok := t.registry.Instrument(sig.InstrumentID)
	if !ok {
		return nil, nil
	}

	confidence := sig.Confidence
	if t.weight != nil {
		confidence *= t.weight(sig.SourceAgentID)
	}

	limits := t.limits()
	draft := risk.IntentDraft{
		AccountID:    t.cfg.AccountID,
		InstrumentID: sig.InstrumentID,
		Side:         side,
		RequestedQty: limits.BaseSize,
		MarkPrice:    t.mark(sig.InstrumentID),
		MinUnit:      inst.MinUnit,
		Confidence:   confidence,
		Now:          now,
	}
	snap := risk.AccountSnapshot{
		AccountID:          t.cfg.AccountID,
		InstrumentExposure: t.book.Exposure(t.cfg.AccountID, sig.InstrumentID),
		AggregateNotional:  t.book.AggregateNotional(t.cfg.AccountID, t.mark),
		RecentOrders:       t.book.RecentOrders(t.cfg.AccountID, now-int64(limits.OrderRateWindow)),
	}

	evalStart := time.Now()
	decision := risk.Evaluate(draft, snap, limits)
	t.metrics.ObserveRiskEval(time.Since(evalStart))
	if !decision.Approved() {
		t.metrics.IncRiskReason(decision.Reason)
		return nil, nil
	}

	intent := &schema.OrderIntent{
		ID:             schema.IntentID(uuid.NewString()),
		AccountID:      t.cfg.AccountID,
		InstrumentID:   sig.InstrumentID,
		Side:           side,
		Qty:            decision.SizedQty,
		MaxSlippageBps: t.cfg.MaxSlippageBps,
		CreatedAt:      now,
		SourceAgentID:  t.id,
		Strategy:       t.cfg.Strategy,
		Signal: schema.SignalRef{
			InstrumentID:  sig.InstrumentID,
			SourceAgentID: sig.SourceAgentID,
			GeneratedAt:   sig.GeneratedAt,
			Confidence:    sig.Confidence,
		},
	}

	token, err := t.book.Reserve(intent.AccountID, intent.InstrumentID, intent.Side, intent.Qty, intent.ID)
	if err != nil {
		// a concurrent trader took the headroom first
		logs.Infof("reserve lost for intent %s: %v", intent.ID, err)
		return nil, nil
	}

	if err := t.coord.TrySubmit(*intent, token); err != nil {
		if rerr := t.book.Release(token); rerr != nil {
			logs.Errorf("release after submit failure, err: %+v", rerr)
		}
		return nil, err
	}
	return intent, nil
}
