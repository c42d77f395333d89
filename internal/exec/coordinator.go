// Package exec drives order intents through their lifecycle: submission to
// the venue, settlement polling, reconciliation of ambiguous submissions,
// and exactly-once commitment of fills into the position ledger.
package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/codec"
	"main/internal/ledger"
	"main/internal/obs"
	"main/internal/schema"
	"main/internal/venue"
	"main/pkg/backoff"
	"main/pkg/exception"
)

// Config controls coordinator timing and worker sizing.
type Config struct {
	Workers           int
	QueueCap          int
	SubmitTimeout     time.Duration
	SettleTimeout     time.Duration
	SettlePoll        time.Duration
	ReconcileDeadline time.Duration
	MaxAttempts       int
	Retry             backoff.Backoff
	Source            uint16
	Now               func() int64
}

func (cfg Config) withDefaults() Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = 256
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 5 * time.Second
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 30 * time.Second
	}
	if cfg.SettlePoll <= 0 {
		cfg.SettlePoll = 500 * time.Millisecond
	}
	if cfg.ReconcileDeadline <= 0 {
		cfg.ReconcileDeadline = 20 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Retry == (backoff.Backoff{}) {
		cfg.Retry = backoff.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() int64 { return time.Now().UnixNano() }
	}
	return cfg
}

type task struct {
	intent schema.OrderIntent
	token  ledger.ReservationToken
}

type record struct {
	mu        sync.Mutex
	intent    schema.OrderIntent
	token     ledger.ReservationToken
	state     schema.OrderState
	attempt   int
	receipts  []venue.Receipt
	trace     uint64
	fill      schema.Fill
	duplicate bool
	canceled  bool
	reason    string
	createdAt int64
}

func (r *record) setCanceled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled = true
}

func (r *record) isCanceled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled
}

// Coordinator owns the order lifecycle. Each intent is processed by exactly
// one worker; Cancel only flips a flag the owning worker observes.
type Coordinator struct {
	cfg     Config
	venue   venue.Client
	book    *ledger.Ledger
	events  *bus.Queue
	metrics *obs.Metrics
	traces  *obs.TraceGenerator

	running atomic.Bool
	closed  atomic.Bool
	seq     atomic.Uint64
	queue   chan task

	mu     sync.RWMutex
	orders map[schema.IntentID]*record
}

// New creates a coordinator. The event queue and metrics may be nil.
func New(cfg Config, client venue.Client, book *ledger.Ledger, events *bus.Queue, metrics *obs.Metrics) (*Coordinator, error) {
	if client == nil {
		return nil, exception.ErrOrderNilVenue
	}
	if book == nil {
		return nil, exception.ErrOrderNilLedger
	}
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:     cfg,
		venue:   client,
		book:    book,
		events:  events,
		metrics: metrics,
		traces:  obs.NewTraceGenerator(0),
		queue:   make(chan task, cfg.QueueCap),
		orders:  make(map[schema.IntentID]*record),
	}, nil
}

// TrySubmit enqueues an intent without blocking.
func (c *Coordinator) TrySubmit(intent schema.OrderIntent, token ledger.ReservationToken) error {
	if c.closed.Load() {
		return exception.ErrOrderCoordinatorClosed
	}
	select {
	case c.queue <- task{intent: intent, token: token}:
		return nil
	default:
		return exception.ErrOrderQueueFull
	}
}

// Run starts the worker pool. Subsequent calls are no-ops.
func (c *Coordinator) Run(ctx context.Context) {
	if c.running.Swap(true) {
		return
	}
	for range c.cfg.Workers {
		go c.worker(ctx)
	}
}

// Close stops accepting new intents. In-flight orders run to completion.
func (c *Coordinator) Close() {
	c.closed.Store(true)
}

func (c *Coordinator) worker(ctx context.Context) {
	for {
		select {
		case t := <-c.queue:
			if _, err := c.Execute(ctx, t.intent, t.token); err != nil {
				logs.Errorf("execute intent %s, err: %+v", t.intent.ID, err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// State reports the current lifecycle state of an intent.
func (c *Coordinator) State(id schema.IntentID) (schema.OrderState, bool) {
	c.mu.RLock()
	rec, ok := c.orders[id]
	c.mu.RUnlock()
	if !ok {
		return schema.OrderStateUnknown, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state, true
}

// Cancel requests cancellation of a pending intent. Orders that already
// reached Confirmed cannot be canceled, and neither can orders whose
// submission is unresolved: the transaction may still land, so the
// reservation has to stay held until reconciliation settles it one way or
// the other. Already-failed orders are a no-op.
func (c *Coordinator) Cancel(id schema.IntentID) error {
	c.mu.RLock()
	rec, ok := c.orders[id]
	c.mu.RUnlock()
	if !ok {
		return exception.ErrOrderUnknownIntent
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	switch rec.state {
	case schema.OrderStateConfirmed, schema.OrderStateSettled:
		return exception.ErrOrderCancelAfterConfirm
	case schema.OrderStateTimedOut, schema.OrderStateReconciling:
		return exception.ErrOrderCancelAmbiguous
	case schema.OrderStateFailed:
		return nil
	default:
		rec.canceled = true
		return nil
	}
}

// Execute runs the full lifecycle of one intent synchronously and returns
// its terminal outcome. Duplicate intent IDs are rejected.
func (c *Coordinator) Execute(ctx context.Context, intent schema.OrderIntent, token ledger.ReservationToken) (schema.OrderOutcome, error) {
	if c.closed.Load() {
		return schema.OrderOutcome{}, exception.ErrOrderCoordinatorClosed
	}
	if intent.ID == "" || intent.Qty <= 0 || intent.Side == schema.OrderSideUnknown {
		return schema.OrderOutcome{}, exception.ErrInvalidArgument
	}

	rec := &record{
		intent:    intent,
		token:     token,
		state:     schema.OrderStateCreated,
		trace:     c.traces.Next(),
		createdAt: c.cfg.Now(),
	}
	c.mu.Lock()
	if _, ok := c.orders[intent.ID]; ok {
		c.mu.Unlock()
		return schema.OrderOutcome{}, exception.ErrOrderDuplicateIntent
	}
	c.orders[intent.ID] = rec
	c.mu.Unlock()

	c.emitTransition(rec, schema.OrderStateUnknown, schema.OrderStateCreated, "")
	return c.drive(ctx, rec)
}

func (c *Coordinator) drive(ctx context.Context, rec *record) (schema.OrderOutcome, error) {
	tx := venue.Transaction{
		IntentID:       rec.intent.ID,
		AccountID:      rec.intent.AccountID,
		InstrumentID:   rec.intent.InstrumentID,
		Side:           rec.intent.Side,
		Qty:            rec.intent.Qty,
		MaxSlippageBps: rec.intent.MaxSlippageBps,
	}

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		rec.mu.Lock()
		rec.attempt = attempt
		canceled := rec.canceled
		rec.mu.Unlock()
		if canceled {
			return c.finishCanceled(rec)
		}

		c.transition(rec, schema.OrderStateSubmitted, "")

		key := fmt.Sprintf("%s:%d", rec.intent.ID, attempt)
		sctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
		res, err := c.venue.Submit(sctx, tx, key)
		cancel()

		switch {
		case err != nil:
			c.transition(rec, schema.OrderStateRejected, err.Error())
			return c.finish(rec, schema.OrderStateFailed, err.Error(), true), nil
		case res.Kind == venue.SubmitRejected:
			c.transition(rec, schema.OrderStateRejected, res.Reason)
			return c.finish(rec, schema.OrderStateFailed, res.Reason, true), nil
		}

		if res.Receipt != "" {
			rec.mu.Lock()
			rec.receipts = append(rec.receipts, res.Receipt)
			rec.mu.Unlock()
		}

		var pr pollResult
		if res.Kind == venue.SubmitAccepted {
			pr = c.settle(ctx, rec)
			if pr.kind == pollPending {
				c.transition(rec, schema.OrderStateTimedOut, "settlement timeout")
				c.transition(rec, schema.OrderStateReconciling, "")
				pr = c.reconcile(ctx, rec)
			}
		} else {
			c.transition(rec, schema.OrderStateTimedOut, "ambiguous submission: "+res.Reason)
			c.transition(rec, schema.OrderStateReconciling, "")
			pr = c.reconcile(ctx, rec)
		}

		switch pr.kind {
		case pollConfirmed:
			c.transition(rec, schema.OrderStateConfirmed, "")
			return c.commitAndFinish(rec), nil

		case pollCanceled:
			return c.finishCanceled(rec)

		case pollFailed:
			rec.mu.Lock()
			state := rec.state
			rec.mu.Unlock()
			if state == schema.OrderStateSubmitted {
				// The chain rejected the transaction outright. No retry.
				c.transition(rec, schema.OrderStateRejected, pr.reason)
				return c.finish(rec, schema.OrderStateFailed, pr.reason, true), nil
			}
			// All timed-out attempts definitively failed on chain; the
			// reservation is intact, so another attempt is safe.
			if attempt == c.cfg.MaxAttempts {
				return c.finish(rec, schema.OrderStateFailed, pr.reason, true), nil
			}

		case pollPending:
			// Reconciliation could not resolve the receipts. Retrying is
			// safe because a duplicate fill is caught at commit time.
			if attempt == c.cfg.MaxAttempts {
				// Keep the reservation; its TTL is the backstop in case a
				// stray transaction lands later.
				return c.finish(rec, schema.OrderStateFailed, "reconciliation deadline exceeded", false), nil
			}
		}

		// Reconciling -> Submitted happens at the top of the next pass.
		if err := sleep(ctx, c.cfg.Retry.Next(attempt)); err != nil {
			return c.finish(rec, schema.OrderStateFailed, "context canceled", false), nil
		}
	}

	return c.finish(rec, schema.OrderStateFailed, "attempts exhausted", false), nil
}

type pollKind uint8

const (
	pollPending pollKind = iota
	pollConfirmed
	pollFailed
	pollCanceled
)

type pollResult struct {
	kind   pollKind
	reason string
}

// pollOnce queries every receipt the intent has produced. The first
// confirmation wins; a second confirmed receipt marks the fill duplicate.
func (c *Coordinator) pollOnce(ctx context.Context, rec *record) pollResult {
	rec.mu.Lock()
	receipts := make([]venue.Receipt, len(rec.receipts))
	copy(receipts, rec.receipts)
	rec.mu.Unlock()

	if len(receipts) == 0 {
		return pollResult{kind: pollFailed, reason: "no receipt"}
	}

	confirmed := 0
	failed := 0
	reason := ""
	for _, receipt := range receipts {
		qr, err := c.venue.Query(ctx, receipt)
		if err != nil {
			continue
		}
		switch qr.Status {
		case venue.StatusConfirmed:
			confirmed++
			if confirmed == 1 {
				rec.mu.Lock()
				rec.fill = schema.Fill{
					IntentID:     rec.intent.ID,
					AccountID:    rec.intent.AccountID,
					InstrumentID: rec.intent.InstrumentID,
					Side:         rec.intent.Side,
					Price:        qr.FillPrice,
					Qty:          qr.FillQty,
					Fee:          qr.Fee,
					FilledAt:     c.cfg.Now(),
				}
				rec.mu.Unlock()
			}
		case venue.StatusFailed:
			failed++
			reason = qr.Reason
		}
	}

	if confirmed > 0 {
		if confirmed > 1 {
			rec.mu.Lock()
			rec.duplicate = true
			rec.mu.Unlock()
		}
		return pollResult{kind: pollConfirmed}
	}
	if failed == len(receipts) {
		return pollResult{kind: pollFailed, reason: reason}
	}
	return pollResult{kind: pollPending}
}

func (c *Coordinator) settle(ctx context.Context, rec *record) pollResult {
	return c.pollUntil(ctx, rec, c.cfg.SettleTimeout)
}

func (c *Coordinator) reconcile(ctx context.Context, rec *record) pollResult {
	return c.pollUntil(ctx, rec, c.cfg.ReconcileDeadline)
}

func (c *Coordinator) pollUntil(ctx context.Context, rec *record, deadline time.Duration) pollResult {
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	ticker := time.NewTicker(c.cfg.SettlePoll)
	defer ticker.Stop()

	for {
		if rec.isCanceled() {
			return pollResult{kind: pollCanceled}
		}
		pr := c.pollOnce(ctx, rec)
		if pr.kind != pollPending {
			return pr
		}
		select {
		case <-ctx.Done():
			return pollResult{kind: pollPending}
		case <-timer.C:
			return pollResult{kind: pollPending}
		case <-ticker.C:
		}
	}
}

// commitAndFinish applies the fill to the ledger exactly once and settles
// the order. A fill already committed under the same intent is flagged as a
// duplicate, not double-applied.
func (c *Coordinator) commitAndFinish(rec *record) schema.OrderOutcome {
	rec.mu.Lock()
	fill := rec.fill
	token := rec.token
	rec.mu.Unlock()

	if _, err := c.book.Commit(token, fill); err != nil {
		if errors.Is(err, exception.ErrLedgerAlreadyCommitted) {
			rec.mu.Lock()
			rec.duplicate = true
			rec.mu.Unlock()
			return c.finish(rec, schema.OrderStateSettled, "", false)
		}
		logs.Errorf("commit fill for intent %s, err: %+v", rec.intent.ID, err)
		return c.finish(rec, schema.OrderStateFailed, err.Error(), true)
	}
	return c.finish(rec, schema.OrderStateSettled, "", false)
}

func (c *Coordinator) finishCanceled(rec *record) (schema.OrderOutcome, error) {
	rec.mu.Lock()
	state := rec.state
	rec.mu.Unlock()
	release := true
	switch state {
	case schema.OrderStateSubmitted:
		c.transition(rec, schema.OrderStateRejected, "canceled")
	case schema.OrderStateTimedOut, schema.OrderStateReconciling:
		// A cancel accepted before the submission turned ambiguous can be
		// observed here. The transaction may still land, so the
		// reservation stays held and the TTL is the backstop, same as
		// reconciliation exhaustion.
		release = false
	case schema.OrderStateCreated:
		// Created -> Failed directly
	}
	return c.finish(rec, schema.OrderStateFailed, "canceled", release), exception.ErrOrderCanceled
}

func (c *Coordinator) finish(rec *record, final schema.OrderState, reason string, release bool) schema.OrderOutcome {
	rec.mu.Lock()
	from := rec.state
	rec.state = final
	rec.reason = reason
	token := rec.token
	rec.mu.Unlock()

	if release {
		if err := c.book.Release(token); err != nil {
			logs.Errorf("release reservation for intent %s, err: %+v", rec.intent.ID, err)
		}
	}

	c.emitTransition(rec, from, final, reason)

	completedAt := c.cfg.Now()
	rec.mu.Lock()
	out := schema.OrderOutcome{
		IntentID:      rec.intent.ID,
		AccountID:     rec.intent.AccountID,
		InstrumentID:  rec.intent.InstrumentID,
		SourceAgentID: rec.intent.SourceAgentID,
		SignalAgentID: rec.intent.Signal.SourceAgentID,
		Strategy:      rec.intent.Strategy,
		Side:          rec.intent.Side,
		RequestedQty:  rec.intent.Qty,
		Final:         final,
		Attempts:      rec.attempt,
		DuplicateFill: rec.duplicate,
		Reason:        rec.reason,
		CreatedAt:     rec.createdAt,
		CompletedAt:   completedAt,
	}
	if final == schema.OrderStateSettled {
		out.FilledQty = rec.fill.Qty
		out.AvgPrice = rec.fill.Price
		out.Fee = rec.fill.Fee
	}
	rec.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ObserveOrderFlow(time.Duration(completedAt - out.CreatedAt))
	}
	c.emitOutcome(rec, out)
	return out
}

func (c *Coordinator) transition(rec *record, to schema.OrderState, reason string) {
	rec.mu.Lock()
	from := rec.state
	if !CanTransition(from, to) {
		rec.mu.Unlock()
		logs.Errorf("illegal transition %s -> %s for intent %s", from, to, rec.intent.ID)
		return
	}
	rec.state = to
	rec.mu.Unlock()
	c.emitTransition(rec, from, to, reason)
}

func (c *Coordinator) emitTransition(rec *record, from, to schema.OrderState, reason string) {
	if c.events == nil {
		return
	}
	rec.mu.Lock()
	ev := schema.TransitionEvent{
		IntentID: rec.intent.ID,
		Attempt:  rec.attempt,
		From:     from,
		To:       to,
		Reason:   reason,
		Ts:       c.cfg.Now(),
	}
	rec.mu.Unlock()

	payload, err := codec.EncodeTransition(ev)
	if err != nil {
		logs.Errorf("encode transition, err: %+v", err)
		return
	}
	c.publish(schema.EventOrderTransition, ev.Ts, rec.trace, payload)
}

func (c *Coordinator) emitOutcome(rec *record, out schema.OrderOutcome) {
	if c.events == nil {
		return
	}
	payload, err := codec.EncodeOutcome(out)
	if err != nil {
		logs.Errorf("encode outcome, err: %+v", err)
		return
	}
	c.publish(schema.EventOrderOutcome, out.CompletedAt, rec.trace, payload)
}

func (c *Coordinator) publish(eventType schema.EventType, ts int64, trace uint64, payload []byte) {
	header := schema.NewHeader(eventType, c.cfg.Source, c.seq.Add(1), ts, c.cfg.Now())
	header.TraceID = trace
	if err := c.events.TryPublish(bus.Event{Header: header, Payload: payload}); err != nil {
		if c.metrics != nil {
			c.metrics.IncQueueDrop()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
