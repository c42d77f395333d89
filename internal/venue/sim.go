package venue

import (
	"context"
	"fmt"
	"sync"

	"main/internal/schema"
	"main/pkg/exception"
)

// SimStep scripts one submission response for the sim venue.
type SimStep struct {
	Kind SubmitKind
	// Landed marks an ambiguous submission whose transaction actually
	// reached the chain, so later queries against its receipt confirm.
	Landed bool
	Reason string
}

// SimConfig controls the deterministic sim venue.
type SimConfig struct {
	// Scripts maps an intent to its submission outcome sequence. Attempts
	// beyond the script, and intents without one, are accepted.
	Scripts map[schema.IntentID][]SimStep
	// PendingQueries is how many queries a landed transaction reports
	// Pending before Confirmed.
	PendingQueries int
	// FillPrice prices every confirmed fill.
	FillPrice schema.Price
	// FailSettlement lists intents whose accepted transaction ultimately
	// fails on chain.
	FailSettlement map[schema.IntentID]bool
}

type simTx struct {
	tx      Transaction
	landed  bool
	queries int
}

// Sim is a deterministic in-memory venue used by tests and paper runs. It
// tracks every idempotency key it sees so duplicate submissions are
// detectable.
type Sim struct {
	cfg SimConfig

	mu       sync.Mutex
	attempts map[schema.IntentID]int
	keys     map[string]int
	receipts map[Receipt]*simTx
}

// NewSim creates a sim venue.
func NewSim(cfg SimConfig) *Sim {
	if cfg.FillPrice <= 0 {
		cfg.FillPrice = 1_000
	}
	return &Sim{
		cfg:      cfg,
		attempts: make(map[schema.IntentID]int),
		keys:     make(map[string]int),
		receipts: make(map[Receipt]*simTx),
	}
}

// Submit replays the scripted outcome for the intent's next attempt.
func (s *Sim) Submit(ctx context.Context, tx Transaction, idempotencyKey string) (SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return SubmitResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys[idempotencyKey]++
	attempt := s.attempts[tx.IntentID]
	s.attempts[tx.IntentID] = attempt + 1

	step := SimStep{Kind: SubmitAccepted}
	if script, ok := s.cfg.Scripts[tx.IntentID]; ok && attempt < len(script) {
		step = script[attempt]
	}

	receipt := Receipt(fmt.Sprintf("sim-%s-%d", tx.IntentID, attempt+1))
	switch step.Kind {
	case SubmitAccepted:
		s.receipts[receipt] = &simTx{tx: tx, landed: true}
		return SubmitResult{Kind: SubmitAccepted, Receipt: receipt}, nil
	case SubmitRejected:
		reason := step.Reason
		if reason == "" {
			reason = "rejected by sim"
		}
		return SubmitResult{Kind: SubmitRejected, Reason: reason}, nil
	case SubmitAmbiguous:
		s.receipts[receipt] = &simTx{tx: tx, landed: step.Landed}
		return SubmitResult{Kind: SubmitAmbiguous, Receipt: receipt, Reason: "sim timeout"}, nil
	default:
		return SubmitResult{}, exception.ErrVenueScriptExhausted
	}
}

// Query reports the settlement status for a receipt.
func (s *Sim) Query(ctx context.Context, receipt Receipt) (QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return QueryResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.receipts[receipt]
	if !ok {
		return QueryResult{}, exception.ErrVenueUnknownReceipt
	}
	if !tx.landed {
		return QueryResult{Status: StatusFailed, Reason: "not landed"}, nil
	}
	tx.queries++
	if tx.queries <= s.cfg.PendingQueries {
		return QueryResult{Status: StatusPending}, nil
	}
	if s.cfg.FailSettlement[tx.tx.IntentID] {
		return QueryResult{Status: StatusFailed, Reason: "sim settlement failure"}, nil
	}
	return QueryResult{
		Status:    StatusConfirmed,
		FillPrice: s.cfg.FillPrice,
		FillQty:   tx.tx.Qty,
	}, nil
}

// SubmitCount returns how many submissions the sim saw for an intent.
func (s *Sim) SubmitCount(id schema.IntentID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[id]
}

// DuplicateKeys returns idempotency keys submitted more than once.
func (s *Sim) DuplicateKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for key, n := range s.keys {
		if n > 1 {
			out = append(out, key)
		}
	}
	return out
}
