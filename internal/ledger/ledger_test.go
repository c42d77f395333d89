package ledger

import (
	"errors"
	"sync"
	"testing"
	"time"

	"main/internal/schema"
	"main/pkg/exception"
)

func capKey(max schema.Quantity) func(schema.AccountID, schema.InstrumentID) schema.Quantity {
	return func(schema.AccountID, schema.InstrumentID) schema.Quantity { return max }
}

func testFill(intentID schema.IntentID, side schema.OrderSide, qty schema.Quantity, price schema.Price) schema.Fill {
	return schema.Fill{
		IntentID:     intentID,
		AccountID:    1,
		InstrumentID: 1,
		Side:         side,
		Price:        price,
		Qty:          qty,
		FilledAt:     42,
	}
}

func TestReserveCommitOpensPosition(t *testing.T) {
	l := New(Config{Capacity: capKey(100)})

	token, err := l.Reserve(1, 1, schema.OrderSideBuy, 10, "intent-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if got := l.Exposure(1, 1); got != 10 {
		t.Fatalf("exposure with pending reservation = %d, want 10", got)
	}

	pos, err := l.Commit(token, testFill("intent-1", schema.OrderSideBuy, 10, 500))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if pos.Qty != 10 || pos.AvgEntryPrice != 500 {
		t.Fatalf("position = %+v", pos)
	}
	if got := l.Exposure(1, 1); got != 10 {
		t.Fatalf("exposure after commit = %d, want 10", got)
	}
}

func TestCommitIsIdempotentPerIntent(t *testing.T) {
	l := New(Config{})
	token, err := l.Reserve(1, 1, schema.OrderSideBuy, 10, "intent-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := l.Commit(token, testFill("intent-1", schema.OrderSideBuy, 10, 500)); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	if _, err := l.Commit(token, testFill("intent-1", schema.OrderSideBuy, 10, 500)); !errors.Is(err, exception.ErrLedgerAlreadyCommitted) {
		t.Fatalf("second commit: got %v", err)
	}
	pos, _ := l.Position(1, 1)
	if pos.Qty != 10 {
		t.Fatalf("duplicate commit mutated position: %+v", pos)
	}
}

func TestReleaseReturnsCapacity(t *testing.T) {
	l := New(Config{Capacity: capKey(10)})

	token, err := l.Reserve(1, 1, schema.OrderSideBuy, 10, "intent-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := l.Reserve(1, 1, schema.OrderSideBuy, 1, "intent-2"); !errors.Is(err, exception.ErrLedgerInsufficientCapacity) {
		t.Fatalf("expected capacity exhaustion, got %v", err)
	}

	if err := l.Release(token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := l.Reserve(1, 1, schema.OrderSideBuy, 10, "intent-3"); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
}

func TestDoubleReleaseIsError(t *testing.T) {
	l := New(Config{})
	token, _ := l.Reserve(1, 1, schema.OrderSideBuy, 5, "intent-1")
	if err := l.Release(token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Release(token); !errors.Is(err, exception.ErrLedgerAlreadyReleased) {
		t.Fatalf("double release: got %v", err)
	}
}

func TestReleaseAfterCommitIsError(t *testing.T) {
	l := New(Config{})
	token, _ := l.Reserve(1, 1, schema.OrderSideBuy, 5, "intent-1")
	if _, err := l.Commit(token, testFill("intent-1", schema.OrderSideBuy, 5, 100)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := l.Release(token); !errors.Is(err, exception.ErrLedgerAlreadyCommitted) {
		t.Fatalf("release after commit: got %v", err)
	}
}

func TestCommitWithoutReservation(t *testing.T) {
	l := New(Config{})
	bogus := ReservationToken{ID: 99, IntentID: "intent-x", AccountID: 1, InstrumentID: 1, Side: schema.OrderSideBuy, Qty: 5, ExpiresAt: 1 << 62}
	if _, err := l.Commit(bogus, testFill("intent-x", schema.OrderSideBuy, 5, 100)); !errors.Is(err, exception.ErrLedgerUnknownReservation) {
		t.Fatalf("commit without reservation: got %v", err)
	}
}

func TestReservationExpiryReturnsCapacity(t *testing.T) {
	now := int64(0)
	l := New(Config{
		Capacity:       capKey(10),
		ReservationTTL: time.Second,
		Now:            func() int64 { return now },
	})

	token, err := l.Reserve(1, 1, schema.OrderSideBuy, 10, "intent-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := l.Reserve(1, 1, schema.OrderSideBuy, 1, "intent-2"); !errors.Is(err, exception.ErrLedgerInsufficientCapacity) {
		t.Fatalf("expected capacity exhaustion, got %v", err)
	}

	now = int64(2 * time.Second)
	if _, err := l.Reserve(1, 1, schema.OrderSideBuy, 10, "intent-3"); err != nil {
		t.Fatalf("reserve after expiry: %v", err)
	}
	if _, err := l.Commit(token, testFill("intent-1", schema.OrderSideBuy, 10, 100)); !errors.Is(err, exception.ErrLedgerUnknownReservation) && !errors.Is(err, exception.ErrLedgerReservationExpired) {
		t.Fatalf("commit on expired reservation: got %v", err)
	}
}

func TestConcurrentReserveNoDoubleSpend(t *testing.T) {
	l := New(Config{Capacity: capKey(10)})

	const workers = 16
	var wg sync.WaitGroup
	succeeded := make(chan ReservationToken, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			token, err := l.Reserve(1, 1, schema.OrderSideBuy, 10, schema.IntentID(rune('a'+n)))
			if err == nil {
				succeeded <- token
			}
		}(i)
	}
	wg.Wait()
	close(succeeded)

	var winners []ReservationToken
	for token := range succeeded {
		winners = append(winners, token)
	}
	if len(winners) != 1 {
		t.Fatalf("%d reservations won capacity 10, want exactly 1", len(winners))
	}
}

func TestIndependentKeysDoNotContend(t *testing.T) {
	l := New(Config{Capacity: capKey(10)})

	if _, err := l.Reserve(1, 1, schema.OrderSideBuy, 10, "a"); err != nil {
		t.Fatalf("key (1,1): %v", err)
	}
	if _, err := l.Reserve(1, 2, schema.OrderSideBuy, 10, "b"); err != nil {
		t.Fatalf("key (1,2): %v", err)
	}
	if _, err := l.Reserve(2, 1, schema.OrderSideBuy, 10, "c"); err != nil {
		t.Fatalf("key (2,1): %v", err)
	}
}

func TestPositionMerge(t *testing.T) {
	l := New(Config{})

	buy := func(intent schema.IntentID, qty schema.Quantity, price schema.Price) Position {
		t.Helper()
		token, err := l.Reserve(1, 1, schema.OrderSideBuy, qty, intent)
		if err != nil {
			t.Fatalf("reserve %s: %v", intent, err)
		}
		pos, err := l.Commit(token, testFill(intent, schema.OrderSideBuy, qty, price))
		if err != nil {
			t.Fatalf("commit %s: %v", intent, err)
		}
		return pos
	}
	sell := func(intent schema.IntentID, qty schema.Quantity, price schema.Price) Position {
		t.Helper()
		token, err := l.Reserve(1, 1, schema.OrderSideSell, qty, intent)
		if err != nil {
			t.Fatalf("reserve %s: %v", intent, err)
		}
		pos, err := l.Commit(token, testFill(intent, schema.OrderSideSell, qty, price))
		if err != nil {
			t.Fatalf("commit %s: %v", intent, err)
		}
		return pos
	}

	pos := buy("m1", 10, 100)
	if pos.Qty != 10 || pos.AvgEntryPrice != 100 {
		t.Fatalf("open: %+v", pos)
	}

	// Same-direction add is volume weighted: (10*100 + 10*200) / 20 = 150.
	pos = buy("m2", 10, 200)
	if pos.Qty != 20 || pos.AvgEntryPrice != 150 {
		t.Fatalf("add: %+v", pos)
	}

	// Reduction keeps entry price.
	pos = sell("m3", 5, 300)
	if pos.Qty != 15 || pos.AvgEntryPrice != 150 {
		t.Fatalf("reduce: %+v", pos)
	}

	// Crossing through zero resets the entry.
	pos = sell("m4", 25, 400)
	if pos.Qty != -10 || pos.AvgEntryPrice != 400 {
		t.Fatalf("cross: %+v", pos)
	}

	// Closing flat removes the record.
	pos = buy("m5", 10, 500)
	if pos.Qty != 0 {
		t.Fatalf("close: %+v", pos)
	}
	if _, ok := l.Position(1, 1); ok {
		t.Fatal("flat position should be removed")
	}
}

func TestAggregateNotional(t *testing.T) {
	l := New(Config{})
	tokenA, _ := l.Reserve(1, 1, schema.OrderSideBuy, 10, "a")
	if _, err := l.Commit(tokenA, testFill("a", schema.OrderSideBuy, 10, 100)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := l.Reserve(1, 2, schema.OrderSideSell, 4, "b"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	mark := func(inst schema.InstrumentID) schema.Price {
		if inst == 1 {
			return 100
		}
		return 50
	}
	// |10|*100 + |-4|*50 = 1200
	if got := l.AggregateNotional(1, mark); got != 1200 {
		t.Fatalf("aggregate notional = %d, want 1200", got)
	}
}

func TestRecentOrders(t *testing.T) {
	now := int64(0)
	l := New(Config{Now: func() int64 { return now }})

	now = 10
	_, _ = l.Reserve(1, 1, schema.OrderSideBuy, 1, "a")
	now = 20
	_, _ = l.Reserve(1, 1, schema.OrderSideBuy, 1, "b")
	now = 30
	_, _ = l.Reserve(1, 1, schema.OrderSideBuy, 1, "c")

	if got := l.RecentOrders(1, 15); len(got) != 2 {
		t.Fatalf("recent orders = %v, want 2 entries", got)
	}
	if got := l.RecentOrders(1, 30); len(got) != 0 {
		t.Fatalf("recent orders = %v, want none", got)
	}
}
