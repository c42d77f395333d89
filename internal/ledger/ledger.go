// Package ledger is the authoritative record of open positions and pending
// order reservations. Mutation is serialized per (account, instrument) key;
// operations on different keys proceed independently.
package ledger

import (
	"context"
	"sync"
	"time"

	"main/internal/schema"
	"main/pkg/exception"
)

const defaultReservationTTL = 2 * time.Minute

// Config controls ledger behavior.
type Config struct {
	// ReservationTTL bounds how long an uncommitted reservation holds
	// capacity before it is automatically released.
	ReservationTTL time.Duration
	// Capacity returns the maximum absolute exposure for a key. Zero or a
	// nil func means unlimited.
	Capacity func(schema.AccountID, schema.InstrumentID) schema.Quantity
	// SweepInterval paces the background expiry sweeper.
	SweepInterval time.Duration
	// Now overrides the clock, mainly for tests.
	Now func() int64
}

func (c Config) withDefaults() Config {
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = defaultReservationTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.Now == nil {
		c.Now = func() int64 { return time.Now().UTC().UnixNano() }
	}
	return c
}

// Position is an open holding. Quantity is signed; its sign is the net
// direction. At most one Position exists per (account, instrument).
type Position struct {
	AccountID     schema.AccountID
	InstrumentID  schema.InstrumentID
	Qty           schema.Quantity
	AvgEntryPrice schema.Price
	OpenedAt      int64
}

// ReservationToken is a tentative hold on exposure headroom pending an order
// outcome. It is single-use: either committed or released exactly once.
type ReservationToken struct {
	ID           uint64
	IntentID     schema.IntentID
	AccountID    schema.AccountID
	InstrumentID schema.InstrumentID
	Side         schema.OrderSide
	Qty          schema.Quantity
	ExpiresAt    int64
}

type key struct {
	acct schema.AccountID
	inst schema.InstrumentID
}

type reservation struct {
	token ReservationToken
}

type entry struct {
	mu        sync.Mutex
	pos       Position
	hasPos    bool
	reserved  map[uint64]*reservation
	committed map[schema.IntentID]Position
}

type account struct {
	mu          sync.Mutex
	recentOrder []int64
}

// Ledger tracks positions and reservations with per-key locking.
type Ledger struct {
	cfg Config

	mu       sync.RWMutex
	entries  map[key]*entry
	accounts map[schema.AccountID]*account

	seqMu  sync.Mutex
	resSeq uint64
}

// New creates an empty ledger.
func New(cfg Config) *Ledger {
	return &Ledger{
		cfg:      cfg.withDefaults(),
		entries:  make(map[key]*entry),
		accounts: make(map[schema.AccountID]*account),
	}
}

// Reserve holds exposure headroom for an in-flight order. Concurrent risk
// evaluations see the pending delta, so two orders cannot double-spend the
// same capacity. The hold expires after the configured TTL.
func (l *Ledger) Reserve(acct schema.AccountID, inst schema.InstrumentID, side schema.OrderSide, qty schema.Quantity, intentID schema.IntentID) (ReservationToken, error) {
	if qty <= 0 {
		return ReservationToken{}, exception.ErrLedgerInvalidQty
	}
	if side != schema.OrderSideBuy && side != schema.OrderSideSell {
		return ReservationToken{}, exception.ErrInvalidArgument
	}

	now := l.cfg.Now()
	e := l.entry(key{acct, inst})

	e.mu.Lock()
	defer e.mu.Unlock()
	e.purgeExpired(now)

	if _, done := e.committed[intentID]; done {
		return ReservationToken{}, exception.ErrLedgerAlreadyCommitted
	}

	exposure := e.exposureLocked()
	next := exposure + side.Signed(qty)
	if l.cfg.Capacity != nil {
		if max := l.cfg.Capacity(acct, inst); max > 0 && absQty(next) > max {
			return ReservationToken{}, exception.ErrLedgerInsufficientCapacity
		}
	}

	token := ReservationToken{
		ID:           l.nextSeq(),
		IntentID:     intentID,
		AccountID:    acct,
		InstrumentID: inst,
		Side:         side,
		Qty:          qty,
		ExpiresAt:    now + int64(l.cfg.ReservationTTL),
	}
	e.reserved[token.ID] = &reservation{token: token}
	l.account(acct).recordOrder(now)
	return token, nil
}

// Commit settles a fill against its reservation and merges it into the
// position. Commits are idempotent per intent: a second commit for the same
// intent is rejected without touching state.
func (l *Ledger) Commit(token ReservationToken, fill schema.Fill) (Position, error) {
	if fill.Qty <= 0 {
		return Position{}, exception.ErrLedgerInvalidQty
	}

	e := l.entry(key{token.AccountID, token.InstrumentID})
	e.mu.Lock()
	defer e.mu.Unlock()

	if pos, done := e.committed[token.IntentID]; done {
		return pos, exception.ErrLedgerAlreadyCommitted
	}
	res, ok := e.reserved[token.ID]
	if !ok {
		return Position{}, exception.ErrLedgerUnknownReservation
	}
	if l.cfg.Now() > res.token.ExpiresAt {
		delete(e.reserved, token.ID)
		return Position{}, exception.ErrLedgerReservationExpired
	}
	if fill.Qty > res.token.Qty || fill.Side != res.token.Side {
		return Position{}, exception.ErrLedgerQtyMismatch
	}

	pos := e.applyFillLocked(token.AccountID, token.InstrumentID, fill)
	e.committed[token.IntentID] = pos
	delete(e.reserved, token.ID)
	return pos, nil
}

// Release returns a reservation's capacity. Releasing a committed or already
// released reservation is an error and never mutates state.
func (l *Ledger) Release(token ReservationToken) error {
	e := l.entry(key{token.AccountID, token.InstrumentID})
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, done := e.committed[token.IntentID]; done {
		return exception.ErrLedgerAlreadyCommitted
	}
	res, ok := e.reserved[token.ID]
	if !ok {
		return exception.ErrLedgerAlreadyReleased
	}
	expired := l.cfg.Now() > res.token.ExpiresAt
	delete(e.reserved, token.ID)
	if expired {
		return exception.ErrLedgerReservationExpired
	}
	return nil
}

// Position returns the open position for a key, if any.
func (l *Ledger) Position(acct schema.AccountID, inst schema.InstrumentID) (Position, bool) {
	l.mu.RLock()
	e, ok := l.entries[key{acct, inst}]
	l.mu.RUnlock()
	if !ok {
		return Position{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasPos {
		return Position{}, false
	}
	return e.pos, true
}

// Exposure returns the signed quantity for a key including active
// reservations, which is the figure risk evaluation must see.
func (l *Ledger) Exposure(acct schema.AccountID, inst schema.InstrumentID) schema.Quantity {
	l.mu.RLock()
	e, ok := l.entries[key{acct, inst}]
	l.mu.RUnlock()
	if !ok {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.purgeExpired(l.cfg.Now())
	return e.exposureLocked()
}

// AggregateNotional sums absolute exposure across an account's instruments at
// the supplied mark prices.
func (l *Ledger) AggregateNotional(acct schema.AccountID, mark func(schema.InstrumentID) schema.Price) schema.Notional {
	l.mu.RLock()
	entries := make(map[schema.InstrumentID]*entry)
	for k, e := range l.entries {
		if k.acct == acct {
			entries[k.inst] = e
		}
	}
	l.mu.RUnlock()

	now := l.cfg.Now()
	var total schema.Notional
	for inst, e := range entries {
		e.mu.Lock()
		e.purgeExpired(now)
		exposure := absQty(e.exposureLocked())
		e.mu.Unlock()
		if exposure == 0 {
			continue
		}
		price := mark(inst)
		if price <= 0 {
			continue
		}
		total += schema.Notional(int64(price) * int64(exposure))
	}
	return total
}

// RecentOrders returns reserve timestamps newer than since, oldest first.
func (l *Ledger) RecentOrders(acct schema.AccountID, since int64) []int64 {
	return l.account(acct).recent(since)
}

// Positions returns every open position for an account.
func (l *Ledger) Positions(acct schema.AccountID) []Position {
	l.mu.RLock()
	entries := make([]*entry, 0)
	for k, e := range l.entries {
		if k.acct == acct {
			entries = append(entries, e)
		}
	}
	l.mu.RUnlock()

	out := make([]Position, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.hasPos {
			out = append(out, e.pos)
		}
		e.mu.Unlock()
	}
	return out
}

// Run sweeps expired reservations until the context is done, returning their
// capacity even when the owning coordinator is stuck.
func (l *Ledger) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Ledger) sweep() {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	now := l.cfg.Now()
	for _, e := range entries {
		e.mu.Lock()
		e.purgeExpired(now)
		e.mu.Unlock()
	}
}

func (l *Ledger) entry(k key) *entry {
	l.mu.RLock()
	e, ok := l.entries[k]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[k]; ok {
		return e
	}
	e = &entry{
		reserved:  make(map[uint64]*reservation),
		committed: make(map[schema.IntentID]Position),
	}
	l.entries[k] = e
	return e
}

func (l *Ledger) account(id schema.AccountID) *account {
	l.mu.RLock()
	a, ok := l.accounts[id]
	l.mu.RUnlock()
	if ok {
		return a
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok = l.accounts[id]; ok {
		return a
	}
	a = &account{}
	l.accounts[id] = a
	return a
}

func (l *Ledger) nextSeq() uint64 {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()
	l.resSeq++
	return l.resSeq
}

func (e *entry) exposureLocked() schema.Quantity {
	exposure := schema.Quantity(0)
	if e.hasPos {
		exposure = e.pos.Qty
	}
	for _, res := range e.reserved {
		exposure += res.token.Side.Signed(res.token.Qty)
	}
	return exposure
}

func (e *entry) purgeExpired(now int64) {
	for id, res := range e.reserved {
		if now > res.token.ExpiresAt {
			delete(e.reserved, id)
		}
	}
}

// applyFillLocked merges a fill into the position. New fills into an empty or
// crossed position reset the average entry; same-direction adds are
// volume-weighted; reductions keep the entry price.
func (e *entry) applyFillLocked(acct schema.AccountID, inst schema.InstrumentID, fill schema.Fill) Position {
	signed := fill.Side.Signed(fill.Qty)
	if !e.hasPos {
		e.pos = Position{
			AccountID:     acct,
			InstrumentID:  inst,
			Qty:           signed,
			AvgEntryPrice: fill.Price,
			OpenedAt:      fill.FilledAt,
		}
		e.hasPos = true
		return e.pos
	}

	prev := e.pos.Qty
	next := prev + signed
	switch {
	case next == 0:
		e.pos = Position{}
		e.hasPos = false
		return Position{AccountID: acct, InstrumentID: inst}
	case sameSign(prev, next) && sameSign(prev, signed):
		prevAbs := int64(absQty(prev))
		fillAbs := int64(fill.Qty)
		weighted := int64(e.pos.AvgEntryPrice)*prevAbs + int64(fill.Price)*fillAbs
		e.pos.Qty = next
		e.pos.AvgEntryPrice = schema.Price(weighted / (prevAbs + fillAbs))
	case sameSign(prev, next):
		// Partial reduction keeps the original entry price.
		e.pos.Qty = next
	default:
		// Crossed through zero: the remainder is a fresh position.
		e.pos.Qty = next
		e.pos.AvgEntryPrice = fill.Price
		e.pos.OpenedAt = fill.FilledAt
	}
	return e.pos
}

func (a *account) recordOrder(ts int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recentOrder = append(a.recentOrder, ts)
	if len(a.recentOrder) > 1024 {
		a.recentOrder = append(a.recentOrder[:0:0], a.recentOrder[len(a.recentOrder)-512:]...)
	}
}

func (a *account) recent(since int64) []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int64, 0, len(a.recentOrder))
	for _, ts := range a.recentOrder {
		if ts > since {
			out = append(out, ts)
		}
	}
	return out
}

func sameSign(a, b schema.Quantity) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func absQty(q schema.Quantity) schema.Quantity {
	if q < 0 {
		return -q
	}
	return q
}
