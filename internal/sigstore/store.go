// Package sigstore holds the latest trading signal per instrument, shared by
// all agents. Ordering is last-writer-wins by GeneratedAt, not arrival order.
package sigstore

import (
	"sync"
	"time"

	"main/internal/schema"
	"main/pkg/exception"
)

const (
	defaultHistoryDepth     = 64
	defaultSubscriberBuffer = 16
)

// Config controls store behavior.
type Config struct {
	// HistoryDepth bounds the per-instrument audit ring.
	HistoryDepth int
	// SubscriberBuffer sizes each subscription channel.
	SubscriberBuffer int
	// Now overrides the clock, mainly for tests.
	Now func() int64
}

func (c Config) withDefaults() Config {
	if c.HistoryDepth <= 0 {
		c.HistoryDepth = defaultHistoryDepth
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = defaultSubscriberBuffer
	}
	if c.Now == nil {
		c.Now = func() int64 { return time.Now().UTC().UnixNano() }
	}
	return c
}

// Store is the shared signal table. Locking is per instrument so writers on
// one instrument never block readers of another.
type Store struct {
	cfg Config

	mu      sync.RWMutex
	entries map[schema.InstrumentID]*entry

	drops uint64
	dmu   sync.Mutex
}

type entry struct {
	mu        sync.RWMutex
	latest    schema.Signal
	hasLatest bool
	history   []schema.Signal
	next      int
	filled    bool
	subs      map[uint64]chan schema.Signal
	subSeq    uint64
}

// New creates an empty store.
func New(cfg Config) *Store {
	return &Store{
		cfg:     cfg.withDefaults(),
		entries: make(map[schema.InstrumentID]*entry),
	}
}

// Publish installs a signal as the latest for its instrument. A signal whose
// GeneratedAt is not strictly newer than the current latest is rejected with
// exception.ErrSignalStale; republishing the same GeneratedAt is a no-op for
// consumers and rejected here for the producer.
func (s *Store) Publish(sig schema.Signal) error {
	if sig.InstrumentID == 0 {
		return exception.ErrSignalUnknownInstrument
	}
	if sig.Confidence < 0 || sig.Confidence > 1 {
		return exception.ErrSignalInvalidConfidence
	}
	if sig.TTL <= 0 {
		return exception.ErrSignalInvalidTTL
	}
	if sig.Direction == schema.DirectionUnknown {
		return exception.ErrSignalInvalidDirection
	}

	e := s.entry(sig.InstrumentID)
	e.mu.Lock()
	if e.hasLatest && sig.GeneratedAt <= e.latest.GeneratedAt {
		e.mu.Unlock()
		return exception.ErrSignalStale
	}
	e.latest = sig
	e.hasLatest = true
	e.record(sig, s.cfg.HistoryDepth)
	// Fan-out stays under the entry lock so it cannot race a subscriber
	// cancel closing its channel. Sends are non-blocking.
	for _, ch := range e.subs {
		s.deliver(ch, sig)
	}
	e.mu.Unlock()
	return nil
}

// Latest returns the newest non-expired signal for an instrument.
func (s *Store) Latest(id schema.InstrumentID) (schema.Signal, bool) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return schema.Signal{}, false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.hasLatest || e.latest.Expired(s.cfg.Now()) {
		return schema.Signal{}, false
	}
	return e.latest, true
}

// Subscribe returns a channel receiving every accepted signal for the
// instrument plus a cancel function. Delivery keeps the newest signals when a
// subscriber lags: the oldest buffered signal is dropped to make room, so a
// consumer always eventually observes the latest GeneratedAt. Duplicate
// delivery of one GeneratedAt must be treated as a no-op by consumers.
func (s *Store) Subscribe(id schema.InstrumentID) (<-chan schema.Signal, func()) {
	e := s.entry(id)
	ch := make(chan schema.Signal, s.cfg.SubscriberBuffer)

	e.mu.Lock()
	e.subSeq++
	key := e.subSeq
	e.subs[key] = ch
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		if _, ok := e.subs[key]; ok {
			delete(e.subs, key)
			close(ch)
		}
		e.mu.Unlock()
	}
	return ch, cancel
}

// History returns up to n most recent signals for an instrument, newest last.
// Expired signals stay visible here; the history is an audit trail.
func (s *Store) History(id schema.InstrumentID, n int) []schema.Signal {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok || n <= 0 {
		return nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	ordered := e.ordered()
	if len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	out := make([]schema.Signal, len(ordered))
	copy(out, ordered)
	return out
}

// Drops returns the number of buffered signals evicted from lagging
// subscribers since the store was created.
func (s *Store) Drops() uint64 {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	return s.drops
}

func (s *Store) entry(id schema.InstrumentID) *entry {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[id]; ok {
		return e
	}
	e = &entry{subs: make(map[uint64]chan schema.Signal)}
	s.entries[id] = e
	return e
}

func (s *Store) deliver(ch chan schema.Signal, sig schema.Signal) {
	for {
		select {
		case ch <- sig:
			return
		default:
		}
		// Full buffer: evict the oldest so the latest still lands.
		select {
		case <-ch:
			s.dmu.Lock()
			s.drops++
			s.dmu.Unlock()
		default:
		}
	}
}

func (e *entry) record(sig schema.Signal, depth int) {
	if len(e.history) < depth {
		e.history = append(e.history, sig)
		e.next = len(e.history) % depth
		e.filled = len(e.history) == depth
		return
	}
	e.history[e.next] = sig
	e.next = (e.next + 1) % depth
	e.filled = true
}

func (e *entry) ordered() []schema.Signal {
	if !e.filled {
		return e.history
	}
	out := make([]schema.Signal, 0, len(e.history))
	out = append(out, e.history[e.next:]...)
	out = append(out, e.history[:e.next]...)
	return out
}
