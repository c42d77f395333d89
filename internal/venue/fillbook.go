package venue

import "sync"

// fillBook remembers the implied fill for each submitted receipt so Query can
// report a price once the chain confirms.
type fillBook struct {
	mu    sync.RWMutex
	fills map[Receipt]QueryResult
}

func newFillBook() *fillBook {
	return &fillBook{fills: make(map[Receipt]QueryResult)}
}

func (b *fillBook) put(r Receipt, q QueryResult) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.fills[r] = q
}

func (b *fillBook) get(r Receipt) (QueryResult, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q, ok := b.fills[r]
	return q, ok
}
