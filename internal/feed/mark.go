package feed

import (
	"sync"

	"main/internal/schema"
)

// MarkBook holds the last traded price per instrument. Risk checks read it
// to value open positions, so a zero mark means no tick has arrived yet.
type MarkBook struct {
	mu    sync.RWMutex
	marks map[schema.InstrumentID]schema.Price
}

func NewMarkBook() *MarkBook {
	return &MarkBook{marks: make(map[schema.InstrumentID]schema.Price)}
}

// Update records the tick's price as the instrument's mark.
func (b *MarkBook) Update(tick schema.Tick) {
	if tick.Price <= 0 {
		return
	}
	b.mu.Lock()
	b.marks[tick.InstrumentID] = tick.Price
	b.mu.Unlock()
}

// Mark returns the last price for the instrument, zero if none seen.
func (b *MarkBook) Mark(id schema.InstrumentID) schema.Price {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.marks[id]
}
