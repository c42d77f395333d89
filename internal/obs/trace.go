package obs

import (
	"sync/atomic"
	"time"
)

// TraceGenerator issues trace IDs that tie an intent's transition events and
// its outcome together on the bus. IDs are process-unique, seeded from the
// clock so restarts do not collide with archived events.
type TraceGenerator struct {
	next atomic.Uint64
}

// NewTraceGenerator returns a generator. A zero seed uses the current time.
func NewTraceGenerator(seed uint64) *TraceGenerator {
	if seed == 0 {
		seed = uint64(time.Now().UTC().UnixNano())
	}
	g := &TraceGenerator{}
	g.next.Store(seed)
	return g
}

// Next returns the next trace ID.
func (g *TraceGenerator) Next() uint64 {
	if g == nil {
		return 0
	}
	return g.next.Add(1)
}
