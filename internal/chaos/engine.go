// Package chaos mangles tick streams to exercise the pipeline's tolerance
// for dropped, duplicated, delayed, and reordered market data.
package chaos

import (
	"fmt"
	"math/rand"
	"time"

	"main/internal/schema"
)

// Config controls injection behavior. Rates are probabilities in [0, 1].
type Config struct {
	Seed          int64
	DropRate      float64
	DuplicateRate float64
	// ReorderWindow buffers this many ticks and releases them in random
	// order. 1 disables reordering.
	ReorderWindow int
	// MaxDelay bounds the random receive-time skew added to each tick.
	MaxDelay time.Duration
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	if c.DropRate < 0 || c.DropRate > 1 {
		return fmt.Errorf("dropRate must be between 0 and 1")
	}
	if c.DuplicateRate < 0 || c.DuplicateRate > 1 {
		return fmt.Errorf("duplicateRate must be between 0 and 1")
	}
	if c.ReorderWindow <= 0 {
		return fmt.Errorf("reorderWindow must be >= 1")
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("maxDelay must be >= 0")
	}
	return nil
}

// Engine applies chaos rules to a tick stream. Not safe for concurrent use;
// feed it from a single goroutine.
type Engine struct {
	cfg     Config
	rng     *rand.Rand
	pending []schema.Tick

	dropped    uint64
	duplicated uint64
}

// NewEngine creates an engine. A zero seed uses the current time, so runs
// are only reproducible when a seed is given.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Engine{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Process applies chaos to one tick and returns the ticks to deliver now.
// An empty result means the tick was dropped or buffered for reordering.
func (e *Engine) Process(tick schema.Tick) []schema.Tick {
	if e == nil {
		return []schema.Tick{tick}
	}
	if e.cfg.DropRate > 0 && e.rng.Float64() < e.cfg.DropRate {
		e.dropped++
		return nil
	}
	tick = e.delay(tick)
	if e.cfg.ReorderWindow <= 1 {
		return e.duplicate(tick)
	}
	e.pending = append(e.pending, tick)
	if len(e.pending) < e.cfg.ReorderWindow {
		return nil
	}
	return e.duplicate(e.takePending())
}

// Flush releases buffered ticks in random order after the stream ends.
func (e *Engine) Flush() []schema.Tick {
	if e == nil || len(e.pending) == 0 {
		return nil
	}
	out := make([]schema.Tick, 0, len(e.pending))
	for len(e.pending) > 0 {
		out = append(out, e.duplicate(e.takePending())...)
	}
	return out
}

// Dropped and Duplicated report injection totals for end-of-run checks.
func (e *Engine) Dropped() uint64    { return e.dropped }
func (e *Engine) Duplicated() uint64 { return e.duplicated }

func (e *Engine) takePending() schema.Tick {
	idx := e.rng.Intn(len(e.pending))
	tick := e.pending[idx]
	e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
	return tick
}

func (e *Engine) duplicate(tick schema.Tick) []schema.Tick {
	out := []schema.Tick{tick}
	if e.cfg.DuplicateRate > 0 && e.rng.Float64() < e.cfg.DuplicateRate {
		e.duplicated++
		out = append(out, tick)
	}
	return out
}

func (e *Engine) delay(tick schema.Tick) schema.Tick {
	if e.cfg.MaxDelay <= 0 {
		return tick
	}
	skew := e.rng.Int63n(e.cfg.MaxDelay.Nanoseconds() + 1)
	if skew == 0 {
		return tick
	}
	if tick.TsRecv > 0 {
		tick.TsRecv += skew
	} else if tick.TsVenue > 0 {
		tick.TsRecv = tick.TsVenue + skew
	}
	return tick
}
