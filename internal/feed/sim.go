package feed

import (
	"context"
	"time"

	"main/internal/schema"
)

// SimConfig scripts a deterministic tick sequence for paper runs and tests.
type SimConfig struct {
	Ticks    []schema.Tick
	Interval time.Duration
	// Loop replays the script until the context is done.
	Loop bool
}

// Sim replays a scripted tick sequence.
type Sim struct {
	cfg SimConfig
	out chan schema.Tick
}

// NewSim creates a scripted feed.
func NewSim(cfg SimConfig) *Sim {
	return &Sim{
		cfg: cfg,
		out: make(chan schema.Tick, len(cfg.Ticks)+1),
	}
}

// Ticks returns the outbound tick channel.
func (s *Sim) Ticks() <-chan schema.Tick {
	return s.out
}

// Run replays the script, then closes the channel unless looping.
func (s *Sim) Run(ctx context.Context) error {
	defer close(s.out)
	for {
		for _, tick := range s.cfg.Ticks {
			select {
			case <-ctx.Done():
				return nil
			case s.out <- tick:
			}
			if s.cfg.Interval > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(s.cfg.Interval):
				}
			}
		}
		if !s.cfg.Loop {
			return nil
		}
	}
}
