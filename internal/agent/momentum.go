package agent

import (
	"context"
	"math"
	"sync"
	"time"

	"main/internal/schema"
)

// MomentumConfig tunes the EMA crossover analyst.
type MomentumConfig struct {
	InstrumentID schema.InstrumentID
	FastPeriod   int
	SlowPeriod   int
	// TrendPct and StrongTrendPct are the fast/slow divergence thresholds
	// that open a trend and saturate confidence.
	TrendPct       float64
	StrongTrendPct float64
	// VolatilityCut halves confidence when the stddev of recent returns
	// exceeds it.
	VolatilityCut float64
	SignalTTL     time.Duration
	Now           func() int64
}

func (cfg MomentumConfig) withDefaults() MomentumConfig {
	if cfg.FastPeriod <= 0 {
		cfg.FastPeriod = 12
	}
	if cfg.SlowPeriod <= 0 {
		cfg.SlowPeriod = 26
	}
	if cfg.TrendPct <= 0 {
		cfg.TrendPct = 0.02
	}
	if cfg.StrongTrendPct <= 0 {
		cfg.StrongTrendPct = 0.05
	}
	if cfg.VolatilityCut <= 0 {
		cfg.VolatilityCut = 0.1
	}
	if cfg.SignalTTL <= 0 {
		cfg.SignalTTL = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() int64 { return time.Now().UnixNano() }
	}
	return cfg
}

const returnsWindow = 32

// Momentum scores trend direction from the divergence of a fast and a slow
// EMA over tick prices. Confidence saturates at the strong-trend threshold
// and is cut in half when recent returns are volatile.
type Momentum struct {
	id  string
	cfg MomentumConfig

	mu        sync.Mutex
	fast      float64
	slow      float64
	lastPrice float64
	samples   int
	returns   [returnsWindow]float64
	returnIdx int
	returnN   int
}

// NewMomentum creates an analyst for one instrument.
func NewMomentum(id string, cfg MomentumConfig) *Momentum {
	return &Momentum{id: id, cfg: cfg.withDefaults()}
}

func (m *Momentum) ID() string {
	return m.id
}

// OnTick folds one price sample into the indicators.
func (m *Momentum) OnTick(tick schema.Tick) {
	if tick.InstrumentID != m.cfg.InstrumentID || tick.Price <= 0 {
		return
	}
	price := float64(tick.Price)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.samples == 0 {
		m.fast = price
		m.slow = price
	} else {
		m.fast += emaAlpha(m.cfg.FastPeriod) * (price - m.fast)
		m.slow += emaAlpha(m.cfg.SlowPeriod) * (price - m.slow)
		if m.lastPrice > 0 {
			m.returns[m.returnIdx] = (price - m.lastPrice) / m.lastPrice
			m.returnIdx = (m.returnIdx + 1) % returnsWindow
			if m.returnN < returnsWindow {
				m.returnN++
			}
		}
	}
	m.lastPrice = price
	m.samples++
}

// Produce emits at most one signal: the current trend, if any.
func (m *Momentum) Produce(ctx context.Context) ([]schema.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.samples < m.cfg.SlowPeriod || m.slow == 0 {
		return nil, nil
	}

	diffPct := (m.fast - m.slow) / m.slow
	var direction schema.Direction
	switch {
	case diffPct > m.cfg.TrendPct:
		direction = schema.DirectionLong
	case diffPct < -m.cfg.TrendPct:
		direction = schema.DirectionShort
	default:
		return nil, nil
	}

	confidence := math.Abs(diffPct) / m.cfg.StrongTrendPct
	if confidence > 1 {
		confidence = 1
	}
	if m.volatilityLocked() > m.cfg.VolatilityCut {
		confidence /= 2
	}

	return []schema.Signal{{
		InstrumentID:  m.cfg.InstrumentID,
		Direction:     direction,
		Confidence:    confidence,
		GeneratedAt:   m.cfg.Now(),
		SourceAgentID: m.id,
		TTL:           m.cfg.SignalTTL,
	}}, nil
}

// volatilityLocked is the stddev of the recent returns ring. Callers hold mu.
func (m *Momentum) volatilityLocked() float64 {
	if m.returnN < 2 {
		return 0
	}
	var sum float64
	for i := range m.returnN {
		sum += m.returns[i]
	}
	mean := sum / float64(m.returnN)

	var variance float64
	for i := range m.returnN {
		d := m.returns[i] - mean
		variance += d * d
	}
	variance /= float64(m.returnN)
	return math.Sqrt(variance)
}

func emaAlpha(period int) float64 {
	return 2 / (float64(period) + 1)
}
