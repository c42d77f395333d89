package agent

import (
	"context"
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/schema"
	"main/internal/sigstore"
	"main/pkg/backoff"
)

// SupervisorConfig tunes agent scheduling and failure handling.
type SupervisorConfig struct {
	ProduceInterval time.Duration
	RestartBackoff  backoff.Backoff
	// QuarantineAfter is the consecutive failure count that permanently
	// stops an agent. Zero means never quarantine.
	QuarantineAfter int
	Now             func() int64
}

func (cfg SupervisorConfig) withDefaults() SupervisorConfig {
	if cfg.ProduceInterval <= 0 {
		cfg.ProduceInterval = time.Second
	}
	if cfg.RestartBackoff == (backoff.Backoff{}) {
		cfg.RestartBackoff = backoff.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() int64 { return time.Now().UnixNano() }
	}
	return cfg
}

type member struct {
	agent       Agent
	instruments []schema.InstrumentID

	mu          sync.Mutex
	failures    int
	quarantined bool
}

func (m *member) fail() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	return m.failures
}

func (m *member) succeed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = 0
}

func (m *member) quarantine() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quarantined = true
}

func (m *member) isQuarantined() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quarantined
}

// Supervisor runs agents in isolated goroutines. A panicking or erroring
// agent is restarted with backoff and quarantined after enough consecutive
// failures; other agents keep running.
type Supervisor struct {
	cfg     SupervisorConfig
	signals *sigstore.Store

	mu      sync.RWMutex
	members map[string]*member
	wg      sync.WaitGroup
}

// NewSupervisor creates a supervisor publishing into the signal store.
func NewSupervisor(cfg SupervisorConfig, signals *sigstore.Store) *Supervisor {
	return &Supervisor{
		cfg:     cfg.withDefaults(),
		signals: signals,
		members: make(map[string]*member),
	}
}

// Attach registers an agent. Instruments bind IntentProducers to the signal
// streams they react to.
func (s *Supervisor) Attach(a Agent, instruments ...schema.InstrumentID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[a.ID()] = &member{agent: a, instruments: instruments}
}

// Quarantined reports whether an agent has been stopped for good.
func (s *Supervisor) Quarantined(id string) bool {
	s.mu.RLock()
	m, ok := s.members[id]
	s.mu.RUnlock()
	return ok && m.isQuarantined()
}

// Run starts every attached agent and blocks until the context is done.
func (s *Supervisor) Run(ctx context.Context) {
	s.mu.RLock()
	for _, m := range s.members {
		if p, ok := m.agent.(SignalProducer); ok {
			s.spawn(ctx, m, func(ctx context.Context) error {
				return s.produceLoop(ctx, m, p)
			})
		}
		if p, ok := m.agent.(IntentProducer); ok {
			for _, inst := range m.instruments {
				s.spawn(ctx, m, func(ctx context.Context) error {
					return s.reactLoop(ctx, m, p, inst)
				})
			}
		}
	}
	s.mu.RUnlock()
	s.wg.Wait()
}

// DispatchOutcome delivers a terminal outcome to every observer. A panic in
// one observer does not reach the others.
func (s *Supervisor) DispatchOutcome(out schema.OrderOutcome) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.members {
		obs, ok := m.agent.(OutcomeObserver)
		if !ok || m.isQuarantined() {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					logs.Errorf("agent %s observe panic: %+v", m.agent.ID(), r)
				}
			}()
			obs.Observe(out)
		}()
	}
}

// DispatchTick delivers a market tick to consumers of its instrument.
func (s *Supervisor) DispatchTick(tick schema.Tick) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.members {
		consumer, ok := m.agent.(TickConsumer)
		if !ok || m.isQuarantined() {
			continue
		}
		if len(m.instruments) > 0 && !contains(m.instruments, tick.InstrumentID) {
			continue
		}
		consumer.OnTick(tick)
	}
}

// spawn supervises one loop: panics become errors, errors restart the loop
// with backoff until the quarantine threshold.
func (s *Supervisor) spawn(ctx context.Context, m *member, loop func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			if ctx.Err() != nil || m.isQuarantined() {
				return
			}

			err := runRecovered(ctx, loop)
			if err == nil || ctx.Err() != nil {
				return
			}

			failures := m.fail()
			logs.Errorf("agent %s failed (%d consecutive), err: %+v", m.agent.ID(), failures, err)
			if s.cfg.QuarantineAfter > 0 && failures >= s.cfg.QuarantineAfter {
				m.quarantine()
				logs.Errorf("agent %s quarantined", m.agent.ID())
				return
			}

			wait := s.cfg.RestartBackoff.Next(failures)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}()
}

func runRecovered(ctx context.Context, loop func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return loop(ctx)
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return "agent panic"
}

func (s *Supervisor) produceLoop(ctx context.Context, m *member, p SignalProducer) error {
	ticker := time.NewTicker(s.cfg.ProduceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		signals, err := p.Produce(ctx)
		if err != nil {
			return err
		}
		m.succeed()
		for _, sig := range signals {
			if err := s.signals.Publish(sig); err != nil {
				// stale signals lose the race, nothing to do
				continue
			}
		}
	}
}

func (s *Supervisor) reactLoop(ctx context.Context, m *member, p IntentProducer, inst schema.InstrumentID) error {
	ch, cancel := s.signals.Subscribe(inst)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-ch:
			if !ok {
				return nil
			}
			if sig.Expired(s.cfg.Now()) {
				continue
			}
			if _, err := p.React(ctx, sig); err != nil {
				return err
			}
			m.succeed()
		}
	}
}

func contains(ids []schema.InstrumentID, id schema.InstrumentID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
