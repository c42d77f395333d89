package sigstore

import (
	"errors"
	"sync"
	"testing"
	"time"

	"main/internal/schema"
	"main/pkg/exception"
)

func testSignal(inst schema.InstrumentID, generatedAt int64) schema.Signal {
	return schema.Signal{
		InstrumentID:  inst,
		Direction:     schema.DirectionLong,
		Confidence:    0.8,
		GeneratedAt:   generatedAt,
		SourceAgentID: "analyst-1",
		TTL:           time.Minute,
	}
}

func TestPublishRejectsStaleByGeneratedAt(t *testing.T) {
	now := int64(1_000_000)
	s := New(Config{Now: func() int64 { return now }})

	t0 := testSignal(1, 100)
	if err := s.Publish(t0); err != nil {
		t.Fatalf("publish t0: %v", err)
	}

	stale := testSignal(1, 99)
	if err := s.Publish(stale); !errors.Is(err, exception.ErrSignalStale) {
		t.Fatalf("expected stale rejection, got %v", err)
	}

	latest, ok := s.Latest(1)
	if !ok {
		t.Fatal("latest missing after stale publish")
	}
	if latest.GeneratedAt != 100 {
		t.Fatalf("latest generatedAt = %d, want 100", latest.GeneratedAt)
	}
}

func TestPublishRejectsDuplicateGeneratedAt(t *testing.T) {
	s := New(Config{Now: func() int64 { return 0 }})
	sig := testSignal(1, 100)
	if err := s.Publish(sig); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := s.Publish(sig); !errors.Is(err, exception.ErrSignalStale) {
		t.Fatalf("expected stale on duplicate generatedAt, got %v", err)
	}
}

func TestPublishValidation(t *testing.T) {
	s := New(Config{})

	bad := testSignal(1, 1)
	bad.Confidence = 1.5
	if err := s.Publish(bad); !errors.Is(err, exception.ErrSignalInvalidConfidence) {
		t.Fatalf("confidence: got %v", err)
	}

	bad = testSignal(1, 1)
	bad.TTL = 0
	if err := s.Publish(bad); !errors.Is(err, exception.ErrSignalInvalidTTL) {
		t.Fatalf("ttl: got %v", err)
	}

	bad = testSignal(0, 1)
	if err := s.Publish(bad); !errors.Is(err, exception.ErrSignalUnknownInstrument) {
		t.Fatalf("instrument: got %v", err)
	}
}

func TestLatestFiltersExpired(t *testing.T) {
	now := int64(0)
	s := New(Config{Now: func() int64 { return now }})

	sig := testSignal(1, 1000)
	sig.TTL = time.Microsecond
	if err := s.Publish(sig); err != nil {
		t.Fatalf("publish: %v", err)
	}

	now = 1500
	if _, ok := s.Latest(1); !ok {
		t.Fatal("signal should still be live before expiry")
	}

	now = sig.ExpiresAt() + 1
	if _, ok := s.Latest(1); ok {
		t.Fatal("expired signal returned to reader")
	}
}

func TestLatestAlwaysGreatestGeneratedAt(t *testing.T) {
	s := New(Config{Now: func() int64 { return 0 }})
	arrivals := []int64{5, 3, 9, 1, 7, 9, 2, 8}
	var want int64
	for _, ts := range arrivals {
		err := s.Publish(testSignal(2, ts))
		if ts > want {
			want = ts
			if err != nil {
				t.Fatalf("publish %d: %v", ts, err)
			}
		} else if !errors.Is(err, exception.ErrSignalStale) {
			t.Fatalf("publish %d: expected stale, got %v", ts, err)
		}
	}
	latest, ok := s.Latest(2)
	if !ok || latest.GeneratedAt != want {
		t.Fatalf("latest = %+v ok=%v, want generatedAt %d", latest, ok, want)
	}
}

func TestSubscribeReceivesAcceptedSignals(t *testing.T) {
	s := New(Config{Now: func() int64 { return 0 }})
	ch, cancel := s.Subscribe(1)
	defer cancel()

	for _, ts := range []int64{10, 20, 30} {
		if err := s.Publish(testSignal(1, ts)); err != nil {
			t.Fatalf("publish %d: %v", ts, err)
		}
	}

	var got []int64
	for i := 0; i < 3; i++ {
		select {
		case sig := <-ch:
			got = append(got, sig.GeneratedAt)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for signal %d", i)
		}
	}
	for i, ts := range []int64{10, 20, 30} {
		if got[i] != ts {
			t.Fatalf("delivery order = %v", got)
		}
	}
}

func TestSlowSubscriberKeepsLatest(t *testing.T) {
	s := New(Config{Now: func() int64 { return 0 }, SubscriberBuffer: 2})
	ch, cancel := s.Subscribe(1)
	defer cancel()

	for ts := int64(1); ts <= 10; ts++ {
		if err := s.Publish(testSignal(1, ts)); err != nil {
			t.Fatalf("publish %d: %v", ts, err)
		}
	}

	var last int64
	for {
		select {
		case sig := <-ch:
			last = sig.GeneratedAt
			continue
		default:
		}
		break
	}
	if last != 10 {
		t.Fatalf("lagging subscriber last saw %d, want 10", last)
	}
	if s.Drops() == 0 {
		t.Fatal("expected eviction drops for lagging subscriber")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	s := New(Config{})
	_, cancel := s.Subscribe(1)
	cancel()
	cancel()

	if err := s.Publish(testSignal(1, 1)); err != nil {
		t.Fatalf("publish after cancel: %v", err)
	}
}

func TestHistoryBounded(t *testing.T) {
	s := New(Config{Now: func() int64 { return 0 }, HistoryDepth: 4})
	for ts := int64(1); ts <= 10; ts++ {
		if err := s.Publish(testSignal(1, ts)); err != nil {
			t.Fatalf("publish %d: %v", ts, err)
		}
	}

	hist := s.History(1, 100)
	if len(hist) != 4 {
		t.Fatalf("history length = %d, want 4", len(hist))
	}
	for i, want := range []int64{7, 8, 9, 10} {
		if hist[i].GeneratedAt != want {
			t.Fatalf("history[%d] = %d, want %d", i, hist[i].GeneratedAt, want)
		}
	}

	if got := s.History(1, 2); len(got) != 2 || got[1].GeneratedAt != 10 {
		t.Fatalf("history tail = %+v", got)
	}
}

func TestConcurrentPublishersSingleWinner(t *testing.T) {
	s := New(Config{Now: func() int64 { return 0 }})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(offset int64) {
			defer wg.Done()
			for ts := int64(1); ts <= 200; ts++ {
				_ = s.Publish(testSignal(1, ts*8+offset))
			}
		}(int64(w))
	}
	wg.Wait()

	latest, ok := s.Latest(1)
	if !ok {
		t.Fatal("latest missing")
	}
	if latest.GeneratedAt != 200*8+7 {
		t.Fatalf("latest generatedAt = %d, want %d", latest.GeneratedAt, 200*8+7)
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	s := New(Config{Now: func() int64 { return 0 }})
	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for ts := int64(1); ; ts++ {
			select {
			case <-stop:
				return
			default:
			}
			_ = s.Publish(testSignal(3, ts))
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var prev int64
			for i := 0; i < 2000; i++ {
				sig, ok := s.Latest(3)
				if !ok {
					continue
				}
				if sig.GeneratedAt < prev {
					t.Errorf("latest went backwards: %d after %d", sig.GeneratedAt, prev)
					return
				}
				prev = sig.GeneratedAt
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()
}
