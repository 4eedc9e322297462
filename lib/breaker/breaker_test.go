// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glyphd/glyphd/lib/clock"
)

// memoryStore is an in-memory StateStore for unit tests.
type memoryStore struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

func (s *memoryStore) Load(ctx context.Context) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, false, nil
	}
	return s.data, true, nil
}

func (s *memoryStore) Save(ctx context.Context, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), value...)
	s.saves++
	return nil
}

func (s *memoryStore) snapshot(t *testing.T) persisted {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var p persisted
	if err := json.Unmarshal(s.data, &p); err != nil {
		t.Fatalf("parsing persisted state %q: %v", s.data, err)
	}
	return p
}

func newTestBreaker(t *testing.T, store StateStore) (*Breaker, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	b, err := New(context.Background(), Config{
		Store:  store,
		Clock:  fake,
		Logger: slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(b.Close)
	return b, fake
}

func TestClosedAllowsRequests(t *testing.T) {
	b, _ := newTestBreaker(t, nil)

	decision := b.Allow()
	if !decision.Allowed || decision.Probing {
		t.Errorf("Allow() on fresh breaker = %+v, want allowed, not probing", decision)
	}
}

func TestOpensAtExactlyThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, nil)
	ctx := context.Background()

	b.RecordFailure(ctx)
	b.RecordFailure(ctx)
	if got := b.Snapshot().State; got != Closed {
		t.Fatalf("state after threshold-1 failures = %s, want closed", got)
	}

	b.RecordFailure(ctx)
	if got := b.Snapshot().State; got != Open {
		t.Fatalf("state after threshold failures = %s, want open", got)
	}

	decision := b.Allow()
	if decision.Allowed {
		t.Error("Allow() permitted a request while open")
	}
	if decision.OpenElapsed < 0 {
		t.Errorf("OpenElapsed = %v, want >= 0", decision.OpenElapsed)
	}
}

func TestSuccessResetsCounterWithoutOpening(t *testing.T) {
	b, _ := newTestBreaker(t, nil)
	ctx := context.Background()

	b.RecordFailure(ctx)
	b.RecordFailure(ctx)
	b.RecordSuccess(ctx)
	b.RecordFailure(ctx)
	b.RecordFailure(ctx)

	if got := b.Snapshot().State; got != Closed {
		t.Errorf("state = %s, want closed (success should reset the counter)", got)
	}
	if got := b.Snapshot().ConsecutiveFailures; got != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2", got)
	}
}

func openBreaker(t *testing.T, b *Breaker) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx)
	}
	if got := b.Snapshot().State; got != Open {
		t.Fatalf("state = %s, want open", got)
	}
}

func TestHalfOpenSingleProbe(t *testing.T) {
	b, fake := newTestBreaker(t, nil)
	openBreaker(t, b)

	fake.Advance(5 * time.Second)
	if got := b.Snapshot().State; got != HalfOpen {
		t.Fatalf("state after backoff window = %s, want half-open", got)
	}

	first := b.Allow()
	if !first.Allowed || !first.Probing {
		t.Errorf("first Allow() in half-open = %+v, want allowed probe", first)
	}
	second := b.Allow()
	if second.Allowed {
		t.Error("second Allow() in half-open permitted a concurrent probe")
	}
}

func TestProbeSuccessClosesAndResetsBackoff(t *testing.T) {
	b, fake := newTestBreaker(t, nil)
	ctx := context.Background()
	openBreaker(t, b)

	fake.Advance(5 * time.Second) // half-open; backoff doubled to 10s
	b.Allow()
	b.RecordSuccess(ctx)

	snapshot := b.Snapshot()
	if snapshot.State != Closed {
		t.Errorf("state = %s, want closed", snapshot.State)
	}
	if snapshot.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", snapshot.ConsecutiveFailures)
	}
	if snapshot.CurrentBackoff != 5*time.Second {
		t.Errorf("CurrentBackoff = %v, want initial 5s", snapshot.CurrentBackoff)
	}
}

func TestBackoffDoublesPerCycleAndCaps(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	b, err := New(context.Background(), Config{
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     18 * time.Second,
		Clock:          fake,
		Logger:         slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()
	ctx := context.Background()
	openBreaker(t, b)

	// Each Open→HalfOpen→failed-probe cycle doubles the backoff for
	// the next cycle: 5s → 10s → 18s (cap) → 18s.
	wantBackoffs := []time.Duration{10 * time.Second, 18 * time.Second, 18 * time.Second}
	advance := 5 * time.Second
	for i, want := range wantBackoffs {
		fake.Advance(advance)
		if got := b.Snapshot().State; got != HalfOpen {
			t.Fatalf("cycle %d: state = %s, want half-open", i, got)
		}
		if got := b.Snapshot().CurrentBackoff; got != want {
			t.Fatalf("cycle %d: CurrentBackoff = %v, want %v", i, got, want)
		}
		b.Allow()
		b.RecordFailure(ctx) // reopen at the doubled backoff
		advance = want
	}
}

func TestPersistsOnEveryTransitionAndRecord(t *testing.T) {
	store := &memoryStore{}
	b, fake := newTestBreaker(t, store)
	ctx := context.Background()

	b.RecordFailure(ctx)
	got := store.snapshot(t)
	if got.State != "closed" || got.Failures != 1 {
		t.Errorf("after one failure persisted = %+v", got)
	}

	b.RecordFailure(ctx)
	b.RecordFailure(ctx)
	got = store.snapshot(t)
	if got.State != "open" || got.Failures != 3 {
		t.Errorf("after opening persisted = %+v", got)
	}
	if got.BackoffDelay != 5000 {
		t.Errorf("persisted BackoffDelay = %d, want 5000", got.BackoffDelay)
	}
	if got.LastFailureTime == 0 {
		t.Error("persisted LastFailureTime = 0, want set")
	}

	fake.Advance(5 * time.Second)
	got = store.snapshot(t)
	if got.State != "half-open" || got.BackoffDelay != 10000 {
		t.Errorf("after timer fire persisted = %+v", got)
	}
}

func TestRestoreElapsedWindowResumesHalfOpen(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	saved, _ := json.Marshal(persisted{
		State:           "open",
		Failures:        3,
		LastFailureTime: fake.Now().Add(-time.Minute).UnixMilli(),
		BackoffDelay:    5000,
	})
	store := &memoryStore{data: saved}

	b, err := New(context.Background(), Config{
		Store:  store,
		Clock:  fake,
		Logger: slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	if got := b.Snapshot().State; got != HalfOpen {
		t.Errorf("restored state = %s, want half-open (window already elapsed)", got)
	}
	decision := b.Allow()
	if !decision.Allowed || !decision.Probing {
		t.Errorf("Allow() after resume = %+v, want probe", decision)
	}
}

func TestRestoreMidWindowSchedulesRemainder(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	saved, _ := json.Marshal(persisted{
		State:           "open",
		Failures:        3,
		LastFailureTime: fake.Now().Add(-2 * time.Second).UnixMilli(),
		BackoffDelay:    5000,
	})
	store := &memoryStore{data: saved}

	b, err := New(context.Background(), Config{
		Store:  store,
		Clock:  fake,
		Logger: slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	if got := b.Snapshot().State; got != Open {
		t.Fatalf("restored state = %s, want open (2s of 5s elapsed)", got)
	}

	fake.Advance(2 * time.Second)
	if got := b.Snapshot().State; got != Open {
		t.Fatalf("state after partial wait = %s, want still open", got)
	}

	fake.Advance(time.Second) // remaining 3s total elapsed
	if got := b.Snapshot().State; got != HalfOpen {
		t.Errorf("state after remainder = %s, want half-open", got)
	}
}

func TestRestoreCorruptStateFails(t *testing.T) {
	store := &memoryStore{data: []byte("{not json")}
	fake := clock.Fake(time.Unix(0, 0))
	_, err := New(context.Background(), Config{
		Store:  store,
		Clock:  fake,
		Logger: slog.New(slog.DiscardHandler),
	})
	if err == nil {
		t.Error("New with corrupt persisted state succeeded, want error")
	}
}

func TestConfigValidation(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	_, err := New(context.Background(), Config{
		InitialBackoff: time.Minute,
		MaxBackoff:     time.Second,
		Clock:          fake,
		Logger:         slog.New(slog.DiscardHandler),
	})
	if err == nil {
		t.Error("New with MaxBackoff < InitialBackoff succeeded, want error")
	}
}
