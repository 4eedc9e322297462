// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glyphd/glyphd/lib/clock"
)

// State is the breaker's position in the failure-isolation cycle.
type State int

const (
	// Closed permits all requests. The initial state.
	Closed State = iota
	// Open rejects all requests until the recovery timer fires.
	Open
	// HalfOpen permits exactly one probe request.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func parseState(s string) (State, error) {
	switch s {
	case "closed":
		return Closed, nil
	case "open":
		return Open, nil
	case "half-open":
		return HalfOpen, nil
	default:
		return Closed, fmt.Errorf("breaker: unknown persisted state %q", s)
	}
}

// StateStore persists breaker snapshots across process restarts.
// Implemented by statedb.KeyStore in production and by an in-memory
// fake in tests. Durability is the store's concern, not the
// breaker's.
type StateStore interface {
	Load(ctx context.Context) ([]byte, bool, error)
	Save(ctx context.Context, value []byte) error
}

// persisted is the JSON snapshot format. Field names and units
// (epoch milliseconds) match what the companion browser extension
// historically stored, so operators can inspect and migrate state.
type persisted struct {
	State           string `json:"state"`
	Failures        int    `json:"failures"`
	LastFailureTime int64  `json:"lastFailureTime"` // epoch ms, 0 = never
	BackoffDelay    int64  `json:"backoffDelay"`    // ms
}

// Config parameterizes a Breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that
	// opens the breaker. Defaults to 3.
	FailureThreshold int

	// InitialBackoff is the first Open period. Defaults to 5s.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential growth. Defaults to 5m.
	MaxBackoff time.Duration

	// Store persists snapshots. Optional; nil disables persistence.
	Store StateStore

	// Clock schedules recovery timers. Required.
	Clock clock.Clock

	// Logger receives transition logs. Required.
	Logger *slog.Logger
}

// Decision is the answer to one Allow call.
type Decision struct {
	// Allowed reports whether the caller may attempt the request.
	Allowed bool

	// Probing is set when this is the single Half-Open trial
	// request. The caller must report the outcome.
	Probing bool

	// OpenElapsed is how long the breaker has been open (time since
	// the triggering failure). Zero unless the request was rejected.
	OpenElapsed time.Duration
}

// Snapshot is a point-in-time view of the breaker for stats surfaces.
type Snapshot struct {
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CurrentBackoff      time.Duration `json:"current_backoff"`
	LastFailureAt       time.Time     `json:"last_failure_at"`
}

// Breaker is the three-state failure-isolation state machine. Safe
// for concurrent use; every transition is applied under one mutex in
// the order events are observed.
type Breaker struct {
	threshold      int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	store          StateStore
	clock          clock.Clock
	logger         *slog.Logger

	mu            sync.Mutex
	state         State
	failures      int
	lastFailureAt time.Time
	backoff       time.Duration
	probeInFlight bool
	recovery      *clock.Timer
}

// New creates a breaker, restoring any persisted state. A restored
// Open breaker whose backoff window already elapsed resumes directly
// in HalfOpen; one restored mid-window schedules a recovery timer for
// the remaining delta.
func New(ctx context.Context, cfg Config) (*Breaker, error) {
	if cfg.Clock == nil {
		panic("breaker: Clock is required")
	}
	if cfg.Logger == nil {
		panic("breaker: Logger is required")
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = 5 * time.Second
	}
	maximum := cfg.MaxBackoff
	if maximum <= 0 {
		maximum = 5 * time.Minute
	}
	if maximum < initial {
		return nil, fmt.Errorf("breaker: MaxBackoff %v is below InitialBackoff %v", maximum, initial)
	}

	b := &Breaker{
		threshold:      threshold,
		initialBackoff: initial,
		maxBackoff:     maximum,
		store:          cfg.Store,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		state:          Closed,
		backoff:        initial,
	}

	if err := b.restore(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// restore loads the persisted snapshot, if any, and resumes from it.
func (b *Breaker) restore(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	data, found, err := b.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("breaker: loading persisted state: %w", err)
	}
	if !found {
		return nil
	}

	var saved persisted
	if err := json.Unmarshal(data, &saved); err != nil {
		return fmt.Errorf("breaker: parsing persisted state: %w", err)
	}
	state, err := parseState(saved.State)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = state
	b.failures = saved.Failures
	if saved.LastFailureTime > 0 {
		b.lastFailureAt = time.UnixMilli(saved.LastFailureTime)
	}
	if saved.BackoffDelay > 0 {
		b.backoff = time.Duration(saved.BackoffDelay) * time.Millisecond
	}

	if b.state != Open {
		return nil
	}

	remaining := b.backoff - b.clock.Now().Sub(b.lastFailureAt)
	if remaining <= 0 {
		// The window elapsed while the process was down; resume as
		// if the recovery timer just fired.
		b.toHalfOpenLocked()
		b.saveLocked(ctx)
		return nil
	}
	b.scheduleRecoveryLocked(remaining)
	b.logger.Info("circuit breaker resumed mid-backoff",
		"remaining", remaining,
		"backoff", b.backoff,
	)
	return nil
}

// Allow reports whether the caller may attempt a guarded request.
func (b *Breaker) Allow() Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return Decision{Allowed: true}
	case HalfOpen:
		if b.probeInFlight {
			return Decision{}
		}
		b.probeInFlight = true
		return Decision{Allowed: true, Probing: true}
	default: // Open
		return Decision{OpenElapsed: b.clock.Now().Sub(b.lastFailureAt)}
	}
}

// RecordSuccess reports that a guarded request succeeded. A
// successful Half-Open probe closes the breaker and resets the
// backoff to its initial value.
func (b *Breaker) RecordSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.state = Closed
		b.failures = 0
		b.backoff = b.initialBackoff
		b.probeInFlight = false
		b.logger.Info("circuit breaker closed after successful probe")
	case Closed:
		// Defensive: the counter is already 0 in a healthy Closed
		// state unless some failures preceded this success.
		b.failures = 0
	case Open:
		// Success reports in Open mean the caller raced a
		// transition; ignore beyond logging.
		b.logger.Debug("success recorded while breaker open; ignoring")
		return
	}
	b.saveLocked(ctx)
}

// RecordFailure reports that a guarded request failed. Reaching the
// threshold in Closed, or any failure in HalfOpen, opens the breaker
// and schedules the recovery timer.
func (b *Breaker) RecordFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	switch b.state {
	case Closed:
		b.failures++
		b.lastFailureAt = now
		if b.failures >= b.threshold {
			b.state = Open
			b.scheduleRecoveryLocked(b.backoff)
			b.logger.Warn("circuit breaker opened",
				"consecutive_failures", b.failures,
				"backoff", b.backoff,
			)
		}
	case HalfOpen:
		b.failures++
		b.lastFailureAt = now
		b.probeInFlight = false
		b.state = Open
		b.scheduleRecoveryLocked(b.backoff)
		b.logger.Warn("circuit breaker reopened after failed probe",
			"backoff", b.backoff,
		)
	case Open:
		b.failures++
		b.lastFailureAt = now
	}
	b.saveLocked(ctx)
}

// Snapshot returns the current breaker state for stats reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		CurrentBackoff:      b.backoff,
		LastFailureAt:       b.lastFailureAt,
	}
}

// Close cancels any pending recovery timer.
func (b *Breaker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.recovery != nil {
		b.recovery.Stop()
		b.recovery = nil
	}
}

// scheduleRecoveryLocked arms the Open→HalfOpen timer. Must be called
// with b.mu held.
func (b *Breaker) scheduleRecoveryLocked(after time.Duration) {
	if b.recovery != nil {
		b.recovery.Stop()
	}
	b.recovery = b.clock.AfterFunc(after, b.onRecoveryTimer)
}

// onRecoveryTimer runs when the backoff window elapses.
func (b *Breaker) onRecoveryTimer() {
	b.mu.Lock()
	if b.state != Open {
		// Stale fire after a manual transition; nothing to do.
		b.mu.Unlock()
		return
	}
	b.toHalfOpenLocked()
	b.saveLocked(context.Background())
	b.mu.Unlock()
}

// toHalfOpenLocked transitions Open→HalfOpen and doubles the backoff
// for the next potential Open period, capped at the maximum. The
// doubling happens here — on the transition — regardless of whether
// the upcoming probe succeeds. Must be called with b.mu held.
func (b *Breaker) toHalfOpenLocked() {
	b.state = HalfOpen
	b.probeInFlight = false
	b.backoff = min(b.backoff*2, b.maxBackoff)
	b.logger.Info("circuit breaker half-open, probe permitted",
		"next_backoff", b.backoff,
	)
}

// saveLocked persists the current snapshot. Persistence failures are
// logged, never propagated: a broken state store must not take the
// poller down with it. Must be called with b.mu held.
func (b *Breaker) saveLocked(ctx context.Context) {
	if b.store == nil {
		return
	}
	snapshot := persisted{
		State:        b.state.String(),
		Failures:     b.failures,
		BackoffDelay: b.backoff.Milliseconds(),
	}
	if !b.lastFailureAt.IsZero() {
		snapshot.LastFailureTime = b.lastFailureAt.UnixMilli()
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		b.logger.Error("circuit breaker state marshal failed", "error", err)
		return
	}
	if err := b.store.Save(ctx, data); err != nil {
		b.logger.Error("circuit breaker state save failed", "error", err)
	}
}
