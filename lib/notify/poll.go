// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/glyphd/glyphd/lib/breaker"
	"github.com/glyphd/glyphd/lib/clock"
)

// ErrSkipped is returned by PollOnce while the breaker holds requests
// back.
var ErrSkipped = errors.New("notify: poll skipped, circuit open")

// PollerConfig parameterizes a Poller.
type PollerConfig struct {
	// BaseURL is the server root, e.g. "http://127.0.0.1:8787".
	// Required.
	BaseURL string

	// Client is the HTTP client to poll with. Defaults to a plain
	// http.Client; per-attempt deadlines come from AttemptTimeout,
	// not the client.
	Client *http.Client

	// Breaker guards the polling loop. Required.
	Breaker *breaker.Breaker

	// Interval is the polling cadence. Defaults to 5 seconds.
	Interval time.Duration

	// AttemptTimeout bounds each fetch. A fetch that exceeds it
	// counts as a breaker failure. Defaults to 3 seconds.
	AttemptTimeout time.Duration

	// Handle receives each batch of new notifications, oldest first.
	// Required.
	Handle func([]Notification)

	// Clock drives the interval. Required.
	Clock clock.Clock

	// Logger receives poll failures. Required.
	Logger *slog.Logger
}

// Poller is the extension-side polling loop. It remembers the highest
// notification ID it has seen and asks only for newer ones.
type Poller struct {
	baseURL        string
	client         *http.Client
	breaker        *breaker.Breaker
	interval       time.Duration
	attemptTimeout time.Duration
	handle         func([]Notification)
	clock          clock.Clock
	logger         *slog.Logger

	afterID int64
}

// NewPoller validates the config and returns a Poller. Run starts the
// loop; PollOnce performs a single cycle for callers that drive their
// own scheduling.
func NewPoller(cfg PollerConfig) (*Poller, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("notify: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("notify: parsing BaseURL: %w", err)
	}
	if cfg.Breaker == nil {
		return nil, fmt.Errorf("notify: Breaker is required")
	}
	if cfg.Handle == nil {
		return nil, fmt.Errorf("notify: Handle is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("notify: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("notify: Logger is required")
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	attemptTimeout := cfg.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = 3 * time.Second
	}

	return &Poller{
		baseURL:        cfg.BaseURL,
		client:         client,
		breaker:        cfg.Breaker,
		interval:       interval,
		attemptTimeout: attemptTimeout,
		handle:         cfg.Handle,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
	}, nil
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil && !errors.Is(err, ErrSkipped) && ctx.Err() == nil {
				p.logger.Warn("notification poll failed", "error", err)
			}
		}
	}
}

// PollOnce performs one poll cycle: consult the breaker, fetch, hand
// new notifications to the handler. Returns ErrSkipped while the
// breaker is open. Cancellation of ctx is not a server fault and is
// never recorded against the breaker; everything else that fails the
// fetch is.
func (p *Poller) PollOnce(ctx context.Context) error {
	if decision := p.breaker.Allow(); !decision.Allowed {
		return ErrSkipped
	}

	batch, err := p.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// The caller is shutting down; the server was never given
			// a fair chance to answer.
			return err
		}
		p.breaker.RecordFailure(ctx)
		return err
	}

	p.breaker.RecordSuccess(ctx)
	if len(batch) > 0 {
		p.afterID = batch[len(batch)-1].ID
		p.handle(batch)
	}
	return nil
}

// fetch retrieves notifications newer than the high-water mark.
func (p *Poller) fetch(ctx context.Context) ([]Notification, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
	defer cancel()

	pollURL := p.baseURL + "/api/notifications?after=" + strconv.FormatInt(p.afterID, 10)
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, pollURL, nil)
	if err != nil {
		return nil, fmt.Errorf("notify: building poll request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("notify: polling: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("notify: poll returned %s", resp.Status)
	}

	var payload struct {
		Notifications []Notification `json:"notifications"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("notify: decoding poll response: %w", err)
	}
	return payload.Notifications, nil
}
