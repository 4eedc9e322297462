// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/glyphd/glyphd/lib/clock"
)

// View is an immutable snapshot of the registry at one load
// generation. Callers must not mutate entries reached through it.
type View struct {
	entries    map[string]*Entry
	generation uint64
	loadedAt   time.Time
}

// Lookup returns the entry indexed under key — a project name
// (verbatim) or a project path (lower-cased, as produced by the path
// validator).
func (v *View) Lookup(key string) (*Entry, bool) {
	entry, ok := v.entries[key]
	return entry, ok
}

// Len returns the number of index keys (a record indexed by both
// name and path counts twice).
func (v *View) Len() int { return len(v.entries) }

// Stats is a snapshot of the cache counters and configuration.
type Stats struct {
	Hits          uint64        `json:"hits"`
	Misses        uint64        `json:"misses"`
	Invalidations uint64        `json:"invalidations"`
	HitRate       float64       `json:"hit_rate"`
	Age           time.Duration `json:"age"`  // 0 when empty
	TTL           time.Duration `json:"ttl"`
	Mode          string        `json:"mode"` // "watch", "poll", or "manual"
}

// Config parameterizes a Cache.
type Config struct {
	// Path is the registry file. Required. The file need not exist;
	// a missing file is a load failure handled like any other.
	Path string

	// TTL is how long a loaded view is served without re-reading the
	// file. Defaults to 30 seconds.
	TTL time.Duration

	// DebounceDelay coalesces rapid file-change events. Defaults to
	// 500ms.
	DebounceDelay time.Duration

	// PollInterval is the re-stat cadence for the polling fallback.
	// Defaults to 2 seconds.
	PollInterval time.Duration

	// PollOnly skips the fsnotify capability probe and uses the
	// polling strategy unconditionally. For hosts where inotify is
	// exhausted or unavailable, and for deterministic tests.
	PollOnly bool

	// Clock drives TTL checks, debouncing, and polling. Required.
	Clock clock.Clock

	// Logger receives load errors and stale-serving warnings.
	// Required.
	Logger *slog.Logger
}

// Cache is the TTL'd, watch-invalidated registry cache. One instance
// per process, constructed at startup and injected into consumers.
type Cache struct {
	path   string
	ttl    time.Duration
	clock  clock.Clock
	logger *slog.Logger

	mu            sync.Mutex
	view          *View // nil = empty state
	generation    uint64
	hits          uint64
	misses        uint64
	invalidations uint64
	debounce      *clock.Timer
	debounceDelay time.Duration

	watcher watcher
	done    chan struct{}
}

// emptyView is returned while the cache has nothing loaded.
var emptyView = &View{}

// NewCache constructs the cache and starts its invalidation watcher.
// No load happens until the first Get. Call Close to release the
// watcher.
func NewCache(cfg Config) *Cache {
	if cfg.Path == "" {
		panic("registry: Path is required")
	}
	if cfg.Clock == nil {
		panic("registry: Clock is required")
	}
	if cfg.Logger == nil {
		panic("registry: Logger is required")
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	debounce := cfg.DebounceDelay
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	c := &Cache{
		path:          cfg.Path,
		ttl:           ttl,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		debounceDelay: debounce,
		done:          make(chan struct{}),
	}

	c.watcher = newWatcher(cfg.Path, cfg.PollOnly, pollInterval, cfg.Clock, cfg.Logger)
	go c.consumeEvents()

	return c
}

// Get returns the current registry view. Within the TTL this is a
// pure cache hit with no I/O. An expired or empty cache triggers a
// (re)load: on success the new view is served; on failure the
// previous view is retained and served stale (with a warning), or an
// empty view is served if nothing was ever loaded. Get never returns
// an error to the caller.
//
// Concurrent Gets observing an expired view may each reload; the last
// commit wins. Callers tolerate redundant loads by contract.
func (c *Cache) Get(ctx context.Context) *View {
	c.mu.Lock()
	now := c.clock.Now()
	if c.view != nil && now.Sub(c.view.loadedAt) < c.ttl {
		c.hits++
		view := c.view
		c.mu.Unlock()
		return view
	}
	c.misses++
	c.mu.Unlock()

	entries, err := c.load(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	now = c.clock.Now()

	if err != nil {
		if c.view != nil {
			// Stale-serving: keep the old data and give it a fresh
			// lease so a persistently unreadable file does not turn
			// every request into a disk read.
			c.logger.Warn("registry reload failed, serving stale data",
				"path", c.path,
				"age", now.Sub(c.view.loadedAt),
				"error", err,
			)
			c.view = &View{entries: c.view.entries, generation: c.view.generation, loadedAt: now}
			return c.view
		}
		c.logger.Error("registry load failed, serving empty view",
			"path", c.path,
			"error", err,
		)
		return emptyView
	}

	c.generation++
	c.view = &View{entries: entries, generation: c.generation, loadedAt: now}
	c.logger.Debug("registry loaded",
		"path", c.path,
		"keys", len(entries),
		"generation", c.generation,
	)
	return c.view
}

// Invalidate drops the cached view, forcing the next Get to reload.
// Idempotent; safe to call at any time.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked()
}

func (c *Cache) invalidateLocked() {
	c.view = nil
	c.invalidations++
}

// Stats returns the cache counters. ResetStats zeroes them without
// touching cached data.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		Invalidations: c.invalidations,
		TTL:           c.ttl,
		Mode:          string(c.watcher.mode()),
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	if c.view != nil {
		stats.Age = c.clock.Now().Sub(c.view.loadedAt)
	}
	return stats
}

// ResetStats zeroes the hit/miss/invalidation counters.
func (c *Cache) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits, c.misses, c.invalidations = 0, 0, 0
}

// Close stops the watcher and any pending debounce timer.
func (c *Cache) Close() {
	close(c.done)
	c.watcher.close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
}

// load reads and parses the registry file.
func (c *Cache) load(ctx context.Context) (map[string]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, err
	}
	return parseRegistry(data)
}

// consumeEvents forwards watcher signals into the debounce timer.
func (c *Cache) consumeEvents() {
	for {
		select {
		case <-c.done:
			return
		case _, ok := <-c.watcher.events():
			if !ok {
				return
			}
			c.scheduleDebounce()
		}
	}
}

// scheduleDebounce arms (or pushes back) the debounce timer so that a
// burst of writes produces one invalidation check.
func (c *Cache) scheduleDebounce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.debounce != nil {
		c.debounce.Reset(c.debounceDelay)
		return
	}
	c.debounce = c.clock.AfterFunc(c.debounceDelay, c.onFileChanged)
}

// onFileChanged runs after the debounce window closes. The new
// content is parsed before the old view is discarded: a change that
// does not parse never costs us last-known-good data.
func (c *Cache) onFileChanged() {
	c.mu.Lock()
	c.debounce = nil
	c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err == nil {
		_, err = parseRegistry(data)
	}
	if err != nil {
		c.logger.Warn("registry changed but replacement is unusable, keeping cached data",
			"path", c.path,
			"error", err,
		)
		return
	}

	c.mu.Lock()
	c.invalidateLocked()
	c.mu.Unlock()
	c.logger.Info("registry file changed, cache invalidated", "path", c.path)
}
