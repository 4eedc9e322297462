// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/glyphd/glyphd/lib/clock"
)

// Mode identifies the change-detection strategy in use.
type Mode string

const (
	// ModeWatch means filesystem notification events (fsnotify).
	ModeWatch Mode = "watch"
	// ModePoll means periodic stat comparison.
	ModePoll Mode = "poll"
)

// watcher detects changes to the registry file. Implementations send
// an empty struct on events() for every suspected change; the cache
// debounces and verifies. Events may be dropped while one is already
// pending — change detection is level-triggered by the debounce pass,
// not edge-exact.
type watcher interface {
	events() <-chan struct{}
	close()
	mode() Mode
}

// newWatcher probes for fsnotify support and falls back to polling
// when the probe fails (inotify instances exhausted, unsupported
// filesystem) or when pollOnly forces it.
func newWatcher(path string, pollOnly bool, interval time.Duration, clk clock.Clock, logger *slog.Logger) watcher {
	if !pollOnly {
		w, err := newNotifyWatcher(path, logger)
		if err == nil {
			return w
		}
		logger.Warn("filesystem notification unavailable, falling back to polling",
			"path", path,
			"error", err,
		)
	}
	return newPollWatcher(path, interval, clk)
}

// notifyWatcher watches the registry file's parent directory and
// filters events by basename. Watching the directory rather than the
// file itself survives the rename-over-replace idiom editors and
// atomic writers use.
type notifyWatcher struct {
	fsw  *fsnotify.Watcher
	ch   chan struct{}
	done chan struct{}
}

func newNotifyWatcher(path string, logger *slog.Logger) (*notifyWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &notifyWatcher{
		fsw:  fsw,
		ch:   make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	base := filepath.Base(path)

	go func() {
		for {
			select {
			case <-w.done:
				return
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
					continue
				}
				select {
				case w.ch <- struct{}{}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logger.Warn("filesystem watch error", "path", path, "error", err)
			}
		}
	}()

	return w, nil
}

func (w *notifyWatcher) events() <-chan struct{} { return w.ch }
func (w *notifyWatcher) mode() Mode              { return ModeWatch }

func (w *notifyWatcher) close() {
	close(w.done)
	w.fsw.Close()
}

// pollWatcher re-stats the registry file on a fixed cadence and
// signals when size or mtime moves. A file appearing or disappearing
// also counts as a change.
type pollWatcher struct {
	path   string
	ticker *clock.Ticker
	ch     chan struct{}
	done   chan struct{}

	exists  bool
	size    int64
	modTime time.Time
}

func newPollWatcher(path string, interval time.Duration, clk clock.Clock) *pollWatcher {
	w := &pollWatcher{
		path:   path,
		ticker: clk.NewTicker(interval),
		ch:     make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	w.exists, w.size, w.modTime = statFile(path)

	go func() {
		for {
			select {
			case <-w.done:
				return
			case <-w.ticker.C:
				if w.check() {
					select {
					case w.ch <- struct{}{}:
					default:
					}
				}
			}
		}
	}()

	return w
}

func (w *pollWatcher) check() bool {
	exists, size, modTime := statFile(w.path)
	changed := exists != w.exists || size != w.size || !modTime.Equal(w.modTime)
	w.exists, w.size, w.modTime = exists, size, modTime
	return changed
}

func statFile(path string) (exists bool, size int64, modTime time.Time) {
	info, err := os.Stat(path)
	if err != nil {
		return false, 0, time.Time{}
	}
	return true, info.Size(), info.ModTime()
}

func (w *pollWatcher) events() <-chan struct{} { return w.ch }
func (w *pollWatcher) mode() Mode              { return ModePoll }

func (w *pollWatcher) close() {
	close(w.done)
	w.ticker.Stop()
}
