// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glyphd/glyphd/lib/clock"
	"github.com/glyphd/glyphd/lib/statedb"
)

func newTestQueue(t *testing.T) (*Queue, *clock.FakeClock) {
	t.Helper()

	db, err := statedb.Open(statedb.Config{
		Path:   filepath.Join(t.TempDir(), "state.db"),
		Logger: slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fake := clock.Fake(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	q, err := NewQueue(context.Background(), db, fake)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	return q, fake
}

func TestQueueAddAndPoll(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id1, err := q.Add(ctx, Notification{
		Project:  "alpha",
		Title:    "Build finished",
		Body:     "all green",
		Urgency:  "critical",
		Metadata: map[string]any{"run": int64(17)},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	id2, err := q.Add(ctx, Notification{Title: "Second"})
	if err != nil {
		t.Fatalf("Add second: %v", err)
	}
	if id2 <= id1 {
		t.Fatalf("IDs not increasing: %d then %d", id1, id2)
	}

	pending, err := q.PendingSince(ctx, 0, 0)
	if err != nil {
		t.Fatalf("PendingSince: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d notifications, want 2", len(pending))
	}

	first := pending[0]
	if first.ID != id1 || first.Title != "Build finished" || first.Project != "alpha" {
		t.Errorf("first = %+v", first)
	}
	if first.Urgency != UrgencyCritical {
		t.Errorf("urgency = %q", first.Urgency)
	}
	if first.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
	if run := first.Metadata["run"]; run != int64(17) {
		t.Errorf("metadata run = %v (%T)", run, run)
	}

	// Second has default urgency and no metadata.
	if pending[1].Urgency != UrgencyNormal {
		t.Errorf("default urgency = %q", pending[1].Urgency)
	}
	if pending[1].Metadata != nil {
		t.Errorf("metadata = %v, want nil", pending[1].Metadata)
	}

	// The cursor excludes already-seen rows.
	pending, err = q.PendingSince(ctx, id1, 0)
	if err != nil {
		t.Fatalf("PendingSince after cursor: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id2 {
		t.Fatalf("pending after id1 = %+v", pending)
	}
}

func TestQueuePendingLimit(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := q.Add(ctx, Notification{Title: "n"}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	pending, err := q.PendingSince(ctx, 0, 3)
	if err != nil {
		t.Fatalf("PendingSince: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(pending))
	}
}

func TestQueueSanitizesInput(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	longTitle := strings.Repeat("t", maxTitleLen+50)
	id, err := q.Add(ctx, Notification{
		Title: "  Alert\x00\x1b[31m ",
		Body:  "line one\nline two\x07\ttabbed",
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	pending, err := q.PendingSince(ctx, id-1, 1)
	if err != nil {
		t.Fatalf("PendingSince: %v", err)
	}
	got := pending[0]
	if got.Title != "Alert[31m" {
		t.Errorf("title = %q", got.Title)
	}
	if got.Body != "line one\nline two\ttabbed" {
		t.Errorf("body = %q", got.Body)
	}

	id, err = q.Add(ctx, Notification{Title: longTitle})
	if err != nil {
		t.Fatalf("Add long: %v", err)
	}
	pending, err = q.PendingSince(ctx, id-1, 1)
	if err != nil {
		t.Fatalf("PendingSince long: %v", err)
	}
	if n := len([]rune(pending[0].Title)); n != maxTitleLen {
		t.Errorf("title length = %d, want %d", n, maxTitleLen)
	}
}

func TestQueueRejectsEmptyTitle(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, title := range []string{"", "   ", "\x00\x01\x02"} {
		if _, err := q.Add(ctx, Notification{Title: title}); err == nil {
			t.Errorf("Add(%q) accepted an empty title", title)
		}
	}
}

func TestQueueMarkDelivered(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id1, _ := q.Add(ctx, Notification{Title: "a"})
	id2, _ := q.Add(ctx, Notification{Title: "b"})

	marked, err := q.MarkDelivered(ctx, []int64{id1, 9999})
	if err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if marked != 1 {
		t.Fatalf("marked = %d, want 1", marked)
	}

	pending, err := q.PendingSince(ctx, 0, 0)
	if err != nil {
		t.Fatalf("PendingSince: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id2 {
		t.Fatalf("pending = %+v, want only %d", pending, id2)
	}

	// Re-marking is a no-op.
	marked, err = q.MarkDelivered(ctx, []int64{id1})
	if err != nil {
		t.Fatalf("re-MarkDelivered: %v", err)
	}
	if marked != 0 {
		t.Errorf("re-mark changed %d rows", marked)
	}

	marked, err = q.MarkDelivered(ctx, nil)
	if err != nil || marked != 0 {
		t.Errorf("MarkDelivered(nil) = %d, %v", marked, err)
	}
}

func TestQueuePrune(t *testing.T) {
	q, fake := newTestQueue(t)
	ctx := context.Background()

	oldDelivered, _ := q.Add(ctx, Notification{Title: "old delivered"})
	oldPending, _ := q.Add(ctx, Notification{Title: "old pending"})
	if _, err := q.MarkDelivered(ctx, []int64{oldDelivered}); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	fake.Advance(48 * time.Hour)
	freshDelivered, _ := q.Add(ctx, Notification{Title: "fresh delivered"})
	if _, err := q.MarkDelivered(ctx, []int64{freshDelivered}); err != nil {
		t.Fatalf("MarkDelivered fresh: %v", err)
	}

	pruned, err := q.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1 (only the old delivered row)", pruned)
	}

	// The old but undelivered notification survives.
	pending, err := q.PendingSince(ctx, 0, 0)
	if err != nil {
		t.Fatalf("PendingSince: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != oldPending {
		t.Fatalf("pending = %+v", pending)
	}
}
