// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/glyphd/glyphd/lib/clock"
	"github.com/glyphd/glyphd/lib/codec"
	"github.com/glyphd/glyphd/lib/statedb"
)

// Urgency levels. Anything else normalizes to UrgencyNormal.
const (
	UrgencyLow      = "low"
	UrgencyNormal   = "normal"
	UrgencyCritical = "critical"
)

// Ingest caps, in runes. Applied after control-character stripping.
const (
	maxTitleLen = 200
	maxBodyLen  = 4096
)

// Notification is one queued message.
type Notification struct {
	ID        int64          `json:"id"`
	Project   string         `json:"project,omitempty"`
	Title     string         `json:"title"`
	Body      string         `json:"body,omitempty"`
	Urgency   string         `json:"urgency"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	Delivered bool           `json:"delivered,omitempty"`
}

const queueSchema = `
CREATE TABLE IF NOT EXISTS notifications (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	project      TEXT NOT NULL DEFAULT '',
	title        TEXT NOT NULL,
	body         TEXT NOT NULL DEFAULT '',
	urgency      TEXT NOT NULL DEFAULT 'normal',
	metadata     BLOB,
	created_at   INTEGER NOT NULL,
	delivered_at INTEGER
);
CREATE INDEX IF NOT EXISTS notifications_pending
	ON notifications (id) WHERE delivered_at IS NULL;
`

// Queue is the persistent notification queue. Timestamps are stored
// as epoch milliseconds; freeform metadata is stored as a CBOR blob.
type Queue struct {
	db    *statedb.DB
	clock clock.Clock
}

// NewQueue ensures the notifications schema exists and returns the
// queue.
func NewQueue(ctx context.Context, db *statedb.DB, clk clock.Clock) (*Queue, error) {
	conn, err := db.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Put(conn)

	if err := sqlitex.ExecuteScript(conn, queueSchema, nil); err != nil {
		return nil, fmt.Errorf("notify: creating queue schema: %w", err)
	}
	return &Queue{db: db, clock: clk}, nil
}

// Add sanitizes and stores a notification, returning its ID. A
// notification whose title is empty after sanitization is rejected.
func (q *Queue) Add(ctx context.Context, n Notification) (int64, error) {
	title := truncateRunes(sanitizeLine(n.Title), maxTitleLen)
	if title == "" {
		return 0, fmt.Errorf("notify: notification title is empty")
	}
	body := truncateRunes(sanitizeBody(n.Body), maxBodyLen)
	urgency := normalizeUrgency(n.Urgency)

	var metadata []byte
	if len(n.Metadata) > 0 {
		var err error
		metadata, err = codec.Marshal(n.Metadata)
		if err != nil {
			return 0, fmt.Errorf("notify: encoding metadata: %w", err)
		}
	}

	conn, err := q.db.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer q.db.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO notifications (project, title, body, urgency, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			sanitizeLine(n.Project), title, body, urgency, metadata,
			q.clock.Now().UnixMilli(),
		}})
	if err != nil {
		return 0, fmt.Errorf("notify: inserting notification: %w", err)
	}
	return conn.LastInsertRowID(), nil
}

// PendingSince returns up to limit undelivered notifications with IDs
// greater than afterID, oldest first. limit <= 0 means a default of
// 100.
func (q *Queue) PendingSince(ctx context.Context, afterID int64, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 100
	}

	conn, err := q.db.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer q.db.Put(conn)

	var out []Notification
	err = sqlitex.Execute(conn,
		`SELECT id, project, title, body, urgency, metadata, created_at
		 FROM notifications
		 WHERE id > ? AND delivered_at IS NULL
		 ORDER BY id ASC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{afterID, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n, err := scanNotification(stmt)
				if err != nil {
					return err
				}
				out = append(out, n)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("notify: listing pending: %w", err)
	}
	return out, nil
}

// MarkDelivered records delivery of the given IDs. Unknown or
// already-delivered IDs are ignored; the count of rows actually
// marked is returned.
func (q *Queue) MarkDelivered(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	conn, err := q.db.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer q.db.Put(conn)

	now := q.clock.Now().UnixMilli()
	marked := 0
	for _, id := range ids {
		err := sqlitex.Execute(conn,
			`UPDATE notifications SET delivered_at = ? WHERE id = ? AND delivered_at IS NULL`,
			&sqlitex.ExecOptions{Args: []any{now, id}})
		if err != nil {
			return marked, fmt.Errorf("notify: marking %d delivered: %w", id, err)
		}
		marked += conn.Changes()
	}
	return marked, nil
}

// Prune deletes delivered notifications older than maxAge and returns
// how many rows were removed. Undelivered notifications are kept
// regardless of age.
func (q *Queue) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	conn, err := q.db.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer q.db.Put(conn)

	cutoff := q.clock.Now().Add(-maxAge).UnixMilli()
	err = sqlitex.Execute(conn,
		`DELETE FROM notifications WHERE delivered_at IS NOT NULL AND created_at < ?`,
		&sqlitex.ExecOptions{Args: []any{cutoff}})
	if err != nil {
		return 0, fmt.Errorf("notify: pruning: %w", err)
	}
	return conn.Changes(), nil
}

func scanNotification(stmt *sqlite.Stmt) (Notification, error) {
	n := Notification{
		ID:        stmt.ColumnInt64(0),
		Project:   stmt.ColumnText(1),
		Title:     stmt.ColumnText(2),
		Body:      stmt.ColumnText(3),
		Urgency:   stmt.ColumnText(4),
		CreatedAt: time.UnixMilli(stmt.ColumnInt64(6)).UTC(),
	}
	if stmt.ColumnLen(5) > 0 {
		raw := make([]byte, stmt.ColumnLen(5))
		stmt.ColumnBytes(5, raw)
		if err := codec.Unmarshal(raw, &n.Metadata); err != nil {
			return Notification{}, fmt.Errorf("notify: decoding metadata of %d: %w", n.ID, err)
		}
	}
	return n, nil
}

func normalizeUrgency(u string) string {
	switch strings.ToLower(strings.TrimSpace(u)) {
	case UrgencyLow:
		return UrgencyLow
	case UrgencyCritical:
		return UrgencyCritical
	default:
		return UrgencyNormal
	}
}

// sanitizeLine strips every control character (a title or project
// name renders on one line) and trims surrounding space.
func sanitizeLine(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s))
}

// sanitizeBody keeps newlines and tabs, strips the rest of the
// control range.
func sanitizeBody(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s))
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
