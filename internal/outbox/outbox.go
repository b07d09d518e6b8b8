// Package outbox persists messages composed while offline and sends them
// once the client is back online.
//
// Entries are written to a local SQLite file before any send attempt,
// so a crash never loses a message the user has already submitted.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/shared"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// ErrEntryNotFound is returned by Retry and Discard for unknown temp ids.
var ErrEntryNotFound = errors.New("outbox entry not found")

// Status is the delivery state of an entry.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
	StatusSent    Status = "sent"
)

// Entry is one unsent message.
type Entry struct {
	TempID     string            `json:"temp_id"`
	RoomID     string            `json:"room_id"`
	Sender     string            `json:"sender"`
	SenderType domain.SenderType `json:"sender_type"`
	Content    string            `json:"content"`
	Color      string            `json:"color,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	Status     Status            `json:"status"`
	Attempts   int               `json:"attempts"`
	LastError  string            `json:"last_error,omitempty"`
}

// SendFunc delivers one entry to the server.
type SendFunc func(ctx context.Context, e *Entry) error

// Result reports what happened to one entry during a drain.
type Result struct {
	TempID string
	Status Status
	Err    error
}

// Outbox is a durable per-device queue.
type Outbox struct {
	db    *sql.DB
	drain sync.Mutex // one drain or retry at a time
	now   func() time.Time
}

// Open opens or creates the outbox database at path.
func Open(path string) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create outbox directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		temp_id TEXT NOT NULL UNIQUE,
		room_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		sender_type TEXT NOT NULL,
		content TEXT NOT NULL,
		color TEXT,
		enqueued_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_room ON outbox(room_id, id);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create outbox schema: %w", err)
	}
	return &Outbox{db: db, now: time.Now}, nil
}

// Close closes the database.
func (o *Outbox) Close() error {
	if err := o.db.Close(); err != nil {
		return fmt.Errorf("close outbox: %w", err)
	}
	return nil
}

// Enqueue durably stores e as queued and assigns its temp id.
func (o *Outbox) Enqueue(ctx context.Context, e *Entry) error {
	if e.TempID == "" {
		e.TempID = "tmp_" + ulid.Make().String()
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = o.now()
	}
	e.Status = StatusQueued
	e.Attempts = 0
	e.LastError = ""

	_, err := o.db.ExecContext(ctx, `
		INSERT INTO outbox (temp_id, room_id, sender, sender_type, content, color, enqueued_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TempID, e.RoomID, e.Sender, string(e.SenderType), e.Content, e.Color,
		e.EnqueuedAt.UnixMilli(), string(e.Status))
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// List returns every unsent entry for roomID in FIFO order.
func (o *Outbox) List(ctx context.Context, roomID string) ([]*Entry, error) {
	return o.query(ctx, `WHERE room_id = ? ORDER BY id`, roomID)
}

// Drain attempts every queued entry for roomID in FIFO order. Each entry
// is marked pending, sent, and removed on success. On failure it is
// marked failed and the drain moves on to the next entry; failed
// entries are left for Retry. Entries left pending by a crash are
// attempted again.
func (o *Outbox) Drain(ctx context.Context, roomID string, send SendFunc) ([]Result, error) {
	o.drain.Lock()
	defer o.drain.Unlock()

	entries, err := o.query(ctx, `WHERE room_id = ? AND status IN (?, ?) ORDER BY id`,
		roomID, string(StatusQueued), string(StatusPending))
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := o.attempt(ctx, e, send)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Retry moves a failed entry back to pending and attempts it once.
func (o *Outbox) Retry(ctx context.Context, tempID string, send SendFunc) (Result, error) {
	o.drain.Lock()
	defer o.drain.Unlock()

	entries, err := o.query(ctx, `WHERE temp_id = ?`, tempID)
	if err != nil {
		return Result{}, err
	}
	if len(entries) == 0 {
		return Result{}, ErrEntryNotFound
	}
	return o.attempt(ctx, entries[0], send)
}

// Discard drops an entry the user no longer wants sent.
func (o *Outbox) Discard(ctx context.Context, tempID string) error {
	res, err := o.db.ExecContext(ctx, `DELETE FROM outbox WHERE temp_id = ?`, tempID)
	if err != nil {
		return fmt.Errorf("delete outbox entry: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// attempt sends e. A send failure is recorded on the entry and reported
// in the Result; only storage failures are returned as errors.
func (o *Outbox) attempt(ctx context.Context, e *Entry, send SendFunc) (Result, error) {
	e.Attempts++
	if err := o.setStatus(ctx, e.TempID, StatusPending, e.Attempts, ""); err != nil {
		return Result{}, err
	}
	e.Status = StatusPending

	if sendErr := send(ctx, e); sendErr != nil {
		slog.Warn("Outbox send failed", "temp_id", e.TempID, "room_id", e.RoomID, "attempts", e.Attempts, "error", sendErr)
		e.Status = StatusFailed
		e.LastError = sendErr.Error()
		// Record the failure even if ctx was cancelled mid-send.
		if err := o.setStatus(context.WithoutCancel(ctx), e.TempID, StatusFailed, e.Attempts, e.LastError); err != nil {
			return Result{}, err
		}
		return Result{TempID: e.TempID, Status: StatusFailed, Err: sendErr}, nil
	}

	err := shared.RetryOnConflict(ctx, shared.DefaultRetryConfig(), shared.IsSQLiteConflictError, func() error {
		_, err := o.db.ExecContext(ctx, `DELETE FROM outbox WHERE temp_id = ?`, e.TempID)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("remove sent entry: %w", err)
	}
	e.Status = StatusSent
	return Result{TempID: e.TempID, Status: StatusSent}, nil
}

func (o *Outbox) setStatus(ctx context.Context, tempID string, status Status, attempts int, lastError string) error {
	var lastErrArg any
	if lastError != "" {
		lastErrArg = lastError
	}
	_, err := o.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, attempts = ?, last_error = ? WHERE temp_id = ?`,
		string(status), attempts, lastErrArg, tempID)
	if err != nil {
		return fmt.Errorf("update outbox entry: %w", err)
	}
	return nil
}

func (o *Outbox) query(ctx context.Context, where string, args ...any) ([]*Entry, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT temp_id, room_id, sender, sender_type, content, color, enqueued_at, status, attempts, last_error
		FROM outbox `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close outbox rows", "error", closeErr)
		}
	}()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var senderType, status string
		var color, lastError sql.NullString
		var enqueuedAt int64
		if err := rows.Scan(&e.TempID, &e.RoomID, &e.Sender, &senderType, &e.Content, &color,
			&enqueuedAt, &status, &e.Attempts, &lastError); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		e.SenderType = domain.SenderType(senderType)
		e.Status = Status(status)
		e.Color = color.String
		e.LastError = lastError.String
		e.EnqueuedAt = time.UnixMilli(enqueuedAt)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return entries, nil
}
