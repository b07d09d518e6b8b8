package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/shared"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	roomLocks sync.Map // roomID -> *sync.Mutex, serializes sequence assignment
	retry     shared.RetryConfig
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for concurrent readers alongside the single writer.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryConfig()}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS tenant_keys (
		key_hash TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rooms_tenant ON rooms(tenant_id, created_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT NOT NULL UNIQUE,
		room_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		sender_type TEXT NOT NULL,
		content TEXT NOT NULL,
		color TEXT,
		kind TEXT NOT NULL,
		seq INTEGER,
		review_id TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_room_seq ON messages(room_id, seq) WHERE seq IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_messages_room_kind ON messages(room_id, kind);

	CREATE TABLE IF NOT EXISTS reviews (
		id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL UNIQUE,
		room_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		content TEXT NOT NULL,
		resolution TEXT,
		resolved_by TEXT,
		decided_at INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reviews_room ON reviews(room_id);

	CREATE TABLE IF NOT EXISTS link_previews (
		url TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		site_name TEXT,
		fetched_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateTenantKey stores the hash of a newly issued API key.
func (s *SQLiteStore) CreateTenantKey(ctx context.Context, key *domain.TenantKey) error {
	query := `INSERT INTO tenant_keys (key_hash, tenant_id, created_at) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, key.Hash, key.TenantID, key.CreatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("insert tenant key: %w", err)
	}
	return nil
}

// TenantForKey resolves a key hash to its tenant.
func (s *SQLiteStore) TenantForKey(ctx context.Context, hash string) (string, error) {
	var tenantID string
	err := s.db.QueryRowContext(ctx, `SELECT tenant_id FROM tenant_keys WHERE key_hash = ?`, hash).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query tenant key: %w", err)
	}
	return tenantID, nil
}

// CreateRoom inserts a new room.
func (s *SQLiteStore) CreateRoom(ctx context.Context, room *domain.Room) error {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now()
	}
	query := `INSERT INTO rooms (id, tenant_id, name, created_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, room.ID, room.TenantID, room.Name, room.CreatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

// GetRoom returns the tenant's room or ErrRoomNotFound.
func (s *SQLiteStore) GetRoom(ctx context.Context, tenantID, roomID string) (*domain.Room, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, created_at FROM rooms WHERE id = ? AND tenant_id = ?`,
		roomID, tenantID)

	var room domain.Room
	var createdAt int64
	err := row.Scan(&room.ID, &room.TenantID, &room.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan room row: %w", err)
	}
	room.CreatedAt = time.UnixMilli(createdAt)
	return &room, nil
}

// ListRooms returns the tenant's rooms, oldest first.
func (s *SQLiteStore) ListRooms(ctx context.Context, tenantID string) ([]*domain.Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, created_at FROM rooms WHERE tenant_id = ? ORDER BY created_at, id`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close room rows", "error", closeErr)
		}
	}()

	rooms := []*domain.Room{}
	for rows.Next() {
		var room domain.Room
		var createdAt int64
		if err := rows.Scan(&room.ID, &room.TenantID, &room.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("scan room row: %w", err)
		}
		room.CreatedAt = time.UnixMilli(createdAt)
		rooms = append(rooms, &room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return rooms, nil
}

// DeleteRoom removes a room together with its messages and reviews.
func (s *SQLiteStore) DeleteRoom(ctx context.Context, tenantID, roomID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete room: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE id = ? AND tenant_id = ?`, roomID, tenantID)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return ErrRoomNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM reviews WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("delete room reviews: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("delete room messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete room: %w", err)
	}
	s.roomLocks.Delete(roomID)
	return nil
}

// AppendMessage persists msg. For domain.KindMessage the sequence number is
// computed and inserted by a single INSERT ... SELECT while the room lock is
// held, so concurrent senders never share a seq and a failed insert consumes
// no number.
func (s *SQLiteStore) AppendMessage(ctx context.Context, tenantID string, msg *domain.Message) error {
	unlock := s.lockRoom(msg.RoomID)
	defer unlock()

	return shared.RetryOnConflict(ctx, s.retry, retryableAppend, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append: %w", err)
		}
		defer rollback(tx)

		if err := roomExists(ctx, tx, tenantID, msg.RoomID); err != nil {
			return err
		}
		if err := appendTx(ctx, tx, msg); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit append: %w", err)
		}
		return nil
	})
}

// CatchUpBySeq returns sequenced messages with seq > q.SinceSeq.
func (s *SQLiteStore) CatchUpBySeq(ctx context.Context, tenantID, roomID string, q CatchUpQuery) ([]*domain.Message, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin catch-up: %w", err)
	}
	defer rollback(tx)

	if err := roomExists(ctx, tx, tenantID, roomID); err != nil {
		return nil, err
	}

	where := []string{"room_id = ?", "kind = ?", "seq > ?"}
	args := []any{roomID, string(domain.KindMessage), q.SinceSeq}
	where, args = appendFilters(where, args, q)
	args = append(args, q.EffectiveLimit())

	query := `SELECT ` + messageColumns + ` FROM messages WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY seq ASC LIMIT ?`
	return queryMessages(ctx, tx, query, args...)
}

// CatchUpByID returns messages inserted after q.AfterID, or from the start
// of the room when AfterID is empty.
func (s *SQLiteStore) CatchUpByID(ctx context.Context, tenantID, roomID string, q CatchUpQuery) ([]*domain.Message, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin catch-up: %w", err)
	}
	defer rollback(tx)

	if err := roomExists(ctx, tx, tenantID, roomID); err != nil {
		return nil, err
	}

	var after int64
	if q.AfterID != "" {
		err := tx.QueryRowContext(ctx, `SELECT rowid FROM messages WHERE id = ? AND room_id = ?`, q.AfterID, roomID).Scan(&after)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("resolve catch-up cursor: %w", err)
		}
	}

	kind := q.Kind
	if kind == "" {
		kind = domain.KindMessage
	}
	where := []string{"room_id = ?", "kind = ?", "rowid > ?"}
	args := []any{roomID, string(kind), after}
	where, args = appendFilters(where, args, q)
	args = append(args, q.EffectiveLimit())

	query := `SELECT ` + messageColumns + ` FROM messages WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY rowid ASC LIMIT ?`
	return queryMessages(ctx, tx, query, args...)
}

// CreateReview persists a pending review and its anchor message atomically.
func (s *SQLiteStore) CreateReview(ctx context.Context, tenantID string, review *domain.Review, anchor *domain.Message) error {
	unlock := s.lockRoom(anchor.RoomID)
	defer unlock()

	return shared.RetryOnConflict(ctx, s.retry, retryableAppend, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create review: %w", err)
		}
		defer rollback(tx)

		if err := roomExists(ctx, tx, tenantID, anchor.RoomID); err != nil {
			return err
		}
		anchor.ReviewID = review.ID
		if err := appendTx(ctx, tx, anchor); err != nil {
			return err
		}

		review.MessageID = anchor.ID
		review.RoomID = anchor.RoomID
		review.TenantID = tenantID
		review.Status = domain.ReviewPending
		review.CreatedAt = anchor.CreatedAt

		_, err = tx.ExecContext(ctx, `
			INSERT INTO reviews (id, message_id, room_id, tenant_id, kind, status, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			review.ID, review.MessageID, review.RoomID, review.TenantID,
			string(review.Kind), string(review.Status), review.Content, review.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert review: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create review: %w", err)
		}
		return nil
	})
}

// GetReview returns the tenant's review or ErrReviewNotFound.
func (s *SQLiteStore) GetReview(ctx context.Context, tenantID, reviewID string) (*domain.Review, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, message_id, room_id, tenant_id, kind, status, content,
		       resolution, resolved_by, decided_at, created_at
		FROM reviews WHERE id = ? AND tenant_id = ?`, reviewID, tenantID)

	var review domain.Review
	var kind, status string
	var resolution, resolvedBy sql.NullString
	var decidedAt sql.NullInt64
	var createdAt int64

	err := row.Scan(&review.ID, &review.MessageID, &review.RoomID, &review.TenantID,
		&kind, &status, &review.Content, &resolution, &resolvedBy, &decidedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReviewNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan review row: %w", err)
	}

	review.Kind = domain.ReviewKind(kind)
	review.Status = domain.ReviewStatus(status)
	if resolution.Valid && resolution.String != "" {
		review.Resolution = []byte(resolution.String)
	}
	review.ResolvedBy = resolvedBy.String
	if decidedAt.Valid {
		ts := time.UnixMilli(decidedAt.Int64)
		review.DecidedAt = &ts
	}
	review.CreatedAt = time.UnixMilli(createdAt)
	return &review, nil
}

// DecideReview moves a pending review to status. The UPDATE is guarded on
// status = 'pending' so racing callers are arbitrated by SQLite.
func (s *SQLiteStore) DecideReview(ctx context.Context, tenantID, reviewID string, status domain.ReviewStatus, resolution []byte, actor string, at time.Time) (*domain.Review, error) {
	var resolutionArg any
	if len(resolution) > 0 {
		resolutionArg = string(resolution)
	}

	var rows int64
	err := shared.RetryOnConflict(ctx, s.retry, shared.IsSQLiteConflictError, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE reviews SET status = ?, resolution = ?, resolved_by = ?, decided_at = ?
			WHERE id = ? AND tenant_id = ? AND status = ?`,
			string(status), resolutionArg, actor, at.UnixMilli(),
			reviewID, tenantID, string(domain.ReviewPending))
		if err != nil {
			return fmt.Errorf("update review: %w", err)
		}
		rows, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	review, err := s.GetReview(ctx, tenantID, reviewID)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		slog.Debug("DecideReview affected 0 rows", "review_id", reviewID, "status", review.Status)
		return review, ErrAlreadyDecided
	}
	return review, nil
}

// GetLinkPreview returns a cached preview or nil if none is stored.
func (s *SQLiteStore) GetLinkPreview(ctx context.Context, url string) (*domain.LinkPreview, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT url, title, description, site_name, fetched_at FROM link_previews WHERE url = ?`, url)

	var preview domain.LinkPreview
	var description, siteName sql.NullString
	var fetchedAt int64
	err := row.Scan(&preview.URL, &preview.Title, &description, &siteName, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan link preview: %w", err)
	}
	preview.Description = description.String
	preview.SiteName = siteName.String
	preview.FetchedAt = time.UnixMilli(fetchedAt)
	return &preview, nil
}

// UpsertLinkPreview stores or refreshes a cached preview.
func (s *SQLiteStore) UpsertLinkPreview(ctx context.Context, preview *domain.LinkPreview) error {
	query := `
	INSERT INTO link_previews (url, title, description, site_name, fetched_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(url) DO UPDATE SET
		title = excluded.title,
		description = excluded.description,
		site_name = excluded.site_name,
		fetched_at = excluded.fetched_at`
	_, err := s.db.ExecContext(ctx, query,
		preview.URL, preview.Title, preview.Description, preview.SiteName, preview.FetchedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert link preview: %w", err)
	}
	return nil
}

func (s *SQLiteStore) lockRoom(roomID string) func() {
	lock, _ := s.roomLocks.LoadOrStore(roomID, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

const messageColumns = `id, room_id, sender, sender_type, content, color, kind, seq, review_id, created_at`

// appendTx inserts msg inside tx. Sequenced rows take MAX(seq)+1 in the same
// statement that inserts them.
func appendTx(ctx context.Context, tx *sql.Tx, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Kind == "" {
		msg.Kind = domain.KindMessage
	}

	color := nullString(msg.Color)
	reviewID := nullString(msg.ReviewID)

	if msg.Kind == domain.KindLog {
		msg.Seq = nil
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, room_id, sender, sender_type, content, color, kind, seq, review_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
			msg.ID, msg.RoomID, msg.Sender, string(msg.SenderType), msg.Content, color,
			string(msg.Kind), reviewID, msg.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert log: %w", err)
		}
		return nil
	}

	var seq int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, room_id, sender, sender_type, content, color, kind, seq, review_id, created_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?
		FROM messages WHERE room_id = ?
		RETURNING seq`,
		msg.ID, msg.RoomID, msg.Sender, string(msg.SenderType), msg.Content, color,
		string(msg.Kind), reviewID, msg.CreatedAt.UnixMilli(), msg.RoomID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	msg.Seq = &seq
	return nil
}

func roomExists(ctx context.Context, tx *sql.Tx, tenantID, roomID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM rooms WHERE id = ? AND tenant_id = ?`, roomID, tenantID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRoomNotFound
	}
	if err != nil {
		return fmt.Errorf("check room: %w", err)
	}
	return nil
}

func appendFilters(where []string, args []any, q CatchUpQuery) ([]string, []any) {
	if q.Exclude != "" {
		where = append(where, "sender != ?")
		args = append(args, q.Exclude)
	}
	if q.SenderType != "" {
		where = append(where, "sender_type = ?")
		args = append(args, string(q.SenderType))
	}
	return where, args
}

func queryMessages(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]*domain.Message, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	messages := []*domain.Message{}
	for rows.Next() {
		var msg domain.Message
		var senderType, kind string
		var color, reviewID sql.NullString
		var seq sql.NullInt64
		var createdAt int64

		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.Sender, &senderType, &msg.Content,
			&color, &kind, &seq, &reviewID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.SenderType = domain.SenderType(senderType)
		msg.Kind = domain.MessageKind(kind)
		msg.Color = color.String
		msg.ReviewID = reviewID.String
		if seq.Valid {
			v := seq.Int64
			msg.Seq = &v
		}
		msg.CreatedAt = time.UnixMilli(createdAt)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func retryableAppend(err error) bool {
	return shared.IsSQLiteConflictError(err) || shared.IsSQLiteUniqueError(err)
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.Warn("failed to roll back transaction", "error", err)
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
