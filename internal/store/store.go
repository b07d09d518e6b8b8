// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
)

var (
	// ErrRoomNotFound is returned when a room does not exist for the tenant.
	ErrRoomNotFound = errors.New("room not found")
	// ErrMessageNotFound is returned when a catch-up cursor names an unknown message.
	ErrMessageNotFound = errors.New("message not found")
	// ErrReviewNotFound is returned when a review does not exist for the tenant.
	ErrReviewNotFound = errors.New("review not found")
	// ErrAlreadyDecided is returned when a review has already left pending.
	ErrAlreadyDecided = errors.New("review already decided")
)

const (
	// DefaultCatchUpLimit is the page size used when a query sets no limit.
	DefaultCatchUpLimit = 500
	// MaxCatchUpLimit caps the page size a caller may request.
	MaxCatchUpLimit = 1000
)

// CatchUpQuery selects messages after a cursor. CatchUpBySeq reads SinceSeq,
// CatchUpByID reads AfterID. Exclude drops one sender; SenderType keeps only
// one kind of participant.
type CatchUpQuery struct {
	SinceSeq   int64
	AfterID    string
	Exclude    string
	SenderType domain.SenderType
	Kind       domain.MessageKind
	Limit      int
}

// EffectiveLimit clamps Limit into [1, MaxCatchUpLimit].
func (q CatchUpQuery) EffectiveLimit() int {
	switch {
	case q.Limit <= 0:
		return DefaultCatchUpLimit
	case q.Limit > MaxCatchUpLimit:
		return MaxCatchUpLimit
	default:
		return q.Limit
	}
}

// Repository defines the interface for persisting rooms, messages and reviews.
type Repository interface {
	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error

	// CreateTenantKey stores the hash of a newly issued API key.
	CreateTenantKey(ctx context.Context, key *domain.TenantKey) error

	// TenantForKey resolves a key hash to its tenant. Returns "" if unknown.
	TenantForKey(ctx context.Context, hash string) (string, error)

	// CreateRoom inserts a new room.
	CreateRoom(ctx context.Context, room *domain.Room) error

	// GetRoom returns the tenant's room or ErrRoomNotFound.
	GetRoom(ctx context.Context, tenantID, roomID string) (*domain.Room, error)

	// ListRooms returns the tenant's rooms, oldest first.
	ListRooms(ctx context.Context, tenantID string) ([]*domain.Room, error)

	// DeleteRoom removes a room together with its messages and reviews.
	DeleteRoom(ctx context.Context, tenantID, roomID string) error

	// AppendMessage persists msg, filling ID, CreatedAt and, for
	// domain.KindMessage, the next sequence number of the room.
	AppendMessage(ctx context.Context, tenantID string, msg *domain.Message) error

	// CatchUpBySeq returns sequenced messages with seq > q.SinceSeq in ascending order.
	CatchUpBySeq(ctx context.Context, tenantID, roomID string, q CatchUpQuery) ([]*domain.Message, error)

	// CatchUpByID returns messages inserted after q.AfterID in insertion order.
	CatchUpByID(ctx context.Context, tenantID, roomID string, q CatchUpQuery) ([]*domain.Message, error)

	// CreateReview persists a pending review and its anchor message atomically.
	CreateReview(ctx context.Context, tenantID string, review *domain.Review, anchor *domain.Message) error

	// GetReview returns the tenant's review or ErrReviewNotFound.
	GetReview(ctx context.Context, tenantID, reviewID string) (*domain.Review, error)

	// DecideReview moves a pending review to status. Only one caller can
	// win; the others get ErrAlreadyDecided.
	DecideReview(ctx context.Context, tenantID, reviewID string, status domain.ReviewStatus, resolution []byte, actor string, at time.Time) (*domain.Review, error)

	// GetLinkPreview returns a cached preview or nil if none is stored.
	GetLinkPreview(ctx context.Context, url string) (*domain.LinkPreview, error)

	// UpsertLinkPreview stores or refreshes a cached preview.
	UpsertLinkPreview(ctx context.Context, preview *domain.LinkPreview) error
}
