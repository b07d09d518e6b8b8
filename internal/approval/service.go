// Package approval gates agent actions on a human decision.
//
// The server side (Service) creates reviews anchored to a chat message
// and arbitrates concurrent decisions. The requester side (Waiter) polls
// until a decision arrives or its deadline passes, then expires the
// review itself; there is no server-side sweep.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/agentroom/internal/bus"
	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/hub"
	"github.com/ashureev/agentroom/internal/metrics"
	"github.com/ashureev/agentroom/internal/store"
	"github.com/google/uuid"
)

var (
	// ErrInvalidRequest is returned for malformed create requests.
	ErrInvalidRequest = errors.New("invalid review request")
	// ErrInvalidOutcome is returned when Resolve is given a non-decision status.
	ErrInvalidOutcome = errors.New("invalid review outcome")
)

// Store is the persistence the service needs.
type Store interface {
	CreateReview(ctx context.Context, tenantID string, review *domain.Review, anchor *domain.Message) error
	GetReview(ctx context.Context, tenantID, reviewID string) (*domain.Review, error)
	DecideReview(ctx context.Context, tenantID, reviewID string, status domain.ReviewStatus, resolution []byte, actor string, at time.Time) (*domain.Review, error)
}

// CreateRequest describes the question or plan an agent wants reviewed.
type CreateRequest struct {
	Kind       domain.ReviewKind `json:"kind"`
	Content    string            `json:"content"`
	Sender     string            `json:"sender"`
	SenderType domain.SenderType `json:"sender_type"`
	Color      string            `json:"color,omitempty"`
}

// Outcome is a human decision.
type Outcome struct {
	Status   domain.ReviewStatus `json:"status"`
	Feedback string              `json:"feedback,omitempty"`
	Answers  map[string]string   `json:"answers,omitempty"`
}

// Service implements the server side of the approval workflow.
type Service struct {
	store      Store
	dispatcher *bus.Dispatcher
	now        func() time.Time
}

// NewService creates a Service that broadcasts through dispatcher.
func NewService(s Store, dispatcher *bus.Dispatcher) *Service {
	return &Service{store: s, dispatcher: dispatcher, now: time.Now}
}

// Create persists a pending review and its anchor message in one
// transaction, then broadcasts the anchor to the room.
func (s *Service) Create(ctx context.Context, tenantID, roomID string, req CreateRequest) (*domain.Review, *domain.Message, error) {
	if req.Kind == "" {
		req.Kind = domain.ReviewQuestion
	}
	if req.SenderType == "" {
		req.SenderType = domain.SenderAgent
	}
	switch {
	case req.Kind != domain.ReviewQuestion && req.Kind != domain.ReviewPlan:
		return nil, nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind)
	case strings.TrimSpace(req.Content) == "":
		return nil, nil, fmt.Errorf("%w: content is required", ErrInvalidRequest)
	case strings.TrimSpace(req.Sender) == "":
		return nil, nil, fmt.Errorf("%w: sender is required", ErrInvalidRequest)
	case !req.SenderType.Valid():
		return nil, nil, fmt.Errorf("%w: unknown sender_type %q", ErrInvalidRequest, req.SenderType)
	}

	review := &domain.Review{
		ID:      uuid.NewString(),
		Kind:    req.Kind,
		Content: req.Content,
	}
	anchor := &domain.Message{
		RoomID:     roomID,
		Sender:     req.Sender,
		SenderType: req.SenderType,
		Content:    req.Content,
		Color:      req.Color,
		Kind:       domain.KindMessage,
		CreatedAt:  s.now(),
	}
	if err := s.store.CreateReview(ctx, tenantID, review, anchor); err != nil {
		return nil, nil, fmt.Errorf("create review: %w", err)
	}

	metrics.MessagesAppended.WithLabelValues(string(domain.KindMessage)).Inc()
	slog.Info("Review created", "review_id", review.ID, "room_id", roomID, "kind", review.Kind)
	s.dispatcher.Send(hub.RoomKey(tenantID, roomID), domain.Frame{Type: domain.FrameMessage, Message: anchor})
	return review, anchor, nil
}

// Status returns the current state of a review.
func (s *Service) Status(ctx context.Context, tenantID, reviewID string) (*domain.Review, error) {
	return s.store.GetReview(ctx, tenantID, reviewID)
}

// Resolve records a human decision. Exactly one of any number of racing
// Resolve/Expire calls succeeds; the rest get store.ErrAlreadyDecided
// together with the winning state.
func (s *Service) Resolve(ctx context.Context, tenantID, reviewID string, outcome Outcome, actor string) (*domain.Review, error) {
	switch outcome.Status {
	case domain.ReviewApproved, domain.ReviewAnswered, domain.ReviewDenied:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome.Status)
	}

	var resolution []byte
	if outcome.Feedback != "" || len(outcome.Answers) > 0 {
		raw, err := json.Marshal(domain.Resolution{Feedback: outcome.Feedback, Answers: outcome.Answers})
		if err != nil {
			return nil, fmt.Errorf("marshal resolution: %w", err)
		}
		resolution = raw
	}
	return s.decide(ctx, tenantID, reviewID, outcome.Status, resolution, actor)
}

// Expire moves a still-pending review to expired.
func (s *Service) Expire(ctx context.Context, tenantID, reviewID, actor string) (*domain.Review, error) {
	return s.decide(ctx, tenantID, reviewID, domain.ReviewExpired, nil, actor)
}

func (s *Service) decide(ctx context.Context, tenantID, reviewID string, status domain.ReviewStatus, resolution []byte, actor string) (*domain.Review, error) {
	review, err := s.store.DecideReview(ctx, tenantID, reviewID, status, resolution, actor, s.now())
	if errors.Is(err, store.ErrAlreadyDecided) {
		return review, err
	}
	if err != nil {
		return nil, fmt.Errorf("decide review: %w", err)
	}

	metrics.ReviewResolutions.WithLabelValues(string(status)).Inc()
	slog.Info("Review decided", "review_id", reviewID, "status", status, "actor", actor)
	s.dispatcher.Send(hub.RoomKey(tenantID, review.RoomID), domain.Frame{Type: domain.FrameReviewResolved, Review: review})
	return review, nil
}
