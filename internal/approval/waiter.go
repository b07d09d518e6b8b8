package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/agentroom/internal/clock"
	"github.com/ashureev/agentroom/internal/domain"
)

// Default polling parameters for requesters.
const (
	DefaultPollInterval    = 2 * time.Second
	DefaultPollTimeout     = 10 * time.Second
	DefaultQuestionTimeout = 5 * time.Minute
	DefaultPlanTimeout     = 60 * time.Minute
)

// StatusClient is the requester's view of the review endpoints.
type StatusClient interface {
	ReviewStatus(ctx context.Context, reviewID string) (*domain.Review, error)
	ExpireReview(ctx context.Context, reviewID string) (*domain.Review, error)
}

// Waiter polls a review until it is decided or its deadline passes.
type Waiter struct {
	Client          StatusClient
	Clock           clock.Clock
	Interval        time.Duration
	PollTimeout     time.Duration
	QuestionTimeout time.Duration
	PlanTimeout     time.Duration
}

// NewWaiter returns a Waiter with the default timings.
func NewWaiter(client StatusClient) *Waiter {
	return &Waiter{
		Client:          client,
		Clock:           clock.Real(),
		Interval:        DefaultPollInterval,
		PollTimeout:     DefaultPollTimeout,
		QuestionTimeout: DefaultQuestionTimeout,
		PlanTimeout:     DefaultPlanTimeout,
	}
}

// Timeout returns the polling deadline for kind.
func (w *Waiter) Timeout(kind domain.ReviewKind) time.Duration {
	if kind == domain.ReviewPlan {
		return w.PlanTimeout
	}
	return w.QuestionTimeout
}

// Wait blocks until the review reaches a terminal status. Transient
// poll errors are logged and retried on the next tick. When the deadline
// passes Wait expires the review; if a human decided it in the meantime,
// that decision is returned instead. Cancelling ctx abandons the wait
// and leaves the review as it is.
func (w *Waiter) Wait(ctx context.Context, reviewID string, kind domain.ReviewKind) (*domain.Review, error) {
	deadline := w.Clock.Now().Add(w.Timeout(kind))

	for {
		remaining := deadline.Sub(w.Clock.Now())
		if remaining <= 0 {
			return w.expire(ctx, reviewID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w.Clock.After(min(w.Interval, remaining)):
		}

		review, err := w.poll(ctx, reviewID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("Review poll failed", "review_id", reviewID, "error", err)
			continue
		}
		if review.Status.Terminal() {
			return review, nil
		}
	}
}

func (w *Waiter) poll(ctx context.Context, reviewID string) (*domain.Review, error) {
	pollCtx, cancel := context.WithTimeout(ctx, w.PollTimeout)
	defer cancel()
	return w.Client.ReviewStatus(pollCtx, reviewID)
}

func (w *Waiter) expire(ctx context.Context, reviewID string) (*domain.Review, error) {
	expireCtx, cancel := context.WithTimeout(ctx, w.PollTimeout)
	defer cancel()

	review, err := w.Client.ExpireReview(expireCtx, reviewID)
	if err == nil {
		slog.Info("Review expired", "review_id", reviewID)
		return review, nil
	}

	// Most likely a human decided between the last poll and the expire.
	current, statusErr := w.poll(ctx, reviewID)
	if statusErr == nil && current.Status.Terminal() {
		return current, nil
	}
	return nil, fmt.Errorf("expire review: %w", err)
}
