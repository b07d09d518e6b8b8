package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agentroom/internal/clock"
	"github.com/ashureev/agentroom/internal/domain"
)

type fakeStatusClient struct {
	mu        sync.Mutex
	status    domain.ReviewStatus
	polls     int
	failPolls int
	// decideOnExpire simulates a human deciding just before the expire lands.
	decideOnExpire domain.ReviewStatus
	expired        bool
}

func (c *fakeStatusClient) ReviewStatus(_ context.Context, reviewID string) (*domain.Review, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	if c.polls <= c.failPolls {
		return nil, errors.New("connection refused")
	}
	return &domain.Review{ID: reviewID, Status: c.status}, nil
}

func (c *fakeStatusClient) ExpireReview(_ context.Context, reviewID string) (*domain.Review, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.decideOnExpire != "" {
		c.status = c.decideOnExpire
		return nil, errors.New("review already decided")
	}
	c.expired = true
	c.status = domain.ReviewExpired
	return &domain.Review{ID: reviewID, Status: domain.ReviewExpired}, nil
}

func (c *fakeStatusClient) set(status domain.ReviewStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
}

type waitResult struct {
	review *domain.Review
	err    error
}

func startWait(ctx context.Context, w *Waiter, kind domain.ReviewKind) <-chan waitResult {
	out := make(chan waitResult, 1)
	go func() {
		r, err := w.Wait(ctx, "rev1", kind)
		out <- waitResult{r, err}
	}()
	return out
}

func newTestWaiter(client StatusClient) (*Waiter, *clock.FakeClock) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	w := NewWaiter(client)
	w.Clock = clk
	w.QuestionTimeout = 10 * time.Second
	w.PlanTimeout = 20 * time.Second
	return w, clk
}

func tick(clk *clock.FakeClock, d time.Duration) {
	clk.WaitForTimers(1)
	clk.Advance(d)
}

func await(t *testing.T, ch <-chan waitResult) waitResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Wait to return")
		return waitResult{}
	}
}

func TestWaitReturnsDecision(t *testing.T) {
	t.Parallel()
	client := &fakeStatusClient{status: domain.ReviewPending, failPolls: 1}
	w, clk := newTestWaiter(client)
	done := startWait(context.Background(), w, domain.ReviewQuestion)

	tick(clk, 2*time.Second) // poll 1 fails and is swallowed
	tick(clk, 2*time.Second) // poll 2 pending
	client.set(domain.ReviewApproved)
	tick(clk, 2*time.Second)

	r := await(t, done)
	if r.err != nil || r.review.Status != domain.ReviewApproved {
		t.Fatalf("expected approved, got %+v (%v)", r.review, r.err)
	}
}

func TestWaitExpiresAtDeadline(t *testing.T) {
	t.Parallel()
	client := &fakeStatusClient{status: domain.ReviewPending}
	w, clk := newTestWaiter(client)
	done := startWait(context.Background(), w, domain.ReviewQuestion)

	for i := 0; i < 5; i++ {
		tick(clk, 2*time.Second)
	}

	r := await(t, done)
	if r.err != nil || r.review.Status != domain.ReviewExpired {
		t.Fatalf("expected expired, got %+v (%v)", r.review, r.err)
	}
	if !client.expired {
		t.Error("expected the waiter to expire the review")
	}
}

func TestWaitReturnsWinnerWhenExpireLoses(t *testing.T) {
	t.Parallel()
	client := &fakeStatusClient{status: domain.ReviewPending, decideOnExpire: domain.ReviewDenied}
	w, clk := newTestWaiter(client)
	done := startWait(context.Background(), w, domain.ReviewQuestion)

	for i := 0; i < 5; i++ {
		tick(clk, 2*time.Second)
	}

	r := await(t, done)
	if r.err != nil || r.review.Status != domain.ReviewDenied {
		t.Fatalf("expected the human decision, got %+v (%v)", r.review, r.err)
	}
}

func TestWaitPlanUsesLongerDeadline(t *testing.T) {
	t.Parallel()
	w := NewWaiter(&fakeStatusClient{})
	if w.Timeout(domain.ReviewPlan) != DefaultPlanTimeout || w.Timeout(domain.ReviewQuestion) != DefaultQuestionTimeout {
		t.Fatal("unexpected default timeouts")
	}
}

func TestWaitCancelled(t *testing.T) {
	t.Parallel()
	client := &fakeStatusClient{status: domain.ReviewPending}
	w, clk := newTestWaiter(client)
	ctx, cancel := context.WithCancel(context.Background())
	done := startWait(ctx, w, domain.ReviewPlan)

	clk.WaitForTimers(1)
	cancel()

	r := await(t, done)
	if !errors.Is(r.err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", r.err)
	}
	if client.expired {
		t.Error("cancellation must not expire the review")
	}
}
