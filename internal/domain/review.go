package domain

import (
	"encoding/json"
	"time"
)

// ReviewStatus is the state of an approval review. Only pending is
// non-terminal.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewAnswered ReviewStatus = "answered"
	ReviewDenied   ReviewStatus = "denied"
	ReviewExpired  ReviewStatus = "expired"
)

// Terminal reports whether the status can no longer change.
func (s ReviewStatus) Terminal() bool {
	switch s {
	case ReviewApproved, ReviewAnswered, ReviewDenied, ReviewExpired:
		return true
	default:
		return false
	}
}

// ReviewKind selects the polling deadline used by requesters.
type ReviewKind string

const (
	ReviewQuestion ReviewKind = "question"
	ReviewPlan     ReviewKind = "plan"
)

// Review gates an agent action on a human decision. It is anchored to
// exactly one chat message that renders as its decision card.
type Review struct {
	ID         string          `json:"id"`
	MessageID  string          `json:"message_id"`
	RoomID     string          `json:"room_id"`
	TenantID   string          `json:"-"`
	Kind       ReviewKind      `json:"kind"`
	Status     ReviewStatus    `json:"status"`
	Content    string          `json:"content"`
	Resolution json.RawMessage `json:"resolution,omitempty"`
	ResolvedBy string          `json:"resolved_by,omitempty"`
	DecidedAt  *time.Time      `json:"decided_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Resolution is the payload stored when a review leaves pending.
type Resolution struct {
	Feedback string            `json:"feedback,omitempty"`
	Answers  map[string]string `json:"answers,omitempty"`
}
