package domain

import (
	"time"
)

// SenderType distinguishes human participants from agents.
type SenderType string

const (
	SenderHuman SenderType = "human"
	SenderAgent SenderType = "agent"
)

// Valid reports whether t is a known sender type.
func (t SenderType) Valid() bool {
	return t == SenderHuman || t == SenderAgent
}

// MessageKind separates sequenced chat messages from unsequenced logs.
type MessageKind string

const (
	KindMessage MessageKind = "message"
	KindLog     MessageKind = "log"
)

// Message is one entry in a room's stream. Seq is set only for KindMessage;
// within a room it starts at 1 and grows by exactly one per message.
type Message struct {
	ID         string      `json:"id"`
	RoomID     string      `json:"room_id"`
	Sender     string      `json:"sender"`
	SenderType SenderType  `json:"sender_type"`
	Content    string      `json:"content"`
	Color      string      `json:"color,omitempty"`
	Kind       MessageKind `json:"kind"`
	Seq        *int64      `json:"seq,omitempty"`
	ReviewID   string      `json:"review_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// SeqValue returns the sequence number or 0 for unsequenced messages.
func (m *Message) SeqValue() int64 {
	if m.Seq == nil {
		return 0
	}
	return *m.Seq
}
