package domain

// Frame types carried over room and lobby sockets.
const (
	FrameMessage        = "message"
	FrameLog            = "log"
	FrameRoomCreated    = "room_created"
	FrameRoomDeleted    = "room_deleted"
	FrameReviewResolved = "review_resolved"
	FramePing           = "ping"
	FramePong           = "pong"
)

// Frame is the JSON envelope pushed to sockets. Type selects which of
// the payload fields is set.
type Frame struct {
	Type    string   `json:"type"`
	Message *Message `json:"message,omitempty"`
	Room    *Room    `json:"room,omitempty"`
	Review  *Review  `json:"review,omitempty"`
}
