package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/hub"
	"github.com/ashureev/agentroom/internal/identity"
	"github.com/ashureev/agentroom/internal/metrics"
	"github.com/ashureev/agentroom/internal/store"
	"github.com/go-chi/chi/v5"
)

type postMessageRequest struct {
	Sender     string            `json:"sender"`
	SenderType domain.SenderType `json:"sender_type"`
	Content    string            `json:"content"`
	Color      string            `json:"color,omitempty"`
}

// PostMessage appends a sequenced chat message.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	h.appendMessage(w, r, domain.KindMessage)
}

// PostLog appends an unsequenced log entry.
func (h *Handler) PostLog(w http.ResponseWriter, r *http.Request) {
	h.appendMessage(w, r, domain.KindLog)
}

// appendMessage persists first and answers from persistence alone; the
// room fan-out runs afterwards in the background.
func (h *Handler) appendMessage(w http.ResponseWriter, r *http.Request, kind domain.MessageKind) {
	tenantID := identity.TenantIDFromContext(r.Context())
	roomID := chi.URLParam(r, "roomID")

	var req postMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SenderType == "" {
		req.SenderType = domain.SenderHuman
	}
	switch {
	case strings.TrimSpace(req.Content) == "":
		Error(w, http.StatusBadRequest, "content is required")
		return
	case strings.TrimSpace(req.Sender) == "":
		Error(w, http.StatusBadRequest, "sender is required")
		return
	case !req.SenderType.Valid():
		Error(w, http.StatusBadRequest, "invalid sender_type")
		return
	}

	msg := &domain.Message{
		RoomID:     roomID,
		Sender:     req.Sender,
		SenderType: req.SenderType,
		Content:    req.Content,
		Color:      req.Color,
		Kind:       kind,
		CreatedAt:  time.Now(),
	}
	if err := h.repo.AppendMessage(r.Context(), tenantID, msg); err != nil {
		storeError(w, err, "failed to append message", "tenant_id", tenantID, "room_id", roomID)
		return
	}
	metrics.MessagesAppended.WithLabelValues(string(kind)).Inc()

	frameType := domain.FrameMessage
	if kind == domain.KindLog {
		frameType = domain.FrameLog
	}
	h.dispatcher.Send(hub.RoomKey(tenantID, roomID), domain.Frame{Type: frameType, Message: msg})
	JSON(w, http.StatusCreated, msg)
}

// ListMessages serves catch-up. since_seq selects by sequence number and
// wins over after, which selects by insertion order after a message id.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	tenantID := identity.TenantIDFromContext(r.Context())
	roomID := chi.URLParam(r, "roomID")

	q, err := parseCatchUpQuery(r)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	var msgs []*domain.Message
	if r.URL.Query().Has("since_seq") || q.AfterID == "" {
		msgs, err = h.repo.CatchUpBySeq(r.Context(), tenantID, roomID, q)
	} else {
		msgs, err = h.repo.CatchUpByID(r.Context(), tenantID, roomID, q)
	}
	if err != nil {
		storeError(w, err, "failed to load messages", "tenant_id", tenantID, "room_id", roomID)
		return
	}
	writeMessages(w, msgs, q)
}

// ListLogs serves log catch-up by insertion order.
func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	tenantID := identity.TenantIDFromContext(r.Context())
	roomID := chi.URLParam(r, "roomID")

	q, err := parseCatchUpQuery(r)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	q.Kind = domain.KindLog

	msgs, err := h.repo.CatchUpByID(r.Context(), tenantID, roomID, q)
	if err != nil {
		storeError(w, err, "failed to load logs", "tenant_id", tenantID, "room_id", roomID)
		return
	}
	writeMessages(w, msgs, q)
}

func writeMessages(w http.ResponseWriter, msgs []*domain.Message, q store.CatchUpQuery) {
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"has_more": len(msgs) == q.EffectiveLimit(),
	})
}

type queryError string

func (e queryError) Error() string { return string(e) }

func parseCatchUpQuery(r *http.Request) (store.CatchUpQuery, error) {
	values := r.URL.Query()
	q := store.CatchUpQuery{
		AfterID: values.Get("after"),
		Exclude: values.Get("exclude"),
	}

	if raw := values.Get("since_seq"); raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seq < 0 {
			return q, queryError("invalid since_seq")
		}
		q.SinceSeq = seq
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return q, queryError("invalid limit")
		}
		q.Limit = limit
	}
	if raw := values.Get("sender_type"); raw != "" {
		st := domain.SenderType(raw)
		if !st.Valid() {
			return q, queryError("invalid sender_type")
		}
		q.SenderType = st
	}
	return q, nil
}
