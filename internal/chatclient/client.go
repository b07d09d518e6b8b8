// Package chatclient is the REST client shared by the terminal client and
// the agent hook.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/agentroom/internal/clock"
	"github.com/ashureev/agentroom/internal/domain"
)

// maxAttempts bounds retries of write requests. Three attempts with
// backoff of 1s and 2s ride out brief rate limits and restarts.
const maxAttempts = 3

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
	// Review is set on 409 responses from the review endpoints.
	Review *domain.Review
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agentroom: %d %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// MessageRequest is the body of a message or log post.
type MessageRequest struct {
	Sender     string            `json:"sender"`
	SenderType domain.SenderType `json:"sender_type"`
	Content    string            `json:"content"`
	Color      string            `json:"color,omitempty"`
}

// ReviewRequest is the body of a review creation.
type ReviewRequest struct {
	Kind       domain.ReviewKind `json:"kind"`
	Content    string            `json:"content"`
	Sender     string            `json:"sender"`
	SenderType domain.SenderType `json:"sender_type"`
	Color      string            `json:"color,omitempty"`
}

// Client talks to one agentroom server with one API key.
type Client struct {
	baseURL   string
	key       string
	http      *http.Client
	clock     clock.Clock
	retryBase time.Duration
}

// New creates a Client. A nil httpClient uses a client with a 30s timeout.
func New(baseURL, key string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		key:       key,
		http:      httpClient,
		clock:     clock.Real(),
		retryBase: time.Second,
	}
}

// IssueKey requests a new tenant key. It needs no existing key.
func (c *Client) IssueKey(ctx context.Context) (string, error) {
	var out struct {
		Key string `json:"key"`
	}
	if err := c.doRetry(ctx, http.MethodPost, "/api/keys", struct{}{}, &out); err != nil {
		return "", err
	}
	return out.Key, nil
}

// CreateRoom creates a room.
func (c *Client) CreateRoom(ctx context.Context, name string) (*domain.Room, error) {
	var room domain.Room
	if err := c.doRetry(ctx, http.MethodPost, "/api/rooms", map[string]string{"name": name}, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// ListRooms returns the tenant's rooms.
func (c *Client) ListRooms(ctx context.Context) ([]*domain.Room, error) {
	var out struct {
		Rooms []*domain.Room `json:"rooms"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/rooms", nil, &out); err != nil {
		return nil, err
	}
	return out.Rooms, nil
}

// PostMessage appends a chat message and returns it with its seq.
func (c *Client) PostMessage(ctx context.Context, roomID string, req MessageRequest) (*domain.Message, error) {
	return c.post(ctx, "/api/rooms/"+url.PathEscape(roomID)+"/messages", req)
}

// PostLog appends an unsequenced log entry.
func (c *Client) PostLog(ctx context.Context, roomID string, req MessageRequest) (*domain.Message, error) {
	return c.post(ctx, "/api/rooms/"+url.PathEscape(roomID)+"/logs", req)
}

func (c *Client) post(ctx context.Context, path string, req MessageRequest) (*domain.Message, error) {
	var msg domain.Message
	if err := c.doRetry(ctx, http.MethodPost, path, req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// CatchUp returns up to limit messages with seq > sinceSeq. Messages
// from exclude are filtered out server side. A limit of 0 uses the
// server default.
func (c *Client) CatchUp(ctx context.Context, roomID string, sinceSeq int64, exclude string, limit int) ([]*domain.Message, error) {
	q := url.Values{}
	q.Set("since_seq", strconv.FormatInt(sinceSeq, 10))
	if exclude != "" {
		q.Set("exclude", exclude)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var out struct {
		Messages []*domain.Message `json:"messages"`
	}
	path := "/api/rooms/" + url.PathEscape(roomID) + "/messages?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// CreateReview opens an approval review in roomID.
func (c *Client) CreateReview(ctx context.Context, roomID string, req ReviewRequest) (*domain.Review, error) {
	var out struct {
		Review *domain.Review `json:"review"`
	}
	if err := c.doRetry(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/reviews", req, &out); err != nil {
		return nil, err
	}
	return out.Review, nil
}

// ReviewStatus returns the current state of a review.
func (c *Client) ReviewStatus(ctx context.Context, reviewID string) (*domain.Review, error) {
	var review domain.Review
	if err := c.do(ctx, http.MethodGet, "/api/reviews/"+url.PathEscape(reviewID), nil, &review); err != nil {
		return nil, err
	}
	return &review, nil
}

// ExpireReview moves a pending review to expired. When someone decided
// it first the server answers 409 and the returned *APIError carries
// the winning review.
func (c *Client) ExpireReview(ctx context.Context, reviewID string) (*domain.Review, error) {
	var review domain.Review
	if err := c.do(ctx, http.MethodPost, "/api/reviews/"+url.PathEscape(reviewID)+"/expire", struct{}{}, &review); err != nil {
		return nil, err
	}
	return &review, nil
}

// SocketURL returns the WebSocket URL for path, carrying the key as a
// query parameter.
func (c *Client) SocketURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("parse socket url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("key", c.key)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// RoomSocketURL returns the socket URL of a room.
func (c *Client) RoomSocketURL(roomID string) (string, error) {
	return c.SocketURL("/ws/rooms/" + url.PathEscape(roomID))
}

// doRetry performs a write with bounded retry on transient failures.
// The context bounds total retry time.
func (c *Client) doRetry(ctx context.Context, method, path string, body, out any) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.retryBase * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.clock.After(backoff):
			}
		}

		err := c.do(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isTransient(err) {
			return err
		}
		slog.Warn("Transient request failure, retrying", "method", method, "path", path, "attempt", attempt+1, "error", err)
	}
	return lastErr
}

// isTransient reports whether err is worth retrying: connection
// failures, 429 and 5xx. Other 4xx responses are permanent.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var payload struct {
		Error  string         `json:"error"`
		Review *domain.Review `json:"review"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(data))
		if payload.Error == "" {
			payload.Error = http.StatusText(resp.StatusCode)
		}
	}
	return &APIError{Status: resp.StatusCode, Message: payload.Error, Review: payload.Review}
}
