// Package history is the client for the paginated REST collaborator: room
// metadata, moderator identity, and the newest-first message history used to
// backfill a room session.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lumora-app/roomsync/pkg/auth"
	"github.com/lumora-app/roomsync/pkg/room"
)

// APIError is the decoded JSON error body of a non-2xx response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

// RoomInfo is the metadata of GET rooms/{id}.
type RoomInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	InviteCode  string `json:"invite_code"`
	MemberCount int    `json:"member_count"`
}

type messageDTO struct {
	ID           string         `json:"id"`
	RoomID       string         `json:"room_id"`
	AuthorID     string         `json:"author_id"`
	AuthorHandle string         `json:"author_handle"`
	AuthorAvatar string         `json:"author_avatar"`
	Content      string         `json:"content"`
	CreatedAt    time.Time      `json:"created_at"`
	Reactions    map[string]int `json:"reactions"`
}

type moderatorDTO struct {
	UserID string `json:"user_id"`
}

type Client struct {
	base   *url.URL
	client *http.Client
	tokens auth.TokenProvider
	userID string
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.client = hc
	}
}

// WithUserID sets the viewer identity forwarded on history requests, so the
// collaborator can mark own-message metadata server-side.
func WithUserID(userID string) ClientOption {
	return func(c *Client) {
		c.userID = userID
	}
}

func NewClient(baseURL string, tokens auth.TokenProvider, opts ...ClientOption) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	c := &Client{
		base:   base,
		client: &http.Client{Timeout: 15 * time.Second},
		tokens: tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RoomMessages fetches one history page. Pages are newest-first as served by
// the collaborator; the message store reverses them on merge.
func (c *Client) RoomMessages(ctx context.Context, roomID string, limit, offset int) ([]room.Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	if c.userID != "" {
		q.Set("userId", c.userID)
	}
	var page []messageDTO
	if err := c.get(ctx, fmt.Sprintf("rooms/%s/messages", roomID), q, &page); err != nil {
		return nil, err
	}
	msgs := make([]room.Message, 0, len(page))
	for _, dto := range page {
		msgs = append(msgs, room.Message{
			ID:           dto.ID,
			RoomID:       dto.RoomID,
			AuthorID:     dto.AuthorID,
			AuthorHandle: dto.AuthorHandle,
			AuthorAvatar: dto.AuthorAvatar,
			Content:      dto.Content,
			CreatedAt:    dto.CreatedAt,
			Reactions:    dto.Reactions,
		})
	}
	return msgs, nil
}

// Room fetches room metadata.
func (c *Client) Room(ctx context.Context, roomID string) (*RoomInfo, error) {
	var info RoomInfo
	if err := c.get(ctx, fmt.Sprintf("rooms/%s", roomID), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// RoomModerator fetches the moderator identity used to tag moderator badges.
func (c *Client) RoomModerator(ctx context.Context, roomID string) (string, error) {
	var mod moderatorDTO
	if err := c.get(ctx, fmt.Sprintf("rooms/%s/mod", roomID), nil, &mod); err != nil {
		return "", err
	}
	return mod.UserID, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, v any) error {
	u := c.base.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		apiErr := &APIError{Code: res.StatusCode}
		if err := json.NewDecoder(res.Body).Decode(apiErr); err != nil {
			apiErr.Message = res.Status
		}
		return apiErr
	}

	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
