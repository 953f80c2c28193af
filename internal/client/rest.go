package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/taskchat/internal/types"
)

// APIError is a failed REST call or a failed websocket ack.
type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
}

// IsStatus reports whether err is an *APIError with the given status.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

type ListRoomsOptions struct {
	Page      int
	Limit     int
	SortBy    string
	SortOrder string
}

// Gateway is a client for the chat REST surface.
type Gateway struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
}

func NewGateway(baseURL string, tokens TokenSource, hc *http.Client) *Gateway {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    hc,
	}
}

func pageQuery(page, limit int) url.Values {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

func (g *Gateway) ListRooms(ctx context.Context, opts ListRoomsOptions) (types.RoomPage, error) {
	q := pageQuery(opts.Page, opts.Limit)
	if opts.SortBy != "" {
		q.Set("sortBy", opts.SortBy)
	}
	if opts.SortOrder != "" {
		q.Set("sortOrder", opts.SortOrder)
	}

	var page types.RoomPage
	err := g.do(ctx, http.MethodGet, "/chat/rooms", q, nil, &page)
	return page, err
}

func (g *Gateway) GetRoom(ctx context.Context, roomId uuid.UUID) (types.Room, error) {
	var room types.Room
	err := g.do(ctx, http.MethodGet, "/chat/rooms/"+roomId.String(), nil, nil, &room)
	return room, err
}

type roomRequest struct {
	Name      string  `json:"name"`
	AvatarUrl *string `json:"avatarUrl,omitempty"`
}

func (g *Gateway) CreateRoom(ctx context.Context, name string, avatarUrl *string) (types.Room, error) {
	var room types.Room
	err := g.do(ctx, http.MethodPost, "/chat/rooms", nil, roomRequest{Name: name, AvatarUrl: avatarUrl}, &room)
	return room, err
}

func (g *Gateway) UpdateRoom(ctx context.Context, roomId uuid.UUID, name string, avatarUrl *string) (types.Room, error) {
	var room types.Room
	err := g.do(ctx, http.MethodPut, "/chat/rooms/"+roomId.String(), nil, roomRequest{Name: name, AvatarUrl: avatarUrl}, &room)
	return room, err
}

func (g *Gateway) DeleteRoom(ctx context.Context, roomId uuid.UUID) error {
	return g.do(ctx, http.MethodDelete, "/chat/rooms/"+roomId.String(), nil, nil, nil)
}

func (g *Gateway) JoinRoom(ctx context.Context, roomId uuid.UUID) (types.Room, error) {
	var room types.Room
	err := g.do(ctx, http.MethodPost, "/chat/rooms/"+roomId.String()+"/join", nil, nil, &room)
	return room, err
}

func (g *Gateway) LeaveRoom(ctx context.Context, roomId uuid.UUID) error {
	return g.do(ctx, http.MethodPost, "/chat/rooms/"+roomId.String()+"/leave", nil, nil, nil)
}

func (g *Gateway) InviteUsers(ctx context.Context, roomId uuid.UUID, userIds []uuid.UUID) (types.Room, error) {
	body := struct {
		UserIds []uuid.UUID `json:"userIds"`
	}{UserIds: userIds}

	var room types.Room
	err := g.do(ctx, http.MethodPost, "/chat/rooms/"+roomId.String()+"/invite", nil, body, &room)
	return room, err
}

func (g *Gateway) ListMembers(ctx context.Context, roomId uuid.UUID, page, limit int) (types.MemberPage, error) {
	var members types.MemberPage
	err := g.do(ctx, http.MethodGet, "/chat/rooms/"+roomId.String()+"/members", pageQuery(page, limit), nil, &members)
	return members, err
}

func (g *Gateway) RemoveMember(ctx context.Context, roomId, memberId uuid.UUID) error {
	return g.do(ctx, http.MethodDelete, "/chat/rooms/"+roomId.String()+"/members/"+memberId.String(), nil, nil, nil)
}

func (g *Gateway) ListMessages(ctx context.Context, roomId uuid.UUID, page, limit int) (types.MessagePage, error) {
	var messages types.MessagePage
	err := g.do(ctx, http.MethodGet, "/chat/rooms/"+roomId.String()+"/messages", pageQuery(page, limit), nil, &messages)
	return messages, err
}

func (g *Gateway) UpdateMessage(ctx context.Context, roomId, messageId uuid.UUID, content string) (types.Message, error) {
	body := struct {
		Content string `json:"content"`
	}{Content: content}

	var msg types.Message
	err := g.do(ctx, http.MethodPut, "/chat/rooms/"+roomId.String()+"/messages/"+messageId.String(), nil, body, &msg)
	return msg, err
}

func (g *Gateway) DeleteMessage(ctx context.Context, roomId, messageId uuid.UUID) error {
	return g.do(ctx, http.MethodDelete, "/chat/rooms/"+roomId.String()+"/messages/"+messageId.String(), nil, nil, nil)
}

func (g *Gateway) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	token, ok := g.tokens.Token()
	if !ok {
		return ErrNoToken
	}

	target := g.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		// the body is informational only
		json.NewDecoder(resp.Body).Decode(apiErr)
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
