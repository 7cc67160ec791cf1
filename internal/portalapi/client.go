// Package portalapi is the REST client for the portal backend.
package portalapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carelane/portalchat/internal/conversation"
	"github.com/carelane/portalchat/internal/device"
)

var ErrUnauthorized = errors.New("portalapi: unauthorized")

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("portalapi: status %d: %s", e.Code, e.Body)
}

// Client talks to the backend on behalf of one signed-in user.
type Client struct {
	base  string
	http  *http.Client
	token func() string
}

// New creates a client. token is read on every request so a refreshed
// credential is picked up without rebuilding the client.
func New(baseURL string, token func() string, hc *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("portalapi: invalid base url %q", baseURL)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{base: strings.TrimRight(u.String(), "/"), http: hc, token: token}, nil
}

type conversationDTO struct {
	ID           string                     `json:"id"`
	Participants []conversation.Participant `json:"participants"`
	LastMessage  *conversation.Summary      `json:"lastMessage"`
	UnreadCount  int                        `json:"unreadCount"`
}

// ListConversations returns the user's conversations.
func (c *Client) ListConversations(ctx context.Context, userID string) ([]conversation.Conversation, error) {
	var dtos []conversationDTO
	q := url.Values{"userId": {userID}}
	if err := c.do(ctx, http.MethodGet, "/api/conversations?"+q.Encode(), nil, &dtos); err != nil {
		return nil, err
	}
	out := make([]conversation.Conversation, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, conversation.Conversation{
			ID:           d.ID,
			Participants: d.Participants,
			LastMessage:  d.LastMessage,
			UnreadCount:  d.UnreadCount,
		})
	}
	return out, nil
}

// ListMessages returns a conversation's history.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]conversation.Message, error) {
	var msgs []conversation.Message
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].ConversationID = conversationID
		msgs[i].State = conversation.Confirmed
	}
	return msgs, nil
}

type tokenRequest struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

// RegisterToken records a push token for userID. A 410 means the backend
// already knows the token as invalid.
func (c *Client) RegisterToken(ctx context.Context, userID, token string) error {
	err := c.do(ctx, http.MethodPost, "/api/notifications/tokens", tokenRequest{UserID: userID, Token: token}, nil)
	return mapTokenErr(err)
}

// UnregisterToken removes a push token. Unknown tokens count as removed.
func (c *Client) UnregisterToken(ctx context.Context, userID, token string) error {
	q := url.Values{"userId": {userID}}
	path := "/api/notifications/tokens/" + url.PathEscape(token) + "?" + q.Encode()
	err := mapTokenErr(c.do(ctx, http.MethodDelete, path, nil, nil))
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	return err
}

func mapTokenErr(err error) error {
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusGone {
		return fmt.Errorf("%w: %w", device.ErrStaleToken, err)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("portalapi: encode: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if t := c.token(); t != "" {
			req.Header.Set("Authorization", "Bearer "+t)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("portalapi: %s %s: %w", method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("portalapi: decode %s: %w", req.URL.Path, err)
	}
	return nil
}
