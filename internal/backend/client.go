package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/locus-chat/locus/internal/cache"
	"github.com/locus-chat/locus/internal/feed"
	"github.com/locus-chat/locus/internal/store"
	"go.uber.org/zap"
)

// Client talks to the hosted backend's REST surface: batched profile
// lookups, notification and conversation reads, and the authoritative
// writes behind the engine's optimistic local mutations.
type Client struct {
	baseURL string
	apiKey  string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	APIKey     string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewClient creates a backend client.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		token:   opts.Token,
		http:    httpClient,
		logger:  logger,
	}
}

// ResolveSummaries performs the batched participant lookup. Ids the server
// does not know are absent from the result, not errors.
func (c *Client) ResolveSummaries(ctx context.Context, ids []string) ([]store.ParticipantSummary, error) {
	var resp struct {
		Profiles []store.ParticipantSummary `json:"profiles"`
	}
	req := map[string]any{"ids": ids}
	if err := c.do(ctx, http.MethodPost, "/v1/profiles:batchGet", req, &resp); err != nil {
		return nil, err
	}
	return resp.Profiles, nil
}

// ListNotifications returns the owner's notification rows, newest first,
// for the initial batch load and the periodic refresh.
func (c *Client) ListNotifications(ctx context.Context, ownerID string, limit int) ([]feed.RawRow, error) {
	if limit <= 0 {
		limit = 50
	}
	var resp struct {
		Notifications []feed.RawRow `json:"notifications"`
	}
	path := "/v1/notifications?owner_id=" + url.QueryEscape(ownerID) + "&limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Notifications, nil
}

// ListConversations returns the owner's conversation summaries. The unread
// count in each summary is the server-held slot for the owner's side of
// the conversation, never recomputed locally from message rows.
func (c *Client) ListConversations(ctx context.Context, ownerID string) ([]cache.Conversation, error) {
	var resp struct {
		Conversations []cache.Conversation `json:"conversations"`
	}
	path := "/v1/conversations?owner_id=" + url.QueryEscape(ownerID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// UpdateNotificationRead marks one notification read. With onlyIfUnread the
// write is conditional on the row still being unread, so a concurrent
// mark-all from another tab is not clobbered; a zero-row match surfaces as
// ConflictError.
func (c *Client) UpdateNotificationRead(ctx context.Context, id string, onlyIfUnread bool) error {
	var resp struct {
		Updated int `json:"updated"`
	}
	req := map[string]any{"only_if_unread": onlyIfUnread}
	path := "/v1/notifications/" + url.PathEscape(id) + "/read"
	if err := c.do(ctx, http.MethodPatch, path, req, &resp); err != nil {
		return err
	}
	if onlyIfUnread && resp.Updated == 0 {
		return &ConflictError{Op: "update notification read"}
	}
	return nil
}

// MarkAllNotificationsRead is the bulk mark-read write for an owner.
func (c *Client) MarkAllNotificationsRead(ctx context.Context, ownerID string) error {
	req := map[string]any{"owner_id": ownerID}
	return c.do(ctx, http.MethodPost, "/v1/notifications:markAllRead", req, nil)
}

// UpsertRelation creates or refreshes one directed relation row. The server
// enforces an (subject, object, kind) uniqueness constraint, so retries and
// re-accepts are idempotent.
func (c *Client) UpsertRelation(ctx context.Context, subjectID, objectID, kind string) error {
	req := map[string]any{
		"subject_id": subjectID,
		"object_id":  objectID,
		"kind":       kind,
		"status":     "active",
	}
	return c.do(ctx, http.MethodPut, "/v1/relations", req, nil)
}

// ResolvePendingRequest retires a pending relationship request row with the
// given terminal status ("accepted" or "declined").
func (c *Client) ResolvePendingRequest(ctx context.Context, requestorID, ownerID, resolution string) error {
	req := map[string]any{
		"requestor_id": requestorID,
		"owner_id":     ownerID,
		"status":       resolution,
	}
	return c.do(ctx, http.MethodPost, "/v1/requests:resolve", req, nil)
}

// SendTyping opens the ephemeral typing signal row for (conversation, user).
func (c *Client) SendTyping(ctx context.Context, convID, userID string) error {
	path := "/v1/typing/" + url.PathEscape(convID) + "/" + url.PathEscape(userID)
	return c.do(ctx, http.MethodPut, path, nil, nil)
}

// ClearTyping deletes the ephemeral typing signal row.
func (c *Client) ClearTyping(ctx context.Context, convID, userID string) error {
	path := "/v1/typing/" + url.PathEscape(convID) + "/" + url.PathEscape(userID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// SendMessage posts a message to a conversation and returns the server
// message id. The client id makes retried sends idempotent server-side.
func (c *Client) SendMessage(ctx context.Context, convID, clientMsgID, body string) (string, error) {
	var resp struct {
		MsgID string `json:"msg_id"`
	}
	req := map[string]any{"client_msg_id": clientMsgID, "body": body}
	path := "/v1/conversations/" + url.PathEscape(convID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return "", err
	}
	return resp.MsgID, nil
}

// ResetConversationUnread zeroes the owner's unread slot for a
// conversation, typically on opening the thread.
func (c *Client) ResetConversationUnread(ctx context.Context, convID string) error {
	path := "/v1/conversations/" + url.PathEscape(convID) + ":resetUnread"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	op := method + " " + path

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 500:
		return &TransientError{Op: op, Err: fmt.Errorf("server status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusConflict:
		return &ConflictError{Op: op}
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", op, ErrNoSession)
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
