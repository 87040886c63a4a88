// Package restapi is a thin bearer-authenticated JSON client for the
// marketplace HTTP API.
package restapi

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

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/credential"
	"github.com/matheus3301/chatsync/internal/notify"
)

// RequestError is returned for a non-2xx response.
type RequestError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// IsAuth reports whether the server rejected the credential.
func (e *RequestError) IsAuth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsAuthError reports whether err wraps an authentication failure.
func IsAuthError(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.IsAuth()
}

// Identity is the authenticated account.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// Client talks to the HTTP API. Each call takes the credential to present so
// callers resolve it fresh per operation.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *zap.Logger
}

// New creates a client for baseURL with a per-request timeout.
func New(baseURL string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:   u,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

// Me returns the account behind cred.
func (c *Client) Me(ctx context.Context, cred credential.Credential) (Identity, error) {
	var out Identity
	err := c.do(ctx, cred, http.MethodGet, "/api/auth/me", nil, &out)
	return out, err
}

// ListConversations returns the conversations visible to the account.
func (c *Client) ListConversations(ctx context.Context, cred credential.Credential) ([]conversation.Conversation, error) {
	var out struct {
		Conversations []conversation.Conversation `json:"conversations"`
	}
	err := c.do(ctx, cred, http.MethodGet, "/api/conversations", nil, &out)
	return out.Conversations, err
}

// ListMessages returns the message history of a conversation.
func (c *Client) ListMessages(ctx context.Context, cred credential.Credential, conversationID int64) ([]conversation.Message, error) {
	var out struct {
		Messages []conversation.Message `json:"messages"`
	}
	path := "/api/conversations/" + strconv.FormatInt(conversationID, 10) + "/messages"
	err := c.do(ctx, cred, http.MethodGet, path, nil, &out)
	return out.Messages, err
}

// CreateConversation opens (or returns the existing) thread between a vendor
// and a customer.
func (c *Client) CreateConversation(ctx context.Context, cred credential.Credential, vendorID, customerID string) (conversation.Conversation, error) {
	in := map[string]string{"vendorId": vendorID, "customerId": customerID}
	var out conversation.Conversation
	err := c.do(ctx, cred, http.MethodPost, "/api/conversations", in, &out)
	return out, err
}

// ListNotifications returns up to limit recent notifications.
func (c *Client) ListNotifications(ctx context.Context, cred credential.Credential, limit int) ([]notify.Notification, error) {
	var out struct {
		Notifications []notify.Notification `json:"notifications"`
	}
	path := "/api/notifications"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	err := c.do(ctx, cred, http.MethodGet, path, nil, &out)
	return out.Notifications, err
}

// UnreadCount returns the server-side unread notification count.
func (c *Client) UnreadCount(ctx context.Context, cred credential.Credential) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, cred, http.MethodGet, "/api/notifications/unread-count", nil, &out)
	return out.Count, err
}

// MarkNotificationsRead marks a batch of notifications read.
func (c *Client) MarkNotificationsRead(ctx context.Context, cred credential.Credential, ids []string) error {
	return c.do(ctx, cred, http.MethodPost, "/api/notifications/mark-read", map[string][]string{"ids": ids}, nil)
}

// MarkAllNotificationsRead marks every notification read.
func (c *Client) MarkAllNotificationsRead(ctx context.Context, cred credential.Credential) error {
	return c.do(ctx, cred, http.MethodPost, "/api/notifications/mark-all-read", nil, nil)
}

// GetPreferences fetches the notification preferences record.
func (c *Client) GetPreferences(ctx context.Context, cred credential.Credential) (notify.Preferences, error) {
	var out notify.Preferences
	err := c.do(ctx, cred, http.MethodGet, "/api/notifications/preferences", nil, &out)
	return out, err
}

// UpdatePreferences replaces the preferences record and returns the stored
// version.
func (c *Client) UpdatePreferences(ctx context.Context, cred credential.Credential, p notify.Preferences) (notify.Preferences, error) {
	var out notify.Preferences
	err := c.do(ctx, cred, http.MethodPut, "/api/notifications/preferences", p, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, cred credential.Credential, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cred != "" {
		req.Header.Set("Authorization", "Bearer "+string(cred))
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("api request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &RequestError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
