// ABOUTME: HTTP client for the Talkrix REST API, the authoritative side of
// ABOUTME: message persistence and conversation management.

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds each request unless a custom HTTP client is set.
const DefaultTimeout = 30 * time.Second

// ErrUnauthorized indicates the auth token was rejected. Callers treat this
// as session-fatal: the token will not become valid by retrying.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: %s (status %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("api error: status %d", e.StatusCode)
}

// Client talks to the Talkrix backend. Agent sessions authenticate with a
// Bearer token; visitor sessions authenticate with the website API key.
type Client struct {
	baseURL    string
	token      string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the Bearer token for agent endpoints.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithAPIKey sets the website API key for visitor endpoints.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for the given base URL (e.g. "https://api.talkrix.com").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "rest")
	return c
}

// ListConversations fetches conversation summaries for a website, optionally
// narrowed by a status filter and a search string.
func (c *Client) ListConversations(ctx context.Context, websiteID string, q ListQuery) ([]Conversation, error) {
	path := fmt.Sprintf("/websites/%s/conversations", url.PathEscape(websiteID))
	params := url.Values{}
	if q.Filter != "" {
		params.Set("filter", q.Filter)
	}
	if q.Search != "" {
		params.Set("search", q.Search)
	}
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var out struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// GetMessages fetches the full message history of a conversation, oldest
// first.
func (c *Client) GetMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var out struct {
		Messages []Message `json:"messages"`
	}
	path := fmt.Sprintf("/conversations/%s/messages", url.PathEscape(conversationID))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// CreateMessage persists a message. This is the authoritative write: the
// returned record carries the backend-assigned id and timestamp.
func (c *Client) CreateMessage(ctx context.Context, conversationID, content string) (*Message, error) {
	var out struct {
		Message Message `json:"message"`
	}
	path := fmt.Sprintf("/conversations/%s/messages", url.PathEscape(conversationID))
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out.Message, nil
}

// MarkConversationRead marks every message in the conversation as read for
// the calling party.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	body := map[string]string{"conversation_id": conversationID}
	return c.do(ctx, http.MethodPost, "/messages/read", body, nil)
}

// AssignConversation assigns a conversation to an agent.
func (c *Client) AssignConversation(ctx context.Context, conversationID, agentID string) error {
	path := fmt.Sprintf("/conversations/%s/assign", url.PathEscape(conversationID))
	body := map[string]string{"agent_id": agentID}
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// CloseConversation closes a conversation.
func (c *Client) CloseConversation(ctx context.Context, conversationID string) error {
	path := fmt.Sprintf("/conversations/%s/close", url.PathEscape(conversationID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// ReopenConversation reopens a closed conversation.
func (c *Client) ReopenConversation(ctx context.Context, conversationID string) error {
	path := fmt.Sprintf("/conversations/%s/reopen", url.PathEscape(conversationID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// VisitorInit bootstraps a visitor session: the backend creates (or finds)
// the visitor and an open conversation, both needed before connecting the
// channel.
func (c *Client) VisitorInit(ctx context.Context, websiteID string, info BrowserInfo) (*VisitorBootstrap, error) {
	body := struct {
		WebsiteID   string      `json:"website_id"`
		BrowserInfo BrowserInfo `json:"browser_info"`
	}{WebsiteID: websiteID, BrowserInfo: info}

	var out VisitorBootstrap
	if err := c.do(ctx, http.MethodPost, "/visitor/init", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetVisitor fetches a visitor record.
func (c *Client) GetVisitor(ctx context.Context, visitorID string) (*Visitor, error) {
	var out struct {
		Visitor Visitor `json:"visitor"`
	}
	path := fmt.Sprintf("/visitors/%s", url.PathEscape(visitorID))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out.Visitor, nil
}

// do performs a request against the backend. A 401 maps to ErrUnauthorized,
// any other non-2xx to an *APIError; on success the body is decoded into out
// when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var payload struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload); decodeErr == nil {
			apiErr.Message = payload.Message
			if apiErr.Message == "" {
				apiErr.Message = payload.Error
			}
		}
		c.logger.Debug("request failed", "method", method, "path", path, "status", resp.StatusCode)
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
