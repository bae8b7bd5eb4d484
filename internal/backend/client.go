// Package backend is the HTTP client for the chat server's REST endpoints.
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
	"sync"
	"time"

	"github.com/beegramm/beegram/internal/model"
	"go.uber.org/zap"
)

const maxBodySize = 8 << 20

// Error is a failed request: either the server answered success=false or the
// HTTP status was not 2xx.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("server error (status %d): %s", e.Status, e.Message)
}

// envelope is the common part of every response body.
type envelope struct {
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SessionCookie is the cookie the server keeps the login in.
const SessionCookie = "session"

// Client talks to one server with one session cookie.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *zap.Logger

	mu     sync.RWMutex
	header http.Header
}

// New creates a client for the server at baseURL. header is sent with every
// request (session cookie, Origin).
func New(baseURL string, header http.Header, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https, got %q", u.Scheme)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if header == nil {
		header = http.Header{}
	}
	return &Client{base: u, http: httpClient, header: header.Clone(), logger: logger.Named("backend")}, nil
}

// ListChats fetches the local user's chat list.
func (c *Client) ListChats(ctx context.Context) ([]model.ChatSummary, error) {
	var resp struct {
		envelope
		Chats []model.ChatSummary `json:"chats"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/chats/list", nil, &resp, &resp.envelope); err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return resp.Chats, nil
}

// ListMessages fetches the full history of a chat in ascending order.
func (c *Client) ListMessages(ctx context.Context, chatID int64) ([]model.Message, error) {
	var resp struct {
		envelope
		Messages []model.Message `json:"messages"`
	}
	path := "/chats/" + strconv.FormatInt(chatID, 10) + "/messages"
	if _, err := c.do(ctx, http.MethodGet, path, nil, &resp, &resp.envelope); err != nil {
		return nil, fmt.Errorf("list messages of chat %d: %w", chatID, err)
	}
	return resp.Messages, nil
}

// CreateChatRequest describes a private chat (one member), group or channel.
type CreateChatRequest struct {
	IsGroup     bool    `json:"is_group,omitempty"`
	IsChannel   bool    `json:"is_channel,omitempty"`
	Name        string  `json:"name,omitempty"`
	Description string  `json:"description,omitempty"`
	Members     []int64 `json:"members"`
}

// CreateChat creates a chat, or returns the existing private chat with the
// same member.
func (c *Client) CreateChat(ctx context.Context, req CreateChatRequest) (int64, error) {
	if !req.IsGroup && !req.IsChannel && len(req.Members) == 0 {
		return 0, fmt.Errorf("create chat: private chat needs a member")
	}
	var resp struct {
		envelope
		ChatID int64 `json:"chat_id"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/chats/create", req, &resp, &resp.envelope); err != nil {
		return 0, fmt.Errorf("create chat: %w", err)
	}
	return resp.ChatID, nil
}

// Header returns the headers sent with every request, including the session
// cookie once logged in. The websocket handshake reuses them.
func (c *Client) Header() http.Header {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.header.Clone()
}

// Login exchanges credentials for a session cookie and returns the account.
func (c *Client) Login(ctx context.Context, username, password string) (model.User, error) {
	var resp struct {
		envelope
		User model.User `json:"user"`
	}
	body := map[string]string{"username": username, "password": password}
	cookies, err := c.do(ctx, http.MethodPost, "/login", body, &resp, &resp.envelope)
	if err != nil {
		return model.User{}, fmt.Errorf("login: %w", err)
	}
	for _, ck := range cookies {
		if ck.Name == SessionCookie {
			c.mu.Lock()
			c.header.Set("Cookie", (&http.Cookie{Name: ck.Name, Value: ck.Value}).String())
			c.mu.Unlock()
			return resp.User, nil
		}
	}
	return model.User{}, fmt.Errorf("login: server set no %s cookie", SessionCookie)
}

// SearchUsers finds up to 20 users by login or nickname.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]model.User, error) {
	var resp struct {
		envelope
		Users []model.User `json:"users"`
	}
	path := "/users/search?" + url.Values{"q": {query}}.Encode()
	if _, err := c.do(ctx, http.MethodGet, path, nil, &resp, &resp.envelope); err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return resp.Users, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, env *envelope) ([]*http.Cookie, error) {
	rawPath, rawQuery, _ := strings.Cut(path, "?")
	u := c.base.JoinPath(rawPath)
	u.RawQuery = rawQuery

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	for k, vs := range c.Header() {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	c.logger.Debug("request finished",
		zap.String("method", method), zap.String("path", path),
		zap.Int("status", resp.StatusCode), zap.Duration("took", time.Since(start)))

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	decodeErr := json.Unmarshal(data, out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := ""
		if decodeErr == nil {
			msg = env.Error
		}
		if msg == "" {
			msg = strings.TrimSpace(string(data))
			if len(msg) > 200 {
				msg = msg[:200]
			}
		}
		return nil, &Error{Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode response: %w", decodeErr)
	}
	if env.Success != nil && !*env.Success {
		return nil, &Error{Status: resp.StatusCode, Message: env.Error}
	}
	return resp.Cookies(), nil
}
