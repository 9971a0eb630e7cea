// Package slack is a minimal Slack Web API client covering the two methods the
// gateway needs: chat.postMessage and users.info.
package slack

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

	"github.com/mattjoyce/eventgw/internal/reply"
)

// DefaultBaseURL is the Slack Web API root.
const DefaultBaseURL = "https://slack.com/api/"

const maxResponseBytes = 1 << 20

// Client calls the Slack Web API with a bot token. It is safe for concurrent use.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

var _ reply.Messenger = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API root (tests, proxies).
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimSuffix(u, "/") + "/"
		}
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a client for token.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type postMessageRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

type userProfile struct {
	DisplayName string `json:"display_name"`
	RealName    string `json:"real_name"`
}

type user struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	RealName string      `json:"real_name"`
	IsBot    bool        `json:"is_bot"`
	Profile  userProfile `json:"profile"`
}

type response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	TS    string `json:"ts,omitempty"`
	User  *user  `json:"user,omitempty"`
}

// PostMessage sends text to channel and returns the message timestamp, which
// Slack uses as the message id.
func (c *Client) PostMessage(ctx context.Context, channel, text string) (string, error) {
	body, err := json.Marshal(postMessageRequest{Channel: channel, Text: text})
	if err != nil {
		return "", fmt.Errorf("marshal chat.postMessage: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat.postMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.do(req, "chat.postMessage")
	if err != nil {
		return "", err
	}
	return resp.TS, nil
}

// UserInfo fetches a user's profile.
func (c *Client) UserInfo(ctx context.Context, userID string) (*reply.UserInfo, error) {
	q := url.Values{"user": {userID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"users.info?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build users.info request: %w", err)
	}

	resp, err := c.do(req, "users.info")
	if err != nil {
		return nil, err
	}
	if resp.User == nil {
		return nil, &APIError{Method: "users.info", Code: "user_not_found", StatusCode: http.StatusOK}
	}

	u := resp.User
	realName := u.RealName
	if realName == "" {
		realName = u.Profile.RealName
	}
	return &reply.UserInfo{
		ID:          u.ID,
		Name:        u.Name,
		RealName:    realName,
		DisplayName: u.Profile.DisplayName,
		IsBot:       u.IsBot,
	}, nil
}

func (c *Client) do(req *http.Request, method string) (*response, error) {
	req.Header.Set("Authorization", "Bearer "+c.token)

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slack %s: %w", method, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, io.LimitReader(httpResp.Body, 4096))
		return nil, &APIError{
			Method:     method,
			Code:       "ratelimited",
			StatusCode: httpResp.StatusCode,
			RetryAfter: parseRetryAfter(httpResp.Header.Get("Retry-After")),
		}
	}
	if httpResp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(httpResp.Body, 4096))
		return nil, &APIError{
			Method:     method,
			Code:       "http_" + strconv.Itoa(httpResp.StatusCode),
			StatusCode: httpResp.StatusCode,
		}
	}

	var out response
	if err := json.NewDecoder(io.LimitReader(httpResp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if !out.OK {
		code := out.Error
		if code == "" {
			code = "unknown_error"
		}
		return nil, &APIError{Method: method, Code: code, StatusCode: httpResp.StatusCode}
	}
	return &out, nil
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
