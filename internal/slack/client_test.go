package slack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/eventgw/internal/reply"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient("xoxb-test", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
}

func TestPostMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat.postMessage", r.URL.Path)
		assert.Equal(t, "Bearer xoxb-test", r.Header.Get("Authorization"))
		assert.Contains(t, r.Header.Get("Content-Type"), "application/json")

		var body postMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "C1", body.Channel)
		assert.Equal(t, "You said: hello", body.Text)

		_, _ = w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1503435956.000247"}`))
	})

	ts, err := c.PostMessage(context.Background(), "C1", "You said: hello")
	require.NoError(t, err)
	assert.Equal(t, "1503435956.000247", ts)
}

func TestPostMessage_APIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	})

	_, err := c.PostMessage(context.Background(), "C404", "hi")
	require.Error(t, err)

	var ae *APIError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "channel_not_found", ae.Code)
	assert.Equal(t, "chat.postMessage", ae.Method)
	assert.Equal(t, reply.KindInvalidChannel, Classify(err).Kind)
}

func TestPostMessage_RateLimited(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.PostMessage(context.Background(), "C1", "hi")
	f := Classify(err)
	assert.Equal(t, reply.KindRateLimited, f.Kind)
	assert.True(t, f.Transient)
	assert.Equal(t, 3*time.Second, f.RetryAfter)
}

func TestPostMessage_ServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.PostMessage(context.Background(), "C1", "hi")
	f := Classify(err)
	assert.Equal(t, reply.KindUnknown, f.Kind)
	assert.True(t, f.Transient)
	assert.Equal(t, "http_502", f.Detail)
}

func TestPostMessage_BadJSON(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	})

	_, err := c.PostMessage(context.Background(), "C1", "hi")
	require.Error(t, err)
	assert.False(t, Classify(err).Transient)
}

func TestPostMessage_TransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient("xoxb-test", WithBaseURL(url))
	_, err := c.PostMessage(context.Background(), "C1", "hi")
	require.Error(t, err)
	assert.True(t, Classify(err).Transient)
}

func TestUserInfo(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/users.info", r.URL.Path)
		assert.Equal(t, "U1", r.URL.Query().Get("user"))
		_, _ = w.Write([]byte(`{"ok":true,"user":{"id":"U1","name":"ada","real_name":"Ada Lovelace","is_bot":false,"profile":{"display_name":"Countess"}}}`))
	})

	u, err := c.UserInfo(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, &reply.UserInfo{ID: "U1", Name: "ada", RealName: "Ada Lovelace", DisplayName: "Countess"}, u)
}

func TestUserInfo_ProfileRealNameFallback(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"user":{"id":"U2","name":"bob","profile":{"real_name":"Bob B"}}}`))
	})

	u, err := c.UserInfo(context.Background(), "U2")
	require.NoError(t, err)
	assert.Equal(t, "Bob B", u.RealName)
}

func TestUserInfo_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"error":"user_not_found"}`))
	})

	_, err := c.UserInfo(context.Background(), "U404")
	assert.Equal(t, reply.KindInvalidChannel, Classify(err).Kind)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code      string
		status    int
		kind      reply.Kind
		transient bool
	}{
		{"invalid_auth", 200, reply.KindAuth, false},
		{"not_authed", 200, reply.KindAuth, false},
		{"token_revoked", 200, reply.KindAuth, false},
		{"ratelimited", 429, reply.KindRateLimited, true},
		{"not_in_channel", 200, reply.KindInvalidChannel, false},
		{"is_archived", 200, reply.KindInvalidChannel, false},
		{"internal_error", 200, reply.KindUnknown, true},
		{"http_503", 503, reply.KindUnknown, true},
		{"msg_too_long", 200, reply.KindUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			f := Classify(&APIError{Method: "chat.postMessage", Code: tt.code, StatusCode: tt.status})
			assert.Equal(t, tt.kind, f.Kind)
			assert.Equal(t, tt.transient, f.Transient)
			assert.Equal(t, tt.code, f.Detail)
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-1"))
}
