package reply

import (
	"context"
	"errors"
	"fmt"
	"time"
)

//go:generate mockgen -destination=mocks/mock_messenger.go -package=mocks github.com/mattjoyce/eventgw/internal/reply Messenger

// Messenger is the outbound messaging client. Implementations must be safe
// for concurrent use.
type Messenger interface {
	PostMessage(ctx context.Context, channel, text string) (string, error)
	UserInfo(ctx context.Context, userID string) (*UserInfo, error)
}

// UserInfo is the subset of a user profile handlers need.
type UserInfo struct {
	ID          string
	Name        string
	RealName    string
	DisplayName string
	IsBot       bool
}

// PreferredName returns the most human-friendly name available.
func (u *UserInfo) PreferredName() string {
	switch {
	case u == nil:
		return ""
	case u.DisplayName != "":
		return u.DisplayName
	case u.RealName != "":
		return u.RealName
	default:
		return u.Name
	}
}

// Kind classifies a send failure.
type Kind string

const (
	KindAuth           Kind = "auth_error"
	KindRateLimited    Kind = "rate_limited"
	KindInvalidChannel Kind = "invalid_channel"
	KindUnknown        Kind = "unknown"
)

// ErrSend is wrapped by every SendError.
var ErrSend = errors.New("send failed")

// SendError is returned once the dispatcher gives up on a message.
type SendError struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *SendError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("send failed (%s): %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("send failed (%s)", e.Kind)
}

func (e *SendError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSend}
	}
	return []error{ErrSend, e.Err}
}

// Failure is what a Classifier reports about a Messenger error.
type Failure struct {
	Kind       Kind
	Detail     string
	Transient  bool
	RetryAfter time.Duration
}

// Classifier maps a Messenger error onto a Failure. Messenger implementations
// provide one alongside the client.
type Classifier func(err error) Failure
