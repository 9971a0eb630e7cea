package slack

import (
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/eventgw/internal/reply"
)

// APIError is a failed Web API call: either an HTTP-level failure or a
// response with "ok": false.
type APIError struct {
	Method     string
	Code       string
	StatusCode int
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack %s: %s", e.Method, e.Code)
}

var authCodes = map[string]bool{
	"invalid_auth":     true,
	"not_authed":       true,
	"account_inactive": true,
	"token_revoked":    true,
	"token_expired":    true,
	"missing_scope":    true,
}

var channelCodes = map[string]bool{
	"channel_not_found": true,
	"not_in_channel":    true,
	"is_archived":       true,
	"user_not_found":    true,
	"cannot_dm_bot":     true,
}

// Classify maps client errors onto reply failure kinds. It is the
// reply.Classifier for this client.
func Classify(err error) reply.Failure {
	var ae *APIError
	if !errors.As(err, &ae) {
		return reply.DefaultClassifier(err)
	}

	switch {
	case ae.Code == "ratelimited":
		return reply.Failure{Kind: reply.KindRateLimited, Detail: ae.Code, Transient: true, RetryAfter: ae.RetryAfter}
	case authCodes[ae.Code]:
		return reply.Failure{Kind: reply.KindAuth, Detail: ae.Code}
	case channelCodes[ae.Code]:
		return reply.Failure{Kind: reply.KindInvalidChannel, Detail: ae.Code}
	case ae.StatusCode >= 500, ae.Code == "internal_error", ae.Code == "fatal_error", ae.Code == "service_unavailable":
		return reply.Failure{Kind: reply.KindUnknown, Detail: ae.Code, Transient: true}
	default:
		return reply.Failure{Kind: reply.KindUnknown, Detail: ae.Code}
	}
}
