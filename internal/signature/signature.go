// Package signature verifies Slack request signatures.
//
// Slack signs every request with HMAC-SHA256 over the base string
// "v0:<timestamp>:<raw body>" keyed by the app's signing secret, and sends the
// result as "v0=<hex>" in X-Slack-Signature. Verification must run over the
// exact bytes received, before any parsing.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// HeaderTimestamp carries the Unix time the request was signed at.
	HeaderTimestamp = "X-Slack-Request-Timestamp"
	// HeaderSignature carries the "v0=<hex>" digest.
	HeaderSignature = "X-Slack-Signature"

	// Version is the signing scheme prefix.
	Version = "v0"

	// DefaultTolerance bounds clock skew between Slack and us.
	DefaultTolerance = 5 * time.Minute
)

// Reason explains a verification outcome.
type Reason string

const (
	ReasonOK                Reason = "ok"
	ReasonMissingHeaders    Reason = "missing_headers"
	ReasonTimestampStale    Reason = "timestamp_stale"
	ReasonSignatureMismatch Reason = "signature_mismatch"
)

// ErrVerification is the sentinel wrapped by every VerificationError.
var ErrVerification = errors.New("request verification failed")

// VerificationError reports why a request was rejected.
type VerificationError struct {
	Reason Reason
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("request verification failed: %s", e.Reason)
}

func (e *VerificationError) Unwrap() error { return ErrVerification }

// Result is the outcome of a single verification.
type Result struct {
	OK     bool
	Reason Reason
}

// Err returns nil for a successful result, otherwise a *VerificationError.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return &VerificationError{Reason: r.Reason}
}

func fail(reason Reason) Result {
	return Result{OK: false, Reason: reason}
}

// Verifier checks request signatures against a signing secret.
// The zero Tolerance means DefaultTolerance; a nil Now means time.Now.
type Verifier struct {
	Secret    string
	Tolerance time.Duration
	Now       func() time.Time
}

// New returns a Verifier for secret with the default tolerance.
func New(secret string) *Verifier {
	return &Verifier{Secret: secret, Tolerance: DefaultTolerance}
}

// Verify checks rawBody against the timestamp and signature headers using the
// current time and DefaultTolerance.
func Verify(rawBody []byte, headers http.Header, secret string) Result {
	return New(secret).Verify(rawBody, headers)
}

// Verify checks rawBody against the timestamp and signature headers.
func (v *Verifier) Verify(rawBody []byte, headers http.Header) Result {
	ts := strings.TrimSpace(headers.Get(HeaderTimestamp))
	sig := strings.TrimSpace(headers.Get(HeaderSignature))
	if ts == "" || sig == "" {
		return fail(ReasonMissingHeaders)
	}

	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fail(ReasonTimestampStale)
	}
	if skew := v.now().Sub(time.Unix(sec, 0)); skew > v.tolerance() || skew < -v.tolerance() {
		return fail(ReasonTimestampStale)
	}

	if v.Secret == "" {
		return fail(ReasonSignatureMismatch)
	}

	got, ok := decode(sig)
	if !ok {
		return fail(ReasonSignatureMismatch)
	}
	if !hmac.Equal(digest(rawBody, ts, v.Secret), got) {
		return fail(ReasonSignatureMismatch)
	}
	return Result{OK: true, Reason: ReasonOK}
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v *Verifier) tolerance() time.Duration {
	if v.Tolerance <= 0 {
		return DefaultTolerance
	}
	return v.Tolerance
}

// Sign returns the X-Slack-Signature value for body signed at ts.
func Sign(body []byte, ts, secret string) string {
	return Version + "=" + hex.EncodeToString(digest(body, ts, secret))
}

// SignNow signs body with the current Unix time and returns both header values.
func SignNow(body []byte, secret string) (ts, sig string) {
	ts = strconv.FormatInt(time.Now().Unix(), 10)
	return ts, Sign(body, ts, secret)
}

func digest(body []byte, ts, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(Version + ":" + ts + ":"))
	mac.Write(body)
	return mac.Sum(nil)
}

// decode strips the version prefix and hex-decodes the digest.
func decode(sig string) ([]byte, bool) {
	hexSig, found := strings.CutPrefix(sig, Version+"=")
	if !found {
		return nil, false
	}
	b, err := hex.DecodeString(hexSig)
	if err != nil || len(b) != sha256.Size {
		return nil, false
	}
	return b, true
}
