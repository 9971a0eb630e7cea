package event

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"

	"github.com/zeebo/blake3"
)

// Request is an inbound webhook call. Body is read exactly once by the HTTP
// adapter and shared read-only by verification and normalization.
type Request struct {
	Body        []byte
	Header      http.Header
	ContentType string
}

// NewRequest captures body and headers. The header map is cloned so later
// changes by the transport cannot leak in.
func NewRequest(body []byte, header http.Header) Request {
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	return Request{
		Body:        body,
		Header:      h,
		ContentType: h.Get("Content-Type"),
	}
}

// Kind names an Event variant.
type Kind string

const (
	KindChallenge Kind = "challenge"
	KindCallback  Kind = "callback"
	KindUnknown   Kind = "unknown"
)

// Event is the canonical form of an inbound payload. It is one of
// *Challenge, *Callback or *Unknown.
type Event interface {
	Kind() Kind
	isEvent()
}

// Challenge is Slack's url_verification handshake. Token must be echoed verbatim.
type Challenge struct {
	Token string
}

func (*Challenge) Kind() Kind { return KindChallenge }
func (*Challenge) isEvent()   {}

// Callback is a business event: an Events API event_callback, an interactive
// payload (shortcut, message action, block action) or a slash command.
// Optional fields are empty when the payload does not carry them.
type Callback struct {
	EventID    string
	TeamID     string
	EventType  string
	Subtype    string
	UserID     string
	ChannelID  string
	Text       string
	BotID      string
	CallbackID string
	TriggerID  string
	Raw        map[string]any

	payload []byte
}

func (*Callback) Kind() Kind { return KindCallback }
func (*Callback) isEvent()   {}

// Fingerprint identifies a delivery for deduplication. Slack reuses event_id
// and trigger_id across retries, so those are preferred; otherwise the payload
// bytes are hashed.
func (c *Callback) Fingerprint() string {
	switch {
	case c.EventID != "":
		return "event:" + c.EventID
	case c.TriggerID != "":
		return "trigger:" + c.TriggerID
	default:
		sum := blake3.Sum256(c.payload)
		return "blake3:" + hex.EncodeToString(sum[:])
	}
}

// Unknown is a well-formed payload of a shape we do not recognize.
type Unknown struct {
	Raw map[string]any
}

func (*Unknown) Kind() Kind { return KindUnknown }
func (*Unknown) isEvent()   {}

// ErrParse is wrapped by every ParseError.
var ErrParse = errors.New("malformed payload")

// ParseError reports a body that could not be normalized. Raw keeps the
// original bytes for diagnostics.
type ParseError struct {
	ContentType string
	Raw         []byte
	Err         error
}

func (e *ParseError) Error() string {
	if e.ContentType == "" {
		return fmt.Sprintf("malformed payload: %v", e.Err)
	}
	return fmt.Sprintf("malformed %s payload: %v", e.ContentType, e.Err)
}

func (e *ParseError) Unwrap() []error {
	return []error{ErrParse, e.Err}
}
