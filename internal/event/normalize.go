package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/url"

	"github.com/tidwall/gjson"
)

const (
	mediaJSON = "application/json"
	mediaForm = "application/x-www-form-urlencoded"
)

// Envelope types Slack sends as the top-level "type" field.
const (
	TypeURLVerification = "url_verification"
	TypeEventCallback   = "event_callback"

	TypeShortcut       = "shortcut"
	TypeMessageAction  = "message_action"
	TypeBlockActions   = "block_actions"
	TypeViewSubmission = "view_submission"
	TypeSlashCommand   = "slash_command"
)

// Normalize turns a raw body and its declared content type into exactly one
// Event. It fails with a *ParseError when the body is malformed for the
// content type or the content type is unsupported.
func Normalize(raw []byte, contentType string) (Event, error) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, &ParseError{ContentType: contentType, Raw: raw, Err: fmt.Errorf("content type: %w", err)}
	}

	switch mt {
	case mediaJSON:
		ev, err := fromJSON(raw)
		if err != nil {
			return nil, &ParseError{ContentType: mt, Raw: raw, Err: err}
		}
		return ev, nil
	case mediaForm:
		ev, err := fromForm(raw)
		if err != nil {
			return nil, &ParseError{ContentType: mt, Raw: raw, Err: err}
		}
		return ev, nil
	default:
		return nil, &ParseError{ContentType: mt, Raw: raw, Err: fmt.Errorf("unsupported content type %q", mt)}
	}
}

func fromForm(raw []byte) (Event, error) {
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, fmt.Errorf("decode form: %w", err)
	}

	// Interactive components arrive as a single form field holding JSON.
	if values.Has("payload") {
		ev, err := fromJSON([]byte(values.Get("payload")))
		if err != nil {
			return nil, fmt.Errorf("payload field: %w", err)
		}
		return ev, nil
	}

	if values.Has("challenge") {
		return &Challenge{Token: values.Get("challenge")}, nil
	}

	flat := make(map[string]any, len(values))
	for k := range values {
		flat[k] = values.Get(k)
	}

	if values.Has("command") {
		return &Callback{
			TeamID:    values.Get("team_id"),
			EventType: TypeSlashCommand,
			UserID:    values.Get("user_id"),
			ChannelID: values.Get("channel_id"),
			Text:      values.Get("text"),
			TriggerID: values.Get("trigger_id"),
			Raw:       flat,
			payload:   raw,
		}, nil
	}

	return &Unknown{Raw: flat}, nil
}

func fromJSON(raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.New("invalid JSON")
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, errors.New("JSON body is not an object")
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode JSON: %w", err)
	}

	switch envelopeType := root.Get("type").String(); envelopeType {
	case TypeURLVerification:
		c := root.Get("challenge")
		if c.Type != gjson.String {
			return nil, errors.New("url_verification without challenge")
		}
		return &Challenge{Token: c.Str}, nil

	case TypeEventCallback:
		ev := root.Get("event")
		if !ev.IsObject() {
			return nil, errors.New("event_callback without event object")
		}
		inner, _ := m["event"].(map[string]any)
		return &Callback{
			EventID:   root.Get("event_id").String(),
			TeamID:    root.Get("team_id").String(),
			EventType: ev.Get("type").String(),
			Subtype:   ev.Get("subtype").String(),
			UserID:    idOf(ev.Get("user")),
			ChannelID: firstNonEmpty(idOf(ev.Get("channel")), ev.Get("item.channel").String()),
			Text:      ev.Get("text").String(),
			BotID:     ev.Get("bot_id").String(),
			Raw:       inner,
			payload:   raw,
		}, nil

	case TypeShortcut, TypeMessageAction, TypeBlockActions, TypeViewSubmission:
		return &Callback{
			TeamID:     idOf(root.Get("team")),
			EventType:  envelopeType,
			UserID:     idOf(root.Get("user")),
			ChannelID:  idOf(root.Get("channel")),
			Text:       root.Get("message.text").String(),
			CallbackID: firstNonEmpty(root.Get("callback_id").String(), root.Get("view.callback_id").String()),
			TriggerID:  root.Get("trigger_id").String(),
			Raw:        m,
			payload:    raw,
		}, nil

	default:
		return &Unknown{Raw: m}, nil
	}
}

// idOf reads an identifier that Slack sends either as a bare string or as an
// object with an "id" field.
func idOf(r gjson.Result) string {
	if r.IsObject() {
		return r.Get("id").String()
	}
	if r.Type == gjson.String {
		return r.Str
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
