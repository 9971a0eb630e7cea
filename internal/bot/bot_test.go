package bot_test

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/eventgw/internal/bot"
	"github.com/mattjoyce/eventgw/internal/event"
	"github.com/mattjoyce/eventgw/internal/log"
	"github.com/mattjoyce/eventgw/internal/reply"
	"github.com/mattjoyce/eventgw/internal/router"
	"github.com/mattjoyce/eventgw/internal/router/mocks"
)

func newRouter(t *testing.T, cfg bot.Config) (*router.Router, *mocks.MockSender) {
	t.Helper()
	ctrl := gomock.NewController(t)
	sender := mocks.NewMockSender(ctrl)
	r := router.New(sender)
	bot.New(cfg, log.Discard()).Register(r)
	return r, sender
}

func route(t *testing.T, r *router.Router, body, contentType string) router.Outcome {
	t.Helper()
	ev, err := event.Normalize([]byte(body), contentType)
	require.NoError(t, err)
	return r.Route(context.Background(), ev)
}

func TestMessageEcho(t *testing.T) {
	r, sender := newRouter(t, bot.Config{})
	sender.EXPECT().Reply(gomock.Any(), "C1", "You said: hello").Return("1.1", nil)

	o := route(t, r, `{"type":"event_callback","event":{"type":"message","text":"hello","user":"U1","channel":"C1"}}`, "application/json")
	assert.Equal(t, router.Acknowledged, o.Kind)
	assert.Equal(t, "1.1", o.MessageID)
}

func TestMessageEchoCustomPrefix(t *testing.T) {
	r, sender := newRouter(t, bot.Config{EchoPrefix: "echo> "})
	sender.EXPECT().Reply(gomock.Any(), "C1", "echo> hi").Return("1.2", nil)

	o := route(t, r, `{"type":"event_callback","event":{"type":"message","text":"hi","user":"U1","channel":"C1"}}`, "application/json")
	assert.Equal(t, router.Acknowledged, o.Kind)
}

func TestMessageWithoutTextIgnored(t *testing.T) {
	r, _ := newRouter(t, bot.Config{})

	o := route(t, r, `{"type":"event_callback","event":{"type":"message","user":"U1","channel":"C1"}}`, "application/json")
	assert.Equal(t, router.Ignored, o.Kind)
	assert.Equal(t, router.ReasonMissingFields, o.Reason)
}

func TestEditedMessageIgnored(t *testing.T) {
	r, _ := newRouter(t, bot.Config{})

	o := route(t, r, `{"type":"event_callback","event":{"type":"message","subtype":"message_changed","channel":"C1"}}`, "application/json")
	assert.Equal(t, router.Ignored, o.Kind)
	assert.Equal(t, router.ReasonSubtypePresent, o.Reason)
}

func TestMentionUsesProfileName(t *testing.T) {
	r, sender := newRouter(t, bot.Config{})
	gomock.InOrder(
		sender.EXPECT().UserInfo(gomock.Any(), "U1").Return(&reply.UserInfo{ID: "U1", RealName: "Ada Lovelace"}, nil),
		sender.EXPECT().Reply(gomock.Any(), "C1", "Hi Ada Lovelace, you mentioned me: status?").Return("1.3", nil),
	)

	o := route(t, r, `{"type":"event_callback","event":{"type":"app_mention","text":"<@UBOT> status?","user":"U1","channel":"C1"}}`, "application/json")
	assert.Equal(t, router.Acknowledged, o.Kind)
}

func TestMentionFallsBackToUserTag(t *testing.T) {
	r, sender := newRouter(t, bot.Config{})
	gomock.InOrder(
		sender.EXPECT().UserInfo(gomock.Any(), "U1").Return(nil, errors.New("user_not_found")),
		sender.EXPECT().Reply(gomock.Any(), "C1", "Hi <@U1>, you mentioned me: ping").Return("1.4", nil),
	)

	o := route(t, r, `{"type":"event_callback","event":{"type":"app_mention","text":"ping","user":"U1","channel":"C1"}}`, "application/json")
	assert.Equal(t, router.Acknowledged, o.Kind)
}

func TestShortcutBuddyUp(t *testing.T) {
	r, sender := newRouter(t, bot.Config{})
	sender.EXPECT().Reply(gomock.Any(), "U7", "Hello <@U7>! You invoked the Buddy Up shortcut.").Return("1.5", nil)

	form := url.Values{"payload": {`{"type":"shortcut","callback_id":"buddy_up","trigger_id":"T.1","user":{"id":"U7"}}`}}
	o := route(t, r, form.Encode(), "application/x-www-form-urlencoded")
	assert.Equal(t, router.Acknowledged, o.Kind)
}

func TestShortcutUnknownCallback(t *testing.T) {
	r, _ := newRouter(t, bot.Config{})

	form := url.Values{"payload": {`{"type":"shortcut","callback_id":"other","trigger_id":"T.2","user":{"id":"U7"}}`}}
	o := route(t, r, form.Encode(), "application/x-www-form-urlencoded")
	assert.Equal(t, router.Ignored, o.Kind)
	assert.Equal(t, "unknown_shortcut", o.Reason)
}

func TestSlashCommand(t *testing.T) {
	r, sender := newRouter(t, bot.Config{})
	sender.EXPECT().Reply(gomock.Any(), "C9", "You said: deploy now").Return("1.6", nil)

	form := url.Values{
		"command":    {"/echo"},
		"text":       {"deploy now"},
		"user_id":    {"U1"},
		"channel_id": {"C9"},
		"trigger_id": {"T.3"},
	}
	o := route(t, r, form.Encode(), "application/x-www-form-urlencoded")
	assert.Equal(t, router.Acknowledged, o.Kind)
}

func TestReplyFailurePropagates(t *testing.T) {
	r, sender := newRouter(t, bot.Config{})
	sender.EXPECT().Reply(gomock.Any(), "C1", gomock.Any()).
		Return("", &reply.SendError{Kind: reply.KindInvalidChannel, Detail: "channel_not_found"})

	o := route(t, r, `{"type":"event_callback","event":{"type":"message","text":"hello","user":"U1","channel":"C1"}}`, "application/json")
	assert.Equal(t, router.Failed, o.Kind)
	assert.ErrorIs(t, o.Err, reply.ErrSend)
}
