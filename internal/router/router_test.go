package router

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/you/huecycle/internal/helix"
)

func TestParse(t *testing.T) {
	cases := []struct {
		text string
		want Action
	}{
		{"cce", Action{Kind: KindEnable}},
		{"  cce  ", Action{Kind: KindEnable}},
		{"ccd", Action{Kind: KindDisable}},
		{"CCE", Action{Kind: KindNone}}, // keywords are case sensitive
		{"ccc red", Action{Kind: KindSetColor, Color: "red"}},
		{"ccc HOT_PINK", Action{Kind: KindSetColor, Color: "hot_pink"}},
		{"ccc hotpink", Action{Kind: KindSetColor, Color: "hot_pink"}},
		{"ccc #AABBCC", Action{Kind: KindSetColor, Color: "#aabbcc"}},
		{"ccc aabbcc", Action{Kind: KindSetColor, Color: "#aabbcc"}},
		{"ccc #abc", Action{Kind: KindSetColor, Color: "#aabbcc"}},
		{"ccc f0f", Action{Kind: KindSetColor, Color: "#ff00ff"}},
		{"ccc", Action{Kind: KindInvalid}},
		{"ccc not a color", Action{Kind: KindInvalid}},
		{"ccc #12345", Action{Kind: KindInvalid}},
		{"ccc mauve", Action{Kind: KindInvalid}},
		{"hello chat", Action{Kind: KindNone}},
		{"", Action{Kind: KindNone}},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Parse(tc.text), "text %q", tc.text)
	}
}

type recorder struct {
	enabled  []bool
	colors   []string
	triggers int
}

func (rec *recorder) sink() Sink {
	return Sink{
		SetEnabled: func(v bool) { rec.enabled = append(rec.enabled, v) },
		ApplyColor: func(c string) { rec.colors = append(rec.colors, c) },
		Trigger:    func() { rec.triggers++ },
	}
}

func event(chatter, text string) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"broadcaster_user_login": "somechannel",
		"chatter_user_login":     chatter,
		"message":                map[string]string{"text": text},
	})
	return raw
}

func TestHandleNotificationOwnMessageTriggers(t *testing.T) {
	rec := &recorder{}
	r := New("alice", func() bool { return true }, rec.sink())

	r.HandleNotification(helix.ChatMessageType, event("Alice", "hello chat"))
	require.Equal(t, 1, rec.triggers)
}

func TestHandleNotificationDropsOtherUsers(t *testing.T) {
	rec := &recorder{}
	r := New("alice", func() bool { return true }, rec.sink())

	r.HandleNotification(helix.ChatMessageType, event("bob", "hello"))
	r.HandleNotification(helix.ChatMessageType, event("bob", "ccc red"))
	require.Zero(t, rec.triggers)
	require.Empty(t, rec.colors)
}

func TestHandleNotificationDisabledNoTrigger(t *testing.T) {
	rec := &recorder{}
	r := New("alice", func() bool { return false }, rec.sink())

	r.HandleNotification(helix.ChatMessageType, event("alice", "hello"))
	require.Zero(t, rec.triggers)

	// ccc bypasses the toggle.
	r.HandleNotification(helix.ChatMessageType, event("alice", "ccc red"))
	require.Equal(t, []string{"red"}, rec.colors)
}

func TestHandleNotificationCommands(t *testing.T) {
	rec := &recorder{}
	r := New("alice", func() bool { return true }, rec.sink())

	r.HandleNotification(helix.ChatMessageType, event("alice", "cce"))
	r.HandleNotification(helix.ChatMessageType, event("alice", "ccd"))
	require.Equal(t, []bool{true, false}, rec.enabled)
	// Commands themselves never trigger a color change.
	require.Zero(t, rec.triggers)
}

func TestHandleNotificationIgnoresOtherTypesAndGarbage(t *testing.T) {
	rec := &recorder{}
	r := New("alice", func() bool { return true }, rec.sink())

	r.HandleNotification("channel.follow", event("alice", "hello"))
	r.HandleNotification(helix.ChatMessageType, json.RawMessage(`{not json`))
	require.Zero(t, rec.triggers)
}
