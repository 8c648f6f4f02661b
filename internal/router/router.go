// Package router turns chat message notifications into actions: runtime
// commands typed by the identity owner, or automatic color triggers.
package router

import (
	"encoding/json"
	"log"
	"strings"

	"github.com/you/huecycle/internal/helix"
	"github.com/you/huecycle/internal/palette"
)

// Kind classifies one parsed chat line.
type Kind int

const (
	// KindNone means the line is ordinary chat, not a command.
	KindNone Kind = iota
	KindEnable
	KindDisable
	KindSetColor
	// KindInvalid is a recognized command keyword with an unusable
	// argument. It is logged and otherwise dropped.
	KindInvalid
)

// Action is the decoded intent of one chat line.
type Action struct {
	Kind  Kind
	Color string // canonical preset name or #rrggbb, set for KindSetColor
}

// Parse decodes the runtime command grammar. Keywords are case
// sensitive; the color argument is not.
func Parse(text string) Action {
	trimmed := strings.TrimSpace(text)
	switch {
	case trimmed == "cce":
		return Action{Kind: KindEnable}
	case trimmed == "ccd":
		return Action{Kind: KindDisable}
	}

	fields := strings.Fields(trimmed)
	if len(fields) == 0 || fields[0] != "ccc" {
		return Action{Kind: KindNone}
	}
	if len(fields) != 2 {
		return Action{Kind: KindInvalid}
	}
	color, ok := ParseColorArg(fields[1])
	if !ok {
		return Action{Kind: KindInvalid}
	}
	return Action{Kind: KindSetColor, Color: color}
}

// ParseColorArg accepts a preset name (case-insensitive, underscores
// optional), #rrggbb, rrggbb, or the short #rgb/rgb form expanded by
// doubling each nibble. The returned value is the canonical preset name
// or a lowercase #rrggbb string.
func ParseColorArg(arg string) (string, bool) {
	arg = strings.TrimSpace(arg)
	if name, ok := palette.IsPreset(arg); ok {
		return name, true
	}

	hex := strings.ToLower(strings.TrimPrefix(arg, "#"))
	for _, c := range hex {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", false
		}
	}
	switch len(hex) {
	case 6:
		return "#" + hex, true
	case 3:
		var b strings.Builder
		for i := 0; i < 3; i++ {
			b.WriteByte(hex[i])
			b.WriteByte(hex[i])
		}
		return "#" + b.String(), true
	}
	return "", false
}

// Sink receives the actions the router dispatches. All callbacks run on
// the session goroutine.
type Sink struct {
	// SetEnabled flips the auto-change toggle and persists it.
	SetEnabled func(enabled bool)

	// ApplyColor applies one explicit color, bypassing the toggle.
	ApplyColor func(color string)

	// Trigger requests an automatic color change.
	Trigger func()
}

// Router filters and dispatches chat notifications for one identity.
type Router struct {
	username string
	enabled  func() bool
	sink     Sink
}

// New builds a Router. enabled reads the live toggle state.
func New(username string, enabled func() bool, sink Sink) *Router {
	return &Router{username: username, enabled: enabled, sink: sink}
}

type chatEvent struct {
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	ChatterUserLogin     string `json:"chatter_user_login"`
	Message              struct {
		Text string `json:"text"`
	} `json:"message"`
}

// HandleNotification processes one EventSub notification. Messages from
// anyone but the identity owner are dropped; malformed events are logged
// and skipped, never fatal.
func (r *Router) HandleNotification(subType string, event json.RawMessage) {
	if subType != helix.ChatMessageType {
		return
	}

	var ev chatEvent
	if err := json.Unmarshal(event, &ev); err != nil {
		log.Printf("router: %s malformed chat event: %v", r.username, err)
		return
	}
	if !strings.EqualFold(ev.ChatterUserLogin, r.username) {
		return
	}

	act := Parse(ev.Message.Text)
	switch act.Kind {
	case KindEnable:
		log.Printf("router: %s enabled auto color change (in %s)", r.username, ev.BroadcasterUserLogin)
		r.sink.SetEnabled(true)
	case KindDisable:
		log.Printf("router: %s disabled auto color change (in %s)", r.username, ev.BroadcasterUserLogin)
		r.sink.SetEnabled(false)
	case KindSetColor:
		r.sink.ApplyColor(act.Color)
	case KindInvalid:
		log.Printf("router: %s ignoring command with bad color argument", r.username)
	case KindNone:
		if r.enabled() {
			r.sink.Trigger()
		}
	}
}
