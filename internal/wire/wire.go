// Package wire defines the records exchanged between the relay client and the
// renderer, and their JSON frame encoding.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrInvalidAction  = errors.New("invalid action")
)

// NoGuild is sent as guild_id when the originating guild is unknown.
const NoGuild = "none"

// NotificationEvent is one intercepted notification, client to renderer.
type NotificationEvent struct {
	Title         string `json:"title"`
	Body          string `json:"body"`
	ChannelID     string `json:"id"`
	MessageID     string `json:"message_id"`
	GuildID       string `json:"guild_id"`
	AvatarURL     string `json:"avatar_url,omitempty"`
	AttachmentURL string `json:"attachment_url"`
	UserID        string `json:"user_id,omitempty"`
	ChannelName   string `json:"channel_name,omitempty"`
}

// HasAvatar reports whether the event carries an avatar reference.
func (e NotificationEvent) HasAvatar() bool { return e.AvatarURL != "" }

// Action is the kind of user interaction reported back by the renderer.
type Action string

const (
	ActionReply Action = "reply"
	ActionClick Action = "click"
)

// ActionEvent is a user interaction, renderer to client.
type ActionEvent struct {
	Action    Action `json:"action"`
	ChannelID string `json:"id"`
	MessageID string `json:"message_id,omitempty"`
	GuildID   string `json:"guild_id,omitempty"`
	Text      string `json:"text,omitempty"`
}

// Known reports whether the action is one the client acts on.
func (a ActionEvent) Known() bool {
	return a.Action == ActionReply || a.Action == ActionClick
}

// Validate checks the invariants of a known action. Unknown actions pass
// so the receiver can ignore them.
func (a ActionEvent) Validate() error {
	if !a.Known() {
		return nil
	}
	if a.ChannelID == "" {
		return fmt.Errorf("%w: %s without channel id", ErrInvalidAction, a.Action)
	}
	if a.Action == ActionReply && a.Text == "" {
		return fmt.Errorf("%w: reply without text", ErrInvalidAction)
	}
	if a.Action == ActionClick && a.Text != "" {
		return fmt.Errorf("%w: click with text", ErrInvalidAction)
	}
	return nil
}

// EncodeNotification renders a notification as a single text frame.
func EncodeNotification(e NotificationEvent) ([]byte, error) {
	if e.GuildID == "" {
		e.GuildID = NoGuild
	}
	return json.Marshal(e)
}

// DecodeNotification parses a notification frame. A missing title falls
// back to "Discord", as the renderer has always done.
func DecodeNotification(frame []byte) (NotificationEvent, error) {
	e := NotificationEvent{Title: "Discord"}
	if err := json.Unmarshal(frame, &e); err != nil {
		return NotificationEvent{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return e, nil
}

// EncodeAction renders an action as a single text frame.
func EncodeAction(a ActionEvent) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(a)
}

// DecodeAction parses an action frame and validates it.
func DecodeAction(frame []byte) (ActionEvent, error) {
	var a ActionEvent
	if err := json.Unmarshal(frame, &a); err != nil {
		return ActionEvent{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := a.Validate(); err != nil {
		return ActionEvent{}, err
	}
	return a, nil
}
