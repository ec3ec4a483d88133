// Package protocol defines the JSON payloads exchanged with chat clients over
// the WebSocket: the inbound chat event, the outbound message push and the
// outbound presence list.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/whisper/directchat/internal/auth"
)

// ErrMalformed is returned for inbound events that cannot be decoded or that
// violate the event invariants.
var ErrMalformed = errors.New("protocol: malformed event")

// ---------------------------------------------------------------------------
// Client -> Server
// ---------------------------------------------------------------------------

// ChatEvent is sent by a client to address a message to another user. At
// least one of Text or File must be present. Lengths are bounded only by the
// transport's message size limit.
type ChatEvent struct {
	Recipient string      `json:"recipient" validate:"required"`
	Text      string      `json:"text"`
	File      *FileUpload `json:"file"`
}

// FileUpload carries an attachment inline. Data is either a base64 data URI
// ("data:image/png;base64,....") or bare base64.
type FileUpload struct {
	Name string `json:"name" validate:"required"`
	Data string `json:"data" validate:"required"`
}

// HasText reports whether the event carries message text.
func (e ChatEvent) HasText() bool { return e.Text != "" }

// HasFile reports whether the event carries an attachment.
func (e ChatEvent) HasFile() bool { return e.File != nil }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateChatEvent, ChatEvent{})
	return v
}

func validateChatEvent(sl validator.StructLevel) {
	e := sl.Current().Interface().(ChatEvent)
	if !e.HasText() && !e.HasFile() {
		sl.ReportError(e.Text, "text", "Text", "text_or_file", "")
	}
}

// ParseChatEvent decodes and validates an inbound chat event. Every failure
// wraps ErrMalformed.
func ParseChatEvent(data []byte) (ChatEvent, error) {
	var e ChatEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return ChatEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(e); err != nil {
		return ChatEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return e, nil
}

// ---------------------------------------------------------------------------
// Server -> Client
// ---------------------------------------------------------------------------

// MessagePush is a persisted message pushed to a recipient session. Text and
// File encode as null when absent.
type MessagePush struct {
	ID        string  `json:"_id"`
	Sender    string  `json:"sender"`
	Recipient string  `json:"recipient"`
	Text      *string `json:"text"`
	File      *string `json:"file"`
}

// NewMessagePush builds a push payload. Empty text or file become null.
func NewMessagePush(id, sender, recipient, text, file string) MessagePush {
	p := MessagePush{ID: id, Sender: sender, Recipient: recipient}
	if text != "" {
		p.Text = &text
	}
	if file != "" {
		p.File = &file
	}
	return p
}

// Encode marshals the push for the wire.
func (p MessagePush) Encode() ([]byte, error) {
	out, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message push: %w", err)
	}
	return out, nil
}

// OnlineList is the presence snapshot sent to every live session.
type OnlineList struct {
	Online []auth.Identity `json:"online"`
}

// NewOnlineList encodes a presence snapshot. A nil snapshot encodes as an
// empty array.
func NewOnlineList(online []auth.Identity) ([]byte, error) {
	if online == nil {
		online = []auth.Identity{}
	}
	out, err := json.Marshal(OnlineList{Online: online})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal online list: %w", err)
	}
	return out, nil
}
