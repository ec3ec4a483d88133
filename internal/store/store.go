// Package store defines the message persistence gateway and a process-local
// implementation of it. Durable backends live in the mongo and postgres
// subpackages.
package store

import (
	"context"
	"errors"
	"time"
)

// DefaultHistoryLimit caps History when the caller passes limit <= 0.
const DefaultHistoryLimit = 500

// ErrInvalidMessage is returned by CreateMessage for messages without a
// sender, a recipient, or any content.
var ErrInvalidMessage = errors.New("store: message needs sender, recipient and text or file")

// Message is a persisted direct message. ID and CreatedAt are assigned by the
// store and never change afterwards.
type Message struct {
	ID          string    `json:"_id"`
	Sender      string    `json:"sender"`
	Recipient   string    `json:"recipient"`
	Text        string    `json:"text,omitempty"`
	File        string    `json:"file,omitempty"`
	FileSize    int64     `json:"fileSize,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Validate checks the fields every backend requires before insert.
func (m Message) Validate() error {
	if m.Sender == "" || m.Recipient == "" || (m.Text == "" && m.File == "") {
		return ErrInvalidMessage
	}
	return nil
}

// MessageStore persists messages and answers conversation history queries.
type MessageStore interface {
	// CreateMessage inserts m and returns it with ID and CreatedAt set.
	CreateMessage(ctx context.Context, m Message) (Message, error)
	// History returns the messages exchanged between userA and userB in
	// either direction, oldest first, at most limit of the newest ones.
	History(ctx context.Context, userA, userB string, limit int) ([]Message, error)
	Close(ctx context.Context) error
}

// EffectiveLimit clamps a caller-supplied history limit.
func EffectiveLimit(limit int) int {
	if limit <= 0 || limit > DefaultHistoryLimit {
		return DefaultHistoryLimit
	}
	return limit
}
