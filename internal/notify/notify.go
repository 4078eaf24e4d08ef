// Package notify defines the outbound notification channel interface and
// the message content shape, independent of any concrete channel.
package notify

import (
	"context"
	"fmt"
	"time"
)

// Field is one labelled value in a message.
type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Message is the channel-agnostic content of one outbound notification.
type Message struct {
	Title     string
	URL       string
	Color     int
	Fields    []Field
	Timestamp time.Time
}

// Channel is one logical notification endpoint. Create posts a new
// message and returns its identifier when the channel reports one (an
// empty identifier with a nil error means the post succeeded but no
// identifier could be determined). Update patches an existing message in
// place; failure is expected and handled by the caller, not exceptional.
type Channel interface {
	Create(ctx context.Context, msg *Message) (string, error)
	Update(ctx context.Context, messageID string, msg *Message) error
}

// Error reports a failed channel call or an unexpected response shape.
type Error struct {
	Op         string // "create" or "update"
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("notify %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("notify %s: status %d", e.Op, e.StatusCode)
}

func (e *Error) Unwrap() error { return e.Err }
