// Package transport adapts the Telegram Bot API to the small set of
// primitives the bot core needs: send, edit, delete and attachments.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrMessageNotModified is returned when an edit repeats the current text
	ErrMessageNotModified = errors.New("message is not modified")
	// ErrMessageNotFound is returned when the target message no longer exists
	ErrMessageNotFound = errors.New("message not found")
	// ErrFileTooLarge is returned by DownloadFile when the limit is exceeded
	ErrFileTooLarge = errors.New("file exceeds size limit")
)

// IsBenign reports whether err is a delivery error that leaves the chat in the intended state
func IsBenign(err error) bool {
	return errors.Is(err, ErrMessageNotModified)
}

// Button is one inline keyboard button
type Button struct {
	Text string
	Data string
}

// Keyboard is a grid of inline buttons, one slice per row
type Keyboard [][]Button

// Row builds a keyboard row
func Row(buttons ...Button) []Button { return buttons }

// Outgoing describes a new message
type Outgoing struct {
	ChatID   int64
	Text     string
	Keyboard Keyboard
	ReplyTo  int
	// Markdown renders Text as Telegram HTML, falling back to plain text
	Markdown bool
}

// Edit describes a replacement of an existing message's text
type Edit struct {
	ChatID    int64
	MessageID int
	Text      string
	Keyboard  Keyboard
	Markdown  bool
}

// Attachment is an outgoing binary file
type Attachment struct {
	ChatID  int64
	Name    string
	Data    []byte
	Caption string
	ReplyTo int
}

// Messenger is the outbound half of the transport
type Messenger interface {
	SendMessage(ctx context.Context, msg Outgoing) (int, error)
	EditMessage(ctx context.Context, edit Edit) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	SendPhoto(ctx context.Context, att Attachment) error
	SendDocument(ctx context.Context, att Attachment) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
	DownloadFile(ctx context.Context, fileID string, maxBytes int64) ([]byte, error)
}
