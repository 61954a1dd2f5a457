// Package transporttest provides an in-memory transport.Messenger for tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/tg-gpt-bot-go/internal/transport"
)

// Messenger records every outbound call. Message IDs start at 101.
type Messenger struct {
	mu sync.Mutex

	Sent      []transport.Outgoing
	Edits     []transport.Edit
	Deleted   []int
	Photos    []transport.Attachment
	Documents []transport.Attachment
	Answered  []string
	// Notices maps callback IDs to the text they were answered with
	Notices map[string]string

	// Files maps file IDs to download contents
	Files map[string][]byte

	// Rejected counts edits refused because the text was unchanged
	Rejected int

	// EditErr, when set, is returned by every EditMessage call
	EditErr error

	nextID int
	texts  map[int]string
}

// NewMessenger creates an empty recorder
func NewMessenger() *Messenger {
	return &Messenger{nextID: 100, texts: make(map[int]string), Files: make(map[string][]byte), Notices: make(map[string]string)}
}

func (m *Messenger) SendMessage(ctx context.Context, out transport.Outgoing) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	m.Sent = append(m.Sent, out)
	m.texts[m.nextID] = out.Text
	return m.nextID, nil
}

// EditMessage rejects an edit that repeats the current text like the Bot API does
func (m *Messenger) EditMessage(ctx context.Context, edit transport.Edit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.EditErr != nil {
		return m.EditErr
	}
	if cur, ok := m.texts[edit.MessageID]; ok && cur == edit.Text {
		m.Rejected++
		return transport.ErrMessageNotModified
	}
	m.Edits = append(m.Edits, edit)
	m.texts[edit.MessageID] = edit.Text
	return nil
}

func (m *Messenger) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.texts[messageID]; !ok {
		return transport.ErrMessageNotFound
	}
	delete(m.texts, messageID)
	m.Deleted = append(m.Deleted, messageID)
	return nil
}

func (m *Messenger) SendPhoto(ctx context.Context, att transport.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Photos = append(m.Photos, att)
	return nil
}

func (m *Messenger) SendDocument(ctx context.Context, att transport.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Documents = append(m.Documents, att)
	return nil
}

func (m *Messenger) AnswerCallback(ctx context.Context, callbackID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Answered = append(m.Answered, callbackID)
	if text != "" {
		m.Notices[callbackID] = text
	}
	return nil
}

func (m *Messenger) DownloadFile(ctx context.Context, fileID string, maxBytes int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data := m.Files[fileID]
	if int64(len(data)) > maxBytes {
		return nil, transport.ErrFileTooLarge
	}
	return data, nil
}

// Text returns the current text of a message
func (m *Messenger) Text(messageID int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.texts[messageID]
}

// LastID returns the ID of the most recently sent message
func (m *Messenger) LastID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextID
}

// LastEdit returns the most recent successful edit
func (m *Messenger) LastEdit() (transport.Edit, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Edits) == 0 {
		return transport.Edit{}, false
	}
	return m.Edits[len(m.Edits)-1], true
}

// EditCount returns how many edits were applied
func (m *Messenger) EditCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Edits)
}
