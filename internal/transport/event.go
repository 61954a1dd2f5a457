package transport

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// AttachmentKind distinguishes inbound files
type AttachmentKind string

const (
	AttachmentPhoto    AttachmentKind = "photo"
	AttachmentDocument AttachmentKind = "document"
)

// InboundFile references a file the user sent
type InboundFile struct {
	Kind     AttachmentKind
	FileID   string
	Size     int
	Name     string
	MimeType string
}

// Callback carries an inline button press
type Callback struct {
	ID        string
	Data      string
	MessageID int
}

// Event is a transport-neutral inbound update
type Event struct {
	UpdateID           int
	UserID             int64
	ChatID             int64
	MessageID          int
	Text               string
	IsCommand          bool
	Command            string
	Args               string
	Attachment         *InboundFile
	RepliedToMessageID int
	ReplyToBot         bool
	MentionedBot       bool
	Private            bool
	Lang               string
	Callback           *Callback
}

// EventFromUpdate converts a Telegram update. ok is false for updates the bot ignores.
func EventFromUpdate(update tgbotapi.Update, self tgbotapi.User) (Event, bool) {
	if cq := update.CallbackQuery; cq != nil {
		if cq.From == nil || cq.Message == nil || cq.Message.Chat == nil {
			return Event{}, false
		}
		return Event{
			UpdateID:  update.UpdateID,
			UserID:    cq.From.ID,
			ChatID:    cq.Message.Chat.ID,
			MessageID: cq.Message.MessageID,
			Private:   cq.Message.Chat.IsPrivate(),
			Lang:      cq.From.LanguageCode,
			Callback: &Callback{
				ID:        cq.ID,
				Data:      cq.Data,
				MessageID: cq.Message.MessageID,
			},
		}, true
	}

	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil || msg.From.ID == self.ID {
		return Event{}, false
	}

	ev := Event{
		UpdateID:  update.UpdateID,
		UserID:    msg.From.ID,
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Text:      msg.Text,
		Private:   msg.Chat.IsPrivate(),
		Lang:      msg.From.LanguageCode,
	}

	if msg.IsCommand() {
		ev.IsCommand = true
		ev.Command = msg.Command()
		ev.Args = strings.TrimSpace(msg.CommandArguments())
	}

	if len(msg.Photo) > 0 {
		largest := msg.Photo[len(msg.Photo)-1]
		ev.Attachment = &InboundFile{Kind: AttachmentPhoto, FileID: largest.FileID, Size: largest.FileSize}
		ev.Text = msg.Caption
	} else if msg.Document != nil {
		ev.Attachment = &InboundFile{
			Kind:     AttachmentDocument,
			FileID:   msg.Document.FileID,
			Size:     msg.Document.FileSize,
			Name:     msg.Document.FileName,
			MimeType: msg.Document.MimeType,
		}
		ev.Text = msg.Caption
		if cmd, args, ok := captionCommand(msg.Caption, self.UserName); ok {
			ev.IsCommand, ev.Command, ev.Args = true, cmd, args
		}
	}

	if reply := msg.ReplyToMessage; reply != nil {
		ev.RepliedToMessageID = reply.MessageID
		ev.ReplyToBot = reply.From != nil && reply.From.ID == self.ID
	}

	if self.UserName != "" {
		mention := "@" + strings.ToLower(self.UserName)
		if strings.Contains(strings.ToLower(ev.Text), mention) {
			ev.MentionedBot = true
		}
	}

	return ev, true
}

// captionCommand parses "/cmd[@bot] args" out of a document caption
func captionCommand(caption, botName string) (string, string, bool) {
	caption = strings.TrimSpace(caption)
	if !strings.HasPrefix(caption, "/") {
		return "", "", false
	}
	head, args, _ := strings.Cut(caption[1:], " ")
	cmd, at, found := strings.Cut(head, "@")
	if found && !strings.EqualFold(at, botName) {
		return "", "", false
	}
	return cmd, strings.TrimSpace(args), cmd != ""
}

// StripMention removes @botName from text
func StripMention(text, botName string) string {
	if botName == "" {
		return strings.TrimSpace(text)
	}
	mention := "@" + botName
	idx := strings.Index(strings.ToLower(text), strings.ToLower(mention))
	if idx < 0 {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(text[:idx] + text[idx+len(mention):])
}
