package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
	"github.com/tg-gpt-bot-go/pkg/markdown"
)

const (
	maxMessageRunes = 4096
	maxCaptionRunes = 1024
)

// Telegram implements Messenger over the Bot API
type Telegram struct {
	bot    *tgbotapi.BotAPI
	client *http.Client
	logger *logrus.Logger
}

// NewTelegram wraps an authorized bot
func NewTelegram(bot *tgbotapi.BotAPI, logger *logrus.Logger) *Telegram {
	return &Telegram{
		bot:    bot,
		client: &http.Client{},
		logger: logger,
	}
}

// Self returns the bot's own account
func (t *Telegram) Self() tgbotapi.User {
	return t.bot.Self
}

// SendMessage sends a new message and returns its ID
func (t *Telegram) SendMessage(ctx context.Context, out Outgoing) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	msg := tgbotapi.NewMessage(out.ChatID, Clip(out.Text, maxMessageRunes))
	msg.ReplyToMessageID = out.ReplyTo
	if out.Keyboard != nil {
		msg.ReplyMarkup = toMarkup(out.Keyboard)
	}

	if out.Markdown {
		rich := msg
		rich.Text = Clip(markdown.ToTelegramHTML(out.Text), maxMessageRunes)
		rich.ParseMode = tgbotapi.ModeHTML
		sent, err := t.bot.Send(rich)
		if err == nil {
			return sent.MessageID, nil
		}
		t.logger.WithError(err).Debug("HTML send rejected, falling back to plain text")
	}

	sent, err := t.bot.Send(msg)
	if err != nil {
		return 0, classify(err)
	}
	return sent.MessageID, nil
}

// EditMessage replaces a message's text and keyboard. A nil keyboard removes it.
func (t *Telegram) EditMessage(ctx context.Context, edit Edit) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	build := func(text, parseMode string) tgbotapi.EditMessageTextConfig {
		var cfg tgbotapi.EditMessageTextConfig
		if edit.Keyboard != nil {
			cfg = tgbotapi.NewEditMessageTextAndMarkup(edit.ChatID, edit.MessageID, text, toMarkup(edit.Keyboard))
		} else {
			cfg = tgbotapi.NewEditMessageText(edit.ChatID, edit.MessageID, text)
		}
		cfg.ParseMode = parseMode
		return cfg
	}

	if edit.Markdown {
		_, err := t.bot.Send(build(Clip(markdown.ToTelegramHTML(edit.Text), maxMessageRunes), tgbotapi.ModeHTML))
		if err == nil {
			return nil
		}
		if cerr := classify(err); IsBenign(cerr) || errors.Is(cerr, ErrMessageNotFound) {
			return cerr
		}
		t.logger.WithError(err).Debug("HTML edit rejected, falling back to plain text")
	}

	if _, err := t.bot.Send(build(Clip(edit.Text, maxMessageRunes), "")); err != nil {
		return classify(err)
	}
	return nil
}

// DeleteMessage removes a message
func (t *Telegram) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		return classify(err)
	}
	return nil
}

// SendPhoto uploads an image with a caption
func (t *Telegram) SendPhoto(ctx context.Context, att Attachment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	photo := tgbotapi.NewPhoto(att.ChatID, tgbotapi.FileBytes{Name: att.Name, Bytes: att.Data})
	photo.Caption = Clip(att.Caption, maxCaptionRunes)
	photo.ReplyToMessageID = att.ReplyTo
	if _, err := t.bot.Send(photo); err != nil {
		return classify(err)
	}
	return nil
}

// SendDocument uploads a file with a caption
func (t *Telegram) SendDocument(ctx context.Context, att Attachment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc := tgbotapi.NewDocument(att.ChatID, tgbotapi.FileBytes{Name: att.Name, Bytes: att.Data})
	doc.Caption = Clip(att.Caption, maxCaptionRunes)
	doc.ReplyToMessageID = att.ReplyTo
	if _, err := t.bot.Send(doc); err != nil {
		return classify(err)
	}
	return nil
}

// AnswerCallback stops the button's loading indicator
func (t *Telegram) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if _, err := t.bot.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		return classify(err)
	}
	return nil
}

// DownloadFile fetches a file the user sent, refusing anything above maxBytes
func (t *Telegram) DownloadFile(ctx context.Context, fileID string, maxBytes int64) ([]byte, error) {
	url, err := t.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("file download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, ErrFileTooLarge
	}
	return data, nil
}

// Dispatch converts updates to events and hands each one to handler on its
// own goroutine. It returns when updates is closed or ctx is done, after all
// handlers have finished.
func (t *Telegram) Dispatch(ctx context.Context, updates tgbotapi.UpdatesChannel, handler func(context.Context, Event)) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			ev, ok := EventFromUpdate(update, t.bot.Self)
			if !ok {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						t.logger.WithFields(logrus.Fields{
							"panic":   r,
							"user_id": ev.UserID,
							"chat_id": ev.ChatID,
							"stack":   string(debug.Stack()),
						}).Error("Recovered from panic in update handler")
					}
				}()
				handler(ctx, ev)
			}()
		}
	}
}

func toMarkup(kb Keyboard) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(kb))
	for _, row := range kb {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		rows = append(rows, buttons)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// classify maps Bot API errors onto the transport's sentinel errors
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "message is not modified"):
		return fmt.Errorf("%w: %v", ErrMessageNotModified, err)
	case strings.Contains(msg, "message to edit not found"),
		strings.Contains(msg, "message to delete not found"),
		strings.Contains(msg, "message can't be deleted"):
		return fmt.Errorf("%w: %v", ErrMessageNotFound, err)
	default:
		return err
	}
}

// Clip shortens s to at most n runes
func Clip(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
