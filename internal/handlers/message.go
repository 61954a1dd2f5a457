package handlers

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/tg-gpt-bot-go/internal/dialog"
	"github.com/tg-gpt-bot-go/internal/i18n"
	"github.com/tg-gpt-bot-go/internal/middleware"
	"github.com/tg-gpt-bot-go/internal/services/ai"
	"github.com/tg-gpt-bot-go/internal/services/storage"
	"github.com/tg-gpt-bot-go/internal/transport"
	"github.com/tg-gpt-bot-go/pkg/logger"
)

// Dialogs drives the settings menus; *dialog.Engine satisfies it
type Dialogs interface {
	Open(ctx context.Context, dc dialog.Context, flow dialog.Flow) error
	HandleButton(ctx context.Context, dc dialog.Context) (bool, error)
	HandleText(ctx context.Context, dc dialog.Context) (bool, error)
	Cancel(ctx context.Context, dc dialog.Context) (bool, error)
}

// Translator localizes messages and maps client language codes
type Translator interface {
	Localizer
	Resolve(code string) string
}

// UpdateRecorder receives inbound traffic metrics; *middleware.Metrics satisfies it
type UpdateRecorder interface {
	RecordUpdate(kind string)
	RecordCommandExecuted(command string)
	RecordRateLimitExceeded()
}

// MessageOptions configure a MessageHandler
type MessageOptions struct {
	// BotName is the bot's username, stripped from group prompts
	BotName      string
	HistoryLimit int
	Recorder     UpdateRecorder
}

// MessageHandler routes inbound events to the dialog engine, commands and the coordinator
type MessageHandler struct {
	store       Store
	dialogs     Dialogs
	coordinator *Coordinator
	messenger   transport.Messenger
	rateLimiter middleware.RateLimiter
	loc         Translator
	logger      *logrus.Logger
	opts        MessageOptions
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(
	store Store,
	dialogs Dialogs,
	coordinator *Coordinator,
	messenger transport.Messenger,
	rateLimiter middleware.RateLimiter,
	loc Translator,
	logger *logrus.Logger,
	opts MessageOptions,
) *MessageHandler {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 10
	}
	return &MessageHandler{
		store:       store,
		dialogs:     dialogs,
		coordinator: coordinator,
		messenger:   messenger,
		rateLimiter: rateLimiter,
		loc:         loc,
		logger:      logger,
		opts:        opts,
	}
}

// Handle processes one inbound event. Errors are logged and reported to the
// chat as a localized failure, never returned, so a failing update cannot
// stall the dispatcher.
func (h *MessageHandler) Handle(ctx context.Context, ev transport.Event) {
	lang := h.loc.Resolve(ev.Lang)

	var kind string
	var err error
	switch {
	case ev.Callback != nil:
		kind = "callback"
		err = h.handleCallback(ctx, ev, lang)
	case ev.IsCommand:
		kind = "command"
		err = h.HandleCommand(ctx, ev, lang)
	case ev.Attachment != nil && ev.Attachment.Kind == transport.AttachmentPhoto:
		kind = "photo"
		err = h.handlePhoto(ctx, ev, lang)
	case ev.Attachment != nil:
		kind = "document"
	default:
		kind = "message"
		err = h.handleText(ctx, ev, lang)
	}

	if h.opts.Recorder != nil {
		h.opts.Recorder.RecordUpdate(kind)
	}
	if err != nil {
		logger.WithContext(h.logger, ev.ChatID, ev.UserID).WithError(err).WithFields(logrus.Fields{
			"update_id": ev.UpdateID,
			"kind":      kind,
		}).Error("Failed to handle update")
		h.notifyFailure(ctx, ev, lang, err)
	}
}

// notifyFailure tells the user an update could not be served. Callback
// queries are answered by the handlers themselves, so only a message is sent.
func (h *MessageHandler) notifyFailure(ctx context.Context, ev transport.Event, lang string, err error) {
	if ctx.Err() != nil {
		return
	}
	if _, serr := h.messenger.SendMessage(ctx, transport.Outgoing{
		ChatID:  ev.ChatID,
		Text:    h.loc.Get(lang, failureMessage(err), nil),
		ReplyTo: ev.MessageID,
	}); serr != nil {
		h.logger.WithError(serr).WithField("chat_id", ev.ChatID).Warn("Failed to report failure")
	}
}

func failureMessage(err error) string {
	if errors.Is(err, storage.ErrPersistence) {
		return i18n.MsgErrorPersistence
	}
	return i18n.MsgError
}

func (h *MessageHandler) handleCallback(ctx context.Context, ev transport.Event, lang string) error {
	handled, err := h.dialogs.HandleButton(ctx, dialogContext(ev, dialog.TriggerButton, lang))
	if handled || err != nil {
		return err
	}
	if handled, err := h.handleHistoryCallback(ctx, ev, lang); handled || err != nil {
		return err
	}

	h.logger.WithField("data", ev.Callback.Data).Debug("Ignoring unknown callback")
	return h.messenger.AnswerCallback(ctx, ev.Callback.ID, "")
}

func (h *MessageHandler) handleText(ctx context.Context, ev transport.Event, lang string) error {
	// An open input screen consumes the text, even in groups
	handled, err := h.dialogs.HandleText(ctx, dialogContext(ev, dialog.TriggerTextInput, lang))
	if handled || err != nil {
		return err
	}

	if !h.addressed(ev) {
		return nil
	}

	prompt, ok, err := h.admit(ctx, ev, lang, h.promptText(ev))
	if !ok || err != nil {
		return err
	}
	return h.coordinator.Respond(ctx, Request{
		UserID:  ev.UserID,
		ChatID:  ev.ChatID,
		ReplyTo: ev.MessageID,
		Prompt:  prompt,
		Lang:    lang,
	})
}

func (h *MessageHandler) handlePhoto(ctx context.Context, ev transport.Event, lang string) error {
	if !h.addressed(ev) {
		return nil
	}
	// Telegram reports the size up front; skip downloads the variation endpoint would refuse
	if ev.Attachment.Size > ai.MaxVariationBytes {
		return h.reply(ctx, ev, lang, i18n.MsgImageTooLarge, nil)
	}
	if !h.allow(ctx, ev, lang) {
		return nil
	}
	return h.coordinator.Vary(ctx, Request{
		UserID:  ev.UserID,
		ChatID:  ev.ChatID,
		ReplyTo: ev.MessageID,
		Lang:    lang,
	}, ev.Attachment.FileID)
}

// addressed reports whether the bot should answer: always in private chats,
// in groups only when mentioned or replied to
func (h *MessageHandler) addressed(ev transport.Event) bool {
	return ev.Private || ev.MentionedBot || ev.ReplyToBot
}

func (h *MessageHandler) promptText(ev transport.Event) string {
	if ev.Private {
		return transport.StripMention(ev.Text, "")
	}
	return transport.StripMention(ev.Text, h.opts.BotName)
}

// admit validates a prompt and applies the rate limit. ok is false when the
// user has already been told why the prompt was refused.
func (h *MessageHandler) admit(ctx context.Context, ev transport.Event, lang, prompt string) (string, bool, error) {
	if err := middleware.ValidatePrompt(prompt); err != nil {
		id := i18n.MsgEmptyPrompt
		if errors.Is(err, middleware.ErrPromptTooLong) {
			id = i18n.MsgInputTooLong
		}
		return "", false, h.reply(ctx, ev, lang, id, nil)
	}
	if !h.allow(ctx, ev, lang) {
		return "", false, nil
	}
	return prompt, true, nil
}

func (h *MessageHandler) allow(ctx context.Context, ev transport.Event, lang string) bool {
	if h.rateLimiter.Allow(ev.UserID) {
		return true
	}
	if h.opts.Recorder != nil {
		h.opts.Recorder.RecordRateLimitExceeded()
	}
	if err := h.reply(ctx, ev, lang, i18n.MsgRateLimitExceeded, nil); err != nil {
		h.logger.WithError(err).Warn("Failed to send rate limit notice")
	}
	return false
}

func (h *MessageHandler) reply(ctx context.Context, ev transport.Event, lang, id string, data map[string]interface{}) error {
	_, err := h.messenger.SendMessage(ctx, transport.Outgoing{
		ChatID:  ev.ChatID,
		Text:    h.loc.Get(lang, id, data),
		ReplyTo: ev.MessageID,
	})
	return err
}

func dialogContext(ev transport.Event, trigger dialog.Trigger, lang string) dialog.Context {
	dc := dialog.Context{
		UserID:    ev.UserID,
		ChatID:    ev.ChatID,
		MessageID: ev.MessageID,
		Trigger:   trigger,
		Data:      ev.Text,
		Lang:      lang,
	}
	if ev.Callback != nil {
		dc.MessageID = ev.Callback.MessageID
		dc.CallbackID = ev.Callback.ID
		dc.Data = ev.Callback.Data
	}
	return dc
}
