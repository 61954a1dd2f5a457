package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tg-gpt-bot-go/internal/dialog"
	"github.com/tg-gpt-bot-go/internal/i18n"
	"github.com/tg-gpt-bot-go/internal/models"
	"github.com/tg-gpt-bot-go/internal/services/storage"
	"github.com/tg-gpt-bot-go/internal/transport"
)

// Callback actions of the history view. Buttons carry the owner's user ID
// as a trailing segment, e.g. "hist:yes:42".
const (
	cbHistoryClear = "hist:clear"
	cbHistoryYes   = "hist:yes"
	cbHistoryNo    = "hist:no"
	cbHistoryClose = "hist:close"
)

const (
	historyTimeLayout = "02.01.2006 15:04"
	historyTextRunes  = 100
	maxImportBytes    = 64 << 10
)

// HandleCommand processes telegram commands
func (h *MessageHandler) HandleCommand(ctx context.Context, ev transport.Event, lang string) error {
	if h.opts.Recorder != nil {
		h.opts.Recorder.RecordCommandExecuted(ev.Command)
	}

	switch ev.Command {
	case "start":
		return h.reply(ctx, ev, lang, i18n.MsgWelcome, nil)
	case "help":
		return h.reply(ctx, ev, lang, i18n.MsgHelp, nil)
	case "settings":
		return h.dialogs.Open(ctx, dialogContext(ev, dialog.TriggerCommand, lang), dialog.FlowText)
	case "image_settings":
		return h.dialogs.Open(ctx, dialogContext(ev, dialog.TriggerCommand, lang), dialog.FlowImage)
	case "cancel":
		return h.handleCancel(ctx, ev, lang)
	case "image":
		return h.handleImage(ctx, ev, lang)
	case "history":
		return h.handleHistory(ctx, ev, lang)
	case "clear_history":
		return h.sendClearConfirmation(ctx, ev, lang)
	case "export_settings":
		return h.handleExport(ctx, ev, lang)
	case "import_settings":
		return h.handleImport(ctx, ev, lang)
	default:
		return h.reply(ctx, ev, lang, i18n.MsgUnknownCommand, nil)
	}
}

func (h *MessageHandler) handleCancel(ctx context.Context, ev transport.Event, lang string) error {
	had, err := h.dialogs.Cancel(ctx, dialogContext(ev, dialog.TriggerCommand, lang))
	if err != nil {
		return err
	}
	if !had {
		return h.reply(ctx, ev, lang, i18n.MsgNothingToCancel, nil)
	}
	return nil
}

func (h *MessageHandler) handleImage(ctx context.Context, ev transport.Event, lang string) error {
	if strings.TrimSpace(ev.Args) == "" {
		return h.reply(ctx, ev, lang, i18n.MsgImageUsage, nil)
	}
	prompt, ok, err := h.admit(ctx, ev, lang, ev.Args)
	if !ok || err != nil {
		return err
	}
	return h.coordinator.GenerateImage(ctx, Request{
		UserID:  ev.UserID,
		ChatID:  ev.ChatID,
		ReplyTo: ev.MessageID,
		Prompt:  prompt,
		Lang:    lang,
	})
}

func (h *MessageHandler) handleHistory(ctx context.Context, ev transport.Event, lang string) error {
	entries, err := h.store.RecentHistory(ctx, ev.UserID, h.opts.HistoryLimit, "")
	if err != nil {
		h.logger.WithError(err).WithField("user_id", ev.UserID).Error("Failed to load history")
		return h.reply(ctx, ev, lang, i18n.MsgErrorPersistence, nil)
	}
	if len(entries) == 0 {
		return h.reply(ctx, ev, lang, i18n.MsgHistoryEmpty, nil)
	}

	_, err = h.messenger.SendMessage(ctx, transport.Outgoing{
		ChatID: ev.ChatID,
		Text:   formatHistory(h.loc.Get(lang, i18n.MsgHistoryTitle, nil), entries),
		Keyboard: transport.Keyboard{
			transport.Row(transport.Button{Text: h.loc.Get(lang, i18n.MsgBtnClearHistory, nil), Data: historyData(cbHistoryClear, ev.UserID)}),
			transport.Row(transport.Button{Text: h.loc.Get(lang, i18n.MsgBtnClose, nil), Data: historyData(cbHistoryClose, ev.UserID)}),
		},
	})
	return err
}

// formatHistory lists entries oldest first; entries arrive newest first
func formatHistory(title string, entries []models.HistoryEntry) string {
	var b strings.Builder
	b.WriteString(title)
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		icon := "👤"
		if e.Role == models.RoleAssistant {
			icon = "🤖"
		}
		fmt.Fprintf(&b, "\n\n%s %s\n%s", icon, e.Timestamp.Format(historyTimeLayout), transport.Clip(e.Text, historyTextRunes))
	}
	return b.String()
}

func (h *MessageHandler) sendClearConfirmation(ctx context.Context, ev transport.Event, lang string) error {
	_, err := h.messenger.SendMessage(ctx, transport.Outgoing{
		ChatID:   ev.ChatID,
		Text:     h.loc.Get(lang, i18n.MsgHistoryConfirmClear, nil),
		Keyboard: h.confirmKeyboard(lang, ev.UserID),
	})
	return err
}

func (h *MessageHandler) confirmKeyboard(lang string, owner int64) transport.Keyboard {
	return transport.Keyboard{transport.Row(
		transport.Button{Text: h.loc.Get(lang, i18n.MsgBtnYes, nil), Data: historyData(cbHistoryYes, owner)},
		transport.Button{Text: h.loc.Get(lang, i18n.MsgBtnNo, nil), Data: historyData(cbHistoryNo, owner)},
	)}
}

func historyData(action string, owner int64) string {
	return action + ":" + strconv.FormatInt(owner, 10)
}

// parseHistoryData splits "hist:<action>[:<owner>]". owner is 0 when untagged.
func parseHistoryData(data string) (action string, owner int64, ok bool) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) < 2 {
		return "", 0, false
	}
	action = parts[0] + ":" + parts[1]
	switch action {
	case cbHistoryClear, cbHistoryYes, cbHistoryNo, cbHistoryClose:
	default:
		return "", 0, false
	}
	if len(parts) == 3 {
		id, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return "", 0, false
		}
		owner = id
	}
	return action, owner, true
}

// handleHistoryCallback serves the buttons of the history view. Only the
// user whose history is shown may press them.
func (h *MessageHandler) handleHistoryCallback(ctx context.Context, ev transport.Event, lang string) (bool, error) {
	cb := ev.Callback
	action, owner, ok := parseHistoryData(cb.Data)
	if !ok {
		return false, nil
	}
	if owner != 0 && owner != ev.UserID {
		return true, h.messenger.AnswerCallback(ctx, cb.ID, h.loc.Get(lang, i18n.MsgNotYourMenu, nil))
	}
	defer func() {
		if err := h.messenger.AnswerCallback(ctx, cb.ID, ""); err != nil {
			h.logger.WithError(err).Debug("Failed to answer callback")
		}
	}()

	edit := func(id string, kb transport.Keyboard) error {
		err := h.messenger.EditMessage(ctx, transport.Edit{
			ChatID:    ev.ChatID,
			MessageID: cb.MessageID,
			Text:      h.loc.Get(lang, id, nil),
			Keyboard:  kb,
		})
		if transport.IsBenign(err) {
			return nil
		}
		return err
	}

	switch action {
	case cbHistoryClear:
		return true, edit(i18n.MsgHistoryConfirmClear, h.confirmKeyboard(lang, ev.UserID))
	case cbHistoryYes:
		removed, err := h.store.ClearHistory(ctx, ev.UserID)
		if err != nil {
			h.logger.WithError(err).WithField("user_id", ev.UserID).Error("Failed to clear history")
			return true, edit(i18n.MsgErrorPersistence, nil)
		}
		h.logger.WithFields(logrus.Fields{"user_id": ev.UserID, "removed": removed}).Info("History cleared")
		return true, edit(i18n.MsgHistoryCleared, nil)
	case cbHistoryNo:
		return true, edit(i18n.MsgHistoryKept, nil)
	default:
		err := h.messenger.DeleteMessage(ctx, ev.ChatID, cb.MessageID)
		if errors.Is(err, transport.ErrMessageNotFound) {
			return true, nil
		}
		return true, err
	}
}

func (h *MessageHandler) handleExport(ctx context.Context, ev transport.Event, lang string) error {
	data, err := h.store.ExportSettings(ctx, ev.UserID)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", ev.UserID).Error("Failed to export settings")
		return h.reply(ctx, ev, lang, i18n.MsgErrorPersistence, nil)
	}
	return h.messenger.SendDocument(ctx, transport.Attachment{
		ChatID:  ev.ChatID,
		Name:    "settings.json",
		Data:    data,
		Caption: h.loc.Get(lang, i18n.MsgExportCaption, nil),
		ReplyTo: ev.MessageID,
	})
}

// handleImport accepts the JSON document inline or as an attached file
func (h *MessageHandler) handleImport(ctx context.Context, ev transport.Event, lang string) error {
	var payload []byte
	switch {
	case ev.Attachment != nil && ev.Attachment.Kind == transport.AttachmentDocument:
		doc := ev.Attachment
		h.logger.WithFields(logrus.Fields{
			"user_id":   ev.UserID,
			"file_name": doc.Name,
			"mime_type": doc.MimeType,
			"size":      doc.Size,
		}).Debug("Importing settings from document")
		if doc.Size > maxImportBytes {
			return h.reply(ctx, ev, lang, i18n.MsgImportInvalid, map[string]interface{}{"Reason": "file is too large"})
		}
		data, err := h.messenger.DownloadFile(ctx, doc.FileID, maxImportBytes)
		if errors.Is(err, transport.ErrFileTooLarge) {
			return h.reply(ctx, ev, lang, i18n.MsgImportInvalid, map[string]interface{}{"Reason": "file is too large"})
		}
		if err != nil {
			return err
		}
		payload = data
	case strings.TrimSpace(ev.Args) != "":
		payload = []byte(ev.Args)
	default:
		return h.reply(ctx, ev, lang, i18n.MsgImportUsage, nil)
	}

	err := h.store.ImportSettings(ctx, ev.UserID, payload)
	var verr *models.ValidationError
	switch {
	case err == nil:
		h.logger.WithField("user_id", ev.UserID).Info("Settings imported")
		return h.reply(ctx, ev, lang, i18n.MsgImportDone, nil)
	case errors.As(err, &verr):
		return h.reply(ctx, ev, lang, i18n.MsgImportInvalid, map[string]interface{}{"Reason": verr.Error()})
	case errors.Is(err, storage.ErrPersistence):
		h.logger.WithError(err).WithField("user_id", ev.UserID).Error("Failed to import settings")
		return h.reply(ctx, ev, lang, i18n.MsgErrorPersistence, nil)
	default:
		return err
	}
}
