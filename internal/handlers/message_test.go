package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tg-gpt-bot-go/internal/i18n"
	"github.com/tg-gpt-bot-go/internal/middleware"
	"github.com/tg-gpt-bot-go/internal/models"
	"github.com/tg-gpt-bot-go/internal/services/ai"
	"github.com/tg-gpt-bot-go/internal/services/storage"
	"github.com/tg-gpt-bot-go/internal/transport"
)

func privateText(text string) transport.Event {
	return transport.Event{UserID: testUser, ChatID: testChat, MessageID: 9, Text: text, Private: true, Lang: "en-US"}
}

func command(name, args string) transport.Event {
	ev := privateText("/" + name + " " + args)
	ev.IsCommand, ev.Command, ev.Args = true, name, args
	return ev
}

func press(data string, messageID int) transport.Event {
	return transport.Event{
		UserID:   testUser,
		ChatID:   testChat,
		Private:  true,
		Callback: &transport.Callback{ID: "cb-" + data, Data: data, MessageID: messageID},
	}
}

func TestHandle_PrivateTextStreamsReply(t *testing.T) {
	f := newFixture(t)
	f.completer.fragments = []string{"Hi!"}

	f.handler.Handle(f.ctx, privateText("hello"))

	require.Len(t, f.completer.requests, 1)
	assert.Equal(t, "hello", f.completer.requests[0].Prompt)
	assert.Equal(t, "Hi!", f.msgr.Text(f.msgr.LastID()))
	assert.Equal(t, 9, f.msgr.Sent[0].ReplyTo)
}

func TestHandle_GroupNeedsMentionOrReply(t *testing.T) {
	f := newFixture(t)
	f.completer.fragments = []string{"ok"}

	ev := privateText("just chatting")
	ev.Private = false
	f.handler.Handle(f.ctx, ev)
	assert.Empty(t, f.msgr.Sent)
	assert.Empty(t, f.completer.requests)

	ev.Text = "@gpt_bot what time is it"
	ev.MentionedBot = true
	f.handler.Handle(f.ctx, ev)
	require.Len(t, f.completer.requests, 1)
	assert.Equal(t, "what time is it", f.completer.requests[0].Prompt)

	reply := privateText("and now?")
	reply.Private = false
	reply.ReplyToBot = true
	f.handler.Handle(f.ctx, reply)
	require.Len(t, f.completer.requests, 2)
	assert.Equal(t, "and now?", f.completer.requests[1].Prompt)
}

func TestHandle_PromptValidation(t *testing.T) {
	f := newFixture(t)

	ev := privateText("@gpt_bot")
	ev.Private = false
	ev.MentionedBot = true
	f.handler.Handle(f.ctx, ev)
	assert.Equal(t, f.text(i18n.MsgEmptyPrompt, nil), f.msgr.Text(f.msgr.LastID()))

	f.handler.Handle(f.ctx, privateText(strings.Repeat("x", middleware.MaxPromptRunes+1)))
	assert.Equal(t, f.text(i18n.MsgInputTooLong, nil), f.msgr.Text(f.msgr.LastID()))
	assert.Empty(t, f.completer.requests)
}

func TestHandle_RateLimit(t *testing.T) {
	f := newFixture(t)
	f.completer.fragments = []string{"ok"}

	for i := 0; i < 6; i++ {
		f.handler.Handle(f.ctx, privateText("again"))
	}

	assert.Len(t, f.completer.requests, 5, "burst of five")
	assert.Equal(t, f.text(i18n.MsgRateLimitExceeded, nil), f.msgr.Text(f.msgr.LastID()))
}

func TestHandle_SettingsInputBypassesCoordinator(t *testing.T) {
	f := newFixture(t)

	f.handler.Handle(f.ctx, command("settings", ""))
	menu := f.msgr.LastID()
	require.NotEmpty(t, f.msgr.Sent[0].Keyboard)

	f.handler.Handle(f.ctx, press("st:text", menu))
	f.handler.Handle(f.ctx, press("st:tokens", menu))
	f.handler.Handle(f.ctx, privateText("700"))

	assert.Empty(t, f.completer.requests, "menu input is not a prompt")
	settings, err := f.manager.GetText(f.ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 700, settings.MaxTokens)
	assert.Contains(t, f.msgr.Answered, "cb-st:text")

	f.completer.fragments = []string{"ok"}
	f.handler.Handle(f.ctx, privateText("now a prompt"))
	assert.Len(t, f.completer.requests, 1)
}

func TestHandle_Cancel(t *testing.T) {
	f := newFixture(t)

	f.handler.Handle(f.ctx, command("cancel", ""))
	assert.Equal(t, f.text(i18n.MsgNothingToCancel, nil), f.msgr.Text(f.msgr.LastID()))

	f.handler.Handle(f.ctx, command("image_settings", ""))
	menu := f.msgr.LastID()
	f.handler.Handle(f.ctx, command("cancel", ""))
	assert.Equal(t, f.text(i18n.MsgDialogClosed, nil), f.msgr.Text(menu))
}

func TestHandle_StartHelpUnknown(t *testing.T) {
	f := newFixture(t)

	f.handler.Handle(f.ctx, command("start", ""))
	assert.Equal(t, f.text(i18n.MsgWelcome, nil), f.msgr.Text(f.msgr.LastID()))

	f.handler.Handle(f.ctx, command("help", ""))
	assert.Equal(t, f.text(i18n.MsgHelp, nil), f.msgr.Text(f.msgr.LastID()))

	f.handler.Handle(f.ctx, command("frobnicate", ""))
	assert.Equal(t, f.text(i18n.MsgUnknownCommand, nil), f.msgr.Text(f.msgr.LastID()))
}

func TestHandle_ImageCommand(t *testing.T) {
	f := newFixture(t)

	f.handler.Handle(f.ctx, command("image", ""))
	assert.Equal(t, f.text(i18n.MsgImageUsage, nil), f.msgr.Text(f.msgr.LastID()))

	f.handler.Handle(f.ctx, command("image", "a lighthouse at dusk"))
	assert.Equal(t, []string{"a lighthouse at dusk"}, f.images.prompts)
	assert.Len(t, f.msgr.Photos, 1)
}

func TestHandle_PhotoVariation(t *testing.T) {
	f := newFixture(t)
	f.msgr.Files["p1"] = pngBytes(t)

	ev := privateText("")
	ev.Attachment = &transport.InboundFile{Kind: transport.AttachmentPhoto, FileID: "p1"}
	f.handler.Handle(f.ctx, ev)

	assert.Len(t, f.images.variations, 1)
	assert.Len(t, f.msgr.Photos, 1)
}

func TestHandle_History(t *testing.T) {
	f := newFixture(t)

	f.handler.Handle(f.ctx, command("history", ""))
	assert.Equal(t, f.text(i18n.MsgHistoryEmpty, nil), f.msgr.Text(f.msgr.LastID()))

	require.NoError(t, f.manager.AppendExchange(f.ctx, testUser, "first question", strings.Repeat("long ", 40), models.CategoryGPT))
	f.handler.Handle(f.ctx, command("history", ""))
	view := f.msgr.LastID()
	text := f.msgr.Text(view)

	assert.True(t, strings.HasPrefix(text, f.text(i18n.MsgHistoryTitle, nil)))
	assert.Contains(t, text, "👤")
	assert.Contains(t, text, "first question")
	assert.Contains(t, text, "…", "long entries are clipped")
	assert.Less(t, strings.Index(text, "👤"), strings.Index(text, "🤖"), "oldest first")

	f.handler.Handle(f.ctx, press(cbHistoryClear, view))
	assert.Equal(t, f.text(i18n.MsgHistoryConfirmClear, nil), f.msgr.Text(view))

	f.handler.Handle(f.ctx, press(cbHistoryNo, view))
	assert.Equal(t, f.text(i18n.MsgHistoryKept, nil), f.msgr.Text(view))
	entries, err := f.manager.RecentHistory(f.ctx, testUser, 10, "")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	f.handler.Handle(f.ctx, press(cbHistoryYes, view))
	assert.Equal(t, f.text(i18n.MsgHistoryCleared, nil), f.msgr.Text(view))
	entries, err = f.manager.RecentHistory(f.ctx, testUser, 10, "")
	require.NoError(t, err)
	assert.Empty(t, entries)

	f.handler.Handle(f.ctx, press(cbHistoryClose, view))
	assert.Contains(t, f.msgr.Deleted, view)
	assert.Contains(t, f.msgr.Answered, "cb-"+cbHistoryClose)
}

func TestHandle_ExportImport(t *testing.T) {
	f := newFixture(t)
	tokens := 900
	_, err := f.manager.UpdateText(f.ctx, testUser, models.TextPatch{MaxTokens: &tokens})
	require.NoError(t, err)

	f.handler.Handle(f.ctx, command("export_settings", ""))
	require.Len(t, f.msgr.Documents, 1)
	doc := f.msgr.Documents[0]
	assert.Equal(t, "settings.json", doc.Name)
	var exported map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(doc.Data, &exported))
	assert.Contains(t, string(exported["text_settings"]), `"max_tokens": 900`)

	f.handler.Handle(f.ctx, command("import_settings", ""))
	assert.Equal(t, f.text(i18n.MsgImportUsage, nil), f.msgr.Text(f.msgr.LastID()))

	f.handler.Handle(f.ctx, command("import_settings", `{"text_settings": {"max_tokens": 10}}`))
	assert.Contains(t, f.msgr.Text(f.msgr.LastID()), "max_tokens")
	settings, err := f.manager.GetText(f.ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 900, settings.MaxTokens)

	f.msgr.Files["doc-1"] = []byte(`{"text_settings": {"max_tokens": 1500}}`)
	ev := command("import_settings", "")
	ev.Attachment = &transport.InboundFile{Kind: transport.AttachmentDocument, FileID: "doc-1", Name: "settings.json"}
	f.handler.Handle(f.ctx, ev)
	assert.Equal(t, f.text(i18n.MsgImportDone, nil), f.msgr.Text(f.msgr.LastID()))
	settings, err = f.manager.GetText(f.ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 1500, settings.MaxTokens)
}

func TestHandle_PhotoOverLimitSkipsDownload(t *testing.T) {
	f := newFixture(t)

	ev := privateText("")
	ev.Attachment = &transport.InboundFile{Kind: transport.AttachmentPhoto, FileID: "huge", Size: ai.MaxVariationBytes + 1}
	f.handler.Handle(f.ctx, ev)

	assert.Equal(t, f.text(i18n.MsgImageTooLarge, nil), f.msgr.Text(f.msgr.LastID()))
	assert.Empty(t, f.images.variations)
	assert.Empty(t, f.msgr.Photos)
}

func TestHandle_ForeignHistoryButtons(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.AppendExchange(f.ctx, testUser, "mine", "answer", models.CategoryGPT))

	f.handler.Handle(f.ctx, command("history", ""))
	view := f.msgr.LastID()
	kb := f.msgr.Sent[len(f.msgr.Sent)-1].Keyboard
	require.NotEmpty(t, kb)
	clearData := kb[0][0].Data
	assert.Equal(t, fmt.Sprintf("%s:%d", cbHistoryClear, testUser), clearData)

	other := press(fmt.Sprintf("%s:%d", cbHistoryYes, testUser), view)
	other.UserID = testUser + 1
	other.Private = false
	f.handler.Handle(f.ctx, other)

	assert.Equal(t, f.text(i18n.MsgNotYourMenu, nil), f.msgr.Notices[other.Callback.ID])
	entries, err := f.manager.RecentHistory(f.ctx, testUser, 10, "")
	require.NoError(t, err)
	assert.Len(t, entries, 2, "another user cannot clear this history")
	assert.NotEqual(t, f.text(i18n.MsgHistoryCleared, nil), f.msgr.Text(view))

	f.handler.Handle(f.ctx, press(clearData, view))
	assert.Equal(t, f.text(i18n.MsgHistoryConfirmClear, nil), f.msgr.Text(view))
}

func TestHandle_FailuresAreReported(t *testing.T) {
	f := newFixture(t)
	sqlDB, err := f.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	f.handler.Handle(f.ctx, command("settings", ""))
	require.Len(t, f.msgr.Sent, 1)
	assert.Equal(t, f.text(i18n.MsgErrorPersistence, nil), f.msgr.Sent[0].Text)
	assert.Equal(t, testChat, f.msgr.Sent[0].ChatID)

	f.handler.Handle(f.ctx, press("im:hdr", 77))
	require.Len(t, f.msgr.Sent, 2)
	assert.Equal(t, f.text(i18n.MsgErrorPersistence, nil), f.msgr.Sent[1].Text)
	assert.Contains(t, f.msgr.Answered, "cb-im:hdr", "the button spinner is cleared")
}

func TestFailureMessage(t *testing.T) {
	assert.Equal(t, i18n.MsgErrorPersistence, failureMessage(fmt.Errorf("%w: db closed", storage.ErrPersistence)))
	assert.Equal(t, i18n.MsgError, failureMessage(errors.New("boom")))
}
