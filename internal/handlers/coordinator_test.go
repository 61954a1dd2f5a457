package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tg-gpt-bot-go/internal/config"
	"github.com/tg-gpt-bot-go/internal/dialog"
	"github.com/tg-gpt-bot-go/internal/i18n"
	"github.com/tg-gpt-bot-go/internal/middleware"
	"github.com/tg-gpt-bot-go/internal/models"
	"github.com/tg-gpt-bot-go/internal/services/ai"
	"github.com/tg-gpt-bot-go/internal/services/cache"
	"github.com/tg-gpt-bot-go/internal/services/storage"
	"github.com/tg-gpt-bot-go/internal/transport/transporttest"
	"github.com/tg-gpt-bot-go/pkg/logger"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	testUser = int64(11)
	testChat = int64(110)
)

type fakeCompleter struct {
	fragments []string
	err       error
	requests  []ai.CompletionRequest
}

func (f *fakeCompleter) Stream(ctx context.Context, req ai.CompletionRequest) (ai.FragmentStream, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return ai.NewSliceStream(f.fragments), nil
}

type fakeImages struct {
	url        string
	err        error
	prompts    []string
	variations [][]byte
}

func (f *fakeImages) Generate(ctx context.Context, settings *models.ImageSettings, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.url, f.err
}

func (f *fakeImages) Variation(ctx context.Context, settings *models.ImageSettings, pngData []byte) (string, error) {
	f.variations = append(f.variations, pngData)
	return f.url, f.err
}

func (f *fakeImages) Fetch(ctx context.Context, url string) ([]byte, error) {
	return []byte("image:" + url), nil
}

type recorder struct {
	renders     map[string]int
	generations []string
}

func (r *recorder) RecordGeneration(mode, status string, duration time.Duration) {
	r.generations = append(r.generations, mode+":"+status)
}

func (r *recorder) RecordRender(mode string) {
	if r.renders == nil {
		r.renders = make(map[string]int)
	}
	r.renders[mode]++
}

type fixture struct {
	t         *testing.T
	ctx       context.Context
	db        *gorm.DB
	manager   *storage.Manager
	msgr      *transporttest.Messenger
	loc       *i18n.Localizer
	completer *fakeCompleter
	images    *fakeImages
	rec       *recorder
	coord     *Coordinator
	handler   *MessageHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "handlers.db"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	require.NoError(t, storage.AutoMigrate(db))

	log := logger.Discard()
	loc, err := i18n.NewLocalizer(&config.I18nConfig{DefaultLanguage: "en", Languages: []string{"en", "ru"}})
	require.NoError(t, err)

	f := &fixture{
		t:         t,
		ctx:       context.Background(),
		db:        db,
		manager:   storage.NewManager(db, "", cache.NewSettingsCache(&config.CacheConfig{}, log), nil, log),
		msgr:      transporttest.NewMessenger(),
		loc:       loc,
		completer: &fakeCompleter{},
		images:    &fakeImages{url: "https://images.example.com/1.png"},
		rec:       &recorder{},
	}
	f.coord = NewCoordinator(f.manager, f.completer, ai.NewAssistantClient(2*time.Second, log), f.images, f.msgr, loc, log, CoordinatorOptions{
		AssistantTimeout: 2 * time.Second,
		Recorder:         f.rec,
	})
	engine := dialog.NewEngine(dialog.NewMemoryStore(), f.manager, f.msgr, loc, log, dialog.Options{})
	limiter := middleware.NewRateLimiter(&config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 5}, log)
	f.handler = NewMessageHandler(f.manager, engine, f.coord, f.msgr, limiter, loc, log, MessageOptions{BotName: "gpt_bot"})
	return f
}

func (f *fixture) text(id string, data map[string]interface{}) string {
	return f.loc.Get("en", id, data)
}

func (f *fixture) request(prompt string) Request {
	return Request{UserID: testUser, ChatID: testChat, ReplyTo: 5, Prompt: prompt, Lang: "en"}
}

func (f *fixture) useAssistant(url string) {
	f.t.Helper()
	on := true
	_, err := f.manager.UpdateText(f.ctx, testUser, models.TextPatch{UseAssistant: &on, AssistantURL: &url})
	require.NoError(f.t, err)
}

func words(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("w%d ", i)
	}
	return out
}

func TestRespond_RenderCadence(t *testing.T) {
	f := newFixture(t)
	f.completer.fragments = words(45)

	require.NoError(t, f.coord.Respond(f.ctx, f.request("count")))

	placeholder := f.msgr.LastID()
	require.Len(t, f.msgr.Sent, 1)
	assert.Equal(t, f.text(i18n.MsgProcessing, nil), f.msgr.Sent[0].Text)

	require.Len(t, f.msgr.Edits, 3, "renders after 20 and 40 fragments plus the final one")
	assert.Equal(t, strings.Join(words(20), ""), f.msgr.Edits[0].Text)
	assert.Equal(t, strings.Join(words(40), ""), f.msgr.Edits[1].Text)
	assert.Equal(t, strings.Join(words(45), ""), f.msgr.Edits[2].Text)
	assert.Equal(t, 0, f.msgr.Rejected, "unchanged text is never resubmitted")
	for _, e := range f.msgr.Edits {
		assert.Equal(t, placeholder, e.MessageID)
		assert.True(t, e.Markdown)
	}
	assert.Equal(t, 3, f.rec.renders[ModeGPT])
	assert.Equal(t, []string{"gpt:success"}, f.rec.generations)
}

func TestRespond_SentenceEndForcesRender(t *testing.T) {
	f := newFixture(t)
	f.completer.fragments = []string{"Hello", " there.", " How", " are", " you?", " Fine"}

	require.NoError(t, f.coord.Respond(f.ctx, f.request("hi")))

	require.Len(t, f.msgr.Edits, 3)
	assert.Equal(t, "Hello there.", f.msgr.Edits[0].Text)
	assert.Equal(t, "Hello there. How are you?", f.msgr.Edits[1].Text)
	assert.Equal(t, "Hello there. How are you? Fine", f.msgr.Edits[2].Text)
	assert.Equal(t, 0, f.msgr.Rejected)
}

func TestRespond_FinalRenderSkippedWhenUnchanged(t *testing.T) {
	f := newFixture(t)
	f.completer.fragments = []string{"Done", "."}

	require.NoError(t, f.coord.Respond(f.ctx, f.request("hi")))

	require.Len(t, f.msgr.Edits, 1)
	assert.Equal(t, "Done.", f.msgr.Edits[0].Text)
	assert.Equal(t, 0, f.msgr.Rejected)
}

func TestRespond_UsesStoredSettings(t *testing.T) {
	f := newFixture(t)
	temp, tokens := 0.4, 500
	_, err := f.manager.UpdateText(f.ctx, testUser, models.TextPatch{Temperature: &temp, MaxTokens: &tokens})
	require.NoError(t, err)
	f.completer.fragments = []string{"ok"}

	require.NoError(t, f.coord.Respond(f.ctx, f.request("question")))

	require.Len(t, f.completer.requests, 1)
	req := f.completer.requests[0]
	assert.Equal(t, models.DefaultEndpointURL, req.EndpointURL)
	assert.Equal(t, models.DefaultTextModel, req.Model)
	assert.Equal(t, 0.4, req.Temperature)
	assert.Equal(t, 500, req.MaxTokens)
	assert.Equal(t, "question", req.Prompt)
}

func TestRespond_RecordsHistory(t *testing.T) {
	f := newFixture(t)
	f.completer.fragments = []string{"forty", " two"}

	require.NoError(t, f.coord.Respond(f.ctx, f.request("meaning of life")))

	entries, err := f.manager.RecentHistory(f.ctx, testUser, 10, models.CategoryGPT)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	texts := []string{entries[0].Text, entries[1].Text}
	assert.ElementsMatch(t, []string{"meaning of life", "forty two"}, texts)
}

func TestRespond_EmptyAnswer(t *testing.T) {
	f := newFixture(t)
	f.completer.fragments = []string{"", "  "}

	require.NoError(t, f.coord.Respond(f.ctx, f.request("hi")))

	assert.Equal(t, f.text(i18n.MsgErrorEmptyResponse, nil), f.msgr.Text(f.msgr.LastID()))
	entries, err := f.manager.RecentHistory(f.ctx, testUser, 10, "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRespond_ErrorReplacesPlaceholder(t *testing.T) {
	f := newFixture(t)
	f.completer.err = &ai.APIError{Kind: ai.KindServiceUnavailable, StatusCode: 503, Err: errors.New("down")}

	require.NoError(t, f.coord.Respond(f.ctx, f.request("hi")))

	require.Len(t, f.msgr.Sent, 1, "no second message")
	assert.Equal(t, f.text(i18n.MsgErrorServiceUnavailable, nil), f.msgr.Text(f.msgr.LastID()))
	assert.Equal(t, []string{"gpt:error"}, f.rec.generations)
}

func TestRespond_AssistantChunks(t *testing.T) {
	f := newFixture(t)
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r.Body)
		got = buf.String()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response": "one two three four five six seven"}`))
	}))
	defer srv.Close()
	f.useAssistant(srv.URL)

	require.NoError(t, f.coord.Respond(f.ctx, f.request("hello assistant")))

	assert.JSONEq(t, `{"message": "hello assistant"}`, got)
	require.Len(t, f.msgr.Edits, 2)
	assert.Equal(t, "one two three four five ", f.msgr.Edits[0].Text)
	assert.Equal(t, "one two three four five six seven", f.msgr.Edits[1].Text)
	assert.Empty(t, f.completer.requests)

	entries, err := f.manager.RecentHistory(f.ctx, testUser, 10, models.CategoryAssistant)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRespond_AssistantFailuresAreDistinguished(t *testing.T) {
	f := newFixture(t)
	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer limited.Close()
	f.useAssistant(limited.URL)

	require.NoError(t, f.coord.Respond(f.ctx, f.request("one")))
	rateLimited := f.msgr.Text(f.msgr.LastID())

	gone := httptest.NewServer(http.NotFoundHandler())
	goneURL := gone.URL
	gone.Close()
	f.useAssistant(goneURL)

	require.NoError(t, f.coord.Respond(f.ctx, f.request("two")))
	refused := f.msgr.Text(f.msgr.LastID())

	assert.Equal(t, f.text(i18n.MsgErrorRateLimit, nil), rateLimited)
	assert.Equal(t, f.text(i18n.MsgErrorConnection, nil), refused)
	assert.NotEqual(t, rateLimited, refused)
}

func TestErrorMessage(t *testing.T) {
	cases := []struct {
		name string
		err  error
		id   string
	}{
		{"connection", &ai.APIError{Kind: ai.KindConnection}, i18n.MsgErrorConnection},
		{"timeout", &ai.APIError{Kind: ai.KindTimeout}, i18n.MsgErrorTimeout},
		{"rate limit", &ai.APIError{Kind: ai.KindRateLimit, StatusCode: 429}, i18n.MsgErrorRateLimit},
		{"format", &ai.APIError{Kind: ai.KindResponseFormat}, i18n.MsgErrorResponseFormat},
		{"generic status", &ai.APIError{Kind: ai.KindGeneric, StatusCode: 418}, i18n.MsgErrorAPI},
		{"deadline", fmt.Errorf("stream: %w", context.DeadlineExceeded), i18n.MsgErrorTimeout},
		{"persistence", fmt.Errorf("%w: locked", storage.ErrPersistence), i18n.MsgErrorPersistence},
		{"too large", ai.ErrImageTooLarge, i18n.MsgImageTooLarge},
		{"unreadable", fmt.Errorf("%w: bad header", ai.ErrImageUnreadable), i18n.MsgImageUnreadable},
		{"unknown", errors.New("boom"), i18n.MsgError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, _ := errorMessage(tc.err)
			assert.Equal(t, tc.id, id)
		})
	}

	_, data := errorMessage(&ai.APIError{Kind: ai.KindGeneric, StatusCode: 418})
	assert.Equal(t, 418, data["Status"])
}

func TestWordChunks(t *testing.T) {
	assert.Nil(t, wordChunks("   ", 5))
	assert.Equal(t, []string{"a b"}, wordChunks("a b", 5))
	assert.Equal(t, []string{"a  b\n", "c"}, wordChunks("a  b\nc", 2))

	text := "one two three four five six seven eight nine ten eleven"
	assert.Equal(t, text, strings.Join(wordChunks(text, 5), ""))
	assert.Len(t, wordChunks(text, 5), 3)
}

func TestGenerateImage(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.coord.GenerateImage(f.ctx, f.request("a red fox")))

	assert.Equal(t, []string{"a red fox"}, f.images.prompts)
	require.Len(t, f.msgr.Photos, 1)
	photo := f.msgr.Photos[0]
	assert.Equal(t, []byte("image:"+f.images.url), photo.Data)
	assert.Equal(t, f.text(i18n.MsgImageCaption, map[string]interface{}{"Prompt": "a red fox"}), photo.Caption)
	assert.Equal(t, []int{f.msgr.LastID()}, f.msgr.Deleted, "progress message removed")
	assert.Equal(t, []string{"image:success"}, f.rec.generations)
}

func TestGenerateImage_Failure(t *testing.T) {
	f := newFixture(t)
	f.images.err = &ai.APIError{Kind: ai.KindResponseFormat, Err: errors.New("no data")}

	require.NoError(t, f.coord.GenerateImage(f.ctx, f.request("a red fox")))

	assert.Empty(t, f.msgr.Photos)
	assert.Equal(t, f.text(i18n.MsgErrorResponseFormat, nil), f.msgr.Text(f.msgr.LastID()))
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestVary(t *testing.T) {
	f := newFixture(t)
	f.msgr.Files["photo-1"] = pngBytes(t)

	require.NoError(t, f.coord.Vary(f.ctx, f.request(""), "photo-1"))

	require.Len(t, f.images.variations, 1)
	_, err := png.Decode(bytes.NewReader(f.images.variations[0]))
	assert.NoError(t, err)
	require.Len(t, f.msgr.Photos, 1)
	assert.Equal(t, f.text(i18n.MsgVariantCaption, nil), f.msgr.Photos[0].Caption)
}

func TestVary_RejectsBadInput(t *testing.T) {
	f := newFixture(t)
	f.msgr.Files["junk"] = []byte("not an image")
	f.msgr.Files["huge"] = make([]byte, ai.MaxVariationBytes+1)

	require.NoError(t, f.coord.Vary(f.ctx, f.request(""), "junk"))
	assert.Equal(t, f.text(i18n.MsgImageUnreadable, nil), f.msgr.Text(f.msgr.LastID()))

	require.NoError(t, f.coord.Vary(f.ctx, f.request(""), "huge"))
	assert.Equal(t, f.text(i18n.MsgImageTooLarge, nil), f.msgr.Text(f.msgr.LastID()))

	assert.Empty(t, f.images.variations)
	assert.Empty(t, f.msgr.Photos)
}
