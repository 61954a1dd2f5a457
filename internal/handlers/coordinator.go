package handlers

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"
	"github.com/tg-gpt-bot-go/internal/i18n"
	"github.com/tg-gpt-bot-go/internal/models"
	"github.com/tg-gpt-bot-go/internal/services/ai"
	"github.com/tg-gpt-bot-go/internal/services/storage"
	"github.com/tg-gpt-bot-go/internal/transport"
	"github.com/tg-gpt-bot-go/pkg/logger"
)

// Generation modes, also used as metric labels
const (
	ModeGPT       = models.CategoryGPT
	ModeAssistant = models.CategoryAssistant
	ModeImage     = "image"
	ModeVariation = "variation"
)

var errEmptyResponse = errors.New("empty response")

// Store is the storage surface used by handlers; *storage.Manager satisfies it
type Store interface {
	GetText(ctx context.Context, userID int64) (*models.TextSettings, error)
	GetImage(ctx context.Context, userID int64) (*models.ImageSettings, error)
	AppendExchange(ctx context.Context, userID int64, prompt, answer, category string) error
	RecentHistory(ctx context.Context, userID int64, limit int, category string) ([]models.HistoryEntry, error)
	ClearHistory(ctx context.Context, userID int64) (int64, error)
	ExportSettings(ctx context.Context, userID int64) ([]byte, error)
	ImportSettings(ctx context.Context, userID int64, payload []byte) error
}

// Assistant calls a user-configured assistant endpoint
type Assistant interface {
	Call(ctx context.Context, url, prompt string) (string, error)
}

// Images generates and downloads images
type Images interface {
	Generate(ctx context.Context, settings *models.ImageSettings, prompt string) (string, error)
	Variation(ctx context.Context, settings *models.ImageSettings, pngData []byte) (string, error)
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Localizer renders message IDs
type Localizer interface {
	Get(lang, messageID string, data map[string]interface{}) string
}

// Recorder receives generation metrics; *middleware.Metrics satisfies it
type Recorder interface {
	RecordGeneration(mode, status string, duration time.Duration)
	RecordRender(mode string)
}

// CoordinatorOptions tune rendering and timeouts. Zero values select the
// defaults, except ChunkDelay where zero disables pacing.
type CoordinatorOptions struct {
	CompletionTimeout time.Duration
	AssistantTimeout  time.Duration
	// RenderEvery is the fragment count that forces a redraw
	RenderEvery int
	// ChunkWords and ChunkDelay shape the simulated stream of assistant replies
	ChunkWords int
	ChunkDelay time.Duration
	Recorder   Recorder
}

// Coordinator turns prompts into streamed replies and generated images
type Coordinator struct {
	store     Store
	completer ai.Completer
	assistant Assistant
	images    Images
	messenger transport.Messenger
	loc       Localizer
	logger    *logrus.Logger
	opts      CoordinatorOptions
}

// Request is one prompt from a user
type Request struct {
	UserID  int64
	ChatID  int64
	ReplyTo int
	Prompt  string
	Lang    string
}

// NewCoordinator creates a coordinator
func NewCoordinator(store Store, completer ai.Completer, assistant Assistant, images Images, messenger transport.Messenger, loc Localizer, logger *logrus.Logger, opts CoordinatorOptions) *Coordinator {
	if opts.CompletionTimeout <= 0 {
		opts.CompletionTimeout = 120 * time.Second
	}
	if opts.AssistantTimeout <= 0 {
		opts.AssistantTimeout = 30 * time.Second
	}
	if opts.RenderEvery <= 0 {
		opts.RenderEvery = 20
	}
	if opts.ChunkWords <= 0 {
		opts.ChunkWords = 5
	}
	return &Coordinator{
		store:     store,
		completer: completer,
		assistant: assistant,
		images:    images,
		messenger: messenger,
		loc:       loc,
		logger:    logger,
		opts:      opts,
	}
}

// Respond answers a text prompt by streaming the reply into a placeholder message.
// The user always ends up with either the reply or a localized error.
func (c *Coordinator) Respond(ctx context.Context, req Request) error {
	placeholder, err := c.messenger.SendMessage(ctx, transport.Outgoing{
		ChatID:  req.ChatID,
		Text:    c.loc.Get(req.Lang, i18n.MsgProcessing, nil),
		ReplyTo: req.ReplyTo,
	})
	if err != nil {
		return err
	}

	log := logger.WithContext(c.logger, req.ChatID, req.UserID)
	start := time.Now()
	mode := ModeGPT

	answer, err := func() (string, error) {
		settings, err := c.store.GetText(ctx, req.UserID)
		if err != nil {
			return "", err
		}

		r := &renderer{
			messenger: c.messenger,
			chatID:    req.ChatID,
			messageID: placeholder,
			every:     c.opts.RenderEvery,
			logger:    log,
		}

		if settings.UseAssistant && settings.AssistantURL != nil {
			mode = ModeAssistant
			r.every = 1
			r.onRender = c.renderHook(mode)
			return c.streamAssistant(ctx, r, *settings.AssistantURL, req.Prompt)
		}

		r.onRender = c.renderHook(mode)
		return c.streamCompletion(ctx, r, settings, req.Prompt)
	}()

	c.record(mode, err, start)
	if err != nil {
		log.WithError(err).WithField("mode", mode).Warn("Generation failed")
		c.fail(ctx, req, placeholder, err)
		return nil
	}

	if err := c.store.AppendExchange(ctx, req.UserID, req.Prompt, answer, mode); err != nil {
		log.WithError(err).Error("Failed to record history")
	}

	log.WithFields(logrus.Fields{
		"mode":     mode,
		"chars":    len([]rune(answer)),
		"duration": time.Since(start),
	}).Info("Reply delivered")
	return nil
}

func (c *Coordinator) streamCompletion(ctx context.Context, r *renderer, settings *models.TextSettings, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CompletionTimeout)
	defer cancel()

	stream, err := c.completer.Stream(ctx, ai.CompletionRequest{
		EndpointURL: settings.EndpointURL,
		Model:       settings.Model,
		Temperature: settings.Temperature,
		MaxTokens:   settings.MaxTokens,
		Prompt:      prompt,
	})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	return r.consume(ctx, stream, 0)
}

func (c *Coordinator) streamAssistant(ctx context.Context, r *renderer, url, prompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.AssistantTimeout)
	text, err := c.assistant.Call(callCtx, url, prompt)
	cancel()
	if err != nil {
		return "", err
	}

	stream := ai.NewSliceStream(wordChunks(text, c.opts.ChunkWords))
	return r.consume(ctx, stream, c.opts.ChunkDelay)
}

func (c *Coordinator) renderHook(mode string) func() {
	if c.opts.Recorder == nil {
		return nil
	}
	return func() { c.opts.Recorder.RecordRender(mode) }
}

func (c *Coordinator) record(mode string, err error, start time.Time) {
	if c.opts.Recorder == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.opts.Recorder.RecordGeneration(mode, status, time.Since(start))
}

// fail replaces the placeholder with the localized error, or posts it when the placeholder is gone
func (c *Coordinator) fail(ctx context.Context, req Request, placeholder int, err error) {
	id, data := errorMessage(err)
	text := c.loc.Get(req.Lang, id, data)

	editErr := c.messenger.EditMessage(ctx, transport.Edit{ChatID: req.ChatID, MessageID: placeholder, Text: text})
	if editErr == nil || transport.IsBenign(editErr) {
		return
	}
	if _, sendErr := c.messenger.SendMessage(ctx, transport.Outgoing{ChatID: req.ChatID, Text: text, ReplyTo: req.ReplyTo}); sendErr != nil {
		c.logger.WithError(sendErr).WithField("chat_id", req.ChatID).Error("Failed to deliver error message")
	}
}

// errorMessage picks the user-facing message for a failure
func errorMessage(err error) (string, map[string]interface{}) {
	var apiErr *ai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Kind {
		case ai.KindConnection:
			return i18n.MsgErrorConnection, nil
		case ai.KindTimeout:
			return i18n.MsgErrorTimeout, nil
		case ai.KindRateLimit:
			return i18n.MsgErrorRateLimit, nil
		case ai.KindServiceUnavailable:
			return i18n.MsgErrorServiceUnavailable, nil
		case ai.KindResponseFormat:
			return i18n.MsgErrorResponseFormat, nil
		}
		if apiErr.StatusCode != 0 {
			return i18n.MsgErrorAPI, map[string]interface{}{"Status": apiErr.StatusCode}
		}
		return i18n.MsgError, nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return i18n.MsgErrorTimeout, nil
	case errors.Is(err, storage.ErrPersistence):
		return i18n.MsgErrorPersistence, nil
	case errors.Is(err, errEmptyResponse):
		return i18n.MsgErrorEmptyResponse, nil
	case errors.Is(err, ai.ErrImageTooLarge), errors.Is(err, transport.ErrFileTooLarge):
		return i18n.MsgImageTooLarge, nil
	case errors.Is(err, ai.ErrImageUnreadable):
		return i18n.MsgImageUnreadable, nil
	}
	return i18n.MsgError, nil
}

// renderer accumulates fragments and redraws the placeholder. Edits are
// issued from the consuming goroutine only, numbered by seq, so a later
// buffer is never overwritten by an earlier one.
type renderer struct {
	messenger transport.Messenger
	chatID    int64
	messageID int
	every     int
	logger    *logrus.Entry
	onRender  func()

	buf   strings.Builder
	since int
	last  string
	seq   int
	lost  bool
}

// consume drains stream, rendering on cadence, and returns the full text.
// delay, when positive, paces renders.
func (r *renderer) consume(ctx context.Context, stream ai.FragmentStream, delay time.Duration) (string, error) {
	for {
		fragment, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}

		r.buf.WriteString(fragment)
		r.since++
		if r.since >= r.every || endsSentence(fragment) {
			rendered := r.render(ctx)
			if rendered && delay > 0 {
				select {
				case <-ctx.Done():
					return "", ctx.Err()
				case <-time.After(delay):
				}
			}
		}
	}

	answer := r.buf.String()
	if strings.TrimSpace(answer) == "" {
		return "", errEmptyResponse
	}
	r.render(ctx)
	if r.lost {
		if _, err := r.messenger.SendMessage(ctx, transport.Outgoing{ChatID: r.chatID, Text: answer, Markdown: true}); err != nil {
			return "", err
		}
	}
	return answer, nil
}

// render redraws the placeholder unless the buffer is unchanged; it reports whether an edit was sent
func (r *renderer) render(ctx context.Context) bool {
	r.since = 0
	text := r.buf.String()
	if r.lost || strings.TrimSpace(text) == "" || text == r.last {
		return false
	}

	r.seq++
	err := r.messenger.EditMessage(ctx, transport.Edit{
		ChatID:    r.chatID,
		MessageID: r.messageID,
		Text:      text,
		Markdown:  true,
	})
	switch {
	case err == nil, transport.IsBenign(err):
		r.last = text
		if r.onRender != nil {
			r.onRender()
		}
		return true
	case errors.Is(err, transport.ErrMessageNotFound):
		r.logger.Debug("Placeholder disappeared, reply will be sent as a new message")
		r.lost = true
	default:
		r.logger.WithError(err).WithField("seq", r.seq).Warn("Failed to render partial reply")
	}
	return false
}

func endsSentence(fragment string) bool {
	trimmed := strings.TrimRightFunc(fragment, unicode.IsSpace)
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

// wordChunks cuts text into pieces of n words each, keeping the original
// spacing so the pieces concatenate back to the trimmed text
func wordChunks(text string, n int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	start, words := 0, 0
	inWord := false
	for i, r := range text {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			inWord = true
			if words == n {
				chunks = append(chunks, text[start:i])
				start, words = i, 0
			}
			words++
		}
	}
	return append(chunks, text[start:])
}

// GenerateImage draws one image for the prompt and posts it with the prompt as caption
func (c *Coordinator) GenerateImage(ctx context.Context, req Request) error {
	return c.imageJob(ctx, req, ModeImage, i18n.MsgGeneratingImage, func(settings *models.ImageSettings) (string, error) {
		return c.images.Generate(ctx, settings, req.Prompt)
	}, c.loc.Get(req.Lang, i18n.MsgImageCaption, map[string]interface{}{"Prompt": transport.Clip(req.Prompt, 900)}))
}

// Vary downloads an inbound photo and posts one variation of it
func (c *Coordinator) Vary(ctx context.Context, req Request, fileID string) error {
	return c.imageJob(ctx, req, ModeVariation, i18n.MsgGeneratingVariant, func(settings *models.ImageSettings) (string, error) {
		data, err := c.messenger.DownloadFile(ctx, fileID, ai.MaxVariationBytes)
		if err != nil {
			return "", err
		}
		normalized, err := ai.NormalizePNG(data, ai.MaxVariationBytes)
		if err != nil {
			return "", err
		}
		return c.images.Variation(ctx, settings, normalized)
	}, c.loc.Get(req.Lang, i18n.MsgVariantCaption, nil))
}

func (c *Coordinator) imageJob(ctx context.Context, req Request, mode, progress string, produce func(*models.ImageSettings) (string, error), caption string) error {
	placeholder, err := c.messenger.SendMessage(ctx, transport.Outgoing{
		ChatID:  req.ChatID,
		Text:    c.loc.Get(req.Lang, progress, nil),
		ReplyTo: req.ReplyTo,
	})
	if err != nil {
		return err
	}

	log := logger.WithContext(c.logger, req.ChatID, req.UserID).WithField("mode", mode)
	start := time.Now()

	data, err := func() ([]byte, error) {
		settings, err := c.store.GetImage(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		url, err := produce(settings)
		if err != nil {
			return nil, err
		}
		return c.images.Fetch(ctx, url)
	}()

	c.record(mode, err, start)
	if err != nil {
		log.WithError(err).Warn("Image generation failed")
		c.fail(ctx, req, placeholder, err)
		return nil
	}

	if err := c.messenger.DeleteMessage(ctx, req.ChatID, placeholder); err != nil && !errors.Is(err, transport.ErrMessageNotFound) {
		log.WithError(err).Debug("Failed to delete image placeholder")
	}
	if err := c.messenger.SendPhoto(ctx, transport.Attachment{
		ChatID:  req.ChatID,
		Name:    "image.png",
		Data:    data,
		Caption: caption,
		ReplyTo: req.ReplyTo,
	}); err != nil {
		return err
	}

	log.WithField("duration", time.Since(start)).Info("Image delivered")
	return nil
}
