package dialog

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tg-gpt-bot-go/internal/i18n"
	"github.com/tg-gpt-bot-go/internal/models"
	"github.com/tg-gpt-bot-go/internal/transport"
)

// DefaultTimeout is the idle time after which a flow is torn down
const DefaultTimeout = 300 * time.Second

// Settings is the slice of the settings store the menus read and write
type Settings interface {
	GetText(ctx context.Context, userID int64) (*models.TextSettings, error)
	GetImage(ctx context.Context, userID int64) (*models.ImageSettings, error)
	UpdateText(ctx context.Context, userID int64, patch models.TextPatch) (*models.TextSettings, error)
	UpdateImage(ctx context.Context, userID int64, patch models.ImagePatch) (*models.ImageSettings, error)
}

// Localizer renders message IDs
type Localizer interface {
	Get(lang, messageID string, data map[string]interface{}) string
}

// Recorder receives dialog lifecycle events; *middleware.Metrics satisfies it
type Recorder interface {
	RecordDialogEvent(flow, event string)
}

// Options tune an Engine. Zero values select the defaults.
type Options struct {
	Timeout             time.Duration
	DefaultAssistantURL string
	Recorder            Recorder
	Clock               func() time.Time
}

// Engine drives the settings menus of every (user, chat) pair
type Engine struct {
	store     Store
	settings  Settings
	messenger transport.Messenger
	loc       Localizer
	logger    *logrus.Logger

	timeout             time.Duration
	defaultAssistantURL string
	recorder            Recorder
	now                 func() time.Time

	locks keyLocks
}

// NewEngine creates a dialog engine
func NewEngine(store Store, settings Settings, messenger transport.Messenger, loc Localizer, logger *logrus.Logger, opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		store:               store,
		settings:            settings,
		messenger:           messenger,
		loc:                 loc,
		logger:              logger,
		timeout:             opts.Timeout,
		defaultAssistantURL: opts.DefaultAssistantURL,
		recorder:            opts.Recorder,
		now:                 opts.Clock,
		locks:               keyLocks{locks: make(map[Key]*keyLock)},
	}
}

// Open starts flow at its root screen, replacing any flow active for the same user and chat
func (e *Engine) Open(ctx context.Context, dc Context, flow Flow) error {
	unlock := e.locks.lock(dc.key())
	defer unlock()
	return e.open(ctx, dc, flow)
}

// HandleButton applies a menu button press. handled is false when the
// callback does not belong to a settings menu.
func (e *Engine) HandleButton(ctx context.Context, dc Context) (bool, error) {
	flow, action, arg, ok := parseCallback(dc.Data)
	if !ok {
		return false, nil
	}
	// In groups a menu only answers the user it was opened for
	if owner, tagged := callbackOwner(dc.Data); tagged && owner != dc.UserID {
		e.answer(ctx, dc.CallbackID, e.text(dc.Lang, i18n.MsgNotYourMenu, nil))
		return true, nil
	}
	defer e.answer(ctx, dc.CallbackID, "")

	unlock := e.locks.lock(dc.key())
	defer unlock()

	st, err := e.active(ctx, dc.key())
	if err != nil {
		return true, err
	}

	// A press on a menu that no longer drives a live flow starts over
	if st == nil || st.Flow != flow || st.MessageID != dc.MessageID {
		if action == actClose {
			e.closeMessage(ctx, dc.ChatID, dc.MessageID, dc.Lang, i18n.MsgDialogClosed)
			return true, nil
		}
		return true, e.open(ctx, dc, flow)
	}

	if action == actClose {
		return true, e.cancel(ctx, st)
	}

	var next Screen
	if flow == FlowImage {
		next, err = e.imageButton(ctx, st, action, arg)
	} else {
		next, err = e.textButton(ctx, st, action, arg)
	}
	notice := ""
	if err != nil {
		next, notice = st.Screen, e.failure(st, err, i18n.MsgInvalidValue)
	}
	return true, e.advance(ctx, st, next, notice, false)
}

// HandleText feeds a text message to the active input screen. handled is
// false when no flow is waiting for text, so the message is a prompt.
func (e *Engine) HandleText(ctx context.Context, dc Context) (bool, error) {
	unlock := e.locks.lock(dc.key())
	defer unlock()

	st, err := e.active(ctx, dc.key())
	if err != nil {
		return false, err
	}
	if st == nil || !st.Screen.IsInput() {
		return false, nil
	}

	next, notice := e.applyInput(ctx, st, strings.TrimSpace(dc.Data))
	return true, e.advance(ctx, st, next, notice, true)
}

// Cancel terminates the active flow. It reports whether there was one.
func (e *Engine) Cancel(ctx context.Context, dc Context) (bool, error) {
	unlock := e.locks.lock(dc.key())
	defer unlock()

	st, err := e.active(ctx, dc.key())
	if err != nil || st == nil {
		return false, err
	}
	return true, e.cancel(ctx, st)
}

// Sweep tears down every flow whose idle deadline has passed and returns how many it closed
func (e *Engine) Sweep(ctx context.Context) int {
	due, err := e.store.ExpireDue(ctx, e.now())
	if err != nil {
		e.logger.WithError(err).Error("Failed to expire dialog flows")
		return 0
	}

	for i := range due {
		st := &due[i]
		unlock := e.locks.lock(st.Key)
		if !e.reclaimed(ctx, st) {
			e.closeMessage(ctx, st.ChatID, st.MessageID, st.Lang, i18n.MsgDialogTimeout)
		}
		unlock()

		e.record(st.Flow, "timeout")
		e.logger.WithFields(logrus.Fields{
			"user_id": st.UserID,
			"chat_id": st.ChatID,
			"flow":    st.Flow,
			"screen":  st.Screen,
		}).Debug("Dialog flow timed out")
	}
	return len(due)
}

// reclaimed reports whether a flow opened after st expired now lives on st's
// menu message. The timeout notice must not overwrite it.
func (e *Engine) reclaimed(ctx context.Context, st *State) bool {
	cur, err := e.store.Get(ctx, st.Key)
	if err != nil {
		e.logger.WithError(err).Warn("Failed to re-read dialog state after expiry")
		return false
	}
	return cur != nil && cur.FlowID != st.FlowID && cur.MessageID == st.MessageID
}

// Run sweeps expired flows every interval until ctx is done
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// active returns the live flow for key; a flow past its deadline counts as gone
func (e *Engine) active(ctx context.Context, key Key) (*State, error) {
	st, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if st == nil || st.Expired(e.now()) {
		return nil, nil
	}
	return st, nil
}

func (e *Engine) open(ctx context.Context, dc Context, flow Flow) error {
	key := dc.key()
	prev, err := e.store.Get(ctx, key)
	if err != nil {
		e.logger.WithError(err).Warn("Failed to read previous dialog state")
		prev = nil
	}

	st := &State{
		Key:      key,
		FlowID:   uuid.NewString(),
		Flow:     flow,
		Screen:   flow.Root(),
		Lang:     dc.Lang,
		Deadline: e.now().Add(e.timeout),
	}

	text, kb, err := e.view(ctx, st)
	if err != nil {
		return err
	}

	if dc.Trigger == TriggerButton && dc.MessageID != 0 {
		st.MessageID = dc.MessageID
		if err := e.edit(ctx, st.ChatID, st.MessageID, text, kb); err != nil {
			return err
		}
	} else {
		st.MessageID, err = e.messenger.SendMessage(ctx, transport.Outgoing{ChatID: st.ChatID, Text: text, Keyboard: kb})
		if err != nil {
			return err
		}
	}

	if err := e.store.Create(ctx, st); err != nil {
		return err
	}
	if prev != nil && prev.MessageID != st.MessageID {
		e.closeMessage(ctx, prev.ChatID, prev.MessageID, prev.Lang, i18n.MsgDialogClosed)
	}

	e.record(flow, "opened")
	return nil
}

func (e *Engine) cancel(ctx context.Context, st *State) error {
	deleted, err := e.store.Delete(ctx, st.Key, st.FlowID)
	if err != nil {
		return err
	}
	if deleted {
		e.closeMessage(ctx, st.ChatID, st.MessageID, st.Lang, i18n.MsgDialogClosed)
		e.record(st.Flow, "cancelled")
	}
	return nil
}

// advance moves st to next and redraws it. With resend the menu is posted as
// a new message below the user's input and the previous one is removed.
func (e *Engine) advance(ctx context.Context, st *State, next Screen, notice string, resend bool) error {
	st.Screen = next
	st.Deadline = e.now().Add(e.timeout)

	text, kb, err := e.view(ctx, st)
	if err != nil {
		e.logger.WithError(err).WithField("user_id", st.UserID).Error("Failed to load settings for menu")
		text = e.text(st.Lang, i18n.MsgErrorPersistence, nil)
		kb = ownedBy(transport.Keyboard{transport.Row(e.button(st.Lang, i18n.MsgBtnClose, nil, callbackData(st.Flow, actClose)))}, st.UserID)
	} else if notice != "" {
		text = notice + "\n\n" + text
	}

	if !resend {
		if err := e.store.Update(ctx, st); err != nil {
			return e.stale(st, err)
		}
		return e.edit(ctx, st.ChatID, st.MessageID, text, kb)
	}

	old := st.MessageID
	msgID, err := e.messenger.SendMessage(ctx, transport.Outgoing{ChatID: st.ChatID, Text: text, Keyboard: kb})
	if err != nil {
		return err
	}
	st.MessageID = msgID
	if err := e.store.Update(ctx, st); err != nil {
		_ = e.messenger.DeleteMessage(ctx, st.ChatID, msgID)
		return e.stale(st, err)
	}
	if err := e.messenger.DeleteMessage(ctx, st.ChatID, old); err != nil && !errors.Is(err, transport.ErrMessageNotFound) {
		e.logger.WithError(err).Debug("Failed to remove previous menu message")
	}
	return nil
}

// stale discards a transition that lost to a timeout or a newer flow
func (e *Engine) stale(st *State, err error) error {
	if errors.Is(err, ErrStale) {
		e.logger.WithFields(logrus.Fields{
			"user_id": st.UserID,
			"chat_id": st.ChatID,
			"flow_id": st.FlowID,
		}).Debug("Dropping superseded dialog transition")
		return nil
	}
	return err
}

func (e *Engine) textButton(ctx context.Context, st *State, action, arg string) (Screen, error) {
	switch action {
	case actText:
		return ScreenTextModelMenu, nil
	case actURL:
		return ScreenBaseURLInput, nil
	case actTokens:
		return ScreenMaxTokensInput, nil
	case actCustom:
		return ScreenCustomModelInput, nil
	case actBack:
		return parent(FlowText, st.Screen), nil

	case actModel:
		if arg == "" {
			return ScreenModelPick, nil
		}
		if !models.HasOption(models.TextModels, arg) {
			return st.Screen, &models.ValidationError{Field: "model", Reason: "not offered"}
		}
		_, err := e.settings.UpdateText(ctx, st.UserID, models.TextPatch{Model: &arg})
		return ScreenTextModelMenu, err

	case actTemp:
		if arg == "" {
			return ScreenTemperaturePick, nil
		}
		t, ok := pickTemperature(arg)
		if !ok {
			return st.Screen, &models.ValidationError{Field: "temperature", Reason: "not offered"}
		}
		_, err := e.settings.UpdateText(ctx, st.UserID, models.TextPatch{Temperature: &t})
		return ScreenTextModelMenu, err

	case actAssistant:
		s, err := e.settings.GetText(ctx, st.UserID)
		if err != nil {
			return st.Screen, err
		}
		if !s.UseAssistant {
			return ScreenAssistantURLInput, nil
		}
		off := false
		_, err = e.settings.UpdateText(ctx, st.UserID, models.TextPatch{UseAssistant: &off, ClearAssistantURL: true})
		return ScreenMainMenu, err

	case actDefault:
		if e.defaultAssistantURL == "" {
			return st.Screen, &models.ValidationError{Field: "assistant_url", Reason: "no default configured"}
		}
		on, u := true, e.defaultAssistantURL
		_, err := e.settings.UpdateText(ctx, st.UserID, models.TextPatch{UseAssistant: &on, AssistantURL: &u})
		return ScreenMainMenu, err
	}
	return st.Screen, nil
}

type imagePick struct {
	screen Screen
	opts   []models.Option
	patch  func(v string) models.ImagePatch
}

var imagePicks = map[string]imagePick{
	actModel:   {ScreenModelPick, models.ImageModels, func(v string) models.ImagePatch { return models.ImagePatch{Model: &v} }},
	actSize:    {ScreenSizePick, models.ImageSizes, func(v string) models.ImagePatch { return models.ImagePatch{Size: &v} }},
	actQuality: {ScreenQualityPick, models.ImageQualities, func(v string) models.ImagePatch { return models.ImagePatch{Quality: &v} }},
	actStyle:   {ScreenStylePick, models.ImageStyles, func(v string) models.ImagePatch { return models.ImagePatch{Style: &v} }},
}

func (e *Engine) imageButton(ctx context.Context, st *State, action, arg string) (Screen, error) {
	switch action {
	case actURL:
		return ScreenBaseURLInput, nil
	case actCustom:
		return ScreenCustomModelInput, nil
	case actBack:
		return parent(FlowImage, st.Screen), nil

	case actHDR:
		s, err := e.settings.GetImage(ctx, st.UserID)
		if err != nil {
			return st.Screen, err
		}
		hdr := !s.HDR
		_, err = e.settings.UpdateImage(ctx, st.UserID, models.ImagePatch{HDR: &hdr})
		return ScreenImageMainMenu, err
	}

	pick, ok := imagePicks[action]
	if !ok {
		return st.Screen, nil
	}
	if arg == "" {
		return pick.screen, nil
	}
	if !models.HasOption(pick.opts, arg) {
		return st.Screen, &models.ValidationError{Field: action, Reason: "not offered"}
	}
	_, err := e.settings.UpdateImage(ctx, st.UserID, pick.patch(arg))
	return ScreenImageMainMenu, err
}

// applyInput validates and commits free text for the current input screen.
// On rejection it returns the same screen and a localized notice.
func (e *Engine) applyInput(ctx context.Context, st *State, input string) (Screen, string) {
	var err error
	switch st.Screen {
	case ScreenBaseURLInput:
		if verr := models.ValidateURL("endpoint_url", input); verr != nil {
			return st.Screen, e.text(st.Lang, i18n.MsgInvalidURL, nil)
		}
		if st.Flow == FlowImage {
			_, err = e.settings.UpdateImage(ctx, st.UserID, models.ImagePatch{EndpointURL: &input})
		} else {
			_, err = e.settings.UpdateText(ctx, st.UserID, models.TextPatch{EndpointURL: &input})
		}

	case ScreenMaxTokensInput:
		n, verr := models.ParseMaxTokens(input)
		if verr != nil {
			return st.Screen, e.text(st.Lang, i18n.MsgInvalidMaxTokens, nil)
		}
		_, err = e.settings.UpdateText(ctx, st.UserID, models.TextPatch{MaxTokens: &n})

	case ScreenAssistantURLInput:
		if verr := models.ValidateURL("assistant_url", input); verr != nil {
			return st.Screen, e.text(st.Lang, i18n.MsgInvalidURL, nil)
		}
		on := true
		_, err = e.settings.UpdateText(ctx, st.UserID, models.TextPatch{UseAssistant: &on, AssistantURL: &input})

	case ScreenCustomModelInput:
		if verr := models.ValidateModel(input); verr != nil {
			return st.Screen, e.text(st.Lang, i18n.MsgInvalidModel, nil)
		}
		if st.Flow == FlowImage {
			_, err = e.settings.UpdateImage(ctx, st.UserID, models.ImagePatch{Model: &input})
		} else {
			_, err = e.settings.UpdateText(ctx, st.UserID, models.TextPatch{Model: &input})
		}
	}

	if err != nil {
		return st.Screen, e.failure(st, err, i18n.MsgInvalidValue)
	}
	return committed(st.Flow, st.Screen), ""
}

// failure maps a commit error to a notice; the flow stays where it is
func (e *Engine) failure(st *State, err error, invalidID string) string {
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		return e.text(st.Lang, invalidID, nil)
	}
	e.logger.WithError(err).WithFields(logrus.Fields{
		"user_id": st.UserID,
		"screen":  st.Screen,
	}).Error("Failed to save settings")
	return e.text(st.Lang, i18n.MsgErrorPersistence, nil)
}

func (e *Engine) edit(ctx context.Context, chatID int64, messageID int, text string, kb transport.Keyboard) error {
	err := e.messenger.EditMessage(ctx, transport.Edit{ChatID: chatID, MessageID: messageID, Text: text, Keyboard: kb})
	if transport.IsBenign(err) {
		return nil
	}
	return err
}

// closeMessage replaces a menu with a notice and drops its keyboard
func (e *Engine) closeMessage(ctx context.Context, chatID int64, messageID int, lang, id string) {
	if messageID == 0 {
		return
	}
	if err := e.edit(ctx, chatID, messageID, e.text(lang, id, nil), nil); err != nil {
		e.logger.WithError(err).WithField("chat_id", chatID).Debug("Failed to close menu message")
	}
}

func (e *Engine) answer(ctx context.Context, callbackID, text string) {
	if callbackID == "" {
		return
	}
	if err := e.messenger.AnswerCallback(ctx, callbackID, text); err != nil {
		e.logger.WithError(err).Debug("Failed to answer callback")
	}
}

func (e *Engine) record(flow Flow, event string) {
	if e.recorder != nil {
		e.recorder.RecordDialogEvent(string(flow), event)
	}
}

// pickTemperature accepts only the offered discretization
func pickTemperature(arg string) (float64, bool) {
	v, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return 0, false
	}
	for _, t := range models.Temperatures {
		if formatTemperature(t) == formatTemperature(v) {
			return t, true
		}
	}
	return 0, false
}

type keyLock struct {
	sync.Mutex
	refs int
}

// keyLocks serializes work per dialog key and forgets idle keys
type keyLocks struct {
	mu    sync.Mutex
	locks map[Key]*keyLock
}

func (l *keyLocks) lock(k Key) func() {
	l.mu.Lock()
	kl, ok := l.locks[k]
	if !ok {
		kl = &keyLock{}
		l.locks[k] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.Lock()
	return func() {
		kl.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, k)
		}
		l.mu.Unlock()
	}
}
