package dialog

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/tg-gpt-bot-go/internal/i18n"
	"github.com/tg-gpt-bot-go/internal/models"
	"github.com/tg-gpt-bot-go/internal/transport"
)

// Callback actions
const (
	actText      = "text"
	actAssistant = "assistant"
	actURL       = "url"
	actModel     = "model"
	actCustom    = "custom"
	actTemp      = "temp"
	actTokens    = "tokens"
	actDefault   = "default"
	actSize      = "size"
	actQuality   = "quality"
	actStyle     = "style"
	actHDR       = "hdr"
	actBack      = "back"
	actClose     = "close"
)

const (
	prefixText  = "st"
	prefixImage = "im"
	selected    = "✅ "
)

func prefixOf(flow Flow) string {
	if flow == FlowImage {
		return prefixImage
	}
	return prefixText
}

func flowOf(prefix string) (Flow, bool) {
	switch prefix {
	case prefixText:
		return FlowText, true
	case prefixImage:
		return FlowImage, true
	}
	return "", false
}

// callbackData builds "<prefix>:<action>[:arg]"
func callbackData(flow Flow, action string, arg ...string) string {
	parts := append([]string{prefixOf(flow), action}, arg...)
	return strings.Join(parts, ":")
}

func parseCallback(data string) (flow Flow, action, arg string, ok bool) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) < 2 {
		return "", "", "", false
	}
	prefix, _, _ := strings.Cut(parts[0], "@")
	flow, ok = flowOf(prefix)
	if !ok {
		return "", "", "", false
	}
	if len(parts) == 3 {
		arg = parts[2]
	}
	return flow, parts[1], arg, true
}

func formatTemperature(t float64) string {
	return fmt.Sprintf("%.1f", t)
}

// shortURL keeps button labels within Telegram's width by showing only the host
func shortURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

func (e *Engine) text(lang, id string, data map[string]interface{}) string {
	return e.loc.Get(lang, id, data)
}

func (e *Engine) button(lang, id string, value interface{}, data string) transport.Button {
	var tpl map[string]interface{}
	if value != nil {
		tpl = map[string]interface{}{"Value": value}
	}
	return transport.Button{Text: e.text(lang, id, tpl), Data: data}
}

func (e *Engine) onOff(lang string, v bool) string {
	if v {
		return e.text(lang, i18n.MsgOn, nil)
	}
	return e.text(lang, i18n.MsgOff, nil)
}

// ownedBy tags every button of kb with the user the menu was opened for,
// turning "st:temp" into "st@42:temp"
func ownedBy(kb transport.Keyboard, userID int64) transport.Keyboard {
	tag := "@" + strconv.FormatInt(userID, 10)
	for _, row := range kb {
		for i := range row {
			if prefix, rest, ok := strings.Cut(row[i].Data, ":"); ok {
				row[i].Data = prefix + tag + ":" + rest
			}
		}
	}
	return kb
}

// callbackOwner returns the user a button was issued to. ok is false for untagged data.
func callbackOwner(data string) (userID int64, ok bool) {
	prefix, _, _ := strings.Cut(data, ":")
	_, tag, found := strings.Cut(prefix, "@")
	if !found {
		return 0, false
	}
	id, err := strconv.ParseInt(tag, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// view renders the screen of st from the currently persisted settings
func (e *Engine) view(ctx context.Context, st *State) (string, transport.Keyboard, error) {
	var (
		text string
		kb   transport.Keyboard
		err  error
	)
	if st.Flow == FlowImage {
		text, kb, err = e.imageView(ctx, st)
	} else {
		text, kb, err = e.textView(ctx, st)
	}
	return text, ownedBy(kb, st.UserID), err
}

func (e *Engine) textView(ctx context.Context, st *State) (string, transport.Keyboard, error) {
	lang := st.Lang
	s, err := e.settings.GetText(ctx, st.UserID)
	if err != nil {
		return "", nil, err
	}
	back := transport.Row(e.button(lang, i18n.MsgBtnBack, nil, callbackData(FlowText, actBack)))

	switch st.Screen {
	case ScreenTextModelMenu:
		title := e.text(lang, i18n.MsgTextMenuTitle, map[string]interface{}{
			"Endpoint":    s.EndpointURL,
			"Model":       s.Model,
			"Temperature": formatTemperature(s.Temperature),
			"MaxTokens":   s.MaxTokens,
		})
		return title, transport.Keyboard{
			transport.Row(e.button(lang, i18n.MsgBtnBaseURL, shortURL(s.EndpointURL), callbackData(FlowText, actURL))),
			transport.Row(e.button(lang, i18n.MsgBtnModel, s.Model, callbackData(FlowText, actModel))),
			transport.Row(
				e.button(lang, i18n.MsgBtnTemperature, formatTemperature(s.Temperature), callbackData(FlowText, actTemp)),
				e.button(lang, i18n.MsgBtnMaxTokens, s.MaxTokens, callbackData(FlowText, actTokens)),
			),
			back,
		}, nil

	case ScreenModelPick:
		kb := e.optionRows(lang, FlowText, actModel, models.TextModels, s.Model, false)
		kb = append(kb, transport.Row(e.button(lang, i18n.MsgBtnCustomModel, nil, callbackData(FlowText, actCustom))), back)
		return e.text(lang, i18n.MsgPickModel, nil), kb, nil

	case ScreenTemperaturePick:
		var row []transport.Button
		for _, t := range models.Temperatures {
			label := formatTemperature(t)
			if t == s.Temperature {
				label = selected + label
			}
			row = append(row, transport.Button{Text: label, Data: callbackData(FlowText, actTemp, formatTemperature(t))})
		}
		return e.text(lang, i18n.MsgPickTemperature, nil), transport.Keyboard{row[:3], row[3:], back}, nil

	case ScreenBaseURLInput:
		return e.text(lang, i18n.MsgPromptBaseURL, nil), transport.Keyboard{back}, nil

	case ScreenMaxTokensInput:
		return e.text(lang, i18n.MsgPromptMaxTokens, nil), transport.Keyboard{back}, nil

	case ScreenCustomModelInput:
		return e.text(lang, i18n.MsgPromptCustomModel, nil), transport.Keyboard{back}, nil

	case ScreenAssistantURLInput:
		kb := transport.Keyboard{}
		if e.defaultAssistantURL != "" {
			kb = append(kb, transport.Row(e.button(lang, i18n.MsgBtnDefaultAssistant, shortURL(e.defaultAssistantURL), callbackData(FlowText, actDefault))))
		}
		return e.text(lang, i18n.MsgPromptAssistantURL, nil), append(kb, back), nil

	default:
		assistant := e.onOff(lang, s.UseAssistant)
		if s.UseAssistant && s.AssistantURL != nil {
			assistant += " (" + *s.AssistantURL + ")"
		}
		title := e.text(lang, i18n.MsgMainMenuTitle, map[string]interface{}{"Assistant": assistant})
		return title, transport.Keyboard{
			transport.Row(e.button(lang, i18n.MsgBtnTextModelMenu, nil, callbackData(FlowText, actText))),
			transport.Row(e.button(lang, i18n.MsgBtnAssistant, e.onOff(lang, s.UseAssistant), callbackData(FlowText, actAssistant))),
			transport.Row(e.button(lang, i18n.MsgBtnClose, nil, callbackData(FlowText, actClose))),
		}, nil
	}
}

func (e *Engine) imageView(ctx context.Context, st *State) (string, transport.Keyboard, error) {
	lang := st.Lang
	s, err := e.settings.GetImage(ctx, st.UserID)
	if err != nil {
		return "", nil, err
	}
	back := transport.Row(e.button(lang, i18n.MsgBtnBack, nil, callbackData(FlowImage, actBack)))

	switch st.Screen {
	case ScreenModelPick:
		kb := e.optionRows(lang, FlowImage, actModel, models.ImageModels, s.Model, false)
		kb = append(kb, transport.Row(e.button(lang, i18n.MsgBtnCustomModel, nil, callbackData(FlowImage, actCustom))), back)
		return e.text(lang, i18n.MsgPickModel, nil), kb, nil

	case ScreenSizePick:
		kb := e.optionRows(lang, FlowImage, actSize, models.ImageSizes, s.Size, true)
		return e.text(lang, i18n.MsgPickSize, nil), append(kb, back), nil

	case ScreenQualityPick:
		kb := e.optionRows(lang, FlowImage, actQuality, models.ImageQualities, s.Quality, true)
		return e.text(lang, i18n.MsgPickQuality, nil), append(kb, back), nil

	case ScreenStylePick:
		kb := e.optionRows(lang, FlowImage, actStyle, models.ImageStyles, s.Style, true)
		return e.text(lang, i18n.MsgPickStyle, nil), append(kb, back), nil

	case ScreenBaseURLInput:
		return e.text(lang, i18n.MsgPromptBaseURL, nil), transport.Keyboard{back}, nil

	case ScreenCustomModelInput:
		return e.text(lang, i18n.MsgPromptCustomModel, nil), transport.Keyboard{back}, nil

	default:
		title := e.text(lang, i18n.MsgImageMenuTitle, map[string]interface{}{
			"Endpoint": s.EndpointURL,
			"Model":    s.Model,
			"Size":     e.optionLabel(lang, models.ImageSizes, s.Size),
			"Quality":  e.optionLabel(lang, models.ImageQualities, s.Quality),
			"Style":    e.optionLabel(lang, models.ImageStyles, s.Style),
			"HDR":      e.onOff(lang, s.HDR),
		})
		return title, transport.Keyboard{
			transport.Row(e.button(lang, i18n.MsgBtnBaseURL, shortURL(s.EndpointURL), callbackData(FlowImage, actURL))),
			transport.Row(e.button(lang, i18n.MsgBtnModel, s.Model, callbackData(FlowImage, actModel))),
			transport.Row(
				e.button(lang, i18n.MsgBtnSize, s.Size, callbackData(FlowImage, actSize)),
				e.button(lang, i18n.MsgBtnQuality, s.Quality, callbackData(FlowImage, actQuality)),
			),
			transport.Row(
				e.button(lang, i18n.MsgBtnStyle, s.Style, callbackData(FlowImage, actStyle)),
				e.button(lang, i18n.MsgBtnHDR, e.onOff(lang, s.HDR), callbackData(FlowImage, actHDR)),
			),
			transport.Row(e.button(lang, i18n.MsgBtnClose, nil, callbackData(FlowImage, actClose))),
		}, nil
	}
}

// optionRows lays out one option per row, marking the current value.
// Labels are i18n message IDs when localized is set.
func (e *Engine) optionRows(lang string, flow Flow, action string, opts []models.Option, current string, localized bool) transport.Keyboard {
	kb := make(transport.Keyboard, 0, len(opts)+2)
	for _, o := range opts {
		label := o.Label
		if localized {
			label = e.text(lang, o.Label, nil)
		}
		if o.Value == current {
			label = selected + label
		}
		kb = append(kb, transport.Row(transport.Button{Text: label, Data: callbackData(flow, action, o.Value)}))
	}
	return kb
}

func (e *Engine) optionLabel(lang string, opts []models.Option, value string) string {
	if o, ok := models.LookupOption(opts, value); ok {
		return e.text(lang, o.Label, nil)
	}
	return value
}
