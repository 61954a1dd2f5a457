// Package dialog implements the per-user settings menus: a finite-state flow
// keyed by (user, chat) that edits the text and image settings records.
package dialog

import "time"

// Flow selects which settings record a dialog edits
type Flow string

const (
	FlowText  Flow = "text"
	FlowImage Flow = "image"
)

// Screen is one state of a dialog flow
type Screen string

const (
	ScreenMainMenu          Screen = "MAIN_MENU"
	ScreenTextModelMenu     Screen = "TEXT_MODEL_MENU"
	ScreenBaseURLInput      Screen = "BASE_URL_INPUT"
	ScreenModelPick         Screen = "MODEL_PICK"
	ScreenCustomModelInput  Screen = "CUSTOM_MODEL_INPUT"
	ScreenTemperaturePick   Screen = "TEMPERATURE_PICK"
	ScreenMaxTokensInput    Screen = "MAX_TOKENS_INPUT"
	ScreenAssistantURLInput Screen = "ASSISTANT_URL_INPUT"
	ScreenImageMainMenu     Screen = "IMAGE_MAIN_MENU"
	ScreenSizePick          Screen = "SIZE_PICK"
	ScreenQualityPick       Screen = "QUALITY_PICK"
	ScreenStylePick         Screen = "STYLE_PICK"
)

// IsInput reports whether the screen consumes the next text message
func (s Screen) IsInput() bool {
	switch s {
	case ScreenBaseURLInput, ScreenCustomModelInput, ScreenMaxTokensInput, ScreenAssistantURLInput:
		return true
	}
	return false
}

// Root returns the entry screen of the flow
func (f Flow) Root() Screen {
	if f == FlowImage {
		return ScreenImageMainMenu
	}
	return ScreenMainMenu
}

// parent is the screen a back transition or a successful commit returns to
func parent(flow Flow, screen Screen) Screen {
	if flow == FlowImage {
		if screen == ScreenCustomModelInput {
			return ScreenModelPick
		}
		return ScreenImageMainMenu
	}
	switch screen {
	case ScreenBaseURLInput, ScreenModelPick, ScreenTemperaturePick, ScreenMaxTokensInput:
		return ScreenTextModelMenu
	case ScreenCustomModelInput:
		return ScreenModelPick
	default:
		return ScreenMainMenu
	}
}

// committed is the screen shown after a value was saved from screen
func committed(flow Flow, screen Screen) Screen {
	if screen == ScreenCustomModelInput {
		return parent(flow, ScreenModelPick)
	}
	return parent(flow, screen)
}

// Key identifies one dialog slot
type Key struct {
	UserID int64 `json:"user_id"`
	ChatID int64 `json:"chat_id"`
}

// State is the persisted position of one active flow.
// Version increases on every write; writes based on an older version are rejected.
type State struct {
	Key
	FlowID    string    `json:"flow_id"`
	Version   int64     `json:"version"`
	Flow      Flow      `json:"flow"`
	Screen    Screen    `json:"screen"`
	MessageID int       `json:"message_id"`
	Lang      string    `json:"lang"`
	Deadline  time.Time `json:"deadline"`
}

// Expired reports whether the idle deadline has passed at now
func (s *State) Expired(now time.Time) bool {
	return !now.Before(s.Deadline)
}

// Trigger tags how a dialog input arrived
type Trigger int

const (
	TriggerCommand Trigger = iota
	TriggerButton
	TriggerTextInput
)

// Context is one dialog input, whatever its origin
type Context struct {
	UserID    int64
	ChatID    int64
	MessageID int
	Trigger   Trigger
	// Data is the callback payload for buttons and the message text otherwise
	Data       string
	CallbackID string
	Lang       string
}

func (c Context) key() Key {
	return Key{UserID: c.UserID, ChatID: c.ChatID}
}
