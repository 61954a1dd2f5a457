package i18n

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/tg-gpt-bot-go/internal/config"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var locales embed.FS

// Localizer manages internationalization
type Localizer struct {
	bundle          *i18n.Bundle
	defaultLanguage string
	localizers      map[string]*i18n.Localizer
}

// NewLocalizer creates a new localizer from the embedded bundles
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	def, err := language.Parse(cfg.DefaultLanguage)
	if err != nil {
		return nil, fmt.Errorf("invalid default language %q: %w", cfg.DefaultLanguage, err)
	}

	bundle := i18n.NewBundle(def)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	localizers := make(map[string]*i18n.Localizer)
	for _, lang := range cfg.Languages {
		if _, err := bundle.LoadMessageFileFS(locales, fmt.Sprintf("locales/%s.json", lang)); err != nil {
			return nil, fmt.Errorf("failed to load language file %s: %w", lang, err)
		}
		localizers[lang] = i18n.NewLocalizer(bundle, lang, cfg.DefaultLanguage)
	}

	if _, ok := localizers[cfg.DefaultLanguage]; !ok {
		return nil, fmt.Errorf("default language %s is not in the language list", cfg.DefaultLanguage)
	}

	return &Localizer{
		bundle:          bundle,
		defaultLanguage: cfg.DefaultLanguage,
		localizers:      localizers,
	}, nil
}

// Resolve maps a client language code such as "ru-RU" to a loaded language
func (l *Localizer) Resolve(code string) string {
	base := strings.ToLower(code)
	if i := strings.IndexAny(base, "-_"); i > 0 {
		base = base[:i]
	}
	if _, ok := l.localizers[base]; ok {
		return base
	}
	return l.defaultLanguage
}

// Get returns localized message
func (l *Localizer) Get(lang, messageID string, data map[string]interface{}) string {
	localizer, exists := l.localizers[lang]
	if !exists {
		localizer = l.localizers[l.defaultLanguage]
	}

	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		return messageID // Fallback to message ID
	}

	return msg
}

// Message IDs
const (
	MsgWelcome           = "welcome"
	MsgHelp              = "help"
	MsgProcessing        = "processing"
	MsgGeneratingImage   = "generating_image"
	MsgGeneratingVariant = "generating_variation"
	MsgUnknownCommand    = "unknown_command"
	MsgRateLimitExceeded = "rate_limit_exceeded"
	MsgInputTooLong      = "input_too_long"
	MsgEmptyPrompt       = "empty_prompt"
	MsgNothingToCancel   = "nothing_to_cancel"
	MsgCancelled         = "cancelled"

	MsgError                   = "error"
	MsgErrorConnection         = "error_connection"
	MsgErrorTimeout            = "error_timeout"
	MsgErrorRateLimit          = "error_rate_limit"
	MsgErrorServiceUnavailable = "error_service_unavailable"
	MsgErrorResponseFormat     = "error_response_format"
	MsgErrorAPI                = "error_api"
	MsgErrorPersistence        = "error_persistence"
	MsgErrorEmptyResponse      = "error_empty_response"

	MsgMainMenuTitle  = "menu_main_title"
	MsgTextMenuTitle  = "menu_text_title"
	MsgImageMenuTitle = "menu_image_title"
	MsgOn             = "on"
	MsgOff            = "off"
	MsgNotSet         = "not_set"

	MsgBtnTextModelMenu    = "btn_text_model_menu"
	MsgBtnAssistant        = "btn_assistant"
	MsgBtnClose            = "btn_close"
	MsgBtnBack             = "btn_back"
	MsgBtnBaseURL          = "btn_base_url"
	MsgBtnModel            = "btn_model"
	MsgBtnTemperature      = "btn_temperature"
	MsgBtnMaxTokens        = "btn_max_tokens"
	MsgBtnSize             = "btn_size"
	MsgBtnQuality          = "btn_quality"
	MsgBtnStyle            = "btn_style"
	MsgBtnHDR              = "btn_hdr"
	MsgBtnCustomModel      = "btn_custom_model"
	MsgBtnDefaultAssistant = "btn_default_assistant"
	MsgBtnClearHistory     = "btn_clear_history"
	MsgBtnYes              = "btn_yes"
	MsgBtnNo               = "btn_no"

	MsgPromptBaseURL      = "prompt_base_url"
	MsgPromptMaxTokens    = "prompt_max_tokens"
	MsgPromptAssistantURL = "prompt_assistant_url"
	MsgPromptCustomModel  = "prompt_custom_model"
	MsgPickModel          = "pick_model"
	MsgPickTemperature    = "pick_temperature"
	MsgPickSize           = "pick_size"
	MsgPickQuality        = "pick_quality"
	MsgPickStyle          = "pick_style"

	MsgInvalidURL       = "invalid_url"
	MsgInvalidMaxTokens = "invalid_max_tokens"
	MsgInvalidModel     = "invalid_model"
	MsgInvalidValue     = "invalid_value"

	MsgDialogClosed  = "dialog_closed"
	MsgDialogTimeout = "dialog_timeout"
	MsgNotYourMenu   = "not_your_menu"

	MsgHistoryEmpty        = "history_empty"
	MsgHistoryTitle        = "history_title"
	MsgHistoryConfirmClear = "history_confirm_clear"
	MsgHistoryCleared      = "history_cleared"
	MsgHistoryKept         = "history_kept"

	MsgImageUsage      = "image_usage"
	MsgImageCaption    = "image_caption"
	MsgVariantCaption  = "variation_caption"
	MsgImageTooLarge   = "image_too_large"
	MsgImageUnreadable = "image_unreadable"
	MsgImageNoResult   = "image_no_result"

	MsgExportCaption = "export_caption"
	MsgImportUsage   = "import_usage"
	MsgImportDone    = "import_done"
	MsgImportInvalid = "import_invalid"
)
