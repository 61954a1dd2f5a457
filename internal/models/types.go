package models

import (
	"time"
)

// Role of a history entry author
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// History categories
const (
	CategoryGPT       = "gpt"
	CategoryAssistant = "assistant"
)

// Defaults applied when a settings record is created lazily
const (
	DefaultEndpointURL = "https://api.openai.com/v1"
	DefaultTextModel   = "gpt-3.5-turbo"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000
	MinMaxTokens       = 150

	DefaultImageModel   = "dall-e-3"
	DefaultImageSize    = "1024x1024"
	DefaultImageQuality = "standard"
	DefaultImageStyle   = "natural"
)

// TextSettings holds the chat-completion parameters of one user
type TextSettings struct {
	UserID       int64     `json:"-" gorm:"primaryKey;autoIncrement:false"`
	EndpointURL  string    `json:"endpoint_url" gorm:"type:varchar(512);not null"`
	Model        string    `json:"model" gorm:"type:varchar(128);not null"`
	Temperature  float64   `json:"temperature" gorm:"not null;check:temperature >= 0 AND temperature <= 1"`
	MaxTokens    int       `json:"max_tokens" gorm:"not null;check:max_tokens >= 150"`
	UseAssistant bool      `json:"use_assistant" gorm:"not null"`
	AssistantURL *string   `json:"assistant_url" gorm:"type:varchar(512)"`
	CreatedAt    time.Time `json:"-"`
	UpdatedAt    time.Time `json:"-"`
}

// TableName returns the database table name for TextSettings.
func (TextSettings) TableName() string { return "user_settings" }

// ImageSettings holds the image-generation parameters of one user
type ImageSettings struct {
	UserID      int64     `json:"-" gorm:"primaryKey;autoIncrement:false"`
	EndpointURL string    `json:"endpoint_url" gorm:"type:varchar(512);not null"`
	Model       string    `json:"model" gorm:"type:varchar(128);not null"`
	Size        string    `json:"size" gorm:"type:varchar(16);not null"`
	Quality     string    `json:"quality" gorm:"type:varchar(16);not null"`
	Style       string    `json:"style" gorm:"type:varchar(16);not null"`
	HDR         bool      `json:"hdr" gorm:"column:hdr;not null"`
	CreatedAt   time.Time `json:"-"`
	UpdatedAt   time.Time `json:"-"`
}

// TableName returns the database table name for ImageSettings.
func (ImageSettings) TableName() string { return "image_settings" }

// HistoryEntry is one immutable line of a user's conversation log.
// ID is monotonic so entries written within the same clock tick keep their order.
type HistoryEntry struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    int64     `gorm:"not null;index:idx_history_user_time,priority:1"`
	Text      string    `gorm:"type:text;not null"`
	Role      Role      `gorm:"type:varchar(16);not null;check:role IN ('user','assistant')"`
	Category  string    `gorm:"type:varchar(32);not null;default:'gpt'"`
	Timestamp time.Time `gorm:"column:created_at;not null;index:idx_history_user_time,priority:2"`
}

// TableName returns the database table name for HistoryEntry.
func (HistoryEntry) TableName() string { return "history" }

// DefaultTextSettings returns a fresh text record for userID
func DefaultTextSettings(userID int64, endpoint string) TextSettings {
	if endpoint == "" {
		endpoint = DefaultEndpointURL
	}
	return TextSettings{
		UserID:      userID,
		EndpointURL: endpoint,
		Model:       DefaultTextModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
}

// DefaultImageSettings returns a fresh image record for userID
func DefaultImageSettings(userID int64, endpoint string) ImageSettings {
	if endpoint == "" {
		endpoint = DefaultEndpointURL
	}
	return ImageSettings{
		UserID:      userID,
		EndpointURL: endpoint,
		Model:       DefaultImageModel,
		Size:        DefaultImageSize,
		Quality:     DefaultImageQuality,
		Style:       DefaultImageStyle,
	}
}

// SettingsDocument is the export/import shape of both records
type SettingsDocument struct {
	TextSettings  *TextSettings  `json:"text_settings"`
	ImageSettings *ImageSettings `json:"image_settings"`
}
