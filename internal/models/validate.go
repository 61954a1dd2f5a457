package models

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode"
)

// ValidationError reports a settings value that violates a field constraint
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TextPatch is a partial update of TextSettings; nil fields are left untouched.
// ClearAssistantURL nulls the assistant URL in the same update.
type TextPatch struct {
	EndpointURL       *string
	Model             *string
	Temperature       *float64
	MaxTokens         *int
	UseAssistant      *bool
	AssistantURL      *string
	ClearAssistantURL bool
}

// ImagePatch is a partial update of ImageSettings
type ImagePatch struct {
	EndpointURL *string
	Model       *string
	Size        *string
	Quality     *string
	Style       *string
	HDR         *bool
}

// Apply copies the non-nil fields of p onto s
func (p TextPatch) Apply(s *TextSettings) {
	if p.EndpointURL != nil {
		s.EndpointURL = strings.TrimSpace(*p.EndpointURL)
	}
	if p.Model != nil {
		s.Model = strings.TrimSpace(*p.Model)
	}
	if p.Temperature != nil {
		s.Temperature = *p.Temperature
	}
	if p.MaxTokens != nil {
		s.MaxTokens = *p.MaxTokens
	}
	if p.UseAssistant != nil {
		s.UseAssistant = *p.UseAssistant
	}
	if p.AssistantURL != nil {
		u := strings.TrimSpace(*p.AssistantURL)
		s.AssistantURL = &u
	}
	if p.ClearAssistantURL {
		s.AssistantURL = nil
	}
	s.Normalize()
}

// Apply copies the non-nil fields of p onto s
func (p ImagePatch) Apply(s *ImageSettings) {
	if p.EndpointURL != nil {
		s.EndpointURL = strings.TrimSpace(*p.EndpointURL)
	}
	if p.Model != nil {
		s.Model = strings.TrimSpace(*p.Model)
	}
	if p.Size != nil {
		s.Size = *p.Size
	}
	if p.Quality != nil {
		s.Quality = *p.Quality
	}
	if p.Style != nil {
		s.Style = *p.Style
	}
	if p.HDR != nil {
		s.HDR = *p.HDR
	}
}

// Normalize drops the assistant URL when assistant mode is off
func (s *TextSettings) Normalize() {
	if !s.UseAssistant {
		s.AssistantURL = nil
	}
}

// Validate checks every field of s
func (s *TextSettings) Validate() error {
	if err := ValidateURL("endpoint_url", s.EndpointURL); err != nil {
		return err
	}
	if err := ValidateModel(s.Model); err != nil {
		return err
	}
	if err := ValidateTemperature(s.Temperature); err != nil {
		return err
	}
	if s.MaxTokens < MinMaxTokens {
		return invalid("max_tokens", "must be at least %d", MinMaxTokens)
	}
	if s.UseAssistant {
		if s.AssistantURL == nil {
			return invalid("assistant_url", "required when assistant mode is on")
		}
		if err := ValidateURL("assistant_url", *s.AssistantURL); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks every field of s
func (s *ImageSettings) Validate() error {
	if err := ValidateURL("endpoint_url", s.EndpointURL); err != nil {
		return err
	}
	if err := ValidateModel(s.Model); err != nil {
		return err
	}
	if !HasOption(ImageSizes, s.Size) {
		return invalid("size", "unsupported size %q", s.Size)
	}
	if !HasOption(ImageQualities, s.Quality) {
		return invalid("quality", "unsupported quality %q", s.Quality)
	}
	if !HasOption(ImageStyles, s.Style) {
		return invalid("style", "unsupported style %q", s.Style)
	}
	return nil
}

// ValidateURL requires an absolute http(s) URL with a host
func ValidateURL(field, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return invalid(field, "must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return invalid(field, "not a URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid(field, "scheme must be http or https")
	}
	if u.Host == "" {
		return invalid(field, "missing host")
	}
	return nil
}

// ValidateModel accepts any non-empty identifier without whitespace
func ValidateModel(model string) error {
	if model == "" {
		return invalid("model", "must not be empty")
	}
	if len(model) > 100 {
		return invalid("model", "too long")
	}
	if strings.IndexFunc(model, unicode.IsSpace) >= 0 {
		return invalid("model", "must not contain spaces")
	}
	return nil
}

// ValidateTemperature requires 0.0 <= t <= 1.0
func ValidateTemperature(t float64) error {
	if t < 0 || t > 1 {
		return invalid("temperature", "must be between 0 and 1")
	}
	return nil
}

// ParseMaxTokens parses free-text input for MAX_TOKENS_INPUT
func ParseMaxTokens(input string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(input))
	if err != nil {
		return 0, invalid("max_tokens", "must be an integer")
	}
	if n < MinMaxTokens {
		return 0, invalid("max_tokens", "must be at least %d", MinMaxTokens)
	}
	return n, nil
}
