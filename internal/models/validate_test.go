package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateURL(t *testing.T) {
	valid := []string{"https://api.openai.com/v1", "http://localhost:8080/chat", " https://x.io "}
	for _, raw := range valid {
		assert.NoError(t, ValidateURL("endpoint_url", raw), raw)
	}

	invalidURLs := []string{"", "api.openai.com", "ftp://files.example.com", "https://", "not a url"}
	for _, raw := range invalidURLs {
		err := ValidateURL("endpoint_url", raw)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, raw)
		assert.Equal(t, "endpoint_url", verr.Field)
	}
}

func TestParseMaxTokens(t *testing.T) {
	n, err := ParseMaxTokens(" 150 ")
	require.NoError(t, err)
	assert.Equal(t, 150, n)

	for _, in := range []string{"149", "0", "-5", "abc", "200.5", ""} {
		_, err := ParseMaxTokens(in)
		assert.Error(t, err, in)
	}
}

func TestValidateModel(t *testing.T) {
	assert.NoError(t, ValidateModel("gpt-4o-mini"))
	assert.Error(t, ValidateModel(""))
	assert.Error(t, ValidateModel("gpt 4"))
}

func TestTextPatch_ApplyClearsAssistantURLWhenOff(t *testing.T) {
	s := DefaultTextSettings(1, "")
	url := "https://assistant.example.com"
	on := true
	TextPatch{UseAssistant: &on, AssistantURL: &url}.Apply(&s)
	require.NoError(t, s.Validate())
	require.NotNil(t, s.AssistantURL)

	off := false
	TextPatch{UseAssistant: &off}.Apply(&s)
	assert.Nil(t, s.AssistantURL)
	assert.NoError(t, s.Validate())
}

func TestImageSettings_Validate(t *testing.T) {
	s := DefaultImageSettings(1, "")
	require.NoError(t, s.Validate())

	s.Size = "640x480"
	assert.Error(t, s.Validate())
}
