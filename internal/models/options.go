package models

// Option is one labeled entry of an enumerated-choice screen
type Option struct {
	Value string
	Label string
}

// TextModels lists the chat models offered on MODEL_PICK
var TextModels = []Option{
	{Value: "gpt-3.5-turbo", Label: "GPT-3.5 Turbo"},
	{Value: "gpt-4", Label: "GPT-4"},
	{Value: "gpt-4-turbo", Label: "GPT-4 Turbo"},
	{Value: "claude-3-sonnet", Label: "Claude 3 Sonnet"},
}

// ImageModels lists the image models offered on the image MODEL_PICK
var ImageModels = []Option{
	{Value: "dall-e-3", Label: "DALL-E 3"},
	{Value: "dall-e-2", Label: "DALL-E 2"},
	{Value: "stable-diffusion-xl", Label: "Stable Diffusion XL"},
}

// Temperatures is the fixed discretization offered on TEMPERATURE_PICK
var Temperatures = []float64{0.0, 0.2, 0.4, 0.6, 0.8, 1.0}

// ImageSizes, ImageQualities and ImageStyles carry i18n message IDs as labels.
var ImageSizes = []Option{
	{Value: "1024x1024", Label: "size_square"},
	{Value: "1792x1024", Label: "size_wide"},
	{Value: "1024x1792", Label: "size_tall"},
	{Value: "512x512", Label: "size_small"},
}

var ImageQualities = []Option{
	{Value: "standard", Label: "quality_standard"},
	{Value: "hd", Label: "quality_hd"},
}

var ImageStyles = []Option{
	{Value: "natural", Label: "style_natural"},
	{Value: "vivid", Label: "style_vivid"},
	{Value: "anime", Label: "style_anime"},
}

// HasOption reports whether value is one of opts
func HasOption(opts []Option, value string) bool {
	for _, o := range opts {
		if o.Value == value {
			return true
		}
	}
	return false
}

// LookupOption returns the option carrying value
func LookupOption(opts []Option, value string) (Option, bool) {
	for _, o := range opts {
		if o.Value == value {
			return o, true
		}
	}
	return Option{}, false
}
