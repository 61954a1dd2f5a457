package markdown

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToTelegramHTML_Inline(t *testing.T) {
	assert.Equal(t, "<b>bold</b> and <i>it</i>", ToTelegramHTML("**bold** and *it*"))
	assert.Equal(t, "first line\nsecond line", ToTelegramHTML("first line\nsecond line"))
	assert.Contains(t, ToTelegramHTML("~~gone~~"), "<s>gone</s>")
	assert.Empty(t, ToTelegramHTML("   "))
}

func TestToTelegramHTML_PartialReply(t *testing.T) {
	assert.Equal(t, "<b>almost</b>", ToTelegramHTML("**almost"))
	assert.Equal(t, "run <code>go vet</code>", ToTelegramHTML("run `go vet"))

	html := ToTelegramHTML("Use this:\n\n```go\nx := a < b\nfor {\n")
	assert.Contains(t, html, "<pre>x := a &lt; b\nfor {")
	assert.Contains(t, html, "</pre>")
	assert.NotContains(t, html, "```")
	assert.NotContains(t, html, "class=")
}

func TestToTelegramHTML_MultiLineCodeBlock(t *testing.T) {
	html := ToTelegramHTML("```\nline one\nline two\n```")
	assert.Contains(t, html, "<pre>line one\nline two")
	assert.NotContains(t, html, "<code")
}

func TestToTelegramHTML_Blocks(t *testing.T) {
	html := ToTelegramHTML("# Title\n\n- a\n- b\n")
	assert.Contains(t, html, "<b>Title</b>")
	assert.Contains(t, html, "• a")
	assert.Contains(t, html, "• b")
	assert.NotContains(t, html, "<h1")
	assert.NotContains(t, html, "<li>")
	assert.NotContains(t, html, "\n\n\n")
}

func TestToTelegramHTML_NoTypographicEntities(t *testing.T) {
	html := ToTelegramHTML(`say "hi" -- ok`)
	assert.NotContains(t, html, "&ldquo;")
	assert.NotContains(t, html, "&ndash;")
	assert.Contains(t, html, "&quot;hi&quot;")
}

func TestCloseOpen(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"done **x**", "done **x**"},
		{"**bold", "**bold**"},
		{"**bold ", "**bold**"},
		{"`a **b", "`a **b`"},
		{"**a**\n\n**b", "**a**\n\n**b**"},
		{"```\ncode", "```\ncode\n```"},
		{"~~~\nx\n", "~~~\nx\n~~~"},
		{"```\ncode\n```\n\n**x", "```\ncode\n```\n\n**x**"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, closeOpen(tt.in), tt.in)
	}
}
