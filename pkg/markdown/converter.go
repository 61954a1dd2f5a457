// Package markdown renders model output for Telegram's HTML parse mode.
// Replies are rendered many times while they stream in, so input is often
// a prefix of the final document.
package markdown

import (
	"regexp"
	"strings"

	"github.com/russross/blackfriday/v2"
)

var (
	paragraphRe = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	headingRe   = regexp.MustCompile(`(?s)<h[1-6][^>]*>(.*?)</h[1-6]>`)
	codeBlockRe = regexp.MustCompile(`(?s)<pre><code(?: class="[^"]*")?>(.*?)</code></pre>`)
	breakRe     = regexp.MustCompile(`<br\s*/?>`)
	tagRe       = regexp.MustCompile(`</?([a-zA-Z][a-zA-Z0-9]*)(?:\s[^>]*)?>`)
	blankRe     = regexp.MustCompile(`\n{3,}`)
)

// Tags Telegram accepts in HTML mode
var telegramTags = map[string]bool{"b": true, "i": true, "u": true, "s": true, "code": true, "pre": true, "a": true}

var renames = strings.NewReplacer(
	"<strong>", "<b>", "</strong>", "</b>",
	"<em>", "<i>", "</em>", "</i>",
	"<del>", "<s>", "</del>", "</s>",
	"<ul>", "", "</ul>", "",
	"<ol>", "", "</ol>", "",
	"<li>", "• ", "</li>", "\n",
)

// ToTelegramHTML converts markdown, possibly cut off mid-stream, to Telegram HTML
func ToTelegramHTML(md string) string {
	if strings.TrimSpace(md) == "" {
		return ""
	}

	// Smartypants entities such as &ldquo; are rejected by Telegram
	renderer := blackfriday.NewHTMLRenderer(blackfriday.HTMLRendererParameters{Flags: blackfriday.HTMLFlagsNone})
	html := string(blackfriday.Run([]byte(closeOpen(md)),
		blackfriday.WithRenderer(renderer),
		blackfriday.WithExtensions(blackfriday.CommonExtensions),
	))
	return clean(html)
}

// closeOpen terminates constructs a partial reply leaves open: a code fence,
// an inline code span or a bold run in the last paragraph.
func closeOpen(md string) string {
	fence := ""
	tail, offset := 0, 0
	for _, line := range strings.SplitAfter(md, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case fence != "":
			if strings.HasPrefix(trimmed, fence) {
				fence = ""
				tail = offset + len(line)
			}
		case strings.HasPrefix(trimmed, "```"), strings.HasPrefix(trimmed, "~~~"):
			fence = trimmed[:3]
		case trimmed == "":
			tail = offset + len(line)
		}
		offset += len(line)
	}

	if fence != "" {
		if !strings.HasSuffix(md, "\n") {
			md += "\n"
		}
		return md + fence
	}

	para := md[tail:]
	closers := ""
	if strings.Count(para, "`")%2 == 1 {
		closers += "`"
		// markers inside the open span are code, not emphasis
		para = para[:strings.LastIndex(para, "`")]
	}
	if strings.Count(para, "**")%2 == 1 {
		closers += "**"
	}
	if closers == "" {
		return md
	}
	return strings.TrimRight(md, " \t") + closers
}

func clean(html string) string {
	html = paragraphRe.ReplaceAllString(html, "$1\n")
	html = headingRe.ReplaceAllString(html, "<b>$1</b>\n")
	html = codeBlockRe.ReplaceAllString(html, "<pre>$1</pre>")
	html = breakRe.ReplaceAllString(html, "\n")
	html = renames.Replace(html)

	html = tagRe.ReplaceAllStringFunc(html, func(tag string) string {
		if m := tagRe.FindStringSubmatch(tag); m != nil && telegramTags[strings.ToLower(m[1])] {
			return tag
		}
		return ""
	})

	html = blankRe.ReplaceAllString(html, "\n\n")
	return strings.TrimSpace(html)
}
