// Package transcript renders a finished or in-progress story for reading.
package transcript

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"interactive_story_generator/story"
)

var md = goldmark.New(
	goldmark.WithExtensions(extension.Typographer),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// Markdown lays chapters out under a title heading, each passage followed by
// its illustration when one was produced.
func Markdown(title string, chapters []story.Chapter) string {
	var sb strings.Builder
	if title == "" {
		title = "Untitled story"
	}
	sb.WriteString(fmt.Sprintf("# %s\n\n", escapeInline(title)))
	for i, ch := range chapters {
		sb.WriteString(fmt.Sprintf("## Chapter %d\n\n", i+1))
		sb.WriteString(strings.TrimSpace(ch.Text))
		sb.WriteString("\n\n")
		if ch.Image != "" {
			sb.WriteString(fmt.Sprintf("![Illustration for chapter %d](%s)\n\n", i+1, ch.Image))
		}
	}
	return sb.String()
}

// HTML converts markdown to an HTML fragment.
func HTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return "", errors.Wrap(err, "render markdown")
	}
	return buf.String(), nil
}

// Digest returns the first limit characters of text with whitespace collapsed.
// A non-positive limit yields an empty digest.
func Digest(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	joined := strings.Join(strings.Fields(text), " ")
	runes := []rune(joined)
	if len(runes) <= limit {
		return joined
	}
	return string(runes[:limit])
}

var inlineMarkup = regexp.MustCompile("[*_`#\\[\\]]")

func escapeInline(s string) string {
	return inlineMarkup.ReplaceAllStringFunc(s, func(m string) string { return `\` + m })
}
