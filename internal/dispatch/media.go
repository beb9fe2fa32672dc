package dispatch

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

const audioPrefix = "[AUDIO:"

var markdown = goldmark.New()

// isMedia reports whether an answer is an image or audio token, which is shown at once instead of being
// revealed character by character.
func isMedia(content string) bool {
	return isImageMarkdown(content) || isAudioToken(content)
}

func isImageMarkdown(content string) bool {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "![") {
		return false
	}

	doc := markdown.Parser().Parse(text.NewReader([]byte(content)))
	found := false
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering && n.Kind() == ast.KindImage {
			found = true
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return found
}

func isAudioToken(content string) bool {
	content = strings.TrimSpace(content)
	return strings.HasPrefix(content, audioPrefix) && strings.HasSuffix(content, "]")
}
