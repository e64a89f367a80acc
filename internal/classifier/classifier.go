// Package classifier derives short conversation titles from the first
// message of a conversation.
package classifier

import (
	"context"
	"strings"
	"unicode"
)

type Titler interface {
	Title(ctx context.Context, content string) string
}

type SimpleTitler struct {
	maxWords int
	maxLen   int
}

func NewSimpleTitler(maxWords, maxLen int) *SimpleTitler {
	return &SimpleTitler{
		maxWords: maxWords,
		maxLen:   maxLen,
	}
}

// Title keeps the first words of content, dropping hashtags' '#' and
// trailing punctuation. Empty content yields "".
func (c *SimpleTitler) Title(ctx context.Context, content string) string {
	words := strings.Fields(content)
	kept := make([]string, 0, c.maxWords)

	for _, word := range words {
		if len(kept) == c.maxWords {
			break
		}
		word = strings.TrimPrefix(word, "#")
		word = strings.TrimRightFunc(word, unicode.IsPunct)
		if word != "" {
			kept = append(kept, word)
		}
	}

	title := strings.Join(kept, " ")
	if r := []rune(title); c.maxLen > 0 && len(r) > c.maxLen {
		title = strings.TrimSpace(string(r[:c.maxLen])) + "…"
	}
	if title == "" {
		return ""
	}

	r := []rune(title)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
