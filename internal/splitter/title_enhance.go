package splitter

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/xiaojinlii/fastsearch/internal/schema"
)

// Title detection heuristics for Chinese documents. A title-like chunk is
// short, a single line, free of trailing punctuation, and contains real
// words. Numbered headings ("第一章", "1.2", "一、") qualify directly.
var (
	endPunct        = "，。；！？、：,.;!?:"
	numberedHeading = regexp.MustCompile(`^(第[一二三四五六七八九十百千0-9]+[章节篇部条款]|[一二三四五六七八九十]+[、.．]|\d+(\.\d+)*[、.．)）]?)\s*\S`)
)

// IsPossibleTitle reports whether text looks like a section title.
func IsPossibleTitle(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || strings.Contains(trimmed, "\n") {
		return false
	}
	runes := []rune(trimmed)
	if len(runes) > 30 {
		return false
	}
	if strings.ContainsRune(endPunct, runes[len(runes)-1]) {
		return false
	}

	letters, digits := 0, 0
	for _, r := range runes {
		switch {
		case unicode.IsLetter(r):
			letters++
		case unicode.IsDigit(r):
			digits++
		}
	}
	if letters == 0 {
		return false
	}
	if numberedHeading.MatchString(trimmed) {
		return true
	}
	if digits > letters {
		return false
	}
	return true
}

// EnhanceTitles tags title-like chunks and prefixes each following chunk
// with its nearest preceding title, until a new title appears. Chunks are
// mutated in place and returned.
func EnhanceTitles(docs []*schema.Document) []*schema.Document {
	title := ""
	for _, doc := range docs {
		if IsPossibleTitle(doc.PageContent) {
			doc.Metadata["category"] = "cn_Title"
			title = strings.TrimSpace(doc.PageContent)
			continue
		}
		if title != "" {
			doc.PageContent = fmt.Sprintf("下文与(%s)有关。%s", title, doc.PageContent)
		}
	}
	return docs
}
