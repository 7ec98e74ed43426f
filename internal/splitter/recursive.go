package splitter

import (
	"strings"

	"github.com/xiaojinlii/fastsearch/internal/schema"
)

// defaultSeparators are tried in order, coarsest first. Tuned for mixed
// Chinese and English prose.
var defaultSeparators = []string{
	"\n\n",
	"\n",
	"。",
	"！",
	"？",
	". ",
	"! ",
	"? ",
	"；",
	"; ",
	"，",
	", ",
	" ",
	"",
}

// RecursiveSplitter splits text by a separator hierarchy, merging pieces
// back into chunks of at most chunkSize runes with up to chunkOverlap runes of
// overlap between adjacent chunks.
type RecursiveSplitter struct{}

// Name implements Splitter.
func (s *RecursiveSplitter) Name() string { return NameRecursive }

// Split implements Splitter.
func (s *RecursiveSplitter) Split(docs []*schema.Document, chunkSize, chunkOverlap int) ([]*schema.Document, error) {
	if chunkSize <= 0 {
		chunkSize = 250
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = 0
	}

	var out []*schema.Document
	for _, doc := range docs {
		for _, piece := range splitText(doc.PageContent, chunkSize, chunkOverlap, defaultSeparators) {
			chunk := doc.Clone()
			chunk.PageContent = piece
			out = append(out, chunk)
		}
	}
	return out, nil
}

// splitText recursively splits text until every piece fits chunkSize, then
// merges adjacent pieces with overlap.
func splitText(text string, chunkSize, chunkOverlap int, separators []string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len([]rune(text)) <= chunkSize {
		return []string{text}
	}

	sep, rest := pickSeparator(text, separators)

	var pieces []string
	if sep == "" {
		pieces = splitRunes(text, chunkSize)
	} else {
		for _, part := range strings.SplitAfter(text, sep) {
			if part == "" {
				continue
			}
			if len([]rune(part)) > chunkSize {
				pieces = append(pieces, splitText(part, chunkSize, chunkOverlap, rest)...)
			} else {
				pieces = append(pieces, part)
			}
		}
	}

	return mergePieces(pieces, chunkSize, chunkOverlap)
}

// pickSeparator returns the first separator present in text, plus the
// remaining hierarchy below it.
func pickSeparator(text string, separators []string) (string, []string) {
	for i, sep := range separators {
		if sep == "" {
			return "", nil
		}
		if strings.Contains(text, sep) {
			return sep, separators[i+1:]
		}
	}
	return "", nil
}

// splitRunes hard-splits text into chunkSize-rune pieces.
func splitRunes(text string, chunkSize int) []string {
	runes := []rune(text)
	var out []string
	for start := 0; start < len(runes); start += chunkSize {
		end := start + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

// mergePieces greedily packs pieces into chunks of at most chunkSize runes,
// carrying up to chunkOverlap runes of trailing context into the next chunk.
func mergePieces(pieces []string, chunkSize, chunkOverlap int) []string {
	var out []string
	var current strings.Builder
	currentLen := 0
	fresh := false

	flush := func() {
		if currentLen == 0 {
			return
		}
		chunk := strings.TrimSpace(current.String())
		if chunk != "" {
			out = append(out, chunk)
		}
		tail := ""
		if chunkOverlap > 0 {
			runes := []rune(current.String())
			if len(runes) > chunkOverlap {
				runes = runes[len(runes)-chunkOverlap:]
			}
			tail = string(runes)
		}
		current.Reset()
		current.WriteString(tail)
		currentLen = len([]rune(tail))
		fresh = false
	}

	for _, piece := range pieces {
		pieceLen := len([]rune(piece))
		if currentLen > 0 && currentLen+pieceLen > chunkSize {
			flush()
			if room := chunkSize - pieceLen; currentLen > room {
				// Shrink the carried overlap so the next chunk fits chunkSize.
				runes := []rune(current.String())
				current.Reset()
				current.WriteString(string(runes[len(runes)-max(room, 0):]))
				currentLen = max(room, 0)
			}
		}
		current.WriteString(piece)
		currentLen += pieceLen
		fresh = true
	}

	// Avoid emitting an overlap-only remainder.
	if chunk := strings.TrimSpace(current.String()); chunk != "" && fresh {
		out = append(out, chunk)
	}
	return out
}
