package splitter

import (
	"regexp"
	"strings"

	"github.com/xiaojinlii/fastsearch/internal/schema"
)

// headersToSplitOn maps heading depth to the metadata key it fills.
var headersToSplitOn = []struct {
	prefix string
	key    string
}{
	{"#", schema.KeyHead1},
	{"##", schema.KeyHead2},
	{"###", schema.KeyHead3},
	{"####", schema.KeyHead4},
}

var headerLine = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)

// MarkdownHeaderSplitter splits on heading markers # through #### and
// attaches head1..head4 to each chunk's metadata. It takes no size or
// overlap parameters; section boundaries define the chunks.
type MarkdownHeaderSplitter struct{}

// Name implements Splitter.
func (s *MarkdownHeaderSplitter) Name() string { return NameMarkdown }

// Split implements Splitter. chunkSize and chunkOverlap are ignored.
func (s *MarkdownHeaderSplitter) Split(docs []*schema.Document, _, _ int) ([]*schema.Document, error) {
	var out []*schema.Document
	for _, doc := range docs {
		out = append(out, splitMarkdown(doc)...)
	}
	return out, nil
}

func splitMarkdown(doc *schema.Document) []*schema.Document {
	type headerState struct {
		key   string
		value string
	}

	var (
		out         []*schema.Document
		contentBuf  []string
		headerStack []headerState
		inCodeFence bool
	)

	emit := func() {
		content := strings.TrimSpace(strings.Join(contentBuf, "\n"))
		contentBuf = nil
		if content == "" {
			return
		}
		chunk := doc.Clone()
		chunk.PageContent = content
		for _, h := range headerStack {
			chunk.Metadata[h.key] = h.value
		}
		out = append(out, chunk)
	}

	for _, line := range strings.Split(doc.PageContent, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inCodeFence = !inCodeFence
			contentBuf = append(contentBuf, line)
			continue
		}
		if inCodeFence {
			contentBuf = append(contentBuf, line)
			continue
		}

		m := headerLine.FindStringSubmatch(trimmed)
		if m == nil {
			contentBuf = append(contentBuf, line)
			continue
		}

		depth := len(m[1])
		if depth > len(headersToSplitOn) {
			// Deeper than #### stays in the body.
			contentBuf = append(contentBuf, line)
			continue
		}

		emit()

		key := headersToSplitOn[depth-1].key
		title := strings.TrimSpace(m[2])

		// Pop headers at this depth or deeper, then push the new one.
		kept := headerStack[:0]
		for _, h := range headerStack {
			if headerDepth(h.key) < depth {
				kept = append(kept, h)
			}
		}
		headerStack = append(kept, headerState{key: key, value: title})
	}
	emit()

	return out
}

func headerDepth(key string) int {
	for i, h := range headersToSplitOn {
		if h.key == key {
			return i + 1
		}
	}
	return len(headersToSplitOn) + 1
}
