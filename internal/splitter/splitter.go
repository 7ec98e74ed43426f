// Package splitter subdivides loaded documents into bounded chunks. A static
// registry maps file extensions to splitters; unlisted extensions use the
// default recursive splitter, and .csv uses none (the loader already yields
// one document per row).
package splitter

import (
	"strings"

	"github.com/xiaojinlii/fastsearch/internal/schema"
)

// Registry names.
const (
	NameNone      = "None"
	NameMarkdown  = "MarkdownHeaderTextSplitter"
	NameRecursive = "ChineseRecursiveTextSplitter"
)

// Splitter subdivides documents into chunks of bounded size with overlap.
type Splitter interface {
	// Name is the registry name recorded in the catalog.
	Name() string
	// Split subdivides docs. chunkSize and chunkOverlap are in runes;
	// splitters that key on structure (markdown headers) ignore them.
	Split(docs []*schema.Document, chunkSize, chunkOverlap int) ([]*schema.Document, error)
}

// NameForExtension returns the splitter registry name for an extension.
func NameForExtension(ext string) string {
	switch strings.ToLower(ext) {
	case ".csv":
		return NameNone
	case ".md":
		return NameMarkdown
	default:
		return NameRecursive
	}
}

// ForExtension returns the splitter for an extension, or nil when the
// extension takes no splitting.
func ForExtension(ext string) Splitter {
	switch NameForExtension(ext) {
	case NameNone:
		return nil
	case NameMarkdown:
		return &MarkdownHeaderSplitter{}
	default:
		return &RecursiveSplitter{}
	}
}

// Split applies the extension's splitter to docs. Extensions with no
// splitter pass documents through unchanged.
func Split(ext string, docs []*schema.Document, chunkSize, chunkOverlap int) ([]*schema.Document, string, error) {
	sp := ForExtension(ext)
	if sp == nil {
		return docs, NameNone, nil
	}
	out, err := sp.Split(docs, chunkSize, chunkOverlap)
	if err != nil {
		return nil, sp.Name(), err
	}
	return out, sp.Name(), nil
}
